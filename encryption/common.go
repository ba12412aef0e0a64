// Package encryption - data encryption processing engine
package encryption

import (
	"context"
	"crypto/rsa"
	"fmt"
	"io"
	"sync"

	cgoCrypto "github.com/alwitt/cgoutils/crypto"
	"github.com/alwitt/goutils"
	"github.com/alwitt/securesync/db"
	"github.com/alwitt/securesync/models"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

/*
CryptographyEngine the node's cryptography engine. It is solely responsible for the
at-rest protection of device private keys, and is the source of random material used
by the rest of the node.

Aside from performing the cryptographic computation, it also provides the wrapper
interface around the encryption related APIs in the persistence layer. (i.e. the rest
of the system must not directly interact with the encryption key APIs of the persistence
layer.)
*/
type CryptographyEngine interface {
	/*
		WrappingKey the active symmetric key device private keys are sealed with. A key is
		defined, wrapped with the primary RSA key, on first use.

			@param ctx context.Context - execution context
			@param activeDBClient Database - existing database transaction
			@returns the key entry
	*/
	WrappingKey(ctx context.Context, activeDBClient db.Database) (models.EncryptionKey, error)

	/*
		SealDeviceKey encrypt and store the private key of a device owned by this node

			@param ctx context.Context - execution context
			@param deviceID string - the device
			@param privateKey []byte - PEM encoded private key
			@param activeDBClient Database - existing database transaction
			@returns the stored device key entry
	*/
	SealDeviceKey(
		ctx context.Context, deviceID string, privateKey []byte, activeDBClient db.Database,
	) (models.DeviceKey, error)

	/*
		UnsealDeviceKey read back the private key of a device owned by this node

			@param ctx context.Context - execution context
			@param deviceID string - the device
			@param activeDBClient Database - existing database transaction
			@returns PEM encoded private key
	*/
	UnsealDeviceKey(
		ctx context.Context, deviceID string, activeDBClient db.Database,
	) ([]byte, error)

	/*
		RandomBytes read bytes from the engine's CSPRNG

			@param ctx context.Context - execution context
			@param length int - number of bytes
			@returns the random bytes
	*/
	RandomBytes(ctx context.Context, length int) ([]byte, error)

	// GetRNGReader the engine's CSPRNG as a reader, for key generation
	GetRNGReader() io.Reader
}

// sealedData AEAD cipher text and the nonce used to produce it
type sealedData struct {
	CipherText []byte
	Nonce      []byte
}

// cryptoEngine implements CryptographyEngine
type cryptoEngine struct {
	goutils.Component

	persistence db.Client
	validator   *validator.Validate

	crypto cgoCrypto.Engine

	rsaKey    *rsa.PrivateKey
	rsaPubKey *rsa.PublicKey

	// unwrapped plain text wrapping keys, by key ID
	unwrapped     map[string][]byte
	unwrappedLock sync.RWMutex
}

// CryptographyEngineParams cryptography engine init parameters
//
// The primary RSA key pair is used to encrypt and decrypt symmetric encryption keys
type CryptographyEngineParams struct {
	// Persistence persistence layer client
	Persistence db.Client `validate:"-"`
	// PrimaryRSACertFile file path to the primary RSA certificate PEM
	PrimaryRSACertFile string `validate:"required,file"`
	// PrimaryRSAKeyFile file path to the primary RSA certificate private key PEM
	PrimaryRSAKeyFile string `validate:"required,file"`
}

/*
NewCryptographyEngine define new cryptography engine

	@param ctx context.Context - execution context
	@param params CryptographyEngineParams - engine parameters
	@returns engine instance
*/
func NewCryptographyEngine(
	ctx context.Context, params CryptographyEngineParams,
) (CryptographyEngine, error) {
	// Prepare core crypto engine
	engine, err := cgoCrypto.NewEngine(log.Fields{
		"package": "cgoutils", "module": "crypto", "component": "crypto-engine",
	})

	if err != nil {
		return nil, fmt.Errorf("failed to prepare core cryptography [%w]", err)
	}

	logTags := log.Fields{"module": "encryption", "component": "crypto-engine"}

	instance := &cryptoEngine{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		persistence: params.Persistence,
		validator:   validator.New(),
		crypto:      engine,
		unwrapped:   make(map[string][]byte),
	}
	if err := models.RegisterWithValidator(instance.validator); err != nil {
		return nil, fmt.Errorf("failed to install custom validation macros [%w]", err)
	}

	if err := instance.validator.Struct(&params); err != nil {
		return nil, fmt.Errorf("invalid engine init parameters [%w]", err)
	}
	if err := instance.loadPrimaryKeyPair(
		ctx, params.PrimaryRSACertFile, params.PrimaryRSAKeyFile,
	); err != nil {
		return nil, fmt.Errorf("failed to load primary RSA key pair [%w]", err)
	}

	return instance, nil
}

/*
RandomBytes read bytes from the engine's CSPRNG

	@param ctx context.Context - execution context
	@param length int - number of bytes
	@returns the random bytes
*/
func (e *cryptoEngine) RandomBytes(ctx context.Context, length int) ([]byte, error) {
	buf := make([]byte, length)
	if n, err := e.crypto.GetRNGReader().Read(buf); err != nil {
		return nil, fmt.Errorf("failed to read %d bytes from RNG [%w]", length, err)
	} else if n != length {
		return nil, fmt.Errorf("did not get %d bytes from RNG, only %d", length, n)
	}
	return buf, nil
}

func (e *cryptoEngine) GetRNGReader() io.Reader {
	return e.crypto.GetRNGReader()
}
