// Package identity - device keypair, self-signed descriptor and sign / verify capability
package identity

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/jellydator/ttlcache/v3"
)

// RSAKeyBits size of generated device keys
const RSAKeyBits = 2048

// Parsed keys kept by a verifier
const (
	keyCacheCapacity = 1024
	keyCacheTTL      = time.Hour
)

// Verifier checks signatures produced by any device
type Verifier interface {
	/*
		Verify check a signature over a message

			@param ctx context.Context - execution context
			@param publicKey string - PEM encoded public key of the signer
			@param message []byte - the signed bytes
			@param signature string - base64 encoded signature
	*/
	Verify(ctx context.Context, publicKey string, message []byte, signature string) error
}

// Capability the signing capability of the device this node is
type Capability interface {
	Verifier

	// DeviceID the device this capability signs for
	DeviceID() string

	// PublicKey PEM encoded public key of the device
	PublicKey() string

	/*
		Sign sign a message with the device private key

			@param ctx context.Context - execution context
			@param message []byte - the bytes to sign
			@returns base64 encoded signature
	*/
	Sign(ctx context.Context, message []byte) (string, error)
}

// rsaVerifier implements Verifier with RSA PKCS#1 v1.5 over SHA-256
type rsaVerifier struct {
	goutils.Component

	keyCache *ttlcache.Cache[string, *rsa.PublicKey]
}

// NewVerifier define a new signature verifier
func NewVerifier() Verifier {
	return newVerifier(keyCacheCapacity, keyCacheTTL)
}

func newVerifier(capacity uint64, ttl time.Duration) *rsaVerifier {
	return &rsaVerifier{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "identity", "component": "verifier"},
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		keyCache: ttlcache.New[string, *rsa.PublicKey](
			ttlcache.WithTTL[string, *rsa.PublicKey](ttl),
			ttlcache.WithCapacity[string, *rsa.PublicKey](capacity),
		),
	}
}

func (v *rsaVerifier) parsePublicKey(publicKey string) (*rsa.PublicKey, error) {
	if cached := v.keyCache.Get(publicKey); cached != nil {
		return cached.Value(), nil
	}

	parsed, err := ParsePublicKey(publicKey)
	if err != nil {
		return nil, err
	}
	v.keyCache.Set(publicKey, parsed, ttlcache.DefaultTTL)
	return parsed, nil
}

/*
Verify check a signature over a message

	@param ctx context.Context - execution context
	@param publicKey string - PEM encoded public key of the signer
	@param message []byte - the signed bytes
	@param signature string - base64 encoded signature
*/
func (v *rsaVerifier) Verify(
	ctx context.Context, publicKey string, message []byte, signature string,
) error {
	pubKey, err := v.parsePublicKey(publicKey)
	if err != nil {
		return fmt.Errorf("signer public key unusable [%w]", err)
	}
	rawSig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("signature is not base64 [%w]", err)
	}
	digest := sha256.Sum256(message)
	if err := rsa.VerifyPKCS1v15(pubKey, crypto.SHA256, digest[:], rawSig); err != nil {
		log.WithFields(v.GetLogTagsForContext(ctx)).WithError(err).Debug("Signature mismatch")
		return fmt.Errorf("signature mismatch [%w]", err)
	}
	return nil
}

// rsaCapability implements Capability
type rsaCapability struct {
	*rsaVerifier

	deviceID  string
	publicKey string
	key       *rsa.PrivateKey
	rng       io.Reader
}

/*
NewCapability define the signing capability of a device

	@param deviceID string - the device
	@param privateKey *rsa.PrivateKey - the device private key
	@param rng io.Reader - randomness source
	@returns the capability
*/
func NewCapability(deviceID string, privateKey *rsa.PrivateKey, rng io.Reader) (Capability, error) {
	publicKey, err := EncodePublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, err
	}
	verifier := newVerifier(keyCacheCapacity, keyCacheTTL)
	verifier.LogTags = log.Fields{
		"module": "identity", "component": "capability", "instance": deviceID,
	}
	return &rsaCapability{
		rsaVerifier: verifier,
		deviceID:    deviceID,
		publicKey:   publicKey,
		key:         privateKey,
		rng:         rng,
	}, nil
}

func (c *rsaCapability) DeviceID() string {
	return c.deviceID
}

func (c *rsaCapability) PublicKey() string {
	return c.publicKey
}

/*
Sign sign a message with the device private key

	@param ctx context.Context - execution context
	@param message []byte - the bytes to sign
	@returns base64 encoded signature
*/
func (c *rsaCapability) Sign(_ context.Context, message []byte) (string, error) {
	digest := sha256.Sum256(message)
	sig, err := rsa.SignPKCS1v15(c.rng, c.key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("failed to sign message [%w]", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// ------------------------------------------------------------------------------------
// Key encoding

// GenerateKey generate a new device private key
func GenerateKey(rng io.Reader) (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rng, RSAKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key [%w]", err)
	}
	return key, nil
}

// EncodePrivateKey PEM encode a device private key
func EncodePrivateKey(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}

// ParsePrivateKey parse a PEM encoded device private key
func ParsePrivateKey(raw []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("private key is not PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse RSA private key [%w]", err)
	}
	return key, nil
}

// EncodePublicKey PEM encode a device public key
func EncodePublicKey(key *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("failed to marshal RSA public key [%w]", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ParsePublicKey parse a PEM encoded device public key
func ParsePublicKey(raw string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(raw))
	if block == nil {
		return nil, fmt.Errorf("public key is not PEM")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key [%w]", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return key, nil
}
