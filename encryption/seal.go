package encryption

import (
	"context"
	"fmt"

	"github.com/alwitt/securesync/db"
	"github.com/alwitt/securesync/models"
	"github.com/apex/log"
)

/*
SealDeviceKey encrypt and store the private key of a device owned by this node

	@param ctx context.Context - execution context
	@param deviceID string - the device
	@param privateKey []byte - PEM encoded private key
	@param activeDBClient Database - existing database transaction
	@returns the stored device key entry
*/
func (e *cryptoEngine) SealDeviceKey(
	ctx context.Context, deviceID string, privateKey []byte, activeDBClient db.Database,
) (models.DeviceKey, error) {
	var deviceKey models.DeviceKey
	if err := db.ActiveSessionWrapper(
		ctx, activeDBClient, e.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			wrapping, err := e.WrappingKey(dbCtx, dbClient)
			if err != nil {
				return err
			}
			plainKey, err := e.unwrapKey(dbCtx, wrapping)
			if err != nil {
				return err
			}
			sealed, err := e.seal(dbCtx, plainKey, privateKey)
			if err != nil {
				return err
			}
			deviceKey, err = dbClient.RecordDeviceKey(
				dbCtx, deviceID, wrapping, sealed.CipherText, sealed.Nonce,
			)
			return err
		},
	); err != nil {
		return models.DeviceKey{}, fmt.Errorf("failed to seal device %s key [%w]", deviceID, err)
	}

	log.WithFields(e.GetLogTagsForContext(ctx)).
		WithField("device-id", deviceID).
		WithField("enc-key-id", deviceKey.EncKeyID).
		Info("Sealed device private key")
	return deviceKey, nil
}

/*
UnsealDeviceKey read back the private key of a device owned by this node

	@param ctx context.Context - execution context
	@param deviceID string - the device
	@param activeDBClient Database - existing database transaction
	@returns PEM encoded private key
*/
func (e *cryptoEngine) UnsealDeviceKey(
	ctx context.Context, deviceID string, activeDBClient db.Database,
) ([]byte, error) {
	var privateKey []byte
	if err := db.ActiveSessionWrapper(
		ctx, activeDBClient, e.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			deviceKey, err := dbClient.GetDeviceKey(dbCtx, deviceID)
			if err != nil {
				return err
			}
			wrapping, err := dbClient.GetEncryptionKey(dbCtx, deviceKey.EncKeyID)
			if err != nil {
				return err
			}
			plainKey, err := e.unwrapKey(dbCtx, wrapping)
			if err != nil {
				return err
			}
			privateKey, err = e.open(
				dbCtx, plainKey, sealedData{CipherText: deviceKey.SealedKey, Nonce: deviceKey.Nonce},
			)
			return err
		},
	); err != nil {
		return nil, fmt.Errorf("failed to unseal device %s key [%w]", deviceID, err)
	}
	return privateKey, nil
}
