package encryption

import (
	"context"
	"fmt"

	"github.com/alwitt/cgoutils/crypto"
	"github.com/alwitt/securesync/db"
	"github.com/alwitt/securesync/models"
	"github.com/apex/log"
)

/*
WrappingKey the active symmetric key device private keys are sealed with. A key is
defined, wrapped with the primary RSA key, on first use.

	@param ctx context.Context - execution context
	@param activeDBClient Database - existing database transaction
	@returns the key entry
*/
func (e *cryptoEngine) WrappingKey(
	ctx context.Context, activeDBClient db.Database,
) (models.EncryptionKey, error) {
	var result models.EncryptionKey
	err := db.ActiveSessionWrapper(
		ctx, activeDBClient, e.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			active, err := dbClient.ListEncryptionKeys(dbCtx, db.EncryptionKeyQueryFilter{
				TargetState: []models.EncryptionKeyStateENUMType{models.EncryptionKeyStateActive},
			})
			if err != nil {
				return err
			}
			if len(active) > 0 {
				// Newest first
				result = active[0]
				return nil
			}
			result, err = e.defineWrappingKey(dbCtx, dbClient)
			return err
		},
	)
	if err != nil {
		return models.EncryptionKey{}, fmt.Errorf("failed to select wrapping key [%w]", err)
	}
	return result, nil
}

// defineWrappingKey generate a new symmetric key and store it wrapped with the primary key
func (e *cryptoEngine) defineWrappingKey(
	ctx context.Context, dbClient db.Database,
) (models.EncryptionKey, error) {
	aead, err := e.crypto.GetAEAD(ctx, crypto.AEADTypeXChaCha20Poly1305)
	if err != nil {
		return models.EncryptionKey{}, fmt.Errorf("unable to define AEAD client [%w]", err)
	}
	plainKey, err := e.RandomBytes(ctx, aead.ExpectedKeyLen())
	if err != nil {
		return models.EncryptionKey{}, err
	}
	wrapped, err := e.crypto.RSAEncrypt(ctx, plainKey, e.rsaPubKey, nil)
	if err != nil {
		return models.EncryptionKey{}, fmt.Errorf("failed to wrap symmetric key [%w]", err)
	}
	entry, err := dbClient.RecordEncryptionKey(ctx, wrapped)
	if err != nil {
		return models.EncryptionKey{}, err
	}

	e.unwrappedLock.Lock()
	e.unwrapped[entry.ID] = plainKey
	e.unwrappedLock.Unlock()

	log.WithFields(e.GetLogTagsForContext(ctx)).
		WithField("enc-key-id", entry.ID).
		Info("Defined new wrapping key")
	return entry, nil
}

// unwrapKey plain text of a wrapping key, unwrapped with the primary key once per engine
func (e *cryptoEngine) unwrapKey(ctx context.Context, entry models.EncryptionKey) ([]byte, error) {
	if entry.State != models.EncryptionKeyStateActive {
		return nil, fmt.Errorf("wrapping key %s is not active", entry.ID)
	}

	e.unwrappedLock.RLock()
	plainKey, ok := e.unwrapped[entry.ID]
	e.unwrappedLock.RUnlock()
	if ok {
		return plainKey, nil
	}

	plainKey, err := e.crypto.RSADecrypt(ctx, entry.EncKeyMaterial, e.rsaKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap key %s [%w]", entry.ID, err)
	}
	e.unwrappedLock.Lock()
	e.unwrapped[entry.ID] = plainKey
	e.unwrappedLock.Unlock()
	return plainKey, nil
}
