package db

import (
	"context"
	"fmt"

	"github.com/alwitt/securesync/models"
	"github.com/google/uuid"
)

/*
RecordEncryptionKey record an encrypted symmetric encryption key

	@param ctx context.Context - execution context
	@param encKeyMaterial string - encrypted key material
	@returns the key entry
*/
func (d *databaseImpl) RecordEncryptionKey(
	_ context.Context, encKeyMaterial []byte,
) (models.EncryptionKey, error) {
	newEntry := encryptionKeyEntry{
		EncryptionKey: models.EncryptionKey{
			ID:             uuid.NewString(),
			EncKeyMaterial: encKeyMaterial,
			State:          models.EncryptionKeyStateActive,
		},
	}

	if err := d.validator.Struct(&newEntry); err != nil {
		return models.EncryptionKey{}, fmt.Errorf("new encryption key entry is invalid [%w]", err)
	}

	if tmp := d.db.Create(&newEntry); tmp.Error != nil {
		return models.EncryptionKey{}, fmt.Errorf(
			"new encryption key entry insert failed [%w]", tmp.Error,
		)
	}

	// Record this event
	if _, err := d.defineNewSystemEvent(
		models.SystemEventTypeNewEncryptionKey, models.SystemEventEncKeyRelated{KeyID: newEntry.ID},
	); err != nil {
		return models.EncryptionKey{}, fmt.Errorf(
			"failed to log add new encryption key audit event [%w]", err,
		)
	}

	return newEntry.EncryptionKey, nil
}

// getEncryptionKey fetch one encryption key
func (d *databaseImpl) getEncryptionKey(keyID string) (encryptionKeyEntry, error) {
	var entry encryptionKeyEntry
	err := d.db.Where("id = ?", keyID).First(&entry).Error
	return entry, err
}

/*
GetEncryptionKey fetch one encryption key

	@param ctx context.Context - execution context
	@param keyID string - the encryption key ID
	@return key entry
*/
func (d *databaseImpl) GetEncryptionKey(
	_ context.Context, keyID string,
) (models.EncryptionKey, error) {
	entry, err := d.getEncryptionKey(keyID)
	if err != nil {
		return models.EncryptionKey{}, fmt.Errorf("failed to fetch encryption key %s [%w]", keyID, err)
	}
	return entry.EncryptionKey, nil
}

/*
ListEncryptionKeys list encryption keys

	@param ctx context.Context - execution context
	@param filters EncryptionKeyQueryFilter - entry listing filter
	@return list of keys
*/
func (d *databaseImpl) ListEncryptionKeys(
	_ context.Context, filters EncryptionKeyQueryFilter,
) ([]models.EncryptionKey, error) {
	query := d.db.Model(&encryptionKeyEntry{})

	if len(filters.TargetState) > 0 {
		query = query.Where("state in ?", filters.TargetState)
	}

	query = applyCommonFilter(query, filters.CommonListEntryQueryFilter)

	query = query.Order("created_at desc")

	var entries []encryptionKeyEntry
	if tmp := query.Find(&entries); tmp.Error != nil {
		return nil, fmt.Errorf("failed to list encryption keys [%w]", tmp.Error)
	}

	result := []models.EncryptionKey{}
	for _, entry := range entries {
		result = append(result, entry.EncryptionKey)
	}

	return result, nil
}

/*
RecordDeviceKey record the sealed private key of a device

	@param ctx context.Context - execution context
	@param deviceID string - the device
	@param encKey models.EncryptionKey - the key which sealed the private key
	@param sealed []byte - the sealed private key
	@param nonce []byte - the sealing nonce
	@returns the device key entry
*/
func (d *databaseImpl) RecordDeviceKey(
	_ context.Context,
	deviceID string,
	encKey models.EncryptionKey,
	sealed []byte,
	nonce []byte,
) (models.DeviceKey, error) {
	newEntry := deviceKeyEntry{
		DeviceKey: models.DeviceKey{
			DeviceID:  deviceID,
			EncKeyID:  encKey.ID,
			SealedKey: sealed,
			Nonce:     nonce,
		},
	}

	if err := d.validator.Struct(&newEntry); err != nil {
		return models.DeviceKey{}, fmt.Errorf("new device key entry is invalid [%w]", err)
	}

	if tmp := d.db.Create(&newEntry); tmp.Error != nil {
		return models.DeviceKey{}, fmt.Errorf(
			"device %s key entry insert failed [%w]", deviceID, tmp.Error,
		)
	}

	return newEntry.DeviceKey, nil
}

/*
GetDeviceKey fetch the sealed private key of a device

	@param ctx context.Context - execution context
	@param deviceID string - the device
	@returns the device key entry
*/
func (d *databaseImpl) GetDeviceKey(_ context.Context, deviceID string) (models.DeviceKey, error) {
	var entry deviceKeyEntry
	if err := d.db.Where("device_id = ?", deviceID).First(&entry).Error; err != nil {
		return models.DeviceKey{}, fmt.Errorf("failed to fetch device %s key [%w]", deviceID, err)
	}
	return entry.DeviceKey, nil
}
