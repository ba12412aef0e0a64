package db_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/alwitt/securesync/db"
	"github.com/alwitt/securesync/models"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm/logger"
)

// TestDBEncryptionKeyRecord verifies the behaviour of the encryption key API:
//   - RecordEncryptionKey
//   - GetEncryptionKey
//   - ListEncryptionKeys
//
// The test performs the following steps:
//
//  1. Record two encryption keys (test key 1 and test key 2).
//  2. Retrieve each key and verify the stored material.
//  3. List the keys, newest first.
//  4. List audit events – there should be one NewEncryptionKey event per key.
func TestDBEncryptionKeyRecord(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	// Create a unique temporary DB file for this test
	testDB := fmt.Sprintf("/tmp/securesync_ut_%s.db", ulid.Make().String())
	log.WithField("db", testDB).Debug("Test database")

	uut, err := db.NewConnection(db.GetSqliteDialector(testDB), logger.Error)
	assert.Nil(err)

	// Create database tables
	assert.Nil(uut.RunSQLInTransaction(utCtx, db.DefineTables))

	// 1. Record test keys
	keyMaterial1 := []byte(uuid.NewString())
	keyMaterial2 := []byte(uuid.NewString())
	var key1, key2 models.EncryptionKey
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		var err error
		if key1, err = dbClient.RecordEncryptionKey(ctx, keyMaterial1); err != nil {
			return err
		}
		key2, err = dbClient.RecordEncryptionKey(ctx, keyMaterial2)
		return err
	})
	assert.Nil(err)

	// 2. Retrieve and verify content
	err = uut.UseDatabase(utCtx, func(ctx context.Context, dbClient db.Database) error {
		ek, err := dbClient.GetEncryptionKey(ctx, key1.ID)
		if err != nil {
			return err
		}
		assert.Equal(keyMaterial1, ek.EncKeyMaterial)
		assert.Equal(models.EncryptionKeyStateActive, ek.State)
		ek, err = dbClient.GetEncryptionKey(ctx, key2.ID)
		if err != nil {
			return err
		}
		assert.Equal(keyMaterial2, ek.EncKeyMaterial)
		return nil
	})
	assert.Nil(err)

	// Unknown key
	err = uut.UseDatabase(utCtx, func(ctx context.Context, dbClient db.Database) error {
		_, err := dbClient.GetEncryptionKey(ctx, uuid.NewString())
		return err
	})
	assert.Error(err)

	// 3. List keys
	err = uut.UseDatabase(utCtx, func(ctx context.Context, dbClient db.Database) error {
		keys, err := dbClient.ListEncryptionKeys(ctx, db.EncryptionKeyQueryFilter{
			TargetState: []models.EncryptionKeyStateENUMType{models.EncryptionKeyStateActive},
		})
		if err != nil {
			return err
		}
		assert.Len(keys, 2)
		return nil
	})
	assert.Nil(err)

	// 4. List audit events
	var events []models.SystemEventAudit
	err = uut.UseDatabase(utCtx, func(ctx context.Context, dbClient db.Database) error {
		events, err = dbClient.ListSystemEvents(ctx, db.SystemEventQueryFilter{})
		return err
	})
	assert.Nil(err)
	assert.Len(events, 2)

	validate := validator.New()
	assert.Nil(models.RegisterWithValidator(validate))

	seen := map[string]bool{}
	for _, e := range events {
		assert.Equal(models.SystemEventTypeNewEncryptionKey, e.EventType)
		metadata, err := e.ParseMetadata(validate)
		assert.Nil(err)
		encMetadata, ok := metadata.(models.SystemEventEncKeyRelated)
		assert.True(ok)
		seen[encMetadata.KeyID] = true
	}
	assert.True(seen[key1.ID])
	assert.True(seen[key2.ID])
}

func TestDBDeviceKeyRecord(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	testDB := fmt.Sprintf("/tmp/securesync_ut_%s.db", ulid.Make().String())
	log.WithField("db", testDB).Debug("Test database")

	uut, err := db.NewConnection(db.GetSqliteDialector(testDB), logger.Error)
	assert.Nil(err)

	assert.Nil(uut.RunSQLInTransaction(utCtx, db.DefineTables))

	deviceID := uuid.NewString()
	sealed := []byte(uuid.NewString())
	nonce := []byte(uuid.NewString())

	// Case 0: device has no key
	err = uut.UseDatabase(utCtx, func(ctx context.Context, dbClient db.Database) error {
		_, err := dbClient.GetDeviceKey(ctx, deviceID)
		return err
	})
	assert.Error(err)

	// Case 1: record the key
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		encKey, err := dbClient.RecordEncryptionKey(ctx, []byte(uuid.NewString()))
		if err != nil {
			return err
		}
		entry, err := dbClient.RecordDeviceKey(ctx, deviceID, encKey, sealed, nonce)
		if err != nil {
			return err
		}
		assert.Equal(encKey.ID, entry.EncKeyID)
		return nil
	})
	assert.Nil(err)

	// Case 2: read back
	err = uut.UseDatabase(utCtx, func(ctx context.Context, dbClient db.Database) error {
		entry, err := dbClient.GetDeviceKey(ctx, deviceID)
		if err != nil {
			return err
		}
		assert.Equal(sealed, entry.SealedKey)
		assert.Equal(nonce, entry.Nonce)
		return nil
	})
	assert.Nil(err)

	// Case 3: a device has only one key
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		encKey, err := dbClient.RecordEncryptionKey(ctx, []byte(uuid.NewString()))
		if err != nil {
			return err
		}
		_, err = dbClient.RecordDeviceKey(ctx, deviceID, encKey, sealed, nonce)
		return err
	})
	assert.Error(err)
}
