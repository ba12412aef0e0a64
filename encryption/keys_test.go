package encryption_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/alwitt/securesync/db"
	"github.com/alwitt/securesync/encryption"
	"github.com/alwitt/securesync/models"
	"github.com/apex/log"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

func prepareEngine(t *testing.T, dbClient db.Client) encryption.CryptographyEngine {
	// RSA cert files
	testCertFile, err := filepath.Abs("../test/ut_rsa.crt")
	require.Nil(t, err)
	testKeyFile, err := filepath.Abs("../test/ut_rsa.key")
	require.Nil(t, err)

	uut, err := encryption.NewCryptographyEngine(
		context.Background(), encryption.CryptographyEngineParams{
			Persistence:        dbClient,
			PrimaryRSACertFile: testCertFile,
			PrimaryRSAKeyFile:  testKeyFile,
		},
	)
	require.Nil(t, err)
	return uut
}

func prepareDB(t *testing.T) db.Client {
	testDB := fmt.Sprintf("/tmp/securesync_ut_%s.db", ulid.Make().String())
	log.WithField("db", testDB).Debug("Test database")
	dbClient, err := db.NewConnection(db.GetSqliteDialector(testDB), logger.Error)
	require.Nil(t, err)
	require.Nil(t, dbClient.RunSQLInTransaction(context.Background(), db.DefineTables))
	return dbClient
}

func TestCryptoEngineWrappingKey(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	dbClient := prepareDB(t)
	uut1 := prepareEngine(t, dbClient)

	// Case 0: defined on first use
	key1, err := uut1.WrappingKey(utCtx, nil)
	assert.Nil(err)
	assert.Equal(models.EncryptionKeyStateActive, key1.State)
	assert.NotEmpty(key1.EncKeyMaterial)

	// Case 1: reused afterwards
	key2, err := uut1.WrappingKey(utCtx, nil)
	assert.Nil(err)
	assert.Equal(key1.ID, key2.ID)

	// Case 2: another engine over the same database sees the same key
	uut2 := prepareEngine(t, dbClient)
	key3, err := uut2.WrappingKey(utCtx, nil)
	assert.Nil(err)
	assert.Equal(key1.ID, key3.ID)

	// Only one key was ever recorded
	var keys []models.EncryptionKey
	assert.Nil(dbClient.UseDatabase(utCtx, func(ctx context.Context, dbClient db.Database) error {
		var err error
		keys, err = dbClient.ListEncryptionKeys(ctx, db.EncryptionKeyQueryFilter{})
		return err
	}))
	assert.Len(keys, 1)
}

func TestCryptoEngineRandomBytes(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	uut := prepareEngine(t, prepareDB(t))

	first, err := uut.RandomBytes(utCtx, 32)
	assert.Nil(err)
	assert.Len(first, 32)
	second, err := uut.RandomBytes(utCtx, 32)
	assert.Nil(err)
	assert.NotEqual(first, second)
}
