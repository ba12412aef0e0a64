package store_test

import (
	"context"
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/alwitt/securesync/db"
	"github.com/alwitt/securesync/identity"
	"github.com/alwitt/securesync/models"
	"github.com/alwitt/securesync/store"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

func prepareStore(t *testing.T) (db.Client, identity.Capability, store.RecordStore) {
	testDB := fmt.Sprintf("/tmp/securesync_ut_%s.db", ulid.Make().String())
	log.WithField("db", testDB).Debug("Test database")
	dbClient, err := db.NewConnection(db.GetSqliteDialector(testDB), logger.Error)
	require.Nil(t, err)
	require.Nil(t, dbClient.RunSQLInTransaction(context.Background(), db.DefineTables))

	key, err := identity.GenerateKey(rand.Reader)
	require.Nil(t, err)
	signer, err := identity.NewCapability(uuid.NewString(), key, rand.Reader)
	require.Nil(t, err)

	uut, err := store.NewRecordStore(dbClient, signer)
	require.Nil(t, err)
	return dbClient, signer, uut
}

func TestRecordStoreAuthoring(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	dbClient, signer, uut := prepareStore(t)

	// Case 0: invalid payload
	_, err := uut.Create(utCtx, models.RecordKindFacility, models.FacilityPayload{}, nil)
	assert.True(models.IsErrorCode(err, models.ErrCodeInvalidRequest))

	// Case 1: create
	facility, err := uut.Create(
		utCtx, models.RecordKindFacility, models.FacilityPayload{Name: "school"}, nil,
	)
	assert.Nil(err)
	assert.Equal(signer.DeviceID(), facility.SignedBy)
	assert.Equal(int64(1), facility.Counter)
	assert.Nil(identity.VerifyRecord(utCtx, signer, facility, signer.PublicKey()))

	// Case 2: update
	updated, err := uut.Update(
		utCtx, facility.ID, models.FacilityPayload{Name: "new school"}, nil,
	)
	assert.Nil(err)
	assert.Equal(int64(2), updated.Counter)
	assert.Nil(identity.VerifyRecord(utCtx, signer, updated, signer.PublicKey()))
	payload, err := models.DecodePayload[models.FacilityPayload](updated)
	assert.Nil(err)
	assert.Equal("new school", payload.Name)

	// Case 3: soft delete
	tombstone, err := uut.SoftDelete(utCtx, facility.ID, nil)
	assert.Nil(err)
	assert.Equal(int64(3), tombstone.Counter)
	assert.True(tombstone.IsTombstoned())
	_, err = uut.Get(utCtx, facility.ID, models.ExcludeTombstones, nil)
	assert.Error(err)
	stored, err := uut.Get(utCtx, facility.ID, models.IncludeTombstones, nil)
	assert.Nil(err)
	assert.Equal(tombstone.Signature, stored.Signature)
	_, err = uut.SoftDelete(utCtx, facility.ID, nil)
	assert.True(models.IsErrorCode(err, models.ErrCodeInvalidRequest))
	_, err = uut.Update(utCtx, facility.ID, models.FacilityPayload{Name: "x"}, nil)
	assert.True(models.IsErrorCode(err, models.ErrCodeInvalidRequest))

	// Case 4: restore
	restored, err := uut.Restore(utCtx, facility.ID, nil)
	assert.Nil(err)
	assert.Equal(int64(4), restored.Counter)
	assert.False(restored.IsTombstoned())

	// Case 5: unknown record
	_, err = uut.Update(utCtx, uuid.NewString(), models.FacilityPayload{Name: "x"}, nil)
	assert.True(models.IsErrorCode(err, models.ErrCodeNotFound))

	// Case 6: zone scoped
	_, err = uut.CreateZoneScoped(
		utCtx, models.RecordKindFacility, models.FacilityPayload{Name: "f"}, "", nil,
	)
	assert.Error(err)
	zoneID := uuid.NewString()
	scoped, err := uut.CreateZoneScoped(
		utCtx, models.RecordKindFacility, models.FacilityPayload{Name: "f"}, zoneID, nil,
	)
	assert.Nil(err)
	assert.Equal(zoneID, scoped.ZoneFallback)
	assert.Equal(int64(5), scoped.Counter)

	// Counter allocator is the own watermark
	assert.Nil(dbClient.UseDatabase(utCtx, func(ctx context.Context, dbClient db.Database) error {
		watermark, err := dbClient.GetWatermark(ctx, signer.DeviceID())
		assert.Nil(err)
		assert.Equal(int64(5), watermark)
		return nil
	}))

	// Listing must choose a tombstone policy
	_, err = uut.List(utCtx, db.SyncRecordQueryFilter{}, nil)
	assert.Error(err)
	all, err := uut.List(utCtx, db.SyncRecordQueryFilter{Tombstones: models.ExcludeTombstones}, nil)
	assert.Nil(err)
	assert.Len(all, 2)
}

func TestRecordStoreOwnership(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	dbClient, _, uut := prepareStore(t)

	// A record received from a peer
	payload, err := models.EncodePayload(models.FacilityPayload{Name: "remote"})
	assert.Nil(err)
	foreign := models.SyncRecord{
		ID:        uuid.NewString(),
		Kind:      models.RecordKindFacility,
		SignedBy:  uuid.NewString(),
		Counter:   9,
		Signature: "sig",
		State:     models.RecordStateActive,
		Payload:   payload,
	}
	assert.Nil(dbClient.UseDatabaseInTransaction(
		utCtx, func(ctx context.Context, dbClient db.Database) error {
			return dbClient.UpsertSyncRecord(ctx, foreign)
		},
	))

	_, err = uut.Update(utCtx, foreign.ID, models.FacilityPayload{Name: "mine"}, nil)
	assert.True(models.IsErrorCode(err, models.ErrCodeTrustViolation))
	_, err = uut.SoftDelete(utCtx, foreign.ID, nil)
	assert.True(models.IsErrorCode(err, models.ErrCodeTrustViolation))
	_, err = uut.AdoptStub(utCtx, foreign.ID, nil)
	assert.True(models.IsErrorCode(err, models.ErrCodeInvalidRequest))
}

func TestRecordStoreStubs(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	dbClient, signer, uut := prepareStore(t)

	// Case 0: trust records can't be stubs
	_, err := uut.CreateStub(
		utCtx, uuid.NewString(), models.RecordKindZone, models.ZonePayload{Name: "z"}, nil,
	)
	assert.Error(err)

	// Case 1: stub
	stubID := uuid.NewString()
	stub, err := uut.CreateStub(
		utCtx, stubID, models.RecordKindFacilityUser, models.FacilityUserPayload{
			FacilityID: uuid.NewString(), Username: "learner",
		}, nil,
	)
	assert.Nil(err)
	assert.True(stub.IsStub())
	assert.Equal(int64(0), stub.Counter)

	// Stubs do not consume counters and are not in any signer stream
	assert.Nil(dbClient.UseDatabase(utCtx, func(ctx context.Context, dbClient db.Database) error {
		signers, err := dbClient.ListRecordSigners(ctx)
		assert.Nil(err)
		assert.Len(signers, 0)
		stubs, err := dbClient.ListSyncRecords(ctx, db.SyncRecordQueryFilter{
			Tombstones: models.IncludeTombstones, StubsOnly: true,
		})
		assert.Nil(err)
		assert.Len(stubs, 1)
		return nil
	}))

	// Case 2: duplicate stub
	_, err = uut.CreateStub(
		utCtx, stubID, models.RecordKindFacilityUser, models.FacilityUserPayload{
			FacilityID: uuid.NewString(), Username: "learner",
		}, nil,
	)
	assert.Error(err)

	// Case 3: stubs can't be edited before adoption
	_, err = uut.Update(utCtx, stubID, models.FacilityUserPayload{
		FacilityID: uuid.NewString(), Username: "other",
	}, nil)
	assert.True(models.IsErrorCode(err, models.ErrCodeTrustViolation))

	// Case 4: adopt
	adopted, err := uut.AdoptStub(utCtx, stubID, nil)
	assert.Nil(err)
	assert.Equal(signer.DeviceID(), adopted.SignedBy)
	assert.Equal(int64(1), adopted.Counter)
	assert.Nil(identity.VerifyRecord(utCtx, signer, adopted, signer.PublicKey()))
	_, err = uut.AdoptStub(utCtx, stubID, nil)
	assert.Error(err)
}
