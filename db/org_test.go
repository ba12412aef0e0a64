package db_test

import (
	"context"
	"testing"

	"github.com/alwitt/securesync/db"
	"github.com/alwitt/securesync/models"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestDBOrganizations(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	uut := newTestDB(t)

	var user1, user2 models.User
	var org1, headless models.Organization
	zoneID := uuid.NewString()

	// Case 0: users
	assert.Nil(uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		var err error
		user1, err = dbClient.DefineUser(ctx, "alice", []byte("hash-1"), false)
		assert.Nil(err)
		user2, err = dbClient.DefineUser(ctx, "admin", []byte("hash-2"), true)
		assert.Nil(err)
		return err
	}))
	assert.Error(uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		_, err := dbClient.DefineUser(ctx, "alice", []byte("hash-3"), false)
		return err
	}))
	assert.Nil(uut.UseDatabase(utCtx, func(ctx context.Context, dbClient db.Database) error {
		stored, err := dbClient.GetUserByUsername(ctx, "admin")
		assert.Nil(err)
		assert.Equal(user2.ID, stored.ID)
		assert.True(stored.IsSuperuser)
		assert.Equal([]byte("hash-2"), stored.PasswordHash)
		return nil
	}))

	// Case 1: organizations
	assert.Nil(uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		var err error
		org1, err = dbClient.DefineOrganization(ctx, "school district", user1.ID, false)
		assert.Nil(err)
		headless, err = dbClient.DefineOrganization(ctx, "Unclaimed Networks", "", true)
		assert.Nil(err)
		return err
	}))
	assert.Error(uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		_, err := dbClient.DefineOrganization(ctx, "another", "", true)
		return err
	}))
	assert.Nil(uut.UseDatabase(utCtx, func(ctx context.Context, dbClient db.Database) error {
		stored, err := dbClient.GetHeadlessOrganization(ctx)
		assert.Nil(err)
		assert.Equal(headless.ID, stored.ID)
		stored, err = dbClient.GetOrganization(ctx, org1.ID)
		assert.Nil(err)
		assert.Equal(user1.ID, stored.OwnerID)

		// Owner is a member
		orgs, err := dbClient.ListOrganizationsOfUser(ctx, user1.ID)
		assert.Nil(err)
		assert.Len(orgs, 1)
		assert.Equal(org1.ID, orgs[0].ID)
		orgs, err = dbClient.ListOrganizationsOfUser(ctx, user2.ID)
		assert.Nil(err)
		assert.Len(orgs, 0)
		return nil
	}))

	// Case 2: members and zone ownership
	assert.Nil(uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		assert.Nil(dbClient.AddOrganizationMember(ctx, org1.ID, user2.ID))
		// Repeat is a NOOP
		assert.Nil(dbClient.AddOrganizationMember(ctx, org1.ID, user2.ID))
		assert.Nil(dbClient.AssignZoneToOrganization(ctx, org1.ID, zoneID))
		assert.Nil(dbClient.AssignZoneToOrganization(ctx, headless.ID, zoneID))
		return nil
	}))
	assert.Nil(uut.UseDatabase(utCtx, func(ctx context.Context, dbClient db.Database) error {
		orgs, err := dbClient.ListOrganizationsOfUser(ctx, user2.ID)
		assert.Nil(err)
		assert.Len(orgs, 1)
		owners, err := dbClient.ListZoneOwners(ctx, zoneID)
		assert.Nil(err)
		assert.Len(owners, 2)

		stats, err := dbClient.GetStatistics(ctx)
		assert.Nil(err)
		assert.Equal(int64(2), stats.Users)
		assert.Equal(int64(2), stats.Organizations)
		return nil
	}))
}

func TestDBUnregisteredDevices(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	uut := newTestDB(t)

	deviceID := uuid.NewString()

	// Case 0: repeated attempts are counted
	assert.Nil(uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		entry, err := dbClient.RecordUnregisteredDevice(ctx, deviceID, "laptop", "pem-1")
		assert.Nil(err)
		assert.Equal(1, entry.Attempts)
		entry, err = dbClient.RecordUnregisteredDevice(ctx, deviceID, "laptop-2", "pem-2")
		assert.Nil(err)
		assert.Equal(2, entry.Attempts)
		assert.Equal("laptop-2", entry.Name)
		return nil
	}))
	assert.Nil(uut.UseDatabase(utCtx, func(ctx context.Context, dbClient db.Database) error {
		entries, err := dbClient.ListUnregisteredDevices(ctx, db.CommonListEntryQueryFilter{})
		assert.Nil(err)
		assert.Len(entries, 1)
		stats, err := dbClient.GetStatistics(ctx)
		assert.Nil(err)
		assert.Equal(int64(1), stats.UnregisteredDevices)
		return nil
	}))

	// Case 1: delete
	assert.Nil(uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		return dbClient.DeleteUnregisteredDevice(ctx, deviceID)
	}))
	assert.Nil(uut.UseDatabase(utCtx, func(ctx context.Context, dbClient db.Database) error {
		entries, err := dbClient.ListUnregisteredDevices(ctx, db.CommonListEntryQueryFilter{})
		assert.Nil(err)
		assert.Len(entries, 0)
		return nil
	}))
}
