package db_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/alwitt/securesync/db"
	"github.com/alwitt/securesync/models"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm/logger"
)

func TestDBNodeParameterInit(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	testDB := fmt.Sprintf("/tmp/securesync_ut_%s.db", ulid.Make().String())
	log.WithField("db", testDB).Debug("Test database")

	uut, err := db.NewConnection(db.GetSqliteDialector(testDB), logger.Error)
	assert.Nil(err)

	assert.Nil(uut.RunSQLInTransaction(utCtx, db.DefineTables))

	// Not yet initialized
	assert.Error(
		uut.UseDatabase(utCtx, func(ctx context.Context, dbClient db.Database) error {
			_, err := dbClient.GetNodeParams(ctx)
			return err
		}),
	)

	// Initialize
	assert.Nil(
		uut.UseDatabaseInTransaction(
			utCtx, func(ctx context.Context, dbClient db.Database) error {
				params, err := dbClient.InitializeNodeParams(ctx, models.NodeRoleDistributed)
				assert.Nil(err)
				assert.Equal(db.GlobalNodeParamEntryID, params.ID)
				assert.Equal(models.NodeRoleDistributed, params.Role)
				assert.Equal(models.RegistrationStateUnregistered, params.RegistrationState)
				return err
			},
		),
	)

	// Initialize again
	assert.Nil(
		uut.UseDatabaseInTransaction(
			utCtx, func(ctx context.Context, dbClient db.Database) error {
				params, err := dbClient.InitializeNodeParams(ctx, models.NodeRoleDistributed)
				assert.Nil(err)
				assert.Equal(models.NodeRoleDistributed, params.Role)
				return err
			},
		),
	)

	// Can't change role
	assert.Error(
		uut.UseDatabaseInTransaction(
			utCtx, func(ctx context.Context, dbClient db.Database) error {
				_, err := dbClient.InitializeNodeParams(ctx, models.NodeRoleAggregator)
				return err
			},
		),
	)
}

// TestDBNodeRegistrationStateChange verifies the registration state transitions of
// the node parameters (unregistered → pending → registered) and the own device binding.
func TestDBNodeRegistrationStateChange(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	// A unique temporary DB file for this test
	testDB := fmt.Sprintf("/tmp/securesync_ut_%s.db", ulid.Make().String())
	log.WithField("db", testDB).Debug("Test database")

	uut, err := db.NewConnection(db.GetSqliteDialector(testDB), logger.Error)
	assert.Nil(err)

	// Create tables
	assert.Nil(uut.RunSQLInTransaction(utCtx, db.DefineTables))

	ownDevice := uuid.NewString()
	aggregator := uuid.NewString()
	zone := uuid.NewString()

	// 1. Initialize and set own device
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		if _, err := dbClient.InitializeNodeParams(ctx, models.NodeRoleDistributed); err != nil {
			return err
		}
		return dbClient.SetOwnDevice(ctx, ownDevice)
	})
	assert.Nil(err)

	// 2. A node can not become a different device
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		return dbClient.SetOwnDevice(ctx, uuid.NewString())
	})
	assert.Error(err)

	// 3. Can't jump straight to registered
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		return dbClient.UpdateRegistration(ctx, models.RegistrationStateRegistered, zone, aggregator)
	})
	assert.Error(err)

	// 4. Pending then registered
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		if err := dbClient.UpdateRegistration(ctx, models.RegistrationStatePending, "", ""); err != nil {
			return err
		}
		return dbClient.UpdateRegistration(ctx, models.RegistrationStateRegistered, zone, aggregator)
	})
	assert.Nil(err)

	// 5. Verify
	err = uut.UseDatabase(utCtx, func(ctx context.Context, dbClient db.Database) error {
		params, err := dbClient.GetNodeParams(ctx)
		assert.Nil(err)
		assert.Equal(ownDevice, params.OwnDeviceID)
		assert.Equal(aggregator, params.AggregatorDeviceID)
		assert.Equal(zone, params.ZoneID)
		assert.Equal(models.RegistrationStateRegistered, params.RegistrationState)
		return err
	})
	assert.Nil(err)

	// 6. Registered node may register again (repair)
	err = uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		return dbClient.UpdateRegistration(ctx, models.RegistrationStatePending, "", "")
	})
	assert.Nil(err)

	// 7. Audit trail contains the initialization
	var events []models.SystemEventAudit
	err = uut.UseDatabase(utCtx, func(ctx context.Context, dbClient db.Database) error {
		events, err = dbClient.ListSystemEvents(ctx, db.SystemEventQueryFilter{
			EventTypes: []models.SystemEventTypeENUMType{models.SystemEventTypeInitialized},
		})
		return err
	})
	assert.Nil(err)
	assert.Len(events, 1)
}
