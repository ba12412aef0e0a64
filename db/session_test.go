package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/alwitt/securesync/db"
	"github.com/alwitt/securesync/models"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestDBSyncSessionLifecycle(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	uut := newTestDB(t)

	clientID := uuid.NewString()
	serverNonce := uuid.NewString()
	session := models.SyncSession{
		ID:             uuid.NewString(),
		ClientDeviceID: clientID,
		ServerDeviceID: uuid.NewString(),
		ServerNonce:    serverNonce,
		State:          models.SessionStateRequestSent,
	}

	// Case 0: define
	assert.Nil(uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		_, err := dbClient.DefineSyncSession(ctx, session)
		return err
	}))

	// Case 1: invalid transition
	assert.Error(uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		return dbClient.UpdateSyncSessionState(ctx, session.ID, models.SessionStateActive, nil)
	}))

	// Case 2: record the client nonce
	clientNonce := uuid.NewString()
	assert.Nil(uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		return dbClient.UpdateSyncSessionState(
			ctx, session.ID, models.SessionStateNonceExchanged, &clientNonce,
		)
	}))
	assert.Nil(uut.UseDatabase(utCtx, func(ctx context.Context, dbClient db.Database) error {
		used, err := dbClient.IsNonceUsed(ctx, clientNonce)
		assert.Nil(err)
		assert.True(used)
		used, err = dbClient.IsNonceUsed(ctx, serverNonce)
		assert.Nil(err)
		assert.True(used)
		used, err = dbClient.IsNonceUsed(ctx, uuid.NewString())
		assert.Nil(err)
		assert.False(used)
		return nil
	}))

	// Case 3: a different client nonce is refused
	otherNonce := uuid.NewString()
	assert.Error(uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		return dbClient.UpdateSyncSessionState(
			ctx, session.ID, models.SessionStateAuthenticated, &otherNonce,
		)
	}))

	// Case 4: activate and exchange
	assert.Nil(uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		if err := dbClient.UpdateSyncSessionState(
			ctx, session.ID, models.SessionStateAuthenticated, nil,
		); err != nil {
			return err
		}
		if err := dbClient.UpdateSyncSessionState(
			ctx, session.ID, models.SessionStateActive, nil,
		); err != nil {
			return err
		}
		if err := dbClient.RecordSyncSessionProgress(ctx, session.ID, 2, 3, 1); err != nil {
			return err
		}
		return dbClient.RecordSyncSessionProgress(ctx, session.ID, 1, 0, 0)
	}))
	assert.Nil(uut.UseDatabase(utCtx, func(ctx context.Context, dbClient db.Database) error {
		stored, err := dbClient.GetSyncSession(ctx, session.ID)
		assert.Nil(err)
		assert.Equal(models.SessionStateActive, stored.State)
		assert.Equal(3, stored.ModelsUploaded)
		assert.Equal(3, stored.ModelsDownloaded)
		assert.Equal(1, stored.Errors)
		assert.Nil(stored.ClosedAt)
		assert.NotNil(stored.ClientNonce)
		assert.Equal(clientNonce, *stored.ClientNonce)
		return nil
	}))

	// Case 5: unknown session progress
	assert.Error(uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		return dbClient.RecordSyncSessionProgress(ctx, uuid.NewString(), 1, 1, 1)
	}))

	// Case 6: close
	assert.Nil(uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		return dbClient.UpdateSyncSessionState(ctx, session.ID, models.SessionStateClosed, nil)
	}))
	assert.Nil(uut.UseDatabase(utCtx, func(ctx context.Context, dbClient db.Database) error {
		stored, err := dbClient.GetSyncSession(ctx, session.ID)
		assert.Nil(err)
		assert.NotNil(stored.ClosedAt)

		sessions, err := dbClient.ListSyncSessions(ctx, db.SyncSessionQueryFilter{
			ClientDeviceID: &clientID,
			States:         []models.SessionStateENUMType{models.SessionStateClosed},
		})
		assert.Nil(err)
		assert.Len(sessions, 1)
		return nil
	}))

	// Case 7: terminal state is final
	assert.Error(uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		return dbClient.UpdateSyncSessionState(ctx, session.ID, models.SessionStateActive, nil)
	}))

	// Case 8: prune
	assert.Nil(uut.UseDatabaseInTransaction(utCtx, func(ctx context.Context, dbClient db.Database) error {
		removed, err := dbClient.PruneSyncSessions(ctx, time.Now().UTC().Add(-time.Hour))
		assert.Nil(err)
		assert.Equal(int64(0), removed)
		removed, err = dbClient.PruneSyncSessions(ctx, time.Now().UTC().Add(time.Hour))
		assert.Nil(err)
		assert.Equal(int64(1), removed)
		return nil
	}))
}
