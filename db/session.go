package db

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/securesync/models"
	"gorm.io/gorm"
)

/*
DefineSyncSession record a new sync session

	@param ctx context.Context - execution context
	@param session models.SyncSession - the session
	@returns the session entry
*/
func (d *databaseImpl) DefineSyncSession(
	_ context.Context, session models.SyncSession,
) (models.SyncSession, error) {
	entry := syncSessionEntry{SyncSession: session}
	if err := d.validator.Struct(&entry); err != nil {
		return models.SyncSession{}, fmt.Errorf("sync session entry is not valid [%w]", err)
	}
	if tmp := d.db.Create(&entry); tmp.Error != nil {
		return models.SyncSession{}, fmt.Errorf(
			"sync session %s insert failed [%w]", session.ID, tmp.Error,
		)
	}
	return entry.SyncSession, nil
}

func (d *databaseImpl) getSyncSession(sessionID string) (syncSessionEntry, error) {
	var entry syncSessionEntry
	err := d.db.Where("id = ?", sessionID).First(&entry).Error
	return entry, err
}

/*
GetSyncSession fetch a sync session

	@param ctx context.Context - execution context
	@param sessionID string - the session
	@returns the session entry
*/
func (d *databaseImpl) GetSyncSession(
	_ context.Context, sessionID string,
) (models.SyncSession, error) {
	entry, err := d.getSyncSession(sessionID)
	if err != nil {
		return models.SyncSession{}, fmt.Errorf("failed to fetch sync session %s [%w]", sessionID, err)
	}
	return entry.SyncSession, nil
}

/*
UpdateSyncSessionState move a session to a new state

	@param ctx context.Context - execution context
	@param sessionID string - the session
	@param newState models.SessionStateENUMType - the new state
	@param clientNonce *string - client nonce to record, if any
*/
func (d *databaseImpl) UpdateSyncSessionState(
	_ context.Context,
	sessionID string,
	newState models.SessionStateENUMType,
	clientNonce *string,
) error {
	entry, err := d.getSyncSession(sessionID)
	if err != nil {
		return fmt.Errorf("failed to fetch sync session %s [%w]", sessionID, err)
	}

	if entry.State == newState && clientNonce == nil {
		// NOOP
		return nil
	}

	if err := entry.ValidateNextState(newState); err != nil {
		return fmt.Errorf("session state change to %s not allowed [%w]", newState, err)
	}

	updates := map[string]interface{}{"state": newState}
	if clientNonce != nil {
		if entry.ClientNonce != nil && *entry.ClientNonce != *clientNonce {
			return fmt.Errorf("session %s already has a client nonce", sessionID)
		}
		updates["client_nonce"] = *clientNonce
	}
	if newState.IsTerminal() {
		updates["closed_at"] = time.Now().UTC()
	}
	if tmp := d.db.Model(&entry).Updates(updates); tmp.Error != nil {
		return fmt.Errorf("session %s state change update failed [%w]", sessionID, tmp.Error)
	}
	return nil
}

/*
RecordSyncSessionProgress add exchange counts to a session

	@param ctx context.Context - execution context
	@param sessionID string - the session
	@param uploaded int - records applied from the client
	@param downloaded int - records sent to the client
	@param errors int - per record errors
*/
func (d *databaseImpl) RecordSyncSessionProgress(
	_ context.Context, sessionID string, uploaded, downloaded, errors int,
) error {
	tmp := d.db.Model(&syncSessionEntry{}).Where("id = ?", sessionID).Updates(map[string]interface{}{
		"models_uploaded":   gorm.Expr("models_uploaded + ?", uploaded),
		"models_downloaded": gorm.Expr("models_downloaded + ?", downloaded),
		"errors":            gorm.Expr("errors + ?", errors),
	})
	if tmp.Error != nil {
		return fmt.Errorf("failed to update session %s progress [%w]", sessionID, tmp.Error)
	}
	if tmp.RowsAffected == 0 {
		return fmt.Errorf("sync session %s unknown", sessionID)
	}
	return nil
}

/*
IsNonceUsed whether a nonce was ever recorded on a session

	@param ctx context.Context - execution context
	@param nonce string - the nonce
	@returns whether used
*/
func (d *databaseImpl) IsNonceUsed(_ context.Context, nonce string) (bool, error) {
	var count int64
	if tmp := d.db.Model(&syncSessionEntry{}).
		Where("client_nonce = ? OR server_nonce = ?", nonce, nonce).
		Count(&count); tmp.Error != nil {
		return false, fmt.Errorf("failed to check nonce usage [%w]", tmp.Error)
	}
	return count > 0, nil
}

/*
ListSyncSessions list sync sessions

	@param ctx context.Context - execution context
	@param filters SyncSessionQueryFilter - entry listing filter
	@return list of sessions
*/
func (d *databaseImpl) ListSyncSessions(
	_ context.Context, filters SyncSessionQueryFilter,
) ([]models.SyncSession, error) {
	query := d.db.Model(&syncSessionEntry{})
	if filters.ClientDeviceID != nil {
		query = query.Where("client_device_id = ?", *filters.ClientDeviceID)
	}
	if len(filters.States) > 0 {
		query = query.Where("state in ?", filters.States)
	}
	query = applyCommonFilter(query, filters.CommonListEntryQueryFilter)
	query = query.Order("created_at").Order("id")

	var entries []syncSessionEntry
	if tmp := query.Find(&entries); tmp.Error != nil {
		return nil, fmt.Errorf("failed to list sync sessions [%w]", tmp.Error)
	}

	result := []models.SyncSession{}
	for _, entry := range entries {
		result = append(result, entry.SyncSession)
	}
	return result, nil
}

/*
PruneSyncSessions remove terminal sessions last updated before a cutoff

	@param ctx context.Context - execution context
	@param olderThan time.Time - the cutoff
	@returns number of sessions removed
*/
func (d *databaseImpl) PruneSyncSessions(_ context.Context, olderThan time.Time) (int64, error) {
	tmp := d.db.
		Where("state in ? AND updated_at < ?", []models.SessionStateENUMType{
			models.SessionStateFailed, models.SessionStateClosed,
		}, olderThan).
		Delete(&syncSessionEntry{})
	if tmp.Error != nil {
		return 0, fmt.Errorf("failed to prune sync sessions [%w]", tmp.Error)
	}
	return tmp.RowsAffected, nil
}
