package db

import (
	"context"
	"fmt"

	"github.com/alwitt/securesync/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// syncRecordUpdateColumns columns replaced when a stored record is superseded
var syncRecordUpdateColumns = []string{
	"kind",
	"signed_by",
	"counter",
	"signature",
	"zone_fallback",
	"state",
	"facility_id",
	"group_id",
	"payload",
	"updated_at",
}

// filterTombstones restrict a query according to the tombstone policy
func filterTombstones(query *gorm.DB, policy models.TombstonePolicy) (*gorm.DB, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if policy == models.ExcludeTombstones {
		query = query.Where("state = ?", models.RecordStateActive)
	}
	return query, nil
}

/*
UpsertSyncRecord insert a record, or replace the stored version of it. Trust graph
records are projected into their tables in the same call.

	@param ctx context.Context - execution context
	@param record models.SyncRecord - the record
*/
func (d *databaseImpl) UpsertSyncRecord(_ context.Context, record models.SyncRecord) error {
	record.FacilityID, record.GroupID = record.Scope()
	entry := syncRecordEntry{SyncRecord: record}

	if err := d.validator.Struct(&entry); err != nil {
		return fmt.Errorf("sync record %s is not valid [%w]", record.ID, err)
	}

	if tmp := d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(syncRecordUpdateColumns),
	}).Create(&entry); tmp.Error != nil {
		return fmt.Errorf("sync record %s upsert failed [%w]", record.ID, tmp.Error)
	}

	if err := d.projectTrustRecord(record); err != nil {
		return fmt.Errorf("sync record %s projection failed [%w]", record.ID, err)
	}

	return nil
}

// projectTrustRecord maintain the typed trust graph tables from their records
func (d *databaseImpl) projectTrustRecord(record models.SyncRecord) error {
	switch record.Kind {
	case models.RecordKindDevice:
		payload, err := models.DecodePayload[models.DevicePayload](record)
		if err != nil {
			return err
		}
		entry := deviceEntry{Device: models.Device{
			ID:           record.ID,
			Name:         payload.Name,
			Description:  payload.Description,
			Version:      payload.Version,
			PublicKey:    payload.PublicKey,
			IsAggregator: payload.IsAggregator,
			State:        record.State,
		}}
		if err := d.validator.Struct(&entry); err != nil {
			return fmt.Errorf("device %s is not valid [%w]", record.ID, err)
		}
		// own_device is local state, never taken from a record
		return d.db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"name", "description", "version", "public_key", "is_aggregator", "state", "updated_at",
			}),
		}).Create(&entry).Error

	case models.RecordKindZone:
		payload, err := models.DecodePayload[models.ZonePayload](record)
		if err != nil {
			return err
		}
		entry := zoneEntry{Zone: models.Zone{
			ID:          record.ID,
			Name:        payload.Name,
			Description: payload.Description,
			State:       record.State,
		}}
		if err := d.validator.Struct(&entry); err != nil {
			return fmt.Errorf("zone %s is not valid [%w]", record.ID, err)
		}
		return d.db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "description", "state", "updated_at"}),
		}).Create(&entry).Error

	case models.RecordKindDeviceZone:
		payload, err := models.DecodePayload[models.DeviceZonePayload](record)
		if err != nil {
			return err
		}
		entry := deviceZoneEntry{DeviceZone: models.DeviceZone{
			ID:             record.ID,
			DeviceID:       payload.DeviceID,
			ZoneID:         payload.ZoneID,
			Revoked:        payload.Revoked,
			RevokedCounter: payload.RevokedCounter,
			State:          record.State,
		}}
		if err := d.validator.Struct(&entry); err != nil {
			return fmt.Errorf("device zone %s is not valid [%w]", record.ID, err)
		}
		return d.db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"device_id", "zone_id", "revoked", "revoked_counter", "state", "updated_at",
			}),
		}).Create(&entry).Error
	}
	return nil
}

/*
GetSyncRecord fetch a record by ID

	@param ctx context.Context - execution context
	@param recordID string - the record ID
	@param tombstones models.TombstonePolicy - whether a tombstone may be returned
	@returns the record
*/
func (d *databaseImpl) GetSyncRecord(
	_ context.Context, recordID string, tombstones models.TombstonePolicy,
) (models.SyncRecord, error) {
	query, err := filterTombstones(d.db.Model(&syncRecordEntry{}), tombstones)
	if err != nil {
		return models.SyncRecord{}, err
	}
	var entry syncRecordEntry
	if err := query.Where("id = ?", recordID).First(&entry).Error; err != nil {
		return models.SyncRecord{}, fmt.Errorf("failed to fetch sync record %s [%w]", recordID, err)
	}
	return entry.SyncRecord, nil
}

/*
GetSyncRecordBySignerCounter fetch the record holding a signer's counter

	@param ctx context.Context - execution context
	@param signerID string - the signing device
	@param counter int64 - the counter
	@returns the record
*/
func (d *databaseImpl) GetSyncRecordBySignerCounter(
	_ context.Context, signerID string, counter int64,
) (models.SyncRecord, error) {
	var entry syncRecordEntry
	if err := d.db.
		Where("signed_by = ? AND counter = ?", signerID, counter).
		First(&entry).Error; err != nil {
		return models.SyncRecord{}, fmt.Errorf(
			"failed to fetch sync record %s@%d [%w]", signerID, counter, err,
		)
	}
	return entry.SyncRecord, nil
}

/*
ListSyncRecords list records

	@param ctx context.Context - execution context
	@param filters SyncRecordQueryFilter - entry listing filter
	@return list of records
*/
func (d *databaseImpl) ListSyncRecords(
	_ context.Context, filters SyncRecordQueryFilter,
) ([]models.SyncRecord, error) {
	query, err := filterTombstones(d.db.Model(&syncRecordEntry{}), filters.Tombstones)
	if err != nil {
		return nil, err
	}

	if len(filters.IDs) > 0 {
		query = query.Where("id in ?", filters.IDs)
	}
	if len(filters.Kinds) > 0 {
		query = query.Where("kind in ?", filters.Kinds)
	}
	if len(filters.SignedBy) > 0 {
		query = query.Where("signed_by in ?", filters.SignedBy)
	}
	if filters.FacilityID != nil {
		query = query.Where("facility_id = ?", *filters.FacilityID)
	}
	if filters.GroupID != nil {
		query = query.Where("group_id = ?", *filters.GroupID)
	}
	if filters.ZoneFallback != nil {
		query = query.Where("zone_fallback = ?", *filters.ZoneFallback)
	}
	if filters.StubsOnly {
		query = query.Where("signed_by = ?", "")
	}

	query = applyCommonFilter(query, filters.CommonListEntryQueryFilter)

	query = query.Order("signed_by").Order("counter").Order("id")

	var entries []syncRecordEntry
	if tmp := query.Find(&entries); tmp.Error != nil {
		return nil, fmt.Errorf("failed to list sync records [%w]", tmp.Error)
	}

	result := []models.SyncRecord{}
	for _, entry := range entries {
		result = append(result, entry.SyncRecord)
	}
	return result, nil
}

/*
ListSignedRecordsAfter list records of one signer above a counter, in counter order

	@param ctx context.Context - execution context
	@param signerID string - the signing device
	@param after int64 - only counters strictly above this
	@param limit int - max records to return, zero for no limit
	@return list of records
*/
func (d *databaseImpl) ListSignedRecordsAfter(
	_ context.Context, signerID string, after int64, limit int,
) ([]models.SyncRecord, error) {
	query := d.db.Model(&syncRecordEntry{}).
		Where("signed_by = ? AND counter > ?", signerID, after).
		Order("counter")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var entries []syncRecordEntry
	if tmp := query.Find(&entries); tmp.Error != nil {
		return nil, fmt.Errorf(
			"failed to list records of %s after %d [%w]", signerID, after, tmp.Error,
		)
	}

	result := []models.SyncRecord{}
	for _, entry := range entries {
		result = append(result, entry.SyncRecord)
	}
	return result, nil
}

/*
ListRecordSigners list every device which signed a stored record, in ID order

	@param ctx context.Context - execution context
	@return list of device IDs
*/
func (d *databaseImpl) ListRecordSigners(_ context.Context) ([]string, error) {
	var signers []string
	if tmp := d.db.Model(&syncRecordEntry{}).
		Where("signed_by <> ?", "").
		Distinct("signed_by").
		Order("signed_by").
		Pluck("signed_by", &signers); tmp.Error != nil {
		return nil, fmt.Errorf("failed to list record signers [%w]", tmp.Error)
	}
	return signers, nil
}

/*
PurgeSyncRecords physically remove records and their trust graph projections

	@param ctx context.Context - execution context
	@param recordIDs []string - the records
*/
func (d *databaseImpl) PurgeSyncRecords(_ context.Context, recordIDs []string) error {
	if len(recordIDs) == 0 {
		return nil
	}
	for _, table := range []interface{}{
		&deviceZoneEntry{}, &zoneEntry{}, &deviceEntry{}, &syncRecordEntry{},
	} {
		if tmp := d.db.Where("id in ?", recordIDs).Delete(table); tmp.Error != nil {
			return fmt.Errorf("failed to purge sync records [%w]", tmp.Error)
		}
	}
	return nil
}
