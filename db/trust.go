package db

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/securesync/models"
	"gorm.io/gorm/clause"
)

/*
GetDevice fetch a device

	@param ctx context.Context - execution context
	@param deviceID string - the device
	@returns the device
*/
func (d *databaseImpl) GetDevice(_ context.Context, deviceID string) (models.Device, error) {
	var entry deviceEntry
	if err := d.db.Where("id = ?", deviceID).First(&entry).Error; err != nil {
		return models.Device{}, fmt.Errorf("failed to fetch device %s [%w]", deviceID, err)
	}
	return entry.Device, nil
}

/*
GetOwnDevice fetch the device this node is

	@param ctx context.Context - execution context
	@returns the device
*/
func (d *databaseImpl) GetOwnDevice(_ context.Context) (models.Device, error) {
	var entry deviceEntry
	if err := d.db.Where("own_device = ?", true).First(&entry).Error; err != nil {
		return models.Device{}, fmt.Errorf("failed to fetch own device [%w]", err)
	}
	return entry.Device, nil
}

/*
MarkOwnDevice flag a device as the device this node is

	@param ctx context.Context - execution context
	@param deviceID string - the device
*/
func (d *databaseImpl) MarkOwnDevice(_ context.Context, deviceID string) error {
	var existing []deviceEntry
	if err := d.db.Where("own_device = ? AND id <> ?", true, deviceID).Find(&existing).Error; err != nil {
		return fmt.Errorf("failed to check for own device [%w]", err)
	}
	if len(existing) > 0 {
		return fmt.Errorf("node already has own device %s", existing[0].ID)
	}
	tmp := d.db.Model(&deviceEntry{}).Where("id = ?", deviceID).Update("own_device", true)
	if tmp.Error != nil {
		return fmt.Errorf("failed to mark device %s as own [%w]", deviceID, tmp.Error)
	}
	if tmp.RowsAffected == 0 {
		return fmt.Errorf("device %s unknown", deviceID)
	}
	return nil
}

/*
ListDevices list devices

	@param ctx context.Context - execution context
	@param filters DeviceQueryFilter - entry listing filter
	@return list of devices
*/
func (d *databaseImpl) ListDevices(
	_ context.Context, filters DeviceQueryFilter,
) ([]models.Device, error) {
	query := d.db.Model(&deviceEntry{})
	if filters.IsAggregator != nil {
		query = query.Where("is_aggregator = ?", *filters.IsAggregator)
	}
	query = applyCommonFilter(query, filters.CommonListEntryQueryFilter)
	query = query.Order("id")

	var entries []deviceEntry
	if tmp := query.Find(&entries); tmp.Error != nil {
		return nil, fmt.Errorf("failed to list devices [%w]", tmp.Error)
	}

	result := []models.Device{}
	for _, entry := range entries {
		result = append(result, entry.Device)
	}
	return result, nil
}

/*
GetZone fetch a zone

	@param ctx context.Context - execution context
	@param zoneID string - the zone
	@param tombstones models.TombstonePolicy - whether a tombstoned zone may be returned
	@returns the zone
*/
func (d *databaseImpl) GetZone(
	_ context.Context, zoneID string, tombstones models.TombstonePolicy,
) (models.Zone, error) {
	query, err := filterTombstones(d.db.Model(&zoneEntry{}), tombstones)
	if err != nil {
		return models.Zone{}, err
	}
	var entry zoneEntry
	if err := query.Where("id = ?", zoneID).First(&entry).Error; err != nil {
		return models.Zone{}, fmt.Errorf("failed to fetch zone %s [%w]", zoneID, err)
	}
	return entry.Zone, nil
}

/*
ListZones list zones

	@param ctx context.Context - execution context
	@param filters ZoneQueryFilter - entry listing filter
	@return list of zones
*/
func (d *databaseImpl) ListZones(_ context.Context, filters ZoneQueryFilter) ([]models.Zone, error) {
	query, err := filterTombstones(d.db.Model(&zoneEntry{}), filters.Tombstones)
	if err != nil {
		return nil, err
	}
	if len(filters.IDs) > 0 {
		query = query.Where("id in ?", filters.IDs)
	}
	query = applyCommonFilter(query, filters.CommonListEntryQueryFilter)
	query = query.Order("id")

	var entries []zoneEntry
	if tmp := query.Find(&entries); tmp.Error != nil {
		return nil, fmt.Errorf("failed to list zones [%w]", tmp.Error)
	}

	result := []models.Zone{}
	for _, entry := range entries {
		result = append(result, entry.Zone)
	}
	return result, nil
}

/*
ListDeviceZones list device zone memberships

	@param ctx context.Context - execution context
	@param filters DeviceZoneQueryFilter - entry listing filter
	@return list of memberships
*/
func (d *databaseImpl) ListDeviceZones(
	_ context.Context, filters DeviceZoneQueryFilter,
) ([]models.DeviceZone, error) {
	query := d.db.Model(&deviceZoneEntry{})
	if filters.DeviceID != nil {
		query = query.Where("device_id = ?", *filters.DeviceID)
	}
	if filters.ZoneID != nil {
		query = query.Where("zone_id = ?", *filters.ZoneID)
	}
	if filters.ActiveOnly {
		query = query.Where("revoked = ? AND state = ?", false, models.RecordStateActive)
	}
	query = applyCommonFilter(query, filters.CommonListEntryQueryFilter)
	query = query.Order("created_at").Order("id")

	var entries []deviceZoneEntry
	if tmp := query.Find(&entries); tmp.Error != nil {
		return nil, fmt.Errorf("failed to list device zones [%w]", tmp.Error)
	}

	result := []models.DeviceZone{}
	for _, entry := range entries {
		result = append(result, entry.DeviceZone)
	}
	return result, nil
}

/*
RecordUnregisteredDevice note a registration attempt by a device without a membership

	@param ctx context.Context - execution context
	@param deviceID string - the device
	@param name string - device display name
	@param publicKey string - device public key
	@returns the entry
*/
func (d *databaseImpl) RecordUnregisteredDevice(
	_ context.Context, deviceID, name, publicKey string,
) (models.UnregisteredDevice, error) {
	entry := unregisteredDeviceEntry{UnregisteredDevice: models.UnregisteredDevice{
		DeviceID:    deviceID,
		Name:        name,
		PublicKey:   publicKey,
		Attempts:    1,
		LastAttempt: time.Now().UTC(),
	}}
	if err := d.validator.Struct(&entry); err != nil {
		return models.UnregisteredDevice{}, fmt.Errorf(
			"unregistered device entry is not valid [%w]", err,
		)
	}

	if tmp := d.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"name":         name,
			"public_key":   publicKey,
			"attempts":     clause.Expr{SQL: "unregistered_devices.attempts + 1"},
			"last_attempt": entry.LastAttempt,
			"updated_at":   entry.LastAttempt,
		}),
	}).Create(&entry); tmp.Error != nil {
		return models.UnregisteredDevice{}, fmt.Errorf(
			"failed to record unregistered device %s [%w]", deviceID, tmp.Error,
		)
	}

	var stored unregisteredDeviceEntry
	if err := d.db.Where("device_id = ?", deviceID).First(&stored).Error; err != nil {
		return models.UnregisteredDevice{}, fmt.Errorf(
			"failed to read back unregistered device %s [%w]", deviceID, err,
		)
	}
	return stored.UnregisteredDevice, nil
}

/*
ListUnregisteredDevices list unregistered devices

	@param ctx context.Context - execution context
	@param filters CommonListEntryQueryFilter - entry listing filter
	@return list of entries
*/
func (d *databaseImpl) ListUnregisteredDevices(
	_ context.Context, filters CommonListEntryQueryFilter,
) ([]models.UnregisteredDevice, error) {
	query := applyCommonFilter(d.db.Model(&unregisteredDeviceEntry{}), filters)
	query = query.Order("last_attempt desc")

	var entries []unregisteredDeviceEntry
	if tmp := query.Find(&entries); tmp.Error != nil {
		return nil, fmt.Errorf("failed to list unregistered devices [%w]", tmp.Error)
	}

	result := []models.UnregisteredDevice{}
	for _, entry := range entries {
		result = append(result, entry.UnregisteredDevice)
	}
	return result, nil
}

/*
DeleteUnregisteredDevice remove a device from the unregistered list

	@param ctx context.Context - execution context
	@param deviceID string - the device
*/
func (d *databaseImpl) DeleteUnregisteredDevice(_ context.Context, deviceID string) error {
	if tmp := d.db.
		Where("device_id = ?", deviceID).
		Delete(&unregisteredDeviceEntry{}); tmp.Error != nil {
		return fmt.Errorf("failed to delete unregistered device %s [%w]", deviceID, tmp.Error)
	}
	return nil
}
