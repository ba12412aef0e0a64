package db

import (
	"context"
	"fmt"

	"github.com/alwitt/securesync/models"
	"gorm.io/gorm/clause"
)

/*
GetWatermark fetch the highest processed counter of a device

	@param ctx context.Context - execution context
	@param deviceID string - the device
	@returns the watermark, zero if never seen
*/
func (d *databaseImpl) GetWatermark(_ context.Context, deviceID string) (int64, error) {
	var entries []syncWatermarkEntry
	if err := d.db.Where("device_id = ?", deviceID).Find(&entries).Error; err != nil {
		return 0, fmt.Errorf("failed to read watermark of %s [%w]", deviceID, err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	return entries[0].Counter, nil
}

/*
ListWatermarks fetch every watermark

	@param ctx context.Context - execution context
	@returns the watermarks
*/
func (d *databaseImpl) ListWatermarks(_ context.Context) (models.Watermarks, error) {
	var entries []syncWatermarkEntry
	if err := d.db.Order("device_id").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list watermarks [%w]", err)
	}
	result := models.Watermarks{}
	for _, entry := range entries {
		result[entry.DeviceID] = entry.Counter
	}
	return result, nil
}

/*
AdvanceWatermark move a device's watermark forward. Lower values are ignored.

	@param ctx context.Context - execution context
	@param deviceID string - the device
	@param counter int64 - the processed counter
*/
func (d *databaseImpl) AdvanceWatermark(_ context.Context, deviceID string, counter int64) error {
	entry := syncWatermarkEntry{
		SyncWatermark: models.SyncWatermark{DeviceID: deviceID, Counter: counter},
	}
	if err := d.validator.Struct(&entry); err != nil {
		return fmt.Errorf("watermark entry is not valid [%w]", err)
	}
	if tmp := d.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"counter": clause.Expr{
				SQL:  "CASE WHEN sync_watermarks.counter < ? THEN ? ELSE sync_watermarks.counter END",
				Vars: []interface{}{counter, counter},
			},
		}),
	}).Create(&entry); tmp.Error != nil {
		return fmt.Errorf("failed to advance watermark of %s [%w]", deviceID, tmp.Error)
	}
	return nil
}

/*
ResetWatermarks forget every watermark except one device's, so records are fetched again

	@param ctx context.Context - execution context
	@param keepDeviceID string - the device whose watermark is kept
*/
func (d *databaseImpl) ResetWatermarks(_ context.Context, keepDeviceID string) error {
	if tmp := d.db.
		Where("device_id <> ?", keepDeviceID).
		Delete(&syncWatermarkEntry{}); tmp.Error != nil {
		return fmt.Errorf("failed to reset watermarks [%w]", tmp.Error)
	}
	return nil
}

/*
NextCounter allocate the next counter of a device

	@param ctx context.Context - execution context
	@param deviceID string - the device
	@returns the allocated counter
*/
func (d *databaseImpl) NextCounter(ctx context.Context, deviceID string) (int64, error) {
	current, err := d.GetWatermark(ctx, deviceID)
	if err != nil {
		return 0, err
	}
	next := current + 1
	if err := d.AdvanceWatermark(ctx, deviceID, next); err != nil {
		return 0, fmt.Errorf("failed to allocate counter %d for %s [%w]", next, deviceID, err)
	}
	return next, nil
}
