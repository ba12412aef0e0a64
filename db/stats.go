package db

import (
	"context"
	"fmt"

	"github.com/alwitt/securesync/models"
)

/*
GetStatistics count the entries held by this node

	@param ctx context.Context - execution context
	@returns the counts
*/
func (d *databaseImpl) GetStatistics(_ context.Context) (NodeStatistics, error) {
	var stats NodeStatistics
	counts := []struct {
		query  func() error
		target string
	}{
		{func() error { return d.db.Model(&deviceEntry{}).Count(&stats.Devices).Error }, "devices"},
		{func() error {
			return d.db.Model(&zoneEntry{}).
				Where("state = ?", models.RecordStateActive).Count(&stats.Zones).Error
		}, "zones"},
		{func() error {
			return d.db.Model(&deviceZoneEntry{}).
				Where("revoked = ? AND state = ?", false, models.RecordStateActive).
				Count(&stats.ActiveMemberships).Error
		}, "memberships"},
		{func() error {
			return d.db.Model(&unregisteredDeviceEntry{}).Count(&stats.UnregisteredDevices).Error
		}, "unregistered devices"},
		{func() error { return d.db.Model(&syncSessionEntry{}).Count(&stats.SyncSessions).Error }, "sessions"},
		{func() error { return d.db.Model(&syncRecordEntry{}).Count(&stats.Records).Error }, "records"},
		{func() error {
			return d.db.Model(&syncRecordEntry{}).
				Where("state = ?", models.RecordStateTombstoned).Count(&stats.Tombstones).Error
		}, "tombstones"},
		{func() error {
			return d.db.Model(&organizationEntry{}).Count(&stats.Organizations).Error
		}, "organizations"},
		{func() error { return d.db.Model(&userEntry{}).Count(&stats.Users).Error }, "users"},
	}
	for _, count := range counts {
		if err := count.query(); err != nil {
			return NodeStatistics{}, fmt.Errorf("failed to count %s [%w]", count.target, err)
		}
	}
	return stats, nil
}
