package db

import (
	"context"

	"gorm.io/gorm"
)

// TableEntries the table definitions, in migration order
func TableEntries() []interface{} {
	return []interface{}{
		&systemEventAuditEntry{},
		&nodeParamsEntry{},
		&encryptionKeyEntry{},
		&deviceKeyEntry{},
		&syncRecordEntry{},
		&syncWatermarkEntry{},
		&deviceEntry{},
		&zoneEntry{},
		&deviceZoneEntry{},
		&unregisteredDeviceEntry{},
		&syncSessionEntry{},
		&userEntry{},
		&organizationEntry{},
		&organizationMemberEntry{},
		&organizationZoneEntry{},
	}
}

// DefineTables prepare a database with tables
func DefineTables(_ context.Context, db *gorm.DB) error {
	return db.AutoMigrate(TableEntries()...)
}
