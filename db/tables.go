package db

import "github.com/alwitt/securesync/models"

// --------------------------------------------------------------------------------------
// System audit events

type systemEventAuditEntry struct {
	models.SystemEventAudit
}

// TableName hard code table name
func (systemEventAuditEntry) TableName() string {
	return "system_audit_events"
}

// --------------------------------------------------------------------------------------
// Node parameters

type nodeParamsEntry struct {
	models.NodeParams
}

// TableName hard code table name
func (nodeParamsEntry) TableName() string {
	return "node_params"
}

// --------------------------------------------------------------------------------------
// Encryption keys

// encryptionKeyEntry encryption key DB entry
type encryptionKeyEntry struct {
	models.EncryptionKey
}

// TableName hard code table name
func (encryptionKeyEntry) TableName() string {
	return "encryption_keys"
}

// deviceKeyEntry sealed device private key DB entry
type deviceKeyEntry struct {
	models.DeviceKey
	EncKey encryptionKeyEntry `gorm:"constraint:OnDelete:RESTRICT;foreignKey:EncKeyID" validate:"-"`
}

// TableName hard code table name
func (deviceKeyEntry) TableName() string {
	return "device_keys"
}

// --------------------------------------------------------------------------------------
// Sync records

// syncRecordEntry syncable record DB entry
type syncRecordEntry struct {
	models.SyncRecord
}

// TableName hard code table name
func (syncRecordEntry) TableName() string {
	return "sync_records"
}

// syncWatermarkEntry per device watermark DB entry
type syncWatermarkEntry struct {
	models.SyncWatermark
}

// TableName hard code table name
func (syncWatermarkEntry) TableName() string {
	return "sync_watermarks"
}

// --------------------------------------------------------------------------------------
// Trust graph

// deviceEntry device DB entry
type deviceEntry struct {
	models.Device
}

// TableName hard code table name
func (deviceEntry) TableName() string {
	return "devices"
}

// zoneEntry zone DB entry
type zoneEntry struct {
	models.Zone
}

// TableName hard code table name
func (zoneEntry) TableName() string {
	return "zones"
}

// deviceZoneEntry device zone membership DB entry
type deviceZoneEntry struct {
	models.DeviceZone
}

// TableName hard code table name
func (deviceZoneEntry) TableName() string {
	return "device_zones"
}

// unregisteredDeviceEntry unregistered device DB entry
type unregisteredDeviceEntry struct {
	models.UnregisteredDevice
}

// TableName hard code table name
func (unregisteredDeviceEntry) TableName() string {
	return "unregistered_devices"
}

// --------------------------------------------------------------------------------------
// Sync sessions

// syncSessionEntry sync session DB entry
type syncSessionEntry struct {
	models.SyncSession
}

// TableName hard code table name
func (syncSessionEntry) TableName() string {
	return "sync_sessions"
}

// --------------------------------------------------------------------------------------
// Users and organizations

// userEntry user DB entry
type userEntry struct {
	models.User
}

// TableName hard code table name
func (userEntry) TableName() string {
	return "users"
}

// organizationEntry organization DB entry
type organizationEntry struct {
	models.Organization
}

// TableName hard code table name
func (organizationEntry) TableName() string {
	return "organizations"
}

// organizationMemberEntry organization member DB entry
type organizationMemberEntry struct {
	models.OrganizationMember
	Organization organizationEntry `gorm:"constraint:OnDelete:CASCADE;foreignKey:OrganizationID" validate:"-"`
	User         userEntry         `gorm:"constraint:OnDelete:CASCADE;foreignKey:UserID" validate:"-"`
}

// TableName hard code table name
func (organizationMemberEntry) TableName() string {
	return "organization_members"
}

// organizationZoneEntry organization zone ownership DB entry
type organizationZoneEntry struct {
	models.OrganizationZone
	Organization organizationEntry `gorm:"constraint:OnDelete:CASCADE;foreignKey:OrganizationID" validate:"-"`
}

// TableName hard code table name
func (organizationZoneEntry) TableName() string {
	return "organization_zones"
}
