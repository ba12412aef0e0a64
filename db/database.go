package db

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/securesync/models"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

// CommonListEntryQueryFilter common query filter when listing data entries
type CommonListEntryQueryFilter struct {
	Limit  *int
	Offset *int
}

// SystemEventQueryFilter audit event query filter conditions
type SystemEventQueryFilter struct {
	CommonListEntryQueryFilter
	// EventTypes the specific event types to query for
	EventTypes []models.SystemEventTypeENUMType
	// EventsAfter filter for events after this timestamp
	EventsAfter *time.Time
	// EventsBefore filter for events before this timestamp
	EventsBefore *time.Time
}

// EncryptionKeyQueryFilter encryption key query filer conditions
type EncryptionKeyQueryFilter struct {
	CommonListEntryQueryFilter
	// TargetState the specific states to query for
	TargetState []models.EncryptionKeyStateENUMType
}

// SyncRecordQueryFilter sync record query filter conditions
type SyncRecordQueryFilter struct {
	CommonListEntryQueryFilter
	// Tombstones whether tombstoned records are included. Must be chosen.
	Tombstones models.TombstonePolicy
	// IDs fetch only these records
	IDs []string
	// Kinds fetch only records of these kinds
	Kinds []models.RecordKindENUMType
	// SignedBy fetch only records signed by these devices
	SignedBy []string
	// FacilityID fetch only records scoped to this facility
	FacilityID *string
	// GroupID fetch only records scoped to this group
	GroupID *string
	// ZoneFallback fetch only records attributed to this fallback zone
	ZoneFallback *string
	// StubsOnly fetch only unsigned records
	StubsOnly bool
}

// DeviceQueryFilter device query filter conditions
type DeviceQueryFilter struct {
	CommonListEntryQueryFilter
	// IsAggregator filter on the aggregator flag
	IsAggregator *bool
}

// ZoneQueryFilter zone query filter conditions
type ZoneQueryFilter struct {
	CommonListEntryQueryFilter
	// Tombstones whether tombstoned zones are included. Must be chosen.
	Tombstones models.TombstonePolicy
	// IDs fetch only these zones
	IDs []string
}

// DeviceZoneQueryFilter device zone membership query filter conditions
type DeviceZoneQueryFilter struct {
	CommonListEntryQueryFilter
	// DeviceID fetch only memberships of this device
	DeviceID *string
	// ZoneID fetch only memberships of this zone
	ZoneID *string
	// ActiveOnly fetch only non-revoked, non-tombstoned memberships
	ActiveOnly bool
}

// SyncSessionQueryFilter sync session query filter conditions
type SyncSessionQueryFilter struct {
	CommonListEntryQueryFilter
	// ClientDeviceID fetch only sessions opened by this device
	ClientDeviceID *string
	// States fetch only sessions in these states
	States []models.SessionStateENUMType
}

// NodeStatistics entry counts of a node
type NodeStatistics struct {
	Devices             int64 `json:"devices"`
	Zones               int64 `json:"zones"`
	ActiveMemberships   int64 `json:"active_memberships"`
	UnregisteredDevices int64 `json:"unregistered_devices"`
	SyncSessions        int64 `json:"sync_sessions"`
	Records             int64 `json:"records"`
	Tombstones          int64 `json:"tombstones"`
	Organizations       int64 `json:"organizations"`
	Users               int64 `json:"users"`
}

// Database the database handle to interacting with the data base
type Database interface {
	// ------------------------------------------------------------------------------------
	// System audit events

	/*
		RecordSystemEvent record a system event

			@param ctx context.Context - execution context
			@param eventType models.SystemEventTypeENUMType - event type
			@param metadata interface{} - event metadata
			@returns the event entry
	*/
	RecordSystemEvent(
		ctx context.Context, eventType models.SystemEventTypeENUMType, metadata interface{},
	) (models.SystemEventAudit, error)

	/*
		ListSystemEvents list captured system events

			@param ctx context.Context - execution context
			@param filters SystemEventQueryFilter - entry listing filter
			@return list of system events
	*/
	ListSystemEvents(
		ctx context.Context, filters SystemEventQueryFilter,
	) ([]models.SystemEventAudit, error)

	// ------------------------------------------------------------------------------------
	// Node parameters

	/*
		InitializeNodeParams get-or-create the singleton node parameter entry

			@param ctx context.Context - execution context
			@param role models.NodeRoleENUMType - the role of this node
			@returns the entry
	*/
	InitializeNodeParams(
		ctx context.Context, role models.NodeRoleENUMType,
	) (models.NodeParams, error)

	/*
		GetNodeParams fetch the singleton node parameter entry

			@param ctx context.Context - execution context
			@returns the entry
	*/
	GetNodeParams(ctx context.Context) (models.NodeParams, error)

	/*
		SetOwnDevice record the device this node is

			@param ctx context.Context - execution context
			@param deviceID string - the own device ID
	*/
	SetOwnDevice(ctx context.Context, deviceID string) error

	/*
		UpdateRegistration change the node's registration state

			@param ctx context.Context - execution context
			@param newState models.RegistrationStateENUMType - new registration state
			@param zoneID string - zone registered into, empty to leave unchanged
			@param aggregatorDeviceID string - the aggregator device, empty to leave unchanged
	*/
	UpdateRegistration(
		ctx context.Context,
		newState models.RegistrationStateENUMType,
		zoneID string,
		aggregatorDeviceID string,
	) error

	// ------------------------------------------------------------------------------------
	// Encryption keys

	/*
		RecordEncryptionKey record an encrypted symmetric encryption key

			@param ctx context.Context - execution context
			@param encKeyMaterial string - encrypted key material
			@returns the key entry
	*/
	RecordEncryptionKey(ctx context.Context, encKeyMaterial []byte) (models.EncryptionKey, error)

	/*
		GetEncryptionKey fetch one encryption key

			@param ctx context.Context - execution context
			@param keyID string - the encryption key ID
			@return key entry
	*/
	GetEncryptionKey(ctx context.Context, keyID string) (models.EncryptionKey, error)

	/*
		ListEncryptionKeys list encryption keys

			@param ctx context.Context - execution context
			@param filters EncryptionKeyQueryFilter - entry listing filter
			@return list of keys
	*/
	ListEncryptionKeys(
		ctx context.Context, filters EncryptionKeyQueryFilter,
	) ([]models.EncryptionKey, error)

	/*
		RecordDeviceKey record the sealed private key of a device

			@param ctx context.Context - execution context
			@param deviceID string - the device
			@param encKey models.EncryptionKey - the key which sealed the private key
			@param sealed []byte - the sealed private key
			@param nonce []byte - the sealing nonce
			@returns the device key entry
	*/
	RecordDeviceKey(
		ctx context.Context,
		deviceID string,
		encKey models.EncryptionKey,
		sealed []byte,
		nonce []byte,
	) (models.DeviceKey, error)

	/*
		GetDeviceKey fetch the sealed private key of a device

			@param ctx context.Context - execution context
			@param deviceID string - the device
			@returns the device key entry
	*/
	GetDeviceKey(ctx context.Context, deviceID string) (models.DeviceKey, error)

	// ------------------------------------------------------------------------------------
	// Sync records

	/*
		UpsertSyncRecord insert a record, or replace the stored version of it. Trust graph
		records are projected into their tables in the same call.

			@param ctx context.Context - execution context
			@param record models.SyncRecord - the record
	*/
	UpsertSyncRecord(ctx context.Context, record models.SyncRecord) error

	/*
		GetSyncRecord fetch a record by ID

			@param ctx context.Context - execution context
			@param recordID string - the record ID
			@param tombstones models.TombstonePolicy - whether a tombstone may be returned
			@returns the record
	*/
	GetSyncRecord(
		ctx context.Context, recordID string, tombstones models.TombstonePolicy,
	) (models.SyncRecord, error)

	/*
		GetSyncRecordBySignerCounter fetch the record holding a signer's counter

			@param ctx context.Context - execution context
			@param signerID string - the signing device
			@param counter int64 - the counter
			@returns the record
	*/
	GetSyncRecordBySignerCounter(
		ctx context.Context, signerID string, counter int64,
	) (models.SyncRecord, error)

	/*
		ListSyncRecords list records

			@param ctx context.Context - execution context
			@param filters SyncRecordQueryFilter - entry listing filter
			@return list of records
	*/
	ListSyncRecords(
		ctx context.Context, filters SyncRecordQueryFilter,
	) ([]models.SyncRecord, error)

	/*
		ListSignedRecordsAfter list records of one signer above a counter, in counter order

			@param ctx context.Context - execution context
			@param signerID string - the signing device
			@param after int64 - only counters strictly above this
			@param limit int - max records to return, zero for no limit
			@return list of records
	*/
	ListSignedRecordsAfter(
		ctx context.Context, signerID string, after int64, limit int,
	) ([]models.SyncRecord, error)

	/*
		ListRecordSigners list every device which signed a stored record, in ID order

			@param ctx context.Context - execution context
			@return list of device IDs
	*/
	ListRecordSigners(ctx context.Context) ([]string, error)

	/*
		PurgeSyncRecords physically remove records and their trust graph projections

			@param ctx context.Context - execution context
			@param recordIDs []string - the records
	*/
	PurgeSyncRecords(ctx context.Context, recordIDs []string) error

	// ------------------------------------------------------------------------------------
	// Watermarks

	/*
		GetWatermark fetch the highest processed counter of a device

			@param ctx context.Context - execution context
			@param deviceID string - the device
			@returns the watermark, zero if never seen
	*/
	GetWatermark(ctx context.Context, deviceID string) (int64, error)

	/*
		ListWatermarks fetch every watermark

			@param ctx context.Context - execution context
			@returns the watermarks
	*/
	ListWatermarks(ctx context.Context) (models.Watermarks, error)

	/*
		AdvanceWatermark move a device's watermark forward. Lower values are ignored.

			@param ctx context.Context - execution context
			@param deviceID string - the device
			@param counter int64 - the processed counter
	*/
	AdvanceWatermark(ctx context.Context, deviceID string, counter int64) error

	/*
		ResetWatermarks forget every watermark except one device's, so records are fetched again

			@param ctx context.Context - execution context
			@param keepDeviceID string - the device whose watermark is kept
	*/
	ResetWatermarks(ctx context.Context, keepDeviceID string) error

	/*
		NextCounter allocate the next counter of a device

			@param ctx context.Context - execution context
			@param deviceID string - the device
			@returns the allocated counter
	*/
	NextCounter(ctx context.Context, deviceID string) (int64, error)

	// ------------------------------------------------------------------------------------
	// Trust graph

	/*
		GetDevice fetch a device

			@param ctx context.Context - execution context
			@param deviceID string - the device
			@returns the device
	*/
	GetDevice(ctx context.Context, deviceID string) (models.Device, error)

	/*
		GetOwnDevice fetch the device this node is

			@param ctx context.Context - execution context
			@returns the device
	*/
	GetOwnDevice(ctx context.Context) (models.Device, error)

	/*
		MarkOwnDevice flag a device as the device this node is

			@param ctx context.Context - execution context
			@param deviceID string - the device
	*/
	MarkOwnDevice(ctx context.Context, deviceID string) error

	/*
		ListDevices list devices

			@param ctx context.Context - execution context
			@param filters DeviceQueryFilter - entry listing filter
			@return list of devices
	*/
	ListDevices(ctx context.Context, filters DeviceQueryFilter) ([]models.Device, error)

	/*
		GetZone fetch a zone

			@param ctx context.Context - execution context
			@param zoneID string - the zone
			@param tombstones models.TombstonePolicy - whether a tombstoned zone may be returned
			@returns the zone
	*/
	GetZone(
		ctx context.Context, zoneID string, tombstones models.TombstonePolicy,
	) (models.Zone, error)

	/*
		ListZones list zones

			@param ctx context.Context - execution context
			@param filters ZoneQueryFilter - entry listing filter
			@return list of zones
	*/
	ListZones(ctx context.Context, filters ZoneQueryFilter) ([]models.Zone, error)

	/*
		ListDeviceZones list device zone memberships

			@param ctx context.Context - execution context
			@param filters DeviceZoneQueryFilter - entry listing filter
			@return list of memberships
	*/
	ListDeviceZones(
		ctx context.Context, filters DeviceZoneQueryFilter,
	) ([]models.DeviceZone, error)

	/*
		RecordUnregisteredDevice note a registration attempt by a device without a membership

			@param ctx context.Context - execution context
			@param deviceID string - the device
			@param name string - device display name
			@param publicKey string - device public key
			@returns the entry
	*/
	RecordUnregisteredDevice(
		ctx context.Context, deviceID, name, publicKey string,
	) (models.UnregisteredDevice, error)

	/*
		ListUnregisteredDevices list unregistered devices

			@param ctx context.Context - execution context
			@param filters CommonListEntryQueryFilter - entry listing filter
			@return list of entries
	*/
	ListUnregisteredDevices(
		ctx context.Context, filters CommonListEntryQueryFilter,
	) ([]models.UnregisteredDevice, error)

	/*
		DeleteUnregisteredDevice remove a device from the unregistered list

			@param ctx context.Context - execution context
			@param deviceID string - the device
	*/
	DeleteUnregisteredDevice(ctx context.Context, deviceID string) error

	// ------------------------------------------------------------------------------------
	// Sync sessions

	/*
		DefineSyncSession record a new sync session

			@param ctx context.Context - execution context
			@param session models.SyncSession - the session
			@returns the session entry
	*/
	DefineSyncSession(
		ctx context.Context, session models.SyncSession,
	) (models.SyncSession, error)

	/*
		GetSyncSession fetch a sync session

			@param ctx context.Context - execution context
			@param sessionID string - the session
			@returns the session entry
	*/
	GetSyncSession(ctx context.Context, sessionID string) (models.SyncSession, error)

	/*
		UpdateSyncSessionState move a session to a new state

			@param ctx context.Context - execution context
			@param sessionID string - the session
			@param newState models.SessionStateENUMType - the new state
			@param clientNonce *string - client nonce to record, if any
	*/
	UpdateSyncSessionState(
		ctx context.Context,
		sessionID string,
		newState models.SessionStateENUMType,
		clientNonce *string,
	) error

	/*
		RecordSyncSessionProgress add exchange counts to a session

			@param ctx context.Context - execution context
			@param sessionID string - the session
			@param uploaded int - records applied from the client
			@param downloaded int - records sent to the client
			@param errors int - per record errors
	*/
	RecordSyncSessionProgress(
		ctx context.Context, sessionID string, uploaded, downloaded, errors int,
	) error

	/*
		IsNonceUsed whether a nonce was ever recorded on a session

			@param ctx context.Context - execution context
			@param nonce string - the nonce
			@returns whether used
	*/
	IsNonceUsed(ctx context.Context, nonce string) (bool, error)

	/*
		ListSyncSessions list sync sessions

			@param ctx context.Context - execution context
			@param filters SyncSessionQueryFilter - entry listing filter
			@return list of sessions
	*/
	ListSyncSessions(
		ctx context.Context, filters SyncSessionQueryFilter,
	) ([]models.SyncSession, error)

	/*
		PruneSyncSessions remove terminal sessions last updated before a cutoff

			@param ctx context.Context - execution context
			@param olderThan time.Time - the cutoff
			@returns number of sessions removed
	*/
	PruneSyncSessions(ctx context.Context, olderThan time.Time) (int64, error)

	// ------------------------------------------------------------------------------------
	// Users and organizations

	/*
		DefineUser record a new user

			@param ctx context.Context - execution context
			@param username string - login name
			@param passwordHash []byte - bcrypt password hash
			@param superuser bool - whether the user is a superuser
			@returns the user entry
	*/
	DefineUser(
		ctx context.Context, username string, passwordHash []byte, superuser bool,
	) (models.User, error)

	/*
		GetUserByUsername fetch a user by login name

			@param ctx context.Context - execution context
			@param username string - login name
			@returns the user entry
	*/
	GetUserByUsername(ctx context.Context, username string) (models.User, error)

	/*
		DefineOrganization record a new organization

			@param ctx context.Context - execution context
			@param name string - organization name
			@param ownerID string - owning user, may be empty
			@param headless bool - whether this is the headless organization
			@returns the organization entry
	*/
	DefineOrganization(
		ctx context.Context, name, ownerID string, headless bool,
	) (models.Organization, error)

	/*
		GetOrganization fetch an organization

			@param ctx context.Context - execution context
			@param orgID string - the organization
			@returns the organization entry
	*/
	GetOrganization(ctx context.Context, orgID string) (models.Organization, error)

	/*
		GetHeadlessOrganization fetch the headless organization

			@param ctx context.Context - execution context
			@returns the organization entry
	*/
	GetHeadlessOrganization(ctx context.Context) (models.Organization, error)

	/*
		AddOrganizationMember add a user to an organization

			@param ctx context.Context - execution context
			@param orgID string - the organization
			@param userID string - the user
	*/
	AddOrganizationMember(ctx context.Context, orgID, userID string) error

	/*
		AssignZoneToOrganization record an organization as an owner of a zone

			@param ctx context.Context - execution context
			@param orgID string - the organization
			@param zoneID string - the zone
	*/
	AssignZoneToOrganization(ctx context.Context, orgID, zoneID string) error

	/*
		ListOrganizationsOfUser list organizations a user is a member of

			@param ctx context.Context - execution context
			@param userID string - the user
			@return list of organizations
	*/
	ListOrganizationsOfUser(ctx context.Context, userID string) ([]models.Organization, error)

	/*
		ListZoneOwners list organizations owning a zone

			@param ctx context.Context - execution context
			@param zoneID string - the zone
			@return list of organizations
	*/
	ListZoneOwners(ctx context.Context, zoneID string) ([]models.Organization, error)

	// ------------------------------------------------------------------------------------
	// Statistics

	/*
		GetStatistics count the entries held by this node

			@param ctx context.Context - execution context
			@returns the counts
	*/
	GetStatistics(ctx context.Context) (NodeStatistics, error)
}

// databaseImpl implements Database
type databaseImpl struct {
	goutils.Component
	db        *gorm.DB
	validator *validator.Validate
}

// newDatabase define a new database client
func newDatabase(_ context.Context, sqlClient *gorm.DB) (Database, error) {
	logTags := log.Fields{"package": "securesync", "module": "db", "component": "db-client"}

	instance := &databaseImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		db:        sqlClient,
		validator: validator.New(),
	}

	if err := models.RegisterWithValidator(instance.validator); err != nil {
		return nil, fmt.Errorf("failed to install custom validation macros [%w]", err)
	}

	return instance, nil
}

// applyCommonFilter apply limit and offset
func applyCommonFilter(query *gorm.DB, filters CommonListEntryQueryFilter) *gorm.DB {
	if filters.Limit != nil {
		query = query.Limit(*filters.Limit)
	}
	if filters.Offset != nil {
		query = query.Offset(*filters.Offset)
	}
	return query
}
