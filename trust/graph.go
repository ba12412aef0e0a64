package trust

import (
	"context"
	"errors"
	"fmt"

	"github.com/alwitt/goutils"
	"github.com/alwitt/securesync/db"
	"github.com/alwitt/securesync/models"
	"github.com/alwitt/securesync/store"
	"github.com/apex/log"
	"gorm.io/gorm"
)

// Graph manages the trust graph
type Graph interface {
	/*
		Snapshot read the trust graph

			@param ctx context.Context - execution context
			@param activeDBClient Database - existing database transaction
			@returns the snapshot
	*/
	Snapshot(ctx context.Context, activeDBClient db.Database) (*Snapshot, error)

	/*
		CreateZone define a new zone. Aggregator only.

			@param ctx context.Context - execution context
			@param name string - zone name
			@param description string - zone description
			@param activeDBClient Database - existing database transaction
			@returns the ZONE record
	*/
	CreateZone(
		ctx context.Context, name, description string, activeDBClient db.Database,
	) (models.SyncRecord, error)

	/*
		Grant add a device to a zone. Aggregator only.

			@param ctx context.Context - execution context
			@param deviceID string - the device
			@param zoneID string - the zone
			@param activeDBClient Database - existing database transaction
			@returns the DEVICE_ZONE record
	*/
	Grant(
		ctx context.Context, deviceID, zoneID string, activeDBClient db.Database,
	) (models.SyncRecord, error)

	/*
		Revoke revoke a device's membership of a zone. Records the device authors after
		this point are no longer attributed to the zone. Aggregator only.

			@param ctx context.Context - execution context
			@param deviceID string - the device
			@param zoneID string - the zone
			@param activeDBClient Database - existing database transaction
			@returns the DEVICE_ZONE record
	*/
	Revoke(
		ctx context.Context, deviceID, zoneID string, activeDBClient db.Database,
	) (models.SyncRecord, error)

	/*
		PrimaryZone the zone a device routes through: its oldest active membership

			@param ctx context.Context - execution context
			@param deviceID string - the device
			@param activeDBClient Database - existing database transaction
			@returns the zone
	*/
	PrimaryZone(
		ctx context.Context, deviceID string, activeDBClient db.Database,
	) (models.Zone, error)

	/*
		PurgeZoneMemberships physically remove every membership of a zone. Administrative
		recovery tool; the memberships are not tombstoned, so peers keep their copies.

			@param ctx context.Context - execution context
			@param zoneID string - the zone
			@param activeDBClient Database - existing database transaction
			@returns number of memberships removed
	*/
	PurgeZoneMemberships(
		ctx context.Context, zoneID string, activeDBClient db.Database,
	) (int, error)
}

// graphImpl implements Graph
type graphImpl struct {
	goutils.Component

	persistence db.Client
	records     store.RecordStore
	role        models.NodeRoleENUMType
}

/*
NewGraph define new trust graph manager

	@param persistence db.Client - persistence layer client
	@param records store.RecordStore - record store of the own device
	@param role models.NodeRoleENUMType - the role of this node
	@returns graph instance
*/
func NewGraph(
	persistence db.Client, records store.RecordStore, role models.NodeRoleENUMType,
) Graph {
	return &graphImpl{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "trust", "component": "graph"},
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		persistence: persistence,
		records:     records,
		role:        role,
	}
}

func (g *graphImpl) requireAggregator(operation string) error {
	if g.role != models.NodeRoleAggregator {
		return models.NewSyncError(
			models.ErrCodeTrustViolation, "only an aggregator may %s", operation,
		)
	}
	return nil
}

func (g *graphImpl) Snapshot(ctx context.Context, activeDBClient db.Database) (*Snapshot, error) {
	var snapshot *Snapshot
	if dbErr := db.ActiveSessionWrapper(
		ctx, activeDBClient, g.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			var err error
			snapshot, err = LoadSnapshot(dbCtx, dbClient)
			return err
		},
	); dbErr != nil {
		return nil, fmt.Errorf("failed to read trust graph [%w]", dbErr)
	}
	return snapshot, nil
}

/*
CreateZone define a new zone. Aggregator only.

	@param ctx context.Context - execution context
	@param name string - zone name
	@param description string - zone description
	@param activeDBClient Database - existing database transaction
	@returns the ZONE record
*/
func (g *graphImpl) CreateZone(
	ctx context.Context, name, description string, activeDBClient db.Database,
) (models.SyncRecord, error) {
	if err := g.requireAggregator("define zones"); err != nil {
		return models.SyncRecord{}, err
	}
	record, err := g.records.Create(
		ctx,
		models.RecordKindZone,
		models.ZonePayload{Name: name, Description: description},
		activeDBClient,
	)
	if err != nil {
		return models.SyncRecord{}, err
	}
	log.WithFields(g.GetLogTagsForContext(ctx)).
		WithField("zone-id", record.ID).
		WithField("name", name).
		Info("Defined zone")
	return record, nil
}

/*
Grant add a device to a zone. Aggregator only.

	@param ctx context.Context - execution context
	@param deviceID string - the device
	@param zoneID string - the zone
	@param activeDBClient Database - existing database transaction
	@returns the DEVICE_ZONE record
*/
func (g *graphImpl) Grant(
	ctx context.Context, deviceID, zoneID string, activeDBClient db.Database,
) (models.SyncRecord, error) {
	if err := g.requireAggregator("grant zone membership"); err != nil {
		return models.SyncRecord{}, err
	}
	var record models.SyncRecord
	if dbErr := db.ActiveSessionWrapper(
		ctx, activeDBClient, g.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			if _, err := dbClient.GetZone(dbCtx, zoneID, models.ExcludeTombstones); err != nil {
				return models.WrapSyncError(models.ErrCodeNotFound, err, "zone %s unknown", zoneID)
			}
			existing, err := dbClient.ListDeviceZones(dbCtx, db.DeviceZoneQueryFilter{
				DeviceID: &deviceID, ZoneID: &zoneID, ActiveOnly: true,
			})
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				return models.NewSyncError(
					models.ErrCodeRegistrationConflict,
					"device %s already a member of zone %s",
					deviceID,
					zoneID,
				)
			}
			record, err = g.records.Create(
				dbCtx,
				models.RecordKindDeviceZone,
				models.DeviceZonePayload{DeviceID: deviceID, ZoneID: zoneID},
				dbClient,
			)
			return err
		},
	); dbErr != nil {
		return models.SyncRecord{}, fmt.Errorf(
			"failed to grant device %s membership of %s [%w]", deviceID, zoneID, dbErr,
		)
	}
	log.WithFields(g.GetLogTagsForContext(ctx)).
		WithField("device-id", deviceID).
		WithField("zone-id", zoneID).
		Info("Granted zone membership")
	return record, nil
}

/*
Revoke revoke a device's membership of a zone. Records the device authors after
this point are no longer attributed to the zone. Aggregator only.

	@param ctx context.Context - execution context
	@param deviceID string - the device
	@param zoneID string - the zone
	@param activeDBClient Database - existing database transaction
	@returns the DEVICE_ZONE record
*/
func (g *graphImpl) Revoke(
	ctx context.Context, deviceID, zoneID string, activeDBClient db.Database,
) (models.SyncRecord, error) {
	if err := g.requireAggregator("revoke zone membership"); err != nil {
		return models.SyncRecord{}, err
	}
	var record models.SyncRecord
	if dbErr := db.ActiveSessionWrapper(
		ctx, activeDBClient, g.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			existing, err := dbClient.ListDeviceZones(dbCtx, db.DeviceZoneQueryFilter{
				DeviceID: &deviceID, ZoneID: &zoneID, ActiveOnly: true,
			})
			if err != nil {
				return err
			}
			if len(existing) == 0 {
				return models.NewSyncError(
					models.ErrCodeNotFound,
					"device %s has no active membership of zone %s",
					deviceID,
					zoneID,
				)
			}
			// Embargo whatever the device writes past what this node has seen
			watermark, err := dbClient.GetWatermark(dbCtx, deviceID)
			if err != nil {
				return err
			}
			for _, membership := range existing {
				record, err = g.records.Update(dbCtx, membership.ID, models.DeviceZonePayload{
					DeviceID:       deviceID,
					ZoneID:         zoneID,
					Revoked:        true,
					RevokedCounter: watermark,
				}, dbClient)
				if err != nil {
					return err
				}
				if _, err := dbClient.RecordSystemEvent(
					dbCtx,
					models.SystemEventTypeDeviceZoneRevoked,
					models.SystemEventMembershipRelated{
						DeviceID: deviceID, ZoneID: zoneID, DeviceZoneID: membership.ID,
					},
				); err != nil {
					return err
				}
			}
			return nil
		},
	); dbErr != nil {
		return models.SyncRecord{}, fmt.Errorf(
			"failed to revoke device %s membership of %s [%w]", deviceID, zoneID, dbErr,
		)
	}
	log.WithFields(g.GetLogTagsForContext(ctx)).
		WithField("device-id", deviceID).
		WithField("zone-id", zoneID).
		Info("Revoked zone membership")
	return record, nil
}

/*
PrimaryZone the zone a device routes through: its oldest active membership

	@param ctx context.Context - execution context
	@param deviceID string - the device
	@param activeDBClient Database - existing database transaction
	@returns the zone
*/
func (g *graphImpl) PrimaryZone(
	ctx context.Context, deviceID string, activeDBClient db.Database,
) (models.Zone, error) {
	var zone models.Zone
	if dbErr := db.ActiveSessionWrapper(
		ctx, activeDBClient, g.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			memberships, err := dbClient.ListDeviceZones(dbCtx, db.DeviceZoneQueryFilter{
				DeviceID: &deviceID, ActiveOnly: true,
			})
			if err != nil {
				return err
			}
			for _, membership := range memberships {
				zone, err = dbClient.GetZone(dbCtx, membership.ZoneID, models.ExcludeTombstones)
				if err == nil {
					return nil
				}
				if !errors.Is(err, gorm.ErrRecordNotFound) {
					return err
				}
			}
			return models.NewSyncError(
				models.ErrCodeNotFound, "device %s has no active zone", deviceID,
			)
		},
	); dbErr != nil {
		return models.Zone{}, fmt.Errorf("failed to find device %s zone [%w]", deviceID, dbErr)
	}
	return zone, nil
}

/*
PurgeZoneMemberships physically remove every membership of a zone. Administrative
recovery tool; the memberships are not tombstoned, so peers keep their copies.

	@param ctx context.Context - execution context
	@param zoneID string - the zone
	@param activeDBClient Database - existing database transaction
	@returns number of memberships removed
*/
func (g *graphImpl) PurgeZoneMemberships(
	ctx context.Context, zoneID string, activeDBClient db.Database,
) (int, error) {
	if err := g.requireAggregator("purge zones"); err != nil {
		return 0, err
	}
	removed := 0
	if dbErr := db.ActiveSessionWrapper(
		ctx, activeDBClient, g.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			memberships, err := dbClient.ListDeviceZones(dbCtx, db.DeviceZoneQueryFilter{
				ZoneID: &zoneID,
			})
			if err != nil {
				return err
			}
			ids := []string{}
			for _, membership := range memberships {
				ids = append(ids, membership.ID)
			}
			if err := dbClient.PurgeSyncRecords(dbCtx, ids); err != nil {
				return err
			}
			removed = len(ids)
			_, err = dbClient.RecordSystemEvent(
				dbCtx,
				models.SystemEventTypeZonePurged,
				models.SystemEventZoneRelated{ZoneID: zoneID, Removed: removed},
			)
			return err
		},
	); dbErr != nil {
		return 0, fmt.Errorf("failed to purge zone %s memberships [%w]", zoneID, dbErr)
	}
	log.WithFields(g.GetLogTagsForContext(ctx)).
		WithField("zone-id", zoneID).
		WithField("removed", removed).
		Warn("Purged zone memberships")
	return removed, nil
}
