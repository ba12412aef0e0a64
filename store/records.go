// Package store - data storage controllers
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/alwitt/goutils"
	"github.com/alwitt/securesync/db"
	"github.com/alwitt/securesync/identity"
	"github.com/alwitt/securesync/models"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RecordStore authors and reads syncable records on behalf of the device this node is
//
// Every authored version takes the next counter of the own device and is signed. Only the
// signer of a record may change it; stubs may be adopted by anyone.
type RecordStore interface {
	/*
		Create author a new record

			@param ctx context.Context - execution context
			@param kind models.RecordKindENUMType - record kind
			@param payload interface{} - typed payload
			@param activeDBClient Database - existing database transaction
			@returns the signed record
	*/
	Create(
		ctx context.Context,
		kind models.RecordKindENUMType,
		payload interface{},
		activeDBClient db.Database,
	) (models.SyncRecord, error)

	/*
		CreateZoneScoped author a new record attributed to a zone through zone_fallback. Peers
		honor the attribution only from an aggregator or a member of that zone.

			@param ctx context.Context - execution context
			@param kind models.RecordKindENUMType - record kind
			@param payload interface{} - typed payload
			@param zoneID string - the zone to attribute the record to
			@param activeDBClient Database - existing database transaction
			@returns the signed record
	*/
	CreateZoneScoped(
		ctx context.Context,
		kind models.RecordKindENUMType,
		payload interface{},
		zoneID string,
		activeDBClient db.Database,
	) (models.SyncRecord, error)

	/*
		Update author a new version of a record with a new payload

			@param ctx context.Context - execution context
			@param recordID string - the record
			@param payload interface{} - typed payload
			@param activeDBClient Database - existing database transaction
			@returns the signed record
	*/
	Update(
		ctx context.Context, recordID string, payload interface{}, activeDBClient db.Database,
	) (models.SyncRecord, error)

	/*
		SoftDelete author a tombstone version of a record

			@param ctx context.Context - execution context
			@param recordID string - the record
			@param activeDBClient Database - existing database transaction
			@returns the signed tombstone
	*/
	SoftDelete(
		ctx context.Context, recordID string, activeDBClient db.Database,
	) (models.SyncRecord, error)

	/*
		Restore author an active version of a tombstoned record

			@param ctx context.Context - execution context
			@param recordID string - the record
			@param activeDBClient Database - existing database transaction
			@returns the signed record
	*/
	Restore(
		ctx context.Context, recordID string, activeDBClient db.Database,
	) (models.SyncRecord, error)

	/*
		CreateStub store an unsigned placeholder for a record expected from a peer

			@param ctx context.Context - execution context
			@param recordID string - the record
			@param kind models.RecordKindENUMType - record kind
			@param payload interface{} - typed payload
			@param activeDBClient Database - existing database transaction
			@returns the stub
	*/
	CreateStub(
		ctx context.Context,
		recordID string,
		kind models.RecordKindENUMType,
		payload interface{},
		activeDBClient db.Database,
	) (models.SyncRecord, error)

	/*
		AdoptStub sign a stub as a version produced by this device

			@param ctx context.Context - execution context
			@param recordID string - the stub
			@param activeDBClient Database - existing database transaction
			@returns the signed record
	*/
	AdoptStub(
		ctx context.Context, recordID string, activeDBClient db.Database,
	) (models.SyncRecord, error)

	/*
		Get fetch a record

			@param ctx context.Context - execution context
			@param recordID string - the record
			@param tombstones models.TombstonePolicy - whether a tombstone may be returned
			@param activeDBClient Database - existing database transaction
			@returns the record
	*/
	Get(
		ctx context.Context,
		recordID string,
		tombstones models.TombstonePolicy,
		activeDBClient db.Database,
	) (models.SyncRecord, error)

	/*
		List list records

			@param ctx context.Context - execution context
			@param filters db.SyncRecordQueryFilter - listing filter, with its tombstone policy
			@param activeDBClient Database - existing database transaction
			@returns the records
	*/
	List(
		ctx context.Context, filters db.SyncRecordQueryFilter, activeDBClient db.Database,
	) ([]models.SyncRecord, error)
}

// recordStore implements RecordStore
type recordStore struct {
	goutils.Component

	persistence db.Client
	signer      identity.Capability
	validator   *validator.Validate
}

/*
NewRecordStore define new record store

	@param persistence db.Client - persistence layer client
	@param signer identity.Capability - signing capability of the own device
	@returns store instance
*/
func NewRecordStore(persistence db.Client, signer identity.Capability) (RecordStore, error) {
	logTags := log.Fields{
		"module": "store", "component": "record-store", "instance": signer.DeviceID(),
	}

	instance := &recordStore{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		persistence: persistence,
		signer:      signer,
		validator:   validator.New(),
	}
	if err := models.RegisterWithValidator(instance.validator); err != nil {
		return nil, fmt.Errorf("failed to install custom validation macros [%w]", err)
	}
	return instance, nil
}

// encodePayload validate then serialize a typed payload
func (s *recordStore) encodePayload(payload interface{}) (datatypes.JSON, error) {
	if err := s.validator.Struct(payload); err != nil {
		var invalid *validator.InvalidValidationError
		if !errors.As(err, &invalid) {
			return nil, models.WrapSyncError(models.ErrCodeInvalidRequest, err, "payload is not valid")
		}
	}
	return models.EncodePayload(payload)
}

// signAndStore stamp a record with the next own counter, sign and persist it
func (s *recordStore) signAndStore(
	ctx context.Context, record models.SyncRecord, dbClient db.Database,
) (models.SyncRecord, error) {
	counter, err := dbClient.NextCounter(ctx, s.signer.DeviceID())
	if err != nil {
		return models.SyncRecord{}, fmt.Errorf("failed to allocate counter [%w]", err)
	}
	record.Counter = counter
	signed, err := identity.SignRecord(ctx, s.signer, record)
	if err != nil {
		return models.SyncRecord{}, err
	}
	if err := dbClient.UpsertSyncRecord(ctx, signed); err != nil {
		return models.SyncRecord{}, err
	}
	return signed, nil
}

func (s *recordStore) create(
	ctx context.Context,
	kind models.RecordKindENUMType,
	payload interface{},
	zoneID string,
	activeDBClient db.Database,
) (models.SyncRecord, error) {
	encoded, err := s.encodePayload(payload)
	if err != nil {
		return models.SyncRecord{}, err
	}
	var record models.SyncRecord
	if dbErr := db.ActiveSessionWrapper(
		ctx, activeDBClient, s.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			record, err = s.signAndStore(dbCtx, models.SyncRecord{
				ID:           uuid.NewString(),
				Kind:         kind,
				ZoneFallback: zoneID,
				State:        models.RecordStateActive,
				Payload:      encoded,
			}, dbClient)
			return err
		},
	); dbErr != nil {
		return models.SyncRecord{}, fmt.Errorf("failed to create %s record [%w]", kind, dbErr)
	}

	log.WithFields(s.GetLogTagsForContext(ctx)).
		WithField("record-id", record.ID).
		WithField("kind", kind).
		WithField("counter", record.Counter).
		Debug("Created record")
	return record, nil
}

/*
Create author a new record

	@param ctx context.Context - execution context
	@param kind models.RecordKindENUMType - record kind
	@param payload interface{} - typed payload
	@param activeDBClient Database - existing database transaction
	@returns the signed record
*/
func (s *recordStore) Create(
	ctx context.Context,
	kind models.RecordKindENUMType,
	payload interface{},
	activeDBClient db.Database,
) (models.SyncRecord, error) {
	return s.create(ctx, kind, payload, "", activeDBClient)
}

/*
CreateZoneScoped author a new record attributed to a zone through zone_fallback. Peers
honor the attribution only from an aggregator or a member of that zone.

	@param ctx context.Context - execution context
	@param kind models.RecordKindENUMType - record kind
	@param payload interface{} - typed payload
	@param zoneID string - the zone to attribute the record to
	@param activeDBClient Database - existing database transaction
	@returns the signed record
*/
func (s *recordStore) CreateZoneScoped(
	ctx context.Context,
	kind models.RecordKindENUMType,
	payload interface{},
	zoneID string,
	activeDBClient db.Database,
) (models.SyncRecord, error) {
	if zoneID == "" {
		return models.SyncRecord{}, models.NewSyncError(
			models.ErrCodeInvalidRequest, "zone scoped record needs a zone",
		)
	}
	return s.create(ctx, kind, payload, zoneID, activeDBClient)
}

// mutate author a new version of an existing record
func (s *recordStore) mutate(
	ctx context.Context,
	recordID string,
	activeDBClient db.Database,
	change func(record *models.SyncRecord) error,
) (models.SyncRecord, error) {
	var record models.SyncRecord
	if dbErr := db.ActiveSessionWrapper(
		ctx, activeDBClient, s.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			current, err := dbClient.GetSyncRecord(dbCtx, recordID, models.IncludeTombstones)
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return models.WrapSyncError(models.ErrCodeNotFound, err, "record %s unknown", recordID)
				}
				return err
			}
			if current.SignedBy != s.signer.DeviceID() {
				return models.NewSyncError(
					models.ErrCodeTrustViolation,
					"record %s is owned by %s, only its signer may change it",
					recordID,
					current.SignedBy,
				)
			}
			if err := change(&current); err != nil {
				return err
			}
			record, err = s.signAndStore(dbCtx, current, dbClient)
			return err
		},
	); dbErr != nil {
		return models.SyncRecord{}, fmt.Errorf("failed to change record %s [%w]", recordID, dbErr)
	}
	return record, nil
}

/*
Update author a new version of a record with a new payload

	@param ctx context.Context - execution context
	@param recordID string - the record
	@param payload interface{} - typed payload
	@param activeDBClient Database - existing database transaction
	@returns the signed record
*/
func (s *recordStore) Update(
	ctx context.Context, recordID string, payload interface{}, activeDBClient db.Database,
) (models.SyncRecord, error) {
	encoded, err := s.encodePayload(payload)
	if err != nil {
		return models.SyncRecord{}, err
	}
	return s.mutate(ctx, recordID, activeDBClient, func(record *models.SyncRecord) error {
		if record.IsTombstoned() {
			return models.NewSyncError(
				models.ErrCodeInvalidRequest, "record %s is tombstoned", recordID,
			)
		}
		record.Payload = encoded
		return nil
	})
}

/*
SoftDelete author a tombstone version of a record

	@param ctx context.Context - execution context
	@param recordID string - the record
	@param activeDBClient Database - existing database transaction
	@returns the signed tombstone
*/
func (s *recordStore) SoftDelete(
	ctx context.Context, recordID string, activeDBClient db.Database,
) (models.SyncRecord, error) {
	record, err := s.mutate(ctx, recordID, activeDBClient, func(record *models.SyncRecord) error {
		if record.IsTombstoned() {
			return models.NewSyncError(
				models.ErrCodeInvalidRequest, "record %s already tombstoned", recordID,
			)
		}
		record.State = models.RecordStateTombstoned
		return nil
	})
	if err != nil {
		return models.SyncRecord{}, err
	}
	log.WithFields(s.GetLogTagsForContext(ctx)).
		WithField("record-id", recordID).
		WithField("counter", record.Counter).
		Debug("Tombstoned record")
	return record, nil
}

/*
Restore author an active version of a tombstoned record

	@param ctx context.Context - execution context
	@param recordID string - the record
	@param activeDBClient Database - existing database transaction
	@returns the signed record
*/
func (s *recordStore) Restore(
	ctx context.Context, recordID string, activeDBClient db.Database,
) (models.SyncRecord, error) {
	return s.mutate(ctx, recordID, activeDBClient, func(record *models.SyncRecord) error {
		if !record.IsTombstoned() {
			return models.NewSyncError(
				models.ErrCodeInvalidRequest, "record %s is not tombstoned", recordID,
			)
		}
		record.State = models.RecordStateActive
		return nil
	})
}

/*
CreateStub store an unsigned placeholder for a record expected from a peer

	@param ctx context.Context - execution context
	@param recordID string - the record
	@param kind models.RecordKindENUMType - record kind
	@param payload interface{} - typed payload
	@param activeDBClient Database - existing database transaction
	@returns the stub
*/
func (s *recordStore) CreateStub(
	ctx context.Context,
	recordID string,
	kind models.RecordKindENUMType,
	payload interface{},
	activeDBClient db.Database,
) (models.SyncRecord, error) {
	if kind.IsTrustKind() {
		return models.SyncRecord{}, models.NewSyncError(
			models.ErrCodeInvalidRequest, "%s records can't be stubs", kind,
		)
	}
	encoded, err := s.encodePayload(payload)
	if err != nil {
		return models.SyncRecord{}, err
	}
	stub := models.SyncRecord{
		ID:      recordID,
		Kind:    kind,
		State:   models.RecordStateActive,
		Payload: encoded,
	}
	if dbErr := db.ActiveSessionWrapper(
		ctx, activeDBClient, s.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			if _, err := dbClient.GetSyncRecord(dbCtx, recordID, models.IncludeTombstones); err == nil {
				return models.NewSyncError(
					models.ErrCodeInvalidRequest, "record %s already exists", recordID,
				)
			}
			return dbClient.UpsertSyncRecord(dbCtx, stub)
		},
	); dbErr != nil {
		return models.SyncRecord{}, fmt.Errorf("failed to create stub %s [%w]", recordID, dbErr)
	}
	return stub, nil
}

/*
AdoptStub sign a stub as a version produced by this device

	@param ctx context.Context - execution context
	@param recordID string - the stub
	@param activeDBClient Database - existing database transaction
	@returns the signed record
*/
func (s *recordStore) AdoptStub(
	ctx context.Context, recordID string, activeDBClient db.Database,
) (models.SyncRecord, error) {
	var record models.SyncRecord
	if dbErr := db.ActiveSessionWrapper(
		ctx, activeDBClient, s.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			stub, err := dbClient.GetSyncRecord(dbCtx, recordID, models.IncludeTombstones)
			if err != nil {
				return models.WrapSyncError(models.ErrCodeNotFound, err, "stub %s unknown", recordID)
			}
			if !stub.IsStub() {
				return models.NewSyncError(
					models.ErrCodeInvalidRequest, "record %s is already signed", recordID,
				)
			}
			record, err = s.signAndStore(dbCtx, stub, dbClient)
			return err
		},
	); dbErr != nil {
		return models.SyncRecord{}, fmt.Errorf("failed to adopt stub %s [%w]", recordID, dbErr)
	}
	return record, nil
}

/*
Get fetch a record

	@param ctx context.Context - execution context
	@param recordID string - the record
	@param tombstones models.TombstonePolicy - whether a tombstone may be returned
	@param activeDBClient Database - existing database transaction
	@returns the record
*/
func (s *recordStore) Get(
	ctx context.Context,
	recordID string,
	tombstones models.TombstonePolicy,
	activeDBClient db.Database,
) (models.SyncRecord, error) {
	var record models.SyncRecord
	if dbErr := db.ActiveSessionWrapper(
		ctx, activeDBClient, s.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			var err error
			record, err = dbClient.GetSyncRecord(dbCtx, recordID, tombstones)
			return err
		},
	); dbErr != nil {
		return models.SyncRecord{}, fmt.Errorf("failed to read record %s [%w]", recordID, dbErr)
	}
	return record, nil
}

/*
List list records

	@param ctx context.Context - execution context
	@param filters db.SyncRecordQueryFilter - listing filter, with its tombstone policy
	@param activeDBClient Database - existing database transaction
	@returns the records
*/
func (s *recordStore) List(
	ctx context.Context, filters db.SyncRecordQueryFilter, activeDBClient db.Database,
) ([]models.SyncRecord, error) {
	var records []models.SyncRecord
	if dbErr := db.ActiveSessionWrapper(
		ctx, activeDBClient, s.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			var err error
			records, err = dbClient.ListSyncRecords(dbCtx, filters)
			return err
		},
	); dbErr != nil {
		return nil, fmt.Errorf("failed to list records [%w]", dbErr)
	}
	return records, nil
}
