// Package registration - joining a distributed device to a zone, with repair of partial
// prior registrations
package registration

import (
	"context"
	"errors"
	"fmt"

	"github.com/alwitt/goutils"
	"github.com/alwitt/securesync/db"
	"github.com/alwitt/securesync/engine"
	"github.com/alwitt/securesync/models"
	"github.com/alwitt/securesync/registry"
	"github.com/alwitt/securesync/store"
	"github.com/alwitt/securesync/trust"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

// Registrar aggregator side of device registration
type Registrar interface {
	/*
		Register join a device to a zone on behalf of a user. A device which is already
		known but holds no active membership is repaired rather than refused.

			@param ctx context.Context - execution context
			@param req models.RegisterRequest - the request
			@returns the new membership and the trust records the device needs
	*/
	Register(ctx context.Context, req models.RegisterRequest) (models.RegisterResponse, error)
}

// RegistrarParams registrar parameters
type RegistrarParams struct {
	// Persistence persistence layer client
	Persistence db.Client `validate:"required"`
	// Engine exchange engine of the aggregator
	Engine engine.Engine `validate:"required"`
	// Records record store of the aggregator
	Records store.RecordStore `validate:"required"`
	// Graph trust graph manager
	Graph trust.Graph `validate:"required"`
	// Users user account registry
	Users registry.Users `validate:"required"`
	// Organizations organization registry
	Organizations registry.Organizations `validate:"required"`
}

// registrarImpl implements Registrar
type registrarImpl struct {
	goutils.Component
	RegistrarParams

	validator *validator.Validate
}

/*
NewRegistrar define new registrar

	@param params RegistrarParams - registrar parameters
	@returns registrar instance
*/
func NewRegistrar(params RegistrarParams) (Registrar, error) {
	validate := validator.New()
	if err := models.RegisterWithValidator(validate); err != nil {
		return nil, fmt.Errorf("failed to install custom validation macros [%w]", err)
	}
	if err := validate.Struct(&params); err != nil {
		return nil, fmt.Errorf("invalid registrar parameters [%w]", err)
	}
	if params.Engine.Role() != models.NodeRoleAggregator {
		return nil, fmt.Errorf("only an aggregator accepts registrations")
	}
	return &registrarImpl{
		Component: goutils.Component{
			LogTags: log.Fields{
				"module": "registration", "component": "registrar", "instance": params.Engine.DeviceID(),
			},
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		RegistrarParams: params,
		validator:       validate,
	}, nil
}

func (r *registrarImpl) audit(
	ctx context.Context,
	dbClient db.Database,
	eventType models.SystemEventTypeENUMType,
	metadata models.SystemEventMembershipRelated,
) {
	if _, err := dbClient.RecordSystemEvent(ctx, eventType, metadata); err != nil {
		log.WithError(err).WithFields(r.GetLogTagsForContext(ctx)).
			WithField("device-id", metadata.DeviceID).
			Errorf("Failed to audit '%s'", eventType)
	}
}

/*
Register join a device to a zone on behalf of a user

	@param ctx context.Context - execution context
	@param req models.RegisterRequest - the request
	@returns the new membership and the trust records the device needs
*/
func (r *registrarImpl) Register(
	ctx context.Context, req models.RegisterRequest,
) (models.RegisterResponse, error) {
	logTags := r.GetLogTagsForContext(ctx)

	if err := r.validator.Struct(&req); err != nil {
		return models.RegisterResponse{}, models.WrapSyncError(
			models.ErrCodeInvalidRequest, err, "registration request is not valid",
		)
	}
	descriptor := req.DeviceDescriptor
	if descriptor.Kind != models.RecordKindDevice || descriptor.SignedBy != descriptor.ID {
		return models.RegisterResponse{}, models.NewSyncError(
			models.ErrCodeInvalidRequest, "device descriptor must be a self-signed DEVICE record",
		)
	}
	devicePayload, err := models.DecodePayload[models.DevicePayload](descriptor)
	if err != nil {
		return models.RegisterResponse{}, models.WrapSyncError(
			models.ErrCodeInvalidRequest, err, "device descriptor payload is not valid",
		)
	}
	deviceID := descriptor.ID

	user, err := r.Users.Authenticate(ctx, req.Username, req.Password, nil)
	if err != nil {
		return models.RegisterResponse{}, err
	}

	// Track the attempt until it succeeds. A device already on record and without earlier
	// failed attempts once completed a registration which has since been lost.
	var known bool
	if err := r.Persistence.UseDatabaseInTransaction(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			// Descriptors only arrive through registration, never through the handshake
			if _, err := dbClient.GetDevice(dbCtx, deviceID); err == nil {
				known = true
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			history, err := dbClient.ListDeviceZones(dbCtx, db.DeviceZoneQueryFilter{
				DeviceID: &deviceID,
			})
			if err != nil {
				return err
			}
			known = known || len(history) > 0
			attempt, err := dbClient.RecordUnregisteredDevice(
				dbCtx, deviceID, devicePayload.Name, devicePayload.PublicKey,
			)
			if err != nil {
				return err
			}
			known = known && attempt.Attempts == 1
			return nil
		},
	); err != nil {
		return models.RegisterResponse{}, fmt.Errorf(
			"failed to record registration attempt of %s [%w]", deviceID, err,
		)
	}

	imported, err := r.Engine.ApplyBatch(ctx, deviceID, nil, []models.SyncRecord{descriptor})
	if err != nil {
		return models.RegisterResponse{}, err
	}
	if len(imported.Rejected) > 0 {
		return models.RegisterResponse{}, models.NewSyncError(
			imported.Rejected[0].Code,
			"device descriptor refused: %s",
			imported.Rejected[0].Reason,
		)
	}

	var resp models.RegisterResponse
	var rejection error
	err = r.Persistence.UseDatabaseInTransaction(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			zone, err := dbClient.GetZone(dbCtx, req.ZoneID, models.IncludeTombstones)
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return models.NewSyncError(models.ErrCodeNotFound, "zone %s is unknown", req.ZoneID)
				}
				return err
			}

			allowed, err := r.Organizations.CanUseZone(dbCtx, user, zone.ID, dbClient)
			if err != nil {
				return err
			}
			if !allowed {
				rejection = models.NewSyncError(
					models.ErrCodeTrustViolation,
					"user %s may not register devices into zone %s",
					user.Username,
					zone.ID,
				)
				r.audit(dbCtx, dbClient, models.SystemEventTypeRegistrationRejected,
					models.SystemEventMembershipRelated{
						DeviceID: deviceID,
						ZoneID:   zone.ID,
						Username: user.Username,
						Reason:   rejection.Error(),
					},
				)
				return nil
			}

			active, err := dbClient.ListDeviceZones(dbCtx, db.DeviceZoneQueryFilter{
				DeviceID: &deviceID, ActiveOnly: true,
			})
			if err != nil {
				return err
			}
			if len(active) > 0 {
				rejection = models.NewSyncError(
					models.ErrCodeRegistrationConflict,
					"device %s is already registered in zone %s",
					deviceID,
					active[0].ZoneID,
				)
				r.audit(dbCtx, dbClient, models.SystemEventTypeRegistrationRejected,
					models.SystemEventMembershipRelated{
						DeviceID:     deviceID,
						ZoneID:       active[0].ZoneID,
						DeviceZoneID: active[0].ID,
						Username:     user.Username,
						Reason:       rejection.Error(),
					},
				)
				return nil
			}

			repaired := known
			var zoneRecord models.SyncRecord
			if zone.State == models.RecordStateTombstoned {
				if zoneRecord, err = r.Records.Restore(dbCtx, zone.ID, dbClient); err != nil {
					return err
				}
				repaired = true
			} else {
				if zoneRecord, err = dbClient.GetSyncRecord(
					dbCtx, zone.ID, models.ExcludeTombstones,
				); err != nil {
					return err
				}
			}

			membership, err := r.Graph.Grant(dbCtx, deviceID, zone.ID, dbClient)
			if err != nil {
				return err
			}
			if err := dbClient.DeleteUnregisteredDevice(dbCtx, deviceID); err != nil {
				return err
			}
			aggregator, err := dbClient.GetSyncRecord(
				dbCtx, r.Engine.DeviceID(), models.IncludeTombstones,
			)
			if err != nil {
				return err
			}

			eventType := models.SystemEventTypeDeviceRegistered
			if repaired {
				eventType = models.SystemEventTypeRegistrationRepaired
			}
			r.audit(dbCtx, dbClient, eventType, models.SystemEventMembershipRelated{
				DeviceID:     deviceID,
				ZoneID:       zone.ID,
				DeviceZoneID: membership.ID,
				Username:     user.Username,
			})

			resp = models.RegisterResponse{
				DeviceZoneID:     membership.ID,
				Repaired:         repaired,
				Zone:             zoneRecord,
				DeviceZone:       membership,
				AggregatorDevice: aggregator,
			}
			return nil
		},
	)
	if err != nil {
		if _, ok := models.ErrorCode(err); ok {
			return models.RegisterResponse{}, err
		}
		return models.RegisterResponse{}, fmt.Errorf("failed to register device %s [%w]", deviceID, err)
	}
	if rejection != nil {
		log.WithFields(logTags).WithField("device-id", deviceID).Warn(rejection.Error())
		return models.RegisterResponse{}, rejection
	}

	log.WithFields(logTags).
		WithField("device-id", deviceID).
		WithField("zone-id", req.ZoneID).
		WithField("repaired", resp.Repaired).
		Info("Registered device")
	return resp, nil
}
