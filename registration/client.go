package registration

import (
	"context"
	"errors"
	"fmt"

	"github.com/alwitt/goutils"
	"github.com/alwitt/securesync/db"
	"github.com/alwitt/securesync/engine"
	"github.com/alwitt/securesync/identity"
	"github.com/alwitt/securesync/models"
	"github.com/apex/log"
	"gorm.io/gorm"
)

// Registerer the peer operation registration needs
type Registerer interface {
	/*
		Register submit a registration request to the aggregator

			@param ctx context.Context - execution context
			@param req models.RegisterRequest - the request
			@returns the response
	*/
	Register(ctx context.Context, req models.RegisterRequest) (models.RegisterResponse, error)
}

// Client distributed node side of registration
type Client interface {
	/*
		Register join the own device to a zone of the aggregator

			@param ctx context.Context - execution context
			@param peer Registerer - the aggregator
			@param username string - aggregator user name
			@param password string - aggregator user password
			@param zoneID string - the zone to join
			@returns the node parameters after registration
	*/
	Register(
		ctx context.Context, peer Registerer, username, password, zoneID string,
	) (models.NodeParams, error)

	/*
		State the current registration state of this node

			@param ctx context.Context - execution context
			@returns the node parameters
	*/
	State(ctx context.Context) (models.NodeParams, error)
}

// clientImpl implements Client
type clientImpl struct {
	goutils.Component

	persistence db.Client
	signer      identity.Capability
	verifier    identity.Verifier
}

/*
NewClient define new registration client

	@param persistence db.Client - persistence layer client
	@param signer identity.Capability - capability of the own device
	@returns client instance
*/
func NewClient(persistence db.Client, signer identity.Capability) Client {
	return &clientImpl{
		Component: goutils.Component{
			LogTags: log.Fields{
				"module": "registration", "component": "client", "instance": signer.DeviceID(),
			},
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		persistence: persistence,
		signer:      signer,
		verifier:    identity.NewVerifier(),
	}
}

func (c *clientImpl) State(ctx context.Context) (models.NodeParams, error) {
	var params models.NodeParams
	err := c.persistence.UseDatabase(ctx, func(dbCtx context.Context, dbClient db.Database) error {
		var err error
		params, err = dbClient.GetNodeParams(dbCtx)
		return err
	})
	return params, err
}

// isRefusal whether the aggregator refused the registration outright
func isRefusal(err error) bool {
	code, ok := models.ErrorCode(err)
	if !ok {
		return false
	}
	switch code {
	case models.ErrCodeTransportFailure:
		return false
	default:
		return true
	}
}

/*
Register join the own device to a zone of the aggregator

	@param ctx context.Context - execution context
	@param peer Registerer - the aggregator
	@param username string - aggregator user name
	@param password string - aggregator user password
	@param zoneID string - the zone to join
	@returns the node parameters after registration
*/
func (c *clientImpl) Register(
	ctx context.Context, peer Registerer, username, password, zoneID string,
) (models.NodeParams, error) {
	logTags := c.GetLogTagsForContext(ctx)

	var descriptor models.SyncRecord
	if err := c.persistence.UseDatabaseInTransaction(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			params, err := dbClient.GetNodeParams(dbCtx)
			if err != nil {
				return err
			}
			if params.Role != models.NodeRoleDistributed {
				return models.NewSyncError(
					models.ErrCodeInvalidRequest, "only a distributed node registers with an aggregator",
				)
			}
			if descriptor, err = dbClient.GetSyncRecord(
				dbCtx, c.signer.DeviceID(), models.IncludeTombstones,
			); err != nil {
				return err
			}
			return dbClient.UpdateRegistration(dbCtx, models.RegistrationStatePending, zoneID, "")
		},
	); err != nil {
		return models.NodeParams{}, fmt.Errorf("failed to start registration [%w]", err)
	}

	resp, err := peer.Register(ctx, models.RegisterRequest{
		Username:         username,
		Password:         password,
		ZoneID:           zoneID,
		DeviceDescriptor: descriptor,
	})
	if err == nil {
		err = c.accept(ctx, zoneID, resp)
	}
	if err != nil {
		if isRefusal(err) {
			c.markRejected(ctx, err)
		} else {
			log.WithError(err).WithFields(logTags).Warn("Registration still pending")
		}
		return models.NodeParams{}, err
	}

	params, err := c.State(ctx)
	if err != nil {
		return models.NodeParams{}, err
	}
	log.WithFields(logTags).
		WithField("zone-id", params.ZoneID).
		WithField("aggregator", params.AggregatorDeviceID).
		WithField("repaired", resp.Repaired).
		Info("Registered with aggregator")
	return params, nil
}

func (c *clientImpl) markRejected(ctx context.Context, cause error) {
	if err := c.persistence.UseDatabaseInTransaction(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			return dbClient.UpdateRegistration(dbCtx, models.RegistrationStateRejected, "", "")
		},
	); err != nil {
		log.WithError(err).WithFields(c.GetLogTagsForContext(ctx)).
			Error("Failed to mark registration as rejected")
		return
	}
	log.WithError(cause).WithFields(c.GetLogTagsForContext(ctx)).Warn("Registration rejected")
}

/*
accept check and store the trust records returned by the aggregator

	@param ctx context.Context - execution context
	@param zoneID string - the requested zone
	@param resp models.RegisterResponse - the aggregator response
*/
func (c *clientImpl) accept(
	ctx context.Context, zoneID string, resp models.RegisterResponse,
) error {
	aggregator := resp.AggregatorDevice
	if aggregator.Kind != models.RecordKindDevice || aggregator.SignedBy != aggregator.ID {
		return models.NewSyncError(
			models.ErrCodeTrustViolation, "aggregator descriptor is not self-signed",
		)
	}
	aggregatorPayload, err := models.DecodePayload[models.DevicePayload](aggregator)
	if err != nil {
		return models.WrapSyncError(
			models.ErrCodeTrustViolation, err, "aggregator descriptor is not valid",
		)
	}
	if !aggregatorPayload.IsAggregator {
		return models.NewSyncError(
			models.ErrCodeTrustViolation, "device %s is not an aggregator", aggregator.ID,
		)
	}

	// Everything must carry the aggregator's signature
	for _, record := range []models.SyncRecord{aggregator, resp.Zone, resp.DeviceZone} {
		if record.SignedBy != aggregator.ID {
			return models.NewSyncError(
				models.ErrCodeTrustViolation, "record %s not signed by the aggregator", record.ID,
			)
		}
		if err := identity.VerifyRecord(
			ctx, c.verifier, record, aggregatorPayload.PublicKey,
		); err != nil {
			return models.WrapSyncError(
				models.ErrCodeSignatureInvalid, err, "record %s signature is not valid", record.ID,
			)
		}
	}

	if resp.Zone.Kind != models.RecordKindZone || resp.Zone.ID != zoneID {
		return models.NewSyncError(
			models.ErrCodeTrustViolation, "aggregator returned the wrong zone %s", resp.Zone.ID,
		)
	}
	membership, err := models.DecodePayload[models.DeviceZonePayload](resp.DeviceZone)
	if err != nil {
		return models.WrapSyncError(
			models.ErrCodeTrustViolation, err, "membership record is not valid",
		)
	}
	if resp.DeviceZone.Kind != models.RecordKindDeviceZone ||
		resp.DeviceZone.ID != resp.DeviceZoneID ||
		membership.DeviceID != c.signer.DeviceID() ||
		membership.ZoneID != zoneID ||
		membership.Revoked {
		return models.NewSyncError(
			models.ErrCodeTrustViolation, "aggregator returned a foreign membership",
		)
	}

	return c.persistence.UseDatabaseInTransaction(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			params, err := dbClient.GetNodeParams(dbCtx)
			if err != nil {
				return err
			}
			if params.AggregatorDeviceID != "" && params.AggregatorDeviceID != aggregator.ID {
				return models.NewSyncError(
					models.ErrCodeTrustViolation,
					"node already belongs to aggregator %s",
					params.AggregatorDeviceID,
				)
			}
			known, err := dbClient.GetDevice(dbCtx, aggregator.ID)
			if err == nil && known.PublicKey != aggregatorPayload.PublicKey {
				return models.NewSyncError(
					models.ErrCodeTrustViolation, "aggregator %s presented a different key", aggregator.ID,
				)
			} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}

			// A new membership may open history that sits below the current watermarks
			if err := dbClient.ResetWatermarks(dbCtx, c.signer.DeviceID()); err != nil {
				return err
			}
			for _, record := range []models.SyncRecord{aggregator, resp.Zone, resp.DeviceZone} {
				var local *models.SyncRecord
				existing, err := dbClient.GetSyncRecord(dbCtx, record.ID, models.IncludeTombstones)
				if err == nil {
					local = &existing
				} else if !errors.Is(err, gorm.ErrRecordNotFound) {
					return err
				}
				resolution, err := engine.Resolve(local, record)
				if err != nil {
					return err
				}
				if resolution != engine.ResolutionApply {
					continue
				}
				if err := dbClient.UpsertSyncRecord(dbCtx, record); err != nil {
					return err
				}
			}

			return dbClient.UpdateRegistration(
				dbCtx, models.RegistrationStateRegistered, zoneID, aggregator.ID,
			)
		},
	)
}
