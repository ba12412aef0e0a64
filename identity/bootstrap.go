package identity

import (
	"context"
	"fmt"

	"github.com/alwitt/securesync/db"
	"github.com/alwitt/securesync/encryption"
	"github.com/alwitt/securesync/models"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// BootstrapParams own device bootstrap parameters
type BootstrapParams struct {
	// Persistence persistence layer client
	Persistence db.Client `validate:"required"`
	// Crypto engine sealing the device private key
	Crypto encryption.CryptographyEngine `validate:"required"`
	// Role the role this node plays
	Role models.NodeRoleENUMType `validate:"required,node_role"`
	// DeviceName display name of a newly created device
	DeviceName string `validate:"required"`
	// Description description of a newly created device
	Description string
	// Version software version
	Version string
}

/*
Bootstrap get-or-create the device this node is. On first run a keypair is generated,
the private key is sealed at rest, and the self-signed device record is written at
counter 1.

	@param ctx context.Context - execution context
	@param params BootstrapParams - bootstrap parameters
	@returns the device's signing capability and its descriptor record
*/
func Bootstrap(
	ctx context.Context, params BootstrapParams,
) (Capability, models.SyncRecord, error) {
	validate := validator.New()
	if err := models.RegisterWithValidator(validate); err != nil {
		return nil, models.SyncRecord{}, fmt.Errorf(
			"failed to install custom validation macros [%w]", err,
		)
	}
	if err := validate.Struct(&params); err != nil {
		return nil, models.SyncRecord{}, fmt.Errorf("invalid bootstrap parameters [%w]", err)
	}

	logTags := log.Fields{"module": "identity", "component": "bootstrap"}

	var capability Capability
	var descriptor models.SyncRecord
	if dbErr := params.Persistence.UseDatabaseInTransaction(
		ctx, func(ctx context.Context, dbClient db.Database) error {
			nodeParams, err := dbClient.InitializeNodeParams(ctx, params.Role)
			if err != nil {
				return err
			}

			// Existing device
			if nodeParams.OwnDeviceID != "" {
				capability, descriptor, err = loadOwnDevice(
					ctx, nodeParams.OwnDeviceID, params.Crypto, dbClient,
				)
				return err
			}

			// New device
			capability, descriptor, err = createOwnDevice(ctx, params, dbClient)
			if err != nil {
				return err
			}
			log.WithFields(logTags).
				WithField("device-id", descriptor.ID).
				WithField("role", params.Role).
				Info("Created own device")
			return nil
		},
	); dbErr != nil {
		return nil, models.SyncRecord{}, fmt.Errorf("own device bootstrap failed [%w]", dbErr)
	}

	return capability, descriptor, nil
}

func loadOwnDevice(
	ctx context.Context,
	deviceID string,
	crypto encryption.CryptographyEngine,
	dbClient db.Database,
) (Capability, models.SyncRecord, error) {
	descriptor, err := dbClient.GetSyncRecord(ctx, deviceID, models.IncludeTombstones)
	if err != nil {
		return nil, models.SyncRecord{}, fmt.Errorf("own device record missing [%w]", err)
	}
	rawKey, err := crypto.UnsealDeviceKey(ctx, deviceID, dbClient)
	if err != nil {
		return nil, models.SyncRecord{}, err
	}
	privateKey, err := ParsePrivateKey(rawKey)
	if err != nil {
		return nil, models.SyncRecord{}, err
	}
	capability, err := NewCapability(deviceID, privateKey, crypto.GetRNGReader())
	if err != nil {
		return nil, models.SyncRecord{}, err
	}
	return capability, descriptor, nil
}

func createOwnDevice(
	ctx context.Context, params BootstrapParams, dbClient db.Database,
) (Capability, models.SyncRecord, error) {
	deviceID := uuid.NewString()

	privateKey, err := GenerateKey(params.Crypto.GetRNGReader())
	if err != nil {
		return nil, models.SyncRecord{}, err
	}
	capability, err := NewCapability(deviceID, privateKey, params.Crypto.GetRNGReader())
	if err != nil {
		return nil, models.SyncRecord{}, err
	}

	payload, err := models.EncodePayload(models.DevicePayload{
		Name:         params.DeviceName,
		Description:  params.Description,
		Version:      params.Version,
		PublicKey:    capability.PublicKey(),
		IsAggregator: params.Role == models.NodeRoleAggregator,
	})
	if err != nil {
		return nil, models.SyncRecord{}, fmt.Errorf("failed to encode device payload [%w]", err)
	}

	counter, err := dbClient.NextCounter(ctx, deviceID)
	if err != nil {
		return nil, models.SyncRecord{}, err
	}
	descriptor, err := SignRecord(ctx, capability, models.SyncRecord{
		ID:      deviceID,
		Kind:    models.RecordKindDevice,
		Counter: counter,
		State:   models.RecordStateActive,
		Payload: payload,
	})
	if err != nil {
		return nil, models.SyncRecord{}, err
	}

	if err := dbClient.UpsertSyncRecord(ctx, descriptor); err != nil {
		return nil, models.SyncRecord{}, err
	}
	if err := dbClient.MarkOwnDevice(ctx, deviceID); err != nil {
		return nil, models.SyncRecord{}, err
	}
	if err := dbClient.SetOwnDevice(ctx, deviceID); err != nil {
		return nil, models.SyncRecord{}, err
	}
	if _, err := params.Crypto.SealDeviceKey(
		ctx, deviceID, EncodePrivateKey(privateKey), dbClient,
	); err != nil {
		return nil, models.SyncRecord{}, err
	}

	return capability, descriptor, nil
}
