// Package engine - computes and applies batches of signed records between peers
package engine

import (
	"context"
	"fmt"

	"github.com/alwitt/goutils"
	"github.com/alwitt/securesync/db"
	"github.com/alwitt/securesync/identity"
	"github.com/alwitt/securesync/models"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// Page one page of records a peer is missing
type Page struct {
	// Records the records, ordered by (signed_by, counter)
	Records []models.SyncRecord
	// Signers self-signed descriptors of every signer in Records
	Signers []models.SyncRecord
	// More whether records remain after this page
	More bool
}

// Engine exchange engine of one node
type Engine interface {
	/*
		Watermarks the highest counter processed from each known device

			@param ctx context.Context - execution context
			@param activeDBClient Database - existing database transaction
			@returns the watermarks
	*/
	Watermarks(ctx context.Context, activeDBClient db.Database) (models.Watermarks, error)

	/*
		UnsyncedSince list the records a peer is missing, given the peer's watermarks. Only
		records the peer may see are returned.

			@param ctx context.Context - execution context
			@param forDeviceID string - the receiving peer
			@param peerWatermarks models.Watermarks - the peer's watermarks
			@param limit int - max records in the page
			@param activeDBClient Database - existing database transaction
			@returns the page
	*/
	UnsyncedSince(
		ctx context.Context,
		forDeviceID string,
		peerWatermarks models.Watermarks,
		limit int,
		activeDBClient db.Database,
	) (Page, error)

	/*
		ApplyBatch apply a batch of records delivered by a peer in one transaction. Records
		failing validation are rejected individually; an ambiguous conflict aborts the
		whole batch.

			@param ctx context.Context - execution context
			@param sourceDeviceID string - the delivering peer
			@param records []models.SyncRecord - the records
			@param signers []models.SyncRecord - descriptors of the records' signers
			@returns outcome of the batch
	*/
	ApplyBatch(
		ctx context.Context,
		sourceDeviceID string,
		records []models.SyncRecord,
		signers []models.SyncRecord,
	) (models.BatchResult, error)

	// Role the role of this node
	Role() models.NodeRoleENUMType

	// DeviceID the own device of this node
	DeviceID() string
}

// engineImpl implements Engine
type engineImpl struct {
	goutils.Component

	persistence db.Client
	verifier    identity.Verifier
	validator   *validator.Validate
	ownDeviceID string
	role        models.NodeRoleENUMType
}

/*
NewEngine define new exchange engine

	@param persistence db.Client - persistence layer client
	@param signer identity.Capability - capability of the own device
	@param role models.NodeRoleENUMType - the role of this node
	@returns engine instance
*/
func NewEngine(
	persistence db.Client, signer identity.Capability, role models.NodeRoleENUMType,
) (Engine, error) {
	logTags := log.Fields{
		"module": "engine", "component": "exchange", "instance": signer.DeviceID(), "role": role,
	}
	instance := &engineImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		persistence: persistence,
		verifier:    identity.NewVerifier(),
		validator:   validator.New(),
		ownDeviceID: signer.DeviceID(),
		role:        role,
	}
	if err := models.RegisterWithValidator(instance.validator); err != nil {
		return nil, fmt.Errorf("failed to install custom validation macros [%w]", err)
	}
	return instance, nil
}

func (e *engineImpl) Role() models.NodeRoleENUMType {
	return e.role
}

func (e *engineImpl) DeviceID() string {
	return e.ownDeviceID
}

/*
Watermarks the highest counter processed from each known device

	@param ctx context.Context - execution context
	@param activeDBClient Database - existing database transaction
	@returns the watermarks
*/
func (e *engineImpl) Watermarks(
	ctx context.Context, activeDBClient db.Database,
) (models.Watermarks, error) {
	var result models.Watermarks
	err := db.ActiveSessionWrapper(
		ctx, activeDBClient, e.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			var err error
			result, err = dbClient.ListWatermarks(dbCtx)
			return err
		},
	)
	return result, err
}
