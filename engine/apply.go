package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/alwitt/securesync/db"
	"github.com/alwitt/securesync/identity"
	"github.com/alwitt/securesync/models"
	"github.com/alwitt/securesync/trust"
	"github.com/apex/log"
	"gorm.io/gorm"
)

// applyOutcome what happened to one incoming record
type applyOutcome int

const (
	outcomeApplied applyOutcome = iota
	outcomeSkipped
	outcomeRejected
)

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
func (e *engineImpl) ApplyBatch(
	ctx context.Context,
	sourceDeviceID string,
	records []models.SyncRecord,
	signers []models.SyncRecord,
) (models.BatchResult, error) {
	logTags := e.GetLogTagsForContext(ctx)

	result := models.BatchResult{Rejected: []models.RejectedRecord{}}
	err := e.persistence.UseDatabaseInTransaction(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			for _, descriptor := range signers {
				if rejected := e.applyDescriptor(dbCtx, dbClient, sourceDeviceID, descriptor); rejected != nil {
					result.Rejected = append(result.Rejected, *rejected)
				}
			}

			// Descriptors may have introduced signers
			snapshot, err := trust.LoadSnapshot(dbCtx, dbClient)
			if err != nil {
				return err
			}

			for _, record := range records {
				outcome, rejected, err := e.applyOne(dbCtx, dbClient, snapshot, sourceDeviceID, record)
				if err != nil {
					return err
				}
				switch outcome {
				case outcomeApplied:
					result.Applied++
					if e.grantsOwnDevice(record) {
						result.Rewound = true
					}
				case outcomeSkipped:
					result.Skipped++
				case outcomeRejected:
					result.Rejected = append(result.Rejected, *rejected)
					continue
				}
				if record.SignedBy != e.ownDeviceID {
					if err := dbClient.AdvanceWatermark(dbCtx, record.SignedBy, record.Counter); err != nil {
						return err
					}
				}
			}

			// Records of the new zone may sit below the current watermarks
			if result.Rewound {
				if err := dbClient.ResetWatermarks(dbCtx, e.ownDeviceID); err != nil {
					return err
				}
				log.WithFields(logTags).
					WithField("source", sourceDeviceID).
					Info("Joined a zone, rewinding watermarks")
			}

			result.ServerCounterWatermark, err = dbClient.ListWatermarks(dbCtx)
			return err
		},
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).
			WithField("source", sourceDeviceID).
			Error("Batch aborted")
		if _, ok := models.ErrorCode(err); ok {
			return models.BatchResult{}, err
		}
		return models.BatchResult{}, fmt.Errorf("failed to apply batch from %s [%w]", sourceDeviceID, err)
	}

	log.WithFields(logTags).
		WithField("source", sourceDeviceID).
		WithField("applied", result.Applied).
		WithField("skipped", result.Skipped).
		WithField("rejected", len(result.Rejected)).
		Info("Applied batch")
	return result, nil
}

// grantsOwnDevice whether a record gives this node a live membership
func (e *engineImpl) grantsOwnDevice(record models.SyncRecord) bool {
	if e.role != models.NodeRoleDistributed ||
		record.Kind != models.RecordKindDeviceZone ||
		record.IsTombstoned() {
		return false
	}
	payload, err := models.DecodePayload[models.DeviceZonePayload](record)
	if err != nil {
		return false
	}
	return payload.DeviceID == e.ownDeviceID && !payload.Revoked
}

// reject build a rejection entry, and note it in the audit log
func (e *engineImpl) reject(
	ctx context.Context, dbClient db.Database, source string, record models.SyncRecord, err error,
) *models.RejectedRecord {
	code, ok := models.ErrorCode(err)
	if !ok {
		code = models.ErrCodeInvalidRequest
	}
	rejected := &models.RejectedRecord{ID: record.ID, Code: code, Reason: err.Error()}

	if _, auditErr := dbClient.RecordSystemEvent(
		ctx, models.SystemEventTypeRecordRejected, models.SystemEventRecordRelated{
			RecordID:       record.ID,
			DeviceID:       record.SignedBy,
			SourceDeviceID: source,
			Code:           code,
			Reason:         err.Error(),
		},
	); auditErr != nil {
		log.WithError(auditErr).WithFields(e.GetLogTagsForContext(ctx)).
			WithField("record-id", record.ID).
			Error("Failed to audit record rejection")
	}
	log.WithFields(e.GetLogTagsForContext(ctx)).
		WithField("record-id", record.ID).
		WithField("source", source).
		WithField("code", code).
		Warn(err.Error())
	return rejected
}

// getLocal fetch the stored version of a record, nil if there is none
func getLocal(ctx context.Context, dbClient db.Database, recordID string) (*models.SyncRecord, error) {
	local, err := dbClient.GetSyncRecord(ctx, recordID, models.IncludeTombstones)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &local, nil
}

/*
checkDescriptor verify a DEVICE record is self-signed, and does not alter what is
already known about the device

	@param ctx context.Context - execution context
	@param dbClient db.Database - active transaction
	@param record models.SyncRecord - the DEVICE record
	@returns the device payload
*/
func (e *engineImpl) checkDescriptor(
	ctx context.Context, dbClient db.Database, record models.SyncRecord,
) (models.DevicePayload, error) {
	if record.Kind != models.RecordKindDevice {
		return models.DevicePayload{}, models.NewSyncError(
			models.ErrCodeInvalidRequest, "record %s is not a device descriptor", record.ID,
		)
	}
	if record.SignedBy != record.ID {
		return models.DevicePayload{}, models.NewSyncError(
			models.ErrCodeTrustViolation,
			"device %s descriptor is signed by %s",
			record.ID,
			record.SignedBy,
		)
	}
	payload, err := models.DecodePayload[models.DevicePayload](record)
	if err != nil {
		return models.DevicePayload{}, models.WrapSyncError(
			models.ErrCodeInvalidRequest, err, "device %s payload is not valid", record.ID,
		)
	}
	if err := e.validator.Struct(&payload); err != nil {
		return models.DevicePayload{}, models.WrapSyncError(
			models.ErrCodeInvalidRequest, err, "device %s payload is not valid", record.ID,
		)
	}
	if err := identity.VerifyRecord(ctx, e.verifier, record, payload.PublicKey); err != nil {
		return models.DevicePayload{}, err
	}

	known, err := dbClient.GetDevice(ctx, record.ID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return models.DevicePayload{}, err
		}
		// Aggregators are only ever learned through registration
		if payload.IsAggregator {
			return models.DevicePayload{}, models.NewSyncError(
				models.ErrCodeTrustViolation, "device %s claims to be an unknown aggregator", record.ID,
			)
		}
		return payload, nil
	}
	if known.PublicKey != payload.PublicKey {
		return models.DevicePayload{}, models.NewSyncError(
			models.ErrCodeTrustViolation, "device %s public key can not change", record.ID,
		)
	}
	if known.IsAggregator != payload.IsAggregator {
		return models.DevicePayload{}, models.NewSyncError(
			models.ErrCodeTrustViolation, "device %s aggregator flag can not change", record.ID,
		)
	}
	return payload, nil
}

/*
applyDescriptor store a signer descriptor shipped with a batch. Descriptors never
advance watermarks; the records they describe do.

	@param ctx context.Context - execution context
	@param dbClient db.Database - active transaction
	@param source string - the delivering peer
	@param descriptor models.SyncRecord - the DEVICE record
	@returns rejection entry, if the descriptor was refused
*/
func (e *engineImpl) applyDescriptor(
	ctx context.Context, dbClient db.Database, source string, descriptor models.SyncRecord,
) *models.RejectedRecord {
	if descriptor.ID == e.ownDeviceID {
		return nil
	}
	if err := e.validator.Struct(&descriptor); err != nil {
		return e.reject(ctx, dbClient, source, descriptor, models.WrapSyncError(
			models.ErrCodeInvalidRequest, err, "descriptor %s is not valid", descriptor.ID,
		))
	}
	if _, err := e.checkDescriptor(ctx, dbClient, descriptor); err != nil {
		return e.reject(ctx, dbClient, source, descriptor, err)
	}

	local, err := getLocal(ctx, dbClient, descriptor.ID)
	if err != nil {
		return e.reject(ctx, dbClient, source, descriptor, err)
	}
	resolution, err := Resolve(local, descriptor)
	if err != nil {
		return e.reject(ctx, dbClient, source, descriptor, err)
	}
	if resolution != ResolutionApply {
		return nil
	}
	if err := dbClient.UpsertSyncRecord(ctx, descriptor); err != nil {
		return e.reject(ctx, dbClient, source, descriptor, err)
	}
	return nil
}

// checkTrustPayload verify a trust graph payload parses, before it is projected
func (e *engineImpl) checkTrustPayload(record models.SyncRecord) error {
	var err error
	switch record.Kind {
	case models.RecordKindZone:
		var payload models.ZonePayload
		if payload, err = models.DecodePayload[models.ZonePayload](record); err == nil {
			err = e.validator.Struct(&payload)
		}
	case models.RecordKindDeviceZone:
		var payload models.DeviceZonePayload
		if payload, err = models.DecodePayload[models.DeviceZonePayload](record); err == nil {
			err = e.validator.Struct(&payload)
		}
	}
	if err != nil {
		return models.WrapSyncError(
			models.ErrCodeInvalidRequest, err, "%s record %s payload is not valid", record.Kind, record.ID,
		)
	}
	return nil
}

/*
applyOne validate and apply one incoming record

	@param ctx context.Context - execution context
	@param dbClient db.Database - active transaction
	@param snapshot *trust.Snapshot - trust graph at the start of the batch
	@param source string - the delivering peer
	@param record models.SyncRecord - the record
	@returns outcome, the rejection entry when rejected, and an error only when the batch
		must abort
*/
func (e *engineImpl) applyOne(
	ctx context.Context,
	dbClient db.Database,
	snapshot *trust.Snapshot,
	source string,
	record models.SyncRecord,
) (applyOutcome, *models.RejectedRecord, error) {
	rejectWith := func(err error) (applyOutcome, *models.RejectedRecord, error) {
		return outcomeRejected, e.reject(ctx, dbClient, source, record, err), nil
	}

	if err := e.validator.Struct(&record); err != nil {
		return rejectWith(models.WrapSyncError(
			models.ErrCodeInvalidRequest, err, "record %s is not valid", record.ID,
		))
	}
	if record.IsStub() || record.Signature == "" {
		return rejectWith(models.NewSyncError(
			models.ErrCodeSignatureInvalid, "record %s is unsigned", record.ID,
		))
	}

	local, err := getLocal(ctx, dbClient, record.ID)
	if err != nil {
		return outcomeRejected, nil, err
	}

	if record.ID == e.ownDeviceID {
		// Nobody else speaks for this device
		if e.role == models.NodeRoleAggregator || local == nil || !local.SameVersion(record) {
			return rejectWith(models.NewSyncError(
				models.ErrCodeTrustViolation, "record %s is this node's own device", record.ID,
			))
		}
		return outcomeSkipped, nil, nil
	}

	if local != nil && local.SameVersion(record) {
		return outcomeSkipped, nil, nil
	}

	// Signature
	if record.Kind == models.RecordKindDevice {
		if _, err := e.checkDescriptor(ctx, dbClient, record); err != nil {
			return rejectWith(err)
		}
	} else {
		signer, err := dbClient.GetDevice(ctx, record.SignedBy)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return rejectWith(models.NewSyncError(
					models.ErrCodeSignatureInvalid,
					"record %s signer %s is unknown",
					record.ID,
					record.SignedBy,
				))
			}
			return outcomeRejected, nil, err
		}
		if err := identity.VerifyRecord(ctx, e.verifier, record, signer.PublicKey); err != nil {
			return rejectWith(err)
		}
	}

	// Authority
	if record.Kind.RequiresAggregatorSignature() {
		if !snapshot.IsAggregator(record.SignedBy) {
			return rejectWith(models.NewSyncError(
				models.ErrCodeTrustViolation,
				"%s record %s must be signed by an aggregator",
				record.Kind,
				record.ID,
			))
		}
		if err := e.checkTrustPayload(record); err != nil {
			return rejectWith(err)
		}
	}
	if e.role == models.NodeRoleAggregator && !snapshot.AcceptsUpload(record, source) {
		return rejectWith(models.NewSyncError(
			models.ErrCodeTrustViolation,
			"record %s is outside every zone %s belongs to",
			record.ID,
			source,
		))
	}

	// A counter names exactly one version
	holder, err := dbClient.GetSyncRecordBySignerCounter(ctx, record.SignedBy, record.Counter)
	if err == nil && holder.ID != record.ID {
		return rejectWith(models.NewSyncError(
			models.ErrCodeTrustViolation,
			"counter %s@%d already names record %s",
			record.SignedBy,
			record.Counter,
			holder.ID,
		))
	} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return outcomeRejected, nil, err
	}

	resolution, err := Resolve(local, record)
	if err != nil {
		return outcomeRejected, nil, err
	}
	if resolution != ResolutionApply {
		return outcomeSkipped, nil, nil
	}
	if err := dbClient.UpsertSyncRecord(ctx, record); err != nil {
		return outcomeRejected, nil, err
	}
	return outcomeApplied, nil, nil
}
