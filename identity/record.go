package identity

import (
	"context"
	"fmt"

	"github.com/alwitt/securesync/models"
)

/*
SignRecord stamp a record as a version produced by a device. The caller picks the counter.

	@param ctx context.Context - execution context
	@param signer Capability - the signing device
	@param record models.SyncRecord - the record, with its counter set
	@returns the signed record
*/
func SignRecord(
	ctx context.Context, signer Capability, record models.SyncRecord,
) (models.SyncRecord, error) {
	record.SignedBy = signer.DeviceID()
	message, err := record.CanonicalBytes()
	if err != nil {
		return models.SyncRecord{}, err
	}
	if record.Signature, err = signer.Sign(ctx, message); err != nil {
		return models.SyncRecord{}, fmt.Errorf("failed to sign record %s [%w]", record.ID, err)
	}
	return record, nil
}

/*
VerifyRecord check a record's signature against its signer's public key

	@param ctx context.Context - execution context
	@param verifier Verifier - signature verifier
	@param record models.SyncRecord - the record
	@param publicKey string - PEM encoded public key of record.SignedBy
	@returns SIGNATURE_INVALID error if the check fails
*/
func VerifyRecord(
	ctx context.Context, verifier Verifier, record models.SyncRecord, publicKey string,
) error {
	if record.IsStub() || record.Signature == "" {
		return models.NewSyncError(models.ErrCodeSignatureInvalid, "record %s is unsigned", record.ID)
	}
	message, err := record.CanonicalBytes()
	if err != nil {
		return models.WrapSyncError(
			models.ErrCodeSignatureInvalid, err, "record %s can't be serialized", record.ID,
		)
	}
	if err := verifier.Verify(ctx, publicKey, message, record.Signature); err != nil {
		return models.WrapSyncError(
			models.ErrCodeSignatureInvalid,
			err,
			"record %s signature by %s is invalid",
			record.ID,
			record.SignedBy,
		)
	}
	return nil
}
