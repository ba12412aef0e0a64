package engine

import (
	"github.com/alwitt/securesync/models"
)

// Resolution what to do with an incoming record
type Resolution int

const (
	// ResolutionApply store the incoming version
	ResolutionApply Resolution = iota
	// ResolutionSkipIdentical the incoming version is already stored
	ResolutionSkipIdentical
	// ResolutionSkipStale a newer version is already stored
	ResolutionSkipStale
)

/*
Resolve decide between an incoming record and the stored version with the same ID

A stub always loses. Between versions from the same signer the strictly higher counter
wins. Versions from different signers can not be ordered and are a hard error.

	@param local *models.SyncRecord - the stored version, nil if none
	@param incoming models.SyncRecord - the incoming version
	@returns the resolution
*/
func Resolve(local *models.SyncRecord, incoming models.SyncRecord) (Resolution, error) {
	if local == nil || local.IsStub() {
		return ResolutionApply, nil
	}
	if local.SignedBy != incoming.SignedBy {
		return ResolutionSkipStale, models.NewSyncError(
			models.ErrCodeConflictAmbiguous,
			"record %s has versions from %s and %s",
			incoming.ID,
			local.SignedBy,
			incoming.SignedBy,
		)
	}
	switch {
	case incoming.Counter > local.Counter:
		return ResolutionApply, nil
	case incoming.Counter == local.Counter:
		return ResolutionSkipIdentical, nil
	default:
		return ResolutionSkipStale, nil
	}
}
