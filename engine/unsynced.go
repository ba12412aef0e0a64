package engine

import (
	"context"
	"fmt"

	"github.com/alwitt/securesync/db"
	"github.com/alwitt/securesync/models"
	"github.com/alwitt/securesync/trust"
	"github.com/apex/log"
)

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
func (e *engineImpl) UnsyncedSince(
	ctx context.Context,
	forDeviceID string,
	peerWatermarks models.Watermarks,
	limit int,
	activeDBClient db.Database,
) (Page, error) {
	if limit < 1 {
		return Page{}, models.NewSyncError(models.ErrCodeInvalidRequest, "page limit must be positive")
	}

	page := Page{Records: []models.SyncRecord{}, Signers: []models.SyncRecord{}}
	err := db.ActiveSessionWrapper(
		ctx, activeDBClient, e.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			snapshot, err := trust.LoadSnapshot(dbCtx, dbClient)
			if err != nil {
				return err
			}
			signers, err := dbClient.ListRecordSigners(dbCtx)
			if err != nil {
				return err
			}

		collect:
			for _, signerID := range signers {
				after := peerWatermarks.Get(signerID)
				for {
					batch, err := dbClient.ListSignedRecordsAfter(dbCtx, signerID, after, limit)
					if err != nil {
						return err
					}
					for _, record := range batch {
						if !snapshot.IsVisible(record, forDeviceID) {
							continue
						}
						if len(page.Records) == limit {
							page.More = true
							break collect
						}
						page.Records = append(page.Records, record)
					}
					if len(batch) < limit {
						break
					}
					after = batch[len(batch)-1].Counter
				}
			}

			page.Signers, err = e.signerDescriptors(dbCtx, dbClient, page.Records)
			return err
		},
	)
	if err != nil {
		return Page{}, fmt.Errorf("failed to compute unsynced records for %s [%w]", forDeviceID, err)
	}

	log.WithFields(e.GetLogTagsForContext(ctx)).
		WithField("peer", forDeviceID).
		WithField("records", len(page.Records)).
		WithField("more", page.More).
		Debug("Computed unsynced page")
	return page, nil
}

// signerDescriptors the DEVICE records of every signer in a page
func (e *engineImpl) signerDescriptors(
	ctx context.Context, dbClient db.Database, records []models.SyncRecord,
) ([]models.SyncRecord, error) {
	result := []models.SyncRecord{}
	seen := map[string]bool{}
	for _, record := range records {
		if seen[record.SignedBy] {
			continue
		}
		seen[record.SignedBy] = true
		descriptor, err := dbClient.GetSyncRecord(ctx, record.SignedBy, models.IncludeTombstones)
		if err != nil {
			return nil, err
		}
		if descriptor.Kind != models.RecordKindDevice {
			return nil, fmt.Errorf("record %s is not a device descriptor", record.SignedBy)
		}
		result = append(result, descriptor)
	}
	return result, nil
}
