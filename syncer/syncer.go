// Package syncer - runs one exchange with a peer: handshake, upload pass, download pass
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/securesync/db"
	"github.com/alwitt/securesync/engine"
	"github.com/alwitt/securesync/models"
	"github.com/alwitt/securesync/session"
	"github.com/alwitt/securesync/trust"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// ErrExchangeInProgress another exchange is already running
var ErrExchangeInProgress = errors.New("an exchange is already in progress")

// Peer the peer operations an exchange needs
type Peer interface {
	session.Handshaker

	/*
		Watermarks fetch the peer's watermarks

			@param ctx context.Context - execution context
			@param token string - session bearer token
			@returns the watermarks
	*/
	Watermarks(ctx context.Context, token string) (models.Watermarks, error)

	/*
		Upload push one batch of records

			@param ctx context.Context - execution context
			@param token string - session bearer token
			@param req models.UploadRequest - the batch
			@returns outcome of the batch
	*/
	Upload(ctx context.Context, token string, req models.UploadRequest) (models.BatchResult, error)

	/*
		Download pull one page of records

			@param ctx context.Context - execution context
			@param token string - session bearer token
			@param req models.DownloadRequest - the request
			@returns the page
	*/
	Download(
		ctx context.Context, token string, req models.DownloadRequest,
	) (models.DownloadResponse, error)

	/*
		Close end the session

			@param ctx context.Context - execution context
			@param token string - session bearer token
	*/
	Close(ctx context.Context, token string) error
}

// Syncer runs exchanges against the aggregator
type Syncer interface {
	/*
		Exchange run one full exchange with a peer. Only one exchange runs at a time.

			@param ctx context.Context - execution context
			@param peer Peer - the peer
			@returns summary of what moved
	*/
	Exchange(ctx context.Context, peer Peer) (models.SyncSummary, error)
}

// Params syncer parameters
type Params struct {
	// Persistence persistence layer client
	Persistence db.Client `validate:"required"`
	// Engine exchange engine of this node
	Engine engine.Engine `validate:"required"`
	// Negotiator client side of the session handshake
	Negotiator session.Negotiator `validate:"required"`
	// MaxRecordsPerRequest max records per upload batch or download page
	MaxRecordsPerRequest int `validate:"gte=1"`
	// ExchangeTimeout bound on one whole exchange, zero for none
	ExchangeTimeout time.Duration
}

// syncerImpl implements Syncer
type syncerImpl struct {
	goutils.Component
	Params

	running sync.Mutex
}

/*
NewSyncer define new syncer

	@param params Params - syncer parameters
	@returns syncer instance
*/
func NewSyncer(params Params) (Syncer, error) {
	if err := validator.New().Struct(&params); err != nil {
		return nil, fmt.Errorf("invalid syncer parameters [%w]", err)
	}
	return &syncerImpl{
		Component: goutils.Component{
			LogTags: log.Fields{
				"module": "syncer", "component": "exchange", "instance": params.Engine.DeviceID(),
			},
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		Params: params,
	}, nil
}

// cursor watermarks moved forward past every delivered record, so an exchange always
// terminates even when records are rejected
type cursor models.Watermarks

func (c cursor) merge(marks models.Watermarks) {
	for deviceID, counter := range marks {
		if counter > c[deviceID] {
			c[deviceID] = counter
		}
	}
}

func (c cursor) pass(records []models.SyncRecord) {
	for _, record := range records {
		if record.Counter > c[record.SignedBy] {
			c[record.SignedBy] = record.Counter
		}
	}
}

/*
Exchange run one full exchange with a peer

	@param ctx context.Context - execution context
	@param peer Peer - the peer
	@returns summary of what moved
*/
func (s *syncerImpl) Exchange(ctx context.Context, peer Peer) (models.SyncSummary, error) {
	if !s.running.TryLock() {
		return models.SyncSummary{}, ErrExchangeInProgress
	}
	defer s.running.Unlock()

	if s.ExchangeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.ExchangeTimeout)
		defer cancel()
	}
	logTags := s.GetLogTagsForContext(ctx)

	zoneScope, err := s.prepare(ctx)
	if err != nil {
		return models.SyncSummary{}, err
	}

	active, err := s.Negotiator.Open(ctx, peer)
	if err != nil {
		return models.SyncSummary{}, err
	}

	summary := models.SyncSummary{}
	exchangeErr := s.upload(ctx, peer, active, zoneScope, &summary)
	if exchangeErr == nil {
		exchangeErr = s.download(ctx, peer, active, &summary)
	}
	if exchangeErr != nil {
		summary.Errors++
	}

	if err := s.Negotiator.Finish(ctx, active.ID, summary, exchangeErr); err != nil {
		log.WithError(err).WithFields(logTags).
			WithField("session-id", active.ID).
			Error("Failed to record end of session")
	}
	if err := peer.Close(ctx, active.Token); err != nil {
		log.WithError(err).WithFields(logTags).
			WithField("session-id", active.ID).
			Warn("Peer failed to close session")
	}

	if exchangeErr != nil {
		log.WithError(exchangeErr).WithFields(logTags).
			WithField("session-id", active.ID).
			Error("Exchange aborted")
		return summary, exchangeErr
	}
	log.WithFields(logTags).
		WithField("session-id", active.ID).
		WithField("uploaded", summary.Uploaded).
		WithField("downloaded", summary.Downloaded).
		WithField("errors", summary.Errors).
		Info("Exchange complete")
	return summary, nil
}

// prepare check the node may sync and find the zones it uploads for
func (s *syncerImpl) prepare(ctx context.Context) ([]string, error) {
	var zoneScope []string
	err := s.Persistence.UseDatabase(ctx, func(dbCtx context.Context, dbClient db.Database) error {
		params, err := dbClient.GetNodeParams(dbCtx)
		if err != nil {
			return err
		}
		if params.Role == models.NodeRoleDistributed &&
			params.RegistrationState != models.RegistrationStateRegistered {
			return models.NewSyncError(
				models.ErrCodeInvalidRequest,
				"node registration is %s, register before syncing",
				params.RegistrationState,
			)
		}
		snapshot, err := trust.LoadSnapshot(dbCtx, dbClient)
		if err != nil {
			return err
		}
		zoneScope = snapshot.ResolveZonesFor(s.Engine.DeviceID()).Sorted()
		return nil
	})
	return zoneScope, err
}

func (s *syncerImpl) upload(
	ctx context.Context,
	peer Peer,
	active session.Session,
	zoneScope []string,
	summary *models.SyncSummary,
) error {
	peerMarks, err := peer.Watermarks(ctx, active.Token)
	if err != nil {
		return err
	}
	sent := cursor(models.Watermarks{})
	sent.merge(peerMarks)

	for {
		page, err := s.Engine.UnsyncedSince(
			ctx, active.ServerDeviceID, models.Watermarks(sent), s.MaxRecordsPerRequest, nil,
		)
		if err != nil {
			return err
		}
		if len(page.Records) == 0 {
			return nil
		}
		result, err := peer.Upload(ctx, active.Token, models.UploadRequest{
			SessionID: active.ID,
			DeviceID:  s.Engine.DeviceID(),
			Records:   page.Records,
			Signers:   page.Signers,
			ZoneScope: zoneScope,
		})
		if err != nil {
			return err
		}
		summary.Add(result, true)
		sent.merge(result.ServerCounterWatermark)
		sent.pass(page.Records)
		if !page.More {
			return nil
		}
	}
}

func (s *syncerImpl) download(
	ctx context.Context, peer Peer, active session.Session, summary *models.SyncSummary,
) error {
	localMarks, err := s.Engine.Watermarks(ctx, nil)
	if err != nil {
		return err
	}
	received := cursor(models.Watermarks{})
	received.merge(localMarks)

	for {
		page, err := peer.Download(ctx, active.Token, models.DownloadRequest{
			SessionID:  active.ID,
			DeviceID:   s.Engine.DeviceID(),
			Watermarks: models.Watermarks(received),
			Limit:      s.MaxRecordsPerRequest,
		})
		if err != nil {
			return err
		}
		if len(page.Records) == 0 {
			if page.More {
				return models.NewSyncError(
					models.ErrCodeTransportFailure, "peer reported more records but sent none",
				)
			}
			return nil
		}
		result, err := s.Engine.ApplyBatch(ctx, active.ServerDeviceID, page.Records, page.Signers)
		if err != nil {
			return err
		}
		summary.Add(result, false)
		if result.Rewound {
			// Start over to pick up the history of the zone just joined
			received = cursor(models.Watermarks{})
			received.merge(result.ServerCounterWatermark)
			continue
		}
		received.merge(result.ServerCounterWatermark)
		received.pass(page.Records)
		if !page.More {
			return nil
		}
	}
}
