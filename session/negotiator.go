package session

import (
	"context"
	"errors"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/securesync/db"
	"github.com/alwitt/securesync/identity"
	"github.com/alwitt/securesync/models"
	"github.com/apex/log"
	"gorm.io/gorm"
)

// Handshaker the peer operations the handshake needs
type Handshaker interface {
	/*
		Connect start a handshake with the peer

			@param ctx context.Context - execution context
			@param req models.ConnectRequest - the request
			@returns the response
	*/
	Connect(ctx context.Context, req models.ConnectRequest) (models.ConnectResponse, error)

	/*
		Verify complete a handshake with the peer

			@param ctx context.Context - execution context
			@param req models.VerifyRequest - the request
			@returns the response
	*/
	Verify(ctx context.Context, req models.VerifyRequest) (models.VerifyResponse, error)
}

// Session an authenticated session, from the client side
type Session struct {
	ID             string
	Token          string
	ServerDeviceID string
}

// Negotiator client side of the session handshake
type Negotiator interface {
	/*
		Open run the handshake against a peer

			@param ctx context.Context - execution context
			@param peer Handshaker - the peer
			@returns the authenticated session
	*/
	Open(ctx context.Context, peer Handshaker) (Session, error)

	/*
		Finish record the end of a session

			@param ctx context.Context - execution context
			@param sessionID string - the session
			@param summary models.SyncSummary - outcome of the exchange
			@param cause error - why the exchange ended early, nil on success
	*/
	Finish(ctx context.Context, sessionID string, summary models.SyncSummary, cause error) error

	/*
		Prune remove sessions which ended before a cutoff

			@param ctx context.Context - execution context
			@param retention time.Duration - how long ended sessions are kept
			@returns number of sessions removed
	*/
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

// negotiatorImpl implements Negotiator
type negotiatorImpl struct {
	goutils.Component

	persistence db.Client
	signer      identity.Capability
	verifier    identity.Verifier
	nonces      NonceSource
	version     string
}

/*
NewNegotiator define new session negotiator

	@param persistence db.Client - persistence layer client
	@param signer identity.Capability - capability of the own device
	@param nonces NonceSource - client nonce source
	@param version string - software version reported to the peer
	@returns negotiator instance
*/
func NewNegotiator(
	persistence db.Client, signer identity.Capability, nonces NonceSource, version string,
) Negotiator {
	return &negotiatorImpl{
		Component: goutils.Component{
			LogTags: log.Fields{
				"module": "session", "component": "negotiator", "instance": signer.DeviceID(),
			},
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		persistence: persistence,
		signer:      signer,
		verifier:    identity.NewVerifier(),
		nonces:      nonces,
		version:     version,
	}
}

/*
serverKey the key to authenticate a server descriptor with. A known device keeps its
key; a registered node only talks to its own aggregator.

	@param ctx context.Context - execution context
	@param dbClient db.Database - database
	@param server models.SyncRecord - the server descriptor
	@returns the server public key
*/
func (n *negotiatorImpl) serverKey(
	ctx context.Context, dbClient db.Database, server models.SyncRecord,
) (string, error) {
	if server.Kind != models.RecordKindDevice || server.SignedBy != server.ID {
		return "", models.NewSyncError(
			models.ErrCodeAuthenticationFailure, "server descriptor is not self-signed",
		)
	}
	payload, err := models.DecodePayload[models.DevicePayload](server)
	if err != nil {
		return "", models.WrapSyncError(
			models.ErrCodeAuthenticationFailure, err, "server descriptor is not valid",
		)
	}
	if err := identity.VerifyRecord(ctx, n.verifier, server, payload.PublicKey); err != nil {
		return "", models.WrapSyncError(
			models.ErrCodeAuthenticationFailure, err, "server descriptor is not valid",
		)
	}

	params, err := dbClient.GetNodeParams(ctx)
	if err != nil {
		return "", err
	}
	if params.AggregatorDeviceID != "" && params.AggregatorDeviceID != server.ID {
		return "", models.NewSyncError(
			models.ErrCodeAuthenticationFailure,
			"peer %s is not the aggregator %s",
			server.ID,
			params.AggregatorDeviceID,
		)
	}

	known, err := dbClient.GetDevice(ctx, server.ID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return payload.PublicKey, nil
		}
		return "", err
	}
	if known.PublicKey != payload.PublicKey {
		return "", models.NewSyncError(
			models.ErrCodeAuthenticationFailure, "peer %s presented a different key", server.ID,
		)
	}
	return known.PublicKey, nil
}

/*
Open run the handshake against a peer

	@param ctx context.Context - execution context
	@param peer Handshaker - the peer
	@returns the authenticated session
*/
func (n *negotiatorImpl) Open(ctx context.Context, peer Handshaker) (Session, error) {
	logTags := n.GetLogTagsForContext(ctx)

	connected, err := peer.Connect(ctx, models.ConnectRequest{
		ClientDeviceID: n.signer.DeviceID(),
		ClientVersion:  n.version,
	})
	if err != nil {
		return Session{}, err
	}

	// Record the session locally, then walk it through the handshake
	var serverPublicKey, clientNonce string
	if err := n.persistence.UseDatabaseInTransaction(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			var err error
			if serverPublicKey, err = n.serverKey(dbCtx, dbClient, connected.ServerDevice); err != nil {
				return err
			}
			if _, err := dbClient.DefineSyncSession(dbCtx, models.SyncSession{
				ID:             connected.SessionID,
				ClientDeviceID: n.signer.DeviceID(),
				ServerDeviceID: connected.ServerDevice.ID,
				ServerNonce:    connected.ServerNonce,
				State:          models.SessionStateRequestSent,
				ClientVersion:  n.version,
			}); err != nil {
				return err
			}
			if clientNonce, err = newNonce(dbCtx, n.nonces); err != nil {
				return err
			}
			return dbClient.UpdateSyncSessionState(
				dbCtx, connected.SessionID, models.SessionStateNonceExchanged, &clientNonce,
			)
		},
	); err != nil {
		return Session{}, err
	}

	session, err := n.verify(ctx, peer, connected, serverPublicKey, clientNonce)
	if err != nil {
		n.markFailed(ctx, connected.SessionID, err)
		return Session{}, err
	}

	log.WithFields(logTags).
		WithField("session-id", session.ID).
		WithField("server", session.ServerDeviceID).
		Info("Session active")
	return session, nil
}

func (n *negotiatorImpl) verify(
	ctx context.Context,
	peer Handshaker,
	connected models.ConnectResponse,
	serverPublicKey string,
	clientNonce string,
) (Session, error) {
	message := HandshakeMessage(clientNonce, connected.ServerNonce)
	signature, err := n.signer.Sign(ctx, message)
	if err != nil {
		return Session{}, err
	}

	verified, err := peer.Verify(ctx, models.VerifyRequest{
		SessionID:       connected.SessionID,
		ClientNonce:     clientNonce,
		ClientSignature: signature,
	})
	if err != nil {
		return Session{}, err
	}
	if err := n.verifier.Verify(ctx, serverPublicKey, message, verified.ServerSignature); err != nil {
		return Session{}, models.WrapSyncError(
			models.ErrCodeAuthenticationFailure, err, "server signature is not valid",
		)
	}
	if verified.Token == "" {
		return Session{}, models.NewSyncError(
			models.ErrCodeAuthenticationFailure, "server did not issue a session token",
		)
	}

	if err := n.persistence.UseDatabaseInTransaction(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			if err := dbClient.UpdateSyncSessionState(
				dbCtx, connected.SessionID, models.SessionStateAuthenticated, nil,
			); err != nil {
				return err
			}
			return dbClient.UpdateSyncSessionState(
				dbCtx, connected.SessionID, models.SessionStateActive, nil,
			)
		},
	); err != nil {
		return Session{}, err
	}

	return Session{
		ID:             connected.SessionID,
		Token:          verified.Token,
		ServerDeviceID: connected.ServerDevice.ID,
	}, nil
}

func (n *negotiatorImpl) markFailed(ctx context.Context, sessionID string, cause error) {
	if err := n.persistence.UseDatabaseInTransaction(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			return dbClient.UpdateSyncSessionState(dbCtx, sessionID, models.SessionStateFailed, nil)
		},
	); err != nil {
		log.WithError(err).WithFields(n.GetLogTagsForContext(ctx)).
			WithField("session-id", sessionID).
			Error("Failed to mark session as failed")
		return
	}
	log.WithError(cause).WithFields(n.GetLogTagsForContext(ctx)).
		WithField("session-id", sessionID).
		Warn("Session failed")
}

/*
Finish record the end of a session

	@param ctx context.Context - execution context
	@param sessionID string - the session
	@param summary models.SyncSummary - outcome of the exchange
	@param cause error - why the exchange ended early, nil on success
*/
func (n *negotiatorImpl) Finish(
	ctx context.Context, sessionID string, summary models.SyncSummary, cause error,
) error {
	finalState := models.SessionStateClosed
	if cause != nil {
		finalState = models.SessionStateFailed
	}
	return n.persistence.UseDatabaseInTransaction(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			if err := dbClient.RecordSyncSessionProgress(
				dbCtx, sessionID, summary.Uploaded, summary.Downloaded, summary.Errors,
			); err != nil {
				return err
			}
			return dbClient.UpdateSyncSessionState(dbCtx, sessionID, finalState, nil)
		},
	)
}

/*
Prune remove sessions which ended before a cutoff

	@param ctx context.Context - execution context
	@param retention time.Duration - how long ended sessions are kept
	@returns number of sessions removed
*/
func (n *negotiatorImpl) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	var removed int64
	err := n.persistence.UseDatabaseInTransaction(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			var err error
			removed, err = dbClient.PruneSyncSessions(dbCtx, time.Now().UTC().Add(-retention))
			return err
		},
	)
	if err == nil && removed > 0 {
		log.WithFields(n.GetLogTagsForContext(ctx)).Infof("Pruned %d ended sessions", removed)
	}
	return removed, err
}
