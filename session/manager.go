package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/securesync/db"
	"github.com/alwitt/securesync/identity"
	"github.com/alwitt/securesync/models"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/jellydator/ttlcache/v3"
	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
)

// ActiveSession an authenticated session
type ActiveSession struct {
	SessionID      string
	ClientDeviceID string
}

// Manager server side of the session handshake
type Manager interface {
	/*
		Connect start a handshake by issuing a server nonce

			@param ctx context.Context - execution context
			@param req models.ConnectRequest - the request
			@param remoteAddr string - address of the client
			@returns the response
	*/
	Connect(
		ctx context.Context, req models.ConnectRequest, remoteAddr string,
	) (models.ConnectResponse, error)

	/*
		Verify complete a handshake by checking the client signature

			@param ctx context.Context - execution context
			@param req models.VerifyRequest - the request
			@returns the response, with the session bearer token
	*/
	Verify(ctx context.Context, req models.VerifyRequest) (models.VerifyResponse, error)

	/*
		Authorize resolve a bearer token into an active session

			@param ctx context.Context - execution context
			@param token string - the bearer token
			@returns the session
	*/
	Authorize(ctx context.Context, token string) (ActiveSession, error)

	/*
		RecordProgress add exchange counts to a session

			@param ctx context.Context - execution context
			@param sessionID string - the session
			@param uploaded int - records applied from the client
			@param downloaded int - records sent to the client
			@param errors int - per record errors
	*/
	RecordProgress(ctx context.Context, sessionID string, uploaded, downloaded, errors int) error

	/*
		Close end an active session

			@param ctx context.Context - execution context
			@param sessionID string - the session
	*/
	Close(ctx context.Context, sessionID string) error

	// Stop release the background expiry routines
	Stop()
}

// ManagerParams session manager construction parameters
type ManagerParams struct {
	// Persistence persistence layer client
	Persistence db.Client `validate:"required"`
	// Signer capability of the own device
	Signer identity.Capability `validate:"required"`
	// Nonces server nonce source
	Nonces NonceSource `validate:"required"`
	// TokenSecret HMAC secret for session tokens
	TokenSecret []byte `validate:"required,min=16"`
	// TokenTTL lifetime of session tokens
	TokenTTL time.Duration `validate:"required"`
	// HandshakeTimeout time allowed between connect and verify
	HandshakeTimeout time.Duration `validate:"required"`
	// IdleTimeout time an active session may go unused
	IdleTimeout time.Duration `validate:"required"`
}

type pendingHandshake struct {
	clientDeviceID string
	serverNonce    string
	publicKey      string
}

// managerImpl implements Manager
type managerImpl struct {
	goutils.Component

	persistence db.Client
	signer      identity.Capability
	verifier    identity.Verifier
	nonces      NonceSource
	tokens      tokenIssuer
	validator   *validator.Validate

	pending *ttlcache.Cache[string, pendingHandshake]
	active  *ttlcache.Cache[string, ActiveSession]
}

/*
NewManager define new session manager

	@param params ManagerParams - construction parameters
	@returns manager instance
*/
func NewManager(params ManagerParams) (Manager, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, fmt.Errorf("session manager parameters are not valid [%w]", err)
	}
	if err := models.RegisterWithValidator(validate); err != nil {
		return nil, fmt.Errorf("failed to install custom validation macros [%w]", err)
	}

	instance := &managerImpl{
		Component: goutils.Component{
			LogTags: log.Fields{
				"module": "session", "component": "manager", "instance": params.Signer.DeviceID(),
			},
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		persistence: params.Persistence,
		signer:      params.Signer,
		verifier:    identity.NewVerifier(),
		nonces:      params.Nonces,
		tokens:      tokenIssuer{secret: params.TokenSecret, ttl: params.TokenTTL},
		validator:   validate,
		pending: ttlcache.New[string, pendingHandshake](
			ttlcache.WithTTL[string, pendingHandshake](params.HandshakeTimeout),
			ttlcache.WithDisableTouchOnHit[string, pendingHandshake](),
		),
		active: ttlcache.New[string, ActiveSession](
			ttlcache.WithTTL[string, ActiveSession](params.IdleTimeout),
		),
	}

	instance.pending.OnEviction(func(
		_ context.Context,
		reason ttlcache.EvictionReason,
		item *ttlcache.Item[string, pendingHandshake],
	) {
		if reason == ttlcache.EvictionReasonExpired {
			instance.failSession(
				context.Background(), item.Key(), item.Value().clientDeviceID, "handshake abandoned",
			)
		}
	})
	instance.active.OnEviction(func(
		_ context.Context,
		reason ttlcache.EvictionReason,
		item *ttlcache.Item[string, ActiveSession],
	) {
		if reason == ttlcache.EvictionReasonExpired {
			instance.closeSession(context.Background(), item.Key(), "idle")
		}
	})

	go instance.pending.Start()
	go instance.active.Start()

	return instance, nil
}

func (m *managerImpl) Stop() {
	m.pending.Stop()
	m.active.Stop()
}

// failSession move a session to FAILED in its own transaction
func (m *managerImpl) failSession(ctx context.Context, sessionID, clientDeviceID, reason string) {
	logTags := m.GetLogTagsForContext(ctx)
	err := m.persistence.UseDatabaseInTransaction(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			if err := dbClient.UpdateSyncSessionState(
				dbCtx, sessionID, models.SessionStateFailed, nil,
			); err != nil {
				return err
			}
			_, err := dbClient.RecordSystemEvent(
				dbCtx, models.SystemEventTypeSessionFailed, models.SystemEventSessionRelated{
					SessionID: sessionID, ClientDeviceID: clientDeviceID, Reason: reason,
				},
			)
			return err
		},
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).
			WithField("session-id", sessionID).
			Error("Failed to mark session as failed")
		return
	}
	log.WithFields(logTags).
		WithField("session-id", sessionID).
		WithField("client", clientDeviceID).
		Warnf("Session failed: %s", reason)
}

// closeSession move a session to CLOSED
func (m *managerImpl) closeSession(ctx context.Context, sessionID, reason string) {
	logTags := m.GetLogTagsForContext(ctx)
	if err := m.persistence.UseDatabaseInTransaction(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			return dbClient.UpdateSyncSessionState(dbCtx, sessionID, models.SessionStateClosed, nil)
		},
	); err != nil {
		log.WithError(err).WithFields(logTags).
			WithField("session-id", sessionID).
			Error("Failed to close session")
		return
	}
	log.WithFields(logTags).WithField("session-id", sessionID).Infof("Session closed (%s)", reason)
}

/*
Connect start a handshake by issuing a server nonce

	@param ctx context.Context - execution context
	@param req models.ConnectRequest - the request
	@param remoteAddr string - address of the client
	@returns the response
*/
func (m *managerImpl) Connect(
	ctx context.Context, req models.ConnectRequest, remoteAddr string,
) (models.ConnectResponse, error) {
	logTags := m.GetLogTagsForContext(ctx)

	if err := m.validator.Struct(&req); err != nil {
		return models.ConnectResponse{}, models.WrapSyncError(
			models.ErrCodeInvalidRequest, err, "connect request is not valid",
		)
	}

	var resp models.ConnectResponse
	var clientKey string
	if err := m.persistence.UseDatabaseInTransaction(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			client, err := dbClient.GetDevice(dbCtx, req.ClientDeviceID)
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return models.NewSyncError(
						models.ErrCodeAuthenticationFailure, "device %s is unknown", req.ClientDeviceID,
					)
				}
				return err
			}
			if client.State != models.RecordStateActive {
				return models.NewSyncError(
					models.ErrCodeAuthenticationFailure, "device %s is retired", req.ClientDeviceID,
				)
			}
			// Devices are only learned through registration
			memberships, err := dbClient.ListDeviceZones(dbCtx, db.DeviceZoneQueryFilter{
				DeviceID: &req.ClientDeviceID,
			})
			if err != nil {
				return err
			}
			if len(memberships) == 0 {
				return models.NewSyncError(
					models.ErrCodeAuthenticationFailure,
					"device %s never completed registration",
					req.ClientDeviceID,
				)
			}
			clientKey = client.PublicKey

			serverNonce, err := m.uniqueNonce(dbCtx, dbClient)
			if err != nil {
				return err
			}

			session, err := dbClient.DefineSyncSession(dbCtx, models.SyncSession{
				ID:             ulid.Make().String(),
				ClientDeviceID: req.ClientDeviceID,
				ServerDeviceID: m.signer.DeviceID(),
				ServerNonce:    serverNonce,
				State:          models.SessionStateRequestSent,
				IP:             remoteAddr,
				ClientVersion:  req.ClientVersion,
			})
			if err != nil {
				return err
			}

			serverDevice, err := dbClient.GetSyncRecord(
				dbCtx, m.signer.DeviceID(), models.IncludeTombstones,
			)
			if err != nil {
				return fmt.Errorf("failed to read own descriptor [%w]", err)
			}

			resp = models.ConnectResponse{
				SessionID:    session.ID,
				ServerNonce:  serverNonce,
				ServerDevice: serverDevice,
			}
			return nil
		},
	); err != nil {
		log.WithError(err).WithFields(logTags).
			WithField("client", req.ClientDeviceID).
			Error("Session connect refused")
		return models.ConnectResponse{}, err
	}

	m.pending.Set(resp.SessionID, pendingHandshake{
		clientDeviceID: req.ClientDeviceID,
		serverNonce:    resp.ServerNonce,
		publicKey:      clientKey,
	}, ttlcache.DefaultTTL)

	log.WithFields(logTags).
		WithField("session-id", resp.SessionID).
		WithField("client", req.ClientDeviceID).
		Info("Issued server nonce")
	return resp, nil
}

// uniqueNonce generate a nonce never recorded on any session
func (m *managerImpl) uniqueNonce(ctx context.Context, dbClient db.Database) (string, error) {
	for attempt := 0; attempt < 3; attempt++ {
		nonce, err := newNonce(ctx, m.nonces)
		if err != nil {
			return "", err
		}
		used, err := dbClient.IsNonceUsed(ctx, nonce)
		if err != nil {
			return "", err
		}
		if !used {
			return nonce, nil
		}
	}
	return "", fmt.Errorf("unable to generate an unused nonce")
}

/*
Verify complete a handshake by checking the client signature

	@param ctx context.Context - execution context
	@param req models.VerifyRequest - the request
	@returns the response, with the session bearer token
*/
func (m *managerImpl) Verify(
	ctx context.Context, req models.VerifyRequest,
) (models.VerifyResponse, error) {
	logTags := m.GetLogTagsForContext(ctx)

	if err := m.validator.Struct(&req); err != nil {
		return models.VerifyResponse{}, models.WrapSyncError(
			models.ErrCodeInvalidRequest, err, "verify request is not valid",
		)
	}

	// A handshake is completed at most once
	item := m.pending.Get(req.SessionID)
	if item == nil {
		return models.VerifyResponse{}, models.NewSyncError(
			models.ErrCodeAuthenticationFailure, "session %s is unknown or expired", req.SessionID,
		)
	}
	m.pending.Delete(req.SessionID)
	handshake := item.Value()

	var resp models.VerifyResponse
	err := m.persistence.UseDatabaseInTransaction(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			used, err := dbClient.IsNonceUsed(dbCtx, req.ClientNonce)
			if err != nil {
				return err
			}
			if used {
				return models.NewSyncError(
					models.ErrCodeAuthenticationFailure, "client nonce was already used",
				)
			}
			clientNonce := req.ClientNonce
			if err := dbClient.UpdateSyncSessionState(
				dbCtx, req.SessionID, models.SessionStateNonceExchanged, &clientNonce,
			); err != nil {
				return err
			}

			message := HandshakeMessage(req.ClientNonce, handshake.serverNonce)
			if err := m.verifier.Verify(
				dbCtx, handshake.publicKey, message, req.ClientSignature,
			); err != nil {
				return models.WrapSyncError(
					models.ErrCodeAuthenticationFailure, err, "client signature is not valid",
				)
			}
			if err := dbClient.UpdateSyncSessionState(
				dbCtx, req.SessionID, models.SessionStateAuthenticated, nil,
			); err != nil {
				return err
			}

			serverSignature, err := m.signer.Sign(dbCtx, message)
			if err != nil {
				return err
			}
			token, err := m.tokens.issue(req.SessionID, handshake.clientDeviceID)
			if err != nil {
				return err
			}
			if err := dbClient.UpdateSyncSessionState(
				dbCtx, req.SessionID, models.SessionStateActive, nil,
			); err != nil {
				return err
			}

			resp = models.VerifyResponse{
				SessionID: req.SessionID, ServerSignature: serverSignature, Token: token,
			}
			return nil
		},
	)
	if err != nil {
		m.failSession(ctx, req.SessionID, handshake.clientDeviceID, err.Error())
		if _, ok := models.ErrorCode(err); ok {
			return models.VerifyResponse{}, err
		}
		return models.VerifyResponse{}, models.WrapSyncError(
			models.ErrCodeAuthenticationFailure, err, "session %s verification failed", req.SessionID,
		)
	}

	m.active.Set(req.SessionID, ActiveSession{
		SessionID: req.SessionID, ClientDeviceID: handshake.clientDeviceID,
	}, ttlcache.DefaultTTL)

	log.WithFields(logTags).
		WithField("session-id", req.SessionID).
		WithField("client", handshake.clientDeviceID).
		Info("Session active")
	return resp, nil
}

/*
Authorize resolve a bearer token into an active session

	@param ctx context.Context - execution context
	@param token string - the bearer token
	@returns the session
*/
func (m *managerImpl) Authorize(_ context.Context, token string) (ActiveSession, error) {
	claims, err := m.tokens.parse(token)
	if err != nil {
		return ActiveSession{}, err
	}
	item := m.active.Get(claims.SessionID)
	if item == nil {
		return ActiveSession{}, models.NewSyncError(
			models.ErrCodeAuthenticationFailure, "session %s is not active", claims.SessionID,
		)
	}
	session := item.Value()
	if session.ClientDeviceID != claims.Subject {
		return ActiveSession{}, models.NewSyncError(
			models.ErrCodeAuthenticationFailure, "session %s token subject mismatch", claims.SessionID,
		)
	}
	return session, nil
}

/*
RecordProgress add exchange counts to a session

	@param ctx context.Context - execution context
	@param sessionID string - the session
	@param uploaded int - records applied from the client
	@param downloaded int - records sent to the client
	@param errors int - per record errors
*/
func (m *managerImpl) RecordProgress(
	ctx context.Context, sessionID string, uploaded, downloaded, failures int,
) error {
	return m.persistence.UseDatabase(ctx, func(dbCtx context.Context, dbClient db.Database) error {
		return dbClient.RecordSyncSessionProgress(dbCtx, sessionID, uploaded, downloaded, failures)
	})
}

/*
Close end an active session

	@param ctx context.Context - execution context
	@param sessionID string - the session
*/
func (m *managerImpl) Close(ctx context.Context, sessionID string) error {
	if m.active.Get(sessionID) == nil {
		return models.NewSyncError(
			models.ErrCodeNotFound, "session %s is not active", sessionID,
		)
	}
	m.active.Delete(sessionID)
	m.closeSession(ctx, sessionID, "client request")
	return nil
}
