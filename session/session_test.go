package session_test

import (
	"context"
	"crypto/rand"
	"fmt"
	"testing"
	"time"

	"github.com/alwitt/securesync/db"
	"github.com/alwitt/securesync/engine"
	"github.com/alwitt/securesync/identity"
	"github.com/alwitt/securesync/models"
	"github.com/alwitt/securesync/session"
	"github.com/alwitt/securesync/store"
	"github.com/alwitt/securesync/trust"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

type randNonces struct{}

func (randNonces) RandomBytes(_ context.Context, length int) ([]byte, error) {
	buf := make([]byte, length)
	_, err := rand.Read(buf)
	return buf, err
}

type testNode struct {
	dbClient db.Client
	signer   identity.Capability
	uut      engine.Engine
}

func newTestNode(t *testing.T, role models.NodeRoleENUMType) testNode {
	utCtx := context.Background()

	testDB := fmt.Sprintf("/tmp/securesync_ut_%s.db", ulid.Make().String())
	dbClient, err := db.NewConnection(db.GetSqliteDialector(testDB), logger.Error)
	require.Nil(t, err)
	require.Nil(t, dbClient.RunSQLInTransaction(utCtx, db.DefineTables))

	key, err := identity.GenerateKey(rand.Reader)
	require.Nil(t, err)
	signer, err := identity.NewCapability(uuid.NewString(), key, rand.Reader)
	require.Nil(t, err)
	payload, err := models.EncodePayload(models.DevicePayload{
		Name:         string(role),
		PublicKey:    signer.PublicKey(),
		IsAggregator: role == models.NodeRoleAggregator,
	})
	require.Nil(t, err)

	require.Nil(t, dbClient.UseDatabaseInTransaction(
		utCtx, func(ctx context.Context, dbClient db.Database) error {
			if _, err := dbClient.InitializeNodeParams(ctx, role); err != nil {
				return err
			}
			counter, err := dbClient.NextCounter(ctx, signer.DeviceID())
			if err != nil {
				return err
			}
			descriptor, err := identity.SignRecord(ctx, signer, models.SyncRecord{
				ID:      signer.DeviceID(),
				Kind:    models.RecordKindDevice,
				Counter: counter,
				State:   models.RecordStateActive,
				Payload: payload,
			})
			if err != nil {
				return err
			}
			if err := dbClient.UpsertSyncRecord(ctx, descriptor); err != nil {
				return err
			}
			return dbClient.MarkOwnDevice(ctx, signer.DeviceID())
		},
	))

	uut, err := engine.NewEngine(dbClient, signer, role)
	require.Nil(t, err)
	return testNode{dbClient: dbClient, signer: signer, uut: uut}
}

// enroll register a client with the server, as the registration flow would
func enroll(t *testing.T, server testNode, client testNode) {
	utCtx := context.Background()

	var descriptor models.SyncRecord
	require.Nil(t, client.dbClient.UseDatabase(
		utCtx, func(ctx context.Context, dbClient db.Database) error {
			var err error
			descriptor, err = dbClient.GetSyncRecord(
				ctx, client.signer.DeviceID(), models.IncludeTombstones,
			)
			return err
		},
	))
	require.Nil(t, server.dbClient.UseDatabaseInTransaction(
		utCtx, func(ctx context.Context, dbClient db.Database) error {
			return dbClient.UpsertSyncRecord(ctx, descriptor)
		},
	))

	records, err := store.NewRecordStore(server.dbClient, server.signer)
	require.Nil(t, err)
	graph := trust.NewGraph(server.dbClient, records, models.NodeRoleAggregator)
	zone, err := graph.CreateZone(utCtx, "zone", "", nil)
	require.Nil(t, err)
	_, err = graph.Grant(utCtx, client.signer.DeviceID(), zone.ID, nil)
	require.Nil(t, err)
}

func newManager(t *testing.T, server testNode, handshakeTimeout time.Duration) session.Manager {
	uut, err := session.NewManager(session.ManagerParams{
		Persistence:      server.dbClient,
		Signer:           server.signer,
		Nonces:           randNonces{},
		TokenSecret:      []byte("unit-test-session-token-secret"),
		TokenTTL:         time.Minute,
		HandshakeTimeout: handshakeTimeout,
		IdleTimeout:      time.Minute,
	})
	require.Nil(t, err)
	t.Cleanup(uut.Stop)
	return uut
}

// loopback hands requests straight to a manager
type loopback struct {
	manager       session.Manager
	corruptClient bool
}

func (l loopback) Connect(
	ctx context.Context, req models.ConnectRequest,
) (models.ConnectResponse, error) {
	return l.manager.Connect(ctx, req, "127.0.0.1")
}

func (l loopback) Verify(
	ctx context.Context, req models.VerifyRequest,
) (models.VerifyResponse, error) {
	if l.corruptClient {
		req.ClientSignature = "AAAA" + req.ClientSignature[4:]
	}
	return l.manager.Verify(ctx, req)
}

func readSession(t *testing.T, node testNode, sessionID string) models.SyncSession {
	var entry models.SyncSession
	require.Nil(t, node.dbClient.UseDatabase(
		context.Background(), func(ctx context.Context, dbClient db.Database) error {
			var err error
			entry, err = dbClient.GetSyncSession(ctx, sessionID)
			return err
		},
	))
	return entry
}

func TestSessionHandshake(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	server := newTestNode(t, models.NodeRoleAggregator)
	client := newTestNode(t, models.NodeRoleDistributed)
	enroll(t, server, client)
	manager := newManager(t, server, time.Minute)
	negotiator := session.NewNegotiator(client.dbClient, client.signer, randNonces{}, "0.1.0")

	// Case 0: full handshake
	opened, err := negotiator.Open(utCtx, loopback{manager: manager})
	assert.Nil(err)
	assert.Equal(server.signer.DeviceID(), opened.ServerDeviceID)
	assert.NotEmpty(opened.Token)

	// Both sides agree
	serverSide := readSession(t, server, opened.ID)
	clientSide := readSession(t, client, opened.ID)
	assert.Equal(models.SessionStateActive, serverSide.State)
	assert.Equal(models.SessionStateActive, clientSide.State)
	assert.Equal(serverSide.ServerNonce, clientSide.ServerNonce)
	if assert.NotNil(serverSide.ClientNonce) && assert.NotNil(clientSide.ClientNonce) {
		assert.Equal(*serverSide.ClientNonce, *clientSide.ClientNonce)
	}
	assert.Equal("127.0.0.1", serverSide.IP)
	assert.Equal("0.1.0", serverSide.ClientVersion)

	// Case 1: the token authorizes the session
	active, err := manager.Authorize(utCtx, opened.Token)
	assert.Nil(err)
	assert.Equal(opened.ID, active.SessionID)
	assert.Equal(client.signer.DeviceID(), active.ClientDeviceID)

	// Case 2: a completed handshake can not be verified again
	_, err = manager.Verify(utCtx, models.VerifyRequest{
		SessionID:       opened.ID,
		ClientNonce:     *clientSide.ClientNonce,
		ClientSignature: "c2ln",
	})
	assert.True(models.IsErrorCode(err, models.ErrCodeAuthenticationFailure))

	// Case 3: progress and close
	assert.Nil(manager.RecordProgress(utCtx, opened.ID, 3, 4, 1))
	assert.Nil(manager.Close(utCtx, opened.ID))
	assert.Nil(negotiator.Finish(utCtx, opened.ID, models.SyncSummary{Uploaded: 3, Downloaded: 4}, nil))
	serverSide = readSession(t, server, opened.ID)
	assert.Equal(models.SessionStateClosed, serverSide.State)
	assert.Equal(3, serverSide.ModelsUploaded)
	assert.Equal(4, serverSide.ModelsDownloaded)
	assert.Equal(1, serverSide.Errors)
	assert.NotNil(serverSide.ClosedAt)
	assert.Equal(models.SessionStateClosed, readSession(t, client, opened.ID).State)

	_, err = manager.Authorize(utCtx, opened.Token)
	assert.True(models.IsErrorCode(err, models.ErrCodeAuthenticationFailure))

	// Case 4: garbage token
	_, err = manager.Authorize(utCtx, "not-a-token")
	assert.True(models.IsErrorCode(err, models.ErrCodeAuthenticationFailure))

	// Case 5: ended sessions are pruned
	removed, err := negotiator.Prune(utCtx, -time.Minute)
	assert.Nil(err)
	assert.Equal(int64(1), removed)
}

func TestSessionBadSignature(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	server := newTestNode(t, models.NodeRoleAggregator)
	client := newTestNode(t, models.NodeRoleDistributed)
	enroll(t, server, client)
	manager := newManager(t, server, time.Minute)
	negotiator := session.NewNegotiator(client.dbClient, client.signer, randNonces{}, "0.1.0")

	_, err := negotiator.Open(utCtx, loopback{manager: manager, corruptClient: true})
	assert.True(models.IsErrorCode(err, models.ErrCodeAuthenticationFailure))

	// Both sides consider the session failed
	for _, node := range []testNode{server, client} {
		var sessions []models.SyncSession
		assert.Nil(node.dbClient.UseDatabase(
			utCtx, func(ctx context.Context, dbClient db.Database) error {
				var err error
				sessions, err = dbClient.ListSyncSessions(ctx, db.SyncSessionQueryFilter{})
				return err
			},
		))
		if assert.Len(sessions, 1) {
			assert.Equal(models.SessionStateFailed, sessions[0].State)
		}
	}
}

func TestSessionUnknownDevice(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	server := newTestNode(t, models.NodeRoleAggregator)
	manager := newManager(t, server, time.Minute)

	// Case 0: never seen
	_, err := manager.Connect(utCtx, models.ConnectRequest{ClientDeviceID: uuid.NewString()}, "")
	assert.True(models.IsErrorCode(err, models.ErrCodeAuthenticationFailure))

	// Case 1: malformed
	_, err = manager.Connect(utCtx, models.ConnectRequest{}, "")
	assert.True(models.IsErrorCode(err, models.ErrCodeInvalidRequest))

	// Case 2: descriptor known, but the device never joined a zone
	client := newTestNode(t, models.NodeRoleDistributed)
	negotiator := session.NewNegotiator(client.dbClient, client.signer, randNonces{}, "0.1.0")
	var descriptor models.SyncRecord
	assert.Nil(client.dbClient.UseDatabase(
		utCtx, func(ctx context.Context, dbClient db.Database) error {
			var err error
			descriptor, err = dbClient.GetSyncRecord(
				ctx, client.signer.DeviceID(), models.IncludeTombstones,
			)
			return err
		},
	))
	assert.Nil(server.dbClient.UseDatabaseInTransaction(
		utCtx, func(ctx context.Context, dbClient db.Database) error {
			return dbClient.UpsertSyncRecord(ctx, descriptor)
		},
	))
	_, err = negotiator.Open(utCtx, loopback{manager: manager})
	assert.True(models.IsErrorCode(err, models.ErrCodeAuthenticationFailure))

	// Case 3: once registered the same device is let in
	enroll(t, server, client)
	_, err = negotiator.Open(utCtx, loopback{manager: manager})
	assert.Nil(err)

	// Nothing was opened for the refused attempts
	var sessions []models.SyncSession
	assert.Nil(server.dbClient.UseDatabase(
		utCtx, func(ctx context.Context, dbClient db.Database) error {
			var err error
			sessions, err = dbClient.ListSyncSessions(ctx, db.SyncSessionQueryFilter{})
			return err
		},
	))
	assert.Len(sessions, 1)
}

func TestSessionHandshakeTimeout(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	server := newTestNode(t, models.NodeRoleAggregator)
	client := newTestNode(t, models.NodeRoleDistributed)
	enroll(t, server, client)
	manager := newManager(t, server, 200*time.Millisecond)

	connected, err := manager.Connect(utCtx, models.ConnectRequest{
		ClientDeviceID: client.signer.DeviceID(),
	}, "")
	assert.Nil(err)

	// The abandoned handshake fails
	assert.Eventually(func() bool {
		return readSession(t, server, connected.SessionID).State == models.SessionStateFailed
	}, 5*time.Second, 50*time.Millisecond)

	nonce := "00"
	signature, err := client.signer.Sign(
		utCtx, session.HandshakeMessage(nonce, connected.ServerNonce),
	)
	assert.Nil(err)
	_, err = manager.Verify(utCtx, models.VerifyRequest{
		SessionID: connected.SessionID, ClientNonce: nonce, ClientSignature: signature,
	})
	assert.True(models.IsErrorCode(err, models.ErrCodeAuthenticationFailure))
}
