package transport_test

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alwitt/securesync/db"
	"github.com/alwitt/securesync/engine"
	"github.com/alwitt/securesync/identity"
	"github.com/alwitt/securesync/models"
	"github.com/alwitt/securesync/session"
	"github.com/alwitt/securesync/store"
	"github.com/alwitt/securesync/transport"
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
	engine   engine.Engine
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

	exchange, err := engine.NewEngine(dbClient, signer, role)
	require.Nil(t, err)
	return testNode{dbClient: dbClient, signer: signer, engine: exchange}
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

func startServer(t *testing.T, server testNode) *transport.Client {
	manager, err := session.NewManager(session.ManagerParams{
		Persistence:      server.dbClient,
		Signer:           server.signer,
		Nonces:           randNonces{},
		TokenSecret:      []byte("unit-test-session-token-secret"),
		TokenTTL:         time.Minute,
		HandshakeTimeout: time.Minute,
		IdleTimeout:      time.Minute,
	})
	require.Nil(t, err)
	t.Cleanup(manager.Stop)

	api, err := transport.NewAPIServer(transport.APIServerParams{
		Persistence:          server.dbClient,
		Engine:               server.engine,
		Sessions:             manager,
		MaxRecordsPerRequest: 5,
	})
	require.Nil(t, err)
	httpServer := httptest.NewServer(api.Router())
	t.Cleanup(httpServer.Close)

	client, err := transport.NewClient(transport.ClientParams{
		BaseURL: httpServer.URL, Timeout: 10 * time.Second,
	})
	require.Nil(t, err)
	return client
}

func TestHTTPStatus(t *testing.T) {
	assert := assert.New(t)

	type testCase struct {
		err    error
		status int
	}
	for idx, oneTest := range []testCase{
		{
			err:    models.NewSyncError(models.ErrCodeAuthenticationFailure, "x"),
			status: http.StatusUnauthorized,
		},
		{
			err:    models.NewSyncError(models.ErrCodeTrustViolation, "x"),
			status: http.StatusForbidden,
		},
		{
			err:    models.NewSyncError(models.ErrCodeConflictAmbiguous, "x"),
			status: http.StatusConflict,
		},
		{
			err:    fmt.Errorf("wrapped [%w]", models.NewSyncError(models.ErrCodeNotFound, "x")),
			status: http.StatusNotFound,
		},
		{err: errors.New("plain"), status: http.StatusInternalServerError},
	} {
		assert.Equal(oneTest.status, transport.HTTPStatus(oneTest.err), "case %d", idx)
	}
}

func TestSessionOverHTTP(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	server := newTestNode(t, models.NodeRoleAggregator)
	client := newTestNode(t, models.NodeRoleDistributed)
	enroll(t, server, client)
	uut := startServer(t, server)
	negotiator := session.NewNegotiator(client.dbClient, client.signer, randNonces{}, "0.1.0")

	// Case 0: status
	status, err := uut.Status(utCtx)
	assert.Nil(err)
	assert.Equal("success", status.Status)
	assert.Equal(models.NodeRoleAggregator, status.Role)
	assert.Equal(server.signer.DeviceID(), status.Device.ID)

	// Case 1: handshake
	opened, err := negotiator.Open(utCtx, uut)
	assert.Nil(err)
	assert.Equal(server.signer.DeviceID(), opened.ServerDeviceID)

	// Case 2: watermarks
	watermarks, err := uut.Watermarks(utCtx, opened.Token)
	assert.Nil(err)
	serverMarks, err := server.engine.Watermarks(utCtx, nil)
	assert.Nil(err)
	assert.Positive(watermarks.Get(server.signer.DeviceID()))
	assert.Equal(serverMarks.Get(server.signer.DeviceID()), watermarks.Get(server.signer.DeviceID()))

	// Case 3: download the server descriptor
	page, err := uut.Download(utCtx, opened.Token, models.DownloadRequest{
		SessionID: opened.ID, DeviceID: client.signer.DeviceID(), Limit: 100,
	})
	assert.Nil(err)
	assert.False(page.More)

	// Case 4: request for another device
	_, err = uut.Download(utCtx, opened.Token, models.DownloadRequest{
		SessionID: opened.ID, DeviceID: uuid.NewString(), Limit: 100,
	})
	assert.True(models.IsErrorCode(err, models.ErrCodeAuthenticationFailure))

	// Case 5: invalid request
	_, err = uut.Download(utCtx, opened.Token, models.DownloadRequest{
		SessionID: opened.ID, DeviceID: client.signer.DeviceID(),
	})
	assert.True(models.IsErrorCode(err, models.ErrCodeInvalidRequest))

	// Case 6: oversized upload
	records := make([]models.SyncRecord, 6)
	_, err = uut.Upload(utCtx, opened.Token, models.UploadRequest{
		SessionID: opened.ID, DeviceID: client.signer.DeviceID(), Records: records,
	})
	assert.True(models.IsErrorCode(err, models.ErrCodeInvalidRequest))

	// Case 7: bad token
	_, err = uut.Watermarks(utCtx, "not-a-token")
	assert.True(models.IsErrorCode(err, models.ErrCodeAuthenticationFailure))
	_, err = uut.Watermarks(utCtx, "")
	assert.True(models.IsErrorCode(err, models.ErrCodeAuthenticationFailure))

	// Case 8: registration is not offered without a registrar
	_, err = uut.Register(utCtx, models.RegisterRequest{
		Username: "x", Password: "y", ZoneID: "z",
	})
	assert.True(models.IsErrorCode(err, models.ErrCodeNotFound))

	// Case 9: close
	assert.Nil(uut.Close(utCtx, opened.Token))
	err = uut.Close(utCtx, opened.Token)
	assert.True(models.IsErrorCode(err, models.ErrCodeAuthenticationFailure))
}

func TestMalformedRequests(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	server := newTestNode(t, models.NodeRoleAggregator)
	manager, err := session.NewManager(session.ManagerParams{
		Persistence:      server.dbClient,
		Signer:           server.signer,
		Nonces:           randNonces{},
		TokenSecret:      []byte("unit-test-session-token-secret"),
		TokenTTL:         time.Minute,
		HandshakeTimeout: time.Minute,
		IdleTimeout:      time.Minute,
	})
	require.Nil(t, err)
	defer manager.Stop()
	api, err := transport.NewAPIServer(transport.APIServerParams{
		Persistence:          server.dbClient,
		Engine:               server.engine,
		Sessions:             manager,
		MaxRecordsPerRequest: 5,
	})
	require.Nil(t, err)
	router := api.Router()

	type testCase struct {
		path   string
		body   string
		status int
	}
	for idx, oneTest := range []testCase{
		{path: transport.PathConnect, body: `{"client_device_id":`, status: http.StatusBadRequest},
		{path: transport.PathConnect, body: `{}`, status: http.StatusBadRequest},
		{
			path:   transport.PathConnect,
			body:   fmt.Sprintf(`{"client_device_id":"%s"}`, uuid.NewString()),
			status: http.StatusUnauthorized,
		},
		{path: transport.PathVerify, body: `{}`, status: http.StatusBadRequest},
		{path: transport.PathUpload, body: `{}`, status: http.StatusUnauthorized},
	} {
		req := httptest.NewRequest(
			http.MethodPost, transport.BasePath+oneTest.path, strings.NewReader(oneTest.body),
		)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		assert.Equal(oneTest.status, resp.Code, "case %d", idx)
		assert.Contains(resp.Body.String(), `"code"`, "case %d", idx)
	}
}

func TestUnreachablePeer(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	httpServer := httptest.NewServer(http.NotFoundHandler())
	baseURL := httpServer.URL
	httpServer.Close()

	uut, err := transport.NewClient(transport.ClientParams{
		BaseURL: baseURL, Timeout: time.Second,
	})
	require.Nil(t, err)
	_, err = uut.Status(context.Background())
	assert.True(models.IsErrorCode(err, models.ErrCodeTransportFailure))
}

func TestRetryPolicy(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	// Every request is dropped after it reached the server
	var hits sync.Map
	dropping := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count, _ := hits.LoadOrStore(r.URL.Path, new(atomic.Int32))
		count.(*atomic.Int32).Add(1)
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			_ = conn.Close()
		}
	}))
	t.Cleanup(dropping.Close)
	hitsOf := func(path string) int32 {
		count, ok := hits.Load(transport.BasePath + path)
		if !ok {
			return 0
		}
		return count.(*atomic.Int32).Load()
	}

	uut, err := transport.NewClient(transport.ClientParams{
		BaseURL: dropping.URL, Timeout: time.Second, Retries: 2, RetryWait: time.Millisecond,
	})
	require.Nil(t, err)

	// Case 0: reads are retried
	_, err = uut.Status(utCtx)
	assert.True(models.IsErrorCode(err, models.ErrCodeTransportFailure))
	assert.Equal(int32(3), hitsOf(transport.PathStatus))

	// Case 1: a registration is sent once
	_, err = uut.Register(utCtx, models.RegisterRequest{
		Username: "coach", Password: "pw-coach", ZoneID: "zone",
	})
	assert.True(models.IsErrorCode(err, models.ErrCodeTransportFailure))
	assert.Equal(int32(1), hitsOf(transport.PathRegister))

	// Case 2: so is a handshake verification
	_, err = uut.Verify(utCtx, models.VerifyRequest{
		SessionID: "session", ClientNonce: "00", ClientSignature: "c2ln",
	})
	assert.True(models.IsErrorCode(err, models.ErrCodeTransportFailure))
	assert.Equal(int32(1), hitsOf(transport.PathVerify))
}
