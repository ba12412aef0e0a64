package securesync_test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/alwitt/securesync"
	"github.com/alwitt/securesync/config"
	"github.com/alwitt/securesync/models"
	"github.com/apex/log"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

func testConfig(t *testing.T, role models.NodeRoleENUMType, name, aggregatorHost string) config.Config {
	certFile, err := filepath.Abs("./test/ut_rsa.crt")
	require.Nil(t, err)
	keyFile, err := filepath.Abs("./test/ut_rsa.key")
	require.Nil(t, err)

	return config.Config{
		Node: config.NodeConfig{Role: role, Name: name},
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			DSN:    fmt.Sprintf("/tmp/securesync_ut_%s.db", ulid.Make().String()),
		},
		Crypto: config.CryptoConfig{RSACertFile: certFile, RSAKeyFile: keyFile},
		Sync: config.SyncConfig{
			Protocol:             "http",
			Host:                 aggregatorHost,
			MaxRecordsPerRequest: 2,
			RequestTimeout:       10 * time.Second,
			ExchangeTimeout:      time.Minute,
			SessionRetention:     time.Hour,
		},
		Server: config.ServerConfig{
			ListenOn:             "127.0.0.1:0",
			ReadTimeout:          time.Second * 10,
			WriteTimeout:         time.Second * 10,
			IdleTimeout:          time.Second * 10,
			TokenSecret:          "end-to-end-session-token-secret",
			TokenTTL:             time.Minute,
			HandshakeTimeout:     time.Minute,
			SessionIdleTimeout:   time.Minute,
			MaxRecordsPerRequest: 3,
		},
	}
}

func startNode(t *testing.T, cfg config.Config) *securesync.Node {
	node, err := securesync.NewNode(context.Background(), cfg, logger.Error)
	require.Nil(t, err)
	t.Cleanup(node.Stop)
	return node
}

func TestSecureSyncEndToEnd(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	// ------------------------------------------------------------------
	// Aggregator serving the API
	// ------------------------------------------------------------------
	aggregator := startNode(t, testConfig(t, models.NodeRoleAggregator, "central", ""))
	handler, err := aggregator.Handler()
	require.Nil(t, err)
	httpServer := httptest.NewServer(handler)
	t.Cleanup(httpServer.Close)
	serverURL, err := url.Parse(httpServer.URL)
	require.Nil(t, err)

	admin, err := aggregator.Users.Create(utCtx, "admin", "pw-admin", false)
	require.Nil(t, err)
	org, err := aggregator.Organizations.Create(utCtx, "district", admin, nil)
	require.Nil(t, err)
	zone, err := aggregator.CreateZone(utCtx, "campus", "main campus", org.ID)
	require.Nil(t, err)

	// Recorded centrally before any school joins
	central, err := aggregator.Records.CreateZoneScoped(
		utCtx, models.RecordKindFacility, models.FacilityPayload{Name: "F2"}, zone.ID, nil,
	)
	require.Nil(t, err)

	nodeA := startNode(t, testConfig(t, models.NodeRoleDistributed, "school-a", serverURL.Host))
	nodeB := startNode(t, testConfig(t, models.NodeRoleDistributed, "school-b", serverURL.Host))

	// ------------------------------------------------------------------
	// Sync before registration is refused
	// ------------------------------------------------------------------
	_, err = nodeA.Sync(utCtx)
	assert.True(models.IsErrorCode(err, models.ErrCodeInvalidRequest))

	// ------------------------------------------------------------------
	// Registration
	// ------------------------------------------------------------------
	_, err = nodeA.Register(utCtx, "admin", "wrong", zone.ID)
	assert.True(models.IsErrorCode(err, models.ErrCodeAuthenticationFailure))

	for _, node := range []*securesync.Node{nodeA, nodeB} {
		params, err := node.Register(utCtx, "admin", "pw-admin", zone.ID)
		assert.Nil(err)
		assert.Equal(models.RegistrationStateRegistered, params.RegistrationState)
		assert.Equal(aggregator.Signer.DeviceID(), params.AggregatorDeviceID)
	}

	// ------------------------------------------------------------------
	// A picks up the central record and uploads its own
	// ------------------------------------------------------------------
	local, err := nodeA.Records.Create(
		utCtx, models.RecordKindFacility, models.FacilityPayload{Name: "F1"}, nil,
	)
	require.Nil(t, err)

	summary, err := nodeA.Sync(utCtx)
	assert.Nil(err)
	assert.Zero(summary.Errors)
	assert.Equal(1, summary.Uploaded)
	stored, err := nodeA.Records.Get(utCtx, central.ID, models.ExcludeTombstones, nil)
	assert.Nil(err)
	assert.True(stored.SameVersion(central))

	// ------------------------------------------------------------------
	// B sees both through the aggregator
	// ------------------------------------------------------------------
	summary, err = nodeB.Sync(utCtx)
	assert.Nil(err)
	assert.Zero(summary.Errors)
	for _, record := range []models.SyncRecord{central, local} {
		stored, err := nodeB.Records.Get(utCtx, record.ID, models.ExcludeTombstones, nil)
		assert.Nil(err)
		assert.True(stored.SameVersion(record))
	}

	// ------------------------------------------------------------------
	// Repeated exchanges move nothing
	// ------------------------------------------------------------------
	for _, node := range []*securesync.Node{nodeA, nodeB} {
		summary, err := node.Sync(utCtx)
		assert.Nil(err)
		assert.Zero(summary.Uploaded)
		assert.Zero(summary.Downloaded)
	}

	stats, err := aggregator.Statistics(utCtx)
	assert.Nil(err)
	assert.Equal(int64(3), stats.Devices)
	assert.Equal(int64(1), stats.Zones)
	assert.Equal(int64(2), stats.ActiveMemberships)
	assert.Equal(int64(2), stats.Organizations)
	assert.Equal(int64(1), stats.Users)

	// ------------------------------------------------------------------
	// Repair after the zone is cleaned up centrally
	// ------------------------------------------------------------------
	_, err = aggregator.Graph.PurgeZoneMemberships(utCtx, zone.ID, nil)
	assert.Nil(err)
	_, err = aggregator.Records.SoftDelete(utCtx, zone.ID, nil)
	assert.Nil(err)

	params, err := nodeA.Register(utCtx, "admin", "pw-admin", zone.ID)
	assert.Nil(err)
	assert.Equal(models.RegistrationStateRegistered, params.RegistrationState)
	healed, err := aggregator.Records.Get(utCtx, zone.ID, models.ExcludeTombstones, nil)
	assert.Nil(err)
	assert.False(healed.IsTombstoned())

	_, err = nodeA.Sync(utCtx)
	assert.Nil(err)
}

func TestSecureSyncRoleChecks(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	node := startNode(t, testConfig(t, models.NodeRoleDistributed, "school", "127.0.0.1:1"))

	_, err := node.Handler()
	assert.True(models.IsErrorCode(err, models.ErrCodeInvalidRequest))
	_, err = node.CreateZone(utCtx, "zone", "", "")
	assert.True(models.IsErrorCode(err, models.ErrCodeInvalidRequest))

	// Nothing listens on the aggregator address
	_, err = node.Register(utCtx, "admin", "pw", "zone")
	assert.True(models.IsErrorCode(err, models.ErrCodeTransportFailure))
	params, err := node.Registration.State(utCtx)
	assert.Nil(err)
	assert.Equal(models.RegistrationStatePending, params.RegistrationState)

	// Invalid configuration
	cfg := testConfig(t, models.NodeRoleAggregator, "central", "")
	cfg.Server.TokenSecret = "short"
	_, err = securesync.NewNode(utCtx, cfg, logger.Error)
	assert.Error(err)
}
