package trust_test

import (
	"context"
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/alwitt/securesync/db"
	"github.com/alwitt/securesync/identity"
	"github.com/alwitt/securesync/models"
	"github.com/alwitt/securesync/store"
	"github.com/alwitt/securesync/trust"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

type trustFixture struct {
	dbClient   db.Client
	aggregator identity.Capability
	records    store.RecordStore
	uut        trust.Graph
}

func prepareTrust(t *testing.T) trustFixture {
	utCtx := context.Background()

	testDB := fmt.Sprintf("/tmp/securesync_ut_%s.db", ulid.Make().String())
	dbClient, err := db.NewConnection(db.GetSqliteDialector(testDB), logger.Error)
	require.Nil(t, err)
	require.Nil(t, dbClient.RunSQLInTransaction(utCtx, db.DefineTables))

	key, err := identity.GenerateKey(rand.Reader)
	require.Nil(t, err)
	aggregator, err := identity.NewCapability(uuid.NewString(), key, rand.Reader)
	require.Nil(t, err)

	records, err := store.NewRecordStore(dbClient, aggregator)
	require.Nil(t, err)

	// Aggregator descriptor
	payload, err := models.EncodePayload(models.DevicePayload{
		Name: "central", PublicKey: aggregator.PublicKey(), IsAggregator: true,
	})
	require.Nil(t, err)
	require.Nil(t, dbClient.UseDatabaseInTransaction(
		utCtx, func(ctx context.Context, dbClient db.Database) error {
			counter, err := dbClient.NextCounter(ctx, aggregator.DeviceID())
			if err != nil {
				return err
			}
			descriptor, err := identity.SignRecord(ctx, aggregator, models.SyncRecord{
				ID:      aggregator.DeviceID(),
				Kind:    models.RecordKindDevice,
				Counter: counter,
				State:   models.RecordStateActive,
				Payload: payload,
			})
			if err != nil {
				return err
			}
			return dbClient.UpsertSyncRecord(ctx, descriptor)
		},
	))

	return trustFixture{
		dbClient:   dbClient,
		aggregator: aggregator,
		records:    records,
		uut:        trust.NewGraph(dbClient, records, models.NodeRoleAggregator),
	}
}

func peerRecord(
	t *testing.T, dbClient db.Client, signer string, counter int64, zoneFallback string,
) models.SyncRecord {
	payload, err := models.EncodePayload(models.FacilityPayload{Name: "f"})
	require.Nil(t, err)
	record := models.SyncRecord{
		ID:           uuid.NewString(),
		Kind:         models.RecordKindFacility,
		SignedBy:     signer,
		Counter:      counter,
		Signature:    "sig",
		ZoneFallback: zoneFallback,
		State:        models.RecordStateActive,
		Payload:      payload,
	}
	require.Nil(t, dbClient.UseDatabaseInTransaction(
		context.Background(), func(ctx context.Context, dbClient db.Database) error {
			if err := dbClient.UpsertSyncRecord(ctx, record); err != nil {
				return err
			}
			return dbClient.AdvanceWatermark(ctx, signer, counter)
		},
	))
	return record
}

func TestTrustGraphVisibility(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	fixture := prepareTrust(t)
	uut := fixture.uut

	node1 := uuid.NewString()
	node2 := uuid.NewString()
	outsider := uuid.NewString()

	// Define the zones
	zone1, err := uut.CreateZone(utCtx, "zone-1", "", nil)
	assert.Nil(err)
	zone2, err := uut.CreateZone(utCtx, "zone-2", "", nil)
	assert.Nil(err)

	// Grant memberships
	dz1, err := uut.Grant(utCtx, node1, zone1.ID, nil)
	assert.Nil(err)
	_, err = uut.Grant(utCtx, node2, zone1.ID, nil)
	assert.Nil(err)
	_, err = uut.Grant(utCtx, outsider, zone2.ID, nil)
	assert.Nil(err)

	// Duplicate grant
	_, err = uut.Grant(utCtx, node1, zone1.ID, nil)
	assert.True(models.IsErrorCode(err, models.ErrCodeRegistrationConflict))
	// Unknown zone
	_, err = uut.Grant(utCtx, node1, uuid.NewString(), nil)
	assert.True(models.IsErrorCode(err, models.ErrCodeNotFound))

	// Records authored before and after registration share the path
	early := peerRecord(t, fixture.dbClient, node1, 1, "")
	late := peerRecord(t, fixture.dbClient, node1, 2, "")

	snapshot, err := uut.Snapshot(utCtx, nil)
	assert.Nil(err)
	assert.True(snapshot.IsAggregator(fixture.aggregator.DeviceID()))
	assert.Equal([]string{zone1.ID}, snapshot.ResolveZonesFor(node1).Sorted())
	for _, record := range []models.SyncRecord{early, late} {
		assert.True(snapshot.IsVisible(record, node2))
		assert.False(snapshot.IsVisible(record, outsider))
		assert.True(snapshot.IsVisible(record, fixture.aggregator.DeviceID()))
	}

	// Trust records attribute to their zone
	assert.True(snapshot.IsVisible(zone1, node1))
	assert.False(snapshot.IsVisible(zone1, outsider))
	assert.True(snapshot.IsVisible(dz1, node2))
	assert.False(snapshot.IsVisible(dz1, outsider))

	// Aggregator descriptor is public
	descriptor, err := fixture.records.Get(
		utCtx, fixture.aggregator.DeviceID(), models.IncludeTombstones, nil,
	)
	assert.Nil(err)
	assert.True(snapshot.IsVisible(descriptor, outsider))

	// Zone scoped records reach the zone without the author holding a membership
	scoped, err := fixture.records.CreateZoneScoped(
		utCtx, models.RecordKindFacility, models.FacilityPayload{Name: "hq"}, zone2.ID, nil,
	)
	assert.Nil(err)
	snapshot, err = uut.Snapshot(utCtx, nil)
	assert.Nil(err)
	assert.True(snapshot.IsVisible(scoped, outsider))
	assert.False(snapshot.IsVisible(scoped, node1))

	// Primary zone
	primary, err := uut.PrimaryZone(utCtx, node1, nil)
	assert.Nil(err)
	assert.Equal(zone1.ID, primary.ID)
	_, err = uut.PrimaryZone(utCtx, uuid.NewString(), nil)
	assert.True(models.IsErrorCode(err, models.ErrCodeNotFound))
}

func TestTrustGraphRevoke(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	fixture := prepareTrust(t)
	uut := fixture.uut

	node1 := uuid.NewString()
	node2 := uuid.NewString()

	zone, err := uut.CreateZone(utCtx, "zone", "", nil)
	assert.Nil(err)
	_, err = uut.Grant(utCtx, node1, zone.ID, nil)
	assert.Nil(err)
	_, err = uut.Grant(utCtx, node2, zone.ID, nil)
	assert.Nil(err)

	before := peerRecord(t, fixture.dbClient, node1, 3, "")
	// Fallback attribution does not bypass the embargo
	afterFallback := models.SyncRecord{
		ID: uuid.NewString(), Kind: models.RecordKindFacility, SignedBy: node1, Counter: 5,
		ZoneFallback: zone.ID,
	}
	after := models.SyncRecord{
		ID: uuid.NewString(), Kind: models.RecordKindFacility, SignedBy: node1, Counter: 4,
	}

	// Revoke
	revoked, err := uut.Revoke(utCtx, node1, zone.ID, nil)
	assert.Nil(err)
	payload, err := models.DecodePayload[models.DeviceZonePayload](revoked)
	assert.Nil(err)
	assert.True(payload.Revoked)
	assert.Equal(int64(3), payload.RevokedCounter)

	snapshot, err := uut.Snapshot(utCtx, nil)
	assert.Nil(err)
	assert.True(snapshot.IsVisible(before, node2))
	assert.False(snapshot.IsVisible(after, node2))
	assert.False(snapshot.IsVisible(afterFallback, node2))
	assert.Len(snapshot.ResolveZonesFor(node1), 0)
	assert.True(snapshot.IsVisible(revoked, node2))

	// Second revoke
	_, err = uut.Revoke(utCtx, node1, zone.ID, nil)
	assert.True(models.IsErrorCode(err, models.ErrCodeNotFound))

	// Audit trail
	assert.Nil(fixture.dbClient.UseDatabase(utCtx, func(ctx context.Context, dbClient db.Database) error {
		events, err := dbClient.ListSystemEvents(ctx, db.SystemEventQueryFilter{
			EventTypes: []models.SystemEventTypeENUMType{models.SystemEventTypeDeviceZoneRevoked},
		})
		assert.Nil(err)
		assert.Len(events, 1)
		return nil
	}))

	// Rejoin restores the zone
	_, err = uut.Grant(utCtx, node1, zone.ID, nil)
	assert.Nil(err)
	snapshot, err = uut.Snapshot(utCtx, nil)
	assert.Nil(err)
	assert.Equal([]string{zone.ID}, snapshot.ResolveZonesFor(node1).Sorted())
	assert.True(snapshot.IsVisible(after, node2))

	// Purge
	removed, err := uut.PurgeZoneMemberships(utCtx, zone.ID, nil)
	assert.Nil(err)
	assert.Equal(3, removed)
	snapshot, err = uut.Snapshot(utCtx, nil)
	assert.Nil(err)
	assert.Len(snapshot.MembershipsOf(node1), 0)
	assert.Len(snapshot.MembershipsOf(node2), 0)
}

func TestTrustGraphDistributedRole(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	fixture := prepareTrust(t)
	uut := trust.NewGraph(fixture.dbClient, fixture.records, models.NodeRoleDistributed)

	_, err := uut.CreateZone(utCtx, "zone", "", nil)
	assert.True(models.IsErrorCode(err, models.ErrCodeTrustViolation))
	_, err = uut.Grant(utCtx, uuid.NewString(), uuid.NewString(), nil)
	assert.True(models.IsErrorCode(err, models.ErrCodeTrustViolation))
	_, err = uut.Revoke(utCtx, uuid.NewString(), uuid.NewString(), nil)
	assert.True(models.IsErrorCode(err, models.ErrCodeTrustViolation))
	_, err = uut.PurgeZoneMemberships(utCtx, uuid.NewString(), nil)
	assert.True(models.IsErrorCode(err, models.ErrCodeTrustViolation))
}

func TestTrustGraphFallbackAndUpload(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()
	fixture := prepareTrust(t)
	uut := fixture.uut

	member := uuid.NewString()
	other := uuid.NewString()
	stranger := uuid.NewString()

	home, err := uut.CreateZone(utCtx, "home", "", nil)
	assert.Nil(err)
	away, err := uut.CreateZone(utCtx, "away", "", nil)
	assert.Nil(err)
	_, err = uut.Grant(utCtx, member, home.ID, nil)
	assert.Nil(err)
	_, err = uut.Grant(utCtx, other, away.ID, nil)
	assert.Nil(err)

	// Case 0: fallback into a zone the signer never held is ignored
	foreign := peerRecord(t, fixture.dbClient, member, 1, away.ID)
	// Case 1: fallback into a held zone counts
	owned := peerRecord(t, fixture.dbClient, member, 2, home.ID)
	// Case 2: a device without any membership cannot claim a zone
	claimed := peerRecord(t, fixture.dbClient, stranger, 1, away.ID)

	snapshot, err := uut.Snapshot(utCtx, nil)
	assert.Nil(err)

	assert.Equal([]string{home.ID}, snapshot.RecordZones(foreign).Sorted())
	assert.False(snapshot.IsVisible(foreign, other))
	assert.Equal([]string{home.ID}, snapshot.RecordZones(owned).Sorted())
	assert.Len(snapshot.RecordZones(claimed), 0)
	assert.False(snapshot.IsVisible(claimed, other))

	// Authoring with a fallback does not widen what the author may read
	assert.Equal([]string{home.ID}, snapshot.ResolveZonesFor(member).Sorted())
	assert.Len(snapshot.ResolveZonesFor(stranger), 0)

	// The signer itself gets no special reach without a membership
	assert.False(snapshot.IsVisible(claimed, stranger))

	// Uploads must fall in a zone the uploader holds
	assert.True(snapshot.AcceptsUpload(owned, member))
	assert.True(snapshot.AcceptsUpload(foreign, member))
	assert.False(snapshot.AcceptsUpload(owned, other))
	assert.False(snapshot.AcceptsUpload(claimed, stranger))
	assert.True(snapshot.AcceptsUpload(claimed, fixture.aggregator.DeviceID()))

	// Case 3: after revocation the uploader may deliver nothing
	_, err = uut.Revoke(utCtx, member, home.ID, nil)
	assert.Nil(err)
	snapshot, err = uut.Snapshot(utCtx, nil)
	assert.Nil(err)
	assert.False(snapshot.AcceptsUpload(owned, member))
	// History authored while a member stays attributed to the zone
	assert.Equal([]string{home.ID}, snapshot.RecordZones(owned).Sorted())
}
