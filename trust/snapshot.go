// Package trust - zone membership graph deciding which records each device may see
package trust

import (
	"context"
	"fmt"
	"sort"

	"github.com/alwitt/securesync/db"
	"github.com/alwitt/securesync/models"
)

// ZoneSet a set of zone IDs
type ZoneSet map[string]bool

// Intersects whether two sets share a zone
func (s ZoneSet) Intersects(other ZoneSet) bool {
	for zoneID := range s {
		if other[zoneID] {
			return true
		}
	}
	return false
}

// Sorted the zone IDs in order
func (s ZoneSet) Sorted() []string {
	result := make([]string, 0, len(s))
	for zoneID := range s {
		result = append(result, zoneID)
	}
	sort.Strings(result)
	return result
}

// Snapshot point in time view of the trust graph, loaded once per batch
type Snapshot struct {
	aggregators map[string]bool
	memberships map[string][]models.DeviceZone
}

/*
LoadSnapshot read the trust graph

	@param ctx context.Context - execution context
	@param dbClient db.Database - database to read from
	@returns the snapshot
*/
func LoadSnapshot(ctx context.Context, dbClient db.Database) (*Snapshot, error) {
	isAggregator := true
	aggregators, err := dbClient.ListDevices(ctx, db.DeviceQueryFilter{IsAggregator: &isAggregator})
	if err != nil {
		return nil, fmt.Errorf("failed to list aggregators [%w]", err)
	}
	memberships, err := dbClient.ListDeviceZones(ctx, db.DeviceZoneQueryFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships [%w]", err)
	}

	snapshot := &Snapshot{
		aggregators: map[string]bool{},
		memberships: map[string][]models.DeviceZone{},
	}
	for _, device := range aggregators {
		if device.State == models.RecordStateActive {
			snapshot.aggregators[device.ID] = true
		}
	}
	for _, membership := range memberships {
		if membership.State != models.RecordStateActive {
			continue
		}
		snapshot.memberships[membership.DeviceID] = append(
			snapshot.memberships[membership.DeviceID], membership,
		)
	}
	return snapshot, nil
}

// IsAggregator whether a device is a known aggregator
func (s *Snapshot) IsAggregator(deviceID string) bool {
	return s.aggregators[deviceID]
}

// MembershipsOf the non-tombstoned memberships of a device
func (s *Snapshot) MembershipsOf(deviceID string) []models.DeviceZone {
	return s.memberships[deviceID]
}

// activeZones zones where a device holds an unrevoked membership
func (s *Snapshot) activeZones(deviceID string) ZoneSet {
	result := ZoneSet{}
	for _, membership := range s.memberships[deviceID] {
		if membership.IsActive() {
			result[membership.ZoneID] = true
		}
	}
	return result
}

// embargoed whether a device's counter falls after its revocation from a zone
func (s *Snapshot) embargoed(deviceID, zoneID string, counter int64) bool {
	revoked := false
	for _, membership := range s.memberships[deviceID] {
		if membership.ZoneID != zoneID {
			continue
		}
		if membership.IsActive() {
			return false
		}
		if membership.Revoked && counter > membership.RevokedCounter {
			revoked = true
		}
	}
	return revoked
}

/*
ResolveZonesFor the zones a device may read. Only memberships granted by an aggregator
count; the zone_fallback a device writes on its own records never widens its reach.

	@param deviceID string - the device
	@returns the zones
*/
func (s *Snapshot) ResolveZonesFor(deviceID string) ZoneSet {
	return s.activeZones(deviceID)
}

// fallbackTrusted whether a record's zone_fallback can be taken at its word
func (s *Snapshot) fallbackTrusted(record models.SyncRecord) bool {
	if s.IsAggregator(record.SignedBy) {
		return true
	}
	for _, membership := range s.memberships[record.SignedBy] {
		if membership.ZoneID != record.ZoneFallback {
			continue
		}
		if membership.IsActive() ||
			(membership.Revoked && record.Counter <= membership.RevokedCounter) {
			return true
		}
	}
	return false
}

/*
RecordZones the zones a record is attributed to

	@param record models.SyncRecord - the record
	@returns the zones
*/
func (s *Snapshot) RecordZones(record models.SyncRecord) ZoneSet {
	result := ZoneSet{}
	switch record.Kind {
	case models.RecordKindZone:
		result[record.ID] = true
		return result
	case models.RecordKindDeviceZone:
		if payload, err := models.DecodePayload[models.DeviceZonePayload](record); err == nil {
			result[payload.ZoneID] = true
		}
		return result
	}

	for _, membership := range s.memberships[record.SignedBy] {
		if membership.IsActive() ||
			(membership.Revoked && record.Counter <= membership.RevokedCounter) {
			result[membership.ZoneID] = true
		}
	}
	if record.ZoneFallback != "" && s.fallbackTrusted(record) &&
		!s.embargoed(record.SignedBy, record.ZoneFallback, record.Counter) {
		result[record.ZoneFallback] = true
	}
	return result
}

/*
IsVisible whether a device may receive a record

	@param record models.SyncRecord - the record
	@param deviceID string - the receiving device
	@returns whether visible
*/
func (s *Snapshot) IsVisible(record models.SyncRecord, deviceID string) bool {
	if s.IsAggregator(deviceID) {
		return true
	}
	// Aggregator descriptors anchor every signature chain
	if record.Kind == models.RecordKindDevice && s.IsAggregator(record.ID) {
		return true
	}
	return s.RecordZones(record).Intersects(s.ResolveZonesFor(deviceID))
}

/*
AcceptsUpload whether an aggregator may take a record from an uploading device. The record
must fall in a zone where the uploader holds an active membership, whoever signed it.

	@param record models.SyncRecord - the record
	@param uploaderID string - the device delivering the record
	@returns whether accepted
*/
func (s *Snapshot) AcceptsUpload(record models.SyncRecord, uploaderID string) bool {
	if s.IsAggregator(uploaderID) {
		return true
	}
	return s.RecordZones(record).Intersects(s.activeZones(uploaderID))
}
