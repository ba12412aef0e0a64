package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// RecordKindENUMType syncable record kind ENUM
type RecordKindENUMType string

const (
	// RecordKindDevice device descriptor, always self-signed
	RecordKindDevice RecordKindENUMType = "DEVICE"
	// RecordKindZone zone definition, signed by an aggregator
	RecordKindZone RecordKindENUMType = "ZONE"
	// RecordKindDeviceZone device zone membership, signed by an aggregator
	RecordKindDeviceZone RecordKindENUMType = "DEVICE_ZONE"
	// RecordKindFacility facility
	RecordKindFacility RecordKindENUMType = "FACILITY"
	// RecordKindFacilityGroup group of users within a facility
	RecordKindFacilityGroup RecordKindENUMType = "FACILITY_GROUP"
	// RecordKindFacilityUser user of a facility
	RecordKindFacilityUser RecordKindENUMType = "FACILITY_USER"
	// RecordKindAttemptLog single exercise attempt log
	RecordKindAttemptLog RecordKindENUMType = "ATTEMPT_LOG"
	// RecordKindExerciseLog exercise progress log
	RecordKindExerciseLog RecordKindENUMType = "EXERCISE_LOG"
)

// IsTrustKind whether records of this kind describe the trust graph
func (k RecordKindENUMType) IsTrustKind() bool {
	switch k {
	case RecordKindDevice, RecordKindZone, RecordKindDeviceZone:
		return true
	}
	return false
}

// RequiresAggregatorSignature whether only an aggregator may author records of this kind
func (k RecordKindENUMType) RequiresAggregatorSignature() bool {
	return k == RecordKindZone || k == RecordKindDeviceZone
}

// RecordStateENUMType syncable record state ENUM
type RecordStateENUMType string

const (
	// RecordStateActive the record is live
	RecordStateActive RecordStateENUMType = "ACTIVE"
	// RecordStateTombstoned the record was soft deleted; it still replicates but its
	// payload is no longer trusted
	RecordStateTombstoned RecordStateENUMType = "TOMBSTONED"
)

// TombstonePolicy whether a query includes tombstoned records
//
// The zero value is invalid so every query path must choose explicitly.
type TombstonePolicy int

const (
	// TombstonePolicyUnset policy was not chosen
	TombstonePolicyUnset TombstonePolicy = iota
	// ExcludeTombstones only return active records
	ExcludeTombstones
	// IncludeTombstones return active and tombstoned records
	IncludeTombstones
)

// Validate verify the policy was chosen
func (p TombstonePolicy) Validate() error {
	if p != ExcludeTombstones && p != IncludeTombstones {
		return fmt.Errorf("tombstone policy must be chosen explicitly")
	}
	return nil
}

// SyncRecord the versioned, signed, soft-deletable unit of replication
type SyncRecord struct {
	// ID record ID, unique across the federation
	ID string `json:"id" gorm:"column:id;primaryKey;unique" validate:"required"`

	// Kind record kind
	Kind RecordKindENUMType `json:"kind" gorm:"column:kind;not null;index" validate:"required,record_kind"`

	// SignedBy device which produced this version. Empty for stubs.
	SignedBy string `json:"signed_by,omitempty" gorm:"column:signed_by;index:idx_sync_records_signer_counter,priority:1"`
	// Counter the signing device's sequence number for this version
	Counter int64 `json:"counter" gorm:"column:counter;index:idx_sync_records_signer_counter,priority:2" validate:"gte=0"`
	// Signature base64 signature over the canonical serialization
	Signature string `json:"signature,omitempty" gorm:"column:signature"`

	// ZoneFallback zone to attribute this record to when the signer has no usable membership
	ZoneFallback string `json:"zone_fallback,omitempty" gorm:"column:zone_fallback;index"`

	// State record state
	State RecordStateENUMType `json:"state" gorm:"column:state;not null" validate:"required,record_state"`

	// FacilityID facility scope, derived from the payload
	FacilityID string `json:"-" gorm:"column:facility_id;index"`
	// GroupID group scope, derived from the payload
	GroupID string `json:"-" gorm:"column:group_id;index"`

	// Payload kind specific content
	Payload datatypes.JSON `json:"payload" gorm:"column:payload"`

	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"-"`
	// UpdatedAt entry update timestamp
	UpdatedAt time.Time `json:"-"`
}

// IsTombstoned whether the record was soft deleted
func (r SyncRecord) IsTombstoned() bool {
	return r.State == RecordStateTombstoned
}

// IsStub whether the record was never signed
func (r SyncRecord) IsStub() bool {
	return r.SignedBy == ""
}

// SameVersion whether two records describe the same signed version
func (r SyncRecord) SameVersion(other SyncRecord) bool {
	return r.ID == other.ID && r.SignedBy == other.SignedBy && r.Counter == other.Counter
}

type canonicalRecord struct {
	ID           string              `json:"id"`
	Kind         RecordKindENUMType  `json:"kind"`
	SignedBy     string              `json:"signed_by"`
	Counter      int64               `json:"counter"`
	ZoneFallback string              `json:"zone_fallback"`
	State        RecordStateENUMType `json:"state"`
	Payload      json.RawMessage     `json:"payload"`
}

// CanonicalBytes the byte serialization a record signature covers
func (r SyncRecord) CanonicalBytes() ([]byte, error) {
	payload, err := CanonicalizeJSON(r.Payload)
	if err != nil {
		return nil, fmt.Errorf("record %s payload is not valid JSON [%w]", r.ID, err)
	}
	return json.Marshal(canonicalRecord{
		ID:           r.ID,
		Kind:         r.Kind,
		SignedBy:     r.SignedBy,
		Counter:      r.Counter,
		ZoneFallback: r.ZoneFallback,
		State:        r.State,
		Payload:      payload,
	})
}

/*
CanonicalizeJSON re-encode a JSON document with sorted object keys and no insignificant
whitespace. Numbers keep their literal representation.

	@param raw []byte - the JSON document
	@returns canonical encoding
*/
func CanonicalizeJSON(raw []byte) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var parsed interface{}
	if err := dec.Decode(&parsed); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON document")
	}
	return json.Marshal(parsed)
}

// DecodePayload parse a record payload into its typed form
func DecodePayload[T any](r SyncRecord) (T, error) {
	var parsed T
	if err := json.Unmarshal(r.Payload, &parsed); err != nil {
		return parsed, fmt.Errorf("record %s (%s) payload parse failed [%w]", r.ID, r.Kind, err)
	}
	return parsed, nil
}

// EncodePayload serialize a typed payload
func EncodePayload(payload interface{}) (datatypes.JSON, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

// Scope derive the facility and group a record belongs to from its payload
func (r SyncRecord) Scope() (facilityID string, groupID string) {
	switch r.Kind {
	case RecordKindFacility:
		return r.ID, ""
	case RecordKindFacilityGroup:
		if p, err := DecodePayload[FacilityGroupPayload](r); err == nil {
			return p.FacilityID, r.ID
		}
	case RecordKindFacilityUser:
		if p, err := DecodePayload[FacilityUserPayload](r); err == nil {
			return p.FacilityID, p.GroupID
		}
	case RecordKindAttemptLog:
		if p, err := DecodePayload[AttemptLogPayload](r); err == nil {
			return p.FacilityID, ""
		}
	case RecordKindExerciseLog:
		if p, err := DecodePayload[ExerciseLogPayload](r); err == nil {
			return p.FacilityID, ""
		}
	}
	return "", ""
}

// SyncWatermark highest counter this store has durably processed from a device
type SyncWatermark struct {
	// DeviceID the signing device
	DeviceID string `json:"device_id" gorm:"column:device_id;primaryKey;unique" validate:"required"`
	// Counter the highest processed counter
	Counter int64 `json:"counter" gorm:"column:counter;not null" validate:"gte=0"`

	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt entry update timestamp
	UpdatedAt time.Time `json:"updated_at"`
}
