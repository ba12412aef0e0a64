package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/datatypes"
)

// SystemEventTypeENUMType system event type ENUM value type
type SystemEventTypeENUMType string

const (
	// SystemEventTypeInitialized node is initialized
	SystemEventTypeInitialized SystemEventTypeENUMType = "SYSTEM_INITIALIZED"

	// SystemEventTypeNewEncryptionKey new encryption key is being added
	SystemEventTypeNewEncryptionKey SystemEventTypeENUMType = "ADD_NEW_ENCRYPTION_KEY"

	// SystemEventTypeDeviceRegistered a device joined a zone
	SystemEventTypeDeviceRegistered SystemEventTypeENUMType = "DEVICE_REGISTERED"

	// SystemEventTypeRegistrationRepaired a partially registered device was healed
	SystemEventTypeRegistrationRepaired SystemEventTypeENUMType = "REGISTRATION_REPAIRED"

	// SystemEventTypeRegistrationRejected a registration attempt was refused
	SystemEventTypeRegistrationRejected SystemEventTypeENUMType = "REGISTRATION_REJECTED"

	// SystemEventTypeDeviceZoneRevoked a device zone membership was revoked
	SystemEventTypeDeviceZoneRevoked SystemEventTypeENUMType = "DEVICE_ZONE_REVOKED"

	// SystemEventTypeZonePurged a zone's memberships were removed
	SystemEventTypeZonePurged SystemEventTypeENUMType = "ZONE_PURGED"

	// SystemEventTypeSessionFailed a sync session handshake failed
	SystemEventTypeSessionFailed SystemEventTypeENUMType = "SESSION_FAILED"

	// SystemEventTypeRecordRejected an incoming record was rejected
	SystemEventTypeRecordRejected SystemEventTypeENUMType = "RECORD_REJECTED"
)

// SystemEventAudit recording of events occurring at the system level
type SystemEventAudit struct {
	// ID audit entry ID
	ID string `json:"id" gorm:"column:id;primaryKey;unique" validate:"required"`
	// EventType system event type
	EventType SystemEventTypeENUMType `json:"type" gorm:"column:type;not null;index" validate:"required,system_event_type"`
	// Metadata a metadata relating to the event
	Metadata datatypes.JSON `json:"metadata,omitempty" gorm:"column:metadata;default:null"`
	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt entry update timestamp
	UpdatedAt time.Time `json:"updated_at"`
}

func parseEventMetadata[T any](a SystemEventAudit, validator *validator.Validate) (interface{}, error) {
	var parsed T
	if err := json.Unmarshal(a.Metadata, &parsed); err != nil {
		return nil, fmt.Errorf("system event '%s' metadata parse failed [%w]", a.EventType, err)
	}
	return parsed, validator.Struct(&parsed)
}

// ParseMetadata parse the metadata based on the event type
func (a SystemEventAudit) ParseMetadata(validator *validator.Validate) (interface{}, error) {
	switch a.EventType {
	case SystemEventTypeNewEncryptionKey:
		return parseEventMetadata[SystemEventEncKeyRelated](a, validator)

	case SystemEventTypeInitialized:
		return parseEventMetadata[SystemEventNodeRelated](a, validator)

	// Trust graph related system audit events
	case SystemEventTypeDeviceRegistered:
		fallthrough
	case SystemEventTypeRegistrationRepaired:
		fallthrough
	case SystemEventTypeRegistrationRejected:
		fallthrough
	case SystemEventTypeDeviceZoneRevoked:
		return parseEventMetadata[SystemEventMembershipRelated](a, validator)

	case SystemEventTypeZonePurged:
		return parseEventMetadata[SystemEventZoneRelated](a, validator)

	case SystemEventTypeSessionFailed:
		return parseEventMetadata[SystemEventSessionRelated](a, validator)

	case SystemEventTypeRecordRejected:
		return parseEventMetadata[SystemEventRecordRelated](a, validator)
	}
	return nil, nil
}

// SystemEventEncKeyRelated system event metadata related to encryption key
type SystemEventEncKeyRelated struct {
	// KeyID the encryption key added
	KeyID string `json:"key_id" validate:"required,uuid_rfc4122"`
}

// SystemEventNodeRelated system event metadata related to node initialization
type SystemEventNodeRelated struct {
	DeviceID string           `json:"device_id" validate:"required"`
	Role     NodeRoleENUMType `json:"role" validate:"required,node_role"`
}

// SystemEventMembershipRelated system event metadata related to a device zone membership
type SystemEventMembershipRelated struct {
	DeviceID     string `json:"device_id" validate:"required"`
	ZoneID       string `json:"zone_id,omitempty"`
	DeviceZoneID string `json:"device_zone_id,omitempty"`
	Username     string `json:"username,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// SystemEventZoneRelated system event metadata related to a zone
type SystemEventZoneRelated struct {
	ZoneID string `json:"zone_id" validate:"required"`
	// Removed number of memberships removed
	Removed int `json:"removed"`
}

// SystemEventSessionRelated system event metadata related to a sync session
type SystemEventSessionRelated struct {
	SessionID      string `json:"session_id" validate:"required"`
	ClientDeviceID string `json:"client_device_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// SystemEventRecordRelated system event metadata related to a rejected record
type SystemEventRecordRelated struct {
	// RecordID the rejected record
	RecordID string `json:"record_id" validate:"required"`
	// DeviceID the offending device
	DeviceID string `json:"device_id,omitempty"`
	// SourceDeviceID the device which delivered the record
	SourceDeviceID string        `json:"source_device_id,omitempty"`
	Code           SyncErrorCode `json:"code" validate:"required"`
	Reason         string        `json:"reason,omitempty"`
}
