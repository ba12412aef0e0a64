package models

import (
	"time"
)

// Device a device identity. The row is a projection of the device's DEVICE record.
type Device struct {
	// ID device ID
	ID string `json:"id" gorm:"column:id;primaryKey;unique" validate:"required"`
	// Name display name
	Name string `json:"name" gorm:"column:name;not null" validate:"required"`
	// Description device description
	Description string `json:"description,omitempty" gorm:"column:description"`
	// Version software version
	Version string `json:"version,omitempty" gorm:"column:version"`
	// PublicKey PEM encoded public key
	PublicKey string `json:"public_key" gorm:"column:public_key;not null" validate:"required"`
	// IsAggregator whether the device is an aggregator
	IsAggregator bool `json:"is_aggregator" gorm:"column:is_aggregator;not null;default:false"`
	// OwnDevice whether the device is this node. Never replicated.
	OwnDevice bool `json:"-" gorm:"column:own_device;not null;default:false"`
	// State device record state
	State RecordStateENUMType `json:"state" gorm:"column:state;not null" validate:"required,record_state"`

	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt entry update timestamp
	UpdatedAt time.Time `json:"updated_at"`
}

// Zone a named sharing network
type Zone struct {
	// ID zone ID
	ID string `json:"id" gorm:"column:id;primaryKey;unique" validate:"required"`
	// Name zone name
	Name string `json:"name" gorm:"column:name;not null" validate:"required"`
	// Description zone description
	Description string `json:"description,omitempty" gorm:"column:description"`
	// State zone record state
	State RecordStateENUMType `json:"state" gorm:"column:state;not null" validate:"required,record_state"`

	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt entry update timestamp
	UpdatedAt time.Time `json:"updated_at"`
}

// DeviceZone membership edge between a device and a zone
type DeviceZone struct {
	// ID membership ID
	ID string `json:"id" gorm:"column:id;primaryKey;unique" validate:"required"`
	// DeviceID the member device
	DeviceID string `json:"device_id" gorm:"column:device_id;not null;index" validate:"required"`
	// ZoneID the zone
	ZoneID string `json:"zone_id" gorm:"column:zone_id;not null;index" validate:"required"`
	// Revoked whether the membership was revoked
	Revoked bool `json:"revoked" gorm:"column:revoked;not null;default:false"`
	// RevokedCounter the device's watermark at revocation
	RevokedCounter int64 `json:"revoked_counter" gorm:"column:revoked_counter;not null;default:0"`
	// State membership record state
	State RecordStateENUMType `json:"state" gorm:"column:state;not null" validate:"required,record_state"`

	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt entry update timestamp
	UpdatedAt time.Time `json:"updated_at"`
}

// IsActive whether the membership currently routes records
func (dz DeviceZone) IsActive() bool {
	return !dz.Revoked && dz.State == RecordStateActive
}

// UnregisteredDevice a device which attempted registration but holds no membership yet
type UnregisteredDevice struct {
	// DeviceID the device
	DeviceID string `json:"device_id" gorm:"column:device_id;primaryKey;unique" validate:"required"`
	// Name device display name
	Name string `json:"name" gorm:"column:name"`
	// PublicKey PEM encoded public key presented
	PublicKey string `json:"public_key" gorm:"column:public_key"`
	// Attempts number of registration attempts
	Attempts int `json:"attempts" gorm:"column:attempts;not null;default:0"`
	// LastAttempt time of the last attempt
	LastAttempt time.Time `json:"last_attempt" gorm:"column:last_attempt"`

	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt entry update timestamp
	UpdatedAt time.Time `json:"updated_at"`
}

// User an aggregator user account
type User struct {
	// ID user ID
	ID string `json:"id" gorm:"column:id;primaryKey;unique" validate:"required"`
	// Username login name
	Username string `json:"username" gorm:"column:username;not null;uniqueIndex" validate:"required"`
	// PasswordHash bcrypt hash of the password
	PasswordHash []byte `json:"-" gorm:"column:password_hash;not null"`
	// IsSuperuser whether the user may act on any organization
	IsSuperuser bool `json:"is_superuser" gorm:"column:is_superuser;not null;default:false"`

	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt entry update timestamp
	UpdatedAt time.Time `json:"updated_at"`
}

// Organization a legal owner of zones
type Organization struct {
	// ID organization ID
	ID string `json:"id" gorm:"column:id;primaryKey;unique" validate:"required"`
	// Name organization name
	Name string `json:"name" gorm:"column:name;not null" validate:"required"`
	// OwnerID the user who owns the organization
	OwnerID string `json:"owner_id,omitempty" gorm:"column:owner_id"`
	// Headless whether this is the organization holding zones without an owner
	Headless bool `json:"headless" gorm:"column:headless;not null;default:false;index"`

	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt entry update timestamp
	UpdatedAt time.Time `json:"updated_at"`
}

// OrganizationMember user membership in an organization
type OrganizationMember struct {
	OrganizationID string `json:"organization_id" gorm:"column:organization_id;primaryKey"`
	UserID         string `json:"user_id" gorm:"column:user_id;primaryKey"`

	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at"`
}

// OrganizationZone zone ownership by an organization
type OrganizationZone struct {
	OrganizationID string `json:"organization_id" gorm:"column:organization_id;primaryKey"`
	ZoneID         string `json:"zone_id" gorm:"column:zone_id;primaryKey"`

	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at"`
}
