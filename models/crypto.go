// Package models - system data models
package models

import (
	"time"
)

// EncryptionKeyStateENUMType encryption state enum type
type EncryptionKeyStateENUMType string

const (
	// EncryptionKeyStateActive the encryption key is active
	EncryptionKeyStateActive EncryptionKeyStateENUMType = "ACTIVE"
	// EncryptionKeyStateInactive the encryption key is inactive
	EncryptionKeyStateInactive EncryptionKeyStateENUMType = "INACTIVE"
)

// EncryptionKey a symmetric encryption key used to seal device private keys at rest
type EncryptionKey struct {
	// ID key ID
	ID string `json:"id" gorm:"column:id;primaryKey;unique" validate:"required,uuid_rfc4122"`

	// EncKeyMaterial the RSA encrypted key material
	EncKeyMaterial []byte `json:"enc_key_material" gorm:"column:enc_key_material;not null" validate:"required"`

	// State the encryption key state
	State EncryptionKeyStateENUMType `json:"state" gorm:"column:state;not null" validate:"required,enc_key_state"`

	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt entry update timestamp
	UpdatedAt time.Time `json:"updated_at"`
}

// DeviceKey the sealed private key of a device owned by this node
type DeviceKey struct {
	// DeviceID the device the key belongs to
	DeviceID string `json:"device_id" gorm:"column:device_id;primaryKey;unique" validate:"required,uuid_rfc4122"`

	// EncKeyID the symmetric encryption key which sealed the private key
	EncKeyID string `json:"enc_key_id" gorm:"column:enc_key_id;not null" validate:"required,uuid_rfc4122"`

	// SealedKey the sealed PEM encoded private key
	SealedKey []byte `json:"sealed_key" gorm:"column:sealed_key;not null" validate:"required"`
	// Nonce the AEAD nonce used when sealing
	Nonce []byte `json:"nonce" gorm:"column:nonce;not null" validate:"required"`

	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt entry update timestamp
	UpdatedAt time.Time `json:"updated_at"`
}
