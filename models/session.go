package models

import (
	"fmt"
	"time"
)

// SessionStateENUMType sync session state ENUM
type SessionStateENUMType string

const (
	// SessionStateUnstarted session not yet requested
	SessionStateUnstarted SessionStateENUMType = "UNSTARTED"
	// SessionStateRequestSent connect request issued
	SessionStateRequestSent SessionStateENUMType = "REQUEST_SENT"
	// SessionStateNonceExchanged both nonces are known
	SessionStateNonceExchanged SessionStateENUMType = "NONCE_EXCHANGED"
	// SessionStateAuthenticated both signatures verified
	SessionStateAuthenticated SessionStateENUMType = "AUTHENTICATED"
	// SessionStateActive sync rounds may run
	SessionStateActive SessionStateENUMType = "ACTIVE"
	// SessionStateFailed terminal failure
	SessionStateFailed SessionStateENUMType = "FAILED"
	// SessionStateClosed terminal close
	SessionStateClosed SessionStateENUMType = "CLOSED"
)

var sessionStateTransitions = map[SessionStateENUMType]map[SessionStateENUMType]bool{
	SessionStateUnstarted: {
		SessionStateRequestSent: true,
		SessionStateFailed:      true,
	},
	SessionStateRequestSent: {
		SessionStateNonceExchanged: true,
		SessionStateFailed:         true,
	},
	SessionStateNonceExchanged: {
		SessionStateAuthenticated: true,
		SessionStateFailed:        true,
	},
	SessionStateAuthenticated: {
		SessionStateActive: true,
		SessionStateFailed: true,
		SessionStateClosed: true,
	},
	SessionStateActive: {
		SessionStateActive: true,
		SessionStateClosed: true,
		SessionStateFailed: true,
	},
}

/*
ValidateSessionTransition verify a session may move between two states

	@param current SessionStateENUMType - the current state
	@param next SessionStateENUMType - the desired state
	@returns whether the transition is allowed
*/
func ValidateSessionTransition(current, next SessionStateENUMType) error {
	availableNextStates, ok := sessionStateTransitions[current]
	if !ok {
		return fmt.Errorf("session can't transition out of state '%s'", current)
	}
	if _, ok := availableNextStates[next]; !ok {
		return fmt.Errorf("session can't transition from '%s' to '%s'", current, next)
	}
	return nil
}

// IsTerminal whether the state can not be left
func (s SessionStateENUMType) IsTerminal() bool {
	return s == SessionStateFailed || s == SessionStateClosed
}

// SyncSession a negotiated sync channel between two devices
type SyncSession struct {
	// ID session ID
	ID string `json:"id" gorm:"column:id;primaryKey;unique" validate:"required"`
	// ClientDeviceID the device which opened the session
	ClientDeviceID string `json:"client_device_id" gorm:"column:client_device_id;not null;index" validate:"required"`
	// ServerDeviceID the device serving the session
	ServerDeviceID string `json:"server_device_id" gorm:"column:server_device_id;not null" validate:"required"`
	// ClientNonce nonce provided by the client
	ClientNonce *string `json:"client_nonce,omitempty" gorm:"column:client_nonce;uniqueIndex"`
	// ServerNonce nonce issued by the server
	ServerNonce string `json:"server_nonce" gorm:"column:server_nonce;not null;uniqueIndex" validate:"required"`
	// State session state
	State SessionStateENUMType `json:"state" gorm:"column:state;not null" validate:"required,session_state"`
	// IP remote address of the client
	IP string `json:"ip,omitempty" gorm:"column:ip"`
	// ClientVersion software version reported by the client
	ClientVersion string `json:"client_version,omitempty" gorm:"column:client_version"`
	// ModelsUploaded records applied from the client
	ModelsUploaded int `json:"models_uploaded" gorm:"column:models_uploaded;not null;default:0"`
	// ModelsDownloaded records sent to the client
	ModelsDownloaded int `json:"models_downloaded" gorm:"column:models_downloaded;not null;default:0"`
	// Errors per record errors reported to the client
	Errors int `json:"errors" gorm:"column:errors;not null;default:0"`

	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt entry update timestamp
	UpdatedAt time.Time `json:"updated_at"`
	// ClosedAt when the session reached a terminal state
	ClosedAt *time.Time `json:"closed_at,omitempty" gorm:"column:closed_at"`
}

// ValidateNextState verify can transition to new session state
func (s *SyncSession) ValidateNextState(newState SessionStateENUMType) error {
	return ValidateSessionTransition(s.State, newState)
}
