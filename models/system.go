package models

import (
	"fmt"
	"time"
)

// NodeRoleENUMType the role a node plays in the federation
type NodeRoleENUMType string

const (
	// NodeRoleAggregator the always-on hub every distributed node syncs with
	NodeRoleAggregator NodeRoleENUMType = "AGGREGATOR"
	// NodeRoleDistributed an edge installation which may be offline for long periods
	NodeRoleDistributed NodeRoleENUMType = "DISTRIBUTED"
)

// RegistrationStateENUMType registration state of a distributed node
type RegistrationStateENUMType string

const (
	// RegistrationStateUnregistered node never joined a zone
	RegistrationStateUnregistered RegistrationStateENUMType = "UNREGISTERED"
	// RegistrationStatePending registration request submitted
	RegistrationStatePending RegistrationStateENUMType = "PENDING"
	// RegistrationStateRegistered node is a member of a zone
	RegistrationStateRegistered RegistrationStateENUMType = "REGISTERED"
	// RegistrationStateRejected the aggregator refused the registration
	RegistrationStateRejected RegistrationStateENUMType = "REJECTED"
)

// NodeParams node operating parameters
type NodeParams struct {
	// ID param entry ID. It must always be node-parameters
	ID string `json:"id" gorm:"column:id;primaryKey;unique" validate:"required,oneof=node-parameters"`

	// Role the role this node plays
	Role NodeRoleENUMType `json:"role" gorm:"column:role;not null" validate:"required,node_role"`

	// OwnDeviceID the device this node is
	OwnDeviceID string `json:"own_device_id" gorm:"column:own_device_id"`
	// AggregatorDeviceID the aggregator this node registered with
	AggregatorDeviceID string `json:"aggregator_device_id" gorm:"column:aggregator_device_id"`
	// ZoneID the zone this node registered into
	ZoneID string `json:"zone_id" gorm:"column:zone_id"`

	// RegistrationState registration state
	RegistrationState RegistrationStateENUMType `json:"registration_state" gorm:"column:registration_state;not null" validate:"required,registration_state"`

	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt entry update timestamp
	UpdatedAt time.Time `json:"updated_at"`
}

// ValidateNextState verify can transition to new registration state
func (p *NodeParams) ValidateNextState(newState RegistrationStateENUMType) error {
	statesWithTransitions := map[RegistrationStateENUMType]map[RegistrationStateENUMType]bool{
		RegistrationStateUnregistered: {
			RegistrationStateUnregistered: true,
			RegistrationStatePending:      true,
		},
		RegistrationStatePending: {
			RegistrationStatePending:    true,
			RegistrationStateRegistered: true,
			RegistrationStateRejected:   true,
		},
		RegistrationStateRegistered: {
			RegistrationStateRegistered: true,
			RegistrationStatePending:    true,
		},
		RegistrationStateRejected: {
			RegistrationStateRejected: true,
			RegistrationStatePending:  true,
		},
	}

	availableNextStates, ok := statesWithTransitions[p.RegistrationState]
	if !ok {
		return fmt.Errorf("node can't transition out of state '%s'", p.RegistrationState)
	}

	if _, ok := availableNextStates[newState]; !ok {
		return fmt.Errorf("node can't transition from '%s' to '%s'", p.RegistrationState, newState)
	}

	return nil
}
