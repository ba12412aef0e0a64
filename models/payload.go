package models

import "time"

// DevicePayload payload of a DEVICE record
type DevicePayload struct {
	Name         string `json:"name" validate:"required"`
	Description  string `json:"description,omitempty"`
	Version      string `json:"version,omitempty"`
	PublicKey    string `json:"public_key" validate:"required"`
	IsAggregator bool   `json:"is_aggregator"`
}

// ZonePayload payload of a ZONE record
type ZonePayload struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description,omitempty"`
}

// DeviceZonePayload payload of a DEVICE_ZONE record
type DeviceZonePayload struct {
	DeviceID string `json:"device_id" validate:"required"`
	ZoneID   string `json:"zone_id" validate:"required"`
	Revoked  bool   `json:"revoked"`
	// RevokedCounter the device's watermark when the membership was revoked
	RevokedCounter int64 `json:"revoked_counter"`
}

// FacilityPayload payload of a FACILITY record
type FacilityPayload struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description,omitempty"`
	Address     string `json:"address,omitempty"`
	ContactName string `json:"contact_name,omitempty"`
}

// FacilityGroupPayload payload of a FACILITY_GROUP record
type FacilityGroupPayload struct {
	FacilityID string `json:"facility_id" validate:"required"`
	Name       string `json:"name" validate:"required"`
}

// FacilityUserPayload payload of a FACILITY_USER record
type FacilityUserPayload struct {
	FacilityID string `json:"facility_id" validate:"required"`
	GroupID    string `json:"group_id,omitempty"`
	Username   string `json:"username" validate:"required"`
	FirstName  string `json:"first_name,omitempty"`
	LastName   string `json:"last_name,omitempty"`
	IsTeacher  bool   `json:"is_teacher"`
}

// AttemptLogPayload payload of an ATTEMPT_LOG record
type AttemptLogPayload struct {
	UserID     string    `json:"user_id" validate:"required"`
	FacilityID string    `json:"facility_id,omitempty"`
	ExerciseID string    `json:"exercise_id" validate:"required"`
	Correct    bool      `json:"correct"`
	Answer     string    `json:"answer,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ExerciseLogPayload payload of an EXERCISE_LOG record
type ExerciseLogPayload struct {
	UserID     string `json:"user_id" validate:"required"`
	FacilityID string `json:"facility_id,omitempty"`
	ExerciseID string `json:"exercise_id" validate:"required"`
	Streak     int    `json:"streak"`
	Attempts   int    `json:"attempts"`
	Points     int    `json:"points"`
	Complete   bool   `json:"complete"`
}
