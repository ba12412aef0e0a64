package models

import (
	"reflect"

	"github.com/go-playground/validator/v10"
)

/*
RegisterWithValidator register with the validator this custom validation support

	@param v *validator.Validate - the validator to register against
	@return whether successful
*/
func RegisterWithValidator(v *validator.Validate) error {
	customs := map[string]validator.Func{
		"enc_key_state":      validateEncKeyStateType,
		"system_event_type":  validateSystemEventType,
		"node_role":          validateNodeRoleType,
		"registration_state": validateRegistrationStateType,
		"record_kind":        validateRecordKindType,
		"record_state":       validateRecordStateType,
		"session_state":      validateSessionStateType,
	}
	for tag, fn := range customs {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return err
		}
	}
	return nil
}

func validateEncKeyStateType(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	switch EncryptionKeyStateENUMType(fl.Field().String()) {
	case EncryptionKeyStateActive:
		fallthrough
	case EncryptionKeyStateInactive:
		return true
	}
	return false
}

func validateSystemEventType(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	switch SystemEventTypeENUMType(fl.Field().String()) {
	case SystemEventTypeInitialized,
		SystemEventTypeNewEncryptionKey,
		SystemEventTypeDeviceRegistered,
		SystemEventTypeRegistrationRepaired,
		SystemEventTypeRegistrationRejected,
		SystemEventTypeDeviceZoneRevoked,
		SystemEventTypeZonePurged,
		SystemEventTypeSessionFailed,
		SystemEventTypeRecordRejected:
		return true
	}
	return false
}

func validateNodeRoleType(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	switch NodeRoleENUMType(fl.Field().String()) {
	case NodeRoleAggregator:
		fallthrough
	case NodeRoleDistributed:
		return true
	}
	return false
}

func validateRegistrationStateType(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	switch RegistrationStateENUMType(fl.Field().String()) {
	case RegistrationStateUnregistered,
		RegistrationStatePending,
		RegistrationStateRegistered,
		RegistrationStateRejected:
		return true
	}
	return false
}

func validateRecordKindType(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	switch RecordKindENUMType(fl.Field().String()) {
	case RecordKindDevice,
		RecordKindZone,
		RecordKindDeviceZone,
		RecordKindFacility,
		RecordKindFacilityGroup,
		RecordKindFacilityUser,
		RecordKindAttemptLog,
		RecordKindExerciseLog:
		return true
	}
	return false
}

func validateRecordStateType(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	switch RecordStateENUMType(fl.Field().String()) {
	case RecordStateActive:
		fallthrough
	case RecordStateTombstoned:
		return true
	}
	return false
}

func validateSessionStateType(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	_, ok := sessionStateTransitions[SessionStateENUMType(fl.Field().String())]
	return ok || SessionStateENUMType(fl.Field().String()).IsTerminal()
}
