package db

import (
	"context"
	"fmt"

	"github.com/alwitt/securesync/models"
	"github.com/apex/log"
)

// GlobalNodeParamEntryID ID of the singleton node parameter entry
const GlobalNodeParamEntryID = "node-parameters"

// getNodeParamEntry fetch the node param entry
func (d *databaseImpl) getNodeParamEntry() (nodeParamsEntry, bool, error) {
	var entries []nodeParamsEntry
	dbErr := d.db.Where("id = ?", GlobalNodeParamEntryID).Find(&entries).Error
	if dbErr != nil {
		return nodeParamsEntry{}, false, fmt.Errorf("failed to read node params table [%w]", dbErr)
	}
	if len(entries) == 0 {
		return nodeParamsEntry{}, false, nil
	}
	return entries[0], true, nil
}

/*
InitializeNodeParams get-or-create the singleton node parameter entry

	@param ctx context.Context - execution context
	@param role models.NodeRoleENUMType - the role of this node
	@returns the entry
*/
func (d *databaseImpl) InitializeNodeParams(
	ctx context.Context, role models.NodeRoleENUMType,
) (models.NodeParams, error) {
	entry, found, err := d.getNodeParamEntry()
	if err != nil {
		return models.NodeParams{}, err
	}
	if found {
		if entry.Role != role {
			return models.NodeParams{}, fmt.Errorf(
				"node was initialized as %s, can't operate as %s", entry.Role, role,
			)
		}
		return entry.NodeParams, nil
	}

	// Make a new one
	entry = nodeParamsEntry{
		NodeParams: models.NodeParams{
			ID:                GlobalNodeParamEntryID,
			Role:              role,
			RegistrationState: models.RegistrationStateUnregistered,
		},
	}
	// The aggregator is the root of trust, it never registers with anyone
	if role == models.NodeRoleAggregator {
		entry.RegistrationState = models.RegistrationStateRegistered
	}
	if err := d.validator.Struct(&entry); err != nil {
		return models.NodeParams{}, fmt.Errorf("node params entry is not valid [%w]", err)
	}
	if dbErr := d.db.Create(&entry).Error; dbErr != nil {
		return models.NodeParams{}, fmt.Errorf(
			"failed to setup singleton node params table [%w]", dbErr,
		)
	}

	log.WithFields(d.GetLogTagsForContext(ctx)).WithField("role", role).Info("Node parameters defined")
	return entry.NodeParams, nil
}

/*
GetNodeParams fetch the singleton node parameter entry

	@param ctx context.Context - execution context
	@returns the entry
*/
func (d *databaseImpl) GetNodeParams(_ context.Context) (models.NodeParams, error) {
	entry, found, err := d.getNodeParamEntry()
	if err != nil {
		return models.NodeParams{}, fmt.Errorf("unable to fetch node parameter entry [%w]", err)
	}
	if !found {
		return models.NodeParams{}, fmt.Errorf("node parameters not initialized")
	}
	return entry.NodeParams, nil
}

/*
SetOwnDevice record the device this node is

	@param ctx context.Context - execution context
	@param deviceID string - the own device ID
*/
func (d *databaseImpl) SetOwnDevice(ctx context.Context, deviceID string) error {
	entry, found, err := d.getNodeParamEntry()
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("node parameters not initialized")
	}
	if entry.OwnDeviceID != "" && entry.OwnDeviceID != deviceID {
		return fmt.Errorf("node is already device %s", entry.OwnDeviceID)
	}
	entry.OwnDeviceID = deviceID
	if tmp := d.db.Updates(&entry); tmp.Error != nil {
		return fmt.Errorf("node own device update failed [%w]", tmp.Error)
	}

	if _, err := d.defineNewSystemEvent(
		models.SystemEventTypeInitialized,
		models.SystemEventNodeRelated{DeviceID: deviceID, Role: entry.Role},
	); err != nil {
		return fmt.Errorf("failed to log node initialized audit event [%w]", err)
	}

	log.WithFields(d.GetLogTagsForContext(ctx)).WithField("device", deviceID).Info("Own device set")
	return nil
}

/*
UpdateRegistration change the node's registration state

	@param ctx context.Context - execution context
	@param newState models.RegistrationStateENUMType - new registration state
	@param zoneID string - zone registered into, empty to leave unchanged
	@param aggregatorDeviceID string - the aggregator device, empty to leave unchanged
*/
func (d *databaseImpl) UpdateRegistration(
	_ context.Context,
	newState models.RegistrationStateENUMType,
	zoneID string,
	aggregatorDeviceID string,
) error {
	entry, found, err := d.getNodeParamEntry()
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("node parameters not initialized")
	}

	if err := entry.ValidateNextState(newState); err != nil {
		return fmt.Errorf("registration state change to %s not allowed [%w]", newState, err)
	}

	updates := map[string]interface{}{"registration_state": newState}
	if zoneID != "" {
		updates["zone_id"] = zoneID
	}
	if aggregatorDeviceID != "" {
		updates["aggregator_device_id"] = aggregatorDeviceID
	}
	if tmp := d.db.Model(&entry).Updates(updates); tmp.Error != nil {
		return fmt.Errorf("registration state change update failed [%w]", tmp.Error)
	}

	return nil
}
