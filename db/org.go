package db

import (
	"context"
	"fmt"

	"github.com/alwitt/securesync/models"
	"github.com/google/uuid"
	"gorm.io/gorm/clause"
)

/*
DefineUser record a new user

	@param ctx context.Context - execution context
	@param username string - login name
	@param passwordHash []byte - bcrypt password hash
	@param superuser bool - whether the user is a superuser
	@returns the user entry
*/
func (d *databaseImpl) DefineUser(
	_ context.Context, username string, passwordHash []byte, superuser bool,
) (models.User, error) {
	entry := userEntry{User: models.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: passwordHash,
		IsSuperuser:  superuser,
	}}
	if err := d.validator.Struct(&entry); err != nil {
		return models.User{}, fmt.Errorf("user entry is not valid [%w]", err)
	}
	if tmp := d.db.Create(&entry); tmp.Error != nil {
		return models.User{}, fmt.Errorf("user '%s' insert failed [%w]", username, tmp.Error)
	}
	return entry.User, nil
}

/*
GetUserByUsername fetch a user by login name

	@param ctx context.Context - execution context
	@param username string - login name
	@returns the user entry
*/
func (d *databaseImpl) GetUserByUsername(_ context.Context, username string) (models.User, error) {
	var entry userEntry
	if err := d.db.Where("username = ?", username).First(&entry).Error; err != nil {
		return models.User{}, fmt.Errorf("failed to fetch user '%s' [%w]", username, err)
	}
	return entry.User, nil
}

/*
DefineOrganization record a new organization

	@param ctx context.Context - execution context
	@param name string - organization name
	@param ownerID string - owning user, may be empty
	@param headless bool - whether this is the headless organization
	@returns the organization entry
*/
func (d *databaseImpl) DefineOrganization(
	ctx context.Context, name, ownerID string, headless bool,
) (models.Organization, error) {
	if headless {
		if existing, err := d.GetHeadlessOrganization(ctx); err == nil {
			return models.Organization{}, fmt.Errorf(
				"headless organization %s already exists", existing.ID,
			)
		}
	}
	entry := organizationEntry{Organization: models.Organization{
		ID:       uuid.NewString(),
		Name:     name,
		OwnerID:  ownerID,
		Headless: headless,
	}}
	if err := d.validator.Struct(&entry); err != nil {
		return models.Organization{}, fmt.Errorf("organization entry is not valid [%w]", err)
	}
	if tmp := d.db.Create(&entry); tmp.Error != nil {
		return models.Organization{}, fmt.Errorf(
			"organization '%s' insert failed [%w]", name, tmp.Error,
		)
	}
	if ownerID != "" {
		if err := d.AddOrganizationMember(ctx, entry.ID, ownerID); err != nil {
			return models.Organization{}, err
		}
	}
	return entry.Organization, nil
}

/*
GetOrganization fetch an organization

	@param ctx context.Context - execution context
	@param orgID string - the organization
	@returns the organization entry
*/
func (d *databaseImpl) GetOrganization(_ context.Context, orgID string) (models.Organization, error) {
	var entry organizationEntry
	if err := d.db.Where("id = ?", orgID).First(&entry).Error; err != nil {
		return models.Organization{}, fmt.Errorf("failed to fetch organization %s [%w]", orgID, err)
	}
	return entry.Organization, nil
}

/*
GetHeadlessOrganization fetch the headless organization

	@param ctx context.Context - execution context
	@returns the organization entry
*/
func (d *databaseImpl) GetHeadlessOrganization(_ context.Context) (models.Organization, error) {
	var entry organizationEntry
	if err := d.db.Where("headless = ?", true).First(&entry).Error; err != nil {
		return models.Organization{}, fmt.Errorf("failed to fetch headless organization [%w]", err)
	}
	return entry.Organization, nil
}

/*
AddOrganizationMember add a user to an organization

	@param ctx context.Context - execution context
	@param orgID string - the organization
	@param userID string - the user
*/
func (d *databaseImpl) AddOrganizationMember(_ context.Context, orgID, userID string) error {
	entry := organizationMemberEntry{
		OrganizationMember: models.OrganizationMember{OrganizationID: orgID, UserID: userID},
	}
	if tmp := d.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry); tmp.Error != nil {
		return fmt.Errorf("failed to add user %s to organization %s [%w]", userID, orgID, tmp.Error)
	}
	return nil
}

/*
AssignZoneToOrganization record an organization as an owner of a zone

	@param ctx context.Context - execution context
	@param orgID string - the organization
	@param zoneID string - the zone
*/
func (d *databaseImpl) AssignZoneToOrganization(_ context.Context, orgID, zoneID string) error {
	entry := organizationZoneEntry{
		OrganizationZone: models.OrganizationZone{OrganizationID: orgID, ZoneID: zoneID},
	}
	if tmp := d.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry); tmp.Error != nil {
		return fmt.Errorf("failed to assign zone %s to organization %s [%w]", zoneID, orgID, tmp.Error)
	}
	return nil
}

/*
ListOrganizationsOfUser list organizations a user is a member of

	@param ctx context.Context - execution context
	@param userID string - the user
	@return list of organizations
*/
func (d *databaseImpl) ListOrganizationsOfUser(
	_ context.Context, userID string,
) ([]models.Organization, error) {
	var entries []organizationEntry
	if tmp := d.db.Model(&organizationEntry{}).
		Joins("JOIN organization_members ON organization_members.organization_id = organizations.id").
		Where("organization_members.user_id = ?", userID).
		Order("organizations.name").
		Find(&entries); tmp.Error != nil {
		return nil, fmt.Errorf("failed to list organizations of user %s [%w]", userID, tmp.Error)
	}
	result := []models.Organization{}
	for _, entry := range entries {
		result = append(result, entry.Organization)
	}
	return result, nil
}

/*
ListZoneOwners list organizations owning a zone

	@param ctx context.Context - execution context
	@param zoneID string - the zone
	@return list of organizations
*/
func (d *databaseImpl) ListZoneOwners(
	_ context.Context, zoneID string,
) ([]models.Organization, error) {
	var entries []organizationEntry
	if tmp := d.db.Model(&organizationEntry{}).
		Joins("JOIN organization_zones ON organization_zones.organization_id = organizations.id").
		Where("organization_zones.zone_id = ?", zoneID).
		Order("organizations.name").
		Find(&entries); tmp.Error != nil {
		return nil, fmt.Errorf("failed to list owners of zone %s [%w]", zoneID, tmp.Error)
	}
	result := []models.Organization{}
	for _, entry := range entries {
		result = append(result, entry.Organization)
	}
	return result, nil
}
