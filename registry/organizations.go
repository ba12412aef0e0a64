// Package registry - organizations and user accounts owning zones on the aggregator
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/alwitt/goutils"
	"github.com/alwitt/securesync/db"
	"github.com/alwitt/securesync/models"
	"github.com/apex/log"
	"gorm.io/gorm"
)

// HeadlessOrganizationName name of the organization holding zones nobody claimed
const HeadlessOrganizationName = "Unclaimed Networks"

// Organizations manages organizations and the zones they own
type Organizations interface {
	/*
		GetOrCreateHeadless fetch the headless organization, defining it on first use

			@param ctx context.Context - execution context
			@param activeDBClient Database - existing database transaction
			@returns the organization
	*/
	GetOrCreateHeadless(ctx context.Context, activeDBClient db.Database) (models.Organization, error)

	/*
		Create define a new organization owned by a user

			@param ctx context.Context - execution context
			@param name string - organization name
			@param owner models.User - the owner
			@param activeDBClient Database - existing database transaction
			@returns the organization
	*/
	Create(
		ctx context.Context, name string, owner models.User, activeDBClient db.Database,
	) (models.Organization, error)

	/*
		AssignZone record an organization as an owner of a zone

			@param ctx context.Context - execution context
			@param orgID string - the organization
			@param zoneID string - the zone
			@param activeDBClient Database - existing database transaction
	*/
	AssignZone(ctx context.Context, orgID, zoneID string, activeDBClient db.Database) error

	/*
		ForUser the organizations a user may act for. Superusers also act for the headless
		organization.

			@param ctx context.Context - execution context
			@param user models.User - the user
			@param activeDBClient Database - existing database transaction
			@returns the organizations
	*/
	ForUser(
		ctx context.Context, user models.User, activeDBClient db.Database,
	) ([]models.Organization, error)

	/*
		CanUseZone whether a user may register devices into a zone

			@param ctx context.Context - execution context
			@param user models.User - the user
			@param zoneID string - the zone
			@param activeDBClient Database - existing database transaction
			@returns whether allowed
	*/
	CanUseZone(
		ctx context.Context, user models.User, zoneID string, activeDBClient db.Database,
	) (bool, error)
}

// organizationsImpl implements Organizations
type organizationsImpl struct {
	goutils.Component

	persistence  db.Client
	headlessLock sync.Mutex
}

/*
NewOrganizations define new organization registry

	@param persistence db.Client - persistence layer client
	@returns registry instance
*/
func NewOrganizations(persistence db.Client) Organizations {
	return &organizationsImpl{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "registry", "component": "organizations"},
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		persistence: persistence,
	}
}

func (o *organizationsImpl) GetOrCreateHeadless(
	ctx context.Context, activeDBClient db.Database,
) (models.Organization, error) {
	o.headlessLock.Lock()
	defer o.headlessLock.Unlock()

	var result models.Organization
	err := db.ActiveSessionWrapper(
		ctx, activeDBClient, o.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			var err error
			result, err = dbClient.GetHeadlessOrganization(dbCtx)
			if err == nil || !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			result, err = dbClient.DefineOrganization(dbCtx, HeadlessOrganizationName, "", true)
			if err == nil {
				log.WithFields(o.GetLogTagsForContext(ctx)).
					WithField("org-id", result.ID).
					Info("Defined headless organization")
			}
			return err
		},
	)
	if err != nil {
		return models.Organization{}, fmt.Errorf("failed to get headless organization [%w]", err)
	}
	return result, nil
}

func (o *organizationsImpl) Create(
	ctx context.Context, name string, owner models.User, activeDBClient db.Database,
) (models.Organization, error) {
	var result models.Organization
	err := db.ActiveSessionWrapper(
		ctx, activeDBClient, o.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			var err error
			result, err = dbClient.DefineOrganization(dbCtx, name, owner.ID, false)
			return err
		},
	)
	return result, err
}

func (o *organizationsImpl) AssignZone(
	ctx context.Context, orgID, zoneID string, activeDBClient db.Database,
) error {
	return db.ActiveSessionWrapper(
		ctx, activeDBClient, o.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			if _, err := dbClient.GetOrganization(dbCtx, orgID); err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return models.NewSyncError(models.ErrCodeNotFound, "organization %s is unknown", orgID)
				}
				return err
			}
			if _, err := dbClient.GetZone(dbCtx, zoneID, models.IncludeTombstones); err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return models.NewSyncError(models.ErrCodeNotFound, "zone %s is unknown", zoneID)
				}
				return err
			}
			return dbClient.AssignZoneToOrganization(dbCtx, orgID, zoneID)
		},
	)
}

func (o *organizationsImpl) ForUser(
	ctx context.Context, user models.User, activeDBClient db.Database,
) ([]models.Organization, error) {
	var result []models.Organization
	err := db.ActiveSessionWrapper(
		ctx, activeDBClient, o.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			var err error
			if result, err = dbClient.ListOrganizationsOfUser(dbCtx, user.ID); err != nil {
				return err
			}
			if !user.IsSuperuser {
				return nil
			}
			for _, org := range result {
				if org.Headless {
					return nil
				}
			}
			headless, err := o.GetOrCreateHeadless(dbCtx, dbClient)
			if err != nil {
				return err
			}
			result = append(result, headless)
			return nil
		},
	)
	return result, err
}

func (o *organizationsImpl) CanUseZone(
	ctx context.Context, user models.User, zoneID string, activeDBClient db.Database,
) (bool, error) {
	allowed := false
	err := db.ActiveSessionWrapper(
		ctx, activeDBClient, o.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			owners, err := dbClient.ListZoneOwners(dbCtx, zoneID)
			if err != nil {
				return err
			}
			mine, err := o.ForUser(dbCtx, user, dbClient)
			if err != nil {
				return err
			}
			memberOf := map[string]bool{}
			for _, org := range mine {
				memberOf[org.ID] = true
			}
			for _, owner := range owners {
				if memberOf[owner.ID] {
					allowed = true
					return nil
				}
			}
			return nil
		},
	)
	return allowed, err
}
