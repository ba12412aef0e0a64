package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/alwitt/goutils"
	"github.com/alwitt/securesync/db"
	"github.com/alwitt/securesync/models"
	"github.com/apex/log"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Users manages aggregator user accounts
type Users interface {
	/*
		Create define a new user

			@param ctx context.Context - execution context
			@param username string - login name
			@param password string - the password
			@param superuser bool - whether the user is a superuser
			@returns the user
	*/
	Create(ctx context.Context, username, password string, superuser bool) (models.User, error)

	/*
		Authenticate check a user's password

			@param ctx context.Context - execution context
			@param username string - login name
			@param password string - the password
			@param activeDBClient Database - existing database transaction
			@returns the user
	*/
	Authenticate(
		ctx context.Context, username, password string, activeDBClient db.Database,
	) (models.User, error)
}

// usersImpl implements Users
type usersImpl struct {
	goutils.Component

	persistence db.Client
	cost        int
}

/*
NewUsers define new user account registry

	@param persistence db.Client - persistence layer client
	@param cost int - bcrypt cost, zero for the default
	@returns registry instance
*/
func NewUsers(persistence db.Client, cost int) Users {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &usersImpl{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "registry", "component": "users"},
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		persistence: persistence,
		cost:        cost,
	}
}

func (u *usersImpl) Create(
	ctx context.Context, username, password string, superuser bool,
) (models.User, error) {
	if username == "" || password == "" {
		return models.User{}, models.NewSyncError(
			models.ErrCodeInvalidRequest, "username and password are required",
		)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), u.cost)
	if err != nil {
		return models.User{}, fmt.Errorf("failed to hash password [%w]", err)
	}
	var user models.User
	err = u.persistence.UseDatabaseInTransaction(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			user, err = dbClient.DefineUser(dbCtx, username, hash, superuser)
			return err
		},
	)
	if err == nil {
		log.WithFields(u.GetLogTagsForContext(ctx)).
			WithField("username", username).
			WithField("superuser", superuser).
			Info("Defined user")
	}
	return user, err
}

func (u *usersImpl) Authenticate(
	ctx context.Context, username, password string, activeDBClient db.Database,
) (models.User, error) {
	var user models.User
	err := db.ActiveSessionWrapper(
		ctx, activeDBClient, u.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			var err error
			user, err = dbClient.GetUserByUsername(dbCtx, username)
			return err
		},
	)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.User{}, models.NewSyncError(
				models.ErrCodeAuthenticationFailure, "invalid username or password",
			)
		}
		return models.User{}, err
	}
	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		return models.User{}, models.NewSyncError(
			models.ErrCodeAuthenticationFailure, "invalid username or password",
		)
	}
	return user, nil
}
