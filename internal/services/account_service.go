package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"moneycheck/internal/apperror"
	"moneycheck/internal/core"
	applog "moneycheck/internal/log"
	"moneycheck/internal/remote"
)

// AccountStore is the part of the local store the account service writes.
type AccountStore interface {
	GetUser(ctx context.Context, id string) (*core.User, error)
	CreateUserWithCategories(ctx context.Context, u core.User, cs []core.Category) (core.User, []core.Category, error)
	UpdateUser(ctx context.Context, id string, patch core.UserPatch) (core.User, error)
	PurgeUser(ctx context.Context, id string) error
}

// Registration is sign-up input. UserID comes from the auth provider.
type Registration struct {
	UserID        string
	Name          string
	Email         string
	EmailVerified bool
}

// AccountService orchestrates account lifecycle across the local and remote stores.
type AccountService struct {
	local  AccountStore
	remote remote.ProfileWriter
	log    *applog.Logger
}

func NewAccountService(local AccountStore, profiles remote.ProfileWriter) *AccountService {
	return &AccountService{
		local:  local,
		remote: profiles,
		log:    applog.ForComponent(applog.ComponentApp),
	}
}

// Register creates the remote profile, then the local user together with
// the default categories, then pushes the categories. An email already
// known remotely is rejected. A failed local write removes the profile.
func (s *AccountService) Register(ctx context.Context, r Registration) (core.User, error) {
	email := strings.TrimSpace(r.Email)
	if _, err := mail.ParseAddress(email); err != nil {
		return core.User{}, apperror.Validation("email", "invalid email address")
	}

	exists, err := s.remote.ProfileExists(ctx, email)
	if err != nil {
		return core.User{}, fmt.Errorf("check existing profile: %w", err)
	}
	if exists {
		return core.User{}, apperror.Validation("email", "email already registered")
	}

	u := core.User{
		ID:            r.UserID,
		Name:          strings.TrimSpace(r.Name),
		Email:         email,
		EmailVerified: r.EmailVerified,
	}
	if err := u.Validate(); err != nil {
		return core.User{}, err
	}
	existing, err := s.local.GetUser(ctx, u.ID)
	if err != nil {
		return core.User{}, fmt.Errorf("check existing user: %w", err)
	}
	if existing != nil {
		return core.User{}, apperror.Duplicate("user", u.ID)
	}
	if err := s.remote.PutProfile(ctx, remote.ProfileFromUser(u)); err != nil {
		return core.User{}, fmt.Errorf("create remote profile: %w", err)
	}

	defaults := make([]core.Category, 0, len(core.DefaultCategoryNames))
	for _, name := range core.DefaultCategoryNames {
		defaults = append(defaults, core.Category{ID: core.NewID(), Name: name, OwnerUserID: u.ID})
	}
	user, created, err := s.local.CreateUserWithCategories(ctx, u, defaults)
	if err != nil {
		if !errors.Is(err, apperror.ErrDuplicateKey) {
			s.rollbackProfile(ctx, u.ID)
		}
		return core.User{}, fmt.Errorf("create local user: %w", err)
	}

	docs := make([]remote.Category, 0, len(created))
	for _, c := range created {
		docs = append(docs, remote.CategoryFromLocal(c))
	}

	// Pushed transactions carry their category name, so a failure here
	// is recoverable.
	if err := s.remote.PutCategories(ctx, user.ID, docs); err != nil {
		s.log.WarnContext(ctx, "Failed to push default categories", applog.FieldUserID, user.ID, applog.FieldError, err)
	}

	s.log.InfoContext(ctx, "Registered user", applog.FieldUserID, user.ID, applog.FieldCount, len(docs))
	return user, nil
}

// rollbackProfile removes a profile whose local user could not be created,
// so the email can register again.
func (s *AccountService) rollbackProfile(ctx context.Context, userID string) {
	ctx = context.WithoutCancel(ctx)
	if err := s.remote.DeleteProfile(ctx, userID); err != nil {
		s.log.ErrorContext(ctx, "Failed to roll back remote profile", applog.FieldUserID, userID, applog.FieldError, err)
	}
}

// UpdateProfile edits the local user and mirrors the profile remotely.
func (s *AccountService) UpdateProfile(ctx context.Context, userID string, patch core.UserPatch) (core.User, error) {
	if patch.Email != nil {
		email := strings.TrimSpace(*patch.Email)
		if _, err := mail.ParseAddress(email); err != nil {
			return core.User{}, apperror.Validation("email", "invalid email address")
		}
		patch.Email = &email
	}

	u, err := s.local.UpdateUser(ctx, userID, patch)
	if err != nil {
		return core.User{}, err
	}
	if err := s.remote.PutProfile(ctx, remote.ProfileFromUser(u)); err != nil {
		return u, fmt.Errorf("update remote profile: %w", err)
	}
	return u, nil
}

// DeleteAccount removes the user and all their data from both stores.
// The remote side goes first so a failure leaves the local data intact.
func (s *AccountService) DeleteAccount(ctx context.Context, userID string) error {
	if err := s.remote.DeleteProfile(ctx, userID); err != nil {
		return fmt.Errorf("delete remote profile: %w", err)
	}
	if err := s.local.PurgeUser(ctx, userID); err != nil {
		return fmt.Errorf("purge local user: %w", err)
	}
	s.log.InfoContext(ctx, "Deleted account", applog.FieldUserID, userID)
	return nil
}
