// Package handlers contains the business logic shared by every transport:
// credential verification, password lifecycle management, and user/group
// administration on top of the credential store.
package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/thomastaylor312/snas/pkg/credstore"
	"github.com/thomastaylor312/snas/pkg/logger"
	"github.com/thomastaylor312/snas/pkg/metrics"
	"github.com/thomastaylor312/snas/pkg/models"
	"github.com/thomastaylor312/snas/pkg/passhash"
)

// DefaultResetWindow is how long a freshly reset password stays usable.
const DefaultResetWindow = 24 * time.Hour

// Handlers is safe for concurrent use and cheap to share between servers.
type Handlers struct {
	store       *credstore.Store
	log         logger.Logger
	resetWindow time.Duration
	now         func() time.Time
}

func New(store *credstore.Store, log logger.Logger) *Handlers {
	return &Handlers{
		store:       store,
		log:         log.WithComponent("handlers"),
		resetWindow: DefaultResetWindow,
		now:         time.Now,
	}
}

// AddUser creates a new user with a freshly hashed password. When
// ForcePasswordChange is set, the account starts in the reset phase and the
// initial password is only good for one login within the reset window.
func (h *Handlers) AddUser(ctx context.Context, req models.AddUserRequest) error {
	exists, err := h.store.Exists(ctx, req.Username)
	if err != nil {
		return fmt.Errorf("failed to check whether user exists: %w", err)
	}

	if exists {
		return ErrUsernameTaken
	}

	hashed, err := passhash.Hash(req.Password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	record := &models.UserRecord{
		HashedPassword: models.NewSecret(hashed),
		Groups:         models.NormalizeGroups(req.Groups),
	}

	if req.ForcePasswordChange {
		record.PasswordReset = &models.ResetPhase{
			Kind:      models.ResetPhaseReset,
			ExpiresAt: h.expiry(),
		}
	}

	return h.store.Put(ctx, req.Username, record)
}

// GetUser returns the admin view of a user.
func (h *Handlers) GetUser(_ context.Context, username string) (models.UserResponse, error) {
	record := h.store.Get(username)
	if record == nil {
		return models.UserResponse{}, ErrUsernameDoesNotExist
	}

	return models.UserResponse{
		Username:            username,
		Groups:              record.Groups,
		PasswordChangePhase: record.PasswordReset,
	}, nil
}

// ListUsers returns all usernames, sorted.
func (h *Handlers) ListUsers(_ context.Context) []string {
	return h.store.List()
}

// RemoveUser purges the user and its history from the store.
func (h *Handlers) RemoveUser(ctx context.Context, username string) error {
	return h.store.Delete(ctx, username)
}

// AddGroups adds the given groups to the user and returns the full group set
// after the change. Group management does not interact with the password
// lifecycle.
func (h *Handlers) AddGroups(ctx context.Context, username string, groups []string) ([]string, error) {
	record := h.store.Get(username)
	if record == nil {
		return nil, ErrUsernameDoesNotExist
	}

	updated := record.AddGroups(groups)

	if err := h.store.Put(ctx, username, record); err != nil {
		return nil, err
	}

	return updated, nil
}

// RemoveGroups removes the given groups from the user and returns the full
// group set after the change.
func (h *Handlers) RemoveGroups(ctx context.Context, username string, groups []string) ([]string, error) {
	record := h.store.Get(username)
	if record == nil {
		return nil, ErrUsernameDoesNotExist
	}

	updated := record.RemoveGroups(groups)

	if err := h.store.Put(ctx, username, record); err != nil {
		return nil, err
	}

	return updated, nil
}

// ResetPassword generates a temporary password for the user and puts the
// account into the reset phase. This is the admin override path: it does not
// consult the state machine, so it also unlocks a locked account. The
// response is the only place a plaintext secret leaves the service.
func (h *Handlers) ResetPassword(ctx context.Context, username string) (models.ResetPasswordResponse, error) {
	record := h.store.Get(username)
	if record == nil {
		return models.ResetPasswordResponse{}, ErrUsernameDoesNotExist
	}

	token, err := generateToken(tokenLength)
	if err != nil {
		return models.ResetPasswordResponse{}, fmt.Errorf("failed to generate temporary password: %w", err)
	}

	hashed, err := passhash.Hash(token)
	if err != nil {
		return models.ResetPasswordResponse{}, fmt.Errorf("failed to hash temporary password: %w", err)
	}

	expiresAt := h.expiry()
	record.HashedPassword = models.NewSecret(hashed)
	record.PasswordReset = &models.ResetPhase{Kind: models.ResetPhaseReset, ExpiresAt: expiresAt}

	if err := h.store.Put(ctx, username, record); err != nil {
		return models.ResetPasswordResponse{}, err
	}

	metrics.PasswordResetsTotal.Inc()
	h.log.Info().Str("user", username).Msg("Password reset")

	return models.ResetPasswordResponse{TempPassword: token, ExpiresAt: expiresAt}, nil
}

// Verify checks a credential challenge and advances the reset-phase state
// machine. An unknown username reports invalid credentials rather than
// leaking which usernames exist.
func (h *Handlers) Verify(ctx context.Context, username string, password models.SecretString) (models.VerifyResponse, error) {
	record := h.store.Get(username)
	if record == nil {
		metrics.VerificationsTotal.WithLabelValues("invalid").Inc()

		return models.VerifyResponse{}, ErrInvalidCredentials
	}

	needsReset := record.PasswordReset != nil

	next, err := h.advancePhase(ctx, username, record, false)
	if err != nil {
		metrics.VerificationsTotal.WithLabelValues("reset_expired").Inc()

		return models.VerifyResponse{}, err
	}

	match, err := passhash.Verify(record.HashedPassword.Reveal(), password)
	if err != nil {
		metrics.VerificationsTotal.WithLabelValues("error").Inc()

		return models.VerifyResponse{}, fmt.Errorf("failed to verify password: %w", err)
	}

	if !match {
		metrics.VerificationsTotal.WithLabelValues("invalid").Inc()

		return models.VerifyResponse{}, ErrInvalidCredentials
	}

	// The single-use transition (reset -> initial login) only takes effect on
	// a successful login, so a wrong password does not burn the temporary
	// one.
	if next != nil {
		record.PasswordReset = next

		if err := h.store.Put(ctx, username, record); err != nil {
			metrics.VerificationsTotal.WithLabelValues("error").Inc()

			return models.VerifyResponse{}, err
		}
	}

	metrics.VerificationsTotal.WithLabelValues("valid").Inc()

	return models.VerifyResponse{
		Valid:              true,
		NeedsPasswordReset: needsReset,
		Groups:             record.Groups,
	}, nil
}

// ChangePassword replaces the user's password after verifying the current
// one. A successful change always returns the account to the normal state.
func (h *Handlers) ChangePassword(ctx context.Context, username string, oldPassword, newPassword models.SecretString) error {
	record := h.store.Get(username)
	if record == nil {
		metrics.PasswordChangesTotal.WithLabelValues("error").Inc()

		return ErrUsernameDoesNotExist
	}

	if _, err := h.advancePhase(ctx, username, record, true); err != nil {
		metrics.PasswordChangesTotal.WithLabelValues("reset_expired").Inc()

		return err
	}

	match, err := passhash.Verify(record.HashedPassword.Reveal(), oldPassword)
	if err != nil {
		metrics.PasswordChangesTotal.WithLabelValues("error").Inc()

		return fmt.Errorf("failed to verify password: %w", err)
	}

	if !match {
		metrics.PasswordChangesTotal.WithLabelValues("invalid").Inc()

		return ErrInvalidCredentials
	}

	hashed, err := passhash.Hash(newPassword)
	if err != nil {
		metrics.PasswordChangesTotal.WithLabelValues("error").Inc()

		return fmt.Errorf("failed to hash password: %w", err)
	}

	record.HashedPassword = models.NewSecret(hashed)
	record.PasswordReset = nil

	if err := h.store.Put(ctx, username, record); err != nil {
		metrics.PasswordChangesTotal.WithLabelValues("error").Inc()

		return err
	}

	metrics.PasswordChangesTotal.WithLabelValues("ok").Inc()
	h.log.Debug().Str("user", username).Msg("Password changed")

	return nil
}

// advancePhase runs the reset-phase state machine for the record. Denials
// (expired or locked) transition the stored record to locked and return
// ErrPasswordResetExpired. When the operation may proceed, the returned phase
// is the transition to persist after the password check succeeds (nil when
// there is nothing to stage).
//
// In change mode a still-valid reset or initial-login phase lets the change
// proceed; the phase itself is cleared by the caller once the new hash is
// stored. In verify mode the initial-login phase is consumed unconditionally:
// the temporary password is single use, so a second login locks the account
// even before its expiry.
func (h *Handlers) advancePhase(ctx context.Context, username string, record *models.UserRecord, change bool) (*models.ResetPhase, error) {
	phase := record.PasswordReset
	if phase == nil {
		return nil, nil
	}

	nowSecs := uint64(h.now().Unix())

	switch phase.Kind {
	case models.ResetPhaseReset:
		if nowSecs >= phase.ExpiresAt {
			return nil, h.lock(ctx, username, record)
		}

		if change {
			return nil, nil
		}

		return &models.ResetPhase{Kind: models.ResetPhaseInitialLogin, ExpiresAt: phase.ExpiresAt}, nil
	case models.ResetPhaseInitialLogin:
		if !change || nowSecs >= phase.ExpiresAt {
			return nil, h.lock(ctx, username, record)
		}

		return nil, nil
	case models.ResetPhaseLocked:
		return nil, ErrPasswordResetExpired
	default:
		return nil, fmt.Errorf("unknown password reset phase %d for user %s", phase.Kind, username)
	}
}

func (h *Handlers) lock(ctx context.Context, username string, record *models.UserRecord) error {
	record.PasswordReset = &models.ResetPhase{Kind: models.ResetPhaseLocked}

	if err := h.store.Put(ctx, username, record); err != nil {
		return fmt.Errorf("failed to lock user %s: %w", username, err)
	}

	h.log.Info().Str("user", username).Msg("Password reset expired, account locked")

	return ErrPasswordResetExpired
}

func (h *Handlers) expiry() uint64 {
	return uint64(h.now().Add(h.resetWindow).Unix())
}
