package models

import (
	"errors"
	"fmt"
)

// Envelope is the generic response wrapper shared by every transport. When
// Success is false, Message explains the failure and Response is absent. When
// Success is true, Response carries the payload for operations that have one.
type Envelope[T any] struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Response *T     `json:"response,omitempty"`
}

// OK builds a successful envelope with a payload.
func OK[T any](message string, response T) Envelope[T] {
	return Envelope[T]{Success: true, Message: message, Response: &response}
}

// OKEmpty builds a successful envelope with no payload.
func OKEmpty[T any](message string) Envelope[T] {
	return Envelope[T]{Success: true, Message: message}
}

// Failure builds an error envelope.
func Failure[T any](message string) Envelope[T] {
	return Envelope[T]{Success: false, Message: message}
}

// IntoRequired unwraps an envelope whose operation must carry a payload. A
// successful envelope without a payload is a programmer error on the server
// side and is reported loudly.
func (e Envelope[T]) IntoRequired() (T, error) {
	var zero T

	if !e.Success {
		return zero, errors.New(e.Message)
	}

	if e.Response == nil {
		return zero, fmt.Errorf("response was successful but contained no response body: %s", e.Message)
	}

	return *e.Response, nil
}

// IntoEmpty unwraps an envelope for an ack-only operation.
func (e Envelope[T]) IntoEmpty() error {
	if !e.Success {
		return errors.New(e.Message)
	}

	return nil
}

// EmptyResponse is the payload type for operations that return nothing.
type EmptyResponse struct{}

// VerifyRequest is a credential challenge.
type VerifyRequest struct {
	Username string       `json:"username"`
	Password SecretString `json:"password"`
}

// VerifyResponse answers a credential challenge. Valid is false both for a
// wrong password and for an expired reset; NeedsPasswordReset distinguishes
// the two.
type VerifyResponse struct {
	Valid              bool     `json:"valid"`
	Message            string   `json:"message"`
	NeedsPasswordReset bool     `json:"needs_password_reset"`
	Groups             []string `json:"groups"`
}

// ChangePasswordRequest asks to replace a user's password, authenticating with
// the current one.
type ChangePasswordRequest struct {
	Username    string       `json:"username"`
	OldPassword SecretString `json:"old_password"`
	NewPassword SecretString `json:"new_password"`
}

// AddUserRequest creates a new user.
type AddUserRequest struct {
	Username            string       `json:"username"`
	Password            SecretString `json:"password"`
	Groups              []string     `json:"groups"`
	ForcePasswordChange bool         `json:"force_password_change"`
}

// GetUserRequest fetches a single user.
type GetUserRequest struct {
	Username string `json:"username"`
}

// DeleteUserRequest removes a user and its history.
type DeleteUserRequest struct {
	Username string `json:"username"`
}

// ResetPasswordRequest starts the password-reset lifecycle for a user.
type ResetPasswordRequest struct {
	Username string `json:"username"`
}

// ResetPasswordResponse carries the generated temporary password and its
// absolute expiry in seconds since the unix epoch. This is the only response
// containing a plaintext secret.
type ResetPasswordResponse struct {
	TempPassword SecretString `json:"temp_password"`
	ExpiresAt    uint64       `json:"expires_at"`
}

// GroupModifyRequest adds or removes groups for a user.
type GroupModifyRequest struct {
	Username string   `json:"username"`
	Groups   []string `json:"groups"`
}

// GroupResponse is the full group set after a modification.
type GroupResponse struct {
	Groups []string `json:"groups"`
}

// UserResponse is the admin view of a user. PasswordChangePhase is nil for an
// account in normal state.
type UserResponse struct {
	Username            string      `json:"username"`
	Groups              []string    `json:"groups"`
	PasswordChangePhase *ResetPhase `json:"password_change_phase,omitempty"`
}

// UserListResponse is the list of all usernames.
type UserListResponse struct {
	Users []string `json:"users"`
}
