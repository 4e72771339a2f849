package handlers

import "errors"

// Error values returned by the handler layer. The message text is user
// visible on the wire, so these read as sentences rather than Go error
// strings.
var (
	// ErrUsernameTaken is returned when adding a user that already exists.
	ErrUsernameTaken = errors.New("Username already exists")
	// ErrInvalidCredentials is returned when a password does not match.
	ErrInvalidCredentials = errors.New("Invalid username or password")
	// ErrPasswordResetExpired is returned when the reset-phase state machine
	// denies an operation.
	ErrPasswordResetExpired = errors.New("Password reset has expired")
	// ErrUsernameDoesNotExist is returned when an operation targets a missing
	// user.
	ErrUsernameDoesNotExist = errors.New("Username does not exist")
)
