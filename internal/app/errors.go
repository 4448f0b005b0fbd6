package app

import "errors"

// Messages are shown to clients as-is.
var (
	ErrMissingDetails     = errors.New("Missing Details")
	ErrAccountExists      = errors.New("Account already exists")
	ErrMissingCredentials = errors.New("Missing credentials")
	ErrPasswordTooLong    = errors.New("Password must be at most 72 bytes")

	// ErrInvalidCredentials covers both unknown email and wrong password so
	// the response does not reveal which accounts exist.
	ErrInvalidCredentials = errors.New("Invalid Credentials")

	ErrTokenRequired = errors.New("No token provided")
	ErrInvalidToken  = errors.New("Invalid or expired token")
	ErrUserNotFound  = errors.New("User not found")

	ErrReceiverRequired = errors.New("Receiver is required")
	ErrReceiverNotFound = errors.New("Receiver not found")
	ErrEmptyMessage     = errors.New("Message or image is required")
	ErrMessageNotFound  = errors.New("Message not found")
	ErrInvalidImage     = errors.New("Invalid image")
)

var publicErrors = []error{
	ErrMissingDetails,
	ErrAccountExists,
	ErrMissingCredentials,
	ErrPasswordTooLong,
	ErrInvalidCredentials,
	ErrTokenRequired,
	ErrInvalidToken,
	ErrUserNotFound,
	ErrReceiverRequired,
	ErrReceiverNotFound,
	ErrEmptyMessage,
	ErrMessageNotFound,
	ErrInvalidImage,
}

// IsPublic reports whether err carries a message meant for clients.
func IsPublic(err error) bool {
	for _, target := range publicErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
