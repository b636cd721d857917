package domain

import "errors"

var (
	// ErrInvalidState is returned when an attempt is not in the status an operation requires.
	ErrInvalidState = errors.New("attempt is not in a valid state for this operation")
	ErrNotFound     = errors.New("attempt not found")
	// ErrVersionConflict means a conditional write lost against a newer version.
	ErrVersionConflict    = errors.New("attempt version conflict")
	ErrDuplicateAttempt   = errors.New("attempt with this idempotence token and mailer already exists")
	ErrDuplicateMessageID = errors.New("message id already recorded on another attempt")
	ErrMissingFields      = errors.New("missing required fields")
	ErrInvalidStatus      = errors.New("invalid status")
)
