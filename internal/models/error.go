package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Factor configuration errors
	ErrUnknownMethod  = errors.New("unknown authentication method")
	ErrUnknownBackend = errors.New("unknown storage backend")
	ErrInvalidConfig  = errors.New("invalid driver configuration")

	// Property access errors
	ErrUnknownProperty  = errors.New("unknown property")
	ErrPropertyReadOnly = errors.New("property is not editable")

	// Storage errors
	ErrStorageUnavailable = errors.New("storage backend unavailable")
	ErrNoUsername         = errors.New("no username bound to storage")

	// Step-up protocol errors
	ErrChallengeExpired  = errors.New("challenge expired")
	ErrChallengeNotFound = errors.New("challenge not found")

	// ErrNotSecured wraps ErrForbidden: refusing an action pending fresh
	// verification is the forbidden case of the step-up protocol.
	ErrNotSecured = fmt.Errorf("%w: session not in high-security mode", ErrForbidden)
)
