// Package common defines sentinel errors shared by every bucketkeeper layer.
// Callers should use errors.Is to match these values.
package common

import (
	"errors"
	"fmt"
)

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Configuration / credential errors. Never retried automatically.
	ErrMissingCredential = errors.New("missing credential")
	ErrUnknownProvider   = errors.New("unknown provider")
	ErrInvalidArgument   = errors.New("invalid argument")

	// Pipeline and queue flow control.
	ErrSyncInProgress         = errors.New("sync already in progress")
	ErrMovesInProgress        = errors.New("moves in progress")
	ErrDestinationUnavailable = errors.New("destination unavailable")
	ErrCancelledByUser        = errors.New("cancelled by user")
	ErrUploadSessionGone      = errors.New("upload session gone")

	// Command boundary.
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidToken = errors.New("invalid token")
	ErrVaultLocked  = errors.New("vault locked")
)

// MissingCredentialError names the configuration field that is absent for
// the active provider.
type MissingCredentialError struct {
	Provider string
	Field    string
}

func (e *MissingCredentialError) Error() string {
	return fmt.Sprintf("%s: %s is required for provider %s", ErrMissingCredential, e.Field, e.Provider)
}

func (e *MissingCredentialError) Unwrap() error {
	return ErrMissingCredential
}
