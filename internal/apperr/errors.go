package apperr

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrLocked              = errors.New("keyring is locked")
	ErrExpired             = errors.New("entry expired")
	ErrLegacyKeyMissing    = errors.New("legacy key not present")
	ErrMigrationIncomplete = errors.New("migrated key missing or unverified")
	ErrInvalidSyncMode     = errors.New("invalid sync mode")
)
