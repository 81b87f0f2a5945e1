package storage

import "errors"

var (
	// ErrNotFound is returned when a lookup by id finds no row.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateID is returned by Insert when the id already exists.
	ErrDuplicateID = errors.New("duplicate id")
	// ErrNotDead is returned by RetryFromDLQ when the job is not in state dead.
	ErrNotDead = errors.New("job is not in the dead state")
	// ErrInvalidConfigValue is returned by SetConfig when the value fails
	// the type/range check for its key.
	ErrInvalidConfigValue = errors.New("invalid config value")
	// ErrUnknownConfigKey is returned by SetConfig for an unrecognized key.
	ErrUnknownConfigKey = errors.New("unknown config key")
)
