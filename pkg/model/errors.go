package model

import "errors"

var (
	// ErrProtocolViolation marks a malformed message or unknown op code.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrForbidden marks a replica claimed by another user or a write from
	// a read-only replica.
	ErrForbidden = errors.New("forbidden")

	// ErrFutureVersion marks an operation produced by a newer schema.
	ErrFutureVersion = errors.New("operation from a future schema version")

	// ErrMigrationPathNotFound is returned at startup when no sequence of
	// registered migrations leads from the stored schema to the current one.
	ErrMigrationPathNotFound = errors.New("migration path not found")

	// ErrConfiguration marks invalid startup configuration.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrImportIntegrity is returned when restored counts disagree with the
	// export they were restored from.
	ErrImportIntegrity = errors.New("import integrity mismatch")
)
