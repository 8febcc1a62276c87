// Package common defines the sentinel errors and small helpers shared by the
// account pool components. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Store errors.
	ErrStoreMissing = errors.New("pool store missing")
	ErrStoreCorrupt = errors.New("pool store corrupt")
	ErrLockTimeout  = errors.New("pool lock timeout")

	// Allocation errors.
	ErrPoolExhausted = errors.New("pool exhausted")

	// Record errors.
	ErrRecordNotFound      = errors.New("record not found")
	ErrDuplicateIdentifier = errors.New("duplicate identifier")
	ErrInvalidCount        = errors.New("invalid count")

	// ErrBackupDisabled is returned when a snapshot is requested without
	// configured object storage.
	ErrBackupDisabled = errors.New("backup disabled")
	// ErrAuditDisabled is returned when the journal is read without a
	// configured database.
	ErrAuditDisabled = errors.New("audit journal disabled")
)
