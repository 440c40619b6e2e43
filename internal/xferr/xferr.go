// Package xferr defines the stable error-kind taxonomy shared by every
// component of the transfer engine. Callers branch on kind with errors.Is,
// never on message text.
package xferr

import "errors"

// Input errors.
var (
	ErrInvalidChunkIndex = errors.New("invalid_chunk_index")
	ErrInvalidConfig     = errors.New("invalid_config")
	ErrInvalidState      = errors.New("invalid_state")
)

// I/O errors.
var (
	ErrFileNotFound     = errors.New("file_not_found")
	ErrFileAccessDenied = errors.New("file_access_denied")
	ErrFileReadError    = errors.New("file_read_error")
	ErrFileWriteError   = errors.New("file_write_error")
	ErrRenameFailed     = errors.New("rename_failed")
)

// Integrity errors.
var (
	ErrChecksumMismatch = errors.New("checksum_mismatch")
	ErrHashMismatch     = errors.New("hash_mismatch")
)

// Resource errors.
var (
	ErrQuotaExceeded = errors.New("quota_exceeded")
	ErrFileTooLarge  = errors.New("file_too_large")
	ErrNoSession     = errors.New("no_session")
)

// Assembler-specific errors not already covered above.
var (
	ErrAlreadyExists = errors.New("already_exists")
	ErrUnknownSession = errors.New("unknown_session")
	ErrOutOfRange     = errors.New("out_of_range")
	ErrIncomplete     = errors.New("incomplete")
)

// Resume handler errors.
var (
	ErrNotFound = errors.New("not_found")
	ErrCorrupt  = errors.New("corrupt")
)
