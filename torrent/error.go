package torrent

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
)

var (
	// ErrTorrentNotFound is returned when there is no torrent with the given id in the session.
	ErrTorrentNotFound = errors.New("torrent not found")
	// ErrFileNotFound is returned when the file index is out of range or the metadata is not known yet.
	ErrFileNotFound = errors.New("file not found")
	// ErrSessionStopped is returned from operations that need a running engine.
	ErrSessionStopped = errors.New("session is not running")
	// ErrMagnetCancelled is returned to callers waiting on a magnet fetch that is cancelled.
	// It matches context.Canceled with errors.Is.
	ErrMagnetCancelled = fmt.Errorf("magnet fetch cancelled: %w", context.Canceled)
	// ErrMetadataTooLarge is returned when fetched metadata exceeds Config.MaxMetadataSize.
	ErrMetadataTooLarge = errors.New("metadata is too large")
)

// InputError is returned from Session.AddTorrent and Session.AddURI methods when there is problem with the input.
type InputError struct {
	err error
}

func newInputError(err error) *InputError {
	return &InputError{
		err: err,
	}
}

// Error implements error interface.
func (e *InputError) Error() string {
	return "input error: " + e.err.Error()
}

// Unwrap returns the underlying error.
func (e *InputError) Unwrap() error {
	return e.err
}

// ValidationError is returned when the input is well-formed but inconsistent, like a priority list that does not match the file count.
type ValidationError struct {
	msg string
}

func newValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.msg
}

// ResourceError is returned when there is not enough free space for the wanted files.
type ResourceError struct {
	Path      string
	Required  int64
	Available int64
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("not enough free space in %q: required %d bytes, available %d bytes", e.Path, e.Required, e.Available)
}

// TimeoutError is returned when an operation does not complete in the configured time.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	return "timeout: " + e.Op
}

// Timeout is for compatibility with net.Error.
func (e *TimeoutError) Timeout() bool { return true }

// isUnusable returns true if the error means the persisted record can never be restored.
func isUnusable(err error) bool {
	var ie *InputError
	var ve *ValidationError
	return errors.As(err, &ie) || errors.As(err, &ve) || errors.Is(err, fs.ErrNotExist)
}
