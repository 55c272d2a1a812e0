// Package apperr defines the error taxonomy shared by the xrun loop.
//
// Check categories with errors.Is:
//
//	if errors.Is(err, apperr.ErrCompile) {
//	    // per-file, recoverable
//	}
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the watched root, the program file or a
	// requested path does not exist.
	ErrNotFound = errors.New("not found")

	// ErrCompile is returned when the cross compiler rejects a source file.
	ErrCompile = errors.New("compile failed")

	// ErrSync is returned when an artifact could not be copied to the device.
	ErrSync = errors.New("sync failed")

	// ErrSupervisor is returned when the device program or the device tool
	// running it exits unsuccessfully.
	ErrSupervisor = errors.New("program exited")

	// ErrToolMissing is returned when mpremote or mpy-cross cannot be found
	// or executed.
	ErrToolMissing = errors.New("tool missing")

	// ErrToolHung is returned when an external tool had to be killed by a
	// forced interrupt.
	ErrToolHung = errors.New("tool did not finish")
)

// FileError reports a failure tied to one source file or artifact.
type FileError struct {
	Path   string
	Output string
	Err    error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if the loop cannot continue after err.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrToolMissing) ||
		errors.Is(err, ErrToolHung)
}

// IsRecoverable returns true if err only affects the current cycle.
func IsRecoverable(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	return errors.Is(err, ErrCompile) ||
		errors.Is(err, ErrSync) ||
		errors.Is(err, ErrSupervisor)
}
