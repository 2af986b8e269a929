package elfscope

import (
	"errors"
	"fmt"
)

var (
	// ErrFormat is returned when the container magic or header is not
	// recognized or the image is truncated.
	ErrFormat = errors.New("unrecognized binary format")

	// ErrSectionMissing is returned when the image has no executable section.
	ErrSectionMissing = errors.New("no executable section found")

	// ErrRootNotFound is returned when no call tree root can be selected.
	ErrRootNotFound = errors.New("call tree root not found")

	// ErrDecode is wrapped by every instruction decoding failure.
	ErrDecode = errors.New("instruction decode failed")

	// ErrLibraryUnresolved is wrapped by every library that could not be
	// located or parsed on the search paths.
	ErrLibraryUnresolved = errors.New("library unresolved")

	// ErrUnsupportedArch is returned when the image machine is not x86-64.
	ErrUnsupportedArch = errors.New("unsupported architecture")
)

// DecodeError reports the address at which decoding stopped.
type DecodeError struct {
	Addr uint64
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%v at 0x%x: %v", ErrDecode, e.Addr, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrDecode, e.Err}
}

// LibraryError reports a dependency that could not be used during the
// closure walk.
type LibraryError struct {
	Soname string
	Path   string
	Err    error
}

func (e *LibraryError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%v: %s: %v", ErrLibraryUnresolved, e.Soname, e.Err)
	}
	return fmt.Sprintf("%v: %s (%s): %v", ErrLibraryUnresolved, e.Soname, e.Path, e.Err)
}

func (e *LibraryError) Unwrap() []error {
	return []error{ErrLibraryUnresolved, e.Err}
}
