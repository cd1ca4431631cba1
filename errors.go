package apihook

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrResolution means the library is not loaded or does not export the
	// function; the hook stays unresolved.
	ErrResolution = errors.New("function could not be resolved")
	// ErrEnumeration means the loaded modules could not be listed.
	ErrEnumeration = errors.New("module enumeration failed")
	// ErrDirectoryFault means an image's headers or directories could not be
	// read or failed validation.
	ErrDirectoryFault = errors.New("image directory unreadable")
	// ErrPatchFailure means a dispatch slot could not be written.
	ErrPatchFailure = errors.New("dispatch slot patch failed")
	// ErrNotFound means the image has no matching dispatch slot.
	ErrNotFound = errors.New("no matching dispatch slot")
	// ErrExcluded means the image is the one hosting this package.
	ErrExcluded = errors.New("image hosting apihook is excluded")
	// ErrExportRange means the target cannot be expressed as an export
	// table entry of the image.
	ErrExportRange = errors.New("target out of export table range")
	ErrUnsupported = errors.New("not supported on this platform")
	ErrBootstrap   = errors.New("loader hooks cannot be removed")
)
