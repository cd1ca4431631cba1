// Package module lists the images mapped into the current process.
package module

import (
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

// winnt.h memory type of pages mapped from an image file
const MEM_IMAGE = 0x1000000

var ErrUnsupported = errors.New("module enumeration not supported on this platform")

// Module is one loaded image.
type Module struct {
	Handle uintptr
	Size   uint32
	Name   string
	Path   string
}

// Exclude drops the module whose handle is self. A zero self drops nothing.
func Exclude(mods []Module, self uintptr) []Module {
	if self == 0 {
		return mods
	}
	return lo.Reject(mods, func(m Module, _ int) bool {
		return m.Handle == self
	})
}

// Handles returns the module handles in snapshot order.
func Handles(mods []Module) []uintptr {
	return lo.Map(mods, func(m Module, _ int) uintptr {
		return m.Handle
	})
}
