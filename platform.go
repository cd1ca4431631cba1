package apihook

import (
	"apihook/internal/image"
	"apihook/internal/mem"
	"apihook/internal/module"
)

// platform is the process the registry patches.
type platform interface {
	image.Memory
	mem.System

	// modules lists the loaded images in load order.
	modules() ([]module.Module, error)
	// self returns the image hosting this package, 0 if unknown.
	self() uintptr
	// moduleHandle finds a loaded image by name without loading it.
	moduleHandle(name string) uintptr
	// procAddress is the raw resolution primitive. It must never go
	// through a dispatch slot this package may have patched.
	procAddress(module uintptr, name string) uintptr
	// procAddressVia resolves by calling the GetProcAddress at fn.
	procAddressVia(fn, module uintptr, name string) uintptr
	// invoke calls native code at fn.
	invoke(fn uintptr, args ...uintptr) (uintptr, error)
	// exportStub returns code jumping to target that an export slot of the
	// image [module, module+size) can reach.
	exportStub(module uintptr, size uint32, target uintptr) (uintptr, error)
	// bootstrapTarget wraps the loader hook body for kind.
	bootstrapTarget(r *registry, kind bootKind) Target
}
