//go:build !windows

package apihook

import (
	"apihook/internal/module"
)

// unsupported leaves every hook unresolved.
type unsupported struct{}

func newPlatform() platform {
	return unsupported{}
}

func (unsupported) Read(addr uintptr, b []byte) error { return ErrUnsupported }

func (unsupported) Write(addr uintptr, b []byte) error { return ErrUnsupported }

func (unsupported) Protect(addr, size uintptr, prot uint32) (uint32, error) {
	return 0, ErrUnsupported
}

func (unsupported) modules() ([]module.Module, error) { return nil, module.ErrUnsupported }

func (unsupported) self() uintptr { return 0 }

func (unsupported) moduleHandle(name string) uintptr { return 0 }

func (unsupported) procAddress(mod uintptr, name string) uintptr { return 0 }

func (unsupported) procAddressVia(fn, mod uintptr, name string) uintptr { return 0 }

func (unsupported) invoke(fn uintptr, args ...uintptr) (uintptr, error) {
	return 0, ErrUnsupported
}

func (unsupported) exportStub(mod uintptr, size uint32, target uintptr) (uintptr, error) {
	return 0, ErrUnsupported
}

func (unsupported) bootstrapTarget(r *registry, kind bootKind) Target {
	return Address(0)
}
