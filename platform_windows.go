package apihook

import (
	"reflect"
	"runtime"
	"syscall"
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/windows"

	"apihook/internal/log"
	"apihook/internal/mem"
	"apihook/internal/module"
	"apihook/internal/stub"
)

var modkernel32 = windows.NewLazySystemDLL("kernel32.dll")
var procSetLastError = modkernel32.NewProc("SetLastError")

type osPlatform struct {
	mem.Process
}

func newPlatform() platform {
	var p = osPlatform{}
	p.warmUp()
	return p
}

// warmUp resolves every system procedure the platform calls, so no sweep
// ever triggers a library load through a hooked loader.
func (p osPlatform) warmUp() {
	if err := procSetLastError.Find(); err != nil {
		log.L().Warn("SetLastError unavailable", log.FieldFunction("SetLastError"))
	}
	module.Snapshot()
	p.self()
	p.moduleHandle("kernel32.dll")

	var probe [8]byte
	var addr = uintptr(unsafe.Pointer(&probe[0]))
	p.Read(addr, probe[:])
	p.Write(addr, probe[:])
	p.Protect(0, 0, mem.PAGE_READONLY)
	windows.VirtualAlloc(0, 0, 0, 0)
}

func (osPlatform) modules() ([]module.Module, error) {
	return module.Snapshot()
}

func (osPlatform) self() uintptr {
	h, err := module.FromAddress(reflect.ValueOf(newPlatform).Pointer())
	if err != nil {
		return 0
	}
	return h
}

func (osPlatform) moduleHandle(name string) uintptr {
	p, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return 0
	}
	var h windows.Handle
	if err := windows.GetModuleHandleEx(windows.GET_MODULE_HANDLE_EX_FLAG_UNCHANGED_REFCOUNT, p, &h); err != nil {
		return 0
	}
	return uintptr(h)
}

// procAddress goes through the runtime's own GetProcAddress import, which
// sits in the excluded image.
func (osPlatform) procAddress(mod uintptr, name string) uintptr {
	addr, err := windows.GetProcAddress(windows.Handle(mod), name)
	if err != nil {
		return 0
	}
	return addr
}

func (osPlatform) procAddressVia(fn, mod uintptr, name string) uintptr {
	p, err := windows.BytePtrFromString(name)
	if err != nil {
		return 0
	}
	r, _, _ := syscall.SyscallN(fn, mod, uintptr(unsafe.Pointer(p)))
	runtime.KeepAlive(p)
	return r
}

func (osPlatform) invoke(fn uintptr, args ...uintptr) (uintptr, error) {
	r, _, e := syscall.SyscallN(fn, args...)
	if r == 0 && e != 0 {
		return 0, e
	}
	return r, nil
}

func (osPlatform) exportStub(mod uintptr, size uint32, target uintptr) (uintptr, error) {
	addr, err := stub.Near(mod, size, target)
	if err != nil {
		return 0, errors.Mark(err, ErrExportRange)
	}
	return addr, nil
}

// setLastError hands the error of the real loader call back to the caller of
// a loader hook.
func setLastError(r uintptr, err error) uintptr {
	var e syscall.Errno
	if r == 0 && errors.As(err, &e) {
		syscall.SyscallN(procSetLastError.Addr(), uintptr(e))
	}
	return r
}

func (osPlatform) bootstrapTarget(r *registry, kind bootKind) Target {
	switch kind {
	case bootLoadLibraryExA, bootLoadLibraryExW:
		return Stdcall(func(name, file, flags uintptr) uintptr {
			return setLastError(r.hookedBoot(kind, name, file, flags))
		})
	case bootGetProcAddress:
		return Stdcall(func(mod, name uintptr) uintptr {
			return setLastError(r.hookedBoot(kind, mod, name))
		})
	default:
		return Stdcall(func(name uintptr) uintptr {
			return setLastError(r.hookedBoot(kind, name))
		})
	}
}
