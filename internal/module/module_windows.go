package module

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/windows"

	"apihook/internal/mem"
)

// Snapshot lists the modules of the current process in load order.
func Snapshot() ([]Module, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPMODULE|windows.TH32CS_SNAPMODULE32, 0)
	if err != nil {
		return nil, errors.Wrap(err, "CreateToolhelp32Snapshot")
	}
	defer windows.CloseHandle(snap)

	var entry windows.ModuleEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	if err := windows.Module32First(snap, &entry); err != nil {
		return nil, errors.Wrap(err, "Module32First")
	}

	var mods []Module
	for {
		mods = append(mods, Module{
			Handle: uintptr(entry.ModuleHandle),
			Size:   entry.ModBaseSize,
			Name:   windows.UTF16ToString(entry.Module[:]),
			Path:   windows.UTF16ToString(entry.ExePath[:]),
		})
		if err := windows.Module32Next(snap, &entry); err != nil {
			if errors.Is(err, windows.ERROR_NO_MORE_FILES) {
				return mods, nil
			}
			return mods, errors.Wrap(err, "Module32Next")
		}
	}
}

// FromAddress returns the handle of the module containing addr.
func FromAddress(addr uintptr) (uintptr, error) {
	mbi, err := mem.Query(addr)
	if err != nil {
		return 0, errors.Wrapf(err, "VirtualQuery %#x", addr)
	}
	if mbi.Type != MEM_IMAGE {
		return 0, errors.Newf("%#x is not inside an image", addr)
	}
	return mbi.AllocationBase, nil
}
