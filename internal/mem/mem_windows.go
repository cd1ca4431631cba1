package mem

import (
	"runtime/debug"
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/windows"
)

// Process is the current process address space.
type Process struct{}

func (Process) Write(addr uintptr, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	err := windows.WriteProcessMemory(windows.CurrentProcess(), addr, &b[0], uintptr(len(b)), nil)
	if errors.Is(err, windows.ERROR_NOACCESS) {
		return errors.Mark(err, ErrNoAccess)
	}
	return err
}

func (Process) Protect(addr, size uintptr, prot uint32) (uint32, error) {
	var old uint32
	err := windows.VirtualProtect(addr, size, prot, &old)
	return old, err
}

// Read copies committed, readable memory. The range is validated with
// VirtualQuery first; a fault that slips through (a concurrent unmap) is
// recovered and reported.
func (Process) Read(addr uintptr, b []byte) (err error) {
	if len(b) == 0 {
		return nil
	}
	if err := Validate(addr, uintptr(len(b))); err != nil {
		return err
	}

	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(ErrFault, "read %#x: %v", addr, r)
		}
	}()
	memcpy(uintptr(unsafe.Pointer(&b[0])), addr, len(b))
	return nil
}

// Validate checks that [addr, addr+n) is committed and readable.
func Validate(addr, n uintptr) error {
	for end := addr + n; addr < end; {
		mbi, err := Query(addr)
		if err != nil {
			return errors.Wrapf(errors.Mark(err, ErrFault), "query %#x", addr)
		}
		if mbi.State != windows.MEM_COMMIT || !Readable(mbi.Protect) {
			return errors.Wrapf(ErrFault, "%#x state %#x protect %#x", addr, mbi.State, mbi.Protect)
		}
		addr = mbi.BaseAddress + mbi.RegionSize
	}
	return nil
}

// Query returns the region information for addr.
func Query(addr uintptr) (windows.MemoryBasicInformation, error) {
	var mbi windows.MemoryBasicInformation
	err := windows.VirtualQuery(addr, &mbi, unsafe.Sizeof(mbi))
	return mbi, err
}

func memcpy(dst, src uintptr, size int) {
	var sdst = struct {
		array uintptr
		len   int
		cap   int
	}{
		array: dst,
		len:   size,
		cap:   size,
	}
	var ssrc = struct {
		array uintptr
		len   int
		cap   int
	}{
		array: src,
		len:   size,
		cap:   size,
	}
	n := copy(*(*[]byte)(unsafe.Pointer(&sdst)), *(*[]byte)(unsafe.Pointer(&ssrc)))
	if n != size {
		panic("memory copy failed")
	}
}
