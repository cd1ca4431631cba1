// Package mem writes into mapped memory of the current process, lifting page
// protection only when a plain write is refused.
package mem

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"apihook/internal/log"
)

// winnt.h page protections
const (
	PAGE_NOACCESS          = 0x01
	PAGE_READONLY          = 0x02
	PAGE_READWRITE         = 0x04
	PAGE_WRITECOPY         = 0x08
	PAGE_EXECUTE           = 0x10
	PAGE_EXECUTE_READ      = 0x20
	PAGE_EXECUTE_READWRITE = 0x40
	PAGE_EXECUTE_WRITECOPY = 0x80
	PAGE_GUARD             = 0x100
)

var (
	// ErrNoAccess marks a write refused by page protection.
	ErrNoAccess = errors.New("page not writable")
	ErrPatch    = errors.New("memory patch failed")
	ErrFault    = errors.New("memory not readable")
)

// System is the write side of a process address space.
type System interface {
	// Write copies b to addr without touching page protection.
	Write(addr uintptr, b []byte) error
	// Protect sets the protection of the pages spanning [addr, addr+size)
	// and returns the previous protection.
	Protect(addr, size uintptr, prot uint32) (uint32, error)
}

// Writable reports whether prot allows writes.
func Writable(prot uint32) bool {
	switch prot &^ PAGE_GUARD {
	case PAGE_READWRITE, PAGE_WRITECOPY, PAGE_EXECUTE_READWRITE, PAGE_EXECUTE_WRITECOPY:
		return true
	}
	return false
}

// Readable reports whether prot allows reads.
func Readable(prot uint32) bool {
	return prot != 0 && prot&(PAGE_NOACCESS|PAGE_GUARD) == 0 && prot != PAGE_EXECUTE
}

var unlockProtections = []uint32{PAGE_WRITECOPY, PAGE_READWRITE}

// Patch writes b at addr. A write refused with ErrNoAccess is retried after
// making the pages writable; the old protection is restored afterwards and a
// failed restore does not fail the patch.
func Patch(sys System, addr uintptr, b []byte) error {
	err := sys.Write(addr, b)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNoAccess) {
		return errors.Wrapf(errors.Mark(err, ErrPatch), "write %#x", addr)
	}

	var size = uintptr(len(b))
	var old uint32
	for _, prot := range unlockProtections {
		if old, err = sys.Protect(addr, size, prot); err == nil {
			break
		}
	}
	if err != nil {
		return errors.Wrapf(errors.Mark(err, ErrPatch), "unprotect %#x", addr)
	}

	werr := sys.Write(addr, b)
	if _, err := sys.Protect(addr, size, old); err != nil {
		log.L().Debug("restore protection failed", log.FieldAddr(log.FieldNameAddr, addr), zap.Uint32("protect", old), log.FieldError(err))
	}
	if werr != nil {
		return errors.Wrapf(errors.Mark(werr, ErrPatch), "write %#x", addr)
	}
	return nil
}

// PatchPointer writes v as a little-endian value of size bytes (4 or 8).
func PatchPointer(sys System, addr uintptr, v uint64, size int) error {
	return Patch(sys, addr, Pointer(v, size))
}

func Pointer(v uint64, size int) []byte {
	var b = make([]byte, size)
	if size == 4 {
		binary.LittleEndian.PutUint32(b, uint32(v))
	} else {
		binary.LittleEndian.PutUint64(b, v)
	}
	return b
}

// Span returns the page-aligned span covering [ptr, ptr+size).
func Span(ptr uintptr, size int, pageSize uintptr) (uintptr, uintptr) {
	areaStart := ptr &^ (pageSize - 1)
	areaEnd := (ptr + uintptr(size) + pageSize - 1) &^ (pageSize - 1)

	return areaStart, areaEnd - areaStart
}
