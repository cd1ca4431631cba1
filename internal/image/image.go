// Package image reads the headers and dispatch directories of a mapped PE image
// through a validated Memory view. Every read is bounds-checked against the
// image size so a damaged or unloaded image yields Invalid or Fault instead of
// a crash.
package image

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Memory copies len(b) bytes at addr into b. Implementations must return an
// error rather than fault when the range is not readable.
type Memory interface {
	Read(addr uintptr, b []byte) error
}

type Status uint8

const (
	Present Status = iota
	Absent
	Invalid
	Fault
)

func (s Status) String() string {
	switch s {
	case Present:
		return "present"
	case Absent:
		return "absent"
	case Invalid:
		return "invalid"
	case Fault:
		return "fault"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

var (
	ErrBounds    = errors.New("rva outside image")
	ErrMalformed = errors.New("malformed image")
	ErrNotFound  = errors.New("name not found")
)

const (
	MaxLibraryName = 256
	MaxSymbolName  = 512
)

type Image struct {
	mem  Memory
	base uintptr
	size uint32
	is64 bool
	dirs [IMAGE_NUMBEROF_DIRECTORY_ENTRIES]IMAGE_DATA_DIRECTORY
	ndir uint32
}

// Open validates the headers of the image mapped at base.
func Open(mem Memory, base uintptr) (*Image, Status) {
	img, err := open(mem, base)
	if err != nil {
		return nil, statusOf(err)
	}
	return img, Present
}

func open(mem Memory, base uintptr) (*Image, error) {
	dos, err := read[IMAGE_DOS_HEADER](mem, base)
	if err != nil {
		return nil, err
	}
	if dos.E_magic != IMAGE_DOS_SIGNATURE {
		return nil, errors.Wrapf(ErrMalformed, "dos magic %#x", dos.E_magic)
	}
	if dos.E_lfanew < int32(sizeof[IMAGE_DOS_HEADER]()) || dos.E_lfanew > 0x10000000 {
		return nil, errors.Wrapf(ErrMalformed, "e_lfanew %#x", dos.E_lfanew)
	}

	var nt = base + uintptr(dos.E_lfanew)
	prefix, err := read[IMAGE_NT_HEADERS_PREFIX](mem, nt)
	if err != nil {
		return nil, err
	}
	if prefix.Signature != IMAGE_NT_SIGNATURE {
		return nil, errors.Wrapf(ErrMalformed, "nt signature %#x", prefix.Signature)
	}

	var img = &Image{mem: mem, base: base}
	var hdrEnd uint32
	switch prefix.Magic {
	case IMAGE_NT_OPTIONAL_HDR32_MAGIC:
		h, err := read[IMAGE_NT_HEADERS32](mem, nt)
		if err != nil {
			return nil, err
		}
		img.size = h.OptionalHeader.SizeOfImage
		img.ndir = h.OptionalHeader.NumberOfRvaAndSizes
		img.dirs = h.OptionalHeader.DataDirectory
		hdrEnd = uint32(dos.E_lfanew) + sizeof[IMAGE_NT_HEADERS32]()
	case IMAGE_NT_OPTIONAL_HDR64_MAGIC:
		h, err := read[IMAGE_NT_HEADERS64](mem, nt)
		if err != nil {
			return nil, err
		}
		img.is64 = true
		img.size = h.OptionalHeader.SizeOfImage
		img.ndir = h.OptionalHeader.NumberOfRvaAndSizes
		img.dirs = h.OptionalHeader.DataDirectory
		hdrEnd = uint32(dos.E_lfanew) + sizeof[IMAGE_NT_HEADERS64]()
	default:
		return nil, errors.Wrapf(ErrMalformed, "optional header magic %#x", prefix.Magic)
	}
	if img.size < hdrEnd {
		return nil, errors.Wrapf(ErrMalformed, "size of image %#x", img.size)
	}
	if img.ndir > IMAGE_NUMBEROF_DIRECTORY_ENTRIES {
		img.ndir = IMAGE_NUMBEROF_DIRECTORY_ENTRIES
	}
	return img, nil
}

func statusOf(err error) Status {
	switch {
	case err == nil:
		return Present
	case errors.IsAny(err, ErrBounds, ErrMalformed):
		return Invalid
	default:
		return Fault
	}
}

func (img *Image) Base() uintptr { return img.base }

func (img *Image) Size() uint32 { return img.size }

func (img *Image) Is64() bool { return img.is64 }

func (img *Image) PointerSize() int {
	if img.is64 {
		return 8
	}
	return 4
}

// Directory returns the i'th data directory, Absent when it is empty.
func (img *Image) Directory(i int) (IMAGE_DATA_DIRECTORY, Status) {
	if i < 0 || uint32(i) >= img.ndir {
		return IMAGE_DATA_DIRECTORY{}, Absent
	}
	var d = img.dirs[i]
	if d.VirtualAddress == 0 || d.Size == 0 {
		return d, Absent
	}
	if err := img.check(d.VirtualAddress, 1); err != nil {
		return d, Invalid
	}
	return d, Present
}

func (img *Image) check(rva uint32, n uint32) error {
	if uint64(rva)+uint64(n) > uint64(img.size) {
		return errors.Wrapf(ErrBounds, "rva %#x+%#x, size of image %#x", rva, n, img.size)
	}
	return nil
}

// Read copies image bytes at rva.
func (img *Image) Read(rva uint32, b []byte) error {
	if err := img.check(rva, uint32(len(b))); err != nil {
		return err
	}
	return img.mem.Read(img.base+uintptr(rva), b)
}

func (img *Image) ReadUint16(rva uint32) (uint16, error) {
	if err := img.check(rva, 2); err != nil {
		return 0, err
	}
	return read[WORD](img.mem, img.base+uintptr(rva))
}

func (img *Image) ReadUint32(rva uint32) (uint32, error) {
	if err := img.check(rva, 4); err != nil {
		return 0, err
	}
	return read[DWORD](img.mem, img.base+uintptr(rva))
}

// ReadPointer reads a pointer-sized value of the image's bitness.
func (img *Image) ReadPointer(rva uint32) (uint64, error) {
	if !img.is64 {
		v, err := img.ReadUint32(rva)
		return uint64(v), err
	}
	if err := img.check(rva, 8); err != nil {
		return 0, err
	}
	return read[ULONGLONG](img.mem, img.base+uintptr(rva))
}

// ReadString reads a NUL-terminated string of at most limit bytes.
func (img *Image) ReadString(rva uint32, limit int) (string, error) {
	const chunk = 64

	var out []byte
	var buf [chunk]byte
	for len(out) < limit {
		if rva >= img.size {
			return "", errors.Wrapf(ErrBounds, "unterminated string at %#x", rva)
		}
		n := min(uint32(chunk), img.size-rva, uint32(limit-len(out)))
		if err := img.Read(rva, buf[:n]); err != nil {
			return "", err
		}
		for i := uint32(0); i < n; i++ {
			if buf[i] == 0 {
				return string(append(out, buf[:i]...)), nil
			}
		}
		out = append(out, buf[:n]...)
		rva += n
	}
	return "", errors.Wrapf(ErrMalformed, "string longer than %d bytes", limit)
}
