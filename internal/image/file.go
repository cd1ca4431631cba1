package image

import (
	"bytes"
	"debug/pe"
	"os"

	"github.com/cockroachdb/errors"
	mmap "github.com/edsrzf/mmap-go"
)

// File is an image file mapped read-only. It implements Memory in RVA
// space: address 0 is the image base.
type File struct {
	f        *os.File
	m        mmap.MMap
	headers  uint32
	sections []pe.SectionHeader
}

func OpenFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "mmap %s", path)
	}
	file, err := newFile(m)
	if err != nil {
		m.Unmap()
		f.Close()
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	file.f = f
	return file, nil
}

// NewFile wraps raw image file bytes.
func NewFile(b []byte) (*File, error) {
	return newFile(b)
}

func newFile(b []byte) (*File, error) {
	p, err := pe.NewFile(bytes.NewReader(b))
	if err != nil {
		return nil, errors.Mark(err, ErrMalformed)
	}
	defer p.Close()

	var file = &File{m: b}
	switch h := p.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		file.headers = h.SizeOfHeaders
	case *pe.OptionalHeader64:
		file.headers = h.SizeOfHeaders
	default:
		return nil, errors.Wrap(ErrMalformed, "no optional header")
	}
	for _, s := range p.Sections {
		file.sections = append(file.sections, s.SectionHeader)
	}
	return file, nil
}

// Image opens the mapped file through the image reader.
func (f *File) Image() (*Image, Status) {
	return Open(f, 0)
}

func (f *File) Read(addr uintptr, b []byte) error {
	for len(b) > 0 {
		n, err := f.readAt(uint32(addr), b)
		if err != nil {
			return err
		}
		b = b[n:]
		addr += uintptr(n)
	}
	return nil
}

// readAt copies the part of b that lies in one section, in the headers or
// in a gap.
func (f *File) readAt(rva uint32, b []byte) (int, error) {
	if rva < f.headers {
		if rva >= uint32(len(f.m)) {
			return 0, errors.Wrapf(ErrBounds, "header rva %#x", rva)
		}
		return copy(b[:min(len(b), int(f.headers-rva))], f.m[rva:]), nil
	}
	for _, s := range f.sections {
		var vsize = max(s.VirtualSize, s.Size)
		if rva < s.VirtualAddress || rva >= s.VirtualAddress+vsize {
			continue
		}
		var off = rva - s.VirtualAddress
		var n = min(len(b), int(vsize-off))
		if off >= s.Size {
			clear(b[:n])
			return n, nil
		}
		n = min(n, int(s.Size-off))
		var start = int64(s.Offset) + int64(off)
		if start+int64(n) > int64(len(f.m)) {
			return 0, errors.Wrapf(ErrBounds, "section %s raw data past end of file", s.Name)
		}
		return copy(b[:n], f.m[start:]), nil
	}
	// gap between sections or tail of the image: zero filled, as mapped
	var n = len(b)
	for _, s := range f.sections {
		if s.VirtualAddress > rva {
			n = min(n, int(s.VirtualAddress-rva))
		}
	}
	clear(b[:n])
	return n, nil
}

func (f *File) Close() error {
	if f.f == nil {
		return nil
	}
	err := f.m.Unmap()
	if cerr := f.f.Close(); err == nil {
		err = cerr
	}
	f.f = nil
	return err
}
