package image

import (
	"unsafe"
)

type Literal interface {
	IMAGE_DOS_HEADER | IMAGE_NT_HEADERS_PREFIX | IMAGE_NT_HEADERS32 | IMAGE_NT_HEADERS64 |
		IMAGE_SECTION_HEADER | IMAGE_IMPORT_DESCRIPTOR | IMAGE_EXPORT_DIRECTORY |
		WORD | DWORD | ULONGLONG
}

// to reinterprets the bytes of v as a T, v must hold at least sizeof(T) bytes.
func to[T Literal](v []byte) T {
	return *(*T)(unsafe.Pointer(unsafe.SliceData(v)))
}

// bytesOf exposes the storage of p as a byte slice.
func bytesOf[T Literal](p *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), unsafe.Sizeof(*p))
}

func sizeof[T Literal]() uint32 {
	var v T
	return uint32(unsafe.Sizeof(v))
}

func read[T Literal](m Memory, addr uintptr) (T, error) {
	var v T
	err := m.Read(addr, bytesOf(&v))
	return v, err
}
