//go:build !windows

package module

func Snapshot() ([]Module, error) {
	return nil, ErrUnsupported
}

func FromAddress(addr uintptr) (uintptr, error) {
	return 0, ErrUnsupported
}
