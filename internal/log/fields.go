package log

import (
	"fmt"

	"go.uber.org/zap"
)

const (
	FieldNameModule   = "module"
	FieldNameLibrary  = "library"
	FieldNameFunction = "function"
	FieldNameAddr     = "addr"
	FieldNameError    = "error"
)

type hex uintptr

func (h hex) String() string {
	return fmt.Sprintf("%#x", uintptr(h))
}

// FieldModule returns a zap field with the module handle.
func FieldModule(handle uintptr) zap.Field {
	return zap.Stringer(FieldNameModule, hex(handle))
}

// FieldLibrary returns a zap field with the imported library name.
func FieldLibrary(lib string) zap.Field {
	return zap.String(FieldNameLibrary, lib)
}

// FieldFunction returns a zap field with the function name.
func FieldFunction(fn string) zap.Field {
	return zap.String(FieldNameFunction, fn)
}

func FieldAddr(key string, addr uintptr) zap.Field {
	return zap.Stringer(key, hex(addr))
}

// FieldError returns the error message alone, without the stack and
// details zap.Error would add for wrapped errors.
func FieldError(err error) zap.Field {
	if err == nil {
		return zap.Skip()
	}
	return zap.String(FieldNameError, err.Error())
}
