package apihook

import (
	"fmt"
)

type Kind uint8

const (
	// KindAddress is a raw code address.
	KindAddress Kind = iota
	// KindStdcall is a Go function exposed with the stdcall convention.
	KindStdcall
	// KindCdecl is a Go function exposed with the cdecl convention.
	KindCdecl
)

func (k Kind) String() string {
	switch k {
	case KindAddress:
		return "address"
	case KindStdcall:
		return "stdcall"
	case KindCdecl:
		return "cdecl"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Target is what a hooked dispatch slot points at.
type Target struct {
	kind Kind
	addr uintptr
	fn   any
}

// Address wraps a raw code address.
func Address(addr uintptr) Target {
	return Target{kind: KindAddress, addr: addr}
}

func (t Target) Kind() Kind { return t.kind }

// Addr is the address written into dispatch slots.
func (t Target) Addr() uintptr { return t.addr }

// Func returns the Go function behind a callback target, nil for KindAddress.
func (t Target) Func() any { return t.fn }

func (t Target) String() string {
	return fmt.Sprintf("%s@%#x", t.kind, t.addr)
}
