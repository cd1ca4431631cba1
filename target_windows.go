package apihook

import (
	"golang.org/x/sys/windows"
)

// Stdcall exposes fn, a func taking and returning uintptr-sized values, as
// native code with the stdcall convention. The callback is never freed.
func Stdcall(fn any) Target {
	return Target{kind: KindStdcall, addr: windows.NewCallback(fn), fn: fn}
}

// Cdecl is Stdcall for the cdecl convention.
func Cdecl(fn any) Target {
	return Target{kind: KindCdecl, addr: windows.NewCallbackCDecl(fn), fn: fn}
}
