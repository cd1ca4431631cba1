//go:build windows

// Command apihookdemo redirects user32!MessageBoxW and shows a message box
// through the hook and again after the hook is gone.
package main

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"

	"github.com/lxn/win"
	"golang.org/x/sys/windows"

	"apihook"
)

var caption = windows.StringToUTF16Ptr("MessageBoxW, hooked!")

func main() {
	user32, err := windows.LoadLibrary("user32.dll")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer windows.FreeLibrary(user32)

	// The import slots of this executable are never patched, so the demo
	// redirects the export table too and resolves MessageBoxW afterwards.
	var h *apihook.Hook
	h = apihook.New("user32.dll", "MessageBoxW", apihook.Stdcall(func(hwnd, text, _, typ uintptr) uintptr {
		r, _, _ := h.Call(hwnd, text, uintptr(unsafe.Pointer(caption)), typ)
		return r
	}))
	if h.State() != apihook.Installed {
		fmt.Fprintln(os.Stderr, "hook", h)
		os.Exit(1)
	}
	if err := apihook.ReplaceExportEntry(uintptr(user32), "MessageBoxW", h.Target().Addr()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	show("Testing the hook")

	if err := apihook.ReplaceExportEntry(uintptr(user32), "MessageBoxW", h.Original()); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	if err := h.Close(); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}

	show("Testing without the hook")
	win.MessageBox(0, windows.StringToUTF16Ptr("Done"), windows.StringToUTF16Ptr("apihookdemo"), win.MB_OK)
}

// show calls MessageBoxW as looked up right now.
func show(text string) {
	var proc = windows.NewLazySystemDLL("user32.dll").NewProc("MessageBoxW")
	if err := proc.Find(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	syscall.SyscallN(proc.Addr(), 0,
		uintptr(unsafe.Pointer(windows.StringToUTF16Ptr(text))),
		uintptr(unsafe.Pointer(windows.StringToUTF16Ptr("This is the caption"))),
		win.MB_OK)
}
