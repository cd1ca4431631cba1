package fakeproc

import (
	"strings"

	"apihook/internal/fakepe"
)

const (
	Kernel32 = "kernel32.dll"

	LOAD_LIBRARY_AS_DATAFILE           = 0x00000002
	LOAD_LIBRARY_AS_IMAGE_RESOURCE     = 0x00000020
	LOAD_LIBRARY_AS_DATAFILE_EXCLUSIVE = 0x00000040

	ERROR_MOD_NOT_FOUND  = 126
	ERROR_PROC_NOT_FOUND = 127
)

// Kernel32Exports are the loader entry points the simulated kernel32 provides.
var Kernel32Exports = []string{
	"LoadLibraryA",
	"LoadLibraryW",
	"LoadLibraryExA",
	"LoadLibraryExW",
	"GetProcAddress",
	"GetModuleHandleA",
}

// Kernel32Import imports every simulated kernel32 entry point.
func Kernel32Import() fakepe.Import {
	return fakepe.Import{Library: "KERNEL32.dll", Functions: Kernel32Exports}
}

// InstallKernel32 maps a kernel32 whose loader functions drive this process.
func (p *Process) InstallKernel32() (uintptr, error) {
	h, err := p.Map(Kernel32, fakepe.Build(fakepe.Spec{Name: "KERNEL32.dll", DLL: true, Exports: Kernel32Exports}))
	if err != nil {
		return 0, err
	}

	var defs = map[string]Func{
		"LoadLibraryA": func(args ...uintptr) uintptr {
			name, err := p.ReadCString(args[0])
			if err != nil {
				return p.fail(ERROR_MOD_NOT_FOUND)
			}
			return p.load(name, 0)
		},
		"LoadLibraryW": func(args ...uintptr) uintptr {
			name, err := p.ReadWString(args[0])
			if err != nil {
				return p.fail(ERROR_MOD_NOT_FOUND)
			}
			return p.load(name, 0)
		},
		"LoadLibraryExA": func(args ...uintptr) uintptr {
			name, err := p.ReadCString(args[0])
			if err != nil {
				return p.fail(ERROR_MOD_NOT_FOUND)
			}
			return p.load(name, uint32(args[2]))
		},
		"LoadLibraryExW": func(args ...uintptr) uintptr {
			name, err := p.ReadWString(args[0])
			if err != nil {
				return p.fail(ERROR_MOD_NOT_FOUND)
			}
			return p.load(name, uint32(args[2]))
		},
		"GetProcAddress": func(args ...uintptr) uintptr {
			var addr uintptr
			if args[1] < 0x10000 {
				addr = p.ProcOrdinal(args[0], uint32(args[1]))
			} else if name, err := p.ReadCString(args[1]); err == nil {
				addr = p.ProcAddress(args[0], name)
			}
			if addr == 0 {
				return p.fail(ERROR_PROC_NOT_FOUND)
			}
			return addr
		},
		"GetModuleHandleA": func(args ...uintptr) uintptr {
			name, err := p.ReadCString(args[0])
			if err != nil {
				return p.fail(ERROR_MOD_NOT_FOUND)
			}
			if h := p.ModuleHandle(name); h != 0 {
				return h
			}
			return p.fail(ERROR_MOD_NOT_FOUND)
		},
	}
	for name, fn := range defs {
		if _, err := p.Define(h, name, fn); err != nil {
			return 0, err
		}
	}
	return h, nil
}

func (p *Process) fail(code uintptr) uintptr {
	p.mu.Lock()
	p.lastError = code
	p.mu.Unlock()
	return 0
}

// LastError returns the error code of the last failed kernel32 call.
func (p *Process) LastError() uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastError
}

func (p *Process) load(name string, flags uint32) uintptr {
	if flags&(LOAD_LIBRARY_AS_DATAFILE|LOAD_LIBRARY_AS_DATAFILE_EXCLUSIVE|LOAD_LIBRARY_AS_IMAGE_RESOURCE) != 0 {
		p.mu.Lock()
		file, ok := p.files[strings.ToLower(name)]
		p.mu.Unlock()
		if !ok {
			return p.fail(ERROR_MOD_NOT_FOUND)
		}
		h, err := p.MapData(name, file)
		if err != nil {
			return p.fail(ERROR_MOD_NOT_FOUND)
		}
		return h
	}
	h, err := p.LoadLibrary(name)
	if err != nil {
		return p.fail(ERROR_MOD_NOT_FOUND)
	}
	return h
}
