package apihook

import (
	"github.com/cockroachdb/errors"
)

type bootKind int

const (
	bootLoadLibraryA bootKind = iota
	bootLoadLibraryW
	bootLoadLibraryExA
	bootLoadLibraryExW
	bootGetProcAddress
	bootCount
)

const bootLibrary = "kernel32.dll"

var bootFunctions = [bootCount]string{
	bootLoadLibraryA:   "LoadLibraryA",
	bootLoadLibraryW:   "LoadLibraryW",
	bootLoadLibraryExA: "LoadLibraryExA",
	bootLoadLibraryExW: "LoadLibraryExW",
	bootGetProcAddress: "GetProcAddress",
}

// LoadLibraryEx flags for loads that map an image without running it.
const (
	LOAD_LIBRARY_AS_DATAFILE           = 0x00000002
	LOAD_LIBRARY_AS_IMAGE_RESOURCE     = 0x00000020
	LOAD_LIBRARY_AS_DATAFILE_EXCLUSIVE = 0x00000040

	loadAsData = LOAD_LIBRARY_AS_DATAFILE | LOAD_LIBRARY_AS_IMAGE_RESOURCE | LOAD_LIBRARY_AS_DATAFILE_EXCLUSIVE
)

// bootstrap registers the loader hooks ahead of any other hook. They are
// resolved with the raw primitive; afterwards resolution goes through the
// real GetProcAddress they captured.
func (r *registry) bootstrap() {
	for k := bootKind(0); k < bootCount; k++ {
		var h = &Hook{r: r, lib: bootLibrary, fn: bootFunctions[k], boot: true}
		r.boot[k] = h
		h.target = r.plat.bootstrapTarget(r, k)
		r.register(h)
	}
	if gp := r.boot[bootGetProcAddress]; gp.original != 0 {
		r.resolver.Store(gp.original)
	}
}

// hookedBoot is the body of every loader hook.
func (r *registry) hookedBoot(kind bootKind, args ...uintptr) (uintptr, error) {
	var orig = r.boot[kind].original
	if orig == 0 {
		return 0, errors.Wrapf(ErrResolution, "%s", bootFunctions[kind])
	}

	switch kind {
	case bootGetProcAddress:
		addr, err := r.plat.invoke(orig, args...)
		return r.redirect(addr), err
	case bootLoadLibraryExA, bootLoadLibraryExW:
		h, err := r.plat.invoke(orig, args...)
		r.fixupModuleOnLoad(h, uint32(args[2]))
		return h, err
	default:
		h, err := r.plat.invoke(orig, args...)
		r.fixupModuleOnLoad(h, 0)
		return h, err
	}
}
