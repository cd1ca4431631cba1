package apihook

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"apihook/internal/config"
	"apihook/internal/image"
	"apihook/internal/log"
	"apihook/internal/mem"
	"apihook/internal/module"
	"apihook/internal/stub"
)

// Skip is an image a sweep left untouched.
type Skip struct {
	Module uintptr
	Err    error
}

// Sweep reports what one pass over the loaded images did.
type Sweep struct {
	Patched []uintptr
	Skipped []Skip
}

// Err returns the first failure other than a missing slot.
func (s Sweep) Err() error {
	for _, k := range s.Skipped {
		if !errors.Is(k.Err, ErrNotFound) {
			return k.Err
		}
	}
	return nil
}

func (s *Sweep) merge(o Sweep) {
	s.Patched = append(s.Patched, o.Patched...)
	s.Skipped = append(s.Skipped, o.Skipped...)
}

// replaceIATEntry rewrites the first slot equal to from in the import
// descriptors of mod that name lib.
func (r *registry) replaceIATEntry(lib string, from, to, mod uintptr) error {
	img, st := image.Open(r.plat, mod)
	if st != image.Present {
		return errors.Wrapf(ErrDirectoryFault, "image %#x: headers %s", mod, st)
	}
	dir, st := img.ImportDirectory()
	switch st {
	case image.Present:
	case image.Absent:
		return errors.Wrapf(ErrNotFound, "image %#x: no imports", mod)
	default:
		return errors.Wrapf(ErrDirectoryFault, "image %#x: import directory %s", mod, st)
	}

	// a damaged descriptor only fails the image when no other one matches
	var damaged error
	for i := range dir.Descriptors {
		var desc = &dir.Descriptors[i]
		if !strings.EqualFold(desc.Library, lib) {
			continue
		}
		slots, err := dir.Slots(desc)
		if err != nil {
			damaged = errors.Wrapf(errors.Mark(err, ErrDirectoryFault), "image %#x: import %s", mod, desc.Library)
			continue
		}
		for _, s := range slots {
			if uintptr(s.Value) != from {
				continue
			}
			var addr = mod + uintptr(s.RVA)
			if err := mem.PatchPointer(r.plat, addr, uint64(to), img.PointerSize()); err != nil {
				return errors.Wrapf(errors.Mark(err, ErrPatchFailure), "image %#x: slot %#x", mod, addr)
			}
			return nil
		}
	}
	if damaged != nil {
		return damaged
	}
	return errors.Wrapf(ErrNotFound, "image %#x: no %s slot at %#x", mod, lib, from)
}

// patchModule runs replaceIATEntry for one image and records the outcome.
func (r *registry) patchModule(s *Sweep, lib string, from, to, mod uintptr) {
	err := r.replaceIATEntry(lib, from, to, mod)
	if err == nil {
		s.Patched = append(s.Patched, mod)
		return
	}
	s.Skipped = append(s.Skipped, Skip{Module: mod, Err: err})

	var fields = []zap.Field{log.FieldModule(mod), log.FieldLibrary(lib), log.FieldError(err)}
	if errors.Is(err, ErrNotFound) {
		log.L().Debug("image skipped", fields...)
	} else {
		log.L().Warn("image skipped", fields...)
	}
}

// replaceIATEntryEx runs replaceIATEntry over every loaded image except the
// excluded one. Requires mu.
func (r *registry) replaceIATEntryEx(lib string, from, to uintptr) Sweep {
	var s Sweep
	mods, err := r.plat.modules()
	if err != nil {
		log.L().Warn("sweep skipped", log.FieldLibrary(lib), log.FieldError(errors.Mark(err, ErrEnumeration)))
		return s
	}
	for _, h := range module.Handles(module.Exclude(mods, r.excluded())) {
		r.patchModule(&s, lib, from, to, h)
	}
	log.L().Debug("sweep done", log.FieldLibrary(lib),
		log.FieldAddr("from", from), log.FieldAddr("to", to),
		zap.Int("patched", len(s.Patched)), zap.Int("skipped", len(s.Skipped)))
	return s
}

// ReplaceExportEntry rewrites the export table entry of fn in the image at
// mod so later lookups by name return addr. Pass the old address to undo.
// Lookups made before the call are not affected.
func ReplaceExportEntry(mod uintptr, fn string, addr uintptr) error {
	var r = defaultRegistry()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replaceEATEntry(mod, fn, addr)
}

// replaceEATEntry requires mu.
func (r *registry) replaceEATEntry(mod uintptr, fn string, to uintptr) error {
	if mod == 0 {
		return errors.Wrapf(ErrNotFound, "export %s: no image", fn)
	}
	if self := r.excluded(); self != 0 && mod == self {
		return errors.Wrapf(ErrExcluded, "export %s", fn)
	}
	img, st := image.Open(r.plat, mod)
	if st != image.Present {
		return errors.Wrapf(ErrDirectoryFault, "image %#x: headers %s", mod, st)
	}
	dir, st := img.ExportDirectory()
	switch st {
	case image.Present:
	case image.Absent:
		return errors.Wrapf(ErrNotFound, "image %#x: no exports", mod)
	default:
		return errors.Wrapf(ErrDirectoryFault, "image %#x: export directory %s", mod, st)
	}
	e, err := dir.Find(fn)
	if errors.Is(err, image.ErrNotFound) {
		return errors.Wrapf(ErrNotFound, "image %#x: export %s", mod, fn)
	} else if err != nil {
		return errors.Wrapf(errors.Mark(err, ErrDirectoryFault), "image %#x: export %s", mod, fn)
	}

	var dest = to
	if strconv.IntSize == 64 && !stub.Reachable(mod, to) {
		if dest, err = r.plat.exportStub(mod, img.Size(), to); err != nil {
			return errors.Wrapf(errors.Mark(err, ErrExportRange), "image %#x: export %s to %#x", mod, fn, to)
		}
	}
	var rva = uint32(dest - mod)
	if err := mem.PatchPointer(r.plat, mod+uintptr(e.SlotRVA), uint64(rva), 4); err != nil {
		return errors.Wrapf(errors.Mark(err, ErrPatchFailure), "image %#x: export %s", mod, fn)
	}
	log.L().Debug("export replaced", log.FieldModule(mod), log.FieldFunction(fn),
		log.FieldAddr("previous", mod+uintptr(e.RVA)), log.FieldAddr("target", to))
	return nil
}

// fixupModuleOnLoad patches an image a hooked loader call returned. It
// reports whether the image was considered at all.
func (r *registry) fixupModuleOnLoad(mod uintptr, flags uint32) bool {
	if mod == 0 || flags&loadAsData != 0 {
		return false
	}
	if self := r.excluded(); self != 0 && mod == self {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var s Sweep
	for _, h := range r.snapshot() {
		if h.State() != Installed {
			continue
		}
		if r.cfg.FixupScope == config.FixupAll {
			s.merge(r.replaceIATEntryEx(h.lib, h.original, h.target.addr))
		} else {
			r.patchModule(&s, h.lib, h.original, h.target.addr, mod)
		}
	}
	log.L().Debug("loaded image fixed up", log.FieldModule(mod), zap.Int("patched", len(s.Patched)))
	return true
}
