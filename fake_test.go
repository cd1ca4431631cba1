package apihook

import (
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"go.uber.org/atomic"

	"apihook/internal/config"
	"apihook/internal/fakepe"
	"apihook/internal/fakeproc"
	"apihook/internal/module"
)

var errSnapshot = errors.New("snapshot failed")

// fakePlatform runs the registry against a simulated process.
type fakePlatform struct {
	*fakeproc.Process

	failModules atomic.Bool
	raw         atomic.Int32
}

func (p *fakePlatform) modules() ([]module.Module, error) {
	if p.failModules.Load() {
		return nil, errSnapshot
	}
	return lo.Map(p.Modules(), func(h uintptr, _ int) module.Module {
		return module.Module{Handle: h, Name: p.Name(h)}
	}), nil
}

func (p *fakePlatform) self() uintptr { return p.Self() }

func (p *fakePlatform) moduleHandle(name string) uintptr { return p.ModuleHandle(name) }

func (p *fakePlatform) procAddress(mod uintptr, name string) uintptr {
	p.raw.Inc()
	return p.ProcAddress(mod, name)
}

func (p *fakePlatform) procAddressVia(fn, mod uintptr, name string) uintptr {
	v, err := p.Invoke(fn, mod, p.CString(name))
	if err != nil {
		return 0
	}
	return v
}

func (p *fakePlatform) invoke(fn uintptr, args ...uintptr) (uintptr, error) {
	return p.Invoke(fn, args...)
}

func (p *fakePlatform) exportStub(mod uintptr, size uint32, target uintptr) (uintptr, error) {
	return 0, errors.Wrapf(ErrExportRange, "no stubs in a simulated process")
}

func (p *fakePlatform) bootstrapTarget(r *registry, kind bootKind) Target {
	return Address(p.Callback(func(args ...uintptr) uintptr {
		v, _ := r.hookedBoot(kind, args...)
		return v
	}))
}

// world is a simulated process with a fixed set of images:
//
//	kernel32   loader functions
//	l.dll      exports Foo, Bar, Baz
//	host.exe   hosts the engine, imports kernel32 and l.dll
//	m.dll      imports kernel32 and l.dll
//	w32.dll    PE32, imports l.dll!Foo
//
// n.dll (imports l.dll and d.dll), d.dll and res.dll are files that are
// only mapped on demand.
type world struct {
	*fakePlatform

	l, host, m, w32 uintptr
	foo, bar, baz   uintptr
}

func newWorld() (*world, error) {
	var w = &world{fakePlatform: &fakePlatform{Process: fakeproc.New()}}
	if _, err := w.InstallKernel32(); err != nil {
		return nil, err
	}

	var err error
	if w.l, err = w.Map("l.dll", fakepe.Build(fakepe.Spec{Name: "l.dll", DLL: true, Exports: []string{"Foo", "Bar", "Baz"}})); err != nil {
		return nil, err
	}
	if w.foo, err = w.Define(w.l, "Foo", func(args ...uintptr) uintptr { return 1 }); err != nil {
		return nil, err
	}
	if w.bar, err = w.Define(w.l, "Bar", func(args ...uintptr) uintptr { return 2 }); err != nil {
		return nil, err
	}
	if w.baz, err = w.Define(w.l, "Baz", func(args ...uintptr) uintptr { return 3 }); err != nil {
		return nil, err
	}

	var lib = fakepe.Import{Library: "L.dll", Functions: []string{"Foo", "Bar", "Baz"}}
	if w.host, err = w.Map("host.exe", fakepe.Build(fakepe.Spec{
		Imports: []fakepe.Import{fakeproc.Kernel32Import(), lib},
	})); err != nil {
		return nil, err
	}
	w.SetSelf(w.host)
	if w.m, err = w.Map("m.dll", fakepe.Build(fakepe.Spec{
		Name: "m.dll", DLL: true,
		Imports: []fakepe.Import{fakeproc.Kernel32Import(), lib},
	})); err != nil {
		return nil, err
	}
	if w.w32, err = w.Map("w32.dll", fakepe.Build(fakepe.Spec{
		Name: "w32.dll", DLL: true, PE32: true,
		Imports: []fakepe.Import{{Library: "l.dll", Functions: []string{"Foo"}}},
	})); err != nil {
		return nil, err
	}

	w.AddFile("d.dll", fakepe.Build(fakepe.Spec{
		Name: "d.dll", DLL: true, Exports: []string{"Qux"},
		Imports: []fakepe.Import{{Library: "l.dll", Functions: []string{"Foo"}}},
	}))
	w.AddFile("n.dll", fakepe.Build(fakepe.Spec{
		Name: "n.dll", DLL: true,
		Imports: []fakepe.Import{
			{Library: "l.dll", Functions: []string{"Foo"}},
			{Library: "d.dll", Functions: []string{"Qux"}},
		},
	}))
	w.AddFile("res.dll", fakepe.Build(fakepe.Spec{
		Name: "res.dll", DLL: true,
		Imports: []fakepe.Import{{Library: "l.dll", Functions: []string{"Foo"}}},
	}))
	return w, nil
}

func (w *world) registry(cfg config.Config) *registry {
	return newRegistry(w.fakePlatform, cfg)
}

// slot returns the value of the import slot caller uses for lib!fn.
func (w *world) slot(caller uintptr, lib, fn string) uintptr {
	_, v, err := w.Slot(caller, lib, fn)
	if err != nil {
		return 0
	}
	return v
}

// target returns a callback that reports tag when called.
func (w *world) target(tag uintptr) Target {
	return Address(w.Callback(func(args ...uintptr) uintptr { return tag }))
}
