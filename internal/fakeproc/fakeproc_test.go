package fakeproc

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"apihook/internal/fakepe"
	"apihook/internal/image"
	"apihook/internal/mem"
)

func setup(t *testing.T) (*Process, uintptr, uintptr) {
	p := New()
	_, err := p.InstallKernel32()
	require.NoError(t, err)

	lib, err := p.Map("l.dll", fakepe.Build(fakepe.Spec{Name: "l.dll", DLL: true, Exports: []string{"Foo", "Bar"}}))
	require.NoError(t, err)
	_, err = p.Define(lib, "Foo", func(args ...uintptr) uintptr { return 1 })
	require.NoError(t, err)
	_, err = p.Define(lib, "Bar", func(args ...uintptr) uintptr { return args[0] + args[1] })
	require.NoError(t, err)

	m, err := p.Map("m.exe", fakepe.Build(fakepe.Spec{
		Imports: []fakepe.Import{
			Kernel32Import(),
			{Library: "L.DLL", Functions: []string{"Foo", "Bar"}},
		},
	}))
	require.NoError(t, err)
	return p, lib, m
}

func TestBind(t *testing.T) {
	p, lib, m := setup(t)

	slot, value, err := p.Slot(m, "l.dll", "Foo")
	require.NoError(t, err)
	require.Equal(t, p.ProcAddress(lib, "Foo"), value)
	require.Equal(t, lib+uintptr(fakepe.ExportRVA(0)), value)

	// bound import tables end up read-only
	require.Equal(t, uint32(mem.PAGE_READONLY), p.Protection(slot))
	require.Equal(t, uint32(mem.PAGE_EXECUTE_READ), p.Protection(lib+uintptr(fakepe.ExportRVA(0))))

	r, err := p.Call(m, "l.dll", "Bar", 2, 3)
	require.NoError(t, err)
	require.Equal(t, uintptr(5), r)

	require.Equal(t, []uintptr{p.ModuleHandle("kernel32"), lib, m}, p.Modules())
}

func TestBindMissing(t *testing.T) {
	p := New()
	_, err := p.Map("m.exe", fakepe.Build(fakepe.Spec{
		Imports: []fakepe.Import{{Library: "nowhere.dll", Functions: []string{"Foo"}}},
	}))
	require.True(t, errors.Is(err, ErrModNotFound))
	require.Empty(t, p.Modules())
}

func TestWriteProtect(t *testing.T) {
	p, _, m := setup(t)
	slot, _, err := p.Slot(m, "l.dll", "Foo")
	require.NoError(t, err)

	err = p.Write(slot, mem.Pointer(0x1234, 8))
	require.True(t, errors.Is(err, mem.ErrNoAccess))

	require.NoError(t, mem.PatchPointer(p, slot, 0x1234, 8))
	v, err := p.Pointer(slot, 8)
	require.NoError(t, err)
	require.Equal(t, uintptr(0x1234), v)
	require.Equal(t, uint32(mem.PAGE_READONLY), p.Protection(slot))

	_, err = p.Protect(ArenaBase, 16, mem.PAGE_WRITECOPY)
	require.Error(t, err)
	require.True(t, errors.Is(p.Write(0x1000, []byte{1}), ErrInvalidAddress))
}

func TestLoaderFunctions(t *testing.T) {
	p, _, m := setup(t)
	p.AddFile("n.dll", fakepe.Build(fakepe.Spec{Name: "n.dll", DLL: true, Imports: []fakepe.Import{{Library: "l.dll", Functions: []string{"Foo"}}}}))

	h, err := p.Call(m, "kernel32.dll", "LoadLibraryW", p.WString("N.dll"))
	require.NoError(t, err)
	require.NotZero(t, h)
	require.Equal(t, h, p.ModuleHandle("n.dll"))

	again, err := p.Call(m, "kernel32.dll", "LoadLibraryA", p.CString("n.dll"))
	require.NoError(t, err)
	require.Equal(t, h, again)

	proc, err := p.Call(m, "kernel32.dll", "GetProcAddress", p.ModuleHandle("l.dll"), p.CString("Bar"))
	require.NoError(t, err)
	require.Equal(t, p.ProcAddress(p.ModuleHandle("l.dll"), "Bar"), proc)

	proc, err = p.Call(m, "kernel32.dll", "GetProcAddress", p.ModuleHandle("l.dll"), 2)
	require.NoError(t, err)
	require.Equal(t, p.ProcAddress(p.ModuleHandle("l.dll"), "Bar"), proc)

	none, err := p.Call(m, "kernel32.dll", "LoadLibraryA", p.CString("missing.dll"))
	require.NoError(t, err)
	require.Zero(t, none)
	require.Equal(t, uintptr(ERROR_MOD_NOT_FOUND), p.LastError())
}

func TestDataFile(t *testing.T) {
	p, _, m := setup(t)
	p.AddFile("res.dll", fakepe.Build(fakepe.Spec{Name: "res.dll", DLL: true, Imports: []fakepe.Import{{Library: "l.dll", Functions: []string{"Foo"}}}}))

	h, err := p.Call(m, "kernel32.dll", "LoadLibraryExA", p.CString("res.dll"), 0, LOAD_LIBRARY_AS_DATAFILE)
	require.NoError(t, err)
	require.NotZero(t, h)
	require.Zero(t, p.ModuleHandle("res.dll"))
	require.NotContains(t, p.Modules(), h)

	_, value, err := p.Slot(h, "l.dll", "Foo")
	require.NoError(t, err)
	require.Less(t, value, uintptr(0x10000), "data file imports are not bound")
}

func TestTearDown(t *testing.T) {
	p, lib, _ := setup(t)
	p.TearDown(lib)

	_, st := image.Open(p, lib)
	require.Equal(t, image.Fault, st)
	require.Contains(t, p.Modules(), lib)

	p.Unload(lib)
	require.NotContains(t, p.Modules(), lib)
	require.Zero(t, p.ModuleHandle("l.dll"))
}

func TestStrings(t *testing.T) {
	p := New()
	s, err := p.ReadWString(p.WString("héllo"))
	require.NoError(t, err)
	require.Equal(t, "héllo", s)

	s, err = p.ReadCString(p.CString("kernel32.dll"))
	require.NoError(t, err)
	require.Equal(t, "kernel32.dll", s)

	_, err = p.Invoke(ArenaBase + 0x8000)
	require.True(t, errors.Is(err, ErrNoCode))

	addr := p.Callback(func(args ...uintptr) uintptr { return uintptr(len(args)) })
	r, err := p.Invoke(addr, 1, 2, 3)
	require.NoError(t, err)
	require.Equal(t, uintptr(3), r)
}
