package fakepe

import (
	"bytes"
	"debug/pe"
	"testing"

	saferwall "github.com/saferwall/pe"
	"github.com/stretchr/testify/require"
)

var testSpec = Spec{
	Name: "lib.dll",
	DLL:  true,
	Imports: []Import{
		{Library: "KERNEL32.dll", Functions: []string{"LoadLibraryA", "GetProcAddress"}},
		{Library: "l.dll", Functions: []string{"Foo", "#7"}},
	},
	Exports: []string{"Zeta", "Alpha", "Mid"},
}

func TestBuildDebugPE(t *testing.T) {
	var b = Build(testSpec)

	f, err := pe.NewFile(bytes.NewReader(b))
	require.NoError(t, err)
	defer f.Close()

	require.Len(t, f.Sections, 3)
	oh, ok := f.OptionalHeader.(*pe.OptionalHeader64)
	require.True(t, ok)
	require.Equal(t, uint32(SizeOfHeaders), oh.SizeOfHeaders)
	require.NotZero(t, f.FileHeader.Characteristics&pe.IMAGE_FILE_DLL)

	syms, err := f.ImportedSymbols()
	require.NoError(t, err)
	require.Contains(t, syms, "LoadLibraryA:KERNEL32.dll")
	require.Contains(t, syms, "Foo:l.dll")
}

func TestBuildSaferwall(t *testing.T) {
	var b = Build(testSpec)

	f, err := saferwall.NewBytes(b, &saferwall.Options{})
	require.NoError(t, err)
	require.NoError(t, f.Parse())

	require.Len(t, f.Imports, 2)
	require.Equal(t, "KERNEL32.dll", f.Imports[0].Name)
	require.Equal(t, "LoadLibraryA", f.Imports[0].Functions[0].Name)
	require.Equal(t, "GetProcAddress", f.Imports[0].Functions[1].Name)
	require.Equal(t, "l.dll", f.Imports[1].Name)
	require.Equal(t, "Foo", f.Imports[1].Functions[0].Name)

	var rvas = map[string]uint32{}
	for _, fn := range f.Export.Functions {
		rvas[fn.Name] = fn.FunctionRVA
	}
	require.Equal(t, ExportRVA(0), rvas["Zeta"])
	require.Equal(t, ExportRVA(1), rvas["Alpha"])
	require.Equal(t, ExportRVA(2), rvas["Mid"])
}

func TestBuildPE32(t *testing.T) {
	var s = testSpec
	s.PE32 = true
	var b = Build(s)

	f, err := pe.NewFile(bytes.NewReader(b))
	require.NoError(t, err)
	defer f.Close()

	require.Equal(t, uint16(pe.IMAGE_FILE_MACHINE_I386), f.FileHeader.Machine)
	_, ok := f.OptionalHeader.(*pe.OptionalHeader32)
	require.True(t, ok)

	syms, err := f.ImportedSymbols()
	require.NoError(t, err)
	require.Contains(t, syms, "GetProcAddress:KERNEL32.dll")
}

func TestNoDirectories(t *testing.T) {
	var b = Build(Spec{Name: "res.dll", DLL: true})

	f, err := pe.NewFile(bytes.NewReader(b))
	require.NoError(t, err)
	defer f.Close()

	oh := f.OptionalHeader.(*pe.OptionalHeader64)
	require.Zero(t, oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_IMPORT].VirtualAddress)
	require.Zero(t, oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_EXPORT].VirtualAddress)
}

func TestSetDirectory(t *testing.T) {
	var b = Build(testSpec)
	SetDirectory(b, pe.IMAGE_DIRECTORY_ENTRY_IMPORT, 0x7fff0000, 40)

	f, err := pe.NewFile(bytes.NewReader(b))
	require.NoError(t, err)
	defer f.Close()

	oh := f.OptionalHeader.(*pe.OptionalHeader64)
	require.Equal(t, uint32(0x7fff0000), oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_IMPORT].VirtualAddress)
}
