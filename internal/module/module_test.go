package module

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var mods = []Module{
	{Handle: 0x400000, Name: "host.exe"},
	{Handle: 0x7ff10000, Name: "ntdll.dll"},
	{Handle: 0x7ff20000, Name: "KERNEL32.DLL"},
}

func TestExclude(t *testing.T) {
	require.Equal(t, []uintptr{0x7ff10000, 0x7ff20000}, Handles(Exclude(mods, 0x400000)))
	require.Equal(t, []uintptr{0x400000, 0x7ff10000, 0x7ff20000}, Handles(Exclude(mods, 0)))
	require.Len(t, Exclude(mods, 0x1234), 3)
	require.Len(t, mods, 3)
}

func TestMemImage(t *testing.T) {
	// MEMORY_BASIC_INFORMATION.Type of image-backed pages
	require.Equal(t, 0x1000000, MEM_IMAGE)
}
