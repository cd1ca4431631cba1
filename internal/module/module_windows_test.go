package module

import (
	"strings"
	"testing"
	"unsafe"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/windows"
)

func TestSnapshot(t *testing.T) {
	mods, err := Snapshot()
	require.NoError(t, err)
	require.NotEmpty(t, mods)

	k32, ok := lo.Find(mods, func(m Module) bool { return strings.EqualFold(m.Name, "kernel32.dll") })
	require.True(t, ok)
	require.NotZero(t, k32.Size)

	var exe windows.Handle
	require.NoError(t, windows.GetModuleHandleEx(0, nil, &exe))
	require.Equal(t, uintptr(exe), mods[0].Handle)
}

func TestFromAddress(t *testing.T) {
	self, err := FromAddress(windows.NewCallback(func() uintptr { return 0 }))
	require.NoError(t, err)

	var exe windows.Handle
	require.NoError(t, windows.GetModuleHandleEx(0, nil, &exe))
	require.Equal(t, uintptr(exe), self)

	var x = new(int)
	_, err = FromAddress(uintptr(unsafe.Pointer(x)))
	require.Error(t, err)
}
