package stub

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

func TestEncode(t *testing.T) {
	const target = 0x00007ff812345678
	var b = Encode(target)
	require.Len(t, b, Size)

	inst, err := x86asm.Decode(b, 64)
	require.NoError(t, err)
	require.Equal(t, x86asm.JMP, inst.Op)
	require.Equal(t, 6, inst.Len)

	m, ok := inst.Args[0].(x86asm.Mem)
	require.True(t, ok)
	require.Equal(t, x86asm.RIP, m.Base)
	require.Equal(t, int64(0), m.Disp)
	require.Equal(t, uint64(target), binary.LittleEndian.Uint64(b[inst.Len:]))
}

func TestReachable(t *testing.T) {
	require.True(t, Reachable(0x180000000, 0x180001000))
	require.True(t, Reachable(0x180000000, 0x180000000+MaxRVA))
	require.False(t, Reachable(0x180000000, 0x180000000+MaxRVA+1))
	require.False(t, Reachable(0x180000000, 0x17fffffff))
}
