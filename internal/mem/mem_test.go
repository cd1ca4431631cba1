package mem

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

type fakeSystem struct {
	data     []byte
	prot     uint32
	protects []uint32
	// rejects lists protections Protect refuses
	rejects    map[uint32]bool
	failRestor bool
	writeErr   error
}

func (s *fakeSystem) Write(addr uintptr, b []byte) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	if !Writable(s.prot) {
		return errors.Mark(errors.New("Invalid access to memory location."), ErrNoAccess)
	}
	copy(s.data[addr:], b)
	return nil
}

func (s *fakeSystem) Protect(addr, size uintptr, prot uint32) (uint32, error) {
	s.protects = append(s.protects, prot)
	if s.rejects[prot] {
		return 0, errors.New("The parameter is incorrect.")
	}
	if s.failRestor && len(s.protects) > 1 {
		return 0, errors.New("restore refused")
	}
	old := s.prot
	s.prot = prot
	return old, nil
}

func TestPatchWritable(t *testing.T) {
	s := &fakeSystem{data: make([]byte, 16), prot: PAGE_READWRITE}
	require.NoError(t, Patch(s, 4, []byte{1, 2, 3, 4}))
	require.Equal(t, []byte{1, 2, 3, 4}, s.data[4:8])
	require.Empty(t, s.protects)
}

func TestPatchProtected(t *testing.T) {
	s := &fakeSystem{data: make([]byte, 16), prot: PAGE_READONLY}
	require.NoError(t, PatchPointer(s, 8, 0x1122334455667788, 8))
	require.Equal(t, []byte{0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}, s.data[8:16])
	require.Equal(t, []uint32{PAGE_WRITECOPY, PAGE_READONLY}, s.protects)
	require.Equal(t, uint32(PAGE_READONLY), s.prot)
}

func TestPatchWriteCopyRejected(t *testing.T) {
	s := &fakeSystem{data: make([]byte, 8), prot: PAGE_READONLY, rejects: map[uint32]bool{PAGE_WRITECOPY: true}}
	require.NoError(t, PatchPointer(s, 0, 0xaabbccdd, 4))
	require.Equal(t, []byte{0xdd, 0xcc, 0xbb, 0xaa}, s.data[:4])
	require.Equal(t, []uint32{PAGE_WRITECOPY, PAGE_READWRITE, PAGE_READONLY}, s.protects)
}

func TestPatchRestoreFailure(t *testing.T) {
	s := &fakeSystem{data: make([]byte, 8), prot: PAGE_EXECUTE_READ, failRestor: true}
	require.NoError(t, Patch(s, 0, []byte{9}))
	require.Equal(t, byte(9), s.data[0])
}

func TestPatchUnprotectFailure(t *testing.T) {
	s := &fakeSystem{data: make([]byte, 8), prot: PAGE_READONLY, rejects: map[uint32]bool{PAGE_WRITECOPY: true, PAGE_READWRITE: true}}
	err := Patch(s, 0, []byte{9})
	require.True(t, errors.Is(err, ErrPatch))
	require.Equal(t, byte(0), s.data[0])
}

func TestPatchOtherError(t *testing.T) {
	s := &fakeSystem{data: make([]byte, 8), prot: PAGE_READONLY, writeErr: errors.New("Attempt to access invalid address.")}
	err := Patch(s, 0, []byte{9})
	require.True(t, errors.Is(err, ErrPatch))
	require.False(t, errors.Is(err, ErrNoAccess))
	require.Empty(t, s.protects)
}

func TestSpan(t *testing.T) {
	start, size := Span(0x1ffc, 8, 0x1000)
	require.Equal(t, uintptr(0x1000), start)
	require.Equal(t, uintptr(0x2000), size)

	start, size = Span(0x3000, 8, 0x1000)
	require.Equal(t, uintptr(0x3000), start)
	require.Equal(t, uintptr(0x1000), size)

	start, size = Span(0x3000, 0x1000, 0x1000)
	require.Equal(t, uintptr(0x3000), start)
	require.Equal(t, uintptr(0x1000), size)
}

func TestProtections(t *testing.T) {
	require.True(t, Writable(PAGE_WRITECOPY))
	require.True(t, Writable(PAGE_EXECUTE_READWRITE|PAGE_GUARD))
	require.False(t, Writable(PAGE_EXECUTE_READ))
	require.True(t, Readable(PAGE_EXECUTE_READ))
	require.False(t, Readable(PAGE_NOACCESS))
	require.False(t, Readable(PAGE_READONLY|PAGE_GUARD))
	require.False(t, Readable(0))
}
