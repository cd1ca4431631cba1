// Package stub emits absolute jump stubs for export slots, which hold 32-bit
// image-relative addresses and so cannot point at code far from the image.
package stub

import (
	"encoding/binary"
)

// Size of one stub: jmp qword ptr [rip+0] followed by the target.
const Size = 14

// Slot is the spacing of stubs on a stub page.
const Slot = 16

// Encode returns the stub jumping to target.
func Encode(target uint64) []byte {
	var b = make([]byte, Size)
	b[0], b[1] = 0xff, 0x25
	binary.LittleEndian.PutUint64(b[6:], target)
	return b
}

// Reachable reports whether addr can be expressed relative to base in a
// 32-bit export slot.
func Reachable(base, addr uintptr) bool {
	return addr >= base && uint64(addr-base) <= MaxRVA
}

const MaxRVA = 0x7fffffff
