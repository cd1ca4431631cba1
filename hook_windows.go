package apihook

import (
	"syscall"

	"github.com/cockroachdb/errors"
)

// Call invokes the real function. As with windows.LazyProc.Call, err
// always carries the thread's last error and must be interpreted by the caller.
func (h *Hook) Call(args ...uintptr) (r1, r2 uintptr, err error) {
	if h.original == 0 {
		return 0, 0, errors.Wrapf(ErrResolution, "%s!%s", h.lib, h.fn)
	}
	r1, r2, e := syscall.SyscallN(h.original, args...)
	return r1, r2, e
}
