package apihook

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
)

type State uint32

const (
	Unresolved State = iota
	Installed
	Removed
)

func (s State) String() string {
	switch s {
	case Unresolved:
		return "unresolved"
	case Installed:
		return "installed"
	case Removed:
		return "removed"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// Hook redirects one function of one library.
type Hook struct {
	r        *registry
	lib      string
	fn       string
	target   Target
	original uintptr
	state    atomic.Uint32
	boot     bool
}

// New hooks lib!fn with target. Every loaded image except the one hosting
// this package is patched, and so is every image loaded later through
// LoadLibrary*. If lib is not loaded or does not export fn the hook stays
// Unresolved and patches nothing.
func New(lib, fn string, target Target) *Hook {
	return defaultRegistry().newHook(lib, fn, target)
}

func (h *Hook) Library() string { return h.lib }

func (h *Hook) Function() string { return h.fn }

func (h *Hook) Target() Target { return h.target }

// Original is the real address of the function, 0 when unresolved. Call it
// to reach the hooked implementation.
func (h *Hook) Original() uintptr { return h.original }

func (h *Hook) State() State { return State(h.state.Load()) }

func (h *Hook) String() string {
	return fmt.Sprintf("%s!%s %s -> %s", h.lib, h.fn, h.State(), h.target)
}

func (h *Hook) installable() bool {
	return h.original != 0 && h.original != h.target.addr
}

// Install patches the loaded images if the hook is resolved and not
// installed yet. It is a no-op otherwise.
func (h *Hook) Install() Sweep {
	var r = h.r
	r.mu.Lock()
	defer r.mu.Unlock()

	if h.State() != Unresolved || !h.installable() {
		return Sweep{}
	}
	return r.install(h)
}

// Refresh sweeps the loaded images again for an installed hook, catching
// images mapped without going through LoadLibrary*.
func (h *Hook) Refresh() Sweep {
	var r = h.r
	r.mu.Lock()
	defer r.mu.Unlock()

	if h.State() != Installed {
		return Sweep{}
	}
	return r.replaceIATEntryEx(h.lib, h.original, h.target.addr)
}

// Close restores the patched slots and unregisters the hook. Closing twice
// is a no-op.
func (h *Hook) Close() error {
	if h.boot {
		return ErrBootstrap
	}

	var r = h.r
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	switch h.State() {
	case Removed:
		return nil
	case Installed:
		err = r.replaceIATEntryEx(h.lib, h.target.addr, h.original).Err()
	}
	r.remove(h)
	h.state.Store(uint32(Removed))
	if err != nil {
		return errors.Wrapf(err, "unhook %s!%s", h.lib, h.fn)
	}
	return nil
}
