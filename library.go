package apihook

import (
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

// Entry is one function a Library can hook.
type Entry struct {
	Function string
	Target   Target
}

// Library hooks a fixed table of functions of one library, one Hook per
// entry.
type Library struct {
	r     *registry
	name  string
	table []Entry

	mu    sync.Mutex
	hooks map[string]*Hook
}

func NewLibrary(name string, table ...Entry) *Library {
	return newLibrary(defaultRegistry(), name, table)
}

func newLibrary(r *registry, name string, table []Entry) *Library {
	return &Library{r: r, name: name, table: table, hooks: map[string]*Hook{}}
}

func (l *Library) Name() string { return l.name }

// Functions lists the table in order.
func (l *Library) Functions() []string {
	return lo.Map(l.table, func(e Entry, _ int) string { return e.Function })
}

func (l *Library) entry(fn string) (Entry, bool) {
	return lo.Find(l.table, func(e Entry) bool { return strings.EqualFold(e.Function, fn) })
}

// Hook installs the table entry for fn. Hooking a hooked function is a no-op.
func (l *Library) Hook(fn string) error {
	e, ok := l.entry(fn)
	if !ok {
		return errors.Wrapf(ErrNotFound, "%s has no entry %s", l.name, fn)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hook(e)
}

func (l *Library) hook(e Entry) error {
	if _, ok := l.hooks[e.Function]; ok {
		return nil
	}
	var h = l.r.newHook(l.name, e.Function, e.Target)
	l.hooks[e.Function] = h
	if h.State() != Installed {
		return errors.Wrapf(ErrResolution, "%s!%s", l.name, e.Function)
	}
	return nil
}

// Unhook removes the hook for fn if there is one.
func (l *Library) Unhook(fn string) error {
	e, ok := l.entry(fn)
	if !ok {
		return errors.Wrapf(ErrNotFound, "%s has no entry %s", l.name, fn)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unhook(e.Function)
}

func (l *Library) unhook(fn string) error {
	h, ok := l.hooks[fn]
	if !ok {
		return nil
	}
	delete(l.hooks, fn)
	return h.Close()
}

// HookAll installs every entry. Entries that fail to resolve are reported
// together and stay registered as unresolved hooks.
func (l *Library) HookAll() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for _, e := range l.table {
		if err := l.hook(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l *Library) UnhookAll() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for _, fn := range lo.Keys(l.hooks) {
		if err := l.unhook(fn); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsHooked reports whether fn is hooked and installed.
func (l *Library) IsHooked(fn string) bool {
	e, ok := l.entry(fn)
	if !ok {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.hooks[e.Function]
	return ok && h.State() == Installed
}

func (l *Library) IsAllHooked() bool {
	return lo.EveryBy(l.table, func(e Entry) bool { return l.IsHooked(e.Function) })
}

// Lookup returns the hook for fn, nil if fn is not hooked.
func (l *Library) Lookup(fn string) *Hook {
	e, ok := l.entry(fn)
	if !ok {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hooks[e.Function]
}

func (l *Library) Close() error {
	return l.UnhookAll()
}
