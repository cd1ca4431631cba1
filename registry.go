package apihook

import (
	"sync"

	"github.com/samber/lo"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"apihook/internal/config"
	"apihook/internal/log"
)

// registry holds every hook of a process. Mutations and patch sweeps are
// serialized by mu; the hook list is copy-on-write so the loader hooks can
// read it without locking.
type registry struct {
	plat platform
	cfg  config.Config

	mu    sync.Mutex
	hooks atomic.Pointer[[]*Hook]
	boot  [bootCount]*Hook

	// resolver is the GetProcAddress used to resolve new hooks, 0 for the
	// raw primitive.
	resolver atomic.Uintptr
	exclude  atomic.Bool

	selfOnce sync.Once
	selfMod  uintptr
}

var (
	defaultOnce sync.Once
	defaultReg  *registry
)

func defaultRegistry() *registry {
	defaultOnce.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			log.L().Warn("config ignored", log.FieldError(err))
		}
		if err := log.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
			log.L().Warn("log level ignored", zap.String("level", cfg.LogLevel), log.FieldError(err))
		}
		defaultReg = newRegistry(newPlatform(), cfg)
	})
	return defaultReg
}

func newRegistry(plat platform, cfg config.Config) *registry {
	var r = &registry{plat: plat, cfg: cfg}
	r.exclude.Store(cfg.ExcludeSelf)
	r.hooks.Store(&[]*Hook{})
	r.bootstrap()
	return r
}

// SetExcludeSelf sets whether the image hosting this package is left
// unpatched. It is on by default.
func SetExcludeSelf(exclude bool) {
	defaultRegistry().exclude.Store(exclude)
}

func ExcludeSelf() bool {
	return defaultRegistry().exclude.Load()
}

// Hooks lists the registered hooks, loader hooks first.
func Hooks() []*Hook {
	return defaultRegistry().snapshot()
}

// SetLogger replaces the package logger.
func SetLogger(l *zap.Logger) {
	log.SetLogger(l)
}

// excluded returns the image sweeps must skip, 0 when exclusion is off.
func (r *registry) excluded() uintptr {
	if !r.exclude.Load() {
		return 0
	}
	r.selfOnce.Do(func() {
		r.selfMod = r.plat.self()
	})
	return r.selfMod
}

func (r *registry) snapshot() []*Hook {
	return *r.hooks.Load()
}

// add and remove require mu.
func (r *registry) add(h *Hook) {
	var next = append(append([]*Hook{}, r.snapshot()...), h)
	r.hooks.Store(&next)
}

func (r *registry) remove(h *Hook) {
	var next = lo.Without(r.snapshot(), h)
	r.hooks.Store(&next)
}

func (r *registry) resolve(lib, fn string) uintptr {
	var mod = r.plat.moduleHandle(lib)
	if mod == 0 {
		return 0
	}
	if via := r.resolver.Load(); via != 0 {
		return r.plat.procAddressVia(via, mod, fn)
	}
	return r.plat.procAddress(mod, fn)
}

func (r *registry) newHook(lib, fn string, target Target) *Hook {
	return r.register(&Hook{r: r, lib: lib, fn: fn, target: target})
}

// register resolves h, adds it and installs it when resolved.
func (r *registry) register(h *Hook) *Hook {
	h.original = r.resolve(h.lib, h.fn)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.add(h)
	var fields = []zap.Field{log.FieldLibrary(h.lib), log.FieldFunction(h.fn)}
	switch {
	case h.original == 0:
		log.L().Warn("hook unresolved", append(fields, log.FieldError(ErrResolution))...)
	case h.original == h.target.addr:
		log.L().Warn("hook target is the original function", append(fields, log.FieldAddr(log.FieldNameAddr, h.original))...)
	default:
		r.install(h)
	}
	return h
}

// install requires mu.
func (r *registry) install(h *Hook) Sweep {
	var s = r.replaceIATEntryEx(h.lib, h.original, h.target.addr)
	h.state.Store(uint32(Installed))
	log.L().Debug("hook installed",
		log.FieldLibrary(h.lib), log.FieldFunction(h.fn),
		log.FieldAddr("original", h.original), log.FieldAddr("target", h.target.addr),
		zap.Int("patched", len(s.Patched)))
	return s
}

// redirect maps the real address of an installed hook to its target.
func (r *registry) redirect(addr uintptr) uintptr {
	if addr == 0 {
		return 0
	}
	for _, h := range r.snapshot() {
		if h.original == addr && h.State() == Installed {
			return h.target.addr
		}
	}
	return addr
}
