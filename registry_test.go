package apihook

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"apihook/internal/config"
	"apihook/internal/log"
)

func TestUnresolvedIsLogged(t *testing.T) {
	var prev = log.L()
	core, logs := observer.New(zap.WarnLevel)
	log.SetLogger(zap.New(core))
	t.Cleanup(func() { log.SetLogger(prev) })

	w, err := newWorld()
	require.NoError(t, err)
	var r = w.registry(config.Default())
	require.Zero(t, logs.Len())

	r.newHook("nowhere.dll", "Foo", w.target(7))
	var entries = logs.FilterMessage("hook unresolved").All()
	require.Len(t, entries, 1)
	require.Equal(t, "nowhere.dll", entries[0].ContextMap()[log.FieldNameLibrary])
	require.Equal(t, "Foo", entries[0].ContextMap()[log.FieldNameFunction])

	w.TearDown(w.w32)
	r.newHook("l.dll", "Foo", w.target(7))
	require.Equal(t, 1, logs.FilterMessage("image skipped").Len())
}

func TestExcludeDefault(t *testing.T) {
	w, err := newWorld()
	require.NoError(t, err)

	var cfg = config.Default()
	cfg.ExcludeSelf = false
	var r = w.registry(cfg)
	require.Zero(t, r.excluded())

	r.newHook("l.dll", "Foo", w.target(7))
	require.NotEqual(t, w.foo, w.slot(w.host, "l.dll", "Foo"))

	r.exclude.Store(true)
	require.Equal(t, w.host, r.excluded())
}

func TestRedirect(t *testing.T) {
	w, err := newWorld()
	require.NoError(t, err)
	var r = w.registry(config.Default())

	require.Zero(t, r.redirect(0))
	require.Equal(t, w.foo, r.redirect(w.foo))

	var h = r.newHook("l.dll", "Foo", w.target(7))
	require.Equal(t, h.Target().Addr(), r.redirect(w.foo))
	require.NoError(t, h.Close())
	require.Equal(t, w.foo, r.redirect(w.foo))
}

// Lookups through the hooked resolver keep working while hooks come and go.
func TestConcurrentRedirect(t *testing.T) {
	w, err := newWorld()
	require.NoError(t, err)
	var r = w.registry(config.Default())
	var name = w.CString("Foo")

	var wg sync.WaitGroup
	var results = make(chan uintptr, 4*50)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				v, err := w.Call(w.m, "kernel32.dll", "GetProcAddress", w.l, name)
				if err == nil {
					results <- v
				}
			}
		}()
	}

	var targets = map[uintptr]bool{w.foo: true}
	for i := 0; i < 10; i++ {
		var h = r.newHook("l.dll", "Foo", w.target(uintptr(i)))
		targets[h.Target().Addr()] = true
		require.NoError(t, h.Close())
	}
	wg.Wait()
	close(results)

	require.Len(t, results, 4*50)
	for v := range results {
		require.True(t, targets[v], "unexpected address %#x", v)
	}
	require.Equal(t, w.foo, w.slot(w.m, "l.dll", "Foo"))
}

func TestTarget(t *testing.T) {
	var tg = Address(0x1234)
	require.Equal(t, KindAddress, tg.Kind())
	require.Equal(t, uintptr(0x1234), tg.Addr())
	require.Nil(t, tg.Func())
	require.Equal(t, "address@0x1234", tg.String())
	require.Equal(t, "kind(9)", Kind(9).String())
	require.Equal(t, "state(9)", State(9).String())
}

func TestSetLoggerBeforeFirstHook(t *testing.T) {
	var prev = log.L()
	core, logs := observer.New(zap.WarnLevel)
	SetLogger(zap.New(core))
	t.Cleanup(func() { log.SetLogger(prev) })

	var h = New("nowhere.dll", "Foo", Address(1))
	require.Equal(t, Unresolved, h.State())
	require.NoError(t, h.Close())

	var entries = logs.FilterMessage("hook unresolved").FilterField(log.FieldLibrary("nowhere.dll")).All()
	require.Len(t, entries, 1)
	require.NotContains(t, entries[0].ContextMap(), "errorVerbose")
	require.Contains(t, entries[0].ContextMap()[log.FieldNameError], "could not be resolved")
}
