package testserver

import (
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
)

// ExitHooks is a list of pending cleanups owned by whoever controls process
// exit, typically TestMain or a command's main. Go has no exit hooks of its
// own, so the owner must call Run before the process ends.
type ExitHooks struct {
	mu    sync.Mutex
	next  int
	hooks map[int]func()
	order []int
	ran   bool
}

// DefaultExitHooks collects the cleanups of instances created without WithExitHooks.
var DefaultExitHooks = &ExitHooks{}

// RunExitHooks runs DefaultExitHooks.
//
//	func TestMain(m *testing.M) {
//	    code := m.Run()
//	    testserver.RunExitHooks()
//	    os.Exit(code)
//	}
func RunExitHooks() {
	DefaultExitHooks.Run()
}

// Register adds fn to the pending cleanups. The returned function removes it
// again and reports whether it was still pending.
func (h *ExitHooks) Register(fn func()) (deregister func() bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.hooks == nil {
		h.hooks = make(map[int]func())
	}
	id := h.next
	h.next++
	h.hooks[id] = fn
	h.order = append(h.order, id)

	return func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.hooks[id]; !ok {
			return false
		}
		delete(h.hooks, id)
		h.order = slices.DeleteFunc(h.order, func(o int) bool { return o == id })
		return true
	}
}

// Pending returns the number of registered cleanups that have not run.
func (h *ExitHooks) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.hooks)
}

// Run executes the pending cleanups in reverse registration order. Only the
// first call does anything; hooks registered afterwards are never run.
func (h *ExitHooks) Run() {
	h.mu.Lock()
	if h.ran {
		h.mu.Unlock()
		return
	}
	h.ran = true
	var fns []func()
	for i := len(h.order) - 1; i >= 0; i-- {
		if fn, ok := h.hooks[h.order[i]]; ok {
			fns = append(fns, fn)
		}
	}
	h.hooks = nil
	h.order = nil
	h.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// RunOnSignal runs the hooks when the process receives SIGINT or SIGTERM.
// The returned function stops listening without running anything.
func (h *ExitHooks) RunOnSignal() (stop func()) {
	sigs := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigs:
			h.Run()
		case <-done:
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigs)
			close(done)
		})
	}
}
