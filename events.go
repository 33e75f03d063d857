package luabridge

import (
	"runtime"
	"sync"
	"weak"

	"go.uber.org/zap"
)

// SetThreadEventCallback registers the thread event callback. Only one may
// be active; registering replaces the previous one.
//
// The callback fires synchronously on thread creation, and on thread
// destruction during the collection cycle that reclaims the handle. Events
// caused by the callback's own body (a thread created inside it) are
// suppressed rather than recursing.
func (vm *VM) SetThreadEventCallback(fn ThreadEventFunc) {
	vm.threadCB = fn
}

// RemoveThreadEventCallback unregisters the callback.
func (vm *VM) RemoveThreadEventCallback() {
	vm.threadCB = nil
}

// arena tracks live thread handles weakly, keyed by identity. The collector
// owns thread lifetimes: each registered handle carries a cleanup hook that
// records its identity once the handle becomes unreachable and a collection
// runs. Destruction events are then delivered on the host goroutine by
// Collect.
type arena struct {
	slots map[uintptr]*arenaSlot

	// pending grows without bound between drains; cleanups run on the
	// runtime's goroutine and must never lose a notification.
	mu      sync.Mutex
	pending []uintptr
	stopped bool
}

type arenaSlot struct {
	ref   weak.Pointer[Thread]
	clean runtime.Cleanup
}

func newArena() *arena {
	return &arena{slots: make(map[uintptr]*arenaSlot)}
}

// register adds the thread to the arena. The cleanup only records the
// identity; all callback work happens later on the host goroutine.
func (a *arena) register(t *Thread) {
	s := &arenaSlot{ref: weak.Make(t)}
	s.clean = runtime.AddCleanup(t, func(ptr uintptr) {
		a.mu.Lock()
		if !a.stopped {
			a.pending = append(a.pending, ptr)
		}
		a.mu.Unlock()
	}, t.ptr)
	a.slots[t.ptr] = s
}

// take removes and returns the identities recorded since the last drain.
func (a *arena) take() []uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.pending
	a.pending = nil
	return p
}

func (a *arena) stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	a.stopped = true
	for _, s := range a.slots {
		s.clean.Stop()
	}
	a.slots = make(map[uintptr]*arenaSlot)
	a.pending = nil
}

// Collect forces a collection cycle: it runs the collector, reaps every
// handle that has become unreachable, and delivers their destruction events.
// It returns any error deferred from a destruction callback; collection
// itself must not fail the host's unrelated calls, so callback failures
// surface here, at the next point the VM can report them.
func (vm *VM) Collect() error {
	if vm.isClosed {
		return ErrClosed
	}
	runtime.GC()

	// Cleanup notifications recorded since the last drain. Their arrival is
	// asynchronous, so a dead handle's notification may not have landed yet.
	for _, ptr := range vm.arena.take() {
		vm.reap(ptr)
	}
	// A cleared weak reference is definitive regardless: reap the remainder
	// now rather than wait on the runtime. The deleted slot makes the late
	// notification a no-op.
	for ptr, s := range vm.arena.slots {
		if s.ref.Value() == nil {
			s.clean.Stop()
			vm.reap(ptr)
		}
	}

	if vm.metrics != nil {
		vm.metrics.Collections.Inc()
	}
	return vm.takeDeferred()
}

// reap fires the destruction event for one collected thread identity.
func (vm *VM) reap(ptr uintptr) {
	s, ok := vm.arena.slots[ptr]
	if !ok {
		return
	}
	if s.ref.Value() != nil {
		// The identity was reused by a live handle registered after the
		// dead one's notification was recorded.
		return
	}
	delete(vm.arena.slots, ptr)

	if vm.metrics != nil {
		vm.metrics.ThreadsCollected.Inc()
		vm.metrics.ThreadsLive.Dec()
	}
	vm.log.Debug("thread collected", zap.Uintptr("thread", ptr))

	cb := vm.threadCB
	if cb == nil || vm.inEventCB {
		return
	}
	vm.inEventCB = true
	err := cb(vm, ThreadEvent{Kind: ThreadDestroyed, Pointer: ptr})
	vm.inEventCB = false
	if err != nil && vm.deferredErr == nil {
		vm.deferredErr = err
	}
}
