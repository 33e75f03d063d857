package luabridge

import (
	"strings"

	lua "github.com/yuin/gopher-lua"
	"golang.org/x/time/rate"
)

// SetInterrupt registers the interrupt hook. Only one hook may be active;
// registering replaces the previous one. The hook is invoked at checkpoints
// during execution (every library and host function call boundary, and
// every host->script transfer) and must be safe to call at essentially
// arbitrary execution points.
//
// The exact firing granularity between checkpoints is a policy of the
// underlying engine and is deliberately unspecified beyond "at least once
// per call boundary". Config.InterruptMinInterval can thin invocations for
// expensive hooks.
//
// A script loop that makes no library or host call crosses no checkpoint,
// so the hook cannot interrupt it. Hosts enforcing an execution budget on
// untrusted code should keep such scripts off the VM or run them in a
// thread they can abandon.
func (vm *VM) SetInterrupt(fn InterruptFunc) {
	vm.interrupt = fn
	vm.limiter = nil
	if vm.cfg.InterruptMinInterval > 0 {
		vm.limiter = rate.NewLimiter(rate.Every(vm.cfg.InterruptMinInterval), 1)
	}
}

// RemoveInterrupt unregisters the hook, restoring unconditional execution.
func (vm *VM) RemoveInterrupt() {
	vm.interrupt = nil
	vm.limiter = nil
}

// checkpoint polls the interrupt hook once. A Yield outcome suspends the
// currently running thread in place; outside a thread it is a no-op. An
// error outcome aborts the execution chain.
func (vm *VM) checkpoint() error {
	fn := vm.interrupt
	if fn == nil {
		return nil
	}
	if vm.limiter != nil && !vm.limiter.Allow() {
		return nil
	}
	state, err := fn(vm)
	if err != nil {
		if vm.metrics != nil {
			vm.metrics.Interrupts.WithLabelValues("abort").Inc()
		}
		return err
	}
	switch state {
	case Yield:
		if vm.metrics != nil {
			vm.metrics.Interrupts.WithLabelValues("yield").Inc()
		}
		if t := vm.current; t != nil {
			t.hookYield()
		}
	default:
		if vm.metrics != nil {
			vm.metrics.Interrupts.WithLabelValues("continue").Inc()
		}
	}
	return nil
}

// checkpointRaise is checkpoint for use inside script execution: an abort
// outcome raises through the engine, and the original hook error is stashed
// so the waiting host call reports it unchanged rather than the engine's
// decorated rendering.
func (vm *VM) checkpointRaise(L *lua.LState) {
	if err := vm.checkpoint(); err != nil {
		vm.abortErr = err
		L.RaiseError("%s", err.Error())
	}
}

// takeAbort consumes the stashed interrupt abort at a host boundary. The
// abort substitutes for err only while err still carries the hook's message.
// A script-level pcall can catch the raise; the stale stash left behind must
// not replace a later genuine error.
func (vm *VM) takeAbort(err error) error {
	ab := vm.abortErr
	vm.abortErr = nil
	if err != nil && ab != nil && strings.Contains(err.Error(), ab.Error()) {
		return ab
	}
	return err
}
