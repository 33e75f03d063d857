package luabridge

import (
	"context"
	"errors"
	"runtime"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// threadResult is one handoff from a thread goroutine back to its resumer.
type threadResult struct {
	values []lua.LValue
	done   bool
	err    error
}

// Thread is a cooperatively-scheduled execution context created from a
// callable. The callable runs on a dedicated goroutine; control transfers
// between resumer and thread through paired channels, so at any instant at
// most one of them is executing (baton discipline).
//
// Ownership: the thread is owned by the collector. The host's handle is
// weakly registered in the VM's arena; once the handle becomes unreachable
// and a collection cycle runs, a destruction event fires carrying the same
// identity observed at creation.
type Thread struct {
	vm     *VM
	th     *lua.LState
	cancel context.CancelFunc
	fn     *lua.LFunction
	env    *lua.LTable // non-nil once the thread is sandboxed
	status ThreadStatus

	started bool
	resume  chan []lua.LValue
	yield   chan threadResult

	ptr uintptr // identity captured at creation, stable across Reset
}

// CreateThread instantiates a coroutine bound to the given callable. If a
// thread event callback is registered it is invoked synchronously with a
// creation event before the handle is returned; a callback error fails the
// creation. Events triggered from inside the callback itself are suppressed.
func (vm *VM) CreateThread(f *Function) (*Thread, error) {
	if err := vm.checkClosed(); err != nil {
		return nil, err
	}
	if err := vm.takeDeferred(); err != nil {
		return nil, err
	}

	th, cancel := vm.ls.NewThread()
	t := &Thread{
		vm:     vm,
		th:     th,
		cancel: cancel,
		fn:     f.fn,
		status: StatusResumable,
		resume: make(chan []lua.LValue),
		yield:  make(chan threadResult),
		ptr:    lvPointer(th),
	}

	if cb := vm.threadCB; cb != nil && !vm.inEventCB {
		vm.inEventCB = true
		err := cb(vm, ThreadEvent{Kind: ThreadCreated, Thread: t, Pointer: t.ptr})
		vm.inEventCB = false
		if err != nil {
			return nil, err
		}
	}

	// The engine can hand back an address whose previous occupant died but
	// was never collected. Deliver that identity's destruction event before
	// the slot is reused.
	vm.reap(t.ptr)
	vm.arena.register(t)
	if vm.metrics != nil {
		vm.metrics.ThreadsCreated.Inc()
		vm.metrics.ThreadsLive.Inc()
	}
	vm.log.Debug("thread created", zap.Uintptr("thread", t.ptr))
	return t, nil
}

// Pointer returns the thread's diagnostic identity. It equals the identity
// delivered with this thread's creation and destruction events.
func (t *Thread) Pointer() uintptr { return t.ptr }

// Status reports the thread's current lifecycle state.
func (t *Thread) Status() ThreadStatus { return t.status }

// Resume transfers control into the thread until it yields, returns or
// errors, then returns the yielded or returned values. Resuming a finished
// or errored thread fails.
func (t *Thread) Resume(args ...lua.LValue) ([]lua.LValue, error) {
	vm := t.vm
	if err := vm.checkClosed(); err != nil {
		return nil, err
	}
	if err := vm.takeDeferred(); err != nil {
		return nil, err
	}
	switch t.status {
	case StatusFinished, StatusError:
		return nil, errors.New("cannot resume dead thread")
	case StatusRunning, StatusNormal:
		return nil, errors.New("cannot resume non-suspended thread")
	}
	if err := vm.checkpoint(); err != nil {
		return nil, err
	}

	prev := vm.current
	if prev != nil {
		prev.status = StatusNormal
	}
	vm.current = t
	t.status = StatusRunning

	if !t.started {
		t.started = true
		go t.run(args)
	} else {
		t.resume <- args
	}
	res := <-t.yield
	resErr := vm.takeAbort(res.err)

	vm.current = prev
	if prev != nil {
		prev.status = StatusRunning
	}
	if vm.metrics != nil {
		vm.metrics.Resumes.Inc()
	}

	if !res.done {
		t.status = StatusResumable
		return res.values, nil
	}
	if resErr != nil {
		t.status = StatusError
		return nil, resErr
	}
	t.status = StatusFinished
	return res.values, nil
}

// run executes the thread body on its own goroutine and hands the final
// result back to the resumer.
func (t *Thread) run(args []lua.LValue) {
	L := t.th
	base := L.GetTop()
	err := L.CallByParam(lua.P{Fn: t.fn, NRet: lua.MultRet, Protect: true}, args...)

	res := threadResult{done: true}
	if err != nil {
		res.err = runtimeError(err)
	} else {
		top := L.GetTop()
		for i := base + 1; i <= top; i++ {
			res.values = append(res.values, L.Get(i))
		}
		L.SetTop(base)
	}
	select {
	case t.yield <- res:
	case <-t.vm.closed:
	}
}

// yieldValues suspends the thread goroutine, handing vals to the resumer,
// and blocks until the next Resume. Called from the thread goroutine only.
func (t *Thread) yieldValues(vals []lua.LValue) []lua.LValue {
	select {
	case t.yield <- threadResult{values: vals}:
	case <-t.vm.closed:
		runtime.Goexit()
	}
	select {
	case in := <-t.resume:
		return in
	case <-t.vm.closed:
		runtime.Goexit()
	}
	return nil
}

// hookYield suspends the thread on behalf of the interrupt hook, without the
// script's cooperation. Resume arguments delivered while suspended this way
// are discarded, matching a yield the script did not ask for.
func (t *Thread) hookYield() {
	t.yieldValues(nil)
}

// luaYield backs coroutine.yield for scripts running inside bridge threads.
func (vm *VM) luaYield(L *lua.LState) int {
	vm.checkpointRaise(L)
	t := vm.current
	if t == nil || L != t.th {
		L.RaiseError("attempt to yield from outside a coroutine")
	}
	n := L.GetTop()
	vals := make([]lua.LValue, 0, n)
	for i := 1; i <= n; i++ {
		vals = append(vals, L.Get(i))
	}
	L.SetTop(0)
	in := t.yieldValues(vals)
	for _, v := range in {
		L.Push(v)
	}
	return len(in)
}

// Reset rebinds a finished or errored thread to a new callable, restoring it
// to the resumable state. The sandbox flag survives: a sandboxed thread stays
// sandboxed across resets.
func (t *Thread) Reset(f *Function) error {
	if t.status != StatusFinished && t.status != StatusError {
		return errors.New("cannot reset a thread that is not finished")
	}
	th, cancel := t.vm.ls.NewThread()
	t.th = th
	t.cancel = cancel
	t.fn = f.fn
	if t.env != nil {
		t.fn = rebind(f.fn, t.env)
		t.th.Env = t.env
	}
	t.started = false
	t.status = StatusResumable
	t.resume = make(chan []lua.LValue)
	t.yield = make(chan threadResult)
	return nil
}

// Sandbox isolates this thread's subsequent global writes from the parent
// context. The thread receives a fresh environment whose reads fall back to
// the shared globals; writes land in the private environment and are never
// observed by the creator. Must be applied before the first resume.
func (t *Thread) Sandbox() error {
	if t.env != nil {
		return nil
	}
	if t.started {
		return errors.New("cannot sandbox a thread that has already run")
	}
	ls := t.vm.ls

	env := ls.NewTable()
	mt := ls.NewTable()
	mt.RawSetString("__index", ls.G.Global)
	ls.SetMetatable(env, mt)

	t.env = env
	t.th.Env = env
	t.fn = rebind(t.fn, env)
	return nil
}

// rebind returns fn bound to env. Host functions are returned unchanged:
// their global access goes through the VM, which resolves the environment of
// the running thread. Script functions get a shallow clone sharing the
// compiled prototype and upvalues, so a function object shared with other
// threads keeps its own environment there.
func rebind(fn *lua.LFunction, env *lua.LTable) *lua.LFunction {
	if fn.IsG {
		return fn
	}
	return &lua.LFunction{
		IsG:      false,
		Env:      env,
		Proto:    fn.Proto,
		Upvalues: fn.Upvalues,
	}
}
