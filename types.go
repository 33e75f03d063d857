package luabridge

import (
	"errors"

	lua "github.com/yuin/gopher-lua"
)

// StdLib selects which standard library groups a VM opens at construction.
type StdLib uint

const (
	// LibNone opens nothing: no globals, no require, no package table.
	LibNone StdLib = 0

	LibBase StdLib = 1 << iota
	LibTable
	LibString
	LibMath
	LibOS
	LibPackage
)

// LibsDefault is the default bundle, including module-loading support.
const LibsDefault = LibBase | LibTable | LibString | LibMath | LibOS | LibPackage

// VmState is the outcome of one interrupt invocation.
type VmState int

const (
	// Continue resumes normal execution.
	Continue VmState = iota
	// Yield suspends the currently running thread back to its resumer, as if
	// the script itself yielded. Outside a thread it behaves like Continue.
	Yield
)

// InterruptFunc is a host callback polled by the VM during execution.
// Returning an error aborts the current execution chain; the error surfaces
// unchanged at the host call waiting on the result.
type InterruptFunc func(vm *VM) (VmState, error)

// ThreadStatus reports a thread's lifecycle state.
type ThreadStatus int

const (
	StatusResumable ThreadStatus = iota
	StatusRunning
	StatusNormal // suspended because it resumed another thread
	StatusFinished
	StatusError
)

func (s ThreadStatus) String() string {
	switch s {
	case StatusResumable:
		return "resumable"
	case StatusRunning:
		return "running"
	case StatusNormal:
		return "normal"
	case StatusFinished:
		return "finished"
	case StatusError:
		return "error"
	}
	return "unknown"
}

// ThreadEventKind discriminates thread lifecycle events.
type ThreadEventKind int

const (
	ThreadCreated ThreadEventKind = iota
	ThreadDestroyed
)

// ThreadEvent is delivered to a registered thread event callback.
//
// Creation events carry the live Thread. Destruction events carry only the
// Pointer: the thread's storage has already begun being reclaimed, so the
// identifier is an opaque marker usable for correlation with the creation
// event, nothing more.
type ThreadEvent struct {
	Kind    ThreadEventKind
	Thread  *Thread // non-nil only for ThreadCreated
	Pointer uintptr
}

// ThreadEventFunc observes thread creation and collection. An error returned
// from a creation event fails the creating call; an error from a destruction
// event is reported at the next collection cycle boundary.
type ThreadEventFunc func(vm *VM, ev ThreadEvent) error

// HostFunc is a Go function callable from scripts and threads.
type HostFunc func(vm *VM, args []lua.LValue) ([]lua.LValue, error)

// ErrReadonly is returned by every structural mutation of a readonly table.
var ErrReadonly = errors.New("attempt to modify a readonly table")

// ErrClosed is returned by operations on a closed VM.
var ErrClosed = errors.New("vm is closed")
