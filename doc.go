/*
Package luabridge embeds a sandboxable Lua virtual machine inside a host
application and mediates every boundary-crossing concern: sandbox isolation,
thread lifecycle tied to collection, cooperative preemption via interrupts,
readonly data enforcement and dynamic module resolution.

# Overview

The bridge orchestrates the gopher-lua engine, which supplies compilation,
execution, the value/table model and metatables. On top of it each VM owns:

  - A global environment with an optional sandbox mode
  - A table registry enforcing readonly and safeenv flags
  - Goroutine-backed coroutines with host-observable lifecycle events
  - A single interrupt hook polled at call boundaries
  - A memoizing module resolver behind require

# Sandboxing

Sandbox(true) swaps every opened library table for a readonly proxy and
tracks global writes; Sandbox(false) reverts both, restoring the pre-sandbox
environment. Individual threads can opt into a stricter per-thread sandbox
that isolates their global writes from the parent while reads still fall
back to the shared globals.

# Threads

CreateThread binds a callable to a fresh coroutine. Resume transfers control
until the thread yields (cooperatively, or forced by the interrupt hook),
returns or errors. Threads are owned by the collector: the host's handle is
registered weakly, and once it becomes unreachable the next Collect cycle
delivers a destruction event carrying the identity observed at creation.

# Interrupts

A registered interrupt hook fires at every library and host function call
boundary and at each host-to-script transfer. It returns Continue, Yield
(suspend the running thread as if the script yielded) or an error (abort the
execution chain, surfacing the error to the waiting host call).

# Module loading

require resolves names against the package.path and package.cpath templates,
compiles and executes the first existing candidate exactly once, and caches
the result by resolved path. In safe mode, native-module candidates are
refused even when present on disk.

# Error Model

Script errors, callback errors and resolution failures are recoverable and
return through the nearest host call with matchable messages ("attempt to
modify a readonly table", "module '<name>' not found", "dynamic libraries
are disabled in safe mode"). Replacing the metatable of a readonly table
from host code is an API-contract violation and panics instead.

# Usage Example

	vm, err := luabridge.New()
	if err != nil {
		return err
	}
	defer vm.Close()

	vm.Sandbox(true)
	if err := vm.DoString(`greeting = "hello"`); err != nil {
		return err
	}

# Concurrency

One VM is single-threaded-cooperative: only one logical thread executes at a
time and the VM must not be shared across goroutines. Pool provides fully
independent instances for parallel workloads.
*/
package luabridge
