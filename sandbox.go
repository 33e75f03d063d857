package luabridge

import (
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Sandbox toggles the VM's global isolation mode.
//
// Enabling marks every opened library table readonly (scripts and host-side
// mutators both fail with the readonly message) and starts tracking global
// writes. Disabling removes the tracked globals, restores the original
// library tables and clears the readonly marks, so the global environment
// returns to its pre-sandbox state. Enabling twice without disabling is a
// no-op, and a re-enable after disabling behaves as a fresh sandbox.
//
// These are fire-and-forget configuration toggles; they do not fail under
// normal conditions.
func (vm *VM) Sandbox(on bool) error {
	if err := vm.checkClosed(); err != nil {
		return err
	}
	if on == vm.sandboxed {
		return nil
	}
	if on {
		vm.enableSandbox()
	} else {
		vm.disableSandbox()
	}
	if vm.metrics != nil {
		vm.metrics.SandboxToggles.WithLabelValues(boolLabel(on)).Inc()
	}
	vm.log.Debug("sandbox toggled", zap.Bool("enabled", on))
	return nil
}

// Sandboxed reports whether the VM is currently in sandbox mode.
func (vm *VM) Sandboxed() bool { return vm.sandboxed }

func (vm *VM) enableSandbox() {
	vm.sandboxed = true
	vm.tracked = make(map[string]struct{})
	g := vm.ls.G.Global

	// Swap each library binding for a readonly proxy. Reads delegate to the
	// original table through __index; writes fail. The original table is
	// flagged too so references captured before the swap stay protected.
	for name, tbl := range vm.libTables {
		proxy := vm.newReadonlyProxy(tbl)
		vm.proxies[name] = proxy
		g.RawSetString(name, proxy)
		vm.readonly[proxy] = true
		vm.readonly[tbl] = true
		vm.safeenv[tbl] = true
	}

	// Record globals assigned while sandboxed so disable can revert them.
	mt := vm.ls.NewTable()
	mt.RawSetString("__newindex", vm.ls.NewFunction(vm.trackGlobalWrite))
	vm.ls.SetMetatable(g, mt)
}

func (vm *VM) disableSandbox() {
	vm.sandboxed = false
	g := vm.ls.G.Global

	vm.ls.SetMetatable(g, lua.LNil)
	for name := range vm.tracked {
		g.RawSetString(name, lua.LNil)
	}
	vm.tracked = nil

	for name, tbl := range vm.libTables {
		if proxy, ok := vm.proxies[name]; ok {
			delete(vm.readonly, proxy)
		}
		delete(vm.readonly, tbl)
		delete(vm.safeenv, tbl)
		g.RawSetString(name, tbl)
	}
	vm.proxies = make(map[string]*lua.LTable)
}

// newReadonlyProxy builds an empty table delegating reads to tbl and
// rejecting writes. __metatable protection keeps scripts from peeling the
// guard off with setmetatable.
func (vm *VM) newReadonlyProxy(tbl *lua.LTable) *lua.LTable {
	proxy := vm.ls.NewTable()
	mt := vm.ls.NewTable()
	mt.RawSetString("__index", tbl)
	mt.RawSetString("__newindex", vm.ls.NewFunction(vm.raiseReadonly))
	mt.RawSetString("__metatable", lua.LString("readonly"))
	vm.ls.SetMetatable(proxy, mt)
	return proxy
}

// trackGlobalWrite is the __newindex hook on the global table while
// sandboxed: it records the key and performs the write.
func (vm *VM) trackGlobalWrite(L *lua.LState) int {
	tbl := L.CheckTable(1)
	key := L.Get(2)
	val := L.Get(3)
	if ks, ok := key.(lua.LString); ok {
		vm.tracked[string(ks)] = struct{}{}
	}
	tbl.RawSet(key, val)
	return 0
}

func boolLabel(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
