package luabridge

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// Table wraps an engine table with the bridge's immutability bookkeeping.
// While the readonly flag is set, every structural mutation entry point
// fails with ErrReadonly; reads, iteration and length are unaffected.
type Table struct {
	vm  *VM
	tbl *lua.LTable
}

// LTable exposes the underlying engine table.
func (t *Table) LTable() *lua.LTable { return t.tbl }

// Pointer returns the table's diagnostic identity.
func (t *Table) Pointer() uintptr { return lvPointer(t.tbl) }

// SetReadonly toggles the immutability flag. Setting it also installs a
// script-side guard metatable when the table has none, so plain assignments
// from scripts fail with the same message as host-side mutators.
func (t *Table) SetReadonly(on bool) {
	vm := t.vm
	if on {
		vm.readonly[t.tbl] = true
		if vm.ls.GetMetatable(t.tbl) == lua.LNil {
			mt := vm.ls.NewTable()
			mt.RawSetString("__newindex", vm.ls.NewFunction(vm.raiseReadonly))
			mt.RawSetString("__metatable", lua.LString("readonly"))
			vm.ls.SetMetatable(t.tbl, mt)
			vm.guarded[t.tbl] = true
		}
		return
	}
	delete(vm.readonly, t.tbl)
	if vm.guarded[t.tbl] {
		vm.ls.SetMetatable(t.tbl, lua.LNil)
		delete(vm.guarded, t.tbl)
	}
}

// IsReadonly reports the immutability flag.
func (t *Table) IsReadonly() bool { return t.vm.isReadonly(t.tbl) }

// SetSafeEnv toggles the safeenv optimization flag. The flag is bookkeeping
// only: a table with safeenv disabled observes direct field mutation without
// error even while it participates in sandbox accounting.
func (t *Table) SetSafeEnv(on bool) {
	if on {
		t.vm.safeenv[t.tbl] = true
		return
	}
	delete(t.vm.safeenv, t.tbl)
}

// IsSafeEnv reports the safeenv flag.
func (t *Table) IsSafeEnv() bool { return t.vm.safeenv[t.tbl] }

func (t *Table) mutable() error {
	if t.vm.isReadonly(t.tbl) {
		return ErrReadonly
	}
	return nil
}

// Set assigns key to value, honoring a __newindex handler for absent keys.
func (t *Table) Set(key, value lua.LValue) error {
	if err := t.mutable(); err != nil {
		return err
	}
	if t.tbl.RawGet(key) == lua.LNil {
		if mt, ok := t.vm.ls.GetMetatable(t.tbl).(*lua.LTable); ok {
			switch h := mt.RawGetString("__newindex").(type) {
			case *lua.LFunction:
				_, err := t.vm.call(t.vm.ls, h, t.tbl, key, value)
				return err
			case *lua.LTable:
				return t.vm.WrapTable(h).Set(key, value)
			}
		}
	}
	if t.vm.sandboxed && t.tbl == t.vm.ls.G.Global {
		if ks, ok := key.(lua.LString); ok {
			t.vm.tracked[string(ks)] = struct{}{}
		}
	}
	t.tbl.RawSet(key, value)
	return nil
}

// RawSet assigns key to value without metamethod traversal.
func (t *Table) RawSet(key, value lua.LValue) error {
	if err := t.mutable(); err != nil {
		return err
	}
	if t.vm.sandboxed && t.tbl == t.vm.ls.G.Global {
		if ks, ok := key.(lua.LString); ok {
			t.vm.tracked[string(ks)] = struct{}{}
		}
	}
	t.tbl.RawSet(key, value)
	return nil
}

// SetString assigns a string key.
func (t *Table) SetString(key string, value lua.LValue) error {
	return t.Set(lua.LString(key), value)
}

// Get reads key, following __index chains.
func (t *Table) Get(key lua.LValue) lua.LValue {
	return t.vm.index(t.tbl, key)
}

// GetString reads a string key, following __index chains.
func (t *Table) GetString(key string) lua.LValue {
	return t.Get(lua.LString(key))
}

// RawGet reads key without metamethod traversal.
func (t *Table) RawGet(key lua.LValue) lua.LValue {
	return t.tbl.RawGet(key)
}

// Insert places value at position i, shifting the sequence tail up.
func (t *Table) Insert(i int, value lua.LValue) error {
	if err := t.mutable(); err != nil {
		return err
	}
	t.tbl.Insert(i, value)
	return nil
}

// Remove deletes the element at position i, shifting the sequence tail down.
func (t *Table) Remove(i int) (lua.LValue, error) {
	if err := t.mutable(); err != nil {
		return lua.LNil, err
	}
	return t.tbl.Remove(i), nil
}

// Push appends value to the sequence part.
func (t *Table) Push(value lua.LValue) error {
	if err := t.mutable(); err != nil {
		return err
	}
	t.tbl.Append(value)
	return nil
}

// Pop removes and returns the last sequence element.
func (t *Table) Pop() (lua.LValue, error) {
	if err := t.mutable(); err != nil {
		return lua.LNil, err
	}
	n := t.tbl.Len()
	if n == 0 {
		return lua.LNil, nil
	}
	return t.tbl.Remove(n), nil
}

// RawPush is Push without metamethod traversal. The bridge's sequence ops
// are raw already; the separate entry point mirrors the mutator matrix so
// every structural mutation path enforces the readonly flag.
func (t *Table) RawPush(value lua.LValue) error { return t.Push(value) }

// RawPop is Pop without metamethod traversal.
func (t *Table) RawPop() (lua.LValue, error) { return t.Pop() }

// Len returns the sequence length.
func (t *Table) Len() int { return t.tbl.Len() }

// ForEach iterates all key/value pairs.
func (t *Table) ForEach(fn func(key, value lua.LValue)) {
	t.tbl.ForEach(fn)
}

// Metatable returns the table's metatable, or nil.
func (t *Table) Metatable() lua.LValue {
	return t.vm.ls.GetMetatable(t.tbl)
}

// SetMetatable replaces the table's metatable. Calling it on a readonly
// table is an API-contract violation by the embedding host, not a script
// data error, and aborts instead of returning a recoverable error.
func (t *Table) SetMetatable(mt *Table) {
	if t.vm.isReadonly(t.tbl) {
		panic(fmt.Sprintf("luabridge: attempt to change the metatable of a readonly table %#x", t.Pointer()))
	}
	if mt == nil {
		t.vm.ls.SetMetatable(t.tbl, lua.LNil)
		return
	}
	t.vm.ls.SetMetatable(t.tbl, mt.tbl)
}

// isReadonly consults the readonly registry.
func (vm *VM) isReadonly(tbl *lua.LTable) bool {
	return vm.readonly[tbl]
}

// raiseReadonly is the script-side __newindex guard for readonly tables.
func (vm *VM) raiseReadonly(L *lua.LState) int {
	L.RaiseError("%s", ErrReadonly.Error())
	return 0
}

// index resolves tbl[key] following __index tables and functions, bounded to
// the engine's customary chain depth. The read's value-only signature cannot
// carry a metamethod error; one is stashed instead and reported at the next
// host call boundary.
func (vm *VM) index(tbl *lua.LTable, key lua.LValue) lua.LValue {
	cur := tbl
	for depth := 0; depth < 100; depth++ {
		if v := cur.RawGet(key); v != lua.LNil {
			return v
		}
		mt, ok := vm.ls.GetMetatable(cur).(*lua.LTable)
		if !ok {
			return lua.LNil
		}
		switch idx := mt.RawGetString("__index").(type) {
		case *lua.LTable:
			cur = idx
		case *lua.LFunction:
			out, err := vm.call(vm.ls, idx, cur, key)
			if err != nil {
				if vm.deferredErr == nil {
					vm.deferredErr = err
				}
				return lua.LNil
			}
			if len(out) == 0 {
				return lua.LNil
			}
			return out[0]
		default:
			return lua.LNil
		}
	}
	return lua.LNil
}
