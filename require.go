package luabridge

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// openPackage installs the package table and the require primitive. Without
// LibPackage neither exists and module loading is disabled entirely.
func (vm *VM) openPackage() {
	ls := vm.ls

	pkg := ls.NewTable()
	pkg.RawSetString("path", lua.LString(vm.cfg.SourcePath))
	pkg.RawSetString("cpath", lua.LString(vm.cfg.NativePath))
	pkg.RawSetString("loaded", ls.NewTable())
	ls.SetGlobal("package", pkg)
	ls.SetGlobal("require", ls.NewFunction(vm.luaRequire))

	vm.pkg = pkg
	vm.libTables["package"] = pkg
}

// SetModulePaths rewrites the source and native search-path templates. Empty
// strings leave the corresponding template unchanged.
func (vm *VM) SetModulePaths(source, native string) {
	if vm.pkg == nil {
		return
	}
	if source != "" {
		vm.pkg.RawSetString("path", lua.LString(source))
	}
	if native != "" {
		vm.pkg.RawSetString("cpath", lua.LString(native))
	}
}

// Require resolves and loads a module from the host side, with the same
// resolution, caching and error semantics as the script-level require.
func (vm *VM) Require(name string) (lua.LValue, error) {
	if err := vm.checkClosed(); err != nil {
		return lua.LNil, err
	}
	if vm.pkg == nil {
		return lua.LNil, fmt.Errorf("module '%s' not found: module loading is disabled", name)
	}
	if v, ok := vm.stdlibModule(name); ok {
		return v, nil
	}
	resolved, err := vm.resolve(name)
	if err != nil {
		return lua.LNil, err
	}
	if v, ok := vm.modules[resolved]; ok {
		if vm.metrics != nil {
			vm.metrics.ModuleCacheHits.Inc()
		}
		return v, nil
	}
	fn, err := vm.ls.LoadFile(resolved)
	if err != nil {
		return lua.LNil, runtimeError(err)
	}
	out, err := vm.call(vm.ls, fn)
	if err != nil {
		return lua.LNil, err
	}
	var ret lua.LValue = lua.LTrue
	if len(out) > 0 && out[0] != lua.LNil {
		ret = out[0]
	}
	vm.storeModule(resolved, ret)
	return ret, nil
}

// luaRequire backs the script-level require primitive.
func (vm *VM) luaRequire(L *lua.LState) int {
	vm.checkpointRaise(L)
	name := L.CheckString(1)

	if v, ok := vm.stdlibModule(name); ok {
		L.Push(v)
		return 1
	}

	resolved, err := vm.resolve(name)
	if err != nil {
		L.RaiseError("%s", err.Error())
	}
	if v, ok := vm.modules[resolved]; ok {
		if vm.metrics != nil {
			vm.metrics.ModuleCacheHits.Inc()
		}
		L.Push(v)
		return 1
	}

	fn, err := vm.ls.LoadFile(resolved)
	if err != nil {
		L.RaiseError("error loading module '%s' from file '%s':\n\t%s", name, resolved, err.Error())
	}

	// The module body runs unprotected in the caller's context: its errors
	// propagate to the requiring code unchanged, carrying the resolved path
	// through the chunk name.
	n := L.GetTop()
	if err := L.CallByParam(lua.P{Fn: fn, NRet: lua.MultRet, Protect: false}); err != nil {
		L.RaiseError("%s", err.Error())
	}
	var ret lua.LValue = lua.LTrue
	if L.GetTop() > n {
		if v := L.Get(n + 1); v != lua.LNil {
			ret = v
		}
	}
	L.SetTop(n)

	vm.storeModule(resolved, ret)
	L.Push(ret)
	return 1
}

// stdlibModule short-circuits requires of opened standard libraries to their
// current global binding, so require("math") == _G.math holds, sandboxed or
// not.
func (vm *VM) stdlibModule(name string) (lua.LValue, bool) {
	if _, ok := vm.libTables[name]; !ok {
		return lua.LNil, false
	}
	v := vm.index(vm.ls.G.Global, lua.LString(name))
	if v == lua.LNil {
		return lua.LNil, false
	}
	return v, true
}

// resolve probes the search-path templates for name and returns the first
// existing candidate as an absolute path. Native candidates are refused in
// safe mode; a pure-Go engine cannot load them outside safe mode either, and
// says so rather than pretending.
func (vm *VM) resolve(name string) (string, error) {
	var probed []string

	for _, tmpl := range vm.pathTemplates("path") {
		cand := strings.ReplaceAll(tmpl, "?", name)
		if fileExists(cand) {
			abs, err := filepath.Abs(cand)
			if err != nil {
				return cand, nil
			}
			return abs, nil
		}
		probed = append(probed, cand)
	}

	for _, tmpl := range vm.pathTemplates("cpath") {
		cand := strings.ReplaceAll(tmpl, "?", name)
		if fileExists(cand) {
			if vm.cfg.SafeMode {
				return "", fmt.Errorf("module '%s' not found:\n\tdynamic libraries are disabled in safe mode", name)
			}
			return "", fmt.Errorf("module '%s' not found:\n\tnative module '%s' is not loadable by this runtime", name, cand)
		}
		probed = append(probed, cand)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "module '%s' not found:", name)
	for _, p := range probed {
		fmt.Fprintf(&b, "\n\tno file '%s'", p)
	}
	return "", fmt.Errorf("%s", b.String())
}

// pathTemplates reads the live template string from the package table, so
// script-side assignments to package.path/cpath take effect.
func (vm *VM) pathTemplates(field string) []string {
	if vm.pkg == nil {
		return nil
	}
	raw, ok := vm.pkg.RawGetString(field).(lua.LString)
	if !ok {
		return nil
	}
	var out []string
	for _, tmpl := range strings.Split(string(raw), ";") {
		if tmpl != "" {
			out = append(out, tmpl)
		}
	}
	return out
}

// storeModule memoizes a module result under its resolved path and mirrors
// it into package.loaded for script visibility.
func (vm *VM) storeModule(resolved string, ret lua.LValue) {
	vm.modules[resolved] = ret
	if loaded, ok := vm.pkg.RawGetString("loaded").(*lua.LTable); ok {
		loaded.RawSetString(resolved, ret)
	}
	if vm.metrics != nil {
		vm.metrics.ModulesLoaded.Inc()
	}
	vm.log.Debug("module loaded", zap.String("path", resolved))
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
