package luabridge

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luabridge/luabridge/internal/id"
	"github.com/luabridge/luabridge/internal/logging"
	"github.com/luabridge/luabridge/internal/monitoring"
)

// VM is one root embedding of the Lua runtime. It owns the global table, the
// standard-library configuration, the module cache and at most one interrupt
// hook and one thread event callback.
//
// A VM is single-threaded-cooperative: only one logical thread (main or a
// coroutine) executes at a time, and the VM itself is not safe for concurrent
// use from multiple goroutines. Use Pool for host-level parallelism.
type VM struct {
	ls   *lua.LState
	cfg  Config
	libs StdLib
	id   string

	log     *logging.Logger
	metrics *monitoring.Metrics

	// Single-registration callback slots; registering replaces, removing
	// clears. Last write wins.
	interrupt InterruptFunc
	limiter   *rate.Limiter
	threadCB  ThreadEventFunc
	inEventCB bool

	// Baton holder: the thread currently executing, nil while the main
	// context runs.
	current *Thread

	// Table bookkeeping registries.
	readonly map[*lua.LTable]bool
	guarded  map[*lua.LTable]bool
	safeenv  map[*lua.LTable]bool

	// Sandbox state.
	sandboxed bool
	tracked   map[string]struct{}
	libTables map[string]*lua.LTable
	proxies   map[string]*lua.LTable

	// Module cache, keyed by resolved absolute path.
	modules map[string]lua.LValue
	pkg     *lua.LTable

	arena *arena

	abortErr    error // interrupt abort, surfaced in place of the Lua error
	deferredErr error // collection-time callback failure, surfaced at next call

	closed     chan struct{}
	closedOnce sync.Once
	isClosed   bool
}

// New creates a VM with the default library bundle and configuration.
func New() (*VM, error) {
	return NewWith(LibsDefault, DefaultConfig())
}

// NewWith creates a VM with an explicit library selection and configuration.
// Selecting LibNone yields a VM with no globals and no require support.
func NewWith(libs StdLib, cfg Config) (*VM, error) {
	log := logging.Nop()
	if cfg.LogEnabled {
		var err error
		log, err = logging.New(logging.Config{Level: cfg.LogLevel, Development: cfg.LogDevelopment})
		if err != nil {
			return nil, fmt.Errorf("failed to build logger: %w", err)
		}
	}

	vm := &VM{
		ls:        lua.NewState(lua.Options{SkipOpenLibs: true}),
		cfg:       cfg,
		libs:      libs,
		id:        id.NewVMID(),
		log:       log,
		readonly:  make(map[*lua.LTable]bool),
		guarded:   make(map[*lua.LTable]bool),
		safeenv:   make(map[*lua.LTable]bool),
		libTables: make(map[string]*lua.LTable),
		proxies:   make(map[string]*lua.LTable),
		modules:   make(map[string]lua.LValue),
		arena:     newArena(),
		closed:    make(chan struct{}),
	}
	vm.log = vm.log.With(zap.String("vm_id", vm.id))

	if cfg.MetricsEnabled {
		vm.metrics = monitoring.Get()
	}
	if cfg.InterruptMinInterval > 0 {
		vm.limiter = rate.NewLimiter(rate.Every(cfg.InterruptMinInterval), 1)
	}

	vm.openLibraries(libs)

	vm.log.Debug("vm created",
		zap.Uint("libs", uint(libs)),
		zap.Bool("safe_mode", cfg.SafeMode),
	)
	return vm, nil
}

// openLibraries opens the selected stdlib groups, instruments every library
// function with an interrupt checkpoint and installs the bridge's own
// primitives (coroutine.yield, require).
func (vm *VM) openLibraries(libs StdLib) {
	ls := vm.ls

	if libs&LibBase != 0 {
		lua.OpenBase(ls)
	}
	if libs&LibTable != 0 {
		lua.OpenTable(ls)
		vm.registerLib("table")
	}
	if libs&LibString != 0 {
		lua.OpenString(ls)
		vm.registerLib("string")
	}
	if libs&LibMath != 0 {
		lua.OpenMath(ls)
		vm.registerLib("math")
	}
	if libs&LibOS != 0 {
		lua.OpenOs(ls)
		vm.registerLib("os")
	}
	ls.SetTop(0)

	vm.instrument()

	if libs&LibBase != 0 {
		co := ls.NewTable()
		co.RawSetString("yield", ls.NewFunction(vm.luaYield))
		ls.SetGlobal("coroutine", co)
		vm.libTables["coroutine"] = co
	}
	if libs&LibPackage != 0 {
		vm.openPackage()
	}
}

func (vm *VM) registerLib(name string) {
	if tbl, ok := vm.ls.GetGlobal(name).(*lua.LTable); ok {
		vm.libTables[name] = tbl
	}
}

// instrument replaces every stdlib function with a wrapper that polls the
// interrupt hook, and installs readonly-aware variants of the raw mutators.
// This is the "bounded interval" firing point of the interrupt contract: the
// hook runs at least once per library or host function call boundary.
func (vm *VM) instrument() {
	g := vm.ls.G.Global

	// Capture originals needed by the readonly-aware wrappers before the
	// generic pass replaces them.
	var origInsert, origRemove *lua.LFunction
	if tbl, ok := vm.libTables["table"]; ok {
		origInsert, _ = tbl.RawGetString("insert").(*lua.LFunction)
		origRemove, _ = tbl.RawGetString("remove").(*lua.LFunction)
	}

	vm.instrumentTable(g)
	for _, tbl := range vm.libTables {
		vm.instrumentTable(tbl)
	}

	if vm.libs&LibBase != 0 {
		g.RawSetString("rawset", vm.ls.NewFunction(vm.luaRawset))
		g.RawSetString("setmetatable", vm.ls.NewFunction(vm.luaSetmetatable))
	}
	if tbl, ok := vm.libTables["table"]; ok {
		if origInsert != nil {
			tbl.RawSetString("insert", vm.ls.NewFunction(vm.mutatorWrapper(origInsert)))
		}
		if origRemove != nil {
			tbl.RawSetString("remove", vm.ls.NewFunction(vm.mutatorWrapper(origRemove)))
		}
	}
}

// levelSensitive names base functions that resolve their caller by stack
// level. Interposing a wrapper would shift the frame they report, so they
// run unwrapped.
var levelSensitive = map[string]bool{
	"error":   true,
	"assert":  true,
	"setfenv": true,
	"getfenv": true,
}

// instrumentTable wraps each function value of tbl with a checkpoint.
func (vm *VM) instrumentTable(tbl *lua.LTable) {
	type entry struct {
		key lua.LValue
		fn  *lua.LFunction
	}
	var entries []entry
	tbl.ForEach(func(k, v lua.LValue) {
		if ks, ok := k.(lua.LString); ok && levelSensitive[string(ks)] {
			return
		}
		if fn, ok := v.(*lua.LFunction); ok {
			entries = append(entries, entry{key: k, fn: fn})
		}
	})
	for _, e := range entries {
		tbl.RawSet(e.key, vm.ls.NewFunction(vm.passthrough(e.fn)))
	}
}

// passthrough builds a checkpointing wrapper delegating to orig with the
// caller's arguments and returning all of its results.
func (vm *VM) passthrough(orig *lua.LFunction) lua.LGFunction {
	return func(L *lua.LState) int {
		vm.checkpointRaise(L)
		return delegate(L, orig)
	}
}

// mutatorWrapper is passthrough plus a readonly check on the first argument.
func (vm *VM) mutatorWrapper(orig *lua.LFunction) lua.LGFunction {
	return func(L *lua.LState) int {
		vm.checkpointRaise(L)
		if tbl, ok := L.Get(1).(*lua.LTable); ok && vm.isReadonly(tbl) {
			L.RaiseError("%s", ErrReadonly.Error())
		}
		return delegate(L, orig)
	}
}

// delegate invokes orig with the wrapper's stack arguments. Errors propagate
// unprotected so pcall and the outer host boundary see them unchanged.
func delegate(L *lua.LState, orig *lua.LFunction) int {
	n := L.GetTop()
	args := make([]lua.LValue, 0, n)
	for i := 1; i <= n; i++ {
		args = append(args, L.Get(i))
	}
	if err := L.CallByParam(lua.P{Fn: orig, NRet: lua.MultRet, Protect: false}, args...); err != nil {
		L.RaiseError("%s", err.Error())
	}
	return L.GetTop() - n
}

// luaRawset is the bridge's rawset: identical to the stock one except that it
// refuses readonly targets and participates in sandbox global tracking.
func (vm *VM) luaRawset(L *lua.LState) int {
	vm.checkpointRaise(L)
	tbl := L.CheckTable(1)
	key := L.Get(2)
	val := L.Get(3)
	if vm.isReadonly(tbl) {
		L.RaiseError("%s", ErrReadonly.Error())
	}
	if vm.sandboxed && tbl == vm.ls.G.Global {
		if ks, ok := key.(lua.LString); ok {
			vm.tracked[string(ks)] = struct{}{}
		}
	}
	tbl.RawSet(key, val)
	L.SetTop(1)
	return 1
}

// luaSetmetatable refuses readonly targets and honors __metatable protection.
func (vm *VM) luaSetmetatable(L *lua.LState) int {
	vm.checkpointRaise(L)
	tbl := L.CheckTable(1)
	mt := L.Get(2)
	if vm.isReadonly(tbl) {
		L.RaiseError("%s", ErrReadonly.Error())
	}
	if cur, ok := L.GetMetatable(tbl).(*lua.LTable); ok {
		if cur.RawGetString("__metatable") != lua.LNil {
			L.RaiseError("cannot change a protected metatable")
		}
	}
	if mt != lua.LNil {
		if _, ok := mt.(*lua.LTable); !ok {
			L.RaiseError("bad argument #2 to 'setmetatable' (nil or table expected)")
		}
	}
	L.SetMetatable(tbl, mt)
	L.SetTop(1)
	return 1
}

// Function is a callable bound to a VM: either compiled source or a host Go
// function.
type Function struct {
	vm *VM
	fn *lua.LFunction
}

// Load compiles source into a callable without running it.
func (vm *VM) Load(source string) (*Function, error) {
	if err := vm.checkClosed(); err != nil {
		return nil, err
	}
	fn, err := vm.ls.LoadString(source)
	if err != nil {
		return nil, runtimeError(err)
	}
	return &Function{vm: vm, fn: fn}, nil
}

// LoadFile compiles the file at path into a callable. The chunk name is the
// path itself, so runtime errors raised by the chunk carry it.
func (vm *VM) LoadFile(path string) (*Function, error) {
	if err := vm.checkClosed(); err != nil {
		return nil, err
	}
	fn, err := vm.ls.LoadFile(path)
	if err != nil {
		return nil, runtimeError(err)
	}
	return &Function{vm: vm, fn: fn}, nil
}

// CreateFunction wraps a host Go function as a callable. The wrapper polls
// the interrupt hook on entry like every other call boundary.
func (vm *VM) CreateFunction(fn HostFunc) *Function {
	lf := vm.ls.NewFunction(func(L *lua.LState) int {
		vm.checkpointRaise(L)
		n := L.GetTop()
		args := make([]lua.LValue, 0, n)
		for i := 1; i <= n; i++ {
			args = append(args, L.Get(i))
		}
		out, err := fn(vm, args)
		if err != nil {
			L.RaiseError("%s", err.Error())
		}
		for _, v := range out {
			L.Push(v)
		}
		return len(out)
	})
	return &Function{vm: vm, fn: lf}
}

// LFunction exposes the underlying engine function, for binding callables
// into tables or globals.
func (f *Function) LFunction() *lua.LFunction { return f.fn }

// Call invokes the function on the main context.
func (f *Function) Call(args ...lua.LValue) ([]lua.LValue, error) {
	return f.vm.call(f.vm.ls, f.fn, args...)
}

// DoString compiles and runs source on the main context, discarding results.
func (vm *VM) DoString(source string) error {
	f, err := vm.Load(source)
	if err != nil {
		return err
	}
	_, err = f.Call()
	return err
}

// Eval compiles and runs source, returning the first result value.
func (vm *VM) Eval(source string) (lua.LValue, error) {
	f, err := vm.Load(source)
	if err != nil {
		return lua.LNil, err
	}
	out, err := f.Call()
	if err != nil {
		return lua.LNil, err
	}
	if len(out) == 0 {
		return lua.LNil, nil
	}
	return out[0], nil
}

// call is the single host->script transfer point for main-context execution.
func (vm *VM) call(L *lua.LState, fn *lua.LFunction, args ...lua.LValue) ([]lua.LValue, error) {
	if err := vm.checkClosed(); err != nil {
		return nil, err
	}
	if err := vm.takeDeferred(); err != nil {
		return nil, err
	}
	if err := vm.checkpoint(); err != nil {
		return nil, err
	}
	base := L.GetTop()
	err := L.CallByParam(lua.P{Fn: fn, NRet: lua.MultRet, Protect: true}, args...)
	if err != nil {
		err = runtimeError(err)
	}
	if err = vm.takeAbort(err); err != nil {
		return nil, err
	}
	top := L.GetTop()
	out := make([]lua.LValue, 0, top-base)
	for i := base + 1; i <= top; i++ {
		out = append(out, L.Get(i))
	}
	L.SetTop(base)
	return out, nil
}

// globalsTable resolves the global table for the current execution context:
// a sandboxed thread sees its own environment, everything else shares the
// main global table.
func (vm *VM) globalsTable() *lua.LTable {
	if t := vm.current; t != nil && t.env != nil {
		return t.env
	}
	return vm.ls.G.Global
}

// Globals returns the global table of the current execution context.
func (vm *VM) Globals() *Table {
	return &Table{vm: vm, tbl: vm.globalsTable()}
}

// GetGlobal reads a global, following __index chains.
func (vm *VM) GetGlobal(name string) lua.LValue {
	return vm.index(vm.globalsTable(), lua.LString(name))
}

// SetGlobal writes a global in the current execution context. Globals set
// while sandbox mode is enabled are tracked and reverted on disable.
func (vm *VM) SetGlobal(name string, value lua.LValue) {
	g := vm.globalsTable()
	if vm.sandboxed && g == vm.ls.G.Global {
		vm.tracked[name] = struct{}{}
	}
	g.RawSetString(name, value)
}

// NewTable creates a fresh table owned by this VM.
func (vm *VM) NewTable() *Table {
	return &Table{vm: vm, tbl: vm.ls.NewTable()}
}

// WrapTable wraps an existing engine table in the bridge's Table type.
func (vm *VM) WrapTable(tbl *lua.LTable) *Table {
	return &Table{vm: vm, tbl: tbl}
}

// ID returns the VM's instance identifier, used in logs.
func (vm *VM) ID() string { return vm.id }

// SafeMode reports whether native module loading is disallowed.
func (vm *VM) SafeMode() bool { return vm.cfg.SafeMode }

// takeDeferred surfaces an error deferred from a collection-time callback at
// the next controllable host call point.
func (vm *VM) takeDeferred() error {
	if err := vm.deferredErr; err != nil {
		vm.deferredErr = nil
		return err
	}
	return nil
}

func (vm *VM) checkClosed() error {
	if vm.isClosed {
		return ErrClosed
	}
	return nil
}

// Close drains outstanding thread goroutines, runs a final collection cycle
// and releases the underlying state. The VM must not be used afterwards.
func (vm *VM) Close() error {
	if vm.isClosed {
		return nil
	}
	vm.closedOnce.Do(func() { close(vm.closed) })

	err := vm.Collect()

	vm.arena.stop()
	vm.isClosed = true
	vm.ls.Close()
	vm.log.Debug("vm closed")
	return err
}

// runtimeError strips the engine's error envelope down to the script-visible
// message so callers can match on documented substrings.
func runtimeError(err error) error {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		return errors.New(apiErr.Object.String())
	}
	return err
}

// lvPointer returns a stable opaque identifier for a VM value, valid while
// the value is alive. Equal identifiers after collection do not imply the
// same logical value.
func lvPointer(v interface{}) uintptr {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		return rv.Pointer()
	}
	return 0
}

// PointerOf exposes the diagnostic identifier for any engine value.
func PointerOf(v lua.LValue) uintptr {
	return lvPointer(v)
}
