package luabridge

import (
	"context"
	"errors"
	"sync"
	"testing"

	lua "github.com/yuin/gopher-lua"
)

func TestPoolAcquireRelease(t *testing.T) {
	pool, err := NewPool(LibsDefault, DefaultConfig(), 2)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer pool.Close()

	ctx := context.Background()

	vm, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Failed to acquire VM: %v", err)
	}

	got, err := vm.Eval("return 6 * 7")
	if err != nil {
		t.Fatalf("Eval error = %v", err)
	}
	if got != lua.LNumber(42) {
		t.Errorf("Eval = %v, want 42", got)
	}

	if err := pool.Release(vm); err != nil {
		t.Errorf("Failed to release VM: %v", err)
	}
}

func TestPoolDo(t *testing.T) {
	pool, err := NewPool(LibsDefault, DefaultConfig(), 2)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer pool.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		err := pool.Do(ctx, func(vm *VM) error {
			return vm.DoString("x = 1")
		})
		if err != nil {
			t.Errorf("Iteration %d: Do error = %v", i, err)
		}
	}
}

func TestPoolConcurrent(t *testing.T) {
	pool, err := NewPool(LibsDefault, DefaultConfig(), 4)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer pool.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 16)

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- pool.Do(ctx, func(vm *VM) error {
				v, err := vm.Eval("return math.floor(10.5)")
				if err != nil {
					return err
				}
				if v != lua.LNumber(10) {
					return errors.New("wrong result")
				}
				return nil
			})
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Concurrent Do error = %v", err)
		}
	}
}

func TestPoolIsolation(t *testing.T) {
	pool, err := NewPool(LibsDefault, DefaultConfig(), 2)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer pool.Close()

	ctx := context.Background()

	vm1, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire error = %v", err)
	}
	vm2, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire error = %v", err)
	}

	if vm1 == vm2 {
		t.Fatal("Pool handed out the same VM twice")
	}
	vm1.SetGlobal("private", lua.LNumber(1))
	if got := vm2.GetGlobal("private"); got != lua.LNil {
		t.Errorf("Pooled VMs should not share globals, got %v", got)
	}

	pool.Release(vm1)
	pool.Release(vm2)
}

func TestPoolClose(t *testing.T) {
	pool, err := NewPool(LibsDefault, DefaultConfig(), 2)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("Close error = %v", err)
	}
	// Closing twice is a no-op.
	if err := pool.Close(); err != nil {
		t.Errorf("Second Close error = %v", err)
	}

	if _, err := pool.Acquire(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Acquire after Close = %v, want ErrPoolClosed", err)
	}
}

func TestPoolAcquireContextCancel(t *testing.T) {
	pool, err := NewPool(LibsDefault, DefaultConfig(), 1)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer pool.Close()

	vm, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire error = %v", err)
	}
	defer pool.Release(vm)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pool.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Acquire with canceled context = %v, want context.Canceled", err)
	}
}

func TestPoolStats(t *testing.T) {
	pool, err := NewPool(LibsDefault, DefaultConfig(), 3)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	defer pool.Close()

	stats := pool.Stats()
	if stats["size"] != 3 {
		t.Errorf("size = %v, want 3", stats["size"])
	}
	if stats["available"] != 3 {
		t.Errorf("available = %v, want 3", stats["available"])
	}

	vm, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire error = %v", err)
	}
	stats = pool.Stats()
	if stats["in_use"] != 1 {
		t.Errorf("in_use = %v, want 1", stats["in_use"])
	}
	pool.Release(vm)
}
