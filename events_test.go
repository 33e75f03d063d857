package luabridge

import (
	"errors"
	"runtime"
	"testing"
	"time"
)

func TestThreadCreationEvent(t *testing.T) {
	vm := newTestVM(t)

	var events []ThreadEvent
	vm.SetThreadEventCallback(func(vm *VM, ev ThreadEvent) error {
		events = append(events, ev)
		return nil
	})

	f, err := vm.Load("return 1")
	if err != nil {
		t.Fatalf("Load error = %v", err)
	}
	th, err := vm.CreateThread(f)
	if err != nil {
		t.Fatalf("CreateThread error = %v", err)
	}

	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Kind != ThreadCreated {
		t.Errorf("Kind = %v, want ThreadCreated", ev.Kind)
	}
	if ev.Thread != th {
		t.Error("Creation event should carry the live thread handle")
	}
	if ev.Pointer != th.Pointer() {
		t.Errorf("Event pointer %#x != thread pointer %#x", ev.Pointer, th.Pointer())
	}
	if ev.Pointer == 0 {
		t.Error("Event pointer should be non-zero")
	}
}

func TestThreadDestructionEvent(t *testing.T) {
	vm := newTestVM(t)

	created := make(map[uintptr]bool)
	destroyed := make(map[uintptr]bool)
	vm.SetThreadEventCallback(func(vm *VM, ev ThreadEvent) error {
		switch ev.Kind {
		case ThreadCreated:
			created[ev.Pointer] = true
		case ThreadDestroyed:
			if ev.Thread != nil {
				t.Error("Destruction event must not carry a live handle")
			}
			destroyed[ev.Pointer] = true
		}
		return nil
	})

	f, err := vm.Load("return 1")
	if err != nil {
		t.Fatalf("Load error = %v", err)
	}

	// The handle goes out of scope inside the closure; afterwards nothing
	// reaches it and a collection cycle must reap it.
	ptr := func() uintptr {
		th, err := vm.CreateThread(f)
		if err != nil {
			t.Fatalf("CreateThread error = %v", err)
		}
		return th.Pointer()
	}()

	if !created[ptr] {
		t.Fatal("Creation event missing")
	}

	for i := 0; i < 3 && !destroyed[ptr]; i++ {
		if err := vm.Collect(); err != nil {
			t.Fatalf("Collect error = %v", err)
		}
	}
	if !destroyed[ptr] {
		t.Fatal("Destruction event never delivered")
	}
}

func TestThreadKeptAliveNotDestroyed(t *testing.T) {
	vm := newTestVM(t)

	destroyed := 0
	vm.SetThreadEventCallback(func(vm *VM, ev ThreadEvent) error {
		if ev.Kind == ThreadDestroyed {
			destroyed++
		}
		return nil
	})

	f, err := vm.Load("return 1")
	if err != nil {
		t.Fatalf("Load error = %v", err)
	}
	th, err := vm.CreateThread(f)
	if err != nil {
		t.Fatalf("CreateThread error = %v", err)
	}

	if err := vm.Collect(); err != nil {
		t.Fatalf("Collect error = %v", err)
	}
	if destroyed != 0 {
		t.Errorf("Reachable thread was reaped %d times", destroyed)
	}
	_ = th.Pointer()
}

func TestCollectLargeBatch(t *testing.T) {
	vm := newTestVM(t)

	destroyed := 0
	vm.SetThreadEventCallback(func(vm *VM, ev ThreadEvent) error {
		if ev.Kind == ThreadDestroyed {
			destroyed++
		}
		return nil
	})

	f, err := vm.Load("return 1")
	if err != nil {
		t.Fatalf("Load error = %v", err)
	}

	// Every handle dies at once, far more than fit any notification batch.
	const n = 300
	func() {
		for i := 0; i < n; i++ {
			if _, err := vm.CreateThread(f); err != nil {
				t.Fatalf("CreateThread %d error = %v", i, err)
			}
		}
	}()
	runtime.GC()
	runtime.GC()

	for i := 0; i < 3 && destroyed < n; i++ {
		if err := vm.Collect(); err != nil {
			t.Fatalf("Collect error = %v", err)
		}
	}
	if destroyed != n {
		t.Fatalf("Delivered %d of %d destruction events", destroyed, n)
	}
	if got := len(vm.arena.slots); got != 0 {
		t.Errorf("Arena still tracks %d slots", got)
	}

	// With nothing left to reap a follow-up cycle must return promptly.
	start := time.Now()
	if err := vm.Collect(); err != nil {
		t.Fatalf("Collect error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Idle collection took %v", elapsed)
	}
}

func TestNestedCreationSuppressed(t *testing.T) {
	vm := newTestVM(t)

	f, err := vm.Load("return 1")
	if err != nil {
		t.Fatalf("Load error = %v", err)
	}

	events := 0
	vm.SetThreadEventCallback(func(vm *VM, ev ThreadEvent) error {
		events++
		// Creating a thread from inside the callback must not recurse.
		if _, err := vm.CreateThread(f); err != nil {
			t.Errorf("Nested CreateThread error = %v", err)
		}
		return nil
	})

	if _, err := vm.CreateThread(f); err != nil {
		t.Fatalf("CreateThread error = %v", err)
	}
	if events != 1 {
		t.Errorf("Expected exactly 1 event, got %d", events)
	}
}

func TestCreationCallbackErrorFailsCreate(t *testing.T) {
	vm := newTestVM(t)

	sentinel := errors.New("not now")
	vm.SetThreadEventCallback(func(vm *VM, ev ThreadEvent) error {
		return sentinel
	})

	f, err := vm.Load("return 1")
	if err != nil {
		t.Fatalf("Load error = %v", err)
	}
	th, err := vm.CreateThread(f)
	if !errors.Is(err, sentinel) {
		t.Errorf("CreateThread = %v, want the callback error", err)
	}
	if th != nil {
		t.Error("Failed creation should not return a handle")
	}
}

func TestDestructionCallbackErrorSurfaces(t *testing.T) {
	vm := newTestVM(t)

	sentinel := errors.New("ledger full")
	vm.SetThreadEventCallback(func(vm *VM, ev ThreadEvent) error {
		if ev.Kind == ThreadDestroyed {
			return sentinel
		}
		return nil
	})

	f, err := vm.Load("return 1")
	if err != nil {
		t.Fatalf("Load error = %v", err)
	}
	func() {
		if _, err := vm.CreateThread(f); err != nil {
			t.Fatalf("CreateThread error = %v", err)
		}
	}()

	var got error
	for i := 0; i < 3; i++ {
		if got = vm.Collect(); got != nil {
			break
		}
	}
	if !errors.Is(got, sentinel) {
		t.Errorf("Collect = %v, want the destruction callback error", got)
	}
}

func TestRemoveThreadEventCallback(t *testing.T) {
	vm := newTestVM(t)

	events := 0
	vm.SetThreadEventCallback(func(vm *VM, ev ThreadEvent) error {
		events++
		return nil
	})
	vm.RemoveThreadEventCallback()

	f, err := vm.Load("return 1")
	if err != nil {
		t.Fatalf("Load error = %v", err)
	}
	if _, err := vm.CreateThread(f); err != nil {
		t.Fatalf("CreateThread error = %v", err)
	}
	if events != 0 {
		t.Errorf("Removed callback fired %d times", events)
	}
}

func TestEventCallbackReplaceLastWins(t *testing.T) {
	vm := newTestVM(t)

	first, second := 0, 0
	vm.SetThreadEventCallback(func(vm *VM, ev ThreadEvent) error {
		first++
		return nil
	})
	vm.SetThreadEventCallback(func(vm *VM, ev ThreadEvent) error {
		second++
		return nil
	})

	f, err := vm.Load("return 1")
	if err != nil {
		t.Fatalf("Load error = %v", err)
	}
	if _, err := vm.CreateThread(f); err != nil {
		t.Fatalf("CreateThread error = %v", err)
	}
	if first != 0 {
		t.Errorf("Replaced callback fired %d times", first)
	}
	if second != 1 {
		t.Errorf("Replacement callback fired %d times, want 1", second)
	}
}

func TestCollectWithoutCallback(t *testing.T) {
	vm := newTestVM(t)

	f, err := vm.Load("return 1")
	if err != nil {
		t.Fatalf("Load error = %v", err)
	}
	func() {
		if _, err := vm.CreateThread(f); err != nil {
			t.Fatalf("CreateThread error = %v", err)
		}
	}()

	if err := vm.Collect(); err != nil {
		t.Errorf("Collect error = %v", err)
	}
}
