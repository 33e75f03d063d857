package luabridge

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrPoolClosed  = errors.New("vm pool is closed")
	ErrPoolTimeout = errors.New("vm acquisition timeout")
)

// Pool manages a set of independent VM instances for host-level parallelism.
// Instances share no mutable state, so pooled VMs may run on separate
// goroutines concurrently; each individual VM stays single-threaded.
type Pool struct {
	libs StdLib
	cfg  Config
	vms  chan *VM
	size int

	mu     sync.RWMutex
	closed bool
}

// NewPool pre-creates size VM instances with the given libraries and config.
func NewPool(libs StdLib, cfg Config, size int) (*Pool, error) {
	if size <= 0 {
		size = 4
	}

	pool := &Pool{
		libs: libs,
		cfg:  cfg,
		vms:  make(chan *VM, size),
		size: size,
	}

	for i := 0; i < size; i++ {
		vm, err := NewWith(libs, cfg)
		if err != nil {
			pool.Close()
			return nil, err
		}
		pool.vms <- vm
	}

	return pool, nil
}

// Acquire takes a VM from the pool, waiting up to the context deadline.
func (p *Pool) Acquire(ctx context.Context) (*VM, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	select {
	case vm := <-p.vms:
		return vm, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Second):
		return nil, ErrPoolTimeout
	}
}

// Release returns a VM to the pool. A VM that fails its collection cycle is
// replaced rather than reused.
func (p *Pool) Release(vm *VM) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return vm.Close()
	}

	if err := vm.Collect(); err != nil {
		_ = vm.Close()
		if fresh, ferr := NewWith(p.libs, p.cfg); ferr == nil {
			p.vms <- fresh
		}
		return err
	}

	select {
	case p.vms <- vm:
		return nil
	default:
		return vm.Close()
	}
}

// Do runs fn with a pooled VM.
func (p *Pool) Do(ctx context.Context, fn func(*VM) error) error {
	vm, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(vm)
	return fn(vm)
}

// Close shuts the pool down and closes every pooled VM.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	close(p.vms)

	for vm := range p.vms {
		_ = vm.Close()
	}
	return nil
}

// Stats reports pool occupancy.
func (p *Pool) Stats() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return map[string]interface{}{
		"size":      p.size,
		"available": len(p.vms),
		"in_use":    p.size - len(p.vms),
		"closed":    p.closed,
	}
}
