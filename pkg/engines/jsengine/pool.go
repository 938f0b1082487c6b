package jsengine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

const (
	executeFunction   = "execute"
	configureFunction = "configure"
)

// pooledVM is a runtime with the script already evaluated.
type pooledVM struct {
	vm        *goja.Runtime
	execute   goja.Callable
	configure goja.Callable
	uses      int
}

// vmPool keeps a fixed number of runtimes for one compiled script. A runtime is used
// by one call at a time and is rebuilt after maxReuse calls so script globals cannot
// grow without bound.
type vmPool struct {
	vms       chan *pooledVM
	program   *goja.Program
	maxReuse  int
	allowEval bool
	logger    *zap.Logger

	closeMu sync.RWMutex
	closed  bool

	totalCreated  atomic.Int64
	totalAcquired atomic.Int64
}

func newVMPool(program *goja.Program, size, maxReuse int, allowEval bool, logger *zap.Logger) (*vmPool, error) {
	p := &vmPool{
		vms:       make(chan *pooledVM, size),
		program:   program,
		maxReuse:  maxReuse,
		allowEval: allowEval,
		logger:    logger,
	}
	for i := 0; i < size; i++ {
		vm, err := p.createVM()
		if err != nil {
			return nil, err
		}
		p.vms <- vm
	}
	return p, nil
}

func (p *vmPool) createVM() (*pooledVM, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if err := secure(vm, p.logger, p.allowEval); err != nil {
		return nil, fmt.Errorf("failed to create secure context: %w", err)
	}
	if _, err := vm.RunProgram(p.program); err != nil {
		return nil, classify(err)
	}

	execute, ok := goja.AssertFunction(vm.Get(executeFunction))
	if !ok {
		return nil, newContractError("script does not define function %s(data, state)", executeFunction)
	}
	configure, _ := goja.AssertFunction(vm.Get(configureFunction))

	p.totalCreated.Add(1)
	return &pooledVM{vm: vm, execute: execute, configure: configure}, nil
}

func (p *vmPool) acquire(ctx context.Context) (*pooledVM, error) {
	p.closeMu.RLock()
	closed := p.closed
	p.closeMu.RUnlock()
	if closed {
		return nil, fmt.Errorf("pool is closed")
	}

	select {
	case vm := <-p.vms:
		p.totalAcquired.Add(1)
		vm.uses++
		return vm, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// release hands vm back, rebuilding it first when it reached maxReuse or was
// interrupted.
func (p *vmPool) release(vm *pooledVM, tainted bool) {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return
	}

	if tainted || vm.uses >= p.maxReuse {
		fresh, err := p.createVM()
		if err != nil {
			// the script compiled before, so this only fails on resource exhaustion
			p.logger.Error("Failed to rebuild script runtime, reusing the old one", zap.Error(err))
			vm.vm.ClearInterrupt()
		} else {
			vm = fresh
		}
	}
	p.vms <- vm
}

// close drops the idle runtimes. Runtimes still in use are dropped on release.
func (p *vmPool) close() {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for {
		select {
		case <-p.vms:
		default:
			return
		}
	}
}
