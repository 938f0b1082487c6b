// Package jsengine provides an engine whose behavior is a JavaScript program run by goja.
//
// The script defines execute(data, state) and, optionally, configure(data). execute may
// return a plain value or an object {data, state}; the state becomes the execution state
// of the result and so drives composition routing. Strings are returned as text, every
// other value as JSON.
package jsengine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/wehubfusion/dpe/pkg/engine"
)

// Class is the engine class name the engine is registered under.
const Class = "dpe.Script"

// IdentityScript returns its input.
const IdentityScript = `function execute(data, state) { return data; }`

const (
	defaultTimeout  = 5 * time.Second
	defaultPoolSize = 4
	defaultMaxReuse = 1000
)

// Config selects the script and how it runs. Configure requests carry it as JSON, or
// carry the bare script text.
type Config struct {
	Script    string `json:"script"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
	PoolSize  int    `json:"poolSize,omitempty"`
	MaxReuse  int    `json:"maxReuse,omitempty"`
	AllowEval bool   `json:"allowEval,omitempty"`
}

func (c *Config) applyDefaults() {
	if c.Script == "" {
		c.Script = IdentityScript
	}
	if c.TimeoutMs <= 0 {
		c.TimeoutMs = int(defaultTimeout / time.Millisecond)
	}
	if c.PoolSize <= 0 {
		c.PoolSize = defaultPoolSize
	}
	if c.MaxReuse <= 0 {
		c.MaxReuse = defaultMaxReuse
	}
}

func (c Config) timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Engine runs a script on a pool of goja runtimes. It is safe for concurrent use; each
// call gets a runtime of its own.
type Engine struct {
	engine.Info
	logger *zap.Logger

	mu     sync.RWMutex
	pool   *vmPool
	config Config
}

// New compiles cfg.Script, or IdentityScript when empty, and builds the runtime pool.
func New(cfg Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		Info: engine.Info{
			Inputs:  []string{engine.MimeString, engine.MimeJSON},
			Outputs: []string{engine.MimeString, engine.MimeJSON},
			Desc:    "Runs a JavaScript execute(data, state) function on every request",
			Ver:     "1.0.0",
			By:      "wehubfusion",
		},
		logger: logger,
	}
	if err := e.load(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// load compiles cfg and swaps the pool. The previous pool is closed; calls running on
// it finish normally.
func (e *Engine) load(cfg Config) error {
	cfg.applyDefaults()
	program, err := goja.Compile("script", cfg.Script, false)
	if err != nil {
		return classify(err)
	}
	pool, err := newVMPool(program, cfg.PoolSize, cfg.MaxReuse, cfg.AllowEval, e.logger)
	if err != nil {
		return err
	}

	e.mu.Lock()
	old := e.pool
	e.pool, e.config = pool, cfg
	e.mu.Unlock()
	if old != nil {
		old.close()
	}
	return nil
}

// Configure replaces the script when the input carries one. Otherwise the data is
// handed to the script's configure function, if it defines one.
func (e *Engine) Configure(ctx context.Context, in *engine.EngineData) (*engine.EngineData, error) {
	if cfg, ok, err := parseConfig(in); err != nil {
		return nil, err
	} else if ok {
		if err := e.load(cfg); err != nil {
			return nil, err
		}
		return engine.NewData(engine.MimeString, "script loaded"), nil
	}

	value, err := e.call(ctx, func(vm *pooledVM) (goja.Callable, []goja.Value) {
		if vm.configure == nil {
			return nil, nil
		}
		return vm.configure, []goja.Value{vm.vm.ToValue(in.Data)}
	})
	if err != nil || value == nil {
		return nil, err
	}
	return toEngineData(value)
}

// Execute calls execute(data, state).
func (e *Engine) Execute(ctx context.Context, in *engine.EngineData) (*engine.EngineData, error) {
	value, err := e.call(ctx, func(vm *pooledVM) (goja.Callable, []goja.Value) {
		return vm.execute, []goja.Value{vm.vm.ToValue(in.Data), vm.vm.ToValue(in.ExecutionState)}
	})
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, newContractError("%s returned nothing", executeFunction)
	}
	return toEngineData(value)
}

// Destroy drops every runtime.
func (e *Engine) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pool != nil {
		e.pool.close()
	}
}

// call runs the function chosen by pick on a pooled runtime, interrupting it once the
// script timeout or ctx expires. A nil result means the function returned undefined.
func (e *Engine) call(ctx context.Context, pick func(*pooledVM) (goja.Callable, []goja.Value)) (any, error) {
	e.mu.RLock()
	pool, timeout := e.pool, e.config.timeout()
	e.mu.RUnlock()

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	vm, err := pool.acquire(timeoutCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire script runtime: %w", err)
	}
	interrupted := false
	defer func() { pool.release(vm, interrupted) }()

	fn, args := pick(vm)
	if fn == nil {
		return nil, nil
	}

	done := make(chan struct{})
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case <-timeoutCtx.Done():
			vm.vm.Interrupt(fmt.Sprintf("execution timeout after %s", timeout))
		case <-done:
		}
	}()
	value, err := fn(goja.Undefined(), args...)
	close(done)
	<-watcherDone

	if err != nil {
		se := classify(err)
		interrupted = se.Type == ErrorTypeTimeout
		return nil, se
	}
	if timeoutCtx.Err() != nil {
		// the interrupt may have landed after the call returned
		interrupted = true
	}
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	return value.Export(), nil
}

// parseConfig recognizes a script configuration: a JSON object with a script field or
// a string defining execute.
func parseConfig(in *engine.EngineData) (Config, bool, error) {
	var cfg Config
	switch v := in.Data.(type) {
	case map[string]any:
		if _, ok := v["script"]; !ok {
			return cfg, false, nil
		}
		b, err := json.Marshal(v)
		if err != nil {
			return cfg, false, err
		}
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, false, fmt.Errorf("invalid script configuration: %w", err)
		}
		return cfg, true, nil
	case string:
		if in.MimeType == engine.MimeString && containsFunction(v, executeFunction) {
			cfg.Script = v
			return cfg, true, nil
		}
	}
	return cfg, false, nil
}

func containsFunction(src, name string) bool {
	return strings.Contains(src, "function "+name)
}

// toEngineData maps a script result to engine data. {data, state} objects set the
// execution state.
func toEngineData(value any) (*engine.EngineData, error) {
	var state string
	if m, ok := value.(map[string]any); ok {
		if data, hasData := m["data"]; hasData {
			if s, ok := m["state"].(string); ok {
				state = s
			}
			value = data
		}
	}
	if value == nil {
		return nil, newContractError("%s returned no data", executeFunction)
	}

	var out *engine.EngineData
	if s, ok := value.(string); ok {
		out = engine.NewData(engine.MimeString, s)
	} else {
		out = engine.NewData(engine.MimeJSON, value)
	}
	out.ExecutionState = state
	return out, nil
}
