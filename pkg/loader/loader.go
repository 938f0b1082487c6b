// Package loader resolves engine classes into validated engine instances.
//
// Classes are resolved through a registry of factories. Built-in engines register
// themselves by name; additional engines come from Go plugins (.so files) or from
// aliases declared in YAML engine descriptors.
package loader

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/wehubfusion/dpe/pkg/engine"
	sdkerrors "github.com/wehubfusion/dpe/pkg/errors"
)

// Factory creates a new engine instance.
type Factory func() (engine.Engine, error)

// Registry maps engine classes to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	aliases   map[string]string
	opener    PluginOpener
}

// NewRegistry creates an empty registry that opens Go plugins for classes ending in .so
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		aliases:   make(map[string]string),
		opener:    GoPluginOpener{},
	}
}

// WithPluginOpener replaces the plugin opener.
func (r *Registry) WithPluginOpener(opener PluginOpener) *Registry {
	r.opener = opener
	return r
}

// Register adds a factory under class. Registering a class twice is an error.
func (r *Registry) Register(class string, factory Factory) error {
	if class == "" || factory == nil {
		return fmt.Errorf("engine class and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[class]; exists {
		return sdkerrors.NewEngineError(class, "already registered", sdkerrors.ErrAlreadyExists)
	}
	r.factories[class] = factory
	return nil
}

// MustRegister is Register for init-time wiring of built-in engines.
func (r *Registry) MustRegister(class string, factory Factory) {
	if err := r.Register(class, factory); err != nil {
		panic(err)
	}
}

// RegisterAlias makes alias resolve to target, which may be a registered class or a plugin path.
func (r *Registry) RegisterAlias(alias, target string) {
	r.mu.Lock()
	r.aliases[alias] = target
	r.mu.Unlock()
}

// Classes returns every registered class and alias, sorted.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories)+len(r.aliases))
	for class := range r.factories {
		out = append(out, class)
	}
	for alias := range r.aliases {
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}

// Load resolves class, creates an instance and validates it.
func (r *Registry) Load(class string) (eng engine.Engine, err error) {
	factory, err := r.resolve(class)
	if err != nil {
		return nil, err
	}

	defer func() {
		if rec := recover(); rec != nil {
			eng = nil
			err = sdkerrors.NewEngineError(class, fmt.Sprintf("factory panicked: %v", rec), sdkerrors.ErrEngineLoad)
		}
	}()

	eng, err = factory()
	if err != nil {
		return nil, sdkerrors.NewEngineError(class, "factory failed", fmt.Errorf("%w: %v", sdkerrors.ErrEngineLoad, err))
	}
	if eng == nil {
		return nil, sdkerrors.NewEngineError(class, "factory returned no engine", sdkerrors.ErrEngineLoad)
	}
	if err := Validate(eng); err != nil {
		eng.Destroy()
		return nil, sdkerrors.NewEngineError(class, err.Error(), sdkerrors.ErrEngineValidation)
	}
	return eng, nil
}

func (r *Registry) resolve(class string) (Factory, error) {
	r.mu.RLock()
	target := class
	// Aliases may chain, but not loop
	for i := 0; i < 8; i++ {
		next, ok := r.aliases[target]
		if !ok {
			break
		}
		target = next
	}
	factory, ok := r.factories[target]
	opener := r.opener
	r.mu.RUnlock()

	if ok {
		return factory, nil
	}
	if strings.HasSuffix(target, ".so") && opener != nil {
		factory, err := opener.Open(target)
		if err != nil {
			return nil, sdkerrors.NewEngineError(class, "failed to open plugin "+target, fmt.Errorf("%w: %v", sdkerrors.ErrEngineLoad, err))
		}
		return factory, nil
	}
	return nil, sdkerrors.NewEngineError(class, "unknown engine class", sdkerrors.ErrEngineLoad)
}

// Validate checks the metadata every engine must declare.
func Validate(eng engine.Engine) error {
	var missing []string
	if len(eng.InputDataTypes()) == 0 {
		missing = append(missing, "input data types")
	}
	if len(eng.OutputDataTypes()) == 0 {
		missing = append(missing, "output data types")
	}
	if strings.TrimSpace(eng.Description()) == "" {
		missing = append(missing, "description")
	}
	if strings.TrimSpace(eng.Version()) == "" {
		missing = append(missing, "version")
	}
	if strings.TrimSpace(eng.Author()) == "" {
		missing = append(missing, "author")
	}
	if len(missing) > 0 {
		return fmt.Errorf("engine does not declare %s", strings.Join(missing, ", "))
	}
	return nil
}
