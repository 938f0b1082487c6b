package loader

import (
	"errors"
	"fmt"
	goplugin "plugin"

	"github.com/wehubfusion/dpe/pkg/engine"
)

// PluginSymbol is the symbol a Go plugin exports to provide its engine.
const PluginSymbol = "NewEngine"

// PluginOpener turns a plugin path into a factory.
type PluginOpener interface {
	Open(path string) (Factory, error)
}

// GoPluginOpener loads engines with the Go plugin mechanism. The plugin must export
// NewEngine as func() engine.Engine or func() (engine.Engine, error).
type GoPluginOpener struct{}

func (GoPluginOpener) Open(path string) (Factory, error) {
	if path == "" {
		return nil, errors.New("plugin path cannot be empty")
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, err
	}
	symbol, err := so.Lookup(PluginSymbol)
	if err != nil {
		return nil, err
	}
	return factoryFromSymbol(symbol)
}

func factoryFromSymbol(symbol any) (Factory, error) {
	switch fn := symbol.(type) {
	case func() (engine.Engine, error):
		return fn, nil
	case func() engine.Engine:
		return func() (engine.Engine, error) { return fn(), nil }, nil
	case *func() engine.Engine:
		if fn == nil || *fn == nil {
			return nil, errors.New("plugin symbol is nil")
		}
		f := *fn
		return func() (engine.Engine, error) { return f(), nil }, nil
	default:
		return nil, fmt.Errorf("plugin symbol %s has unsupported type %T", PluginSymbol, symbol)
	}
}
