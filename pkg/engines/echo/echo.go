// Package echo provides an engine that returns its input unchanged.
package echo

import (
	"context"

	"github.com/wehubfusion/dpe/pkg/engine"
)

// Class is the engine class name the engine is registered under.
const Class = "dpe.Echo"

var mimeTypes = []string{
	engine.MimeString,
	engine.MimeInt32,
	engine.MimeInt64,
	engine.MimeFloat,
	engine.MimeDouble,
	engine.MimeBytes,
	engine.MimeArrayString,
	engine.MimeArrayInt32,
	engine.MimeArrayInt64,
	engine.MimeArrayFloat,
	engine.MimeArrayDouble,
	engine.MimeJSON,
}

// Engine echoes every request. It keeps no state and is safe for concurrent use.
type Engine struct {
	engine.Info
}

// New creates an echo engine.
func New() *Engine {
	return &Engine{Info: engine.Info{
		Inputs:  mimeTypes,
		Outputs: mimeTypes,
		Desc:    "Returns the input data unchanged",
		Ver:     "1.0.0",
		By:      "wehubfusion",
	}}
}

// Configure accepts any configuration and ignores it.
func (e *Engine) Configure(_ context.Context, _ *engine.EngineData) (*engine.EngineData, error) {
	return nil, nil
}

// Execute returns the input payload. The input execution state is passed on.
func (e *Engine) Execute(_ context.Context, in *engine.EngineData) (*engine.EngineData, error) {
	out := engine.NewData(in.MimeType, in.Data)
	out.ExecutionState = in.ExecutionState
	return out, nil
}
