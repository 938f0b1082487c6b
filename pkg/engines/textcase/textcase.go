// Package textcase provides an engine that converts the case of text with language aware
// rules.
package textcase

import (
	"context"
	"fmt"
	stdstrings "strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/wehubfusion/dpe/pkg/engine"
)

// Class is the engine class name the engine is registered under.
const Class = "dpe.TextCase"

// Conversion modes. The mode of a result is also its execution state.
const (
	ModeUpper = "upper"
	ModeLower = "lower"
	ModeTitle = "title"
	ModeFold  = "fold"
)

var modes = []string{ModeUpper, ModeLower, ModeTitle, ModeFold}

// Engine converts strings and string arrays. Configure it with "mode" or "mode?lang",
// for example "title?nl". The default is upper case with no specific language.
type Engine struct {
	engine.Info

	mu   sync.RWMutex
	mode string
	tag  language.Tag
}

// New creates an engine converting to upper case.
func New() *Engine {
	return &Engine{
		Info: engine.Info{
			Inputs:   []string{engine.MimeString, engine.MimeArrayString},
			Outputs:  []string{engine.MimeString, engine.MimeArrayString},
			StateSet: modes,
			Desc:     "Converts text to upper, lower, title or folded case",
			Ver:      "1.0.0",
			By:       "wehubfusion",
		},
		mode: ModeUpper,
		tag:  language.Und,
	}
}

// Configure sets the mode and optional language.
func (e *Engine) Configure(_ context.Context, in *engine.EngineData) (*engine.EngineData, error) {
	s, ok := in.Data.(string)
	if !ok {
		return nil, fmt.Errorf("configuration must be a string, got %T", in.Data)
	}
	parts := stdstrings.SplitN(stdstrings.TrimSpace(s), "?", 2)
	mode := stdstrings.ToLower(parts[0])
	if !validMode(mode) {
		return nil, fmt.Errorf("unknown mode %q, expected one of %v", mode, modes)
	}
	tag := language.Und
	if len(parts) == 2 && parts[1] != "" {
		var err error
		if tag, err = language.Parse(parts[1]); err != nil {
			return nil, fmt.Errorf("invalid language %q: %w", parts[1], err)
		}
	}

	e.mu.Lock()
	e.mode, e.tag = mode, tag
	e.mu.Unlock()
	return engine.NewData(engine.MimeString, fmt.Sprintf("%s?%s", mode, tag)), nil
}

// Execute converts the input with the configured mode.
func (e *Engine) Execute(_ context.Context, in *engine.EngineData) (*engine.EngineData, error) {
	e.mu.RLock()
	mode, tag := e.mode, e.tag
	e.mu.RUnlock()

	// a Caser keeps state between calls, so every request gets its own
	caser := newCaser(mode, tag)

	var out *engine.EngineData
	switch v := in.Data.(type) {
	case string:
		out = engine.NewData(engine.MimeString, caser.String(v))
	case []string:
		converted := make([]string, len(v))
		for i, s := range v {
			converted[i] = caser.String(s)
			caser.Reset()
		}
		out = engine.NewData(engine.MimeArrayString, converted)
	default:
		return nil, fmt.Errorf("unsupported input %T", in.Data)
	}
	out.ExecutionState = mode
	return out, nil
}

func newCaser(mode string, tag language.Tag) cases.Caser {
	switch mode {
	case ModeLower:
		return cases.Lower(tag)
	case ModeTitle:
		return cases.Title(tag)
	case ModeFold:
		return cases.Fold()
	default:
		return cases.Upper(tag)
	}
}

func validMode(mode string) bool {
	for _, m := range modes {
		if m == mode {
			return true
		}
	}
	return false
}
