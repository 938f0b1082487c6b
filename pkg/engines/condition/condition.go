// Package condition provides an engine that tests its input against a set of
// conditions and reports the outcome as the execution state "true" or "false". The
// input is passed on unchanged, so a composition can route it with state guards.
package condition

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/wehubfusion/dpe/pkg/engine"
)

// Class is the engine class name the engine is registered under.
const Class = "dpe.Condition"

// Execution states.
const (
	StateTrue  = "true"
	StateFalse = "false"
)

// Logic combines condition outcomes.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// Condition compares the value at Path with Value. Path uses gjson syntax; an empty
// path addresses the whole input.
type Condition struct {
	Path            string   `json:"path"`
	Operator        Operator `json:"operator"`
	Value           any      `json:"value,omitempty"`
	CaseInsensitive bool     `json:"caseInsensitive,omitempty"`

	re *regexp.Regexp
}

// Config is the JSON configuration of the engine.
type Config struct {
	Logic      Logic       `json:"logic,omitempty"`
	Conditions []Condition `json:"conditions"`
}

func (c *Config) validate() error {
	if c.Logic == "" {
		c.Logic = LogicAnd
	}
	if c.Logic != LogicAnd && c.Logic != LogicOr {
		return fmt.Errorf("invalid logic %q, must be AND or OR", c.Logic)
	}
	if len(c.Conditions) == 0 {
		return fmt.Errorf("at least one condition is required")
	}
	for i := range c.Conditions {
		cond := &c.Conditions[i]
		if cond.Path == "" {
			cond.Path = "@this"
		}
		if !cond.Operator.valid() {
			return fmt.Errorf("condition %d: unsupported operator %q", i, cond.Operator)
		}
		if cond.Operator == OpRegex {
			pattern, ok := cond.Value.(string)
			if !ok {
				return fmt.Errorf("condition %d: regex needs a string pattern", i)
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return fmt.Errorf("condition %d: %w", i, err)
			}
			cond.re = re
		}
	}
	return nil
}

// Engine evaluates the configured conditions. Until configured, every input is false.
type Engine struct {
	engine.Info

	mu  sync.RWMutex
	cfg *Config
}

// New creates an unconfigured condition engine.
func New() *Engine {
	return &Engine{Info: engine.Info{
		Inputs:   []string{engine.MimeJSON, engine.MimeString, engine.MimeInt64, engine.MimeDouble},
		Outputs:  []string{engine.MimeJSON, engine.MimeString, engine.MimeInt64, engine.MimeDouble},
		StateSet: []string{StateTrue, StateFalse},
		Desc:     "Routes input by evaluating conditions on its fields",
		Ver:      "1.0.0",
		By:       "wehubfusion",
	}}
}

// Configure replaces the conditions. The configuration is a JSON document, sent
// either as application/json or as a string.
func (e *Engine) Configure(_ context.Context, in *engine.EngineData) (*engine.EngineData, error) {
	raw, err := configBytes(in)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	e.mu.Lock()
	e.cfg = &cfg
	e.mu.Unlock()
	return engine.NewData(engine.MimeString, fmt.Sprintf("%d conditions (%s)", len(cfg.Conditions), cfg.Logic)), nil
}

// Execute passes the input on with state "true" or "false".
func (e *Engine) Execute(_ context.Context, in *engine.EngineData) (*engine.EngineData, error) {
	e.mu.RLock()
	cfg := e.cfg
	e.mu.RUnlock()

	met := false
	if cfg != nil {
		doc, err := document(in)
		if err != nil {
			return nil, err
		}
		if met, err = cfg.evaluate(doc); err != nil {
			return nil, err
		}
	}

	out := engine.NewData(in.MimeType, in.Data)
	out.ExecutionState = StateFalse
	if met {
		out.ExecutionState = StateTrue
	}
	return out, nil
}

func (c *Config) evaluate(doc []byte) (bool, error) {
	for i := range c.Conditions {
		met, err := c.Conditions[i].evaluate(doc)
		if err != nil {
			return false, fmt.Errorf("condition %d: %w", i, err)
		}
		if c.Logic == LogicOr && met {
			return true, nil
		}
		if c.Logic == LogicAnd && !met {
			return false, nil
		}
	}
	return c.Logic == LogicAnd, nil
}

func configBytes(in *engine.EngineData) ([]byte, error) {
	if s, ok := in.Data.(string); ok {
		return []byte(s), nil
	}
	return json.Marshal(in.Data)
}

// document renders the input as JSON for path lookups. A string that already holds
// JSON is used as is.
func document(in *engine.EngineData) ([]byte, error) {
	if s, ok := in.Data.(string); ok && gjson.Valid(s) {
		return []byte(s), nil
	}
	b, err := json.Marshal(in.Data)
	if err != nil {
		return nil, fmt.Errorf("input is not JSON compatible: %w", err)
	}
	return b, nil
}
