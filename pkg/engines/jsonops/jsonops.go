// Package jsonops provides an engine that queries, edits and validates JSON documents.
//
// The engine is configured with one operation:
//
//	{"operation":"query","path":"user.name"}
//	{"operation":"set","path":"user.active","value":true}
//	{"operation":"delete","paths":["user.password","user.token"]}
//	{"operation":"validate","schema":{"type":"object","required":["id"]}}
//
// Paths use gjson syntax; "/" separators are accepted as well.
package jsonops

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/wehubfusion/dpe/pkg/engine"
)

// Class is the engine class name the engine is registered under.
const Class = "dpe.JSONOps"

// Operations.
const (
	OpQuery    = "query"
	OpSet      = "set"
	OpDelete   = "delete"
	OpValidate = "validate"
)

// Execution states.
const (
	StateFound   = "found"
	StateMissing = "missing"
	StateSet     = "set"
	StateDeleted = "deleted"
	StateValid   = "valid"
	StateInvalid = "invalid"
)

const schemaURL = "dpe://schema.json"

// Config is the JSON configuration of the engine.
type Config struct {
	Operation string          `json:"operation"`
	Path      string          `json:"path,omitempty"`
	Paths     []string        `json:"paths,omitempty"`
	Value     any             `json:"value,omitempty"`
	Schema    json.RawMessage `json:"schema,omitempty"`
	// Draft is one of 4, 6, 7, 2019 or 2020. The default is 2020.
	Draft string `json:"draft,omitempty"`

	schema *jsonschema.Schema
}

// Engine applies the configured operation to every input.
type Engine struct {
	engine.Info

	mu  sync.RWMutex
	cfg *Config
}

// New creates an unconfigured engine. Execute fails until Configure succeeds.
func New() *Engine {
	return &Engine{Info: engine.Info{
		Inputs:   []string{engine.MimeJSON, engine.MimeString},
		Outputs:  []string{engine.MimeJSON},
		StateSet: []string{StateFound, StateMissing, StateSet, StateDeleted, StateValid, StateInvalid},
		Desc:     "Queries, edits and validates JSON documents",
		Ver:      "1.0.0",
		By:       "wehubfusion",
	}}
}

// Configure selects the operation. Schemas are compiled here, once per configuration.
func (e *Engine) Configure(_ context.Context, in *engine.EngineData) (*engine.EngineData, error) {
	raw, err := documentOf(in)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	switch cfg.Operation {
	case OpQuery, OpSet:
		if cfg.Path == "" {
			return nil, fmt.Errorf("%s needs a path", cfg.Operation)
		}
		cfg.Path = normalizePath(cfg.Path)
	case OpDelete:
		if cfg.Path != "" {
			cfg.Paths = append(cfg.Paths, cfg.Path)
		}
		if len(cfg.Paths) == 0 {
			return nil, fmt.Errorf("delete needs at least one path")
		}
		for i, p := range cfg.Paths {
			cfg.Paths[i] = normalizePath(p)
		}
	case OpValidate:
		if cfg.schema, err = compileSchema(cfg.Schema, cfg.Draft); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown operation %q", cfg.Operation)
	}

	e.mu.Lock()
	e.cfg = &cfg
	e.mu.Unlock()
	return engine.NewData(engine.MimeString, cfg.Operation), nil
}

// Execute applies the operation. Query results, edited documents and validated inputs
// are returned as application/json with the outcome as execution state.
func (e *Engine) Execute(_ context.Context, in *engine.EngineData) (*engine.EngineData, error) {
	e.mu.RLock()
	cfg := e.cfg
	e.mu.RUnlock()
	if cfg == nil {
		return nil, fmt.Errorf("no operation configured")
	}

	doc, err := documentOf(in)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(doc) {
		return nil, fmt.Errorf("input is not valid JSON")
	}

	switch cfg.Operation {
	case OpQuery:
		r := gjson.GetBytes(doc, cfg.Path)
		if !r.Exists() {
			return output(nil, StateMissing), nil
		}
		return output(r.Value(), StateFound), nil

	case OpSet:
		edited, err := sjson.SetBytes(doc, cfg.Path, cfg.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to set %s: %w", cfg.Path, err)
		}
		return decoded(edited, StateSet)

	case OpDelete:
		for _, p := range cfg.Paths {
			if doc, err = sjson.DeleteBytes(doc, p); err != nil {
				return nil, fmt.Errorf("failed to delete %s: %w", p, err)
			}
		}
		return decoded(doc, StateDeleted)

	default:
		dec := json.NewDecoder(bytes.NewReader(doc))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("failed to parse input: %w", err)
		}
		if err := cfg.schema.Validate(v); err != nil {
			out := output(v, StateInvalid)
			out.Description = strings.Join(violations(err), "; ")
			return out, nil
		}
		return output(v, StateValid), nil
	}
}

func output(v any, state string) *engine.EngineData {
	out := engine.NewData(engine.MimeJSON, v)
	out.ExecutionState = state
	return out
}

func decoded(doc []byte, state string) (*engine.EngineData, error) {
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return nil, err
	}
	return output(v, state), nil
}

// documentOf returns the input as JSON text. Strings are taken to be JSON already.
func documentOf(in *engine.EngineData) ([]byte, error) {
	switch v := in.Data.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	}
	b, err := json.Marshal(in.Data)
	if err != nil {
		return nil, fmt.Errorf("input is not JSON compatible: %w", err)
	}
	return b, nil
}

// normalizePath accepts slash separated paths and * wildcards.
func normalizePath(p string) string {
	p = strings.Trim(p, "/")
	p = strings.ReplaceAll(p, "/", ".")
	return strings.ReplaceAll(p, "*", "#")
}

func compileSchema(schema json.RawMessage, draft string) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, fmt.Errorf("validate needs a schema")
	}
	c := jsonschema.NewCompiler()
	switch draft {
	case "4":
		c.Draft = jsonschema.Draft4
	case "6":
		c.Draft = jsonschema.Draft6
	case "7":
		c.Draft = jsonschema.Draft7
	case "2019":
		c.Draft = jsonschema.Draft2019
	case "", "2020":
		c.Draft = jsonschema.Draft2020
	default:
		return nil, fmt.Errorf("unsupported schema draft %q", draft)
	}
	if err := c.AddResource(schemaURL, bytes.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	s, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return s, nil
}

// violations flattens a validation error into one line per failing location.
func violations(err error) []string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	var out []string
	var walk func(*jsonschema.ValidationError)
	walk = func(v *jsonschema.ValidationError) {
		if len(v.Causes) == 0 {
			loc := v.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, fmt.Sprintf("%s: %s", loc, v.Message))
			return
		}
		for _, c := range v.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}
