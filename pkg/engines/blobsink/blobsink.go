// Package blobsink provides an engine that stores every payload it receives in blob
// storage and returns where it was stored.
package blobsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/wehubfusion/dpe/pkg/engine"
	"github.com/wehubfusion/dpe/pkg/storage"
)

// Class is the engine class name the engine is registered under.
const Class = "dpe.BlobSink"

// StateStored is the execution state of a successful upload.
const StateStored = "stored"

// Engine uploads string, byte and JSON payloads. Configure sets the path prefix.
type Engine struct {
	engine.Info
	store storage.BlobStore

	mu     sync.RWMutex
	prefix string
}

// New creates a sink writing to store under the "dpe-sink" prefix.
func New(store storage.BlobStore) (*Engine, error) {
	if store == nil {
		return nil, errors.New("blob store is required")
	}
	return &Engine{
		Info: engine.Info{
			Inputs:   []string{engine.MimeString, engine.MimeBytes, engine.MimeJSON},
			Outputs:  []string{engine.MimeString},
			StateSet: []string{StateStored},
			Desc:     "Stores each payload in blob storage and returns its URL",
			Ver:      "1.0.0",
			By:       "wehubfusion",
		},
		store:  store,
		prefix: "dpe-sink",
	}, nil
}

// Configure sets the path prefix from a string.
func (e *Engine) Configure(_ context.Context, in *engine.EngineData) (*engine.EngineData, error) {
	prefix, ok := in.Data.(string)
	if !ok || strings.Trim(prefix, "/ ") == "" {
		return nil, fmt.Errorf("prefix must be a non-empty string, got %v", in.Data)
	}
	e.mu.Lock()
	e.prefix = strings.Trim(prefix, "/ ")
	e.mu.Unlock()
	return nil, nil
}

// Execute uploads the payload to <prefix>/<engine>/<communication id>-<uuid>.
func (e *Engine) Execute(ctx context.Context, in *engine.EngineData) (*engine.EngineData, error) {
	body, contentType, err := encode(in)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	prefix := e.prefix
	e.mu.RUnlock()

	sender := in.EngineName
	if sender == "" {
		sender = "unknown"
	}
	blobPath := path.Join(prefix, sender, fmt.Sprintf("%d-%s", in.CommunicationID, uuid.NewString()))
	url, err := e.store.Upload(ctx, blobPath, body, contentType, map[string]string{
		"mimetype": in.MimeType,
	})
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", blobPath, err)
	}

	out := engine.NewData(engine.MimeString, url)
	out.ExecutionState = StateStored
	return out, nil
}

func encode(in *engine.EngineData) ([]byte, string, error) {
	switch v := in.Data.(type) {
	case string:
		return []byte(v), "text/plain; charset=utf-8", nil
	case []byte:
		return v, "application/octet-stream", nil
	}
	if in.MimeType != engine.MimeJSON {
		return nil, "", fmt.Errorf("unsupported input %s (%T)", in.MimeType, in.Data)
	}
	b, err := json.Marshal(in.Data)
	if err != nil {
		return nil, "", err
	}
	return b, "application/json", nil
}
