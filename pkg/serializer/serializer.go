// Package serializer converts engine data to and from bytes, keyed by mime type.
package serializer

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/wehubfusion/dpe/pkg/engine"
)

// Serializer encodes and decodes the data of a single mime type.
type Serializer interface {
	Write(data any) ([]byte, error)
	Read(b []byte) (any, error)
}

// Registry holds serializers by mime type. The zero value is not usable; use NewRegistry.
type Registry struct {
	mu          sync.RWMutex
	serializers map[string]Serializer
}

// NewRegistry returns a registry with every primitive type and JSON registered.
func NewRegistry() *Registry {
	r := &Registry{serializers: make(map[string]Serializer)}
	r.Register(engine.MimeString, stringSerializer{})
	r.Register(engine.MimeInt32, int32Serializer{})
	r.Register(engine.MimeInt64, int64Serializer{})
	r.Register(engine.MimeFloat, floatSerializer{})
	r.Register(engine.MimeDouble, doubleSerializer{})
	r.Register(engine.MimeBytes, bytesSerializer{})
	r.Register(engine.MimeArrayString, stringArraySerializer{})
	r.Register(engine.MimeArrayInt32, int32ArraySerializer{})
	r.Register(engine.MimeArrayInt64, int64ArraySerializer{})
	r.Register(engine.MimeArrayFloat, floatArraySerializer{})
	r.Register(engine.MimeArrayDouble, doubleArraySerializer{})
	r.Register(engine.MimeJSON, JSONSerializer{})
	return r
}

// Register adds or replaces the serializer for a mime type.
func (r *Registry) Register(mimeType string, s Serializer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.serializers[mimeType] = s
}

// Lookup returns the serializer for a mime type.
func (r *Registry) Lookup(mimeType string) (Serializer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.serializers[mimeType]
	return s, ok
}

// MimeTypes returns the registered mime types, sorted.
func (r *Registry) MimeTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.serializers))
	for t := range r.serializers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Serialize encodes the data of d using its mime type.
func (r *Registry) Serialize(d *engine.EngineData) ([]byte, error) {
	if d == nil {
		return nil, fmt.Errorf("cannot serialize nil engine data")
	}
	s, ok := r.Lookup(d.MimeType)
	if !ok {
		return nil, fmt.Errorf("no serializer registered for mime type %q", d.MimeType)
	}
	b, err := s.Write(d.Data)
	if err != nil {
		return nil, fmt.Errorf("serialize %s: %w", d.MimeType, err)
	}
	return b, nil
}

// Deserialize decodes b as the given mime type.
func (r *Registry) Deserialize(mimeType string, b []byte) (any, error) {
	s, ok := r.Lookup(mimeType)
	if !ok {
		return nil, fmt.Errorf("no serializer registered for mime type %q", mimeType)
	}
	v, err := s.Read(b)
	if err != nil {
		return nil, fmt.Errorf("deserialize %s: %w", mimeType, err)
	}
	return v, nil
}

// JSONSerializer encodes arbitrary values as JSON. Decoded values use the encoding/json
// generic representation.
type JSONSerializer struct{}

func (JSONSerializer) Write(data any) ([]byte, error) {
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(data)
}

func (JSONSerializer) Read(b []byte) (any, error) {
	var v any
	if len(b) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}
