package transport

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registration kinds.
const (
	KindNode      = "node"
	KindContainer = "container"
	KindService   = "service"
)

// Registration advertises a node, container or service subscription so that
// orchestrators can discover it.
type Registration struct {
	Name         string    `json:"name"`
	Topic        string    `json:"topic"`
	Kind         string    `json:"kind"`
	Host         string    `json:"host,omitempty"`
	Port         int       `json:"port,omitempty"`
	Description  string    `json:"description,omitempty"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Registrar records live subscriptions.
type Registrar interface {
	Register(ctx context.Context, reg Registration) error
	Deregister(ctx context.Context, name string) error
	// Discover returns every registration whose name starts with prefix, sorted by name.
	Discover(ctx context.Context, prefix string) ([]Registration, error)
	Close() error
}

// MemoryRegistrar keeps registrations in process.
type MemoryRegistrar struct {
	mu      sync.RWMutex
	entries map[string]Registration
}

// NewMemoryRegistrar creates an empty registrar.
func NewMemoryRegistrar() *MemoryRegistrar {
	return &MemoryRegistrar{entries: make(map[string]Registration)}
}

func (r *MemoryRegistrar) Register(ctx context.Context, reg Registration) error {
	if reg.RegisteredAt.IsZero() {
		reg.RegisteredAt = time.Now()
	}
	r.mu.Lock()
	r.entries[reg.Name] = reg
	r.mu.Unlock()
	return nil
}

func (r *MemoryRegistrar) Deregister(ctx context.Context, name string) error {
	r.mu.Lock()
	delete(r.entries, name)
	r.mu.Unlock()
	return nil
}

func (r *MemoryRegistrar) Discover(ctx context.Context, prefix string) ([]Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Registration
	for name, reg := range r.entries {
		if strings.HasPrefix(name, prefix) {
			out = append(out, reg)
		}
	}
	sortRegistrations(out)
	return out, nil
}

func (r *MemoryRegistrar) Close() error { return nil }

func sortRegistrations(regs []Registration) {
	sort.Slice(regs, func(i, j int) bool { return regs[i].Name < regs[j].Name })
}
