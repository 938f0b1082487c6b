// Package shm implements the Shared Transfer Table used for zero-copy hand-off of engine
// data between services hosted by the same node.
//
// A receiver must be registered before any producer writes for it. Reading removes the
// entry. Two writes with the same key before a read overwrite each other; the table is not
// a multi-writer queue.
package shm

import (
	"fmt"
	"sync"

	"github.com/wehubfusion/dpe/pkg/engine"
)

// Table maps receiver name -> (sender:communicationId -> data).
type Table struct {
	mu        sync.RWMutex
	receivers map[string]*inbox
}

type inbox struct {
	mu      sync.Mutex
	entries map[string]*engine.EngineData
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{receivers: make(map[string]*inbox)}
}

// Key builds the entry key for a sender and communication id.
func Key(sender string, communicationID int64) string {
	return fmt.Sprintf("%s:%d", sender, communicationID)
}

// AddReceiver creates the inbox for a receiver. Adding an existing receiver keeps its entries.
func (t *Table) AddReceiver(receiver string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.receivers[receiver]; !ok {
		t.receivers[receiver] = &inbox{entries: make(map[string]*engine.EngineData)}
	}
}

// RemoveReceiver drops the receiver and every entry still addressed to it.
func (t *Table) RemoveReceiver(receiver string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.receivers, receiver)
}

// HasReceiver reports whether data for receiver can be handed off by reference.
func (t *Table) HasReceiver(receiver string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.receivers[receiver]
	return ok
}

// Put stores data for receiver under (sender, communicationID). It returns false when the
// receiver is not registered.
func (t *Table) Put(receiver, sender string, communicationID int64, data *engine.EngineData) bool {
	box := t.inbox(receiver)
	if box == nil {
		return false
	}
	box.mu.Lock()
	box.entries[Key(sender, communicationID)] = data
	box.mu.Unlock()
	return true
}

// Get returns and removes the entry stored under (sender, communicationID).
func (t *Table) Get(receiver, sender string, communicationID int64) (*engine.EngineData, bool) {
	return t.GetKey(receiver, Key(sender, communicationID))
}

// GetKey is Get with a precomputed key.
func (t *Table) GetKey(receiver, key string) (*engine.EngineData, bool) {
	box := t.inbox(receiver)
	if box == nil {
		return nil, false
	}
	box.mu.Lock()
	defer box.mu.Unlock()
	data, ok := box.entries[key]
	if ok {
		delete(box.entries, key)
	}
	return data, ok
}

// Pending returns the number of unread entries for receiver.
func (t *Table) Pending(receiver string) int {
	box := t.inbox(receiver)
	if box == nil {
		return 0
	}
	box.mu.Lock()
	defer box.mu.Unlock()
	return len(box.entries)
}

func (t *Table) inbox(receiver string) *inbox {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.receivers[receiver]
}
