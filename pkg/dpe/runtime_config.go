package dpe

import (
	"fmt"
	"sync"
)

// ReportKind names a report switch of a service.
type ReportKind string

const (
	ReportDone ReportKind = "done"
	ReportData ReportKind = "data"
	ReportRing ReportKind = "ring"
)

// ParseReportKind validates a report kind token.
func ParseReportKind(s string) (ReportKind, error) {
	switch k := ReportKind(s); k {
	case ReportDone, ReportData, ReportRing:
		return k, nil
	}
	return "", fmt.Errorf("unknown report kind %q", s)
}

type reportSwitch struct {
	enabled   bool
	threshold int
	count     int
}

// RuntimeConfig is the mutable per-service state shared by its workers: the report
// switches and the last execution state an engine assigned.
type RuntimeConfig struct {
	mu             sync.Mutex
	switches       map[ReportKind]*reportSwitch
	executionState string
}

// NewRuntimeConfig creates a config with every report switched off.
func NewRuntimeConfig(initialState string) *RuntimeConfig {
	return &RuntimeConfig{
		switches: map[ReportKind]*reportSwitch{
			ReportDone: {},
			ReportData: {},
			ReportRing: {},
		},
		executionState: initialState,
	}
}

// SetReport switches kind on with the given threshold; a threshold <= 0 switches it off.
// The counter restarts either way.
func (c *RuntimeConfig) SetReport(kind ReportKind, threshold int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sw := c.switches[kind]
	sw.enabled = threshold > 0
	sw.threshold = threshold
	sw.count = 0
}

// AddRequest counts one request on the done and data switches.
func (c *RuntimeConfig) AddRequest() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, kind := range []ReportKind{ReportDone, ReportData} {
		if sw := c.switches[kind]; sw.enabled {
			sw.count++
		}
	}
}

// ShouldReport reports whether the switch reached its threshold, resetting its counter
// when it did. Exactly one caller observes true per threshold requests.
func (c *RuntimeConfig) ShouldReport(kind ReportKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	sw := c.switches[kind]
	if !sw.enabled || sw.count < sw.threshold {
		return false
	}
	sw.count -= sw.threshold
	return true
}

// Enabled reports whether a switch is on.
func (c *RuntimeConfig) Enabled(kind ReportKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.switches[kind].enabled
}

// Threshold returns the threshold of a switch, zero when off.
func (c *RuntimeConfig) Threshold(kind ReportKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sw := c.switches[kind]; sw.enabled {
		return sw.threshold
	}
	return 0
}

// ExecutionState returns the last execution state recorded.
func (c *RuntimeConfig) ExecutionState() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.executionState
}

// SetExecutionState records the execution state of the latest result.
func (c *RuntimeConfig) SetExecutionState(state string) {
	c.mu.Lock()
	c.executionState = state
	c.mu.Unlock()
}
