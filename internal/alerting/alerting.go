// Package alerting forwards engine faults to an error tracker.
package alerting

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

// Reporter receives faults raised by engines. Implementations must be safe for
// concurrent use.
type Reporter interface {
	// ReportPanic records a recovered panic with the goroutine stack.
	ReportPanic(service string, recovered any, stack []byte)
	// ReportError records an error returned by an engine.
	ReportError(service string, err error)
	// Flush waits for buffered events to be delivered.
	Flush(timeout time.Duration) bool
}

// Config configures the Sentry reporter
type Config struct {
	DSN         string
	Environment string
	Release     string
	// ServerName identifies the node
	ServerName string
	// ReportErrors also sends returned engine errors, not only panics
	ReportErrors bool
	// BeforeSend lets callers filter or inspect events
	BeforeSend func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event
}

// SentryReporter sends faults to Sentry through a dedicated hub.
type SentryReporter struct {
	hub          *sentry.Hub
	reportErrors bool
	logger       *zap.Logger
}

// NewSentryReporter creates a reporter with its own client. An empty DSN yields a client
// that processes events without sending them.
func NewSentryReporter(cfg Config, logger *zap.Logger) (*SentryReporter, error) {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
		ServerName:  cfg.ServerName,
		BeforeSend:  cfg.BeforeSend,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sentry client: %w", err)
	}
	return &SentryReporter{
		hub:          sentry.NewHub(client, sentry.NewScope()),
		reportErrors: cfg.ReportErrors,
		logger:       logger,
	}, nil
}

func (r *SentryReporter) ReportPanic(service string, recovered any, stack []byte) {
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("service", service)
		scope.SetLevel(sentry.LevelFatal)
		scope.SetContext("panic", sentry.Context{"stack": string(stack)})
		if id := r.hub.CaptureException(fmt.Errorf("engine panic: %v", recovered)); id != nil {
			r.logger.Debug("Reported engine panic", zap.String("service", service), zap.String("eventID", string(*id)))
		}
	})
}

func (r *SentryReporter) ReportError(service string, err error) {
	if !r.reportErrors || err == nil {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("service", service)
		scope.SetLevel(sentry.LevelError)
		r.hub.CaptureException(err)
	})
}

func (r *SentryReporter) Flush(timeout time.Duration) bool {
	return r.hub.Flush(timeout)
}

// NopReporter drops every fault.
type NopReporter struct{}

func (NopReporter) ReportPanic(string, any, []byte) {}
func (NopReporter) ReportError(string, error)       {}
func (NopReporter) Flush(time.Duration) bool        { return true }
