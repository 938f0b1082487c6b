package dpe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/dpe/internal/alerting"
	"github.com/wehubfusion/dpe/pkg/loader"
	"github.com/wehubfusion/dpe/pkg/message"
	"github.com/wehubfusion/dpe/pkg/serializer"
	"github.com/wehubfusion/dpe/pkg/shm"
	"github.com/wehubfusion/dpe/pkg/storage"
	"github.com/wehubfusion/dpe/pkg/transport"
)

// runtimeEnv holds the node-wide resources every container, service and worker shares.
type runtimeEnv struct {
	node string
	host string
	port int

	transport   transport.Transport
	registrar   transport.Registrar
	loader      *loader.Registry
	serializers *serializer.Registry
	table       *shm.Table

	blobs     storage.BlobStore
	offloadAt int

	metrics *Metrics
	faults  alerting.Reporter
	tracer  trace.Tracer

	session       func() string
	shutdownGrace time.Duration
	logger        *zap.Logger
}

func (e *runtimeEnv) register(ctx context.Context, name, kind, description string) {
	err := e.registrar.Register(ctx, transport.Registration{
		Name:         name,
		Topic:        name,
		Kind:         kind,
		Host:         e.host,
		Port:         e.port,
		Description:  description,
		RegisteredAt: time.Now(),
	})
	if err != nil {
		e.logger.Warn("Registration failed", zap.String("name", name), zap.Error(err))
	}
}

func (e *runtimeEnv) deregister(ctx context.Context, name string) {
	if err := e.registrar.Deregister(ctx, name); err != nil {
		e.logger.Warn("Deregistration failed", zap.String("name", name), zap.Error(err))
	}
}

// replyText answers a control or setup message. Failures carry an ERROR status.
func (e *runtimeEnv) replyText(ctx context.Context, msg *message.Message, text string, cmdErr error) {
	if !msg.HasReplyTo() {
		return
	}
	var resp *message.Message
	if cmdErr != nil {
		resp = msg.Response("text/plain", []byte(cmdErr.Error())).WithStatus("ERROR", cmdErr.Error(), 1)
	} else {
		resp = msg.Response("text/plain", []byte(text)).WithStatus("INFO", "", 1)
	}
	resp.Metadata.Author = e.node
	if err := e.transport.Send(ctx, resp); err != nil {
		e.logger.Warn("Failed to send reply", zap.String("replyTo", resp.Topic), zap.Error(err))
	}
}
