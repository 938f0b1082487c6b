package dpe

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/dpe/pkg/composition"
	"github.com/wehubfusion/dpe/pkg/engine"
	sdkerrors "github.com/wehubfusion/dpe/pkg/errors"
	"github.com/wehubfusion/dpe/pkg/message"
)

// FaultKind classifies how an engine call failed.
type FaultKind int

const (
	// FaultNone means the engine returned a result
	FaultNone FaultKind = iota
	// FaultError means the engine returned an error or broke the engine contract
	FaultError
	// FaultCritical means the engine panicked
	FaultCritical
)

func (f FaultKind) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultError:
		return "error"
	case FaultCritical:
		return "critical"
	}
	return "unknown"
}

// Descriptions of the ERROR results synthesized from engine faults.
const (
	DescriptionUnhandledException = "unhandled exception"
	DescriptionUnhandledCritical  = "unhandled critical error"
)

// Outcome is the result of one engine call as seen by the scheduler. Faults never
// escape a worker as panics or errors; they become an ERROR result.
type Outcome struct {
	Data  *engine.EngineData
	Fault FaultKind
	Err   error
}

// Result returns the engine data to route: the engine result, or an ERROR result of
// severity engine.FaultSeverity describing the fault.
func (o Outcome) Result() *engine.EngineData {
	switch o.Fault {
	case FaultNone:
		return o.Data
	case FaultCritical:
		return engine.NewErrorData(DescriptionUnhandledCritical, engine.FaultSeverity, o.Err.Error())
	default:
		return engine.NewErrorData(DescriptionUnhandledException, engine.FaultSeverity, o.Err.Error())
	}
}

// serviceEngine is one worker of a service. A worker runs one request at a time; the
// service pool guarantees it.
type serviceEngine struct {
	id  int
	svc *Service

	// last composition seen and its compiled form
	compiled *composition.Compiled

	logger *zap.Logger
}

func newServiceEngine(id int, svc *Service) *serviceEngine {
	return &serviceEngine{
		id:     id,
		svc:    svc,
		logger: svc.logger.With(zap.Int("workerID", id)),
	}
}

func (w *serviceEngine) start() error {
	return w.updateComposition("")
}

// stop resets the engine for this worker. Engine panics are logged and swallowed.
func (w *serviceEngine) stop() {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Engine panicked during reset", zap.Any("panic", r))
		}
	}()
	w.compiled = nil
	w.svc.eng.Reset()
}

// updateComposition recompiles only when the text differs from the last one seen.
func (w *serviceEngine) updateComposition(text string) error {
	if w.compiled != nil && w.compiled.Source() == text {
		return nil
	}
	compiled, err := composition.Compile(text)
	if err != nil {
		return err
	}
	w.compiled = compiled
	return nil
}

// invoke runs call, turning returned errors and panics into an Outcome.
func (w *serviceEngine) invoke(call func() (*engine.EngineData, error)) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			w.logger.Error("Engine panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", stack))
			w.svc.env.faults.ReportPanic(w.svc.name, r, stack)
			out = Outcome{Fault: FaultCritical, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	d, err := call()
	if err != nil {
		w.logger.Warn("Engine call failed", zap.Error(err))
		w.svc.env.faults.ReportError(w.svc.name, err)
		return Outcome{Fault: FaultError, Err: err}
	}
	return Outcome{Data: d}
}

// receive decodes the request payload and accounts for it.
func (w *serviceEngine) receive(ctx context.Context, msg *message.Message) (*engine.EngineData, error) {
	env := w.svc.env
	d, n, viaShm, err := env.decode(ctx, w.svc.name, msg)
	if viaShm {
		w.svc.stats.shmReads.Add(1)
		env.metrics.shm(w.svc.name, "read")
	} else if n > 0 {
		w.svc.stats.bytesReceived.Add(int64(n))
		env.metrics.received(w.svc.name, n)
	}
	return d, err
}

// configure runs the configure path of a request.
func (w *serviceEngine) configure(ctx context.Context, msg *message.Message) {
	start := time.Now()

	var input *engine.EngineData
	outcome := w.invoke(func() (*engine.EngineData, error) {
		var err error
		if input, err = w.receive(ctx, msg); err != nil {
			return nil, err
		}
		out, err := w.svc.eng.Configure(ctx, input)
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = engine.NewData(engine.MimeString, nil)
		} else {
			out = detach(out)
		}
		if out.Data == nil && !out.IsError() {
			out.Data = engine.DoneData
			out.MimeType = engine.MimeString
		}
		return out, nil
	})
	if input == nil {
		input = DataFromMetadata(msg.Metadata)
	}

	out := outcome.Result()
	w.stamp(out, input, time.Since(start))
	w.account(out, outcome)

	if input.ReplyTo != "" {
		w.reply(ctx, input.ReplyTo, out)
		return
	}
	if out.Status != engine.StatusInfo {
		w.reportStatus(ctx, out)
	}
}

// execute runs the execute path of a request.
func (w *serviceEngine) execute(ctx context.Context, msg *message.Message) {
	start := time.Now()

	ctx, span := w.svc.env.tracer.Start(ctx, "service.execute",
		trace.WithAttributes(
			attribute.String("dpe.service", w.svc.name),
			attribute.Int("dpe.worker", w.id),
		))
	defer span.End()

	var input *engine.EngineData
	outcome := w.invoke(func() (*engine.EngineData, error) {
		var err error
		if input, err = w.receive(ctx, msg); err != nil {
			return nil, err
		}
		if err := w.updateComposition(input.Composition); err != nil {
			return nil, err
		}
		out, err := w.svc.eng.Execute(ctx, input)
		if err != nil {
			return nil, err
		}
		if out == nil {
			return nil, fmt.Errorf("%w: execute returned no result", sdkerrors.ErrEngineContract)
		}
		if !out.IsError() && out.Data == nil {
			return nil, fmt.Errorf("%w: execute returned a result without data", sdkerrors.ErrEngineContract)
		}
		return detach(out), nil
	})
	if input == nil {
		input = DataFromMetadata(msg.Metadata)
	}

	out := outcome.Result()
	w.stamp(out, input, time.Since(start))
	w.account(out, outcome)

	span.SetAttributes(
		attribute.Int64("dpe.communication_id", out.CommunicationID),
		attribute.Int64("dpe.execution_us", out.ExecutionTime.Microseconds()),
	)
	if out.IsError() {
		span.SetStatus(codes.Error, out.Description)
		if outcome.Err != nil {
			span.RecordError(outcome.Err)
		}
	} else {
		span.SetStatus(codes.Ok, "")
	}

	if input.ReplyTo != "" {
		w.reply(ctx, input.ReplyTo, out)
		return
	}

	rc := w.svc.rc
	if rc.ShouldReport(ReportDone) {
		done := *out
		done.Data = engine.DoneData
		done.MimeType = engine.MimeString
		w.report(ctx, ReportTopic(TopicDone, w.svc.name), &done)
	}
	if rc.ShouldReport(ReportData) {
		w.report(ctx, ReportTopic(TopicData, w.svc.name), out)
	}
	if out.Status != engine.StatusInfo {
		w.reportStatus(ctx, out)
	}
	if out.IsError() {
		return
	}

	links := w.compiled.Links(
		engine.NewServiceState(w.svc.name, out.ExecutionState),
		engine.NewServiceState(input.Author, input.ExecutionState),
	)

	if rc.Enabled(ReportRing) && out.ExecutionState != "" {
		forwarded := *input
		forwarded.Author = w.svc.name
		forwarded.EngineName = w.svc.id.EngineName
		forwarded.EngineVersion = out.EngineVersion
		forwarded.CommunicationID = out.CommunicationID
		forwarded.ExecutionState = out.ExecutionState
		forwarded.SenderState = out.ExecutionState
		forwarded.Action = engine.ActionExecute
		forwarded.ReplyTo = ""
		w.forward(ctx, links, &forwarded)
		w.ring(ctx, out)
		return
	}
	w.forward(ctx, links, out)
}

// detach copies an engine result so stamping it never touches the request, even when the
// engine hands back the data it was given.
func detach(out *engine.EngineData) *engine.EngineData {
	res := *out
	return &res
}

// stamp fills the envelope of a result from the request it answers.
func (w *serviceEngine) stamp(out, input *engine.EngineData, elapsed time.Duration) {
	out.Author = w.svc.name
	out.EngineName = w.svc.id.EngineName
	out.EngineVersion = w.svc.eng.Version()
	if out.CommunicationID == 0 {
		out.CommunicationID = input.CommunicationID
	}
	out.Composition = input.Composition
	out.ExecutionTime = elapsed
	out.Action = input.Action
	out.ReplyTo = ""
	if out.Status == "" {
		out.Status = engine.StatusInfo
	}
	if out.Severity <= 0 {
		out.Severity = 1
	}
	if out.MimeType == "" {
		out.MimeType = input.MimeType
	}
	if out.ExecutionState != "" {
		out.SenderState = out.ExecutionState
		w.svc.rc.SetExecutionState(out.ExecutionState)
	}
}

func (w *serviceEngine) account(out *engine.EngineData, outcome Outcome) {
	w.svc.stats.addExecution(out.ExecutionTime)
	w.svc.env.metrics.executed(w.svc.name, out.ExecutionTime)
	if out.IsError() {
		w.svc.stats.failures.Add(1)
		fault := outcome.Fault
		if fault == FaultNone {
			// the engine reported the error itself
			fault = FaultError
		}
		w.svc.env.metrics.failure(w.svc.name, fault)
	}
}

// reply sends the result straight to the requester. Pipeline routing is skipped.
func (w *serviceEngine) reply(ctx context.Context, replyTo string, out *engine.EngineData) {
	w.send(ctx, replyTo, out, false)
}

func (w *serviceEngine) reportStatus(ctx context.Context, out *engine.EngineData) {
	topic := TopicWarning
	if out.IsError() {
		topic = TopicError
	}
	w.report(ctx, ReportTopic(topic, w.svc.name), out)
}

func (w *serviceEngine) report(ctx context.Context, topic string, d *engine.EngineData) {
	w.send(ctx, topic, d, true)
}

// ring publishes the output on the monitoring side channel. Best effort.
func (w *serviceEngine) ring(ctx context.Context, out *engine.EngineData) {
	topic := RingTopic(out.ExecutionState, w.svc.env.session(), w.svc.id.EngineName)
	msg, err := w.svc.env.encode(ctx, topic, out, true)
	if err != nil {
		w.logger.Debug("Ring report dropped", zap.String("topic", topic), zap.Error(err))
		return
	}
	_ = w.svc.env.transport.Send(ctx, msg)
}

// forward delivers d to every link, by reference when the link lives on this node.
func (w *serviceEngine) forward(ctx context.Context, links []string, d *engine.EngineData) {
	env := w.svc.env
	for _, link := range links {
		if env.table.HasReceiver(link) {
			shared := *d
			if !env.table.Put(link, w.svc.name, d.CommunicationID, &shared) {
				// receiver stopped in between, fall back to the network path
				w.send(ctx, link, d, true)
				continue
			}
			if err := env.transport.Send(ctx, shmMarker(link, w.svc.name, d)); err != nil {
				w.logger.Warn("Failed to forward by reference",
					zap.String("link", link),
					zap.Int64("communicationID", d.CommunicationID),
					zap.Error(err))
				continue
			}
			w.svc.stats.shmWrites.Add(1)
			env.metrics.shm(w.svc.name, "write")
			continue
		}
		w.send(ctx, link, d, true)
	}
}

func (w *serviceEngine) send(ctx context.Context, topic string, d *engine.EngineData, offload bool) {
	env := w.svc.env
	msg, err := env.encode(ctx, topic, d, offload)
	if err != nil {
		w.logger.Error("Failed to encode result",
			zap.String("topic", topic),
			zap.Int64("communicationID", d.CommunicationID),
			zap.Error(err))
		return
	}
	if err := env.transport.Send(ctx, msg); err != nil {
		w.logger.Warn("Failed to send result",
			zap.String("topic", topic),
			zap.Int64("communicationID", d.CommunicationID),
			zap.Error(err))
		return
	}
	w.svc.stats.bytesSent.Add(int64(len(msg.Data)))
	env.metrics.sent(w.svc.name, len(msg.Data))
}
