package dpe

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/dpe/pkg/concurrency"
	"github.com/wehubfusion/dpe/pkg/engine"
	sdkerrors "github.com/wehubfusion/dpe/pkg/errors"
	"github.com/wehubfusion/dpe/pkg/message"
	"github.com/wehubfusion/dpe/pkg/transport"
)

const setupCommand = "report"

// Service hosts one engine behind a fixed pool of workers and listens on its canonical
// name. Requests park until a worker is free; at most PoolSize engine calls run at once.
type Service struct {
	id       ServiceIdentity
	name     string
	poolSize int
	env      *runtimeEnv
	rc       *RuntimeConfig
	stats    ServiceStats
	logger   *zap.Logger

	eng       engine.Engine
	pool      *concurrency.HandlePool[*serviceEngine]
	sub       transport.Subscription
	startedAt time.Time

	lifecycle sync.Mutex
	destroyed bool
	running   atomic.Bool
	stopOnce  sync.Once
	stopErr   error
}

func newService(id ServiceIdentity, env *runtimeEnv) *Service {
	name := id.CanonicalName()
	return &Service{
		id:       id,
		name:     name,
		poolSize: concurrency.ClampPoolSize(id.PoolSize),
		env:      env,
		rc:       NewRuntimeConfig(id.InitialState),
		logger:   env.logger.With(zap.String("service", name)),
	}
}

// Name returns the canonical name.
func (s *Service) Name() string { return s.name }

// Identity returns the identity the service was created from.
func (s *Service) Identity() ServiceIdentity { return s.id }

// PoolSize returns the number of workers.
func (s *Service) PoolSize() int { return s.poolSize }

// RuntimeConfig returns the report switches and execution state.
func (s *Service) RuntimeConfig() *RuntimeConfig { return s.rc }

// Running reports whether the service accepts requests.
func (s *Service) Running() bool { return s.running.Load() }

// start loads the engine, builds the workers and begins listening. On failure
// everything created so far is released.
func (s *Service) start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	eng, err := s.env.loader.Load(s.id.EngineClass)
	if err != nil {
		return err
	}
	s.eng = eng

	workers := make([]*serviceEngine, s.poolSize)
	errs := make([]error, s.poolSize)
	var wg sync.WaitGroup
	for i := range workers {
		workers[i] = newServiceEngine(i, s)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = workers[i].start()
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			s.destroyEngine()
			return fmt.Errorf("failed to start worker: %w", err)
		}
	}
	s.pool = concurrency.NewHandlePool(workers)

	s.env.table.AddReceiver(s.name)
	s.startedAt = time.Now()
	s.running.Store(true)
	sub, err := s.env.transport.Subscribe(s.name, s.handle)
	if err != nil {
		s.running.Store(false)
		s.env.table.RemoveReceiver(s.name)
		s.destroyEngine()
		return err
	}
	s.sub = sub
	s.env.register(ctx, s.name, transport.KindService, s.id.Description)
	s.env.metrics.serviceStarted()

	s.logger.Info("Service started",
		zap.String("engineClass", s.id.EngineClass),
		zap.Int("poolSize", s.poolSize),
		zap.String("engineVersion", eng.Version()))
	return nil
}

// handle classifies an inbound message and dispatches it.
func (s *Service) handle(ctx context.Context, msg *message.Message) {
	if !s.running.Load() {
		s.env.replyText(ctx, msg, "", sdkerrors.NewError("SERVICE_STOPPED", s.name, sdkerrors.ErrStopped))
		return
	}
	var action engine.Action
	if msg.Metadata != nil {
		action = engine.Action(msg.Metadata.Action)
	}

	switch {
	case action == "" && isSetup(msg):
		s.setup(ctx, msg)
	case action == engine.ActionConfigure:
		s.env.metrics.request(s.name, string(engine.ActionConfigure))
		s.dispatch(ctx, msg, (*serviceEngine).configure)
	default:
		s.stats.requests.Add(1)
		s.rc.AddRequest()
		s.env.metrics.request(s.name, string(engine.ActionExecute))
		s.dispatch(ctx, msg, (*serviceEngine).execute)
	}
}

// dispatch waits for a free worker and runs the request on it in a new goroutine.
func (s *Service) dispatch(ctx context.Context, msg *message.Message, run func(*serviceEngine, context.Context, *message.Message)) {
	err := s.pool.Go(ctx, func(w *serviceEngine) {
		s.env.metrics.busy(s.name, 1)
		defer s.env.metrics.busy(s.name, -1)
		run(w, ctx, msg)
	})
	if err != nil {
		s.logger.Warn("Request dropped",
			zap.Int64("communicationID", communicationID(msg)),
			zap.Error(err))
	}
}

// setup applies a report?{done|data|ring}?threshold message.
func (s *Service) setup(ctx context.Context, msg *message.Message) {
	result, err := s.applySetup(msg.Tokens())
	if err != nil {
		s.logger.Warn("Rejected setup request", zap.String("request", msg.Text()), zap.Error(err))
	}
	s.env.replyText(ctx, msg, result, err)
}

func (s *Service) applySetup(tokens []string) (string, error) {
	if len(tokens) != 3 || tokens[0] != setupCommand {
		return "", sdkerrors.NewCommandError(fmt.Sprintf("malformed setup request %v", tokens), sdkerrors.ErrInvalidCommand)
	}
	kind, err := ParseReportKind(tokens[1])
	if err != nil {
		return "", sdkerrors.NewCommandError(err.Error(), sdkerrors.ErrInvalidCommand)
	}
	threshold, err := strconv.Atoi(tokens[2])
	if err != nil {
		return "", sdkerrors.NewCommandError(fmt.Sprintf("invalid threshold %q", tokens[2]), sdkerrors.ErrInvalidCommand)
	}
	s.rc.SetReport(kind, threshold)
	if threshold <= 0 {
		return fmt.Sprintf("%s report disabled", kind), nil
	}
	return fmt.Sprintf("%s report every %d requests", kind, threshold), nil
}

// stop unsubscribes, waits up to the shutdown grace for running requests, then
// resets the workers and destroys the engine. Requests still running after the grace
// period are abandoned.
func (s *Service) stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.lifecycle.Lock()
		defer s.lifecycle.Unlock()
		s.running.Store(false)
		if s.sub != nil {
			if err := s.sub.Unsubscribe(); err != nil {
				s.logger.Warn("Failed to unsubscribe", zap.Error(err))
			}
		}
		s.env.deregister(ctx, s.name)

		if s.pool != nil {
			graceCtx, cancel := context.WithTimeout(ctx, s.env.shutdownGrace)
			workers, err := s.pool.Drain(graceCtx)
			cancel()
			if err != nil {
				s.logger.Error("Workers did not drain in time, abandoning in-flight requests", zap.Error(err))
				s.stopErr = err
			}
			for _, w := range workers {
				w.stop()
			}
			s.env.metrics.serviceStopped(s.name)
		}

		s.env.table.RemoveReceiver(s.name)
		s.destroyEngine()
		s.logger.Info("Service stopped")
	})
	return s.stopErr
}

func (s *Service) destroyEngine() {
	if s.eng == nil || s.destroyed {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Engine panicked during destroy", zap.Any("panic", r))
		}
	}()
	s.destroyed = true
	s.eng.Destroy()
}

// isSetup reports whether msg is a report?kind?threshold request rather than data.
func isSetup(msg *message.Message) bool {
	return strings.HasPrefix(msg.Text(), setupCommand+message.Separator)
}

func communicationID(msg *message.Message) int64 {
	if msg.Metadata == nil {
		return 0
	}
	return msg.Metadata.CommunicationID
}
