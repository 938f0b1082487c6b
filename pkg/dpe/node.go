// Package dpe hosts data-processing engines: a node owns containers, a container owns
// services, and each service runs one engine behind a pool of workers. Outputs are routed
// to the next services of a composition, by reference when the receiver runs in the same
// process.
package dpe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/dpe/internal/alerting"
	"github.com/wehubfusion/dpe/internal/tracing"
	"github.com/wehubfusion/dpe/pkg/concurrency"
	sdkerrors "github.com/wehubfusion/dpe/pkg/errors"
	"github.com/wehubfusion/dpe/pkg/loader"
	"github.com/wehubfusion/dpe/pkg/message"
	"github.com/wehubfusion/dpe/pkg/serializer"
	"github.com/wehubfusion/dpe/pkg/shm"
	"github.com/wehubfusion/dpe/pkg/storage"
	"github.com/wehubfusion/dpe/pkg/transport"
)

const (
	defaultReportPeriod  = 5 * time.Second
	defaultShutdownGrace = 10 * time.Second
	defaultLang          = "go"

	reportFailureThreshold = 3
	reportResetTimeout     = 30 * time.Second
)

// Options configures a Node. Transport is required; everything else has a default.
type Options struct {
	Host    string
	Port    int
	Lang    string
	Session string

	// FrontEnd* name the node reports are addressed to. An empty host makes the node
	// its own front-end.
	FrontEndHost string
	FrontEndPort int
	FrontEndLang string

	ReportPeriod    time.Duration
	ShutdownGrace   time.Duration
	DefaultPoolSize int

	Transport   transport.Transport
	Registrar   transport.Registrar
	Loader      *loader.Registry
	Serializers *serializer.Registry

	// Blobs receives payloads larger than OffloadThreshold bytes. Offloading is off
	// when either is unset.
	Blobs            storage.BlobStore
	OffloadThreshold int

	Metrics *Metrics
	Faults  alerting.Reporter
	Tracer  trace.Tracer
	Logger  *zap.Logger
}

// Node is a DPE process. It listens for control commands on its canonical name and
// periodically publishes liveness and status reports to its front-end.
type Node struct {
	opts      Options
	name      string
	env       *runtimeEnv
	startedAt time.Time
	logger    *zap.Logger
	breaker   *concurrency.CircuitBreaker

	mu         sync.RWMutex
	containers map[string]*Container
	frontEnd   string
	session    string

	// set when the node started as its own front-end; it created the registrar and closes it
	ownsRegistrar bool

	control  transport.Subscription
	stopCh   chan struct{}
	doneCh   chan struct{}
	reportWg sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

// NewNode validates opts and builds a node. Call Start to begin serving.
func NewNode(opts Options) (*Node, error) {
	if opts.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if opts.Host == "" {
		return nil, errors.New("host is required")
	}
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.Lang == "" {
		opts.Lang = defaultLang
	}
	if opts.Session == "" {
		opts.Session = uuid.NewString()
	}
	if opts.ReportPeriod <= 0 {
		opts.ReportPeriod = defaultReportPeriod
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = defaultShutdownGrace
	}
	opts.DefaultPoolSize = concurrency.ClampPoolSize(opts.DefaultPoolSize)
	if opts.Registrar == nil {
		opts.Registrar = transport.NewMemoryRegistrar()
	}
	if opts.Loader == nil {
		opts.Loader = loader.NewRegistry()
	}
	if opts.Serializers == nil {
		opts.Serializers = serializer.NewRegistry()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	if opts.Faults == nil {
		opts.Faults = alerting.NopReporter{}
	}
	if opts.Tracer == nil {
		opts.Tracer = tracing.Tracer()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	name := NodeName(opts.Host, opts.Port, opts.Lang)
	frontEnd := name
	if opts.FrontEndHost != "" {
		lang := opts.FrontEndLang
		if lang == "" {
			lang = opts.Lang
		}
		frontEnd = NodeName(opts.FrontEndHost, opts.FrontEndPort, lang)
	}

	n := &Node{
		opts:       opts,
		name:       name,
		logger:     opts.Logger.With(zap.String("node", name)),
		breaker:    concurrency.NewCircuitBreaker(reportFailureThreshold, reportResetTimeout),
		containers: make(map[string]*Container),
		frontEnd:   frontEnd,
		session:    opts.Session,

		ownsRegistrar: opts.FrontEndHost == "",
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	n.breaker.OnStateChange(func(from, to concurrency.CircuitBreakerState) {
		switch to {
		case concurrency.StateOpen:
			n.logger.Warn("Report publishing suspended", zap.Stringer("from", from))
		case concurrency.StateClosed:
			n.logger.Info("Report publishing resumed")
		}
	})
	n.env = &runtimeEnv{
		node:          name,
		host:          opts.Host,
		port:          opts.Port,
		transport:     opts.Transport,
		registrar:     opts.Registrar,
		loader:        opts.Loader,
		serializers:   opts.Serializers,
		table:         shm.NewTable(),
		blobs:         opts.Blobs,
		offloadAt:     opts.OffloadThreshold,
		metrics:       opts.Metrics,
		faults:        opts.Faults,
		tracer:        opts.Tracer,
		session:       n.Session,
		shutdownGrace: opts.ShutdownGrace,
		logger:        n.logger,
	}
	return n, nil
}

// Name returns the canonical name.
func (n *Node) Name() string { return n.name }

// Metrics returns the node's collectors.
func (n *Node) Metrics() *Metrics { return n.env.metrics }

// Done is closed once Stop has finished.
func (n *Node) Done() <-chan struct{} { return n.doneCh }

// Session returns the current session id.
func (n *Node) Session() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.session
}

// SetSession changes the session reports are published under.
func (n *Node) SetSession(id string) {
	n.mu.Lock()
	n.session = id
	n.mu.Unlock()
}

// FrontEnd returns the canonical name of the front-end node.
func (n *Node) FrontEnd() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.frontEnd
}

// SetFrontEnd changes the node reports are addressed to.
func (n *Node) SetFrontEnd(host string, port int, lang string) {
	n.mu.Lock()
	n.frontEnd = NodeName(host, port, lang)
	n.mu.Unlock()
}

// IsFrontEnd reports whether the node currently addresses reports to itself.
func (n *Node) IsFrontEnd() bool { return n.FrontEnd() == n.name }

// Start subscribes the control topic, registers the node and starts the report loop.
func (n *Node) Start(ctx context.Context) error {
	sub, err := n.env.transport.Subscribe(n.name, n.handleControl)
	if err != nil {
		return fmt.Errorf("failed to subscribe control topic: %w", err)
	}
	n.control = sub
	n.startedAt = time.Now()
	n.env.register(ctx, n.name, transport.KindNode, "dpe node")

	n.reportWg.Add(1)
	go n.reportLoop()

	n.logger.Info("Node started",
		zap.String("session", n.Session()),
		zap.String("frontEnd", n.FrontEnd()),
		zap.Int("defaultPoolSize", n.opts.DefaultPoolSize))
	return nil
}

// Stop shuts the node down: reporting first, then the control topic, the containers,
// the transport and finally the registrar when this node started as the front-end.
func (n *Node) Stop(ctx context.Context) error {
	n.stopOnce.Do(func() {
		defer close(n.doneCh)
		close(n.stopCh)
		n.reportWg.Wait()

		if n.control != nil {
			if err := n.control.Unsubscribe(); err != nil {
				n.logger.Warn("Failed to unsubscribe control topic", zap.Error(err))
			}
		}

		n.mu.Lock()
		containers := make([]*Container, 0, len(n.containers))
		for _, c := range n.containers {
			containers = append(containers, c)
		}
		n.containers = make(map[string]*Container)
		n.mu.Unlock()
		for _, c := range containers {
			c.stop(ctx)
		}
		n.env.deregister(ctx, n.name)

		if err := n.env.transport.Close(); err != nil {
			n.logger.Warn("Failed to close transport", zap.Error(err))
			n.stopErr = err
		}
		if n.ownsRegistrar {
			if err := n.env.registrar.Close(); err != nil {
				n.logger.Warn("Failed to close registrar", zap.Error(err))
			}
		}
		n.env.faults.Flush(2 * time.Second)
		n.logger.Info("Node stopped")
	})
	return n.stopErr
}

// StartContainer creates a container. A second container with the same name is rejected.
func (n *Node) StartContainer(ctx context.Context, name string, poolSize int, description string) (*Container, error) {
	if err := validName("container", name); err != nil {
		return nil, sdkerrors.NewCommandError(err.Error(), sdkerrors.ErrInvalidCommand)
	}
	if poolSize <= 0 {
		poolSize = n.opts.DefaultPoolSize
	}

	n.mu.Lock()
	if _, exists := n.containers[name]; exists {
		n.mu.Unlock()
		n.logger.Warn("Container already exists, request rejected", zap.String("container", name))
		return nil, sdkerrors.NewCommandError("container "+name+" already exists", sdkerrors.ErrAlreadyExists)
	}
	c := newContainer(n.env, name, concurrency.ClampPoolSize(poolSize), description)
	n.containers[name] = c
	n.mu.Unlock()

	c.start(ctx)
	return c, nil
}

// StopContainer stops a container and all its services.
func (n *Node) StopContainer(ctx context.Context, name string) error {
	n.mu.Lock()
	c, ok := n.containers[name]
	delete(n.containers, name)
	n.mu.Unlock()
	if !ok {
		return sdkerrors.NewCommandError("container "+name+" not found", sdkerrors.ErrContainerNotFound)
	}
	c.stop(ctx)
	return nil
}

// StartService deploys engineClass as engineName inside an existing container.
func (n *Node) StartService(ctx context.Context, container, engineName, engineClass string, poolSize int, description, initialState string) (*Service, error) {
	c, ok := n.Container(container)
	if !ok {
		return nil, sdkerrors.NewCommandError("container "+container+" not found", sdkerrors.ErrContainerNotFound)
	}
	return c.AddService(ctx, ServiceIdentity{
		NodeHost:      n.opts.Host,
		NodePort:      n.opts.Port,
		NodeLang:      n.opts.Lang,
		ContainerName: container,
		EngineName:    engineName,
		EngineClass:   engineClass,
		PoolSize:      poolSize,
		Description:   description,
		InitialState:  initialState,
	})
}

// StopService stops a service of a container.
func (n *Node) StopService(ctx context.Context, container, engineName string) error {
	c, ok := n.Container(container)
	if !ok {
		return sdkerrors.NewCommandError("container "+container+" not found", sdkerrors.ErrContainerNotFound)
	}
	removed, err := c.RemoveService(ctx, engineName)
	if !removed {
		return sdkerrors.NewCommandError("service "+engineName+" not found in "+container, sdkerrors.ErrServiceNotFound)
	}
	return err
}

// Container returns a container by its short name.
func (n *Node) Container(name string) (*Container, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	c, ok := n.containers[name]
	return c, ok
}

// Containers returns the containers sorted by name.
func (n *Node) Containers() []*Container {
	n.mu.RLock()
	out := make([]*Container, 0, len(n.containers))
	for _, c := range n.containers {
		out = append(out, c)
	}
	n.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// containerDown drops a container that stopped on its own.
func (n *Node) containerDown(name string) {
	n.mu.Lock()
	c, ok := n.containers[name]
	if ok && c.stopped() {
		delete(n.containers, name)
	}
	n.mu.Unlock()
	n.logger.Debug("Container down", zap.String("container", name))
}

func (n *Node) reportLoop() {
	defer n.reportWg.Done()
	ticker := time.NewTicker(n.opts.ReportPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.publishReports()
		}
	}
}

// publishReports sends the liveness record and the full report. Failures are logged;
// after repeated failures the breaker skips attempts until its reset window passes.
func (n *Node) publishReports() {
	ctx, cancel := context.WithTimeout(context.Background(), n.opts.ReportPeriod)
	defer cancel()

	frontEnd, session := n.FrontEnd(), n.Session()
	n.publishJSON(ctx, TopicAlive, AliveTopic(frontEnd, session), n.Alive())
	n.publishJSON(ctx, TopicReport, NodeReportTopic(frontEnd, session), n.Report())
}

func (n *Node) publishJSON(ctx context.Context, kind, topic string, v any) {
	err := n.breaker.Execute(func() error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		msg := message.NewMessage(topic, "application/json", b)
		msg.Metadata.Author = n.name
		return n.env.transport.Send(ctx, msg)
	})
	n.env.metrics.report(kind, err)
	switch {
	case errors.Is(err, concurrency.ErrCircuitOpen):
		n.logger.Debug("Report skipped, publishing suspended", zap.String("topic", topic))
	case err != nil:
		n.logger.Warn("Failed to publish report", zap.String("topic", topic), zap.Error(err))
	}
}
