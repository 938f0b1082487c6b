package dpe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wehubfusion/dpe/pkg/engine"
	"github.com/wehubfusion/dpe/pkg/loader"
	"github.com/wehubfusion/dpe/pkg/message"
	"github.com/wehubfusion/dpe/pkg/serializer"
	"github.com/wehubfusion/dpe/pkg/transport"
)

const (
	testHost     = "testhost"
	testNode     = "testhost_go"
	replyTimeout = 2 * time.Second
)

var testInfo = engine.Info{
	Inputs:   []string{engine.MimeString},
	Outputs:  []string{engine.MimeString},
	StateSet: []string{"done"},
	Desc:     "test engine",
	Ver:      "1.0.0",
	By:       "dpe",
}

// echoEngine returns its input, optionally tagged with an execution state, and tracks how
// many calls overlap.
type echoEngine struct {
	engine.Info
	delay  time.Duration
	state  string
	output any

	calls    atomic.Int32
	active   atomic.Int32
	peak     atomic.Int32
	received chan *engine.EngineData
}

func newEchoEngine() *echoEngine {
	return &echoEngine{Info: testInfo, received: make(chan *engine.EngineData, 64)}
}

func (e *echoEngine) Configure(_ context.Context, _ *engine.EngineData) (*engine.EngineData, error) {
	return nil, nil
}

func (e *echoEngine) Execute(_ context.Context, in *engine.EngineData) (*engine.EngineData, error) {
	cur := e.active.Add(1)
	defer e.active.Add(-1)
	for {
		peak := e.peak.Load()
		if cur <= peak || e.peak.CompareAndSwap(peak, cur) {
			break
		}
	}
	e.calls.Add(1)
	select {
	case e.received <- in:
	default:
	}
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	data := in.Data
	if e.output != nil {
		data = e.output
	}
	out := engine.NewData(in.MimeType, data)
	out.ExecutionState = e.state
	return out, nil
}

// identityEngine hands back the very request it was given, optionally tagging its state.
type identityEngine struct {
	engine.Info
	state    string
	received chan engine.EngineData
}

func newIdentityEngine(state string) *identityEngine {
	return &identityEngine{Info: testInfo, state: state, received: make(chan engine.EngineData, 64)}
}

func (e *identityEngine) Configure(_ context.Context, in *engine.EngineData) (*engine.EngineData, error) {
	return in, nil
}

func (e *identityEngine) Execute(_ context.Context, in *engine.EngineData) (*engine.EngineData, error) {
	select {
	case e.received <- *in:
	default:
	}
	if e.state != "" {
		in.ExecutionState = e.state
	}
	return in, nil
}

// faultyEngine fails every Execute call the way mode says.
type faultyEngine struct {
	engine.Info
	mode  string
	calls atomic.Int32
}

func (e *faultyEngine) Configure(_ context.Context, _ *engine.EngineData) (*engine.EngineData, error) {
	return nil, errors.New("configure refused")
}

func (e *faultyEngine) Execute(_ context.Context, in *engine.EngineData) (*engine.EngineData, error) {
	e.calls.Add(1)
	if s, _ := in.Data.(string); s == "ok" {
		return engine.NewData(engine.MimeString, "fine"), nil
	}
	switch e.mode {
	case "panic":
		panic("engine exploded")
	case "nil":
		return nil, nil
	default:
		return nil, errors.New("engine failed")
	}
}

type recordingReporter struct {
	mu     sync.Mutex
	panics []string
	errs   []error
}

func (r *recordingReporter) ReportPanic(service string, _ any, _ []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.panics = append(r.panics, service)
}

func (r *recordingReporter) ReportError(_ string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recordingReporter) Flush(time.Duration) bool { return true }

func (r *recordingReporter) panicCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.panics)
}

type harness struct {
	t      *testing.T
	bus    *transport.LocalBus
	node   *Node
	loader *loader.Registry
	ser    *serializer.Registry
	logs   *observer.ObservedLogs
}

func newHarness(t *testing.T, configure ...func(*Options)) *harness {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	bus := transport.NewLocalBus()
	reg := loader.NewRegistry()
	opts := Options{
		Host:          testHost,
		Session:       "test-session",
		Transport:     bus,
		Loader:        reg,
		ReportPeriod:  time.Hour,
		ShutdownGrace: time.Second,
		Logger:        zap.New(core),
	}
	for _, fn := range configure {
		fn(&opts)
	}
	n, err := NewNode(opts)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Stop(context.Background()) })

	return &harness{t: t, bus: bus, node: n, loader: reg, ser: serializer.NewRegistry(), logs: logs}
}

// register makes eng available under class. Every service of that class shares eng.
func (h *harness) register(class string, eng engine.Engine) {
	h.t.Helper()
	require.NoError(h.t, h.loader.Register(class, func() (engine.Engine, error) { return eng, nil }))
}

func (h *harness) control(tokens ...string) *message.Message {
	h.t.Helper()
	reply, err := h.bus.SyncSend(context.Background(), message.NewCommand(testNode, tokens...), replyTimeout)
	require.NoError(h.t, err)
	return reply
}

func (h *harness) deploy(container, engineName, class string, poolSize int) *Service {
	h.t.Helper()
	if _, ok := h.node.Container(container); !ok {
		_, err := h.node.StartContainer(context.Background(), container, 0, "")
		require.NoError(h.t, err)
	}
	svc, err := h.node.StartService(context.Background(), container, engineName, class, poolSize, "", "")
	require.NoError(h.t, err)
	return svc
}

func (h *harness) request(service, text string, id int64, composition string) *message.Message {
	h.t.Helper()
	b, err := h.ser.Serialize(engine.NewData(engine.MimeString, text))
	require.NoError(h.t, err)
	return message.NewMessage(service, engine.MimeString, b).
		WithAction(string(engine.ActionExecute)).
		WithCommunicationID(id).
		WithComposition(composition)
}

func (h *harness) execute(service, text string, id int64) (*message.Message, error) {
	return h.bus.SyncSend(context.Background(), h.request(service, text, id, ""), replyTimeout)
}

func (h *harness) text(msg *message.Message) string {
	h.t.Helper()
	v, err := h.ser.Deserialize(msg.Metadata.MimeType, msg.Data)
	require.NoError(h.t, err)
	s, ok := v.(string)
	require.True(h.t, ok, "payload is %T", v)
	return s
}

// listen collects every message sent to topic.
func (h *harness) listen(topic string) <-chan *message.Message {
	h.t.Helper()
	ch := make(chan *message.Message, 64)
	sub, err := h.bus.Subscribe(topic, func(_ context.Context, msg *message.Message) {
		ch <- msg
	})
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = sub.Unsubscribe() })
	return ch
}

func receive(t *testing.T, ch <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(replyTimeout):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

func assertQuiet(t *testing.T, ch <-chan *message.Message) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message on %s", msg.Topic)
	case <-time.After(100 * time.Millisecond):
	}
}
