// Package client drives DPE nodes from an orchestrator: it deploys containers and
// services, sends configure and execute requests, and listens to service reports.
//
// Example usage:
//
//	tr, _ := transport.DialNATS(ctx, transport.NATSConfig{URL: "nats://localhost:4222"}, logger)
//	c := client.New(tr, client.WithTimeout(10*time.Second))
//	defer c.Close()
//
//	svc, err := c.StartService(ctx, "host_go", client.ServiceSpec{
//	    Container: "c1", Engine: "upper", Class: textcase.Class,
//	})
//	out, err := c.Execute(ctx, svc, engine.NewData(engine.MimeString, "hello"))
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/dpe/pkg/dpe"
	"github.com/wehubfusion/dpe/pkg/engine"
	sdkerrors "github.com/wehubfusion/dpe/pkg/errors"
	"github.com/wehubfusion/dpe/pkg/message"
	"github.com/wehubfusion/dpe/pkg/serializer"
	"github.com/wehubfusion/dpe/pkg/storage"
	"github.com/wehubfusion/dpe/pkg/transport"
)

const defaultTimeout = 30 * time.Second

// Client is an orchestrator connection. It is safe for concurrent use.
type Client struct {
	transport   transport.Transport
	registrar   transport.Registrar
	serializers *serializer.Registry
	blobs       storage.BlobStore
	timeout     time.Duration
	logger      *zap.Logger

	nextID atomic.Int64
}

// Option configures a Client.
type Option func(*Client)

// WithRegistrar enables Discover.
func WithRegistrar(r transport.Registrar) Option { return func(c *Client) { c.registrar = r } }

// WithTimeout bounds every request that waits for a reply.
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }

// WithSerializers replaces the default serializer registry.
func WithSerializers(r *serializer.Registry) Option { return func(c *Client) { c.serializers = r } }

// WithBlobs lets the client read results that were offloaded to blob storage.
func WithBlobs(b storage.BlobStore) Option { return func(c *Client) { c.blobs = b } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.logger = l } }

// New creates a client on t.
func New(t transport.Transport, opts ...Option) *Client {
	c := &Client{
		transport:   t,
		serializers: serializer.NewRegistry(),
		timeout:     defaultTimeout,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.nextID.Store(time.Now().UnixNano())
	return c
}

// Close closes the transport.
func (c *Client) Close() error {
	return c.transport.Close()
}

// ServiceSpec describes a service deployment.
type ServiceSpec struct {
	Container    string
	Engine       string
	Class        string
	PoolSize     int
	Description  string
	InitialState string
}

// StartContainer creates a container on node and returns its canonical name.
func (c *Client) StartContainer(ctx context.Context, node, name string, poolSize int, description string) (string, error) {
	return c.command(ctx, node, dpe.CmdStartContainer, name, optionalInt(poolSize), description)
}

// StopContainer stops a container and its services.
func (c *Client) StopContainer(ctx context.Context, node, name string) error {
	_, err := c.command(ctx, node, dpe.CmdStopContainer, name)
	return err
}

// StartService deploys a service and returns its canonical name.
func (c *Client) StartService(ctx context.Context, node string, spec ServiceSpec) (string, error) {
	return c.command(ctx, node, dpe.CmdStartService,
		spec.Container, spec.Engine, spec.Class, optionalInt(spec.PoolSize), spec.Description, spec.InitialState)
}

// StopService stops a service.
func (c *Client) StopService(ctx context.Context, node, container, engineName string) error {
	_, err := c.command(ctx, node, dpe.CmdStopService, container, engineName)
	return err
}

// SetFrontEnd points the reports of node at another front-end.
func (c *Client) SetFrontEnd(ctx context.Context, node, host string, port int, lang string) error {
	_, err := c.command(ctx, node, dpe.CmdSetFrontEnd, host, strconv.Itoa(port), lang)
	return err
}

// SetSession changes the session of node.
func (c *Client) SetSession(ctx context.Context, node, session string) error {
	_, err := c.command(ctx, node, dpe.CmdSetSession, session)
	return err
}

// Ping returns the liveness record of node.
func (c *Client) Ping(ctx context.Context, node string) (dpe.AliveReport, error) {
	var r dpe.AliveReport
	return r, c.commandJSON(ctx, node, dpe.CmdPing, &r)
}

// Report returns the full status report of node.
func (c *Client) Report(ctx context.Context, node string) (dpe.NodeReport, error) {
	var r dpe.NodeReport
	return r, c.commandJSON(ctx, node, dpe.CmdReportJSON, &r)
}

// Runtime describes the process hosting node.
func (c *Client) Runtime(ctx context.Context, node string) (dpe.RuntimeReport, error) {
	var r dpe.RuntimeReport
	return r, c.commandJSON(ctx, node, dpe.CmdReportRuntime, &r)
}

// StopNode asks node to shut down.
func (c *Client) StopNode(ctx context.Context, node string) error {
	_, err := c.command(ctx, node, dpe.CmdStop)
	return err
}

// SetupReport switches a report of service on, or off with a threshold <= 0.
func (c *Client) SetupReport(ctx context.Context, service string, kind dpe.ReportKind, threshold int) (string, error) {
	msg := message.NewCommand(service, "report", string(kind), strconv.Itoa(threshold))
	return c.request(ctx, msg)
}

// Execute sends in to service and waits for the result. An ERROR result is returned as
// data, not as an error; the error only reports transport failures.
func (c *Client) Execute(ctx context.Context, service string, in *engine.EngineData) (*engine.EngineData, error) {
	return c.call(ctx, service, engine.ActionExecute, in)
}

// Configure sends configuration data to one worker of service.
func (c *Client) Configure(ctx context.Context, service string, in *engine.EngineData) (*engine.EngineData, error) {
	return c.call(ctx, service, engine.ActionConfigure, in)
}

// Send starts a pipeline: in goes to service with composition and no reply is awaited.
// It returns the communication id the results will carry.
func (c *Client) Send(ctx context.Context, service, composition string, in *engine.EngineData) (int64, error) {
	msg, err := c.encode(service, engine.ActionExecute, in)
	if err != nil {
		return 0, err
	}
	msg.Metadata.Composition = composition
	return msg.Metadata.CommunicationID, c.transport.Send(ctx, msg)
}

// Listen calls handler with every result published on topic, for example
// dpe.ReportTopic(dpe.TopicData, service).
func (c *Client) Listen(topic string, handler func(*engine.EngineData)) (transport.Subscription, error) {
	return c.transport.Subscribe(topic, func(ctx context.Context, msg *message.Message) {
		d, err := c.decode(ctx, msg)
		if err != nil {
			c.logger.Warn("Dropped undecodable result", zap.String("topic", topic), zap.Error(err))
			return
		}
		handler(d)
	})
}

// Discover lists registered actors whose name starts with prefix.
func (c *Client) Discover(ctx context.Context, prefix string) ([]transport.Registration, error) {
	if c.registrar == nil {
		return nil, errors.New("no registrar configured")
	}
	return c.registrar.Discover(ctx, prefix)
}

func (c *Client) call(ctx context.Context, service string, action engine.Action, in *engine.EngineData) (*engine.EngineData, error) {
	msg, err := c.encode(service, action, in)
	if err != nil {
		return nil, err
	}
	reply, err := c.transport.SyncSend(ctx, msg, c.timeout)
	if err != nil {
		return nil, err
	}
	return c.decode(ctx, reply)
}

func (c *Client) encode(service string, action engine.Action, in *engine.EngineData) (*message.Message, error) {
	b, err := c.serializers.Serialize(in)
	if err != nil {
		return nil, err
	}
	d := *in
	d.Action = action
	if d.CommunicationID == 0 {
		d.CommunicationID = c.nextID.Add(1)
	}
	msg := message.NewMessage(service, in.MimeType, b)
	dpe.FillMetadata(msg.Metadata, &d)
	return msg, nil
}

func (c *Client) decode(ctx context.Context, msg *message.Message) (*engine.EngineData, error) {
	d := dpe.DataFromMetadata(msg.Metadata)
	payload := msg.Data
	if ref := msg.Metadata.BlobReference; ref != nil {
		if c.blobs == nil {
			return nil, fmt.Errorf("result offloaded to %s but no blob store is configured", ref.URL)
		}
		var err error
		if payload, err = c.blobs.Download(ctx, ref.URL); err != nil {
			return nil, err
		}
	}
	v, err := c.serializers.Deserialize(d.MimeType, payload)
	if err != nil {
		return nil, err
	}
	d.Data = v
	return d, nil
}

func (c *Client) command(ctx context.Context, node string, tokens ...string) (string, error) {
	return c.request(ctx, message.NewCommand(node, trimTrailing(tokens)...))
}

func (c *Client) commandJSON(ctx context.Context, node, cmd string, v any) error {
	text, err := c.command(ctx, node, cmd)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(text), v)
}

// request sends a text request and maps an ERROR reply onto the matching sentinel.
func (c *Client) request(ctx context.Context, msg *message.Message) (string, error) {
	reply, err := c.transport.SyncSend(ctx, msg, c.timeout)
	if err != nil {
		return "", err
	}
	if reply.IsError() {
		return "", sdkerrors.NewCommandError(reply.Text(), replySentinel(reply.Text()))
	}
	return reply.Text(), nil
}

var replySentinels = []error{
	sdkerrors.ErrContainerNotFound,
	sdkerrors.ErrServiceNotFound,
	sdkerrors.ErrAlreadyExists,
	sdkerrors.ErrEngineValidation,
	sdkerrors.ErrEngineLoad,
}

func replySentinel(text string) error {
	for _, s := range replySentinels {
		if strings.Contains(text, s.Error()) {
			return s
		}
	}
	return sdkerrors.ErrInvalidCommand
}

func optionalInt(n int) string {
	if n <= 0 {
		return ""
	}
	return strconv.Itoa(n)
}

// trimTrailing drops empty trailing arguments so optional ones can be left out.
func trimTrailing(tokens []string) []string {
	for len(tokens) > 1 && tokens[len(tokens)-1] == "" {
		tokens = tokens[:len(tokens)-1]
	}
	return tokens
}
