package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/dpe/pkg/dpe"
	"github.com/wehubfusion/dpe/pkg/engine"
	"github.com/wehubfusion/dpe/pkg/engines/all"
	"github.com/wehubfusion/dpe/pkg/engines/echo"
	"github.com/wehubfusion/dpe/pkg/engines/textcase"
	sdkerrors "github.com/wehubfusion/dpe/pkg/errors"
	"github.com/wehubfusion/dpe/pkg/loader"
	"github.com/wehubfusion/dpe/pkg/storage"
	"github.com/wehubfusion/dpe/pkg/transport"
)

const node = "orchestrated_go"

type fixture struct {
	client *Client
	node   *dpe.Node
	blobs  *storage.MemoryBlobStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := transport.NewLocalBus()
	registrar := transport.NewMemoryRegistrar()
	blobs := storage.NewMemoryBlobStore()

	reg := loader.NewRegistry()
	require.NoError(t, all.Register(reg, all.Deps{Blobs: blobs}))

	n, err := dpe.NewNode(dpe.Options{
		Host:             "orchestrated",
		Session:          "client-test",
		Transport:        bus,
		Registrar:        registrar,
		Loader:           reg,
		Blobs:            blobs,
		OffloadThreshold: 1 << 20,
		ReportPeriod:     time.Hour,
		ShutdownGrace:    time.Second,
		Logger:           zap.NewNop(),
	})
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Stop(context.Background()) })

	c := New(bus, WithRegistrar(registrar), WithBlobs(blobs), WithTimeout(2*time.Second))
	return &fixture{client: c, node: n, blobs: blobs}
}

func (f *fixture) deploy(t *testing.T, engineName, class string) string {
	t.Helper()
	ctx := context.Background()
	if _, ok := f.node.Container("c1"); !ok {
		name, err := f.client.StartContainer(ctx, node, "c1", 0, "")
		require.NoError(t, err)
		require.Equal(t, node+":c1", name)
	}
	svc, err := f.client.StartService(ctx, node, ServiceSpec{Container: "c1", Engine: engineName, Class: class})
	require.NoError(t, err)
	return svc
}

func TestExecuteAndConfigure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := f.deploy(t, "upper", textcase.Class)
	assert.Equal(t, node+":c1:upper", svc)

	out, err := f.client.Execute(ctx, svc, engine.NewData(engine.MimeString, "hello"))
	require.NoError(t, err)
	assert.Equal(t, "HELLO", out.Data)
	assert.Equal(t, engine.StatusInfo, out.Status)
	assert.Equal(t, svc, out.Author)
	assert.Equal(t, "upper", out.EngineName)

	cfg, err := f.client.Configure(ctx, svc, engine.NewData(engine.MimeString, "lower"))
	require.NoError(t, err)
	assert.Equal(t, "lower?und", cfg.Data)
}

func TestEngineFailureIsReturnedAsData(t *testing.T) {
	f := newFixture(t)
	svc := f.deploy(t, "upper", textcase.Class)

	out, err := f.client.Configure(context.Background(), svc, engine.NewData(engine.MimeString, "sideways"))
	require.NoError(t, err)
	assert.True(t, out.IsError())
	assert.Equal(t, engine.FaultSeverity, out.Severity)
}

func TestCommandErrorsMapToSentinels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deploy(t, "echo", echo.Class)

	_, err := f.client.StartContainer(ctx, node, "c1", 0, "")
	assert.ErrorIs(t, err, sdkerrors.ErrAlreadyExists)

	err = f.client.StopContainer(ctx, node, "missing")
	assert.ErrorIs(t, err, sdkerrors.ErrContainerNotFound)

	err = f.client.StopService(ctx, node, "c1", "missing")
	assert.ErrorIs(t, err, sdkerrors.ErrServiceNotFound)

	_, err = f.client.StartService(ctx, node, ServiceSpec{Container: "c1", Engine: "ghost", Class: "dpe.Missing"})
	assert.ErrorIs(t, err, sdkerrors.ErrEngineLoad)

	_, err = f.client.SetupReport(ctx, node+":c1:echo", "nope", 1)
	assert.ErrorIs(t, err, sdkerrors.ErrInvalidCommand)
	assert.True(t, sdkerrors.IsCommandError(err))
}

func TestSendAndListen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := f.deploy(t, "echo", echo.Class)

	_, err := f.client.SetupReport(ctx, svc, dpe.ReportData, 1)
	require.NoError(t, err)

	results := make(chan *engine.EngineData, 4)
	sub, err := f.client.Listen(dpe.ReportTopic(dpe.TopicData, svc), func(d *engine.EngineData) { results <- d })
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	id, err := f.client.Send(ctx, svc, "", engine.NewData(engine.MimeString, "fire and forget"))
	require.NoError(t, err)

	select {
	case d := <-results:
		assert.Equal(t, "fire and forget", d.Data)
		assert.Equal(t, id, d.CommunicationID)
	case <-time.After(2 * time.Second):
		t.Fatal("no data report received")
	}
}

func TestNodeQueriesAndDiscovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := f.deploy(t, "echo", echo.Class)

	alive, err := f.client.Ping(ctx, node)
	require.NoError(t, err)
	assert.Equal(t, node, alive.Name)
	assert.Equal(t, 1, alive.Containers)
	assert.Equal(t, 1, alive.Services)

	report, err := f.client.Report(ctx, node)
	require.NoError(t, err)
	assert.Equal(t, "client-test", report.Session)
	assert.Len(t, report.Containers, 1)

	rt, err := f.client.Runtime(ctx, node)
	require.NoError(t, err)
	assert.Equal(t, node, rt.Name)
	assert.NotEmpty(t, rt.GoVersion)

	require.NoError(t, f.client.SetSession(ctx, node, "next"))
	assert.Equal(t, "next", f.node.Session())

	regs, err := f.client.Discover(ctx, node+":c1")
	require.NoError(t, err)
	names := make([]string, 0, len(regs))
	for _, r := range regs {
		names = append(names, r.Name)
	}
	assert.Contains(t, names, svc)
}

func TestStopNode(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.client.StopNode(context.Background(), node))

	select {
	case <-f.node.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("node did not stop")
	}
}

func TestDiscoverWithoutRegistrar(t *testing.T) {
	c := New(transport.NewLocalBus())
	_, err := c.Discover(context.Background(), "")
	assert.Error(t, err)
}
