package dpe

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/dpe/pkg/engine"
	sdkerrors "github.com/wehubfusion/dpe/pkg/errors"
	"github.com/wehubfusion/dpe/pkg/message"
	"github.com/wehubfusion/dpe/pkg/storage"
)

func TestServiceNeverExceedsPoolSize(t *testing.T) {
	h := newHarness(t)
	eng := newEchoEngine()
	eng.delay = 20 * time.Millisecond
	h.register("echo", eng)
	svc := h.deploy("c1", "echo", "echo", 1)
	assert.Equal(t, 2, svc.PoolSize(), "pool size is clamped")

	const requests = 12
	var wg sync.WaitGroup
	errs := make(chan error, requests)
	for i := 1; i <= requests; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := h.execute(svc.Name(), "x", id)
			errs <- err
		}(int64(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	assert.EqualValues(t, requests, eng.calls.Load())
	assert.LessOrEqual(t, eng.peak.Load(), int32(2))
	assert.EqualValues(t, requests, svc.report().RequestCount)
}

func TestEchoEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.register("identity", newEchoEngine())

	reply := h.control(CmdStartContainer, "c1")
	require.False(t, reply.IsError(), reply.Text())
	assert.Equal(t, testNode+":c1", reply.Text())

	reply = h.control(CmdStartService, "c1", "echo", "identity", "2")
	require.False(t, reply.IsError(), reply.Text())
	service := reply.Text()
	assert.Equal(t, testNode+":c1:echo", service)

	const requests = 10
	replies := make([]*message.Message, requests)
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg, err := h.execute(service, fmt.Sprintf("payload-%d", i), int64(100+i))
			assert.NoError(t, err)
			replies[i] = msg
		}(i)
	}
	wg.Wait()

	for i, msg := range replies {
		require.NotNil(t, msg)
		assert.Equal(t, testNode+":c1:echo", msg.Metadata.Author)
		assert.GreaterOrEqual(t, msg.Metadata.ExecutionTime, int64(0))
		assert.EqualValues(t, 100+i, msg.Metadata.CommunicationID)
		assert.Equal(t, "INFO", msg.Metadata.Status)
		assert.Equal(t, fmt.Sprintf("payload-%d", i), h.text(msg))
	}
}

func TestEngineFaults(t *testing.T) {
	tests := []struct {
		mode        string
		description string
		panics      int
	}{
		{mode: "error", description: DescriptionUnhandledException},
		{mode: "nil", description: DescriptionUnhandledException},
		{mode: "panic", description: DescriptionUnhandledCritical, panics: 3},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			faults := &recordingReporter{}
			h := newHarness(t, func(o *Options) { o.Faults = faults })
			eng := &faultyEngine{Info: testInfo, mode: tt.mode}
			h.register("faulty", eng)
			svc := h.deploy("c1", "faulty", "faulty", 2)
			errorReports := h.listen(ReportTopic(TopicError, svc.Name()))

			for i := 1; i <= 3; i++ {
				reply, err := h.execute(svc.Name(), "boom", int64(i))
				require.NoError(t, err)
				assert.True(t, reply.IsError())
				assert.Equal(t, engine.FaultSeverity, reply.Metadata.Severity)
				assert.Equal(t, tt.description, reply.Metadata.Description)
				assert.Equal(t, svc.Name(), reply.Metadata.Author)
			}

			// the service keeps serving after faults
			reply, err := h.execute(svc.Name(), "ok", 10)
			require.NoError(t, err)
			assert.False(t, reply.IsError())
			assert.Equal(t, "fine", h.text(reply))

			assert.EqualValues(t, 3, svc.report().FailureCount)
			assert.Equal(t, tt.panics, faults.panicCount())
			// replies skip the error report topic
			assertQuiet(t, errorReports)
		})
	}
}

func TestFaultWithoutReplyIsReported(t *testing.T) {
	h := newHarness(t)
	h.register("faulty", &faultyEngine{Info: testInfo, mode: "panic"})
	svc := h.deploy("c1", "faulty", "faulty", 2)
	errorReports := h.listen(ReportTopic(TopicError, svc.Name()))

	require.NoError(t, h.bus.Send(context.Background(), h.request(svc.Name(), "boom", 7, "")))

	msg := receive(t, errorReports)
	assert.Equal(t, "ERROR", msg.Metadata.Status)
	assert.Equal(t, DescriptionUnhandledCritical, msg.Metadata.Description)
	assert.EqualValues(t, 7, msg.Metadata.CommunicationID)
}

func TestConfigure(t *testing.T) {
	h := newHarness(t)
	h.register("echo", newEchoEngine())
	h.register("faulty", &faultyEngine{Info: testInfo})
	echo := h.deploy("c1", "echo", "echo", 2)
	faulty := h.deploy("c1", "faulty", "faulty", 2)

	req := h.request(echo.Name(), "cfg", 1, "").WithAction(string(engine.ActionConfigure))
	reply, err := h.bus.SyncSend(context.Background(), req, replyTimeout)
	require.NoError(t, err)
	assert.False(t, reply.IsError())
	assert.Equal(t, engine.DoneData, h.text(reply))

	req = h.request(faulty.Name(), "cfg", 2, "").WithAction(string(engine.ActionConfigure))
	reply, err = h.bus.SyncSend(context.Background(), req, replyTimeout)
	require.NoError(t, err)
	assert.True(t, reply.IsError())
	assert.Equal(t, DescriptionUnhandledException, reply.Metadata.Description)
}

func TestSetupReportThresholds(t *testing.T) {
	h := newHarness(t)
	h.register("echo", newEchoEngine())
	svc := h.deploy("c1", "echo", "echo", 2)
	done := h.listen(ReportTopic(TopicDone, svc.Name()))
	data := h.listen(ReportTopic(TopicData, svc.Name()))

	setup := func(text string) *message.Message {
		reply, err := h.bus.SyncSend(context.Background(), message.NewStringMessage(svc.Name(), text), replyTimeout)
		require.NoError(t, err)
		return reply
	}

	reply := setup("report?done?2")
	require.False(t, reply.IsError(), reply.Text())
	assert.Equal(t, "done report every 2 requests", reply.Text())
	reply = setup("report?data?4")
	require.False(t, reply.IsError(), reply.Text())

	for i := 1; i <= 4; i++ {
		require.NoError(t, h.bus.Send(context.Background(), h.request(svc.Name(), "hello", int64(i), "")))
	}

	for i := 0; i < 2; i++ {
		msg := receive(t, done)
		assert.Equal(t, engine.DoneData, h.text(msg))
		assert.Equal(t, svc.Name(), msg.Metadata.Author)
	}
	assertQuiet(t, done)
	assert.Equal(t, "hello", h.text(receive(t, data)))
	assertQuiet(t, data)

	reply = setup("report?done?0")
	assert.Equal(t, "done report disabled", reply.Text())
	assert.False(t, svc.RuntimeConfig().Enabled(ReportDone))

	reply = setup("report?bogus?1")
	assert.True(t, reply.IsError())
	reply = setup("report?done?many")
	assert.True(t, reply.IsError())
}

func TestCompositionRoutesToEveryLink(t *testing.T) {
	h := newHarness(t)
	a := newEchoEngine()
	a.state = "done"
	b, c := newEchoEngine(), newEchoEngine()
	h.register("a", a)
	h.register("b", b)
	h.register("c", c)
	svcA := h.deploy("c1", "a", "a", 2)
	svcB := h.deploy("c1", "b", "b", 2)
	svcC := h.deploy("c1", "c", "c", 2)

	composition := fmt.Sprintf("%s+%s,%s;", svcA.Name(), svcB.Name(), svcC.Name())
	require.NoError(t, h.bus.Send(context.Background(), h.request(svcA.Name(), "hello", 42, composition)))

	for _, eng := range []*echoEngine{b, c} {
		select {
		case in := <-eng.received:
			assert.Equal(t, "hello", in.Data)
			assert.Equal(t, svcA.Name(), in.Author)
			assert.EqualValues(t, 42, in.CommunicationID)
			assert.Equal(t, "done", in.ExecutionState)
		case <-time.After(replyTimeout):
			t.Fatal("link did not receive the output")
		}
	}

	require.Eventually(t, func() bool {
		return svcB.report().ShmReads == 1 && svcC.report().ShmReads == 1
	}, replyTimeout, 10*time.Millisecond)
	assert.EqualValues(t, 2, svcA.report().ShmWrites)
	assert.Zero(t, h.node.env.table.Pending(svcB.Name()))
	assert.Zero(t, h.node.env.table.Pending(svcC.Name()))
	assert.EqualValues(t, 1, b.calls.Load())
	assert.EqualValues(t, 1, c.calls.Load())
}

func TestCompositionStateGuard(t *testing.T) {
	h := newHarness(t)
	a := newEchoEngine()
	a.state = "done"
	b := newEchoEngine()
	h.register("a", a)
	h.register("b", b)
	svcA := h.deploy("c1", "a", "a", 2)
	svcB := h.deploy("c1", "b", "b", 2)

	composition := fmt.Sprintf("%s[failed]+%s;", svcA.Name(), svcB.Name())
	require.NoError(t, h.bus.Send(context.Background(), h.request(svcA.Name(), "hello", 1, composition)))

	require.Eventually(t, func() bool { return a.calls.Load() == 1 }, replyTimeout, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, b.calls.Load())
	assert.Zero(t, svcA.report().ShmWrites)
}

func TestRemoteLinkIsSentByValue(t *testing.T) {
	blobs := storage.NewMemoryBlobStore()
	h := newHarness(t, func(o *Options) {
		o.Blobs = blobs
		o.OffloadThreshold = 64
	})
	h.register("echo", newEchoEngine())
	svc := h.deploy("c1", "echo", "echo", 2)

	remote := "otherhost_go:c9:sink"
	inbox := h.listen(remote)
	composition := fmt.Sprintf("%s+%s;", svc.Name(), remote)

	require.NoError(t, h.bus.Send(context.Background(), h.request(svc.Name(), "small", 1, composition)))
	msg := receive(t, inbox)
	assert.Equal(t, engine.MimeString, msg.Metadata.MimeType)
	assert.Nil(t, msg.Metadata.BlobReference)
	assert.Equal(t, "small", h.text(msg))

	large := string(make([]byte, 256))
	require.NoError(t, h.bus.Send(context.Background(), h.request(svc.Name(), large, 2, composition)))
	msg = receive(t, inbox)
	require.NotNil(t, msg.Metadata.BlobReference)
	assert.Empty(t, msg.Data)
	payload, err := blobs.Download(context.Background(), msg.Metadata.BlobReference.URL)
	require.NoError(t, err)
	msg.Data = payload
	assert.Equal(t, large, h.text(msg))

	// replies are never offloaded
	reply, err := h.execute(svc.Name(), large, 3)
	require.NoError(t, err)
	assert.Nil(t, reply.Metadata.BlobReference)
	assert.Equal(t, large, h.text(reply))
	assert.Equal(t, 1, blobs.Len())
}

func TestOffloadedRequestIsDownloaded(t *testing.T) {
	blobs := storage.NewMemoryBlobStore()
	h := newHarness(t, func(o *Options) { o.Blobs = blobs })
	h.register("echo", newEchoEngine())
	svc := h.deploy("c1", "echo", "echo", 2)

	req := h.request(svc.Name(), "stored elsewhere", 5, "")
	url, err := blobs.Upload(context.Background(), "in/5", req.Data, "application/octet-stream", nil)
	require.NoError(t, err)
	req.Data = nil
	req.Metadata.BlobReference = &message.BlobReference{URL: url}

	reply, err := h.bus.SyncSend(context.Background(), req, replyTimeout)
	require.NoError(t, err)
	assert.False(t, reply.IsError())
	assert.Equal(t, "stored elsewhere", h.text(reply))
}

func TestRingModeForwardsInput(t *testing.T) {
	h := newHarness(t)
	a := newEchoEngine()
	a.state = "done"
	a.output = "processed"
	b := newEchoEngine()
	h.register("a", a)
	h.register("b", b)
	svcA := h.deploy("c1", "a", "a", 2)
	svcB := h.deploy("c1", "b", "b", 2)
	ring := h.listen(RingTopic("done", h.node.Session(), "a"))

	_, err := h.bus.SyncSend(context.Background(), message.NewStringMessage(svcA.Name(), "report?ring?1"), replyTimeout)
	require.NoError(t, err)

	composition := fmt.Sprintf("%s+%s;", svcA.Name(), svcB.Name())
	require.NoError(t, h.bus.Send(context.Background(), h.request(svcA.Name(), "raw", 9, composition)))

	monitored := receive(t, ring)
	assert.Equal(t, "processed", h.text(monitored))
	assert.Equal(t, svcA.Name(), monitored.Metadata.Author)

	select {
	case in := <-b.received:
		assert.Equal(t, "raw", in.Data)
		assert.Equal(t, svcA.Name(), in.Author)
		assert.Equal(t, "done", in.SenderState)
		assert.EqualValues(t, 9, in.CommunicationID)
	case <-time.After(replyTimeout):
		t.Fatal("ring mode did not forward the input")
	}
	assert.Equal(t, "done", svcA.RuntimeConfig().ExecutionState())
}

func TestUndecodableRequestBecomesError(t *testing.T) {
	h := newHarness(t)
	eng := newEchoEngine()
	h.register("echo", eng)
	svc := h.deploy("c1", "echo", "echo", 2)

	// a by-reference marker with nothing in the table
	req := message.NewMessage(svc.Name(), engine.MimeSharedMemory, []byte("ghost:1")).
		WithAction(string(engine.ActionExecute)).
		WithCommunicationID(1)
	reply, err := h.bus.SyncSend(context.Background(), req, replyTimeout)
	require.NoError(t, err)
	assert.True(t, reply.IsError())
	assert.Equal(t, DescriptionUnhandledException, reply.Metadata.Description)
	assert.Zero(t, eng.calls.Load())
}

func TestStopWaitsForRunningRequests(t *testing.T) {
	h := newHarness(t)
	eng := newEchoEngine()
	eng.delay = 100 * time.Millisecond
	h.register("echo", eng)
	svc := h.deploy("c1", "echo", "echo", 2)

	require.NoError(t, h.bus.Send(context.Background(), h.request(svc.Name(), "slow", 1, "")))
	require.Eventually(t, func() bool { return eng.active.Load() == 1 }, replyTimeout, 5*time.Millisecond)

	require.NoError(t, h.node.StopService(context.Background(), "c1", "echo"))
	assert.EqualValues(t, 0, eng.active.Load())
	assert.False(t, svc.Running())
	assert.False(t, h.node.env.table.HasReceiver(svc.Name()))
}

func TestIdentityEngineAnswersSyncRequests(t *testing.T) {
	h := newHarness(t)
	h.register("same", newIdentityEngine(""))
	svc := h.deploy("c1", "same", "same", 2)

	reply, err := h.execute(svc.Name(), "hello", 7)
	require.NoError(t, err)
	assert.False(t, reply.IsError())
	assert.Equal(t, "hello", h.text(reply))
	assert.Equal(t, svc.Name(), reply.Metadata.Author)
	assert.EqualValues(t, 7, reply.Metadata.CommunicationID)

	req := h.request(svc.Name(), "cfg", 8, "").WithAction(string(engine.ActionConfigure))
	reply, err = h.bus.SyncSend(context.Background(), req, replyTimeout)
	require.NoError(t, err)
	assert.False(t, reply.IsError())
	assert.Equal(t, "cfg", h.text(reply))
}

func TestIdentityEngineMidChainForwards(t *testing.T) {
	h := newHarness(t)
	a, c := newEchoEngine(), newEchoEngine()
	b := newIdentityEngine("")
	h.register("a", a)
	h.register("b", b)
	h.register("c", c)
	svcA := h.deploy("c1", "a", "a", 2)
	svcB := h.deploy("c1", "b", "b", 2)
	svcC := h.deploy("c1", "c", "c", 2)

	composition := fmt.Sprintf("%s+%s+%s;", svcA.Name(), svcB.Name(), svcC.Name())
	require.NoError(t, h.bus.Send(context.Background(), h.request(svcA.Name(), "hello", 3, composition)))

	select {
	case in := <-b.received:
		assert.Equal(t, svcA.Name(), in.Author)
	case <-time.After(replyTimeout):
		t.Fatal("middle stage did not receive the output")
	}
	select {
	case in := <-c.received:
		assert.Equal(t, "hello", in.Data)
		assert.Equal(t, svcB.Name(), in.Author)
		assert.EqualValues(t, 3, in.CommunicationID)
	case <-time.After(replyTimeout):
		t.Fatal("last stage did not receive the output of the middle stage")
	}
}

func TestIdentityEngineRingForwardsInput(t *testing.T) {
	h := newHarness(t)
	a, c := newEchoEngine(), newEchoEngine()
	a.state = "done"
	b := newIdentityEngine("checked")
	h.register("a", a)
	h.register("b", b)
	h.register("c", c)
	svcA := h.deploy("c1", "a", "a", 2)
	svcB := h.deploy("c1", "b", "b", 2)
	svcC := h.deploy("c1", "c", "c", 2)
	ring := h.listen(RingTopic("checked", h.node.Session(), "b"))

	_, err := h.bus.SyncSend(context.Background(), message.NewStringMessage(svcB.Name(), "report?ring?1"), replyTimeout)
	require.NoError(t, err)

	composition := fmt.Sprintf("%s+%s+%s;", svcA.Name(), svcB.Name(), svcC.Name())
	require.NoError(t, h.bus.Send(context.Background(), h.request(svcA.Name(), "raw", 5, composition)))

	monitored := receive(t, ring)
	assert.Equal(t, "raw", h.text(monitored))
	assert.Equal(t, svcB.Name(), monitored.Metadata.Author)

	select {
	case in := <-c.received:
		assert.Equal(t, "raw", in.Data)
		assert.Equal(t, svcB.Name(), in.Author)
		assert.Equal(t, "checked", in.SenderState)
		assert.EqualValues(t, 5, in.CommunicationID)
	case <-time.After(replyTimeout):
		t.Fatal("ring mode did not forward the input of the middle stage")
	}
}

func TestStoppingServiceRejectsSyncRequests(t *testing.T) {
	h := newHarness(t)
	eng := newEchoEngine()
	h.register("echo", eng)
	svc := h.deploy("c1", "echo", "echo", 2)

	// still subscribed, but no longer accepting work
	svc.running.Store(false)

	start := time.Now()
	reply, err := h.execute(svc.Name(), "late", 1)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), replyTimeout)
	assert.True(t, reply.IsError())
	assert.Contains(t, string(reply.Data), sdkerrors.ErrStopped.Error())
	assert.Contains(t, string(reply.Data), svc.Name())
	assert.Zero(t, eng.calls.Load())

	require.NoError(t, h.bus.Send(context.Background(), h.request(svc.Name(), "async", 2, "")))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, eng.calls.Load())
}
