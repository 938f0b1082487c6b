package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/dpe/pkg/dpe"
	"github.com/wehubfusion/dpe/pkg/transport"
)

func newNode(t *testing.T) *dpe.Node {
	t.Helper()
	n, err := dpe.NewNode(dpe.Options{
		Host:          "admin",
		Session:       "admin-test",
		Transport:     transport.NewLocalBus(),
		ReportPeriod:  time.Hour,
		ShutdownGrace: time.Second,
		Logger:        zap.NewNop(),
	})
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Stop(context.Background()) })
	return n
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthAndReports(t *testing.T) {
	n := newNode(t)
	_, err := n.StartContainer(context.Background(), "c1", 0, "")
	require.NoError(t, err)
	h := New(":0", n, nil).Handler()

	rec := get(t, h, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	var alive dpe.AliveReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alive))
	assert.Equal(t, "admin_go", alive.Name)
	assert.Equal(t, 1, alive.Containers)

	rec = get(t, h, "/report")
	require.Equal(t, http.StatusOK, rec.Code)
	var report dpe.NodeReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "admin-test", report.Session)
	assert.Len(t, report.Containers, 1)

	rec = get(t, h, "/runtime")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "goVersion")
}

func TestMetricsEndpoint(t *testing.T) {
	h := New(":0", newNode(t), nil).Handler()

	rec := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dpe_")
}

func TestHealthAfterStop(t *testing.T) {
	n := newNode(t)
	h := New(":0", n, nil).Handler()
	require.NoError(t, n.Stop(context.Background()))

	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUnknownRoute(t *testing.T) {
	h := New(":0", newNode(t), nil).Handler()
	assert.Equal(t, http.StatusNotFound, get(t, h, "/nope").Code)
}
