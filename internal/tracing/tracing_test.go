package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	cfg := DefaultConfig("host_go")
	cfg.OTLPEndpoint = ""

	shutdown, err := Setup(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, Shutdown(shutdown, zaptest.NewLogger(t)))

	_, span := Tracer().Start(context.Background(), "noop")
	span.End()
}

func TestShutdownNil(t *testing.T) {
	assert.NoError(t, Shutdown(nil, nil))
}
