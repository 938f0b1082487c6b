package blobsink

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/dpe/pkg/engine"
	"github.com/wehubfusion/dpe/pkg/loader"
	"github.com/wehubfusion/dpe/pkg/storage"
)

func TestStoresPayloads(t *testing.T) {
	store := storage.NewMemoryBlobStore()
	e, err := New(store)
	require.NoError(t, err)
	require.NoError(t, loader.Validate(e))

	tests := []struct {
		name string
		in   *engine.EngineData
		want string
	}{
		{name: "string", in: engine.NewData(engine.MimeString, "hello"), want: "hello"},
		{name: "bytes", in: engine.NewData(engine.MimeBytes, []byte{1, 2}), want: "\x01\x02"},
		{name: "json", in: engine.NewData(engine.MimeJSON, map[string]any{"a": 1}), want: `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.in.EngineName = "reader"
			tt.in.CommunicationID = 7

			out, err := e.Execute(context.Background(), tt.in)
			require.NoError(t, err)
			assert.Equal(t, StateStored, out.ExecutionState)
			url, ok := out.Data.(string)
			require.True(t, ok)
			assert.True(t, strings.HasPrefix(url, "mem://dpe-sink/reader/7-"), url)

			stored, err := store.Download(context.Background(), url)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(stored))
		})
	}
}

func TestConfigurePrefix(t *testing.T) {
	store := storage.NewMemoryBlobStore()
	e, err := New(store)
	require.NoError(t, err)

	_, err = e.Configure(context.Background(), engine.NewData(engine.MimeString, "/archive/2026/"))
	require.NoError(t, err)
	out, err := e.Execute(context.Background(), engine.NewData(engine.MimeString, "x"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out.Data.(string), "mem://archive/2026/unknown/0-"))

	_, err = e.Configure(context.Background(), engine.NewData(engine.MimeInt32, int32(1)))
	assert.Error(t, err)
}

func TestRejectsUnsupportedInput(t *testing.T) {
	e, err := New(storage.NewMemoryBlobStore())
	require.NoError(t, err)
	_, err = e.Execute(context.Background(), engine.NewData(engine.MimeInt64, int64(3)))
	assert.Error(t, err)

	_, err = New(nil)
	assert.Error(t, err)
}
