package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegistrar(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistrar()
	defer reg.Close()

	for _, r := range []Registration{
		{Name: "h_go:c2:echo", Topic: "h_go:c2:echo", Kind: KindService},
		{Name: "h_go:c1:echo", Topic: "h_go:c1:echo", Kind: KindService},
		{Name: "h_go:c1", Topic: "h_go:c1", Kind: KindContainer},
		{Name: "other_go", Topic: "other_go", Kind: KindNode},
	} {
		require.NoError(t, reg.Register(ctx, r))
	}

	found, err := reg.Discover(ctx, "h_go:c1")
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "h_go:c1", found[0].Name)
	assert.Equal(t, "h_go:c1:echo", found[1].Name)
	assert.False(t, found[0].RegisteredAt.IsZero())

	require.NoError(t, reg.Deregister(ctx, "h_go:c1:echo"))
	require.NoError(t, reg.Deregister(ctx, "missing"))

	found, err = reg.Discover(ctx, "")
	require.NoError(t, err)
	assert.Len(t, found, 3)
}

func TestKVKeyRoundTrip(t *testing.T) {
	key := kvKey("host%7000_go:c1:echo")
	assert.NotContains(t, key, ":")
	name, err := kvName(key)
	require.NoError(t, err)
	assert.Equal(t, "host%7000_go:c1:echo", name)
}
