package composition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/dpe/pkg/engine"
)

func TestStateGuardedFanOut(t *testing.T) {
	c, err := Compile("n:c:A[done]+n:c:B,n:c:C;")
	require.NoError(t, err)

	links := c.Links(engine.NewServiceState("n:c:A", "done"), engine.ServiceState{})
	assert.Equal(t, []string{"n:c:B", "n:c:C"}, links)

	links = c.Links(engine.NewServiceState("n:c:A", "failed"), engine.ServiceState{})
	assert.Empty(t, links)
}

func TestUnguardedChain(t *testing.T) {
	c, err := Compile("a+b+c; b+d")
	require.NoError(t, err)

	assert.Equal(t, []string{"b"}, c.Links(engine.NewServiceState("a", ""), engine.ServiceState{}))
	assert.Equal(t, []string{"c", "d"}, c.Links(engine.NewServiceState("b", "any"), engine.ServiceState{}))
	assert.Empty(t, c.Links(engine.NewServiceState("c", ""), engine.ServiceState{}))
	assert.Equal(t, []string{"a", "b", "c", "d"}, c.Services())
}

func TestInputRestrictsChainLinks(t *testing.T) {
	c, err := Compile("x+s+b; y+s+c;")
	require.NoError(t, err)

	fromX := c.Links(engine.NewServiceState("s", ""), engine.NewServiceState("x", ""))
	assert.Equal(t, []string{"b"}, fromX)

	fromY := c.Links(engine.NewServiceState("s", ""), engine.NewServiceState("y", ""))
	assert.Equal(t, []string{"c"}, fromY)

	unknown := c.Links(engine.NewServiceState("s", ""), engine.ServiceState{})
	assert.Equal(t, []string{"b", "c"}, unknown)
}

func TestEmptyComposition(t *testing.T) {
	c, err := Compile("")
	require.NoError(t, err)
	assert.Empty(t, c.Links(engine.NewServiceState("a", ""), engine.ServiceState{}))
	assert.Equal(t, "", c.Source())
}

func TestCompileErrors(t *testing.T) {
	for _, text := range []string{"a++b", "a+,b", "a[+b", "a[]+b", "[x]+b", "a]+b"} {
		t.Run(text, func(t *testing.T) {
			_, err := Compile(text)
			assert.Error(t, err)
		})
	}
}
