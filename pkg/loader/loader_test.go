package loader

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/dpe/pkg/engine"
	sdkerrors "github.com/wehubfusion/dpe/pkg/errors"
)

type stubEngine struct {
	engine.Info
	destroyed bool
}

func (s *stubEngine) Configure(ctx context.Context, in *engine.EngineData) (*engine.EngineData, error) {
	return nil, nil
}

func (s *stubEngine) Execute(ctx context.Context, in *engine.EngineData) (*engine.EngineData, error) {
	return in, nil
}

func (s *stubEngine) Destroy() { s.destroyed = true }

func validInfo() engine.Info {
	return engine.Info{
		Inputs:  []string{engine.MimeString},
		Outputs: []string{engine.MimeString},
		Desc:    "stub",
		Ver:     "1.0",
		By:      "tests",
	}
}

func TestRegistryLoad(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("stub", func() (engine.Engine, error) {
		return &stubEngine{Info: validInfo()}, nil
	}))

	eng, err := r.Load("stub")
	require.NoError(t, err)
	assert.Equal(t, "stub", eng.Description())

	err = r.Register("stub", func() (engine.Engine, error) { return nil, nil })
	assert.ErrorIs(t, err, sdkerrors.ErrAlreadyExists)
}

func TestRegistryAliases(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("stub", func() (engine.Engine, error) { return &stubEngine{Info: validInfo()}, nil })
	r.RegisterAlias("first", "second")
	r.RegisterAlias("second", "stub")

	_, err := r.Load("first")
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "stub"}, r.Classes())
}

func TestRegistryLoadFailures(t *testing.T) {
	r := NewRegistry()
	var invalid *stubEngine
	r.MustRegister("invalid", func() (engine.Engine, error) {
		info := validInfo()
		info.By = ""
		info.Outputs = nil
		invalid = &stubEngine{Info: info}
		return invalid, nil
	})
	r.MustRegister("failing", func() (engine.Engine, error) { return nil, errors.New("no license") })
	r.MustRegister("nil", func() (engine.Engine, error) { return nil, nil })
	r.MustRegister("panicking", func() (engine.Engine, error) { panic("boom") })

	_, err := r.Load("missing")
	assert.ErrorIs(t, err, sdkerrors.ErrEngineLoad)

	_, err = r.Load("invalid")
	assert.ErrorIs(t, err, sdkerrors.ErrEngineValidation)
	assert.ErrorContains(t, err, "output data types, author")
	assert.True(t, invalid.destroyed, "rejected engine must be destroyed")

	_, err = r.Load("failing")
	assert.ErrorIs(t, err, sdkerrors.ErrEngineLoad)
	assert.ErrorContains(t, err, "no license")

	_, err = r.Load("nil")
	assert.ErrorIs(t, err, sdkerrors.ErrEngineLoad)

	_, err = r.Load("panicking")
	assert.ErrorIs(t, err, sdkerrors.ErrEngineLoad)
}

type fakeOpener struct{ paths []string }

func (f *fakeOpener) Open(path string) (Factory, error) {
	f.paths = append(f.paths, path)
	if path == "/bad.so" {
		return nil, errors.New("plugin was built with a different version")
	}
	return func() (engine.Engine, error) { return &stubEngine{Info: validInfo()}, nil }, nil
}

func TestRegistryPluginPath(t *testing.T) {
	opener := &fakeOpener{}
	r := NewRegistry().WithPluginOpener(opener)
	r.RegisterAlias("custom", "/opt/custom.so")

	_, err := r.Load("custom")
	require.NoError(t, err)
	_, err = r.Load("/bad.so")
	assert.ErrorIs(t, err, sdkerrors.ErrEngineLoad)
	assert.Equal(t, []string{"/opt/custom.so", "/bad.so"}, opener.paths)
}

func TestFactoryFromSymbol(t *testing.T) {
	plain := func() engine.Engine { return &stubEngine{Info: validInfo()} }
	withErr := func() (engine.Engine, error) { return &stubEngine{Info: validInfo()}, nil }

	for _, symbol := range []any{plain, withErr, &plain} {
		f, err := factoryFromSymbol(symbol)
		require.NoError(t, err)
		eng, err := f()
		require.NoError(t, err)
		assert.NoError(t, Validate(eng))
	}

	_, err := factoryFromSymbol("not a function")
	assert.Error(t, err)
}

func TestParseDescriptors(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("textcase", func() (engine.Engine, error) { return &stubEngine{Info: validInfo()}, nil })

	require.NoError(t, r.ParseDescriptors([]byte(`
engines:
  - name: upper
    class: textcase
  - name: custom
    plugin: /opt/dpe/custom.so
`)))
	_, err := r.Load("upper")
	require.NoError(t, err)
	assert.Contains(t, r.Classes(), "custom")

	assert.ErrorContains(t, r.ParseDescriptors([]byte("engines:\n  - class: x\n")), "no name")
	assert.ErrorContains(t, r.ParseDescriptors([]byte("engines:\n  - name: x\n")), "needs a class")
	assert.ErrorContains(t, r.ParseDescriptors([]byte("engines:\n  - name: x\n    class: a\n    plugin: b.so\n")), "both")
}
