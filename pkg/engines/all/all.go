// Package all registers the built-in engines with a loader registry.
package all

import (
	"go.uber.org/zap"

	"github.com/wehubfusion/dpe/pkg/engine"
	"github.com/wehubfusion/dpe/pkg/engines/blobsink"
	"github.com/wehubfusion/dpe/pkg/engines/condition"
	"github.com/wehubfusion/dpe/pkg/engines/echo"
	"github.com/wehubfusion/dpe/pkg/engines/jsengine"
	"github.com/wehubfusion/dpe/pkg/engines/jsonops"
	"github.com/wehubfusion/dpe/pkg/engines/textcase"
	"github.com/wehubfusion/dpe/pkg/loader"
	"github.com/wehubfusion/dpe/pkg/storage"
)

// Deps are the shared resources engines may need. The blob sink is only registered
// when Blobs is set.
type Deps struct {
	Blobs  storage.BlobStore
	Logger *zap.Logger
}

// Register adds every built-in engine class to reg.
func Register(reg *loader.Registry, deps Deps) error {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	factories := map[string]loader.Factory{
		echo.Class:      func() (engine.Engine, error) { return echo.New(), nil },
		textcase.Class:  func() (engine.Engine, error) { return textcase.New(), nil },
		condition.Class: func() (engine.Engine, error) { return condition.New(), nil },
		jsonops.Class:   func() (engine.Engine, error) { return jsonops.New(), nil },
	}
	factories[jsengine.Class] = func() (engine.Engine, error) {
		return jsengine.New(jsengine.Config{}, deps.Logger.Named("script"))
	}
	if deps.Blobs != nil {
		factories[blobsink.Class] = func() (engine.Engine, error) { return blobsink.New(deps.Blobs) }
	}

	for class, factory := range factories {
		if err := reg.Register(class, factory); err != nil {
			return err
		}
	}
	return nil
}
