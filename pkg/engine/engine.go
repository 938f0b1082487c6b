// Package engine defines the contract between the DPE runtime and user-supplied engines.
//
// An engine is loaded once per service and shared by every worker of that service, so an
// engine deployed with a pool size above one must be safe for concurrent use.
package engine

import "context"

// Engine is the capability set every deployable engine implements.
type Engine interface {
	// Configure receives configuration data. A nil result is replaced by an empty result.
	Configure(ctx context.Context, input *EngineData) (*EngineData, error)

	// Execute processes one unit of data. A nil result, or a non-error result without data,
	// is a contract violation and is turned into an ERROR result by the runtime.
	Execute(ctx context.Context, input *EngineData) (*EngineData, error)

	// InputDataTypes lists the mime types the engine accepts.
	InputDataTypes() []string

	// OutputDataTypes lists the mime types the engine may produce.
	OutputDataTypes() []string

	// States lists the execution states the engine may assign to its output.
	States() []string

	Description() string
	Version() string
	Author() string

	// Reset clears per-run state. Called when a worker is torn down.
	Reset()

	// Destroy releases the engine. Called once, after every worker stopped.
	Destroy()
}
