// Package op defines Op, the minimum unit of execution inside an
// operator's processor chain, and SeqProcessor, which runs a sequence of
// Ops against one trigger.
package op

import (
	"github.com/swarmguard/dagrun/internal/frame"
	"github.com/swarmguard/dagrun/internal/status"
)

// Op is one user-supplied processing step. There is no automatic Peek
// default: an op that wants "peek is process on the first trigger"
// implements Peek by calling DelegatingPeek, which runs Process with nil
// latests.
type Op interface {
	Name() string

	// Init prepares the op's inner state from configPath. Returns false on
	// failure; ops that don't need file-based config should return true
	// unconditionally (or implement Inited instead).
	Init(configPath string) bool

	// Peek runs on the very first trigger for a given port.
	Peek(idx int, frames []*frame.Frame, data *frame.Frame) status.Status

	// Process runs on every subsequent trigger, given the bundled inputs
	// and latest-fetched frames.
	Process(idx int, frames []*frame.Frame, latests []*frame.Frame, data *frame.Frame) status.Status

	// Stop signals the op to release any held resources.
	Stop()
}

// BaseOp supplies a no-op Stop and a placeholder Peek that returns FATAL.
// It cannot reach the embedding op's Process, so it does not delegate to
// it; concrete ops embedding BaseOp implement Name/Init/Process and their
// own Peek (typically via DelegatingPeek).
type BaseOp struct{}

func (BaseOp) Peek(idx int, frames []*frame.Frame, data *frame.Frame) status.Status {
	return status.FATAL // concrete ops must override Peek; embedding BaseOp alone is not enough
}

func (BaseOp) Stop() {}

// DelegatingPeek is a helper concrete ops can call from their own Peek
// method to get the "peek = process with no latests" default behavior.
func DelegatingPeek(o Op, idx int, frames []*frame.Frame, data *frame.Frame) status.Status {
	return o.Process(idx, frames, nil, data)
}

// Factory constructs a named Op instance. Concrete ops self-register into
// the package-level registry via init(), mirroring the teacher's
// name-keyed plugin registry (services/orchestrator/plugins.go) adapted
// from task-type dispatch to op-type dispatch.
type Factory func() Op

var registry = make(map[string]Factory)

// Register adds a constructor for name to the registry. Intended to be
// called from an Op implementation's init() function.
func Register(name string, factory Factory) {
	registry[name] = factory
}

// New constructs a registered Op by name, or (nil, false) if unregistered.
func New(name string) (Op, bool) {
	factory, ok := registry[name]
	if !ok {
		return nil, false
	}
	return factory(), true
}
