package op

import (
	"fmt"
	"log/slog"

	"github.com/swarmguard/dagrun/internal/frame"
	"github.com/swarmguard/dagrun/internal/status"
)

// OpConfig describes one op inside a Processor's chain: which registered
// type to construct, its file-based config path (if any), and whether it
// is bypassed (excluded from the valid index list entirely).
type OpConfig struct {
	Type       string
	ConfigPath string
	Bypass     bool
}

// SeqProcessor runs a fixed sequence of Ops against each trigger. ignoreFail
// controls whether a FAIL from one op aborts the chain or lets it continue.
type SeqProcessor struct {
	ops       []Op
	valid     []int // indices into ops that survived bypass + successful init
	ignoreFail bool
}

// NewSeqProcessor constructs every op declared in configs (skipping
// bypassed entries), and fails the whole init if any non-bypassed op's
// construction or initialization fails — matching the original, where a
// single failed init_op aborts Processor::init entirely rather than
// isolating the failure to one op.
func NewSeqProcessor(configs []OpConfig, ignoreFail bool) (*SeqProcessor, error) {
	p := &SeqProcessor{ignoreFail: ignoreFail}
	for i, c := range configs {
		if c.Bypass {
			continue
		}
		o, ok := New(c.Type)
		if !ok {
			return nil, fmt.Errorf("op: unregistered type %q at index %d", c.Type, i)
		}
		if !o.Init(c.ConfigPath) {
			return nil, fmt.Errorf("op: %q (type %q) failed to init", o.Name(), c.Type)
		}
		p.ops = append(p.ops, o)
		p.valid = append(p.valid, len(p.ops)-1)
	}
	return p, nil
}

// continues reports whether the chain should proceed past ret.
func (p *SeqProcessor) continues(ret status.Status) bool {
	return p.ignoreFail || ret == status.SUCC || ret == status.IGNORE
}

// Peek runs every valid op's Peek in order. Unlike Process, it forces a
// return of SUCC when the full chain completes without an aborting
// failure — a deliberately preserved asymmetry from the original
// SeqProcessor::peek, whose forced-SUCC return masks a trailing IGNORE.
func (p *SeqProcessor) Peek(idx int, frames []*frame.Frame, data *frame.Frame) status.Status {
	for _, i := range p.valid {
		o := p.ops[i]
		ret := o.Peek(idx, frames, data)
		if !p.continues(ret) {
			slog.Warn("processor: peek chain aborted", "op", o.Name(), "status", ret.String())
			return ret
		}
	}
	return status.SUCC
}

// Process runs every valid op's Process in order and returns the actual
// status of the last op executed (no forced normalization).
func (p *SeqProcessor) Process(idx int, frames []*frame.Frame, latests []*frame.Frame, data *frame.Frame) status.Status {
	var ret status.Status = status.SUCC
	for _, i := range p.valid {
		o := p.ops[i]
		ret = o.Process(idx, frames, latests, data)
		if !p.continues(ret) {
			slog.Warn("processor: process chain aborted", "op", o.Name(), "status", ret.String())
			return ret
		}
	}
	return ret
}

// Stop propagates Stop to every constructed op (including bypassed ones
// that were nonetheless constructed, if any).
func (p *SeqProcessor) Stop() {
	for _, o := range p.ops {
		o.Stop()
	}
}

// IOSanityCheck validates that the head op's input arity and the tail op's
// output arity are compatible with the declared input/output event-name
// array sizes. minMax(-1) means "unconstrained", matching the original Op
// default accessors.
func IOSanityCheck(headMinInput, headMaxInput, declaredInputs int, tailMinOutput, tailMaxOutput, declaredOutputs int) error {
	if headMinInput >= 0 && declaredInputs < headMinInput {
		return fmt.Errorf("op: declared inputs %d below head op minimum %d", declaredInputs, headMinInput)
	}
	if headMaxInput >= 0 && declaredInputs > headMaxInput {
		return fmt.Errorf("op: declared inputs %d above head op maximum %d", declaredInputs, headMaxInput)
	}
	if tailMinOutput >= 0 && declaredOutputs < tailMinOutput {
		return fmt.Errorf("op: declared outputs %d below tail op minimum %d", declaredOutputs, tailMinOutput)
	}
	if tailMaxOutput >= 0 && declaredOutputs > tailMaxOutput {
		return fmt.Errorf("op: declared outputs %d above tail op maximum %d", declaredOutputs, tailMaxOutput)
	}
	return nil
}
