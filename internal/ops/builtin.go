// Package ops ships a handful of example Op implementations for
// sensor-fusion-style pipelines, self-registering into the op package's
// registry via init() — the same name-keyed plugin idiom as the teacher's
// built-in task executors (services/orchestrator/plugins.go), adapted from
// task-type dispatch to op-type dispatch. A pipeline.yaml's
// operator.algorithm/type fields reference these by name.
package ops

import (
	"sync"

	"github.com/swarmguard/dagrun/internal/frame"
	"github.com/swarmguard/dagrun/internal/op"
	"github.com/swarmguard/dagrun/internal/status"
)

func init() {
	op.Register("passthrough", func() op.Op { return &Passthrough{} })
	op.Register("moving_average", func() op.Op { return &MovingAverage{window: 8} })
	op.Register("threshold_alert", func() op.Op { return &ThresholdAlert{threshold: 1.0} })
}

const valueKey = "value"

func numericValue(fr *frame.Frame) (float64, bool) {
	if fr == nil || fr.Supplement == nil {
		return 0, false
	}
	v, ok := fr.Supplement[valueKey].(float64)
	return v, ok
}

// Passthrough copies the first input frame's Supplement onto the trigger
// frame unchanged. Useful as a no-op stage when only the event fan-out
// matters, not the transform.
type Passthrough struct {
	op.BaseOp
}

func (p *Passthrough) Name() string                { return "passthrough" }
func (p *Passthrough) Init(_ string) bool           { return true }
func (p *Passthrough) Peek(idx int, frames []*frame.Frame, data *frame.Frame) status.Status {
	return op.DelegatingPeek(p, idx, frames, data)
}

func (p *Passthrough) Process(idx int, frames []*frame.Frame, latests []*frame.Frame, data *frame.Frame) status.Status {
	if len(frames) == 0 || frames[0] == nil {
		return status.IGNORE
	}
	for k, v := range frames[0].Supplement {
		data.Supplement[k] = v
	}
	return status.SUCC
}

// MovingAverage maintains a fixed-size ring of the most recent numeric
// readings across triggers and emits their mean. Updates are serialized by
// a mutex. dagstreaming builds one processor per operator, so every
// trigger of an operator feeds the same window.
type MovingAverage struct {
	op.BaseOp

	mu     sync.Mutex
	window int
	buf    []float64
	pos    int
	filled bool
}

func (m *MovingAverage) Name() string      { return "moving_average" }
func (m *MovingAverage) Init(_ string) bool {
	if m.window <= 0 {
		m.window = 8
	}
	m.buf = make([]float64, m.window)
	return true
}

func (m *MovingAverage) Peek(idx int, frames []*frame.Frame, data *frame.Frame) status.Status {
	return op.DelegatingPeek(m, idx, frames, data)
}

func (m *MovingAverage) Process(idx int, frames []*frame.Frame, latests []*frame.Frame, data *frame.Frame) status.Status {
	v, ok := firstNumeric(frames)
	if !ok {
		return status.IGNORE
	}

	m.mu.Lock()
	m.buf[m.pos] = v
	m.pos = (m.pos + 1) % len(m.buf)
	if m.pos == 0 {
		m.filled = true
	}
	n := len(m.buf)
	if !m.filled {
		n = m.pos
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += m.buf[i]
	}
	avg := sum / float64(n)
	m.mu.Unlock()

	data.Supplement[valueKey] = avg
	return status.SUCC
}

func firstNumeric(frames []*frame.Frame) (float64, bool) {
	for _, fr := range frames {
		if v, ok := numericValue(fr); ok {
			return v, ok
		}
	}
	return 0, false
}

// ThresholdAlert compares the numeric value of the first input frame that
// carries one against a fixed
// threshold and stamps data.Supplement["alert"]. It returns status.IGNORE
// (not FAIL) when no reading crosses the threshold, since a quiet trigger
// is a normal outcome, not a processing failure.
type ThresholdAlert struct {
	op.BaseOp
	threshold float64
}

func (t *ThresholdAlert) Name() string    { return "threshold_alert" }
func (t *ThresholdAlert) Init(_ string) bool {
	if t.threshold == 0 {
		t.threshold = 1.0
	}
	return true
}

func (t *ThresholdAlert) Peek(idx int, frames []*frame.Frame, data *frame.Frame) status.Status {
	return op.DelegatingPeek(t, idx, frames, data)
}

func (t *ThresholdAlert) Process(idx int, frames []*frame.Frame, latests []*frame.Frame, data *frame.Frame) status.Status {
	v, ok := firstNumeric(frames)
	if !ok {
		return status.IGNORE
	}
	alert := v >= t.threshold || v <= -t.threshold
	data.Supplement["alert"] = alert
	data.Supplement[valueKey] = v
	if !alert {
		return status.IGNORE
	}
	return status.SUCC
}
