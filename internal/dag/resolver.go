// Package dag implements the four-phase DAG resolver: filter declared
// operators by env-gated enable/disable/bypass flags, topologically sort
// them by event-name adjacency, link each output to its downstream
// triggers (inferring missing data/type names), and mark which outputs
// need a reference cache.
package dag

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/swarmguard/dagrun/internal/dagconfig"
)

// ErrCycle is returned by Resolve when the declared graph contains a cycle.
var ErrCycle = fmt.Errorf("dag: cycle detected (Loop Detected)")

// Resolve runs all four phases against cfg and returns the fully linked,
// topologically ordered operator list. cfg is not mutated; Resolve works on
// an internal clone.
func Resolve(cfg *dagconfig.DAGConfig) ([]dagconfig.OperatorConfig, error) {
	ops := filter(cfg.Clone().Op)

	ordered, err := sortOperators(ops)
	if err != nil {
		return nil, err
	}

	if err := link(ordered); err != nil {
		return nil, err
	}

	setReference(ordered)

	return ordered, nil
}

// filter implements Phase 1: reject configs with both enable_if and
// disable_if set, compute bypass, and drop operators excluded by
// enable_if/disable_if env gating.
func filter(ops []dagconfig.OperatorConfig) []dagconfig.OperatorConfig {
	out := make([]dagconfig.OperatorConfig, 0, len(ops))
	for _, op := range ops {
		if op.EnableIf != "" && op.DisableIf != "" {
			slog.Error("dag: operator sets both enable_if and disable_if", "operator", op.Name)
			continue
		}
		if op.BypassIf != "" {
			if _, ok := os.LookupEnv(op.BypassIf); ok {
				op.Bypass = true
			}
		}
		if op.EnableIf != "" {
			if _, ok := os.LookupEnv(op.EnableIf); !ok {
				continue
			}
		}
		if op.DisableIf != "" {
			if _, ok := os.LookupEnv(op.DisableIf); ok {
				continue
			}
		}
		out = append(out, op)
	}
	return out
}

// sortOperators implements Phase 2: build forward adjacency from each
// operator's output events to every operator whose trigger or input
// declares that event name, remove self-loops, run Kahn's algorithm, and
// rewrite the list in topological order with id = rank.
func sortOperators(ops []dagconfig.OperatorConfig) ([]dagconfig.OperatorConfig, error) {
	n := len(ops)
	adj := make([][]int, n)
	indegree := make([]int, n)

	triggerOrInput := func(op dagconfig.OperatorConfig, evt string) bool {
		for _, t := range op.Trigger {
			if t == evt {
				return true
			}
		}
		for _, in := range op.Input {
			if in.Event == evt {
				return true
			}
		}
		return false
	}

	for i, up := range ops {
		for _, out := range up.Output {
			for j, down := range ops {
				if j == i {
					continue // self-loop removed
				}
				if triggerOrInput(down, out.Event) {
					adj[i] = append(adj[i], j)
					indegree[j]++
				}
			}
		}
	}

	var queue []int
	for i := 0; i < n; i++ {
		if indegree[i] == 0 {
			queue = append(queue, i)
		}
	}
	sort.Ints(queue)

	order := make([]int, 0, n)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		order = append(order, cur)
		next := make([]int, 0)
		for _, v := range adj[cur] {
			indegree[v]--
			if indegree[v] == 0 {
				next = append(next, v)
			}
		}
		sort.Ints(next)
		queue = append(queue, next...)
		sort.Ints(queue)
	}

	if len(order) != n {
		slog.Error("dag: Loop Detected", "resolved", len(order), "total", n)
		return nil, ErrCycle
	}

	out := make([]dagconfig.OperatorConfig, n)
	for rank, origIdx := range order {
		op := ops[origIdx]
		op.ID = rank
		if len(op.TriggerData) == 0 {
			op.TriggerData = make([]string, len(op.Trigger))
		}
		out[rank] = op
	}
	return out, nil
}

// link implements Phase 3: for every ordered pair (up, down) with
// down.ID > up.ID, match each output event against each downstream trigger
// event name, append a Downstream record, and resolve data/type names.
func link(ops []dagconfig.OperatorConfig) error {
	for i := range ops {
		up := &ops[i]
		for m := range up.Output {
			uo := &up.Output[m]
			for j := range ops {
				down := &ops[j]
				if down.ID <= up.ID {
					continue
				}
				for n, trig := range down.Trigger {
					if trig != uo.Event {
						continue
					}
					if err := linkOne(up, uo, down, n); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

func linkOne(up *dagconfig.OperatorConfig, uo *dagconfig.Output, down *dagconfig.OperatorConfig, n int) error {
	// The original associates the matched trigger index n with the
	// down-operator's own n-th output declaration when one exists (so the
	// trigger's resolved data/type can flow into that operator's own
	// re-publish); fall back to a synthetic slot otherwise.
	var downOut *dagconfig.Output
	if n < len(down.Output) {
		downOut = &down.Output[n]
	} else {
		down.Output = append(down.Output, dagconfig.Output{})
		downOut = &down.Output[len(down.Output)-1]
	}

	if downOut.HasType() && downOut.HasHz() {
		return fmt.Errorf("dag: operator %q output %d specifies both type and hz", down.Name, n)
	}

	dataName := uo.Data
	if downOut.HasHz() && downOut.Data == "" {
		dataName = fmt.Sprintf("%s_CACHED_DATA_@%d", down.Trigger[n], *downOut.Hz)
	}

	typeName := downOut.Type
	if typeName == "" {
		typeName = uo.Type
	}
	if typeName == "" {
		return fmt.Errorf("dag: cannot infer type name for %s -> %s trigger %d", up.Name, down.Name, n)
	}

	if dataName == "" {
		if downOut.HasType() {
			dataName = downOut.Type + "_DATA"
		} else {
			dataName = uo.Data
		}
	}
	if dataName == "" {
		return fmt.Errorf("dag: cannot infer data name for %s -> %s trigger %d", up.Name, down.Name, n)
	}

	fanOutK := len(uo.Downstream)
	if len(uo.Downstream) > 0 && downOut.Data == "" {
		suffix := fmt.Sprintf("_%d_%s_COPY", fanOutK, up.Name)
		if n >= len(down.Output) {
			suffix = "_END_COPY"
		}
		dataName += suffix
	}

	uo.Downstream = append(uo.Downstream, dagconfig.Downstream{
		OpID:      down.ID,
		TriggerID: n,
		Event:     down.Trigger[n],
		Data:      dataName,
		Type:      typeName,
	})

	downOut.Data = dataName
	downOut.Type = typeName
	down.TriggerData[n] = dataName

	return nil
}

// setReference implements Phase 4: mark has_reference on every output
// event that some other operator declares in its input[] or latest[].
func setReference(ops []dagconfig.OperatorConfig) {
	declared := make(map[string]bool)
	for i := range ops {
		for _, in := range ops[i].Input {
			declared[in.Event] = true
		}
		for _, lt := range ops[i].Latest {
			declared[lt.Event] = true
		}
	}
	for i := range ops {
		for m := range ops[i].Output {
			if declared[ops[i].Output[m].Event] {
				ops[i].Output[m].HasReference = true
			}
		}
	}
}

// ReferenceCacheName returns the reserved cache name backing event's
// reference copy.
func ReferenceCacheName(event string) string { return event + "_RO" }
