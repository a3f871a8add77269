package dagconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load decodes a DAGConfig from a YAML file at path.
func Load(path string) (*DAGConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dagconfig: read %s: %w", path, err)
	}
	var cfg DAGConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("dagconfig: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// Clone returns a deep-enough copy of cfg suitable for the resolver to
// mutate in place (it rewrites Output.Downstream/HasReference and
// reassigns Op order/IDs).
func (c *DAGConfig) Clone() *DAGConfig {
	out := &DAGConfig{Op: make([]OperatorConfig, len(c.Op))}
	for i, op := range c.Op {
		cp := op
		cp.Trigger = append([]string(nil), op.Trigger...)
		cp.TriggerData = append([]string(nil), op.TriggerData...)
		cp.Input = append([]Input(nil), op.Input...)
		cp.Latest = append([]Latest(nil), op.Latest...)
		cp.Dependency = append([]Dependency(nil), op.Dependency...)
		cp.Params = append([]Param(nil), op.Params...)
		cp.Output = make([]Output, len(op.Output))
		for j, o := range op.Output {
			oc := o
			oc.Downstream = append([]Downstream(nil), o.Downstream...)
			cp.Output[j] = oc
		}
		out.Op[i] = cp
	}
	return out
}
