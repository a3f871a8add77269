// Package dagconfig defines the declarative pipeline description consumed
// by the DAG resolver: DAGConfig / OperatorConfig and the duck-typed Param
// value union, plus the YAML adapter that decodes them. The YAML decoder
// plays the role spec.md calls "the configuration format parser" — an
// external collaborator to the core, specified here only as a concrete
// value-level schema so the core can be exercised.
package dagconfig

// Param is a duck-typed configuration value: exactly one of the pointer
// fields is set, mirroring the original's boost::any-backed union over
// int/bool/float/string.
type Param struct {
	Name string `yaml:"name"`
	I    *int64   `yaml:"i,omitempty"`
	B    *bool    `yaml:"b,omitempty"`
	F    *float64 `yaml:"f,omitempty"`
	S    *string  `yaml:"s,omitempty"`
}

// Downstream is a resolver-computed edge from one output to one downstream
// trigger.
type Downstream struct {
	OpID      int    `yaml:"op_id"`
	TriggerID int    `yaml:"trigger_id"`
	Event     string `yaml:"event"`
	Data      string `yaml:"data"`
	Type      string `yaml:"type"`
	Hz        *int   `yaml:"hz,omitempty"`
}

// Output declares one event an operator publishes, along with the cache
// name/type (or hz) backing it. Downstream and HasReference are populated
// by the DAG resolver, not the declarative config.
type Output struct {
	Event        string       `yaml:"event"`
	Data         string       `yaml:"data,omitempty"`
	Type         string       `yaml:"type,omitempty"`
	Hz           *int         `yaml:"hz,omitempty"`
	HasReference bool         `yaml:"-"`
	Downstream   []Downstream `yaml:"-"`
}

func (o Output) HasHz() bool   { return o.Hz != nil }
func (o Output) HasType() bool { return o.Type != "" }

// Input declares one input stream an operator joins against its trigger
// timestamp.
type Input struct {
	Event string `yaml:"event"`
	Data  string `yaml:"data,omitempty"`
	// Offset is a signed microsecond delta applied to the trigger
	// timestamp before the lookup (original casts config seconds*1e6 to a
	// signed int despite storing it in an otherwise-unsigned field: the
	// signedness is deliberate).
	Offset int64 `yaml:"offset,omitempty"`
	// Window is the tolerance window, in multiples of the cache's base
	// unit, used for the input join lookup.
	Window int `yaml:"window,omitempty"`
	// WaitRetry enables the fixed-interval poll/retry loop when the input
	// is not yet available at lookup time.
	WaitRetry bool `yaml:"wait_retry,omitempty"`
}

// Latest declares one stream fetched by latest-value (not timestamp-joined)
// semantics.
type Latest struct {
	Event     string `yaml:"event"`
	Data      string `yaml:"data,omitempty"`
	Tolerate  int    `yaml:"tolerate,omitempty"`
}

// DependencyPolicy controls how an operator waits on a declared dependency
// before processing.
type DependencyPolicy string

const (
	// DependencyWait polls briefly for the dependency and proceeds
	// regardless.
	DependencyWait DependencyPolicy = "WAIT"
	// DependencyBlock retries for up to a fixed wall-clock budget before
	// giving up.
	DependencyBlock DependencyPolicy = "BLOCK"
	// DependencyBundle delays processing until at least WaitTime separates
	// the current wall-clock time from the trigger timestamp.
	DependencyBundle DependencyPolicy = "BUNDLE"
)

// Dependency declares a gating relationship on another operator, named by
// Name, whose published running/idle info is read before processing.
type Dependency struct {
	Name     string           `yaml:"name"`
	Policy   DependencyPolicy `yaml:"policy"`
	WaitTime int              `yaml:"wait_time,omitempty"` // milliseconds
}

// OperatorConfig describes one operator, pre- or post-resolution. ID is
// assigned (topological rank) by the resolver; everything else may be
// hand-written or resolver-enriched (Downstream/HasReference on Output,
// TriggerData defaults).
type OperatorConfig struct {
	ID        int    `yaml:"id,omitempty"`
	Name      string `yaml:"name"`
	Type      string `yaml:"type,omitempty"`
	Algorithm string `yaml:"algorithm,omitempty"`
	Group     string `yaml:"group,omitempty"`

	EnableIf  string `yaml:"enable_if,omitempty"`
	DisableIf string `yaml:"disable_if,omitempty"`
	BypassIf  string `yaml:"bypass_if,omitempty"`
	Bypass    bool   `yaml:"-"`

	Trigger     []string     `yaml:"trigger,omitempty"`
	TriggerData []string     `yaml:"trigger_data,omitempty"`
	Input       []Input      `yaml:"input,omitempty"`
	Latest      []Latest     `yaml:"latest,omitempty"`
	Output      []Output     `yaml:"output,omitempty"`
	Dependency  []Dependency `yaml:"dependency,omitempty"`
	Params      []Param      `yaml:"params,omitempty"`

	// UpstreamCount, when > 0, means this operator is wired to receive
	// events from upstream operators rather than being a pure source.
	UpstreamCount int `yaml:"-"`
}

// DAGConfig is the full declarative pipeline description.
type DAGConfig struct {
	Op []OperatorConfig `yaml:"op"`
}
