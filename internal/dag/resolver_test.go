package dag

import (
	"os"
	"testing"

	"github.com/swarmguard/dagrun/internal/dagconfig"
)

func TestResolveLinearChain(t *testing.T) {
	cfg := &dagconfig.DAGConfig{Op: []dagconfig.OperatorConfig{
		{
			Name:        "reader",
			Trigger:     []string{"imu.raw"},
			TriggerData: []string{"IMU_RAW"},
			Output:      []dagconfig.Output{{Event: "imu.sample", Data: "IMU_SAMPLE", Type: "Sample"}},
		},
		{
			Name:    "filter",
			Trigger: []string{"imu.sample"},
			Output:  []dagconfig.Output{{Event: "imu.filtered", Data: "IMU_FILTERED", Type: "Sample"}},
		},
	}}

	ordered, err := Resolve(cfg)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(ordered) != 2 {
		t.Fatalf("expected 2 operators, got %d", len(ordered))
	}
	if ordered[0].Name != "reader" || ordered[1].Name != "filter" {
		t.Fatalf("expected reader before filter, got %s, %s", ordered[0].Name, ordered[1].Name)
	}
	if ordered[0].ID != 0 || ordered[1].ID != 1 {
		t.Fatalf("expected ids assigned by rank, got %d, %d", ordered[0].ID, ordered[1].ID)
	}
	if len(ordered[1].TriggerData) != 1 || ordered[1].TriggerData[0] != "IMU_SAMPLE" {
		t.Fatalf("expected filter's trigger_data linked from reader's output, got %v", ordered[1].TriggerData)
	}
	if len(ordered[0].Output[0].Downstream) != 1 {
		t.Fatalf("expected reader's output to have one downstream edge")
	}
}

func TestResolveDetectsCycle(t *testing.T) {
	cfg := &dagconfig.DAGConfig{Op: []dagconfig.OperatorConfig{
		{Name: "a", Trigger: []string{"b.out"}, Output: []dagconfig.Output{{Event: "a.out", Data: "A", Type: "T"}}},
		{Name: "b", Trigger: []string{"a.out"}, Output: []dagconfig.Output{{Event: "b.out", Data: "B", Type: "T"}}},
	}}
	if _, err := Resolve(cfg); err != ErrCycle {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
}

func TestResolveMarksHasReference(t *testing.T) {
	cfg := &dagconfig.DAGConfig{Op: []dagconfig.OperatorConfig{
		{
			Name:        "producer",
			Trigger:     []string{"src"},
			TriggerData: []string{"SRC"},
			Output:      []dagconfig.Output{{Event: "measurement", Data: "MEASUREMENT", Type: "T"}},
		},
		{
			Name:    "consumer",
			Trigger: []string{"other"},
			Input:   []dagconfig.Input{{Event: "measurement"}},
		},
	}}
	cfg.Op[1].TriggerData = []string{"OTHER"}

	ordered, err := Resolve(cfg)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	var producer dagconfig.OperatorConfig
	for _, o := range ordered {
		if o.Name == "producer" {
			producer = o
		}
	}
	if !producer.Output[0].HasReference {
		t.Fatalf("expected producer's output to be marked has_reference")
	}
}

func TestFilterBypassAndEnableIf(t *testing.T) {
	const envVar = "DAGRUN_TEST_ENABLE_FEATURE"
	os.Unsetenv(envVar)

	cfg := &dagconfig.DAGConfig{Op: []dagconfig.OperatorConfig{
		{Name: "always_on", Trigger: []string{"src"}, TriggerData: []string{"SRC"}},
		{Name: "gated", Trigger: []string{"src2"}, TriggerData: []string{"SRC2"}, EnableIf: envVar},
	}}

	ordered, err := Resolve(cfg)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(ordered) != 1 || ordered[0].Name != "always_on" {
		t.Fatalf("expected gated operator dropped when env var unset, got %v", ordered)
	}

	os.Setenv(envVar, "1")
	defer os.Unsetenv(envVar)
	ordered, err = Resolve(cfg)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(ordered) != 2 {
		t.Fatalf("expected gated operator included when env var set, got %v", ordered)
	}

	const bypassVar = "DAGRUN_TEST_BYPASS_FEATURE"
	os.Setenv(bypassVar, "1")
	defer os.Unsetenv(bypassVar)
	cfg.Op[0].BypassIf = bypassVar
	ordered, err = Resolve(cfg)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if ordered[0].Name != "always_on" || !ordered[0].Bypass {
		t.Fatalf("expected always_on bypassed when its bypass_if env var is set, got %+v", ordered[0])
	}
}
