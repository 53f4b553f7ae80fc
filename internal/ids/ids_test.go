package ids

import (
	"strings"
	"testing"
)

func TestPipelineKeysAreDeterministic(t *testing.T) {
	if got := PipelineTransitionKey("TASK-0001", "SLC-001", "JOB-000042"); got != "jobs.pipeline.transition:TASK-0001:SLC-001:JOB-000042" {
		t.Fatalf("transition key: %q", got)
	}
	if got := PipelineGateKey("TASK-0001", "SLC-001", "approve"); got != "jobs.pipeline.gate:TASK-0001:SLC-001:approve" {
		t.Fatalf("gate key: %q", got)
	}
	if got := PipelineApplyKey("TASK-0001", "SLC-001", 7); got != "jobs.pipeline.apply:TASK-0001:SLC-001:7" {
		t.Fatalf("apply key: %q", got)
	}
	if got := PipelineReadyKey("scout", "TASK-0001", "SLC-001", "JOB-000042"); got != "jobs.pipeline.scout_ready:TASK-0001:SLC-001:JOB-000042" {
		t.Fatalf("ready key: %q", got)
	}
}

func TestNewIsUniquePerCall(t *testing.T) {
	if New() == New() {
		t.Fatal("expected distinct random ids")
	}
}

func TestValidAnchorID(t *testing.T) {
	valid := []string{"a:auth", "a:0slug", "a:auth-layer-2"}
	for _, id := range valid {
		if !ValidAnchorID(id) {
			t.Fatalf("%q should be valid", id)
		}
	}
	invalid := []string{"auth", "a:", "a:-leading-dash", "a:UPPER", "a:" + strings.Repeat("x", 70)}
	for _, id := range invalid {
		if ValidAnchorID(id) {
			t.Fatalf("%q should be invalid", id)
		}
	}
}

func TestSliceAnchorID(t *testing.T) {
	if got := SliceAnchorID("slc-001"); got != "a:slc-001" {
		t.Fatalf("slice anchor: %q", got)
	}
}
