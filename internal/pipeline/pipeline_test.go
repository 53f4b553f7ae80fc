package pipeline

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/branchmind/branchmind-core/internal/config"
	"github.com/branchmind/branchmind-core/internal/mesh"
	"github.com/branchmind/branchmind-core/internal/store"
)

func tempStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Jobs.MaxContextRetryLimit = 2
	cfg.Jobs.ScoutStaleAfter.Duration = 0 // freshness check disabled unless explicitly set
	return cfg
}

// writeRepoFiles creates repoRoot/path with n filler lines so coderef.Check
// resolves the path as present with enough lines for any L1-L5 style ref.
func writeRepoFiles(t *testing.T, repoRoot string, paths ...string) {
	t.Helper()
	for _, p := range paths {
		content := strings.Repeat("line\n", 10)
		if err := os.WriteFile(filepath.Join(repoRoot, p), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
}

func newBinding(t *testing.T, s *store.Store, workspaceID string) *store.PlanSliceBinding {
	t.Helper()
	planID, _, _, err := s.CreatePlanOrTask(workspaceID, "plan", "Plan One", "", "", "", "plan_created", "{}")
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	taskID, _, _, err := s.CreatePlanOrTask(workspaceID, "task", "Slice 1 task", planID, "", "", "task_created", "{}")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	spec := store.SlicePlanSpec{
		Objective: "ship the thing",
		DoD: store.SliceDoD{
			Criteria: []string{"works"},
			Tests:    []string{"go test ./..."},
			Blockers: []string{"none"},
		},
		Budgets: store.SliceBudgets{MaxFiles: 10, MaxDiffLines: 500, MaxContextRefs: 16},
	}
	binding, err := s.PlanSlicesApply(workspaceID, "SLC-001", planID, taskID, spec)
	if err != nil {
		t.Fatalf("plan slices apply: %v", err)
	}
	return binding
}

func validScoutPackJSON() string {
	summary := strings.Repeat("this builder-facing summary explains the slice in detail. ", 6)
	return `{
		"code_refs": ["code:a.go#L1-L5", "code:b.go#L1-L5", "code:c.go#L1-L5"],
		"anchors": [
			{"id": "a:one", "rationale": "core entry point"},
			{"id": "a:two", "rationale": "helper module"},
			{"id": "a:three", "rationale": "test harness"}
		],
		"change_hints": ["tighten validation", "add regression test"],
		"test_hints": ["unit", "integration", "regression"],
		"risk_map": ["low risk", "medium risk", "rollback available"],
		"summary_for_builder": "` + summary + `"
	}`
}

func validBuilderBatchJSON(sliceID string, revision int64) string {
	return `{
		"slice_id": "` + sliceID + `",
		"changes": [{"path": "a.go", "intent": "fix bug", "diff_ref": "artifact://jobs/JOB-000002/diff1"}],
		"checks_to_run": ["go test ./..."],
		"proof_refs": ["CMD: go test ./..."],
		"rollback_plan": "git revert the commit",
		"execution_evidence": {
			"revision": ` + itoa(revision) + `,
			"diff_scope": ["a.go"],
			"command_runs": [{"cmd": "go test ./...", "exit_code": 0, "stdout_ref": "FILE:out.txt", "stderr_ref": "FILE:err.txt"}],
			"rollback_proof": {"strategy": "git revert", "target_revision": "1", "verification_cmd_ref": "CMD: git log -1"},
			"semantic_guards": {"must_should_may_delta": "none", "contract_term_consistency": "ok"}
		}
	}`
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

func contextRequestBuilderBatchJSON(sliceID string) string {
	return `{
		"slice_id": "` + sliceID + `",
		"context_request": {
			"reason": "missing auth scope",
			"missing_context": ["src/auth.rs"],
			"suggested_scout_focus": [],
			"suggested_tests": []
		}
	}`
}

func validatorReportJSON(sliceID, recommendation string) string {
	return `{"slice_id": "` + sliceID + `", "recommendation": "` + recommendation + `", "plan_fit_score": 90}`
}

func TestResolveSliceBindingFailClosedUnknown(t *testing.T) {
	s := tempStore(t)
	c := New(s, nil, testConfig(), t.TempDir())
	if _, err := c.ResolveSliceBinding("SLC-missing", true); err == nil {
		t.Fatalf("expected fail-closed error for unknown slice_id")
	}
}

func TestDispatchScoutDefaultsAndCreatesJob(t *testing.T) {
	s := tempStore(t)
	if _, err := s.WorkspaceInit("ws-1", "/repo"); err != nil {
		t.Fatalf("workspace init: %v", err)
	}
	binding := newBinding(t, s, "ws-1")
	bus := mesh.New(s)
	c := New(s, bus, testConfig(), t.TempDir())

	job, err := c.DispatchScout("ws-1", binding, ScoutOptions{})
	if err != nil {
		t.Fatalf("DispatchScout failed: %v", err)
	}
	var meta RoleMeta
	if err := job.Meta(&meta); err != nil {
		t.Fatalf("unmarshal job meta: %v", err)
	}
	if meta.Executor != "codex/xhigh" || meta.Model != "gpt-5.3-codex" {
		t.Fatalf("unexpected scout defaults: %+v", meta)
	}
	if meta.QualityProfile != "flagship" || meta.NoveltyPolicy != "strict" || !meta.CriticPass {
		t.Fatalf("unexpected scout quality defaults: %+v", meta)
	}
	if meta.CoverageTargets != 3 {
		t.Fatalf("expected default coverage_targets=3 (clamped from 1 dod test), got %d", meta.CoverageTargets)
	}

	msgs, err := bus.Pull("ws-1", mesh.PipelineThread(binding.SliceTaskID, binding.SliceID), 0, 10)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Kind != "dispatch.scout" {
		t.Fatalf("expected one dispatch.scout message, got %+v", msgs)
	}
}

func TestDispatchScoutCoverageTargetsClamped(t *testing.T) {
	got := ScoutDispatchDefaults(ScoutOptions{CoverageTargets: 99}, 0).CoverageTargets
	if got != 12 {
		t.Fatalf("expected coverage_targets clamped to 12, got %d", got)
	}
	got = ScoutDispatchDefaults(ScoutOptions{CoverageTargets: -5}, 0).CoverageTargets
	if got != 3 {
		t.Fatalf("expected coverage_targets clamped to 3, got %d", got)
	}
}

func TestDispatchScoutCoverageTargetsDerivedFromDoDTests(t *testing.T) {
	got := ScoutDispatchDefaults(ScoutOptions{}, 8).CoverageTargets
	if got != 8 {
		t.Fatalf("expected coverage_targets derived from dod test count 8, got %d", got)
	}
}

// happyPathFixture builds a workspace, slice binding, a DONE scout job with
// a valid contract artifact, and returns everything a builder/validator/
// gate test needs.
func happyPathFixture(t *testing.T) (*store.Store, *mesh.Bus, *Coordinator, *store.PlanSliceBinding, *store.Job) {
	t.Helper()
	s := tempStore(t)
	if _, err := s.WorkspaceInit("ws-1", "/repo"); err != nil {
		t.Fatalf("workspace init: %v", err)
	}
	binding := newBinding(t, s, "ws-1")
	repoRoot := t.TempDir()
	writeRepoFiles(t, repoRoot, "a.go", "b.go", "c.go")
	bus := mesh.New(s)
	c := New(s, bus, testConfig(), repoRoot)

	scoutJob, err := c.DispatchScout("ws-1", binding, ScoutOptions{})
	if err != nil {
		t.Fatalf("DispatchScout: %v", err)
	}
	scoutJob, err = s.JobClaim(scoutJob.ID, "runner-scout", 60_000)
	if err != nil {
		t.Fatalf("claim scout: %v", err)
	}
	if err := s.JobArtifactPut(scoutJob.ID, "scout_context_pack", validScoutPackJSON()); err != nil {
		t.Fatalf("put scout artifact: %v", err)
	}
	scoutJob, err = s.JobComplete(scoutJob.ID, store.JobDone, validScoutPackJSON())
	if err != nil {
		t.Fatalf("complete scout: %v", err)
	}
	return s, bus, c, binding, scoutJob
}

func TestDispatchBuilderHappyPath(t *testing.T) {
	s, _, c, binding, scoutJob := happyPathFixture(t)

	builderJob, err := c.DispatchBuilder("ws-1", binding, scoutJob, PreValidatePass, BuilderOptions{StrictScoutMode: true})
	if err != nil {
		t.Fatalf("DispatchBuilder failed: %v", err)
	}
	var meta RoleMeta
	_ = builderJob.Meta(&meta)
	if meta.Executor != builderExecutor || meta.Model != builderModel {
		t.Fatalf("builder executor/model must be frozen, got %+v", meta)
	}
	if meta.ScoutJobID != scoutJob.ID {
		t.Fatalf("expected builder lineage to point at scout job, got %q", meta.ScoutJobID)
	}
	if _, err := s.JobGet(builderJob.ID); err != nil {
		t.Fatalf("builder job not persisted: %v", err)
	}
}

func TestDispatchBuilderRejectsNonDoneScout(t *testing.T) {
	s := tempStore(t)
	if _, err := s.WorkspaceInit("ws-1", "/repo"); err != nil {
		t.Fatalf("workspace init: %v", err)
	}
	binding := newBinding(t, s, "ws-1")
	c := New(s, mesh.New(s), testConfig(), t.TempDir())

	scoutJob, err := c.DispatchScout("ws-1", binding, ScoutOptions{})
	if err != nil {
		t.Fatalf("DispatchScout: %v", err)
	}
	if _, err := c.DispatchBuilder("ws-1", binding, scoutJob, PreValidatePass, BuilderOptions{}); err == nil {
		t.Fatalf("expected precondition failure for a scout job that is not DONE")
	}
}

func TestDispatchBuilderRejectsStepWithNoTestsOrBlockersFallback(t *testing.T) {
	s := tempStore(t)
	if _, err := s.WorkspaceInit("ws-1", "/repo"); err != nil {
		t.Fatalf("workspace init: %v", err)
	}
	planID, _, _, err := s.CreatePlanOrTask("ws-1", "plan", "Plan One", "", "", "", "plan_created", "{}")
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	taskID, _, _, err := s.CreatePlanOrTask("ws-1", "task", "Slice 1 task", planID, "", "", "task_created", "{}")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	// A slice whose DoD carries no blockers at all, so a step that also
	// has none of its own has no fallback to inherit.
	spec := store.SlicePlanSpec{
		Objective: "ship the thing",
		DoD:       store.SliceDoD{Criteria: []string{"works"}, Tests: []string{"go test ./..."}},
		Budgets:   store.SliceBudgets{MaxFiles: 10, MaxDiffLines: 500, MaxContextRefs: 16},
	}
	binding, err := s.PlanSlicesApply("ws-1", "SLC-003", planID, taskID, spec)
	if err != nil {
		t.Fatalf("plan slices apply: %v", err)
	}
	repoRoot := t.TempDir()
	writeRepoFiles(t, repoRoot, "a.go", "b.go", "c.go")
	bus := mesh.New(s)
	c := New(s, bus, testConfig(), repoRoot)

	scoutJob, err := c.DispatchScout("ws-1", binding, ScoutOptions{})
	if err != nil {
		t.Fatalf("DispatchScout: %v", err)
	}
	scoutJob, err = s.JobClaim(scoutJob.ID, "runner-scout", 60_000)
	if err != nil {
		t.Fatalf("claim scout: %v", err)
	}
	if err := s.JobArtifactPut(scoutJob.ID, "scout_context_pack", validScoutPackJSON()); err != nil {
		t.Fatalf("put scout artifact: %v", err)
	}
	scoutJob, err = s.JobComplete(scoutJob.ID, store.JobDone, validScoutPackJSON())
	if err != nil {
		t.Fatalf("complete scout: %v", err)
	}

	if _, err := s.Decompose(binding.SliceTaskID, "", []store.StepSpec{
		{Title: "wire the thing", SuccessCriteria: "wired"},
	}); err != nil {
		t.Fatalf("decompose: %v", err)
	}

	if _, err := c.DispatchBuilder("ws-1", binding, scoutJob, PreValidatePass, BuilderOptions{StrictScoutMode: true}); err == nil {
		t.Fatalf("expected precondition failure: decomposed step has no blockers and the slice DoD has none to inherit")
	}
}

func TestDispatchBuilderAllowsStepInheritingSliceDoDFallback(t *testing.T) {
	s, _, c, binding, scoutJob := happyPathFixture(t)

	if _, err := s.Decompose(binding.SliceTaskID, "", []store.StepSpec{
		{Title: "wire the thing", SuccessCriteria: "wired"},
	}); err != nil {
		t.Fatalf("decompose: %v", err)
	}
	_ = s

	if _, err := c.DispatchBuilder("ws-1", binding, scoutJob, PreValidatePass, BuilderOptions{StrictScoutMode: true}); err != nil {
		t.Fatalf("expected step with no tests/blockers of its own to inherit the slice's DoD tests/blockers, got %v", err)
	}
}

func TestDispatchBuilderRejectsStaleScout(t *testing.T) {
	s := tempStore(t)
	if _, err := s.WorkspaceInit("ws-1", "/repo"); err != nil {
		t.Fatalf("workspace init: %v", err)
	}
	binding := newBinding(t, s, "ws-1")
	repoRoot := t.TempDir()
	writeRepoFiles(t, repoRoot, "a.go", "b.go", "c.go")
	cfg := testConfig()
	cfg.Jobs.ScoutStaleAfter.Duration = 1 // 1ns: any real clock gap is stale
	c := New(s, mesh.New(s), cfg, repoRoot)

	scoutJob, err := c.DispatchScout("ws-1", binding, ScoutOptions{})
	if err != nil {
		t.Fatalf("DispatchScout: %v", err)
	}
	scoutJob, err = s.JobClaim(scoutJob.ID, "runner-scout", 60_000)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.JobArtifactPut(scoutJob.ID, "scout_context_pack", validScoutPackJSON()); err != nil {
		t.Fatalf("artifact put: %v", err)
	}
	scoutJob, err = s.JobComplete(scoutJob.ID, store.JobDone, validScoutPackJSON())
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	if _, err := c.DispatchBuilder("ws-1", binding, scoutJob, PreValidatePass, BuilderOptions{StrictScoutMode: true}); err == nil {
		t.Fatalf("expected stale-scout precondition failure")
	}
}

func TestDispatchBuilderRejectsNonPassPrevalidateWithoutOverride(t *testing.T) {
	s, _, c, binding, scoutJob := happyPathFixture(t)
	if _, err := c.DispatchBuilder("ws-1", binding, scoutJob, PreValidateNeedMore, BuilderOptions{}); err == nil {
		t.Fatalf("expected PRECONDITION_FAILED for NeedMore without allow_prevalidate_non_pass")
	}
	_ = s
}

func TestDispatchBuilderRejectsAllowNonPassUnderStrictMode(t *testing.T) {
	s, _, c, binding, scoutJob := happyPathFixture(t)
	if _, err := c.DispatchBuilder("ws-1", binding, scoutJob, PreValidateNeedMore,
		BuilderOptions{StrictScoutMode: true, AllowPrevalidateNonPass: true}); err == nil {
		t.Fatalf("expected strict_scout_mode to forbid allow_prevalidate_non_pass")
	}
	_ = s
}

func TestDispatchValidatorRequiresDoneBuilder(t *testing.T) {
	s, _, c, binding, scoutJob := happyPathFixture(t)
	builderJob, err := c.DispatchBuilder("ws-1", binding, scoutJob, PreValidatePass, BuilderOptions{StrictScoutMode: true})
	if err != nil {
		t.Fatalf("DispatchBuilder: %v", err)
	}
	if _, err := c.DispatchValidator("ws-1", binding, builderJob, "validate this"); err == nil {
		t.Fatalf("expected validator dispatch to fail while builder is still QUEUED")
	}
	_ = s
}

func TestFullHappyPathGateApprovesAndApplies(t *testing.T) {
	s, _, c, binding, scoutJob := happyPathFixture(t)

	builderJob, err := c.DispatchBuilder("ws-1", binding, scoutJob, PreValidatePass, BuilderOptions{StrictScoutMode: true})
	if err != nil {
		t.Fatalf("DispatchBuilder: %v", err)
	}
	builderJob, err = s.JobClaim(builderJob.ID, "runner-builder", 60_000)
	if err != nil {
		t.Fatalf("claim builder: %v", err)
	}
	builderSummary := validBuilderBatchJSON(binding.SliceID, builderJob.Revision)
	if err := s.JobArtifactPut(builderJob.ID, "builder_diff_batch", builderSummary); err != nil {
		t.Fatalf("put builder artifact: %v", err)
	}
	if err := s.JobArtifactPut(builderJob.ID, "diff1", strings.Repeat("+line\n", 20)); err != nil {
		t.Fatalf("put diff artifact: %v", err)
	}
	builderJob, err = s.JobComplete(builderJob.ID, store.JobDone, builderSummary)
	if err != nil {
		t.Fatalf("complete builder: %v", err)
	}

	validatorJob, err := c.DispatchValidator("ws-1", binding, builderJob, "validate this")
	if err != nil {
		t.Fatalf("DispatchValidator: %v", err)
	}
	if validatorJob.ID == builderJob.ID {
		t.Fatalf("validator job must be independent of the builder job")
	}
	validatorJob, err = s.JobClaim(validatorJob.ID, "runner-validator", 60_000)
	if err != nil {
		t.Fatalf("claim validator: %v", err)
	}
	validatorSummary := validatorReportJSON(binding.SliceID, "approve")
	if err := s.JobArtifactPut(validatorJob.ID, "validator_report", validatorSummary); err != nil {
		t.Fatalf("put validator artifact: %v", err)
	}
	validatorJob, err = s.JobComplete(validatorJob.ID, store.JobDone, validatorSummary)
	if err != nil {
		t.Fatalf("complete validator: %v", err)
	}

	decision, err := c.Gate("ws-1", binding, scoutJob, builderJob, validatorJob, 0)
	if err != nil {
		t.Fatalf("Gate: %v", err)
	}
	if decision.Decision != "approve" {
		t.Fatalf("expected approve, got %+v", decision)
	}
	if decision.DecisionRef == "" {
		t.Fatalf("expected a decision_ref for an approved gate decision")
	}

	if err := c.Apply("ws-1", binding, builderJob, decision.DecisionRef, builderJob.Revision); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	applied, err := s.PlanSliceBindingGet(binding.SliceID)
	if err != nil {
		t.Fatalf("reload binding: %v", err)
	}
	if applied.State != "applied" {
		t.Fatalf("expected binding state applied, got %q", applied.State)
	}
}

func TestApplyRejectsRevisionMismatch(t *testing.T) {
	s, _, c, binding, scoutJob := happyPathFixture(t)
	builderJob, err := c.DispatchBuilder("ws-1", binding, scoutJob, PreValidatePass, BuilderOptions{StrictScoutMode: true})
	if err != nil {
		t.Fatalf("DispatchBuilder: %v", err)
	}
	builderJob, err = s.JobClaim(builderJob.ID, "runner-builder", 60_000)
	if err != nil {
		t.Fatalf("claim builder: %v", err)
	}
	builderSummary := validBuilderBatchJSON(binding.SliceID, builderJob.Revision)
	if err := s.JobArtifactPut(builderJob.ID, "builder_diff_batch", builderSummary); err != nil {
		t.Fatalf("put builder artifact: %v", err)
	}
	if err := s.JobArtifactPut(builderJob.ID, "diff1", strings.Repeat("+line\n", 20)); err != nil {
		t.Fatalf("put diff artifact: %v", err)
	}
	builderJob, err = s.JobComplete(builderJob.ID, store.JobDone, builderSummary)
	if err != nil {
		t.Fatalf("complete builder: %v", err)
	}

	validatorJob, err := c.DispatchValidator("ws-1", binding, builderJob, "validate this")
	if err != nil {
		t.Fatalf("DispatchValidator: %v", err)
	}
	validatorJob, err = s.JobClaim(validatorJob.ID, "runner-validator", 60_000)
	if err != nil {
		t.Fatalf("claim validator: %v", err)
	}
	validatorSummary := validatorReportJSON(binding.SliceID, "approve")
	if err := s.JobArtifactPut(validatorJob.ID, "validator_report", validatorSummary); err != nil {
		t.Fatalf("put validator artifact: %v", err)
	}
	validatorJob, err = s.JobComplete(validatorJob.ID, store.JobDone, validatorSummary)
	if err != nil {
		t.Fatalf("complete validator: %v", err)
	}

	decision, err := c.Gate("ws-1", binding, scoutJob, builderJob, validatorJob, 0)
	if err != nil {
		t.Fatalf("Gate: %v", err)
	}
	if err := c.Apply("ws-1", binding, builderJob, decision.DecisionRef, builderJob.Revision+1); err == nil {
		t.Fatalf("expected expected_revision mismatch to fail")
	}
}

func TestGateContextRetryForcesRework(t *testing.T) {
	s, _, c, binding, scoutJob := happyPathFixture(t)

	builderJob, err := c.DispatchBuilder("ws-1", binding, scoutJob, PreValidatePass, BuilderOptions{StrictScoutMode: true})
	if err != nil {
		t.Fatalf("DispatchBuilder: %v", err)
	}
	builderJob, err = s.JobClaim(builderJob.ID, "runner-builder", 60_000)
	if err != nil {
		t.Fatalf("claim builder: %v", err)
	}
	builderSummary := contextRequestBuilderBatchJSON(binding.SliceID)
	if err := s.JobArtifactPut(builderJob.ID, "builder_diff_batch", builderSummary); err != nil {
		t.Fatalf("put builder artifact: %v", err)
	}
	builderJob, err = s.JobComplete(builderJob.ID, store.JobDone, builderSummary)
	if err != nil {
		t.Fatalf("complete builder: %v", err)
	}

	validatorJob, err := c.DispatchValidator("ws-1", binding, builderJob, "validate this")
	if err != nil {
		t.Fatalf("DispatchValidator: %v", err)
	}
	validatorJob, err = s.JobClaim(validatorJob.ID, "runner-validator", 60_000)
	if err != nil {
		t.Fatalf("claim validator: %v", err)
	}
	validatorSummary := validatorReportJSON(binding.SliceID, "scout_retry")
	if err := s.JobArtifactPut(validatorJob.ID, "validator_report", validatorSummary); err != nil {
		t.Fatalf("put validator artifact: %v", err)
	}
	validatorJob, err = s.JobComplete(validatorJob.ID, store.JobDone, validatorSummary)
	if err != nil {
		t.Fatalf("complete validator: %v", err)
	}

	decision, err := c.Gate("ws-1", binding, scoutJob, builderJob, validatorJob, 1)
	if err != nil {
		t.Fatalf("Gate: %v", err)
	}
	if decision.Decision != "rework" || decision.Action != GateActionRedispatchScout {
		t.Fatalf("expected rework/redispatch_scout at retry 1 of 2, got %+v", decision)
	}

	decision, err = c.Gate("ws-1", binding, scoutJob, builderJob, validatorJob, 2)
	if err != nil {
		t.Fatalf("Gate: %v", err)
	}
	if decision.Decision != "reject" {
		t.Fatalf("expected reject once context_retry_count reaches the limit, got %+v", decision)
	}
}

func TestDecisionFunctionMapsRecommendations(t *testing.T) {
	cases := []struct {
		rec      string
		retries  int
		limit    int
		decision string
	}{
		{"approve", 0, 2, "approve"},
		{"reject", 0, 2, "reject"},
		{"rework", 0, 2, "rework"},
		{"writer_retry", 0, 2, "rework"},
		{"escalate", 0, 2, "rework"},
		{"nonsense", 0, 2, "reject"},
	}
	for _, tc := range cases {
		decision, _ := decisionFunction(tc.rec, tc.retries, tc.limit)
		if decision != tc.decision {
			t.Errorf("recommendation %q: expected %q, got %q", tc.rec, tc.decision, decision)
		}
	}
}
