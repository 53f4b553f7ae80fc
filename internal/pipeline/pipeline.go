// Package pipeline is the scout -> builder -> validator -> gate -> apply
// coordinator: it owns slice binding resolution, the three dispatch macros
// and their preconditions, the gate decision function, the apply macro,
// and the control-center synthesis sweep. It is the one package in this
// tree that calls into internal/contract, internal/mesh, internal/jobsrt,
// internal/coderef, and internal/store together, without reimplementing
// any of them.
package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/branchmind/branchmind-core/internal/coderef"
	"github.com/branchmind/branchmind-core/internal/config"
	"github.com/branchmind/branchmind-core/internal/contract"
	"github.com/branchmind/branchmind-core/internal/envelope"
	"github.com/branchmind/branchmind-core/internal/ids"
	"github.com/branchmind/branchmind-core/internal/jobsrt"
	"github.com/branchmind/branchmind-core/internal/mesh"
	"github.com/branchmind/branchmind-core/internal/store"
)

// Coordinator bundles the store, mesh bus, and config a pipeline run needs.
// It carries no dispatch.Backend of its own: role execution is the
// runner's job (cmd/branchmind-runner), so the coordinator only creates
// and tracks the Job row and evaluates preconditions/decisions against it.
type Coordinator struct {
	Store *store.Store
	Bus   *mesh.Bus
	Cfg   *config.Config

	// RepoRoot is the working tree the context quality gate resolves
	// code_refs against. Set once at startup from the workspace's guarded
	// project root.
	RepoRoot string
}

// New constructs a Coordinator.
func New(s *store.Store, bus *mesh.Bus, cfg *config.Config, repoRoot string) *Coordinator {
	return &Coordinator{Store: s, Bus: bus, Cfg: cfg, RepoRoot: repoRoot}
}

func nowMs() int64 { return time.Now().UTC().UnixMilli() }

// ResolveSliceBinding resolves a slice_id to its durable binding. When
// failClosed is true (jobs_slice_first_fail_closed), an unknown slice_id
// is a precondition failure rather than an invitation to dispatch
// unscoped; callers pass Features.JobsSliceFirstFailClosed here.
func (c *Coordinator) ResolveSliceBinding(sliceID string, failClosed bool) (*store.PlanSliceBinding, error) {
	b, err := c.Store.PlanSliceBindingGet(sliceID)
	if err != nil {
		if failClosed {
			return nil, &contract.ValidationError{Reason: fmt.Sprintf("slice_id %q is unknown and slice-first fail-closed is enabled", sliceID)}
		}
		return nil, err
	}
	return b, nil
}

// RoleMeta is the json-marshaled contents of a pipeline job's meta_json:
// the dispatch role, the slice lineage, and role-specific dispatch
// parameters, threaded through every stage so a builder/validator job can
// trace back to the scout/binding it descends from. ScoutJobID and
// BuilderJobID are carried explicitly (rather than a single generic
// "lineage_job_id") so the gate can cross-check the whole scout->builder->
// validator chain, not just the adjacent link.
type RoleMeta struct {
	Role            string   `json:"role"`
	SliceID         string   `json:"slice_id"`
	TaskID          string   `json:"task_id"`
	ScoutJobID      string   `json:"scout_job_id,omitempty"`
	BuilderJobID    string   `json:"builder_job_id,omitempty"`
	Executor        string   `json:"executor"`
	Model           string   `json:"model"`
	QualityProfile  string   `json:"quality_profile,omitempty"`
	NoveltyPolicy   string   `json:"novelty_policy,omitempty"`
	CriticPass      bool     `json:"critic_pass,omitempty"`
	CoverageTargets int      `json:"coverage_targets,omitempty"`
	StrictScoutMode bool     `json:"strict_scout_mode,omitempty"`
	ContextRetries  int      `json:"context_retries,omitempty"`
	Constraints     []string `json:"constraints,omitempty"`
	MaxContextRefs  int      `json:"max_context_refs,omitempty"`
}

func marshalMeta(m RoleMeta) string {
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// -- dispatch.scout ----------------------------------------------------

// ScoutOptions carries the caller's overrides for dispatch.scout; zero
// values fall back to the documented defaults. Objective lets a caller
// request a narrower focus than the slice's own objective; it does not
// change the prompt (Prompt, or the slice objective when Prompt is empty),
// and a differing caller objective is recorded as a constraint instead of
// silently dropped. Constraints are caller-supplied additional constraints
// recorded verbatim alongside it. MaxContextRefs requests a context-ref
// ceiling for the scout's pack, clamped to the slice's own budget.
type ScoutOptions struct {
	Executor        string // default "codex/xhigh"
	Model           string // default "gpt-5.3-codex", falls back to "haiku" family
	QualityProfile  string // default "flagship"
	NoveltyPolicy   string // default "strict"
	CriticPass      *bool  // default true iff quality_profile == flagship
	CoverageTargets int    // clamped to [3, 12], default len(slice.dod.tests)
	Objective       string
	Constraints     []string
	MaxContextRefs  int
	Prompt          string
}

// ScoutDispatchDefaults fills the documented defaults for any zero field:
// flagship executor/model pairing, strict novelty policy, critic pass tied
// to quality profile, and a coverage-target clamp independent of slice
// budget clamps. The coverage-target default is derived from the slice's
// own DoD test count rather than a fixed constant, so a slice with more
// required tests gets a proportionally larger scout sweep by default.
func ScoutDispatchDefaults(o ScoutOptions, doDTestCount int) ScoutOptions {
	if o.Executor == "" {
		o.Executor = "codex/xhigh"
	}
	if o.Model == "" {
		if o.Executor == "codex/xhigh" {
			o.Model = "gpt-5.3-codex"
		} else {
			o.Model = "haiku"
		}
	}
	if o.QualityProfile == "" {
		o.QualityProfile = "flagship"
	}
	if o.NoveltyPolicy == "" {
		o.NoveltyPolicy = "strict"
	}
	if o.CriticPass == nil {
		b := o.QualityProfile == "flagship"
		o.CriticPass = &b
	}
	if o.CoverageTargets == 0 {
		o.CoverageTargets = doDTestCount
	}
	o.CoverageTargets = clamp(o.CoverageTargets, 3, 12)
	return o
}

// numberField extracts a float64 out of a decoded JSON number, regardless
// of whether the decoder produced json.Number (contract.Parse uses
// UseNumber) or a plain float64.
func numberField(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	}
	return 0, false
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// DispatchScout creates the scout job for a slice.
func (c *Coordinator) DispatchScout(workspaceID string, binding *store.PlanSliceBinding, opts ScoutOptions) (*store.Job, error) {
	opts = ScoutDispatchDefaults(opts, len(binding.Spec.DoD.Tests))

	constraints := append([]string{}, opts.Constraints...)
	if opts.Objective != "" && opts.Objective != binding.Spec.Objective {
		constraints = append(constraints, "requested_focus:"+opts.Objective)
	}

	maxContextRefs := opts.MaxContextRefs
	if maxContextRefs <= 0 {
		maxContextRefs = binding.Spec.Budgets.MaxContextRefs
	}
	maxContextRefs = clamp(maxContextRefs, 8, binding.Spec.Budgets.MaxContextRefs)

	meta := RoleMeta{
		Role: "scout", SliceID: binding.SliceID, TaskID: binding.SliceTaskID,
		Executor: opts.Executor, Model: opts.Model,
		QualityProfile: opts.QualityProfile, NoveltyPolicy: opts.NoveltyPolicy,
		CriticPass: *opts.CriticPass, CoverageTargets: opts.CoverageTargets,
		Constraints: constraints, MaxContextRefs: maxContextRefs,
	}
	// The prompt is the caller's Prompt, or the slice's own objective when
	// none is given; a caller-requested objective that differs is recorded
	// above as a constraint rather than replacing either.
	prompt := opts.Prompt
	if prompt == "" {
		prompt = binding.Spec.Objective
	}
	anchor := ids.SliceAnchorID(binding.SliceID)
	job, err := c.Store.JobCreate(workspaceID, "scout: "+binding.SliceID, prompt, "codex_cli",
		store.PriorityMedium, binding.SliceTaskID, anchor, marshalMeta(meta))
	if err != nil {
		return nil, err
	}
	if c.Bus != nil {
		_, _ = c.Bus.PublishTransition(workspaceID, binding.SliceTaskID, binding.SliceID, job.ID,
			"dispatch.scout", "scout dispatched for "+binding.SliceID, "{}", "pipeline")
	}
	return job, nil
}

// -- dispatch.builder ----------------------------------------------------

// BuilderOptions carries dispatch.builder's caller-supplied knobs.
// Executor/model are frozen: builder always runs codex/xhigh with
// gpt-5.3-codex, unlike scout's configurable profile.
type BuilderOptions struct {
	StrictScoutMode         bool
	AllowPrevalidateNonPass bool
	Prompt                  string
}

const (
	builderExecutor = "codex/xhigh"
	builderModel    = "gpt-5.3-codex"
)

// PreValidateState is the outcome of running a scout's context pack
// through a cheap pre-validate pass before committing to a full builder
// dispatch.
type PreValidateState string

const (
	PreValidatePass     PreValidateState = "Pass"
	PreValidateNeedMore PreValidateState = "NeedMore"
	PreValidateReject   PreValidateState = "Reject"
)

// DispatchBuilder enforces the seven dispatch.builder preconditions and,
// if they all hold, creates the builder job. scoutJob must be the DONE
// scout job whose contract artifact is being handed off.
func (c *Coordinator) DispatchBuilder(workspaceID string, binding *store.PlanSliceBinding, scoutJob *store.Job,
	preValidate PreValidateState, opts BuilderOptions) (*store.Job, error) {

	// Precondition 1: scout job is DONE.
	if scoutJob.Status != store.JobDone {
		return nil, &contract.ValidationError{Reason: fmt.Sprintf("scout job %s is not DONE (status=%s)", scoutJob.ID, scoutJob.Status)}
	}

	// Precondition 2: scout's contract artifact parses and validates.
	scoutSummary, err := c.Store.JobArtifactGet(scoutJob.ID, "scout_context_pack")
	if err != nil {
		return nil, err
	}
	scoutObj, err := contract.Parse(scoutSummary)
	if err != nil {
		return nil, err
	}
	scoutResult, err := contract.ValidateScoutPack(scoutObj)
	if err != nil {
		return nil, err
	}

	// Precondition 3: freshness, scout's DONE event must be within
	// scout_stale_after_s of now.
	staleAfter := c.Cfg.Jobs.ScoutStaleAfter.Duration
	if age := time.Since(time.UnixMilli(scoutJob.UpdatedAtMs)); staleAfter > 0 && age > staleAfter {
		return nil, &contract.ValidationError{Reason: fmt.Sprintf("scout job %s result is stale (updated %s ago, limit %s)",
			scoutJob.ID, age, staleAfter)}
	}

	// Precondition 4: strict mode requires the scout's own dispatch meta to
	// have run flagship/strict.
	var scoutMeta RoleMeta
	_ = scoutJob.Meta(&scoutMeta)
	if opts.StrictScoutMode {
		if scoutMeta.QualityProfile != "flagship" || scoutMeta.NoveltyPolicy != "strict" {
			return nil, &contract.ValidationError{Reason: fmt.Sprintf(
				"strict_scout_mode requires the scout job to have run quality_profile=flagship and novelty_policy=strict, got %q/%q",
				scoutMeta.QualityProfile, scoutMeta.NoveltyPolicy)}
		}
	}

	// Precondition 5: context quality gate — every code_ref in the pack
	// must resolve cleanly; CODE_REF_STALE/MISSING/RANGE_STALE rejects.
	if refs, ok := scoutObj["code_refs"].([]any); ok {
		tokens := make([]string, 0, len(refs))
		for _, r := range refs {
			if s, ok := r.(string); ok {
				tokens = append(tokens, s)
			}
		}
		statuses := coderef.CheckAll(c.RepoRoot, tokens)
		for _, st := range statuses {
			if st.Status == coderef.StatusMissing || st.Status == coderef.StatusStale || st.Status == coderef.StatusRangeStale {
				return nil, &contract.ValidationError{Reason: fmt.Sprintf("context_quality_gate: %s is %s", st.Token, st.Status)}
			}
		}
	}

	// Precondition 6: pre-validate gating. strict_scout_mode forbids
	// allow_prevalidate_non_pass outright.
	if opts.StrictScoutMode && opts.AllowPrevalidateNonPass {
		return nil, &contract.ValidationError{Reason: "allow_prevalidate_non_pass is not permitted when strict_scout_mode is set"}
	}
	if preValidate != PreValidatePass && !opts.AllowPrevalidateNonPass {
		return nil, &contract.ValidationError{Reason: fmt.Sprintf("pre-validate returned %q; dispatch builder anyway requires allow_prevalidate_non_pass", preValidate)}
	}

	// Precondition 7: slice-first step-tree validation. The slice's
	// budgets must be in their legal ranges, and every step already
	// decomposed under the slice task must carry tests/blockers either of
	// its own or inherited from the slice's DoD.
	if err := validateStepTreeAgainstSpec(c.Store, binding); err != nil {
		return nil, err
	}

	meta := RoleMeta{
		Role: "builder", SliceID: binding.SliceID, TaskID: binding.SliceTaskID,
		ScoutJobID: scoutJob.ID, Executor: builderExecutor, Model: builderModel,
		StrictScoutMode: opts.StrictScoutMode,
	}
	prompt := opts.Prompt
	if prompt == "" {
		prompt = summaryForBuilder(scoutResult.Object)
	}
	anchor := ids.SliceAnchorID(binding.SliceID)
	job, err := c.Store.JobCreate(workspaceID, "builder: "+binding.SliceID, prompt, "codex_cli",
		store.PriorityMedium, binding.SliceTaskID, anchor, marshalMeta(meta))
	if err != nil {
		return nil, err
	}
	if c.Bus != nil {
		_, _ = c.Bus.PublishTransition(workspaceID, binding.SliceTaskID, binding.SliceID, job.ID,
			"dispatch.builder", "builder dispatched for "+binding.SliceID, "{}", "pipeline")
	}
	return job, nil
}

func summaryForBuilder(scoutObj map[string]any) string {
	if s, ok := scoutObj["summary_for_builder"].(string); ok {
		return s
	}
	return ""
}

// validateStepTreeAgainstSpec checks a slice's budgets are in their legal
// ranges and that every step already decomposed under its slice task
// carries a usable DoD (tests and blockers, either of its own or inherited
// from the slice spec) before a builder is allowed to start work against
// it. A slice with no decomposed steps yet passes trivially — dispatch.
// builder does not require decomposition to have already happened.
func validateStepTreeAgainstSpec(s *store.Store, binding *store.PlanSliceBinding) error {
	b := binding.Spec.Budgets
	if b.MaxFiles < 1 || b.MaxFiles > 200 || b.MaxDiffLines < 1 || b.MaxDiffLines > 200000 ||
		b.MaxContextRefs < 8 || b.MaxContextRefs > 64 {
		return &contract.ValidationError{Reason: fmt.Sprintf("slice %s budgets are out of range: %+v", binding.SliceID, b)}
	}
	steps, err := s.ListTaskSteps(binding.SliceTaskID)
	if err != nil {
		return err
	}
	for _, st := range steps {
		tests, blockers := st.Tests, st.Blockers
		if len(tests) == 0 {
			tests = binding.Spec.DoD.Tests
		}
		if len(blockers) == 0 {
			blockers = binding.Spec.DoD.Blockers
		}
		if len(tests) == 0 || len(blockers) == 0 {
			return &contract.ValidationError{Reason: fmt.Sprintf(
				"step %s under task %s has no tests/blockers and the slice spec provides no fallback", st.StepID, binding.SliceTaskID)}
		}
	}
	return nil
}

// -- dispatch.validator --------------------------------------------------

// DispatchValidator creates an independent validator job with lineage back
// to the builder job it is reviewing; the validator never shares a job id
// with the builder.
func (c *Coordinator) DispatchValidator(workspaceID string, binding *store.PlanSliceBinding, builderJob *store.Job, prompt string) (*store.Job, error) {
	if builderJob.Status != store.JobDone {
		return nil, &contract.ValidationError{Reason: fmt.Sprintf("builder job %s is not DONE (status=%s)", builderJob.ID, builderJob.Status)}
	}
	var builderMeta RoleMeta
	_ = builderJob.Meta(&builderMeta)
	meta := RoleMeta{
		Role: "validator", SliceID: binding.SliceID, TaskID: binding.SliceTaskID,
		ScoutJobID: builderMeta.ScoutJobID, BuilderJobID: builderJob.ID,
		Executor: builderExecutor, Model: builderModel,
	}
	job, err := c.Store.JobCreate(workspaceID, "validator: "+binding.SliceID, prompt, "codex_cli",
		store.PriorityMedium, binding.SliceTaskID, ids.SliceAnchorID(binding.SliceID), marshalMeta(meta))
	if err != nil {
		return nil, err
	}
	if c.Bus != nil {
		_, _ = c.Bus.PublishTransition(workspaceID, binding.SliceTaskID, binding.SliceID, job.ID,
			"dispatch.validator", "validator dispatched for "+binding.SliceID, "{}", "pipeline")
	}
	return job, nil
}

// -- jobs.pipeline.gate ---------------------------------------------------

// GateAction is the synthesized next action when a gate decision is not a
// terminal approve.
type GateAction string

const (
	GateActionNone              GateAction = ""
	GateActionRedispatchScout   GateAction = "redispatch_scout"
	GateActionRedispatchBuilder GateAction = "redispatch_builder"
	GateActionEscalate          GateAction = "escalate"
)

// GateDecision is jobs.pipeline.gate's full verdict: the mapped decision,
// any synthesized follow-up action, the contract warnings collected along
// the way, and the decision_ref the approved (or rejected) verdict is
// persisted under for jobs.pipeline.apply to require later.
type GateDecision struct {
	Decision    string // "approve" | "rework" | "reject"
	Action      GateAction
	Warnings    []contract.Warning
	DecisionRef string
}

// decisionFunction maps a validator_report recommendation to the
// three-way gate decision.
func decisionFunction(recommendation string, contextRetries, maxContextRetryLimit int) (string, GateAction) {
	switch recommendation {
	case "approve":
		return "approve", GateActionNone
	case "reject":
		return "reject", GateActionNone
	case "rework":
		return "rework", GateActionRedispatchBuilder
	case "writer_retry":
		return "rework", GateActionRedispatchBuilder
	case "scout_retry":
		if contextRetries >= maxContextRetryLimit {
			return "reject", GateActionEscalate
		}
		return "rework", GateActionRedispatchScout
	case "escalate":
		return "rework", GateActionEscalate
	default:
		return "reject", GateActionEscalate
	}
}

// hasContextRequest reports whether a builder_diff_batch artifact is a
// context-request (rather than a changes[] diff batch): the builder asking
// the gate to redispatch a scout with tighter constraints instead of
// submitting work.
func hasContextRequest(obj map[string]any) bool {
	_, ok := obj["context_request"].(map[string]any)
	return ok
}

// countLines returns the number of lines in s, treating an empty string as
// zero lines rather than one.
func countLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}

// Gate runs jobs.pipeline.gate: validates lineage across the full scout ->
// builder -> validator chain, validates the builder_diff_batch and
// validator_report artifacts, enforces the slice's file and diff-line
// budgets, maps the recommendation (or a builder context_request) to a
// decision, publishes the scout_ready/builder_ready/validator_ready
// readiness events followed by gate_decision, and persists the decision
// under its decision_ref for jobs.pipeline.apply to require later.
func (c *Coordinator) Gate(workspaceID string, binding *store.PlanSliceBinding, scoutJob, builderJob, validatorJob *store.Job, contextRetries int) (*GateDecision, error) {
	if scoutJob.Status != store.JobDone {
		return nil, &contract.ValidationError{Reason: fmt.Sprintf("scout job %s is not DONE (status=%s)", scoutJob.ID, scoutJob.Status)}
	}
	if builderJob.Status != store.JobDone {
		return nil, &contract.ValidationError{Reason: fmt.Sprintf("builder job %s is not DONE (status=%s)", builderJob.ID, builderJob.Status)}
	}
	if validatorJob.Status != store.JobDone {
		return nil, &contract.ValidationError{Reason: fmt.Sprintf("validator job %s is not DONE (status=%s)", validatorJob.ID, validatorJob.Status)}
	}
	if validatorJob.ID == builderJob.ID {
		return nil, &contract.ValidationError{Reason: "validator job must be independent of the builder job it reviews"}
	}

	var builderMeta, validatorMeta RoleMeta
	_ = builderJob.Meta(&builderMeta)
	_ = validatorJob.Meta(&validatorMeta)
	if builderMeta.ScoutJobID != scoutJob.ID {
		return nil, &contract.ValidationError{Reason: fmt.Sprintf("builder job %s lineage does not match scout job %s", builderJob.ID, scoutJob.ID)}
	}
	if validatorMeta.ScoutJobID != scoutJob.ID {
		return nil, &contract.ValidationError{Reason: fmt.Sprintf("validator job %s scout lineage does not match scout job %s", validatorJob.ID, scoutJob.ID)}
	}
	if validatorMeta.BuilderJobID != builderJob.ID {
		return nil, &contract.ValidationError{Reason: fmt.Sprintf("validator job %s lineage does not match builder job %s", validatorJob.ID, builderJob.ID)}
	}

	builderSummary, err := c.Store.JobArtifactGet(builderJob.ID, "builder_diff_batch")
	if err != nil {
		return nil, err
	}
	builderObj, err := contract.Parse(builderSummary)
	if err != nil {
		return nil, err
	}
	builderResult, err := contract.ValidateBuilderDiffBatch(builderObj)
	if err != nil {
		return nil, err
	}
	if sliceID, _ := builderObj["slice_id"].(string); sliceID != binding.SliceID {
		return nil, &contract.ValidationError{Reason: fmt.Sprintf("builder_diff_batch.slice_id %q does not match gate slice %q", sliceID, binding.SliceID)}
	}

	validatorSummary, err := c.Store.JobArtifactGet(validatorJob.ID, "validator_report")
	if err != nil {
		return nil, err
	}
	validatorObj, err := contract.Parse(validatorSummary)
	if err != nil {
		return nil, err
	}
	validatorResult, err := contract.ValidateValidatorReport(validatorObj)
	if err != nil {
		return nil, err
	}
	if sliceID, ok := validatorObj["slice_id"].(string); ok && sliceID != "" && sliceID != binding.SliceID {
		return nil, &contract.ValidationError{Reason: fmt.Sprintf("validator_report.slice_id %q does not match gate slice %q", sliceID, binding.SliceID)}
	}

	requestsContext := hasContextRequest(builderObj)

	if !requestsContext {
		if files, ok := builderObj["changes"].([]any); ok && len(files) > int(binding.Spec.Budgets.MaxFiles) {
			return nil, &contract.ValidationError{Reason: fmt.Sprintf("builder changed %d files, exceeding slice budget of %d", len(files), binding.Spec.Budgets.MaxFiles)}
		}
		if evidence, ok := builderObj["execution_evidence"].(map[string]any); ok {
			if rev, ok := numberField(evidence["revision"]); ok && int64(rev) != builderJob.Revision {
				return nil, &contract.ValidationError{Reason: fmt.Sprintf(
					"builder_diff_batch.execution_evidence.revision %v does not match builder job %s revision %d",
					evidence["revision"], builderJob.ID, builderJob.Revision)}
			}
		}
		diffLines, err := c.sumDiffLines(builderJob.ID, builderObj)
		if err != nil {
			return nil, err
		}
		if diffLines > binding.Spec.Budgets.MaxDiffLines {
			return nil, &contract.ValidationError{Reason: fmt.Sprintf("builder diff totals %d lines, exceeding slice budget of %d", diffLines, binding.Spec.Budgets.MaxDiffLines)}
		}
	}

	var decision string
	var action GateAction
	if requestsContext {
		if contextRetries < c.Cfg.Jobs.MaxContextRetryLimit {
			decision, action = "rework", GateActionRedispatchScout
		} else {
			decision, action = "reject", GateActionEscalate
		}
	} else {
		recommendation, _ := validatorObj["recommendation"].(string)
		decision, action = decisionFunction(recommendation, contextRetries, c.Cfg.Jobs.MaxContextRetryLimit)
	}

	warnings := append(append([]contract.Warning{}, builderResult.Warnings...), validatorResult.Warnings...)

	var decisionRef string
	if c.Bus != nil {
		_, _ = c.Bus.PublishScoutReady(workspaceID, binding.SliceTaskID, binding.SliceID, scoutJob.ID,
			"scout ready for "+binding.SliceID, "{}", "pipeline")
		_, _ = c.Bus.PublishBuilderReady(workspaceID, binding.SliceTaskID, binding.SliceID, builderJob.ID,
			"builder ready for "+binding.SliceID, "{}", "pipeline")
		_, _ = c.Bus.PublishValidatorReady(workspaceID, binding.SliceTaskID, binding.SliceID, validatorJob.ID,
			"validator ready for "+binding.SliceID, "{}", "pipeline")

		msg, err := c.Bus.PublishGateDecision(workspaceID, binding.SliceTaskID, binding.SliceID, decision,
			fmt.Sprintf("gate decision %s for %s", decision, binding.SliceID), "{}", "pipeline")
		if err != nil {
			return nil, err
		}
		decisionRef = envelope.DecisionRef(binding.SliceTaskID, binding.SliceID, msg.Seq)
		if err := c.Store.GateDecisionPut(store.GateDecisionRecord{
			DecisionRef:     decisionRef,
			WorkspaceID:     workspaceID,
			TaskID:          binding.SliceTaskID,
			SliceID:         binding.SliceID,
			Decision:        decision,
			ScoutJobID:      scoutJob.ID,
			BuilderJobID:    builderJob.ID,
			ValidatorJobID:  validatorJob.ID,
			BuilderRevision: builderJob.Revision,
			CreatedAtMs:     nowMs(),
		}); err != nil {
			return nil, err
		}
	}

	return &GateDecision{Decision: decision, Action: action, Warnings: warnings, DecisionRef: decisionRef}, nil
}

// sumDiffLines totals the line counts of every diff artifact a builder's
// changes[] reference, deduplicated by (job, key) and restricted to
// artifacts owned by the builder job itself.
func (c *Coordinator) sumDiffLines(builderJobID string, builderObj map[string]any) (int, error) {
	changes, _ := builderObj["changes"].([]any)
	seen := make(map[string]bool, len(changes))
	total := 0
	for _, ch := range changes {
		m, ok := ch.(map[string]any)
		if !ok {
			continue
		}
		ref, _ := m["diff_ref"].(string)
		jobID, key, ok := envelope.ParseJobArtifactRef(ref)
		if !ok || jobID != builderJobID {
			continue
		}
		dedupeKey := jobID + "/" + key
		if seen[dedupeKey] {
			continue
		}
		seen[dedupeKey] = true
		content, err := c.Store.JobArtifactGet(jobID, key)
		if err != nil {
			return 0, err
		}
		total += countLines(content)
	}
	return total, nil
}

// -- jobs.pipeline.apply --------------------------------------------------

// Apply runs jobs.pipeline.apply: loads the gate decision decisionRef
// names, requires it to belong to this slice and builder job and to carry
// an "approve" verdict, verifies the builder job's recorded revision
// matches both the caller's expectation and the revision the gate decision
// itself was approved against (guarding against a stale apply racing a
// newer builder dispatch), and marks the slice binding applied.
func (c *Coordinator) Apply(workspaceID string, binding *store.PlanSliceBinding, builderJob *store.Job, decisionRef string, expectedRevision int64) error {
	gd, err := c.Store.GateDecisionGet(decisionRef)
	if err != nil {
		return err
	}
	if gd.SliceID != binding.SliceID || gd.BuilderJobID != builderJob.ID {
		return &contract.ValidationError{Reason: fmt.Sprintf(
			"decision_ref %s does not belong to slice %s / builder job %s", decisionRef, binding.SliceID, builderJob.ID)}
	}
	if gd.Decision != "approve" {
		return &contract.ValidationError{Reason: fmt.Sprintf("decision_ref %s is %q, not approve", decisionRef, gd.Decision)}
	}
	if builderJob.Revision != expectedRevision || gd.BuilderRevision != expectedRevision {
		return &contract.ValidationError{Reason: fmt.Sprintf("expected_revision %d does not match builder job %s revision %d (approved against revision %d)",
			expectedRevision, builderJob.ID, builderJob.Revision, gd.BuilderRevision)}
	}
	if err := c.Store.PlanSliceBindingMarkApplied(binding.SliceID); err != nil {
		return err
	}
	if c.Bus != nil {
		_, _ = c.Bus.PublishApply(workspaceID, binding.SliceTaskID, binding.SliceID, builderJob.Revision,
			"applied "+binding.SliceID, "{}", "pipeline")
	}
	return nil
}

// -- control-center synthesis ---------------------------------------------

// Snapshot is the control center's per-sweep rendering: attention rows,
// runner diagnostics, and job status counts.
type Snapshot struct {
	Radar       []jobsrt.RadarRow
	Diagnostics *store.RunnerStatusSnapshot
	StatusCounts map[string]int
}

// Synthesize runs one control-center sweep for a workspace.
func (c *Coordinator) Synthesize(workspaceID string, stallAfterS int64, offlineWindow time.Duration) (*Snapshot, error) {
	radar, err := jobsrt.Radar(c.Store, workspaceID, nowMs(), stallAfterS)
	if err != nil {
		return nil, err
	}
	diag, err := jobsrt.Diagnostics(c.Store, workspaceID, offlineWindow)
	if err != nil {
		return nil, err
	}
	counts, err := c.Store.JobsStatusCounts(workspaceID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Radar: jobsrt.NeedingAttention(radar), Diagnostics: diag, StatusCounts: counts}, nil
}
