// Package contract implements the strict structural and semantic validator
// for the pipeline's three typed artifacts (scout_context_pack,
// builder_diff_batch, validator_report) and the writer_patch_pack variant,
// plus the context-retry cross-checks. Validation walks a parsed object,
// fails closed on the first missing or malformed required field, and
// accumulates non-fatal findings separately as warnings.
package contract

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/branchmind/branchmind-core/internal/coderef"
	"github.com/branchmind/branchmind-core/internal/store"
)

// ValidationError is returned for every fatal contract violation; it is
// errors.Is-compatible with store.ErrPreconditionFailed so pipeline code
// can treat contract failures the same way it treats store preconditions.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "PRECONDITION_FAILED: " + e.Reason }

func (e *ValidationError) Is(target error) bool {
	return errors.Is(target, store.ErrPreconditionFailed)
}

func fail(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Warning is a non-fatal finding attached to an otherwise-passing artifact.
type Warning struct {
	Code    string
	Message string
}

// Result bundles the parsed artifact with any non-fatal warnings.
type Result struct {
	Object   map[string]any
	Warnings []Warning
}

// Parse decodes a raw job summary string as a JSON object, the shared first
// step of every contract check.
func Parse(summary string) (map[string]any, error) {
	if strings.TrimSpace(summary) == "" {
		return nil, fail("summary is empty")
	}
	var obj map[string]any
	dec := json.NewDecoder(strings.NewReader(summary))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return nil, fail("summary does not parse as a JSON object: %v", err)
	}
	return obj, nil
}

var forbiddenKeys = map[string]bool{
	"diff": true, "patch": true, "code": true, "apply": true, "unified_diff": true,
}

// checkForbiddenKeys walks obj and reports the first forbidden key found at
// any nesting depth.
func checkForbiddenKeys(v any) string {
	switch t := v.(type) {
	case map[string]any:
		for k, sub := range t {
			if forbiddenKeys[k] {
				return k
			}
			if found := checkForbiddenKeys(sub); found != "" {
				return found
			}
		}
	case []any:
		for _, sub := range t {
			if found := checkForbiddenKeys(sub); found != "" {
				return found
			}
		}
	}
	return ""
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asArray(v any) []any {
	a, _ := v.([]any)
	return a
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

// longestFence returns the line count of the longest markdown fenced code
// block in text.
func longestFence(text string) int {
	lines := strings.Split(text, "\n")
	longest, inFence, current := 0, false, 0
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if inFence {
				if current > longest {
					longest = current
				}
				inFence = false
				current = 0
			} else {
				inFence = true
			}
			continue
		}
		if inFence {
			current++
		}
	}
	if inFence && current > longest {
		longest = current
	}
	return longest
}

func collectStrings(v any) []string {
	var out []string
	switch t := v.(type) {
	case string:
		out = append(out, t)
	case map[string]any:
		for _, sub := range t {
			out = append(out, collectStrings(sub)...)
		}
	case []any:
		for _, sub := range t {
			out = append(out, collectStrings(sub)...)
		}
	}
	return out
}

func uniqueRatio(items []string) float64 {
	if len(items) == 0 {
		return 1
	}
	seen := map[string]bool{}
	for _, it := range items {
		seen[it] = true
	}
	return float64(len(seen)) / float64(len(items))
}

// ValidateScoutPack validates a scout_context_pack artifact. When
// obj["format_version"] is absent or < 2 it applies the v1 contract;
// otherwise the v2 contract.
func ValidateScoutPack(obj map[string]any) (*Result, error) {
	if found := checkForbiddenKeys(obj); found != "" {
		return nil, fail("scout_context_pack contains forbidden key %q", found)
	}
	if v2(obj) {
		return validateScoutPackV2(obj)
	}
	return validateScoutPackV1(obj)
}

func v2(obj map[string]any) bool {
	fv, ok := obj["format_version"]
	if !ok {
		return false
	}
	switch n := fv.(type) {
	case json.Number:
		i, err := n.Int64()
		return err == nil && i >= 2
	case float64:
		return n >= 2
	}
	return false
}

func validateScoutPackV1(obj map[string]any) (*Result, error) {
	var warnings []Warning

	if longest := longestMarkdownFence(obj); longest > 20 {
		return nil, fail("scout_context_pack has a fenced code block of %d lines (limit 20)", longest)
	}

	refsRaw := asArray(obj["code_refs"])
	if len(refsRaw) < 3 {
		return nil, fail("scout_context_pack.code_refs requires >= 3 entries, got %d", len(refsRaw))
	}
	var refTokens []string
	for _, r := range refsRaw {
		tok := asString(r)
		if _, err := coderef.Parse(tok); err != nil {
			return nil, fail("scout_context_pack.code_refs: %v", err)
		}
		refTokens = append(refTokens, tok)
	}
	if redundancy := 1 - uniqueRatio(refTokens); redundancy > 0.25 {
		return nil, fail("scout_context_pack.code_refs redundancy %.2f exceeds 0.25", redundancy)
	}

	anchorsRaw := asArray(obj["anchors"])
	if len(anchorsRaw) < 3 {
		return nil, fail("scout_context_pack.anchors requires >= 3 entries, got %d", len(anchorsRaw))
	}
	var anchorSignatures []string
	for _, a := range anchorsRaw {
		am := asMap(a)
		if asString(am["id"]) == "" || asString(am["rationale"]) == "" {
			return nil, fail("scout_context_pack.anchors entries require id and rationale")
		}
		anchorSignatures = append(anchorSignatures, asString(am["id"]))
	}
	if overlap := 1 - uniqueRatio(anchorSignatures); overlap > 0.35 {
		return nil, fail("scout_context_pack.anchors overlap %.2f exceeds 0.35", overlap)
	}

	if len(asArray(obj["change_hints"])) < 2 {
		return nil, fail("scout_context_pack.change_hints requires >= 2 entries")
	}
	if len(asArray(obj["test_hints"])) < 3 {
		return nil, fail("scout_context_pack.test_hints requires >= 3 entries")
	}
	if len(asArray(obj["risk_map"])) < 3 {
		return nil, fail("scout_context_pack.risk_map requires >= 3 entries")
	}

	summary := asString(obj["summary_for_builder"])
	if len(summary) < 320 {
		return nil, fail("scout_context_pack.summary_for_builder must be >= 320 chars, got %d", len(summary))
	}

	return &Result{Object: obj, Warnings: warnings}, nil
}

var validAnchorTypes = map[string]bool{"primary": true, "dependency": true, "reference": true, "structural": true}

func validateScoutPackV2(obj map[string]any) (*Result, error) {
	var warnings []Warning

	if asString(obj["objective"]) == "" {
		return nil, fail("scout_context_pack (v2) requires a non-empty objective")
	}

	anchorsRaw := asArray(obj["anchors"])
	if len(anchorsRaw) < 3 {
		return nil, fail("scout_context_pack.anchors requires >= 3 entries, got %d", len(anchorsRaw))
	}
	var primaryOrStructuralPaths []string
	for _, a := range anchorsRaw {
		am := asMap(a)
		anchorType := asString(am["anchor_type"])
		if !validAnchorTypes[anchorType] {
			return nil, fail("scout_context_pack.anchors entry has invalid anchor_type %q", anchorType)
		}
		codeRef := asString(am["code_ref"])
		if !strings.HasPrefix(codeRef, "code:") {
			return nil, fail("scout_context_pack.anchors entry code_ref must start with 'code:'")
		}
		if (anchorType == "primary" || anchorType == "dependency" || anchorType == "reference") && asString(am["content"]) == "" {
			return nil, fail("scout_context_pack.anchors entry of type %q requires non-empty content", anchorType)
		}
		if anchorType == "primary" || anchorType == "structural" {
			if ref, err := coderef.Parse(codeRef); err == nil {
				primaryOrStructuralPaths = append(primaryOrStructuralPaths, ref.Path)
			}
		}
	}

	hintsRaw := asArray(obj["change_hints"])
	if len(hintsRaw) < 2 {
		return nil, fail("scout_context_pack.change_hints requires >= 2 entries")
	}
	for _, h := range hintsRaw {
		hm := asMap(h)
		path := asString(hm["path"])
		if path == "" {
			return nil, fail("scout_context_pack.change_hints entry requires non-empty path")
		}
		if !coveredByAnchor(path, primaryOrStructuralPaths) {
			return nil, fail("scout_context_pack.change_hints path %q is not covered by any primary/structural anchor", path)
		}
	}

	if asString(obj["summary_for_builder"]) == "" {
		return nil, fail("scout_context_pack (v2) requires a non-empty summary_for_builder")
	}

	return &Result{Object: obj, Warnings: warnings}, nil
}

func coveredByAnchor(path string, anchorPaths []string) bool {
	for _, ap := range anchorPaths {
		if ap == path || strings.HasPrefix(path, strings.TrimSuffix(ap, "/")+"/") {
			return true
		}
	}
	return false
}

func longestMarkdownFence(obj map[string]any) int {
	longest := 0
	for _, s := range collectStrings(obj) {
		if l := longestFence(s); l > longest {
			longest = l
		}
	}
	return longest
}

var validProofPrefixes = []string{"CMD:", "LINK:", "FILE:"}

func hasValidProofPrefix(s string) bool {
	for _, p := range validProofPrefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// ValidateBuilderDiffBatch validates a builder_diff_batch artifact.
func ValidateBuilderDiffBatch(obj map[string]any) (*Result, error) {
	if found := checkForbiddenKeys(obj); found != "" {
		return nil, fail("builder_diff_batch contains forbidden key %q", found)
	}
	if asString(obj["slice_id"]) == "" {
		return nil, fail("builder_diff_batch.slice_id is required")
	}

	changes := asArray(obj["changes"])
	contextRequest := asMap(obj["context_request"])
	hasChanges := len(changes) > 0
	hasContextRequest := len(contextRequest) > 0
	if hasChanges == hasContextRequest {
		return nil, fail("builder_diff_batch requires exactly one of changes[] or context_request{}")
	}

	if hasContextRequest {
		if asString(contextRequest["reason"]) == "" {
			return nil, fail("builder_diff_batch.context_request.reason is required")
		}
		if len(asArray(contextRequest["missing_context"])) == 0 {
			return nil, fail("builder_diff_batch.context_request.missing_context must be non-empty")
		}
		return &Result{Object: obj}, nil
	}

	for i, c := range changes {
		cm := asMap(c)
		if asString(cm["path"]) == "" || asString(cm["intent"]) == "" || asString(cm["diff_ref"]) == "" {
			return nil, fail("builder_diff_batch.changes[%d] requires non-empty path, intent, diff_ref", i)
		}
	}
	if len(asArray(obj["checks_to_run"])) == 0 {
		return nil, fail("builder_diff_batch.checks_to_run must be non-empty")
	}
	proofRefs := asArray(obj["proof_refs"])
	if len(proofRefs) == 0 {
		return nil, fail("builder_diff_batch.proof_refs must be non-empty")
	}
	for i, p := range proofRefs {
		if !hasValidProofPrefix(asString(p)) {
			return nil, fail("builder_diff_batch.proof_refs[%d] must start with CMD:, LINK:, or FILE:", i)
		}
	}
	if asString(obj["rollback_plan"]) == "" {
		return nil, fail("builder_diff_batch.rollback_plan is required")
	}

	evidence := asMap(obj["execution_evidence"])
	if evidence == nil {
		return nil, fail("builder_diff_batch.execution_evidence is required")
	}
	revision, ok := numberField(evidence["revision"])
	if !ok || revision <= 0 {
		return nil, fail("builder_diff_batch.execution_evidence.revision must be > 0")
	}
	if len(asArray(evidence["diff_scope"])) == 0 {
		return nil, fail("builder_diff_batch.execution_evidence.diff_scope must be non-empty")
	}
	runs := asArray(evidence["command_runs"])
	if len(runs) == 0 {
		return nil, fail("builder_diff_batch.execution_evidence.command_runs must be non-empty")
	}
	for i, r := range runs {
		rm := asMap(r)
		if asString(rm["cmd"]) == "" || asString(rm["stdout_ref"]) == "" || asString(rm["stderr_ref"]) == "" {
			return nil, fail("builder_diff_batch.execution_evidence.command_runs[%d] requires cmd, stdout_ref, stderr_ref", i)
		}
		if _, ok := rm["exit_code"]; !ok {
			return nil, fail("builder_diff_batch.execution_evidence.command_runs[%d] requires exit_code", i)
		}
	}
	rollbackProof := asMap(evidence["rollback_proof"])
	if asString(rollbackProof["strategy"]) == "" || asString(rollbackProof["target_revision"]) == "" {
		return nil, fail("builder_diff_batch.execution_evidence.rollback_proof requires strategy and target_revision")
	}
	if !hasValidProofPrefix(asString(rollbackProof["verification_cmd_ref"])) {
		return nil, fail("builder_diff_batch.execution_evidence.rollback_proof.verification_cmd_ref must start with CMD:, LINK:, or FILE:")
	}
	guards := asMap(evidence["semantic_guards"])
	if asString(guards["must_should_may_delta"]) == "" || asString(guards["contract_term_consistency"]) == "" {
		return nil, fail("builder_diff_batch.execution_evidence.semantic_guards requires must_should_may_delta and contract_term_consistency")
	}

	return &Result{Object: obj}, nil
}

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

var validPatchOpKinds = map[string]bool{
	"replace": true, "insert_after": true, "insert_before": true, "create_file": true, "delete_file": true,
}

// ValidateWriterPatchPack validates a writer_patch_pack artifact (used when
// a builder job's role is "writer" — a lighter-weight patch-only variant).
func ValidateWriterPatchPack(obj map[string]any) (*Result, error) {
	if found := checkForbiddenKeys(obj); found != "" {
		return nil, fail("writer_patch_pack contains forbidden key %q", found)
	}
	if asString(obj["slice_id"]) == "" {
		return nil, fail("writer_patch_pack.slice_id is required")
	}
	patches := asArray(obj["patches"])
	_, insufficient := obj["insufficient_context"]
	if len(patches) == 0 && !insufficient {
		return nil, fail("writer_patch_pack requires non-empty patches[] or insufficient_context")
	}
	for i, p := range patches {
		pm := asMap(p)
		path := asString(pm["path"])
		if path == "" || strings.Contains(path, "..") {
			return nil, fail("writer_patch_pack.patches[%d].path is missing or contains '..'", i)
		}
		ops := asArray(pm["ops"])
		if len(ops) == 0 {
			return nil, fail("writer_patch_pack.patches[%d].ops must be non-empty", i)
		}
		for j, o := range ops {
			om := asMap(o)
			kind := asString(om["kind"])
			if !validPatchOpKinds[kind] {
				return nil, fail("writer_patch_pack.patches[%d].ops[%d] has invalid kind %q", i, j, kind)
			}
			switch kind {
			case "replace":
				if len(asArray(om["old_lines"])) == 0 {
					return nil, fail("writer_patch_pack.patches[%d].ops[%d] (replace) requires non-empty old_lines", i, j)
				}
			case "insert_after", "insert_before":
				if asString(om["anchor"]) == "" || asString(om["content"]) == "" {
					return nil, fail("writer_patch_pack.patches[%d].ops[%d] (%s) requires anchor and content", i, j, kind)
				}
			case "create_file":
				if asString(om["content"]) == "" {
					return nil, fail("writer_patch_pack.patches[%d].ops[%d] (create_file) requires content", i, j)
				}
			}
		}
	}
	if asString(obj["summary"]) == "" {
		return nil, fail("writer_patch_pack.summary is required")
	}
	if _, ok := obj["affected_files"]; !ok {
		return nil, fail("writer_patch_pack.affected_files is required (may be an empty array)")
	}
	return &Result{Object: obj}, nil
}

// CrossValidateWriterScout cross-checks a writer_patch_pack's affected
// files against the originating scout's declared scope (scope.in and
// change_hints[].path); violations become non-fatal CROSS_VALIDATION
// warnings unless escalate is set, in which case they are fatal.
func CrossValidateWriterScout(writer, scout map[string]any, escalate bool) ([]Warning, error) {
	affected := asArray(writer["affected_files"])
	if len(affected) == 0 {
		return nil, nil
	}
	inScope := map[string]bool{}
	for _, p := range asArray(asMap(scout["scope"])["in"]) {
		inScope[asString(p)] = true
	}
	var hintPaths []string
	for _, h := range asArray(scout["change_hints"]) {
		if p := asString(asMap(h)["path"]); p != "" {
			hintPaths = append(hintPaths, p)
		}
	}
	if len(inScope) == 0 && len(hintPaths) == 0 {
		// scout scope unknown; nothing to cross-check against.
		return nil, nil
	}

	var warnings []Warning
	for _, f := range affected {
		file := asString(f)
		if inScope[file] || coveredByAnchor(file, hintPaths) {
			continue
		}
		msg := fmt.Sprintf("writer affected file %q is outside the scout's declared scope", file)
		if escalate {
			return nil, fail("%s", msg)
		}
		warnings = append(warnings, Warning{Code: "CROSS_VALIDATION", Message: msg})
	}
	return warnings, nil
}

// ValidateValidatorReport validates a validator_report artifact. A v2
// report (intent_compliance present) skips the plan_fit_score requirement
// entirely rather than merely relaxing its range.
func ValidateValidatorReport(obj map[string]any) (*Result, error) {
	rec := asString(obj["recommendation"])
	switch rec {
	case "approve", "rework", "reject", "writer_retry", "scout_retry", "escalate":
	default:
		return nil, fail("validator_report.recommendation %q is not a recognized value", rec)
	}

	if _, isV2 := obj["intent_compliance"]; !isV2 {
		score, ok := numberField(obj["plan_fit_score"])
		if !ok {
			return nil, fail("validator_report.plan_fit_score is required (v1 contract)")
		}
		if score < 0 || score > 100 {
			return nil, fail("validator_report.plan_fit_score must be in [0,100], got %v", score)
		}
	}

	return &Result{Object: obj}, nil
}

// HasDoneProofRef implements the HIGH-priority "done proof" strictness
// rule: jobs with priority=HIGH require at least one ref matching
// CMD:/LINK:/FILE:; other jobs accept any ref that is not itself a
// JOB-*/anchor self-reference.
func HasDoneProofRef(refs []string, priority string) bool {
	if priority == store.PriorityHigh {
		for _, r := range refs {
			if hasValidProofPrefix(r) {
				return true
			}
		}
		return false
	}
	for _, r := range refs {
		if hasNonJobRef(r) {
			return true
		}
	}
	return false
}

func hasNonJobRef(ref string) bool {
	return ref != "" && !strings.HasPrefix(ref, "JOB-") && !strings.HasPrefix(ref, "a:")
}
