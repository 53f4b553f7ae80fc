package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const truncatedSuffix = "... [truncated by branchmindd normalize-transcript]"

type normalizeTranscriptResult struct {
	Path          string
	TotalLines    int
	OversizedRows int
	ChangedRows   int
	BytesBefore   int
	BytesAfter    int
}

type normalizePolicy struct {
	keepMessages int
	messageChars int
	fieldChars   int
}

// normalizeOversizedTranscriptJSONL rewrites rollout rows that exceed
// maxBytes, trimming message histories and long text fields until each row
// fits. Rows already under the cap are passed through byte-for-byte.
func normalizeOversizedTranscriptJSONL(path string, maxBytes int, dryRun bool) (normalizeTranscriptResult, error) {
	result := normalizeTranscriptResult{Path: path}
	if strings.TrimSpace(path) == "" {
		return result, fmt.Errorf("transcript path is required")
	}
	if maxBytes <= 0 {
		return result, fmt.Errorf("max bytes must be > 0")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return result, fmt.Errorf("read transcript file: %w", err)
	}
	result.BytesBefore = len(raw)

	lines := strings.Split(string(raw), "\n")
	out := make([]string, 0, len(lines))

	for idx, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			out = append(out, line)
			continue
		}
		result.TotalLines++
		if len(line) > maxBytes {
			result.OversizedRows++
		}

		normalizedLine, changed, err := normalizeRolloutJSONLLine(line, maxBytes)
		if err != nil {
			return result, fmt.Errorf("normalize line %d: %w", idx+1, err)
		}
		if changed {
			result.ChangedRows++
			out = append(out, normalizedLine)
			continue
		}
		out = append(out, line)
	}

	updated := strings.Join(out, "\n")
	result.BytesAfter = len(updated)
	if dryRun || result.ChangedRows == 0 {
		return result, nil
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(updated), 0o644); err != nil {
		return result, fmt.Errorf("write temporary normalized file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return result, fmt.Errorf("replace transcript file: %w", err)
	}
	return result, nil
}

func normalizeRolloutJSONLLine(line string, maxBytes int) (string, bool, error) {
	if len(line) <= maxBytes {
		return line, false, nil
	}

	var row map[string]any
	if err := json.Unmarshal([]byte(line), &row); err != nil {
		return "", false, fmt.Errorf("invalid JSON: %w", err)
	}

	changed := false
	policies := []normalizePolicy{
		{keepMessages: 64, messageChars: 2048, fieldChars: 8192},
		{keepMessages: 32, messageChars: 1200, fieldChars: 4096},
		{keepMessages: 16, messageChars: 800, fieldChars: 2048},
		{keepMessages: 8, messageChars: 400, fieldChars: 1024},
	}

	for _, policy := range policies {
		if applyNormalizePolicy(row, policy) {
			changed = true
		}
		encoded, err := json.Marshal(row)
		if err != nil {
			return "", false, fmt.Errorf("marshal normalized row: %w", err)
		}
		if len(encoded) <= maxBytes {
			return string(encoded), changed, nil
		}
	}

	// Final fallback for pathological rows: keep very small payload on the noisiest fields.
	final := normalizePolicy{keepMessages: 4, messageChars: 200, fieldChars: 512}
	if applyNormalizePolicy(row, final) {
		changed = true
	}
	encoded, err := json.Marshal(row)
	if err != nil {
		return "", false, fmt.Errorf("marshal final normalized row: %w", err)
	}
	if len(encoded) > maxBytes {
		rowID, _ := row["id"].(string)
		return "", false, fmt.Errorf("row remains oversized after normalization (id=%q, bytes=%d, max=%d)", rowID, len(encoded), maxBytes)
	}
	return string(encoded), changed, nil
}

func applyNormalizePolicy(row map[string]any, policy normalizePolicy) bool {
	changed := false
	if normalizeRolloutMessages(row, policy.keepMessages, policy.messageChars) {
		changed = true
	}

	for _, field := range []string{"prompt", "reasoning", "output", "summary"} {
		value, ok := row[field]
		if !ok {
			continue
		}
		s, ok := value.(string)
		if !ok {
			continue
		}
		truncated := truncateText(s, policy.fieldChars)
		if truncated != s {
			row[field] = truncated
			changed = true
		}
	}
	return changed
}

func normalizeRolloutMessages(row map[string]any, keepMessages, maxMessageChars int) bool {
	raw, ok := row["messages"]
	if !ok {
		return false
	}
	messages, ok := raw.([]any)
	if !ok {
		return false
	}

	changed := false
	if keepMessages >= 0 && len(messages) > keepMessages {
		messages = messages[len(messages)-keepMessages:]
		changed = true
	}

	for i, messageRaw := range messages {
		message, ok := messageRaw.(map[string]any)
		if !ok {
			continue
		}
		content, ok := message["content"].(string)
		if !ok {
			continue
		}
		truncated := truncateText(content, maxMessageChars)
		if truncated == content {
			continue
		}
		message["content"] = truncated
		messages[i] = message
		changed = true
	}

	if changed {
		row["messages"] = messages
	}
	return changed
}

func truncateText(s string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	suffix := []rune(truncatedSuffix)
	if len(suffix) >= maxChars {
		return string(suffix[:maxChars])
	}
	keep := maxChars - len(suffix)
	if keep < 1 {
		keep = 1
	}
	return string(runes[:keep]) + string(suffix)
}

func rolloutJSONLPath(stateDir string) string {
	return filepath.Join(strings.TrimSpace(stateDir), "rollout.jsonl")
}
