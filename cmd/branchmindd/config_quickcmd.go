package main

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

var (
	tableHeaderRe        = regexp.MustCompile(`^\s*\[([^\]]+)\]\s*$`)
	cmdAssignRe          = regexp.MustCompile(`^(\s*cmd\s*=\s*")([^"]*)(".*)$`)
	tickIntervalAssignRe = regexp.MustCompile(`^(\s*tick_interval\s*=\s*")([^"]*)(".*)$`)
	backendAssignRe      = regexp.MustCompile(`^(\s*)(scout_backend|builder_backend|validator_backend)(\s*=\s*")([^"]*)(".*)$`)
)

// disableClaudeCLIInConfigFile rewrites the config file in place, stripping
// every [dispatch.cli.*] table bound to a Claude CLI and pointing any
// [dispatch.routing] backend that names one at "headless_cli". It reports
// whether the file changed.
func disableClaudeCLIInConfigFile(path string) (bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("read config %s: %w", path, err)
	}

	updated, changed := disableClaudeCLIInConfigContent(string(raw))
	if !changed {
		return false, nil
	}

	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return false, fmt.Errorf("write config %s: %w", path, err)
	}
	return true, nil
}

func setTickIntervalInConfigFile(path, tickInterval string) (bool, error) {
	interval := strings.TrimSpace(tickInterval)
	if interval == "" {
		return false, fmt.Errorf("tick interval is required")
	}
	if _, err := time.ParseDuration(interval); err != nil {
		return false, fmt.Errorf("invalid tick interval %q: %w", interval, err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("read config %s: %w", path, err)
	}

	updated, changed, err := setTickIntervalInConfigContent(string(raw), interval)
	if err != nil {
		return false, fmt.Errorf("update tick interval in %s: %w", path, err)
	}
	if !changed {
		return false, nil
	}

	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return false, fmt.Errorf("write config %s: %w", path, err)
	}
	return true, nil
}

func setTickIntervalInConfigContent(input, tickInterval string) (output string, changed bool, err error) {
	interval := strings.TrimSpace(tickInterval)
	if interval == "" {
		return input, false, fmt.Errorf("tick interval is required")
	}
	if _, parseErr := time.ParseDuration(interval); parseErr != nil {
		return input, false, fmt.Errorf("invalid tick interval %q: %w", interval, parseErr)
	}
	if strings.TrimSpace(input) == "" {
		return input, false, fmt.Errorf("config content is empty")
	}

	lines := strings.Split(input, "\n")
	currentTable := ""
	changed = false
	found := false

	for i, line := range lines {
		if header, ok := parseTableHeader(line); ok {
			currentTable = strings.ToLower(strings.TrimSpace(header))
		}
		if currentTable != "general" {
			continue
		}
		m := tickIntervalAssignRe.FindStringSubmatch(line)
		if len(m) != 4 {
			continue
		}
		found = true
		updated := m[1] + interval + m[3]
		if updated != line {
			lines[i] = updated
			changed = true
		}
	}

	if !found {
		return input, false, fmt.Errorf("[general] tick_interval not found")
	}

	output = strings.Join(lines, "\n")
	if strings.HasSuffix(input, "\n") && !strings.HasSuffix(output, "\n") {
		output += "\n"
	}

	return output, changed, nil
}

func disableClaudeCLIInConfigContent(input string) (string, bool) {
	if strings.TrimSpace(input) == "" {
		return input, false
	}

	lines := strings.Split(input, "\n")
	skip := make([]bool, len(lines))
	changed := false

	type tableBlock struct {
		header string
		start  int
		end    int // exclusive
	}

	var blocks []tableBlock
	for i := 0; i < len(lines); i++ {
		header, ok := parseTableHeader(lines[i])
		if !ok {
			continue
		}
		end := len(lines)
		for j := i + 1; j < len(lines); j++ {
			if _, nextIsHeader := parseTableHeader(lines[j]); nextIsHeader {
				end = j
				break
			}
		}
		blocks = append(blocks, tableBlock{
			header: header,
			start:  i,
			end:    end,
		})
	}

	for _, block := range blocks {
		if shouldRemoveCLITable(block.header, lines[block.start:block.end]) {
			for i := block.start; i < block.end; i++ {
				skip[i] = true
			}
			changed = true
		}
	}

	currentTable := ""
	outLines := make([]string, 0, len(lines))
	for i, line := range lines {
		if skip[i] {
			continue
		}

		if header, ok := parseTableHeader(line); ok {
			currentTable = strings.ToLower(strings.TrimSpace(header))
		}

		updated := line
		if currentTable == "dispatch.routing" {
			rewritten := rewriteClaudeRoutingLine(updated)
			if rewritten != updated {
				updated = rewritten
				changed = true
			}
		}

		outLines = append(outLines, updated)
	}

	// Collapse only oversized blank runs to keep file readable after table removals.
	outLines = collapseBlankRuns(outLines, 2)

	output := strings.Join(outLines, "\n")
	if strings.HasSuffix(input, "\n") && !strings.HasSuffix(output, "\n") {
		output += "\n"
	}

	return output, changed
}

func parseTableHeader(line string) (string, bool) {
	m := tableHeaderRe.FindStringSubmatch(line)
	if len(m) != 2 {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

func shouldRemoveCLITable(header string, blockLines []string) bool {
	lowerHeader := strings.ToLower(strings.TrimSpace(header))
	if !strings.HasPrefix(lowerHeader, "dispatch.cli.") {
		return false
	}

	family := strings.TrimPrefix(lowerHeader, "dispatch.cli.")
	if looksClaude(family) {
		return true
	}

	for _, line := range blockLines {
		m := cmdAssignRe.FindStringSubmatch(line)
		if len(m) != 4 {
			continue
		}
		if looksClaude(m[2]) {
			return true
		}
	}
	return false
}

// rewriteClaudeRoutingLine leaves routing values alone unless someone
// pointed a backend key at a claude binary name instead of a backend name.
func rewriteClaudeRoutingLine(line string) string {
	m := backendAssignRe.FindStringSubmatch(line)
	if len(m) != 6 {
		return line
	}
	if !looksClaude(m[4]) {
		return line
	}
	return m[1] + m[2] + m[3] + "headless_cli" + m[5]
}

func looksClaude(value string) bool {
	lower := strings.ToLower(strings.TrimSpace(value))
	return strings.Contains(lower, "claude") || strings.Contains(lower, "anthropic")
}

func collapseBlankRuns(lines []string, maxRun int) []string {
	if maxRun < 1 {
		maxRun = 1
	}
	out := make([]string, 0, len(lines))
	blankRun := 0
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			blankRun++
			if blankRun > maxRun {
				continue
			}
		} else {
			blankRun = 0
		}
		out = append(out, line)
	}
	return out
}
