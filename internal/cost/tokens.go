// Package cost estimates token usage and USD cost for pipeline job runs.
package cost

import (
	"regexp"
	"strconv"
)

// TokenUsage represents input and output token counts for a single job run.
type TokenUsage struct {
	Input  int
	Output int
}

var (
	// Runner transcripts often report tokens in this format at the end of output.
	tokenRe  = regexp.MustCompile(`Tokens: (\d+) input, (\d+) output`)
	inputRe  = regexp.MustCompile(`Input tokens: (\d+)`)
	outputRe = regexp.MustCompile(`Output tokens: (\d+)`)
)

// ExtractTokenUsage attempts to parse token counts from an executor's raw output.
// Fallback: estimate from prompt and output length if parsing fails.
func ExtractTokenUsage(output string, prompt string) TokenUsage {
	usage := TokenUsage{}

	if m := tokenRe.FindStringSubmatch(output); len(m) == 3 {
		usage.Input, _ = strconv.Atoi(m[1])
		usage.Output, _ = strconv.Atoi(m[2])
	} else {
		if m := inputRe.FindStringSubmatch(output); len(m) == 2 {
			usage.Input, _ = strconv.Atoi(m[1])
		}
		if m := outputRe.FindStringSubmatch(output); len(m) == 2 {
			usage.Output, _ = strconv.Atoi(m[1])
		}
	}

	if usage.Input == 0 {
		usage.Input = estimateTokens(prompt)
	}
	if usage.Output == 0 {
		usage.Output = estimateTokens(output)
	}

	return usage
}

// estimateTokens provides a rough estimate of token count (approx 4 chars per token).
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	tokens := len(text) / 4
	if tokens == 0 && len(text) > 0 {
		return 1
	}
	return tokens
}

// CalculateCost calculates total cost in USD based on token counts and per-million-token pricing.
func CalculateCost(usage TokenUsage, inputPriceMtok, outputPriceMtok float64) float64 {
	inputCost := (float64(usage.Input) / 1000000.0) * inputPriceMtok
	outputCost := (float64(usage.Output) / 1000000.0) * outputPriceMtok
	return inputCost + outputCost
}

// EstimateJobCost looks up per-model pricing maps (as configured in
// config.Cost) and calculates the cost of a single job's token usage. Unknown
// models return 0 rather than erroring, since cost accounting is advisory.
func EstimateJobCost(usage TokenUsage, model string, inputPriceByModel, outputPriceByModel map[string]float64) float64 {
	return CalculateCost(usage, inputPriceByModel[model], outputPriceByModel[model])
}
