package tracing

import "strings"

// costRate is USD per 1M tokens.
type costRate struct {
	input  float64
	output float64
}

// tokenCosts are estimates per provider tier. Flash/mini tiers are the
// defaults; pro/full tiers are matched on the model name.
var tokenCosts = map[string]costRate{
	"gemini":     {input: 0.075, output: 0.30},
	"gemini-pro": {input: 1.25, output: 5.00},
	"openai":     {input: 0.50, output: 1.50},
	"gpt-4o":     {input: 2.50, output: 10.00},
	"default":    {input: 0.50, output: 1.50},
}

// EstimateCost returns the estimated USD cost of one LLM call.
func EstimateCost(provider, model string, inputTokens, outputTokens int) float64 {
	key := strings.ToLower(provider)
	lowerModel := strings.ToLower(model)

	if strings.Contains(lowerModel, "pro") {
		key = key + "-pro"
	}
	if strings.Contains(lowerModel, "gpt-4o") && !strings.Contains(lowerModel, "mini") {
		key = "gpt-4o"
	}

	rate, ok := tokenCosts[key]
	if !ok {
		rate = tokenCosts["default"]
	}

	return (float64(inputTokens)*rate.input + float64(outputTokens)*rate.output) / 1_000_000
}
