// Package cost prices LLM usage and keeps the per-call accounting that
// run summaries and live cost events are built from.
package cost

import "strings"

// ModelPricing is USD per one million tokens, split by direction.
type ModelPricing struct {
	InputPerM  float64
	OutputPerM float64
}

// pricingTable maps model name to price. Unknown models fall back to
// defaultPricing so every call is priced, if imprecisely.
var pricingTable = map[string]ModelPricing{
	// Groq
	"llama-3.3-70b-versatile": {InputPerM: 0.59, OutputPerM: 0.79},
	"llama-3.1-8b-instant":    {InputPerM: 0.05, OutputPerM: 0.08},
	"mixtral-8x7b-32768":      {InputPerM: 0.24, OutputPerM: 0.24},

	// OpenAI
	"gpt-4o":      {InputPerM: 2.50, OutputPerM: 10.00},
	"gpt-4o-mini": {InputPerM: 0.15, OutputPerM: 0.60},
	"gpt-4-turbo": {InputPerM: 10.00, OutputPerM: 30.00},

	// Anthropic
	"claude-3-5-sonnet": {InputPerM: 3.00, OutputPerM: 15.00},
	"claude-3-haiku":    {InputPerM: 0.25, OutputPerM: 1.25},
}

var defaultPricing = ModelPricing{InputPerM: 1.00, OutputPerM: 3.00}

// Pricing returns the model's price entry. Lookup tolerates versioned
// names by falling back to the longest table key the model name starts
// with.
func Pricing(model string) ModelPricing {
	if p, ok := pricingTable[model]; ok {
		return p
	}
	bestLen := 0
	best := defaultPricing
	for name, p := range pricingTable {
		if strings.HasPrefix(model, name) && len(name) > bestLen {
			bestLen = len(name)
			best = p
		}
	}
	return best
}

// Estimate prices a call in USD.
func Estimate(model string, tokensIn, tokensOut int) float64 {
	p := Pricing(model)
	return float64(tokensIn)/1e6*p.InputPerM + float64(tokensOut)/1e6*p.OutputPerM
}
