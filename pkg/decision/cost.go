package decision

import (
	"strings"
	"sync"

	"github.com/kadirpekel/gambit/pkg/llms"
)

// ModelPricing is per-1K-token pricing in USD.
type ModelPricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// pricingTable maps model name prefixes to pricing. Longest prefix wins.
var pricingTable = map[string]ModelPricing{
	"gpt-4o-mini":       {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-4o":            {InputPer1K: 0.0025, OutputPer1K: 0.01},
	"gpt-4.1-mini":      {InputPer1K: 0.0004, OutputPer1K: 0.0016},
	"gpt-4.1":           {InputPer1K: 0.002, OutputPer1K: 0.008},
	"claude-opus-4":     {InputPer1K: 0.015, OutputPer1K: 0.075},
	"claude-sonnet-4":   {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-5-haiku":  {InputPer1K: 0.0008, OutputPer1K: 0.004},
	"gemini-2.0-flash":  {InputPer1K: 0.0001, OutputPer1K: 0.0004},
	"gemini-2.5-flash":  {InputPer1K: 0.0003, OutputPer1K: 0.0025},
	"gemini-2.5-pro":    {InputPer1K: 0.00125, OutputPer1K: 0.01},
	"gemini-1.5-pro":    {InputPer1K: 0.00125, OutputPer1K: 0.005},
}

// defaultPricing covers models missing from the table; deliberately on the
// expensive side so unknown models are never under-billed.
var defaultPricing = ModelPricing{InputPer1K: 0.003, OutputPer1K: 0.015}

var pricingMu sync.RWMutex

// OverridePricing adds or replaces table entries. Config reload calls this,
// so access is synchronized with PricingFor.
func OverridePricing(overrides map[string]ModelPricing) {
	pricingMu.Lock()
	defer pricingMu.Unlock()
	for prefix, p := range overrides {
		pricingTable[strings.ToLower(prefix)] = p
	}
}

// PricingFor returns the pricing for a model name, matching the longest
// configured prefix.
func PricingFor(model string) ModelPricing {
	pricingMu.RLock()
	defer pricingMu.RUnlock()
	model = strings.ToLower(model)
	best := ""
	for prefix := range pricingTable {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return defaultPricing
	}
	return pricingTable[best]
}

// Cost computes the dollar cost of one call.
func Cost(model string, usage llms.Usage) float64 {
	p := PricingFor(model)
	return float64(usage.PromptTokens)/1000*p.InputPer1K +
		float64(usage.CompletionTokens)/1000*p.OutputPer1K
}
