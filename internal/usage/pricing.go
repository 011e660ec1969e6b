package usage

import "strings"

// ModelPricing holds per-million-token prices in USD.
type ModelPricing struct {
	InputPerM       float64
	OutputPerM      float64
	CacheCreatePerM float64
	CacheReadPerM   float64
}

// Prices by model prefix. Longest matching prefix wins so versioned model
// names (gemini-2.0-flash-001) resolve to their family.
var modelPricing = map[string]ModelPricing{
	"gemini-2.5-pro":   {InputPerM: 1.25, OutputPerM: 10.00, CacheCreatePerM: 1.625, CacheReadPerM: 0.31},
	"gemini-2.5-flash": {InputPerM: 0.30, OutputPerM: 2.50, CacheCreatePerM: 0.3833, CacheReadPerM: 0.075},
	"gemini-2.0-flash": {InputPerM: 0.10, OutputPerM: 0.40, CacheCreatePerM: 0.125, CacheReadPerM: 0.025},
	"gemini-1.5-pro":   {InputPerM: 1.25, OutputPerM: 5.00, CacheCreatePerM: 1.625, CacheReadPerM: 0.3125},
	"gemini-1.5-flash": {InputPerM: 0.075, OutputPerM: 0.30, CacheCreatePerM: 0.09375, CacheReadPerM: 0.01875},
}

// defaultPricing is used for unknown models; priced like the mid-tier so
// budget projections stay conservative rather than zero.
var defaultPricing = ModelPricing{InputPerM: 0.30, OutputPerM: 2.50, CacheCreatePerM: 0.3833, CacheReadPerM: 0.075}

// PricingFor resolves pricing for a model name.
func PricingFor(model string) ModelPricing {
	best := ""
	for prefix := range modelPricing {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return defaultPricing
	}
	return modelPricing[best]
}
