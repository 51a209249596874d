package observer

// ModelPricing holds per-million-token pricing for a model.
type ModelPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// DefaultPricing contains Bedrock list pricing for the Claude model ids
// this runtime is configured against by default (internal/config.Default).
// Callers override or extend it through NewCostCalculator's overrides map.
var DefaultPricing = map[string]ModelPricing{
	"us.anthropic.claude-opus-4-6-v1":                  {15.00, 75.00},
	"us.anthropic.claude-sonnet-4-20250514-v1:0":       {3.00, 15.00},
	"us.anthropic.claude-haiku-4-5-20251001-v1:0":      {0.80, 4.00},
	"anthropic.claude-sonnet-4-5-20250929-v1:0":        {3.00, 15.00},
}

// CostCalculator computes USD cost from token counts.
type CostCalculator struct {
	pricing map[string]ModelPricing
}

// NewCostCalculator creates a calculator with default pricing, optionally merged with overrides.
func NewCostCalculator(overrides map[string]ModelPricing) *CostCalculator {
	merged := make(map[string]ModelPricing, len(DefaultPricing)+len(overrides))
	for k, v := range DefaultPricing {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return &CostCalculator{pricing: merged}
}

// Calculate returns the cost in USD for the given model and token counts.
// Returns 0.0 for unknown models.
func (c *CostCalculator) Calculate(model string, inputTokens, outputTokens int) float64 {
	p, ok := c.pricing[model]
	if !ok {
		return 0.0
	}
	return float64(inputTokens)/1_000_000*p.InputPerMillion +
		float64(outputTokens)/1_000_000*p.OutputPerMillion
}
