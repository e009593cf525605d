// Package llm wraps the LLM provider used for failure analysis.
package llm

// ModelTier selects a model by the depth of reasoning a call needs.
type ModelTier string

const (
	// TierFast is for short logs and classification-sized prompts.
	TierFast ModelTier = "fast"
	// TierDeep is for full root-cause analysis of long logs.
	TierDeep ModelTier = "deep"
)

// Provider represents an LLM provider
type Provider string

// ProviderGemini is the Google Gemini provider.
const ProviderGemini Provider = "gemini"

// Config holds the model configuration for the analyzer.
type Config struct {
	Provider    Provider
	Models      map[ModelTier]string
	Temperature float32
	// MaxOutputTokens caps each response; 0 leaves the provider default.
	MaxOutputTokens int32
	// SystemInstruction is sent with every request when non-empty.
	SystemInstruction string
}

// DefaultConfig returns the default Gemini configuration.
func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderGemini,
		Models: map[ModelTier]string{
			TierFast: "gemini-2.5-flash-lite",
			TierDeep: "gemini-2.5-flash",
		},
		Temperature:     0.1,
		MaxOutputTokens: 4096,
		SystemInstruction: "You diagnose failed CI runs. You answer with a single JSON object " +
			"and never with prose.",
	}
}

// GetModel returns the model name for a tier, falling back to the deep
// model. It returns "" when nothing is configured.
func (c *Config) GetModel(tier ModelTier) string {
	if model, ok := c.Models[tier]; ok && model != "" {
		return model
	}
	return c.Models[TierDeep]
}

// WithModel returns a copy of c with model assigned to tier.
func (c *Config) WithModel(tier ModelTier, model string) *Config {
	newConfig := &Config{
		Provider:          c.Provider,
		Models:            make(map[ModelTier]string, len(c.Models)+1),
		Temperature:       c.Temperature,
		MaxOutputTokens:   c.MaxOutputTokens,
		SystemInstruction: c.SystemInstruction,
	}
	for k, v := range c.Models {
		newConfig.Models[k] = v
	}
	newConfig.Models[tier] = model
	return newConfig
}
