package modelconfig

import "log/slog"

const (
	DefaultProvider      = "openai"
	DefaultPrimaryModel  = "gpt-4"
	DefaultFallbackModel = "gpt-3.5-turbo"
	DefaultTemperature   = 0.7
	DefaultMaxTokens     = 2000

	MinTemperature = 0.0
	MaxTemperature = 2.0
	MinMaxTokens   = 100
	MaxMaxTokens   = 4000
)

// DefaultSystemPrompt steers the assistant when no configuration is active.
const DefaultSystemPrompt = `You are an AI assistant that helps document business processes as structured standard operating procedures (SOPs).
Your goal is to ask clarifying questions until you understand:
1. The exact steps of the process
2. The time spent on each step
3. How often the task is performed
4. Problems, manual work or repetitive actions
5. Data privacy concerns (personal data, KVKK/GDPR compliance)
6. Automation potential

Be conversational but stay focused. Extract information that is actionable for process automation.`

// ModelConfig holds the provider parameters for one model invocation. It is
// passed by value into prompt building and gateway calls.
type ModelConfig struct {
	ID            string  `json:"id,omitempty"`
	Name          string  `json:"name,omitempty"`
	Provider      string  `json:"provider"`
	PrimaryModel  string  `json:"primary_model"`
	FallbackModel string  `json:"fallback_model"`
	SystemPrompt  string  `json:"system_prompt"`
	Temperature   float64 `json:"temperature"`
	MaxTokens     int     `json:"max_tokens"`
	APIKey        string  `json:"-"`
}

// Default returns the static configuration used when none is active.
func Default(apiKey string) ModelConfig {
	return ModelConfig{
		Name:          "default",
		Provider:      DefaultProvider,
		PrimaryModel:  DefaultPrimaryModel,
		FallbackModel: DefaultFallbackModel,
		SystemPrompt:  DefaultSystemPrompt,
		Temperature:   DefaultTemperature,
		MaxTokens:     DefaultMaxTokens,
		APIKey:        apiKey,
	}
}

// Normalize clamps temperature and token budget into their valid ranges and
// fills empty fields from d.
func (c ModelConfig) Normalize(d ModelConfig) ModelConfig {
	if c.Provider == "" {
		c.Provider = d.Provider
	}
	if c.PrimaryModel == "" {
		c.PrimaryModel = d.PrimaryModel
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = d.SystemPrompt
	}
	if c.APIKey == "" {
		c.APIKey = d.APIKey
	}
	c.Temperature = min(max(c.Temperature, MinTemperature), MaxTemperature)
	if c.MaxTokens == 0 {
		c.MaxTokens = d.MaxTokens
	}
	c.MaxTokens = min(max(c.MaxTokens, MinMaxTokens), MaxMaxTokens)
	return c
}

// LogValue keeps the API key out of logs.
func (c ModelConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", c.Name),
		slog.String("provider", c.Provider),
		slog.String("primary_model", c.PrimaryModel),
		slog.String("fallback_model", c.FallbackModel),
		slog.Float64("temperature", c.Temperature),
		slog.Int("max_tokens", c.MaxTokens),
		slog.Bool("api_key_set", c.APIKey != ""),
	)
}
