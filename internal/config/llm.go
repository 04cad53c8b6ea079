package config

// LLMConfig configures the LLM provider connection.
type LLMConfig struct {
	Provider string `yaml:"provider"` // anthropic, openai, gemini, xai
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"` // default model when no per-agent override applies
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// ModelsConfig selects models per agent role. BuilderTiers is ordered
// cheapest-first; escalation walks up the list.
type ModelsConfig struct {
	BuilderTiers []string `yaml:"builder_tiers"`
	Planner      string   `yaml:"planner"`
	Auditor      string   `yaml:"auditor"`
	DoctorCheap  string   `yaml:"doctor_cheap"`
	DoctorStrong string   `yaml:"doctor_strong"`
}

// DefaultModelsConfig returns the default model assignment.
func DefaultModelsConfig() ModelsConfig {
	return ModelsConfig{
		BuilderTiers: []string{
			"claude-3-5-haiku-20241022",
			"claude-sonnet-4-20250514",
			"claude-opus-4-20250514",
		},
		Planner:      "claude-sonnet-4-20250514",
		Auditor:      "claude-3-5-haiku-20241022",
		DoctorCheap:  "claude-3-5-haiku-20241022",
		DoctorStrong: "claude-opus-4-20250514",
	}
}

// BuilderModelForTier returns the builder model for an escalation tier,
// clamping past the top of the ladder.
func (m ModelsConfig) BuilderModelForTier(tier int) string {
	if len(m.BuilderTiers) == 0 {
		return ""
	}
	if tier < 0 {
		tier = 0
	}
	if tier >= len(m.BuilderTiers) {
		tier = len(m.BuilderTiers) - 1
	}
	return m.BuilderTiers[tier]
}

// MaxBuilderTier returns the highest escalation tier available.
func (m ModelsConfig) MaxBuilderTier() int {
	if len(m.BuilderTiers) == 0 {
		return 0
	}
	return len(m.BuilderTiers) - 1
}

// AgentProfile defines per-agent generation settings.
type AgentProfile struct {
	Model       string  `yaml:"model" json:"model"`
	Temperature float64 `yaml:"temperature" json:"temperature"`

	// Context limits
	MaxContextTokens int `yaml:"max_context_tokens" json:"max_context_tokens"`
	MaxOutputTokens  int `yaml:"max_output_tokens" json:"max_output_tokens"`

	// Execution limits
	MaxExecutionTimeSec int `yaml:"max_execution_time_sec" json:"max_execution_time_sec"`
}

// ApplyAgentDefaults fills in zero values with defaults.
func ApplyAgentDefaults(p AgentProfile) AgentProfile {
	if p.Temperature == 0 {
		p.Temperature = 0.2
	}
	if p.MaxContextTokens == 0 {
		p.MaxContextTokens = 100000
	}
	if p.MaxOutputTokens == 0 {
		p.MaxOutputTokens = 8000
	}
	if p.MaxExecutionTimeSec == 0 {
		p.MaxExecutionTimeSec = 300
	}
	return p
}
