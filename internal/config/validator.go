package config

import (
	"fmt"
	"slices"
	"strings"
)

var (
	validProviders          = []string{"anthropic", "openai", "gemini"}
	validEmbeddingProviders = []string{"openai", "gemini", "ollama", "hash"}
	validBackends           = []string{"sqlite", "hnsw"}
	validStepPolicies       = []string{"first", "all"}
	validLogLevels          = []string{"debug", "info", "warn", "error"}
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

func oneOf(field, value string, allowed []string) error {
	if slices.Contains(allowed, value) {
		return nil
	}
	return fmt.Errorf("invalid %s: %q (must be one of: %s)", field, value, strings.Join(allowed, ", "))
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateProfile checks one AI profile.
func (v *Validator) ValidateProfile(i int, p AIProfile) error {
	if p.ID == "" {
		return fmt.Errorf("AI profile %d: ID is required", i)
	}
	if p.Provider == "" {
		return fmt.Errorf("AI profile %s: provider is required", p.ID)
	}
	if err := oneOf("provider", p.Provider, validProviders); err != nil {
		return fmt.Errorf("AI profile %s: %w", p.ID, err)
	}
	if p.APIKey == "" {
		return fmt.Errorf("AI profile %s: api_key is required", p.ID)
	}
	if p.BaseURL == "" {
		// Keys for OpenAI-compatible gateways do not follow the vendor prefixes.
		if err := v.ValidateAPIKey(p.APIKey, p.Provider); err != nil {
			return fmt.Errorf("AI profile %s: %w", p.ID, err)
		}
	}
	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 1 {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	return oneOf("log level", level, validLogLevels)
}

// ValidateConfig reports every problem found, in section order.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	seen := make(map[string]bool)
	for i, p := range cfg.AI.Profiles {
		add(v.ValidateProfile(i, p))
		if p.ID != "" && seen[p.ID] {
			add(fmt.Errorf("AI profile %s: duplicate ID", p.ID))
		}
		seen[p.ID] = true
	}

	add(v.ValidateTemperature(cfg.LLM.Temperature))
	add(v.ValidateMaxTokens(cfg.LLM.MaxTokens))
	if cfg.LLM.MaxRetries < 0 {
		add(fmt.Errorf("llm.max_retries must be >= 0"))
	}
	if cfg.LLM.SchemaRetries < 0 {
		add(fmt.Errorf("llm.schema_retries must be >= 0"))
	}

	add(oneOf("embedding provider", cfg.Embedding.Provider, validEmbeddingProviders))
	if cfg.Embedding.Dimension <= 0 {
		add(fmt.Errorf("embedding.dimension must be positive, got %d", cfg.Embedding.Dimension))
	}

	add(oneOf("retrieval backend", cfg.Retrieval.Backend, validBackends))
	if cfg.Retrieval.TopK <= 0 {
		add(fmt.Errorf("retrieval.top_k must be positive, got %d", cfg.Retrieval.TopK))
	}

	add(oneOf("executor step policy", cfg.Executor.StepPolicy, validStepPolicies))
	if cfg.Executor.CheckTimeout < 0 {
		add(fmt.Errorf("executor.check_timeout must be >= 0"))
	}

	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		add(fmt.Errorf("gateway.port out of range: %d", cfg.Gateway.Port))
	}

	add(v.ValidateLogLevel(cfg.Logging.Level))

	return errs
}
