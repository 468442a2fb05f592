package config

import (
	"encoding/json"
	"fmt"
)

const (
	// AppName names the data directory, config file and env prefix.
	AppName = "dqagent"

	DefaultPolicyRequirement = "Company policy mandates that any feature used in modeling must have less than " +
		"5% missing data before training. If missingness exceeds this limit, advanced " +
		"imputation or data augmentation techniques must be applied to maintain " +
		"statistical integrity and prevent bias."

	DefaultPreviousActions = "Previously, simple mean and mode imputations were applied to address missing values. " +
		"While this reduced some gaps, it did not consistently bring missingness below the " +
		"policy threshold. Distributional drift was also observed in the 'income' variable."
)

// Config represents the main dqagent configuration
type Config struct {
	AI        AIConfig        `json:"ai" mapstructure:"ai"`
	LLM       LLMConfig       `json:"llm" mapstructure:"llm"`
	Embedding EmbeddingConfig `json:"embedding" mapstructure:"embedding"`
	Retrieval RetrievalConfig `json:"retrieval" mapstructure:"retrieval"`
	Dataset   DatasetConfig   `json:"dataset" mapstructure:"dataset"`
	Policy    PolicyConfig    `json:"policy" mapstructure:"policy"`
	Executor  ExecutorConfig  `json:"executor" mapstructure:"executor"`
	Gateway   GatewayConfig   `json:"gateway" mapstructure:"gateway"`
	Schedule  ScheduleConfig  `json:"schedule" mapstructure:"schedule"`
	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`

	// Data directory for the index, logs and the default dataset location.
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile represents an AI provider profile
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai, gemini
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Model    string `json:"model" mapstructure:"model"`
	BaseURL  string `json:"base_url,omitempty" mapstructure:"base_url"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// LLMConfig tunes calls to the language model.
type LLMConfig struct {
	Temperature   float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens     int     `json:"max_tokens" mapstructure:"max_tokens"`
	MaxRetries    int     `json:"max_retries" mapstructure:"max_retries"`       // transport retries per profile
	SchemaRetries int     `json:"schema_retries" mapstructure:"schema_retries"` // extra attempts after invalid structured output
	Timeout       int     `json:"timeout" mapstructure:"timeout"`               // seconds per call
}

// EmbeddingConfig selects the embedding provider used for retrieval.
type EmbeddingConfig struct {
	Provider  string `json:"provider" mapstructure:"provider"` // openai, gemini, ollama, hash
	Model     string `json:"model" mapstructure:"model"`
	Dimension int    `json:"dimension" mapstructure:"dimension"`
	APIKey    string `json:"api_key" mapstructure:"api_key"`
	Endpoint  string `json:"endpoint" mapstructure:"endpoint"`
}

// RetrievalConfig controls the tool index.
type RetrievalConfig struct {
	Backend       string `json:"backend" mapstructure:"backend"` // sqlite, hnsw
	IndexPath     string `json:"index_path" mapstructure:"index_path"`
	TopK          int    `json:"top_k" mapstructure:"top_k"`
	KnowledgeBase string `json:"knowledge_base" mapstructure:"knowledge_base"` // empty uses the bundled corpus
}

// DatasetConfig points at the CSV the checks run against.
type DatasetConfig struct {
	Path  string `json:"path" mapstructure:"path"`
	Cache bool   `json:"cache" mapstructure:"cache"`
}

// PolicyConfig holds the narratives used when reviewing check output.
type PolicyConfig struct {
	Requirement     string `json:"requirement" mapstructure:"requirement"`
	PreviousActions string `json:"previous_actions" mapstructure:"previous_actions"`
}

// ExecutorConfig controls plan execution.
type ExecutorConfig struct {
	StepPolicy   string `json:"step_policy" mapstructure:"step_policy"`     // first, all
	CheckTimeout int    `json:"check_timeout" mapstructure:"check_timeout"` // seconds
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port         int    `json:"port" mapstructure:"port"`
	Host         string `json:"host" mapstructure:"host"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
	SessionTTL   int    `json:"session_ttl" mapstructure:"session_ttl"` // minutes of inactivity before a session is dropped
}

// ScheduleConfig controls recurring checks run by the served daemon.
type ScheduleConfig struct {
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
	StorePath string `json:"store_path" mapstructure:"store_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		AI: AIConfig{
			Profiles: []AIProfile{},
		},
		LLM: LLMConfig{
			Temperature:   0,
			MaxTokens:     2048,
			MaxRetries:    3,
			SchemaRetries: 2,
			Timeout:       120,
		},
		Embedding: EmbeddingConfig{
			Provider:  "hash",
			Dimension: 384,
		},
		Retrieval: RetrievalConfig{
			Backend: "sqlite",
			TopK:    4,
		},
		Dataset: DatasetConfig{
			Cache: true,
		},
		Policy: PolicyConfig{
			Requirement:     DefaultPolicyRequirement,
			PreviousActions: DefaultPreviousActions,
		},
		Executor: ExecutorConfig{
			StepPolicy:   "first",
			CheckTimeout: 60,
		},
		Gateway: GatewayConfig{
			Port:       8080,
			Host:       "127.0.0.1",
			SessionTTL: 60,
		},
		Schedule: ScheduleConfig{
			Enabled:   true,
			StorePath: "schedules.json",
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   50,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
			Console:   true,
			Pretty:    true,
		},
	}
}

// String returns a JSON representation of the config with secrets masked.
func (c *Config) String() string {
	masked := *c
	masked.AI.Profiles = make([]AIProfile, len(c.AI.Profiles))
	for i, p := range c.AI.Profiles {
		p.APIKey = maskSecret(p.APIKey)
		masked.AI.Profiles[i] = p
	}
	masked.Embedding.APIKey = maskSecret(c.Embedding.APIKey)
	masked.Gateway.SharedSecret = maskSecret(c.Gateway.SharedSecret)

	data, _ := json.MarshalIndent(&masked, "", "  ")
	return string(data)
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

// Validate checks if the configuration is valid. Planning needs at least one AI profile.
func (c *Config) Validate() error {
	if len(c.AI.Profiles) == 0 {
		return fmt.Errorf("no AI credentials configured: at least one AI profile is required")
	}

	if errs := NewValidator().ValidateConfig(c); len(errs) > 0 {
		return errs[0]
	}
	return nil
}
