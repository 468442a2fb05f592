package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// providerEnvKeys lets a bare environment with a vendor key work without a config file.
var providerEnvKeys = []struct {
	provider string
	env      string
}{
	{"anthropic", "ANTHROPIC_API_KEY"},
	{"openai", "OPENAI_API_KEY"},
	{"gemini", "GEMINI_API_KEY"},
}

// Load reads the config file (JSON or YAML by extension), then overlays
// DQAGENT_* environment variables. A .env file next to the config file or in
// the working directory is loaded first and never overrides real env vars.
// A missing config file yields defaults.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to determine config path")
	}

	loadDotEnv(filepath.Join(filepath.Dir(configPath), ".env"), ".env")

	v := viper.New()
	v.SetEnvPrefix(strings.ToUpper(AppName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v, reflect.TypeOf(Config{}), "")

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		v.SetConfigType(configType(configPath))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if len(cfg.AI.Profiles) == 0 {
		cfg.AI.Profiles = profilesFromEnv()
	}

	if err := resolvePaths(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadDotEnv(paths ...string) {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

// bindEnvKeys registers every scalar leaf key so AutomaticEnv values reach
// Unmarshal even when the config file does not mention the key.
func bindEnvKeys(v *viper.Viper, t reflect.Type, prefix string) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		switch f.Type.Kind() {
		case reflect.Struct:
			bindEnvKeys(v, f.Type, key)
		case reflect.Slice, reflect.Map:
			// lists come from the file only
		default:
			_ = v.BindEnv(key)
		}
	}
}

func profilesFromEnv() []AIProfile {
	var profiles []AIProfile
	for i, p := range providerEnvKeys {
		if key := os.Getenv(p.env); key != "" {
			profiles = append(profiles, AIProfile{
				ID:       p.provider + "-env",
				Provider: p.provider,
				APIKey:   key,
				Priority: i,
			})
		}
	}
	return profiles
}

func resolvePaths(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, "."+AppName)
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, AppName+".log")
	}

	if cfg.Retrieval.IndexPath == "" {
		name := "tools.db"
		if cfg.Retrieval.Backend == "hnsw" {
			name = "tools.hnsw"
		}
		cfg.Retrieval.IndexPath = name
	}

	cfg.Retrieval.IndexPath = underDataDir(cfg.DataDir, cfg.Retrieval.IndexPath)
	cfg.Retrieval.KnowledgeBase = underDataDir(cfg.DataDir, cfg.Retrieval.KnowledgeBase)
	cfg.Dataset.Path = underDataDir(cfg.DataDir, cfg.Dataset.Path)
	if cfg.Schedule.StorePath == "" {
		cfg.Schedule.StorePath = "schedules.json"
	}
	cfg.Schedule.StorePath = underDataDir(cfg.DataDir, cfg.Schedule.StorePath)
	return nil
}

func underDataDir(dataDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dataDir, p)
}

// Save writes cfg to the loader's path in the format implied by its extension.
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to determine config path")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Round-trip through JSON so keys follow the json tags in both formats.
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	var settings map[string]interface{}
	if err := json.Unmarshal(raw, &settings); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	v := viper.New()
	v.SetConfigType(configType(configPath))
	if err := v.MergeConfigMap(settings); err != nil {
		return fmt.Errorf("failed to prepare config: %w", err)
	}
	if err := v.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return os.Chmod(configPath, 0600)
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, "."+AppName, AppName+".json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
