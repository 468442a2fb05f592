package cli

import (
	"fmt"
	"os"

	"github.com/harun/dqagent/internal/config"
	"github.com/spf13/cobra"
)

var (
	initProvider  string
	initAPIKey    string
	initModel     string
	initBaseURL   string
	initDataset   string
	initEmbedding string
	initBackend   string
	initForce     bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter configuration file",
	Long: `Write a configuration file with default settings to the --config path
(default $HOME/.dqagent/dqagent.json). Pass --api-key to add an AI profile;
without one, planning picks up ANTHROPIC_API_KEY, OPENAI_API_KEY or
GEMINI_API_KEY from the environment at run time.`,
	Example: `  dqagent init --provider anthropic --api-key sk-ant-... --dataset customers.csv
  dqagent --config ./dqagent.yaml init --embedding ollama`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initProvider, "provider", "anthropic", "AI provider (anthropic, openai, gemini)")
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "API key for the AI provider")
	initCmd.Flags().StringVar(&initModel, "model", "", "model name (provider default when empty)")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "base URL for OpenAI-compatible endpoints")
	initCmd.Flags().StringVar(&initDataset, "dataset", "", "CSV dataset the checks run against")
	initCmd.Flags().StringVar(&initEmbedding, "embedding", "", "embedding provider (openai, gemini, ollama, hash)")
	initCmd.Flags().StringVar(&initBackend, "backend", "", "retrieval index backend (sqlite, hnsw)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	path := loader.GetConfigPath()
	if path == "" {
		return fmt.Errorf("failed to determine config path")
	}
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
	}

	cfg := config.DefaultConfig()
	if initAPIKey != "" {
		cfg.AI.Profiles = []config.AIProfile{{
			ID:       initProvider + "-default",
			Provider: initProvider,
			APIKey:   initAPIKey,
			Model:    initModel,
			BaseURL:  initBaseURL,
		}}
	}
	if initDataset != "" {
		cfg.Dataset.Path = initDataset
	}
	if initEmbedding != "" {
		cfg.Embedding.Provider = initEmbedding
	}
	if initBackend != "" {
		cfg.Retrieval.Backend = initBackend
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	if errs := config.NewValidator().ValidateConfig(cfg); len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errs[0])
	}

	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration saved to: %s\n", path)
	if len(cfg.AI.Profiles) == 0 {
		fmt.Fprintln(out, "No AI profile configured; set an API key in the environment before planning.")
	}
	fmt.Fprintln(out, "Build the tool index with: dqagent ingest")
	return nil
}
