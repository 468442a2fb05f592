package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/harun/dqagent/internal/config"
	"github.com/harun/dqagent/internal/daemon"
	"github.com/harun/dqagent/pkg/agent"
	"github.com/harun/dqagent/pkg/executor"
	"github.com/harun/dqagent/pkg/planner"
	"github.com/harun/dqagent/pkg/toolexecutor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoStepPlan = `{
	"query": "check missing values and duplicates",
	"intent": "completeness audit",
	"steps": [
		{"tool_name": "tool:check_missing", "rationale": "policy threshold", "inputs": {}},
		{"tool_name": "check_duplicates", "rationale": "unique ids", "inputs": {"id_col": "id"}}
	],
	"confidence": 0.8
}`

type cannedModel struct {
	plan   string
	review string
}

func (m cannedModel) CompleteStructured(_ context.Context, _, _ string, _ *agent.Schema, out interface{}) error {
	return json.Unmarshal([]byte(m.plan), out)
}

func (m cannedModel) CompleteText(_ context.Context, _, _ string) (string, error) {
	return m.review, nil
}

// setupWorkspace writes a config file and dataset into a temp dir and installs
// a canned language model for the daemons the commands build.
func setupWorkspace(t *testing.T) (configFile, dataDir string) {
	t.Helper()
	dataDir = t.TempDir()

	csvPath := filepath.Join(dataDir, "customers.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("id,age,income\n1,34,52000\n1,,61000\n3,29,48000\n"), 0644))

	configFile = filepath.Join(dataDir, "dqagent.json")
	raw := fmt.Sprintf(`{
		"data_dir": %q,
		"dataset": {"path": %q, "cache": false},
		"logging": {"level": "error", "console": false}
	}`, dataDir, csvPath)
	require.NoError(t, os.WriteFile(configFile, []byte(raw), 0600))

	previous := daemonOptions
	daemonOptions = []daemon.Option{
		daemon.WithLanguageModel(cannedModel{plan: twoStepPlan, review: "Income is complete; age misses one value."}),
	}
	t.Cleanup(func() { daemonOptions = previous })
	return configFile, dataDir
}

func TestIngestCommand(t *testing.T) {
	configFile, dataDir := setupWorkspace(t)

	output, err := executeCommand(t, "--config", configFile, "ingest")
	require.NoError(t, err)
	assert.Contains(t, output, "Indexed 4 tool descriptors")
	assert.FileExists(t, filepath.Join(dataDir, "tools.db"))

	_, err = executeCommand(t, "--config", configFile, "ingest", "--knowledge-base", filepath.Join(dataDir, "absent.txt"))
	assert.Error(t, err)
}

func TestToolsCommand(t *testing.T) {
	configFile, _ := setupWorkspace(t)

	t.Run("text", func(t *testing.T) {
		output, err := executeCommand(t, "--config", configFile, "tools")
		require.NoError(t, err)
		assert.Contains(t, output, "check_missing")
		assert.Contains(t, output, "tool:check_outliers")
		assert.Contains(t, output, "--method")
	})

	t.Run("json", func(t *testing.T) {
		output, err := executeCommand(t, "--config", configFile, "tools", "--format", "json")
		require.NoError(t, err)

		var tools []toolexecutor.ToolInfo
		require.NoError(t, json.Unmarshal([]byte(output), &tools))
		assert.Len(t, tools, 4)
	})

	t.Run("unknown format", func(t *testing.T) {
		_, err := executeCommand(t, "--config", configFile, "tools", "--format", "xml")
		assert.Error(t, err)
	})
}

func TestPlanCommand(t *testing.T) {
	configFile, _ := setupWorkspace(t)

	t.Run("text", func(t *testing.T) {
		output, err := executeCommand(t, "--config", configFile, "plan", "check", "missing", "values")
		require.NoError(t, err)
		assert.Contains(t, output, "tool:check_missing")
		assert.Contains(t, output, "check_duplicates")
	})

	t.Run("json", func(t *testing.T) {
		output, err := executeCommand(t, "--config", configFile, "plan", "-f", "json", "check missing values")
		require.NoError(t, err)

		var plan planner.ActionPlan
		require.NoError(t, json.Unmarshal([]byte(output), &plan))
		assert.Equal(t, []string{"tool:check_missing", "check_duplicates"}, plan.ToolNames())
	})

	t.Run("yaml", func(t *testing.T) {
		output, err := executeCommand(t, "--config", configFile, "plan", "--format", "yaml", "check missing values")
		require.NoError(t, err)
		assert.Contains(t, output, "tool_name: tool:check_missing")
		assert.Contains(t, output, "id_col: id")
	})

	t.Run("query required", func(t *testing.T) {
		_, err := executeCommand(t, "--config", configFile, "plan")
		assert.Error(t, err)
	})
}

func TestRunCommand(t *testing.T) {
	configFile, dataDir := setupWorkspace(t)

	t.Run("first step policy", func(t *testing.T) {
		output, err := executeCommand(t, "--config", configFile, "run", "check missing values")
		require.NoError(t, err)
		assert.Contains(t, output, "Run #1")
		assert.Contains(t, output, "Review:")
		assert.Contains(t, output, "age misses one value")
		assert.Contains(t, output, "Not run")
	})

	t.Run("all steps as json", func(t *testing.T) {
		output, err := executeCommand(t, "--config", configFile, "run", "--policy", "all", "--format", "json", "check everything")
		require.NoError(t, err)

		var result executor.Result
		require.NoError(t, json.Unmarshal([]byte(output), &result))
		assert.Equal(t, executor.StepPolicyAll, result.StepPolicy)
		assert.Len(t, result.Records, 2)
		assert.Empty(t, result.Deferred)
	})

	t.Run("dataset override", func(t *testing.T) {
		_, err := executeCommand(t, "--config", configFile, "run", "--dataset", filepath.Join(dataDir, "absent.csv"), "check missing values")
		assert.Error(t, err)
	})

	t.Run("invalid policy", func(t *testing.T) {
		_, err := executeCommand(t, "--config", configFile, "run", "--policy", "random", "check missing values")
		assert.Error(t, err)
	})
}

func TestRunWithoutLanguageModel(t *testing.T) {
	configFile, _ := setupWorkspace(t)
	daemonOptions = nil
	for _, env := range []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "GEMINI_API_KEY"} {
		t.Setenv(env, "")
	}

	_, err := executeCommand(t, "--config", configFile, "run", "check missing values")
	assert.ErrorIs(t, err, daemon.ErrNoLanguageModel)
}

func TestStatusCommand(t *testing.T) {
	configFile, dataDir := setupWorkspace(t)

	t.Run("text before ingest", func(t *testing.T) {
		output, err := executeCommand(t, "--config", configFile, "status")
		require.NoError(t, err)
		assert.Contains(t, output, "Status: stopped")
		assert.Contains(t, output, "not built")
		assert.Contains(t, output, "Tools: 4")
	})

	t.Run("json after ingest", func(t *testing.T) {
		_, err := executeCommand(t, "--config", configFile, "ingest")
		require.NoError(t, err)

		output, err := executeCommand(t, "--config", configFile, "status", "--format", "json")
		require.NoError(t, err)

		var report StatusReport
		require.NoError(t, json.Unmarshal([]byte(output), &report))
		assert.False(t, report.Running)
		assert.Equal(t, dataDir, report.DataDir)
		assert.Equal(t, configFile, report.Config)
		assert.True(t, report.Daemon.Index.Built)
		assert.Equal(t, 4, report.Daemon.Index.Entries)
		assert.True(t, report.Daemon.Planning)
	})
}

func TestStopCommand(t *testing.T) {
	configFile, dataDir := setupWorkspace(t)

	t.Run("help text", func(t *testing.T) {
		output, err := executeCommand(t, "stop", "--help")
		require.NoError(t, err)
		assert.Contains(t, output, "Stop the dqagent gateway daemon")
		assert.Contains(t, output, "timeout")
	})

	t.Run("not running", func(t *testing.T) {
		output, err := executeCommand(t, "--config", configFile, "stop")
		require.NoError(t, err)
		assert.Contains(t, output, "Daemon is not running")
	})

	t.Run("stale PID file", func(t *testing.T) {
		require.NoError(t, os.WriteFile(daemon.PIDFilePath(dataDir), []byte("1073741824"), 0644))

		output, err := executeCommand(t, "--config", configFile, "stop")
		require.NoError(t, err)
		assert.Contains(t, output, "Removed stale PID file")
		assert.NoFileExists(t, daemon.PIDFilePath(dataDir))
	})
}

func TestInitCommand(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "dqagent.yaml")

	t.Run("writes defaults with a profile", func(t *testing.T) {
		output, err := executeCommand(t, "--config", configFile, "init",
			"--provider", "anthropic", "--api-key", "sk-ant-test", "--dataset", "customers.csv", "--backend", "hnsw")
		require.NoError(t, err)
		assert.Contains(t, output, "Configuration saved to: "+configFile)

		cfg, err := config.Load(configFile)
		require.NoError(t, err)
		require.Len(t, cfg.AI.Profiles, 1)
		assert.Equal(t, "anthropic", cfg.AI.Profiles[0].Provider)
		assert.Equal(t, "hnsw", cfg.Retrieval.Backend)
		assert.Equal(t, 4, cfg.Retrieval.TopK)
	})

	t.Run("refuses to overwrite", func(t *testing.T) {
		_, err := executeCommand(t, "--config", configFile, "init")
		assert.Error(t, err)
	})

	t.Run("force overwrites", func(t *testing.T) {
		output, err := executeCommand(t, "--config", configFile, "init", "--force")
		require.NoError(t, err)
		assert.Contains(t, output, "No AI profile configured")
	})

	t.Run("invalid key", func(t *testing.T) {
		_, err := executeCommand(t, "--config", filepath.Join(dir, "other.json"), "init", "--api-key", "not-a-key")
		assert.Error(t, err)
		assert.NoFileExists(t, filepath.Join(dir, "other.json"))
	})

	t.Run("invalid embedding provider", func(t *testing.T) {
		_, err := executeCommand(t, "--config", filepath.Join(dir, "other.json"), "init", "--embedding", "word2vec")
		assert.Error(t, err)
	})
}
