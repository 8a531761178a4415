package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `
roster:
  path: /etc/mfleet/roster.json
coordinator:
  url: http://localhost:3000
indexer:
  url: http://localhost:8000/subgraphs/name/missions
ledger:
  url: http://localhost:8545
schedule:
  poll_interval: 45s
execution:
  providers:
    - name: primary
      kind: openai
      base_url: https://api.openai.com/v1
    - name: local
      kind: ollama
      base_url: http://localhost:11434
`

func writeConfig(t *testing.T, body, secrets string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	if secrets != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "secrets.env"), []byte(secrets), 0o600))
	}
	return path
}

func TestLoadConfigMergesSecretsAndDefaults(t *testing.T) {
	t.Setenv(SecretSeed, "")
	t.Setenv(SecretFunderKey, "")
	t.Setenv(SecretOpenAIKey, "sk-from-env")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	path := writeConfig(t, minimalConfig, "# fleet secrets\nMFLEET_SEED=\"correct horse\"\nexport MFLEET_FUNDER_KEY=abcd\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "correct horse", cfg.Seed)
	assert.Equal(t, "abcd", cfg.Funding.SourceKey)
	assert.Equal(t, "sk-from-env", cfg.Execution.Providers[0].APIKey)
	assert.Empty(t, cfg.Execution.Providers[1].APIKey)

	assert.Equal(t, 45*time.Second, cfg.Schedule.PollInterval)
	assert.Equal(t, 60*time.Second, cfg.Schedule.HeartbeatInterval)
	assert.Equal(t, 10, cfg.Schedule.HeartbeatBatch)
	assert.Equal(t, 4, cfg.Schedule.GuildJoinParallel)
	assert.Equal(t, 0.0005, cfg.Funding.Threshold)
	assert.Equal(t, 15, cfg.Ledger.TimeoutSeconds)
	assert.Equal(t, filepath.Join(cfg.StateDir, "journal.db"), cfg.Journal.Path)
	assert.True(t, cfg.JournalEnabled())
}

func TestLoadConfigRequiresSeed(t *testing.T) {
	t.Setenv(SecretSeed, "")
	path := writeConfig(t, minimalConfig, "")

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), SecretSeed)
}

func TestLoadConfigRejectsBadProvider(t *testing.T) {
	t.Setenv(SecretSeed, "seed")
	path := writeConfig(t, minimalConfig+"    - name: broken\n      kind: openai\n", "")

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadSecretsEnvMissingFile(t *testing.T) {
	secrets, err := LoadSecretsEnv(filepath.Join(t.TempDir(), "secrets.env"))
	require.NoError(t, err)
	assert.Empty(t, secrets)
}

func TestLoadConfigKeepsExplicitZeroRetries(t *testing.T) {
	t.Setenv(SecretSeed, "seed")
	path := writeConfig(t, `
roster:
  path: roster.json
coordinator:
  url: http://localhost:3000
  retries: 5
indexer:
  url: http://localhost:8000
ledger:
  url: http://localhost:8545
  retries: 0
`, "")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Ledger.RetryCount())
	assert.Equal(t, 5, cfg.Coordinator.RetryCount())
	assert.Equal(t, 2, cfg.Indexer.RetryCount())
}

func TestLoadConfigRejectsNegativeRetries(t *testing.T) {
	t.Setenv(SecretSeed, "seed")
	path := writeConfig(t, `
roster:
  path: roster.json
coordinator:
  url: http://localhost:3000
indexer:
  url: http://localhost:8000
  retries: -1
ledger:
  url: http://localhost:8545
`, "")

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "indexer.retries")
}
