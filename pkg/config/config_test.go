package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gambit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.KV.Backend)
	assert.Equal(t, "fs", cfg.Blob.Backend)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
kv:
  backend: sql
  dialect: sqlite3
  dsn: /tmp/test.db
loop:
  execute_inputs: true
  iteration_period: 5s
checkpoint:
  enabled: true
  interval: 50
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "sql", cfg.KV.Backend)
	assert.Equal(t, "/tmp/test.db", cfg.KV.DSN)
	assert.True(t, cfg.Loop.ExecuteInputs)
	assert.Equal(t, 5*time.Second, cfg.Loop.IterationPeriod)
	assert.Equal(t, 50, cfg.Checkpoint.Interval)
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("GAMBIT_TEST_KEY", "sk-secret")
	t.Setenv("GAMBIT_TEST_PORT", "")

	path := writeConfig(t, `
server:
  port: ${GAMBIT_TEST_PORT:-7070}
api_keys:
  openai: ${GAMBIT_TEST_KEY}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "sk-secret", cfg.APIKeys["openai"])
}

func TestAPIKeysFromEnvironment(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sk-ant", cfg.APIKeys["anthropic"])
}

func TestValidateRejectsUnknownBackends(t *testing.T) {
	_, err := Load(writeConfig(t, "kv:\n  backend: redis\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "blob:\n  backend: s3\n"))
	assert.Error(t, err)
}

func TestKVBuildMemory(t *testing.T) {
	cfg := KVConfig{}
	cfg.SetDefaults()
	store, err := cfg.Build()
	require.NoError(t, err)
	require.NotNil(t, store)
	require.NoError(t, store.Close())
}

func TestLoopCoordinatorDefaultsFromConstants(t *testing.T) {
	lc := LoopConfig{ExecuteInputs: true}
	cc := lc.Coordinator()
	cc.AgentID = "a"
	cc.Model = "openai/gpt-4o"
	cc.SetDefaults()
	assert.Equal(t, 3*time.Second, cc.IterationPeriod)
	assert.Equal(t, 8*time.Second, cc.CooldownDialogue)
	assert.True(t, cc.ExecuteInputs)
}
