package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	want := Default()
	assert.Equal(t, want, cfg)
	assert.Empty(t, cfg.Path)
}

func TestLoadFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
[hub]
addr = ":9000"

[bus]
kind = "redis"
redis_addr = "redis:6379"

[worker]
profile = "tab-7"
ui = "bridge"
persona_role = "Judge"

[persona]
enabled = true
max_rounds = 4
max_judge_attempts = 3

[log]
level = "debug"
json = true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, ":9000", cfg.Hub.Addr)
	assert.Equal(t, "ws://127.0.0.1:8091/ws", cfg.Hub.URL)
	assert.Equal(t, BusRedis, cfg.Bus.Kind)
	assert.Equal(t, "redis:6379", cfg.Bus.RedisAddr)
	assert.Equal(t, 256, cfg.Bus.Buffer)
	assert.Equal(t, "tab-7", cfg.Worker.Profile)
	assert.Equal(t, UIBridge, cfg.Worker.UI)
	assert.Equal(t, "Judge", cfg.Worker.PersonaRole)
	assert.Equal(t, 120_000, cfg.Worker.ReplyTimeoutMS)
	assert.Equal(t, PersonaConfig{Enabled: true, MaxRounds: 4, MaxJudgeAttempts: 3}, cfg.Persona)
	assert.Equal(t, LogConfig{Level: "debug", JSON: true}, cfg.Log)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "[worker]\nprofile = \"from-file\"\n")
	t.Setenv("TABRELAY_WORKER_PROFILE", "from-env")
	t.Setenv("TABRELAY_PERSONA_ENABLED", "true")
	t.Setenv("TABRELAY_BUS_BUFFER", "not-a-number")
	t.Setenv("TABRELAY_STORE_PATH", "/tmp/x.db")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Worker.Profile)
	assert.True(t, cfg.Persona.Enabled)
	assert.Equal(t, 256, cfg.Bus.Buffer)
	assert.Equal(t, "/tmp/x.db", cfg.Store.Path)
}

func TestHubDefaultsToLoopbackAndReadsAccessSettings(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "127.0.0.1:8091", cfg.Hub.Addr)
	assert.Empty(t, cfg.Hub.Token)
	assert.Empty(t, cfg.Hub.AllowedOrigins)

	path := writeConfig(t, "[hub]\ntoken = \"from-file\"\nallowed_origins = [\"http://dash.local\"]\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Hub.Token)
	assert.Equal(t, []string{"http://dash.local"}, cfg.Hub.AllowedOrigins)

	t.Setenv("TABRELAY_HUB_TOKEN", "from-env")
	t.Setenv("TABRELAY_HUB_ORIGINS", "http://a.local, ,http://b.local")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Hub.Token)
	assert.Equal(t, []string{"http://a.local", "http://b.local"}, cfg.Hub.AllowedOrigins)
}

func TestConfigPathFromEnvironment(t *testing.T) {
	path := writeConfig(t, "[hub]\naddr = \":7000\"\n")
	t.Setenv("TABRELAY_CONFIG", path)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Hub.Addr)
}

func TestLoadRejectsBadFiles(t *testing.T) {
	cases := map[string]string{
		"syntax":         "[hub\naddr = 1",
		"bus kind":       "[bus]\nkind = \"kafka\"",
		"worker ui":      "[worker]\nui = \"selenium\"",
		"negative":       "[worker]\nreply_timeout_ms = -1",
		"sweep vs stale": "[orchestrator]\nstale_after_ms = 1000\nsweep_interval_ms = 5000",
		"buffer":         "[bus]\nbuffer = 0",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestMillis(t *testing.T) {
	assert.Equal(t, 1500*time.Millisecond, Millis(1500))
	assert.Zero(t, Millis(0))
}
