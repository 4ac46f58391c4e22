package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const (
	BusInproc = "inproc"
	BusRedis  = "redis"

	UIEcho   = "echo"
	UIBridge = "bridge"
)

type Config struct {
	Hub          HubConfig          `toml:"hub"`
	Bus          BusConfig          `toml:"bus"`
	Store        StoreConfig        `toml:"store"`
	Worker       WorkerConfig       `toml:"worker"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Persona      PersonaConfig      `toml:"persona"`
	Bridge       BridgeConfig       `toml:"bridge"`
	Log          LogConfig          `toml:"log"`
	Path         string             `toml:"-"`
}

// HubConfig is where the orchestrator listens and where workers dial it.
type HubConfig struct {
	Addr string `toml:"addr"`
	URL  string `toml:"url"`
	// Token is shared by the hub and every worker dialing it.
	Token          string   `toml:"token"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

type BusConfig struct {
	Kind          string `toml:"kind"`
	Buffer        int    `toml:"buffer"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	RedisPrefix   string `toml:"redis_prefix"`
}

type StoreConfig struct {
	Path string `toml:"path"`
}

type WorkerConfig struct {
	Profile             string `toml:"profile"`
	Label               string `toml:"label"`
	UI                  string `toml:"ui"`
	PersonaRole         string `toml:"persona_role"`
	HeartbeatIntervalMS int    `toml:"heartbeat_interval_ms"`
	ReplyTimeoutMS      int    `toml:"reply_timeout_ms"`
	ReloadDelayMS       int    `toml:"reload_delay_ms"`
}

type OrchestratorConfig struct {
	StaleAfterMS    int `toml:"stale_after_ms"`
	SweepIntervalMS int `toml:"sweep_interval_ms"`
	CallTimeoutMS   int `toml:"call_timeout_ms"`
}

type PersonaConfig struct {
	Enabled          bool `toml:"enabled"`
	MaxRounds        int  `toml:"max_rounds"`
	MaxJudgeAttempts int  `toml:"max_judge_attempts"`
}

type BridgeConfig struct {
	Addr      string `toml:"addr"`
	Token     string `toml:"token"`
	TimeoutMS int    `toml:"timeout_ms"`
}

type LogConfig struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
}

// Default returns the settings used when no file or environment says
// otherwise.
func Default() Config {
	return Config{
		Hub:   HubConfig{Addr: "127.0.0.1:8091", URL: "ws://127.0.0.1:8091/ws"},
		Bus:   BusConfig{Kind: BusInproc, Buffer: 256, RedisAddr: "127.0.0.1:6379", RedisPrefix: "tabrelay:"},
		Store: StoreConfig{Path: "data/tabrelay.db"},
		Worker: WorkerConfig{
			Profile:             "default",
			UI:                  UIEcho,
			PersonaRole:         "None",
			HeartbeatIntervalMS: 30_000,
			ReplyTimeoutMS:      120_000,
			ReloadDelayMS:       600,
		},
		Orchestrator: OrchestratorConfig{
			StaleAfterMS:    180_000,
			SweepIntervalMS: 30_000,
			CallTimeoutMS:   120_000,
		},
		Persona: PersonaConfig{MaxRounds: 100},
		Bridge:  BridgeConfig{Addr: "127.0.0.1:17334", TimeoutMS: 15_000},
		Log:     LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults, then applies TABRELAY_* environment
// overrides. A .env file in the working directory is loaded first when
// present. A missing config file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	resolved := envStr("TABRELAY_CONFIG", path)
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	resolved, err := expandHome(resolved)
	if err != nil {
		return Config{}, err
	}

	bytes, err := os.ReadFile(resolved)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	default:
		if _, err := toml.Decode(string(bytes), &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config file %s: %w", resolved, err)
		}
		cfg.Path = resolved
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Hub.Addr = envStr("TABRELAY_HUB_ADDR", c.Hub.Addr)
	c.Hub.URL = envStr("TABRELAY_HUB_URL", c.Hub.URL)
	c.Hub.Token = envStr("TABRELAY_HUB_TOKEN", c.Hub.Token)
	c.Hub.AllowedOrigins = envList("TABRELAY_HUB_ORIGINS", c.Hub.AllowedOrigins)

	c.Bus.Kind = envStr("TABRELAY_BUS_KIND", c.Bus.Kind)
	c.Bus.Buffer = envInt("TABRELAY_BUS_BUFFER", c.Bus.Buffer)
	c.Bus.RedisAddr = envStr("TABRELAY_REDIS_ADDR", c.Bus.RedisAddr)
	c.Bus.RedisPassword = envStr("TABRELAY_REDIS_PASSWORD", c.Bus.RedisPassword)
	c.Bus.RedisDB = envInt("TABRELAY_REDIS_DB", c.Bus.RedisDB)

	c.Store.Path = envStr("TABRELAY_STORE_PATH", c.Store.Path)

	c.Worker.Profile = envStr("TABRELAY_WORKER_PROFILE", c.Worker.Profile)
	c.Worker.Label = envStr("TABRELAY_WORKER_LABEL", c.Worker.Label)
	c.Worker.UI = envStr("TABRELAY_WORKER_UI", c.Worker.UI)
	c.Worker.PersonaRole = envStr("TABRELAY_PERSONA_ROLE", c.Worker.PersonaRole)
	c.Worker.ReplyTimeoutMS = envInt("TABRELAY_REPLY_TIMEOUT_MS", c.Worker.ReplyTimeoutMS)

	c.Orchestrator.CallTimeoutMS = envInt("TABRELAY_CALL_TIMEOUT_MS", c.Orchestrator.CallTimeoutMS)
	c.Persona.Enabled = envBool("TABRELAY_PERSONA_ENABLED", c.Persona.Enabled)
	c.Persona.MaxRounds = envInt("TABRELAY_PERSONA_MAX_ROUNDS", c.Persona.MaxRounds)

	c.Bridge.Addr = envStr("TABRELAY_BRIDGE_ADDR", c.Bridge.Addr)
	c.Bridge.Token = envStr("TABRELAY_BRIDGE_TOKEN", c.Bridge.Token)

	c.Log.Level = envStr("TABRELAY_LOG_LEVEL", c.Log.Level)
	c.Log.JSON = envBool("TABRELAY_LOG_JSON", c.Log.JSON)
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	switch c.Bus.Kind {
	case BusInproc, BusRedis:
	default:
		return fmt.Errorf("config: unknown bus kind %q", c.Bus.Kind)
	}
	switch c.Worker.UI {
	case UIEcho, UIBridge:
	default:
		return fmt.Errorf("config: unknown worker ui %q", c.Worker.UI)
	}
	if c.Bus.Buffer <= 0 {
		return fmt.Errorf("config: bus buffer must be positive")
	}
	for name, v := range map[string]int{
		"worker.heartbeat_interval_ms":   c.Worker.HeartbeatIntervalMS,
		"worker.reply_timeout_ms":        c.Worker.ReplyTimeoutMS,
		"worker.reload_delay_ms":         c.Worker.ReloadDelayMS,
		"orchestrator.stale_after_ms":    c.Orchestrator.StaleAfterMS,
		"orchestrator.sweep_interval_ms": c.Orchestrator.SweepIntervalMS,
		"orchestrator.call_timeout_ms":   c.Orchestrator.CallTimeoutMS,
		"persona.max_rounds":             c.Persona.MaxRounds,
		"persona.max_judge_attempts":     c.Persona.MaxJudgeAttempts,
		"bridge.timeout_ms":              c.Bridge.TimeoutMS,
	} {
		if v < 0 {
			return fmt.Errorf("config: %s must not be negative", name)
		}
	}
	if c.Orchestrator.StaleAfterMS > 0 && c.Orchestrator.SweepIntervalMS > c.Orchestrator.StaleAfterMS {
		return fmt.Errorf("config: orchestrator.sweep_interval_ms exceeds stale_after_ms")
	}
	return nil
}

// Millis converts a millisecond setting; zero stays zero so component
// defaults apply.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tabrelay/config.toml"
	}
	return filepath.Join(home, ".tabrelay", "config.toml")
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(path, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		path = filepath.Join(home, trimmed)
	}
	return filepath.Clean(path), nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

// envList reads a comma separated list.
func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
