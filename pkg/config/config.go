// Package config resolves the swarm daemon's runtime configuration from
// environment variables and flags.
//
// Every knob is readable under the SWARM_ prefix; the legacy MCP_SWARM_
// prefix is honoured as a fallback for installations predating the rename.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Mode selects how the daemon attaches to its clients.
type Mode string

const (
	// ModeHTTP serves the multi-client streamable HTTP surface.
	ModeHTTP Mode = "http"
	// ModeStdio attaches a single-client tool server to the parent process's
	// standard streams. No HTTP listener, no sessions.
	ModeStdio Mode = "stdio"
)

// StatefulNames is the built-in set of worker names that are assumed to hold
// per-caller state. Declaring a worker under one of these names marks it
// stateful, which routes its calls through per-session instances instead of
// the shared pool. An explicit stateful=false does not prevent this: the
// supervisor sets the flag on declare regardless.
var StatefulNames = map[string]bool{
	"playwright": true,
	"puppeteer":  true,
	"browser":    true,
	"selenium":   true,
	"stagehand":  true,
}

// Config is the resolved runtime configuration.
type Config struct {
	DataDir      string `json:"data_dir" mapstructure:"data_dir"`
	DatabasePath string `json:"database_path" mapstructure:"database_path"`
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	// SocketPath, when set, replaces host:port with a unix socket listener.
	SocketPath string `json:"socket_path,omitempty" mapstructure:"socket_path"`
	Mode       Mode   `json:"mode" mapstructure:"mode"`

	MaxSessions            int           `json:"max_sessions" mapstructure:"max_sessions"`
	SessionIdleTimeout     time.Duration `json:"session_idle_timeout" mapstructure:"session_idle_timeout"`
	SessionCleanupInterval time.Duration `json:"session_cleanup_interval" mapstructure:"session_cleanup_interval"`

	ToolCallTimeout time.Duration `json:"tool_call_timeout" mapstructure:"tool_call_timeout"`
	QueueTTL        time.Duration `json:"queue_ttl" mapstructure:"queue_ttl"`
	MaxPoolSize     int           `json:"max_pool_size" mapstructure:"max_pool_size"`
	ScaleUpWait     time.Duration `json:"scale_up_wait" mapstructure:"scale_up_wait"`
	IdleKill        time.Duration `json:"idle_kill" mapstructure:"idle_kill"`

	// HealthInterval of zero disables the health watchdog.
	HealthInterval time.Duration `json:"health_interval" mapstructure:"health_interval"`
	HealthTimeout  time.Duration `json:"health_timeout" mapstructure:"health_timeout"`

	CORSEnabled bool `json:"cors_enabled" mapstructure:"cors_enabled"`
}

// keys lists every configuration key so defaults and the legacy prefix can
// be bound uniformly.
var keys = []string{
	"data_dir", "database_path", "host", "port", "socket_path", "mode",
	"max_sessions", "session_idle_timeout", "session_cleanup_interval",
	"tool_call_timeout", "queue_ttl", "max_pool_size", "scale_up_wait",
	"idle_kill", "health_interval", "health_timeout", "cors_enabled",
}

// Load resolves the configuration from the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SWARM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Legacy prefix fallback. AutomaticEnv only covers SWARM_*, so each key
	// is additionally bound to its MCP_SWARM_ spelling.
	for _, key := range keys {
		legacy := "MCP_SWARM_" + strings.ToUpper(key)
		if _, ok := os.LookupEnv(legacy); ok {
			if err := v.BindEnv(key, legacy); err != nil {
				return nil, fmt.Errorf("binding legacy env %s: %w", legacy, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.DataDir, "swarm.db")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("database_path", "")
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 7466)
	v.SetDefault("socket_path", "")
	v.SetDefault("mode", string(ModeHTTP))
	v.SetDefault("max_sessions", 50)
	v.SetDefault("session_idle_timeout", 30*time.Minute)
	v.SetDefault("session_cleanup_interval", time.Minute)
	v.SetDefault("tool_call_timeout", time.Minute)
	v.SetDefault("queue_ttl", time.Minute)
	v.SetDefault("max_pool_size", 4)
	v.SetDefault("scale_up_wait", 5*time.Second)
	v.SetDefault("idle_kill", time.Minute)
	v.SetDefault("health_interval", time.Minute)
	v.SetDefault("health_timeout", 10*time.Second)
	v.SetDefault("cors_enabled", false)
}

func defaultDataDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "mcp-swarm")
	}
	return filepath.Join(base, "mcp-swarm")
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeHTTP, ModeStdio:
	default:
		return fmt.Errorf("invalid mode %q (want %q or %q)", c.Mode, ModeHTTP, ModeStdio)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.MaxSessions < 1 {
		return fmt.Errorf("max_sessions must be at least 1, got %d", c.MaxSessions)
	}
	if c.MaxPoolSize < 1 {
		return fmt.Errorf("max_pool_size must be at least 1, got %d", c.MaxPoolSize)
	}
	if c.QueueTTL <= 0 {
		return fmt.Errorf("queue_ttl must be positive, got %s", c.QueueTTL)
	}
	if c.ToolCallTimeout <= 0 {
		return fmt.Errorf("tool_call_timeout must be positive, got %s", c.ToolCallTimeout)
	}
	if c.HealthInterval < 0 {
		return fmt.Errorf("health_interval must not be negative, got %s", c.HealthInterval)
	}
	return nil
}

// Addr returns the TCP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
