package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Port           int      `json:"port" mapstructure:"port"`
	Host           string   `json:"host" mapstructure:"host"`
	APIKey         string   `json:"api_key" mapstructure:"api_key"`
	CORSOrigins    []string `json:"cors_origins" mapstructure:"cors_origins"`
	MaxMessageSize int      `json:"max_message_size" mapstructure:"max_message_size"`
}

type ProviderConfig struct {
	BaseURL   string `json:"base_url" mapstructure:"base_url"`
	APIKey    string `json:"api_key" mapstructure:"api_key"`
	Model     string `json:"model" mapstructure:"model"`
	TimeoutMS int    `json:"timeout_ms" mapstructure:"timeout_ms"`
}

type QueueConfig struct {
	Capacity      int `json:"capacity" mapstructure:"capacity"`
	TerminalCap   int `json:"terminal_cap" mapstructure:"terminal_cap"`
	MaxConcurrent int `json:"max_concurrent" mapstructure:"max_concurrent"`
	MaxSpawnDepth int `json:"max_spawn_depth" mapstructure:"max_spawn_depth"`
}

type SessionConfig struct {
	IdleEvictMinutes int `json:"idle_evict_minutes" mapstructure:"idle_evict_minutes"`
	MaxAgeDays       int `json:"max_age_days" mapstructure:"max_age_days"`
	TokenBudget      int `json:"token_budget" mapstructure:"token_budget"`
}

type PermissionConfig struct {
	TimeoutSeconds int `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

type Config struct {
	VaultPath  string           `json:"vault_path" mapstructure:"vault_path"`
	Server     ServerConfig     `json:"server" mapstructure:"server"`
	Provider   ProviderConfig   `json:"provider" mapstructure:"provider"`
	Queue      QueueConfig      `json:"queue" mapstructure:"queue"`
	Session    SessionConfig    `json:"session" mapstructure:"session"`
	Permission PermissionConfig `json:"permission" mapstructure:"permission"`
}

// Defaults returns the baseline configuration before file and env overrides.
func Defaults() Config {
	return Config{
		VaultPath: "./sample-vault",
		Server: ServerConfig{
			Port:           3333,
			Host:           "",
			MaxMessageSize: 102400,
		},
		Provider: ProviderConfig{
			Model:     "gpt-4o",
			TimeoutMS: 120000,
		},
		Queue: QueueConfig{
			Capacity:      100,
			TerminalCap:   50,
			MaxConcurrent: 1,
			MaxSpawnDepth: 3,
		},
		Session: SessionConfig{
			IdleEvictMinutes: 30,
			MaxAgeDays:       90,
			TokenBudget:      50000,
		},
		Permission: PermissionConfig{
			TimeoutSeconds: 120,
		},
	}
}

// Load reads an optional JSON config file and applies environment overrides.
// 环境变量覆盖顺序：defaults < 配置文件 < env。
func Load(path string) (Config, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetConfigType("json")
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, statErr := os.Stat(path); statErr == nil {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := v.Unmarshal(&cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("VAULT_PATH")); v != "" {
		cfg.VaultPath = v
	}
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		if n, err := parsePort(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("HOST")); v != "" {
		cfg.Server.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("VAULTAGENT_API_KEY")); v != "" {
		cfg.Server.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("VAULTAGENT_CORS_ORIGINS")); v != "" {
		parts := strings.Split(v, ",")
		origins := make([]string, 0, len(parts))
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				origins = append(origins, s)
			}
		}
		cfg.Server.CORSOrigins = origins
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("VAULTAGENT_MODEL")); v != "" {
		cfg.Provider.Model = v
	}
}

func parsePort(raw string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return 0, err
	}
	if n <= 0 || n > 65535 {
		return 0, fmt.Errorf("port out of range: %d", n)
	}
	return n, nil
}

func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c Config) QueueFile() string {
	return filepath.Join(c.VaultPath, ".queue", "queue.json")
}

func (c Config) UsageDB() string {
	return filepath.Join(c.VaultPath, ".queue", "usage.db")
}

func (c Config) SessionsDir() string {
	return filepath.Join(c.VaultPath, "agent-sessions")
}

// LegacySessionDirs are indexed at boot for migration. New sessions are never
// created there; a session loaded from a legacy file is saved back to it.
func (c Config) LegacySessionDirs() []string {
	return []string{
		filepath.Join(c.VaultPath, "agent-chats"),
		filepath.Join(c.VaultPath, "agent-logs"),
	}
}

func (c Config) SessionIdleWindow() time.Duration {
	return time.Duration(c.Session.IdleEvictMinutes) * time.Minute
}

func (c Config) PermissionTimeout() time.Duration {
	return time.Duration(c.Permission.TimeoutSeconds) * time.Second
}
