package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server      ServerConfig     `toml:"server"`
	Judge       JudgeConfig      `toml:"judge"`
	Classifiers ClassifierConfig `toml:"classifiers"`
	Client      ClientConfig     `toml:"client"`
	Store       StoreConfig      `toml:"store"`
	Logging     LoggingConfig    `toml:"logging"`
	Raw         map[string]any   `toml:"-"`
	Path        string           `toml:"-"`
}

type ServerConfig struct {
	Addr           string `toml:"addr"`
	CooldownMS     int    `toml:"cooldown_ms"`
	PersistEvery   int    `toml:"persist_every"`
	EvalTimeoutMS  int    `toml:"eval_timeout_ms"`
	SendBufferSize int    `toml:"send_buffer_size"`
}

type JudgeConfig struct {
	BaseURL   string `toml:"base_url"`
	Model     string `toml:"model"`
	APIKeyEnv string `toml:"api_key_env"`
	MaxTokens int    `toml:"max_tokens"`
	TimeoutMS int    `toml:"timeout_ms"`
	// Retries after the first attempt; nil means the default, 0 disables retrying.
	Retries *int `toml:"retries"`
}

type ClassifierConfig struct {
	Enabled     bool   `toml:"enabled"`
	Provider    string `toml:"provider"`
	BaseURL     string `toml:"base_url"`
	Model       string `toml:"model"`
	APIKeyEnv   string `toml:"api_key_env"`
	RateLimitMS int    `toml:"rate_limit_ms"`
}

type ClientConfig struct {
	ServerURL         string `toml:"server_url"`
	ConnectTimeoutMS  int    `toml:"connect_timeout_ms"`
	ReconnectBaseMS   int    `toml:"reconnect_base_ms"`
	MaxReconnects     int    `toml:"max_reconnects"`
	CooldownMS        int    `toml:"cooldown_ms"`
	DuplicateWindowMS int    `toml:"duplicate_window_ms"`
	PersistEvery      int    `toml:"persist_every"`
}

type StoreConfig struct {
	Driver    string `toml:"driver"`
	Dir       string `toml:"dir"`
	DBPath    string `toml:"db_path"`
	RedisAddr string `toml:"redis_addr"`
	RedisDB   int    `toml:"redis_db"`
	// RedisPasswordEnv names the environment variable holding the redis password.
	RedisPasswordEnv string `toml:"redis_password_env"`
	Namespace        string `toml:"namespace"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

const (
	DriverFS     = "fs"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"

	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"

	DefaultJudgeRetries = 2
	// MinClientCooldownMS is the shortest gap allowed between client-side evaluation requests.
	MinClientCooldownMS = 10_000
)

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{}.WithDefaults()
}

func (c Config) WithDefaults() Config {
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8787"
	}
	if c.Server.CooldownMS <= 0 {
		c.Server.CooldownMS = 10_000
	}
	if c.Server.PersistEvery <= 0 {
		c.Server.PersistEvery = 10
	}
	if c.Server.EvalTimeoutMS <= 0 {
		c.Server.EvalTimeoutMS = 30_000
	}
	if c.Server.SendBufferSize <= 0 {
		c.Server.SendBufferSize = 64
	}

	if c.Judge.BaseURL == "" {
		c.Judge.BaseURL = "https://api.anthropic.com"
	}
	if c.Judge.Model == "" {
		c.Judge.Model = "claude-sonnet-4-5"
	}
	if c.Judge.APIKeyEnv == "" {
		c.Judge.APIKeyEnv = "ANTHROPIC_API_KEY"
	}
	if c.Judge.MaxTokens <= 0 {
		c.Judge.MaxTokens = 1024
	}
	if c.Judge.TimeoutMS <= 0 {
		c.Judge.TimeoutMS = 30_000
	}
	if c.Judge.Retries == nil || *c.Judge.Retries < 0 {
		retries := DefaultJudgeRetries
		c.Judge.Retries = &retries
	}

	if c.Classifiers.Provider == "" {
		c.Classifiers.Provider = ProviderGemini
	}
	if c.Classifiers.Model == "" {
		switch c.Classifiers.Provider {
		case ProviderAnthropic:
			c.Classifiers.Model = "claude-haiku-4-5"
		default:
			c.Classifiers.Model = "gemini-2.5-flash"
		}
	}
	if c.Classifiers.APIKeyEnv == "" {
		switch c.Classifiers.Provider {
		case ProviderAnthropic:
			c.Classifiers.APIKeyEnv = "ANTHROPIC_API_KEY"
		default:
			c.Classifiers.APIKeyEnv = "GEMINI_API_KEY"
		}
	}
	if c.Classifiers.RateLimitMS <= 0 {
		c.Classifiers.RateLimitMS = 15_000
	}

	if c.Client.ConnectTimeoutMS <= 0 {
		c.Client.ConnectTimeoutMS = 5_000
	}
	if c.Client.ReconnectBaseMS <= 0 {
		c.Client.ReconnectBaseMS = 1_000
	}
	if c.Client.MaxReconnects <= 0 {
		c.Client.MaxReconnects = 5
	}
	if c.Client.CooldownMS <= 0 {
		c.Client.CooldownMS = 10_000
	}
	if c.Client.DuplicateWindowMS <= 0 {
		c.Client.DuplicateWindowMS = 5_000
	}
	if c.Client.PersistEvery <= 0 {
		c.Client.PersistEvery = 10
	}

	if c.Store.Driver == "" {
		c.Store.Driver = DriverSQLite
	}
	if c.Store.Dir == "" {
		c.Store.Dir = "~/.mastery/sessions"
	}
	if c.Store.DBPath == "" {
		c.Store.DBPath = "~/.mastery/mastery.db"
	}
	if c.Store.RedisAddr == "" {
		c.Store.RedisAddr = "127.0.0.1:6379"
	}
	if c.Store.RedisPasswordEnv == "" {
		c.Store.RedisPasswordEnv = "REDIS_PASSWORD"
	}
	if c.Store.Namespace == "" {
		c.Store.Namespace = "mastery"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return c
}

// Validate rejects values WithDefaults cannot repair.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverFS, DriverSQLite, DriverRedis:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Classifiers.Provider {
	case ProviderGemini, ProviderAnthropic:
	default:
		return fmt.Errorf("unknown classifier provider %q", c.Classifiers.Provider)
	}
	if c.Client.CooldownMS < MinClientCooldownMS {
		return fmt.Errorf("client cooldown_ms %d is below the %d ms minimum", c.Client.CooldownMS, MinClientCooldownMS)
	}
	return nil
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func (c ServerConfig) Cooldown() time.Duration    { return ms(c.CooldownMS) }
func (c ServerConfig) EvalTimeout() time.Duration { return ms(c.EvalTimeoutMS) }
func (c JudgeConfig) Timeout() time.Duration      { return ms(c.TimeoutMS) }
func (c JudgeConfig) MaxRetries() int {
	if c.Retries == nil {
		return DefaultJudgeRetries
	}
	return *c.Retries
}
func (c ClassifierConfig) RateLimit() time.Duration {
	return ms(c.RateLimitMS)
}
func (c ClientConfig) ConnectTimeout() time.Duration  { return ms(c.ConnectTimeoutMS) }
func (c ClientConfig) ReconnectBase() time.Duration   { return ms(c.ReconnectBaseMS) }
func (c ClientConfig) Cooldown() time.Duration        { return ms(c.CooldownMS) }
func (c ClientConfig) DuplicateWindow() time.Duration { return ms(c.DuplicateWindowMS) }

// APIKey reads the key from the environment variable the section names.
func (c JudgeConfig) APIKey() string {
	return strings.TrimSpace(os.Getenv(c.APIKeyEnv))
}

func (c ClassifierConfig) APIKey() string {
	return strings.TrimSpace(os.Getenv(c.APIKeyEnv))
}

// Load reads path (default ~/.mastery/config.toml). A missing file at the default path yields
// Default(); a missing explicit path is an error.
func Load(path string) (Config, error) {
	explicit := path != ""
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	resolved, err := ExpandHome(resolved)
	if err != nil {
		return Config{}, err
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		if !explicit && os.IsNotExist(err) {
			cfg := Default()
			cfg.Path = resolved
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	var raw map[string]any
	if _, err := toml.Decode(string(bytes), &raw); err != nil {
		return Config{}, fmt.Errorf("decode raw config: %w", err)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", resolved, err)
	}
	cfg.Raw = raw
	cfg.Path = resolved
	return cfg, nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	trimmed := strings.TrimPrefix(path, "~")
	trimmed = strings.TrimPrefix(trimmed, "\\")
	trimmed = strings.TrimPrefix(trimmed, "/")
	return filepath.Join(home, trimmed), nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mastery/config.toml"
	}
	return filepath.Join(home, ".mastery", "config.toml")
}
