package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
)

type Config struct {
	Log      LoggingConfig  `yaml:"log"`
	API      APIConfig      `yaml:"api"`
	Stream   StreamConfig   `yaml:"stream"`
	Resync   ResyncConfig   `yaml:"resync"`
	Book     BookConfig     `yaml:"book"`
	State    StateConfig    `yaml:"state"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Trader   TraderConfig   `yaml:"trader"`
	Telegram TelegramConfig `yaml:"telegram"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	// File, when set, also writes logs to a rotating file.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type StreamConfig struct {
	URL            string        `yaml:"url"`
	Transport      string        `yaml:"transport"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	GapDetection   *bool         `yaml:"gap_detection"`
	MaxBuffered    int           `yaml:"max_buffered"`
}

func (s StreamConfig) GapDetectionValue() bool {
	if s.GapDetection == nil {
		return true
	}
	return *s.GapDetection
}

type ResyncConfig struct {
	MaxRetries      uint64        `yaml:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

type BookConfig struct {
	BadgeThreshold int `yaml:"badge_threshold"`
}

// StateConfig controls the local last-known-good snapshot cache. An empty
// path disables it.
type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

type TraderConfig struct {
	Name      string `yaml:"name"`
	QuotePath string `yaml:"quote_path"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	overrideWithEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

// Default returns a configuration with every default applied, for tools
// that run without a config file.
func Default() *Config {
	cfg := &Config{}
	overrideWithEnv(cfg)
	applyDefaults(cfg)
	return cfg
}

func overrideWithEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("LIVESCORE_BASE_URL")); v != "" {
		cfg.API.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("LIVESCORE_PARTICIPANT")); v != "" {
		cfg.Trader.Name = v
	}
	if v := strings.TrimSpace(os.Getenv("TELEGRAM_TOKEN")); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("TELEGRAM_CHAT_ID")); v != "" {
		cfg.Telegram.ChatID = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.File != "" {
		if cfg.Log.MaxSizeMB == 0 {
			cfg.Log.MaxSizeMB = 10
		}
		if cfg.Log.MaxBackups == 0 {
			cfg.Log.MaxBackups = 3
		}
		if cfg.Log.MaxAgeDays == 0 {
			cfg.Log.MaxAgeDays = 28
		}
	}
	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = "http://127.0.0.1:8000/livescore"
	}
	cfg.API.BaseURL = strings.TrimRight(cfg.API.BaseURL, "/")
	if cfg.API.Timeout == 0 {
		cfg.API.Timeout = 10 * time.Second
	}
	if cfg.Stream.Transport == "" {
		cfg.Stream.Transport = TransportSSE
	}
	if cfg.Stream.URL == "" {
		cfg.Stream.URL = deriveStreamURL(cfg.API.BaseURL, cfg.Stream.Transport)
	}
	if cfg.Stream.ReconnectDelay == 0 {
		cfg.Stream.ReconnectDelay = 3 * time.Second
	}
	if cfg.Stream.MaxBuffered == 0 {
		cfg.Stream.MaxBuffered = 1024
	}
	if cfg.Resync.MaxRetries == 0 {
		cfg.Resync.MaxRetries = 5
	}
	if cfg.Resync.InitialInterval == 0 {
		cfg.Resync.InitialInterval = 500 * time.Millisecond
	}
	if cfg.Resync.MaxInterval == 0 {
		cfg.Resync.MaxInterval = 10 * time.Second
	}
	if cfg.Book.BadgeThreshold == 0 {
		cfg.Book.BadgeThreshold = 3
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9101"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Trader.QuotePath == "" {
		cfg.Trader.QuotePath = "/trader/"
	}
}

func deriveStreamURL(baseURL, transport string) string {
	if transport != TransportWebSocket {
		return baseURL + "/events/"
	}
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + "/ws/events/"
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://") + "/ws/events/"
	}
	return baseURL + "/ws/events/"
}

func validate(cfg *Config) error {
	if !strings.HasPrefix(cfg.API.BaseURL, "http://") && !strings.HasPrefix(cfg.API.BaseURL, "https://") {
		return fmt.Errorf("api.base_url must be an http(s) url, got %q", cfg.API.BaseURL)
	}
	switch cfg.Stream.Transport {
	case TransportSSE, TransportWebSocket:
	default:
		return fmt.Errorf("stream.transport must be %q or %q, got %q", TransportSSE, TransportWebSocket, cfg.Stream.Transport)
	}
	if cfg.Stream.ReconnectDelay < 0 {
		return errors.New("stream.reconnect_delay must be >= 0")
	}
	if cfg.Stream.MaxBuffered < 0 {
		return errors.New("stream.max_buffered must be >= 0")
	}
	if cfg.Resync.InitialInterval < 0 || cfg.Resync.MaxInterval < 0 {
		return errors.New("resync intervals must be >= 0")
	}
	if cfg.Resync.MaxInterval < cfg.Resync.InitialInterval {
		return errors.New("resync.max_interval must be >= resync.initial_interval")
	}
	if cfg.Book.BadgeThreshold < 0 {
		return errors.New("book.badge_threshold must be >= 0")
	}
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if !strings.HasPrefix(cfg.Trader.QuotePath, "/") {
		return errors.New("trader.quote_path must start with /")
	}
	return nil
}
