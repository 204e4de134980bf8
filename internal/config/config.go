package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBaseURL          = "http://localhost:8000"
	DefaultStatusPath       = "/ws/pipeline-status/"
	DefaultAPIPath          = "/api"
	DefaultReconnectDelayMS = 3000
)

// ServerConfig locates the backend. BaseURL plays the role of the hosting page:
// its scheme decides between ws and wss.
type ServerConfig struct {
	BaseURL    string `json:"base_url" yaml:"base_url"`
	StatusPath string `json:"status_path" yaml:"status_path"`
	APIPath    string `json:"api_path" yaml:"api_path"`
	APIToken   string `json:"api_token,omitempty" yaml:"api_token,omitempty"`
}

// ChannelConfig defines the reconnect policy of the realtime channel.
type ChannelConfig struct {
	AutoReconnect    bool `json:"auto_reconnect" yaml:"auto_reconnect"`
	ReconnectDelayMS int  `json:"reconnect_delay_ms" yaml:"reconnect_delay_ms"`
	// PingIntervalMS enables application-level ping frames; 0 disables them.
	PingIntervalMS int `json:"ping_interval_ms,omitempty" yaml:"ping_interval_ms,omitempty"`
}

func (c ChannelConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMS) * time.Millisecond
}

func (c ChannelConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalMS) * time.Millisecond
}

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level     string `json:"level" yaml:"level"`
	LogToFile bool   `json:"log_to_file" yaml:"log_to_file"`
}

// NotificationConfig stores desktop notification preferences.
type NotificationConfig struct {
	Enabled        bool `json:"enabled" yaml:"enabled"`
	RunFinished    bool `json:"run_finished" yaml:"run_finished"`
	ConnectionLost bool `json:"connection_lost" yaml:"connection_lost"`
}

type StorageConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// RetentionDays prunes status history older than this on startup; 0 keeps everything.
	RetentionDays int `json:"retention_days,omitempty" yaml:"retention_days,omitempty"`
}

// AppConfig is the root persisted application configuration.
type AppConfig struct {
	Server        ServerConfig       `json:"server" yaml:"server"`
	Channel       ChannelConfig      `json:"channel" yaml:"channel"`
	Logging       LoggingConfig      `json:"logging" yaml:"logging"`
	Notifications NotificationConfig `json:"notifications" yaml:"notifications"`
	Storage       StorageConfig      `json:"storage" yaml:"storage"`
}

func Default() AppConfig {
	return AppConfig{
		Server: ServerConfig{
			BaseURL:    DefaultBaseURL,
			StatusPath: DefaultStatusPath,
			APIPath:    DefaultAPIPath,
		},
		Channel: ChannelConfig{
			AutoReconnect:    true,
			ReconnectDelayMS: DefaultReconnectDelayMS,
		},
		Logging: LoggingConfig{
			Level:     "info",
			LogToFile: false,
		},
		Notifications: NotificationConfig{
			Enabled:        true,
			RunFinished:    true,
			ConnectionLost: true,
		},
		Storage: StorageConfig{
			Enabled: true,
		},
	}
}

// Load reads path on top of Default. A missing file yields the defaults.
// Files ending in .yaml or .yml are decoded as YAML, everything else as JSON.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path is resolved by app runtime or passed explicitly by the operator.
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	if isYAML(cleanPath) {
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return AppConfig{}, fmt.Errorf("decode config yaml: %w", err)
		}
	} else if err := json.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("decode config json: %w", err)
	}

	cfg.FillMissingDefaults()

	return cfg, nil
}

func (c *AppConfig) FillMissingDefaults() {
	c.Server.BaseURL = strings.TrimRight(strings.TrimSpace(c.Server.BaseURL), "/")
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = DefaultBaseURL
	}
	if strings.TrimSpace(c.Server.StatusPath) == "" {
		c.Server.StatusPath = DefaultStatusPath
	}
	if strings.TrimSpace(c.Server.APIPath) == "" {
		c.Server.APIPath = DefaultAPIPath
	}
	if c.Channel.ReconnectDelayMS <= 0 {
		c.Channel.ReconnectDelayMS = DefaultReconnectDelayMS
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c AppConfig) Validate() error {
	base, err := url.Parse(c.Server.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base url: %w", err)
	}
	switch strings.ToLower(base.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("base url must use http or https, got %q", base.Scheme)
	}
	if base.Host == "" {
		return errors.New("base url host is required")
	}
	if !strings.HasPrefix(c.Server.StatusPath, "/") {
		return fmt.Errorf("status path must start with /: %q", c.Server.StatusPath)
	}
	if !strings.HasPrefix(c.Server.APIPath, "/") {
		return fmt.Errorf("api path must start with /: %q", c.Server.APIPath)
	}
	if c.Channel.ReconnectDelayMS <= 0 {
		return errors.New("reconnect delay must be positive")
	}
	if c.Channel.PingIntervalMS < 0 {
		return errors.New("ping interval must not be negative")
	}
	if c.Storage.RetentionDays < 0 {
		return errors.New("retention days must not be negative")
	}

	return nil
}

// APIBaseURL joins the base url and api path.
func (c AppConfig) APIBaseURL() string {
	return strings.TrimRight(c.Server.BaseURL, "/") + "/" + strings.TrimLeft(c.Server.APIPath, "/")
}

func Save(path string, cfg AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var (
		raw []byte
		err error
	)
	if isYAML(path) {
		raw, err = yaml.Marshal(cfg)
	} else {
		raw, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config: %w", err)
	}

	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}
