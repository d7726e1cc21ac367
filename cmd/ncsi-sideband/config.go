package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ncsi-sideband/internal/link"
	"ncsi-sideband/internal/ncsi"
	"ncsi-sideband/internal/sideband"
)

type Config struct {
	Link link.Config `yaml:"link"`
	NCSI struct {
		Timeout   string `yaml:"timeout"`
		AENEnable bool   `yaml:"aen_enable"`
		Mode      string `yaml:"mode"` // oneshot or daemon
	} `yaml:"ncsi"`
	Store struct {
		Path string `yaml:"path"`
		Keep int    `yaml:"keep"`
	} `yaml:"store"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		ClientID    string `yaml:"client_id"`
		Discovery   bool   `yaml:"discovery"`
	} `yaml:"mqtt"`
	Hooks struct {
		Enabled bool   `yaml:"enabled"`
		Dir     string `yaml:"dir"`
		Timeout string `yaml:"timeout"`
	} `yaml:"hooks"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	switch c.Link.Type {
	case "pcap":
		if c.Link.Interface == "" {
			return fmt.Errorf("link.interface is required for pcap links")
		}
	case "serial":
		if c.Link.Port == "" {
			return fmt.Errorf("link.port is required for serial links")
		}
		if c.Link.Baud <= 0 {
			return fmt.Errorf("link.baud must be positive, got %d", c.Link.Baud)
		}
	default:
		return fmt.Errorf("link.type must be pcap or serial, got %q", c.Link.Type)
	}
	if c.Link.MAC != "" {
		if _, err := net.ParseMAC(c.Link.MAC); err != nil {
			return fmt.Errorf("link.mac: %w", err)
		}
	}
	if _, err := c.timeout(); err != nil {
		return err
	}
	switch c.NCSI.Mode {
	case sideband.ModeOneshot, sideband.ModeDaemon:
	default:
		return fmt.Errorf("ncsi.mode must be oneshot or daemon, got %q", c.NCSI.Mode)
	}
	if c.Store.Keep < 0 {
		return fmt.Errorf("store.keep must not be negative")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.Hooks.Timeout != "" {
		if _, err := time.ParseDuration(c.Hooks.Timeout); err != nil {
			return fmt.Errorf("hooks.timeout: %w", err)
		}
	}
	return nil
}

func (c *Config) timeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.NCSI.Timeout)
	if err != nil {
		return 0, fmt.Errorf("ncsi.timeout: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("ncsi.timeout must be positive, got %s", d)
	}
	return d, nil
}

// engineConfig assumes validate has passed.
func (c *Config) engineConfig() ncsi.Config {
	d, _ := c.timeout()
	return ncsi.Config{Timeout: d, EnableAEN: c.NCSI.AENEnable}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Link.Type == "" {
		c.Link.Type = "pcap"
	}
	if c.Link.Baud == 0 {
		c.Link.Baud = 115200
	}
	if c.NCSI.Timeout == "" {
		c.NCSI.Timeout = ncsi.DefaultTimeout.String()
	}
	if c.NCSI.Mode == "" {
		c.NCSI.Mode = sideband.ModeOneshot
	}
	if c.Store.Path == "" {
		c.Store.Path = "ncsi-sideband.db"
	}
	if c.Store.Keep == 0 {
		c.Store.Keep = 500
	}
	if c.Web.Listen == "" {
		c.Web.Listen = "127.0.0.1:8080"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "ncsi"
	}
	if c.Hooks.Dir == "" {
		c.Hooks.Dir = "hooks"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
