package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the complete process configuration. Values come from a YAML file
// with environment-variable overrides for deploy-sensitive fields.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Broker   BrokerConfig   `yaml:"broker"`
	Trading  TradingConfig  `yaml:"trading"`
	Server   ServerConfig   `yaml:"server"`
	Events   EventsConfig   `yaml:"events"`
}

type DatabaseConfig struct {
	Path string `yaml:"path" validate:"required"`
}

type BrokerConfig struct {
	BaseURL   string        `yaml:"base_url" validate:"required,url"`
	StreamURL string        `yaml:"stream_url" validate:"omitempty,url|startswith=ws"`
	APIKey    string        `yaml:"api_key" validate:"required"`
	APISecret string        `yaml:"api_secret" validate:"required"`
	Timeout   time.Duration `yaml:"-"`
}

// UnmarshalYAML accepts human-readable durations ("10s", "5m") and leaves
// fields absent from the document at their current (default) values.
func (b *BrokerConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		BaseURL   *string `yaml:"base_url"`
		StreamURL *string `yaml:"stream_url"`
		APIKey    *string `yaml:"api_key"`
		APISecret *string `yaml:"api_secret"`
		Timeout   *string `yaml:"timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	setString(&b.BaseURL, raw.BaseURL)
	setString(&b.StreamURL, raw.StreamURL)
	setString(&b.APIKey, raw.APIKey)
	setString(&b.APISecret, raw.APISecret)
	return setDuration(&b.Timeout, raw.Timeout, "broker.timeout")
}

type TradingConfig struct {
	Symbols            []string      `yaml:"symbols" validate:"required,min=1"`
	InitialCapital     float64       `yaml:"initial_capital" validate:"gt=0"`
	ScanInterval       time.Duration `yaml:"-"`
	CheckpointInterval time.Duration `yaml:"-"`
	CheckpointKeep     int           `yaml:"checkpoint_keep" validate:"gte=1"`
	StaleOrderTimeout  time.Duration `yaml:"-"`
	StopLossPct        float64       `yaml:"stop_loss_pct" validate:"gt=0,lt=1"`
	PositionSizePct    float64       `yaml:"position_size_pct" validate:"gt=0,lte=1"`
}

func (t *TradingConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Symbols            []string `yaml:"symbols"`
		InitialCapital     *float64 `yaml:"initial_capital"`
		ScanInterval       *string  `yaml:"scan_interval"`
		CheckpointInterval *string  `yaml:"checkpoint_interval"`
		CheckpointKeep     *int     `yaml:"checkpoint_keep"`
		StaleOrderTimeout  *string  `yaml:"stale_order_timeout"`
		StopLossPct        *float64 `yaml:"stop_loss_pct"`
		PositionSizePct    *float64 `yaml:"position_size_pct"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.Symbols != nil {
		t.Symbols = raw.Symbols
	}
	if raw.InitialCapital != nil {
		t.InitialCapital = *raw.InitialCapital
	}
	if raw.CheckpointKeep != nil {
		t.CheckpointKeep = *raw.CheckpointKeep
	}
	if raw.StopLossPct != nil {
		t.StopLossPct = *raw.StopLossPct
	}
	if raw.PositionSizePct != nil {
		t.PositionSizePct = *raw.PositionSizePct
	}
	if err := setDuration(&t.ScanInterval, raw.ScanInterval, "trading.scan_interval"); err != nil {
		return err
	}
	if err := setDuration(&t.CheckpointInterval, raw.CheckpointInterval, "trading.checkpoint_interval"); err != nil {
		return err
	}
	return setDuration(&t.StaleOrderTimeout, raw.StaleOrderTimeout, "trading.stale_order_timeout")
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, src *string, field string) error {
	if src == nil {
		return nil
	}
	d, err := time.ParseDuration(*src)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*dst = d
	return nil
}

type ServerConfig struct {
	Port      string `yaml:"port"`
	JWTSecret string `yaml:"jwt_secret" validate:"required"`
}

type EventsConfig struct {
	SinkURL string `yaml:"sink_url" validate:"omitempty,url"`
}

// Default returns a config with every tunable at its reference value.
// Loading merges the file on top of these, so a minimal config file only
// needs credentials and symbols.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "apex.db"},
		Broker: BrokerConfig{
			Timeout: 10 * time.Second,
		},
		Trading: TradingConfig{
			InitialCapital:     100000,
			ScanInterval:       30 * time.Second,
			CheckpointInterval: 5 * time.Minute,
			CheckpointKeep:     10,
			StaleOrderTimeout:  10 * time.Minute,
			StopLossPct:        0.02,
			PositionSizePct:    0.10,
		},
		Server: ServerConfig{Port: "8080"},
	}
}

// Load reads the YAML config at path, applies environment overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides secrets and endpoints from the environment so config
// files can be committed without credentials.
func (c *Config) applyEnv() {
	if v := os.Getenv("APEX_BROKER_API_KEY"); v != "" {
		c.Broker.APIKey = v
	}
	if v := os.Getenv("APEX_BROKER_API_SECRET"); v != "" {
		c.Broker.APISecret = v
	}
	if v := os.Getenv("APEX_BROKER_BASE_URL"); v != "" {
		c.Broker.BaseURL = v
	}
	if v := os.Getenv("APEX_BROKER_STREAM_URL"); v != "" {
		c.Broker.StreamURL = v
	}
	if v := os.Getenv("APEX_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("APEX_JWT_SECRET"); v != "" {
		c.Server.JWTSecret = v
	}
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
}

// Validate checks structural constraints plus the interval relationships the
// scan loop depends on.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if c.Trading.ScanInterval <= 0 {
		return fmt.Errorf("scan_interval must be positive")
	}
	if c.Trading.CheckpointInterval < c.Trading.ScanInterval {
		return fmt.Errorf("checkpoint_interval must be at least scan_interval")
	}
	if c.Broker.Timeout <= 0 || c.Broker.Timeout > 30*time.Second {
		return fmt.Errorf("broker timeout must be in (0s, 30s]")
	}
	return nil
}
