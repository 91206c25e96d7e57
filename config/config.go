// Package config loads scardd's configuration.
//
// Sources, later ones winning: built-in defaults, the YAML file, and SCARDD_*
// environment variables (SCARDD_HTTP_LISTEN overrides http.listen).
package config

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"scard-broker/codec"
	"scard-broker/logging"
	"scard-broker/pcsc"
	"scard-broker/policy"
	"scard-broker/readers"
)

const EnvPrefix = "SCARDD"

type Config struct {
	Logging    logging.Config   `mapstructure:"logging" yaml:"logging"`
	Broker     BrokerConfig     `mapstructure:"broker" yaml:"broker"`
	HTTP       HTTPConfig       `mapstructure:"http" yaml:"http"`
	Middleware MiddlewareConfig `mapstructure:"middleware" yaml:"middleware"`
	Readers    readers.Config   `mapstructure:"readers" yaml:"readers"`
	Policy     PolicyConfig     `mapstructure:"policy" yaml:"policy"`
	Simulator  SimulatorConfig  `mapstructure:"simulator" yaml:"simulator"`
}

type BrokerConfig struct {
	// Name prefixes the client handler message types.
	Name            string        `mapstructure:"name" yaml:"name"`
	Codec           string        `mapstructure:"codec" yaml:"codec"` // cbor or json
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type HTTPConfig struct {
	Listen        string `mapstructure:"listen" yaml:"listen"`
	WebSocketPath string `mapstructure:"websocket_path" yaml:"websocket_path"`
	MetricsPath   string `mapstructure:"metrics_path" yaml:"metrics_path"`
}

// MiddlewareConfig applies per client handler. Zero disables a limit.
type MiddlewareConfig struct {
	RateLimit float64       `mapstructure:"rate_limit" yaml:"rate_limit"` // calls per second
	Burst     int           `mapstructure:"burst" yaml:"burst"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	LogCalls  bool          `mapstructure:"log_calls" yaml:"log_calls"`
}

type PolicyConfig struct {
	Static policy.AdminPolicy `mapstructure:"static" yaml:"static"`
	// Etcd is used when it lists endpoints; the static policy is ignored then.
	Etcd policy.EtcdConfig `mapstructure:"etcd" yaml:"etcd"`
}

type SimulatorConfig struct {
	Readers []SimulatedReader `mapstructure:"readers" yaml:"readers"`
}

type SimulatedReader struct {
	Name string `mapstructure:"name" yaml:"name"`
	// ATR in hex; empty means no card inserted.
	ATR string `mapstructure:"atr" yaml:"atr"`
}

func Default() Config {
	return Config{
		Logging: logging.Config{Level: "info", Format: "console"},
		Broker: BrokerConfig{
			Name:            "pcsc_lite",
			Codec:           "cbor",
			ShutdownTimeout: 5 * time.Second,
		},
		HTTP: HTTPConfig{
			Listen:        "127.0.0.1:8765",
			WebSocketPath: "/ws",
			MetricsPath:   "/metrics",
		},
		Middleware: MiddlewareConfig{Burst: 1},
		Readers:    readers.DefaultConfig(),
		Policy: PolicyConfig{
			Etcd: policy.EtcdConfig{Key: policy.DefaultEtcdKey, DialTimeout: 5 * time.Second},
		},
		Simulator: SimulatorConfig{
			Readers: []SimulatedReader{
				{Name: "Simulated Reader 0", ATR: "3B8F8001804F0CA000000306030001000000006A"},
			},
		},
	}
}

// Load reads path (optional) on top of the defaults and applies environment
// overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// the defaults double as the key list AutomaticEnv needs
	defaults, err := yaml.Marshal(Default())
	if err != nil {
		return Config{}, fmt.Errorf("config: defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, fmt.Errorf("config: defaults: %w", err)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Broker.Name == "" {
		errs = append(errs, errors.New("broker.name is empty"))
	}
	if _, err := codec.ParseCodecType(c.Broker.Codec); err != nil {
		errs = append(errs, err)
	}
	if c.Middleware.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("middleware.rate_limit %v is negative", c.Middleware.RateLimit))
	}
	if c.Middleware.RateLimit > 0 && c.Middleware.Burst < 1 {
		errs = append(errs, errors.New("middleware.burst must be at least 1 with a rate limit"))
	}
	if c.Readers.MaxRetries < 0 || c.Readers.RetriesTillReset < 0 {
		errs = append(errs, errors.New("readers retry counts must not be negative"))
	}
	if c.Readers.BackoffMin > c.Readers.BackoffMax {
		errs = append(errs, fmt.Errorf("readers.backoff_min %v exceeds backoff_max %v", c.Readers.BackoffMin, c.Readers.BackoffMax))
	}
	seen := make(map[string]bool)
	for i, r := range c.Simulator.Readers {
		switch {
		case r.Name == "":
			errs = append(errs, fmt.Errorf("simulator.readers[%d]: name is empty", i))
		case r.Name == pcsc.PnPNotificationReader:
			errs = append(errs, fmt.Errorf("simulator.readers[%d]: %q is reserved", i, r.Name))
		case seen[r.Name]:
			errs = append(errs, fmt.Errorf("simulator.readers[%d]: duplicate name %q", i, r.Name))
		}
		seen[r.Name] = true
		if _, err := hex.DecodeString(r.ATR); err != nil {
			errs = append(errs, fmt.Errorf("simulator.readers[%d]: atr: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// SimulatorReaders converts the configured readers for pcsc.NewSimulator.
func (c Config) SimulatorReaders() []pcsc.ReaderConfig {
	out := make([]pcsc.ReaderConfig, 0, len(c.Simulator.Readers))
	for _, r := range c.Simulator.Readers {
		atr, _ := hex.DecodeString(r.ATR)
		if len(atr) == 0 {
			atr = nil
		}
		out = append(out, pcsc.ReaderConfig{Name: r.Name, Atr: atr})
	}
	return out
}

// Write dumps c as YAML, e.g. to bootstrap a config file from the defaults.
func Write(w io.Writer, c Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	return enc.Close()
}
