// Package config loads bridge settings from struct defaults, an optional TOML
// file and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/mcuadros/go-defaults"
)

// ConfigPathEnv names the environment variable pointing at a TOML file.
const ConfigPathEnv = "FINGERBRIDGE_CONFIG"

// Config is the full process configuration.
type Config struct {
	Bridge  BridgeConfig  `toml:"bridge"`
	HTTP    HTTPConfig    `toml:"http"`
	GRPC    GRPCConfig    `toml:"grpc"`
	Store   StoreConfig   `toml:"store"`
	Redis   RedisConfig   `toml:"redis"`
	Matcher MatcherConfig `toml:"matcher"`
	Device  DeviceConfig  `toml:"device"`
	Log     LogConfig     `toml:"log"`
}

// BridgeConfig configures the line protocol listener.
type BridgeConfig struct {
	Addr        string        `toml:"addr" env:"BRIDGE_ADDR" default:"127.0.0.1:8123"`
	ReadTimeout time.Duration `toml:"read_timeout" env:"BRIDGE_READ_TIMEOUT" default:"10s"`
	MaxLineSize int           `toml:"max_line_size" env:"BRIDGE_MAX_LINE" default:"4096"`
}

// HTTPConfig configures the JSON gateway. An empty Addr disables it.
type HTTPConfig struct {
	Addr            string        `toml:"addr" env:"HTTP_ADDR" default:"127.0.0.1:5001"`
	JWTSecret       string        `toml:"jwt_secret" env:"JWT_SECRET"`
	JWTAudience     string        `toml:"jwt_audience" env:"JWT_AUDIENCE"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT" default:"15s"`
}

// GRPCConfig configures the health service. An empty Addr disables it.
type GRPCConfig struct {
	Addr string `toml:"addr" env:"GRPC_ADDR" default:"127.0.0.1:50051"`
}

// StoreConfig selects the template store backend.
type StoreConfig struct {
	Driver     string `toml:"driver" env:"STORE_DRIVER" default:"sqlite"`
	DSN        string `toml:"dsn" env:"DATABASE_DSN" default:"host=localhost user=postgres password=postgres dbname=finger port=5432 sslmode=disable"`
	SQLitePath string `toml:"sqlite_path" env:"SQLITE_PATH" default:"finger.db"`
}

// RedisConfig configures the outcome cache. An empty Addr disables caching.
type RedisConfig struct {
	Addr string        `toml:"addr" env:"REDIS_ADDR"`
	TTL  time.Duration `toml:"ttl" env:"REDIS_TTL" default:"5m"`
}

// MatcherConfig points at the remote matching service.
type MatcherConfig struct {
	URL     string        `toml:"url" env:"MATCHER_URL" default:"http://127.0.0.1:9090/match"`
	Timeout time.Duration `toml:"timeout" env:"MATCHER_TIMEOUT" default:"10s"`
}

// DeviceConfig configures the scanner and the acquisition defaults.
type DeviceConfig struct {
	Driver            string        `toml:"driver" env:"DEVICE_DRIVER" default:"simulator"`
	FrameDir          string        `toml:"frame_dir" env:"DEVICE_FRAME_DIR"`
	FrameDelay        time.Duration `toml:"frame_delay" env:"DEVICE_FRAME_DELAY" default:"500ms"`
	CaptureDuration   time.Duration `toml:"capture_duration" env:"CAPTURE_DURATION" default:"7s"`
	QualityThreshold  int           `toml:"quality_threshold" env:"CAPTURE_QUALITY_THRESHOLD" default:"60"`
	ContrastThreshold int           `toml:"contrast_threshold" env:"CAPTURE_CONTRAST_THRESHOLD" default:"40"`
	OperationGrace    time.Duration `toml:"operation_grace" env:"OPERATION_GRACE" default:"3s"`
	LockWait          time.Duration `toml:"lock_wait" env:"DEVICE_LOCK_WAIT"`
	Partitions        []string      `toml:"partitions" env:"PARTITIONS" envSeparator:"," default:"[prisoner,suspect]"`
	TopCandidates     int           `toml:"top_candidates" env:"TOP_CANDIDATES" default:"5"`
}

// LogConfig configures the operator log.
type LogConfig struct {
	Level  string        `toml:"level" env:"LOG_LEVEL" default:"info"`
	File   string        `toml:"file" env:"LOG_FILE"`
	MaxAge time.Duration `toml:"max_age" env:"LOG_MAX_AGE" default:"168h"`
}

// Load builds a Config. path may be empty, in which case FINGERBRIDGE_CONFIG is consulted.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	defaults.SetDefaults(cfg)

	if path == "" {
		path = os.Getenv(ConfigPathEnv)
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	c.Device.Driver = strings.ToLower(strings.TrimSpace(c.Device.Driver))
	partitions := c.Device.Partitions[:0]
	for _, p := range c.Device.Partitions {
		if p = strings.TrimSpace(p); p != "" {
			partitions = append(partitions, p)
		}
	}
	c.Device.Partitions = partitions
	if c.Device.LockWait <= 0 {
		c.Device.LockWait = c.Device.CaptureDuration + c.Device.OperationGrace
	}
}

// Validate rejects settings the bridge cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Bridge.Addr == "" {
		errs = append(errs, errors.New("bridge.addr is required"))
	}
	if c.Bridge.MaxLineSize <= 0 {
		errs = append(errs, errors.New("bridge.max_line_size must be positive"))
	}
	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not supported", c.Store.Driver))
	}
	switch c.Device.Driver {
	case "simulator":
	default:
		errs = append(errs, fmt.Errorf("device.driver %q is not supported", c.Device.Driver))
	}
	if c.Device.CaptureDuration <= 0 {
		errs = append(errs, errors.New("device.capture_duration must be positive"))
	}
	if c.Device.OperationGrace < 0 {
		errs = append(errs, errors.New("device.operation_grace must not be negative"))
	}
	if len(c.Device.Partitions) == 0 {
		errs = append(errs, errors.New("device.partitions must list at least one partition"))
	}
	if c.Device.TopCandidates < 0 {
		errs = append(errs, errors.New("device.top_candidates must not be negative"))
	}
	return errors.Join(errs...)
}

// PartitionAllowed reports whether p is one of the configured partitions.
func (c *Config) PartitionAllowed(p string) bool {
	for _, allowed := range c.Device.Partitions {
		if strings.EqualFold(allowed, p) {
			return true
		}
	}
	return false
}
