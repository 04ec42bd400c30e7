// Package config loads the pmaxcap YAML configuration and applies the
// environment overrides used by existing deployments.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/platformbuilds/pmaxcap/internal/storagedef"
	"github.com/platformbuilds/pmaxcap/internal/tracing"
)

// Environment variables that override the unisphere section.
const (
	EnvHost      = "UNISPHERE_HOST"
	EnvPort      = "UNISPHERE_PORT"
	EnvUser      = "UNISPHERE_USER"
	EnvPassword  = "UNISPHERE_PASSWORD"
	EnvArrayID   = "VMAX_ARRAY_ID"
	EnvVerifySSL = "UNISPHERE_VERIFY_SSL"
)

type Config struct {
	Unisphere  storagedef.UnisphereConfig `yaml:"unisphere"`
	Collection Collection                 `yaml:"collection"`
	Server     Server                     `yaml:"server"`
	Events     Events                     `yaml:"events"`
	Export     Export                     `yaml:"export"`
	Tracing    tracing.Config             `yaml:"tracing"`
	Log        Log                        `yaml:"log"`
	Watch      WatcherConfig              `yaml:"watch"`
}

type Collection struct {
	// Interval between scheduled runs; 0 disables the schedule.
	Interval      time.Duration `yaml:"interval"`
	OnStartup     bool          `yaml:"on_startup"`
	ProgressEvery int           `yaml:"progress_every"`
}

type Server struct {
	Listen            string        `yaml:"listen"`
	StaticDir         string        `yaml:"static_dir"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
}

type Events struct {
	Buffer       int           `yaml:"buffer"`
	PingInterval time.Duration `yaml:"ping_interval"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type Export struct {
	JSONPath string                `yaml:"json_path"`
	OTLP     storagedef.OTLPConfig `yaml:"otlp"`
	// IncludeVolumes adds per-volume gauges to the OTLP export.
	IncludeVolumes bool `yaml:"include_volumes"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used for anything a file leaves unset.
func Default() *Config {
	return &Config{
		Unisphere: storagedef.UnisphereConfig{
			Port:         8443,
			APIVersion:   "100",
			Timeout:      30 * time.Second,
			Retries:      2,
			RetryBackoff: 500 * time.Millisecond,
		},
		Collection: Collection{
			Interval:      15 * time.Minute,
			OnStartup:     true,
			ProgressEvery: 100,
		},
		Server: Server{
			Listen:            ":8000",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			CacheTTL:          time.Minute,
		},
		Events: Events{
			Buffer:       64,
			PingInterval: 30 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Export: Export{
			OTLP: storagedef.OTLPConfig{Protocol: "grpc"},
		},
		Log: Log{
			Level:  "info",
			Format: "json",
		},
		Watch: DefaultWatcherConfig(),
	}
}

// Load reads path on top of Default, then applies environment overrides.
// An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := c.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvHost); ok {
		c.Unisphere.Host = v
	}
	if v, ok := lookup(EnvPort); ok {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		c.Unisphere.Port = port
	}
	if v, ok := lookup(EnvUser); ok {
		c.Unisphere.Username = v
	}
	if v, ok := lookup(EnvPassword); ok {
		c.Unisphere.Password = v
	}
	if v, ok := lookup(EnvArrayID); ok {
		c.Unisphere.ArrayID = v
	}
	if v, ok := lookup(EnvVerifySSL); ok {
		c.Unisphere.VerifySSL = strings.EqualFold(strings.TrimSpace(v), "true")
	}
	return nil
}

// Validate reports every missing or out-of-range setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Unisphere.Host == "" {
		errs = append(errs, errors.New("unisphere.host is required"))
	}
	if c.Unisphere.Username == "" {
		errs = append(errs, errors.New("unisphere.username is required"))
	}
	if c.Unisphere.Password == "" {
		errs = append(errs, errors.New("unisphere.password is required"))
	}
	if c.Unisphere.ArrayID == "" {
		errs = append(errs, errors.New("unisphere.array_id is required"))
	}
	if c.Unisphere.Port <= 0 || c.Unisphere.Port > 65535 {
		errs = append(errs, fmt.Errorf("unisphere.port %d out of range", c.Unisphere.Port))
	}
	if c.Unisphere.Retries < 0 {
		errs = append(errs, errors.New("unisphere.retries must not be negative"))
	}
	if c.Unisphere.MaxRequestsPerSecond < 0 {
		errs = append(errs, errors.New("unisphere.max_requests_per_second must not be negative"))
	}
	if c.Collection.Interval < 0 {
		errs = append(errs, errors.New("collection.interval must not be negative"))
	}
	if c.Export.OTLP.Enabled && c.Export.OTLP.Endpoint == "" {
		errs = append(errs, errors.New("export.otlp.endpoint is required when OTLP export is enabled"))
	}
	if c.Tracing.OTLP.Enabled && c.Tracing.OTLP.Endpoint == "" {
		errs = append(errs, errors.New("tracing.otlp.endpoint is required when tracing is enabled"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}
	return errors.Join(errs...)
}
