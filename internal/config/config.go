// Package config holds the server's runtime configuration: listener
// settings, buffer pool sizing, session policy and abuse-monitor
// thresholds. Values come from a yaml file with environment overrides;
// Validate enforces floors so a typo cannot disable a protection.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("config: invalid value")

type Config struct {
	ListenAddress string `yaml:"listenAddress"`
	// MetricsAddress serves the prometheus scrape endpoint; empty disables
	// it.
	MetricsAddress string `yaml:"metricsAddress"`
	DataDir        string `yaml:"dataDir"`
	LogLevel       string `yaml:"logLevel"`

	MaxRequestSize int           `yaml:"maxRequestSize"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
	BusyThreshold  int           `yaml:"busyThreshold"`
	AcceptRate     float64       `yaml:"acceptRate"`
	AcceptBurst    int           `yaml:"acceptBurst"`

	RegularPoolCapacity    int `yaml:"regularPoolCapacity"`
	RegularPoolBufferSize  int `yaml:"regularPoolBufferSize"`
	OversizePoolCapacity   int `yaml:"oversizePoolCapacity"`
	OversizePoolBufferSize int `yaml:"oversizePoolBufferSize"`

	SessionsPerAccount   int           `yaml:"sessionsPerAccount"`
	DormantSessionExpiry time.Duration `yaml:"dormantSessionExpiry"`
	TimeLeniency         time.Duration `yaml:"timeLeniency"`
	HousekeepingInterval time.Duration `yaml:"housekeepingInterval"`

	MonitorWindow      time.Duration `yaml:"monitorWindow"`
	ErroneousThreshold int           `yaml:"erroneousThreshold"`
	SpamThreshold      int           `yaml:"spamThreshold"`
}

// Default returns the production defaults.
func Default() Config {
	return Config{
		ListenAddress: ":29101",
		DataDir:       "data",
		LogLevel:      "info",

		MaxRequestSize: 1691,
		ReadTimeout:    13309 * time.Millisecond,
		WriteTimeout:   13309 * time.Millisecond,
		BusyThreshold:  2000,
		AcceptRate:     50,
		AcceptBurst:    100,

		RegularPoolCapacity:    10000,
		RegularPoolBufferSize:  512,
		OversizePoolCapacity:   1000,
		OversizePoolBufferSize: 10240,

		SessionsPerAccount:   4,
		DormantSessionExpiry: 8 * 24 * time.Hour,
		TimeLeniency:         125 * time.Minute,
		HousekeepingInterval: 5 * time.Minute,

		MonitorWindow:      32 * time.Minute,
		ErroneousThreshold: 47,
		SpamThreshold:      5129,
	}
}

// LoadFromPath loads the first readable candidate config file merged over
// the defaults, then applies environment overrides. A missing file is not
// an error; a present but invalid file is.
func LoadFromPath(configPath string) (Config, error) {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"configs/feedbactory.yaml",
			"feedbactory.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var parsed Config
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
		Merge(&cfg, parsed)
		break
	}

	ApplyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Merge copies every set field of src over dst. Zero values in src leave
// the destination untouched.
func Merge(dst *Config, src Config) {
	if src.ListenAddress != "" {
		dst.ListenAddress = src.ListenAddress
	}
	if src.MetricsAddress != "" {
		dst.MetricsAddress = src.MetricsAddress
	}
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if src.MaxRequestSize != 0 {
		dst.MaxRequestSize = src.MaxRequestSize
	}
	if src.ReadTimeout != 0 {
		dst.ReadTimeout = src.ReadTimeout
	}
	if src.WriteTimeout != 0 {
		dst.WriteTimeout = src.WriteTimeout
	}
	if src.BusyThreshold != 0 {
		dst.BusyThreshold = src.BusyThreshold
	}
	if src.AcceptRate != 0 {
		dst.AcceptRate = src.AcceptRate
	}
	if src.AcceptBurst != 0 {
		dst.AcceptBurst = src.AcceptBurst
	}
	if src.RegularPoolCapacity != 0 {
		dst.RegularPoolCapacity = src.RegularPoolCapacity
	}
	if src.RegularPoolBufferSize != 0 {
		dst.RegularPoolBufferSize = src.RegularPoolBufferSize
	}
	if src.OversizePoolCapacity != 0 {
		dst.OversizePoolCapacity = src.OversizePoolCapacity
	}
	if src.OversizePoolBufferSize != 0 {
		dst.OversizePoolBufferSize = src.OversizePoolBufferSize
	}
	if src.SessionsPerAccount != 0 {
		dst.SessionsPerAccount = src.SessionsPerAccount
	}
	if src.DormantSessionExpiry != 0 {
		dst.DormantSessionExpiry = src.DormantSessionExpiry
	}
	if src.TimeLeniency != 0 {
		dst.TimeLeniency = src.TimeLeniency
	}
	if src.HousekeepingInterval != 0 {
		dst.HousekeepingInterval = src.HousekeepingInterval
	}
	if src.MonitorWindow != 0 {
		dst.MonitorWindow = src.MonitorWindow
	}
	if src.ErroneousThreshold != 0 {
		dst.ErroneousThreshold = src.ErroneousThreshold
	}
	if src.SpamThreshold != 0 {
		dst.SpamThreshold = src.SpamThreshold
	}
}

// ApplyEnvOverrides overrides deployment-specific fields from the
// environment.
func ApplyEnvOverrides(cfg *Config) {
	if addr := strings.TrimSpace(os.Getenv("FEEDBACTORY_LISTEN_ADDRESS")); addr != "" {
		cfg.ListenAddress = addr
	}
	if addr := strings.TrimSpace(os.Getenv("FEEDBACTORY_METRICS_ADDRESS")); addr != "" {
		cfg.MetricsAddress = addr
	}
	if dir := strings.TrimSpace(os.Getenv("FEEDBACTORY_DATA_DIR")); dir != "" {
		cfg.DataDir = dir
	}
	if level := strings.TrimSpace(os.Getenv("FEEDBACTORY_LOG_LEVEL")); level != "" {
		cfg.LogLevel = level
	}
	if raw := strings.TrimSpace(os.Getenv("FEEDBACTORY_BUSY_THRESHOLD")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			cfg.BusyThreshold = v
		}
	}
}

// Validate enforces the floors the protocol and abuse protections rely on.
func (c Config) Validate() error {
	switch {
	case c.ListenAddress == "":
		return fmt.Errorf("%w: listen address must be set", ErrInvalidConfig)
	case c.MaxRequestSize < 64:
		return fmt.Errorf("%w: max request size below protocol minimum", ErrInvalidConfig)
	case c.ReadTimeout < time.Second || c.WriteTimeout < time.Second:
		return fmt.Errorf("%w: IO timeouts must be at least one second", ErrInvalidConfig)
	case c.BusyThreshold < 1:
		return fmt.Errorf("%w: busy threshold must be positive", ErrInvalidConfig)
	case c.AcceptRate <= 0 || c.AcceptBurst < 1:
		return fmt.Errorf("%w: accept limiter must be positive", ErrInvalidConfig)
	case c.RegularPoolCapacity < 1 || c.OversizePoolCapacity < 1:
		return fmt.Errorf("%w: pool capacities must be positive", ErrInvalidConfig)
	case c.RegularPoolBufferSize < 64:
		return fmt.Errorf("%w: regular pool buffer size too small", ErrInvalidConfig)
	case c.OversizePoolBufferSize <= c.RegularPoolBufferSize:
		return fmt.Errorf("%w: oversize buffers must exceed regular buffers", ErrInvalidConfig)
	case c.SessionsPerAccount < 1:
		return fmt.Errorf("%w: sessions per account must be positive", ErrInvalidConfig)
	case c.DormantSessionExpiry < time.Hour:
		return fmt.Errorf("%w: dormant session expiry below one hour", ErrInvalidConfig)
	case c.TimeLeniency < time.Minute:
		return fmt.Errorf("%w: time leniency below one minute", ErrInvalidConfig)
	case c.HousekeepingInterval < time.Minute:
		return fmt.Errorf("%w: housekeeping interval below one minute", ErrInvalidConfig)
	case c.MonitorWindow < time.Minute:
		return fmt.Errorf("%w: monitor window below one minute", ErrInvalidConfig)
	case c.ErroneousThreshold < 1 || c.SpamThreshold < 1:
		return fmt.Errorf("%w: monitor thresholds must be positive", ErrInvalidConfig)
	case c.SpamThreshold <= c.ErroneousThreshold:
		return fmt.Errorf("%w: spam threshold must exceed erroneous threshold", ErrInvalidConfig)
	}
	return nil
}
