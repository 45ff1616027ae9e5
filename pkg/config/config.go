// Package config holds the configuration of the bluetooth management layer.
// Values left unset fall back to struct-tag defaults; an optional YAML file
// can override them.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/btmanager/pkg/manager"
	"github.com/srg/btmanager/pkg/rssi"
)

// Device holds per-device governor settings.
type Device struct {
	// OnlineTimeout is the window in seconds after the last activity within
	// which a device counts as online.
	OnlineTimeout int `yaml:"online_timeout" default:"20"`
	// MeasuredTxPower is the user-measured TX power one meter away from the
	// adapter, 0 when unknown.
	MeasuredTxPower int16 `yaml:"measured_tx_power"`
	// SignalPropagationExponent is the environment factor of the distance
	// model, from 2.0 (outdoors) to 4.0 (indoors).
	SignalPropagationExponent float64 `yaml:"signal_propagation_exponent" default:"2.0"`
	// RssiReportingRate is the minimum interval between reported RSSI events
	// in milliseconds. 0 reports unconditionally.
	RssiReportingRate int64 `yaml:"rssi_reporting_rate" default:"1000"`
	// RssiFilteringEnabled toggles RSSI smoothing.
	RssiFilteringEnabled bool `yaml:"rssi_filtering_enabled" default:"true"`
	// RssiFilter selects the smoothing filter: "kalman", "moving-average" or
	// "none".
	RssiFilter string `yaml:"rssi_filter" default:"kalman"`
}

// Config holds manager-level settings.
type Config struct {
	// DiscoveryRate is the period of the discovery job in seconds.
	DiscoveryRate int `yaml:"discovery_rate" default:"10"`
	// RefreshRate is the period of per-governor refresh tasks in seconds.
	RefreshRate int `yaml:"refresh_rate" default:"5"`
	// StartDiscovering makes freshly discovered adapters start device
	// discovery.
	StartDiscovering bool `yaml:"start_discovering"`
	// Rediscover re-emits discovered events for already known entities.
	Rediscover bool `yaml:"rediscover"`

	LogLevel string `yaml:"log_level" default:"info"`

	Device Device `yaml:"device"`
}

// Default returns the configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML configuration file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// NewLogger creates a logger configured per the config.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// ManagerOptions converts the config into manager options.
func (c *Config) ManagerOptions() manager.Options {
	return manager.Options{
		DiscoveryRate: time.Duration(c.DiscoveryRate) * time.Second,
		RefreshRate:   time.Duration(c.RefreshRate) * time.Second,
		Rediscover:    c.Rediscover,
		DeviceDefaults: manager.DeviceDefaults{
			OnlineTimeout:             time.Duration(c.Device.OnlineTimeout) * time.Second,
			MeasuredTxPower:           c.Device.MeasuredTxPower,
			SignalPropagationExponent: c.Device.SignalPropagationExponent,
			RssiReportingRate:         time.Duration(c.Device.RssiReportingRate) * time.Millisecond,
			RssiFilteringEnabled:      c.Device.RssiFilteringEnabled,
		},
	}
}

// FilterKind maps the configured filter name to a filter kind. Unknown names
// fall back to the Kalman filter.
func (c *Config) FilterKind() rssi.Kind {
	switch c.Device.RssiFilter {
	case "none":
		return rssi.None
	case "moving-average":
		return rssi.MovingAverage
	default:
		return rssi.Kalman
	}
}
