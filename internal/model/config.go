// Package model defines the data structures for knotify's configuration, action catalog and status records.
package model

import (
	"fmt"
	"os"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
)

type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	Store    StoreConfig    `yaml:"store"`
	Timing   TimingConfig   `yaml:"timing"`
	HTTP     HTTPConfig     `yaml:"http"`
	Location LocationConfig `yaml:"location"`
	Message  MessageConfig  `yaml:"message"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec      int `yaml:"shutdown_timeout_sec"`
	MaxConcurrentDeliveries int `yaml:"max_concurrent_deliveries"`
	MaxIPCConnections       int `yaml:"max_ipc_connections"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"` // "yaml" (default) or "sqlite"
}

// TimingConfig holds every fixed window of the arming/delivery cycle.
// Zero values fall back to the defaults returned by the accessor methods.
type TimingConfig struct {
	ExecutingTimeoutMs int `yaml:"executing_timeout_ms"`
	RapidClickWindowMs int `yaml:"rapid_click_window_ms"`
	RapidClickCount    int `yaml:"rapid_click_count"`
	GraceDelayMs       int `yaml:"grace_delay_ms"`
	SuccessVisibleMs   int `yaml:"success_visible_ms"`
	ErrorVisibleMs     int `yaml:"error_visible_ms"`
	FailureVisibleMs   int `yaml:"failure_visible_ms"`
	TrailingDelayMs    int `yaml:"trailing_delay_ms"`
	RecoveryHoldMs     int `yaml:"recovery_hold_ms"`
}

type HTTPConfig struct {
	TimeoutSec int `yaml:"timeout_sec"`
}

type LocationConfig struct {
	Home            Coordinates `yaml:"home"`
	GeofenceRadiusM float64     `yaml:"geofence_radius_m"`
	Units           UnitSystem  `yaml:"units"`
}

type MessageConfig struct {
	Provider string `yaml:"provider"` // "log" (default) or "desktop"
	Title    string `yaml:"title"`
}

func ms(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Millisecond
}

func (t TimingConfig) ExecutingTimeout() time.Duration { return ms(t.ExecutingTimeoutMs, 30_000) }
func (t TimingConfig) RapidClickWindow() time.Duration { return ms(t.RapidClickWindowMs, 2_000) }
func (t TimingConfig) GraceDelay() time.Duration       { return ms(t.GraceDelayMs, 4_000) }
func (t TimingConfig) SuccessVisible() time.Duration   { return ms(t.SuccessVisibleMs, 4_000) }
func (t TimingConfig) ErrorVisible() time.Duration     { return ms(t.ErrorVisibleMs, 5_000) }
func (t TimingConfig) FailureVisible() time.Duration   { return ms(t.FailureVisibleMs, 10_000) }
func (t TimingConfig) TrailingDelay() time.Duration    { return ms(t.TrailingDelayMs, 600) }
func (t TimingConfig) RecoveryHold() time.Duration     { return ms(t.RecoveryHoldMs, 5_000) }

func (t TimingConfig) RapidClicks() int {
	if t.RapidClickCount <= 0 {
		return 3
	}
	return t.RapidClickCount
}

func (h HTTPConfig) Timeout() time.Duration {
	if h.TimeoutSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(h.TimeoutSec) * time.Second
}

func (l LocationConfig) GeofenceRadius() float64 {
	if l.GeofenceRadiusM <= 0 {
		return 70
	}
	return l.GeofenceRadiusM
}

func (d DaemonConfig) ShutdownTimeout() time.Duration {
	if d.ShutdownTimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(d.ShutdownTimeoutSec) * time.Second
}

func (d DaemonConfig) DeliveryWorkers() int64 {
	if d.MaxConcurrentDeliveries <= 0 {
		return 4
	}
	return int64(d.MaxConcurrentDeliveries)
}

// IPCConnections bounds the CLI connections served at once.
func (d DaemonConfig) IPCConnections() int64 {
	if d.MaxIPCConnections <= 0 {
		return 16
	}
	return int64(d.MaxIPCConnections)
}

// LoadConfig reads config.yaml. A missing file yields the zero Config, which
// resolves to defaults everywhere.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
