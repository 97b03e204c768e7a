// Package config handles configuration loading and validation for the
// tracker and peer processes.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads and writes as a Go duration string
// ("10s", "1m30s") in YAML.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// LogConfig selects where the zap logger writes.
type LogConfig struct {
	File  string `yaml:"file"`
	Level string `yaml:"level"`
}

// TrackerConfig holds configuration for the tracker.
type TrackerConfig struct {
	Listen            string    `yaml:"listen"`
	SnapshotPath      string    `yaml:"snapshot_path"`
	CheckInterval     Duration  `yaml:"check_interval"`
	ReplicationPeriod Duration  `yaml:"replication_interval"`
	Timeout           Duration  `yaml:"timeout"`
	ReplicationFactor int       `yaml:"replication_factor"`
	DispatchTimeout   Duration  `yaml:"dispatch_timeout"`
	InFlightTTL       Duration  `yaml:"inflight_ttl"`
	Advertise         bool      `yaml:"advertise"`
	Log               LogConfig `yaml:"log"`
}

// PeerConfig holds configuration for a storage peer.
type PeerConfig struct {
	ID                string    `yaml:"id"`
	Host              string    `yaml:"host"`
	ControlListen     string    `yaml:"control_listen"`
	DataListen        string    `yaml:"data_listen"`
	Tracker           string    `yaml:"tracker"`
	StoreDir          string    `yaml:"store_dir"`
	HeartbeatInterval Duration  `yaml:"heartbeat_interval"`
	TransferTimeout   Duration  `yaml:"transfer_timeout"`
	RequestTimeout    Duration  `yaml:"request_timeout"`
	ChunkSize         int       `yaml:"chunk_size"`
	RegisterAttempts  int       `yaml:"register_attempts"`
	RegisterBackoff   Duration  `yaml:"register_backoff"`
	DirectoryTTL      Duration  `yaml:"directory_ttl"`
	DownloadWorkers   int       `yaml:"download_workers"`
	Log               LogConfig `yaml:"log"`
}

// DefaultTrackerConfig returns a tracker config with every default applied.
func DefaultTrackerConfig() *TrackerConfig {
	cfg := &TrackerConfig{Advertise: true}
	cfg.applyDefaults()
	return cfg
}

// DefaultPeerConfig returns a peer config with every default applied.
func DefaultPeerConfig() *PeerConfig {
	cfg := &PeerConfig{}
	cfg.applyDefaults()
	return cfg
}

// LoadTrackerConfig loads tracker configuration from a YAML file.
func LoadTrackerConfig(path string) (*TrackerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &TrackerConfig{Advertise: true}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadPeerConfig loads peer configuration from a YAML file.
func LoadPeerConfig(path string) (*PeerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &PeerConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *TrackerConfig) applyDefaults() {
	if c.Listen == "" {
		c.Listen = "0.0.0.0:5000"
	}
	if c.SnapshotPath == "" {
		c.SnapshotPath = "metadata.json"
	}
	if c.CheckInterval == 0 {
		c.CheckInterval = Duration(10 * time.Second)
	}
	if c.ReplicationPeriod == 0 {
		c.ReplicationPeriod = c.CheckInterval
	}
	if c.Timeout == 0 {
		c.Timeout = Duration(30 * time.Second)
	}
	if c.ReplicationFactor == 0 {
		c.ReplicationFactor = 2
	}
	if c.DispatchTimeout == 0 {
		c.DispatchTimeout = Duration(5 * time.Second)
	}
	if c.InFlightTTL == 0 {
		c.InFlightTTL = Duration(60 * time.Second)
	}
}

// Validate checks the tracker configuration for obvious mistakes.
func (c *TrackerConfig) Validate() error {
	var errs []error
	if c.ReplicationFactor < 1 {
		errs = append(errs, fmt.Errorf("replication_factor must be at least 1, got %d", c.ReplicationFactor))
	}
	if c.CheckInterval <= 0 || c.ReplicationPeriod <= 0 {
		errs = append(errs, errors.New("check_interval and replication_interval must be positive"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}
	if c.DispatchTimeout <= 0 {
		errs = append(errs, errors.New("dispatch_timeout must be positive"))
	}
	return errors.Join(errs...)
}

func (c *PeerConfig) applyDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.ControlListen == "" {
		c.ControlListen = "0.0.0.0:9001"
	}
	if c.DataListen == "" {
		c.DataListen = "0.0.0.0:9011"
	}
	if c.StoreDir == "" {
		c.StoreDir = "chunks"
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = Duration(10 * time.Second)
	}
	if c.TransferTimeout == 0 {
		c.TransferTimeout = Duration(10 * time.Second)
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = Duration(5 * time.Second)
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = 4 * 1024 * 1024
	}
	if c.RegisterAttempts == 0 {
		c.RegisterAttempts = 5
	}
	if c.RegisterBackoff == 0 {
		c.RegisterBackoff = Duration(2 * time.Second)
	}
	if c.DirectoryTTL == 0 {
		c.DirectoryTTL = Duration(30 * time.Second)
	}
	if c.DownloadWorkers == 0 {
		c.DownloadWorkers = 5
	}
}

// Validate checks the peer configuration.
func (c *PeerConfig) Validate() error {
	var errs []error
	if c.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("heartbeat_interval must be positive"))
	}
	if c.DownloadWorkers < 1 {
		errs = append(errs, errors.New("download_workers must be at least 1"))
	}
	return errors.Join(errs...)
}
