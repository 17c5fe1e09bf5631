// Package config loads stagerec settings from ~/.stagerec/config.yaml,
// fills defaults and applies environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// DefaultServer is the recordings API used when none is configured.
const DefaultServer = "https://gigset.app"

// Config is the on-disk configuration.
type Config struct {
	Server   string `yaml:"server"`
	APIKey   string `yaml:"api_key,omitempty"`
	DeviceID string `yaml:"device_id,omitempty"`
	Band     string `yaml:"band,omitempty"` // used to build recording links
	DBPath   string `yaml:"db_path,omitempty"`

	Capture CaptureConfig `yaml:"capture"`
	Upload  UploadConfig  `yaml:"upload"`
	Guard   GuardConfig   `yaml:"guard"`
	Redis   RedisConfig   `yaml:"redis"`

	StatusInterval time.Duration `yaml:"status_interval"`
}

// CaptureConfig selects the input and its format.
type CaptureConfig struct {
	Command         string        `yaml:"command"`
	Device          string        `yaml:"device"`
	SampleRate      int           `yaml:"sample_rate"`
	Channels        int           `yaml:"channels"`
	SegmentInterval time.Duration `yaml:"segment_interval"`
}

// UploadConfig tunes the transport.
type UploadConfig struct {
	ThresholdMB     int64         `yaml:"threshold_mb"`
	ChunkSizeMB     int           `yaml:"chunk_size_mb"`
	MaxChunkRetries int           `yaml:"max_chunk_retries"`
	ChunkRate       float64       `yaml:"chunk_rate,omitempty"`
	Timeout         time.Duration `yaml:"timeout"`
}

// GuardConfig holds preflight limits.
type GuardConfig struct {
	MaxMemoryUsage float64 `yaml:"max_memory_usage"`
	MinFreeDiskMB  uint64  `yaml:"min_free_disk_mb"`
}

// RedisConfig enables the status publisher when URL is set.
type RedisConfig struct {
	URL      string `yaml:"url,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// Default returns a configuration with every default filled in.
func Default() *Config {
	return &Config{
		Server: DefaultServer,
		DBPath: filepath.Join(Dir(), "stagerec.db"),
		Capture: CaptureConfig{
			Command:         "arecord",
			Device:          "default",
			SampleRate:      48000,
			Channels:        2,
			SegmentInterval: time.Second,
		},
		Upload: UploadConfig{
			ThresholdMB:     100,
			ChunkSizeMB:     8,
			MaxChunkRetries: 3,
			Timeout:         10 * time.Minute,
		},
		Guard: GuardConfig{
			MaxMemoryUsage: 0.80,
			MinFreeDiskMB:  512,
		},
		StatusInterval: time.Second,
	}
}

// Dir returns the stagerec home directory (~/.stagerec, or $STAGEREC_HOME).
func Dir() string {
	if dir := os.Getenv("STAGEREC_HOME"); dir != "" {
		return dir
	}
	return filepath.Join(getUserHomeDir(), ".stagerec")
}

// DefaultPath returns the path of the config file.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// LogDir returns the directory for debug logs.
func LogDir() string {
	return filepath.Join(Dir(), "logs")
}

// Load reads path, fills defaults and applies environment overrides.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file settings with environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("STAGEREC_SERVER"); v != "" {
		c.Server = v
	}
	if v := os.Getenv("STAGEREC_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("STAGEREC_DB"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
}

// fillDefaults restores defaults for zero values a partial file left behind.
func (c *Config) fillDefaults() {
	d := Default()
	if c.Server == "" {
		c.Server = d.Server
	}
	if c.DBPath == "" {
		c.DBPath = d.DBPath
	}
	if c.Capture.Command == "" {
		c.Capture.Command = d.Capture.Command
	}
	if c.Capture.Device == "" {
		c.Capture.Device = d.Capture.Device
	}
	if c.Capture.SampleRate == 0 {
		c.Capture.SampleRate = d.Capture.SampleRate
	}
	if c.Capture.Channels == 0 {
		c.Capture.Channels = d.Capture.Channels
	}
	if c.Capture.SegmentInterval == 0 {
		c.Capture.SegmentInterval = d.Capture.SegmentInterval
	}
	if c.Upload.ThresholdMB == 0 {
		c.Upload.ThresholdMB = d.Upload.ThresholdMB
	}
	if c.Upload.ChunkSizeMB == 0 {
		c.Upload.ChunkSizeMB = d.Upload.ChunkSizeMB
	}
	if c.Upload.Timeout == 0 {
		c.Upload.Timeout = d.Upload.Timeout
	}
	if c.Guard.MaxMemoryUsage == 0 {
		c.Guard.MaxMemoryUsage = d.Guard.MaxMemoryUsage
	}
	if c.Guard.MinFreeDiskMB == 0 {
		c.Guard.MinFreeDiskMB = d.Guard.MinFreeDiskMB
	}
	if c.StatusInterval == 0 {
		c.StatusInterval = d.StatusInterval
	}
}

// Validate checks values that would break capture or upload.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid server URL %q", c.Server)
	}
	if c.Capture.SampleRate < 8000 {
		return fmt.Errorf("capture.sample_rate %d is below 8000", c.Capture.SampleRate)
	}
	if c.Capture.Channels < 1 || c.Capture.Channels > 8 {
		return fmt.Errorf("capture.channels must be between 1 and 8, got %d", c.Capture.Channels)
	}
	if c.Upload.ChunkSizeMB < 1 {
		return fmt.Errorf("upload.chunk_size_mb must be positive")
	}
	if c.Guard.MaxMemoryUsage <= 0 || c.Guard.MaxMemoryUsage > 1 {
		return fmt.Errorf("guard.max_memory_usage must be in (0, 1], got %v", c.Guard.MaxMemoryUsage)
	}
	return nil
}

// Save writes cfg to path, creating the directory.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// EnsureDeviceID assigns a persistent device id on first use.
func EnsureDeviceID(path string, cfg *Config) (string, error) {
	if cfg.DeviceID != "" {
		return cfg.DeviceID, nil
	}
	cfg.DeviceID = uuid.NewString()
	if err := Save(path, cfg); err != nil {
		return cfg.DeviceID, err
	}
	return cfg.DeviceID, nil
}

// RecordingURL returns the server page for an uploaded recording.
func (c *Config) RecordingURL(setlist, recordingID string) string {
	band := c.Band
	if band == "" {
		band = "_"
	}
	return fmt.Sprintf("%s/bands/%s/setlists/%s/recordings/%s",
		strings.TrimRight(c.Server, "/"), url.PathEscape(band), url.PathEscape(setlist), url.PathEscape(recordingID))
}

// getUserHomeDir returns the user's home directory
func getUserHomeDir() string {
	if runtime.GOOS == "windows" {
		baseDir := os.Getenv("USERPROFILE")
		if baseDir == "" {
			baseDir = os.Getenv("HOME")
		}
		return baseDir
	}

	baseDir, err := os.UserHomeDir()
	if err != nil {
		baseDir = os.Getenv("HOME")
	}
	return baseDir
}
