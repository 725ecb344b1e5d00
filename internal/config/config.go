// ABOUTME: Player configuration loaded from YAML with defaults
// ABOUTME: Command line flags override values read from the file
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds all player settings
type Config struct {
	ServerAddress string          `yaml:"server_address"`
	ControlPort   int             `yaml:"control_port"`
	DeviceID      string          `yaml:"device_id"`
	LogLevel      string          `yaml:"log_level"`
	LogFile       string          `yaml:"log_file"`
	Connect       ConnectConfig   `yaml:"connect"`
	Audio         AudioConfig     `yaml:"audio"`
	Discovery     DiscoveryConfig `yaml:"discovery"`
	Remote        RemoteConfig    `yaml:"remote"`
	UI            UIConfig        `yaml:"ui"`
}

// ConnectConfig bounds the initial control connection attempts
type ConnectConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

// AudioConfig sizes the audio pipeline
type AudioConfig struct {
	BufferFrames     int `yaml:"buffer_frames"`
	PoolSize         int `yaml:"pool_size"`
	PrimingWrites    int `yaml:"priming_writes"`
	NativeSampleRate int `yaml:"native_sample_rate"`
	Volume           int `yaml:"volume"`
}

// DiscoveryConfig controls mDNS lookup of the server
type DiscoveryConfig struct {
	Enabled bool          `yaml:"enabled"`
	Service string        `yaml:"service"`
	Timeout time.Duration `yaml:"timeout"`
}

// RemoteConfig enables the websocket remote-control endpoint
type RemoteConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// UIConfig controls the terminal UI
type UIConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the configuration used when no file is given
func Default() Config {
	return Config{
		ControlPort: 8080,
		DeviceID:    uuid.New().String(),
		LogFile:     "jonect-player.log",
		Connect: ConnectConfig{
			MaxAttempts: 100,
			RetryDelay:  10 * time.Millisecond,
		},
		Audio: AudioConfig{
			BufferFrames:     256,
			PoolSize:         32,
			PrimingWrites:    4,
			NativeSampleRate: 48000,
			Volume:           100,
		},
		Discovery: DiscoveryConfig{
			Enabled: true,
			Service: "_jonect._tcp",
			Timeout: 10 * time.Second,
		},
		UI: UIConfig{Enabled: true},
	}
}

// Load reads a YAML file on top of the defaults
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.New().String()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges
func (c Config) Validate() error {
	var errs []error
	if c.ControlPort <= 0 || c.ControlPort > 65535 {
		errs = append(errs, fmt.Errorf("control_port out of range: %d", c.ControlPort))
	}
	if c.Connect.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("connect.max_attempts must be positive: %d", c.Connect.MaxAttempts))
	}
	if c.Connect.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("connect.retry_delay must not be negative: %v", c.Connect.RetryDelay))
	}
	if c.Audio.BufferFrames <= 0 {
		errs = append(errs, fmt.Errorf("audio.buffer_frames must be positive: %d", c.Audio.BufferFrames))
	}
	if c.Audio.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.pool_size must be positive: %d", c.Audio.PoolSize))
	}
	if c.Audio.PrimingWrites < 0 {
		errs = append(errs, fmt.Errorf("audio.priming_writes must not be negative: %d", c.Audio.PrimingWrites))
	}
	if c.Audio.NativeSampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.native_sample_rate must be positive: %d", c.Audio.NativeSampleRate))
	}
	if c.Audio.Volume < 0 || c.Audio.Volume > 100 {
		errs = append(errs, fmt.Errorf("audio.volume must be 0-100: %d", c.Audio.Volume))
	}
	return errors.Join(errs...)
}
