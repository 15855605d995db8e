package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	DefaultServerURL    = "https://api.dataplicity.com/jsonrpc/"
	DefaultPollSeconds  = 60.0
	DefaultListenPort   = 8888
	DefaultTimelinePath = "/var/dataplicity/timeline"
	DefaultFirmwarePath = "/var/dataplicity/firmware"
)

// Config is the on-disk daemon configuration.
type Config struct {
	Server    ServerConfig     `toml:"server"`
	Device    DeviceConfig     `toml:"device"`
	Daemon    DaemonConfig     `toml:"daemon"`
	Timelines TimelinesConfig  `toml:"timelines"`
	Timeline  []TimelineConfig `toml:"timeline"`

	// Path is the file the config was loaded from.
	Path string `toml:"-"`
}

type ServerConfig struct {
	URL string `toml:"url"`
}

type DeviceConfig struct {
	Serial   string `toml:"serial"`
	Name     string `toml:"name"`
	Class    string `toml:"class"`
	Company  string `toml:"company"`
	Auth     string `toml:"auth"`
	AutoText string `toml:"auto_device_text"`
}

type DaemonConfig struct {
	PollSeconds float64 `toml:"poll"`
	Port        int     `toml:"port"`
	// MetricsPort serves prometheus exposition on loopback. Zero disables
	// it.
	MetricsPort  int    `toml:"metrics_port"`
	FirmwareConf string `toml:"firmware_conf"`
	FirmwarePath string `toml:"firmware_path"`
}

type TimelinesConfig struct {
	Path string `toml:"path"`
}

type TimelineConfig struct {
	Name      string `toml:"name"`
	MaxEvents int    `toml:"max_events"`
}

// Load reads, defaults, and validates one config file.
func Load(path string) (Config, error) {
	var cfg Config
	if err := loadToml(path, &cfg); err != nil {
		return Config{}, err
	}
	cfg.Path = path
	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.URL == "" {
		cfg.Server.URL = DefaultServerURL
	}
	if cfg.Daemon.PollSeconds <= 0 {
		cfg.Daemon.PollSeconds = DefaultPollSeconds
	}
	if cfg.Daemon.Port == 0 {
		cfg.Daemon.Port = DefaultListenPort
	}
	if cfg.Daemon.FirmwareConf == "" {
		cfg.Daemon.FirmwareConf = filepath.Join(filepath.Dir(cfg.Path), "firmware.conf")
	}
	if cfg.Daemon.FirmwarePath == "" {
		cfg.Daemon.FirmwarePath = DefaultFirmwarePath
	}
	if cfg.Timelines.Path == "" {
		cfg.Timelines.Path = DefaultTimelinePath
	}
	if cfg.Device.Name == "" {
		cfg.Device.Name = cfg.Device.Serial
	}
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Device.Class) == "" {
		return fmt.Errorf("device config missing class")
	}
	if strings.TrimSpace(cfg.Server.URL) == "" {
		return fmt.Errorf("server config missing url")
	}
	for i, tl := range cfg.Timeline {
		if err := ValidateTimelineEntry(tl); err != nil {
			return fmt.Errorf("timeline[%d] invalid: %w", i, err)
		}
	}
	return nil
}

func ValidateTimelineEntry(cfg TimelineConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if cfg.MaxEvents < 0 {
		return fmt.Errorf("max_events must not be negative")
	}
	return nil
}
