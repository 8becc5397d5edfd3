package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Device   DeviceConfig  `yaml:"device"`
	BLE      BLEConfig     `yaml:"ble"`
	History  HistoryConfig `yaml:"history"`
	LogLevel string        `yaml:"log_level"`
}

// DeviceConfig identifies the TimeFlip to talk to.
type DeviceConfig struct {
	// Address is a MAC address on Linux and Windows, a CoreBluetooth UUID on macOS.
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
}

// BLEConfig holds Bluetooth stack settings.
type BLEConfig struct {
	Backend         string        `yaml:"backend"`    // "tinygo" or "hci"
	HCIDevice       int           `yaml:"hci_device"` // hci backend only
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	ConnectAttempts int           `yaml:"connect_attempts"`
	ReconnectMax    int           `yaml:"reconnect_max"` // max backoff in seconds
	NotifyBuffer    int           `yaml:"notify_buffer"`
}

// HistoryConfig holds history read-out settings.
type HistoryConfig struct {
	MaxPackages int  `yaml:"max_packages"`
	SkipInvalid bool `yaml:"skip_invalid"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "timeflip")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Password: "000000",
		},
		BLE: BLEConfig{
			Backend:         "tinygo",
			ConnectTimeout:  10 * time.Second,
			ConnectAttempts: 3,
			ReconnectMax:    30,
			NotifyBuffer:    32,
		},
		History: HistoryConfig{
			MaxPackages: 4096,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values. The device address is not
// required here since it can be given on the command line.
func (c *Config) Validate() error {
	if len(c.Device.Password) != 6 {
		return fmt.Errorf("device.password must be 6 characters, got %d", len(c.Device.Password))
	}
	for i := 0; i < len(c.Device.Password); i++ {
		if c.Device.Password[i] >= 0x80 {
			return fmt.Errorf("device.password must be ASCII")
		}
	}

	switch c.BLE.Backend {
	case "tinygo", "hci":
	default:
		return fmt.Errorf("ble.backend must be \"tinygo\" or \"hci\", got %q", c.BLE.Backend)
	}

	if c.BLE.HCIDevice < 0 {
		return fmt.Errorf("ble.hci_device must be >= 0")
	}

	if c.BLE.ConnectTimeout <= 0 {
		return fmt.Errorf("ble.connect_timeout must be > 0")
	}

	if c.BLE.ConnectAttempts < 1 {
		return fmt.Errorf("ble.connect_attempts must be >= 1")
	}

	if c.BLE.ReconnectMax < 1 {
		return fmt.Errorf("ble.reconnect_max must be >= 1")
	}

	if c.BLE.NotifyBuffer < 1 {
		return fmt.Errorf("ble.notify_buffer must be >= 1")
	}

	if c.History.MaxPackages < 1 {
		return fmt.Errorf("history.max_packages must be >= 1")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps a log_level value to a slog level. Unknown values
// map to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# timeflip configuration
# device.address: MAC address (Linux, Windows) or CoreBluetooth UUID (macOS)
# ble.backend: "tinygo" (BlueZ / CoreBluetooth / WinRT) or "hci" (raw HCI socket, Linux only)
`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the path written, or "" if a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	// The file holds the device password.
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0600); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}
