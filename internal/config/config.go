// Package config handles pyde1 configuration loading.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first by FindConfig.
// Otherwise:./pyde1.conf, ~/.config/pyde1/pyde1.conf, then the
// system location under /usr/local/etc/pyde1.
func DefaultSearchPaths() []string {
	paths := []string{"pyde1.conf"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "pyde1", "pyde1.conf"))
	}

	paths = append(paths, "/usr/local/etc/pyde1/pyde1.conf")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Duration wraps time.Duration so config files can write "10s"-style
// strings; a bare number is taken as seconds.
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Tag {
	case "!!int", "!!float":
		var secs float64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		d.Duration = time.Duration(secs * float64(time.Second))
		return nil
	default:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		dur, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		d.Duration = dur
		return nil
	}
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Config holds the full set of recognised top-level sections:
// bluetooth, database, de1, http, logging, mqtt.
type Config struct {
	Bluetooth BluetoothConfig `yaml:"bluetooth"`
	Database  DatabaseConfig  `yaml:"database"`
	DE1       DE1Config       `yaml:"de1"`
	HTTP      HTTPConfig      `yaml:"http"`
	Logging   LoggingConfig   `yaml:"logging"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
}

// BluetoothConfig controls MBD scan/connect/reconnect timing and the
// on-disk scratch area used for crash recovery.
type BluetoothConfig struct {
	ScanTime            Duration `yaml:"scan_time"`
	ConnectTimeout      Duration `yaml:"connect_timeout"`
	DisconnectTimeout   Duration `yaml:"disconnect_timeout"`
	ReconnectRetryCount int      `yaml:"reconnect_retry_count"`
	ReconnectGap        Duration `yaml:"reconnect_gap"`
	IDFileDirectory     string   `yaml:"id_file_directory"`
	IDFileSuffix        string   `yaml:"id_file_suffix"`
}

// DatabaseConfig controls the persistent store location and backup cadence.
type DatabaseConfig struct {
	Filename      string   `yaml:"filename"`
	BackupTimeout Duration `yaml:"backup_timeout"`
}

// DE1Config controls machine-level defaults and shot-lifecycle timing.
type DE1Config struct {
	LineFrequency           int      `yaml:"line_frequency"`
	DefaultAutoOffTime      Duration `yaml:"default_auto_off_time"`
	StopAtWeightAdjust      float64  `yaml:"stop_at_weight_adjust"`
	MaxWaitForReadyEvents   Duration `yaml:"max_wait_for_ready_events"`
	SequenceWatchdogTimeout Duration `yaml:"sequence_watchdog_timeout"`
}

// HTTPConfig controls the request-surface server.
type HTTPConfig struct {
	ServerHost     string   `yaml:"server_host"`
	ServerPort     int      `yaml:"server_port"`
	PatchSizeLimit int64    `yaml:"patch_size_limit"`
	AsyncTimeout   Duration `yaml:"async_timeout"`
	ProfileTimeout Duration `yaml:"profile_timeout"`
}

// LoggingConfig controls the process-wide slog handler.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// MQTTConfig controls the notification-bus transport.
type MQTTConfig struct {
	Broker    string `yaml:"broker"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	ClientID  string `yaml:"client_id"`
	TopicRoot string `yaml:"topic_root"`
	RetainAll bool   `yaml:"retain_all"`
}

// Load reads, expands, unmarshals, defaults, and validates a config
// file. Unknown keys are warned rather than treated as fatal.
func Load(path string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	warnUnknownKeys(expanded, logger)

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// warnUnknownKeys walks the raw YAML document and logs any top-level
// section name not recognised by Config, without failing the load.
func warnUnknownKeys(raw string, logger *slog.Logger) {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(raw), &doc); err != nil || len(doc.Content) == 0 {
		return
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return
	}
	known := map[string]bool{
		"bluetooth": true, "database": true, "de1": true,
		"http": true, "logging": true, "mqtt": true,
	}
	for i := 0; i < len(root.Content); i += 2 {
		key := root.Content[i].Value
		if !known[key] {
			logger.Warn("config: unrecognised top-level section", "section", key)
		}
	}
}

// applyDefaults fills in zero-value fields with the documented
// defaults. After this, callers can read any field without
// checking for zero values.
func (c *Config) applyDefaults() {
	b := &c.Bluetooth
	if b.ScanTime.Duration <= 0 {
		b.ScanTime = Duration{5 * time.Second}
	}
	if b.ConnectTimeout.Duration <= 0 {
		b.ConnectTimeout = Duration{10 * time.Second}
	}
	if b.DisconnectTimeout.Duration <= 0 {
		b.DisconnectTimeout = Duration{5 * time.Second}
	}
	if b.ReconnectRetryCount <= 0 {
		b.ReconnectRetryCount = 6
	}
	if b.ReconnectGap.Duration <= 0 {
		b.ReconnectGap = Duration{30 * time.Second}
	}
	if b.IDFileDirectory == "" {
		b.IDFileDirectory = "/var/lib/pyde1"
	}
	if b.IDFileSuffix == "" {
		b.IDFileSuffix = ".btid"
	}

	d := &c.Database
	if d.Filename == "" {
		d.Filename = "/var/lib/pyde1/pyde1.sqlite3"
	}
	if d.BackupTimeout.Duration <= 0 {
		d.BackupTimeout = Duration{30 * time.Second}
	}

	m := &c.DE1
	if m.LineFrequency == 0 {
		m.LineFrequency = 60
	}
	if m.DefaultAutoOffTime.Duration <= 0 {
		m.DefaultAutoOffTime = Duration{5 * time.Minute}
	}
	if m.MaxWaitForReadyEvents.Duration <= 0 {
		m.MaxWaitForReadyEvents = Duration{3 * time.Second}
	}
	if m.SequenceWatchdogTimeout.Duration <= 0 {
		m.SequenceWatchdogTimeout = Duration{270 * time.Second}
	}

	h := &c.HTTP
	if h.ServerPort == 0 {
		h.ServerPort = 8080
	}
	if h.PatchSizeLimit <= 0 {
		h.PatchSizeLimit = 1 << 20
	}
	if h.AsyncTimeout.Duration <= 0 {
		h.AsyncTimeout = Duration{10 * time.Second}
	}
	if h.ProfileTimeout.Duration <= 0 {
		h.ProfileTimeout = Duration{5 * time.Second}
	}

	if c.MQTT.TopicRoot == "" {
		c.MQTT.TopicRoot = "pyde1"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "pyde1d"
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
func (c *Config) Validate() error {
	if c.HTTP.ServerPort < 1 || c.HTTP.ServerPort > 65535 {
		return fmt.Errorf("http.server_port %d out of range (1-65535)", c.HTTP.ServerPort)
	}
	if c.Logging.Level != "" {
		if _, err := ParseLogLevel(c.Logging.Level); err != nil {
			return err
		}
	}
	if c.Bluetooth.ReconnectRetryCount < 1 {
		return fmt.Errorf("bluetooth.reconnect_retry_count must be >= 1")
	}
	return nil
}

// Default returns a default configuration suitable for local
// development against a simulated DE1. All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
