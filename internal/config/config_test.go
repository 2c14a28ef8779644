package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pyde1.conf")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeTemp(t, "bluetooth:\n  scan_time: 3s\n")
	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bluetooth.ScanTime.Seconds() != 3 {
		t.Errorf("scan_time = %v, want 3s", cfg.Bluetooth.ScanTime)
	}
	if cfg.Bluetooth.ReconnectRetryCount != 6 {
		t.Errorf("reconnect_retry_count default = %d, want 6", cfg.Bluetooth.ReconnectRetryCount)
	}
	if cfg.DE1.SequenceWatchdogTimeout.Seconds() != 270 {
		t.Errorf("sequence_watchdog_timeout default = %v, want 270s", cfg.DE1.SequenceWatchdogTimeout)
	}
	if cfg.HTTP.ServerPort != 8080 {
		t.Errorf("server_port default = %d, want 8080", cfg.HTTP.ServerPort)
	}
}

func TestLoad_UnknownSectionWarnsNotErrors(t *testing.T) {
	path := writeTemp(t, "totally_unknown_section:\n  foo: bar\n")
	if _, err := Load(path, nil); err != nil {
		t.Fatalf("Load should not fail on unknown section: %v", err)
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	path := writeTemp(t, "logging:\n  level: nonsense\n")
	if _, err := Load(path, nil); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("PYDE1_TEST_BROKER", "tcp://broker.local:1883")
	path := writeTemp(t, "mqtt:\n  broker: ${PYDE1_TEST_BROKER}\n")
	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MQTT.Broker != "tcp://broker.local:1883" {
		t.Errorf("broker = %q, want expanded env value", cfg.MQTT.Broker)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	if _, err := FindConfig("/does/not/exist.conf"); err == nil {
		t.Fatal("expected error for missing explicit path")
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default() config should validate: %v", err)
	}
}
