package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
device:
  name: "Kitchen lamp"
  model_id: "ABCDE"
  firmware_version: "1.2.0"
cloud:
  api_key: "TEST_API_KEY"
  client_id: "TEST_CLIENT"
  polling_period: 15
storage:
  path: "/tmp/test.db"
mqtt:
  enabled: true
  broker:
    host: "localhost"
    port: 1883
    client_id: "test-client"
  qos: 1
api:
  host: "0.0.0.0"
  port: 8080
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Device.Name != "Kitchen lamp" {
		t.Errorf("Device.Name = %q", cfg.Device.Name)
	}
	if cfg.Storage.Path != "/tmp/test.db" {
		t.Errorf("Storage.Path = %q", cfg.Storage.Path)
	}
	if cfg.MQTT.Broker.Host != "localhost" {
		t.Errorf("MQTT.Broker.Host = %q", cfg.MQTT.Broker.Host)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	content := `
device:
  model_id: "TOO_LONG_ID"
storage:
  path: "/tmp/test.db"
`
	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Error("Load() expected validation error for bad model id, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("WEAVED_STORAGE_PATH", "/tmp/override.db")
	t.Setenv("WEAVED_CLOUD_API_KEY", "ENV_KEY")

	content := `
storage:
  path: "/tmp/file.db"
cloud:
  api_key: "FILE_KEY"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Path != "/tmp/override.db" {
		t.Errorf("Storage.Path = %q, want env override", cfg.Storage.Path)
	}
	if cfg.Cloud.APIKey != "ENV_KEY" {
		t.Errorf("Cloud.APIKey = %q, want env override", cfg.Cloud.APIKey)
	}
}

func TestDeviceDefaults(t *testing.T) {
	content := `
device:
  name: "Kitchen lamp"
  model_id: "ABCDE"
storage:
  path: "/tmp/test.db"
cloud:
  api_key: "TEST_API_KEY"
  service_url: "https://example.com/v1/"
  polling_period: 15
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	s := cfg.DeviceDefaults()
	if s.Name != "Kitchen lamp" || s.ModelID != "ABCDE" || s.APIKey != "TEST_API_KEY" {
		t.Errorf("defaults = %+v", s)
	}
	if s.ServiceURL != "https://example.com/v1/" {
		t.Errorf("ServiceURL = %q", s.ServiceURL)
	}
	if s.PollingPeriod != 15*time.Second {
		t.Errorf("PollingPeriod = %v", s.PollingPeriod)
	}
	// The OAuth endpoint keeps its library default when unset.
	if s.OAuthURL == "" {
		t.Error("OAuthURL default lost")
	}
}

func TestValidate_Defaults(t *testing.T) {
	cfg := defaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config must validate: %v", err)
	}
}
