package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// setTestEnv sets environment variables for the duration of a test
func setTestEnv(t *testing.T, vars map[string]string) {
	t.Helper()
	// Run from an empty directory so a developer's .env is not picked up
	t.Chdir(t.TempDir())
	for key, value := range vars {
		t.Setenv(key, value)
	}
}

func requiredEnv() map[string]string {
	return map[string]string{
		"SUUNTO_CLIENT_ID":        "test_client_id",
		"SUUNTO_CLIENT_SECRET":    "test_client_secret",
		"SUUNTO_SUBSCRIPTION_KEY": "test_subscription_key",
		"AUTH_JWT_SECRET":         "test_jwt_secret",
	}
}

func TestLoadConfigWithDefaults(t *testing.T) {
	setTestEnv(t, requiredEnv())

	config, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.Server.Host != "localhost" {
		t.Errorf("Expected default host 'localhost', got %s", config.Server.Host)
	}
	if config.Server.Port != 4101 {
		t.Errorf("Expected default port 4101, got %d", config.Server.Port)
	}
	if config.Database.Path != "./data.db" {
		t.Errorf("Expected default database path './data.db', got %s", config.Database.Path)
	}
	if config.LogLevel != "info" {
		t.Errorf("Expected default log level 'info', got %s", config.LogLevel)
	}

	// Queue constants
	if config.Queue.RetryCountMax != 10 {
		t.Errorf("Expected retry count max 10, got %d", config.Queue.RetryCountMax)
	}
	if config.Queue.HardFailureIncrement != 20 {
		t.Errorf("Expected hard failure increment 20, got %d", config.Queue.HardFailureIncrement)
	}
	if config.Queue.SweepLimit != 200 {
		t.Errorf("Expected sweep limit 200, got %d", config.Queue.SweepLimit)
	}
	if config.Queue.SweepInterval != 20*time.Minute {
		t.Errorf("Expected sweep interval 20m, got %s", config.Queue.SweepInterval)
	}
	if config.Queue.SweepBudget != 540*time.Second {
		t.Errorf("Expected sweep budget 540s, got %s", config.Queue.SweepBudget)
	}
	if config.Queue.ImportBatchSize != 450 {
		t.Errorf("Expected import batch size 450, got %d", config.Queue.ImportBatchSize)
	}

	if config.Suunto.ClientID != "test_client_id" {
		t.Errorf("Expected SUUNTO_CLIENT_ID 'test_client_id', got %s", config.Suunto.ClientID)
	}
	if config.COROS.Enabled {
		t.Error("Expected COROS to be disabled by default")
	}

	services := config.EnabledServices()
	if len(services) != 1 || services[0] != ServiceSuunto {
		t.Errorf("Expected only %s enabled, got %v", ServiceSuunto, services)
	}
}

func TestLoadConfigFromEnvVars(t *testing.T) {
	vars := requiredEnv()
	vars["HOST"] = "0.0.0.0"
	vars["PORT"] = "8080"
	vars["DATABASE_PATH"] = "/tmp/test.db"
	vars["LOG_LEVEL"] = "debug"
	vars["QUEUE_SWEEP_INTERVAL"] = "5m"
	vars["QUEUE_RETRY_COUNT_MAX"] = "3"
	vars["CORS_ALLOWED_ORIGINS"] = "https://a.example, https://b.example"
	setTestEnv(t, vars)

	config, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.Server.Host != "0.0.0.0" {
		t.Errorf("Expected host '0.0.0.0', got %s", config.Server.Host)
	}
	if config.Server.Port != 8080 {
		t.Errorf("Expected port 8080, got %d", config.Server.Port)
	}
	if config.Database.Path != "/tmp/test.db" {
		t.Errorf("Expected database path '/tmp/test.db', got %s", config.Database.Path)
	}
	if config.LogLevel != "debug" {
		t.Errorf("Expected log level 'debug', got %s", config.LogLevel)
	}
	if config.Queue.SweepInterval != 5*time.Minute {
		t.Errorf("Expected sweep interval 5m, got %s", config.Queue.SweepInterval)
	}
	if config.Queue.RetryCountMax != 3 {
		t.Errorf("Expected retry count max 3, got %d", config.Queue.RetryCountMax)
	}
	if len(config.CORS.AllowedOrigins) != 2 || config.CORS.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("Expected two allowed origins, got %v", config.CORS.AllowedOrigins)
	}
}

func TestLoadConfigMissingRequired(t *testing.T) {
	setTestEnv(t, map[string]string{
		"SUUNTO_CLIENT_ID": "test_client_id",
	})

	_, err := Load()
	if err == nil {
		t.Fatal("Expected error for missing required variables")
	}

	for _, name := range []string{"SUUNTO_CLIENT_SECRET", "SUUNTO_SUBSCRIPTION_KEY", "AUTH_JWT_SECRET"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("Expected error to mention %s, got: %v", name, err)
		}
	}
	if strings.Contains(err.Error(), "SUUNTO_CLIENT_ID") {
		t.Errorf("Did not expect SUUNTO_CLIENT_ID in error, got: %v", err)
	}
}

func TestLoadConfigCOROSRequiresCredentials(t *testing.T) {
	vars := requiredEnv()
	vars["COROS_ENABLED"] = "true"
	setTestEnv(t, vars)

	_, err := Load()
	if err == nil {
		t.Fatal("Expected error when COROS is enabled without credentials")
	}
	if !strings.Contains(err.Error(), "COROS_CLIENT_ID") {
		t.Errorf("Expected error to mention COROS_CLIENT_ID, got: %v", err)
	}
}

func TestLoadConfigNoServicesEnabled(t *testing.T) {
	setTestEnv(t, map[string]string{
		"SUUNTO_ENABLED":  "false",
		"AUTH_JWT_SECRET": "secret",
	})

	_, err := Load()
	if err == nil {
		t.Fatal("Expected error when no service is enabled")
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	setTestEnv(t, requiredEnv())

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 5000
queue:
  sweep_limit: 50
coros:
  enabled: true
  client_id: coros_id
  client_secret: coros_secret
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	// Environment still wins over the file
	t.Setenv("QUEUE_SWEEP_LIMIT", "75")

	config, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.Server.Port != 5000 {
		t.Errorf("Expected port 5000 from file, got %d", config.Server.Port)
	}
	if config.Queue.SweepLimit != 75 {
		t.Errorf("Expected sweep limit 75 from env, got %d", config.Queue.SweepLimit)
	}
	if !config.COROS.Enabled || config.COROS.ClientID != "coros_id" {
		t.Errorf("Expected COROS config from file, got %+v", config.COROS)
	}
	if len(config.EnabledServices()) != 2 {
		t.Errorf("Expected two enabled services, got %v", config.EnabledServices())
	}
}

func TestClientCredentials(t *testing.T) {
	cfg := defaultConfig()
	cfg.Suunto.ClientID = "id"
	cfg.Suunto.ClientSecret = "secret"

	id, secret, err := cfg.ClientCredentials(ServiceSuunto)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if id != "id" || secret != "secret" {
		t.Errorf("Expected id/secret, got %s/%s", id, secret)
	}

	if _, _, err := cfg.ClientCredentials(ServiceCOROS); err == nil {
		t.Error("Expected error for disabled service")
	}
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"HOST":                    "server.host",
		"PORT":                    "server.port",
		"LOG_LEVEL":               "log_level",
		"DATABASE_PATH":           "database.path",
		"SUUNTO_SUBSCRIPTION_KEY": "suunto.subscription_key",
		"QUEUE_CLAIM_LEASE":       "queue.claim_lease",
		"PATH":                    "",
		"HOME":                    "",
	}

	for in, want := range tests {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}
