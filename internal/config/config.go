package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Service names as they appear in stored documents and URL paths
const (
	ServiceSuunto = "suuntoApp"
	ServiceCOROS  = "COROSAPI"
)

// ConfigPathEnvVar points at an optional YAML config file
const ConfigPathEnvVar = "CONFIG_PATH"

// Config holds all application configuration
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Database DatabaseConfig `koanf:"database"`
	LogLevel string         `koanf:"log_level" validate:"oneof=debug info warn error"`
	Auth     AuthConfig     `koanf:"auth"`
	CORS     CORSConfig     `koanf:"cors"`
	Queue    QueueConfig    `koanf:"queue"`
	API      APIConfig      `koanf:"api"`
	Suunto   SuuntoConfig   `koanf:"suunto"`
	COROS    COROSConfig    `koanf:"coros"`
}

// ServerConfig configures the public HTTP server
type ServerConfig struct {
	Host         string        `koanf:"host"`
	Port         int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`

	// Per-IP limit on the user facing endpoints
	RateLimitRequests int           `koanf:"rate_limit_requests" validate:"min=1"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window" validate:"gt=0"`
}

// MetricsConfig configures the Prometheus metrics server
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host"`
	Port    int    `koanf:"port" validate:"min=1,max=65535"`
}

// DatabaseConfig configures the SQLite document store
type DatabaseConfig struct {
	Path string `koanf:"path" validate:"required"`
}

// AuthConfig configures verification of caller identity tokens
type AuthConfig struct {
	JWTSecret string `koanf:"jwt_secret" validate:"required"`
	JWTIssuer string `koanf:"jwt_issuer"`
}

// CORSConfig lists the browser origins allowed to call the user endpoints
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// QueueConfig holds the workout queue tuning knobs
type QueueConfig struct {
	SweepInterval        time.Duration `koanf:"sweep_interval" validate:"gt=0"`
	SweepBudget          time.Duration `koanf:"sweep_budget" validate:"gt=0"`
	SweepLimit           int           `koanf:"sweep_limit" validate:"min=1"`
	RetryCountMax        int           `koanf:"retry_count_max" validate:"min=1"`
	HardFailureIncrement int           `koanf:"hard_failure_increment" validate:"min=1"`
	ClaimLease           time.Duration `koanf:"claim_lease" validate:"gt=0"`
	ImportBatchSize      int           `koanf:"import_batch_size" validate:"min=1,max=499"`
	ImportWindow         time.Duration `koanf:"import_window" validate:"gt=0"`
	ActivitiesPerDay     int           `koanf:"activities_per_day" validate:"min=1"`
}

// APIConfig controls outbound calls to third-party services
type APIConfig struct {
	Timeout           time.Duration `koanf:"timeout" validate:"gt=0"`
	MaxRetries        int           `koanf:"max_retries" validate:"min=0"`
	RetryInitialDelay time.Duration `koanf:"retry_initial_delay"`
	RequestsPerSecond float64       `koanf:"requests_per_second" validate:"gt=0"`
	Burst             int           `koanf:"burst" validate:"min=1"`
}

// SuuntoConfig configures the Suunto app integration
type SuuntoConfig struct {
	Enabled         bool   `koanf:"enabled"`
	ClientID        string `koanf:"client_id" validate:"required_if=Enabled true"`
	ClientSecret    string `koanf:"client_secret" validate:"required_if=Enabled true"`
	SubscriptionKey string `koanf:"subscription_key" validate:"required_if=Enabled true"`
	APIBaseURL      string `koanf:"api_base_url" validate:"omitempty,url"`
	OAuthBaseURL    string `koanf:"oauth_base_url" validate:"omitempty,url"`
}

// COROSConfig configures the COROS API integration
type COROSConfig struct {
	Enabled      bool   `koanf:"enabled"`
	ClientID     string `koanf:"client_id" validate:"required_if=Enabled true"`
	ClientSecret string `koanf:"client_secret" validate:"required_if=Enabled true"`
	BaseURL      string `koanf:"base_url" validate:"omitempty,url"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "localhost",
			Port:              4101,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      10 * time.Minute, // direct inserts process synchronously
			RateLimitRequests: 30,
			RateLimitWindow:   time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Host:    "localhost",
			Port:    9090,
		},
		Database: DatabaseConfig{
			Path: "./data.db",
		},
		LogLevel: "info",
		Queue: QueueConfig{
			SweepInterval:        20 * time.Minute,
			SweepBudget:          540 * time.Second,
			SweepLimit:           200,
			RetryCountMax:        10,
			HardFailureIncrement: 20,
			ClaimLease:           10 * time.Minute,
			ImportBatchSize:      450,
			ImportWindow:         30 * 24 * time.Hour,
			ActivitiesPerDay:     500,
		},
		API: APIConfig{
			Timeout:           30 * time.Second,
			MaxRetries:        3,
			RetryInitialDelay: time.Second,
			RequestsPerSecond: 5,
			Burst:             10,
		},
		Suunto: SuuntoConfig{
			Enabled:      true,
			APIBaseURL:   "https://cloudapi.suunto.com",
			OAuthBaseURL: "https://cloudapi-oauth.suunto.com",
		},
		COROS: COROSConfig{
			Enabled: false,
			BaseURL: "https://open.coros.com",
		},
	}
}

// Load reads configuration from defaults, an optional YAML file, a .env file
// and environment variables, in increasing priority.
// It fails fast if required variables are missing
func Load() (*Config, error) {
	// A missing .env is the normal case in production
	_ = godotenv.Load()

	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Comma separated lists arrive from the environment as plain strings
	if origins, ok := k.Get("cors.allowed_origins").(string); ok {
		if err := k.Set("cors.allowed_origins", splitList(origins)); err != nil {
			return nil, fmt.Errorf("failed to parse CORS_ALLOWED_ORIGINS: %w", err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration and reports offending settings by their
// environment variable names
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("koanf"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})

	var missingVars, invalidVars []string
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("failed to validate configuration: %w", err)
		}
		for _, fe := range verrs {
			name := envName(fe.Namespace())
			if strings.HasPrefix(fe.Tag(), "required") {
				missingVars = append(missingVars, name)
			} else {
				invalidVars = append(invalidVars, fmt.Sprintf("%s (%s)", name, fe.Tag()))
			}
		}
	}

	if len(missingVars) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missingVars)
	}
	if len(invalidVars) > 0 {
		return fmt.Errorf("invalid configuration values: %v", invalidVars)
	}
	if !c.Suunto.Enabled && !c.COROS.Enabled {
		return fmt.Errorf("no fitness service enabled: set SUUNTO_ENABLED or COROS_ENABLED")
	}

	return nil
}

// EnabledServices returns the names of the configured services
func (c *Config) EnabledServices() []string {
	var names []string
	if c.Suunto.Enabled {
		names = append(names, ServiceSuunto)
	}
	if c.COROS.Enabled {
		names = append(names, ServiceCOROS)
	}
	return names
}

// ClientCredentials returns the OAuth client id and secret for a service
func (c *Config) ClientCredentials(service string) (string, string, error) {
	switch {
	case service == ServiceSuunto && c.Suunto.Enabled:
		return c.Suunto.ClientID, c.Suunto.ClientSecret, nil
	case service == ServiceCOROS && c.COROS.Enabled:
		return c.COROS.ClientID, c.COROS.ClientSecret, nil
	default:
		return "", "", fmt.Errorf("unknown service: %s", service)
	}
}

var envSections = []string{
	"server", "metrics", "database", "auth", "cors", "queue", "api", "suunto", "coros",
}

// envKey maps SECTION_SOME_KEY to section.some_key. HOST, PORT and LOG_LEVEL
// keep their historical flat names.
func envKey(key string) string {
	key = strings.ToLower(key)

	switch key {
	case "host":
		return "server.host"
	case "port":
		return "server.port"
	case "log_level":
		return "log_level"
	}

	for _, section := range envSections {
		if rest, ok := strings.CutPrefix(key, section+"_"); ok && rest != "" {
			return section + "." + rest
		}
	}

	return ""
}

// envName turns a validator namespace like Config.suunto.client_id into SUUNTO_CLIENT_ID
func envName(namespace string) string {
	_, path, found := strings.Cut(namespace, ".")
	if !found {
		path = namespace
	}
	return strings.ToUpper(strings.ReplaceAll(path, ".", "_"))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
