package config

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Persistence backends.
const (
	BackendNone     = "none"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

var backends = []string{BackendNone, BackendFile, BackendSQLite, BackendPostgres, BackendRedis}

// Config holds all configuration for occi-engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8787"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL" env-default:""` // Auto-derived from Port if empty
	Version  string `yaml:"-"`                                      // Set at load time, not from config

	// TLS configuration (optional - if both provided, server uses HTTPS)
	TLSCertPath string `yaml:"tls_cert_path" env:"TLS_CERT_PATH" env-default:""`
	TLSKeyPath  string `yaml:"tls_key_path" env:"TLS_KEY_PATH" env-default:""`

	Registry    RegistryConfig    `yaml:"registry"`
	Persistence PersistenceConfig `yaml:"persistence"`
}

// RegistryConfig controls tenant creation and the extension catalog.
type RegistryConfig struct {
	// DefaultOwner is the tenant used when a request names none.
	DefaultOwner string `yaml:"default_owner" env:"OCCI_DEFAULT_OWNER" env-default:"anonymous"`
	// DefaultExtensions are attached to every new tenant.
	DefaultExtensions []string `yaml:"default_extensions" env:"OCCI_DEFAULT_EXTENSIONS" env-separator:"," env-default:"core,infrastructure"`
	// ExtensionsDir holds additional extension YAML files (optional).
	ExtensionsDir string `yaml:"extensions_dir" env:"OCCI_EXTENSIONS_DIR" env-default:""`
}

// PersistenceConfig selects where tenant snapshots are kept.
type PersistenceConfig struct {
	Backend string `yaml:"backend" env:"PERSISTENCE_BACKEND" env-default:"none"`
	// AutosaveInterval is how often changed tenants are saved. Zero disables autosave.
	AutosaveInterval time.Duration `yaml:"autosave_interval" env:"PERSISTENCE_AUTOSAVE_INTERVAL" env-default:"30s"`

	FileDir    string `yaml:"file_dir" env:"PERSISTENCE_FILE_DIR" env-default:"./data/snapshots"`
	SQLitePath string `yaml:"sqlite_path" env:"PERSISTENCE_SQLITE_PATH" env-default:"./data/occi.db"`

	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"occi"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"occi_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"10"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host      string `yaml:"host" env:"REDIS_HOST" env-default:"localhost"`
	Port      int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password  string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB        int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
	KeyPrefix string `yaml:"key_prefix" env:"REDIS_KEY_PREFIX" env-default:"occi:snapshot:"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
// Secrets (PGPASSWORD, REDIS_PASSWORD) must come from environment variables.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	if err := cfg.validateTLS(); err != nil {
		return nil, fmt.Errorf("invalid TLS configuration: %w", err)
	}

	if err := cfg.Persistence.validate(); err != nil {
		return nil, fmt.Errorf("invalid persistence configuration: %w", err)
	}

	// Use HTTPS scheme if TLS is configured
	if cfg.BaseURL == "" {
		scheme := "http"
		if cfg.TLSCertPath != "" {
			scheme = "https"
		}
		cfg.BaseURL = (&url.URL{
			Scheme: scheme,
			Host:   "localhost:" + cfg.Port,
		}).String()
	}

	return cfg, nil
}

// IsDevelopment reports whether the process runs in a local or test environment.
func (c *Config) IsDevelopment() bool {
	return c.Env == "local" || c.Env == "test" || c.Env == "development"
}

// validateTLS ensures TLS configuration is valid if provided.
// Both cert and key must be provided together, and files must exist.
func (c *Config) validateTLS() error {
	certSet := c.TLSCertPath != ""
	keySet := c.TLSKeyPath != ""

	if certSet != keySet {
		return fmt.Errorf("both tls_cert_path and tls_key_path must be provided together")
	}

	// Actual readability is checked by tls.LoadX509KeyPair at startup
	if certSet {
		if _, err := os.Stat(c.TLSCertPath); err != nil {
			return fmt.Errorf("TLS cert file does not exist: %w", err)
		}
		if _, err := os.Stat(c.TLSKeyPath); err != nil {
			return fmt.Errorf("TLS key file does not exist: %w", err)
		}
	}

	return nil
}

func (p *PersistenceConfig) validate() error {
	if !slices.Contains(backends, p.Backend) {
		return fmt.Errorf("unknown backend %q (expected one of %v)", p.Backend, backends)
	}
	if p.AutosaveInterval < 0 {
		return fmt.Errorf("autosave_interval must not be negative")
	}
	return nil
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		ResolveHostForDocker(c.Host), c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Addr returns the Redis host:port address.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", ResolveHostForDocker(c.Host), c.Port)
}
