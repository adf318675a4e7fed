package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"event-certs/certificate-backend/internal/apperrors"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Storage  StorageConfig  `yaml:"storage"`
	Signing  SigningConfig  `yaml:"signing"`
	Batch    BatchConfig    `yaml:"batch"`
	Auth     AuthConfig     `yaml:"auth"`
	Email    EmailConfig    `yaml:"email"`
	Events   EventsConfig   `yaml:"events"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Worker   WorkerConfig   `yaml:"worker"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	// PublicBaseURL is the externally visible API address used in emailed links.
	PublicBaseURL string `yaml:"public_base_url"`
}

// DatabaseConfig represents database configuration. Driver is "postgres"
// or "sqlite3"; Path is only used by sqlite3.
type DatabaseConfig struct {
	Driver         string        `yaml:"driver"`
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"-"`
	DBName         string        `yaml:"db_name"`
	SSLMode        string        `yaml:"ssl_mode"`
	Path           string        `yaml:"path"`
	MaxConnections int           `yaml:"max_connections"`
	MaxIdleConns   int           `yaml:"max_idle_conns"`
	MaxLifetime    time.Duration `yaml:"max_lifetime"`
}

// StorageConfig selects where signed documents live. Backend is "s3" or
// "memory".
type StorageConfig struct {
	Backend         string        `yaml:"backend"`
	Region          string        `yaml:"region"`
	Bucket          string        `yaml:"bucket"`
	Endpoint        string        `yaml:"endpoint"`
	UsePathStyle    bool          `yaml:"use_path_style"`
	AccessKeyID     string        `yaml:"-"`
	SecretAccessKey string        `yaml:"-"`
	URLTTL          time.Duration `yaml:"url_ttl"`
	TemplateTimeout time.Duration `yaml:"template_timeout"`
}

// SigningConfig holds signature appearance settings and the signing
// secrets. Secrets are read from the environment only.
type SigningConfig struct {
	PrivateKey     string `yaml:"-"`
	PublicKey      string `yaml:"-"`
	P12Certificate string `yaml:"-"`
	P12Passphrase  string `yaml:"-"`

	Reason        string        `yaml:"reason"`
	Location      string        `yaml:"location"`
	ContactInfo   string        `yaml:"contact_info"`
	Issuer        string        `yaml:"issuer"`
	VerifyBaseURL string        `yaml:"verify_base_url"`
	MaxAttempts   int           `yaml:"max_attempts"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	// Optional lets the service start without signing secrets; signing
	// requests then fail with a configuration error.
	Optional bool `yaml:"optional"`
}

// BatchConfig controls batch signing.
type BatchConfig struct {
	ChunkSize  int           `yaml:"chunk_size"`
	ChunkPause time.Duration `yaml:"chunk_pause"`
}

// AuthConfig configures bearer token checks and the initial signer roster.
type AuthConfig struct {
	JWTSecret        string        `yaml:"-"`
	JWTPublicKey     string        `yaml:"-"`
	Issuer           string        `yaml:"issuer"`
	Audience         string        `yaml:"audience"`
	Leeway           time.Duration `yaml:"leeway"`
	BootstrapSigners []string      `yaml:"bootstrap_signers"`
}

// EmailConfig configures certificate distribution through SES.
type EmailConfig struct {
	From             string `yaml:"from"`
	ConfigurationSet string `yaml:"configuration_set"`
}

// EventsConfig configures the SNS topic for batch events.
type EventsConfig struct {
	TopicARN string `yaml:"topic_arn"`
}

// LoggingConfig
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// MetricsConfig
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// WorkerConfig controls the periodic re-sign worker.
type WorkerConfig struct {
	ResignSchedule string `yaml:"resign_schedule"`
	ResignLimit    int    `yaml:"resign_limit"`
	Actor          string `yaml:"actor"`
}

// Default returns the configuration used before any file or environment
// override.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:         "postgres",
			Host:           "localhost",
			Port:           5432,
			User:           os.Getenv("USER"),
			DBName:         "certificates",
			SSLMode:        "disable",
			Path:           "certificates.db",
			MaxConnections: 25,
			MaxIdleConns:   5,
			MaxLifetime:    5 * time.Minute,
		},
		Storage: StorageConfig{
			Backend:         "s3",
			Region:          "ap-southeast-1",
			URLTTL:          time.Hour,
			TemplateTimeout: 30 * time.Second,
		},
		Signing: SigningConfig{
			Reason:       "Certificate Validation",
			Location:     "Online",
			MaxAttempts:  3,
			RetryBackoff: time.Second,
		},
		Batch: BatchConfig{
			ChunkSize:  5,
			ChunkPause: time.Second,
		},
		Auth: AuthConfig{
			Leeway: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Worker: WorkerConfig{
			ResignSchedule: "*/15 * * * *",
			ResignLimit:    100,
			Actor:          "resign-worker",
		},
	}
}

// LoadConfig loads configuration in order: defaults, the YAML file at
// configPath, a .env file, then environment variables. The result is
// validated.
func LoadConfig(configPath string) (*Config, error) {
	config := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	// existing environment variables win over the file
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	if err := overrideWithEnv(config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func overrideWithEnv(config *Config) error {
	e := &envReader{}

	e.str("SERVER_HOST", &config.Server.Host)
	e.int("SERVER_PORT", &config.Server.Port)
	e.list("CORS_ALLOWED_ORIGINS", &config.Server.AllowedOrigins)
	e.str("PUBLIC_BASE_URL", &config.Server.PublicBaseURL)

	e.str("DATABASE_DRIVER", &config.Database.Driver)
	e.str("DATABASE_HOST", &config.Database.Host)
	e.int("DATABASE_PORT", &config.Database.Port)
	e.str("DATABASE_USER", &config.Database.User)
	e.str("DATABASE_PASSWORD", &config.Database.Password)
	e.str("DATABASE_DBNAME", &config.Database.DBName)
	e.str("DATABASE_SSLMODE", &config.Database.SSLMode)
	e.str("DATABASE_PATH", &config.Database.Path)

	e.str("STORAGE_BACKEND", &config.Storage.Backend)
	e.str("AWS_REGION", &config.Storage.Region)
	e.str("S3_BUCKET", &config.Storage.Bucket)
	e.str("S3_ENDPOINT", &config.Storage.Endpoint)
	e.bool("S3_USE_PATH_STYLE", &config.Storage.UsePathStyle)
	e.str("AWS_ACCESS_KEY_ID", &config.Storage.AccessKeyID)
	e.str("AWS_SECRET_ACCESS_KEY", &config.Storage.SecretAccessKey)
	e.duration("SIGNED_URL_TTL", &config.Storage.URLTTL)

	e.str("CERTIFICATE_PRIVATE_KEY", &config.Signing.PrivateKey)
	e.str("NEXT_PUBLIC_CERTIFICATE_PUBLIC_KEY", &config.Signing.PublicKey)
	e.str("CERTIFICATE_PUBLIC_KEY", &config.Signing.PublicKey)
	e.str("P12_CERTIFICATE", &config.Signing.P12Certificate)
	e.str("P12_PASSPHRASE", &config.Signing.P12Passphrase)
	e.str("SIGNING_REASON", &config.Signing.Reason)
	e.str("SIGNING_LOCATION", &config.Signing.Location)
	e.str("SIGNING_CONTACT_INFO", &config.Signing.ContactInfo)
	e.str("SIGNING_ISSUER", &config.Signing.Issuer)
	e.str("VERIFY_BASE_URL", &config.Signing.VerifyBaseURL)
	e.bool("SIGNING_OPTIONAL", &config.Signing.Optional)

	e.int("BATCH_CHUNK_SIZE", &config.Batch.ChunkSize)
	e.duration("BATCH_CHUNK_PAUSE", &config.Batch.ChunkPause)

	e.str("JWT_SECRET", &config.Auth.JWTSecret)
	e.str("JWT_PUBLIC_KEY", &config.Auth.JWTPublicKey)
	e.str("JWT_ISSUER", &config.Auth.Issuer)
	e.str("JWT_AUDIENCE", &config.Auth.Audience)
	e.list("BOOTSTRAP_SIGNERS", &config.Auth.BootstrapSigners)

	e.str("EMAIL_FROM", &config.Email.From)
	e.str("SES_CONFIGURATION_SET", &config.Email.ConfigurationSet)
	e.str("EVENTS_TOPIC_ARN", &config.Events.TopicARN)

	e.str("LOG_LEVEL", &config.Logging.Level)
	e.str("LOG_FORMAT", &config.Logging.Format)
	e.str("LOG_FILE", &config.Logging.File)
	e.bool("METRICS_ENABLED", &config.Metrics.Enabled)

	e.str("RESIGN_SCHEDULE", &config.Worker.ResignSchedule)
	e.int("RESIGN_LIMIT", &config.Worker.ResignLimit)

	return errors.Join(e.errs...)
}

type envReader struct {
	errs []error
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return
	}
	*dst = n
}

func (e *envReader) bool(key string, dst *bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return
	}
	*dst = b
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return
	}
	*dst = d
}

func (e *envReader) list(key string, dst *[]string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

// Validate reports every problem at once as a configuration error. Messages
// name settings, never their values.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, "server port must be between 1 and 65535")
	}

	switch c.Database.Driver {
	case "postgres":
		if c.Database.Host == "" || c.Database.DBName == "" {
			problems = append(problems, "postgres requires DATABASE_HOST and DATABASE_DBNAME")
		}
	case "sqlite3":
		if c.Database.Path == "" {
			problems = append(problems, "sqlite3 requires DATABASE_PATH")
		}
	default:
		problems = append(problems, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
	}

	switch c.Storage.Backend {
	case "s3":
		if c.Storage.Bucket == "" {
			problems = append(problems, "S3_BUCKET is required for the s3 storage backend")
		}
	case "memory":
	default:
		problems = append(problems, fmt.Sprintf("unsupported storage backend %q", c.Storage.Backend))
	}

	if !c.Signing.Optional {
		if c.Signing.PrivateKey == "" {
			problems = append(problems, "CERTIFICATE_PRIVATE_KEY is required")
		}
		if c.Signing.P12Certificate == "" {
			problems = append(problems, "P12_CERTIFICATE is required")
		}
	}
	if c.Signing.MaxAttempts < 1 {
		problems = append(problems, "signing max_attempts must be at least 1")
	}

	if c.Batch.ChunkSize < 1 || c.Batch.ChunkSize > 25 {
		problems = append(problems, "batch chunk_size must be between 1 and 25")
	}
	if c.Batch.ChunkPause < 0 {
		problems = append(problems, "batch chunk_pause must not be negative")
	}

	if c.Auth.JWTSecret == "" && c.Auth.JWTPublicKey == "" {
		problems = append(problems, "JWT_SECRET or JWT_PUBLIC_KEY is required")
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		problems = append(problems, fmt.Sprintf("unsupported log format %q", c.Logging.Format))
	}

	if len(problems) > 0 {
		return apperrors.Configuration("invalid configuration: "+strings.Join(problems, "; "), nil)
	}
	return nil
}

// GetDatabaseURL returns the database connection string
func (c *DatabaseConfig) GetDatabaseURL() string {
	if c.Driver == "sqlite3" {
		return c.Path
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

// GetServerAddr returns the server address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
