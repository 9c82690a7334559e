package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config carries every setting the ingestion pipeline consumes.
// It is built once in main and handed to each component's constructor.
type Config struct {
	Port        string `yaml:"port"`
	Environment string `yaml:"environment"`

	DBDriver   string `yaml:"db_driver"`
	DBHost     string `yaml:"db_host"`
	DBPort     string `yaml:"db_port"`
	DBUser     string `yaml:"db_user"`
	DBPassword string `yaml:"db_password"`
	DBName     string `yaml:"db_name"`
	DBSSLMode  string `yaml:"db_sslmode"`
	SQLitePath string `yaml:"sqlite_path"`

	JWTSecret string `yaml:"jwt_secret"`

	Staging StagingConfig `yaml:"staging"`
	Source  SourceConfig  `yaml:"source"`
	Retry   RetryConfig   `yaml:"retry"`
	Limit   LimitConfig   `yaml:"rate_limit"`
	Cycle   CycleConfig   `yaml:"cycle"`
}

// StagingConfig holds the three staging directories.
type StagingConfig struct {
	RawDir        string `yaml:"raw_dir"`
	ParsedDir     string `yaml:"parsed_dir"`
	DeadletterDir string `yaml:"deadletter_dir"`
}

// SourceConfig describes the external historical-price page.
type SourceConfig struct {
	URLTemplate   string        `yaml:"url_template"`
	TableSelector string        `yaml:"table_selector"`
	UserAgent     string        `yaml:"user_agent"`
	HTTPTimeout   time.Duration `yaml:"http_timeout"`
	ImputePolicy  string        `yaml:"impute_policy"`
}

// RetryConfig is the retriever's backoff schedule.
type RetryConfig struct {
	MaxRetries  int           `yaml:"max_retries"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
}

// LimitConfig is the per-host sliding window.
type LimitConfig struct {
	Window      time.Duration `yaml:"window"`
	MaxRequests int           `yaml:"max_requests"`
}

// CycleConfig drives the scheduler.
type CycleConfig struct {
	Interval     time.Duration `yaml:"interval"`
	Timeout      time.Duration `yaml:"timeout"`
	SymbolBudget time.Duration `yaml:"symbol_budget"`
	Workers      int           `yaml:"workers"`
	RunOnStart   bool          `yaml:"run_on_start"`
}

// LoadConfig loads .env, an optional YAML file named by CONFIG_PATH, then environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := &Config{}
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	var errs []error
	cfg.Port = getEnv("PORT", or(cfg.Port, "8080"))
	cfg.Environment = getEnv("ENVIRONMENT", or(cfg.Environment, "development"))

	cfg.DBDriver = getEnv("DB_DRIVER", or(cfg.DBDriver, "postgres"))
	cfg.DBHost = getEnv("DB_HOST", or(cfg.DBHost, "localhost"))
	cfg.DBPort = getEnv("DB_PORT", or(cfg.DBPort, "5432"))
	cfg.DBUser = getEnv("DB_USER", or(cfg.DBUser, "postgres"))
	cfg.DBPassword = getEnv("DB_PASSWORD", cfg.DBPassword)
	cfg.DBName = getEnv("DB_NAME", or(cfg.DBName, "price_ingest"))
	cfg.DBSSLMode = getEnv("DB_SSLMODE", or(cfg.DBSSLMode, "disable"))
	cfg.SQLitePath = getEnv("SQLITE_PATH", or(cfg.SQLitePath, "data/prices.db"))

	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)

	cfg.Staging.RawDir = getEnv("STAGING_RAW_DIR", or(cfg.Staging.RawDir, "data/staging/raw"))
	cfg.Staging.ParsedDir = getEnv("STAGING_PARSED_DIR", or(cfg.Staging.ParsedDir, "data/staging/parsed"))
	cfg.Staging.DeadletterDir = getEnv("STAGING_DEADLETTER_DIR", or(cfg.Staging.DeadletterDir, "data/staging/deadletter"))

	cfg.Source.URLTemplate = getEnv("SOURCE_URL_TEMPLATE", or(cfg.Source.URLTemplate, "https://finance.yahoo.com/quote/%s/history"))
	cfg.Source.TableSelector = getEnv("SOURCE_TABLE_SELECTOR", or(cfg.Source.TableSelector, `table[data-test="historical-prices"]`))
	cfg.Source.UserAgent = getEnv("USER_AGENT", or(cfg.Source.UserAgent, "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"))
	cfg.Source.HTTPTimeout = getDuration("HTTP_TIMEOUT", orDur(cfg.Source.HTTPTimeout, 30*time.Second), &errs)
	cfg.Source.ImputePolicy = getEnv("IMPUTE_POLICY", or(cfg.Source.ImputePolicy, "mean"))

	cfg.Retry.MaxRetries = getInt("MAX_RETRIES", orInt(cfg.Retry.MaxRetries, 3), &errs)
	cfg.Retry.BackoffBase = getDuration("BACKOFF_BASE", orDur(cfg.Retry.BackoffBase, 2*time.Second), &errs)
	cfg.Retry.BackoffMax = getDuration("BACKOFF_MAX", orDur(cfg.Retry.BackoffMax, 60*time.Second), &errs)

	cfg.Limit.Window = getDuration("RATE_LIMIT_WINDOW", orDur(cfg.Limit.Window, 60*time.Second), &errs)
	cfg.Limit.MaxRequests = getInt("RATE_LIMIT_MAX_REQUESTS", orInt(cfg.Limit.MaxRequests, 30), &errs)

	cfg.Cycle.Interval = getDuration("SCHEDULER_INTERVAL", orDur(cfg.Cycle.Interval, 24*time.Hour), &errs)
	cfg.Cycle.Timeout = getDuration("CYCLE_TIMEOUT", orDur(cfg.Cycle.Timeout, 2*time.Hour), &errs)
	cfg.Cycle.SymbolBudget = getDuration("SYMBOL_BUDGET", orDur(cfg.Cycle.SymbolBudget, 5*time.Minute), &errs)
	cfg.Cycle.Workers = getInt("WORKER_COUNT", orInt(cfg.Cycle.Workers, 4), &errs)
	cfg.Cycle.RunOnStart = getEnv("RUN_ON_START", strconv.FormatBool(cfg.Cycle.RunOnStart)) == "true"

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// Validate checks that the pipeline settings are usable.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("db_driver must be postgres or sqlite, got %q", c.DBDriver)
	}
	if strings.Count(c.Source.URLTemplate, "%s") != 1 {
		return fmt.Errorf("source.url_template must contain exactly one %%s")
	}
	switch c.Source.ImputePolicy {
	case "mean", "none":
	default:
		return fmt.Errorf("impute_policy must be mean or none, got %q", c.Source.ImputePolicy)
	}
	if c.Source.HTTPTimeout <= 0 {
		return fmt.Errorf("http_timeout must be positive")
	}
	if c.Retry.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1")
	}
	if c.Retry.BackoffBase <= 0 {
		return fmt.Errorf("backoff_base must be positive")
	}
	if c.Retry.BackoffMax < c.Retry.BackoffBase {
		return fmt.Errorf("backoff_max must not be below backoff_base")
	}
	if c.Limit.Window <= 0 || c.Limit.MaxRequests < 1 {
		return fmt.Errorf("rate limit window and max_requests must be positive")
	}
	if c.Cycle.Interval <= 0 || c.Cycle.Timeout <= 0 || c.Cycle.SymbolBudget <= 0 {
		return fmt.Errorf("cycle interval, timeout and symbol_budget must be positive")
	}
	if c.Cycle.Workers < 1 {
		return fmt.Errorf("worker_count must be at least 1")
	}
	return nil
}

// InitDB initializes database connection
func InitDB(cfg *Config) (*gorm.DB, error) {
	var logLevel logger.LogLevel
	if cfg.Environment == "production" {
		logLevel = logger.Error
	} else {
		logLevel = logger.Warn
	}
	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logLevel)}

	var dialector gorm.Dialector
	if cfg.DBDriver == "sqlite" {
		log.Printf("Opening sqlite database: %s", cfg.SQLitePath)
		if err := os.MkdirAll(dirOf(cfg.SQLitePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dialector = sqlite.Open(cfg.SQLitePath + "?_busy_timeout=5000&_journal_mode=WAL")
	} else {
		// Log connection info (masked for security)
		log.Printf("Connecting to database: host=%s port=%s user=%s dbname=%s",
			maskHost(cfg.DBHost),
			cfg.DBPort,
			cfg.DBUser,
			cfg.DBName,
		)
		dsn := fmt.Sprintf(
			"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			cfg.DBHost,
			cfg.DBUser,
			cfg.DBPassword,
			cfg.DBName,
			cfg.DBPort,
			cfg.DBSSLMode,
		)
		dialector = postgres.Open(dsn)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		log.Printf("Database connection error: %v", err)
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Verify connection with ping
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		log.Printf("Database ping failed: %v", err)
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	log.Printf("Database connection verified successfully")
	return db, nil
}

// maskHost masks host for logging, preserving domain structure
func maskHost(host string) string {
	if len(host) <= 3 {
		return "***"
	}
	if len(host) <= 15 {
		return host[:3] + "***"
	}
	return host[:8] + "***" + host[len(host)-10:]
}

func dirOf(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i > 0 {
		return path[:i]
	}
	return "."
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getInt(key string, defaultValue int, errs *[]error) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return n
}

func getDuration(key string, defaultValue time.Duration, errs *[]error) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return d
}

func or(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orDur(v, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	return v
}
