package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// RetryStrategy selects how retry delays grow between attempts
type RetryStrategy string

const (
	RetryFixed       RetryStrategy = "fixed"
	RetryLinear      RetryStrategy = "linear"
	RetryExponential RetryStrategy = "exponential"
)

// SourceConfig holds per-source connection and rate limit settings
type SourceConfig struct {
	Name              string            // Source name (qobuz, deezer, ...)
	MaxConnections    int               // Maximum concurrent connections to this source
	RequestsPerMinute int               // Rate limit budget per rolling minute
	VerifySSL         bool              // Whether to verify TLS certificates
	Timeout           time.Duration     // Per-request timeout
	Headers           map[string]string // Custom headers sent with every request
}

// RetryConfig holds the default retry schedule parameters
type RetryConfig struct {
	Strategy    RetryStrategy // Delay growth strategy
	BaseDelay   time.Duration // Base delay between attempts
	MaxDelay    time.Duration // Ceiling for exponential backoff
	MaxAttempts int           // Hard ceiling on attempts per task
}

// Config holds all configuration values for the download engine
type Config struct {
	MaxConcurrentDownloads int    // Worker pool size
	QueueCapacity          int    // Maximum tasks admitted to the queue
	DownloadDirectory      string // Base directory for destination paths
	LogLevel               string // Logging level (DEBUG, INFO, WARN, ERROR)

	Retry   RetryConfig
	Sources map[string]SourceConfig
}

// LoadConfig loads and validates the engine configuration from environment variables
// Returns a Config struct or an error if validation fails
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found or could not be loaded: %v", err)
	}

	validator := NewEnvValidator()

	cfg := &Config{
		MaxConcurrentDownloads: validator.GetInt("MAX_CONCURRENT_DOWNLOADS", 3),
		QueueCapacity:          validator.GetInt("QUEUE_CAPACITY", 1000),
		DownloadDirectory:      validator.GetString("DOWNLOAD_DIRECTORY", "./downloads"),
		LogLevel:               validator.GetString("LOG_LEVEL", "INFO"),
		Retry: RetryConfig{
			Strategy:    RetryStrategy(validator.GetString("RETRY_STRATEGY", string(RetryExponential))),
			BaseDelay:   validator.GetDuration("RETRY_BASE_DELAY", time.Second),
			MaxDelay:    validator.GetDuration("RETRY_MAX_DELAY", 60*time.Second),
			MaxAttempts: validator.GetInt("RETRY_MAX_ATTEMPTS", 3),
		},
		Sources: make(map[string]SourceConfig),
	}

	// SOURCES is a comma separated list of source names; each source reads
	// its own SOURCE_<NAME>_* variables.
	for _, name := range splitList(os.Getenv("SOURCES")) {
		source, err := loadSourceConfig(validator, name)
		if err != nil {
			return nil, fmt.Errorf("failed to load source %q: %w", name, err)
		}
		cfg.Sources[name] = source
	}

	return cfg, nil
}

// loadSourceConfig reads the SOURCE_<NAME>_* variables for one source
func loadSourceConfig(validator *EnvValidator, name string) (SourceConfig, error) {
	prefix := "SOURCE_" + strings.ToUpper(name) + "_"

	source := SourceConfig{
		Name:              name,
		MaxConnections:    validator.GetInt(prefix+"MAX_CONNECTIONS", 2),
		RequestsPerMinute: validator.GetInt(prefix+"REQUESTS_PER_MINUTE", 60),
		VerifySSL:         validator.GetBool(prefix+"VERIFY_SSL", true),
		Timeout:           validator.GetDuration(prefix+"TIMEOUT", 120*time.Second),
		Headers:           make(map[string]string),
	}

	// Headers arrive as HEADERS="Key1:Value1,Key2:Value2"
	for _, pair := range splitList(os.Getenv(prefix + "HEADERS")) {
		key, value, ok := strings.Cut(pair, ":")
		if !ok {
			return SourceConfig{}, fmt.Errorf("malformed header entry: %q", pair)
		}
		source.Headers[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	// A source may declare credential variables it cannot run without,
	// e.g. SOURCE_QOBUZ_REQUIRED_VARS="QOBUZ_APP_ID,QOBUZ_APP_SECRET".
	// Missing ones fail the load instead of surfacing as auth errors later.
	if required := splitList(os.Getenv(prefix + "REQUIRED_VARS")); len(required) > 0 {
		if err := validator.RequireVars(required...); err != nil {
			return SourceConfig{}, err
		}
	}

	return source, nil
}

// SourceFor returns the configuration for a source, falling back to defaults
// for sources that were never configured explicitly.
func (c *Config) SourceFor(name string) SourceConfig {
	if source, ok := c.Sources[name]; ok {
		return source
	}
	return SourceConfig{
		Name:              name,
		MaxConnections:    2,
		RequestsPerMinute: 60,
		VerifySSL:         true,
		Timeout:           120 * time.Second,
		Headers:           map[string]string{},
	}
}

// Validate performs additional validation on the loaded configuration.
// Programmer errors such as zero or negative concurrency fail here, before
// any component is constructed.
func (c *Config) Validate() error {
	if c.MaxConcurrentDownloads <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_DOWNLOADS must be a positive integer, got: %d", c.MaxConcurrentDownloads)
	}

	if c.QueueCapacity <= 0 {
		return fmt.Errorf("QUEUE_CAPACITY must be a positive integer, got: %d", c.QueueCapacity)
	}

	switch c.Retry.Strategy {
	case RetryFixed, RetryLinear, RetryExponential:
	default:
		return fmt.Errorf("invalid retry strategy: %s. Valid strategies are: fixed, linear, exponential", c.Retry.Strategy)
	}

	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("RETRY_BASE_DELAY must be positive, got: %v", c.Retry.BaseDelay)
	}

	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be a positive integer, got: %d", c.Retry.MaxAttempts)
	}

	for name, source := range c.Sources {
		if source.MaxConnections <= 0 {
			return fmt.Errorf("source %q: MAX_CONNECTIONS must be a positive integer, got: %d", name, source.MaxConnections)
		}
		if source.RequestsPerMinute <= 0 {
			return fmt.Errorf("source %q: REQUESTS_PER_MINUTE must be a positive integer, got: %d", name, source.RequestsPerMinute)
		}
		if source.Timeout <= 0 {
			return fmt.Errorf("source %q: TIMEOUT must be positive, got: %v", name, source.Timeout)
		}
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"DEBUG": true,
		"INFO":  true,
		"WARN":  true,
		"ERROR": true,
	}

	if !validLogLevels[strings.ToUpper(c.LogLevel)] {
		return fmt.Errorf("invalid log level: %s. Valid levels are: DEBUG, INFO, WARN, ERROR", c.LogLevel)
	}

	return nil
}

// splitList splits a comma separated env value, dropping empty entries
func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
