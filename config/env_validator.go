package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"
)

// EnvValidator handles typed reads of environment variables with defaults
type EnvValidator struct{}

// NewEnvValidator creates a new environment validator instance
func NewEnvValidator() *EnvValidator {
	return &EnvValidator{}
}

// GetString returns the value of an environment variable or a fallback
func (e *EnvValidator) GetString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// GetInt returns an integer environment variable or a fallback.
// Malformed values fall back with a warning rather than failing the load;
// range validation happens later in Config.Validate.
func (e *EnvValidator) GetInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Warning: %s must be a valid integer, got: %s (using default %d)", key, value, fallback)
		return fallback
	}
	return parsed
}

// GetBool returns a boolean environment variable or a fallback
func (e *EnvValidator) GetBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	parsed, err := strconv.ParseBool(value)
	if err != nil {
		log.Printf("Warning: %s must be a valid boolean, got: %s (using default %v)", key, value, fallback)
		return fallback
	}
	return parsed
}

// GetDuration returns a duration environment variable or a fallback.
// Bare numbers are interpreted as seconds; otherwise time.ParseDuration
// syntax applies ("30s", "2m").
func (e *EnvValidator) GetDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("Warning: %s must be a valid duration, got: %s (using default %v)", key, value, fallback)
		return fallback
	}
	return parsed
}

// RequireVars validates that all listed environment variables are present
// Returns an error naming every missing variable
func (e *EnvValidator) RequireVars(names ...string) error {
	var missingVars []string
	for _, varName := range names {
		if value := os.Getenv(varName); value == "" {
			missingVars = append(missingVars, varName)
		}
	}

	if len(missingVars) > 0 {
		return fmt.Errorf("missing required environment variables: %v. Please set these variables in your .env file or environment", missingVars)
	}

	return nil
}
