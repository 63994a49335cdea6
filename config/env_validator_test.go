package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestEnvValidator_GetString(t *testing.T) {
	validator := NewEnvValidator()

	os.Clearenv()
	os.Setenv("TEST_STRING", "hello")

	if got := validator.GetString("TEST_STRING", "fallback"); got != "hello" {
		t.Errorf("expected %q, got %q", "hello", got)
	}
	if got := validator.GetString("TEST_MISSING", "fallback"); got != "fallback" {
		t.Errorf("expected fallback, got %q", got)
	}
}

func TestEnvValidator_GetInt(t *testing.T) {
	validator := NewEnvValidator()

	tests := []struct {
		name     string
		envValue string
		fallback int
		expected int
	}{
		{
			name:     "valid integer",
			envValue: "42",
			fallback: 7,
			expected: 42,
		},
		{
			name:     "negative integer",
			envValue: "-3",
			fallback: 7,
			expected: -3,
		},
		{
			name:     "missing value uses fallback",
			envValue: "",
			fallback: 7,
			expected: 7,
		},
		{
			name:     "malformed value uses fallback",
			envValue: "not_a_number",
			fallback: 7,
			expected: 7,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			if tt.envValue != "" {
				os.Setenv("TEST_INT", tt.envValue)
			}

			if got := validator.GetInt("TEST_INT", tt.fallback); got != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, got)
			}
		})
	}
}

func TestEnvValidator_GetBool(t *testing.T) {
	validator := NewEnvValidator()

	tests := []struct {
		name     string
		envValue string
		fallback bool
		expected bool
	}{
		{
			name:     "true",
			envValue: "true",
			fallback: false,
			expected: true,
		},
		{
			name:     "numeric false",
			envValue: "0",
			fallback: true,
			expected: false,
		},
		{
			name:     "missing value uses fallback",
			envValue: "",
			fallback: true,
			expected: true,
		},
		{
			name:     "malformed value uses fallback",
			envValue: "yes please",
			fallback: true,
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			if tt.envValue != "" {
				os.Setenv("TEST_BOOL", tt.envValue)
			}

			if got := validator.GetBool("TEST_BOOL", tt.fallback); got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestEnvValidator_GetDuration(t *testing.T) {
	validator := NewEnvValidator()

	tests := []struct {
		name     string
		envValue string
		fallback time.Duration
		expected time.Duration
	}{
		{
			name:     "bare number is seconds",
			envValue: "30",
			fallback: time.Minute,
			expected: 30 * time.Second,
		},
		{
			name:     "duration syntax",
			envValue: "2m",
			fallback: time.Minute,
			expected: 2 * time.Minute,
		},
		{
			name:     "fractional duration syntax",
			envValue: "1.5s",
			fallback: time.Minute,
			expected: 1500 * time.Millisecond,
		},
		{
			name:     "missing value uses fallback",
			envValue: "",
			fallback: time.Minute,
			expected: time.Minute,
		},
		{
			name:     "malformed value uses fallback",
			envValue: "soon",
			fallback: time.Minute,
			expected: time.Minute,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			if tt.envValue != "" {
				os.Setenv("TEST_DURATION", tt.envValue)
			}

			if got := validator.GetDuration("TEST_DURATION", tt.fallback); got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestEnvValidator_RequireVars(t *testing.T) {
	validator := NewEnvValidator()

	tests := []struct {
		name        string
		envVars     map[string]string
		required    []string
		expectError bool
		errorMsg    string
	}{
		{
			name: "all required variables present",
			envVars: map[string]string{
				"SOURCES":        "qobuz",
				"QUEUE_CAPACITY": "100",
			},
			required:    []string{"SOURCES", "QUEUE_CAPACITY"},
			expectError: false,
		},
		{
			name: "one variable missing",
			envVars: map[string]string{
				"SOURCES": "qobuz",
			},
			required:    []string{"SOURCES", "QUEUE_CAPACITY"},
			expectError: true,
			errorMsg:    "missing required environment variables: [QUEUE_CAPACITY]",
		},
		{
			name:        "all variables missing",
			envVars:     map[string]string{},
			required:    []string{"SOURCES", "QUEUE_CAPACITY"},
			expectError: true,
			errorMsg:    "missing required environment variables: [SOURCES QUEUE_CAPACITY]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Clear environment
			os.Clearenv()

			// Set test environment variables
			for key, value := range tt.envVars {
				os.Setenv(key, value)
			}

			err := validator.RequireVars(tt.required...)

			if tt.expectError {
				if err == nil {
					t.Errorf("expected error but got none")
					return
				}
				if tt.errorMsg != "" && !strings.HasPrefix(err.Error(), tt.errorMsg) {
					t.Errorf("expected error message to start with %q, got %q", tt.errorMsg, err.Error())
				}
			} else {
				if err != nil {
					t.Errorf("expected no error but got: %v", err)
				}
			}
		})
	}
}
