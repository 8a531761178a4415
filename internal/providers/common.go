package providers

import (
	"fmt"
	"time"
)

// Config describes one configured execution provider.
type Config struct {
	Name           string `yaml:"name"`
	Kind           string `yaml:"kind"` // openai | ollama
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Retries        int    `yaml:"retries"`
}

// Timeout returns the per-call timeout, defaulting to 60s.
func (c Config) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ValidationError represents an invalid provider configuration.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s=%s: %s", e.Field, e.Value, e.Message)
}

// Validate checks the fields every provider kind needs.
func (c Config) Validate() error {
	if c.Kind == "" {
		return ValidationError{Field: "kind", Value: "", Message: "provider kind is required"}
	}
	if c.BaseURL == "" {
		return ValidationError{Field: "base_url", Value: "", Message: fmt.Sprintf("%s provider needs a base URL", c.Kind)}
	}
	if c.Retries < 0 {
		return ValidationError{Field: "retries", Value: fmt.Sprintf("%d", c.Retries), Message: "retries cannot be negative"}
	}
	return nil
}
