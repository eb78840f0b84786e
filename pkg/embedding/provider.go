// Package embedding defines the embedding provider boundary and the
// implementations the cache can be wired to: OpenAI-compatible endpoints,
// Amazon Bedrock, and a deterministic mock for tests.
package embedding

import (
	"context"
	"errors"
)

// Provider turns text into a fixed-dimension vector. Implementations must be
// deterministic enough that identical text yields near-identical vectors.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimensions reports the vector width this provider produces.
	Dimensions() int
	// Name identifies the provider in logs and metrics.
	Name() string
}

// Provider errors.
var (
	ErrEmptyText       = errors.New("embedding: text is empty")
	ErrProviderFailure = errors.New("embedding: provider call failed")
)

// Config selects and tunes a provider.
type Config struct {
	// Kind is one of "openai", "bedrock", "mock".
	Kind string `mapstructure:"kind" validate:"omitempty,oneof=openai bedrock mock"`

	// OpenAI-compatible settings.
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`

	// Bedrock settings.
	Region string `mapstructure:"region"`

	// Dimensions must match what the configured model emits.
	Dimensions int `mapstructure:"dimensions" validate:"omitempty,gt=0"`
}
