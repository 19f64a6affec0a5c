// Package embedding produces representation vectors for semantic clustering.
package embedding

import "context"

// Provider generates vector embeddings from text. Identical input must yield
// identical vectors.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	Name() string
}

// Config holds embedding provider configuration.
type Config struct {
	Provider    string `json:"provider"` // "api", "local" or "hash"
	Endpoint    string `json:"endpoint"`
	Model       string `json:"model"`
	APIKey      string `json:"api_key"`
	Dimension   int    `json:"dimension"`
	TimeoutMs   int    `json:"timeout_ms"`
	MaxAttempts int    `json:"max_attempts"`
}
