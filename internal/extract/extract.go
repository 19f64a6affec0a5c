// Package extract classifies records into the goal/task/action/observation
// hierarchy and pulls out topics, entities and sentiment.
package extract

import (
	"context"

	"github.com/nidhogg/hippocampus/internal/model"
)

// Schema names the fields an extractor is asked to fill.
var Schema = []string{"entities", "topics", "sentiment", "hierarchy"}

// Extraction is the structured result of semantic extraction.
type Extraction struct {
	Entities  []string        `json:"entities"`
	Topics    []string        `json:"topics"`
	Sentiment model.Sentiment `json:"sentiment"`
	Level     model.Level     `json:"level"`
	Goal      string          `json:"goal"`
	Source    string          `json:"source"`
	Degraded  bool            `json:"degraded,omitempty"`
}

// SemanticExtractor turns a record into an Extraction. Implementations are
// chosen by configuration: "rule" (local) or "remote" (HTTP collaborator).
type SemanticExtractor interface {
	Extract(ctx context.Context, rec model.RawRecord) (*Extraction, error)
	Name() string
}

// Config holds extractor selection and collaborator settings.
type Config struct {
	Provider    string `json:"provider"` // "rule" or "remote"
	Endpoint    string `json:"endpoint"`
	APIKey      string `json:"api_key"`
	TimeoutMs   int    `json:"timeout_ms"`
	MaxAttempts int    `json:"max_attempts"`
}
