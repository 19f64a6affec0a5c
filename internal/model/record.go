// Package model holds the data types passed between pipeline stages.
package model

import (
	"time"
)

// Sentiment is the emotional polarity attached to a record.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

// DefaultImportance is used when a record carries no importance.
const DefaultImportance = 0.5

// RawRecord is an ingested observation. Immutable once stored, apart from Metadata.
type RawRecord struct {
	ID         string            `json:"id"`
	Content    string            `json:"content"`
	Timestamp  time.Time         `json:"timestamp"`
	Importance *float64          `json:"importance,omitempty"`
	Sentiment  Sentiment         `json:"sentiment,omitempty"`
	Owner      string            `json:"owner"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ImportanceOrDefault returns the record importance clamped to [0,1], or 0.5 when missing.
func (r RawRecord) ImportanceOrDefault() float64 {
	if r.Importance == nil {
		return DefaultImportance
	}
	return Clamp01(*r.Importance)
}

// SentimentOrDefault returns the record sentiment, treating unknown values as neutral.
func (r RawRecord) SentimentOrDefault() Sentiment {
	switch r.Sentiment {
	case SentimentPositive, SentimentNegative:
		return r.Sentiment
	default:
		return SentimentNeutral
	}
}

// WorkingMemorySlot is one entry of the active attention set.
type WorkingMemorySlot struct {
	Rank          int       `json:"rank"`
	PriorityScore float64   `json:"priority_score"`
	RecordID      string    `json:"record_id"`
	Timestamp     time.Time `json:"timestamp"`
}
