// Package workingmemory selects the active attention set from recent records.
package workingmemory

import (
	"sort"
	"time"

	"github.com/nidhogg/hippocampus/internal/model"
	"go.uber.org/zap"
)

const (
	// TargetCapacity is the default size of the attention set.
	TargetCapacity = 7
	// MaxCapacity is the hard upper bound regardless of configuration.
	MaxCapacity = 9
)

// Salience weights by sentiment. Positive outranks negative on purpose.
var salience = map[model.Sentiment]float64{
	model.SentimentPositive: 0.30,
	model.SentimentNegative: 0.25,
	model.SentimentNeutral:  0.15,
}

// Weights blends the three priority signals.
type Weights struct {
	Recency    float64 `json:"recency"`
	Importance float64 `json:"importance"`
	Emotion    float64 `json:"emotion"`
}

// Config controls working memory selection.
type Config struct {
	Window   time.Duration `json:"window"`   // attention window, default 300s
	Capacity int           `json:"capacity"` // default 7, capped at 9
	Weights  Weights       `json:"weights"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Window:   300 * time.Second,
		Capacity: TargetCapacity,
		Weights: Weights{
			Recency:    0.35,
			Importance: 0.35,
			Emotion:    1.0,
		},
	}
}

// Selector ranks records by priority and keeps the top of the list.
type Selector struct {
	cfg    Config
	logger *zap.Logger
}

// NewSelector creates a selector. Zero fields in cfg fall back to defaults.
func NewSelector(cfg Config, logger *zap.Logger) *Selector {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.Capacity > MaxCapacity {
		logger.Warn("working memory capacity above hard cap, clamping",
			zap.Int("configured", cfg.Capacity),
			zap.Int("cap", MaxCapacity))
		cfg.Capacity = MaxCapacity
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = def.Weights
	}
	return &Selector{cfg: cfg, logger: logger}
}

// Config returns the effective configuration.
func (s *Selector) Config() Config {
	return s.cfg
}

// Score computes the priority of a record evaluated at now.
func (s *Selector) Score(r model.RawRecord, now time.Time) float64 {
	age := now.Sub(r.Timestamp)
	recency := 1 - float64(age)/float64(s.cfg.Window)
	w := s.cfg.Weights
	return w.Recency*model.Clamp01(recency) +
		w.Importance*r.ImportanceOrDefault() +
		w.Emotion*salience[r.SentimentOrDefault()]
}

// InWindow reports whether r falls within the attention window ending at now.
func (s *Selector) InWindow(r model.RawRecord, now time.Time) bool {
	return !r.Timestamp.After(now) && now.Sub(r.Timestamp) <= s.cfg.Window
}

// Select returns the attention set for now. It is a pure function of its
// inputs: the same records and now always produce the same slots.
func (s *Selector) Select(records []model.RawRecord, now time.Time) []model.WorkingMemorySlot {
	slots := make([]model.WorkingMemorySlot, 0, len(records))
	for _, r := range records {
		if !s.InWindow(r, now) {
			continue
		}
		slots = append(slots, model.WorkingMemorySlot{
			PriorityScore: s.Score(r, now),
			RecordID:      r.ID,
			Timestamp:     r.Timestamp,
		})
	}
	Rank(slots)

	limit := s.cfg.Capacity
	if limit > MaxCapacity {
		limit = MaxCapacity
	}
	if len(slots) > limit {
		slots = slots[:limit]
	}
	for i := range slots {
		slots[i].Rank = i + 1
	}

	s.logger.Debug("working memory selected",
		zap.Int("candidates", len(records)),
		zap.Int("selected", len(slots)),
		zap.Time("now", now))
	return slots
}

// Rank sorts slots by score descending, newest first on ties, then by record id.
func Rank(slots []model.WorkingMemorySlot) {
	sort.SliceStable(slots, func(i, j int) bool {
		a, b := slots[i], slots[j]
		if a.PriorityScore != b.PriorityScore {
			return a.PriorityScore > b.PriorityScore
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		return a.RecordID < b.RecordID
	})
}
