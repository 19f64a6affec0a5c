package consolidation

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/nidhogg/hippocampus/internal/faults"
	"github.com/nidhogg/hippocampus/internal/model"
	"go.uber.org/zap"
)

// Report summarizes one consolidation cycle.
type Report struct {
	Version       int64              `json:"version"`
	CycleAt       time.Time          `json:"cycle_at"`
	Repeat        bool               `json:"repeat,omitempty"` // same logical time as the prior cycle
	Episodes      int                `json:"episodes"`
	CoActivations int                `json:"co_activations"`
	Created       int                `json:"created"`
	Potentiated   int                `json:"potentiated"`
	Depressed     int                `json:"depressed"`
	Metaplastic   int                `json:"metaplastic"`
	Tagged        int                `json:"tagged"`
	Interrupted   int                `json:"interrupted"`
	Captured      int                `json:"captured"`
	Expired       int                `json:"expired"`
	Clipped       int                `json:"clipped"`
	BandConflicts int                `json:"band_conflicts"`
	Pruned        int                `json:"pruned"`
	Violations    int                `json:"violations"`
	Tiers         map[model.Tier]int `json:"tiers"`
	Connections   int                `json:"connections"`
	Active        int                `json:"active"`
}

// Engine applies the five plasticity passes once per cycle.
type Engine struct {
	cfg    Config
	logger *zap.Logger
}

// NewEngine creates an engine; zero config fields take defaults.
func NewEngine(cfg Config, logger *zap.Logger) *Engine {
	return &Engine{cfg: cfg.withDefaults(), logger: logger}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Run consolidates episodes into a new state derived from prior. prior is
// never modified; on error or cancellation no state is returned.
func (e *Engine) Run(ctx context.Context, prior *State, episodes []model.Episode, now time.Time) (*State, *Report, error) {
	if prior == nil {
		prior = NewState()
	}
	if !prior.CycleAt.IsZero() && now.Before(prior.CycleAt) {
		return nil, nil, fmt.Errorf("cycle at %s precedes prior cycle %s: %w",
			now.Format(time.RFC3339), prior.CycleAt.Format(time.RFC3339), faults.ErrInputValidation)
	}

	work := prior.Clone()
	if !prior.CycleAt.IsZero() && now.Equal(prior.CycleAt) {
		// Everything that fired up to now was applied by the prior cycle.
		work.Version = prior.Version + 1
		r := &Report{
			Version:     work.Version,
			CycleAt:     now,
			Repeat:      true,
			Tiers:       make(map[model.Tier]int),
			Connections: len(work.Connections),
			Active:      len(work.Active()),
		}
		e.logger.Info("consolidation cycle repeats prior logical time, state unchanged",
			zap.Int64("version", r.Version),
			zap.Time("cycle_at", now))
		return work, r, nil
	}
	c := newCycle(e.cfg, work, prior.CycleAt, now, e.logger)

	passes := []struct {
		name string
		run  func()
	}{
		{"stdp", func() { c.stdp(episodes) }},
		{"bcm", c.bcm},
		{"tagging", c.tagging},
		{"homeostasis", c.homeostasis},
		{"competition", c.competition},
	}
	for _, p := range passes {
		if err := ctx.Err(); err != nil {
			return nil, nil, fmt.Errorf("consolidation cancelled before %s pass: %w", p.name, err)
		}
		p.run()
		c.sweep(p.name)
	}

	work.Version = prior.Version + 1
	work.CycleAt = now

	r := c.report
	r.Version = work.Version
	r.CycleAt = now
	r.Connections = len(work.Connections)
	r.Active = len(work.Active())

	e.logger.Info("consolidation cycle complete",
		zap.Int64("version", r.Version),
		zap.Int("episodes", r.Episodes),
		zap.Int("co_activations", r.CoActivations),
		zap.Int("created", r.Created),
		zap.Int("tagged", r.Tagged),
		zap.Int("captured", r.Captured),
		zap.Int("expired", r.Expired),
		zap.Int("pruned", r.Pruned),
		zap.Int("violations", r.Violations),
		zap.Int("connections", r.Connections))
	return work, r, nil
}

// cycle is the per-run working context shared by the passes.
type cycle struct {
	cfg    Config
	state  *State
	prev   time.Time
	now    time.Time
	logger *zap.Logger

	start     map[string]float64 // strength before this cycle
	gain      map[string]float64 // LTP gain from the timing pass
	depressed map[string]bool
	activity  map[string]float64 // mean endpoint activity of pairs co-activated this cycle

	report *Report
}

func newCycle(cfg Config, state *State, prev, now time.Time, logger *zap.Logger) *cycle {
	c := &cycle{
		cfg:       cfg,
		state:     state,
		prev:      prev,
		now:       now,
		logger:    logger,
		start:     make(map[string]float64, len(state.Connections)),
		gain:      make(map[string]float64),
		depressed: make(map[string]bool),
		activity:  make(map[string]float64),
		report:    &Report{Tiers: make(map[model.Tier]int)},
	}
	for id, conn := range state.Connections {
		c.start[id] = conn.Strength
	}
	return c
}

// sweep clamps out-of-range values left by a pass. Entities are never dropped.
func (c *cycle) sweep(pass string) {
	lo, hi := c.cfg.ThetaBounds()
	for _, conn := range c.state.Sorted() {
		if s := conn.Strength; math.IsNaN(s) || s < 0 || s > 1 {
			conn.Strength = model.Clamp01(s)
			c.report.Violations++
			c.logger.Warn("connection strength out of range, clamped",
				zap.String("pass", pass),
				zap.String("connection", conn.ID),
				zap.Float64("value", s),
				zap.Float64("clamped", conn.Strength),
				zap.Error(faults.ErrInvariantViolation))
		}
		if t := conn.Theta; math.IsNaN(t) || t < lo || t > hi {
			conn.Theta = model.Clamp(t, lo, hi)
			c.report.Violations++
			c.logger.Warn("connection threshold out of range, clamped",
				zap.String("pass", pass),
				zap.String("connection", conn.ID),
				zap.Float64("value", t),
				zap.Float64("clamped", conn.Theta),
				zap.Error(faults.ErrInvariantViolation))
		}
	}
}
