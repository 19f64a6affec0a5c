// Package episode groups recent records into hierarchical episodes.
package episode

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nidhogg/hippocampus/internal/extract"
	"github.com/nidhogg/hippocampus/internal/model"
	"go.uber.org/zap"
)

const (
	// CanonicalWindow is the short-term memory window.
	CanonicalWindow = 1800 * time.Second
	// minCalibratedWindow guards against the 30s misconfiguration seen in
	// older deployments; anything below it is treated as a defect.
	minCalibratedWindow = 60 * time.Second
)

// Config controls episode building.
type Config struct {
	Window       time.Duration `json:"window"`        // default 1800s
	ProximityGap time.Duration `json:"proximity_gap"` // max gap between consecutive members, default 300s
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Window:       CanonicalWindow,
		ProximityGap: 300 * time.Second,
	}
}

// Builder turns a rolling window of records into episodes.
type Builder struct {
	cfg       Config
	extractor extract.SemanticExtractor
	logger    *zap.Logger
}

// NewBuilder creates a builder. A window below one minute is corrected to the
// canonical 1800s and logged as a calibration defect.
func NewBuilder(cfg Config, extractor extract.SemanticExtractor, logger *zap.Logger) *Builder {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Window < minCalibratedWindow {
		logger.Warn("episode window below calibrated minimum, using canonical window",
			zap.Duration("configured", cfg.Window),
			zap.Duration("canonical", CanonicalWindow))
		cfg.Window = CanonicalWindow
	}
	if cfg.ProximityGap <= 0 {
		cfg.ProximityGap = def.ProximityGap
	}
	if cfg.ProximityGap > cfg.Window {
		cfg.ProximityGap = cfg.Window
	}
	return &Builder{cfg: cfg, extractor: extractor, logger: logger}
}

// Config returns the effective configuration.
func (b *Builder) Config() Config {
	return b.cfg
}

// Result is the output of one build run.
type Result struct {
	Episodes    []model.Episode                `json:"episodes"`
	Assignments map[string]string              `json:"assignments"` // record id -> episode key
	Extractions map[string]*extract.Extraction `json:"-"`
	Degraded    int                            `json:"degraded"`
}

type classified struct {
	rec model.RawRecord
	ex  *extract.Extraction
}

type group struct {
	members []classified
}

func (g *group) first() classified { return g.members[0] }
func (g *group) last() classified  { return g.members[len(g.members)-1] }

// Build classifies the in-window records and groups them. prior is the last
// published episode set; it supplies stable identities and is carried forward
// so episodes are closed rather than dropped.
func (b *Builder) Build(ctx context.Context, prior []model.Episode, records []model.RawRecord, now time.Time) (*Result, error) {
	var items []classified
	res := &Result{
		Assignments: make(map[string]string),
		Extractions: make(map[string]*extract.Extraction),
	}
	for _, r := range records {
		if r.Timestamp.After(now) || now.Sub(r.Timestamp) > b.cfg.Window {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ex, err := b.extractor.Extract(ctx, r)
		if err != nil {
			return nil, fmt.Errorf("classify record %s: %w", r.ID, err)
		}
		if ex.Degraded {
			res.Degraded++
		}
		res.Extractions[r.ID] = ex
		items = append(items, classified{rec: r, ex: ex})
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, c := items[i].rec, items[j].rec
		if !a.Timestamp.Equal(c.Timestamp) {
			return a.Timestamp.Before(c.Timestamp)
		}
		return a.ID < c.ID
	})

	groups := b.group(items)
	built := make([]model.Episode, len(groups))
	for i, g := range groups {
		built[i] = b.episodeFrom(g, now)
	}
	claimed := continueIdentities(built, prior)
	for _, ep := range built {
		for _, m := range ep.Members {
			res.Assignments[m] = ep.Key
		}
		res.Episodes = append(res.Episodes, ep)
	}

	// Carry forward open prior episodes that were not continued this run.
	// Closed episodes already live in the persistent store.
	var carried, closed int
	for _, old := range prior {
		if claimed[old.Key] || old.Status == model.EpisodeClosed {
			continue
		}
		ep := old.Clone()
		if now.Sub(ep.Start) > b.cfg.Window {
			t := now
			ep.Status = model.EpisodeClosed
			ep.ClosedAt = &t
			ep.UpdatedAt = now
			// Members still in the window now belong to this run's episodes.
			ep.Members = withoutAssigned(ep.Members, res.Assignments)
			for lvl, ids := range ep.Levels {
				ep.Levels[lvl] = withoutAssigned(ids, res.Assignments)
			}
			closed++
		} else {
			// Membership moved to other episodes after reclassification.
			ep.Members = nil
			ep.Levels = map[model.Level][]string{}
			ep.Coherence = 0
			ep.Activity = 0
			ep.UpdatedAt = now
		}
		carried++
		res.Episodes = append(res.Episodes, ep)
	}

	sort.SliceStable(res.Episodes, func(i, j int) bool {
		a, c := res.Episodes[i], res.Episodes[j]
		if !a.Start.Equal(c.Start) {
			return a.Start.Before(c.Start)
		}
		return a.Key < c.Key
	})

	b.logger.Info("episodes built",
		zap.Int("records", len(items)),
		zap.Int("episodes", len(groups)),
		zap.Int("carried", carried),
		zap.Int("closed", closed),
		zap.Int("degraded", res.Degraded),
		zap.Time("now", now))
	return res, nil
}

// continueIdentities gives each built episode the identity of the prior
// episode it continues, and returns the prior keys claimed. An exact key match
// wins; otherwise a group continues the open prior episode with the same goal
// that shares the most members, so an episode keeps its key while its earliest
// records slide out of the window.
func continueIdentities(built []model.Episode, prior []model.Episode) map[string]bool {
	claimed := make(map[string]bool)
	byKey := make(map[string]model.Episode, len(prior))
	for _, ep := range prior {
		byKey[ep.Key] = ep
	}
	matched := make([]bool, len(built))
	for i := range built {
		if old, ok := byKey[built[i].Key]; ok {
			built[i].CreatedAt = old.CreatedAt
			claimed[old.Key] = true
			matched[i] = true
		}
	}
	for i := range built {
		if matched[i] {
			continue
		}
		members := make(map[string]bool, len(built[i].Members))
		for _, m := range built[i].Members {
			members[m] = true
		}
		var best *model.Episode
		var bestOverlap int
		for j := range prior {
			old := &prior[j]
			if claimed[old.Key] || old.Status != model.EpisodeOpen || old.Goal != built[i].Goal {
				continue
			}
			overlap := 0
			for _, m := range old.Members {
				if members[m] {
					overlap++
				}
			}
			if overlap == 0 {
				continue
			}
			if best == nil || overlap > bestOverlap ||
				(overlap == bestOverlap && old.Start.Before(best.Start)) ||
				(overlap == bestOverlap && old.Start.Equal(best.Start) && old.Key < best.Key) {
				best, bestOverlap = old, overlap
			}
		}
		if best != nil {
			built[i].Key = best.Key
			built[i].CreatedAt = best.CreatedAt
			claimed[best.Key] = true
		}
	}
	return claimed
}

func withoutAssigned(ids []string, assigned map[string]string) []string {
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := assigned[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// group assigns every record to exactly one group.
func (b *Builder) group(items []classified) []*group {
	var groups []*group
	for _, it := range items {
		var target *group
		// Newest groups first so a record joins the most recent candidate.
		for i := len(groups) - 1; i >= 0; i-- {
			g := groups[i]
			if it.rec.Timestamp.Sub(g.last().rec.Timestamp) > b.cfg.ProximityGap {
				continue
			}
			if it.rec.Timestamp.Sub(g.first().rec.Timestamp) > b.cfg.Window {
				continue
			}
			if it.ex.Goal == "" || it.ex.Goal == dominantGoal(g.members) {
				target = g
				break
			}
		}
		if target == nil {
			target = &group{}
			groups = append(groups, target)
		}
		target.members = append(target.members, it)
	}
	return groups
}

func (b *Builder) episodeFrom(g *group, now time.Time) model.Episode {
	goal := dominantGoal(g.members)
	label := goal
	if label == "" {
		label = model.UnclassifiedGoal
	}

	ep := model.Episode{
		Key:       model.EpisodeKey(g.first().rec.ID, label),
		Goal:      label,
		Levels:    make(map[model.Level][]string),
		Start:     g.first().rec.Timestamp,
		End:       g.last().rec.Timestamp,
		Status:    model.EpisodeOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var agree int
	var importance float64
	topicFreq := make(map[string]int)
	for _, m := range g.members {
		ep.Members = append(ep.Members, m.rec.ID)
		ep.Levels[m.ex.Level] = append(ep.Levels[m.ex.Level], m.rec.ID)
		if goal != "" && m.ex.Goal == goal {
			agree++
		}
		importance += m.rec.ImportanceOrDefault()
		for _, t := range m.ex.Topics {
			topicFreq[t]++
		}
	}
	n := float64(len(g.members))
	if goal == "" {
		// Nothing to agree with: an unclassified group is coherent only as a singleton.
		if len(g.members) == 1 {
			agree = 1
		}
	}
	ep.Coherence = float64(agree) / n
	ep.Activity = model.Clamp01(importance / n * ep.Coherence)
	ep.Topics = rankTopics(topicFreq, 5)
	return ep
}

// dominantGoal returns the most frequent non-empty goal; on ties the goal that
// reached the count first wins.
func dominantGoal(members []classified) string {
	counts := make(map[string]int)
	best, bestN := "", 0
	for _, m := range members {
		if m.ex.Goal == "" {
			continue
		}
		counts[m.ex.Goal]++
		if counts[m.ex.Goal] > bestN {
			best, bestN = m.ex.Goal, counts[m.ex.Goal]
		}
	}
	return best
}

func rankTopics(freq map[string]int, n int) []string {
	out := make([]string, 0, len(freq))
	for t := range freq {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if freq[out[i]] != freq[out[j]] {
			return freq[out[i]] > freq[out[j]]
		}
		return out[i] < out[j]
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
