package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nidhogg/hippocampus/internal/bus"
	"github.com/nidhogg/hippocampus/internal/consolidation"
	"github.com/nidhogg/hippocampus/internal/episode"
	"github.com/nidhogg/hippocampus/internal/faults"
	"github.com/nidhogg/hippocampus/internal/model"
	"github.com/nidhogg/hippocampus/internal/semantic"
	"github.com/nidhogg/hippocampus/internal/store"
	"github.com/nidhogg/hippocampus/internal/workingmemory"
	"go.uber.org/zap"
)

// DefaultLockTTL bounds how long a crashed run can hold a stage lock.
const DefaultLockTTL = 10 * time.Minute

// Publisher announces published snapshots. *bus.Bus implements it.
type Publisher interface {
	Publish(ctx context.Context, ev bus.Event) error
}

// Projector mirrors committed state into the association graph.
// *graph.Store implements it.
type Projector interface {
	ProjectConsolidation(ctx context.Context, state *consolidation.State) error
	ProjectSemantic(ctx context.Context, active, archived []*model.SemanticNode) error
}

// Deps wires the pipeline. Store and the four stage implementations are
// required; Locker defaults to a LocalLocker; Events and Graph are optional.
type Deps struct {
	Store         store.Repository
	Selector      *workingmemory.Selector
	Episodes      *episode.Builder
	Consolidation *consolidation.Engine
	Semantic      *semantic.Builder
	Locker        Locker
	Events        Publisher
	Graph         Projector
	LockTTL       time.Duration
}

// Pipeline runs stages on demand. It is safe for concurrent use: the locker
// serializes runs of one stage and snapshots isolate stages from each other.
type Pipeline struct {
	deps   Deps
	snaps  *Snapshots
	logger *zap.Logger
}

// Outcome describes one stage run.
type Outcome struct {
	Stage    Stage          `json:"stage"`
	Version  int64          `json:"version"`
	At       time.Time      `json:"at"`
	DryRun   bool           `json:"dry_run"`
	Duration time.Duration  `json:"duration"`
	Summary  map[string]int `json:"summary"`
	Result   any            `json:"result,omitempty"`
}

// New creates a pipeline over deps.
func New(deps Deps, logger *zap.Logger) *Pipeline {
	if deps.Locker == nil {
		deps.Locker = NewLocalLocker()
	}
	if deps.LockTTL <= 0 {
		deps.LockTTL = DefaultLockTTL
	}
	return &Pipeline{deps: deps, snaps: &Snapshots{}, logger: logger}
}

// Snapshots exposes the published snapshots for readers.
func (p *Pipeline) Snapshots() *Snapshots {
	return p.snaps
}

// Semantic returns the semantic builder for nearest-neighbor queries.
func (p *Pipeline) Semantic() *semantic.Builder {
	return p.deps.Semantic
}

// Store returns the repository the pipeline commits to.
func (p *Pipeline) Store() store.Repository {
	return p.deps.Store
}

// Run executes one stage at logical time now. A dry run computes the next
// snapshot and returns it without committing, publishing or taking the lock.
// On any error nothing is committed or published.
func (p *Pipeline) Run(ctx context.Context, stage Stage, now time.Time, dryRun bool) (*Outcome, error) {
	start := time.Now()
	if !dryRun {
		release, err := p.deps.Locker.TryLock(ctx, "stage:"+string(stage), p.deps.LockTTL)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				p.logger.Warn("release stage lock", zap.String("stage", string(stage)), zap.Error(err))
			}
		}()
	}

	var (
		out *Outcome
		err error
	)
	switch stage {
	case StageWorkingMemory:
		out, err = p.runWorkingMemory(ctx, now, dryRun)
	case StageEpisodes:
		out, err = p.runEpisodes(ctx, now, dryRun)
	case StageConsolidation:
		out, err = p.runConsolidation(ctx, now, dryRun)
	case StageSemantic:
		out, err = p.runSemantic(ctx, now, dryRun)
	default:
		return nil, fmt.Errorf("unknown stage %q: %w", stage, faults.ErrInputValidation)
	}
	if err != nil {
		return nil, err
	}
	out.Stage = stage
	out.At = now
	out.DryRun = dryRun
	out.Duration = time.Since(start)

	p.logger.Info("stage run complete",
		zap.String("stage", string(stage)),
		zap.Int64("version", out.Version),
		zap.Bool("dry_run", dryRun),
		zap.Duration("duration", out.Duration))
	if !dryRun {
		p.announce(ctx, out)
	}
	return out, nil
}

func (p *Pipeline) runWorkingMemory(ctx context.Context, now time.Time, dryRun bool) (*Outcome, error) {
	window := p.deps.Selector.Config().Window
	records, err := p.recordsBetween(ctx, now.Add(-window), now)
	if err != nil {
		return nil, err
	}
	slots := p.deps.Selector.Select(records, now)

	snap := &WorkingMemorySnapshot{
		Version: p.snaps.Version(StageWorkingMemory) + 1,
		At:      now,
		Slots:   slots,
	}
	if !dryRun {
		p.snaps.wm.Store(snap)
	}
	return &Outcome{
		Version: snap.Version,
		Summary: map[string]int{"candidates": len(records), "selected": len(slots)},
		Result:  snap,
	}, nil
}

func (p *Pipeline) runEpisodes(ctx context.Context, now time.Time, dryRun bool) (*Outcome, error) {
	prior, err := p.priorEpisodes(ctx)
	if err != nil {
		return nil, err
	}
	window := p.deps.Episodes.Config().Window
	records, err := p.recordsBetween(ctx, now.Add(-window), now)
	if err != nil {
		return nil, err
	}
	res, err := p.deps.Episodes.Build(ctx, prior, records, now)
	if err != nil {
		return nil, fmt.Errorf("build episodes: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("episodes cancelled before commit: %w", err)
	}

	snap := &EpisodeSnapshot{
		Version:     p.snaps.Version(StageEpisodes) + 1,
		At:          now,
		Episodes:    res.Episodes,
		Assignments: res.Assignments,
	}
	if !dryRun {
		if err := p.deps.Store.SaveEpisodes(ctx, res.Episodes); err != nil {
			return nil, err
		}
		p.snaps.episodes.Store(snap)
	}

	open := 0
	for _, ep := range res.Episodes {
		if ep.Status == model.EpisodeOpen {
			open++
		}
	}
	return &Outcome{
		Version: snap.Version,
		Summary: map[string]int{
			"records":  len(records),
			"episodes": len(res.Episodes),
			"open":     open,
			"degraded": res.Degraded,
		},
		Result: snap,
	}, nil
}

func (p *Pipeline) runConsolidation(ctx context.Context, now time.Time, dryRun bool) (*Outcome, error) {
	prior, err := p.priorState(ctx)
	if err != nil {
		return nil, err
	}
	episodes, err := p.publishedEpisodes(ctx)
	if err != nil {
		return nil, err
	}
	next, report, err := p.deps.Consolidation.Run(ctx, prior, episodes, now)
	if err != nil {
		return nil, err
	}

	snap := &ConsolidationSnapshot{State: next, Report: report}
	if !dryRun {
		if err := p.deps.Store.SaveConsolidation(ctx, next); err != nil {
			return nil, err
		}
		p.snaps.conn.Store(snap)
		if p.deps.Graph != nil {
			if err := p.deps.Graph.ProjectConsolidation(ctx, next); err != nil {
				p.logger.Warn("graph projection failed", zap.Int64("version", next.Version), zap.Error(err))
			}
		}
	}
	return &Outcome{
		Version: next.Version,
		Summary: map[string]int{
			"episodes":       report.Episodes,
			"co_activations": report.CoActivations,
			"created":        report.Created,
			"tagged":         report.Tagged,
			"captured":       report.Captured,
			"expired":        report.Expired,
			"pruned":         report.Pruned,
			"violations":     report.Violations,
			"connections":    report.Connections,
		},
		Result: snap,
	}, nil
}

func (p *Pipeline) runSemantic(ctx context.Context, now time.Time, dryRun bool) (*Outcome, error) {
	prior, err := p.priorNodes(ctx)
	if err != nil {
		return nil, err
	}
	state, err := p.publishedState(ctx)
	if err != nil {
		return nil, err
	}
	episodes, err := p.publishedEpisodes(ctx)
	if err != nil {
		return nil, err
	}
	var records []model.RawRecord
	if len(episodes) > 0 {
		earliest := episodes[0].Start
		for _, ep := range episodes[1:] {
			if ep.Start.Before(earliest) {
				earliest = ep.Start
			}
		}
		if records, err = p.recordsBetween(ctx, earliest, now); err != nil {
			return nil, err
		}
	}

	res, err := p.deps.Semantic.Build(ctx, semantic.Input{
		Nodes:    prior,
		State:    state,
		Episodes: episodes,
		Records:  records,
	}, now)
	if err != nil {
		return nil, fmt.Errorf("build semantic network: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("semantic cancelled before commit: %w", err)
	}

	snap := &SemanticSnapshot{
		Version:  p.snaps.Version(StageSemantic) + 1,
		At:       now,
		Nodes:    res.Nodes,
		Archived: len(res.Archived),
		Degraded: res.Degraded,
	}
	if !dryRun {
		if err := p.deps.Store.SaveSemantic(ctx, res.Nodes, res.Archived); err != nil {
			return nil, err
		}
		p.snaps.semantic.Store(snap)
		if err := p.deps.Semantic.Apply(ctx, res); err != nil {
			p.logger.Warn("semantic index update failed", zap.Error(err))
		}
		if p.deps.Graph != nil {
			if err := p.deps.Graph.ProjectSemantic(ctx, res.Nodes, res.Archived); err != nil {
				p.logger.Warn("graph projection failed", zap.Error(err))
			}
		}
	}

	degraded := 0
	if res.Degraded {
		degraded = 1
	}
	return &Outcome{
		Version: snap.Version,
		Summary: map[string]int{
			"promoted":   res.Promoted,
			"created":    res.Created,
			"reinforced": res.Reinforced,
			"decayed":    res.Decayed,
			"archived":   len(res.Archived),
			"active":     len(res.Nodes),
			"degraded":   degraded,
		},
		Result: snap,
	}, nil
}

// recordsBetween returns records in [from, to]. Records stamped after the
// logical clock are not visible yet.
func (p *Pipeline) recordsBetween(ctx context.Context, from, to time.Time) ([]model.RawRecord, error) {
	all, err := p.deps.Store.RecordsSince(ctx, from)
	if err != nil {
		return nil, err
	}
	out := all[:0:0]
	for _, r := range all {
		if !r.Timestamp.After(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

// The prior* helpers read this stage's own last output; on a cold start they
// fall back to what the store committed.

func (p *Pipeline) priorEpisodes(ctx context.Context) ([]model.Episode, error) {
	if snap := p.snaps.Episodes(); snap != nil {
		return snap.Episodes, nil
	}
	return p.deps.Store.OpenEpisodes(ctx)
}

func (p *Pipeline) priorState(ctx context.Context) (*consolidation.State, error) {
	if snap := p.snaps.Consolidation(); snap != nil {
		return snap.State, nil
	}
	return p.deps.Store.LatestState(ctx)
}

func (p *Pipeline) priorNodes(ctx context.Context) ([]*model.SemanticNode, error) {
	if snap := p.snaps.Semantic(); snap != nil {
		return snap.Nodes, nil
	}
	return p.deps.Store.ActiveNodes(ctx)
}

// The published* helpers read a predecessor's last committed output.

func (p *Pipeline) publishedEpisodes(ctx context.Context) ([]model.Episode, error) {
	if snap := p.snaps.Episodes(); snap != nil {
		return snap.Episodes, nil
	}
	eps, err := p.deps.Store.OpenEpisodes(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i].Key < eps[j].Key })
	return eps, nil
}

func (p *Pipeline) publishedState(ctx context.Context) (*consolidation.State, error) {
	return p.priorState(ctx)
}

func (p *Pipeline) announce(ctx context.Context, out *Outcome) {
	if p.deps.Events == nil {
		return
	}
	ev := bus.Event{Stage: string(out.Stage), Version: out.Version, At: out.At, Summary: out.Summary}
	if err := p.deps.Events.Publish(ctx, ev); err != nil {
		p.logger.Warn("snapshot event not published",
			zap.String("stage", string(out.Stage)),
			zap.Int64("version", out.Version),
			zap.Error(err))
	}
}
