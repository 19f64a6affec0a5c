package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/hippocampus/internal/bus"
	"github.com/nidhogg/hippocampus/internal/consolidation"
	"github.com/nidhogg/hippocampus/internal/embedding"
	"github.com/nidhogg/hippocampus/internal/episode"
	"github.com/nidhogg/hippocampus/internal/extract"
	"github.com/nidhogg/hippocampus/internal/faults"
	"github.com/nidhogg/hippocampus/internal/model"
	"github.com/nidhogg/hippocampus/internal/semantic"
	"github.com/nidhogg/hippocampus/internal/store"
	"github.com/nidhogg/hippocampus/internal/workingmemory"
	"go.uber.org/zap"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type failingStore struct {
	*store.Memory
}

func (f *failingStore) SaveConsolidation(context.Context, *consolidation.State) error {
	return faults.Storage("save consolidation", errors.New("disk full"))
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *recordingPublisher) Publish(_ context.Context, ev bus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func newTestPipeline(t *testing.T, repo store.Repository, locker Locker, events Publisher) *Pipeline {
	t.Helper()
	logger := zap.NewNop()
	return New(Deps{
		Store:         repo,
		Selector:      workingmemory.NewSelector(workingmemory.DefaultConfig(), logger),
		Episodes:      episode.NewBuilder(episode.DefaultConfig(), extract.NewRuleExtractor(), logger),
		Consolidation: consolidation.NewEngine(consolidation.DefaultConfig(), logger),
		Semantic: semantic.NewBuilder(semantic.DefaultConfig(),
			embedding.NewResilient(nil, 16, time.Second, 1, logger), nil, logger),
		Locker: locker,
		Events: events,
	}, logger)
}

func seed(t *testing.T, repo store.Repository) {
	t.Helper()
	ctx := context.Background()
	recs := []model.RawRecord{
		{ID: "r1", Content: "#launch plan the release", Timestamp: t0.Add(-20 * time.Minute)},
		{ID: "r2", Content: "#launch wrote the changelog", Timestamp: t0.Add(-18 * time.Minute)},
		{ID: "r3", Content: "#garden walked to the allotment", Timestamp: t0.Add(-4 * time.Minute)},
		{ID: "r5", Content: "#garden picked tomatoes", Timestamp: t0.Add(-2 * time.Minute)},
		{ID: "r4", Content: "later", Timestamp: t0.Add(time.Hour)},
	}
	for _, r := range recs {
		if err := repo.InsertRecord(ctx, r); err != nil {
			t.Fatalf("insert %s: %v", r.ID, err)
		}
	}
}

func TestRunAllStages(t *testing.T) {
	repo := store.NewMemory()
	seed(t, repo)
	pub := &recordingPublisher{}
	p := newTestPipeline(t, repo, nil, pub)
	ctx := context.Background()

	for _, st := range Stages {
		out, err := p.Run(ctx, st, t0, false)
		if err != nil {
			t.Fatalf("run %s: %v", st, err)
		}
		if out.Version != 1 {
			t.Errorf("%s version %d, want 1", st, out.Version)
		}
	}

	wm := p.Snapshots().WorkingMemory()
	if wm == nil || len(wm.Slots) != 2 {
		t.Fatalf("working memory %+v, want the 2 records inside the attention window", wm)
	}
	eps := p.Snapshots().Episodes()
	if eps == nil || len(eps.Episodes) != 2 {
		t.Fatalf("episodes %+v, want 2", eps)
	}
	stored, _ := repo.OpenEpisodes(ctx)
	if len(stored) != 2 {
		t.Errorf("store has %d open episodes, want 2", len(stored))
	}
	cs := p.Snapshots().Consolidation()
	if cs == nil || cs.State.Version != 1 || cs.Report.Created != 1 {
		t.Fatalf("consolidation %+v, want one connection at v1", cs)
	}
	latest, _ := repo.LatestState(ctx)
	if latest.Version != 1 {
		t.Errorf("store state version %d, want 1", latest.Version)
	}
	if p.Snapshots().Semantic() == nil {
		t.Fatal("semantic snapshot not published")
	}
	if len(pub.events) != len(Stages) {
		t.Errorf("got %d events, want %d", len(pub.events), len(Stages))
	}
}

func TestRunRejectsOverlap(t *testing.T) {
	locker := NewLocalLocker()
	p := newTestPipeline(t, store.NewMemory(), locker, nil)
	ctx := context.Background()

	release, err := locker.TryLock(ctx, "stage:"+string(StageConsolidation), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.Run(ctx, StageConsolidation, t0, false)
	if !errors.Is(err, faults.ErrConcurrencyConflict) {
		t.Fatalf("got %v, want ErrConcurrencyConflict", err)
	}
	if _, err := p.Run(ctx, StageEpisodes, t0, false); err != nil {
		t.Errorf("other stage blocked: %v", err)
	}
	release(ctx)
	if _, err := p.Run(ctx, StageConsolidation, t0, false); err != nil {
		t.Errorf("run after release: %v", err)
	}
}

func TestStorageFailurePublishesNothing(t *testing.T) {
	repo := &failingStore{Memory: store.NewMemory()}
	seed(t, repo)
	pub := &recordingPublisher{}
	p := newTestPipeline(t, repo, nil, pub)
	ctx := context.Background()

	if _, err := p.Run(ctx, StageEpisodes, t0, false); err != nil {
		t.Fatalf("episodes: %v", err)
	}
	_, err := p.Run(ctx, StageConsolidation, t0, false)
	if !errors.Is(err, faults.ErrStorage) {
		t.Fatalf("got %v, want ErrStorage", err)
	}
	if p.Snapshots().Consolidation() != nil {
		t.Error("failed cycle published a snapshot")
	}
	if len(pub.events) != 1 {
		t.Errorf("got %d events, want only the episodes event", len(pub.events))
	}

	// The lock was released despite the failure.
	if _, err := p.Run(ctx, StageConsolidation, t0, false); !errors.Is(err, faults.ErrStorage) {
		t.Errorf("second attempt: got %v, want ErrStorage again", err)
	}
}

func TestDryRunCommitsNothing(t *testing.T) {
	repo := store.NewMemory()
	seed(t, repo)
	pub := &recordingPublisher{}
	p := newTestPipeline(t, repo, nil, pub)
	ctx := context.Background()

	out, err := p.Run(ctx, StageEpisodes, t0, true)
	if err != nil {
		t.Fatal(err)
	}
	if !out.DryRun || out.Result == nil || out.Summary["episodes"] != 2 {
		t.Errorf("unexpected outcome %+v", out)
	}
	if p.Snapshots().Episodes() != nil {
		t.Error("dry run published a snapshot")
	}
	if eps, _ := repo.OpenEpisodes(ctx); len(eps) != 0 {
		t.Errorf("dry run committed %d episodes", len(eps))
	}
	if len(pub.events) != 0 {
		t.Error("dry run announced an event")
	}
}

func TestPublishedSnapshotsAreIsolated(t *testing.T) {
	repo := store.NewMemory()
	seed(t, repo)
	p := newTestPipeline(t, repo, nil, nil)
	ctx := context.Background()

	for _, st := range []Stage{StageEpisodes, StageConsolidation} {
		if _, err := p.Run(ctx, st, t0, false); err != nil {
			t.Fatal(err)
		}
	}
	first := p.Snapshots().Consolidation()
	strength := make(map[string]float64)
	for id, c := range first.State.Connections {
		strength[id] = c.Strength
	}

	if _, err := p.Run(ctx, StageConsolidation, t0.Add(time.Hour), false); err != nil {
		t.Fatal(err)
	}
	second := p.Snapshots().Consolidation()
	if second.State.Version != 2 || first.State.Version != 1 {
		t.Fatalf("versions %d/%d, want 1/2", first.State.Version, second.State.Version)
	}
	for id, c := range first.State.Connections {
		if c.Strength != strength[id] {
			t.Errorf("published v1 connection %s mutated by v2 cycle", id)
		}
	}
}

func TestRunUnknownStage(t *testing.T) {
	p := newTestPipeline(t, store.NewMemory(), nil, nil)
	if _, err := p.Run(context.Background(), Stage("dreaming"), t0, false); !errors.Is(err, faults.ErrInputValidation) {
		t.Errorf("got %v, want ErrInputValidation", err)
	}
	if _, err := ParseStage("semantic"); err != nil {
		t.Error(err)
	}
}
