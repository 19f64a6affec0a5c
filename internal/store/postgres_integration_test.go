//go:build integration

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/hippocampus/internal/consolidation"
	"github.com/nidhogg/hippocampus/internal/faults"
	"github.com/nidhogg/hippocampus/internal/model"
	"github.com/testcontainers/testcontainers-go"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"
)

func startPostgres(t *testing.T) *Postgres {
	t.Helper()
	ctx := context.Background()
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("hippocampus_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { testcontainers.TerminateContainer(container) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	s, err := New(ctx, dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("second migrate must be a no-op: %v", err)
	}
	return s
}

func TestPostgresRoundTrip(t *testing.T) {
	s := startPostgres(t)
	ctx := context.Background()
	imp := 0.8

	if err := s.InsertRecord(ctx, model.RawRecord{ID: "r1", Content: "hello", Timestamp: t0,
		Importance: &imp, Sentiment: model.SentimentPositive, Metadata: map[string]string{"goal": "x"}}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_ = s.InsertRecord(ctx, model.RawRecord{ID: "r1", Content: "overwrite", Timestamp: t0,
		Metadata: map[string]string{"goal": "y", "extra": "1"}})
	recs, err := s.RecordsSince(ctx, t0)
	if err != nil || len(recs) != 1 {
		t.Fatalf("records %v %v", recs, err)
	}
	if r := recs[0]; r.Content != "hello" || *r.Importance != 0.8 || r.Metadata["goal"] != "x" || r.Metadata["extra"] != "1" {
		t.Errorf("record %+v", r)
	}

	ep := model.Episode{Key: "r1|x", Goal: "x", Members: []string{"r1"},
		Levels: map[model.Level][]string{model.LevelGoal: {"r1"}}, Start: t0, End: t0,
		Coherence: 1, Activity: 0.8, Status: model.EpisodeOpen, CreatedAt: t0, UpdatedAt: t0}
	if err := s.SaveEpisodes(ctx, []model.Episode{ep}); err != nil {
		t.Fatalf("save episodes: %v", err)
	}
	open, err := s.OpenEpisodes(ctx)
	if err != nil || len(open) != 1 || open[0].Levels[model.LevelGoal][0] != "r1" {
		t.Fatalf("open episodes %+v %v", open, err)
	}

	st := consolidation.NewState()
	st.Version, st.CycleAt = 1, t0
	st.Connections["a->b"] = &model.Connection{ID: "a->b", Pre: "a", Post: "b", Strength: 0.4,
		Theta: 0.5, Tag: model.TagUntagged, CreatedAt: t0, UpdatedAt: t0}
	if err := s.SaveConsolidation(ctx, st); err != nil {
		t.Fatalf("save consolidation: %v", err)
	}
	if err := s.SaveConsolidation(ctx, st); !errors.Is(err, faults.ErrStorage) {
		t.Errorf("duplicate snapshot: got %v", err)
	}
	latest, err := s.LatestState(ctx)
	if err != nil || latest.Version != 1 || latest.Connections["a->b"].Strength != 0.4 {
		t.Fatalf("latest %+v %v", latest, err)
	}
	hood, err := s.Neighborhood(ctx, "b")
	if err != nil || len(hood) != 1 {
		t.Fatalf("neighborhood %+v %v", hood, err)
	}

	id := uuid.NewString()
	node := &model.SemanticNode{ID: id, Label: "x", Members: []string{"a->b"}, Centroid: []float32{1, 0},
		RetrievalStrength: 0.5, CreatedAt: t0}
	if err := s.SaveSemantic(ctx, []*model.SemanticNode{node}, nil); err != nil {
		t.Fatalf("save semantic: %v", err)
	}
	byMember, err := s.NodesByMember(ctx, "a->b")
	if err != nil || len(byMember) != 1 || byMember[0].Centroid[0] != 1 {
		t.Fatalf("by member %+v %v", byMember, err)
	}
	at := t0.Add(time.Hour)
	node.Archived, node.ArchivedAt = true, &at
	if err := s.SaveSemantic(ctx, nil, []*model.SemanticNode{node}); err != nil {
		t.Fatalf("archive: %v", err)
	}
	active, _ := s.ActiveNodes(ctx)
	archive, _ := s.ArchivedNodes(ctx)
	if len(active) != 0 || len(archive) != 1 || archive[0].ID != id {
		t.Errorf("active %d archive %+v", len(active), archive)
	}
}

func TestPostgresCorruptRowIsStorageFailure(t *testing.T) {
	s := startPostgres(t)
	ctx := context.Background()
	ep := model.Episode{
		Key: "a|launch", Goal: "launch", Members: []string{"a"}, Start: t0, End: t0,
		Coherence: 1, Activity: 0.5, Status: model.EpisodeOpen, CreatedAt: t0, UpdatedAt: t0,
	}
	if err := s.SaveEpisodes(ctx, []model.Episode{ep}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := s.db.Exec(ctx, `UPDATE episodes SET members = '{"a": 1}'::jsonb WHERE key = $1`, ep.Key); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	if _, err := s.OpenEpisodes(ctx); !errors.Is(err, faults.ErrStorage) {
		t.Fatalf("got %v, want ErrStorage", err)
	}
}

func TestPostgresSemanticEvaluatedAt(t *testing.T) {
	s := startPostgres(t)
	ctx := context.Background()
	node := &model.SemanticNode{
		ID: uuid.NewString(), Label: "launch", Members: []string{"a->b"}, Centroid: []float32{1, 0},
		RetrievalStrength: 0.6, LastReinforced: t0, EvaluatedAt: t0.Add(time.Hour), CreatedAt: t0,
	}
	if err := s.SaveSemantic(ctx, []*model.SemanticNode{node}, nil); err != nil {
		t.Fatalf("save: %v", err)
	}
	nodes, err := s.ActiveNodes(ctx)
	if err != nil || len(nodes) != 1 {
		t.Fatalf("active nodes %v: %v", nodes, err)
	}
	if !nodes[0].EvaluatedAt.Equal(node.EvaluatedAt) {
		t.Errorf("evaluated at %v, want %v", nodes[0].EvaluatedAt, node.EvaluatedAt)
	}
}
