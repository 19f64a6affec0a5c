package semantic

import (
	"context"
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/nidhogg/hippocampus/internal/consolidation"
	"github.com/nidhogg/hippocampus/internal/embedding"
	"github.com/nidhogg/hippocampus/internal/model"
	"go.uber.org/zap"
)

var t0 = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

// fakeEmbedder maps a text to the vector of the first topic it mentions.
type fakeEmbedder struct {
	topics map[string][]float32
	texts  []string
	err    error
}

func (f *fakeEmbedder) Dimension() int { return 3 }

func (f *fakeEmbedder) EmbedWithStatus(_ context.Context, texts []string) ([][]float32, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	f.texts = append(f.texts, texts...)
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{0, 0, 1}
		for topic, v := range f.topics {
			if strings.Contains(text, topic) {
				out[i] = v
				break
			}
		}
	}
	return out, false, nil
}

func newFake() *fakeEmbedder {
	return &fakeEmbedder{topics: map[string][]float32{
		"hiking":  {1, 0, 0},
		"camping": {0.95, 0.05, 0},
		"taxes":   {0, 1, 0},
	}}
}

func conn(id, pre, post string, strength float64, tag model.TagState) *model.Connection {
	return &model.Connection{ID: id, Pre: pre, Post: post, Strength: strength, Tag: tag, Theta: 0.5}
}

func stateOf(conns ...*model.Connection) *consolidation.State {
	st := consolidation.NewState()
	st.CycleAt = t0
	for _, c := range conns {
		st.Connections[c.ID] = c
	}
	return st
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestBuildPromotesOnlyCapturedAboveThreshold(t *testing.T) {
	pruned := conn("p", "x|hiking", "y|hiking", 0.9, model.TagCaptured)
	pruned.Pruned = true
	st := stateOf(
		conn("ok", "a|hiking", "b|hiking", 0.7, model.TagCaptured),
		conn("weak", "c|hiking", "d|hiking", 0.5, model.TagCaptured),
		conn("tagged", "e|hiking", "f|hiking", 0.9, model.TagTagged),
		pruned,
	)
	b := NewBuilder(DefaultConfig(), newFake(), nil, zap.NewNop())
	res, err := b.Build(context.Background(), Input{State: st}, t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Promoted != 1 || len(res.Nodes) != 1 {
		t.Fatalf("promoted %d nodes %d", res.Promoted, len(res.Nodes))
	}
	n := res.Nodes[0]
	if !reflect.DeepEqual(n.Members, []string{"ok"}) {
		t.Errorf("members %v", n.Members)
	}
	if !approx(n.RetrievalStrength, 1-math.Exp(-0.7)) {
		t.Errorf("retrieval strength %v", n.RetrievalStrength)
	}
	if n.Label != "hiking" || !n.LastReinforced.Equal(t0) {
		t.Errorf("label %q reinforced %v", n.Label, n.LastReinforced)
	}
}

func TestBuildClustersBySimilarity(t *testing.T) {
	st := stateOf(
		conn("c1", "a|hiking", "b|hiking", 0.7, model.TagCaptured),
		conn("c2", "c|camping", "d|camping", 0.8, model.TagCaptured),
		conn("c3", "e|taxes", "f|taxes", 0.9, model.TagCaptured),
	)
	b := NewBuilder(DefaultConfig(), newFake(), nil, zap.NewNop())
	res, err := b.Build(context.Background(), Input{State: st}, t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Created != 2 || len(res.Nodes) != 2 {
		t.Fatalf("created %d nodes %d", res.Created, len(res.Nodes))
	}
	var outdoors *model.SemanticNode
	for _, n := range res.Nodes {
		if len(n.Members) == 2 {
			outdoors = n
		}
	}
	if outdoors == nil {
		t.Fatal("hiking and camping should share a node")
	}
	if want := []float32{0.975, 0.025, 0}; math.Abs(float64(outdoors.Centroid[0]-want[0])) > 1e-6 ||
		math.Abs(float64(outdoors.Centroid[1]-want[1])) > 1e-6 {
		t.Errorf("centroid %v, want %v", outdoors.Centroid, want)
	}
	if !approx(outdoors.RetrievalStrength, 1-math.Exp(-1.5)) {
		t.Errorf("retrieval strength %v", outdoors.RetrievalStrength)
	}
}

func TestBuildRepresentationUsesEpisodeContent(t *testing.T) {
	fake := newFake()
	st := stateOf(conn("c1", "r1|trip", "r2|trip", 0.7, model.TagCaptured))
	in := Input{
		State: st,
		Episodes: []model.Episode{
			{Key: "r1|trip", Goal: "trip", Members: []string{"r1"}},
			{Key: "r2|trip", Goal: "trip", Members: []string{"r2"}},
		},
		Records: []model.RawRecord{
			{ID: "r1", Content: "booked hiking boots"},
			{ID: "r2", Content: "mapped the trail"},
		},
	}
	b := NewBuilder(DefaultConfig(), fake, nil, zap.NewNop())
	if _, err := b.Build(context.Background(), in, t0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fake.texts) != 1 {
		t.Fatalf("embedded %d texts", len(fake.texts))
	}
	for _, want := range []string{"trip", "booked hiking boots", "mapped the trail"} {
		if !strings.Contains(fake.texts[0], want) {
			t.Errorf("representation %q missing %q", fake.texts[0], want)
		}
	}
}

func TestBuildDecaysWithoutReinforcement(t *testing.T) {
	st := stateOf(conn("c1", "a|hiking", "b|hiking", 0.7, model.TagCaptured))
	st.Connections["c1"].LastCoActivated = t0.Add(-2 * time.Hour)
	node := &model.SemanticNode{
		ID: "n1", Members: []string{"c1"}, Centroid: []float32{1, 0, 0},
		RetrievalStrength: 0.5, LastReinforced: t0.Add(-time.Hour), CreatedAt: t0.Add(-time.Hour),
	}
	b := NewBuilder(DefaultConfig(), newFake(), nil, zap.NewNop())

	nodes := []*model.SemanticNode{node}
	for i := 0; i < 24; i++ {
		res, err := b.Build(context.Background(), Input{Nodes: nodes, State: st}, t0.Add(time.Duration(i)*time.Hour))
		if err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		nodes = res.Nodes
	}
	if len(nodes) != 1 || !approx(nodes[0].RetrievalStrength, 0.25) {
		t.Fatalf("after one half-life got %+v", nodes)
	}
	if node.RetrievalStrength != 0.5 {
		t.Error("input node mutated")
	}
}

func TestBuildReinforcesOnCoActivation(t *testing.T) {
	st := stateOf(conn("c1", "a|hiking", "b|hiking", 0.9, model.TagCaptured))
	st.Connections["c1"].LastCoActivated = t0
	node := &model.SemanticNode{
		ID: "n1", Members: []string{"c1"}, Centroid: []float32{1, 0, 0},
		RetrievalStrength: 0.1, LastReinforced: t0.Add(-time.Hour),
	}
	b := NewBuilder(DefaultConfig(), newFake(), nil, zap.NewNop())
	res, err := b.Build(context.Background(), Input{Nodes: []*model.SemanticNode{node}, State: st}, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := res.Nodes[0]
	if !approx(got.RetrievalStrength, 1-math.Exp(-0.9)) || res.Reinforced != 1 {
		t.Errorf("retrieval strength %v reinforced %d", got.RetrievalStrength, res.Reinforced)
	}

	again, _ := b.Build(context.Background(), Input{Nodes: res.Nodes, State: st}, t0.Add(2*time.Minute))
	if again.Reinforced != 0 || again.Decayed != 1 {
		t.Errorf("repeat run reinforced %d decayed %d", again.Reinforced, again.Decayed)
	}
}

func TestBuildArchivesBelowFloor(t *testing.T) {
	st := stateOf()
	idx := NewMemoryIndex()
	fading := &model.SemanticNode{ID: "fading", Centroid: []float32{1, 0, 0}, RetrievalStrength: 0.0505}
	steady := &model.SemanticNode{ID: "steady", Centroid: []float32{0, 1, 0}, RetrievalStrength: 0.9}
	_ = idx.Upsert(context.Background(), []*model.SemanticNode{fading, steady})

	b := NewBuilder(DefaultConfig(), newFake(), idx, zap.NewNop())
	res, err := b.Build(context.Background(), Input{Nodes: []*model.SemanticNode{fading, steady}, State: st}, t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Archived) != 1 || res.Archived[0].ID != "fading" || !res.Archived[0].Archived || res.Archived[0].ArchivedAt == nil {
		t.Fatalf("archived %+v", res.Archived)
	}
	if len(res.Nodes) != 1 || res.Nodes[0].ID != "steady" {
		t.Fatalf("active %+v", res.Nodes)
	}
	if idx.Len() != 2 {
		t.Error("Build must not touch the index")
	}
	if err := b.Apply(context.Background(), res); err != nil {
		t.Fatalf("apply: %v", err)
	}
	matches, _ := b.Nearest(context.Background(), []float32{1, 0, 0}, 5)
	for _, m := range matches {
		if m.NodeID == "fading" {
			t.Error("archived node still indexed")
		}
	}
}

func TestBuildMarksPlaceholderVectors(t *testing.T) {
	st := stateOf(conn("c1", "a|hiking", "b|hiking", 0.7, model.TagCaptured))
	emb := embedding.NewResilient(nil, 16, time.Second, 1, zap.NewNop())
	b := NewBuilder(DefaultConfig(), emb, nil, zap.NewNop())
	res, err := b.Build(context.Background(), Input{State: st}, t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Degraded || !res.Nodes[0].Degraded {
		t.Error("placeholder vectors not flagged")
	}
	if len(res.Nodes[0].Centroid) != 16 {
		t.Errorf("centroid dimension %d", len(res.Nodes[0].Centroid))
	}
}

func TestBuildEmbedderFailure(t *testing.T) {
	st := stateOf(conn("c1", "a|hiking", "b|hiking", 0.7, model.TagCaptured))
	fake := newFake()
	fake.err = errors.New("down")
	b := NewBuilder(DefaultConfig(), fake, nil, zap.NewNop())
	if _, err := b.Build(context.Background(), Input{State: st}, t0); err == nil {
		t.Fatal("expected error")
	}
}

func TestNearestText(t *testing.T) {
	idx := NewMemoryIndex()
	_ = idx.Upsert(context.Background(), []*model.SemanticNode{
		{ID: "outdoors", Centroid: []float32{1, 0, 0}},
		{ID: "money", Centroid: []float32{0, 1, 0}},
	})
	b := NewBuilder(DefaultConfig(), newFake(), idx, zap.NewNop())
	matches, err := b.NearestText(context.Background(), "taxes due", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(matches) != 1 || matches[0].NodeID != "money" {
		t.Errorf("got %+v", matches)
	}
}

func TestBuildRerunAtSameTimeDoesNotDecay(t *testing.T) {
	st := stateOf(conn("c1", "a|hiking", "b|hiking", 0.7, model.TagCaptured))
	st.Connections["c1"].LastCoActivated = t0.Add(-2 * time.Hour)
	node := &model.SemanticNode{
		ID: "n1", Members: []string{"c1"}, Centroid: []float32{1, 0, 0},
		RetrievalStrength: 0.5, LastReinforced: t0.Add(-time.Hour), CreatedAt: t0.Add(-time.Hour),
	}
	b := NewBuilder(DefaultConfig(), newFake(), nil, zap.NewNop())

	first, err := b.Build(context.Background(), Input{Nodes: []*model.SemanticNode{node}, State: st}, t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := 0.5 * math.Pow(0.5, 1.0/24)
	if first.Decayed != 1 || !approx(first.Nodes[0].RetrievalStrength, want) {
		t.Fatalf("first run decayed %d strength %v, want %v", first.Decayed, first.Nodes[0].RetrievalStrength, want)
	}
	nodes := first.Nodes
	for i := 0; i < 3; i++ {
		again, err := b.Build(context.Background(), Input{Nodes: nodes, State: st}, t0)
		if err != nil {
			t.Fatalf("rerun %d: %v", i, err)
		}
		if again.Decayed != 0 || again.Nodes[0].RetrievalStrength != first.Nodes[0].RetrievalStrength {
			t.Errorf("rerun %d decayed %d strength %v", i, again.Decayed, again.Nodes[0].RetrievalStrength)
		}
		nodes = again.Nodes
	}
}

func TestBuildDecayScalesWithElapsedTime(t *testing.T) {
	st := stateOf(conn("c1", "a|hiking", "b|hiking", 0.7, model.TagCaptured))
	node := &model.SemanticNode{
		ID: "n1", Members: []string{"c1"}, Centroid: []float32{1, 0, 0},
		RetrievalStrength: 0.8, LastReinforced: t0.Add(-time.Hour), EvaluatedAt: t0,
	}
	b := NewBuilder(DefaultConfig(), newFake(), nil, zap.NewNop())

	// Twelve runs fifteen minutes apart cover three hourly cycles.
	nodes := []*model.SemanticNode{node}
	for i := 1; i <= 12; i++ {
		res, err := b.Build(context.Background(), Input{Nodes: nodes, State: st}, t0.Add(time.Duration(i)*15*time.Minute))
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		nodes = res.Nodes
	}
	if want := 0.8 * math.Pow(0.5, 3.0/24); !approx(nodes[0].RetrievalStrength, want) {
		t.Errorf("strength %v, want %v", nodes[0].RetrievalStrength, want)
	}
}
