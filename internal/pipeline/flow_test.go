package pipeline

import (
	"context"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/nidhogg/hippocampus/internal/model"
	"github.com/nidhogg/hippocampus/internal/store"
)

// runSteadyStream feeds one #launch and one #garden record per minute and runs
// the episode stage every five minutes and consolidation plus semantic every
// hour, the default cadence. It returns the logical time of the last tick.
func runSteadyStream(t *testing.T, p *Pipeline, repo store.Repository, hours int) time.Time {
	t.Helper()
	ctx := context.Background()
	importance := 0.9
	var now time.Time
	for minute := 0; minute <= hours*60; minute++ {
		now = t0.Add(time.Duration(minute) * time.Minute)
		for _, r := range []model.RawRecord{
			{ID: fmt.Sprintf("l%04d", minute), Content: "#launch shipping notes", Timestamp: now, Importance: &importance},
			{ID: fmt.Sprintf("g%04d", minute), Content: "#garden weeding beds", Timestamp: now.Add(30 * time.Second), Importance: &importance},
		} {
			if err := repo.InsertRecord(ctx, r); err != nil {
				t.Fatalf("insert %s: %v", r.ID, err)
			}
		}
		if minute == 0 || minute%5 != 0 {
			continue
		}
		if _, err := p.Run(ctx, StageEpisodes, now, false); err != nil {
			t.Fatalf("episodes at minute %d: %v", minute, err)
		}
		seen := make(map[string]string)
		for _, ep := range p.Snapshots().Episodes().Episodes {
			for _, m := range ep.Members {
				if other, ok := seen[m]; ok {
					t.Fatalf("minute %d: record %s in %s and %s", minute, m, other, ep.Key)
				}
				seen[m] = ep.Key
			}
		}
		if minute%60 != 0 {
			continue
		}
		if _, err := p.Run(ctx, StageConsolidation, now, false); err != nil {
			t.Fatalf("consolidation at minute %d: %v", minute, err)
		}
		if _, err := p.Run(ctx, StageSemantic, now, false); err != nil {
			t.Fatalf("semantic at minute %d: %v", minute, err)
		}
	}
	return now
}

func TestSteadyCoActivationIsCapturedAndPromoted(t *testing.T) {
	repo := store.NewMemory()
	p := newTestPipeline(t, repo, nil, nil)
	runSteadyStream(t, p, repo, 5)

	eps := p.Snapshots().Episodes().Episodes
	if len(eps) != 2 || eps[0].Key != "l0000|launch" || eps[1].Key != "g0000|garden" {
		keys := make([]string, len(eps))
		for i, ep := range eps {
			keys[i] = ep.Key
		}
		t.Fatalf("episodes %v, want the two streams under their original keys", keys)
	}

	state := p.Snapshots().Consolidation().State
	if len(state.Connections) != 1 {
		t.Fatalf("got %d connections, want 1", len(state.Connections))
	}
	conn := state.Connections[model.ConnectionID("l0000|launch", "g0000|garden")]
	if conn == nil {
		t.Fatalf("connection missing: %+v", state.Connections)
	}
	if conn.CoActivations != 5 {
		t.Errorf("co-activations %d, want one per hourly cycle", conn.CoActivations)
	}
	if conn.Tag != model.TagCaptured || conn.Strength < 0.6 {
		t.Fatalf("connection tag %s strength %v, want captured above promotion threshold", conn.Tag, conn.Strength)
	}

	sem := p.Snapshots().Semantic()
	if sem == nil || len(sem.Nodes) != 1 {
		t.Fatalf("semantic snapshot %+v, want one node", sem)
	}
	if node := sem.Nodes[0]; !node.HasMember(conn.ID) || node.RetrievalStrength <= 0 {
		t.Errorf("node %+v does not hold the captured connection", node)
	}
}

func TestRerunAtSameTimeChangesNothing(t *testing.T) {
	repo := store.NewMemory()
	p := newTestPipeline(t, repo, nil, nil)
	ctx := context.Background()
	now := runSteadyStream(t, p, repo, 5)

	before := p.Snapshots().Consolidation().State
	nodesBefore := p.Snapshots().Semantic().Nodes
	for i := 0; i < 2; i++ {
		if _, err := p.Run(ctx, StageConsolidation, now, false); err != nil {
			t.Fatalf("consolidation rerun: %v", err)
		}
		if _, err := p.Run(ctx, StageSemantic, now, false); err != nil {
			t.Fatalf("semantic rerun: %v", err)
		}
	}

	after := p.Snapshots().Consolidation()
	if !after.Report.Repeat {
		t.Error("rerun not reported as a repeat")
	}
	if after.State.Version != before.Version+2 {
		t.Errorf("version %d, want %d", after.State.Version, before.Version+2)
	}
	if !reflect.DeepEqual(after.State.Connections, before.Connections) {
		t.Error("rerun at the same logical time changed connections")
	}
	nodesAfter := p.Snapshots().Semantic().Nodes
	if len(nodesAfter) != len(nodesBefore) {
		t.Fatalf("got %d nodes, want %d", len(nodesAfter), len(nodesBefore))
	}
	for i := range nodesAfter {
		if nodesAfter[i].RetrievalStrength != nodesBefore[i].RetrievalStrength {
			t.Errorf("node %s retrieval strength %v, was %v",
				nodesAfter[i].ID, nodesAfter[i].RetrievalStrength, nodesBefore[i].RetrievalStrength)
		}
	}
}
