package graph

import (
	"math"
	"testing"

	"github.com/nidhogg/hippocampus/internal/consolidation"
	"github.com/nidhogg/hippocampus/internal/model"
)

func chain() *consolidation.State {
	st := consolidation.NewState()
	add := func(pre, post string, s float64, pruned bool) {
		id := model.ConnectionID(pre, post)
		st.Connections[id] = &model.Connection{ID: id, Pre: pre, Post: post, Strength: s, Pruned: pruned}
	}
	add("a|trip", "b|trip", 0.8, false)
	add("b|trip", "c|packing", 0.5, false)
	add("c|packing", "d|chores", 0.9, false)
	add("a|trip", "x|noise", 0.9, true)
	return st
}

func TestSpreadDecaysPerHop(t *testing.T) {
	res := Spread(chain(), []string{"a|trip"}, ActivationOpts{DecayFactor: 0.5, Threshold: 0.001})
	got := make(map[string]float64)
	for _, n := range res.Nodes {
		got[n.Key] = n.Activation
	}
	want := map[string]float64{
		"b|trip":    0.5 * 0.8,
		"c|packing": 0.25 * 0.8 * 0.5,
		"d|chores":  0.125 * 0.8 * 0.5 * 0.9,
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for k, w := range want {
		if math.Abs(got[k]-w) > 1e-9 {
			t.Errorf("%s = %v, want %v", k, got[k], w)
		}
	}
	if res.Nodes[0].Key != "b|trip" {
		t.Errorf("strongest first, got %s", res.Nodes[0].Key)
	}
}

func TestSpreadSkipsPrunedAndSeeds(t *testing.T) {
	res := Spread(chain(), []string{"trip"}, ActivationOpts{Threshold: 0.001})
	for _, n := range res.Nodes {
		if n.Key == "x|noise" {
			t.Error("activation crossed a pruned synapse")
		}
		if n.Key == "a|trip" || n.Key == "b|trip" {
			t.Errorf("seed %s returned", n.Key)
		}
	}
	if len(res.Nodes) != 2 {
		t.Errorf("got %+v", res.Nodes)
	}
}

func TestSpreadThresholdAndLimit(t *testing.T) {
	res := Spread(chain(), []string{"a|trip"}, ActivationOpts{DecayFactor: 0.5, Threshold: 0.2, MaxNodes: 5})
	if len(res.Nodes) != 1 || res.Nodes[0].Key != "b|trip" {
		t.Errorf("got %+v", res.Nodes)
	}
	res = Spread(chain(), []string{"a|trip"}, ActivationOpts{Threshold: 0.001, MaxNodes: 1})
	if len(res.Nodes) != 1 {
		t.Errorf("limit ignored: %+v", res.Nodes)
	}
}

func TestSpreadNoMatch(t *testing.T) {
	if res := Spread(chain(), []string{"nothing"}, ActivationOpts{}); len(res.Nodes) != 0 {
		t.Errorf("got %+v", res.Nodes)
	}
}
