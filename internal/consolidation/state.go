package consolidation

import (
	"sort"
	"time"

	"github.com/nidhogg/hippocampus/internal/model"
)

// State is the versioned connection state carried from one cycle to the next.
// A published State is never mutated; cycles work on a Clone.
type State struct {
	Version     int64                        `json:"version"`
	CycleAt     time.Time                    `json:"cycle_at"`
	Connections map[string]*model.Connection `json:"connections"`
}

// NewState returns the empty state at version 0.
func NewState() *State {
	return &State{Connections: make(map[string]*model.Connection)}
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	out := &State{
		Version:     s.Version,
		CycleAt:     s.CycleAt,
		Connections: make(map[string]*model.Connection, len(s.Connections)),
	}
	for id, c := range s.Connections {
		out.Connections[id] = c.Clone()
	}
	return out
}

// Sorted returns every connection ordered by ID.
func (s *State) Sorted() []*model.Connection {
	out := make([]*model.Connection, 0, len(s.Connections))
	for _, c := range s.Connections {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Active returns the unpruned connections ordered by ID.
func (s *State) Active() []*model.Connection {
	all := s.Sorted()
	out := all[:0]
	for _, c := range all {
		if !c.Pruned {
			out = append(out, c)
		}
	}
	return out
}

// Lookup finds the connection between a and b in either direction.
func (s *State) Lookup(a, b string) (*model.Connection, bool) {
	if c, ok := s.Connections[model.ConnectionID(a, b)]; ok {
		return c, true
	}
	c, ok := s.Connections[model.ConnectionID(b, a)]
	return c, ok
}

// Neighborhood returns the connections incident to entity, ordered by ID.
func (s *State) Neighborhood(entity string) []*model.Connection {
	var out []*model.Connection
	for _, c := range s.Sorted() {
		if c.Touches(entity) {
			out = append(out, c)
		}
	}
	return out
}
