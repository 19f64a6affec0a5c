package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nidhogg/hippocampus/internal/consolidation"
	"github.com/nidhogg/hippocampus/internal/faults"
	"github.com/nidhogg/hippocampus/internal/model"
)

// Memory is an in-process Repository for tests and offline runs. It keeps the
// same semantics as Postgres, including immutable records and snapshot history.
type Memory struct {
	mu        sync.RWMutex
	records   map[string]model.RawRecord
	episodes  map[string]model.Episode
	conns     map[string]*model.Connection
	snapshots map[int64]*consolidation.State
	latest    int64
	nodes     map[string]*model.SemanticNode
	archive   map[string]*model.SemanticNode
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records:   make(map[string]model.RawRecord),
		episodes:  make(map[string]model.Episode),
		conns:     make(map[string]*model.Connection),
		snapshots: make(map[int64]*consolidation.State),
		nodes:     make(map[string]*model.SemanticNode),
		archive:   make(map[string]*model.SemanticNode),
	}
}

func (m *Memory) InsertRecord(_ context.Context, rec model.RawRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("insert record: empty id: %w", faults.ErrInputValidation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.records[rec.ID]; ok {
		meta := make(map[string]string, len(existing.Metadata)+len(rec.Metadata))
		for k, v := range rec.Metadata {
			meta[k] = v
		}
		for k, v := range existing.Metadata {
			meta[k] = v
		}
		existing.Metadata = meta
		m.records[rec.ID] = existing
		return nil
	}
	m.records[rec.ID] = copyRecord(rec)
	return nil
}

func (m *Memory) RecordsSince(_ context.Context, since time.Time) ([]model.RawRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.RawRecord
	for _, r := range m.records {
		if !r.Timestamp.Before(since) {
			out = append(out, copyRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) SaveEpisodes(_ context.Context, episodes []model.Episode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ep := range episodes {
		if old, ok := m.episodes[ep.Key]; ok {
			ep.CreatedAt = old.CreatedAt
		}
		m.episodes[ep.Key] = ep.Clone()
	}
	return nil
}

func (m *Memory) OpenEpisodes(_ context.Context) ([]model.Episode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Episode
	for _, ep := range m.episodes {
		if ep.Status == model.EpisodeOpen {
			out = append(out, ep.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

func (m *Memory) SaveConsolidation(_ context.Context, state *consolidation.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.snapshots[state.Version]; ok {
		return faults.Storage("save consolidation",
			fmt.Errorf("snapshot v%d already exists", state.Version))
	}
	for id, c := range state.Connections {
		m.conns[id] = c.Clone()
	}
	m.snapshots[state.Version] = state.Clone()
	if state.Version > m.latest {
		m.latest = state.Version
	}
	return nil
}

func (m *Memory) LatestState(_ context.Context) (*consolidation.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.snapshots[m.latest]
	if !ok {
		return consolidation.NewState(), nil
	}
	return st.Clone(), nil
}

func (m *Memory) LoadSnapshot(_ context.Context, version int64) (*consolidation.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.snapshots[version]
	if !ok {
		return nil, fmt.Errorf("snapshot v%d: %w", version, ErrNotFound)
	}
	return st.Clone(), nil
}

func (m *Memory) Neighborhood(_ context.Context, entity string) ([]*model.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Connection
	for _, c := range m.conns {
		if c.Touches(entity) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SaveSemantic(_ context.Context, active, archived []*model.SemanticNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range active {
		m.nodes[n.ID] = n.Clone()
	}
	for _, n := range archived {
		delete(m.nodes, n.ID)
		if _, ok := m.archive[n.ID]; !ok {
			m.archive[n.ID] = n.Clone()
		}
	}
	return nil
}

func (m *Memory) ActiveNodes(_ context.Context) ([]*model.SemanticNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedNodes(m.nodes, nil), nil
}

func (m *Memory) ArchivedNodes(_ context.Context) ([]*model.SemanticNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedNodes(m.archive, nil), nil
}

func (m *Memory) NodesByMember(_ context.Context, connectionID string) ([]*model.SemanticNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedNodes(m.nodes, func(n *model.SemanticNode) bool { return n.HasMember(connectionID) }), nil
}

func sortedNodes(src map[string]*model.SemanticNode, keep func(*model.SemanticNode) bool) []*model.SemanticNode {
	var out []*model.SemanticNode
	for _, n := range src {
		if keep == nil || keep(n) {
			out = append(out, n.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func copyRecord(r model.RawRecord) model.RawRecord {
	if r.Importance != nil {
		v := *r.Importance
		r.Importance = &v
	}
	if r.Metadata != nil {
		meta := make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			meta[k] = v
		}
		r.Metadata = meta
	}
	return r
}

var _ Repository = (*Memory)(nil)
