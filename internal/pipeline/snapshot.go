// Package pipeline runs the four memory stages against published snapshots
// and commits each run atomically.
package pipeline

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nidhogg/hippocampus/internal/consolidation"
	"github.com/nidhogg/hippocampus/internal/faults"
	"github.com/nidhogg/hippocampus/internal/model"
)

// Stage names one pipeline stage.
type Stage string

const (
	StageWorkingMemory Stage = "working_memory"
	StageEpisodes      Stage = "episodes"
	StageConsolidation Stage = "consolidation"
	StageSemantic      Stage = "semantic"
)

// Stages lists every stage in data-flow order.
var Stages = []Stage{StageWorkingMemory, StageEpisodes, StageConsolidation, StageSemantic}

// ParseStage accepts a stage name as used on the CLI and in the API.
func ParseStage(s string) (Stage, error) {
	for _, st := range Stages {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q: %w", s, faults.ErrInputValidation)
}

// WorkingMemorySnapshot is a published attention set.
type WorkingMemorySnapshot struct {
	Version int64                     `json:"version"`
	At      time.Time                 `json:"at"`
	Slots   []model.WorkingMemorySlot `json:"slots"`
}

// EpisodeSnapshot is a published episode set.
type EpisodeSnapshot struct {
	Version     int64             `json:"version"`
	At          time.Time         `json:"at"`
	Episodes    []model.Episode   `json:"episodes"`
	Assignments map[string]string `json:"assignments"`
}

// ConsolidationSnapshot is a published connection state and the report of
// the cycle that produced it.
type ConsolidationSnapshot struct {
	State  *consolidation.State  `json:"state"`
	Report *consolidation.Report `json:"report,omitempty"`
}

// SemanticSnapshot is a published active node set.
type SemanticSnapshot struct {
	Version  int64                 `json:"version"`
	At       time.Time             `json:"at"`
	Nodes    []*model.SemanticNode `json:"nodes"`
	Archived int                   `json:"archived"`
	Degraded bool                  `json:"degraded"`
}

// Snapshots holds the last published output of every stage. Readers get an
// immutable value; a stage replaces the pointer only after it has committed.
type Snapshots struct {
	wm       atomic.Pointer[WorkingMemorySnapshot]
	episodes atomic.Pointer[EpisodeSnapshot]
	conn     atomic.Pointer[ConsolidationSnapshot]
	semantic atomic.Pointer[SemanticSnapshot]
}

func (s *Snapshots) WorkingMemory() *WorkingMemorySnapshot { return s.wm.Load() }
func (s *Snapshots) Episodes() *EpisodeSnapshot             { return s.episodes.Load() }
func (s *Snapshots) Consolidation() *ConsolidationSnapshot  { return s.conn.Load() }
func (s *Snapshots) Semantic() *SemanticSnapshot            { return s.semantic.Load() }

// Version returns the published version of stage, or 0 if none.
func (s *Snapshots) Version(stage Stage) int64 {
	switch stage {
	case StageWorkingMemory:
		if v := s.wm.Load(); v != nil {
			return v.Version
		}
	case StageEpisodes:
		if v := s.episodes.Load(); v != nil {
			return v.Version
		}
	case StageConsolidation:
		if v := s.conn.Load(); v != nil && v.State != nil {
			return v.State.Version
		}
	case StageSemantic:
		if v := s.semantic.Load(); v != nil {
			return v.Version
		}
	}
	return 0
}
