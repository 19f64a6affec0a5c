package model

import "time"

// Level is a position in the goal/task/action/observation hierarchy.
type Level string

const (
	LevelGoal        Level = "goal"
	LevelTask        Level = "task"
	LevelAction      Level = "action"
	LevelObservation Level = "observation"
)

// Levels lists hierarchy levels from the most abstract down.
var Levels = []Level{LevelGoal, LevelTask, LevelAction, LevelObservation}

// ValidLevel reports whether l is one of the known hierarchy levels.
func ValidLevel(l Level) bool {
	for _, v := range Levels {
		if v == l {
			return true
		}
	}
	return false
}

// EpisodeStatus tracks whether an episode can still receive members.
type EpisodeStatus string

const (
	EpisodeOpen   EpisodeStatus = "open"
	EpisodeClosed EpisodeStatus = "closed"
)

// UnclassifiedGoal labels episodes built from records without a goal.
const UnclassifiedGoal = "unclassified"

// Episode is a temporally and semantically grouped cluster of records.
type Episode struct {
	Key       string             `json:"key"`
	Goal      string             `json:"goal"`
	Members   []string           `json:"members"`
	Levels    map[Level][]string `json:"levels"`
	Start     time.Time          `json:"start"`
	End       time.Time          `json:"end"`
	Coherence float64            `json:"coherence"`
	Activity  float64            `json:"activity"`
	Topics    []string           `json:"topics,omitempty"`
	Status    EpisodeStatus      `json:"status"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
	ClosedAt  *time.Time         `json:"closed_at,omitempty"`
}

// Span returns the time covered by the episode.
func (e Episode) Span() time.Duration {
	return e.End.Sub(e.Start)
}

// Clone returns a deep copy of the episode.
func (e Episode) Clone() Episode {
	out := e
	out.Members = append([]string(nil), e.Members...)
	out.Topics = append([]string(nil), e.Topics...)
	if e.Levels != nil {
		out.Levels = make(map[Level][]string, len(e.Levels))
		for k, v := range e.Levels {
			out.Levels[k] = append([]string(nil), v...)
		}
	}
	if e.ClosedAt != nil {
		t := *e.ClosedAt
		out.ClosedAt = &t
	}
	return out
}

// EpisodeKey builds the stable identity of an episode.
func EpisodeKey(earliestRecordID, goal string) string {
	return earliestRecordID + "|" + goal
}
