package model

import "time"

// SemanticNode is a long-term cluster of promoted connections.
type SemanticNode struct {
	ID                 string     `json:"id"`
	Label              string     `json:"label"`
	Members            []string   `json:"members"`
	Centroid           []float32  `json:"centroid"`
	RetrievalStrength  float64    `json:"retrieval_strength"`
	CumulativeStrength float64    `json:"cumulative_strength"`
	LastReinforced     time.Time  `json:"last_reinforced"`
	EvaluatedAt        time.Time  `json:"evaluated_at"` // retrieval strength is current as of this time
	Degraded           bool       `json:"degraded"`
	Archived           bool       `json:"archived"`
	ArchivedAt         *time.Time `json:"archived_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Clone returns a deep copy of the node.
func (n *SemanticNode) Clone() *SemanticNode {
	out := *n
	out.Members = append([]string(nil), n.Members...)
	out.Centroid = append([]float32(nil), n.Centroid...)
	out.ArchivedAt = cloneTime(n.ArchivedAt)
	return &out
}

// HasMember reports whether connID belongs to the node.
func (n *SemanticNode) HasMember(connID string) bool {
	for _, m := range n.Members {
		if m == connID {
			return true
		}
	}
	return false
}
