package memory

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Kind classifies a content node.
type Kind string

const (
	KindMemory   Kind = "memory"
	KindDocument Kind = "document"
	KindEpisode  Kind = "episode"
	KindChunk    Kind = "chunk"
)

// ValidKind reports whether k is a recognised content kind.
func ValidKind(k Kind) bool {
	switch k {
	case KindMemory, KindDocument, KindEpisode, KindChunk:
		return true
	}
	return false
}

// Metadata is an opaque map of string keys to scalar or list values.
// Internal algorithms never pattern-match on unknown keys; the map is
// stored and returned as-is.
type Metadata map[string]any

// NewID returns a new sortable node identifier.
func NewID() string {
	return ulid.Make().String()
}

// Node is a single unit of stored knowledge. The relational store is the
// authoritative copy; the vector and graph stores hold derived projections
// keyed by the same ID.
type Node struct {
	ID             string     `json:"id"`
	Kind           Kind       `json:"kind"`
	Title          string     `json:"title,omitempty"`
	Source         string     `json:"source,omitempty"`
	Content        string     `json:"content"`
	Metadata       Metadata   `json:"metadata"`
	Tags           []string   `json:"tags"`
	CompanyID      string     `json:"company_id"`
	AppID          string     `json:"app_id"`
	UserID         string     `json:"user_id"`
	SessionID      string     `json:"session_id,omitempty"`
	HierarchyLevel int        `json:"hierarchy_level"`
	ParentID       *string    `json:"parent_id,omitempty"`
	EmbeddingModel string     `json:"embedding_model,omitempty"`
	IdempotencyKey string     `json:"-"`
	Version        int        `json:"version"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`

	// Metrics is populated on reads that join the forgetting-curve state.
	Metrics *Metrics `json:"metrics,omitempty"`
}

// Metrics captures the forgetting-curve state of a node: how often it is
// recalled, how resistant it is to forgetting, and how likely a successful
// recall is right now.
type Metrics struct {
	LastAccessed          time.Time  `json:"last_accessed"`
	AccessCount           int64      `json:"access_count"`
	Stability             float64    `json:"stability"`
	Retrievability        float64    `json:"retrievability"`
	UserImportance        *float64   `json:"user_importance,omitempty"`
	AIImportance          *float64   `json:"ai_importance,omitempty"`
	HasGraphRelationships bool       `json:"has_graph_relationships"`
	LastBoostAt           *time.Time `json:"last_boost_at,omitempty"`
	BoostCount            int64      `json:"boost_count"`
}

// MarshalJSON ensures nil slices and maps in Node marshal as [] / {} not null.
func (n Node) MarshalJSON() ([]byte, error) {
	if n.Tags == nil {
		n.Tags = []string{}
	}
	if n.Metadata == nil {
		n.Metadata = Metadata{}
	}
	type Alias Node
	return json.Marshal(Alias(n))
}
