package memory

import "time"

// RelationshipType is a typed edge label in the knowledge graph.
type RelationshipType string

const (
	RelTemporal  RelationshipType = "TEMPORAL"
	RelCausal    RelationshipType = "CAUSAL"
	RelMentions  RelationshipType = "MENTIONS"
	RelRelatesTo RelationshipType = "RELATES_TO"
)

// RippleEdgeTypes are the edge labels boost propagation follows.
var RippleEdgeTypes = []RelationshipType{RelTemporal, RelCausal, RelMentions}

// Entity is a named thing extracted from content and stored in the graph.
type Entity struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	CompanyID  string    `json:"company_id"`
	AppID      string    `json:"app_id"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// Relationship is a typed, weighted edge between two graph nodes.
type Relationship struct {
	ID        string           `json:"id"`
	FromID    string           `json:"from_id"`
	ToID      string           `json:"to_id"`
	Type      RelationshipType `json:"type"`
	Weight    float64          `json:"weight"`
	Metadata  Metadata         `json:"metadata,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// Community is a cluster of related entities detected offline. Communities
// serve as a retrieval fallback when direct search yields nothing.
type Community struct {
	ID          string    `json:"id"`
	CompanyID   string    `json:"company_id"`
	AppID       string    `json:"app_id"`
	Name        string    `json:"name"`
	Summary     string    `json:"summary,omitempty"`
	Level       int       `json:"level"`
	ParentID    *string   `json:"parent_id,omitempty"`
	EntityIDs   []string  `json:"entity_ids"`
	Keywords    []string  `json:"keywords"`
	MemberCount int       `json:"member_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
