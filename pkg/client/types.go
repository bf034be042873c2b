package client

import "time"

// Kind labels what a node holds.
type Kind string

const (
	KindMemory   Kind = "memory"
	KindDocument Kind = "document"
	KindEpisode  Kind = "episode"
	KindChunk    Kind = "chunk"
)

// AccessKind is how a memory was touched.
type AccessKind string

const (
	AccessRetrieve AccessKind = "retrieve"
	AccessView     AccessKind = "view"
	AccessEdit     AccessKind = "edit"
	AccessShare    AccessKind = "share"
)

// AccessContext is what prompted the touch.
type AccessContext string

const (
	ContextQuery   AccessContext = "query"
	ContextRelated AccessContext = "related"
	ContextManual  AccessContext = "manual"
	ContextSystem  AccessContext = "system"
)

// Role is a sharing permission level.
type Role string

const (
	RoleRead  Role = "read"
	RoleWrite Role = "write"
	RoleAdmin Role = "admin"
)

// NodeMetrics is the forgetting-curve state attached to a node on reads.
type NodeMetrics struct {
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

// Node is a stored memory as the API returns it.
type Node struct {
	ID             string         `json:"id"`
	Kind           Kind           `json:"kind"`
	Title          string         `json:"title,omitempty"`
	Source         string         `json:"source,omitempty"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata"`
	Tags           []string       `json:"tags"`
	CompanyID      string         `json:"company_id"`
	AppID          string         `json:"app_id"`
	UserID         string         `json:"user_id"`
	SessionID      string         `json:"session_id,omitempty"`
	HierarchyLevel int            `json:"hierarchy_level"`
	ParentID       *string        `json:"parent_id,omitempty"`
	EmbeddingModel string         `json:"embedding_model,omitempty"`
	Version        int            `json:"version"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      *time.Time     `json:"deleted_at,omitempty"`
	Metrics        *NodeMetrics   `json:"metrics,omitempty"`
}

// Relationship declares an edge to create alongside a stored memory.
type Relationship struct {
	FromID   string         `json:"from_id,omitempty"`
	ToID     string         `json:"to_id,omitempty"`
	Type     string         `json:"type"`
	Weight   float64        `json:"weight"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// StoreRequest creates or updates a memory. Leaving ID empty creates a new
// node; kind defaults to "memory" server-side.
type StoreRequest struct {
	ID             string         `json:"id,omitempty"`
	Kind           Kind           `json:"kind,omitempty"`
	Title          string         `json:"title,omitempty"`
	Source         string         `json:"source,omitempty"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	HierarchyLevel int            `json:"hierarchy_level,omitempty"`
	ParentID       *string        `json:"parent_id,omitempty"`
	UserImportance *float64       `json:"user_importance,omitempty"`
	AIImportance   *float64       `json:"ai_importance,omitempty"`
	UpdatedAt      *time.Time     `json:"updated_at,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Relationships  []Relationship `json:"relationships,omitempty"`
}

// TriageDecision explains how the write was classified before storage.
type TriageDecision struct {
	NeedsEntities bool    `json:"needs_entities"`
	NeedsEpisodic bool    `json:"needs_episodic"`
	Variant       string  `json:"variant"`
	EntityScore   float64 `json:"entity_score"`
	FactScore     float64 `json:"fact_score"`
	Confidence    float64 `json:"confidence"`
	Route         string  `json:"route"`
	Reason        string  `json:"reason"`
}

// Entity is a named thing extracted from stored content and linked to the
// memory in the knowledge graph.
type Entity struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// StoreResult reports the outcome of a write across all backing stores.
type StoreResult struct {
	Node              Node            `json:"node"`
	Created           bool            `json:"created"`
	Applied           bool            `json:"applied"`
	GraphDegraded     bool            `json:"graph_degraded"`
	PartialVisibility bool            `json:"partial_visibility"`
	Completed         []string        `json:"completed"`
	Triage            *TriageDecision `json:"triage,omitempty"`
	Entities          []Entity        `json:"entities,omitempty"`
}

// SearchWeights splits the fused search score between the three legs.
type SearchWeights struct {
	Vector   float64 `json:"vector"`
	Metadata float64 `json:"metadata"`
	Text     float64 `json:"text"`
}

// SearchRequest is a hybrid search. Zero Limit and Threshold take the
// server defaults.
type SearchRequest struct {
	Text      string         `json:"text"`
	Kinds     []Kind         `json:"kinds,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	Limit     int            `json:"limit,omitempty"`
	Offset    int            `json:"offset,omitempty"`
	Threshold float64        `json:"threshold,omitempty"`
	Weights   *SearchWeights `json:"weights,omitempty"`
}

// AdvancedSearchRequest layers opt-in pipeline stages over a hybrid search.
type AdvancedSearchRequest struct {
	SearchRequest
	Expansion bool        `json:"expansion,omitempty"`
	Rerank    bool        `json:"rerank,omitempty"`
	Diversity float64     `json:"diversity,omitempty"`
	Cluster   bool        `json:"cluster,omitempty"`
	Insights  bool        `json:"insights,omitempty"`
	MaxRerank int         `json:"max_rerank,omitempty"`
	Prefs     Preferences `json:"prefs"`
}

// Preferences bias advanced reranking toward what the caller already uses.
type Preferences struct {
	RecentIDs        []string `json:"recent_ids,omitempty"`
	PreferredKinds   []Kind   `json:"preferred_kinds,omitempty"`
	PreferredSources []string `json:"preferred_sources,omitempty"`
}

// SearchScores carries the fused score and its per-leg subscores.
type SearchScores struct {
	Combined float64 `json:"combined"`
	Vector   float64 `json:"vector"`
	Metadata float64 `json:"metadata"`
	Text     float64 `json:"text"`
}

// SearchItem is one ranked search result.
type SearchItem struct {
	Node   Node         `json:"node"`
	Scores SearchScores `json:"scores"`
}

// Pagination reports the window a response covers.
type Pagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Total  int `json:"total"`
}

// Perf carries request timing and per-leg accounting.
type Perf struct {
	Pattern    string `json:"pattern"`
	Cached     bool   `json:"cached"`
	TotalMS    int64  `json:"total_ms"`
	VectorMS   int64  `json:"vector_ms"`
	MetadataMS int64  `json:"metadata_ms"`
	TextMS     int64  `json:"text_ms"`
	VectorN    int    `json:"vector_n"`
	MetadataN  int    `json:"metadata_n"`
	TextN      int    `json:"text_n"`
}

// Community is a graph community surfaced when direct hits are sparse.
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

// SearchResult is a ranked, paginated hybrid search response.
type SearchResult struct {
	Items       []SearchItem `json:"results"`
	ByKind      map[Kind]int `json:"by_kind"`
	Pagination  Pagination   `json:"pagination"`
	Perf        Perf         `json:"perf"`
	Communities []Community  `json:"communities,omitempty"`
}

// Cluster groups advanced results that share kind and source.
type Cluster struct {
	Label     string   `json:"label"`
	Size      int      `json:"size"`
	Coherence float64  `json:"coherence"`
	TopID     string   `json:"top_id"`
	IDs       []string `json:"ids"`
}

// Insights describes the query itself rather than any one result.
type Insights struct {
	Intent      string   `json:"intent"`
	Complexity  string   `json:"complexity"`
	KindCount   int      `json:"kind_count"`
	SourceCount int      `json:"source_count"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// AdvancedSearchResult extends a hybrid result with pipeline artefacts.
type AdvancedSearchResult struct {
	SearchResult
	Expansions []string  `json:"expansions,omitempty"`
	Clusters   []Cluster `json:"clusters,omitempty"`
	Insights   *Insights `json:"insights,omitempty"`
}

// ScoreWeights are the composite relevance weights that entered a score.
type ScoreWeights struct {
	Vector         float64 `json:"vector"`
	Stability      float64 `json:"stability"`
	Retrievability float64 `json:"retrievability"`
	UserImportance float64 `json:"user_importance"`
	AIImportance   float64 `json:"ai_importance"`
	Graph          float64 `json:"graph"`
}

// ScoreComponents are the clamped raw values that entered a score.
type ScoreComponents struct {
	Vector         float64 `json:"vector"`
	Stability      float64 `json:"stability"`
	Retrievability float64 `json:"retrievability"`
	UserImportance float64 `json:"user_importance"`
	AIImportance   float64 `json:"ai_importance"`
	Graph          float64 `json:"graph"`
}

// Breakdown is a composite relevance score plus everything needed to
// explain it.
type Breakdown struct {
	Score              float64         `json:"score"`
	Components         ScoreComponents `json:"components"`
	Weights            ScoreWeights    `json:"weights"`
	UsedFallback       bool            `json:"used_fallback"`
	NeedsReinforcement bool            `json:"needs_reinforcement"`
}

// ScoreResult is the server's relevance explanation for one node.
type ScoreResult struct {
	NodeID    string    `json:"node_id"`
	Query     string    `json:"query,omitempty"`
	Breakdown Breakdown `json:"breakdown"`
}

// AccessEvent records one touch of a memory.
type AccessEvent struct {
	ID             string         `json:"id"`
	ContentID      string         `json:"content_id"`
	CompanyID      string         `json:"company_id"`
	AppID          string         `json:"app_id"`
	UserID         string         `json:"user_id"`
	SessionID      string         `json:"session_id,omitempty"`
	Kind           AccessKind     `json:"kind"`
	Context        AccessContext  `json:"context"`
	RelevanceScore float64        `json:"relevance_score"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	AccessedAt     time.Time      `json:"accessed_at"`
}

// AccessRequest reinforces a memory with an explicit touch.
type AccessRequest struct {
	Kind           AccessKind     `json:"kind"`
	Context        AccessContext  `json:"context"`
	RelevanceScore float64        `json:"relevance_score,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// AccessResult is the recorded event plus the node's refreshed state.
type AccessResult struct {
	Event AccessEvent `json:"event"`
	Node  Node        `json:"node"`
}

// ScoredNode is a node with the breakdown that ranked it.
type ScoredNode struct {
	Node      Node      `json:"node"`
	Breakdown Breakdown `json:"breakdown"`
}

// RetrieveParams narrow a memory-lens retrieval. The zero value lists the
// tenant's most relevant recent memories with server defaults.
type RetrieveParams struct {
	Kinds              []Kind
	Tags               []string
	MinScore           float64
	NeedsReinforcement bool
	SkipCache          bool
	Limit              int
	Offset             int
}

// RetrieveResult is a relevance-ordered page plus score provenance.
type RetrieveResult struct {
	Results           []ScoredNode `json:"results"`
	Total             int          `json:"total"`
	Limit             int          `json:"limit"`
	Offset            int          `json:"offset"`
	FallbackNodeCount int          `json:"fallback_node_count"`
}

// RippleResult acknowledges a queued boost propagation.
type RippleResult struct {
	SourceID string `json:"source_id"`
	Status   string `json:"status"`
}

// Version is an immutable snapshot of a node at a version number.
type Version struct {
	MemoryID  string         `json:"memory_id"`
	Number    int            `json:"number"`
	Title     string         `json:"title,omitempty"`
	Content   string         `json:"content"`
	Tags      []string       `json:"tags"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	ChangedBy string         `json:"changed_by"`
	Change    string         `json:"change"`
	CreatedAt time.Time      `json:"created_at"`
}

// VersionList is a node's version history, newest first.
type VersionList struct {
	MemoryID string    `json:"memory_id"`
	Versions []Version `json:"versions"`
}

// RestoreResult is the node state after a version restore. Reprojected is
// false when the restored content could not be re-indexed yet; the
// relational restore itself has still been applied.
type RestoreResult struct {
	Node        Node `json:"node"`
	Reprojected bool `json:"reprojected"`
}

// Permission grants another user access to a memory.
type Permission struct {
	MemoryID  string     `json:"memory_id"`
	UserID    string     `json:"user_id"`
	Role      Role       `json:"role"`
	GrantedBy string     `json:"granted_by"`
	GrantedAt time.Time  `json:"granted_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// GrantRequest shares a memory with another user.
type GrantRequest struct {
	UserID    string     `json:"user_id"`
	Role      Role       `json:"role"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// PermissionList is every live grant on a memory.
type PermissionList struct {
	MemoryID    string       `json:"memory_id"`
	Permissions []Permission `json:"permissions"`
}

// ImportanceRequest pins explicit importance on a memory. Nil fields are
// left unchanged; at least one must be set.
type ImportanceRequest struct {
	UserImportance *float64 `json:"user_importance,omitempty"`
	AIImportance   *float64 `json:"ai_importance,omitempty"`
}

// Health is the service liveness report.
type Health struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks,omitempty"`
}
