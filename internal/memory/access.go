package memory

import "time"

// AccessKind represents how a node was touched.
type AccessKind string

const (
	AccessRetrieve AccessKind = "retrieve"
	AccessView     AccessKind = "view"
	AccessEdit     AccessKind = "edit"
	AccessShare    AccessKind = "share"
)

// ValidAccessKind reports whether k is a recognised access kind.
func ValidAccessKind(k AccessKind) bool {
	switch k {
	case AccessRetrieve, AccessView, AccessEdit, AccessShare:
		return true
	}
	return false
}

// AccessContext represents what triggered an access.
type AccessContext string

const (
	AccessContextQuery   AccessContext = "query"
	AccessContextRelated AccessContext = "related"
	AccessContextManual  AccessContext = "manual"
	AccessContextSystem  AccessContext = "system"
)

// ValidAccessContext reports whether c is a recognised access context.
func ValidAccessContext(c AccessContext) bool {
	switch c {
	case AccessContextQuery, AccessContextRelated, AccessContextManual, AccessContextSystem:
		return true
	}
	return false
}

// AccessEvent is one append-only row in the access log. The relevance score
// recorded is the score at access time, if the caller knew it.
type AccessEvent struct {
	ID             string        `json:"id"`
	ContentID      string        `json:"content_id"`
	CompanyID      string        `json:"company_id"`
	AppID          string        `json:"app_id"`
	UserID         string        `json:"user_id"`
	SessionID      string        `json:"session_id,omitempty"`
	Kind           AccessKind    `json:"kind"`
	Context        AccessContext `json:"context"`
	RelevanceScore float64       `json:"relevance_score"`
	Metadata       Metadata      `json:"metadata,omitempty"`
	AccessedAt     time.Time     `json:"accessed_at"`
}

// StabilitySnapshot summarises one decay-maintenance sweep over a tenant.
type StabilitySnapshot struct {
	ID                  string    `json:"id"`
	RunID               string    `json:"run_id"`
	CompanyID           string    `json:"company_id"`
	AppID               string    `json:"app_id"`
	NodeCount           int64     `json:"node_count"`
	UpdatedCount        int64     `json:"updated_count"`
	AvgStability        float64   `json:"avg_stability"`
	AvgRetrievability   float64   `json:"avg_retrievability"`
	MinRetrievability   float64   `json:"min_retrievability"`
	MaxRetrievability   float64   `json:"max_retrievability"`
	ProcessingMillis    int64     `json:"processing_ms"`
	CreatedAt           time.Time `json:"created_at"`
}
