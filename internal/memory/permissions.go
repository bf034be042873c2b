package memory

import "time"

// Role is the level of access a user holds on a node.
type Role string

const (
	RoleRead  Role = "read"
	RoleWrite Role = "write"
	RoleAdmin Role = "admin"
)

// ValidRole reports whether r is a recognised permission role.
func ValidRole(r Role) bool {
	switch r {
	case RoleRead, RoleWrite, RoleAdmin:
		return true
	}
	return false
}

// Permission grants a user a role on a single node, optionally expiring.
type Permission struct {
	MemoryID  string     `json:"memory_id"`
	UserID    string     `json:"user_id"`
	Role      Role       `json:"role"`
	GrantedBy string     `json:"granted_by"`
	GrantedAt time.Time  `json:"granted_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// ChangeKind records why a version row was written.
type ChangeKind string

const (
	ChangeCreate  ChangeKind = "create"
	ChangeUpdate  ChangeKind = "update"
	ChangeRestore ChangeKind = "restore"
)

// Version is an immutable snapshot of a node at a given version number.
// Numbers are monotonic per node, starting at 1.
type Version struct {
	MemoryID  string     `json:"memory_id"`
	Number    int        `json:"number"`
	Title     string     `json:"title,omitempty"`
	Content   string     `json:"content"`
	Tags      []string   `json:"tags"`
	Metadata  Metadata   `json:"metadata,omitempty"`
	ChangedBy string     `json:"changed_by"`
	Change    ChangeKind `json:"change"`
	CreatedAt time.Time  `json:"created_at"`
}
