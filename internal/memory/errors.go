package memory

import (
	"errors"
	"fmt"
)

// Input errors. Surfaced to the caller verbatim, never retried, never
// logged as incidents.
var (
	ErrMissingTenantContext    = errors.New("tenant context required")
	ErrInvalidIDFormat         = errors.New("id must contain only letters, digits, underscores or hyphens")
	ErrReservedUserID          = errors.New(`user id "system" is reserved for maintenance`)
	ErrInvalidKind             = errors.New("invalid content kind")
	ErrInvalidAccessKind       = errors.New("invalid access kind")
	ErrInvalidAccessContext    = errors.New("invalid access context")
	ErrInvalidRelationshipType = errors.New("invalid relationship type")
	ErrInvalidRelevanceScore   = errors.New("relevance score must be between 0 and 1")
	ErrInvalidImportance       = errors.New("importance must be between 0 and 1")
	ErrEmptyQuery              = errors.New("query must not be empty")
	ErrContentRequired         = errors.New("content must not be empty")
)

// Not-found errors.
var (
	ErrNodeNotFound       = errors.New("node not found")
	ErrVersionNotFound    = errors.New("version not found")
	ErrPermissionNotFound = errors.New("permission not found")
)

// StoreName identifies which backing store produced an error.
type StoreName string

const (
	StoreRelational StoreName = "relational"
	StoreVector     StoreName = "vector"
	StoreGraph      StoreName = "graph"
	StoreCache      StoreName = "cache"
	StoreEmbedding  StoreName = "embedding"
)

// StoreError wraps a backing-store failure with the store, the logical
// operation and an optional driver code. Callers may retry; idempotency
// keys make retried writes safe.
type StoreError struct {
	Store StoreName
	Op    string
	Code  string
	Err   error
}

func (e *StoreError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s store: %s (%s): %v", e.Store, e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s store: %s: %v", e.Store, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError builds a StoreError for the given store and operation.
func NewStoreError(store StoreName, op, code string, err error) *StoreError {
	return &StoreError{Store: store, Op: op, Code: code, Err: err}
}

// IsInputError reports whether err is caller error rather than a fault.
func IsInputError(err error) bool {
	for _, sentinel := range []error{
		ErrMissingTenantContext, ErrInvalidIDFormat, ErrReservedUserID,
		ErrInvalidKind, ErrInvalidAccessKind, ErrInvalidAccessContext,
		ErrInvalidRelationshipType, ErrInvalidRelevanceScore,
		ErrInvalidImportance, ErrEmptyQuery, ErrContentRequired,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// IsNotFound reports whether err is one of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNodeNotFound) ||
		errors.Is(err, ErrVersionNotFound) ||
		errors.Is(err, ErrPermissionNotFound)
}
