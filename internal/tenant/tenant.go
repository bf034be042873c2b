// Package tenant carries the authorisation context every operation runs
// under. The tuple (company, app) scopes all data; user identifies the
// actor within the tenant. The record is threaded explicitly through every
// operation rather than held in ambient state.
package tenant

import (
	"context"
	"regexp"

	"github.com/mnemora/mnemora/internal/memory"
)

// SystemUserID is reserved for maintenance jobs and rejected on
// user-facing writes.
const SystemUserID = "system"

const maxIDLength = 128

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Context identifies who an operation runs as and which tenant it is
// scoped to. SessionID and RequestID are optional.
type Context struct {
	CompanyID string `json:"company_id"`
	AppID     string `json:"app_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// TenantID returns the cache/storage scoping key "company:app".
func (c Context) TenantID() string {
	return c.CompanyID + ":" + c.AppID
}

// Validate checks the tenant tuple is present and well-formed.
func (c Context) Validate() error {
	if c.CompanyID == "" || c.AppID == "" || c.UserID == "" {
		return memory.ErrMissingTenantContext
	}
	for _, id := range []string{c.CompanyID, c.AppID, c.UserID} {
		if !ValidID(id) {
			return memory.ErrInvalidIDFormat
		}
	}
	if c.SessionID != "" && !ValidID(c.SessionID) {
		return memory.ErrInvalidIDFormat
	}
	return nil
}

// ValidateForWrite is Validate plus the reserved-user check: maintenance
// identity must never author user-facing writes.
func (c Context) ValidateForWrite() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.UserID == SystemUserID {
		return memory.ErrReservedUserID
	}
	return nil
}

// System returns a maintenance context for the given tenant tuple.
func System(companyID, appID string) Context {
	return Context{CompanyID: companyID, AppID: appID, UserID: SystemUserID}
}

// ValidID reports whether id is non-empty, within length bounds and
// matches the allowed character set.
func ValidID(id string) bool {
	return id != "" && len(id) <= maxIDLength && idPattern.MatchString(id)
}

type contextKey string

const tenantKey contextKey = "tenant"

// WithContext stores the tenant record in a context.Context.
func WithContext(ctx context.Context, t Context) context.Context {
	return context.WithValue(ctx, tenantKey, t)
}

// FromContext retrieves the tenant record, reporting whether one was set.
func FromContext(ctx context.Context) (Context, bool) {
	t, ok := ctx.Value(tenantKey).(Context)
	return t, ok
}
