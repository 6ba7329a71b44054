package audit

import (
	"net/http"

	"github.com/kriasoft/flagkit/internal/auth"
	"github.com/kriasoft/flagkit/internal/store"
)

// EntryBuilder assembles an audit entry from request context with a fluent
// API.
//
//	svc.Log(audit.NewEntry(r).
//		ForFlag(flag.ID).
//		Action(store.AuditUpdated).
//		Org(orgID).
//		Values(before, after).
//		Build())
type EntryBuilder struct {
	entry store.AuditEntry
}

// NewEntry seeds a builder with the request's actor and source metadata:
// method, path, client IP, and user agent.
func NewEntry(r *http.Request) *EntryBuilder {
	b := &EntryBuilder{}
	b.entry.Metadata = map[string]any{
		"method":    r.Method,
		"path":      r.URL.Path,
		"ip":        auth.ClientIP(r),
		"userAgent": r.UserAgent(),
	}
	if session := auth.SessionFromContext(r.Context()); session != nil {
		b.entry.UserID = session.UserID
		b.entry.OrganizationID = session.OrganizationID
	}
	return b
}

// ForFlag sets the flag the action addressed.
func (b *EntryBuilder) ForFlag(flagID string) *EntryBuilder {
	b.entry.FlagID = flagID
	return b
}

// Action sets the audit action.
func (b *EntryBuilder) Action(action string) *EntryBuilder {
	b.entry.Action = action
	return b
}

// Org overrides the organization scope (defaults to the session's).
func (b *EntryBuilder) Org(orgID string) *EntryBuilder {
	if orgID != "" {
		b.entry.OrganizationID = orgID
	}
	return b
}

// Values records the before/after states of a mutation.
func (b *EntryBuilder) Values(previous, next any) *EntryBuilder {
	if previous != nil {
		b.entry.Metadata["previousValue"] = previous
	}
	if next != nil {
		b.entry.Metadata["newValue"] = next
	}
	return b
}

// Meta attaches one extra metadata field.
func (b *EntryBuilder) Meta(key string, value any) *EntryBuilder {
	b.entry.Metadata[key] = value
	return b
}

// Build returns the assembled entry.
func (b *EntryBuilder) Build() store.AuditEntry {
	return b.entry
}
