// Package ledger keeps an audit trail of avatar sessions so billed streaming time can be
// reconciled per dashboard session.
package ledger

import (
	"context"
	"time"
)

// Entry is one avatar lifecycle event tied to the dashboard session that caused it.
type Entry struct {
	ID                 string    `json:"id"`
	DashboardSessionID string    `json:"dashboard_session_id"`
	AvatarSessionID    string    `json:"avatar_session_id"`
	AvatarID           string    `json:"avatar_id"`
	Kind               string    `json:"kind"`
	ErrorKind          string    `json:"error_kind,omitempty"`
	Reason             string    `json:"reason,omitempty"`
	Message            string    `json:"message,omitempty"`
	DurationMS         int64     `json:"duration_ms"`
	CreatedAt          time.Time `json:"created_at"`
}

// Store persists and retrieves ledger entries.
type Store interface {
	Record(ctx context.Context, entry Entry) error
	// History returns the newest limit entries for a dashboard session, oldest first.
	History(ctx context.Context, dashboardSessionID string, limit int) ([]Entry, error)
	Close() error
}
