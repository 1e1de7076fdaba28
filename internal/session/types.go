package session

import "time"

// CreateRequest defines payload for creating a dashboard session.
type CreateRequest struct {
	UserID   string `json:"user_id"`
	AgentID  string `json:"agent_id"`
	AvatarID string `json:"avatar_id"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	Status          Status    `json:"status"`
	AgentID         string    `json:"agent_id"`
	AvatarID        string    `json:"avatar_id"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}
