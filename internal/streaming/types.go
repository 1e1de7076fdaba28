// Package streaming defines the contract of the third-party streaming-avatar SDK and ships
// a HeyGen-backed client plus a local mock.
package streaming

import (
	"context"
	"fmt"
	"strings"
)

type EventType string

const (
	EventStreamReady        EventType = "stream_ready"
	EventStreamDisconnected EventType = "stream_disconnected"
	EventAvatarStartTalking EventType = "avatar_start_talking"
	EventAvatarStopTalking  EventType = "avatar_stop_talking"
	EventVoiceChatStarted   EventType = "voice_chat_started"
	EventVoiceChatStopped   EventType = "voice_chat_stopped"
	EventUserStartTalking   EventType = "user_start_talking"
	EventUserStopTalking    EventType = "user_stop_talking"
	EventUserTalkingMessage EventType = "user_talking_message"
	EventError              EventType = "error"
)

// Event is a loosely typed SDK event. Depending on the emitter the payload sits in Stream,
// in Detail, or nowhere at all.
type Event struct {
	Type   EventType
	Detail any
	Stream any
}

// MediaStream is the playable handle a rendering surface attaches to.
type MediaStream struct {
	SessionID   string `json:"session_id"`
	URL         string `json:"url"`
	AccessToken string `json:"access_token"`
}

func (s MediaStream) Valid() bool {
	return strings.TrimSpace(s.URL) != "" && strings.TrimSpace(s.AccessToken) != ""
}

type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

type TaskType string

const (
	TaskTypeRepeat TaskType = "repeat"
	TaskTypeTalk   TaskType = "talk"
)

type TaskMode string

const (
	TaskModeSync  TaskMode = "sync"
	TaskModeAsync TaskMode = "async"
)

type VoiceSettings struct {
	VoiceID string  `json:"voice_id,omitempty"`
	Rate    float64 `json:"rate,omitempty"`
	Emotion string  `json:"emotion,omitempty"`
}

type StartRequest struct {
	AvatarName string
	Quality    Quality
	Voice      VoiceSettings
	Language   string
}

type SessionInfo struct {
	SessionID        string
	URL              string
	AccessToken      string
	RealtimeEndpoint string
}

type SpeakRequest struct {
	Text     string
	TaskType TaskType
	TaskMode TaskMode
}

type SpeakResult struct {
	TaskID     string `json:"task_id"`
	DurationMS int64  `json:"duration_ms"`
}

// Client is one streaming-avatar SDK instance bound to one token. Events is closed once
// StopAvatar has torn the instance down.
type Client interface {
	CreateStartAvatar(ctx context.Context, req StartRequest) (*SessionInfo, error)
	Speak(ctx context.Context, req SpeakRequest) (*SpeakResult, error)
	StopAvatar(ctx context.Context) error
	StartVoiceChat(ctx context.Context) error
	StopVoiceChat(ctx context.Context) error
	Events() <-chan Event
}

type ClientConfig struct {
	Token     string
	Transport string
}

// Factory constructs a Client for a freshly minted token.
type Factory func(cfg ClientConfig) (Client, error)

// TokenMinter mints short-lived streaming tokens server side.
type TokenMinter interface {
	MintToken(ctx context.Context) (string, error)
}

// APIError is returned for non-2xx responses from the vendor API.
type APIError struct {
	Status       int
	Message      string
	ResponseText string
}

func (e *APIError) Error() string {
	if e.ResponseText != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.ResponseText)
	}
	return e.Message
}
