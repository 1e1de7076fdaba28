package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeAvatarProps      MessageType = "avatar_props"
	TypeAvatarSpeak      MessageType = "avatar_speak"
	TypeAvatarActivity   MessageType = "avatar_activity"
	TypeAvatarReactivate MessageType = "avatar_reactivate"
	TypeAvatarVoiceChat  MessageType = "avatar_voice_chat"

	TypeAvatarState       MessageType = "avatar_state"
	TypeAvatarStream      MessageType = "avatar_stream"
	TypeAvatarReady       MessageType = "avatar_ready"
	TypeAvatarError       MessageType = "avatar_error"
	TypeAvatarSpeakResult MessageType = "avatar_speak_result"
	TypeErrorEvent        MessageType = "error_event"
)

const (
	VoiceChatStop    = "stop"
	VoiceChatRestart = "restart"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// AvatarProps carries the full set of avatar inputs on every change. SessionID is the
// dashboard session; AvatarSessionID is the conversation the avatar is bound to.
type AvatarProps struct {
	Type            MessageType `json:"type"`
	SessionID       string      `json:"session_id"`
	Enabled         bool        `json:"enabled"`
	AvatarSessionID string      `json:"avatar_session_id"`
	AgentID         string      `json:"agent_id,omitempty"`
	AvatarID        string      `json:"avatar_id"`
	VoiceEnabled    *bool       `json:"voice_enabled,omitempty"`
	AvatarTimeoutMS int64       `json:"avatar_timeout_ms,omitempty"`
	RetryTrigger    int64       `json:"retry_trigger"`
	CleanupTrigger  int64       `json:"cleanup_trigger"`
}

type AvatarSpeak struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
	TaskMode  string      `json:"task_mode,omitempty"`
	TaskType  string      `json:"task_type,omitempty"`
	// Agent marks conversational replies, which use talk/async defaults.
	Agent bool `json:"agent,omitempty"`
}

type AvatarActivity struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type AvatarReactivate struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type AvatarVoiceChat struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
}

type AvatarState struct {
	Type               MessageType `json:"type"`
	SessionID          string      `json:"session_id"`
	State              string      `json:"state"`
	ErrorKind          string      `json:"error_kind,omitempty"`
	ErrorMessage       string      `json:"error_message,omitempty"`
	DeactivationReason string      `json:"deactivation_reason,omitempty"`
	AvatarSessionID    string      `json:"avatar_session_id,omitempty"`
	AvatarID           string      `json:"avatar_id,omitempty"`
	ShowFallback       bool        `json:"show_fallback"`
	FallbackImageURL   string      `json:"fallback_image_url,omitempty"`
	VoiceEnabled       bool        `json:"voice_enabled"`
}

type AvatarStream struct {
	Type            MessageType `json:"type"`
	SessionID       string      `json:"session_id"`
	StreamSessionID string      `json:"stream_session_id"`
	URL             string      `json:"url"`
	AccessToken     string      `json:"access_token"`
}

type AvatarReady struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type AvatarError struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Message   string      `json:"message"`
}

type AvatarSpeakResult struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	TaskID     string      `json:"task_id"`
	DurationMS int64       `json:"duration_ms"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeAvatarProps:
		var msg AvatarProps
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.AvatarTimeoutMS < 0 || msg.RetryTrigger < 0 || msg.CleanupTrigger < 0 {
			return nil, errors.New("invalid avatar_props")
		}
		return msg, nil
	case TypeAvatarSpeak:
		var msg AvatarSpeak
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid avatar_speak")
		}
		return msg, nil
	case TypeAvatarActivity:
		var msg AvatarActivity
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid avatar_activity")
		}
		return msg, nil
	case TypeAvatarReactivate:
		var msg AvatarReactivate
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid avatar_reactivate")
		}
		return msg, nil
	case TypeAvatarVoiceChat:
		var msg AvatarVoiceChat
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || (msg.Action != VoiceChatStop && msg.Action != VoiceChatRestart) {
			return nil, errors.New("invalid avatar_voice_chat")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
