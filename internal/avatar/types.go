// Package avatar supervises one streaming-avatar session: guarded initialization with a
// timeout watchdog, an event bridge over the SDK client, credit protection against idle or
// overlong sessions, and the imperative controls the dashboard drives it with.
package avatar

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/squidgy/internal/reliability"
	"github.com/ent0n29/squidgy/internal/streaming"
)

type State string

const (
	StateUninitialized   State = "uninitialized"
	StateInitializing    State = "initializing"
	StateActive          State = "active"
	StateFailed          State = "failed"
	StateIdleDeactivated State = "idle_deactivated"
)

type DeactivationReason string

const (
	DeactivatedIdle        DeactivationReason = "idle"
	DeactivatedMaxDuration DeactivationReason = "max_duration"
)

var (
	ErrClosed          = errors.New("avatar manager closed")
	ErrNotConfigured   = errors.New("avatar session requires enabled, session id and avatar id")
	ErrNotActive       = errors.New("avatar session is not active")
	ErrVoiceDisabled   = errors.New("avatar voice is disabled")
	ErrNotDeactivated  = errors.New("avatar session is not deactivated")
	ErrSDKUnconfigured = errors.New("avatar manager requires a token provider and a client factory")

	errSuperseded = errors.New("avatar initialization superseded by reset")
)

// Props mirrors the inputs the dashboard re-sends on every render.
type Props struct {
	Enabled        bool
	SessionID      string
	AvatarID       string
	VoiceEnabled   bool
	AvatarTimeout  time.Duration
	RetryTrigger   int64
	CleanupTrigger int64
}

// Status is the UI-facing snapshot of the session.
type Status struct {
	State              State              `json:"state"`
	ErrorKind          reliability.Kind   `json:"error_kind,omitempty"`
	ErrorMessage       string             `json:"error_message,omitempty"`
	DeactivationReason DeactivationReason `json:"deactivation_reason,omitempty"`
	SessionID          string             `json:"session_id,omitempty"`
	AvatarID           string             `json:"avatar_id,omitempty"`
	StartedAt          time.Time          `json:"started_at"`
	LastActivityAt     time.Time          `json:"last_activity_at"`
	ShowFallback       bool               `json:"show_fallback"`
	FallbackImageURL   string             `json:"fallback_image_url,omitempty"`
	VoiceEnabled       bool               `json:"voice_enabled"`
}

// Surface is the single rendering target a Manager owns. Methods are called with the
// manager's lock held and must not call back into the Manager.
type Surface interface {
	Attach(stream streaming.MediaStream)
	Clear()
}

// TokenProvider mints the access token for one session initialization.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

type TokenProviderFunc func(ctx context.Context) (string, error)

func (f TokenProviderFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

type EventKind string

const (
	EventInitStarted EventKind = "init_started"
	EventReady       EventKind = "ready"
	EventFailed      EventKind = "failed"
	EventDeactivated EventKind = "deactivated"
	EventEnded       EventKind = "ended"
)

// LifecycleEvent is emitted after every session transition worth auditing. Duration is the
// initialization latency for EventReady and the session age for EventEnded/EventDeactivated.
type LifecycleEvent struct {
	Kind      EventKind
	SessionID string
	AvatarID  string
	At        time.Time
	Duration  time.Duration
	ErrorKind reliability.Kind
	Reason    string
	Message   string
}

type Observer interface {
	ObserveAvatar(ev LifecycleEvent)
}

// Observers fans one event out to several observers in order.
type Observers []Observer

func (o Observers) ObserveAvatar(ev LifecycleEvent) {
	for _, obs := range o {
		if obs != nil {
			obs.ObserveAvatar(ev)
		}
	}
}

// Timings holds every delay and threshold of the session lifecycle. Zero fields take the
// defaults from DefaultTimings.
type Timings struct {
	InitTimeout        time.Duration
	TeardownSettle     time.Duration
	AvatarSwitchSettle time.Duration
	Stabilization      time.Duration
	RetryDelay         time.Duration
	MaxDuration        time.Duration
	IdleTimeout        time.Duration
	PollInterval       time.Duration
	ListeningGuard     time.Duration
	StopTimeout        time.Duration
}

func DefaultTimings() Timings {
	return Timings{
		InitTimeout:        180 * time.Second,
		TeardownSettle:     500 * time.Millisecond,
		AvatarSwitchSettle: 800 * time.Millisecond,
		Stabilization:      3 * time.Second,
		RetryDelay:         1500 * time.Millisecond,
		MaxDuration:        5 * time.Minute,
		IdleTimeout:        30 * time.Second,
		PollInterval:       15 * time.Second,
		ListeningGuard:     time.Second,
		StopTimeout:        5 * time.Second,
	}
}

func (t Timings) withDefaults() Timings {
	d := DefaultTimings()
	fill := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	fill(&t.InitTimeout, d.InitTimeout)
	fill(&t.TeardownSettle, d.TeardownSettle)
	fill(&t.AvatarSwitchSettle, d.AvatarSwitchSettle)
	fill(&t.Stabilization, d.Stabilization)
	fill(&t.RetryDelay, d.RetryDelay)
	fill(&t.MaxDuration, d.MaxDuration)
	fill(&t.IdleTimeout, d.IdleTimeout)
	fill(&t.PollInterval, d.PollInterval)
	fill(&t.ListeningGuard, d.ListeningGuard)
	fill(&t.StopTimeout, d.StopTimeout)
	return t
}

type Options struct {
	Tokens   TokenProvider
	Factory  streaming.Factory
	Surface  Surface
	Observer Observer
	Logger   zerolog.Logger
	Timings  Timings
	Now      func() time.Time

	Transport        string
	Quality          streaming.Quality
	Voice            streaming.VoiceSettings
	Language         string
	DefaultAvatarID  string
	FallbackImageURL string

	OnReady  func()
	OnError  func(message string)
	OnStatus func(Status)
}
