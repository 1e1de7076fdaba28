package avatar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/squidgy/internal/streaming"
)

// callLog records SDK calls across every client in the order they happened.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) index(call string) int {
	for i, c := range l.snapshot() {
		if c == call {
			return i
		}
	}
	return -1
}

type fakeClient struct {
	id  int
	log *callLog
	sdk *fakeSDK

	mu         sync.Mutex
	events     chan streaming.Event
	closed     bool
	stops      int
	voiceStops int
	spoken     []streaming.SpeakRequest
}

func (c *fakeClient) Events() <-chan streaming.Event { return c.events }

func (c *fakeClient) CreateStartAvatar(_ context.Context, req streaming.StartRequest) (*streaming.SessionInfo, error) {
	c.log.add("start:%d:%s", c.id, req.AvatarName)
	if err := c.sdk.startError(); err != nil {
		return nil, err
	}
	info := &streaming.SessionInfo{SessionID: fmt.Sprintf("s%d", c.id), URL: "wss://stream/" + req.AvatarName, AccessToken: "tok"}
	if c.sdk.autoReadyEnabled() {
		c.emit(streaming.Event{Type: streaming.EventStreamReady, Detail: map[string]any{
			"stream": map[string]any{"session_id": info.SessionID, "url": info.URL, "access_token": info.AccessToken},
		}})
	}
	return info, nil
}

func (c *fakeClient) Speak(_ context.Context, req streaming.SpeakRequest) (*streaming.SpeakResult, error) {
	c.mu.Lock()
	c.spoken = append(c.spoken, req)
	c.mu.Unlock()
	return &streaming.SpeakResult{TaskID: "task"}, nil
}

func (c *fakeClient) StopAvatar(context.Context) error {
	c.log.add("stop:%d", c.id)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

func (c *fakeClient) StartVoiceChat(context.Context) error {
	return errors.New("voice chat is never started")
}

func (c *fakeClient) StopVoiceChat(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.voiceStops++
	return nil
}

func (c *fakeClient) emit(ev streaming.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- ev
}

func (c *fakeClient) emitReady() {
	c.emit(streaming.Event{Type: streaming.EventStreamReady, Stream: streaming.MediaStream{
		SessionID: fmt.Sprintf("s%d", c.id), URL: "wss://stream", AccessToken: "tok",
	}})
}

func (c *fakeClient) stopCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stops
}

func (c *fakeClient) speakRequests() []streaming.SpeakRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]streaming.SpeakRequest(nil), c.spoken...)
}

// fakeSDK is the factory side: it builds fakeClients and controls how they start.
type fakeSDK struct {
	log callLog

	mu        sync.Mutex
	clients   []*fakeClient
	startErr  error
	autoReady bool
	tokens    []string
}

func newFakeSDK() *fakeSDK { return &fakeSDK{autoReady: true} }

func (s *fakeSDK) factory(cc streaming.ClientConfig) (streaming.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &fakeClient{id: len(s.clients) + 1, log: &s.log, sdk: s, events: make(chan streaming.Event, 16)}
	s.clients = append(s.clients, c)
	s.tokens = append(s.tokens, cc.Token)
	s.log.add("create:%d", c.id)
	return c, nil
}

func (s *fakeSDK) setStartErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startErr = err
}

func (s *fakeSDK) startError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startErr
}

func (s *fakeSDK) setAutoReady(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoReady = v
}

func (s *fakeSDK) autoReadyEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoReady
}

func (s *fakeSDK) created() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *fakeSDK) seenTokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...)
}

func (s *fakeSDK) client(i int) *fakeClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.clients) {
		return nil
	}
	return s.clients[i]
}

type fakeTokens struct {
	calls atomic.Int32
	err   error

	mu   sync.Mutex
	gate chan struct{}
}

// setGate makes Token block until gate is closed.
func (f *fakeTokens) setGate(gate chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = gate
}

func (f *fakeTokens) Token(ctx context.Context) (string, error) {
	n := f.calls.Add(1)
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("token-%d", n), nil
}

type recordingSurface struct {
	mu       sync.Mutex
	attached []streaming.MediaStream
	clears   int
}

func (s *recordingSurface) Attach(stream streaming.MediaStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = append(s.attached, stream)
}

func (s *recordingSurface) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
}

func (s *recordingSurface) attachCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attached)
}

type recordingObserver struct {
	mu     sync.Mutex
	events []LifecycleEvent
}

func (o *recordingObserver) ObserveAvatar(ev LifecycleEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
}

func (o *recordingObserver) kinds() []EventKind {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]EventKind, 0, len(o.events))
	for _, ev := range o.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (o *recordingObserver) last(kind EventKind) (LifecycleEvent, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.events) - 1; i >= 0; i-- {
		if o.events[i].Kind == kind {
			return o.events[i], true
		}
	}
	return LifecycleEvent{}, false
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	mgr      *Manager
	sdk      *fakeSDK
	tokens   *fakeTokens
	surface  *recordingSurface
	observer *recordingObserver
	clock    *fakeClock

	mu     sync.Mutex
	ready  int
	errors []string
}

func (h *harness) readyCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready
}

func (h *harness) errorMessages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.errors...)
}

func testTimings() Timings {
	return Timings{
		InitTimeout:        2 * time.Second,
		TeardownSettle:     time.Millisecond,
		AvatarSwitchSettle: time.Millisecond,
		Stabilization:      time.Millisecond,
		RetryDelay:         5 * time.Millisecond,
		MaxDuration:        5 * time.Minute,
		IdleTimeout:        30 * time.Second,
		// Tests drive enforceLimits directly.
		PollInterval:   time.Hour,
		ListeningGuard: time.Millisecond,
		StopTimeout:    time.Second,
	}
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		sdk:      newFakeSDK(),
		tokens:   &fakeTokens{},
		surface:  &recordingSurface{},
		observer: &recordingObserver{},
		clock:    newFakeClock(),
	}
	opts := Options{
		Tokens:           h.tokens,
		Factory:          h.sdk.factory,
		Surface:          h.surface,
		Observer:         h.observer,
		Logger:           zerolog.Nop(),
		Timings:          testTimings(),
		Now:              h.clock.Now,
		DefaultAvatarID:  "Default_Avatar",
		FallbackImageURL: "https://cdn.example.com/fallback.png",
		OnReady: func() {
			h.mu.Lock()
			h.ready++
			h.mu.Unlock()
		},
		OnError: func(msg string) {
			h.mu.Lock()
			h.errors = append(h.errors, msg)
			h.mu.Unlock()
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	mgr, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.mgr = mgr
	t.Cleanup(mgr.Close)
	return h
}

func readyProps(sessionID, avatarID string) Props {
	return Props{Enabled: true, SessionID: sessionID, AvatarID: avatarID, VoiceEnabled: true}
}

func (m *Manager) currentAttempt() *attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}
