package avatar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/squidgy/internal/reliability"
	"github.com/ent0n29/squidgy/internal/streaming"
)

type reinitKind int

const (
	reinitNone reinitKind = iota
	reinitFresh
	reinitSession
	reinitAvatar
)

// attempt is one in-flight initialization. inProgress and succeeded are only touched with
// Manager.mu held; the watchdog re-reads them when it fires.
type attempt struct {
	sessionID  string
	avatarID   string
	startedAt  time.Time
	inProgress bool
	succeeded  bool
	watchdog   *time.Timer
}

// Manager owns at most one avatar session and the rendering surface it is shown on.
type Manager struct {
	opts   Options
	timing Timings
	log    zerolog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	props  Props

	state        State
	failure      *reliability.Failure
	failed       bool
	deactivation DeactivationReason

	// Tracked session handle.
	sessionID    string
	avatarID     string
	client       streaming.Client
	clientGen    uint64
	stream       *streaming.MediaStream
	startedAt    time.Time
	lastActivity time.Time
	voiceChat    bool

	attempt     *attempt
	initRunning bool
	pending     reinitKind
	epoch       uint64

	lastRetry   int64
	lastCleanup int64

	monitorStop chan struct{}
}

func New(opts Options) (*Manager, error) {
	if opts.Tokens == nil || opts.Factory == nil {
		return nil, ErrSDKUnconfigured
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Quality == "" {
		opts.Quality = streaming.QualityMedium
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:   opts,
		timing: opts.Timings.withDefaults(),
		log:    opts.Logger.With().Str("component", "avatar").Logger(),
		now:    opts.Now,
		ctx:    ctx,
		cancel: cancel,
		state:  StateUninitialized,
	}, nil
}

// Status returns a snapshot for the UI.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		State:              m.state,
		DeactivationReason: m.deactivation,
		SessionID:          m.sessionID,
		AvatarID:           m.avatarID,
		StartedAt:          m.startedAt,
		LastActivityAt:     m.lastActivity,
		ShowFallback:       m.state == StateFailed,
		VoiceEnabled:       m.props.VoiceEnabled,
	}
	if m.failure != nil {
		st.ErrorKind = m.failure.Kind
		st.ErrorMessage = m.failure.Message
	}
	if st.ShowFallback {
		st.FallbackImageURL = m.opts.FallbackImageURL
	}
	return st
}

// Update applies a new set of props and decides whether the session must be torn down,
// kept, or reinitialized.
func (m *Manager) Update(p Props) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	prev := m.props
	m.props = p
	m.mu.Unlock()

	if p.CleanupTrigger != prev.CleanupTrigger && m.Cleanup(p.CleanupTrigger) {
		return
	}
	if p.RetryTrigger != prev.RetryTrigger && m.Retry(p.RetryTrigger) {
		return
	}

	m.mu.Lock()
	if !p.Enabled {
		if !prev.Enabled {
			m.mu.Unlock()
			return
		}
		fx := m.resetLocked("disabled")
		m.mu.Unlock()
		m.commit(fx)
		return
	}
	if p.SessionID == "" || p.AvatarID == "" {
		m.mu.Unlock()
		return
	}

	fallback := m.opts.DefaultAvatarID
	avatarChanged := prev.AvatarID != "" && NormalizeAvatarID(prev.AvatarID, fallback) != NormalizeAvatarID(p.AvatarID, fallback)
	sessionChanged := prev.SessionID != p.SessionID
	becameReady := !prev.Enabled || prev.SessionID == "" || prev.AvatarID == ""
	suppressed := m.failed || m.state == StateIdleDeactivated

	var kind reinitKind
	switch {
	case avatarChanged:
		// Picking another agent is an explicit user action; it lifts failure suppression.
		m.failed = false
		m.failure = nil
		m.deactivation = ""
		kind = reinitAvatar
	case becameReady:
		kind = reinitFresh
	case sessionChanged && sessionBase(prev.SessionID) != sessionBase(p.SessionID):
		kind = reinitSession
	case sessionChanged:
		if m.sessionID != "" {
			m.sessionID = p.SessionID
		}
		m.mu.Unlock()
		return
	default:
		m.mu.Unlock()
		return
	}
	if kind != reinitAvatar && suppressed {
		m.log.Debug().Str("state", string(m.state)).Msg("automatic reinitialization suppressed")
		m.mu.Unlock()
		return
	}
	if m.busyLocked() {
		if kind > m.pending {
			m.pending = kind
		}
		m.mu.Unlock()
		return
	}
	epoch := m.epoch
	m.goLocked(func() { m.reinitialize(kind, epoch) })
	m.mu.Unlock()
}

// Initialize starts a session for the current props. A call made while another
// initialization is running returns nil without doing anything. Failures are classified,
// reported through OnError and returned.
func (m *Manager) Initialize(ctx context.Context) error {
	return m.initialize(ctx, nil)
}

// initialize runs one attempt. A non-nil epoch makes it a scheduled attempt that is dropped
// with errSuperseded when a reset happened after it was scheduled.
func (m *Manager) initialize(ctx context.Context, epoch *uint64) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if epoch != nil && *epoch != m.epoch {
		m.mu.Unlock()
		return errSuperseded
	}
	if !m.props.Enabled || m.props.SessionID == "" || m.props.AvatarID == "" {
		m.mu.Unlock()
		return ErrNotConfigured
	}
	if m.busyLocked() {
		m.mu.Unlock()
		return nil
	}

	att := &attempt{
		sessionID:  m.props.SessionID,
		avatarID:   NormalizeAvatarID(m.props.AvatarID, m.opts.DefaultAvatarID),
		startedAt:  m.now(),
		inProgress: true,
	}
	timeout := m.props.AvatarTimeout
	if timeout <= 0 {
		timeout = m.timing.InitTimeout
	}
	m.initRunning = true
	m.pending = reinitNone

	fx := &effects{status: true}
	hadPrior := m.client != nil || m.state == StateActive
	if hadPrior {
		m.endSessionLocked(fx, "reinitialize")
		m.detachLocked(fx)
	}
	m.attempt = att
	m.state = StateInitializing
	m.failure = nil
	m.failed = false
	m.deactivation = ""
	m.sessionID = att.sessionID
	m.avatarID = att.avatarID
	att.watchdog = time.AfterFunc(timeout, func() { m.onInitTimeout(att) })
	fx.events = append(fx.events, m.eventLocked(EventInitStarted))
	m.mu.Unlock()

	defer m.finishInitialize()

	log := m.log.With().Str("session_id", att.sessionID).Str("avatar_id", att.avatarID).Logger()
	log.Info().Dur("timeout", timeout).Msg("initializing avatar session")

	// The SDK does not tolerate overlapping sessions: the prior client is fully stopped
	// inside commit before anything new is created.
	m.commit(fx)
	if hadPrior {
		if err := sleepCtx(ctx, m.timing.TeardownSettle); err != nil {
			return m.abandon(att, nil, err)
		}
	}

	token, err := m.opts.Tokens.Token(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return m.abandon(att, nil, ctx.Err())
		}
		if !errors.Is(err, reliability.ErrTokenUnavailable) {
			err = fmt.Errorf("%w: %w", reliability.ErrTokenUnavailable, err)
		}
		return m.fail(att, nil, err)
	}

	m.mu.Lock()
	current := m.attempt == att && !m.closed
	m.mu.Unlock()
	if !current {
		// Cleaned up or timed out while the token was being fetched.
		return nil
	}

	client, err := m.opts.Factory(streaming.ClientConfig{Token: token, Transport: m.opts.Transport})
	if err != nil {
		return m.fail(att, nil, fmt.Errorf("create streaming client: %w", err))
	}

	m.mu.Lock()
	if m.attempt != att || m.closed {
		m.mu.Unlock()
		m.stopClient(client)
		return nil
	}
	m.clientGen++
	gen := m.clientGen
	m.client = client
	// Listeners go up before the session starts so no stream_ready is missed.
	m.startBridgeLocked(att, client, gen)
	m.mu.Unlock()

	_, err = client.CreateStartAvatar(ctx, streaming.StartRequest{
		AvatarName: att.avatarID,
		Quality:    m.opts.Quality,
		Voice:      m.opts.Voice,
		Language:   m.opts.Language,
	})
	if err != nil {
		if ctx.Err() != nil {
			return m.abandon(att, client, ctx.Err())
		}
		log.Warn().Err(err).Msg("avatar session start failed")
		return m.fail(att, client, err)
	}
	if !m.ownsClient(client, gen) {
		// Timed out, cleaned up or superseded while the start call was in flight.
		m.stopClient(client)
		return nil
	}

	if err := sleepCtx(ctx, m.timing.Stabilization); err != nil {
		return m.abandon(att, client, err)
	}
	// SDK voice chat stays off: the avatar speaks but never listens through the SDK mic.
	log.Debug().Msg("avatar session started, awaiting stream")
	return nil
}

// Close tears everything down and waits for background work to stop.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	fx := m.resetLocked("unmount")
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.commit(fx)
	m.wg.Wait()
}

func (m *Manager) reinitialize(kind reinitKind, epoch uint64) {
	if kind == reinitAvatar {
		m.mu.Lock()
		if m.closed || m.epoch != epoch {
			m.mu.Unlock()
			return
		}
		if m.busyLocked() {
			m.pending = reinitAvatar
			m.mu.Unlock()
			return
		}
		fx := &effects{status: true}
		m.endSessionLocked(fx, "avatar_switch")
		m.detachLocked(fx)
		m.state = StateInitializing
		m.sessionID = m.props.SessionID
		m.avatarID = NormalizeAvatarID(m.props.AvatarID, m.opts.DefaultAvatarID)
		m.mu.Unlock()
		m.commit(fx)
		if err := sleepCtx(m.ctx, m.timing.AvatarSwitchSettle); err != nil {
			return
		}
	}
	err := m.initialize(m.ctx, &epoch)
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, ErrClosed):
	case errors.Is(err, errSuperseded):
		m.log.Debug().Msg("reinitialization superseded by reset")
	default:
		m.log.Debug().Err(err).Msg("reinitialization did not produce a session")
	}
}

func (m *Manager) finishInitialize() {
	m.mu.Lock()
	m.initRunning = false
	m.mu.Unlock()
	m.resolvePending()
}

// resolvePending replays a reinitialization requested while an attempt was busy.
func (m *Manager) resolvePending() {
	m.mu.Lock()
	defer m.mu.Unlock()
	kind := m.pending
	if kind == reinitNone || m.closed || m.busyLocked() {
		return
	}
	m.pending = reinitNone
	if kind != reinitAvatar && (m.failed || m.state == StateIdleDeactivated) {
		return
	}
	epoch := m.epoch
	m.goLocked(func() { m.reinitialize(kind, epoch) })
}

func (m *Manager) onInitTimeout(att *attempt) {
	m.mu.Lock()
	// The success flag is authoritative: a watchdog already queued when stream_ready landed
	// must not fail the session.
	if m.attempt != att || !att.inProgress || att.succeeded {
		m.mu.Unlock()
		return
	}
	fx := &effects{}
	m.failLocked(att, reliability.Classify(reliability.ErrInitTimeout), fx)
	m.mu.Unlock()

	m.log.Warn().Str("session_id", att.sessionID).Msg("avatar initialization timed out")
	m.commit(fx)
	m.resolvePending()
}

func (m *Manager) fail(att *attempt, client streaming.Client, err error) error {
	f := reliability.Classify(err)
	m.mu.Lock()
	if m.attempt != att {
		m.releaseStaleLocked(client)
		return f
	}
	fx := &effects{}
	m.failLocked(att, f, fx)
	m.mu.Unlock()
	m.commit(fx)
	return f
}

func (m *Manager) failLocked(att *attempt, f *reliability.Failure, fx *effects) {
	if att != nil {
		att.inProgress = false
		stopTimer(att.watchdog)
		if m.attempt == att {
			m.attempt = nil
		}
	}
	m.endSessionLocked(fx, "failed")
	m.detachLocked(fx)
	m.state = StateFailed
	m.failure = f
	m.failed = true
	if f.Kind == reliability.KindConcurrentLimit {
		// The vendor still counts the stale session: drop every local handle so a later
		// retry starts from nothing.
		m.voiceChat = false
		m.stream = nil
		m.log.Warn().Msg("concurrent session limit reached, local avatar state force-cleaned")
	}
	ev := m.eventLocked(EventFailed)
	ev.ErrorKind = f.Kind
	ev.Message = f.Message
	fx.events = append(fx.events, ev)
	fx.errMsg = f.Message
	fx.status = true
}

// abandon drops an attempt whose caller went away without classifying it as a failure.
func (m *Manager) abandon(att *attempt, client streaming.Client, err error) error {
	m.mu.Lock()
	if m.attempt != att {
		m.releaseStaleLocked(client)
		return err
	}
	fx := &effects{status: true}
	m.abortAttemptLocked()
	m.detachLocked(fx)
	m.state = StateUninitialized
	m.sessionID, m.avatarID = "", ""
	m.mu.Unlock()
	m.commit(fx)
	return err
}

func (m *Manager) succeed(client streaming.Client, gen uint64, stream streaming.MediaStream) {
	m.mu.Lock()
	if m.clientGen != gen || m.client != client {
		m.mu.Unlock()
		m.log.Debug().Msg("ignoring stream_ready from superseded client")
		return
	}
	att := m.attempt
	if att == nil || !att.inProgress || att.succeeded {
		m.mu.Unlock()
		return
	}
	att.succeeded = true
	att.inProgress = false
	stopTimer(att.watchdog)
	m.attempt = nil

	now := m.now()
	m.state = StateActive
	m.failure = nil
	m.stream = &stream
	m.startedAt = now
	m.lastActivity = now
	if m.opts.Surface != nil {
		m.opts.Surface.Attach(stream)
	}
	m.startMonitorLocked()

	ev := m.eventLocked(EventReady)
	ev.Duration = now.Sub(att.startedAt)
	fx := &effects{ready: true, status: true, events: []LifecycleEvent{ev}}
	m.mu.Unlock()

	m.log.Info().Str("session_id", att.sessionID).Dur("init_latency", ev.Duration).Msg("avatar stream ready")
	m.commit(fx)
	m.resolvePending()
}

// releaseStaleLocked unlocks and stops client unless it became the tracked session, which
// happens when stream_ready won the race against the caller going away.
func (m *Manager) releaseStaleLocked(client streaming.Client) {
	owned := client != nil && m.client == client
	m.mu.Unlock()
	if client != nil && !owned {
		m.stopClient(client)
	}
}

func (m *Manager) busyLocked() bool {
	return m.initRunning || (m.attempt != nil && m.attempt.inProgress)
}

func (m *Manager) ownsClient(client streaming.Client, gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client == client && m.clientGen == gen
}

func (m *Manager) abortAttemptLocked() {
	if m.attempt == nil {
		return
	}
	m.attempt.inProgress = false
	stopTimer(m.attempt.watchdog)
	m.attempt = nil
}

// endSessionLocked records the end of an active session, if there is one.
func (m *Manager) endSessionLocked(fx *effects, reason string) {
	if m.state != StateActive {
		return
	}
	ev := m.eventLocked(EventEnded)
	ev.Reason = reason
	ev.Duration = m.now().Sub(m.startedAt)
	fx.events = append(fx.events, ev)
}

// detachLocked releases the tracked client, the stream and the monitor. The client is
// stopped later by commit.
func (m *Manager) detachLocked(fx *effects) {
	m.stopMonitorLocked()
	if m.client != nil {
		fx.stop = append(fx.stop, m.client)
		m.client = nil
	}
	if m.opts.Surface != nil {
		m.opts.Surface.Clear()
	}
	m.stream = nil
	m.startedAt = time.Time{}
	m.voiceChat = false
}

// resetLocked returns the manager to a clean uninitialized state.
func (m *Manager) resetLocked(reason string) *effects {
	fx := &effects{status: true}
	m.endSessionLocked(fx, reason)
	m.abortAttemptLocked()
	m.detachLocked(fx)
	m.state = StateUninitialized
	m.failure = nil
	m.failed = false
	m.deactivation = ""
	m.sessionID, m.avatarID = "", ""
	m.pending = reinitNone
	m.epoch++
	return fx
}

func (m *Manager) eventLocked(kind EventKind) LifecycleEvent {
	return LifecycleEvent{
		Kind:      kind,
		SessionID: m.sessionID,
		AvatarID:  m.avatarID,
		At:        m.now(),
	}
}

// goLocked runs fn on a tracked goroutine unless the manager is closed.
func (m *Manager) goLocked(fn func()) {
	if m.closed {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

// effects collects the side effects of a locked transition so they run after unlock.
type effects struct {
	stop   []streaming.Client
	events []LifecycleEvent
	ready  bool
	errMsg string
	status bool
}

func (m *Manager) commit(fx *effects) {
	if fx == nil {
		return
	}
	for _, c := range fx.stop {
		m.stopClient(c)
	}
	if m.opts.Observer != nil {
		for _, ev := range fx.events {
			m.opts.Observer.ObserveAvatar(ev)
		}
	}
	if fx.ready && m.opts.OnReady != nil {
		m.opts.OnReady()
	}
	if fx.errMsg != "" && m.opts.OnError != nil {
		m.opts.OnError(fx.errMsg)
	}
	if fx.status && m.opts.OnStatus != nil {
		m.opts.OnStatus(m.Status())
	}
}

// stopClient is best-effort and never fails: it runs on cleanup paths nobody can handle
// errors on.
func (m *Manager) stopClient(c streaming.Client) {
	if c == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.timing.StopTimeout)
	defer cancel()
	if err := c.StopVoiceChat(ctx); err != nil && !reliability.IsUnauthorized(err) {
		m.log.Warn().Err(err).Msg("stop voice chat failed")
	}
	if err := c.StopAvatar(ctx); err != nil && !reliability.IsUnauthorized(err) {
		m.log.Warn().Err(err).Msg("stop avatar failed")
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
