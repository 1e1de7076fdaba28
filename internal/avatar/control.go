package avatar

import (
	"context"
	"errors"
	"strings"

	"github.com/ent0n29/squidgy/internal/streaming"
)

// Retry re-runs initialization after RetryDelay. It is the only way out of a failed state
// and acts once per token: tokens not greater than the last processed one are ignored.
func (m *Manager) Retry(token int64) bool {
	m.mu.Lock()
	if m.closed || token <= m.lastRetry {
		m.mu.Unlock()
		return false
	}
	m.lastRetry = token
	m.failed = false
	m.failure = nil
	m.deactivation = ""
	if m.state == StateFailed || m.state == StateIdleDeactivated {
		m.state = StateUninitialized
	}
	m.lastActivity = m.now()
	epoch := m.epoch
	m.goLocked(func() {
		if err := sleepCtx(m.ctx, m.timing.RetryDelay); err != nil {
			return
		}
		err := m.initialize(m.ctx, &epoch)
		switch {
		case err == nil, errors.Is(err, context.Canceled), errors.Is(err, ErrClosed):
		case errors.Is(err, errSuperseded):
			m.log.Debug().Int64("token", token).Msg("retry superseded by reset")
		default:
			m.log.Warn().Err(err).Int64("token", token).Msg("avatar retry failed")
		}
	})
	m.mu.Unlock()

	m.log.Info().Int64("token", token).Msg("avatar retry scheduled")
	m.commit(&effects{status: true})
	return true
}

// Cleanup synchronously tears the session down and forgets retry bookkeeping. It is safe to
// call when no client was ever created and acts once per token.
func (m *Manager) Cleanup(token int64) bool {
	m.mu.Lock()
	if m.closed || token <= m.lastCleanup {
		m.mu.Unlock()
		return false
	}
	m.lastCleanup = token
	fx := m.resetLocked("cleanup")
	m.lastRetry = 0
	m.mu.Unlock()

	m.log.Info().Int64("token", token).Msg("avatar cleanup")
	m.commit(fx)
	return true
}

// SendText makes the avatar speak text. It fails with ErrNotActive unless a session is
// active and with ErrVoiceDisabled when voice output is switched off.
func (m *Manager) SendText(ctx context.Context, text string, mode streaming.TaskMode, taskType streaming.TaskType) (*streaming.SpeakResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("avatar text is empty")
	}
	if mode == "" {
		mode = streaming.TaskModeSync
	}
	if taskType == "" {
		taskType = streaming.TaskTypeRepeat
	}

	m.mu.Lock()
	if m.state != StateActive || m.client == nil {
		m.mu.Unlock()
		return nil, ErrNotActive
	}
	if !m.props.VoiceEnabled {
		m.mu.Unlock()
		return nil, ErrVoiceDisabled
	}
	client, gen := m.client, m.clientGen
	m.lastActivity = m.now()
	m.mu.Unlock()

	res, err := client.Speak(ctx, streaming.SpeakRequest{Text: text, TaskType: taskType, TaskMode: mode})
	if err != nil {
		m.log.Warn().Err(err).Msg("avatar speak failed")
		return nil, err
	}

	m.touchFrom(client, gen)
	m.mu.Lock()
	m.goLocked(func() {
		if sleepCtx(m.ctx, m.timing.ListeningGuard) == nil {
			m.ensureListeningDisabled(client, gen)
		}
	})
	m.mu.Unlock()
	return res, nil
}

// SendAgentResponse speaks a conversational reply from the agent.
func (m *Manager) SendAgentResponse(ctx context.Context, text string) (*streaming.SpeakResult, error) {
	return m.SendText(ctx, text, streaming.TaskModeAsync, streaming.TaskTypeTalk)
}

// StopVoiceChat stops SDK listening. Errors are logged, never returned.
func (m *Manager) StopVoiceChat(ctx context.Context) {
	m.mu.Lock()
	client := m.client
	m.voiceChat = false
	m.mu.Unlock()
	if client == nil {
		return
	}
	if err := client.StopVoiceChat(ctx); err != nil {
		m.log.Warn().Err(err).Msg("stop voice chat failed")
	}
}

// RestartVoiceChat resets SDK listening. Listening stays off, so this only stops it.
func (m *Manager) RestartVoiceChat(ctx context.Context) {
	m.StopVoiceChat(ctx)
}

// Reactivate schedules a fresh session after the monitor deactivated the previous one and
// returns without waiting for it. A reset before the attempt starts cancels it.
func (m *Manager) Reactivate() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateIdleDeactivated {
		m.mu.Unlock()
		return ErrNotDeactivated
	}
	m.deactivation = ""
	m.state = StateUninitialized
	m.lastActivity = m.now()
	epoch := m.epoch
	m.goLocked(func() {
		err := m.initialize(m.ctx, &epoch)
		switch {
		case err == nil, errors.Is(err, context.Canceled), errors.Is(err, ErrClosed):
		case errors.Is(err, errSuperseded):
			m.log.Debug().Msg("reactivation superseded by reset")
		default:
			m.log.Warn().Err(err).Msg("avatar reactivation failed")
		}
	})
	m.mu.Unlock()

	m.log.Info().Msg("reactivating avatar session")
	m.commit(&effects{status: true})
	return nil
}

func (m *Manager) ensureListeningDisabled(client streaming.Client, gen uint64) {
	m.mu.Lock()
	if !m.currentLocked(client, gen) || !m.voiceChat {
		m.mu.Unlock()
		return
	}
	m.voiceChat = false
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(m.ctx, m.timing.StopTimeout)
	defer cancel()
	if err := client.StopVoiceChat(ctx); err != nil {
		m.log.Debug().Err(err).Msg("listening guard could not stop voice chat")
	}
}
