package avatar

import "time"

// startMonitorLocked (re)starts the credit-protection ticker for the active session.
func (m *Manager) startMonitorLocked() {
	m.stopMonitorLocked()
	stop := make(chan struct{})
	m.monitorStop = stop
	interval := m.timing.PollInterval
	m.goLocked(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.enforceLimits()
			}
		}
	})
}

func (m *Manager) stopMonitorLocked() {
	if m.monitorStop != nil {
		close(m.monitorStop)
		m.monitorStop = nil
	}
}

// enforceLimits ends the active session once it outlives the hard duration cap or sits idle
// past the idle timeout. The session lands in idle_deactivated either way and only an
// explicit Reactivate or Retry brings it back.
func (m *Manager) enforceLimits() {
	m.mu.Lock()
	if m.closed || m.state != StateActive || m.client == nil {
		m.mu.Unlock()
		return
	}
	now := m.now()
	if m.voiceChat {
		m.lastActivity = now
	}
	age := now.Sub(m.startedAt)
	idle := now.Sub(m.lastActivity)

	var reason DeactivationReason
	switch {
	case age > m.timing.MaxDuration:
		reason = DeactivatedMaxDuration
	case idle > m.timing.IdleTimeout:
		reason = DeactivatedIdle
	default:
		m.mu.Unlock()
		return
	}

	fx := &effects{status: true}
	ev := m.eventLocked(EventDeactivated)
	ev.Reason = string(reason)
	ev.Duration = age
	fx.events = append(fx.events, ev)
	m.detachLocked(fx)
	m.state = StateIdleDeactivated
	m.deactivation = reason
	m.sessionID, m.avatarID = "", ""
	m.mu.Unlock()

	m.log.Info().
		Str("reason", string(reason)).
		Dur("session_age", age).
		Dur("idle_for", idle).
		Msg("avatar session deactivated to protect credits")
	m.commit(fx)
}

// RecordActivity marks user interaction with the avatar surface, such as pointer movement.
func (m *Manager) RecordActivity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateActive {
		m.lastActivity = m.now()
	}
}
