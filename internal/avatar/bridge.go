package avatar

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ent0n29/squidgy/internal/reliability"
	"github.com/ent0n29/squidgy/internal/streaming"
)

var errStreamDisconnected = errors.New("avatar stream disconnected")

// startBridgeLocked consumes the client's events until the client is torn down. Every event
// is checked against the generation it was registered for, so a superseded client can never
// flip the current session.
func (m *Manager) startBridgeLocked(att *attempt, client streaming.Client, gen uint64) {
	events := client.Events()
	log := m.log.With().Str("session_id", att.sessionID).Uint64("client_gen", gen).Logger()
	m.goLocked(func() {
		for {
			select {
			case <-m.ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					m.onDisconnected(client, gen, nil)
					return
				}
				log.Debug().Str("event", string(ev.Type)).Msg("avatar event")
				m.handleEvent(client, gen, ev)
			}
		}
	})
}

func (m *Manager) handleEvent(client streaming.Client, gen uint64, ev streaming.Event) {
	switch ev.Type {
	case streaming.EventStreamReady:
		stream, ok := decodeStream(ev)
		if !ok {
			m.log.Warn().Msg("stream_ready carried no usable stream")
			return
		}
		m.touchFrom(client, gen)
		m.succeed(client, gen, stream)
	case streaming.EventError:
		m.onSessionError(client, gen, eventError(ev))
	case streaming.EventStreamDisconnected:
		m.onDisconnected(client, gen, eventError(ev))
	case streaming.EventVoiceChatStarted:
		m.setVoiceChat(client, gen, true)
	case streaming.EventVoiceChatStopped:
		m.setVoiceChat(client, gen, false)
	case streaming.EventAvatarStartTalking, streaming.EventAvatarStopTalking,
		streaming.EventUserStartTalking, streaming.EventUserStopTalking,
		streaming.EventUserTalkingMessage:
		m.touchFrom(client, gen)
	}
}

func (m *Manager) currentLocked(client streaming.Client, gen uint64) bool {
	return m.client != nil && m.client == client && m.clientGen == gen
}

func (m *Manager) touchFrom(client streaming.Client, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentLocked(client, gen) {
		m.lastActivity = m.now()
	}
}

func (m *Manager) setVoiceChat(client streaming.Client, gen uint64, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.currentLocked(client, gen) {
		return
	}
	m.voiceChat = active
	m.lastActivity = m.now()
}

func (m *Manager) onSessionError(client streaming.Client, gen uint64, err error) {
	m.mu.Lock()
	if !m.currentLocked(client, gen) {
		m.mu.Unlock()
		return
	}
	if m.attempt == nil && m.state != StateActive {
		m.mu.Unlock()
		return
	}
	fx := &effects{}
	m.failLocked(m.attempt, reliability.Classify(err), fx)
	m.mu.Unlock()

	m.log.Warn().Err(err).Msg("avatar session error")
	m.commit(fx)
	m.resolvePending()
}

// onDisconnected handles a transport that went away on its own. During initialization that
// is a failure; on an active session it simply ends the session.
func (m *Manager) onDisconnected(client streaming.Client, gen uint64, cause error) {
	m.mu.Lock()
	if !m.currentLocked(client, gen) {
		m.mu.Unlock()
		return
	}
	fx := &effects{status: true}
	switch {
	case m.attempt != nil && m.attempt.inProgress:
		if cause == nil {
			cause = errStreamDisconnected
		}
		m.failLocked(m.attempt, reliability.Classify(cause), fx)
	case m.state == StateActive:
		m.endSessionLocked(fx, "disconnected")
		m.detachLocked(fx)
		m.state = StateUninitialized
		m.sessionID, m.avatarID = "", ""
	default:
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.log.Info().Msg("avatar stream disconnected")
	m.commit(fx)
	m.resolvePending()
}

func eventError(ev streaming.Event) error {
	for _, v := range []any{ev.Detail, ev.Stream} {
		switch x := v.(type) {
		case error:
			return x
		case string:
			if x != "" {
				return errors.New(x)
			}
		case map[string]any:
			for _, k := range []string{"message", "error", "detail", "responseText"} {
				if s, ok := x[k].(string); ok && s != "" {
					return errors.New(s)
				}
			}
		}
	}
	if ev.Type == streaming.EventStreamDisconnected {
		return errStreamDisconnected
	}
	return fmt.Errorf("avatar sdk reported %s", ev.Type)
}

// decodeStream extracts a playable stream from whichever shape the SDK used.
func decodeStream(ev streaming.Event) (streaming.MediaStream, bool) {
	for _, candidate := range []any{ev.Stream, ev.Detail} {
		if s, ok := streamFrom(candidate, 0); ok {
			return s, true
		}
	}
	return streaming.MediaStream{}, false
}

func streamFrom(v any, depth int) (streaming.MediaStream, bool) {
	if depth > 2 {
		return streaming.MediaStream{}, false
	}
	switch x := v.(type) {
	case streaming.MediaStream:
		return x, x.Valid()
	case *streaming.MediaStream:
		if x == nil {
			return streaming.MediaStream{}, false
		}
		return *x, x.Valid()
	case json.RawMessage:
		return streamFromJSON(x, depth)
	case []byte:
		return streamFromJSON(x, depth)
	case map[string]any:
		for _, key := range []string{"stream", "detail"} {
			if nested, ok := x[key]; ok {
				if s, ok := streamFrom(nested, depth+1); ok {
					return s, true
				}
			}
		}
		s := streaming.MediaStream{
			SessionID:   stringField(x, "session_id"),
			URL:         stringField(x, "url"),
			AccessToken: stringField(x, "access_token"),
		}
		return s, s.Valid()
	default:
		return streaming.MediaStream{}, false
	}
}

func streamFromJSON(raw []byte, depth int) (streaming.MediaStream, bool) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return streaming.MediaStream{}, false
	}
	return streamFrom(obj, depth)
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}
