package httpapi

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/squidgy/internal/avatar"
	"github.com/ent0n29/squidgy/internal/protocol"
	"github.com/ent0n29/squidgy/internal/session"
	"github.com/ent0n29/squidgy/internal/streaming"
)

// dashboardConn binds one websocket to one avatar.Manager. It is the manager's Surface and
// turns its callbacks into outbound messages.
type dashboardConn struct {
	server    *Server
	ctx       context.Context
	sessionID string
	outbound  chan<- any
	avatar    *avatar.Manager
	log       zerolog.Logger
}

// send never blocks: Surface methods run under the manager's lock.
func (c *dashboardConn) send(msg any) {
	select {
	case <-c.ctx.Done():
	case c.outbound <- msg:
	default:
		t, _ := messageTypeOf(msg)
		c.log.Warn().Str("type", string(t)).Msg("outbound queue full, message dropped")
	}
}

func (c *dashboardConn) sendError(code, detail string) {
	c.send(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: c.sessionID,
		Code:      code,
		Source:    "gateway",
		Detail:    detail,
	})
}

func (c *dashboardConn) Attach(stream streaming.MediaStream) {
	c.send(protocol.AvatarStream{
		Type:            protocol.TypeAvatarStream,
		SessionID:       c.sessionID,
		StreamSessionID: stream.SessionID,
		URL:             stream.URL,
		AccessToken:     stream.AccessToken,
	})
}

// Clear tells the client to drop its media element; an empty stream means detached.
func (c *dashboardConn) Clear() {
	c.send(protocol.AvatarStream{Type: protocol.TypeAvatarStream, SessionID: c.sessionID})
}

func (c *dashboardConn) onReady() {
	c.send(protocol.AvatarReady{Type: protocol.TypeAvatarReady, SessionID: c.sessionID})
}

func (c *dashboardConn) onError(message string) {
	c.send(protocol.AvatarError{Type: protocol.TypeAvatarError, SessionID: c.sessionID, Message: message})
}

func (c *dashboardConn) onStatus(st avatar.Status) {
	c.send(protocol.AvatarState{
		Type:               protocol.TypeAvatarState,
		SessionID:          c.sessionID,
		State:              string(st.State),
		ErrorKind:          string(st.ErrorKind),
		ErrorMessage:       st.ErrorMessage,
		DeactivationReason: string(st.DeactivationReason),
		AvatarSessionID:    st.SessionID,
		AvatarID:           st.AvatarID,
		ShowFallback:       st.ShowFallback,
		FallbackImageURL:   st.FallbackImageURL,
		VoiceEnabled:       st.VoiceEnabled,
	})
}

// run applies inbound messages in arrival order until inbound is closed.
func (c *dashboardConn) run(inbound <-chan any) {
	for msg := range inbound {
		c.dispatch(msg)
	}
}

func (c *dashboardConn) dispatch(msg any) {
	switch m := msg.(type) {
	case protocol.AvatarProps:
		if !c.ownSession(m.SessionID) {
			return
		}
		if err := c.server.sessions.SelectAgent(c.sessionID, m.AgentID, m.AvatarID); err != nil {
			c.rejectEnded(err)
			return
		}
		c.avatar.Update(propsFrom(m))
	case protocol.AvatarSpeak:
		if !c.ownSession(m.SessionID) {
			return
		}
		c.touch()
		c.speak(m)
	case protocol.AvatarActivity:
		if !c.ownSession(m.SessionID) {
			return
		}
		c.touch()
		c.avatar.RecordActivity()
	case protocol.AvatarReactivate:
		if !c.ownSession(m.SessionID) {
			return
		}
		c.touch()
		// Reactivate only schedules the attempt, so a following cleanup is not held up.
		switch err := c.avatar.Reactivate(); {
		case errors.Is(err, avatar.ErrNotDeactivated):
			c.onStatus(c.avatar.Status())
		case err != nil:
			c.log.Warn().Err(err).Msg("reactivate avatar")
		}
	case protocol.AvatarVoiceChat:
		if !c.ownSession(m.SessionID) {
			return
		}
		switch m.Action {
		case protocol.VoiceChatRestart:
			c.avatar.RestartVoiceChat(c.ctx)
		default:
			c.avatar.StopVoiceChat(c.ctx)
		}
	}
}

func (c *dashboardConn) speak(m protocol.AvatarSpeak) {
	var (
		res *streaming.SpeakResult
		err error
	)
	if m.Agent {
		res, err = c.avatar.SendAgentResponse(c.ctx, m.Text)
	} else {
		res, err = c.avatar.SendText(c.ctx, m.Text, streaming.TaskMode(m.TaskMode), streaming.TaskType(m.TaskType))
	}
	switch {
	case errors.Is(err, avatar.ErrNotActive):
		c.sendError("avatar_not_active", err.Error())
	case errors.Is(err, avatar.ErrVoiceDisabled):
		c.sendError("avatar_voice_disabled", err.Error())
	case err != nil:
		c.sendError("avatar_speak_failed", err.Error())
	default:
		c.send(protocol.AvatarSpeakResult{
			Type:       protocol.TypeAvatarSpeakResult,
			SessionID:  c.sessionID,
			TaskID:     res.TaskID,
			DurationMS: res.DurationMS,
		})
	}
}

func (c *dashboardConn) ownSession(id string) bool {
	if id == c.sessionID {
		return true
	}
	c.sendError("session_mismatch", "message session_id does not match the connection")
	return false
}

func (c *dashboardConn) touch() {
	if err := c.server.sessions.Touch(c.sessionID); err != nil {
		c.log.Debug().Err(err).Msg("touch dashboard session")
	}
}

func (c *dashboardConn) rejectEnded(err error) {
	code := "session_not_found"
	if errors.Is(err, session.ErrEnded) {
		code = "session_ended"
	}
	c.sendError(code, err.Error())
}

// propsFrom maps wire props onto avatar props. Voice defaults to on when omitted.
func propsFrom(m protocol.AvatarProps) avatar.Props {
	voice := true
	if m.VoiceEnabled != nil {
		voice = *m.VoiceEnabled
	}
	return avatar.Props{
		Enabled:        m.Enabled,
		SessionID:      m.AvatarSessionID,
		AvatarID:       m.AvatarID,
		VoiceEnabled:   voice,
		AvatarTimeout:  time.Duration(m.AvatarTimeoutMS) * time.Millisecond,
		RetryTrigger:   m.RetryTrigger,
		CleanupTrigger: m.CleanupTrigger,
	}
}
