package streaming

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MockMinter hands out local tokens when no vendor API key is configured.
type MockMinter struct{}

func (MockMinter) MintToken(context.Context) (string, error) {
	return "mock-" + uuid.NewString(), nil
}

// MockFactory builds MockClients.
func MockFactory() Factory {
	return func(cc ClientConfig) (Client, error) {
		if strings.TrimSpace(cc.Token) == "" {
			return nil, errors.New("mock: token is required")
		}
		return NewMockClient(cc.Token), nil
	}
}

// MockClient is a local stand-in for the streaming SDK. It reports a stream right after
// start and emits talking events around every speak call.
type MockClient struct {
	token string

	mu        sync.Mutex
	events    chan Event
	sessionID string
	started   bool
	closed    bool
	voiceChat bool
	spoken    []string
}

func NewMockClient(token string) *MockClient {
	return &MockClient{token: token, events: make(chan Event, 64)}
}

func (c *MockClient) Events() <-chan Event { return c.events }

func (c *MockClient) CreateStartAvatar(_ context.Context, req StartRequest) (*SessionInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("mock: client stopped")
	}
	if strings.TrimSpace(req.AvatarName) == "" {
		return nil, &APIError{Status: 400, Message: "API request failed with status 400", ResponseText: "avatar_name is required"}
	}
	c.started = true
	c.sessionID = "mock-" + uuid.NewString()
	info := &SessionInfo{
		SessionID:   c.sessionID,
		URL:         "mock://avatar/" + req.AvatarName,
		AccessToken: c.token,
	}
	c.emitLocked(Event{Type: EventStreamReady, Detail: &MediaStream{
		SessionID:   info.SessionID,
		URL:         info.URL,
		AccessToken: info.AccessToken,
	}})
	return info, nil
}

func (c *MockClient) Speak(_ context.Context, req SpeakRequest) (*SpeakResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started || c.closed {
		return nil, errors.New("mock: no active session")
	}
	c.spoken = append(c.spoken, req.Text)
	c.emitLocked(Event{Type: EventAvatarStartTalking})
	c.emitLocked(Event{Type: EventAvatarStopTalking})
	words := len(strings.Fields(req.Text))
	return &SpeakResult{TaskID: uuid.NewString(), DurationMS: int64(words) * 350}, nil
}

func (c *MockClient) StopAvatar(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.started = false
	c.voiceChat = false
	close(c.events)
	return nil
}

func (c *MockClient) StartVoiceChat(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started || c.closed {
		return errors.New("mock: no active session")
	}
	c.voiceChat = true
	c.emitLocked(Event{Type: EventVoiceChatStarted})
	return nil
}

func (c *MockClient) StopVoiceChat(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.voiceChat {
		return nil
	}
	c.voiceChat = false
	c.emitLocked(Event{Type: EventVoiceChatStopped})
	return nil
}

// Spoken returns the texts passed to Speak so far.
func (c *MockClient) Spoken() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.spoken...)
}

// Stopped reports whether StopAvatar has been called.
func (c *MockClient) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *MockClient) emitLocked(ev Event) {
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
	}
}
