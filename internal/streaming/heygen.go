package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const DefaultHeyGenBaseURL = "https://api.heygen.com"

var ErrVoiceChatUnsupported = errors.New("voice chat is not supported by this client")

type HeyGenConfig struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

func (c HeyGenConfig) withDefaults() HeyGenConfig {
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = DefaultHeyGenBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return c
}

// NewHeyGenFactory returns a Factory building HeyGen clients against cfg.BaseURL.
func NewHeyGenFactory(cfg HeyGenConfig) Factory {
	cfg = cfg.withDefaults()
	return func(cc ClientConfig) (Client, error) {
		if strings.TrimSpace(cc.Token) == "" {
			return nil, errors.New("heygen: token is required")
		}
		return newHeyGenClient(cfg, cc), nil
	}
}

// HeyGenClient drives one streaming session over the REST API and forwards realtime
// events from the session's websocket.
type HeyGenClient struct {
	cfg       HeyGenConfig
	token     string
	transport string
	log       zerolog.Logger

	mu        sync.Mutex
	sessionID string
	conn      *websocket.Conn
	events    chan Event
	closed    bool
}

func newHeyGenClient(cfg HeyGenConfig, cc ClientConfig) *HeyGenClient {
	return &HeyGenClient{
		cfg:       cfg,
		token:     cc.Token,
		transport: cc.Transport,
		log:       cfg.Logger.With().Str("component", "heygen").Logger(),
		events:    make(chan Event, 64),
	}
}

func (c *HeyGenClient) Events() <-chan Event { return c.events }

type heygenEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type heygenNewSession struct {
	SessionID        string `json:"session_id"`
	URL              string `json:"url"`
	AccessToken      string `json:"access_token"`
	RealtimeEndpoint string `json:"realtime_endpoint"`
}

func (c *HeyGenClient) CreateStartAvatar(ctx context.Context, req StartRequest) (*SessionInfo, error) {
	if strings.TrimSpace(req.AvatarName) == "" {
		return nil, errors.New("heygen: avatar name is required")
	}
	quality := req.Quality
	if quality == "" {
		quality = QualityMedium
	}
	body := map[string]any{
		"quality":        quality,
		"avatar_name":    req.AvatarName,
		"voice":          req.Voice,
		"version":        "v2",
		"video_encoding": "H264",
	}
	if req.Language != "" {
		body["language"] = req.Language
	}
	if c.transport != "" {
		body["stt_settings"] = map[string]any{"transport": c.transport}
	}

	var created heygenNewSession
	if err := c.post(ctx, "/v1/streaming.new", body, &created); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if created.SessionID == "" {
		return nil, errors.New("heygen: streaming.new returned no session_id")
	}

	c.mu.Lock()
	c.sessionID = created.SessionID
	c.mu.Unlock()

	if err := c.post(ctx, "/v1/streaming.start", map[string]any{"session_id": created.SessionID}, nil); err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}

	if created.RealtimeEndpoint != "" {
		if err := c.dialRealtime(ctx, created.RealtimeEndpoint); err != nil {
			// Events are best-effort; the session itself is already live.
			c.log.Warn().Err(err).Str("session_id", created.SessionID).Msg("realtime endpoint unavailable")
		}
	}

	info := &SessionInfo{
		SessionID:        created.SessionID,
		URL:              created.URL,
		AccessToken:      created.AccessToken,
		RealtimeEndpoint: created.RealtimeEndpoint,
	}
	c.emit(Event{
		Type: EventStreamReady,
		Stream: MediaStream{
			SessionID:   info.SessionID,
			URL:         info.URL,
			AccessToken: info.AccessToken,
		},
	})
	return info, nil
}

func (c *HeyGenClient) Speak(ctx context.Context, req SpeakRequest) (*SpeakResult, error) {
	sessionID := c.currentSessionID()
	if sessionID == "" {
		return nil, errors.New("heygen: no active session")
	}
	taskType := req.TaskType
	if taskType == "" {
		taskType = TaskTypeRepeat
	}
	taskMode := req.TaskMode
	if taskMode == "" {
		taskMode = TaskModeSync
	}
	var out SpeakResult
	err := c.post(ctx, "/v1/streaming.task", map[string]any{
		"session_id": sessionID,
		"text":       req.Text,
		"task_type":  taskType,
		"task_mode":  taskMode,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("speak: %w", err)
	}
	return &out, nil
}

func (c *HeyGenClient) StopAvatar(ctx context.Context) error {
	c.mu.Lock()
	sessionID := c.sessionID
	conn := c.conn
	c.sessionID = ""
	c.conn = nil
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if sessionID == "" {
		return nil
	}
	if err := c.post(ctx, "/v1/streaming.stop", map[string]any{"session_id": sessionID}, nil); err != nil {
		return fmt.Errorf("stop session: %w", err)
	}
	return nil
}

func (c *HeyGenClient) StartVoiceChat(context.Context) error {
	return ErrVoiceChatUnsupported
}

func (c *HeyGenClient) StopVoiceChat(context.Context) error {
	return nil
}

func (c *HeyGenClient) currentSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *HeyGenClient) emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.log.Warn().Str("event", string(ev.Type)).Msg("event buffer full, dropping")
	}
}

func (c *HeyGenClient) dialRealtime(ctx context.Context, endpoint string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial realtime websocket: %w", err)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	c.mu.Unlock()
	go c.readLoop(conn)
	return nil
}

func (c *HeyGenClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.emit(Event{Type: EventStreamDisconnected, Detail: err.Error()})
			return
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		t, _ := msg["type"].(string)
		switch et := EventType(t); et {
		case EventAvatarStartTalking, EventAvatarStopTalking,
			EventUserStartTalking, EventUserStopTalking, EventUserTalkingMessage,
			EventVoiceChatStarted, EventVoiceChatStopped, EventStreamDisconnected:
			c.emit(Event{Type: et, Detail: msg})
		case EventError:
			c.emit(Event{Type: EventError, Detail: realtimeError(msg)})
		}
	}
}

func realtimeError(msg map[string]any) error {
	for _, k := range []string{"message", "error", "detail"} {
		if s, ok := msg[k].(string); ok && s != "" {
			return errors.New(s)
		}
	}
	return errors.New("realtime error")
}

func (c *HeyGenClient) post(ctx context.Context, path string, body any, out any) error {
	return doPost(ctx, c.cfg.HTTPClient, c.cfg.BaseURL+path, body, out, func(h http.Header) {
		h.Set("Authorization", "Bearer "+c.token)
	})
}

// HeyGenMinter mints streaming tokens with the account API key.
type HeyGenMinter struct {
	cfg HeyGenConfig
}

func NewHeyGenMinter(cfg HeyGenConfig) *HeyGenMinter {
	return &HeyGenMinter{cfg: cfg.withDefaults()}
}

func (m *HeyGenMinter) MintToken(ctx context.Context) (string, error) {
	if strings.TrimSpace(m.cfg.APIKey) == "" {
		return "", errors.New("heygen: api key is not configured")
	}
	var out struct {
		Token string `json:"token"`
	}
	err := doPost(ctx, m.cfg.HTTPClient, m.cfg.BaseURL+"/v1/streaming.create_token", nil, &out, func(h http.Header) {
		h.Set("x-api-key", m.cfg.APIKey)
	})
	if err != nil {
		return "", fmt.Errorf("create token: %w", err)
	}
	if out.Token == "" {
		return "", errors.New("heygen: create_token returned no token")
	}
	return out.Token, nil
}

func doPost(ctx context.Context, client *http.Client, url string, body any, out any, auth func(http.Header)) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	auth(req.Header)

	res, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return &APIError{
			Status:       res.StatusCode,
			Message:      fmt.Sprintf("API request failed with status %d", res.StatusCode),
			ResponseText: strings.TrimSpace(string(raw)),
		}
	}
	if out == nil {
		return nil
	}

	var env heygenEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return &APIError{
			Status:       res.StatusCode,
			Message:      "API response carried no data",
			ResponseText: env.Message,
		}
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}
