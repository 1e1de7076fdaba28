package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/squidgy/internal/avatar"
	"github.com/ent0n29/squidgy/internal/config"
	"github.com/ent0n29/squidgy/internal/ledger"
	"github.com/ent0n29/squidgy/internal/observability"
	"github.com/ent0n29/squidgy/internal/protocol"
	"github.com/ent0n29/squidgy/internal/reliability"
	"github.com/ent0n29/squidgy/internal/session"
	"github.com/ent0n29/squidgy/internal/streaming"
)

// Deps are the collaborators a Server is wired with. Ledger and Recorder may be nil.
type Deps struct {
	Sessions *session.Manager
	Minter   streaming.TokenMinter
	Factory  streaming.Factory
	// Tokens overrides the provider handed to every avatar manager. When nil the server
	// uses AVATAR_TOKEN_URL if configured, otherwise the in-process minter.
	Tokens   avatar.TokenProvider
	Ledger   ledger.Store
	Recorder *ledger.Recorder
	Metrics  *observability.Metrics
	Logger   zerolog.Logger
	// Timings overrides the lifecycle timings derived from config.
	Timings *avatar.Timings
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	minter   streaming.TokenMinter
	factory  streaming.Factory
	tokens   avatar.TokenProvider
	ledger   ledger.Store
	recorder *ledger.Recorder
	metrics  *observability.Metrics
	log      zerolog.Logger
	timings  avatar.Timings
	upgrader websocket.Upgrader
	static   http.Handler

	mu      sync.Mutex
	closed  bool
	avatars map[string]map[*avatar.Manager]struct{}
}

func New(cfg config.Config, deps Deps) *Server {
	s := &Server{
		cfg:      cfg,
		sessions: deps.Sessions,
		minter:   deps.Minter,
		factory:  deps.Factory,
		tokens:   deps.Tokens,
		ledger:   deps.Ledger,
		recorder: deps.Recorder,
		metrics:  deps.Metrics,
		log:      deps.Logger.With().Str("component", "httpapi").Logger(),
		timings:  timingsFromConfig(cfg),
		static:   newStaticHandler(),
		avatars:  make(map[string]map[*avatar.Manager]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive a billed avatar session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
	if deps.Timings != nil {
		s.timings = *deps.Timings
	}
	if s.tokens == nil {
		s.tokens = s.defaultTokenProvider()
	}
	if s.sessions != nil {
		s.sessions.SetExpireHook(func(sess *session.Session) {
			s.closeAvatars(sess.ID)
			s.updateSessionGauge()
		})
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Get("/ui", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Handle("/ui/*", http.StripPrefix("/ui/", s.static))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Post("/v1/avatar/token", s.handleMintToken)
	r.Post("/v1/dashboard/session", s.handleCreateSession)
	r.Post("/v1/dashboard/session/{id}/end", s.handleEndSession)
	r.Get("/v1/dashboard/session/ws", s.handleSessionWS)
	r.Get("/v1/dashboard/session/{id}/avatar/history", s.handleAvatarHistory)
	r.Get("/v1/perf/avatar", s.handlePerfAvatar)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"avatar_provider": s.providerName(),
		"ledger_mode":     s.ledgerMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	status := http.StatusOK
	state := "ready"
	if s.minter == nil || s.factory == nil {
		status = http.StatusServiceUnavailable
		state = "unavailable"
	}
	respondJSON(w, status, map[string]any{
		"status":          state,
		"avatar_provider": s.providerName(),
		"ledger_mode":     s.ledgerMode(),
		"live_avatars":    s.liveAvatarCount(),
	})
}

func (s *Server) handleMintToken(w http.ResponseWriter, r *http.Request) {
	if s.minter == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "token minter not configured")
		return
	}
	token, err := s.minter.MintToken(r.Context())
	if err != nil {
		s.countToken("error")
		s.log.Error().Err(err).Msg("mint streaming token")
		respondError(w, http.StatusBadGateway, "token_unavailable", err.Error())
		return
	}
	s.countToken("ok")
	respondJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}
	req.AvatarID = avatar.NormalizeAvatarID(req.AvatarID, s.cfg.AvatarDefaultID)

	agentID := strings.TrimSpace(req.AgentID)

	status := http.StatusCreated
	sess, resumed := s.resumeSession(req.UserID, agentID, req.AvatarID)
	if resumed {
		status = http.StatusOK
	} else {
		sess = s.sessions.Create(req.UserID, agentID, req.AvatarID)
	}
	s.updateSessionGauge()

	respondJSON(w, status, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		Status:          sess.Status,
		AgentID:         sess.AgentID,
		AvatarID:        sess.AvatarID,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

// resumeSession hands a signed-in user back their live session so a reload or a second tab
// shares one avatar budget. Anonymous callers always get a fresh session.
func (s *Server) resumeSession(userID, agentID, avatarID string) (*session.Session, bool) {
	if userID == "anonymous" {
		return nil, false
	}
	sess, err := s.sessions.ForUser(userID)
	if err != nil || sess.Status != session.StatusActive {
		return nil, false
	}
	if err := s.sessions.SelectAgent(sess.ID, agentID, avatarID); err != nil {
		return nil, false
	}
	sess, err = s.sessions.Get(sess.ID)
	if err != nil {
		return nil, false
	}
	s.log.Debug().Str("session_id", sess.ID).Str("user_id", userID).Msg("resumed dashboard session")
	return sess, true
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.closeAvatars(id)
	s.updateSessionGauge()
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleAvatarHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.sessions.Get(id); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if s.ledger == nil {
		respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "entries": []ledger.Entry{}})
		return
	}
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.ledger.History(r.Context(), id, limit)
	if err != nil {
		s.log.Error().Err(err).Str("session_id", id).Msg("load avatar history")
		respondError(w, http.StatusInternalServerError, "ledger_unavailable", err.Error())
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "entries": entries})
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.factory == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "avatar client factory not configured")
		return
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if sess.Status != session.StatusActive {
		respondError(w, http.StatusGone, "session_ended", session.ErrEnded.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)

	dc := &dashboardConn{
		server:    s,
		ctx:       ctx,
		sessionID: sessionID,
		outbound:  outbound,
		log:       s.log.With().Str("session_id", sessionID).Logger(),
	}
	mgr, err := s.newAvatarManager(dc)
	if err != nil {
		s.log.Error().Err(err).Msg("create avatar manager")
		_ = conn.WriteJSON(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sessionID,
			Code:      "avatar_unavailable",
			Source:    "gateway",
			Detail:    err.Error(),
		})
		return
	}
	dc.avatar = mgr
	if !s.trackAvatar(sessionID, mgr) {
		mgr.Close()
		_ = conn.WriteJSON(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sessionID,
			Code:      "server_closing",
			Source:    "gateway",
			Retryable: true,
			Detail:    "server is shutting down",
		})
		return
	}

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		dc.run(inbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				s.countMessage("outbound", msg)
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			dc.sendError("invalid_client_message", err.Error())
			continue
		}

		s.countMessage("inbound", parsed)
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	// Disconnect is an unmount: the avatar session is torn down with the connection.
	cancel()
	close(inbound)
	<-runDone
	s.untrackAvatar(sessionID, mgr)
	mgr.Close()
	<-writerDone
}

func (s *Server) newAvatarManager(dc *dashboardConn) (*avatar.Manager, error) {
	var observer avatar.Observers
	if s.metrics != nil {
		observer = append(observer, s.metrics)
	}
	if s.recorder != nil {
		observer = append(observer, s.recorder.For(dc.sessionID))
	}

	return avatar.New(avatar.Options{
		Tokens:   s.tokens,
		Factory:  s.factory,
		Surface:  dc,
		Observer: observer,
		Logger:   dc.log,
		Timings:  s.timings,
		Quality:  streaming.Quality(s.cfg.AvatarQuality),
		Voice: streaming.VoiceSettings{
			VoiceID: s.cfg.AvatarVoiceID,
			Rate:    s.cfg.AvatarVoiceRate,
			Emotion: s.cfg.AvatarVoiceEmotion,
		},
		Language:         s.cfg.AvatarLanguage,
		DefaultAvatarID:  s.cfg.AvatarDefaultID,
		FallbackImageURL: s.cfg.AvatarFallbackImageURL,
		OnReady:          dc.onReady,
		OnError:          dc.onError,
		OnStatus:         dc.onStatus,
	})
}

// defaultTokenProvider prefers the configured token endpoint and falls back to minting
// in process, which is what the token endpoint itself does.
func (s *Server) defaultTokenProvider() avatar.TokenProvider {
	if u := strings.TrimSpace(s.cfg.AvatarTokenURL); u != "" {
		return avatar.NewHTTPTokenProvider(u, nil)
	}
	return avatar.TokenProviderFunc(func(ctx context.Context) (string, error) {
		if s.minter == nil {
			return "", reliability.ErrTokenUnavailable
		}
		token, err := s.minter.MintToken(ctx)
		if err != nil {
			s.countToken("error")
			return "", fmt.Errorf("%w: %w", reliability.ErrTokenUnavailable, err)
		}
		s.countToken("ok")
		return token, nil
	})
}

// Close tears down every live avatar session. Websockets opened afterwards get no avatar.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	var managers []*avatar.Manager
	for _, set := range s.avatars {
		for m := range set {
			managers = append(managers, m)
		}
	}
	s.mu.Unlock()

	for _, m := range managers {
		m.Close()
	}
	if len(managers) > 0 {
		s.log.Info().Int("avatars", len(managers)).Msg("closed live avatar sessions")
	}
}

func (s *Server) trackAvatar(sessionID string, mgr *avatar.Manager) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	set, ok := s.avatars[sessionID]
	if !ok {
		set = make(map[*avatar.Manager]struct{})
		s.avatars[sessionID] = set
	}
	set[mgr] = struct{}{}
	return true
}

func (s *Server) untrackAvatar(sessionID string, mgr *avatar.Manager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.avatars[sessionID]
	delete(set, mgr)
	if len(set) == 0 {
		delete(s.avatars, sessionID)
	}
}

// closeAvatars tears down every avatar bound to an ended dashboard session. The websocket
// stays open until the client leaves; later messages hit a closed manager and are ignored.
func (s *Server) closeAvatars(sessionID string) {
	s.mu.Lock()
	set := s.avatars[sessionID]
	managers := make([]*avatar.Manager, 0, len(set))
	for m := range set {
		managers = append(managers, m)
	}
	s.mu.Unlock()

	for _, m := range managers {
		m.Close()
	}
}

func (s *Server) liveAvatarCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, set := range s.avatars {
		n += len(set)
	}
	return n
}

func (s *Server) updateSessionGauge() {
	if s.metrics != nil {
		s.metrics.DashboardSessions.Set(float64(s.sessions.ActiveCount()))
	}
}

func (s *Server) countToken(outcome string) {
	if s.metrics != nil {
		s.metrics.TokenRequests.WithLabelValues(outcome).Inc()
	}
}

func (s *Server) countMessage(direction string, msg any) {
	if s.metrics == nil {
		return
	}
	if t, ok := messageTypeOf(msg); ok {
		s.metrics.WSMessages.WithLabelValues(direction, string(t)).Inc()
	}
}

func (s *Server) providerName() string {
	if s.cfg.UseHeyGen() {
		return "heygen"
	}
	return "mock"
}

func (s *Server) ledgerMode() string {
	switch s.ledger.(type) {
	case nil:
		return "disabled"
	case *ledger.PostgresStore:
		return "postgres"
	default:
		return "in-memory"
	}
}

func timingsFromConfig(cfg config.Config) avatar.Timings {
	return avatar.Timings{
		InitTimeout:  cfg.AvatarInitTimeout,
		IdleTimeout:  cfg.AvatarIdleTimeout,
		MaxDuration:  cfg.AvatarMaxDuration,
		PollInterval: cfg.AvatarMonitorInterval,
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.AvatarProps:
		return m.Type, true
	case protocol.AvatarSpeak:
		return m.Type, true
	case protocol.AvatarActivity:
		return m.Type, true
	case protocol.AvatarReactivate:
		return m.Type, true
	case protocol.AvatarVoiceChat:
		return m.Type, true
	case protocol.AvatarState:
		return m.Type, true
	case protocol.AvatarStream:
		return m.Type, true
	case protocol.AvatarReady:
		return m.Type, true
	case protocol.AvatarError:
		return m.Type, true
	case protocol.AvatarSpeakResult:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
