package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/squidgy/internal/avatar"
)

const writeTimeout = 5 * time.Second

// Recorder writes avatar lifecycle events to a Store off the caller's goroutine. Events
// arriving while the queue is full are dropped and logged.
type Recorder struct {
	store Store
	log   zerolog.Logger
	queue chan Entry

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewRecorder(store Store, logger zerolog.Logger, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = 256
	}
	r := &Recorder{
		store: store,
		log:   logger.With().Str("component", "ledger").Logger(),
		queue: make(chan Entry, queueSize),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

// For returns an observer that stamps events with dashboardSessionID.
func (r *Recorder) For(dashboardSessionID string) avatar.Observer {
	return sessionObserver{r: r, sessionID: dashboardSessionID}
}

func (r *Recorder) enqueue(e Entry) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- e:
	default:
		r.log.Warn().Str("kind", e.Kind).Str("dashboard_session_id", e.DashboardSessionID).Msg("ledger queue full, entry dropped")
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := r.store.Record(ctx, e); err != nil {
			r.log.Error().Err(err).Str("kind", e.Kind).Msg("ledger write failed")
		}
		cancel()
	}
}

// Close flushes queued entries and stops the writer. The store is left open.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
}

type sessionObserver struct {
	r         *Recorder
	sessionID string
}

func (o sessionObserver) ObserveAvatar(ev avatar.LifecycleEvent) {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	o.r.enqueue(Entry{
		DashboardSessionID: o.sessionID,
		AvatarSessionID:    ev.SessionID,
		AvatarID:           ev.AvatarID,
		Kind:               string(ev.Kind),
		ErrorKind:          string(ev.ErrorKind),
		Reason:             ev.Reason,
		Message:            ev.Message,
		DurationMS:         ev.Duration.Milliseconds(),
		CreatedAt:          at.UTC(),
	})
}
