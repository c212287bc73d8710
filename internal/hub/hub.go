package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"craftscale/scale-server/internal/model"
)

const (
	// sessionBufferSize bounds the per-session send queue; a UI that falls
	// further behind just skips intermediate readings.
	sessionBufferSize = 16

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// WeightEvent is the event name carried by every broadcast frame.
const WeightEvent = "weight:update"

// envelope is the wire frame pushed to UI sessions.
type envelope struct {
	Event string             `json:"event"`
	Data  model.WeightUpdate `json:"data"`
}

type session struct {
	id   uuid.UUID
	send chan []byte
	done chan struct{}
}

// Hub fans every ingested reading out to all connected UI sessions.
// Delivery is best-effort at-most-once: sends never block ingestion and a
// disconnected session simply misses the update.
type Hub struct {
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[uuid.UUID]*session
	closed   bool
}

// New constructs a hub. Run is not needed; registration and broadcast are
// lock-guarded directly so the ingestion path has no scheduling dependency.
func New(logger *slog.Logger) *Hub {
	return &Hub{
		logger:   logger,
		sessions: make(map[uuid.UUID]*session),
	}
}

// BroadcastWeight pushes a reading to every connected session without
// blocking. Sessions with a full queue drop this update.
func (h *Hub) BroadcastWeight(update model.WeightUpdate) {
	data, err := json.Marshal(envelope{Event: WeightEvent, Data: update})
	if err != nil {
		h.logger.Error("encode weight update", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sess := range h.sessions {
		select {
		case sess.send <- data:
		default:
			// queue full, skip this session
		}
	}
}

// ClientCount returns the number of connected sessions.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Close disconnects every session. Further registrations are rejected.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true

	for id, sess := range h.sessions {
		close(sess.done)
		delete(h.sessions, id)
	}
}

func (h *Hub) register() *session {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}

	sess := &session{
		id:   uuid.New(),
		send: make(chan []byte, sessionBufferSize),
		done: make(chan struct{}),
	}
	h.sessions[sess.id] = sess

	h.logger.Info("realtime client connected", "session", sess.id, "active", len(h.sessions))
	return sess
}

func (h *Hub) unregister(sess *session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sessions[sess.id]; !ok {
		return
	}
	delete(h.sessions, sess.id)
	close(sess.done)

	h.logger.Info("realtime client disconnected", "session", sess.id, "active", len(h.sessions))
}
