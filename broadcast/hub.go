// Package broadcast fans accepted events out to live subscribers of a run.
package broadcast

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"soullink-events/logging"
)

// Frame types sent on the live channel besides event types.
const (
	TypeConnectionEstablished = "connection_established"
	TypePing                  = "ping"
	TypePong                  = "pong"
)

var ErrHubClosed = errors.New("broadcast hub is closed")

// Message is one outbound frame.
type Message struct {
	Type           string `json:"type"`
	SequenceNumber int64  `json:"sequence_number,omitempty"`
	Data           any    `json:"data,omitempty"`
	Timestamp      string `json:"timestamp,omitempty"`
}

// Stamp formats t the way frames carry timestamps.
func Stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Subscriber is one live connection's outbound queue. The connection's writer drains
// Messages until the channel is closed by the hub.
type Subscriber struct {
	ID       string
	PlayerID string

	send   chan Message
	closed bool // guarded by Hub.mu
}

func NewSubscriber(playerID string, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 1
	}
	return &Subscriber{
		ID:       uuid.NewString(),
		PlayerID: playerID,
		send:     make(chan Message, buffer),
	}
}

func (s *Subscriber) Messages() <-chan Message {
	return s.send
}

// Hub owns the per-run subscriber registry. Publish never blocks on a connection: a
// subscriber whose queue is full is dropped and must recover through catch-up.
type Hub struct {
	mu     sync.Mutex
	runs   map[string]map[*Subscriber]struct{}
	closed bool
	logger *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		runs:   make(map[string]map[*Subscriber]struct{}),
		logger: logging.OrNop(logger),
	}
}

func (h *Hub) Subscribe(runID string, sub *Subscriber) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHubClosed
	}
	subs, ok := h.runs[runID]
	if !ok {
		subs = make(map[*Subscriber]struct{})
		h.runs[runID] = subs
	}
	subs[sub] = struct{}{}
	h.logger.Debug("[LIVE] subscribed",
		zap.String("run_id", runID),
		zap.String("subscriber_id", sub.ID),
		zap.Int("connections", len(subs)),
	)
	return nil
}

// Unsubscribe removes sub and closes its queue. Unknown subscribers are ignored.
func (h *Hub) Unsubscribe(runID string, sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(runID, sub)
}

// Publish enqueues msg for every subscriber of the run. Enqueueing happens under the hub
// lock, so every connection sees messages in Publish call order.
func (h *Hub) Publish(runID string, msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.runs[runID] {
		select {
		case sub.send <- msg:
		default:
			h.logger.Warn("[LIVE] dropping slow subscriber",
				zap.String("run_id", runID),
				zap.String("subscriber_id", sub.ID),
				zap.String("player_id", sub.PlayerID),
				zap.Int64("sequence_number", msg.SequenceNumber),
			)
			h.removeLocked(runID, sub)
		}
	}
}

func (h *Hub) ConnectionCount(runID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.runs[runID])
}

func (h *Hub) TotalConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := 0
	for _, subs := range h.runs {
		total += len(subs)
	}
	return total
}

// Snapshot returns connection counts per run.
func (h *Hub) Snapshot() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(h.runs))
	for runID, subs := range h.runs {
		out[runID] = len(subs)
	}
	return out
}

// Close drops every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for runID, subs := range h.runs {
		for sub := range subs {
			h.removeLocked(runID, sub)
		}
	}
}

func (h *Hub) removeLocked(runID string, sub *Subscriber) {
	subs, ok := h.runs[runID]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.runs, runID)
	}
	if !sub.closed {
		sub.closed = true
		close(sub.send)
	}
}
