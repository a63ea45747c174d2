// handlers/live.go
package handlers

import (
	"encoding/json"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"soullink-events/broadcast"
	"soullink-events/logging"
	"soullink-events/middleware"
	"soullink-events/services"
)

const writeWait = 10 * time.Second

type sessionState int

const (
	stateConnecting sessionState = iota
	stateAuthenticating
	stateEstablished
	stateActive
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticating:
		return "authenticating"
	case stateEstablished:
		return "established"
	case stateActive:
		return "active"
	}
	return "closed"
}

// LiveHandler serves the per-run live channel. Each connection runs a reader on the
// handler goroutine and a single writer goroutine that owns every write to the socket.
type LiveHandler struct {
	Hub         *broadcast.Hub
	Store       *services.EventStore
	SendBuffer  int
	IdleTimeout time.Duration
	Logger      *zap.Logger
	now         func() time.Time
}

func NewLiveHandler(hub *broadcast.Hub, store *services.EventStore, sendBuffer int, idle time.Duration, logger *zap.Logger) *LiveHandler {
	if idle <= 0 {
		idle = 90 * time.Second
	}
	return &LiveHandler{
		Hub:         hub,
		Store:       store,
		SendBuffer:  sendBuffer,
		IdleTimeout: idle,
		Logger:      logging.OrNop(logger),
		now:         time.Now,
	}
}

// RequireRun rejects handshakes for unknown runs before the upgrade.
func (h *LiveHandler) RequireRun(c *fiber.Ctx) error {
	found, err := h.Store.RunExists(c.UserContext(), c.Params("run_id"))
	if err != nil {
		return middleware.RespondError(c, h.Logger, err)
	}
	if !found {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "run not found"})
	}
	return c.Next()
}

func (h *LiveHandler) Upgrade() fiber.Handler {
	return websocket.New(h.serve)
}

type liveSession struct {
	conn    *websocket.Conn
	runID   string
	ident   services.Identity
	sub     *broadcast.Subscriber
	control chan broadcast.Message
	state   sessionState
	logger  *zap.Logger
}

func (s *liveSession) transition(next sessionState) {
	s.logger.Debug("[LIVE] session state",
		zap.Stringer("from", s.state),
		zap.Stringer("to", next),
	)
	s.state = next
}

func (h *LiveHandler) serve(conn *websocket.Conn) {
	ident, _ := conn.Locals("identity").(services.Identity)
	runID := conn.Params("run_id")

	sess := &liveSession{
		conn:    conn,
		runID:   runID,
		ident:   ident,
		sub:     broadcast.NewSubscriber(ident.PlayerID, h.SendBuffer),
		control: make(chan broadcast.Message, 8),
		state:   stateConnecting,
		logger: h.Logger.With(
			zap.String("run_id", runID),
			zap.String("player_id", ident.PlayerID),
		),
	}
	// The handshake already passed LiveAuthMiddleware.
	sess.transition(stateAuthenticating)

	if err := h.Hub.Subscribe(runID, sess.sub); err != nil {
		sess.logger.Warn("[LIVE] subscribe refused", zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		sess.transition(stateClosed)
		return
	}
	defer h.Hub.Unsubscribe(runID, sess.sub)

	// Subscribed before the welcome, so nothing published after it is missed.
	welcome := broadcast.Message{
		Type: broadcast.TypeConnectionEstablished,
		Data: fiber.Map{"player_id": ident.PlayerID, "run_id": runID},
	}
	if err := sess.write(welcome); err != nil {
		sess.logger.Info("[LIVE] welcome failed", zap.Error(err))
		sess.transition(stateClosed)
		return
	}
	sess.transition(stateEstablished)
	sess.logger.Info("[LIVE] connected", zap.Int("connections", h.Hub.ConnectionCount(runID)))

	done := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		sess.writeLoop(done)
	}()

	sess.transition(stateActive)
	h.readLoop(sess)

	close(done)
	<-writerDone
	sess.transition(stateClosed)
	sess.logger.Info("[LIVE] disconnected")
}

// readLoop handles inbound frames until the client leaves, goes idle or the writer closes
// the socket.
func (h *LiveHandler) readLoop(sess *liveSession) {
	for {
		_ = sess.conn.SetReadDeadline(h.now().Add(h.IdleTimeout))
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sess.logger.Debug("[LIVE] read ended", zap.Error(err))
			}
			return
		}

		var frame struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			sess.logger.Debug("[LIVE] ignoring malformed frame", zap.Error(err))
			continue
		}
		switch frame.Type {
		case broadcast.TypePing:
			pong := broadcast.Message{
				Type: broadcast.TypePong,
				Data: fiber.Map{"server_time": broadcast.Stamp(h.now())},
			}
			select {
			case sess.control <- pong:
			default:
				// A client flooding pings loses pongs, not its subscription.
			}
		default:
			sess.logger.Debug("[LIVE] ignoring frame", zap.String("type", frame.Type))
		}
	}
}

func (s *liveSession) writeLoop(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg := <-s.control:
			if err := s.write(msg); err != nil {
				_ = s.conn.Close()
				return
			}
		case msg, ok := <-s.sub.Messages():
			if !ok {
				// Dropped by the hub (slow consumer or shutdown); the client recovers via catch-up.
				_ = s.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "resync via catch-up"),
					time.Now().Add(writeWait))
				_ = s.conn.Close()
				return
			}
			if err := s.write(msg); err != nil {
				s.logger.Info("[LIVE] write failed", zap.Error(err))
				_ = s.conn.Close()
				return
			}
		}
	}
}

func (s *liveSession) write(msg broadcast.Message) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}
