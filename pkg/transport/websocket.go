package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sosalejandro/progress-tracker/pkg/hub"
	"github.com/sosalejandro/progress-tracker/pkg/progress"
	"github.com/sosalejandro/progress-tracker/pkg/subscription"
)

const (
	defaultSendBuffer   = 64
	defaultWriteWait    = 10 * time.Second
	defaultPongWait     = 60 * time.Second
	maxClientFrameBytes = 4096
)

var ErrConnectionClosed = errors.New("connection closed")

// WebSocketOptions tunes per-connection buffering and keepalive.
type WebSocketOptions struct {
	SendBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	AllowedOrigins []string
}

type clientFrame struct {
	Action     string `json:"action" validate:"required,oneof=subscribe unsubscribe ping"`
	Type       string `json:"type" validate:"required_unless=Action ping"`
	ResourceID string `json:"resourceId" validate:"required_unless=Action ping,max=256"`
}

// WebSocketHandler upgrades authenticated requests and serves the
// subscribe/unsubscribe protocol over the socket.
type WebSocketHandler struct {
	hub      *hub.Hub
	manager  *subscription.Manager
	logger   *zap.Logger
	upgrader websocket.Upgrader
	validate *validator.Validate
	opts     WebSocketOptions
}

func NewWebSocketHandler(h *hub.Hub, manager *subscription.Manager, logger *zap.Logger, opts WebSocketOptions) *WebSocketHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaultWriteWait
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPongWait
	}
	return &WebSocketHandler{
		hub:      h,
		manager:  manager,
		logger:   logger,
		validate: validator.New(),
		opts:     opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(opts.AllowedOrigins),
		},
	}
}

func (h *WebSocketHandler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing user id")
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade to WebSocket", zap.Error(err))
		return
	}

	conn := newWSConn(uuid.NewString(), ws, h.opts, h.logger)
	if err := h.hub.Register(conn); err != nil {
		h.logger.Error("Failed to register connection", zap.Error(err))
		_ = ws.Close()
		return
	}
	defer func() {
		h.manager.OnDisconnect(conn.ID())
		conn.close()
	}()
	if err := h.hub.Join(conn.ID(), hub.UserRoom(userID)); err != nil {
		h.logger.Error("Failed to join user room", zap.Error(err))
		return
	}
	go conn.writePump()

	h.logger.Info("WebSocket connected", zap.String("conn_id", conn.ID()), zap.String("user_id", userID))

	ctx := r.Context()
	ws.SetReadLimit(maxClientFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("WebSocket closed unexpectedly", zap.String("conn_id", conn.ID()), zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.reply(conn, hub.Event{Name: hub.EventError, Error: "malformed frame"})
			continue
		}
		if err := h.validate.Struct(frame); err != nil {
			h.reply(conn, hub.Event{Name: hub.EventError, Error: "invalid frame: " + err.Error()})
			continue
		}

		if frame.Action == "ping" {
			h.reply(conn, hub.Event{Name: hub.EventPong})
			continue
		}
		t, err := progress.ParseType(frame.Type)
		if err != nil {
			h.reply(conn, errorEvent(progress.Type(frame.Type), frame.ResourceID, err))
			continue
		}

		switch frame.Action {
		case "subscribe":
			if _, err := h.manager.Subscribe(ctx, conn.ID(), t, frame.ResourceID, userID); err != nil {
				h.reply(conn, errorEvent(t, frame.ResourceID, err))
				continue
			}
			h.reply(conn, hub.Event{Name: hub.EventSubscribed, Type: t, ResourceID: frame.ResourceID})
		case "unsubscribe":
			if err := h.manager.Unsubscribe(conn.ID(), t, frame.ResourceID); err != nil {
				h.reply(conn, errorEvent(t, frame.ResourceID, err))
				continue
			}
			h.reply(conn, hub.Event{Name: hub.EventUnsubscribed, Type: t, ResourceID: frame.ResourceID})
		}
	}
}

func (h *WebSocketHandler) reply(conn *wsConn, evt hub.Event) {
	if err := conn.Send(evt); err != nil {
		h.logger.Warn("Failed to reply on WebSocket", zap.String("conn_id", conn.ID()), zap.Error(err))
	}
}

func errorEvent(t progress.Type, resourceID string, err error) hub.Event {
	msg := "internal error"
	switch {
	case errors.Is(err, progress.ErrUnauthorized):
		msg = "unauthorized"
	case errors.Is(err, progress.ErrValidation):
		msg = err.Error()
	case errors.Is(err, progress.ErrStorageUnavailable):
		msg = "progress store unavailable, retry"
	}
	return hub.Event{Name: hub.EventError, Type: t, ResourceID: resourceID, Error: msg}
}

// wsConn is a hub.Conn backed by a websocket. Send only enqueues; a single
// writer goroutine owns the socket.
type wsConn struct {
	id        string
	ws        *websocket.Conn
	send      chan hub.Event
	done      chan struct{}
	closeOnce sync.Once
	writeWait time.Duration
	pingEvery time.Duration
	logger    *zap.Logger
}

func newWSConn(id string, ws *websocket.Conn, opts WebSocketOptions, logger *zap.Logger) *wsConn {
	return &wsConn{
		id:        id,
		ws:        ws,
		send:      make(chan hub.Event, opts.SendBuffer),
		done:      make(chan struct{}),
		writeWait: opts.WriteWait,
		pingEvery: opts.PongWait * 9 / 10,
		logger:    logger,
	}
}

func (c *wsConn) ID() string { return c.id }

// Send queues evt without blocking. A full buffer drops the event.
func (c *wsConn) Send(evt hub.Event) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- evt:
		return nil
	default:
		return hub.ErrSlowConsumer
	}
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.pingEvery)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.writeWait))
			return
		case evt := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteJSON(evt); err != nil {
				c.logger.Error("Failed to write JSON to WebSocket", zap.String("conn_id", c.id), zap.Error(err))
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait)); err != nil {
				c.close()
				return
			}
		}
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
