package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/emberware/voicerelay/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The relay fronts embedded clients, not browsers; origin policy is
	// enforced at the edge.
	CheckOrigin: func(*http.Request) bool { return true },
}

// conn is one live websocket client. A single writer goroutine owns all
// writes; every other goroutine hands frames over the outbound channel.
type conn struct {
	id       string
	ws       *websocket.Conn
	outbound chan protocol.ServerEvent
	done     chan struct{}
	logger   *slog.Logger

	pingInterval time.Duration
	writeTimeout time.Duration
}

// ServeWS upgrades the request and runs the connection until the client goes
// away. Blocking here keeps the http.Server's connection accounting correct.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &conn{
		id:           uuid.NewString(),
		ws:           ws,
		outbound:     make(chan protocol.ServerEvent, 256),
		done:         make(chan struct{}),
		pingInterval: time.Duration(h.cfg.PingIntervalMS) * time.Millisecond,
		writeTimeout: time.Duration(h.cfg.WriteTimeoutMS) * time.Millisecond,
	}
	c.logger = h.logger.With(slog.String("session_id", c.id))

	h.Connected(c.id)
	go c.writeLoop()

	c.readLoop(r.Context(), h)

	close(c.done)
	h.Disconnected(c.id)
	_ = ws.Close()
}

// Emit queues one frame for the writer. A client that cannot keep up has its
// frames dropped rather than letting a full socket buffer stall synthesis for
// every other connection.
func (c *conn) Emit(evt protocol.ServerEvent) {
	select {
	case <-c.done:
	case c.outbound <- evt:
	default:
		c.logger.Warn("outbound buffer full, dropping frame", slog.String("type", evt.Type))
	}
}

func (c *conn) readLoop(ctx context.Context, h *Handler) {
	readTimeout := c.pingInterval * 2
	if readTimeout > 0 {
		c.ws.SetReadLimit(int64(h.cfg.MaxMessageBytes))
		_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		})
	}

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("websocket read failed", slog.String("error", err.Error()))
			}
			return
		}
		evt, err := protocol.DecodeClientEvent(data)
		if err != nil {
			// Malformed frames are dropped, not answered; a voice client
			// has no use for a parse error.
			c.logger.Debug("dropping frame", slog.String("error", err.Error()))
			continue
		}
		h.HandleEvent(ctx, c.id, evt, c)
	}
}

func (c *conn) writeLoop() {
	pingInterval := c.pingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	writeTimeout := c.writeTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-c.done:
			deadline := time.Now().Add(writeTimeout)
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		case <-pingTicker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return
			}
		case evt := <-c.outbound:
			payload, err := json.Marshal(evt)
			if err != nil {
				c.logger.Warn("failed to encode frame", slog.String("error", err.Error()))
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}
