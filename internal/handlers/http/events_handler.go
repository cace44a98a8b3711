package http

import (
	"net/http"
	"net/url"
	"time"

	"partymesh/internal/core/domain"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const eventBuffer = 64

// EventSource is satisfied by events.Hub.
type EventSource interface {
	Subscribe(buffer int) (<-chan domain.Event, func())
}

// EventsHandler streams session events to websocket clients as JSON.
type EventsHandler struct {
	source   EventSource
	upgrader websocket.Upgrader

	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration

	logger *zap.SugaredLogger
}

func NewEventsHandler(source EventSource, allowedOrigins []string, pingInterval, pongTimeout time.Duration, logger *zap.SugaredLogger) *EventsHandler {
	return &EventsHandler{
		source: source,
		upgrader: websocket.Upgrader{
			CheckOrigin:     originChecker(allowedOrigins),
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		pingInterval: pingInterval,
		pongTimeout:  pongTimeout,
		writeTimeout: 10 * time.Second,
		logger:       logger,
	}
}

// originChecker admits requests without an Origin header, loopback origins
// and the configured list.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set[origin]; ok {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		switch u.Hostname() {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
		return false
	}
}

func (h *EventsHandler) SetupRoutes(api *gin.RouterGroup, guards ...gin.HandlerFunc) {
	api.GET("/events", append(guards, h.Stream)...)
}

func (h *EventsHandler) Stream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, cancel := h.source.Subscribe(eventBuffer)
	defer cancel()

	h.logger.Debugw("event stream opened", "remote_addr", c.ClientIP())

	conn.SetReadDeadline(time.Now().Add(h.pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.pongTimeout))
		return nil
	})

	// Clients only send control frames; reading surfaces pongs and closes.
	closed := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				closed <- err
				return
			}
		}
	}()

	pingTicker := time.NewTicker(h.pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				h.writeClose(conn, websocket.CloseGoingAway, "session ended")
				return
			}
			conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debugw("error writing event", "error", err)
				return
			}

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Debugw("error sending ping", "error", err)
				return
			}

		case err := <-closed:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debugw("event stream closed", "error", err)
			}
			return

		case <-c.Request.Context().Done():
			return
		}
	}
}

func (h *EventsHandler) writeClose(conn *websocket.Conn, code int, text string) {
	deadline := time.Now().Add(h.writeTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
}
