// Package ws streams the kernel event trace over WebSocket.
//
// Each connection subscribes to the kernel's event hub and receives
// JSON frames for context switches, IPC pairings, state transitions,
// and the rest of the trace. Clients may narrow the stream with a
// filter frame.
package ws

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meridian-os/meridian/internal/infrastructure/logging"
	"github.com/meridian-os/meridian/internal/infrastructure/monitoring"
	"github.com/meridian-os/meridian/internal/kernel/event"
	"github.com/meridian-os/meridian/internal/shared/id"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second

	// subscriber buffer; the hub drops events for a subscriber that
	// falls this far behind.
	eventBuffer = 256
)

// Handler manages event-trace connections.
type Handler struct {
	hub     *event.Hub
	metrics *monitoring.Metrics
	logger  *logging.Logger
}

// NewHandler creates a WebSocket handler over the kernel's event hub.
func NewHandler(hub *event.Hub, metrics *monitoring.Metrics, logger *logging.Logger) *Handler {
	return &Handler{hub: hub, metrics: metrics, logger: logger}
}

// clientFrame is what a connected client may send.
type clientFrame struct {
	Type string `json:"type"`

	// Types narrows the streamed event types; empty means everything.
	Types []event.Type `json:"types,omitempty"`
}

// HandleConnection upgrades and streams the trace until the client
// disconnects.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	connID := id.NewConnID()
	h.metrics.WSConnections.Inc()
	defer h.metrics.WSConnections.Dec()
	h.logger.Info("event trace subscriber connected", zap.String("conn", string(connID)))

	events, unsubscribe := h.hub.Subscribe(eventBuffer)
	defer unsubscribe()

	// filter updates come from the reader loop.
	filterCh := make(chan map[event.Type]bool, 1)
	done := make(chan struct{})
	go h.readLoop(conn, filterCh, done)

	if err := h.writeJSON(conn, gin.H{
		"type": "system",
		"conn": connID,
	}); err != nil {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	var filter map[event.Type]bool
	for {
		select {
		case <-done:
			return
		case f := <-filterCh:
			filter = f
		case ev := <-events:
			if filter != nil && !filter[ev.Type] {
				continue
			}
			if err := h.writeJSON(conn, ev); err != nil {
				return
			}
			h.metrics.WSEvents.Inc()
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) readLoop(conn *websocket.Conn, filterCh chan<- map[event.Type]bool, done chan<- struct{}) {
	defer close(done)
	for {
		var frame clientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Type {
		case "subscribe":
			var filter map[event.Type]bool
			if len(frame.Types) > 0 {
				filter = make(map[event.Type]bool, len(frame.Types))
				for _, t := range frame.Types {
					filter[t] = true
				}
			}
			select {
			case filterCh <- filter:
			default:
			}
		case "ping":
			// Pong rides the next write; nothing to do.
		}
	}
}

func (h *Handler) writeJSON(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}
