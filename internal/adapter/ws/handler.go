// Package ws streams bus events to browser clients over WebSocket.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/PRDForge/internal/port/broadcast"
)

var _ broadcast.Broadcaster = (*Hub)(nil)

const (
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 64
)

// client is one connection. A non-empty correlation limits it to one
// project's events.
type client struct {
	send        chan []byte
	correlation string
	kick        context.CancelFunc
}

// Hub fans events out to connected clients. Every client has its own send
// buffer; a client that lets it fill up is disconnected rather than slowing
// the bus down.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	origin  string
	log     *slog.Logger
}

// NewHub creates a hub. origin, when set, is the only cross-origin host
// accepted on upgrade.
func NewHub(origin string, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{clients: make(map[*client]struct{}), origin: origin, log: log}
}

// HandleWS upgrades the request and serves the connection until either side
// closes it. The optional correlation_id query parameter follows a single
// project.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if h.origin != "" {
		opts.OriginPatterns = []string{h.origin}
	} else {
		opts.InsecureSkipVerify = true
	}
	// The server ReadTimeout would otherwise close idle streams.
	_ = http.NewResponseController(w).SetReadDeadline(time.Time{})
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		h.log.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	// Clients only listen; CloseRead discards their frames and ends ctx on
	// disconnect.
	ctx, kick := context.WithCancel(conn.CloseRead(context.Background()))
	c := &client{send: make(chan []byte, sendBuffer), correlation: r.URL.Query().Get("correlation_id"), kick: kick}
	h.add(c)
	defer h.remove(c)
	h.log.Info("websocket connected", "remote", r.RemoteAddr, "correlation_id", c.correlation)

	err = h.serve(ctx, conn, c)
	status := websocket.CloseStatus(err)
	switch {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		_ = conn.Close(websocket.StatusNormalClosure, "")
	case ctx.Err() != nil:
		_ = conn.Close(websocket.StatusPolicyViolation, "closed by server")
	default:
		h.log.Debug("websocket closed", "error", err)
		_ = conn.CloseNow()
	}
	h.log.Info("websocket disconnected", "remote", r.RemoteAddr)
}

func (h *Hub) serve(ctx context.Context, conn *websocket.Conn, c *client) error {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

// send queues data for every client whose filter accepts correlation.
func (h *Hub) send(correlation string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.correlation != "" && c.correlation != correlation {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.log.Warn("websocket client too slow, disconnecting", "correlation_id", c.correlation)
			delete(h.clients, c)
			c.kick()
		}
	}
}

// ConnectionCount returns the number of connected clients.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.kick()
		delete(h.clients, c)
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	c.kick()
}
