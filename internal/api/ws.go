// Prefetchd - Adaptive Image Delivery and Prefetch Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/prefetchd

package api

import (
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tomtom215/prefetchd/internal/engine"
	"github.com/tomtom215/prefetchd/internal/metrics"
	"github.com/tomtom215/prefetchd/internal/netquality"
	"github.com/tomtom215/prefetchd/internal/queue"
	"github.com/tomtom215/prefetchd/internal/token"
	"github.com/tomtom215/prefetchd/internal/viewport"
)

// frame is the wire format for viewport signals (client to server) and
// load notifications (server to client). Type selects which fields apply.
type frame struct {
	Type string `json:"type"`

	// observe / unobserve / visibility / loaded
	ID      string `json:"id,omitempty"`
	AssetID string `json:"asset_id,omitempty"`
	Variant string `json:"variant,omitempty"`
	Path    string `json:"path,omitempty"`

	// visibility
	Ratio          float64 `json:"ratio,omitempty"`
	Top            float64 `json:"top,omitempty"`
	ViewportHeight float64 `json:"viewport_height,omitempty"`

	// scroll
	Offset float64 `json:"offset,omitempty"`

	// connection / online
	Connection *netquality.ConnectionInfo `json:"connection,omitempty"`
	Online     *bool                      `json:"online,omitempty"`

	// loaded (server to client)
	OK *bool `json:"ok,omitempty"`
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second

	// clientSendBuffer bounds per-client backlog; slow clients are dropped
	// rather than blocking broadcasts.
	clientSendBuffer = 64
)

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub tracks connected signal clients, applies inbound frames to the
// engine, and broadcasts load notifications.
type Hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}

	engine *engine.Engine
	log    zerolog.Logger
}

// NewHub creates a hub for the given engine.
func NewHub(e *engine.Engine, log zerolog.Logger) *Hub {
	return &Hub{
		clients: map[*wsClient]struct{}{},
		engine:  e,
		log:     log,
	}
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.SignalClients.Set(float64(n))
	h.log.Debug().Str("client_id", c.id).Int("clients", n).Msg("signal client connected")
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.SignalClients.Set(float64(n))
	h.log.Debug().Str("client_id", c.id).Int("clients", n).Msg("signal client disconnected")
}

// apply routes one inbound frame into the engine. Unknown types are logged
// and dropped; a malformed frame must never take the connection down.
func (h *Hub) apply(f frame) {
	switch f.Type {
	case "observe":
		v := token.Variant(f.Variant)
		if v == "" {
			v = token.VariantPreview
		}
		id := f.ID
		if id == "" {
			id = f.AssetID
		}
		if id == "" {
			id = "img-" + uuid.New().String()
		}
		h.engine.Observe(queue.Registration{ID: id, AssetID: f.AssetID, Variant: v, RawPath: f.Path})
	case "unobserve":
		h.engine.Unobserve(f.ID)
	case "visibility":
		h.engine.HandleVisibility(viewport.VisibilityEvent{
			CandidateID:    f.ID,
			Ratio:          f.Ratio,
			Top:            f.Top,
			ViewportHeight: f.ViewportHeight,
			At:             time.Now(),
		})
	case "scroll":
		h.engine.HandleScroll(viewport.ScrollEvent{Offset: f.Offset, At: time.Now()})
	case "connection":
		if f.Connection != nil {
			h.engine.Estimator().ReportConnection(*f.Connection)
		}
	case "online":
		if f.Online != nil {
			h.engine.Estimator().SetOnline(*f.Online)
		}
	default:
		h.log.Debug().Str("type", f.Type).Msg("unknown signal frame type")
		return
	}
	metrics.SignalEvents.WithLabelValues(f.Type).Inc()
}

// BroadcastLoaded notifies all clients of a fetch outcome. Wired as the
// queue's completion callback.
func (h *Hub) BroadcastLoaded(reg queue.Registration, err error) {
	ok := err == nil
	payload, merr := json.Marshal(frame{Type: "loaded", ID: reg.ID, AssetID: reg.AssetID, Variant: string(reg.Variant), OK: &ok})
	if merr != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			// Client can't keep up; drop it rather than stall the queue.
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// serve runs one client connection: a write pump goroutine plus the read
// loop on the calling goroutine.
func (h *Hub) serve(conn *websocket.Conn) {
	c := &wsClient{id: uuid.New().String(), conn: conn, send: make(chan []byte, clientSendBuffer)}
	h.register(c)
	defer func() {
		h.unregister(c)
		conn.Close() //nolint:errcheck
	}()

	go c.writePump()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug().Err(err).Msg("signal client read error")
			}
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			h.log.Debug().Err(err).Msg("malformed signal frame")
			continue
		}
		h.apply(f)
	}
}

func (c *wsClient) writePump() {
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
