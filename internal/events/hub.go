package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/optvault/vault-engine/internal/metrics"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 5 * time.Second
	outboxSize   = 64
)

// subscriber is one WebSocket client. A nil filter receives every event.
type subscriber struct {
	conn   *websocket.Conn
	outbox chan []byte
	filter map[Type]bool
}

func (s *subscriber) wants(t Type) bool {
	return s.filter == nil || s.filter[t]
}

// Hub streams committed events to WebSocket subscribers. Each subscriber
// has its own outbox; one that falls behind is disconnected rather than
// slowing the others.
type Hub struct {
	feed   chan Event
	joins  chan *subscriber
	leaves chan *subscriber
	done   chan struct{}
	subs   map[*subscriber]struct{}
}

// NewHub creates a hub. Call Run before serving HandleWS.
func NewHub() *Hub {
	return &Hub{
		feed:   make(chan Event, 256),
		joins:  make(chan *subscriber),
		leaves: make(chan *subscriber),
		done:   make(chan struct{}),
		subs:   make(map[*subscriber]struct{}),
	}
}

// Run owns the subscriber set until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for s := range h.subs {
				h.drop(s)
			}
			return
		case s := <-h.joins:
			h.subs[s] = struct{}{}
			metrics.WebSocketClients.Set(float64(len(h.subs)))
			slog.Info("ws subscriber joined", "total", len(h.subs))
		case s := <-h.leaves:
			h.drop(s)
		case e := <-h.feed:
			h.fanOut(e)
		}
	}
}

func (h *Hub) fanOut(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Warn("ws event not encodable", "type", e.Type, "err", err)
		return
	}
	for s := range h.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.outbox <- data:
		default:
			slog.Warn("ws subscriber too slow, disconnecting", "type", e.Type)
			h.drop(s)
		}
	}
}

func (h *Hub) drop(s *subscriber) {
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	close(s.outbox)
	metrics.WebSocketClients.Set(float64(len(h.subs)))
}

// Publish hands e to the run loop. Events are dropped when the loop is
// backed up; publishers never wait on subscribers.
func (h *Hub) Publish(_ context.Context, e Event) {
	select {
	case h.feed <- e:
	default:
		slog.Debug("ws feed full, event dropped", "type", e.Type, "id", e.ID)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// parseFilter reads ?types=deposit,epoch_executed. Empty means everything.
func parseFilter(r *http.Request) map[Type]bool {
	raw := r.URL.Query().Get("types")
	if raw == "" {
		return nil
	}
	filter := make(map[Type]bool)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			filter[Type(t)] = true
		}
	}
	return filter
}

// HandleWS upgrades GET /api/v1/ws and streams events, optionally limited
// to the types listed in the types query parameter.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}
	s := &subscriber{conn: conn, outbox: make(chan []byte, outboxSize), filter: parseFilter(r)}
	select {
	case h.joins <- s:
	case <-h.done:
		conn.Close()
		return
	}

	go s.write()
	go func() {
		defer func() {
			select {
			case h.leaves <- s:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// write drains the outbox until the hub closes it.
func (s *subscriber) write() {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-s.outbox:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
