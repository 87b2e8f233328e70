package httpapi

import (
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type Notification struct {
	SourceID string    `json:"sourceId"`
	Title    string    `json:"title"`
	Message  string    `json:"message"`
	Link     string    `json:"link,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// NotificationHub fans engine notifications out to connected websocket
// clients. It implements the engine's Notifier contract: Notify never
// blocks, slow subscribers simply miss messages.
type NotificationHub struct {
	mu          sync.Mutex
	subscribers map[chan Notification]struct{}
}

func NewNotificationHub() *NotificationHub {
	return &NotificationHub{
		subscribers: map[chan Notification]struct{}{},
	}
}

func (h *NotificationHub) Notify(sourceID, title, message, link, detail string) {
	n := Notification{
		SourceID: sourceID,
		Title:    title,
		Message:  message,
		Link:     link,
		Detail:   detail,
		At:       time.Now().UTC(),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers {
		select {
		case ch <- n:
		default:
		}
	}
}

func (h *NotificationHub) subscribe() (chan Notification, func()) {
	ch := make(chan Notification, 16)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		delete(h.subscribers, ch)
		h.mu.Unlock()
	}
	return ch, cancel
}

func (s *Server) handleNotificationStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	ctx := conn.CloseRead(r.Context())
	ch, cancel := s.hub.subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case n := <-ch:
			if err := wsjson.Write(ctx, conn, n); err != nil {
				return
			}
		}
	}
}
