package primebot

import (
	"encoding/json"
	"github.com/gorilla/websocket"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	EventLevelUp       = "level_up"
	EventHeistStarted  = "heist_started"
	EventHeistResolved = "heist_resolved"
	EventGameResult    = "game_result"
	EventBirthday      = "birthday"
	EventStreamLive    = "stream_live"

	eventSubscriberBuffer = 32
	eventWriteWait        = 10 * time.Second
	eventPongWait         = 60 * time.Second
	eventPingPeriod       = eventPongWait * 9 / 10
)

// Event is a bot activity notification, as sent to dashboard
// websocket subscribers
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

type eventSubscriber struct {
	ch chan []byte
}

// EventHub fans out bot activity to dashboard websocket subscribers.
// A subscriber that can't keep up misses events rather than blocking
// the publisher.
type EventHub struct {
	logger   *slog.Logger
	now      func() time.Time
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	subscribers map[*eventSubscriber]struct{}
	done        chan struct{}
	closeOnce   sync.Once

	published atomic.Int64
	dropped   atomic.Int64
}

func newEventHub(logger *slog.Logger, now func() time.Time, checkOrigin func(r *http.Request) bool) *EventHub {
	return &EventHub{
		logger: logger,
		now:    now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		subscribers: map[*eventSubscriber]struct{}{},
		done:        make(chan struct{}),
	}
}

// Publish sends an event to every subscriber
func (h *EventHub) Publish(eventType string, data any) {
	if h == nil {
		return
	}
	payload, err := json.Marshal(Event{Type: eventType, Time: h.now().UTC(), Data: data})
	if err != nil {
		h.logger.Error("error encoding event", tint.Err(err), "event_type", eventType)
		return
	}
	h.published.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subscribers {
		select {
		case sub.ch <- payload:
		default:
			h.dropped.Add(1)
		}
	}
}

// subscribe registers a new subscriber. The returned func unregisters it.
func (h *EventHub) subscribe() (*eventSubscriber, func()) {
	sub := &eventSubscriber{ch: make(chan []byte, eventSubscriberBuffer)}
	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()
	return sub, func() {
		h.mu.Lock()
		delete(h.subscribers, sub)
		h.mu.Unlock()
	}
}

func (h *EventHub) subscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// ServeHTTP upgrades the request to a websocket, and streams events to
// it until either side closes the connection
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", tint.Err(err))
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	sub, unsubscribe := h.subscribe()
	defer unsubscribe()
	log := h.logger.With("remote_addr", r.RemoteAddr)
	log.Info("event subscriber connected", "subscribers", h.subscriberCount())

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(eventPongWait))
		conn.SetPongHandler(
			func(string) error {
				return conn.SetReadDeadline(time.Now().Add(eventPongWait))
			},
		)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			log.Info("event subscriber disconnected")
			return
		case <-r.Context().Done():
			return
		case <-h.done:
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second),
			)
			return
		case payload := <-sub.ch:
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Info("event subscriber write failed", tint.Err(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(
				websocket.PingMessage,
				nil,
				time.Now().Add(eventWriteWait),
			); err != nil {
				return
			}
		}
	}
}

// close disconnects every subscriber
func (h *EventHub) close() {
	h.closeOnce.Do(func() { close(h.done) })
}
