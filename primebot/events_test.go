package primebot

import (
	"encoding/json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestEventHub(t *testing.T) *EventHub {
	t.Helper()
	hub := newEventHub(
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		func() time.Time { return testNow },
		func(*http.Request) bool { return true },
	)
	t.Cleanup(hub.close)
	return hub
}

func TestEventHub_Publish(t *testing.T) {
	t.Parallel()
	hub := newTestEventHub(t)

	// publishing without subscribers is fine
	hub.Publish(EventLevelUp, nil)

	sub, unsubscribe := hub.subscribe()
	assert.Equal(t, 1, hub.subscriberCount())

	hub.Publish(EventGameResult, map[string]any{"game": gameSlots, "payout": 20})
	var ev Event
	require.NoError(t, json.Unmarshal(<-sub.ch, &ev))
	assert.Equal(t, EventGameResult, ev.Type)
	assert.True(t, testNow.Equal(ev.Time))
	assert.Equal(t, map[string]any{"game": gameSlots, "payout": float64(20)}, ev.Data)

	unsubscribe()
	assert.Equal(t, 0, hub.subscriberCount())
	assert.Equal(t, int64(2), hub.published.Load())
}

func TestEventHub_DropsForSlowSubscribers(t *testing.T) {
	t.Parallel()
	hub := newTestEventHub(t)
	_, unsubscribe := hub.subscribe()
	defer unsubscribe()

	for range eventSubscriberBuffer + 3 {
		hub.Publish(EventLevelUp, nil)
	}
	assert.Equal(t, int64(3), hub.dropped.Load())
}

func TestEventHub_NilIsNoop(t *testing.T) {
	t.Parallel()
	var hub *EventHub
	assert.NotPanics(
		t, func() {
			hub.Publish(EventLevelUp, nil)
		},
	)
}

func TestEventHub_Websocket(t *testing.T) {
	t.Parallel()
	hub := newTestEventHub(t)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer func() {
		_ = conn.Close()
	}()

	require.Eventually(
		t, func() bool {
			return hub.subscriberCount() == 1
		},
		5*time.Second,
		5*time.Millisecond,
	)

	hub.Publish(EventHeistStarted, map[string]any{"bank": 1000})
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventHeistStarted, ev.Type)

	hub.close()
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), err.Error())

	require.Eventually(
		t, func() bool {
			return hub.subscriberCount() == 0
		},
		5*time.Second,
		5*time.Millisecond,
	)
}

func TestEventHub_ClientDisconnect(t *testing.T) {
	t.Parallel()
	hub := newTestEventHub(t)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Eventually(
		t, func() bool {
			return hub.subscriberCount() == 1
		},
		5*time.Second,
		5*time.Millisecond,
	)

	require.NoError(t, conn.Close())
	require.Eventually(
		t, func() bool {
			return hub.subscriberCount() == 0
		},
		5*time.Second,
		5*time.Millisecond,
	)
}

func TestEventHub_RejectsPlainHTTP(t *testing.T) {
	t.Parallel()
	hub := newTestEventHub(t)
	rec := httptest.NewRecorder()
	hub.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/events", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, hub.subscriberCount())
}
