package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func welcome(id string) string {
	return fmt.Sprintf(`{"metadata":{"message_id":"m0","message_type":"session_welcome"},"payload":{"session":{"id":%q,"status":"connected","keepalive_timeout_seconds":10}}}`, id)
}

func onlineNotification(streamID string) string {
	return fmt.Sprintf(`{"metadata":{"message_type":"notification","subscription_type":"stream.online"},"payload":{"subscription":{"type":"stream.online"},"event":{"id":%q,"broadcaster_user_id":"12826","broadcaster_user_login":"somestreamer","type":"live","started_at":"2025-03-14T18:30:00Z"}}}`, streamID)
}

type fakeEventSub struct {
	server *httptest.Server
	mu     sync.Mutex
	subs   []map[string]any
	auth   []string
}

func newFakeEventSub(t *testing.T) *fakeEventSub {
	f := &fakeEventSub{}
	mux := http.NewServeMux()
	mux.HandleFunc("/helix", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.subs = append(f.subs, body)
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		reconnect := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws2"
		for _, msg := range []string{
			welcome("sess-1"),
			`{"metadata":{"message_type":"session_keepalive"},"payload":{}}`,
			onlineNotification("40001"),
			`{"metadata":{"message_type":"notification","subscription_type":"channel.update"},"payload":{"event":{}}}`,
			`not json`,
			onlineNotification("40001"),
			fmt.Sprintf(`{"metadata":{"message_type":"session_reconnect"},"payload":{"session":{"id":"sess-1","reconnect_url":%q}}}`, reconnect),
		} {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
		conn.ReadMessage()
	})
	mux.HandleFunc("/ws2", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(welcome("sess-2")))
		conn.WriteMessage(websocket.TextMessage, []byte(onlineNotification("40002")))
		conn.ReadMessage()
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func TestEventSubSource(t *testing.T) {
	f := newFakeEventSub(t)
	src := NewEventSubSource(EventSubConfig{
		URL:            "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws",
		HelixURL:       f.server.URL + "/helix",
		ClientID:       "client",
		AccessToken:    "twitch-token",
		BroadcasterIDs: []string{"12826"},
	}, http.DefaultClient)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := src.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	for i := 0; i < 2; i++ {
		ev, err := conn.Next(ctx)
		if err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}
		if ev.StreamID != "40001" || ev.ChannelID != "12826" || ev.Login != "somestreamer" {
			t.Errorf("event %d = %+v", i, ev)
		}
		if !ev.StartedAt.Equal(time.Date(2025, 3, 14, 18, 30, 0, 0, time.UTC)) {
			t.Errorf("started_at = %v", ev.StartedAt)
		}
	}
	if _, err := conn.Next(ctx); !errors.Is(err, errReconnect) {
		t.Fatalf("expected reconnect request, got %v", err)
	}
	conn.Close()

	conn, err = src.Connect(ctx)
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	defer conn.Close()
	ev, err := conn.Next(ctx)
	if err != nil || ev.StreamID != "40002" {
		t.Fatalf("after reconnect: %+v, %v", ev, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) != 1 {
		t.Fatalf("subscriptions registered %d times, want once", len(f.subs))
	}
	if f.subs[0]["type"] != "stream.online" || f.auth[0] != "Bearer twitch-token" {
		t.Errorf("subscription = %v, auth = %q", f.subs[0], f.auth[0])
	}
	transport, _ := f.subs[0]["transport"].(map[string]any)
	if transport["session_id"] != "sess-1" {
		t.Errorf("transport = %v", transport)
	}
}

func TestDecodeEvent(t *testing.T) {
	if _, err := decodeEvent([]byte(`{"id":"1","broadcaster_user_id":"2"}`)); err != nil {
		t.Errorf("valid event rejected: %v", err)
	}
	for _, bad := range []string{`{}`, `{"id":"1"}`, `nope`} {
		if _, err := decodeEvent([]byte(bad)); err == nil {
			t.Errorf("decodeEvent(%s) should fail", bad)
		}
	}
}
