package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/vodkeeper/internal/utils"
)

const (
	DefaultEventSubURL = "wss://eventsub.wss.twitch.tv/ws?keepalive_timeout_seconds=30"
	DefaultHelixURL    = "https://api.twitch.tv/helix/eventsub/subscriptions"
	keepaliveGrace     = 10 * time.Second
)

var errReconnect = errors.New("server requested reconnect")

type EventSubConfig struct {
	URL         string
	HelixURL    string
	ClientID    string
	AccessToken string
	// BroadcasterIDs are the numeric Twitch user ids to watch.
	BroadcasterIDs []string
}

// EventSubSource receives stream.online notifications over the Twitch
// EventSub WebSocket transport.
type EventSubSource struct {
	cfg    EventSubConfig
	http   utils.HTTPDoer
	dialer *websocket.Dialer

	mu           sync.Mutex
	reconnectURL string
}

func NewEventSubSource(cfg EventSubConfig, httpClient utils.HTTPDoer) *EventSubSource {
	if cfg.URL == "" {
		cfg.URL = DefaultEventSubURL
	}
	if cfg.HelixURL == "" {
		cfg.HelixURL = DefaultHelixURL
	}
	return &EventSubSource{
		cfg:    cfg,
		http:   httpClient,
		dialer: &websocket.Dialer{HandshakeTimeout: 15 * time.Second, Proxy: http.ProxyFromEnvironment},
	}
}

func (s *EventSubSource) Name() string { return "eventsub" }

type wsMessage struct {
	Metadata struct {
		MessageID        string `json:"message_id"`
		MessageType      string `json:"message_type"`
		SubscriptionType string `json:"subscription_type"`
	} `json:"metadata"`
	Payload struct {
		Session struct {
			ID                      string `json:"id"`
			KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
			ReconnectURL            string `json:"reconnect_url"`
		} `json:"session"`
		Subscription struct {
			Type   string `json:"type"`
			Status string `json:"status"`
		} `json:"subscription"`
		Event json.RawMessage `json:"event"`
	} `json:"payload"`
}

func (s *EventSubSource) Connect(ctx context.Context) (Conn, error) {
	s.mu.Lock()
	target := s.reconnectURL
	s.reconnectURL = ""
	s.mu.Unlock()
	resumed := target != ""
	if !resumed {
		target = s.cfg.URL
	}

	ws, _, err := s.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, utils.NewError(utils.KindNetwork, "monitor/eventsub", err)
	}
	conn := &eventSubConn{source: s, ws: ws, keepalive: 30 * time.Second, done: make(chan struct{})}
	welcome, err := conn.read()
	if err != nil {
		ws.Close()
		return nil, err
	}
	if welcome.Metadata.MessageType != "session_welcome" {
		ws.Close()
		return nil, utils.Errorf(utils.KindNetwork, "monitor/eventsub", "expected session_welcome, got %q", welcome.Metadata.MessageType)
	}
	if ka := welcome.Payload.Session.KeepaliveTimeoutSeconds; ka > 0 {
		conn.keepalive = time.Duration(ka) * time.Second
	}
	sessionID := welcome.Payload.Session.ID
	log.Info().Str("op", "monitor/eventsub").Msgf("EventSub session %s established", sessionID)

	// subscriptions carry over to the new session after a reconnect
	if !resumed {
		if err := s.subscribe(ctx, sessionID); err != nil {
			ws.Close()
			return nil, err
		}
	}
	go func() {
		select {
		case <-ctx.Done():
			ws.Close()
		case <-conn.done:
		}
	}()
	return conn, nil
}

func (s *EventSubSource) subscribe(ctx context.Context, sessionID string) error {
	for _, id := range s.cfg.BroadcasterIDs {
		body, err := json.Marshal(map[string]any{
			"type":      "stream.online",
			"version":   "1",
			"condition": map[string]string{"broadcaster_user_id": id},
			"transport": map[string]string{"method": "websocket", "session_id": sessionID},
		})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.HelixURL, bytes.NewReader(body))
		if err != nil {
			return utils.NewError(utils.KindNetwork, "monitor/eventsub", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Client-Id", s.cfg.ClientID)
		req.Header.Set("Authorization", "Bearer "+s.cfg.AccessToken)
		resp, err := s.http.Do(req)
		if err != nil {
			return utils.NewError(utils.KindNetwork, "monitor/eventsub", err)
		}
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return utils.Errorf(utils.KindAuthentication, "monitor/eventsub", "subscribing to %s rejected (%d): %s", id, resp.StatusCode, strings.TrimSpace(string(msg)))
		case resp.StatusCode == http.StatusConflict:
			log.Debug().Str("op", "monitor/eventsub").Msgf("Subscription for %s already exists", id)
		case resp.StatusCode < 200 || resp.StatusCode > 299:
			return utils.Errorf(utils.KindNetwork, "monitor/eventsub", "subscribing to %s failed (%d): %s", id, resp.StatusCode, strings.TrimSpace(string(msg)))
		default:
			log.Info().Str("op", "monitor/eventsub").Msgf("Listening for stream.online of broadcaster %s", id)
		}
	}
	return nil
}

func (s *EventSubSource) setReconnect(url string) {
	s.mu.Lock()
	s.reconnectURL = url
	s.mu.Unlock()
}

type eventSubConn struct {
	source    *EventSubSource
	ws        *websocket.Conn
	keepalive time.Duration
	done      chan struct{}
	closeOnce sync.Once
}

func (c *eventSubConn) read() (*wsMessage, error) {
	c.ws.SetReadDeadline(time.Now().Add(c.keepalive + keepaliveGrace))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, utils.NewError(utils.KindNetwork, "monitor/eventsub", err)
	}
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, utils.NewError(utils.KindManifestParse, "monitor/eventsub", fmt.Errorf("decoding message: %w", err))
	}
	return &msg, nil
}

func (c *eventSubConn) Next(ctx context.Context) (Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}
		msg, err := c.read()
		if err != nil {
			if utils.IsKind(err, utils.KindManifestParse) {
				log.Warn().Str("op", "monitor/eventsub").Msgf("Skipping message: %v", err)
				continue
			}
			return Event{}, err
		}
		switch msg.Metadata.MessageType {
		case "session_keepalive":
		case "notification":
			if msg.Metadata.SubscriptionType != "stream.online" {
				continue
			}
			ev, err := decodeEvent(msg.Payload.Event)
			if err != nil {
				log.Warn().Str("op", "monitor/eventsub").Msgf("Malformed stream.online event: %v", err)
				continue
			}
			return ev, nil
		case "session_reconnect":
			log.Info().Str("op", "monitor/eventsub").Msg("EventSub asked for a reconnect")
			c.source.setReconnect(msg.Payload.Session.ReconnectURL)
			return Event{}, errReconnect
		case "revocation":
			log.Warn().Str("op", "monitor/eventsub").Msgf("Subscription %s revoked: %s", msg.Payload.Subscription.Type, msg.Payload.Subscription.Status)
		default:
			log.Debug().Str("op", "monitor/eventsub").Msgf("Unhandled message type %q", msg.Metadata.MessageType)
		}
	}
}

func (c *eventSubConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.ws.Close()
}
