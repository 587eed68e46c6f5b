package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/vodkeeper/internal/utils"
)

const DefaultRedisChannel = "vodkeeper:stream.online"

type RedisConfig struct {
	Addr     string
	Username string
	Password string
	Channel  string
}

// RedisSource relays stream.online events published on a Redis channel, for
// setups where another service already holds the EventSub subscription.
// Payloads use the EventSub event shape.
type RedisSource struct {
	client  redis.UniversalClient
	channel string
}

func NewRedisSource(cfg RedisConfig) (*RedisSource, error) {
	var addrs []string
	for _, addr := range strings.Split(cfg.Addr, ",") {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:      addrs,
		Username:   cfg.Username,
		Password:   cfg.Password,
		MaxRetries: 2,
	})
	return NewRedisSourceWithClient(client, cfg.Channel), nil
}

func NewRedisSourceWithClient(client redis.UniversalClient, channel string) *RedisSource {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisSource{client: client, channel: channel}
}

func (s *RedisSource) Name() string { return "redis" }

func (s *RedisSource) Connect(ctx context.Context) (Conn, error) {
	pubsub := s.client.Subscribe(ctx, s.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, utils.NewError(utils.KindNetwork, "monitor/redis", err)
	}
	log.Info().Str("op", "monitor/redis").Msgf("Subscribed to redis channel %s", s.channel)
	return &redisConn{pubsub: pubsub}, nil
}

func (s *RedisSource) Close() error {
	return s.client.Close()
}

type redisConn struct {
	pubsub *redis.PubSub
}

func (c *redisConn) Next(ctx context.Context) (Event, error) {
	for {
		msg, err := c.pubsub.ReceiveMessage(ctx)
		if err != nil {
			return Event{}, utils.NewError(utils.KindNetwork, "monitor/redis", err)
		}
		ev, err := decodeEvent([]byte(msg.Payload))
		if err != nil {
			log.Warn().Str("op", "monitor/redis").Msgf("Skipping message on %s: %v", msg.Channel, err)
			continue
		}
		return ev, nil
	}
}

func (c *redisConn) Close() error {
	return c.pubsub.Close()
}

func decodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, err
	}
	if ev.ChannelID == "" || ev.StreamID == "" {
		return Event{}, fmt.Errorf("event lacks broadcaster_user_id or id")
	}
	return ev, nil
}
