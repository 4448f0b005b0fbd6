package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatrelay/pkg/domain"
	"github.com/redis/go-redis/v9"
)

// RedisStreamConfig configures the Redis stream sink.
type RedisStreamConfig struct {
	Addr     string
	Password string
	Stream   string
	MaxLen   int64
}

// RedisStreamPublisher appends events to a capped Redis stream.
type RedisStreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisStreamPublisher(cfg RedisStreamConfig) (*RedisStreamPublisher, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "chatrelay:events"
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisStreamPublisher{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream: stream,
		maxLen: maxLen,
	}, nil
}

func (p *RedisStreamPublisher) PublishMessageCreated(ctx context.Context, evt domain.MessageCreated) error {
	body, err := encodeMessageCreated(evt)
	if err != nil {
		return err
	}
	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"type":        RoutingKeyMessageCreated,
			"message_id":  evt.Message.ID,
			"sender_id":   evt.Message.SenderID,
			"receiver_id": evt.Message.ReceiverID,
			"at":          evt.At.UTC().Format(time.RFC3339Nano),
			"payload":     string(body),
		},
	}).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}

func (p *RedisStreamPublisher) Close() error {
	return p.client.Close()
}
