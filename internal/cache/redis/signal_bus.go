package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alanyoungcy/streambet/internal/domain"
	"github.com/redis/go-redis/v9"
)

// DefaultStreamMaxLen is the approximate length each channel's replay
// stream is trimmed to.
const DefaultStreamMaxLen int64 = 1000

// SignalBus implements domain.SignalBus on Redis pub/sub. Every published
// payload is also appended to a capped stream per channel so late
// subscribers can replay recent events with Recent.
type SignalBus struct {
	c      *Client
	maxLen int64
}

// NewSignalBus creates a SignalBus. maxLen <= 0 selects DefaultStreamMaxLen.
func NewSignalBus(c *Client, maxLen int64) *SignalBus {
	if maxLen <= 0 {
		maxLen = DefaultStreamMaxLen
	}
	return &SignalBus{c: c, maxLen: maxLen}
}

// Publish fans payload out to subscribers of channel and records it in the
// channel's stream.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	pipe := sb.c.rdb.TxPipeline()
	pipe.Publish(ctx, channel, payload)
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: sb.c.key("stream", channel),
		MaxLen: sb.maxLen,
		Approx: true,
		Values: map[string]any{"payload": payload},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns payloads published on channel until ctx is cancelled,
// then closes the returned channel. Glob patterns use PSUBSCRIBE.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	var ps *redis.PubSub
	if strings.ContainsAny(channel, "*?[") {
		ps = sb.c.rdb.PSubscribe(ctx, channel)
	} else {
		ps = sb.c.rdb.Subscribe(ctx, channel)
	}
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 128)
	go func() {
		defer close(out)
		defer ps.Close()

		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Recent returns up to count of the latest payloads on channel, oldest first.
func (sb *SignalBus) Recent(ctx context.Context, channel string, count int64) ([][]byte, error) {
	msgs, err := sb.c.rdb.XRevRangeN(ctx, sb.c.key("stream", channel), "+", "-", count).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: recent %s: %w", channel, err)
	}

	out := make([][]byte, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		switch v := msgs[i].Values["payload"].(type) {
		case string:
			out = append(out, []byte(v))
		case []byte:
			out = append(out, v)
		}
	}
	return out, nil
}

var _ domain.SignalBus = (*SignalBus)(nil)
