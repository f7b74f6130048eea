package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix is prepended to the room ID to form the Redis channel.
const DefaultPrefix = "collab:room:"

// Redis fans room messages out over Redis pub/sub, one channel per room.
type Redis struct {
	client *redis.Client
	prefix string
	logger *log.Logger
}

// NewRedis wraps an existing client. An empty prefix uses DefaultPrefix.
func NewRedis(client *redis.Client, prefix string, logger *log.Logger) *Redis {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Redis{client: client, prefix: prefix, logger: logger}
}

// DialRedis connects to addr, retrying until Redis answers PING or attempts
// run out.
func DialRedis(ctx context.Context, addr string, attempts uint) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	err := retry.Do(
		func() error {
			return client.Ping(ctx).Err()
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("could not connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

func (r *Redis) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.prefix+msg.Room, payload).Err()
}

// Subscribe listens on every room channel under the prefix. The returned
// channel is closed when ctx is done.
func (r *Redis) Subscribe(ctx context.Context) (<-chan Message, error) {
	pubsub := r.client.PSubscribe(ctx, r.prefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("psubscribe %s*: %w", r.prefix, err)
	}

	out := make(chan Message, 256)
	go func() {
		defer close(out)
		defer pubsub.Close()
		redisChan := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-redisChan:
				if !ok {
					return
				}
				var msg Message
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					r.logger.Warn("dropping malformed bus message", "channel", m.Channel, "err", err)
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
