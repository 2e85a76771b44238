package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"

	"codecollab/server/internal/protocol"
)

const channelPrefix = "collab:room:"

// RedisRelay publishes through Redis pub/sub so instances in different
// processes see each other's participants and accepted batches.
type RedisRelay struct {
	rdb *redis.Client
}

func NewRedisRelay(ctx context.Context, addr string) (*RedisRelay, error) {
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return &RedisRelay{rdb: rdb}, nil
}

func (r *RedisRelay) Publish(ctx context.Context, roomID, origin string, env protocol.Envelope) error {
	data, err := encode(origin, env)
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, channelPrefix+roomID, data).Err(); err != nil {
		return fmt.Errorf("publish room=%s: %w", roomID, err)
	}
	return nil
}

func (r *RedisRelay) Subscribe(ctx context.Context, roomID string, fn Handler) (func(), error) {
	pubsub := r.rdb.Subscribe(ctx, channelPrefix+roomID)
	// Wait for the confirmation so no publish after Subscribe returns is lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe room=%s: %w", roomID, err)
	}

	go func() {
		for msg := range pubsub.Channel() {
			decoded, err := decode([]byte(msg.Payload))
			if err != nil {
				log.Printf("relay drop room=%s: %v", roomID, err)
				continue
			}
			fn(decoded.Origin, decoded.Envelope)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := pubsub.Close(); err != nil {
				log.Printf("relay unsubscribe room=%s: %v", roomID, err)
			}
		})
	}, nil
}

func (r *RedisRelay) Close() error {
	return r.rdb.Close()
}
