package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"exam-session-service/internal/domain"
	"github.com/redis/go-redis/v9"
)

const maxUpdateRetries = 64

// Storage is a Redis implementation of app.Storage. Values are plain string
// keys under an optional namespace; every write is announced on a pub/sub
// channel so instances on other hosts see it like a storage event.
type Storage struct {
	client    *redis.Client
	namespace string
	channel   string
}

func NewStorage(client *redis.Client, namespace string) *Storage {
	return &Storage{
		client:    client,
		namespace: namespace,
		channel:   namespace + "exam-session:events",
	}
}

func (s *Storage) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Storage) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	s.publish(ctx, key)
	return nil
}

func (s *Storage) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = s.key(key)
	}
	if err := s.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	for _, key := range keys {
		s.publish(ctx, key)
	}
	return nil
}

// Update runs an optimistic WATCH/MULTI transaction, retrying when another
// writer touched the key in between.
func (s *Storage) Update(ctx context.Context, key string, fn func(current string, exists bool) (string, error)) error {
	full := s.key(key)
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, full).Result()
		exists := true
		if errors.Is(err, redis.Nil) {
			exists = false
		} else if err != nil {
			return err
		}
		next, err := fn(current, exists)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, full, next, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.client.Watch(ctx, txf, full)
		if err == nil {
			s.publish(ctx, key)
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("redis update %s: %w", key, err)
	}
	return fmt.Errorf("redis update %s: too much contention", key)
}

func (s *Storage) Watch(ctx context.Context, prefix string) (<-chan domain.StorageEvent, func(), error) {
	sub := s.client.Subscribe(ctx, s.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis subscribe: %w", err)
	}

	out := make(chan domain.StorageEvent, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			if !strings.HasPrefix(msg.Payload, prefix) {
				continue
			}
			ev := domain.StorageEvent{Key: msg.Payload}
			select {
			case out <- ev:
			default:
				select {
				case <-out:
				default:
				}
				out <- ev
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() { _ = sub.Close() })
	}
	stop := context.AfterFunc(ctx, cancel)
	return out, func() {
		stop()
		cancel()
	}, nil
}

// publish is best-effort: the write itself already succeeded.
func (s *Storage) publish(ctx context.Context, key string) {
	_ = s.client.Publish(ctx, s.channel, key).Err()
}

func (s *Storage) key(key string) string {
	return s.namespace + key
}
