package memory

import (
	"context"
	"strings"
	"sync"

	"exam-session-service/internal/domain"
)

// Storage is an in-process implementation of app.Storage. Instances that
// share one Storage behave like tabs of the same browser profile.
type Storage struct {
	mu       sync.RWMutex
	values   map[string]string
	watchers map[*watcher]struct{}
}

type watcher struct {
	prefix string
	ch     chan domain.StorageEvent
}

func NewStorage() *Storage {
	return &Storage{
		values:   make(map[string]string),
		watchers: make(map[*watcher]struct{}),
	}
}

func (s *Storage) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[key]
	return value, ok, nil
}

func (s *Storage) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	s.notifyLocked(key)
	return nil
}

func (s *Storage) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		if _, ok := s.values[key]; !ok {
			continue
		}
		delete(s.values, key)
		s.notifyLocked(key)
	}
	return nil
}

func (s *Storage) Update(_ context.Context, key string, fn func(current string, exists bool) (string, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.values[key]
	next, err := fn(current, ok)
	if err != nil {
		return err
	}
	s.values[key] = next
	s.notifyLocked(key)
	return nil
}

func (s *Storage) Watch(ctx context.Context, prefix string) (<-chan domain.StorageEvent, func(), error) {
	w := &watcher{prefix: prefix, ch: make(chan domain.StorageEvent, 16)}

	s.mu.Lock()
	s.watchers[w] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, w)
			close(w.ch)
			s.mu.Unlock()
		})
	}
	stop := context.AfterFunc(ctx, cancel)
	return w.ch, func() {
		stop()
		cancel()
	}, nil
}

// Keys lists stored keys under prefix.
func (s *Storage) Keys(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for key := range s.values {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys
}

func (s *Storage) notifyLocked(key string) {
	ev := domain.StorageEvent{Key: key}
	for w := range s.watchers {
		if !strings.HasPrefix(key, w.prefix) {
			continue
		}
		select {
		case w.ch <- ev:
		default:
			// Full: drop the oldest, consumers re-read storage anyway.
			select {
			case <-w.ch:
			default:
			}
			w.ch <- ev
		}
	}
}
