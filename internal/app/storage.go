package app

import (
	"context"
	"strings"
	"time"

	"exam-session-service/internal/domain"
	"github.com/rs/zerolog"
)

// Storage abstracts the durable key/value space shared by every instance
// (in-memory, Redis, Postgres). It is the only channel of truth between them.
type Storage interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
	// Update atomically replaces key with fn(current). fn may be re-run on contention.
	Update(ctx context.Context, key string, fn func(current string, exists bool) (string, error)) error
	// Watch streams change events for keys under prefix until cancel is called
	// or ctx ends. Events are best-effort and may be coalesced.
	Watch(ctx context.Context, prefix string) (<-chan domain.StorageEvent, func(), error)
}

const (
	keyPrefix           = "exam_"
	endKeyPrefix        = "exam_end_"
	activeKeyPrefix     = "exam_active_"
	answersKeyPrefix    = "exam_answers_"
	assignmentKeyPrefix = "exam_assignment_"
	savedKeyPrefix      = "exam_saved_"

	// DefaultActiveMarker names the single active-exam slot.
	DefaultActiveMarker = "current"
)

// Keys builds the storage key layout.
type Keys struct {
	Marker string
}

// Active returns the key holding the currently active exam id.
func (k Keys) Active() string {
	marker := k.Marker
	if marker == "" {
		marker = DefaultActiveMarker
	}
	return activeKeyPrefix + marker
}

// End returns the key holding the session end timestamp in ms.
func (k Keys) End(examID string) string { return endKeyPrefix + examID }

// Assignment returns the key holding the assignment id of the running session.
func (k Keys) Assignment(examID string) string { return assignmentKeyPrefix + examID }

// Answers returns the key holding the JSON draft bundle.
func (k Keys) Answers(examID string) string { return answersKeyPrefix + examID }

// Saved returns the key holding the last explicit save of a module.
func (k Keys) Saved(examID string, module domain.Module) string {
	return savedKeyPrefix + examID + "_" + string(module)
}

func (k Keys) isSessionKey(key string) bool {
	return strings.HasPrefix(key, endKeyPrefix) ||
		strings.HasPrefix(key, activeKeyPrefix) ||
		strings.HasPrefix(key, assignmentKeyPrefix)
}

type options struct {
	now  func() time.Time
	tick time.Duration
	log  zerolog.Logger
	keys Keys
}

// Option customises timers, draft stores and gates.
type Option func(*options)

// WithClock replaces time.Now; used for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithTickInterval sets how often the countdown is republished.
func WithTickInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.tick = d
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithActiveMarker overrides the marker in exam_active_<marker>.
func WithActiveMarker(marker string) Option {
	return func(o *options) { o.keys.Marker = marker }
}

func buildOptions(opts []Option) options {
	o := options{
		now:  time.Now,
		tick: time.Second,
		log:  zerolog.Nop(),
		keys: Keys{Marker: DefaultActiveMarker},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
