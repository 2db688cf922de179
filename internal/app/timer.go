package app

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"exam-session-service/internal/domain"
	"github.com/rs/zerolog"
)

// SessionTimer is the single source of truth for the running exam and its
// remaining time. Every instance sharing a Storage converges on the same
// state: local fields are only a cache of what storage holds.
type SessionTimer struct {
	store Storage
	keys  Keys
	now   func() time.Time
	tick  time.Duration
	log   zerolog.Logger

	// opMu serialises operations that touch storage.
	opMu sync.Mutex

	mu          sync.Mutex
	session     *domain.ExamSession
	expired     map[string]int64 // examID -> end ms being cleared by this instance
	tickerStop  chan struct{}
	subscribers map[chan domain.TimerState]struct{}
	unwatch     func()
	closed      bool
}

func NewSessionTimer(store Storage, opts ...Option) *SessionTimer {
	o := buildOptions(opts)
	return &SessionTimer{
		store:       store,
		keys:        o.keys,
		now:         o.now,
		tick:        o.tick,
		log:         o.log.With().Str("component", "session_timer").Logger(),
		expired:     make(map[string]int64),
		subscribers: make(map[chan domain.TimerState]struct{}),
	}
}

// Init reconstructs the session from storage and starts following changes
// made by other instances. Stale sessions found here are removed.
func (t *SessionTimer) Init(ctx context.Context) error {
	if err := t.Refresh(ctx); err != nil {
		return err
	}

	events, cancel, err := t.store.Watch(context.Background(), keyPrefix)
	if err != nil {
		return fmt.Errorf("watch storage: %w", err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		cancel()
		return nil
	}
	t.unwatch = cancel
	t.mu.Unlock()

	go t.follow(events)
	return nil
}

func (t *SessionTimer) follow(events <-chan domain.StorageEvent) {
	for ev := range events {
		if !t.keys.isSessionKey(ev.Key) {
			continue
		}
		if err := t.Refresh(context.Background()); err != nil {
			t.log.Warn().Err(err).Str("key", ev.Key).Msg("refresh after storage change failed")
		}
	}
}

// Start opens a session for examID lasting durationSeconds. It is rejected
// while any unexpired session exists, leaving that session untouched.
func (t *SessionTimer) Start(ctx context.Context, examID string, durationSeconds int, assignmentID string) error {
	if examID == "" {
		return domain.ErrEmptyExamID
	}
	if durationSeconds <= 0 {
		return domain.ErrInvalidDuration
	}

	t.opMu.Lock()
	defer t.opMu.Unlock()

	current, err := t.readSession(ctx)
	if err != nil {
		return err
	}
	if current != nil {
		if current.Remaining(t.now()) > 0 {
			return fmt.Errorf("%w: %s", domain.ErrSessionActive, current.ExamID)
		}
		if err := t.clearSession(ctx, current.ExamID); err != nil {
			return err
		}
	}

	end := t.now().Add(time.Duration(durationSeconds) * time.Second).Truncate(time.Millisecond)
	if err := t.store.Set(ctx, t.keys.End(examID), strconv.FormatInt(end.UnixMilli(), 10)); err != nil {
		return fmt.Errorf("persist end time: %w", err)
	}
	if assignmentID != "" {
		err = t.store.Set(ctx, t.keys.Assignment(examID), assignmentID)
	} else {
		err = t.store.Delete(ctx, t.keys.Assignment(examID))
	}
	if err != nil {
		return fmt.Errorf("persist assignment: %w", err)
	}
	// The marker goes last so other instances never see it without an end time.
	if err := t.store.Set(ctx, t.keys.Active(), examID); err != nil {
		return fmt.Errorf("persist active exam: %w", err)
	}

	t.log.Info().Str("exam_id", examID).Int("duration_seconds", durationSeconds).Time("ends_at", end).Msg("exam session started")
	t.apply(&domain.ExamSession{ExamID: examID, AssignmentID: assignmentID, EndsAt: end})
	return nil
}

// Stop clears the active session. Calling it with nothing running is a no-op.
func (t *SessionTimer) Stop(ctx context.Context) error {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	active, _, err := t.store.Get(ctx, t.keys.Active())
	if err != nil {
		return fmt.Errorf("read active exam: %w", err)
	}

	t.mu.Lock()
	if active == "" && t.session != nil {
		active = t.session.ExamID
	}
	t.mu.Unlock()

	if active != "" {
		if err := t.clearSession(ctx, active); err != nil {
			return err
		}
		t.log.Info().Str("exam_id", active).Msg("exam session stopped")
	}
	t.apply(nil)
	return nil
}

// StopExam ends the session of examID only. A session of another exam,
// started after examID's expired, keeps running.
func (t *SessionTimer) StopExam(ctx context.Context, examID string) error {
	if examID == "" {
		return domain.ErrEmptyExamID
	}
	t.opMu.Lock()
	defer t.opMu.Unlock()

	if err := t.clearSession(ctx, examID); err != nil {
		return err
	}
	t.log.Info().Str("exam_id", examID).Msg("exam session stopped")

	session, err := t.readSession(ctx)
	if err != nil {
		return err
	}
	if session != nil && session.Remaining(t.now()) == 0 {
		t.expire(ctx, *session)
		session = nil
	}
	t.apply(session)
	return nil
}

// Refresh re-derives local state from storage.
func (t *SessionTimer) Refresh(ctx context.Context) error {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	session, err := t.readSession(ctx)
	if err != nil {
		return err
	}
	if session != nil && session.Remaining(t.now()) == 0 {
		t.expire(ctx, *session)
		session = nil
	}
	t.apply(session)
	return nil
}

// Session reads the active session straight from storage. Expired sessions
// are returned as-is so callers can tell "expired" from "absent".
func (t *SessionTimer) Session(ctx context.Context) (*domain.ExamSession, error) {
	return t.readSession(ctx)
}

// State returns the current reactive view.
func (t *SessionTimer) State() domain.TimerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateLocked()
}

// RemainingSeconds is State().RemainingSeconds.
func (t *SessionTimer) RemainingSeconds() int { return t.State().RemainingSeconds }

// ActiveExamID is State().ActiveExamID.
func (t *SessionTimer) ActiveExamID() string { return t.State().ActiveExamID }

// Formatted is State().Formatted.
func (t *SessionTimer) Formatted() string { return t.State().Formatted }

// Subscribe returns a channel receiving the state on every tick and change.
// Slow readers only see the latest value. The caller must invoke cancel.
func (t *SessionTimer) Subscribe() (<-chan domain.TimerState, func()) {
	ch := make(chan domain.TimerState, 1)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	t.subscribers[ch] = struct{}{}
	ch <- t.stateLocked()
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		if _, ok := t.subscribers[ch]; ok {
			delete(t.subscribers, ch)
			close(ch)
		}
		t.mu.Unlock()
	}
	return ch, cancel
}

// Close stops ticking and watching and closes all subscriptions.
func (t *SessionTimer) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.stopTickerLocked()
	if t.unwatch != nil {
		t.unwatch()
		t.unwatch = nil
	}
	for ch := range t.subscribers {
		delete(t.subscribers, ch)
		close(ch)
	}
}

func (t *SessionTimer) readSession(ctx context.Context) (*domain.ExamSession, error) {
	examID, ok, err := t.store.Get(ctx, t.keys.Active())
	if err != nil {
		return nil, fmt.Errorf("read active exam: %w", err)
	}
	if !ok || examID == "" {
		return nil, nil
	}

	rawEnd, ok, err := t.store.Get(ctx, t.keys.End(examID))
	if err != nil {
		return nil, fmt.Errorf("read end time: %w", err)
	}
	if !ok {
		t.log.Warn().Str("exam_id", examID).Msg("active marker without end time, ignoring")
		return nil, nil
	}
	endMs, err := strconv.ParseInt(rawEnd, 10, 64)
	if err != nil {
		t.log.Warn().Err(err).Str("exam_id", examID).Str("raw", rawEnd).Msg("malformed end time, ignoring")
		return nil, nil
	}

	assignmentID, _, err := t.store.Get(ctx, t.keys.Assignment(examID))
	if err != nil {
		return nil, fmt.Errorf("read assignment: %w", err)
	}

	return &domain.ExamSession{
		ExamID:       examID,
		AssignmentID: assignmentID,
		EndsAt:       time.UnixMilli(endMs),
	}, nil
}

// expire clears storage for a session that reached zero. It runs at most
// once per (exam, end time) for this instance; a failed clear is not retried.
func (t *SessionTimer) expire(ctx context.Context, session domain.ExamSession) {
	endMs := session.EndsAt.UnixMilli()

	t.mu.Lock()
	if t.expired[session.ExamID] == endMs {
		t.mu.Unlock()
		return
	}
	t.expired[session.ExamID] = endMs
	t.mu.Unlock()

	if err := t.clearSession(ctx, session.ExamID); err != nil {
		t.log.Error().Err(err).Str("exam_id", session.ExamID).Msg("clear expired session failed")
		return
	}
	// Storage no longer holds the session, so the entry has served its purpose.
	t.mu.Lock()
	if t.expired[session.ExamID] == endMs {
		delete(t.expired, session.ExamID)
	}
	t.mu.Unlock()
	t.log.Info().Str("exam_id", session.ExamID).Msg("exam session expired")
}

// clearSession removes the session keys of examID. The active marker is only
// removed while it still points at examID.
func (t *SessionTimer) clearSession(ctx context.Context, examID string) error {
	keys := []string{t.keys.End(examID), t.keys.Assignment(examID)}
	active, _, err := t.store.Get(ctx, t.keys.Active())
	if err != nil {
		return fmt.Errorf("read active exam: %w", err)
	}
	if active == examID || active == "" {
		keys = append([]string{t.keys.Active()}, keys...)
	}
	if err := t.store.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("clear session %s: %w", examID, err)
	}
	return nil
}

func (t *SessionTimer) onTick() {
	t.mu.Lock()
	session := t.session
	if session == nil {
		t.mu.Unlock()
		return
	}
	if session.Remaining(t.now()) > 0 {
		t.broadcastLocked()
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	// Storage may have moved on since the cached copy; Refresh expires
	// whatever is actually there.
	if err := t.Refresh(context.Background()); err != nil {
		t.log.Error().Err(err).Msg("refresh on expiry failed")
		t.opMu.Lock()
		t.apply(nil)
		t.opMu.Unlock()
	}
}

// apply swaps the cached session, starts or stops the ticker and broadcasts.
func (t *SessionTimer) apply(session *domain.ExamSession) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.session = session
	if t.closed {
		return
	}
	if session == nil {
		t.stopTickerLocked()
	} else if t.tickerStop == nil {
		stop := make(chan struct{})
		t.tickerStop = stop
		go t.runTicker(stop)
	}
	t.broadcastLocked()
}

func (t *SessionTimer) runTicker(stop <-chan struct{}) {
	ticker := time.NewTicker(t.tick)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.onTick()
		}
	}
}

func (t *SessionTimer) stopTickerLocked() {
	if t.tickerStop != nil {
		close(t.tickerStop)
		t.tickerStop = nil
	}
}

// ticking reports whether the countdown goroutine is running.
func (t *SessionTimer) ticking() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tickerStop != nil
}

func (t *SessionTimer) stateLocked() domain.TimerState {
	if t.session == nil {
		return domain.TimerState{Formatted: domain.FormatClock(0)}
	}
	remaining := t.session.Remaining(t.now())
	if remaining == 0 {
		return domain.TimerState{Formatted: domain.FormatClock(0)}
	}
	end := t.session.EndsAt
	return domain.TimerState{
		ActiveExamID:     t.session.ExamID,
		AssignmentID:     t.session.AssignmentID,
		EndsAt:           &end,
		RemainingSeconds: remaining,
		Formatted:        domain.FormatClock(remaining),
	}
}

func (t *SessionTimer) broadcastLocked() {
	state := t.stateLocked()
	for ch := range t.subscribers {
		select {
		case ch <- state:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- state
		}
	}
}
