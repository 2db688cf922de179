package memory

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStorageSetGetDelete(t *testing.T) {
	ctx := context.Background()
	store := NewStorage()

	if _, ok, _ := store.Get(ctx, "exam_end_exam1"); ok {
		t.Fatalf("expected missing key")
	}
	_ = store.Set(ctx, "exam_end_exam1", "123")
	if v, ok, _ := store.Get(ctx, "exam_end_exam1"); !ok || v != "123" {
		t.Fatalf("expected stored value, got %q ok=%v", v, ok)
	}
	_ = store.Delete(ctx, "exam_end_exam1", "exam_missing")
	if _, ok, _ := store.Get(ctx, "exam_end_exam1"); ok {
		t.Fatalf("expected key removed")
	}
}

func TestStorageUpdateAbortsOnError(t *testing.T) {
	ctx := context.Background()
	store := NewStorage()
	_ = store.Set(ctx, "k", "v1")

	boom := errors.New("boom")
	err := store.Update(ctx, "k", func(current string, exists bool) (string, error) {
		return "v2", boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected update error, got %v", err)
	}
	if v, _, _ := store.Get(ctx, "k"); v != "v1" {
		t.Fatalf("expected value untouched, got %q", v)
	}

	_ = store.Update(ctx, "k", func(current string, exists bool) (string, error) {
		if !exists || current != "v1" {
			t.Fatalf("expected current v1, got %q exists=%v", current, exists)
		}
		return current + "+", nil
	})
	if v, _, _ := store.Get(ctx, "k"); v != "v1+" {
		t.Fatalf("expected updated value, got %q", v)
	}
}

func TestStorageWatchFiltersByPrefix(t *testing.T) {
	ctx := context.Background()
	store := NewStorage()

	events, cancel, err := store.Watch(ctx, "exam_answers_")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	_ = store.Set(ctx, "exam_end_exam1", "1")
	_ = store.Set(ctx, "exam_answers_exam1", "{}")

	select {
	case ev := <-events:
		if ev.Key != "exam_answers_exam1" {
			t.Fatalf("expected answers event, got %s", ev.Key)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected event")
	}

	cancel()
	cancel()
	if _, ok := <-events; ok {
		t.Fatalf("expected channel closed after cancel")
	}
}

func TestStorageWatchEndsWithContext(t *testing.T) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	store := NewStorage()

	events, cancel, err := store.Watch(ctx, "exam_")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer cancel()

	cancelCtx()
	select {
	case _, ok := <-events:
		if ok {
			t.Fatalf("expected no events after context end")
		}
	case <-time.After(time.Second):
		t.Fatalf("expected channel closed when context ends")
	}
}

func TestStorageSlowWatcherKeepsLatest(t *testing.T) {
	ctx := context.Background()
	store := NewStorage()
	events, cancel, _ := store.Watch(ctx, "exam_")
	defer cancel()

	for i := 0; i < 100; i++ {
		_ = store.Set(ctx, "exam_end_exam1", "x")
	}
	_ = store.Set(ctx, "exam_end_last", "x")

	var last string
	for {
		select {
		case ev := <-events:
			last = ev.Key
			continue
		default:
		}
		break
	}
	if last != "exam_end_last" {
		t.Fatalf("expected newest event kept, got %q", last)
	}
}
