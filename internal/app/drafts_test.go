package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"exam-session-service/internal/domain"
	"exam-session-service/internal/infra/memory"
)

func TestMergeModuleKeepsOtherModules(t *testing.T) {
	ctx := context.Background()
	drafts := NewDraftStore(memory.NewStorage())

	if err := drafts.MergeModule(ctx, "exam1", domain.ModuleReading, domain.Answers{"qA": "x"}); err != nil {
		t.Fatalf("merge reading: %v", err)
	}
	if err := drafts.MergeModule(ctx, "exam1", domain.ModuleWriting, domain.Answers{"qB": "y"}); err != nil {
		t.Fatalf("merge writing: %v", err)
	}

	bundle, err := drafts.Load(ctx, "exam1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(bundle.Modules) != 2 {
		t.Fatalf("expected two modules, got %+v", bundle.Modules)
	}
	if bundle.Modules[domain.ModuleReading]["qA"] != "x" || bundle.Modules[domain.ModuleWriting]["qB"] != "y" {
		t.Fatalf("unexpected bundle %+v", bundle.Modules)
	}
}

func TestMergeModuleLastWriteWinsWithinModule(t *testing.T) {
	ctx := context.Background()
	drafts := NewDraftStore(memory.NewStorage())

	_ = drafts.MergeModule(ctx, "exam1", domain.ModuleReading, domain.Answers{"q1": "a", "q2": "b"})
	_ = drafts.MergeModule(ctx, "exam1", domain.ModuleReading, domain.Answers{"q1": "c"})

	bundle, _ := drafts.Load(ctx, "exam1")
	reading := bundle.Modules[domain.ModuleReading]
	if reading["q1"] != "c" || reading["q2"] != "b" {
		t.Fatalf("expected q1 overwritten and q2 kept, got %+v", reading)
	}
}

func TestMergeModuleAcceptsListeningAlias(t *testing.T) {
	ctx := context.Background()
	drafts := NewDraftStore(memory.NewStorage())

	if err := drafts.MergeModule(ctx, "exam1", "listening", domain.Answers{"q1": "richtig"}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	bundle, _ := drafts.Load(ctx, "exam1")
	if bundle.Modules[domain.ModuleAudio]["q1"] != "richtig" {
		t.Fatalf("expected listening stored as audio, got %+v", bundle.Modules)
	}
}

func TestMergeModuleRejectsUnknownModule(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStorage()
	drafts := NewDraftStore(store)

	err := drafts.MergeModule(ctx, "exam1", "speaking", domain.Answers{"q1": "x"})
	if !errors.Is(err, domain.ErrUnknownModule) {
		t.Fatalf("expected unknown module error, got %v", err)
	}
	if err := drafts.MergeModule(ctx, "", domain.ModuleReading, domain.Answers{"q1": "x"}); !errors.Is(err, domain.ErrEmptyExamID) {
		t.Fatalf("expected empty exam id error, got %v", err)
	}
	if keys := store.Keys("exam_"); len(keys) != 0 {
		t.Fatalf("expected nothing written, got %v", keys)
	}
}

func TestMergeModulePreservesUnknownStoredModules(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStorage()
	_ = store.Set(ctx, "exam_answers_exam1", `{"levels":{"speaking":{"s1":"hallo"}}}`)
	drafts := NewDraftStore(store)

	if err := drafts.MergeModule(ctx, "exam1", domain.ModuleReading, domain.Answers{"q1": "x"}); err != nil {
		t.Fatalf("merge: %v", err)
	}

	var rec draftRecord
	if err := json.Unmarshal([]byte(mustGet(t, store, "exam_answers_exam1")), &rec); err != nil {
		t.Fatalf("decode stored draft: %v", err)
	}
	if rec.Levels["speaking"]["s1"] != "hallo" || rec.Levels["reading"]["q1"] != "x" {
		t.Fatalf("expected both modules stored, got %+v", rec.Levels)
	}
}

func TestConcurrentMergesOnDifferentModules(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStorage()
	tabA := NewDraftStore(store)
	tabB := NewDraftStore(store)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = tabA.MergeModule(ctx, "exam1", domain.ModuleReading, domain.Answers{fmt.Sprintf("r%d", i): "x"})
		}(i)
		go func(i int) {
			defer wg.Done()
			_ = tabB.MergeModule(ctx, "exam1", domain.ModuleWriting, domain.Answers{fmt.Sprintf("w%d", i): "y"})
		}(i)
	}
	wg.Wait()

	bundle, _ := tabA.Load(ctx, "exam1")
	if len(bundle.Modules[domain.ModuleReading]) != 50 || len(bundle.Modules[domain.ModuleWriting]) != 50 {
		t.Fatalf("expected every concurrent edit kept, got reading=%d writing=%d",
			len(bundle.Modules[domain.ModuleReading]), len(bundle.Modules[domain.ModuleWriting]))
	}
}

func TestLoadTreatsMalformedDraftAsEmpty(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStorage()
	_ = store.Set(ctx, "exam_answers_exam1", "{not json")
	drafts := NewDraftStore(store)

	bundle, err := drafts.Load(ctx, "exam1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bundle.IsEmpty() {
		t.Fatalf("expected empty bundle, got %+v", bundle.Modules)
	}

	if err := drafts.MergeModule(ctx, "exam1", domain.ModuleWriting, domain.Answers{"q1": "text"}); err != nil {
		t.Fatalf("merge over malformed draft: %v", err)
	}
	bundle, _ = drafts.Load(ctx, "exam1")
	if bundle.Modules[domain.ModuleWriting]["q1"] != "text" {
		t.Fatalf("expected merge to replace malformed draft, got %+v", bundle.Modules)
	}
}

func TestLoadFoldsLegacyWritingSection(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStorage()
	_ = store.Set(ctx, "exam_answers_exam1", `{"levels":{"writing":{"w1":"new"}},"writing":{"w1":"old","w2":"essay"}}`)
	drafts := NewDraftStore(store)

	bundle, err := drafts.Load(ctx, "exam1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	writing := bundle.Modules[domain.ModuleWriting]
	if writing["w1"] != "new" || writing["w2"] != "essay" {
		t.Fatalf("expected legacy writing folded in, got %+v", writing)
	}
}

func TestSaveProgressStampsModule(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := memory.NewStorage()
	drafts := NewDraftStore(store, WithClock(clock.Now))

	savedAt, err := drafts.SaveProgress(ctx, "exam1", "listening", domain.Answers{"q1": true})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !savedAt.Equal(clock.Now()) {
		t.Fatalf("expected save at %v, got %v", clock.Now(), savedAt)
	}
	mustGet(t, store, "exam_saved_exam1_audio")

	last, ok, err := drafts.LastSaved(ctx, "exam1", domain.ModuleAudio)
	if err != nil || !ok || !last.Equal(clock.Now()) {
		t.Fatalf("expected last saved %v, got %v ok=%v err=%v", clock.Now(), last, ok, err)
	}
	if _, ok, _ := drafts.LastSaved(ctx, "exam1", domain.ModuleReading); ok {
		t.Fatalf("expected no save stamp for reading")
	}
}

func TestClearRemovesBundleAndStamps(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStorage()
	drafts := NewDraftStore(store)

	_, _ = drafts.SaveProgress(ctx, "exam1", domain.ModuleReading, domain.Answers{"q1": "a"})
	_, _ = drafts.SaveProgress(ctx, "exam1", domain.ModuleWriting, domain.Answers{"q2": "b"})
	_ = drafts.MergeModule(ctx, "exam2", domain.ModuleReading, domain.Answers{"q1": "z"})

	if err := drafts.Clear(ctx, "exam1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if keys := store.Keys("exam_saved_exam1"); len(keys) != 0 {
		t.Fatalf("expected save stamps removed, got %v", keys)
	}
	bundle, _ := drafts.Load(ctx, "exam1")
	if !bundle.IsEmpty() {
		t.Fatalf("expected empty bundle after clear, got %+v", bundle.Modules)
	}
	other, _ := drafts.Load(ctx, "exam2")
	if other.Modules[domain.ModuleReading]["q1"] != "z" {
		t.Fatalf("expected other exam untouched, got %+v", other.Modules)
	}
}

func TestDraftWatchReportsChangedExam(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStorage()
	drafts := NewDraftStore(store)

	changes, cancel, err := NewDraftStore(store).Watch(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer cancel()

	if err := drafts.MergeModule(ctx, "exam1", domain.ModuleReading, domain.Answers{"q1": "a"}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	select {
	case examID := <-changes:
		if examID != "exam1" {
			t.Fatalf("expected exam1, got %s", examID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a draft change event")
	}
}
