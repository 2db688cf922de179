package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"exam-session-service/internal/domain"
	"github.com/rs/zerolog"
)

var allModules = []domain.Module{domain.ModuleReading, domain.ModuleWriting, domain.ModuleAudio}

// DraftStore accumulates unsubmitted answers per exam and module in Storage,
// without contacting the grading backend.
type DraftStore struct {
	store Storage
	keys  Keys
	now   func() time.Time
	log   zerolog.Logger
}

func NewDraftStore(store Storage, opts ...Option) *DraftStore {
	o := buildOptions(opts)
	return &DraftStore{
		store: store,
		keys:  o.keys,
		now:   o.now,
		log:   o.log.With().Str("component", "draft_store").Logger(),
	}
}

// draftRecord is the stored JSON shape. Levels keeps unknown module names so
// a merge never drops data written by a newer client.
type draftRecord struct {
	Levels  map[string]map[string]any `json:"levels"`
	Writing map[string]any            `json:"writing,omitempty"`
}

// Load returns the bundle for examID. Missing or malformed data yields an
// empty bundle; only storage failures are returned as errors.
func (d *DraftStore) Load(ctx context.Context, examID string) (domain.DraftBundle, error) {
	if examID == "" {
		return domain.DraftBundle{}, domain.ErrEmptyExamID
	}
	raw, ok, err := d.store.Get(ctx, d.keys.Answers(examID))
	if err != nil {
		return domain.DraftBundle{}, fmt.Errorf("load draft %s: %w", examID, err)
	}
	bundle := domain.NewDraftBundle(examID)
	if !ok {
		return bundle, nil
	}

	rec := d.decode(examID, raw)
	for name, answers := range rec.Levels {
		module, err := domain.ParseModule(name)
		if err != nil {
			d.log.Debug().Str("exam_id", examID).Str("module", name).Msg("skipping unknown module in draft")
			continue
		}
		target := bundle.Modules[module]
		if target == nil {
			target = make(domain.Answers, len(answers))
			bundle.Modules[module] = target
		}
		for questionID, answer := range answers {
			target[questionID] = answer
		}
	}
	// Legacy top-level writing section; entries under levels win.
	if len(rec.Writing) > 0 {
		target := bundle.Modules[domain.ModuleWriting]
		if target == nil {
			target = make(domain.Answers, len(rec.Writing))
			bundle.Modules[domain.ModuleWriting] = target
		}
		for questionID, answer := range rec.Writing {
			if _, exists := target[questionID]; !exists {
				target[questionID] = answer
			}
		}
	}
	return bundle, nil
}

// MergeModule writes partial into the module subtree of examID's bundle.
// Keys absent from partial and other modules are left as they are.
func (d *DraftStore) MergeModule(ctx context.Context, examID string, module domain.Module, partial domain.Answers) error {
	if examID == "" {
		return domain.ErrEmptyExamID
	}
	module, err := domain.ParseModule(string(module))
	if err != nil {
		return err
	}

	err = d.store.Update(ctx, d.keys.Answers(examID), func(current string, exists bool) (string, error) {
		rec := draftRecord{}
		if exists {
			rec = d.decode(examID, current)
		}
		if rec.Levels == nil {
			rec.Levels = make(map[string]map[string]any)
		}
		subtree := rec.Levels[string(module)]
		if subtree == nil {
			subtree = make(map[string]any, len(partial))
			rec.Levels[string(module)] = subtree
		}
		for questionID, answer := range partial {
			subtree[questionID] = answer
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return "", err
		}
		return string(data), nil
	})
	if err != nil {
		return fmt.Errorf("merge %s draft for %s: %w", module, examID, err)
	}
	return nil
}

// SaveProgress merges partial and stamps the module's last explicit save.
func (d *DraftStore) SaveProgress(ctx context.Context, examID string, module domain.Module, partial domain.Answers) (time.Time, error) {
	if err := d.MergeModule(ctx, examID, module, partial); err != nil {
		return time.Time{}, err
	}
	module, _ = domain.ParseModule(string(module))
	savedAt := d.now().Truncate(time.Millisecond)
	if err := d.store.Set(ctx, d.keys.Saved(examID, module), strconv.FormatInt(savedAt.UnixMilli(), 10)); err != nil {
		return time.Time{}, fmt.Errorf("stamp %s progress for %s: %w", module, examID, err)
	}
	return savedAt, nil
}

// LastSaved reports when module was last explicitly saved.
func (d *DraftStore) LastSaved(ctx context.Context, examID string, module domain.Module) (time.Time, bool, error) {
	module, err := domain.ParseModule(string(module))
	if err != nil {
		return time.Time{}, false, err
	}
	raw, ok, err := d.store.Get(ctx, d.keys.Saved(examID, module))
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		d.log.Warn().Err(err).Str("exam_id", examID).Str("module", string(module)).Msg("malformed save stamp, ignoring")
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// Clear removes the bundle and every auxiliary key of examID.
func (d *DraftStore) Clear(ctx context.Context, examID string) error {
	if examID == "" {
		return domain.ErrEmptyExamID
	}
	keys := []string{d.keys.Answers(examID)}
	for _, module := range allModules {
		keys = append(keys, d.keys.Saved(examID, module))
	}
	if err := d.store.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("clear draft %s: %w", examID, err)
	}
	return nil
}

// Watch streams the ids of exams whose drafts changed in any instance.
func (d *DraftStore) Watch(ctx context.Context) (<-chan string, func(), error) {
	events, cancel, err := d.store.Watch(ctx, answersKeyPrefix)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan string, 8)
	go func() {
		defer close(out)
		for ev := range events {
			examID := strings.TrimPrefix(ev.Key, answersKeyPrefix)
			select {
			case out <- examID:
			default:
				d.log.Debug().Str("exam_id", examID).Msg("draft watcher lagging, dropping event")
			}
		}
	}()
	return out, cancel, nil
}

func (d *DraftStore) decode(examID, raw string) draftRecord {
	var rec draftRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		d.log.Warn().Err(err).Str("exam_id", examID).Msg("malformed draft, treating as empty")
		return draftRecord{}
	}
	return rec
}
