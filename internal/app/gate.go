package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"exam-session-service/internal/domain"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// GradingClient is the external collaborator that authorises attempts and
// grades submissions.
type GradingClient interface {
	StartAttempt(ctx context.Context, examID, assignmentID string) (domain.AttemptGrant, error)
	Submit(ctx context.Context, payload domain.SubmissionPayload) (domain.SubmissionSummary, error)
}

// Confirmer asks the student to confirm an irreversible action.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, prompt string) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, prompt string) (bool, error) { return f(ctx, prompt) }

// SubmitPrompt is shown before a final submission.
const SubmitPrompt = "Submit the exam now? This cannot be undone."

// SubmissionGate authorises a final submission against the timer, packages
// the drafts and clears local state once grading accepted them.
type SubmissionGate struct {
	timer   *SessionTimer
	drafts  *DraftStore
	grading GradingClient
	now     func() time.Time
	log     zerolog.Logger

	// inflight collapses concurrent confirmed submits of the same session.
	inflight singleflight.Group

	mu       sync.Mutex
	lastKey  string
	lastDone domain.SubmissionSummary
}

func NewSubmissionGate(timer *SessionTimer, drafts *DraftStore, grading GradingClient, opts ...Option) *SubmissionGate {
	o := buildOptions(opts)
	return &SubmissionGate{
		timer:   timer,
		drafts:  drafts,
		grading: grading,
		now:     o.now,
		log:     o.log.With().Str("component", "submission_gate").Logger(),
	}
}

// Submit runs the final submission of examID. Precondition failures return
// before confirmation and without a network call. Every caller confirms for
// itself; confirmed callers racing on the same exam share one grading call.
func (g *SubmissionGate) Submit(ctx context.Context, examID string, confirmer Confirmer) (*domain.SubmissionSummary, error) {
	if examID == "" {
		return nil, domain.ErrEmptyExamID
	}
	session, err := g.authorise(ctx, examID)
	if err != nil {
		return nil, err
	}

	if confirmer == nil {
		return nil, domain.ErrSubmissionCancelled
	}
	ok, err := confirmer.Confirm(ctx, SubmitPrompt)
	if err != nil {
		return nil, fmt.Errorf("confirm submission: %w", err)
	}
	if !ok {
		g.log.Info().Str("exam_id", examID).Msg("submission declined")
		return nil, domain.ErrSubmissionCancelled
	}

	// A confirmed submission outlives the caller that started it: grading
	// has its own timeout and local cleanup must follow its result.
	flightCtx := context.WithoutCancel(ctx)
	key := flightKey(session)
	results := g.inflight.DoChan(key, func() (interface{}, error) {
		// A caller confirming while the previous flight finished must not
		// submit the already cleared drafts again.
		if summary, ok := g.completed(key); ok {
			return summary, nil
		}
		summary, err := g.send(flightCtx, examID, session.AssignmentID)
		if err == nil {
			g.remember(key, summary)
		}
		return summary, err
	})
	select {
	case res := <-results:
		if res.Shared {
			g.log.Debug().Str("exam_id", examID).Msg("joined in-flight submission")
		}
		if res.Err != nil {
			return nil, res.Err
		}
		summary := *res.Val.(*domain.SubmissionSummary)
		return &summary, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// send grades the stored drafts and, once accepted, ends the exam locally.
func (g *SubmissionGate) send(ctx context.Context, examID, assignmentID string) (*domain.SubmissionSummary, error) {
	bundle, err := g.drafts.Load(ctx, examID)
	if err != nil {
		return nil, err
	}
	payload := BuildPayload(bundle, assignmentID, g.now())

	summary, err := g.grading.Submit(ctx, payload)
	if err != nil {
		var gradingErr *domain.GradingError
		if !errors.As(err, &gradingErr) {
			err = &domain.GradingError{Err: err}
		}
		g.log.Warn().Err(err).Str("exam_id", examID).Msg("submission rejected, keeping local state")
		return nil, err
	}

	// Grading accepted the answers; a failure from here on only leaves
	// stale local state behind. Only this exam's session is ended, another
	// one may have started after it expired.
	if err := g.timer.StopExam(ctx, examID); err != nil {
		g.log.Error().Err(err).Str("exam_id", examID).Msg("stop timer after submission")
	}
	if err := g.drafts.Clear(ctx, examID); err != nil {
		g.log.Error().Err(err).Str("exam_id", examID).Msg("clear drafts after submission")
	}

	if summary.ExamID == "" {
		summary.ExamID = examID
	}
	g.log.Info().Str("exam_id", examID).Msg("exam submitted")
	return &summary, nil
}

// flightKey identifies one session of an exam; a later attempt of the same
// exam gets its own key.
func flightKey(session *domain.ExamSession) string {
	return session.ExamID + "@" + strconv.FormatInt(session.EndsAt.UnixMilli(), 10)
}

func (g *SubmissionGate) completed(key string) (*domain.SubmissionSummary, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lastKey != key {
		return nil, false
	}
	summary := g.lastDone
	return &summary, true
}

func (g *SubmissionGate) remember(key string, summary *domain.SubmissionSummary) {
	g.mu.Lock()
	g.lastKey = key
	g.lastDone = *summary
	g.mu.Unlock()
}

// authorise checks the running session against examID using storage, not
// the cached state, so it also sees sessions started by other instances.
func (g *SubmissionGate) authorise(ctx context.Context, examID string) (*domain.ExamSession, error) {
	session, err := g.timer.Session(ctx)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, domain.ErrNoActiveSession
	}
	if session.ExamID != examID {
		return nil, fmt.Errorf("%w: running %s", domain.ErrExamMismatch, session.ExamID)
	}
	if session.Remaining(g.now()) == 0 {
		return nil, domain.ErrSessionExpired
	}
	return session, nil
}

// BuildPayload reshapes a bundle into the grading format. Every module is
// present, each answer list is sorted by question id and audio judgements
// are normalised to booleans.
func BuildPayload(bundle domain.DraftBundle, assignmentID string, submittedAt time.Time) domain.SubmissionPayload {
	perModule := make(map[domain.Module][]domain.AnswerEntry, len(allModules))
	for _, module := range allModules {
		answers := bundle.Modules[module]
		entries := make([]domain.AnswerEntry, 0, len(answers))
		for questionID, answer := range answers {
			entries = append(entries, domain.AnswerEntry{
				QuestionID: questionID,
				Answer:     coerceAnswer(module, answer),
			})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].QuestionID < entries[j].QuestionID })
		perModule[module] = entries
	}
	return domain.SubmissionPayload{
		ExamID:           bundle.ExamID,
		AssignmentID:     assignmentID,
		PerModuleAnswers: perModule,
		SubmittedAt:      submittedAt.UTC(),
	}
}

func coerceAnswer(module domain.Module, answer any) any {
	if module != domain.ModuleAudio {
		return answer
	}
	switch v := answer.(type) {
	case bool:
		return v
	case float64:
		if v == 1 {
			return true
		}
		if v == 0 {
			return false
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "richtig", "true", "ja", "1":
			return true
		case "falsch", "false", "nein", "0":
			return false
		}
	}
	// Not a true/false judgement; passed through unchanged.
	return answer
}
