package app

import (
	"context"
	"fmt"

	"exam-session-service/internal/domain"
	"github.com/rs/zerolog"
)

// Attempts starts and ends exam attempts on behalf of a student.
type Attempts struct {
	timer   *SessionTimer
	grading GradingClient
	log     zerolog.Logger
}

func NewAttempts(timer *SessionTimer, grading GradingClient, opts ...Option) *Attempts {
	o := buildOptions(opts)
	return &Attempts{
		timer:   timer,
		grading: grading,
		log:     o.log.With().Str("component", "attempts").Logger(),
	}
}

// Begin confirms eligibility with the grading collaborator and starts the
// countdown with the duration it grants. It refuses before any network call
// while another session is running.
func (a *Attempts) Begin(ctx context.Context, examID, assignmentID string) (domain.TimerState, error) {
	if examID == "" {
		return domain.TimerState{}, domain.ErrEmptyExamID
	}
	if err := a.timer.Refresh(ctx); err != nil {
		return domain.TimerState{}, err
	}
	if state := a.timer.State(); state.Active() {
		return domain.TimerState{}, fmt.Errorf("%w: %s", domain.ErrSessionActive, state.ActiveExamID)
	}

	grant, err := a.grading.StartAttempt(ctx, examID, assignmentID)
	if err != nil {
		return domain.TimerState{}, err
	}
	if grant.AssignmentID != "" {
		assignmentID = grant.AssignmentID
	}
	if err := a.timer.Start(ctx, examID, grant.DurationSeconds, assignmentID); err != nil {
		return domain.TimerState{}, err
	}
	a.log.Info().Str("exam_id", examID).Str("assignment_id", assignmentID).Msg("attempt started")
	return a.timer.State(), nil
}

// Logout ends the running session. Drafts stay so a later attempt can resume.
func (a *Attempts) Logout(ctx context.Context) error {
	return a.timer.Stop(ctx)
}
