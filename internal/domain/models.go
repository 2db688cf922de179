package domain

import (
	"fmt"
	"time"
)

// Module names a scored section of an exam.
type Module string

const (
	ModuleReading Module = "reading"
	ModuleWriting Module = "writing"
	ModuleAudio   Module = "audio"
)

// ParseModule accepts the canonical module names plus "listening" as an alias of audio.
func ParseModule(raw string) (Module, error) {
	switch raw {
	case string(ModuleReading):
		return ModuleReading, nil
	case string(ModuleWriting):
		return ModuleWriting, nil
	case string(ModuleAudio), "listening":
		return ModuleAudio, nil
	}
	return "", ErrUnknownModule
}

// ExamSession is one active, time-boxed attempt. EndsAt is absolute so the
// countdown stays correct across reloads.
type ExamSession struct {
	ExamID       string    `json:"examId"`
	AssignmentID string    `json:"assignmentId,omitempty"`
	EndsAt       time.Time `json:"endsAt"`
}

// Remaining returns the whole seconds left at now, rounded up and never negative.
func (s ExamSession) Remaining(now time.Time) int {
	return RemainingSeconds(s.EndsAt, now)
}

// RemainingSeconds is max(0, ceil((end-now)/1s)) on millisecond resolution.
func RemainingSeconds(end, now time.Time) int {
	ms := end.UnixMilli() - now.UnixMilli()
	if ms <= 0 {
		return 0
	}
	return int((ms + 999) / 1000)
}

// FormatClock renders seconds as HH:MM:SS.
func FormatClock(seconds int) string {
	if seconds <= 0 {
		return "00:00:00"
	}
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, (seconds%3600)/60, seconds%60)
}

// TimerState is the reactive view of the session timer published on every tick.
type TimerState struct {
	ActiveExamID     string     `json:"activeExamId,omitempty"`
	AssignmentID     string     `json:"assignmentId,omitempty"`
	EndsAt           *time.Time `json:"endsAt,omitempty"`
	RemainingSeconds int        `json:"remainingSeconds"`
	Formatted        string     `json:"formatted"`
}

// Active reports whether an unexpired session is running.
func (s TimerState) Active() bool {
	return s.ActiveExamID != "" && s.RemainingSeconds > 0
}

// Answers maps question id to the student's current answer (string, bool or free text).
type Answers map[string]any

// DraftBundle is the accumulated, ungraded answer state for one exam.
type DraftBundle struct {
	ExamID  string             `json:"-"`
	Modules map[Module]Answers `json:"levels"`
}

// NewDraftBundle returns an empty bundle for examID.
func NewDraftBundle(examID string) DraftBundle {
	return DraftBundle{ExamID: examID, Modules: make(map[Module]Answers)}
}

// IsEmpty reports whether no module holds any answer.
func (b DraftBundle) IsEmpty() bool {
	for _, answers := range b.Modules {
		if len(answers) > 0 {
			return false
		}
	}
	return true
}

// AnswerEntry is one question/answer pair in the grading payload.
type AnswerEntry struct {
	QuestionID string `json:"questionId"`
	Answer     any    `json:"answer"`
}

// SubmissionPayload is the one-shot structure sent to the grading collaborator.
type SubmissionPayload struct {
	ExamID           string                   `json:"examId"`
	AssignmentID     string                   `json:"assignmentId,omitempty"`
	PerModuleAnswers map[Module][]AnswerEntry `json:"perModuleAnswers"`
	SubmittedAt      time.Time                `json:"submittedAt"`
}

// SubmissionSummary is returned on a confirmed submission. Nil Score/Passed
// mean grading is deferred by the collaborator.
type SubmissionSummary struct {
	ExamID  string   `json:"examId"`
	Score   *float64 `json:"score,omitempty"`
	Passed  *bool    `json:"passed,omitempty"`
	Message string   `json:"message,omitempty"`
}

// AttemptGrant is the collaborator's answer to a start request.
type AttemptGrant struct {
	DurationSeconds int    `json:"durationSeconds"`
	AssignmentID    string `json:"assignmentId,omitempty"`
}

// StorageEvent reports that a key changed in shared storage. Consumers
// re-read the full state instead of trusting the event contents.
type StorageEvent struct {
	Key string
}
