package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyExamID is returned when an operation needs an exam id and got none.
	ErrEmptyExamID = errors.New("exam id is required")
	// ErrInvalidDuration is returned when a session is started with a non-positive duration.
	ErrInvalidDuration = errors.New("duration must be positive")
	// ErrSessionActive is returned when starting while an unexpired session exists.
	ErrSessionActive = errors.New("an exam session is already active")
	// ErrNoActiveSession is returned when submitting without a running session.
	ErrNoActiveSession = errors.New("no active exam session")
	// ErrExamMismatch is returned when the active session belongs to another exam.
	ErrExamMismatch = errors.New("active session belongs to a different exam")
	// ErrSessionExpired is returned when the countdown already reached zero.
	ErrSessionExpired = errors.New("exam session has expired")
	// ErrSubmissionCancelled is returned when the student declines the confirmation.
	ErrSubmissionCancelled = errors.New("submission cancelled")
	// ErrUnknownModule indicates a module name outside reading/writing/audio.
	ErrUnknownModule = errors.New("unknown exam module")
)

// GradingError wraps a failed call to the grading collaborator. Local state
// must stay untouched when it is returned.
type GradingError struct {
	Status  int
	Message string
	Err     error
}

func (e *GradingError) Error() string {
	switch {
	case e.Message != "" && e.Status != 0:
		return fmt.Sprintf("grading: %d: %s", e.Status, e.Message)
	case e.Message != "":
		return "grading: " + e.Message
	case e.Err != nil:
		return "grading: " + e.Err.Error()
	}
	return fmt.Sprintf("grading: unexpected status %d", e.Status)
}

func (e *GradingError) Unwrap() error { return e.Err }

// ErrCode is a stable identifier for errors shown to students.
type ErrCode string

const (
	CodeInvalidRequest ErrCode = "INVALID_REQUEST"
	CodeSessionActive  ErrCode = "SESSION_ALREADY_ACTIVE"
	CodeNoSession      ErrCode = "NO_ACTIVE_SESSION"
	CodeExamMismatch   ErrCode = "EXAM_MISMATCH"
	CodeExpired        ErrCode = "SESSION_EXPIRED"
	CodeCancelled      ErrCode = "SUBMISSION_CANCELLED"
	CodeGrading        ErrCode = "GRADING_FAILED"
	CodeInternal       ErrCode = "INTERNAL_ERROR"
)

// Code classifies err.
func Code(err error) ErrCode {
	var gradingErr *GradingError
	switch {
	case errors.Is(err, ErrEmptyExamID), errors.Is(err, ErrInvalidDuration), errors.Is(err, ErrUnknownModule):
		return CodeInvalidRequest
	case errors.Is(err, ErrSessionActive):
		return CodeSessionActive
	case errors.Is(err, ErrNoActiveSession):
		return CodeNoSession
	case errors.Is(err, ErrExamMismatch):
		return CodeExamMismatch
	case errors.Is(err, ErrSessionExpired):
		return CodeExpired
	case errors.Is(err, ErrSubmissionCancelled):
		return CodeCancelled
	case errors.As(err, &gradingErr):
		return CodeGrading
	}
	return CodeInternal
}

// UserMessage returns the text shown to the student for err. Grading failures
// surface the server-provided message when there is one.
func UserMessage(err error) string {
	var gradingErr *GradingError
	if errors.As(err, &gradingErr) && gradingErr.Message != "" {
		return gradingErr.Message
	}
	switch Code(err) {
	case CodeInvalidRequest:
		return "The request is incomplete: " + err.Error() + "."
	case CodeSessionActive:
		return "Another exam is still running. Finish or wait for it to end first."
	case CodeNoSession:
		return "There is no running exam to submit."
	case CodeExamMismatch:
		return "This exam is not the one currently running."
	case CodeExpired:
		return "Time is up for this exam."
	case CodeCancelled:
		return "Submission cancelled. Your answers are still saved."
	case CodeGrading:
		return "Submission failed. Your answers are still saved, please try again."
	}
	return "Something went wrong. Your answers are still saved."
}
