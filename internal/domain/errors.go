package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when a room code is unknown, ended or expired.
	ErrSessionNotFound = errors.New("quiz session not found")
	// ErrParticipantNotFound is returned when a user tries to act before joining.
	ErrParticipantNotFound = errors.New("participant not found in quiz")
	// ErrAnswerNotFound is returned when marking an answer that was never submitted.
	ErrAnswerNotFound = errors.New("answer not found")
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrElementNotFound indicates an element or question id is not part of the quiz.
	ErrElementNotFound = errors.New("element not found")
	// ErrSnapshotNotFound is returned by snapshot backends for unknown keys.
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrCodeSpaceExhausted means no free room code was found after many attempts.
	ErrCodeSpaceExhausted = errors.New("no free room code available")
	// ErrOwnerRequired is returned when a control action arrives without a quizmaster identity.
	ErrOwnerRequired = errors.New("quizmaster login required")
)

// IsNotFound reports whether err is one of the recoverable lookup failures.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrParticipantNotFound) ||
		errors.Is(err, ErrAnswerNotFound) ||
		errors.Is(err, ErrQuizNotFound) ||
		errors.Is(err, ErrElementNotFound) ||
		errors.Is(err, ErrSnapshotNotFound)
}

// UnauthorizedError is returned when a control action comes from someone other than the owner.
type UnauthorizedError struct {
	Code   string
	Owner  string
	Caller string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("access denied: room %s was started by %q, only that quizmaster can control it", e.Code, e.Owner)
}

// ValidationError reports a malformed inbound event.
type ValidationError struct {
	Event  string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Field == "":
		return fmt.Sprintf("invalid %s payload", e.Event)
	case e.Reason != "":
		return fmt.Sprintf("invalid %s payload: %s %s", e.Event, e.Field, e.Reason)
	default:
		return fmt.Sprintf("invalid %s payload: %s is required", e.Event, e.Field)
	}
}

// PersistenceError wraps a failed snapshot read or write.
type PersistenceError struct {
	Op   string
	Code string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("snapshot %s %s: %v", e.Op, e.Code, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
