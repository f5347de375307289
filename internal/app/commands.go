package app

import "encoding/json"

// Command is an inbound protocol event that has passed payload validation.
// The set of implementations is closed.
type Command interface {
	command()
}

// Caller identifies the connection a command arrived on.
type Caller struct {
	ConnID  string
	OwnerID string
	// ParticipantID is the participant this connection joined as, if any.
	ParticipantID string
}

// StartQuiz creates a room for a quiz definition.
type StartQuiz struct {
	QuizID string
}

// JoinControl subscribes the owner to the control group.
type JoinControl struct {
	Code string
}

// JoinDisplay subscribes a public display.
type JoinDisplay struct {
	Code string
}

// JoinParticipant joins or rejoins a player. Either ParticipantID or Name and
// Avatar identify the player.
type JoinParticipant struct {
	Code          string
	Name          string
	Avatar        string
	ParticipantID string
}

// Navigate moves the page cursor. Direction "next"/"prev" wins over Index.
type Navigate struct {
	Code      string
	Direction string
	Index     *int
}

// QuestionVisible reports that a question appeared on some screen.
type QuestionVisible struct {
	Code       string
	QuestionID string
}

// SubmitAnswer records a participant's answer.
type SubmitAnswer struct {
	Code          string
	ParticipantID string
	QuestionID    string
	Answer        json.RawMessage
	AnswerType    string
}

// MarkAnswer judges one answer.
type MarkAnswer struct {
	Code          string
	ParticipantID string
	QuestionID    string
	Correct       bool
	BonusPoints   int
}

// SetVisibility shows or hides an element. Auto marks a timer-driven reveal,
// which any client may report.
type SetVisibility struct {
	Code      string
	ElementID string
	Visible   bool
	Auto      bool
}

// FinalizeScores recomputes scores and announces the standings.
type FinalizeScores struct {
	Code string
}

// ReloadQuiz re-reads the quiz definition into a running room.
type ReloadQuiz struct {
	Code string
}

// EndQuiz terminates a room.
type EndQuiz struct {
	Code string
}

// Leave is issued by the transport when a participant's connection closes.
type Leave struct {
	Code          string
	ParticipantID string
}

func (StartQuiz) command()       {}
func (JoinControl) command()     {}
func (JoinDisplay) command()     {}
func (JoinParticipant) command() {}
func (Navigate) command()        {}
func (QuestionVisible) command() {}
func (SubmitAnswer) command()    {}
func (MarkAnswer) command()      {}
func (SetVisibility) command()   {}
func (FinalizeScores) command()  {}
func (ReloadQuiz) command()      {}
func (EndQuiz) command()         {}
func (Leave) command()           {}

// RoomOf returns the room code a command targets, or "" for StartQuiz.
func RoomOf(cmd Command) string {
	switch c := cmd.(type) {
	case JoinControl:
		return c.Code
	case JoinDisplay:
		return c.Code
	case JoinParticipant:
		return c.Code
	case Navigate:
		return c.Code
	case QuestionVisible:
		return c.Code
	case SubmitAnswer:
		return c.Code
	case MarkAnswer:
		return c.Code
	case SetVisibility:
		return c.Code
	case FinalizeScores:
		return c.Code
	case ReloadQuiz:
		return c.Code
	case EndQuiz:
		return c.Code
	case Leave:
		return c.Code
	}
	return ""
}

// IsControl reports whether a command is a quizmaster action.
func IsControl(cmd Command) bool {
	switch c := cmd.(type) {
	case StartQuiz, JoinControl, Navigate, MarkAnswer, FinalizeScores, ReloadQuiz, EndQuiz:
		return true
	case SetVisibility:
		return !c.Auto
	}
	return false
}
