package app

import (
	"time"

	"quizlive/internal/domain"
)

// Role names one of the three channel groups of a room.
type Role string

const (
	RoleControl     Role = "control"
	RoleDisplay     Role = "display"
	RoleParticipant Role = "participant"
)

// AllRoles lists every channel group.
var AllRoles = []Role{RoleControl, RoleDisplay, RoleParticipant}

// Outbound event names. Browser clients depend on these verbatim.
const (
	EventQuizStarted     = "quiz_started"
	EventRoomCreated     = "room_created"
	EventRedirect        = "redirect"
	EventJoinedControl   = "joined_control"
	EventDisplayState    = "display_state"
	EventJoinedRoom      = "joined_room"
	EventParticipantJoin = "participant_joined"
	EventRosterUpdated   = "roster_updated"
	EventPageChanged     = "page_changed"
	EventAnswerSubmitted = "answer_submitted"
	EventScoreUpdated    = "score_updated"
	EventElementControl  = "element_control"
	EventFinalScores     = "final_scores"
	EventWinnerAnnounced = "winner_announced"
	EventQuizEnded       = "quiz_ended"
	EventNotRunning      = "quiz_not_running"
	EventError           = "error"
)

// Event is one outbound message. Version is the room state version it was built from.
type Event struct {
	Name    string
	Payload any
	Version uint64
}

// Broadcast addresses an event to one channel group of a room.
type Broadcast struct {
	Code  string
	Role  Role
	Event Event
}

// RoomRef identifies one lifetime of a room. Codes are reused once a room is
// gone; IDs never are.
type RoomRef struct {
	Code string
	ID   string
}

func refOf(s *domain.Session) RoomRef {
	return RoomRef{Code: s.Code, ID: s.ID}
}

// Membership subscribes the calling connection to a channel group.
type Membership struct {
	Code          string
	RoomID        string
	Role          Role
	ParticipantID string
}

// Room returns the room lifetime the membership belongs to.
func (m Membership) Room() RoomRef {
	return RoomRef{Code: m.Code, ID: m.RoomID}
}

// Result is everything the transport must do after a command has been applied.
// It is built while the room lock is held and delivered after it is released.
type Result struct {
	Join       *Membership
	Reply      []Event
	Broadcasts []Broadcast
	// Terminate names a room whose groups must be disconnected after Broadcasts are sent.
	Terminate *RoomRef
}

func (r *Result) reply(ev Event) {
	r.Reply = append(r.Reply, ev)
}

func (r *Result) broadcast(code string, ev Event, roles ...Role) {
	for _, role := range roles {
		r.Broadcasts = append(r.Broadcasts, Broadcast{Code: code, Role: role, Event: ev})
	}
}

// ParticipantView is the public roster entry.
type ParticipantView struct {
	ID        string `json:"participant_id"`
	Name      string `json:"name"`
	Avatar    string `json:"avatar"`
	Connected bool   `json:"connected"`
	Score     int    `json:"score"`
}

// RoomState is the full snapshot sent to a joining or reconnecting client.
type RoomState struct {
	RoomCode     string            `json:"room_code"`
	QuizID       string            `json:"quiz_id"`
	QuizName     string            `json:"quiz_name"`
	CurrentPage  int               `json:"current_page"`
	PageCount    int               `json:"page_count"`
	Page         *domain.Page      `json:"page"`
	Visibility   map[string]bool   `json:"state"`
	Scores       map[string]int    `json:"scores"`
	Participants []ParticipantView `json:"participants"`
}

// ControlState is the owner's snapshot: the full quiz and every answer.
type ControlState struct {
	RoomState
	Quiz    domain.Quiz                         `json:"quiz"`
	Answers map[string]map[string]domain.Answer `json:"answers"`
	Visible map[string]time.Time                `json:"question_visible_at"`
}

// ParticipantState is a participant's snapshot including their own answers.
type ParticipantState struct {
	RoomState
	ParticipantID     string                   `json:"participant_id"`
	ParticipantName   string                   `json:"participant_name"`
	ParticipantAvatar string                   `json:"participant_avatar"`
	Answers           map[string]domain.Answer `json:"answers"`
}

type roomCodePayload struct {
	RoomCode string `json:"room_code"`
}

type redirectPayload struct {
	URL string `json:"url"`
}

type participantJoinedPayload struct {
	ParticipantID string            `json:"participant_id"`
	Name          string            `json:"name"`
	Avatar        string            `json:"avatar"`
	Rejoined      bool              `json:"rejoined"`
	Participants  []ParticipantView `json:"participants"`
}

type rosterPayload struct {
	Participants []ParticipantView `json:"participants"`
	Answered     map[string]int    `json:"answered,omitempty"`
}

type pageChangedPayload struct {
	PageIndex  int             `json:"page_index"`
	Page       *domain.Page    `json:"page"`
	Visibility map[string]bool `json:"state"`
	Reloaded   bool            `json:"reloaded,omitempty"`
	Quiz       *domain.Quiz    `json:"quiz,omitempty"`
}

type answerSubmittedPayload struct {
	ParticipantID     string  `json:"participant_id"`
	ParticipantName   string  `json:"participant_name"`
	ParticipantAvatar string  `json:"participant_avatar"`
	QuestionID        string  `json:"question_id"`
	Answer            any     `json:"answer"`
	AnswerType        string  `json:"answer_type,omitempty"`
	SubmissionTime    float64 `json:"submission_time"`
	Timestamp         float64 `json:"timestamp"`
}

type scoreUpdatedPayload struct {
	Scores        map[string]int `json:"scores"`
	ParticipantID string         `json:"participant_id"`
	QuestionID    string         `json:"question_id"`
}

type elementControlPayload struct {
	ElementID string `json:"element_id"`
	Action    string `json:"action"`
	Visible   bool   `json:"visible"`
	ParentID  string `json:"parent_id,omitempty"`
}

type finalScoresPayload struct {
	Scores        map[string]int   `json:"scores"`
	FinalRankings []domain.Ranking `json:"final_rankings"`
}

type winnerPayload struct {
	Winner        *domain.Ranking  `json:"winner"`
	FinalRankings []domain.Ranking `json:"final_rankings"`
}

// ErrorPayload is the body of an error event.
type ErrorPayload struct {
	Message  string `json:"message"`
	RoomCode string `json:"room_code,omitempty"`
}

func roster(s *domain.Session) []ParticipantView {
	participants := s.OrderedParticipants()
	views := make([]ParticipantView, 0, len(participants))
	for _, p := range participants {
		views = append(views, ParticipantView{
			ID:        p.ID,
			Name:      p.Name,
			Avatar:    p.Avatar,
			Connected: p.Connected,
			Score:     s.Scores[p.ID],
		})
	}
	return views
}

func copyVisibility(s *domain.Session) map[string]bool {
	out := make(map[string]bool, len(s.ElementVisibility))
	for k, v := range s.ElementVisibility {
		out[k] = v
	}
	return out
}

func copyScores(s *domain.Session) map[string]int {
	out := make(map[string]int, len(s.Scores))
	for k, v := range s.Scores {
		out[k] = v
	}
	return out
}

// BuildRoomState renders the shared part of every snapshot.
func BuildRoomState(s *domain.Session) RoomState {
	return RoomState{
		RoomCode:     s.Code,
		QuizID:       s.QuizID,
		QuizName:     s.Quiz.Name,
		CurrentPage:  s.CurrentPage,
		PageCount:    s.PageCount(),
		Page:         s.CurrentPageData(),
		Visibility:   copyVisibility(s),
		Scores:       copyScores(s),
		Participants: roster(s),
	}
}

func buildControlState(s *domain.Session) ControlState {
	answers := make(map[string]map[string]domain.Answer, len(s.Answers))
	for qid, byParticipant := range s.Answers {
		inner := make(map[string]domain.Answer, len(byParticipant))
		for pid, a := range byParticipant {
			inner[pid] = *a
		}
		answers[qid] = inner
	}
	visible := make(map[string]time.Time, len(s.QuestionVisibleAt))
	for k, v := range s.QuestionVisibleAt {
		visible[k] = v
	}
	return ControlState{RoomState: BuildRoomState(s), Quiz: s.Quiz, Answers: answers, Visible: visible}
}

func buildParticipantState(s *domain.Session, p *domain.Participant) ParticipantState {
	return ParticipantState{
		RoomState:         BuildRoomState(s),
		ParticipantID:     p.ID,
		ParticipantName:   p.Name,
		ParticipantAvatar: p.Avatar,
		Answers:           s.AnswersOf(p.ID),
	}
}

func answeredCounts(s *domain.Session) map[string]int {
	out := make(map[string]int, len(s.Answers))
	for qid, byParticipant := range s.Answers {
		out[qid] = len(byParticipant)
	}
	return out
}

func visibilityAction(visible bool) string {
	if visible {
		return "show"
	}
	return "hide"
}
