package domain

import (
	"encoding/json"
	"time"
)

// AppearanceMode decides whether an element is visible when its page is entered.
type AppearanceMode string

const (
	AppearanceOnLoad  AppearanceMode = "on_load"
	AppearanceControl AppearanceMode = "control"
	AppearanceTimer   AppearanceMode = "timer"
)

// ElementTypeAnswerInput is the participant-side input bound to a question via ParentID.
const ElementTypeAnswerInput = "answer_input"

// Element is one individually addressable item on a page.
type Element struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	IsQuestion      bool            `json:"is_question,omitempty"`
	ParentID        string          `json:"parent_id,omitempty"`
	AppearanceMode  AppearanceMode  `json:"appearance_mode,omitempty"`
	AppearanceDelay float64         `json:"appearance_delay,omitempty"`
	AnswerType      string          `json:"answer_type,omitempty"`
	Options         []string        `json:"options,omitempty"`
	CorrectAnswer   string          `json:"question_correct_answer,omitempty"`
	Properties      json.RawMessage `json:"properties,omitempty"`
}

// VisibleByDefault reports the visibility an element takes when its page is entered.
func (e Element) VisibleByDefault() bool {
	switch e.AppearanceMode {
	case AppearanceControl, AppearanceTimer:
		return false
	default:
		return true
	}
}

// Page is one step of the presentation.
type Page struct {
	ID       string    `json:"id,omitempty"`
	Type     string    `json:"type"`
	Name     string    `json:"name,omitempty"`
	Elements []Element `json:"elements"`
}

// Quiz is a quiz definition document. Sessions hold their own copy.
type Quiz struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Creator string `json:"creator,omitempty"`
	Public  bool   `json:"public,omitempty"`
	Pages   []Page `json:"pages"`
}

// FindElement looks an element up across all pages.
func (q Quiz) FindElement(id string) (Element, int, bool) {
	for pi, page := range q.Pages {
		for _, el := range page.Elements {
			if el.ID == id {
				return el, pi, true
			}
		}
	}
	return Element{}, -1, false
}

// AnswerInputsFor returns the ids of answer_input elements bound to a question.
func (q Quiz) AnswerInputsFor(questionID string) []string {
	var ids []string
	for _, page := range q.Pages {
		for _, el := range page.Elements {
			if el.ParentID == questionID && el.Type == ElementTypeAnswerInput {
				ids = append(ids, el.ID)
			}
		}
	}
	return ids
}

// QuizSummary is the list view of a quiz definition.
type QuizSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	PageCount int    `json:"page_count"`
	OwnerID   string `json:"owner_id"`
	IsPublic  bool   `json:"is_public"`
}

// Summarize builds the list view of a quiz.
func (q Quiz) Summarize() QuizSummary {
	return QuizSummary{ID: q.ID, Name: q.Name, PageCount: len(q.Pages), OwnerID: q.Creator, IsPublic: q.Public}
}

// Correctness is the quizmaster's judgment of an answer.
type Correctness string

const (
	Unjudged  Correctness = "unjudged"
	Correct   Correctness = "correct"
	Incorrect Correctness = "incorrect"
)

// Participant is a player in a session, keyed by the identity resolver's id.
type Participant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Avatar    string    `json:"avatar"`
	Connected bool      `json:"connected"`
	JoinedAt  time.Time `json:"joined_at"`

	// ConnID is the transport connection currently bound to the participant.
	// It means nothing across a restart and is never persisted.
	ConnID string `json:"-"`
}

// Answer is the latest submission of one participant for one question.
type Answer struct {
	Value       json.RawMessage `json:"answer"`
	AnswerType  string          `json:"answer_type,omitempty"`
	Latency     float64         `json:"submission_time"`
	Correctness Correctness     `json:"correctness"`
	BonusPoints int             `json:"bonus_points"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// Session is the state of one running quiz room. It doubles as the snapshot format.
type Session struct {
	ID                string                        `json:"id"`
	Code              string                        `json:"code"`
	QuizID            string                        `json:"quiz_id"`
	Quiz              Quiz                          `json:"quiz"`
	OwnerID           string                        `json:"owner_id"`
	CurrentPage       int                           `json:"current_page"`
	PageEnteredAt     time.Time                     `json:"page_entered_at"`
	QuestionVisibleAt map[string]time.Time          `json:"question_visible_at"`
	Participants      map[string]*Participant       `json:"participants"`
	ParticipantOrder  []string                      `json:"participant_order"`
	Answers           map[string]map[string]*Answer `json:"answers"`
	Scores            map[string]int                `json:"scores"`
	ElementVisibility map[string]bool               `json:"element_visibility"`
	CreatedAt         time.Time                     `json:"created_at"`
	LastActivityAt    time.Time                     `json:"last_activity_at"`
	Version           uint64                        `json:"version"`
	Ended             bool                          `json:"ended"`
}

// NewSession builds a fresh session positioned on the first page.
func NewSession(code string, quiz Quiz, ownerID string, now time.Time) *Session {
	s := &Session{
		Code:              code,
		QuizID:            quiz.ID,
		Quiz:              quiz,
		OwnerID:           ownerID,
		PageEnteredAt:     now,
		QuestionVisibleAt: make(map[string]time.Time),
		Participants:      make(map[string]*Participant),
		Answers:           make(map[string]map[string]*Answer),
		Scores:            make(map[string]int),
		ElementVisibility: make(map[string]bool),
		CreatedAt:         now,
		LastActivityAt:    now,
	}
	s.SeedVisibility(false)
	return s
}

// PageCount returns the number of pages in the session's quiz.
func (s *Session) PageCount() int {
	return len(s.Quiz.Pages)
}

// CurrentPageData returns the page under the cursor, or nil for an empty quiz.
func (s *Session) CurrentPageData() *Page {
	if s.CurrentPage < 0 || s.CurrentPage >= len(s.Quiz.Pages) {
		return nil
	}
	page := s.Quiz.Pages[s.CurrentPage]
	return &page
}

// ClampPage bounds a page index to the quiz's page range.
func (s *Session) ClampPage(index int) int {
	if index >= len(s.Quiz.Pages) {
		index = len(s.Quiz.Pages) - 1
	}
	if index < 0 {
		index = 0
	}
	return index
}

// SeedVisibility applies default visibility to the current page's elements.
// Answer inputs bound to a question take the question's visibility. With
// reset false, elements that already carry a value keep it.
func (s *Session) SeedVisibility(reset bool) {
	page := s.CurrentPageData()
	if page == nil {
		return
	}
	for _, el := range page.Elements {
		if _, ok := s.ElementVisibility[el.ID]; ok && !reset {
			continue
		}
		if el.Type == ElementTypeAnswerInput && el.ParentID != "" {
			continue
		}
		s.ElementVisibility[el.ID] = el.VisibleByDefault()
	}
	for _, el := range page.Elements {
		if el.Type != ElementTypeAnswerInput || el.ParentID == "" {
			continue
		}
		if _, ok := s.ElementVisibility[el.ID]; ok && !reset {
			continue
		}
		if parent, ok := s.ElementVisibility[el.ParentID]; ok {
			s.ElementVisibility[el.ID] = parent
		} else {
			s.ElementVisibility[el.ID] = el.VisibleByDefault()
		}
	}
}

// AddParticipant registers a participant, remembering join order.
func (s *Session) AddParticipant(p *Participant) {
	if _, ok := s.Participants[p.ID]; !ok {
		s.ParticipantOrder = append(s.ParticipantOrder, p.ID)
	}
	s.Participants[p.ID] = p
}

// OrderedParticipants returns participants in the order they first joined.
func (s *Session) OrderedParticipants() []*Participant {
	out := make([]*Participant, 0, len(s.Participants))
	seen := make(map[string]bool, len(s.Participants))
	for _, id := range s.ParticipantOrder {
		if p, ok := s.Participants[id]; ok && !seen[id] {
			out = append(out, p)
			seen[id] = true
		}
	}
	return out
}

// AnswersOf collects one participant's answers keyed by question id.
func (s *Session) AnswersOf(participantID string) map[string]Answer {
	out := make(map[string]Answer)
	for qid, byParticipant := range s.Answers {
		if a, ok := byParticipant[participantID]; ok {
			out[qid] = *a
		}
	}
	return out
}

// Clone returns a deep copy of the mutable parts of the session. The quiz
// document is treated as immutable and shared.
func (s *Session) Clone() *Session {
	c := *s
	c.QuestionVisibleAt = make(map[string]time.Time, len(s.QuestionVisibleAt))
	for k, v := range s.QuestionVisibleAt {
		c.QuestionVisibleAt[k] = v
	}
	c.Participants = make(map[string]*Participant, len(s.Participants))
	for k, v := range s.Participants {
		p := *v
		c.Participants[k] = &p
	}
	c.ParticipantOrder = append([]string(nil), s.ParticipantOrder...)
	c.Answers = make(map[string]map[string]*Answer, len(s.Answers))
	for qid, byParticipant := range s.Answers {
		inner := make(map[string]*Answer, len(byParticipant))
		for pid, a := range byParticipant {
			cp := *a
			inner[pid] = &cp
		}
		c.Answers[qid] = inner
	}
	c.Scores = make(map[string]int, len(s.Scores))
	for k, v := range s.Scores {
		c.Scores[k] = v
	}
	c.ElementVisibility = make(map[string]bool, len(s.ElementVisibility))
	for k, v := range s.ElementVisibility {
		c.ElementVisibility[k] = v
	}
	return &c
}

// Ranking is one row of the final standings.
type Ranking struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
	Score  int    `json:"score"`
	Rank   int    `json:"rank"`
}

// QuizRun records one played session for quizmaster statistics.
type QuizRun struct {
	QuizID      string     `json:"quiz_id"`
	OwnerID     string     `json:"quizmaster"`
	RoomCode    string     `json:"room_code"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Completed   bool       `json:"completed"`
}

// RunStats summarizes a quizmaster's played sessions.
type RunStats struct {
	OwnerID     string `json:"quizmaster"`
	QuizzesRun  int    `json:"quizzes_run"`
	RunsStarted int    `json:"runs_started"`
}
