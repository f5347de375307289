package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"quizlive/internal/app"
	"quizlive/internal/domain"
)

// Inbound event names.
const (
	evStartQuiz       = "quizmaster_start_quiz"
	evJoinControl     = "quizmaster_join_control"
	evDisplayJoin     = "display_join"
	evParticipantJoin = "participant_join"
	evNavigate        = "quizmaster_navigate"
	evQuestionVisible = "question_visible"
	evSubmitAnswer    = "participant_submit_answer"
	evMarkAnswer      = "quizmaster_mark_answer"
	evElementControl  = "quizmaster_control_element_appearance"
	evAutoReveal      = "element_auto_reveal"
	evFinalizeScores  = "quizmaster_finalize_scores"
	evReloadQuiz      = "quizmaster_reload_quiz"
	evEndQuiz         = "quizmaster_end_quiz"
)

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type roomPayload struct {
	RoomCode string `json:"room_code"`
}

type startPayload struct {
	QuizID string `json:"quiz_id"`
}

type joinPayload struct {
	RoomCode      string `json:"room_code"`
	Name          string `json:"name"`
	Avatar        string `json:"avatar"`
	ParticipantID string `json:"participant_id"`
}

type navigatePayload struct {
	RoomCode  string `json:"room_code"`
	Direction string `json:"direction"`
	PageIndex *int   `json:"page_index"`
}

type questionPayload struct {
	RoomCode   string `json:"room_code"`
	QuestionID string `json:"question_id"`
}

type answerPayload struct {
	RoomCode      string          `json:"room_code"`
	QuestionID    string          `json:"question_id"`
	Answer        json.RawMessage `json:"answer"`
	ParticipantID string          `json:"participant_id"`
	AnswerType    string          `json:"answer_type"`
}

type markPayload struct {
	RoomCode      string `json:"room_code"`
	ParticipantID string `json:"participant_id"`
	QuestionID    string `json:"question_id"`
	Correct       bool   `json:"correct"`
	BonusPoints   int    `json:"bonus_points"`
}

type elementPayload struct {
	RoomCode  string `json:"room_code"`
	ElementID string `json:"element_id"`
	Visible   *bool  `json:"visible"`
	Action    string `json:"action"`
}

// decodeCommand validates an inbound envelope into a command. Every failure
// is a *domain.ValidationError.
func decodeCommand(in inboundMessage) (app.Command, error) {
	switch in.Type {
	case evStartQuiz:
		var p startPayload
		if err := unmarshal(in, &p); err != nil {
			return nil, err
		}
		if p.QuizID == "" {
			return nil, missing(in.Type, "quiz_id")
		}
		return app.StartQuiz{QuizID: p.QuizID}, nil

	case evJoinControl, evDisplayJoin, evFinalizeScores, evReloadQuiz, evEndQuiz:
		var p roomPayload
		if err := unmarshal(in, &p); err != nil {
			return nil, err
		}
		code := normalizeCode(p.RoomCode)
		if code == "" {
			return nil, missing(in.Type, "room_code")
		}
		switch in.Type {
		case evJoinControl:
			return app.JoinControl{Code: code}, nil
		case evDisplayJoin:
			return app.JoinDisplay{Code: code}, nil
		case evFinalizeScores:
			return app.FinalizeScores{Code: code}, nil
		case evReloadQuiz:
			return app.ReloadQuiz{Code: code}, nil
		default:
			return app.EndQuiz{Code: code}, nil
		}

	case evParticipantJoin:
		var p joinPayload
		if err := unmarshal(in, &p); err != nil {
			return nil, err
		}
		code := normalizeCode(p.RoomCode)
		if code == "" {
			return nil, missing(in.Type, "room_code")
		}
		name := strings.TrimSpace(p.Name)
		avatar := strings.TrimSpace(p.Avatar)
		if p.ParticipantID == "" && (name == "" || avatar == "") {
			return nil, missing(in.Type, "name and avatar")
		}
		return app.JoinParticipant{Code: code, Name: name, Avatar: avatar, ParticipantID: p.ParticipantID}, nil

	case evNavigate:
		var p navigatePayload
		if err := unmarshal(in, &p); err != nil {
			return nil, err
		}
		code := normalizeCode(p.RoomCode)
		if code == "" {
			return nil, missing(in.Type, "room_code")
		}
		switch p.Direction {
		case "next", "prev":
			return app.Navigate{Code: code, Direction: p.Direction}, nil
		case "":
			if p.PageIndex == nil {
				return nil, missing(in.Type, "direction or page_index")
			}
			return app.Navigate{Code: code, Index: p.PageIndex}, nil
		default:
			return nil, &domain.ValidationError{Event: in.Type, Field: "direction", Reason: "must be next or prev"}
		}

	case evQuestionVisible:
		var p questionPayload
		if err := unmarshal(in, &p); err != nil {
			return nil, err
		}
		code := normalizeCode(p.RoomCode)
		if code == "" {
			return nil, missing(in.Type, "room_code")
		}
		if p.QuestionID == "" {
			return nil, missing(in.Type, "question_id")
		}
		return app.QuestionVisible{Code: code, QuestionID: p.QuestionID}, nil

	case evSubmitAnswer:
		var p answerPayload
		if err := unmarshal(in, &p); err != nil {
			return nil, err
		}
		code := normalizeCode(p.RoomCode)
		switch {
		case code == "":
			return nil, missing(in.Type, "room_code")
		case p.QuestionID == "":
			return nil, missing(in.Type, "question_id")
		case len(bytes.TrimSpace(p.Answer)) == 0 || bytes.Equal(bytes.TrimSpace(p.Answer), []byte("null")):
			return nil, missing(in.Type, "answer")
		}
		return app.SubmitAnswer{
			Code:          code,
			ParticipantID: p.ParticipantID,
			QuestionID:    p.QuestionID,
			Answer:        p.Answer,
			AnswerType:    p.AnswerType,
		}, nil

	case evMarkAnswer:
		var p markPayload
		if err := unmarshal(in, &p); err != nil {
			return nil, err
		}
		code := normalizeCode(p.RoomCode)
		switch {
		case code == "":
			return nil, missing(in.Type, "room_code")
		case p.ParticipantID == "":
			return nil, missing(in.Type, "participant_id")
		case p.QuestionID == "":
			return nil, missing(in.Type, "question_id")
		}
		return app.MarkAnswer{
			Code:          code,
			ParticipantID: p.ParticipantID,
			QuestionID:    p.QuestionID,
			Correct:       p.Correct,
			BonusPoints:   p.BonusPoints,
		}, nil

	case evElementControl, evAutoReveal:
		var p elementPayload
		if err := unmarshal(in, &p); err != nil {
			return nil, err
		}
		code := normalizeCode(p.RoomCode)
		if code == "" {
			return nil, missing(in.Type, "room_code")
		}
		if p.ElementID == "" {
			return nil, missing(in.Type, "element_id")
		}
		if in.Type == evAutoReveal {
			return app.SetVisibility{Code: code, ElementID: p.ElementID, Visible: true, Auto: true}, nil
		}
		visible, ok := elementVisibility(p)
		if !ok {
			return nil, missing(in.Type, "visible")
		}
		return app.SetVisibility{Code: code, ElementID: p.ElementID, Visible: visible}, nil

	case "":
		return nil, &domain.ValidationError{Event: "message", Field: "type"}
	default:
		return nil, &domain.ValidationError{Event: in.Type, Field: "type", Reason: "is not a supported event"}
	}
}

// elementVisibility accepts either a boolean visible or an action of show/hide.
func elementVisibility(p elementPayload) (bool, bool) {
	if p.Visible != nil {
		return *p.Visible, true
	}
	switch p.Action {
	case "show":
		return true, true
	case "hide":
		return false, true
	}
	return false, false
}

func unmarshal(in inboundMessage, into any) error {
	if len(in.Payload) == 0 {
		return &domain.ValidationError{Event: in.Type, Field: "payload"}
	}
	if err := json.Unmarshal(in.Payload, into); err != nil {
		return &domain.ValidationError{Event: in.Type, Field: "payload", Reason: fmt.Sprintf("is malformed (%v)", err)}
	}
	return nil
}

func missing(event, field string) error {
	return &domain.ValidationError{Event: event, Field: field}
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
