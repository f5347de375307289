package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"quizlive/internal/domain"
	"quizlive/internal/identity"
	"quizlive/internal/scoring"
)

// QuizRepository loads quiz definitions (from cache/backing store).
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
	Invalidate(ctx context.Context, quizID string) error
	ListQuizzes(ctx context.Context, ownerID string) ([]domain.QuizSummary, error)
}

// RunRecorder keeps quizmaster statistics about played sessions.
type RunRecorder interface {
	RecordStart(ctx context.Context, run domain.QuizRun) error
	RecordCompletion(ctx context.Context, roomCode string, at time.Time) error
	Stats(ctx context.Context, ownerID string) (domain.RunStats, error)
}

// errNoChange aborts a mutation that turned out to be a no-op.
var errNoChange = errors.New("no change")

// Service applies protocol commands to the rooms held by a Store.
type Service struct {
	store   *Store
	quizzes QuizRepository
	runs    RunRecorder
	log     *slog.Logger
}

func NewService(store *Store, quizzes QuizRepository, runs RunRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, quizzes: quizzes, runs: runs, log: logger}
}

// Handle applies one command on behalf of caller. Errors leave every room
// untouched; ErrorEvent turns them into the reply for the caller.
func (s *Service) Handle(ctx context.Context, caller Caller, cmd Command) (Result, error) {
	var (
		res Result
		err error
	)
	switch c := cmd.(type) {
	case StartQuiz:
		res, err = s.startQuiz(ctx, caller, c)
	case JoinControl:
		res, err = s.joinControl(caller, c)
	case JoinDisplay:
		res, err = s.joinDisplay(c)
	case JoinParticipant:
		res, err = s.joinParticipant(caller, c)
	case Navigate:
		res, err = s.navigate(caller, c)
	case QuestionVisible:
		res, err = s.questionVisible(c)
	case SubmitAnswer:
		res, err = s.submitAnswer(caller, c)
	case MarkAnswer:
		res, err = s.markAnswer(caller, c)
	case SetVisibility:
		res, err = s.setVisibility(caller, c)
	case FinalizeScores:
		res, err = s.finalizeScores(caller, c)
	case ReloadQuiz:
		res, err = s.reloadQuiz(ctx, caller, c)
	case EndQuiz:
		res, err = s.endQuiz(ctx, caller, c)
	case Leave:
		res, err = s.leave(caller, c)
	default:
		err = fmt.Errorf("unsupported command %T", cmd)
	}
	if errors.Is(err, errNoChange) {
		return Result{}, nil
	}
	if err != nil {
		s.logFailure(caller, cmd, err)
		return Result{}, err
	}
	return res, nil
}

func (s *Service) logFailure(caller Caller, cmd Command, err error) {
	var (
		unauthorized *domain.UnauthorizedError
		invalid      *domain.ValidationError
	)
	switch {
	case domain.IsNotFound(err), errors.As(err, &unauthorized), errors.As(err, &invalid), errors.Is(err, domain.ErrOwnerRequired):
		s.log.Debug("command rejected", "room", RoomOf(cmd), "conn", caller.ConnID, "command", fmt.Sprintf("%T", cmd), "err", err)
	default:
		s.log.Error("command failed", "room", RoomOf(cmd), "conn", caller.ConnID, "command", fmt.Sprintf("%T", cmd), "err", err)
	}
}

// ErrorEvent renders a failed command as the event sent back to its caller.
// Quizmasters get an actionable message; participants and displays get the
// generic not-running signal when the room is gone.
func ErrorEvent(cmd Command, err error) Event {
	code := RoomOf(cmd)
	if errors.Is(err, domain.ErrSessionNotFound) {
		if !IsControl(cmd) {
			return Event{Name: EventNotRunning, Payload: roomCodePayload{RoomCode: code}}
		}
		return Event{Name: EventError, Payload: ErrorPayload{
			Message:  fmt.Sprintf("room %s is not running (it ended or expired)", code),
			RoomCode: code,
		}}
	}
	return Event{Name: EventError, Payload: ErrorPayload{Message: err.Error(), RoomCode: code}}
}

func authorize(sess *domain.Session, caller Caller) error {
	if caller.OwnerID == "" {
		return domain.ErrOwnerRequired
	}
	if caller.OwnerID != sess.OwnerID {
		return &domain.UnauthorizedError{Code: sess.Code, Owner: sess.OwnerID, Caller: caller.OwnerID}
	}
	return nil
}

func (s *Service) startQuiz(ctx context.Context, caller Caller, c StartQuiz) (Result, error) {
	if caller.OwnerID == "" {
		return Result{}, domain.ErrOwnerRequired
	}
	quiz, err := s.quizzes.GetQuiz(ctx, c.QuizID)
	if err != nil {
		return Result{}, err
	}
	if len(quiz.Pages) == 0 {
		return Result{}, &domain.ValidationError{Event: "quizmaster_start_quiz", Field: "quiz", Reason: "has no pages"}
	}
	if quiz.ID == "" {
		quiz.ID = c.QuizID
	}

	session, err := s.store.Create(ctx, quiz, caller.OwnerID)
	if err != nil {
		return Result{}, err
	}
	s.log.Info("room started", "room", session.Code, "quiz", quiz.ID, "owner", caller.OwnerID)

	if err := s.runs.RecordStart(ctx, domain.QuizRun{
		QuizID:    quiz.ID,
		OwnerID:   caller.OwnerID,
		RoomCode:  session.Code,
		StartedAt: session.CreatedAt,
	}); err != nil {
		s.log.Error("record quiz run failed", "room", session.Code, "err", err)
	}

	v := session.Version
	res := Result{Join: &Membership{Code: session.Code, RoomID: session.ID, Role: RoleControl}}
	res.reply(Event{Name: EventQuizStarted, Payload: roomCodePayload{RoomCode: session.Code}, Version: v})
	res.reply(Event{Name: EventRoomCreated, Payload: roomCodePayload{RoomCode: session.Code}, Version: v})
	res.reply(Event{Name: EventRedirect, Payload: redirectPayload{URL: "/control/" + session.Code}, Version: v})
	return res, nil
}

func (s *Service) joinControl(caller Caller, c JoinControl) (Result, error) {
	var res Result
	err := s.store.View(c.Code, func(sess *domain.Session) error {
		if err := authorize(sess, caller); err != nil {
			return err
		}
		res.Join = &Membership{Code: c.Code, RoomID: sess.ID, Role: RoleControl}
		res.reply(Event{Name: EventJoinedControl, Payload: buildControlState(sess), Version: sess.Version})
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func (s *Service) joinDisplay(c JoinDisplay) (Result, error) {
	var res Result
	err := s.store.View(c.Code, func(sess *domain.Session) error {
		res.Join = &Membership{Code: c.Code, RoomID: sess.ID, Role: RoleDisplay}
		res.reply(Event{Name: EventDisplayState, Payload: BuildRoomState(sess), Version: sess.Version})
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func (s *Service) joinParticipant(caller Caller, c JoinParticipant) (Result, error) {
	var (
		pid      string
		rejoined bool
	)
	after, err := s.store.Mutate(c.Code, func(sess *domain.Session) error {
		if c.ParticipantID != "" {
			if _, ok := sess.Participants[c.ParticipantID]; ok {
				pid = c.ParticipantID
			}
		}
		if pid == "" {
			if c.Name == "" || c.Avatar == "" {
				if c.ParticipantID != "" {
					return domain.ErrParticipantNotFound
				}
				return &domain.ValidationError{Event: "participant_join", Field: "name and avatar"}
			}
			pid = identity.Resolve(sess.Code, c.Name, c.Avatar)
		}

		if p, ok := sess.Participants[pid]; ok {
			rejoined = true
			p.Connected = true
			p.ConnID = caller.ConnID
			return nil
		}
		sess.AddParticipant(&domain.Participant{
			ID:        pid,
			Name:      identity.Normalize(c.Name),
			Avatar:    identity.Normalize(c.Avatar),
			Connected: true,
			JoinedAt:  s.store.now(),
			ConnID:    caller.ConnID,
		})
		if _, ok := sess.Scores[pid]; !ok {
			sess.Scores[pid] = 0
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	p := after.Participants[pid]
	res := Result{Join: &Membership{Code: c.Code, RoomID: after.ID, Role: RoleParticipant, ParticipantID: pid}}
	res.reply(Event{Name: EventJoinedRoom, Payload: buildParticipantState(&after, p), Version: after.Version})
	res.broadcast(c.Code, Event{Name: EventParticipantJoin, Payload: participantJoinedPayload{
		ParticipantID: pid,
		Name:          p.Name,
		Avatar:        p.Avatar,
		Rejoined:      rejoined,
		Participants:  roster(&after),
	}, Version: after.Version}, RoleControl)
	return res, nil
}

func (s *Service) navigate(caller Caller, c Navigate) (Result, error) {
	after, err := s.store.Mutate(c.Code, func(sess *domain.Session) error {
		if err := authorize(sess, caller); err != nil {
			return err
		}
		target := sess.CurrentPage
		switch c.Direction {
		case "next":
			target++
		case "prev":
			target--
		default:
			if c.Index == nil {
				return &domain.ValidationError{Event: "quizmaster_navigate", Field: "direction or page_index"}
			}
			target = *c.Index
		}
		target = sess.ClampPage(target)
		if target == sess.CurrentPage {
			return nil
		}
		sess.CurrentPage = target
		sess.PageEnteredAt = s.store.now()
		// a new visit to a page starts new question timings
		for _, el := range sess.Quiz.Pages[target].Elements {
			if el.IsQuestion {
				delete(sess.QuestionVisibleAt, el.ID)
			}
		}
		sess.SeedVisibility(false)
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	var res Result
	shared := pageChangedPayload{PageIndex: after.CurrentPage, Page: after.CurrentPageData(), Visibility: after.ElementVisibility}
	res.broadcast(c.Code, Event{Name: EventPageChanged, Payload: shared, Version: after.Version}, RoleDisplay, RoleParticipant)
	control := shared
	control.Quiz = &after.Quiz
	res.broadcast(c.Code, Event{Name: EventPageChanged, Payload: control, Version: after.Version}, RoleControl)
	return res, nil
}

func (s *Service) questionVisible(c QuestionVisible) (Result, error) {
	_, err := s.store.Mutate(c.Code, func(sess *domain.Session) error {
		el, _, ok := sess.Quiz.FindElement(c.QuestionID)
		if !ok || !el.IsQuestion {
			return fmt.Errorf("question %s: %w", c.QuestionID, domain.ErrElementNotFound)
		}
		if _, seen := sess.QuestionVisibleAt[c.QuestionID]; seen {
			return errNoChange
		}
		sess.QuestionVisibleAt[c.QuestionID] = s.store.now()
		return nil
	})
	return Result{}, err
}

func (s *Service) submitAnswer(caller Caller, c SubmitAnswer) (Result, error) {
	pid := caller.ParticipantID
	if pid != "" && c.ParticipantID != "" && c.ParticipantID != pid {
		return Result{}, &domain.ValidationError{Event: "participant_submit_answer", Field: "participant_id", Reason: "does not match this connection"}
	}
	if pid == "" {
		pid = c.ParticipantID
	}
	if pid == "" {
		return Result{}, &domain.ValidationError{Event: "participant_submit_answer", Field: "participant_id"}
	}

	var stored domain.Answer
	after, err := s.store.Mutate(c.Code, func(sess *domain.Session) error {
		if _, ok := sess.Participants[pid]; !ok {
			return domain.ErrParticipantNotFound
		}
		if _, _, ok := sess.Quiz.FindElement(c.QuestionID); !ok {
			return fmt.Errorf("question %s: %w", c.QuestionID, domain.ErrElementNotFound)
		}
		now := s.store.now()
		zero, ok := sess.QuestionVisibleAt[c.QuestionID]
		if !ok {
			zero = sess.PageEnteredAt
		}
		latency := now.Sub(zero).Seconds()
		if latency < 0 {
			latency = 0
		}
		if sess.Answers[c.QuestionID] == nil {
			sess.Answers[c.QuestionID] = make(map[string]*domain.Answer)
		}
		stored = domain.Answer{
			Value:       c.Answer,
			AnswerType:  c.AnswerType,
			Latency:     latency,
			Correctness: domain.Unjudged,
			SubmittedAt: now,
		}
		a := stored
		sess.Answers[c.QuestionID][pid] = &a
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	p := after.Participants[pid]
	var res Result
	res.broadcast(c.Code, Event{Name: EventAnswerSubmitted, Payload: answerSubmittedPayload{
		ParticipantID:     pid,
		ParticipantName:   p.Name,
		ParticipantAvatar: p.Avatar,
		QuestionID:        c.QuestionID,
		Answer:            stored.Value,
		AnswerType:        stored.AnswerType,
		SubmissionTime:    stored.Latency,
		Timestamp:         float64(stored.SubmittedAt.UnixMilli()) / 1000,
	}, Version: after.Version}, RoleControl)
	res.broadcast(c.Code, Event{Name: EventRosterUpdated, Payload: rosterPayload{
		Participants: roster(&after),
		Answered:     answeredCounts(&after),
	}, Version: after.Version}, RoleControl)
	return res, nil
}

func (s *Service) markAnswer(caller Caller, c MarkAnswer) (Result, error) {
	after, err := s.store.Mutate(c.Code, func(sess *domain.Session) error {
		if err := authorize(sess, caller); err != nil {
			return err
		}
		a, ok := sess.Answers[c.QuestionID][c.ParticipantID]
		if !ok {
			return domain.ErrAnswerNotFound
		}
		a.Correctness = domain.Incorrect
		if c.Correct {
			a.Correctness = domain.Correct
		}
		a.BonusPoints = c.BonusPoints
		sess.Scores = scoring.Score(sess)
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	var res Result
	res.broadcast(c.Code, Event{Name: EventScoreUpdated, Payload: scoreUpdatedPayload{
		Scores:        after.Scores,
		ParticipantID: c.ParticipantID,
		QuestionID:    c.QuestionID,
	}, Version: after.Version}, RoleParticipant, RoleControl)
	return res, nil
}

func (s *Service) setVisibility(caller Caller, c SetVisibility) (Result, error) {
	var (
		target     domain.Element
		propagated []string
	)
	visible := c.Visible
	if c.Auto {
		visible = true
	}
	after, err := s.store.Mutate(c.Code, func(sess *domain.Session) error {
		if !c.Auto {
			if err := authorize(sess, caller); err != nil {
				return err
			}
		}
		el, _, ok := sess.Quiz.FindElement(c.ElementID)
		if !ok {
			return fmt.Errorf("element %s: %w", c.ElementID, domain.ErrElementNotFound)
		}
		if c.Auto && el.AppearanceMode != domain.AppearanceTimer {
			return &domain.ValidationError{Event: "element_auto_reveal", Field: "element_id", Reason: "is not timer-controlled"}
		}
		target = el
		sess.ElementVisibility[el.ID] = visible
		if !el.IsQuestion {
			return nil
		}
		propagated = sess.Quiz.AnswerInputsFor(el.ID)
		for _, input := range propagated {
			sess.ElementVisibility[input] = visible
		}
		if _, seen := sess.QuestionVisibleAt[el.ID]; visible && !seen {
			sess.QuestionVisibleAt[el.ID] = s.store.now()
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	var res Result
	action := visibilityAction(visible)
	res.broadcast(c.Code, Event{Name: EventElementControl, Payload: elementControlPayload{
		ElementID: target.ID,
		Action:    action,
		Visible:   visible,
	}, Version: after.Version}, RoleDisplay, RoleControl)
	for _, input := range propagated {
		res.broadcast(c.Code, Event{Name: EventElementControl, Payload: elementControlPayload{
			ElementID: input,
			Action:    action,
			Visible:   visible,
			ParentID:  target.ID,
		}, Version: after.Version}, RoleParticipant)
	}
	return res, nil
}

func (s *Service) finalizeScores(caller Caller, c FinalizeScores) (Result, error) {
	var rankings []domain.Ranking
	after, err := s.store.Mutate(c.Code, func(sess *domain.Session) error {
		if err := authorize(sess, caller); err != nil {
			return err
		}
		sess.Scores = scoring.Score(sess)
		rankings = scoring.Rank(sess, sess.Scores)
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	var res Result
	res.broadcast(c.Code, Event{Name: EventFinalScores, Payload: finalScoresPayload{
		Scores:        after.Scores,
		FinalRankings: rankings,
	}, Version: after.Version}, RoleDisplay, RoleControl)
	var winner *domain.Ranking
	if len(rankings) > 0 {
		w := rankings[0]
		winner = &w
	}
	res.broadcast(c.Code, Event{Name: EventWinnerAnnounced, Payload: winnerPayload{
		Winner:        winner,
		FinalRankings: rankings,
	}, Version: after.Version}, RoleParticipant)
	return res, nil
}

func (s *Service) reloadQuiz(ctx context.Context, caller Caller, c ReloadQuiz) (Result, error) {
	var quizID string
	err := s.store.View(c.Code, func(sess *domain.Session) error {
		quizID = sess.QuizID
		return authorize(sess, caller)
	})
	if err != nil {
		return Result{}, err
	}

	// Loading happens outside the room lock.
	if err := s.quizzes.Invalidate(ctx, quizID); err != nil {
		s.log.Warn("quiz cache invalidation failed", "quiz", quizID, "err", err)
	}
	quiz, err := s.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return Result{}, err
	}
	if len(quiz.Pages) == 0 {
		return Result{}, &domain.ValidationError{Event: "quizmaster_reload_quiz", Field: "quiz", Reason: "has no pages"}
	}
	if quiz.ID == "" {
		quiz.ID = quizID
	}

	after, err := s.store.Mutate(c.Code, func(sess *domain.Session) error {
		if err := authorize(sess, caller); err != nil {
			return err
		}
		sess.Quiz = quiz
		sess.CurrentPage = sess.ClampPage(sess.CurrentPage)
		sess.ElementVisibility = make(map[string]bool)
		sess.SeedVisibility(true)
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	var res Result
	shared := pageChangedPayload{PageIndex: after.CurrentPage, Page: after.CurrentPageData(), Visibility: after.ElementVisibility, Reloaded: true}
	res.broadcast(c.Code, Event{Name: EventPageChanged, Payload: shared, Version: after.Version}, RoleDisplay, RoleParticipant)
	control := shared
	control.Quiz = &after.Quiz
	res.broadcast(c.Code, Event{Name: EventPageChanged, Payload: control, Version: after.Version}, RoleControl)
	return res, nil
}

func (s *Service) endQuiz(ctx context.Context, caller Caller, c EndQuiz) (Result, error) {
	final, err := s.store.End(c.Code, func(sess *domain.Session) error {
		if err := authorize(sess, caller); err != nil {
			return err
		}
		sess.Scores = scoring.Score(sess)
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	s.log.Info("room ended by owner", "room", c.Code, "owner", caller.OwnerID)

	if err := s.runs.RecordCompletion(ctx, c.Code, final.LastActivityAt); err != nil {
		s.log.Error("record quiz completion failed", "room", c.Code, "err", err)
	}

	room := refOf(&final)
	res := Result{Terminate: &room}
	res.broadcast(c.Code, Event{Name: EventQuizEnded, Payload: finalScoresPayload{
		Scores:        final.Scores,
		FinalRankings: scoring.Rank(&final, final.Scores),
	}, Version: final.Version}, AllRoles...)
	return res, nil
}

func (s *Service) leave(caller Caller, c Leave) (Result, error) {
	after, err := s.store.Mutate(c.Code, func(sess *domain.Session) error {
		p, ok := sess.Participants[c.ParticipantID]
		if !ok || p.ConnID != caller.ConnID || !p.Connected {
			return errNoChange
		}
		p.Connected = false
		p.ConnID = ""
		return nil
	})
	if err != nil {
		if domain.IsNotFound(err) {
			return Result{}, errNoChange
		}
		return Result{}, err
	}

	var res Result
	res.broadcast(c.Code, Event{Name: EventRosterUpdated, Payload: rosterPayload{
		Participants: roster(&after),
	}, Version: after.Version}, RoleControl)
	return res, nil
}

// RoomSummary describes a running room for the public browse list.
type RoomSummary struct {
	RoomCode     string `json:"room_code"`
	QuizID       string `json:"quiz_id"`
	QuizName     string `json:"quiz_name"`
	OwnerID      string `json:"quizmaster"`
	Participants int    `json:"participants_count"`
	CurrentPage  int    `json:"current_page"`
	PageCount    int    `json:"pages_count"`
}

// PublicRooms lists running rooms whose quiz is marked public.
func (s *Service) PublicRooms() []RoomSummary {
	var rooms []RoomSummary
	for _, code := range s.store.Codes() {
		_ = s.store.View(code, func(sess *domain.Session) error {
			if sess.Quiz.Public {
				rooms = append(rooms, RoomSummary{
					RoomCode:     sess.Code,
					QuizID:       sess.QuizID,
					QuizName:     sess.Quiz.Name,
					OwnerID:      sess.OwnerID,
					Participants: len(sess.Participants),
					CurrentPage:  sess.CurrentPage,
					PageCount:    sess.PageCount(),
				})
			}
			return nil
		})
	}
	return rooms
}

// RoomState returns the public state of a running room.
func (s *Service) RoomState(code string) (RoomState, error) {
	var state RoomState
	err := s.store.View(code, func(sess *domain.Session) error {
		state = BuildRoomState(sess)
		return nil
	})
	return state, err
}

// Quizzes lists quiz definitions visible to ownerID.
func (s *Service) Quizzes(ctx context.Context, ownerID string) ([]domain.QuizSummary, error) {
	return s.quizzes.ListQuizzes(ctx, ownerID)
}

// Stats reports a quizmaster's played sessions.
func (s *Service) Stats(ctx context.Context, ownerID string) (domain.RunStats, error) {
	return s.runs.Stats(ctx, ownerID)
}
