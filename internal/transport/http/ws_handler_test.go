package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"quizlive/internal/app"
	"quizlive/internal/domain"
	"quizlive/internal/infra/logger"
	"quizlive/internal/infra/memory"
)

const testSecret = "test-secret"

type testEnv struct {
	server  *httptest.Server
	hub     *Hub
	auth    *Authenticator
	store   *app.Store
	service *app.Service
	ws      *WSHandler
	runs    *memory.RunRecorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logger.Discard()
	env := &testEnv{
		hub:  NewHub(log),
		auth: NewAuthenticator(testSecret, time.Hour),
		runs: memory.NewRunRecorder(),
	}
	env.store = app.NewStore(memory.NewSnapshotStore(), app.StoreOptions{
		NewCode:  func() string { return "AB12" },
		Logger:   log,
		OnExpire: env.hub.Expire,
	})
	quizzes := memory.NewQuizRepository(memory.NewStaticQuizLoader(map[string]domain.Quiz{"Q": sampleQuiz()}), time.Minute)
	env.service = app.NewService(env.store, quizzes, env.runs, log)
	env.ws = NewWSHandler(env.service, env.hub, env.auth, WSOptions{PingInterval: 5 * time.Second, SendBuffer: 32}, log)
	env.server = httptest.NewServer(NewRouter(RouterDeps{
		Service:   env.service,
		Hub:       env.hub,
		Auth:      env.auth,
		WS:        env.ws,
		PublicURL: "https://quiz.example.com",
		Logger:    log,
	}))
	t.Cleanup(func() {
		env.server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.store.Close(ctx)
	})
	return env
}

func (e *testEnv) token(t *testing.T, owner string) string {
	t.Helper()
	token, err := e.auth.Issue(owner)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (e *testEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ string, payload map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"type": typ, "payload": payload}); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

func readNext(conn *websocket.Conn, t *testing.T, expect string) (string, map[string]any) {
	t.Helper()
	var msg struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read json (waiting for %q): %v", expect, err)
	}
	if expect != "" && msg.Type != expect {
		t.Fatalf("expected type %s, got %s", expect, msg.Type)
	}
	return msg.Type, msg.Payload
}

// readUntil skips other events until one of type expect arrives.
func readUntil(conn *websocket.Conn, t *testing.T, expect string) map[string]any {
	t.Helper()
	for i := 0; i < 20; i++ {
		typ, payload := readNext(conn, t, "")
		if typ == expect {
			return payload
		}
	}
	t.Fatalf("no %s event within 20 messages", expect)
	return nil
}

func expectClosed(conn *websocket.Conn, t *testing.T) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
				t.Fatalf("connection still open")
			}
			return
		}
	}
}

func TestWebSocketQuizFlow(t *testing.T) {
	env := newTestEnv(t)

	owner := env.dial(t, env.token(t, "alice"))
	send(t, owner, evStartQuiz, map[string]any{"quiz_id": "Q"})
	_, started := readNext(owner, t, app.EventQuizStarted)
	if started["room_code"] != "AB12" {
		t.Fatalf("expected room AB12, got %v", started["room_code"])
	}
	readNext(owner, t, app.EventRoomCreated)
	_, redirect := readNext(owner, t, app.EventRedirect)
	if redirect["url"] != "/control/AB12" {
		t.Fatalf("unexpected redirect %v", redirect["url"])
	}

	display := env.dial(t, "")
	send(t, display, evDisplayJoin, map[string]any{"room_code": "ab12"})
	readNext(display, t, app.EventDisplayState)

	player := env.dial(t, "")
	send(t, player, evParticipantJoin, map[string]any{"room_code": "AB12", "name": "Sam", "avatar": "🐱"})
	_, joined := readNext(player, t, app.EventJoinedRoom)
	pid, _ := joined["participant_id"].(string)
	if !strings.HasPrefix(pid, "p_") {
		t.Fatalf("unexpected participant id %q", pid)
	}
	announced := readUntil(owner, t, app.EventParticipantJoin)
	if announced["participant_id"] != pid {
		t.Fatalf("control saw %v, want %s", announced["participant_id"], pid)
	}

	send(t, owner, evNavigate, map[string]any{"room_code": "AB12", "direction": "next"})
	for _, conn := range []*websocket.Conn{owner, display, player} {
		changed := readUntil(conn, t, app.EventPageChanged)
		if changed["page_index"] != float64(1) {
			t.Fatalf("expected page 1, got %v", changed["page_index"])
		}
	}

	send(t, player, evSubmitAnswer, map[string]any{"room_code": "AB12", "question_id": "q1", "answer": "Paris"})
	submitted := readUntil(owner, t, app.EventAnswerSubmitted)
	if submitted["participant_id"] != pid || submitted["answer"] != "Paris" {
		t.Fatalf("unexpected submission %v", submitted)
	}

	send(t, owner, evMarkAnswer, map[string]any{"room_code": "AB12", "participant_id": pid, "question_id": "q1", "correct": true, "bonus_points": 10})
	scored := readUntil(player, t, app.EventScoreUpdated)
	scores, _ := scored["scores"].(map[string]any)
	if scores[pid] != float64(110) {
		t.Fatalf("expected 110 points, got %v", scores[pid])
	}

	send(t, owner, evEndQuiz, map[string]any{"room_code": "AB12"})
	for _, conn := range []*websocket.Conn{owner, display, player} {
		readUntil(conn, t, app.EventQuizEnded)
		expectClosed(conn, t)
	}

	if _, err := env.store.Get("AB12"); err != domain.ErrSessionNotFound {
		t.Fatalf("expected room gone, got %v", err)
	}
	if runs := env.runs.Runs(); len(runs) != 1 || !runs[0].Completed {
		t.Fatalf("expected one completed run, got %+v", runs)
	}
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	env := newTestEnv(t)
	u := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestWebSocketErrors(t *testing.T) {
	env := newTestEnv(t)
	anon := env.dial(t, "")

	send(t, anon, evStartQuiz, map[string]any{"quiz_id": "Q"})
	_, payload := readNext(anon, t, app.EventError)
	if payload["message"] != domain.ErrOwnerRequired.Error() {
		t.Fatalf("unexpected message %v", payload["message"])
	}

	send(t, anon, evDisplayJoin, map[string]any{"room_code": "ZZZZ"})
	_, payload = readNext(anon, t, app.EventNotRunning)
	if payload["room_code"] != "ZZZZ" {
		t.Fatalf("unexpected payload %v", payload)
	}

	send(t, anon, evParticipantJoin, map[string]any{"room_code": "ZZZZ", "name": "Sam"})
	_, payload = readNext(anon, t, app.EventError)
	if !strings.Contains(payload["message"].(string), "name and avatar") {
		t.Fatalf("unexpected message %v", payload["message"])
	}

	if err := anon.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	readNext(anon, t, app.EventError)

	send(t, anon, "dance", map[string]any{})
	_, payload = readNext(anon, t, app.EventError)
	if !strings.Contains(payload["message"].(string), "not a supported event") {
		t.Fatalf("unexpected message %v", payload["message"])
	}
}

func TestWebSocketDisconnectMarksParticipantGone(t *testing.T) {
	env := newTestEnv(t)
	owner := env.dial(t, env.token(t, "alice"))
	send(t, owner, evStartQuiz, map[string]any{"quiz_id": "Q"})
	readUntil(owner, t, app.EventRedirect)

	player := env.dial(t, "")
	send(t, player, evParticipantJoin, map[string]any{"room_code": "AB12", "name": "Sam", "avatar": "🐱"})
	readNext(player, t, app.EventJoinedRoom)
	readUntil(owner, t, app.EventParticipantJoin)

	player.Close()
	roster := readUntil(owner, t, app.EventRosterUpdated)
	participants, _ := roster["participants"].([]any)
	if len(participants) != 1 {
		t.Fatalf("expected one participant, got %v", roster)
	}
	if entry := participants[0].(map[string]any); entry["connected"] != false {
		t.Fatalf("expected participant disconnected, got %v", entry)
	}

	// rejoin by name and avatar restores the same identity
	again := env.dial(t, "")
	send(t, again, evParticipantJoin, map[string]any{"room_code": "AB12", "name": " Sam ", "avatar": "🐱"})
	_, joined := readNext(again, t, app.EventJoinedRoom)
	rejoin := readUntil(owner, t, app.EventParticipantJoin)
	if rejoin["rejoined"] != true || rejoin["participant_id"] != joined["participant_id"] {
		t.Fatalf("expected rejoin, got %v", rejoin)
	}
}

func TestWebSocketIntruderCannotControl(t *testing.T) {
	env := newTestEnv(t)
	owner := env.dial(t, env.token(t, "alice"))
	send(t, owner, evStartQuiz, map[string]any{"quiz_id": "Q"})
	readUntil(owner, t, app.EventRedirect)

	intruder := env.dial(t, env.token(t, "bob"))
	send(t, intruder, evJoinControl, map[string]any{"room_code": "AB12"})
	_, payload := readNext(intruder, t, app.EventError)
	msg, _ := payload["message"].(string)
	if !strings.Contains(msg, "AB12") || !strings.Contains(msg, "alice") {
		t.Fatalf("unexpected message %q", msg)
	}
	if env.hub.Members("AB12", app.RoleControl) != 1 {
		t.Fatalf("intruder must not join the control group")
	}
}

func TestJoinResolvedBeforeEndIsDisconnected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ownerCaller := app.Caller{ConnID: "owner", OwnerID: "alice"}

	started, err := env.service.Handle(ctx, ownerCaller, app.StartQuiz{QuizID: "Q"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	owner := newClient("owner", 32)
	env.ws.apply(owner, started)

	joined, err := env.service.Handle(ctx, app.Caller{ConnID: "player"}, app.JoinParticipant{Code: "AB12", Name: "Sam", Avatar: "🐱"})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	ended, err := env.service.Handle(ctx, ownerCaller, app.EndQuiz{Code: "AB12"})
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	env.ws.apply(owner, ended)

	player := newClient("player", 32)
	env.ws.apply(player, joined)

	if !isKicked(owner) {
		t.Fatalf("expected control connection to be closed on end")
	}
	if !isKicked(player) {
		t.Fatalf("join delivered after end must be disconnected")
	}
	if n := env.hub.Members("AB12", app.RoleParticipant); n != 0 {
		t.Fatalf("ended room still has %d participant subscribers", n)
	}
	if typ := decodeType(t, <-player.send); typ != app.EventNotRunning {
		t.Fatalf("expected %s for the late joiner, got %s", app.EventNotRunning, typ)
	}

	// a new room reusing the code must not reach the stale connection
	if err := env.store.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	restarted, err := env.service.Handle(ctx, ownerCaller, app.StartQuiz{QuizID: "Q"})
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if restarted.Join == nil || restarted.Join.RoomID == joined.Join.RoomID {
		t.Fatalf("expected a new room lifetime, got %+v", restarted.Join)
	}
	newOwner := newClient("owner-2", 32)
	env.ws.apply(newOwner, restarted)
	if isKicked(newOwner) || env.hub.Members("AB12", app.RoleControl) != 1 {
		t.Fatalf("new room's control must be subscribed")
	}
	if env.hub.Members("AB12", app.RoleParticipant) != 0 {
		t.Fatalf("stale participant leaked into the new room")
	}
}

func sampleQuiz() domain.Quiz {
	return domain.Quiz{
		ID:      "Q",
		Name:    "Capitals",
		Creator: "alice",
		Public:  true,
		Pages: []domain.Page{
			{Type: "title", Elements: []domain.Element{{ID: "title", Type: "text"}}},
			{Type: "question", Elements: []domain.Element{
				{ID: "q1", Type: "question", IsQuestion: true, AppearanceMode: domain.AppearanceControl},
				{ID: "a1", Type: domain.ElementTypeAnswerInput, ParentID: "q1", AnswerType: "text"},
			}},
		},
	}
}
