package app_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"quizlive/internal/app"
	"quizlive/internal/domain"
	"quizlive/internal/infra/logger"
	"quizlive/internal/infra/memory"
)

var epoch = time.Date(2024, 11, 22, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: epoch}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// codeSequence hands out the given codes in order, then repeats the last one.
func codeSequence(codes ...string) func() string {
	var (
		mu sync.Mutex
		i  int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		code := codes[i]
		if i < len(codes)-1 {
			i++
		}
		return code
	}
}

func newTestStore(backend app.SnapshotStore, clock *testClock, codes ...string) *app.Store {
	opts := app.StoreOptions{
		Now:    clock.Now,
		Logger: logger.Discard(),
	}
	if len(codes) > 0 {
		opts.NewCode = codeSequence(codes...)
	}
	return app.NewStore(backend, opts)
}

type harness struct {
	clock    *testClock
	backend  *memory.SnapshotStore
	store    *app.Store
	service  *app.Service
	quizzes  *memory.StaticQuizLoader
	runs     *memory.RunRecorder
	owner    app.Caller
	intruder app.Caller
}

func newHarness(t *testing.T, codes ...string) *harness {
	t.Helper()
	h := &harness{
		clock:    newTestClock(),
		backend:  memory.NewSnapshotStore(),
		quizzes:  memory.NewStaticQuizLoader(map[string]domain.Quiz{"Q": sampleQuiz()}),
		runs:     memory.NewRunRecorder(),
		owner:    app.Caller{ConnID: "conn-owner", OwnerID: "alice"},
		intruder: app.Caller{ConnID: "conn-bob", OwnerID: "bob"},
	}
	if len(codes) == 0 {
		codes = []string{"AB12"}
	}
	h.store = newTestStore(h.backend, h.clock, codes...)
	h.service = app.NewService(h.store, memory.NewQuizRepository(h.quizzes, time.Hour), h.runs, logger.Discard())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.store.Close(ctx)
	})
	return h
}

// sampleQuiz has three pages with one question, bound to an answer input, on the second.
func sampleQuiz() domain.Quiz {
	return domain.Quiz{
		ID:      "Q",
		Name:    "Capitals",
		Creator: "alice",
		Public:  true,
		Pages: []domain.Page{
			{Type: "title", Elements: []domain.Element{
				{ID: "title", Type: "text"},
			}},
			{Type: "question", Elements: []domain.Element{
				{ID: "q1", Type: "question", IsQuestion: true, AppearanceMode: domain.AppearanceControl, CorrectAnswer: "Paris"},
				{ID: "a1", Type: domain.ElementTypeAnswerInput, ParentID: "q1", AnswerType: "text"},
				{ID: "hint", Type: "text", AppearanceMode: domain.AppearanceTimer, AppearanceDelay: 5},
				{ID: "caption", Type: "text"},
			}},
			{Type: "results", Elements: []domain.Element{
				{ID: "podium", Type: "podium"},
			}},
		},
	}
}

func decodePayload(t *testing.T, payload any, into any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
}

func broadcastsTo(res app.Result, role app.Role, name string) []app.Broadcast {
	var out []app.Broadcast
	for _, b := range res.Broadcasts {
		if b.Role == role && b.Event.Name == name {
			out = append(out, b)
		}
	}
	return out
}
