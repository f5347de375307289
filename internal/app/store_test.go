package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"quizlive/internal/app"
	"quizlive/internal/domain"
	"quizlive/internal/infra/memory"
)

func contextWithTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestCreateSkipsLiveAndPersistedCodes(t *testing.T) {
	ctx := contextWithTimeout(t)
	backend := memory.NewSnapshotStore()
	_ = backend.Put(ctx, "CCCC", []byte(`{"code":"CCCC"}`))
	store := newTestStore(backend, newTestClock(), "AAAA", "AAAA", "CCCC", "DDDD")
	defer store.Close(ctx)

	first, err := store.Create(ctx, sampleQuiz(), "alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := store.Create(ctx, sampleQuiz(), "alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.Code != "AAAA" || second.Code != "DDDD" {
		t.Fatalf("expected AAAA then DDDD, got %s then %s", first.Code, second.Code)
	}
	if first.Version != 1 {
		t.Fatalf("expected version 1, got %d", first.Version)
	}
}

func TestCreateExhaustsCodeSpace(t *testing.T) {
	ctx := contextWithTimeout(t)
	store := newTestStore(memory.NewSnapshotStore(), newTestClock(), "AAAA")
	defer store.Close(ctx)

	if _, err := store.Create(ctx, sampleQuiz(), "alice"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Create(ctx, sampleQuiz(), "alice"); !errors.Is(err, domain.ErrCodeSpaceExhausted) {
		t.Fatalf("expected ErrCodeSpaceExhausted, got %v", err)
	}
}

func TestRandomCodesAreUniqueAmongLiveRooms(t *testing.T) {
	ctx := contextWithTimeout(t)
	store := app.NewStore(memory.NewSnapshotStore(), app.StoreOptions{})
	defer store.Close(ctx)

	format := regexp.MustCompile(`^[A-Z0-9]{4}$`)
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		codes = make(map[string]bool)
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				session, err := store.Create(ctx, sampleQuiz(), "alice")
				if err != nil {
					t.Errorf("create: %v", err)
					return
				}
				mu.Lock()
				if codes[session.Code] {
					t.Errorf("duplicate live code %s", session.Code)
				}
				codes[session.Code] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for code := range codes {
		if !format.MatchString(code) {
			t.Fatalf("malformed code %q", code)
		}
	}
	if len(store.Codes()) != 400 {
		t.Fatalf("expected 400 live rooms, got %d", len(store.Codes()))
	}
}

func TestLazyExpiryRemovesRoomAndSnapshot(t *testing.T) {
	ctx := contextWithTimeout(t)
	clock := newTestClock()
	backend := memory.NewSnapshotStore()
	expired := make(chan app.RoomRef, 1)
	store := app.NewStore(backend, app.StoreOptions{
		Now:      clock.Now,
		NewCode:  codeSequence("AB12"),
		OnExpire: func(room app.RoomRef) { expired <- room },
	})
	defer store.Close(ctx)

	created, err := store.Create(ctx, sampleQuiz(), "alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	clock.Advance(2 * time.Hour)
	if _, err := store.Get("AB12"); err != nil {
		t.Fatalf("room should still be live: %v", err)
	}

	clock.Advance(app.DefaultIdleTimeout + time.Second)
	if _, err := store.Get("AB12"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after idle timeout, got %v", err)
	}
	if _, err := store.Mutate("AB12", func(*domain.Session) error { return nil }); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected mutate on expired room to fail, got %v", err)
	}
	select {
	case room := <-expired:
		if room.Code != "AB12" || room.ID == "" || room.ID != created.ID {
			t.Fatalf("unexpected expired room %+v, created %s", room, created.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected expiry callback")
	}

	if err := store.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if _, err := backend.Get(ctx, "AB12"); !errors.Is(err, domain.ErrSnapshotNotFound) {
		t.Fatalf("expected snapshot deleted, got %v", err)
	}
}

type countingBackend struct {
	*memory.SnapshotStore
	deletes atomic.Int32
}

func (b *countingBackend) Delete(ctx context.Context, code string) error {
	b.deletes.Add(1)
	return b.SnapshotStore.Delete(ctx, code)
}

func TestConcurrentLazyExpiryAndSweepExpireOnce(t *testing.T) {
	ctx := contextWithTimeout(t)
	clock := newTestClock()
	backend := &countingBackend{SnapshotStore: memory.NewSnapshotStore()}
	var calls atomic.Int32
	store := app.NewStore(backend, app.StoreOptions{
		Now:      clock.Now,
		NewCode:  codeSequence("AB12"),
		OnExpire: func(app.RoomRef) { calls.Add(1) },
	})
	defer store.Close(ctx)

	if _, err := store.Create(ctx, sampleQuiz(), "alice"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	clock.Advance(app.DefaultIdleTimeout + time.Minute)

	var (
		wg    sync.WaitGroup
		swept atomic.Int32
		start = make(chan struct{})
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			if i%2 == 0 {
				swept.Add(int32(store.Sweep()))
				return
			}
			if _, err := store.Get("AB12"); !errors.Is(err, domain.ErrSessionNotFound) {
				t.Errorf("expected ErrSessionNotFound, got %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if got := swept.Load(); got > 1 {
		t.Fatalf("room swept %d times", got)
	}
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected one expiry callback, got %d", got)
	}
	if got := backend.deletes.Load(); got != 1 {
		t.Fatalf("expected one snapshot delete, got %d", got)
	}
	if codes := store.Codes(); len(codes) != 0 {
		t.Fatalf("expected no live rooms, got %v", codes)
	}
}

func TestMutationKeepsRoomAlive(t *testing.T) {
	ctx := contextWithTimeout(t)
	clock := newTestClock()
	store := newTestStore(memory.NewSnapshotStore(), clock, "AB12")
	defer store.Close(ctx)

	if _, err := store.Create(ctx, sampleQuiz(), "alice"); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 3; i++ {
		clock.Advance(2 * time.Hour)
		if _, err := store.Mutate("AB12", func(*domain.Session) error { return nil }); err != nil {
			t.Fatalf("mutate %d: %v", i, err)
		}
	}
	if got := store.Sweep(); got != 0 {
		t.Fatalf("expected nothing to sweep, got %d", got)
	}
}

func TestSweepExpiresOnlyIdleRooms(t *testing.T) {
	ctx := contextWithTimeout(t)
	clock := newTestClock()
	store := newTestStore(memory.NewSnapshotStore(), clock, "AAAA", "BBBB")
	defer store.Close(ctx)

	_, _ = store.Create(ctx, sampleQuiz(), "alice")
	_, _ = store.Create(ctx, sampleQuiz(), "alice")
	clock.Advance(2 * time.Hour)
	_, _ = store.Mutate("BBBB", func(*domain.Session) error { return nil })
	clock.Advance(90 * time.Minute)

	if got := store.Sweep(); got != 1 {
		t.Fatalf("expected one expired room, got %d", got)
	}
	if got := store.Sweep(); got != 0 {
		t.Fatalf("second sweep must be a no-op, got %d", got)
	}
	codes := store.Codes()
	if len(codes) != 1 || codes[0] != "BBBB" {
		t.Fatalf("unexpected live rooms %v", codes)
	}
}

func TestFailedMutationLeavesStateUntouched(t *testing.T) {
	ctx := contextWithTimeout(t)
	store := newTestStore(memory.NewSnapshotStore(), newTestClock(), "AB12")
	defer store.Close(ctx)

	before, _ := store.Create(ctx, sampleQuiz(), "alice")
	boom := errors.New("boom")
	if _, err := store.Mutate("AB12", func(*domain.Session) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	after, _ := store.Get("AB12")
	if after.Version != before.Version {
		t.Fatalf("version moved on failed mutation: %d -> %d", before.Version, after.Version)
	}
}

func TestMutateReturnsIndependentCopy(t *testing.T) {
	ctx := contextWithTimeout(t)
	store := newTestStore(memory.NewSnapshotStore(), newTestClock(), "AB12")
	defer store.Close(ctx)
	_, _ = store.Create(ctx, sampleQuiz(), "alice")

	got, err := store.Mutate("AB12", func(s *domain.Session) error {
		s.Scores["p"] = 5
		return nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	got.Scores["p"] = 99

	again, _ := store.Get("AB12")
	if again.Scores["p"] != 5 {
		t.Fatalf("returned copy aliases live state: %d", again.Scores["p"])
	}
}

func TestRoomsDoNotBlockEachOther(t *testing.T) {
	ctx := contextWithTimeout(t)
	store := newTestStore(memory.NewSnapshotStore(), newTestClock(), "AAAA", "BBBB")
	defer store.Close(ctx)
	_, _ = store.Create(ctx, sampleQuiz(), "alice")
	_, _ = store.Create(ctx, sampleQuiz(), "alice")

	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = store.Mutate("AAAA", func(*domain.Session) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding
	defer close(release)

	done := make(chan error, 1)
	go func() {
		_, err := store.Mutate("BBBB", func(s *domain.Session) error {
			s.CurrentPage = 1
			return nil
		})
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("mutate B: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("room B blocked behind room A's lock")
	}
}

func TestConcurrentMutationsAcrossRooms(t *testing.T) {
	ctx := contextWithTimeout(t)
	store := newTestStore(memory.NewSnapshotStore(), newTestClock(), "AAAA", "BBBB")
	defer store.Close(ctx)
	_, _ = store.Create(ctx, sampleQuiz(), "alice")
	_, _ = store.Create(ctx, sampleQuiz(), "alice")

	const perWorker = 100
	rooms := []string{"AAAA", "BBBB"}
	var wg sync.WaitGroup
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			for i := 0; i < perWorker; i++ {
				code := rooms[rnd.Intn(len(rooms))]
				_, err := store.Mutate(code, func(s *domain.Session) error {
					s.Scores[code]++
					s.Scores["total"]++
					return nil
				})
				if err != nil {
					t.Errorf("mutate %s: %v", code, err)
					return
				}
			}
		}(int64(w))
	}
	wg.Wait()

	total := 0
	for _, code := range rooms {
		s, err := store.Get(code)
		if err != nil {
			t.Fatalf("get %s: %v", code, err)
		}
		if s.Scores[code] != s.Scores["total"] {
			t.Fatalf("room %s saw foreign writes: %v", code, s.Scores)
		}
		if s.Version != uint64(s.Scores[code])+1 {
			t.Fatalf("room %s version %d does not match %d mutations", code, s.Version, s.Scores[code])
		}
		total += s.Scores[code]
	}
	if total != 6*perWorker {
		t.Fatalf("lost mutations: %d", total)
	}
}

func TestRestoreAfterRestart(t *testing.T) {
	ctx := contextWithTimeout(t)
	clock := newTestClock()
	backend := memory.NewSnapshotStore()
	first := newTestStore(backend, clock, "AB12", "ZZ99")

	if _, err := first.Create(ctx, sampleQuiz(), "alice"); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := first.Mutate("AB12", func(s *domain.Session) error {
		s.AddParticipant(&domain.Participant{ID: "p1", Name: "Sam", Avatar: "🐱", Connected: true, ConnID: "c1"})
		s.CurrentPage = 1
		s.Answers["q1"] = map[string]*domain.Answer{
			"p1": {Value: json.RawMessage(`"Paris"`), Latency: 2, Correctness: domain.Correct, BonusPoints: 10},
		}
		s.Scores["p1"] = 110
		return nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if _, err := first.Create(ctx, sampleQuiz(), "alice"); err != nil {
		t.Fatalf("create second: %v", err)
	}
	if _, err := first.End("ZZ99", nil); err != nil {
		t.Fatalf("end: %v", err)
	}
	want, _ := first.Get("AB12")
	if err := first.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := newTestStore(backend, clock)
	defer second.Close(ctx)
	restored, err := second.Restore(ctx)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored != 1 {
		t.Fatalf("expected one restored room, got %d", restored)
	}
	if _, err := second.Get("ZZ99"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("ended room reappeared: %v", err)
	}

	got, err := second.Get("AB12")
	if err != nil {
		t.Fatalf("get restored: %v", err)
	}
	if got.CurrentPage != want.CurrentPage || got.Scores["p1"] != 110 || got.Version != want.Version {
		t.Fatalf("restored state differs: page=%d scores=%v version=%d", got.CurrentPage, got.Scores, got.Version)
	}
	a := got.Answers["q1"]["p1"]
	if a == nil || string(a.Value) != `"Paris"` || a.Latency != 2 || a.Correctness != domain.Correct || a.BonusPoints != 10 {
		t.Fatalf("restored answer differs: %+v", a)
	}
	p := got.Participants["p1"]
	if p.Connected || p.ConnID != "" {
		t.Fatalf("restored participant should be disconnected: %+v", p)
	}
}

func TestRestoreDiscardsIdleAndCorruptSnapshots(t *testing.T) {
	ctx := contextWithTimeout(t)
	clock := newTestClock()
	backend := memory.NewSnapshotStore()

	first := newTestStore(backend, clock, "OLD1")
	_, _ = first.Create(ctx, sampleQuiz(), "alice")
	_ = first.Close(ctx)
	_ = backend.Put(ctx, "BAD1", []byte("{not json"))
	_ = backend.Put(ctx, "MIS1", []byte(`{"code":"OTHER"}`))

	clock.Advance(app.DefaultIdleTimeout + time.Minute)
	second := newTestStore(backend, clock)
	defer second.Close(ctx)
	restored, err := second.Restore(ctx)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored != 0 {
		t.Fatalf("expected nothing restored, got %d", restored)
	}
	if err := second.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	keys, _ := backend.Keys(ctx)
	if len(keys) != 0 {
		t.Fatalf("expected stale snapshots deleted, left %v", keys)
	}
}

func TestEndWinsOverQueuedSnapshot(t *testing.T) {
	ctx := contextWithTimeout(t)
	backend := memory.NewSnapshotStore()
	store := newTestStore(backend, newTestClock(), "AB12")
	defer store.Close(ctx)

	_, _ = store.Create(ctx, sampleQuiz(), "alice")
	for i := 0; i < 20; i++ {
		_, _ = store.Mutate("AB12", func(s *domain.Session) error {
			s.Scores["p"]++
			return nil
		})
	}
	final, err := store.End("AB12", nil)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if !final.Ended {
		t.Fatalf("expected ended state")
	}
	if _, err := store.End("AB12", nil); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("second end should report not found, got %v", err)
	}
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if _, err := backend.Get(ctx, "AB12"); !errors.Is(err, domain.ErrSnapshotNotFound) {
		t.Fatalf("snapshot survived end: %v", err)
	}
}

type failingBackend struct {
	*memory.SnapshotStore
}

func (failingBackend) Put(context.Context, string, []byte) error {
	return errors.New("disk full")
}

func TestSnapshotFailureDoesNotAbortMutation(t *testing.T) {
	ctx := contextWithTimeout(t)
	store := newTestStore(failingBackend{memory.NewSnapshotStore()}, newTestClock(), "AB12")
	defer store.Close(ctx)

	if _, err := store.Create(ctx, sampleQuiz(), "alice"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Mutate("AB12", func(s *domain.Session) error {
		s.CurrentPage = 2
		return nil
	}); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	_ = store.Flush(ctx)
	got, err := store.Get("AB12")
	if err != nil || got.CurrentPage != 2 {
		t.Fatalf("in-memory state lost: page=%d err=%v", got.CurrentPage, err)
	}
}
