package app

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"quizlive/internal/domain"
)

// DefaultIdleTimeout is how long a room may go without a mutation before it expires.
const DefaultIdleTimeout = 3 * time.Hour

const (
	codeAlphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength      = 4
	maxCodeAttempts = 256
)

// SnapshotStore is the durable backend for session snapshots (file, Redis, memory).
type SnapshotStore interface {
	Put(ctx context.Context, code string, blob []byte) error
	Get(ctx context.Context, code string) ([]byte, error)
	Delete(ctx context.Context, code string) error
	Keys(ctx context.Context) ([]string, error)
}

// StoreOptions tunes a Store. Zero values select defaults.
type StoreOptions struct {
	IdleTimeout time.Duration
	Now         func() time.Time
	NewCode     func() string
	Logger      *slog.Logger
	// OnExpire is called on its own goroutine for every room removed by idle expiry.
	OnExpire func(room RoomRef)
}

// Store owns every live session. The room map has its own lock, held only for
// insert, lookup and delete; each session is guarded by its own mutex so
// unrelated rooms never serialize on each other.
type Store struct {
	mu    sync.RWMutex
	rooms map[string]*room

	snapshots SnapshotStore
	writer    *snapshotWriter
	idle      time.Duration
	now       func() time.Time
	newCode   func() string
	onExpire  func(room RoomRef)
	log       *slog.Logger
}

type room struct {
	mu    sync.Mutex
	state *domain.Session
}

// NewStore builds a store persisting through snapshots.
func NewStore(snapshots SnapshotStore, opts StoreOptions) *Store {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewCode == nil {
		opts.NewCode = RandomCode
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		rooms:     make(map[string]*room),
		snapshots: snapshots,
		writer:    newSnapshotWriter(snapshots, opts.Logger),
		idle:      opts.IdleTimeout,
		now:       opts.Now,
		newCode:   opts.NewCode,
		onExpire:  opts.OnExpire,
		log:       opts.Logger,
	}
}

// RandomCode returns a 4-character room code from the uppercase alphanumeric alphabet.
func RandomCode() string {
	buf := make([]byte, codeLength)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err)
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf)
}

// Create registers a new session for quiz owned by ownerID and returns its code.
// Codes are unique among live sessions and never reuse a code that still has a
// snapshot on disk.
func (s *Store) Create(ctx context.Context, quiz domain.Quiz, ownerID string) (domain.Session, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code := s.newCode()

		s.mu.RLock()
		_, live := s.rooms[code]
		s.mu.RUnlock()
		if live || s.snapshotExists(ctx, code) {
			continue
		}

		session := domain.NewSession(code, quiz, ownerID, s.now())
		session.ID = uuid.NewString()
		session.Version = 1
		r := &room{state: session}

		s.mu.Lock()
		if _, taken := s.rooms[code]; taken {
			s.mu.Unlock()
			continue
		}
		// Lock the room before it becomes reachable so the first snapshot is
		// ordered ahead of any mutation.
		r.mu.Lock()
		s.rooms[code] = r
		s.mu.Unlock()

		s.persistLocked(session)
		out := *session.Clone()
		r.mu.Unlock()
		return out, nil
	}
	return domain.Session{}, domain.ErrCodeSpaceExhausted
}

func (s *Store) snapshotExists(ctx context.Context, code string) bool {
	if s.writer.pendingPut(code) {
		return true
	}
	_, err := s.snapshots.Get(ctx, code)
	if err == nil {
		return true
	}
	if !errors.Is(err, domain.ErrSnapshotNotFound) {
		// Unknown state: treat the code as taken rather than risk reuse.
		s.log.Error("snapshot lookup failed", "room", code, "err", err)
		return true
	}
	return false
}

func (s *Store) lookup(code string) (*room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[code]
	return r, ok
}

// Get returns a copy of the session, expiring it first if it has been idle too long.
func (s *Store) Get(code string) (domain.Session, error) {
	var out domain.Session
	err := s.View(code, func(session *domain.Session) error {
		out = *session.Clone()
		return nil
	})
	return out, err
}

// View runs fn against the session under its lock without changing it.
// fn must not retain the pointer; its error is returned as is.
func (s *Store) View(code string, fn func(*domain.Session) error) error {
	r, ok := s.lookup(code)
	if !ok {
		return domain.ErrSessionNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Ended {
		return domain.ErrSessionNotFound
	}
	if s.idleLocked(r.state) {
		s.expireLocked(code, r)
		return domain.ErrSessionNotFound
	}
	return fn(r.state)
}

// Mutate is the only write path. It applies fn under the session lock; when fn
// succeeds it refreshes the activity clock, bumps the version, queues a
// snapshot and returns a copy of the new state. When fn fails nothing is
// persisted and fn must have left the session untouched.
func (s *Store) Mutate(code string, fn func(*domain.Session) error) (domain.Session, error) {
	r, ok := s.lookup(code)
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Ended {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if s.idleLocked(r.state) {
		s.expireLocked(code, r)
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if err := fn(r.state); err != nil {
		return domain.Session{}, err
	}
	r.state.LastActivityAt = s.now()
	r.state.Version++
	s.persistLocked(r.state)
	return *r.state.Clone(), nil
}

// End terminates a session after fn (which may reject the request) and returns
// its final state. The room is unreachable as soon as End returns, even if the
// snapshot delete is still queued.
func (s *Store) End(code string, fn func(*domain.Session) error) (domain.Session, error) {
	r, ok := s.lookup(code)
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Ended {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if fn != nil {
		if err := fn(r.state); err != nil {
			return domain.Session{}, err
		}
	}
	r.state.LastActivityAt = s.now()
	r.state.Version++
	s.terminateLocked(code, r)
	return *r.state.Clone(), nil
}

func (s *Store) idleLocked(session *domain.Session) bool {
	return s.now().Sub(session.LastActivityAt) > s.idle
}

// terminateLocked marks the room ended, unlinks it and queues the snapshot
// delete. Safe to call from the lazy path and the sweep at the same time.
func (s *Store) terminateLocked(code string, r *room) {
	r.state.Ended = true
	s.mu.Lock()
	if current, ok := s.rooms[code]; ok && current == r {
		delete(s.rooms, code)
	}
	s.mu.Unlock()
	s.writer.enqueueDelete(code)
	s.log.Info("room terminated", "room", code)
}

func (s *Store) expireLocked(code string, r *room) {
	s.terminateLocked(code, r)
	s.log.Info("room expired after inactivity", "room", code)
	if s.onExpire != nil {
		go s.onExpire(refOf(r.state))
	}
}

func (s *Store) persistLocked(session *domain.Session) {
	blob, err := json.Marshal(session)
	if err != nil {
		s.log.Error("snapshot encode failed", "room", session.Code, "err", err)
		return
	}
	s.writer.enqueuePut(session.Code, blob)
}

// Sweep expires every idle room and returns how many were removed.
func (s *Store) Sweep() int {
	s.mu.RLock()
	codes := make([]string, 0, len(s.rooms))
	for code := range s.rooms {
		codes = append(codes, code)
	}
	s.mu.RUnlock()

	expired := 0
	for _, code := range codes {
		r, ok := s.lookup(code)
		if !ok {
			continue
		}
		r.mu.Lock()
		if !r.state.Ended && s.idleLocked(r.state) {
			s.expireLocked(code, r)
			expired++
		}
		r.mu.Unlock()
	}
	return expired
}

// Restore loads persisted snapshots. Ended or idle snapshots and unreadable
// ones are deleted; the rest go live with every participant disconnected.
func (s *Store) Restore(ctx context.Context) (int, error) {
	keys, err := s.snapshots.Keys(ctx)
	if err != nil {
		return 0, &domain.PersistenceError{Op: "list", Err: err}
	}
	restored := 0
	for _, code := range keys {
		blob, err := s.snapshots.Get(ctx, code)
		if err != nil {
			s.log.Error("snapshot read failed", "room", code, "err", err)
			continue
		}
		var session domain.Session
		if err := json.Unmarshal(blob, &session); err != nil || session.Code != code {
			s.log.Error("discarding unreadable snapshot", "room", code, "err", err)
			s.writer.enqueueDelete(code)
			continue
		}
		if session.Ended || s.idleLocked(&session) {
			s.writer.enqueueDelete(code)
			continue
		}
		normalize(&session)
		for _, p := range session.Participants {
			p.Connected = false
			p.ConnID = ""
		}

		s.mu.Lock()
		if _, exists := s.rooms[code]; !exists {
			s.rooms[code] = &room{state: &session}
			restored++
		}
		s.mu.Unlock()
	}
	return restored, nil
}

// normalize fills maps that may decode as nil from older or hand-edited snapshots.
func normalize(s *domain.Session) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.QuestionVisibleAt == nil {
		s.QuestionVisibleAt = make(map[string]time.Time)
	}
	if s.Participants == nil {
		s.Participants = make(map[string]*domain.Participant)
	}
	if s.Answers == nil {
		s.Answers = make(map[string]map[string]*domain.Answer)
	}
	if s.Scores == nil {
		s.Scores = make(map[string]int)
	}
	if s.ElementVisibility == nil {
		s.ElementVisibility = make(map[string]bool)
	}
	s.CurrentPage = s.ClampPage(s.CurrentPage)
}

// Codes lists live room codes in sorted order.
func (s *Store) Codes() []string {
	s.mu.RLock()
	codes := make([]string, 0, len(s.rooms))
	for code := range s.rooms {
		codes = append(codes, code)
	}
	s.mu.RUnlock()
	sort.Strings(codes)
	return codes
}

// Flush waits until every queued snapshot write has been applied.
func (s *Store) Flush(ctx context.Context) error {
	return s.writer.flush(ctx)
}

// Close drains the snapshot writer and stops it.
func (s *Store) Close(ctx context.Context) error {
	err := s.writer.flush(ctx)
	s.writer.stop()
	return err
}
