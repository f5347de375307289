package memory

import (
	"context"
	"sync"
	"time"

	"quizlive/internal/domain"
)

// RunRecorder keeps quiz-run statistics in memory.
type RunRecorder struct {
	mu   sync.Mutex
	runs []domain.QuizRun
}

func NewRunRecorder() *RunRecorder {
	return &RunRecorder{}
}

func (r *RunRecorder) RecordStart(_ context.Context, run domain.QuizRun) error {
	r.mu.Lock()
	r.runs = append(r.runs, run)
	r.mu.Unlock()
	return nil
}

func (r *RunRecorder) RecordCompletion(_ context.Context, roomCode string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.runs) - 1; i >= 0; i-- {
		run := &r.runs[i]
		if run.RoomCode == roomCode && !run.Completed {
			completed := at
			run.CompletedAt = &completed
			run.Completed = true
			return nil
		}
	}
	return nil
}

func (r *RunRecorder) Stats(_ context.Context, ownerID string) (domain.RunStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := domain.RunStats{OwnerID: ownerID}
	for _, run := range r.runs {
		if run.OwnerID != ownerID {
			continue
		}
		stats.RunsStarted++
		if run.Completed {
			stats.QuizzesRun++
		}
	}
	return stats, nil
}

// Runs returns a copy of every recorded run.
func (r *RunRecorder) Runs() []domain.QuizRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.QuizRun(nil), r.runs...)
}
