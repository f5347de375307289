package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"quizlive/internal/domain"
)

type quizRunModel struct {
	bun.BaseModel `bun:"table:quiz_runs,alias:qr"`

	ID          int64      `bun:"id,pk,autoincrement"`
	QuizID      string     `bun:"quiz_id,notnull"`
	OwnerID     string     `bun:"quizmaster,notnull"`
	RoomCode    string     `bun:"room_code,notnull"`
	StartedAt   time.Time  `bun:"started_at,notnull"`
	CompletedAt *time.Time `bun:"completed_at"`
	Completed   bool       `bun:"completed,notnull"`
}

// RunRecorder stores quiz-run statistics in the quiz_runs table.
type RunRecorder struct {
	db *bun.DB
}

func NewRunRecorder(db *bun.DB) *RunRecorder {
	return &RunRecorder{db: db}
}

func (r *RunRecorder) RecordStart(ctx context.Context, run domain.QuizRun) error {
	model := &quizRunModel{
		QuizID:    run.QuizID,
		OwnerID:   run.OwnerID,
		RoomCode:  run.RoomCode,
		StartedAt: run.StartedAt,
	}
	if _, err := r.db.NewInsert().Model(model).Exec(ctx); err != nil {
		return fmt.Errorf("insert quiz run: %w", err)
	}
	return nil
}

// RecordCompletion marks the open run of a room completed. Rooms whose start
// was never recorded are ignored.
func (r *RunRecorder) RecordCompletion(ctx context.Context, roomCode string, at time.Time) error {
	_, err := r.db.NewUpdate().
		Model((*quizRunModel)(nil)).
		Set("completed = TRUE").
		Set("completed_at = ?", at).
		Where("room_code = ?", roomCode).
		Where("completed = FALSE").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("complete quiz run: %w", err)
	}
	return nil
}

func (r *RunRecorder) Stats(ctx context.Context, ownerID string) (domain.RunStats, error) {
	stats := domain.RunStats{OwnerID: ownerID}
	started, err := r.db.NewSelect().
		Model((*quizRunModel)(nil)).
		Where("quizmaster = ?", ownerID).
		Count(ctx)
	if err != nil {
		return stats, fmt.Errorf("count quiz runs: %w", err)
	}
	completed, err := r.db.NewSelect().
		Model((*quizRunModel)(nil)).
		Where("quizmaster = ?", ownerID).
		Where("completed = TRUE").
		Count(ctx)
	if err != nil {
		return stats, fmt.Errorf("count completed quiz runs: %w", err)
	}
	stats.RunsStarted = started
	stats.QuizzesRun = completed
	return stats, nil
}
