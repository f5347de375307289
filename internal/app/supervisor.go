package app

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often the supervisor looks for idle rooms.
const DefaultSweepInterval = time.Minute

// Supervisor restores rooms at startup and expires idle ones in the background.
type Supervisor struct {
	store    *Store
	interval time.Duration
	log      *slog.Logger
}

func NewSupervisor(store *Store, interval time.Duration, logger *slog.Logger) *Supervisor {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{store: store, interval: interval, log: logger}
}

// Restore loads persisted rooms. It must finish before connections are accepted.
func (s *Supervisor) Restore(ctx context.Context) error {
	n, err := s.store.Restore(ctx)
	if err != nil {
		return err
	}
	s.log.Info("rooms restored", "count", n)
	return nil
}

// Run sweeps idle rooms until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.store.Sweep(); n > 0 {
				s.log.Info("idle sweep finished", "expired", n)
			}
		}
	}
}
