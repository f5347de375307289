package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"quizlive/internal/domain"
)

const snapshotWriteTimeout = 10 * time.Second

type snapshotOp struct {
	blob   []byte
	delete bool
}

// snapshotWriter applies snapshot puts and deletes on a single goroutine.
// Ops for the same room coalesce (the latest wins) and are applied in the
// order they were queued, so a delete queued after a put is never undone.
type snapshotWriter struct {
	backend SnapshotStore
	log     *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending map[string]snapshotOp
	queue   []string
	busy    bool
	stopped bool

	wake chan struct{}
	done chan struct{}
}

func newSnapshotWriter(backend SnapshotStore, log *slog.Logger) *snapshotWriter {
	w := &snapshotWriter{
		backend: backend,
		log:     log,
		pending: make(map[string]snapshotOp),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	go w.run()
	return w
}

func (w *snapshotWriter) enqueuePut(code string, blob []byte) {
	w.enqueue(code, snapshotOp{blob: blob})
}

func (w *snapshotWriter) enqueueDelete(code string) {
	w.enqueue(code, snapshotOp{delete: true})
}

func (w *snapshotWriter) enqueue(code string, op snapshotOp) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		w.log.Error("snapshot writer stopped, dropping op", "room", code, "delete", op.delete)
		return
	}
	if _, queued := w.pending[code]; !queued {
		w.queue = append(w.queue, code)
	}
	w.pending[code] = op
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *snapshotWriter) pendingPut(code string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	op, ok := w.pending[code]
	return ok && !op.delete
}

func (w *snapshotWriter) run() {
	defer close(w.done)
	for {
		w.mu.Lock()
		for len(w.queue) == 0 {
			if w.stopped {
				w.mu.Unlock()
				return
			}
			w.mu.Unlock()
			<-w.wake
			w.mu.Lock()
		}
		code := w.queue[0]
		w.queue = w.queue[1:]
		op := w.pending[code]
		delete(w.pending, code)
		w.busy = true
		w.mu.Unlock()

		w.apply(code, op)

		w.mu.Lock()
		w.busy = false
		w.cond.Broadcast()
		w.mu.Unlock()
	}
}

func (w *snapshotWriter) apply(code string, op snapshotOp) {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotWriteTimeout)
	defer cancel()

	var err error
	if op.delete {
		err = w.backend.Delete(ctx, code)
		if err != nil {
			err = &domain.PersistenceError{Op: "delete", Code: code, Err: err}
		}
	} else {
		err = w.backend.Put(ctx, code, op.blob)
		if err != nil {
			err = &domain.PersistenceError{Op: "put", Code: code, Err: err}
		}
	}
	if err != nil {
		w.log.Error("snapshot write failed", "room", code, "err", err)
	}
}

// flush blocks until the queue is empty and nothing is being written.
func (w *snapshotWriter) flush(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		w.mu.Lock()
		for len(w.queue) > 0 || w.busy {
			w.cond.Wait()
		}
		w.mu.Unlock()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *snapshotWriter) stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
	<-w.done
}
