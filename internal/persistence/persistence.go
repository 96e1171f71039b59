// Package persistence is a dedicated worker that debounces disk writes of
// the CRDT snapshot behind a request channel of one-shot acknowledgement
// handles.
package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"go.klb.dev/todomcp/internal/replica"
)

// Request is one save request. Ack, if non-nil, is closed once the write
// (or its failure) has been observed by the caller's choosing to wait —
// producers that don't care send a nil Ack.
type Request struct {
	Ack chan<- struct{}
}

// Worker owns the destination path and serialises writes of the replica's
// CRDT snapshot to disk.
type Worker struct {
	path string
	rep  *replica.Replica
	reqs chan Request
	log  *slog.Logger
}

// New returns a Worker that will write snapshots of rep to path. Call Run
// in its own goroutine.
func New(path string, rep *replica.Replica) *Worker {
	return &Worker{
		path: path,
		rep:  rep,
		reqs: make(chan Request, 32),
		log:  slog.With("component", "persistence"),
	}
}

// RequestSave enqueues a save, returning immediately: producers don't await
// completion unless they pass a non-nil ack and wait on it themselves. If
// the queue is full, the request is dropped — a later save will still pick
// up the then-current document.
func (w *Worker) RequestSave(ack chan<- struct{}) {
	select {
	case w.reqs <- Request{Ack: ack}:
	default:
		w.log.Warn("save queue full, dropping request")
		if ack != nil {
			close(ack)
		}
	}
}

// Run processes save requests until ctx is cancelled. Every request clones
// the current document (by taking the replica's read lock), encodes a full
// save, and writes it to disk atomically via a temp-file rename.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-w.reqs:
			w.save()
			if req.Ack != nil {
				close(req.Ack)
			}
		}
	}
}

func (w *Worker) save() {
	w.rep.RLock()
	data := w.rep.SnapshotBytes()
	w.rep.RUnlock()

	if err := writeAtomic(w.path, data); err != nil {
		w.log.Error("snapshot write failed", "path", w.path, "err", err)
	}
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("persistence: mkdir %s: %w", dir, err)
		}
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("persistence: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("persistence: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("persistence: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("persistence: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("persistence: rename into place: %w", err)
	}
	return nil
}
