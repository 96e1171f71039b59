// Package replica owns the per-process replica state: the CRDT document,
// the alive-peer table, and the dedup cache, behind a single-writer/
// many-reader lock.
package replica

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.klb.dev/todomcp/internal/crdtdoc"
	"go.klb.dev/todomcp/internal/dedup"
	"go.klb.dev/todomcp/internal/model"
)

// AliveTimeout is how long a site may go without a message before its alive
// entry is pruned.
const AliveTimeout = 5 * time.Second

// Replica is the process-local CRDT state plus the bookkeeping the sync
// protocol needs to suppress duplicate work.
type Replica struct {
	mu sync.RWMutex

	localSiteID uint32
	doc         *crdtdoc.Document
	alive       map[uint32]time.Time
	dedup       *dedup.Set
	stateSeen   map[uint32]struct{}

	events chan<- model.Event
}

// LoadOrNew reads path if present and parses it as a CRDT snapshot,
// otherwise starts an empty document. Either way it emits the initial
// StateUpdate before returning.
func LoadOrNew(path string, localSiteID uint32, events chan<- model.Event) (*Replica, error) {
	r := &Replica{
		localSiteID: localSiteID,
		alive:       make(map[uint32]time.Time),
		dedup:       dedup.New(),
		stateSeen:   make(map[uint32]struct{}),
		events:      events,
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		doc, loadErr := crdtdoc.Load(data)
		if loadErr != nil {
			return nil, fmt.Errorf("replica: load %s: %w", path, loadErr)
		}
		r.doc = doc
	case os.IsNotExist(err):
		r.doc = crdtdoc.New()
	default:
		return nil, fmt.Errorf("replica: read %s: %w", path, err)
	}

	state, err := r.doc.Hydrate()
	if err != nil {
		return nil, fmt.Errorf("replica: hydrate initial state: %w", err)
	}
	r.publish(model.StateUpdate{State: state})
	return r, nil
}

func (r *Replica) publish(ev model.Event) {
	if r.events == nil {
		return
	}
	select {
	case r.events <- ev:
	default:
	}
}

// LocalSiteID returns this process's short protocol identifier.
func (r *Replica) LocalSiteID() uint32 { return r.localSiteID }

// Lock acquires the writer lock, used by the local-command and
// remote-message handlers around a full mutate-and-reconcile cycle.
func (r *Replica) Lock()   { r.mu.Lock() }
func (r *Replica) Unlock() { r.mu.Unlock() }

// RLock acquires the reader lock, used by the persistence worker to take a
// consistent snapshot; it waits for any held writer lock and shares access
// with other readers.
func (r *Replica) RLock()   { r.mu.RLock() }
func (r *Replica) RUnlock() { r.mu.RUnlock() }

// Hydrate materialises the current document as a model.TodoState. Callers
// must hold at least RLock.
func (r *Replica) Hydrate() (model.TodoState, error) { return r.doc.Hydrate() }

// Reconcile rewrites the document to match state. Callers must hold Lock.
func (r *Replica) Reconcile(state model.TodoState) error { return r.doc.Reconcile(state) }

// SnapshotBytes returns a full CRDT save of the current document. Callers
// must hold at least RLock.
func (r *Replica) SnapshotBytes() []byte { return r.doc.Save() }

// DeltaBytes returns the incremental change set since the last call.
// Callers must hold Lock (SaveIncremental mutates the document's internal
// change cursor).
func (r *Replica) DeltaBytes() []byte { return r.doc.SaveIncremental() }

// ApplyDelta applies an incoming delta. Callers must hold Lock.
func (r *Replica) ApplyDelta(data []byte) error { return r.doc.LoadIncremental(data) }

// Merge loads a remote full state. If the local document currently holds no
// lists, the remote content is adopted under the local actor id rather than
// merged, per the pristine-adoption invariant. Callers must hold Lock.
func (r *Replica) Merge(data []byte) error {
	pristine, err := r.isPristine()
	if err != nil {
		return fmt.Errorf("replica: merge: %w", err)
	}
	if pristine {
		if err := r.doc.Rebind(data); err != nil {
			return fmt.Errorf("replica: merge: pristine adopt: %w", err)
		}
		return nil
	}

	remote, err := crdtdoc.Load(data)
	if err != nil {
		return fmt.Errorf("replica: merge: decode remote state: %w", err)
	}
	if err := r.doc.Merge(remote); err != nil {
		return fmt.Errorf("replica: merge: %w", err)
	}
	return nil
}

func (r *Replica) isPristine() (bool, error) {
	state, err := r.doc.Hydrate()
	if err != nil {
		return false, err
	}
	return len(state.Lists) == 0, nil
}

// Dedup reports whether blob's hash has already been seen, recording it
// either way it wasn't. Callers must hold Lock (the dedup set is not
// independently synchronised).
func (r *Replica) Dedup(blob []byte) (alreadySeen bool) {
	h := dedup.Hash(blob)
	if r.dedup.Contains(h) {
		return true
	}
	r.dedup.Add(h)
	return false
}

// MarkStateSeen records that a full State has now been merged from origin.
func (r *Replica) MarkStateSeen(origin uint32) { r.stateSeen[origin] = struct{}{} }

// MarkStateUnseen clears origin's seen-state record, forcing the next
// DeltaChange from it to trigger a RequestState instead of being applied
// directly. Used when a delta from origin fails to apply: origin's prior
// State can no longer be trusted as the basis for its deltas.
func (r *Replica) MarkStateUnseen(origin uint32) { delete(r.stateSeen, origin) }

// HasSeenState reports whether a full State has ever been merged from
// origin — the remote-message handler uses this to decide whether an
// incoming DeltaChange can be trusted or must first trigger a
// RequestState.
func (r *Replica) HasSeenState(origin uint32) bool {
	_, ok := r.stateSeen[origin]
	return ok
}

// UpdateAlive refreshes site's last-seen timestamp (or, if site is nil,
// only prunes), drops entries older than AliveTimeout, and emits a
// ConnectionStatus event if the alive count changed.
func (r *Replica) UpdateAlive(site *uint32) {
	r.mu.Lock()
	before := len(r.alive)

	now := time.Now()
	if site != nil {
		r.alive[*site] = now
	}
	for id, last := range r.alive {
		if now.Sub(last) > AliveTimeout {
			delete(r.alive, id)
		}
	}
	after := len(r.alive)
	r.mu.Unlock()

	if after != before {
		r.publish(model.ConnectionStatus{Message: fmt.Sprintf("%d peer(s) alive", after)})
	}
}

// ShutdownSite removes site from the alive table and emits a
// ConnectionStatus event unconditionally (a peer explicitly announcing
// shutdown is itself newsworthy even if the count doesn't change).
func (r *Replica) ShutdownSite(site uint32) {
	r.mu.Lock()
	delete(r.alive, site)
	count := len(r.alive)
	r.mu.Unlock()

	r.publish(model.ConnectionStatus{Message: fmt.Sprintf("peer %08x shut down, %d remaining", site, count)})
}

// AliveCount returns the current number of tracked peers.
func (r *Replica) AliveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.alive)
}

// EnsureParentDir creates the parent directory of path if it doesn't
// already exist, matching the persistence worker's first-use contract.
func EnsureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
