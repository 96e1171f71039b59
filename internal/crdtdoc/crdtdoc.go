// Package crdtdoc wraps an automerge document so that the rest of the
// replica never touches the automerge API directly. It provides exactly the
// six operations the replica's CRDT contract names: new/load, full save,
// incremental save-since-last-call, incremental apply, merge, and actor-id
// rebind.
//
// Hydration between the automerge document and model.TodoState is hand
// written (automerge-go, unlike the Rust autosurgeon crate the original
// implementation used, has no reflection-based hydrate/reconcile helper) —
// see hydrate.go.
package crdtdoc

import (
	"fmt"

	"github.com/automerge/automerge-go"

	"go.klb.dev/todomcp/internal/model"
)

// Document owns one automerge.Doc and the document-level bookkeeping the
// replica's delta/merge contract needs.
type Document struct {
	doc *automerge.Doc
}

// New returns an empty document ready to be populated by Reconcile.
func New() *Document {
	return &Document{doc: automerge.New()}
}

// Load parses a full automerge save file.
func Load(data []byte) (*Document, error) {
	doc, err := automerge.Load(data)
	if err != nil {
		return nil, fmt.Errorf("crdtdoc: load: %w", err)
	}
	return &Document{doc: doc}, nil
}

// ActorID returns the document's current actor identity.
func (d *Document) ActorID() automerge.ActorID { return d.doc.ActorID() }

// Save returns a full snapshot of the document. It does no locking of its
// own: callers must hold at least the replica's read lock so no writer
// mutates the document during the save.
func (d *Document) Save() []byte { return d.doc.Save() }

// SaveIncremental returns the change set accumulated since the last call to
// SaveIncremental (or since document creation, for the first call).
func (d *Document) SaveIncremental() []byte { return d.doc.SaveIncremental() }

// LoadIncremental applies an incoming delta produced by another replica's
// SaveIncremental. Returns MalformedDelta on any decode failure.
func (d *Document) LoadIncremental(data []byte) error {
	if _, err := d.doc.LoadIncremental(data); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedDelta, err)
	}
	return nil
}

// Merge folds other's full history into d. Both documents keep their own
// actor identity; automerge's merge is commutative, associative, and
// idempotent by construction.
func (d *Document) Merge(other *Document) error {
	if _, err := d.doc.Merge(other.doc); err != nil {
		return fmt.Errorf("crdtdoc: merge: %w", err)
	}
	return nil
}

// Rebind replaces d's underlying document with one loaded from data but
// carrying d's own actor id, so future local changes keep using the actor
// identity this process already committed under. Used only for the
// pristine-replica first-contact case: a locally-empty document adopts a
// remote's content without adopting a random actor id.
func (d *Document) Rebind(data []byte) error {
	rebound, err := automerge.LoadWithActor(data, d.doc.ActorID())
	if err != nil {
		return fmt.Errorf("crdtdoc: rebind: %w", err)
	}
	d.doc = rebound
	return nil
}

// ErrMalformedDelta is returned by LoadIncremental when the delta bytes do
// not decode as a valid automerge change set.
var ErrMalformedDelta = fmt.Errorf("crdtdoc: malformed delta")
