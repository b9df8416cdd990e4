package model

import (
	"encoding/json"
	"time"
)

// --------------------------------------------------------------------------
// Documents and Revisions
// --------------------------------------------------------------------------

// Revision is one node of a document's revision tree.
type Revision struct {
	// Rev is the opaque revision token ("<generation>-<hash>")
	Rev string `json:"rev" yaml:"rev"`
	// Parent is the revision this one was written on top of (empty for the first)
	Parent string `json:"parent,omitempty" yaml:"parent,omitempty"`
	// Supersedes lists additional leaves closed by this revision (conflict resolution)
	Supersedes []string `json:"supersedes,omitempty" yaml:"supersedes,omitempty"`
	// Ancestors is a bounded, newest-first list of revisions this one descends
	// from. It lets a replica that missed intermediate revisions close its stale
	// leaf. Not part of the token.
	Ancestors []string `json:"ancestors,omitempty" yaml:"ancestors,omitempty"`
	// UpdatedAt is the logical write timestamp recorded with the body (unix ms)
	UpdatedAt int64 `json:"updatedAt" yaml:"updatedAt"`
	// Body is the JSON document body
	Body json.RawMessage `json:"body,omitempty" yaml:"-"`
}

// Document is the state of one document id: the winning leaf plus any other
// leaves that have not been reconciled yet.
type Document struct {
	ID        string        `json:"id" yaml:"id"`
	Class     DocumentClass `json:"class" yaml:"class"`
	Revision  Revision      `json:"revision" yaml:"revision"`
	Conflicts []Revision    `json:"conflicts,omitempty" yaml:"conflicts,omitempty"`
}

// Leaves returns the winner followed by all conflicting leaves.
func (d Document) Leaves() []Revision {
	leaves := make([]Revision, 0, 1+len(d.Conflicts))
	leaves = append(leaves, d.Revision)
	return append(leaves, d.Conflicts...)
}

// HasConflicts reports whether the document has more than one leaf.
func (d Document) HasConflicts() bool {
	return len(d.Conflicts) > 0
}

// --------------------------------------------------------------------------
// Change Events
// --------------------------------------------------------------------------

// RawEvent is a notification from the durable store's change feed, carrying the
// origin tag and writer id supplied at write time.
type RawEvent struct {
	DocumentID string
	Class      DocumentClass
	Revision   string
	Origin     Origin
	WriterID   string
	Seq        uint64
	Timestamp  time.Time
}

// ChangeEvent is a classified mutation. Origin is final once set.
type ChangeEvent struct {
	DocumentID string        `json:"documentId"`
	Class      DocumentClass `json:"documentClass"`
	Revision   string        `json:"revision"`
	Origin     Origin        `json:"origin"`
	Timestamp  time.Time     `json:"timestamp"`
}
