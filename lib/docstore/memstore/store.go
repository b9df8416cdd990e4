package memstore

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/ValentinKolb/dSync/lib/clock"
	"github.com/ValentinKolb/dSync/lib/docstore"
	"github.com/ValentinKolb/dSync/lib/model"
)

// Store is the in-memory document store.
type Store struct {
	mu      sync.RWMutex
	clock   clock.Clock
	docs    map[string]*docstore.Tree
	changes []docstore.Change
	seq     uint64
	meta    map[string][]byte
	feed    docstore.Feed
	closed  bool
}

// snapshot is the gob representation used by Save and Load.
type snapshot struct {
	Docs    map[string]*docstore.Tree
	Changes []docstore.Change
	Seq     uint64
	Meta    map[string][]byte
}

// NewMemStore creates an empty store. A nil clock uses the system clock.
func NewMemStore(c clock.Clock) *Store {
	return &Store{
		clock: clock.OrReal(c),
		docs:  map[string]*docstore.Tree{},
		meta:  map[string][]byte{},
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see docstore/interface.go)
// --------------------------------------------------------------------------

func (s *Store) Put(ctx context.Context, reqs []docstore.PutRequest, origin model.Origin, writerID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, docstore.NewError(docstore.RetCUnavailable, err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, docstore.NewError(docstore.RetCUnavailable, "store closed")
	}

	// stage on clones so a failing request leaves the store untouched
	staged := map[string]*docstore.Tree{}
	revs := make([]string, len(reqs))
	written := make([]model.Revision, len(reqs))
	changed := make([]bool, len(reqs))
	for i, req := range reqs {
		if req.ID == "" {
			return nil, docstore.NewError(docstore.RetCInvalidOperation, "empty document id")
		}
		tree, ok := staged[req.ID]
		if !ok {
			if cur, exists := s.docs[req.ID]; exists {
				tree = cur.Clone()
			} else {
				tree = docstore.NewTree(req.ID, req.Class)
			}
			staged[req.ID] = tree
		}
		rev, ok, err := tree.Put(req)
		if err != nil {
			return nil, err
		}
		revs[i], written[i], changed[i] = rev.Rev, rev, ok
	}

	for id, tree := range staged {
		s.docs[id] = tree
	}
	var events []model.RawEvent
	for i, req := range reqs {
		if changed[i] {
			events = append(events, s.appendChangeLocked(req.ID, staged[req.ID].Class, written[i].Rev, origin, writerID))
		}
	}
	s.feed.Publish(events)
	return revs, nil
}

func (s *Store) ApplyRevisions(ctx context.Context, docs []model.Document, origin model.Origin, writerID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, docstore.NewError(docstore.RetCUnavailable, err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, docstore.NewError(docstore.RetCUnavailable, "store closed")
	}

	// validate everything before touching state
	for _, doc := range docs {
		if doc.ID == "" {
			return nil, docstore.NewError(docstore.RetCInvalidOperation, "empty document id")
		}
		for _, rev := range doc.Leaves() {
			if _, err := docstore.RevGeneration(rev.Rev); err != nil {
				return nil, docstore.NewError(docstore.RetCInvalidOperation, fmt.Sprintf("document %s: %v", doc.ID, err))
			}
		}
	}

	var changed []string
	var events []model.RawEvent
	for _, doc := range docs {
		tree, ok := s.docs[doc.ID]
		if !ok {
			tree = docstore.NewTree(doc.ID, doc.Class)
		}
		docChanged := false
		for _, rev := range doc.Leaves() {
			applied, _ := tree.Apply(rev)
			if applied {
				docChanged = true
				events = append(events, s.appendChangeLocked(doc.ID, tree.Class, rev.Rev, origin, writerID))
			}
		}
		if docChanged {
			s.docs[doc.ID] = tree
			changed = append(changed, doc.ID)
		}
	}
	s.feed.Publish(events)
	return changed, nil
}

func (s *Store) Get(ctx context.Context, id string, includeConflicts bool) (model.Document, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.Document{}, false, docstore.NewError(docstore.RetCUnavailable, err.Error())
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	tree, ok := s.docs[id]
	if !ok || len(tree.Leaves) == 0 {
		return model.Document{}, false, nil
	}
	return tree.Document(includeConflicts), true, nil
}

func (s *Store) Changes(ctx context.Context, since uint64, limit int, exclude ...model.Origin) ([]docstore.Change, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, since, docstore.NewError(docstore.RetCUnavailable, err.Error())
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := sort.Search(len(s.changes), func(i int) bool { return s.changes[i].Seq > since })
	last := since
	var out []docstore.Change
	for _, c := range s.changes[start:] {
		if limit > 0 && len(out) >= limit {
			break
		}
		last = c.Seq
		if excluded(c.Origin, exclude) {
			continue
		}
		out = append(out, c)
	}
	return out, last, nil
}

func (s *Store) Subscribe(fn func(model.RawEvent)) docstore.Unsubscribe {
	return s.feed.Subscribe(fn)
}

func (s *Store) GetMeta(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, docstore.NewError(docstore.RetCUnavailable, err.Error())
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.meta[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *Store) PutMeta(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return docstore.NewError(docstore.RetCUnavailable, err.Error())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return docstore.NewError(docstore.RetCUnavailable, "store closed")
	}
	s.meta[key] = append([]byte(nil), value...)
	return nil
}

func (s *Store) SwapMeta(ctx context.Context, key string, old, new []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, docstore.NewError(docstore.RetCUnavailable, err.Error())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, docstore.NewError(docstore.RetCUnavailable, "store closed")
	}
	cur, ok := s.meta[key]
	if old == nil && ok || old != nil && (!ok || !bytes.Equal(cur, old)) {
		return false, nil
	}
	s.meta[key] = append([]byte(nil), new...)
	return true, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// --------------------------------------------------------------------------
// Snapshots
// --------------------------------------------------------------------------

// Save writes a gob snapshot of the whole store to w.
func (s *Store) Save(w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return gob.NewEncoder(w).Encode(snapshot{
		Docs:    s.docs,
		Changes: s.changes,
		Seq:     s.seq,
		Meta:    s.meta,
	})
}

// Load replaces the store content with a snapshot written by Save.
// Subscribers are kept but not notified.
func (s *Store) Load(r io.Reader) error {
	var snap snapshot
	if err := gob.NewDecoder(r).Decode(&snap); err != nil {
		return docstore.NewError(docstore.RetCCorrupt, fmt.Sprintf("failed to decode snapshot: %v", err))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = snap.Docs
	if s.docs == nil {
		s.docs = map[string]*docstore.Tree{}
	}
	s.changes = snap.Changes
	s.seq = snap.Seq
	s.meta = snap.Meta
	if s.meta == nil {
		s.meta = map[string][]byte{}
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func (s *Store) appendChangeLocked(id string, class model.DocumentClass, rev string, origin model.Origin, writerID string) model.RawEvent {
	s.seq++
	s.changes = append(s.changes, docstore.Change{
		Seq:        s.seq,
		DocumentID: id,
		Class:      class,
		Rev:        rev,
		Origin:     origin,
		WriterID:   writerID,
	})
	return model.RawEvent{
		DocumentID: id,
		Class:      class,
		Revision:   rev,
		Origin:     origin,
		WriterID:   writerID,
		Seq:        s.seq,
		Timestamp:  s.clock.Now(),
	}
}

func excluded(o model.Origin, exclude []model.Origin) bool {
	for _, e := range exclude {
		if o == e {
			return true
		}
	}
	return false
}
