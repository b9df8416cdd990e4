package docstore

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ValentinKolb/dSync/lib/model"
)

// --------------------------------------------------------------------------
// Revision Tokens
// --------------------------------------------------------------------------

// NewRev computes the deterministic revision token for a revision with the
// given generation and content.
func NewRev(gen uint64, parent string, supersedes []string, updatedAt int64, body []byte) string {
	closed := append([]string(nil), supersedes...)
	sort.Strings(closed)

	h := sha256.New()
	var num [8]byte
	binary.BigEndian.PutUint64(num[:], gen)
	h.Write(num[:])
	h.Write([]byte(parent))
	h.Write([]byte{0})
	for _, s := range closed {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	binary.BigEndian.PutUint64(num[:], uint64(updatedAt))
	h.Write(num[:])
	h.Write(body)

	return strconv.FormatUint(gen, 10) + "-" + hex.EncodeToString(h.Sum(nil)[:16])
}

// RevGeneration extracts the generation of a revision token.
func RevGeneration(rev string) (uint64, error) {
	genStr, hash, ok := strings.Cut(rev, "-")
	if !ok || hash == "" {
		return 0, fmt.Errorf("malformed revision %q", rev)
	}
	gen, err := strconv.ParseUint(genStr, 10, 64)
	if err != nil || gen == 0 {
		return 0, fmt.Errorf("malformed revision %q", rev)
	}
	return gen, nil
}

// MaxAncestors bounds the ancestor list carried by each revision.
const MaxAncestors = 100

// revLess orders revisions by generation, then by token. The greatest
// revision is the store-level winner.
func revLess(a, b string) bool {
	ga, _ := RevGeneration(a)
	gb, _ := RevGeneration(b)
	if ga != gb {
		return ga < gb
	}
	return a < b
}

// --------------------------------------------------------------------------
// Revision Tree
// --------------------------------------------------------------------------

// Tree is the revision state of one document: its current leaves and every
// revision token it has seen.
type Tree struct {
	ID      string                    `json:"id"`
	Class   model.DocumentClass       `json:"class"`
	Leaves  map[string]model.Revision `json:"leaves"`
	History map[string]bool           `json:"history"`
}

// NewTree creates an empty tree for a document.
func NewTree(id string, class model.DocumentClass) *Tree {
	return &Tree{
		ID:      id,
		Class:   class,
		Leaves:  map[string]model.Revision{},
		History: map[string]bool{},
	}
}

// Known reports whether rev has been applied to this tree.
func (t *Tree) Known(rev string) bool {
	return t.History[rev]
}

// Apply merges a revision into the tree. The revision replaces its parent,
// every leaf it supersedes and every leaf listed among its ancestors. It
// returns false if the revision was already known.
func (t *Tree) Apply(rev model.Revision) (bool, error) {
	if _, err := RevGeneration(rev.Rev); err != nil {
		return false, NewError(RetCInvalidOperation, err.Error())
	}
	if t.History[rev.Rev] {
		return false, nil
	}
	t.History[rev.Rev] = true
	delete(t.Leaves, rev.Parent)
	for _, s := range rev.Supersedes {
		delete(t.Leaves, s)
	}
	for _, a := range rev.Ancestors {
		delete(t.Leaves, a)
		t.History[a] = true
	}
	t.Leaves[rev.Rev] = rev
	return true, nil
}

// Put creates a new revision on top of req.BaseRev (or the winner) and applies
// it. Writing the same content twice yields the same token and no change.
func (t *Tree) Put(req PutRequest) (model.Revision, bool, error) {
	if len(req.Body) == 0 || !json.Valid(req.Body) {
		return model.Revision{}, false, NewError(RetCInvalidOperation, fmt.Sprintf("document %s: body is not valid json", req.ID))
	}

	parent := req.BaseRev
	if parent == "" {
		if winner, ok := t.Winner(); ok {
			parent = winner.Rev
		}
	} else if _, ok := t.Leaves[parent]; !ok {
		return model.Revision{}, false, NewError(RetCWriteConflict,
			fmt.Sprintf("document %s: base revision %s is not a current leaf", req.ID, parent))
	}

	var gen uint64
	if parent != "" {
		gen, _ = RevGeneration(parent)
	}
	closed := make([]string, 0, len(req.Supersedes))
	for _, s := range req.Supersedes {
		if s == parent {
			continue
		}
		if _, ok := t.Leaves[s]; !ok {
			return model.Revision{}, false, NewError(RetCWriteConflict,
				fmt.Sprintf("document %s: superseded revision %s is not a current leaf", req.ID, s))
		}
		if g, _ := RevGeneration(s); g > gen {
			gen = g
		}
		closed = append(closed, s)
	}
	sort.Strings(closed)
	gen++

	rev := model.Revision{
		Rev:        NewRev(gen, parent, closed, req.UpdatedAt, req.Body),
		Parent:     parent,
		Supersedes: closed,
		UpdatedAt:  req.UpdatedAt,
		Body:       append(json.RawMessage(nil), req.Body...),
	}
	if len(rev.Supersedes) == 0 {
		rev.Supersedes = nil
	}
	rev.Ancestors = t.ancestors(parent, closed)
	if req.Class != model.ClassUnknown {
		t.Class = req.Class
	}
	changed, err := t.Apply(rev)
	return rev, changed, err
}

// ancestors builds the ancestor list for a revision written on top of parent
// and closing the given leaves.
func (t *Tree) ancestors(parent string, closed []string) []string {
	heads := closed
	if parent != "" {
		heads = append([]string{parent}, closed...)
	}
	if len(heads) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(heads))
	out := make([]string, 0, len(heads))
	add := func(rev string) {
		if rev != "" && !seen[rev] && len(out) < MaxAncestors {
			seen[rev] = true
			out = append(out, rev)
		}
	}
	for _, h := range heads {
		add(h)
	}
	for _, h := range heads {
		for _, a := range t.Leaves[h].Ancestors {
			add(a)
		}
	}
	return out
}

// Winner returns the leaf with the highest generation (ties: greatest token).
func (t *Tree) Winner() (model.Revision, bool) {
	var winner model.Revision
	found := false
	for rev, leaf := range t.Leaves {
		if !found || revLess(winner.Rev, rev) {
			winner = leaf
			found = true
		}
	}
	return winner, found
}

// Document renders the tree as a Document.
func (t *Tree) Document(includeConflicts bool) model.Document {
	winner, _ := t.Winner()
	doc := model.Document{ID: t.ID, Class: t.Class, Revision: winner}
	if includeConflicts && len(t.Leaves) > 1 {
		for rev, leaf := range t.Leaves {
			if rev != winner.Rev {
				doc.Conflicts = append(doc.Conflicts, leaf)
			}
		}
		sort.Slice(doc.Conflicts, func(i, j int) bool {
			return revLess(doc.Conflicts[j].Rev, doc.Conflicts[i].Rev)
		})
	}
	return doc
}

// Clone returns a deep copy of the tree's bookkeeping (bodies are shared, they
// are never mutated).
func (t *Tree) Clone() *Tree {
	c := NewTree(t.ID, t.Class)
	for rev, leaf := range t.Leaves {
		c.Leaves[rev] = leaf
	}
	for rev := range t.History {
		c.History[rev] = true
	}
	return c
}
