package conflict

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ValentinKolb/dSync/lib/clock"
	"github.com/ValentinKolb/dSync/lib/model"
)

// --------------------------------------------------------------------------
// Rule
// --------------------------------------------------------------------------

// Rule names the policy that settled a conflict.
type Rule uint8

const (
	LastWriteWins Rule = iota
	FieldMerge
	ManualRequired
)

func (r Rule) String() string {
	switch r {
	case LastWriteWins:
		return "LastWriteWins"
	case FieldMerge:
		return "FieldMerge"
	case ManualRequired:
		return "ManualRequired"
	default:
		return fmt.Sprintf("Rule(%d)", uint8(r))
	}
}

func (r Rule) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Rule) UnmarshalText(b []byte) error {
	for _, candidate := range []Rule{LastWriteWins, FieldMerge, ManualRequired} {
		if candidate.String() == string(b) {
			*r = candidate
			return nil
		}
	}
	return fmt.Errorf("invalid resolution rule %q", string(b))
}

// --------------------------------------------------------------------------
// Record
// --------------------------------------------------------------------------

// Record is the immutable outcome of one resolution.
type Record struct {
	DocumentID string              `json:"documentId" yaml:"documentId"`
	Class      model.DocumentClass `json:"class" yaml:"class"`
	// WinningRevision is empty for ManualRequired records
	WinningRevision    string           `json:"winningRevision,omitempty" yaml:"winningRevision,omitempty"`
	Winner             *model.Revision  `json:"winner,omitempty" yaml:"winner,omitempty"`
	DiscardedRevisions []string         `json:"discardedRevisions,omitempty" yaml:"discardedRevisions,omitempty"`
	Discarded          []model.Revision `json:"discarded,omitempty" yaml:"discarded,omitempty"`
	// Candidates holds every leaf of a ManualRequired record
	Candidates []model.Revision `json:"candidates,omitempty" yaml:"candidates,omitempty"`
	Rule       Rule             `json:"rule" yaml:"rule"`
	ResolvedAt time.Time        `json:"resolvedAt" yaml:"resolvedAt"`
	// Merged is the merged body of a FieldMerge record
	Merged json.RawMessage `json:"merged,omitempty" yaml:"-"`
}

// Leaves returns every revision that took part in the conflict.
func (r Record) Leaves() []string {
	if r.Rule == ManualRequired {
		out := make([]string, len(r.Candidates))
		for i, c := range r.Candidates {
			out[i] = c.Rev
		}
		return out
	}
	return append([]string{r.WinningRevision}, r.DiscardedRevisions...)
}

// ResolvedBody returns the body that should become the canonical state.
func (r Record) ResolvedBody() json.RawMessage {
	if r.Merged != nil {
		return r.Merged
	}
	if r.Winner != nil {
		return r.Winner.Body
	}
	return nil
}

// --------------------------------------------------------------------------
// Resolver
// --------------------------------------------------------------------------

// Resolver applies the resolution policy.
type Resolver struct {
	clock      clock.Clock
	fieldMerge map[model.DocumentClass]bool
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock sets the clock used for ResolvedAt.
func WithClock(c clock.Clock) Option {
	return func(r *Resolver) { r.clock = c }
}

// WithFieldMerge enables field merging for the given classes (replacing the
// default of Settings only).
func WithFieldMerge(classes ...model.DocumentClass) Option {
	return func(r *Resolver) {
		r.fieldMerge = make(map[model.DocumentClass]bool, len(classes))
		for _, c := range classes {
			r.fieldMerge[c] = true
		}
	}
}

// New creates a resolver.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		fieldMerge: map[model.DocumentClass]bool{model.ClassSettings: true},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.clock = clock.OrReal(r.clock)
	return r
}

// Resolve settles a conflict between at least two leaf revisions. The result
// does not depend on the order of revs, and resolving the same set twice
// yields the same winner.
func (r *Resolver) Resolve(documentID string, class model.DocumentClass, revs []model.Revision) (Record, error) {
	leaves := dedupe(revs)
	if len(leaves) < 2 {
		return Record{}, fmt.Errorf("resolve %q: need at least two distinct leaf revisions, got %d", documentID, len(leaves))
	}

	// winner first
	sort.Slice(leaves, func(i, j int) bool { return ranksBefore(leaves[i], leaves[j]) })

	rec := Record{
		DocumentID: documentID,
		Class:      class,
		ResolvedAt: r.clock.Now(),
	}

	if leaves[0].UpdatedAt <= 0 {
		rec.Rule = ManualRequired
		rec.Candidates = leaves
		return rec, nil
	}

	winner := leaves[0]
	rec.Rule = LastWriteWins
	rec.WinningRevision = winner.Rev
	rec.Winner = &winner
	rec.Discarded = leaves[1:]
	rec.DiscardedRevisions = make([]string, len(rec.Discarded))
	for i, d := range rec.Discarded {
		rec.DiscardedRevisions[i] = d.Rev
	}

	if r.fieldMerge[class] {
		if merged, extended, ok := mergeFields(leaves); ok && extended {
			rec.Rule = FieldMerge
			rec.Merged = merged
		}
	}
	return rec, nil
}

// ranksBefore orders by valid timestamp (descending), then by token (descending).
func ranksBefore(a, b model.Revision) bool {
	ta, tb := max(a.UpdatedAt, 0), max(b.UpdatedAt, 0)
	if ta != tb {
		return ta > tb
	}
	return a.Rev > b.Rev
}

func dedupe(revs []model.Revision) []model.Revision {
	seen := make(map[string]bool, len(revs))
	out := make([]model.Revision, 0, len(revs))
	for _, rev := range revs {
		if seen[rev.Rev] {
			continue
		}
		seen[rev.Rev] = true
		out = append(out, rev)
	}
	return out
}

// mergeFields overlays the top level fields of all leaves, lowest ranked first,
// so the winner's values take precedence. extended reports whether a losing
// leaf contributed a field the winner lacks. It fails if any body is not a
// JSON object.
func mergeFields(ranked []model.Revision) (merged json.RawMessage, extended bool, ok bool) {
	fields := make([]map[string]json.RawMessage, len(ranked))
	for i, rev := range ranked {
		if err := json.Unmarshal(rev.Body, &fields[i]); err != nil || fields[i] == nil {
			return nil, false, false
		}
	}

	out := map[string]json.RawMessage{}
	for i := len(fields) - 1; i >= 0; i-- {
		for k, v := range fields[i] {
			if _, inWinner := fields[0][k]; !inWinner {
				extended = true
			}
			out[k] = v
		}
	}
	// encoding/json sorts map keys, so equal inputs give equal bytes
	b, err := json.Marshal(out)
	if err != nil {
		return nil, false, false
	}
	return b, extended, true
}
