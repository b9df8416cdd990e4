package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dSync/lib/clock"
)

// AuditKey is the meta key the audit log is persisted under.
const AuditKey = "audit/conflicts"

// DefaultAuditCapacity is the number of records kept.
const DefaultAuditCapacity = 500

// MetaStore is the slice of the document store the audit log persists to.
type MetaStore interface {
	GetMeta(ctx context.Context, key string) ([]byte, bool, error)
	PutMeta(ctx context.Context, key string, value []byte) error
}

// AuditLog is an append-only ring buffer of resolution records.
type AuditLog struct {
	mu       sync.Mutex
	store    MetaStore
	clock    clock.Clock
	capacity int
	maxAge   time.Duration
	records  []Record
}

// NewAuditLog creates an audit log. store may be nil (memory only), maxAge 0
// keeps records regardless of age.
func NewAuditLog(store MetaStore, capacity int, maxAge time.Duration, c clock.Clock) *AuditLog {
	if capacity <= 0 {
		capacity = DefaultAuditCapacity
	}
	return &AuditLog{
		store:    store,
		clock:    clock.OrReal(c),
		capacity: capacity,
		maxAge:   maxAge,
	}
}

// Load replaces the in-memory records with the persisted ones.
func (a *AuditLog) Load(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	raw, found, err := a.store.GetMeta(ctx, AuditKey)
	if err != nil {
		return err
	}
	var records []Record
	if found {
		if err := json.Unmarshal(raw, &records); err != nil {
			return fmt.Errorf("decode conflict audit log: %w", err)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = records
	a.trimLocked()
	return nil
}

// Append adds a record and persists the log.
func (a *AuditLog) Append(ctx context.Context, rec Record) error {
	a.mu.Lock()
	a.records = append(a.records, rec)
	a.trimLocked()
	raw, err := json.Marshal(a.records)
	a.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode conflict audit log: %w", err)
	}
	if a.store == nil {
		return nil
	}
	return a.store.PutMeta(ctx, AuditKey, raw)
}

// Records returns the retained records, oldest first.
func (a *AuditLog) Records() []Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.trimLocked()
	out := make([]Record, len(a.records))
	copy(out, a.records)
	return out
}

// Find returns the most recent record of a document.
func (a *AuditLog) Find(documentID string) (Record, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.records) - 1; i >= 0; i-- {
		if a.records[i].DocumentID == documentID {
			return a.records[i], true
		}
	}
	return Record{}, false
}

func (a *AuditLog) trimLocked() {
	if over := len(a.records) - a.capacity; over > 0 {
		a.records = append([]Record(nil), a.records[over:]...)
	}
	if a.maxAge <= 0 {
		return
	}
	cutoff := a.clock.Now().Add(-a.maxAge)
	i := 0
	for i < len(a.records) && a.records[i].ResolvedAt.Before(cutoff) {
		i++
	}
	if i > 0 {
		a.records = append([]Record(nil), a.records[i:]...)
	}
}
