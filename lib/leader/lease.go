package leader

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ValentinKolb/dSync/lib/docstore"
)

// Lease is the record stored per leased resource key.
type Lease struct {
	Key        string    `json:"key" yaml:"key"`
	OwnerID    string    `json:"ownerId" yaml:"ownerId"`
	AcquiredAt time.Time `json:"acquiredAt" yaml:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt" yaml:"expiresAt"`
	Term       uint64    `json:"term" yaml:"term"`
}

// ValidAt reports whether the lease is held at the given instant.
func (l Lease) ValidAt(now time.Time) bool {
	return l.Term > 0 && now.Before(l.ExpiresAt)
}

// ILeaseStore stores lease records and offers the single conditional-write
// primitive election needs.
type ILeaseStore interface {
	// Load returns the current lease of key.
	Load(ctx context.Context, key string) (lease Lease, found bool, err error)
	// CompareAndSwap stores next only if the stored term equals expectedTerm
	// (0 meaning "no lease stored").
	CompareAndSwap(ctx context.Context, key string, expectedTerm uint64, next Lease) (swapped bool, err error)
}

// --------------------------------------------------------------------------
// Meta Lease Store
// --------------------------------------------------------------------------

// MetaKeyPrefix prefixes lease records in the docstore meta namespace.
const MetaKeyPrefix = "lease/"

type metaLeaseStore struct {
	store docstore.IDocStore
}

// NewMetaLeaseStore stores leases in the meta namespace of a document store,
// using SwapMeta as the conditional write.
func NewMetaLeaseStore(store docstore.IDocStore) ILeaseStore {
	return &metaLeaseStore{store: store}
}

func (m *metaLeaseStore) Load(ctx context.Context, key string) (Lease, bool, error) {
	lease, _, found, err := m.load(ctx, key)
	return lease, found, err
}

func (m *metaLeaseStore) CompareAndSwap(ctx context.Context, key string, expectedTerm uint64, next Lease) (bool, error) {
	current, raw, found, err := m.load(ctx, key)
	if err != nil {
		return false, err
	}
	if (found && current.Term != expectedTerm) || (!found && expectedTerm != 0) {
		return false, nil
	}

	encoded, err := json.Marshal(next)
	if err != nil {
		return false, err
	}
	return m.store.SwapMeta(ctx, MetaKeyPrefix+key, raw, encoded)
}

func (m *metaLeaseStore) load(ctx context.Context, key string) (Lease, []byte, bool, error) {
	raw, found, err := m.store.GetMeta(ctx, MetaKeyPrefix+key)
	if err != nil || !found {
		return Lease{}, nil, false, err
	}
	var lease Lease
	if err := json.Unmarshal(raw, &lease); err != nil {
		return Lease{}, nil, false, fmt.Errorf("decode lease %q: %w", key, err)
	}
	return lease, raw, true, nil
}
