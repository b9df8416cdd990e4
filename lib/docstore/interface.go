package docstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/dSync/lib/model"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// PutRequest describes one local write.
type PutRequest struct {
	ID    string
	Class model.DocumentClass
	Body  json.RawMessage
	// UpdatedAt is the logical write timestamp stored with the revision (unix ms)
	UpdatedAt int64
	// BaseRev is the leaf the caller wrote on top of. Empty means "the current winner".
	// A BaseRev that is not a current leaf fails with a write conflict.
	BaseRev string
	// Supersedes lists further leaves closed by this write (conflict resolution)
	Supersedes []string
}

// Change is one entry of the store's change log.
type Change struct {
	Seq        uint64
	DocumentID string
	Class      model.DocumentClass
	Rev        string
	Origin     model.Origin
	WriterID   string
}

// Unsubscribe stops a change feed subscription.
type Unsubscribe func()

// IDocStore is the durable key/value document store with change notification
// that the sync core orchestrates. Every write carries an explicit origin tag
// and writer id, which are echoed on the change feed.
//
// All methods return *Error values (nil on success) so callers can inspect
// the RetCode or use errors.Is against the model error taxonomy.
type IDocStore interface {
	// Put writes new revisions for the given documents in one atomic batch and
	// returns the new revision tokens (same order as reqs).
	Put(ctx context.Context, reqs []PutRequest, origin model.Origin, writerID string) (revs []string, err error)
	// ApplyRevisions merges revisions produced elsewhere (remote, other tab) into
	// the revision trees. Revisions already known are skipped. It returns the ids
	// of documents whose leaves changed.
	ApplyRevisions(ctx context.Context, docs []model.Document, origin model.Origin, writerID string) (changed []string, err error)
	// Get returns the document. Conflicting leaves are only filled in if includeConflicts is set.
	Get(ctx context.Context, id string, includeConflicts bool) (doc model.Document, found bool, err error)
	// Changes returns up to limit change log entries after since, skipping the
	// given origins, and the sequence number to resume from.
	Changes(ctx context.Context, since uint64, limit int, exclude ...model.Origin) (changes []Change, last uint64, err error)
	// Subscribe registers a change feed listener. Events are delivered in commit
	// order; listeners must not block.
	Subscribe(fn func(model.RawEvent)) Unsubscribe
	// GetMeta reads a value from the reserved meta namespace.
	GetMeta(ctx context.Context, key string) (value []byte, found bool, err error)
	// PutMeta writes a value to the reserved meta namespace.
	PutMeta(ctx context.Context, key string, value []byte) error
	// SwapMeta replaces the value only if it currently equals old (nil old means
	// "absent"). This is the store's conditional-write primitive.
	SwapMeta(ctx context.Context, key string, old, new []byte) (swapped bool, err error)
	// Close releases the store.
	Close() error
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error wraps a return code and a message.
type Error struct {
	Code RetCode
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("DocStoreError (code %s): %s", e.Code, e.Msg)
}

// Unwrap maps the return code onto the model error taxonomy.
func (e *Error) Unwrap() error {
	switch e.Code {
	case RetCWriteConflict:
		return model.ErrWriteConflict
	case RetCCorrupt:
		return model.ErrStoreCorrupt
	case RetCUnavailable:
		return model.ErrTransientIO
	default:
		return nil
	}
}

// NewError creates a new Error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess          RetCode = iota // 0: operation executed successfully
	RetCInternalError                   // 1: operation failed due to an internal error
	RetCInvalidOperation                // 2: malformed request
	RetCWriteConflict                   // 3: stale base revision
	RetCCorrupt                         // 4: stored data can no longer be read
	RetCUnavailable                     // 5: store closed or busy
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternalError:
		return "InternalError"
	case RetCInvalidOperation:
		return "InvalidOperation"
	case RetCWriteConflict:
		return "WriteConflict"
	case RetCCorrupt:
		return "Corrupt"
	case RetCUnavailable:
		return "Unavailable"
	default:
		return "Unknown"
	}
}
