// Package classifier turns raw change feed notifications into ChangeEvents.
//
// Classification is a pure function of the raw event and the id of the
// context doing the classifying. It performs no I/O and never blocks. The
// resulting origin is final: nothing downstream re-derives it, which is what
// keeps a context from reacting to its own writes.
//
// Rules:
//   - untagged events fail closed to RemotePull, which triggers a full
//     reconciliation instead of being trusted as a harmless local write
//   - Local events written by another writer id come from a second context
//     sharing the same durable store and are tagged CrossTab
//   - every other tag is taken as written
package classifier

import (
	"github.com/ValentinKolb/dSync/lib/model"
)

// Classifier classifies events on behalf of one context.
type Classifier struct {
	selfID string
}

// New creates a classifier for the context with the given writer id.
func New(selfID string) Classifier {
	return Classifier{selfID: selfID}
}

// Classify tags a raw event with its origin.
func (c Classifier) Classify(raw model.RawEvent) model.ChangeEvent {
	return Classify(raw, c.selfID)
}

// Classify tags a raw event with its origin as seen by context selfID.
func Classify(raw model.RawEvent, selfID string) model.ChangeEvent {
	origin := raw.Origin
	switch origin {
	case model.OriginLocal:
		if raw.WriterID != selfID {
			origin = model.OriginCrossTab
		}
	case model.OriginCrossTab, model.OriginRemotePull:
	default:
		origin = model.OriginRemotePull
	}

	return model.ChangeEvent{
		DocumentID: raw.DocumentID,
		Class:      raw.Class,
		Revision:   raw.Revision,
		Origin:     origin,
		Timestamp:  raw.Timestamp,
	}
}
