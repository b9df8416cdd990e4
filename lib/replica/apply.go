package replica

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/dSync/lib/docstore"
	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("replica")

// WriterID tags revisions applied on the replica side.
const WriterID = "replica"

// DefaultPullLimit is used when a pull asks for a non-positive limit.
const DefaultPullLimit = 100

// Validate checks a pushed document.
func Validate(doc model.Document) error {
	if doc.ID == "" {
		return fmt.Errorf("empty document id")
	}
	if doc.Class == model.ClassUnknown {
		return fmt.Errorf("document %s: unknown class", doc.ID)
	}
	for _, rev := range doc.Leaves() {
		if _, err := docstore.RevGeneration(rev.Rev); err != nil {
			return fmt.Errorf("document %s: %w", doc.ID, err)
		}
		if !json.Valid(rev.Body) {
			return fmt.Errorf("document %s: revision %s has an invalid body", doc.ID, rev.Rev)
		}
	}
	return nil
}

// ApplyPush merges pushed documents into the replica's store. Invalid
// documents are rejected one by one; the valid ones are applied as a batch.
func ApplyPush(ctx context.Context, store docstore.IDocStore, docs []model.Document) (PushResult, error) {
	res := PushResult{Accepted: []string{}, Rejected: []string{}}
	valid := make([]model.Document, 0, len(docs))
	for _, doc := range docs {
		if err := Validate(doc); err != nil {
			log.Warningf("rejecting pushed document: %v", err)
			res.Rejected = append(res.Rejected, doc.ID)
			continue
		}
		valid = append(valid, doc)
	}
	if len(valid) == 0 {
		return res, nil
	}
	if _, err := store.ApplyRevisions(ctx, valid, model.OriginLocal, WriterID); err != nil {
		return PushResult{}, err
	}
	for _, doc := range valid {
		res.Accepted = append(res.Accepted, doc.ID)
	}
	return res, nil
}

// ReadChanges collects the documents changed after since from the replica's store.
func ReadChanges(ctx context.Context, store docstore.IDocStore, since uint64, limit int) (PullResult, error) {
	if limit <= 0 {
		limit = DefaultPullLimit
	}
	changes, last, err := store.Changes(ctx, since, limit)
	if err != nil {
		return PullResult{}, err
	}

	res := PullResult{Documents: []model.Document{}, Checkpoint: last, More: len(changes) == limit}
	seen := make(map[string]bool, len(changes))
	for _, c := range changes {
		if seen[c.DocumentID] {
			continue
		}
		seen[c.DocumentID] = true
		doc, found, err := store.Get(ctx, c.DocumentID, true)
		if err != nil {
			return PullResult{}, err
		}
		if found {
			res.Documents = append(res.Documents, doc)
		}
	}
	return res, nil
}
