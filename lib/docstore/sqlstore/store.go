package sqlstore

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ValentinKolb/dSync/lib/clock"
	"github.com/ValentinKolb/dSync/lib/docstore"
	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema versions:
// 1 - docs, changes, meta
const currentSchemaVersion = 1

var log = logger.GetLogger("docstore")

// Store is the sqlite backed document store.
type Store struct {
	mu    sync.Mutex // serializes writers of this process and feed publication
	db    *sql.DB
	clock clock.Clock
	feed  docstore.Feed
}

// Open creates or opens the database at path and applies pragmas and schema.
// A nil clock uses the system clock.
func Open(path string, c clock.Clock) (*Store, error) {
	// writers take the lock up front instead of upgrading a read transaction
	dsn := path + "?_txlock=immediate"
	if strings.Contains(path, "?") {
		dsn = path + "&_txlock=immediate"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, wrapErr("connect", err)
	}

	// sqlite has a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, wrapErr("pragmas", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, wrapErr("schema", err)
	}

	log.Infof("opened document store %s", path)
	return &Store{db: db, clock: clock.OrReal(c)}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}
	_, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion))
	return err
}

// Check runs sqlite's quick integrity check.
func (s *Store) Check(ctx context.Context) error {
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return wrapErr("quick_check", err)
	}
	if result != "ok" {
		return docstore.NewError(docstore.RetCCorrupt, "quick_check: "+result)
	}
	return nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see docstore/interface.go)
// --------------------------------------------------------------------------

func (s *Store) Put(ctx context.Context, reqs []docstore.PutRequest, origin model.Origin, writerID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	revs := make([]string, len(reqs))
	var events []model.RawEvent
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		staged := map[string]*docstore.Tree{}
		for i, req := range reqs {
			if req.ID == "" {
				return docstore.NewError(docstore.RetCInvalidOperation, "empty document id")
			}
			tree, ok := staged[req.ID]
			if !ok {
				loaded, found, err := loadTree(ctx, tx, req.ID)
				if err != nil {
					return err
				}
				if !found {
					loaded = docstore.NewTree(req.ID, req.Class)
				}
				tree = loaded
				staged[req.ID] = tree
			}
			rev, changed, err := tree.Put(req)
			if err != nil {
				return err
			}
			revs[i] = rev.Rev
			if changed {
				ev, err := s.appendChange(ctx, tx, req.ID, tree.Class, rev.Rev, origin, writerID)
				if err != nil {
					return err
				}
				events = append(events, ev)
			}
		}
		for _, tree := range staged {
			if err := storeTree(ctx, tx, tree); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.feed.Publish(events)
	return revs, nil
}

func (s *Store) ApplyRevisions(ctx context.Context, docs []model.Document, origin model.Origin, writerID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []string
	var events []model.RawEvent
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, doc := range docs {
			if doc.ID == "" {
				return docstore.NewError(docstore.RetCInvalidOperation, "empty document id")
			}
			tree, found, err := loadTree(ctx, tx, doc.ID)
			if err != nil {
				return err
			}
			if !found {
				tree = docstore.NewTree(doc.ID, doc.Class)
			}
			docChanged := false
			for _, rev := range doc.Leaves() {
				applied, err := tree.Apply(rev)
				if err != nil {
					return err
				}
				if !applied {
					continue
				}
				docChanged = true
				ev, err := s.appendChange(ctx, tx, doc.ID, tree.Class, rev.Rev, origin, writerID)
				if err != nil {
					return err
				}
				events = append(events, ev)
			}
			if docChanged {
				if err := storeTree(ctx, tx, tree); err != nil {
					return err
				}
				changed = append(changed, doc.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.feed.Publish(events)
	return changed, nil
}

func (s *Store) Get(ctx context.Context, id string, includeConflicts bool) (model.Document, bool, error) {
	tree, found, err := loadTree(ctx, s.db, id)
	if err != nil || !found || len(tree.Leaves) == 0 {
		return model.Document{}, false, err
	}
	return tree.Document(includeConflicts), true, nil
}

func (s *Store) Changes(ctx context.Context, since uint64, limit int, exclude ...model.Origin) ([]docstore.Change, uint64, error) {
	query := "SELECT seq, doc_id, class, rev, origin, writer FROM changes WHERE seq > ? ORDER BY seq"
	args := []any{since}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	// excluded origins are filtered in Go so the resume position still moves past them
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, since, wrapErr("changes", err)
	}
	defer rows.Close()

	last := since
	var out []docstore.Change
	for rows.Next() {
		var c docstore.Change
		if err := rows.Scan(&c.Seq, &c.DocumentID, &c.Class, &c.Rev, &c.Origin, &c.WriterID); err != nil {
			return nil, since, wrapErr("changes scan", err)
		}
		last = c.Seq
		if isExcluded(c.Origin, exclude) {
			continue
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, since, wrapErr("changes", err)
	}
	return out, last, nil
}

func (s *Store) Subscribe(fn func(model.RawEvent)) docstore.Unsubscribe {
	return s.feed.Subscribe(fn)
}

func (s *Store) GetMeta(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapErr("get meta", err)
	}
	return value, true, nil
}

func (s *Store) PutMeta(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	return wrapErr("put meta", err)
}

func (s *Store) SwapMeta(ctx context.Context, key string, old, new []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	swapped := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var cur []byte
		err := tx.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", key).Scan(&cur)
		exists := true
		if errors.Is(err, sql.ErrNoRows) {
			exists = false
		} else if err != nil {
			return wrapErr("swap meta", err)
		}
		if old == nil && exists || old != nil && (!exists || !bytes.Equal(cur, old)) {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
			key, new); err != nil {
			return wrapErr("swap meta", err)
		}
		swapped = true
		return nil
	})
	return swapped, err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// inTx runs fn in one (immediate) transaction.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("begin", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return wrapErr("commit", tx.Commit())
}

func loadTree(ctx context.Context, q queryer, id string) (*docstore.Tree, bool, error) {
	var raw []byte
	err := q.QueryRowContext(ctx, "SELECT tree FROM docs WHERE id = ?", id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapErr("load document", err)
	}
	tree := &docstore.Tree{}
	if err := json.Unmarshal(raw, tree); err != nil {
		return nil, false, docstore.NewError(docstore.RetCCorrupt, fmt.Sprintf("document %s: undecodable revision tree: %v", id, err))
	}
	if tree.Leaves == nil {
		tree.Leaves = map[string]model.Revision{}
	}
	if tree.History == nil {
		tree.History = map[string]bool{}
	}
	return tree, true, nil
}

func storeTree(ctx context.Context, tx *sql.Tx, tree *docstore.Tree) error {
	raw, err := json.Marshal(tree)
	if err != nil {
		return docstore.NewError(docstore.RetCInternalError, err.Error())
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO docs (id, class, tree) VALUES (?, ?, ?) ON CONFLICT(id) DO UPDATE SET class = excluded.class, tree = excluded.tree",
		tree.ID, tree.Class, raw)
	return wrapErr("store document", err)
}

func (s *Store) appendChange(ctx context.Context, tx *sql.Tx, id string, class model.DocumentClass, rev string, origin model.Origin, writerID string) (model.RawEvent, error) {
	now := s.clock.Now()
	res, err := tx.ExecContext(ctx,
		"INSERT INTO changes (doc_id, class, rev, origin, writer, ts) VALUES (?, ?, ?, ?, ?, ?)",
		id, class, rev, origin, writerID, now.UnixMilli())
	if err != nil {
		return model.RawEvent{}, wrapErr("append change", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return model.RawEvent{}, wrapErr("append change", err)
	}
	return model.RawEvent{
		DocumentID: id,
		Class:      class,
		Revision:   rev,
		Origin:     origin,
		WriterID:   writerID,
		Seq:        uint64(seq),
		Timestamp:  now,
	}, nil
}

// wrapErr converts sqlite errors into docstore errors. nil stays nil.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var dsErr *docstore.Error
	if errors.As(err, &dsErr) {
		return err
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
			return docstore.NewError(docstore.RetCCorrupt, fmt.Sprintf("%s: %v", op, err))
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return docstore.NewError(docstore.RetCUnavailable, fmt.Sprintf("%s: %v", op, err))
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, sql.ErrConnDone) ||
		strings.Contains(err.Error(), "database is closed") {
		return docstore.NewError(docstore.RetCUnavailable, fmt.Sprintf("%s: %v", op, err))
	}
	return docstore.NewError(docstore.RetCInternalError, fmt.Sprintf("%s: %v", op, err))
}

func isExcluded(o model.Origin, exclude []model.Origin) bool {
	for _, e := range exclude {
		if o == e {
			return true
		}
	}
	return false
}
