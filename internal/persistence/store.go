// Package persistence is blockweave's embedded relational store: document
// metadata and oplog snapshots, durable across restarts (spec.md §6
// Persistence).
//
// Grounded on _examples/sidedotdev-sidekick/srv/sqlite's Client (embedded
// modernc.org/sqlite opened via database/sql, directory auto-created,
// ping-on-open) and on the teacher's own PersistenceProvider interface
// shape in _examples/homveloper-boss-raid-game/luvjson/crdtstorage
// (persistence.go / sql_adapter.go) for the Save/Load/List/Delete surface
// — retargeted from that package's external-server SQL adapter (which
// assumes a reachable Postgres/MySQL) to an embedded, file-based one, since
// spec.md calls for an embedded relational database with no server to
// administer. Scanning uses github.com/jmoiron/sqlx's Get/Select, present
// in the pack's dependency graph (indirect in sidedotdev-sidekick's
// go.mod) and promoted to direct use here as the idiomatic layer over
// database/sql this concern calls for.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"blockweave/internal/ids"
)

// DocumentMeta is one document's durable metadata row.
type DocumentMeta struct {
	ContextID ids.ContextId
	Owner     ids.PrincipalId
	Title     string
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

type metaRow struct {
	ContextID string    `db:"context_id"`
	Owner     string    `db:"owner"`
	Title     string    `db:"title"`
	Version   int       `db:"version"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r metaRow) toMeta() (DocumentMeta, error) {
	ctxID, err := ids.ParseContextId(r.ContextID)
	if err != nil {
		return DocumentMeta{}, err
	}
	owner, err := ids.ParsePrincipalId(r.Owner)
	if err != nil {
		return DocumentMeta{}, err
	}
	return DocumentMeta{
		ContextID: ctxID,
		Owner:     owner,
		Title:     r.Title,
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}, nil
}

// Store is blockweave's embedded document store: one SQLite file holding a
// document_meta row and a document_snapshot row per context.
type Store struct {
	db *sqlx.DB
}

// Open creates (if needed) and opens the SQLite database at path, ensuring
// its schema exists.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("persistence: create data dir: %w", err)
		}
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("persistence: open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("persistence: ping sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY under concurrent access
	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS document_meta (
	context_id TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	title      TEXT NOT NULL DEFAULT '',
	version    INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS document_snapshot (
	context_id  TEXT PRIMARY KEY REFERENCES document_meta(context_id) ON DELETE CASCADE,
	oplog_bytes BLOB NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);
`)
	if err != nil {
		return fmt.Errorf("persistence: create schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// SaveDocument upserts meta and the current oplog snapshot for contextID in
// one transaction. Version is stored as given in meta; this method does not
// change it.
func (s *Store) SaveDocument(ctx context.Context, meta DocumentMeta, oplog []byte) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persistence: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := meta.UpdatedAt
	_, err = tx.ExecContext(ctx, `
INSERT INTO document_meta (context_id, owner, title, version, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(context_id) DO UPDATE SET
	title = excluded.title,
	version = excluded.version,
	updated_at = excluded.updated_at
`, meta.ContextID.String(), meta.Owner.String(), meta.Title, meta.Version, meta.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("persistence: upsert meta: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO document_snapshot (context_id, oplog_bytes, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(context_id) DO UPDATE SET
	oplog_bytes = excluded.oplog_bytes,
	updated_at = excluded.updated_at
`, meta.ContextID.String(), oplog, now)
	if err != nil {
		return fmt.Errorf("persistence: upsert snapshot: %w", err)
	}

	return tx.Commit()
}

// LoadDocument returns a document's metadata and its last saved oplog
// bytes.
func (s *Store) LoadDocument(ctx context.Context, contextID ids.ContextId) (DocumentMeta, []byte, error) {
	var row metaRow
	err := s.db.GetContext(ctx, &row, `SELECT context_id, owner, title, version, created_at, updated_at FROM document_meta WHERE context_id = ?`, contextID.String())
	if err == sql.ErrNoRows {
		return DocumentMeta{}, nil, ErrDocumentNotFound{ContextID: contextID}
	}
	if err != nil {
		return DocumentMeta{}, nil, fmt.Errorf("persistence: load meta: %w", err)
	}
	meta, err := row.toMeta()
	if err != nil {
		return DocumentMeta{}, nil, err
	}

	var oplog []byte
	err = s.db.GetContext(ctx, &oplog, `SELECT oplog_bytes FROM document_snapshot WHERE context_id = ?`, contextID.String())
	if err == sql.ErrNoRows {
		return meta, nil, nil
	}
	if err != nil {
		return DocumentMeta{}, nil, fmt.Errorf("persistence: load snapshot: %w", err)
	}
	return meta, oplog, nil
}

// ListDocuments returns every known document's metadata.
func (s *Store) ListDocuments(ctx context.Context) ([]DocumentMeta, error) {
	var rows []metaRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT context_id, owner, title, version, created_at, updated_at FROM document_meta ORDER BY updated_at DESC`); err != nil {
		return nil, fmt.Errorf("persistence: list documents: %w", err)
	}
	out := make([]DocumentMeta, 0, len(rows))
	for _, r := range rows {
		m, err := r.toMeta()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// DeleteDocument removes a document's metadata and snapshot.
func (s *Store) DeleteDocument(ctx context.Context, contextID ids.ContextId) error {
	// SQLite leaves foreign keys unenforced unless enabled, so the snapshot
	// row is deleted explicitly rather than through ON DELETE CASCADE.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM document_snapshot WHERE context_id = ?`, contextID.String()); err != nil {
		return fmt.Errorf("persistence: delete snapshot: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM document_meta WHERE context_id = ?`, contextID.String())
	if err != nil {
		return fmt.Errorf("persistence: delete document: %w", err)
	}
	return nil
}
