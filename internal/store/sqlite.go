package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	room_key   TEXT NOT NULL,
	title      TEXT NOT NULL,
	content    TEXT NOT NULL DEFAULT '',
	revision   INTEGER NOT NULL DEFAULT 0,
	owner_id   TEXT NOT NULL,
	partner_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS documents_room_key_idx ON documents (room_key, created_at);
CREATE TABLE IF NOT EXISTS document_operations (
	document_id  TEXT NOT NULL REFERENCES documents (id) ON DELETE CASCADE,
	revision     INTEGER NOT NULL,
	user_id      TEXT NOT NULL,
	operation_id TEXT NOT NULL,
	kind         TEXT NOT NULL,
	position     INTEGER NOT NULL,
	text         TEXT NOT NULL DEFAULT '',
	length       INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL,
	PRIMARY KEY (document_id, revision)
);`

// SQLite stores documents in a single SQLite file. Transactions are opened
// with BEGIN IMMEDIATE so an append holds the write lock from its first
// read. Timestamps are stored as unix milliseconds.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_txlock=immediate&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// one writer at a time is all SQLite offers anyway
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create schema")
	}
	return &SQLite{db: db}, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func (s *SQLite) CreateDocument(ctx context.Context, doc Document) (Document, error) {
	doc = prepareDocument(doc)
	// round-trip precision so the returned value matches what is read back
	doc.CreatedAt = fromMillis(toMillis(doc.CreatedAt))
	doc.UpdatedAt = fromMillis(toMillis(doc.UpdatedAt))
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (`+documentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.RoomKey, doc.Title, doc.Content, doc.Revision, doc.OwnerID, doc.PartnerID,
		toMillis(doc.CreatedAt), toMillis(doc.UpdatedAt),
	)
	if err != nil {
		return Document{}, errors.Wrap(err, "insert document")
	}
	return doc, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteDocument(row rowScanner) (Document, error) {
	var d Document
	var created, updated int64
	err := row.Scan(&d.ID, &d.RoomKey, &d.Title, &d.Content, &d.Revision, &d.OwnerID, &d.PartnerID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, errors.Wrap(err, "scan document")
	}
	d.CreatedAt, d.UpdatedAt = fromMillis(created), fromMillis(updated)
	return d, nil
}

func (s *SQLite) LatestDocument(ctx context.Context, roomKey string) (Document, error) {
	return scanSQLiteDocument(s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE room_key = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		roomKey,
	))
}

func (s *SQLite) Document(ctx context.Context, documentID string) (Document, error) {
	return scanSQLiteDocument(s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = ?`, documentID,
	))
}

func (s *SQLite) CurrentRevision(ctx context.Context, documentID string) (int64, error) {
	if _, err := s.Document(ctx, documentID); err != nil {
		return 0, err
	}
	var rev int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(revision), 0) FROM document_operations WHERE document_id = ?`, documentID,
	).Scan(&rev)
	if err != nil {
		return 0, errors.Wrap(err, "select current revision")
	}
	return rev, nil
}

func (s *SQLite) Append(ctx context.Context, req AppendRequest) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin append")
	}
	defer tx.Rollback()

	var content string
	var revision int64
	err = tx.QueryRowContext(ctx,
		`SELECT content, revision FROM documents WHERE id = ?`, req.DocumentID,
	).Scan(&content, &revision)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, errors.Wrap(err, "read document")
	}

	content, err = prepareAppend(content, revision, req)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	rev := revision + 1
	rec := newRecord(req, rev, now)

	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET content = ?, revision = ?, updated_at = ? WHERE id = ?`,
		content, rev, toMillis(now), req.DocumentID,
	); err != nil {
		return 0, errors.Wrap(err, "update document")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO document_operations (document_id, revision, user_id, operation_id, kind, position, text, length, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.DocumentID, rec.Revision, rec.UserID, rec.OperationID, rec.Operation.Kind.String(),
		rec.Operation.Position, rec.Operation.Text, rec.Operation.Length, toMillis(rec.Timestamp),
	); err != nil {
		return 0, errors.Wrap(err, "insert operation")
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit append")
	}
	return rev, nil
}

func (s *SQLite) Snapshot(ctx context.Context, documentID string) (Snapshot, error) {
	doc, err := s.Document(ctx, documentID)
	if err != nil {
		return Snapshot{}, err
	}
	return doc.Snapshot(), nil
}

func (s *SQLite) Operations(ctx context.Context, documentID string, since int64, limit int) ([]OperationRecord, error) {
	if _, err := s.Document(ctx, documentID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT document_id, revision, user_id, operation_id, kind, position, text, length, created_at
		 FROM document_operations WHERE document_id = ? AND revision > ? ORDER BY revision LIMIT ?`,
		documentID, since, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "select operations")
	}
	defer rows.Close()

	var out []OperationRecord
	for rows.Next() {
		var r OperationRecord
		var kind string
		var created int64
		if err := rows.Scan(&r.DocumentID, &r.Revision, &r.UserID, &r.OperationID, &kind,
			&r.Operation.Position, &r.Operation.Text, &r.Operation.Length, &created); err != nil {
			return nil, errors.Wrap(err, "scan operation")
		}
		if r.Operation.Kind, err = opKind(kind); err != nil {
			return nil, err
		}
		r.Timestamp = fromMillis(created)
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate operations")
}

func (s *SQLite) UpdateTitle(ctx context.Context, documentID, title string) (Snapshot, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET title = ?, updated_at = ? WHERE id = ?`,
		title, toMillis(time.Now()), documentID,
	)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "update title")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Snapshot{}, ErrNotFound
	}
	return s.Snapshot(ctx, documentID)
}

func (s *SQLite) SaveContent(ctx context.Context, documentID, content string, revision int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET content = ?, updated_at = CASE WHEN content = ? THEN updated_at ELSE ? END
		 WHERE id = ? AND revision = ?`,
		content, content, toMillis(time.Now()), documentID, revision,
	)
	if err != nil {
		return false, errors.Wrap(err, "save content")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "save content")
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.Document(ctx, documentID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLite)(nil)
