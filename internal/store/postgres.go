package store

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	room_key   TEXT NOT NULL,
	title      TEXT NOT NULL,
	content    TEXT NOT NULL DEFAULT '',
	revision   BIGINT NOT NULL DEFAULT 0,
	owner_id   TEXT NOT NULL,
	partner_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS documents_room_key_idx ON documents (room_key, created_at);
CREATE TABLE IF NOT EXISTS document_operations (
	document_id  TEXT NOT NULL REFERENCES documents (id) ON DELETE CASCADE,
	revision     BIGINT NOT NULL,
	user_id      TEXT NOT NULL,
	operation_id TEXT NOT NULL,
	kind         TEXT NOT NULL,
	position     BIGINT NOT NULL,
	text         TEXT NOT NULL DEFAULT '',
	length       BIGINT NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (document_id, revision)
);`

const documentColumns = `id, room_key, title, content, revision, owner_id, partner_id, created_at, updated_at`

// Postgres stores documents in PostgreSQL through a pgx pool. Append locks
// the document row with SELECT ... FOR UPDATE for the duration of its
// transaction.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects, retrying with exponential backoff while the
// database is unreachable, and ensures the schema exists.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse database url")
	}

	var pool *pgxpool.Pool
	connect := func() error {
		p, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(connect, backoff.WithContext(b, ctx)); err != nil {
		return nil, errors.Wrap(err, "connect to postgres")
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "create schema")
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) CreateDocument(ctx context.Context, doc Document) (Document, error) {
	doc = prepareDocument(doc)
	_, err := p.pool.Exec(ctx,
		`INSERT INTO documents (`+documentColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		doc.ID, doc.RoomKey, doc.Title, doc.Content, doc.Revision, doc.OwnerID, doc.PartnerID, doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		return Document{}, errors.Wrap(err, "insert document")
	}
	return doc, nil
}

func scanDocument(row pgx.Row) (Document, error) {
	var d Document
	err := row.Scan(&d.ID, &d.RoomKey, &d.Title, &d.Content, &d.Revision, &d.OwnerID, &d.PartnerID, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, errors.Wrap(err, "scan document")
	}
	return d, nil
}

func (p *Postgres) LatestDocument(ctx context.Context, roomKey string) (Document, error) {
	return scanDocument(p.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE room_key = $1 ORDER BY created_at DESC, id DESC LIMIT 1`,
		roomKey,
	))
}

func (p *Postgres) Document(ctx context.Context, documentID string) (Document, error) {
	return scanDocument(p.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`, documentID,
	))
}

func (p *Postgres) CurrentRevision(ctx context.Context, documentID string) (int64, error) {
	if _, err := p.Document(ctx, documentID); err != nil {
		return 0, err
	}
	var rev int64
	err := p.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(revision), 0) FROM document_operations WHERE document_id = $1`, documentID,
	).Scan(&rev)
	if err != nil {
		return 0, errors.Wrap(err, "select current revision")
	}
	return rev, nil
}

func (p *Postgres) Append(ctx context.Context, req AppendRequest) (int64, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "begin append")
	}
	defer tx.Rollback(ctx)

	var content string
	var revision int64
	err = tx.QueryRow(ctx,
		`SELECT content, revision FROM documents WHERE id = $1 FOR UPDATE`, req.DocumentID,
	).Scan(&content, &revision)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, errors.Wrap(err, "lock document")
	}

	content, err = prepareAppend(content, revision, req)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	rev := revision + 1
	rec := newRecord(req, rev, now)

	if _, err := tx.Exec(ctx,
		`UPDATE documents SET content = $2, revision = $3, updated_at = $4 WHERE id = $1`,
		req.DocumentID, content, rev, now,
	); err != nil {
		return 0, errors.Wrap(err, "update document")
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO document_operations (document_id, revision, user_id, operation_id, kind, position, text, length, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.DocumentID, rec.Revision, rec.UserID, rec.OperationID, rec.Operation.Kind.String(),
		rec.Operation.Position, rec.Operation.Text, rec.Operation.Length, rec.Timestamp,
	); err != nil {
		return 0, errors.Wrap(err, "insert operation")
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, errors.Wrap(err, "commit append")
	}
	return rev, nil
}

func (p *Postgres) Snapshot(ctx context.Context, documentID string) (Snapshot, error) {
	doc, err := p.Document(ctx, documentID)
	if err != nil {
		return Snapshot{}, err
	}
	return doc.Snapshot(), nil
}

func (p *Postgres) Operations(ctx context.Context, documentID string, since int64, limit int) ([]OperationRecord, error) {
	if _, err := p.Document(ctx, documentID); err != nil {
		return nil, err
	}
	query := `SELECT document_id, revision, user_id, operation_id, kind, position, text, length, created_at
		FROM document_operations WHERE document_id = $1 AND revision > $2 ORDER BY revision`
	args := []any{documentID, since}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "select operations")
	}
	defer rows.Close()

	var out []OperationRecord
	for rows.Next() {
		var r OperationRecord
		var kind string
		if err := rows.Scan(&r.DocumentID, &r.Revision, &r.UserID, &r.OperationID, &kind,
			&r.Operation.Position, &r.Operation.Text, &r.Operation.Length, &r.Timestamp); err != nil {
			return nil, errors.Wrap(err, "scan operation")
		}
		if r.Operation.Kind, err = opKind(kind); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate operations")
}

func (p *Postgres) UpdateTitle(ctx context.Context, documentID, title string) (Snapshot, error) {
	doc, err := scanDocument(p.pool.QueryRow(ctx,
		`UPDATE documents SET title = $2, updated_at = $3 WHERE id = $1 RETURNING `+documentColumns,
		documentID, title, time.Now().UTC(),
	))
	if err != nil {
		return Snapshot{}, err
	}
	return doc.Snapshot(), nil
}

func (p *Postgres) SaveContent(ctx context.Context, documentID, content string, revision int64) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE documents SET content = $2, updated_at = CASE WHEN content = $2 THEN updated_at ELSE $4 END
		 WHERE id = $1 AND revision = $3`,
		documentID, content, revision, time.Now().UTC(),
	)
	if err != nil {
		return false, errors.Wrap(err, "save content")
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	// a revision mismatch and a missing document both update nothing
	if _, err := p.Document(ctx, documentID); err != nil {
		return false, err
	}
	return false, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

var _ Store = (*Postgres)(nil)
