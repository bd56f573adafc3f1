// Package store is the typed persistence layer (C2): projects, archives,
// queue/queue_error, dimension tables, reports, issues, sessions, and
// analytics buckets. All write paths are idempotent per spec §4.2 and the
// invariants in spec §3.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/hazyhaar/faultline/dbopen"
)

// ErrNotFound is returned by lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicateEventID is returned by InsertReport when event_id already
// exists; the digest worker treats this as success (spec §4.7 step 5d).
var ErrDuplicateEventID = errors.New("store: duplicate event_id")

// dbtx is satisfied by both *sql.DB and *sql.Tx, letting every read/write
// helper below run identically inside or outside a transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store wraps the application database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path with the faultline
// schema applied, using the tracing driver so every statement is logged and
// optionally persisted (see package trace).
func Open(path string, opts ...dbopen.Option) (*Store, error) {
	opts = append([]dbopen.Option{dbopen.WithTrace(), dbopen.WithSchema(Schema)}, opts...)
	db, err := dbopen.Open(path, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "store: open")
	}
	return &Store{db: db}, nil
}

// New wraps an already-open database handle, applying the schema.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, errors.Wrap(err, "store: apply schema")
	}
	return &Store{db: db}, nil
}

// DB returns the underlying handle, for components (analytics, observability)
// that share the same database file.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// --- Project ---

// ResolveProjectByKey returns the project id for a DSN public key, or
// ErrNotFound.
func (s *Store) ResolveProjectByKey(ctx context.Context, publicKey string) (int64, error) {
	return resolveProjectByKey(ctx, s.db, publicKey)
}

func resolveProjectByKey(ctx context.Context, q dbtx, publicKey string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `SELECT id FROM project WHERE public_key = ?`, publicKey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, errors.Wrap(err, "store: resolve project")
	}
	return id, nil
}

// CreateProject inserts a new project, for the CLI's project_create.
func (s *Store) CreateProject(ctx context.Context, name, publicKey string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO project (public_key, name, created_at) VALUES (?, ?, ?)`,
		publicKey, name, time.Now().UTC().Unix())
	if err != nil {
		return 0, errors.Wrap(err, "store: create project")
	}
	return res.LastInsertId()
}

// Project is a project row, for the CLI's project_list.
type Project struct {
	ID        int64
	PublicKey string
	Name      string
	CreatedAt time.Time
}

// ListProjects returns every project, ordered by id.
func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, public_key, name, created_at FROM project ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "store: list projects")
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var p Project
		var createdAt int64
		if err := rows.Scan(&p.ID, &p.PublicKey, &p.Name, &createdAt); err != nil {
			return nil, errors.Wrap(err, "store: scan project")
		}
		p.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteProject removes a project by id. Archives and reports referencing
// it are left in place — retention/GC is the operator's responsibility
// (spec §1 Non-goals).
func (s *Store) DeleteProject(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM project WHERE id = ?`, id)
	return errors.Wrap(err, "store: delete project")
}

// --- Archive ---

// InsertResult reports whether InsertArchiveIfAbsent actually inserted a row.
type InsertResult int

const (
	// Inserted means a new archive row was created.
	Inserted InsertResult = iota
	// AlreadyExists means a row with this hash already existed; bytes were
	// not overwritten.
	AlreadyExists
)

// InsertArchiveIfAbsent inserts the content-addressed archive row if no row
// with this hash exists yet. originalSize is nil when the client sent
// already-gzipped bytes (spec §9 open question (b) — no original length is
// recoverable in that case, so the column stays NULL rather than recording
// the compressed length as a false original size).
func (s *Store) InsertArchiveIfAbsent(ctx context.Context, hash string, projectID int64, compressed []byte, originalSize *int64) (InsertResult, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO archive (hash, project_id, compressed_payload, original_size, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		hash, projectID, compressed, originalSize, time.Now().UTC().Unix())
	if err != nil {
		return 0, errors.Wrap(err, "store: insert archive")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "store: insert archive rows affected")
	}
	if n == 0 {
		return AlreadyExists, nil
	}
	return Inserted, nil
}

// ArchivePayload is what the digest worker needs to decode an archive.
type ArchivePayload struct {
	ProjectID          int64
	CompressedPayload  []byte
}

// LoadArchive fetches the compressed payload and owning project for digest.
func (s *Store) LoadArchive(ctx context.Context, hash string) (ArchivePayload, error) {
	return loadArchive(ctx, s.db, hash)
}

func loadArchive(ctx context.Context, q dbtx, hash string) (ArchivePayload, error) {
	var a ArchivePayload
	err := q.QueryRowContext(ctx,
		`SELECT project_id, compressed_payload FROM archive WHERE hash = ?`, hash,
	).Scan(&a.ProjectID, &a.CompressedPayload)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, errors.Wrap(err, "store: load archive")
	}
	return a, nil
}

// --- Queue / queue_error ---

// Enqueue inserts a queue row for hash unless it already appears in queue
// or queue_error (spec §4.2 enqueue, invariant I4). A single
// INSERT...SELECT...WHERE NOT EXISTS statement keeps the check-then-act
// atomic under SQLite's serialized writer.
func (s *Store) Enqueue(ctx context.Context, archiveHash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue (archive_hash, created_at)
		SELECT ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM queue WHERE archive_hash = ?)
		  AND NOT EXISTS (SELECT 1 FROM queue_error WHERE archive_hash = ?)`,
		archiveHash, time.Now().UTC().Unix(), archiveHash, archiveHash)
	return errors.Wrap(err, "store: enqueue")
}

// ClaimBatch returns up to n pending queue entries in FIFO order. Claiming
// does not remove the row — digest removes it on success (spec §4.2).
func (s *Store) ClaimBatch(ctx context.Context, n int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT archive_hash FROM queue ORDER BY id ASC LIMIT ?`, n)
	if err != nil {
		return nil, errors.Wrap(err, "store: claim batch")
	}
	defer rows.Close()

	hashes := make([]string, 0, n)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, errors.Wrap(err, "store: scan claimed hash")
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// MoveToQueueError deletes the queue row and inserts a queue_error row for
// archiveHash in one transaction (spec §4.2), used when digest_one fails
// with a DigestFatal error.
func (s *Store) MoveToQueueError(ctx context.Context, archiveHash, errText string) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue WHERE archive_hash = ?`, archiveHash); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO queue_error (archive_hash, error, created_at) VALUES (?, ?, ?)`,
			archiveHash, errText, time.Now().UTC().Unix())
		return err
	})
}

// QueueCounts returns the pending and errored queue depths, for the health
// endpoint's cached-stats refresher.
func (s *Store) QueueCounts(ctx context.Context) (queued, errored int64, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue`).Scan(&queued); err != nil {
		return 0, 0, errors.Wrap(err, "store: count queue")
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_error`).Scan(&errored); err != nil {
		return 0, 0, errors.Wrap(err, "store: count queue_error")
	}
	return queued, errored, nil
}

// Counts gathers the remaining /health counters.
func (s *Store) Counts(ctx context.Context) (archives, reports, issues int64, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM archive`).Scan(&archives); err != nil {
		return 0, 0, 0, errors.Wrap(err, "store: count archives")
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM report`).Scan(&reports); err != nil {
		return 0, 0, 0, errors.Wrap(err, "store: count reports")
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM issue`).Scan(&issues); err != nil {
		return 0, 0, 0, errors.Wrap(err, "store: count issues")
	}
	return archives, reports, issues, nil
}

// --- Digest transaction ---

// DigestTx is the handle passed to DigestTransaction's callback. Every
// method is identical to the corresponding Store method but runs against
// the open transaction.
type DigestTx struct {
	q  dbtx
	tx *sql.Tx
}

// DigestTransaction opens a transaction, passes a DigestTx bound to it to
// fn, commits on success, and rolls back on any error or panic (spec §4.2
// digest_transaction<f>). Up to 3 attempts on SQLITE_BUSY by dbopen.RunTx
// — the DigestTransient classification in spec §7.
func (s *Store) DigestTransaction(ctx context.Context, fn func(*DigestTx) error) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		return fn(&DigestTx{q: tx, tx: tx})
	})
}

// LoadArchive is identical to Store.LoadArchive but reads within the
// transaction for a consistent snapshot.
func (d *DigestTx) LoadArchive(ctx context.Context, hash string) (ArchivePayload, error) {
	return loadArchive(ctx, d.q, hash)
}

// DeleteQueueRow removes the queue row for hash — the last statement of a
// successful digest transaction (spec §4.2, §4.7 step 6).
func (d *DigestTx) DeleteQueueRow(ctx context.Context, archiveHash string) error {
	_, err := d.q.ExecContext(ctx, `DELETE FROM queue WHERE archive_hash = ?`, archiveHash)
	return errors.Wrap(err, "store: delete queue row")
}
