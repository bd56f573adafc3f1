package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ArchiveRecord is one row of archive_export/archive_import JSONL, keyed by
// the content hash so re-import is naturally idempotent.
type ArchiveRecord struct {
	Hash              string
	ProjectID         int64
	CompressedPayload []byte
	OriginalSize      *int64
	CreatedAt         time.Time
}

// ListArchives returns every archive row ordered by hash, for faultlinectl's
// archive_export.
func (s *Store) ListArchives(ctx context.Context) ([]ArchiveRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT hash, project_id, compressed_payload, original_size, created_at FROM archive ORDER BY hash`)
	if err != nil {
		return nil, errors.Wrap(err, "store: list archives")
	}
	defer rows.Close()

	var out []ArchiveRecord
	for rows.Next() {
		var r ArchiveRecord
		var createdAt int64
		if err := rows.Scan(&r.Hash, &r.ProjectID, &r.CompressedPayload, &r.OriginalSize, &createdAt); err != nil {
			return nil, errors.Wrap(err, "store: scan archive")
		}
		r.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// OrphanArchiveHashes returns every archive hash with neither a queue row,
// a queue_error row, nor a report row — the set ruminate re-enqueues (spec
// §9 open question (c)). archive_import enqueues the rows it newly inserts,
// so only archives that were already present can remain in this state.
func (s *Store) OrphanArchiveHashes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.hash FROM archive a
		WHERE NOT EXISTS (SELECT 1 FROM queue q WHERE q.archive_hash = a.hash)
		  AND NOT EXISTS (SELECT 1 FROM queue_error qe WHERE qe.archive_hash = a.hash)
		  AND NOT EXISTS (SELECT 1 FROM report r WHERE r.archive_hash = a.hash)
		ORDER BY a.hash`)
	if err != nil {
		return nil, errors.Wrap(err, "store: orphan archives")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, errors.Wrap(err, "store: scan orphan hash")
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ImportArchive re-inserts an exported record, returning whether a new row
// was created. It never re-enqueues by itself — the caller decides whether
// the imported archive should be queued immediately or left orphaned for a
// later ruminate (spec §6 archive_import).
func (s *Store) ImportArchive(ctx context.Context, r ArchiveRecord) (InsertResult, error) {
	return s.InsertArchiveIfAbsent(ctx, r.Hash, r.ProjectID, r.CompressedPayload, r.OriginalSize)
}
