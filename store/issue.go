package store

import (
	"context"

	"github.com/pkg/errors"
)

// UpsertIssue implements spec §4.2's upsert_issue / §3's issue lifecycle:
// insert with first_seen=last_seen=received_at, event_count=1; on conflict,
// advance last_seen to the greater value and increment event_count by one.
// title and exception_type_id are written only on insert — they never
// change once an issue exists.
func (d *DigestTx) UpsertIssue(ctx context.Context, fingerprintHash string, exceptionTypeID *int64, title string, receivedAt int64) (int64, error) {
	var id int64
	err := d.q.QueryRowContext(ctx, `
		INSERT INTO issue (fingerprint_hash, exception_type_id, title, first_seen, last_seen, event_count)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT(fingerprint_hash) DO UPDATE SET
			last_seen   = MAX(last_seen, excluded.last_seen),
			event_count = event_count + 1
		RETURNING id`,
		fingerprintHash, exceptionTypeID, title, receivedAt, receivedAt,
	).Scan(&id)
	return id, errors.Wrap(err, "store: upsert issue")
}
