package store

import (
	"context"

	"github.com/pkg/errors"
)

// terminalSessionStatuses are the statuses that, once stored, a conflicting
// upsert may never transition away from (spec §3, invariant P7).
var terminalSessionStatuses = []string{"exited", "crashed", "abnormal"}

// SessionFields are the upsertable columns of a session row, excluding the
// (project_id, sid) conflict key.
type SessionFields struct {
	Init          bool
	StartedAt     int64
	Timestamp     int64
	Errors        int64
	StatusID      int64
	ReleaseID     *int64
	EnvironmentID *int64
}

// UpsertSession implements the session conflict rules from spec §3: errors
// takes the stored/incoming maximum, timestamp takes the later of the two,
// and status_id keeps the incoming value unless the stored status is
// already terminal, in which case the terminal status wins (P7).
func (d *DigestTx) UpsertSession(ctx context.Context, projectID int64, sid string, f SessionFields) (int64, error) {
	var id int64
	err := d.q.QueryRowContext(ctx, `
		INSERT INTO session (project_id, sid, init, started_at, timestamp, errors, status_id, release_id, environment_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, sid) DO UPDATE SET
			errors    = MAX(errors, excluded.errors),
			timestamp = MAX(timestamp, excluded.timestamp),
			status_id = CASE
				WHEN (SELECT value FROM unwrap_session_status WHERE id = status_id) IN (?, ?, ?)
				THEN status_id
				ELSE excluded.status_id
			END
		RETURNING id`,
		projectID, sid, boolToInt(f.Init), f.StartedAt, f.Timestamp, f.Errors, f.StatusID, f.ReleaseID, f.EnvironmentID,
		terminalSessionStatuses[0], terminalSessionStatuses[1], terminalSessionStatuses[2],
	).Scan(&id)
	return id, errors.Wrap(err, "store: upsert session")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
