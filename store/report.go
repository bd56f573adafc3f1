package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// ReportRow is a fully-resolved report (spec §3): every dimension has
// already been turned into a surrogate id via GetOrInsertDimension et al.
type ReportRow struct {
	EventID     string
	ArchiveHash string
	Timestamp   int64
	ReceivedAt  int64
	ProjectID   int64
	IssueID     *int64
	SessionID   *int64

	PlatformID         *int64
	EnvironmentID      *int64
	OSNameID           *int64
	OSVersionID        *int64
	ManufacturerID     *int64
	BrandID            *int64
	ModelID            *int64
	ChipsetID          *int64
	LocaleCodeID       *int64
	TimezoneID         *int64
	ConnectionTypeID   *int64
	OrientationID      *int64
	AppNameID          *int64
	AppVersionID       *int64
	AppBuildID         *int64
	UserID             *int64
	ExceptionTypeID    *int64
	ExceptionMessageID *int64
	StacktraceID       *int64
	DeviceSpecsID      *int64
}

// InsertReport inserts the denormalized report row. On a pre-existing
// event_id it returns ErrDuplicateEventID — the digest worker treats that
// as success, since digest is idempotent by event_id (spec §4.7 step 5d,
// §8 P3).
func (d *DigestTx) InsertReport(ctx context.Context, r ReportRow) (int64, error) {
	res, err := d.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO report (
			event_id, archive_hash, timestamp, received_at, project_id, issue_id, session_id,
			platform_id, environment_id, os_name_id, os_version_id, manufacturer_id, brand_id,
			model_id, chipset_id, locale_code_id, timezone_id, connection_type_id, orientation_id,
			app_name_id, app_version_id, app_build_id, user_id, exception_type_id,
			exception_message_id, stacktrace_id, device_specs_id
		) VALUES (?,?,?,?,?,?,?, ?,?,?,?,?,?, ?,?,?,?,?,?, ?,?,?,?,?, ?,?,?)`,
		r.EventID, r.ArchiveHash, r.Timestamp, r.ReceivedAt, r.ProjectID, r.IssueID, r.SessionID,
		r.PlatformID, r.EnvironmentID, r.OSNameID, r.OSVersionID, r.ManufacturerID, r.BrandID,
		r.ModelID, r.ChipsetID, r.LocaleCodeID, r.TimezoneID, r.ConnectionTypeID, r.OrientationID,
		r.AppNameID, r.AppVersionID, r.AppBuildID, r.UserID, r.ExceptionTypeID,
		r.ExceptionMessageID, r.StacktraceID, r.DeviceSpecsID,
	)
	if err != nil {
		return 0, errors.Wrap(err, "store: insert report")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "store: insert report rows affected")
	}
	if n == 0 {
		return 0, ErrDuplicateEventID
	}
	id, err := res.LastInsertId()
	return id, errors.Wrap(err, "store: insert report last id")
}

// HasReportForArchive reports whether any report row references
// archiveHash.
func (s *Store) HasReportForArchive(ctx context.Context, archiveHash string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM report WHERE archive_hash = ?)`, archiveHash,
	).Scan(&exists)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, errors.Wrap(err, "store: check report existence")
	}
	return exists == 1, nil
}
