package store

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Dimension identifies one of the simple value dimension tables (spec §3).
// It is a closed set, not a free string, so a table name can never reach
// fmt.Sprintf from caller input — the same defense observability.Cleanup
// uses for its whitelisted DELETE targets.
type Dimension string

const (
	DimPlatform           Dimension = "unwrap_platform"
	DimEnvironment        Dimension = "unwrap_environment"
	DimOSName             Dimension = "unwrap_os_name"
	DimOSVersion          Dimension = "unwrap_os_version"
	DimManufacturer       Dimension = "unwrap_manufacturer"
	DimBrand              Dimension = "unwrap_brand"
	DimModel              Dimension = "unwrap_model"
	DimChipset            Dimension = "unwrap_chipset"
	DimLocaleCode         Dimension = "unwrap_locale_code"
	DimTimezone           Dimension = "unwrap_timezone"
	DimConnectionType     Dimension = "unwrap_connection_type"
	DimOrientation        Dimension = "unwrap_orientation"
	DimAppName            Dimension = "unwrap_app_name"
	DimAppVersion         Dimension = "unwrap_app_version"
	DimAppBuild           Dimension = "unwrap_app_build"
	DimUser               Dimension = "unwrap_user"
	DimExceptionType      Dimension = "unwrap_exception_type"
	DimSessionStatus      Dimension = "unwrap_session_status"
	DimSessionRelease     Dimension = "unwrap_session_release"
	DimSessionEnvironment Dimension = "unwrap_session_environment"
)

var validDimensions = map[Dimension]bool{
	DimPlatform: true, DimEnvironment: true, DimOSName: true, DimOSVersion: true,
	DimManufacturer: true, DimBrand: true, DimModel: true, DimChipset: true,
	DimLocaleCode: true, DimTimezone: true, DimConnectionType: true, DimOrientation: true,
	DimAppName: true, DimAppVersion: true, DimAppBuild: true, DimUser: true,
	DimExceptionType: true, DimSessionStatus: true, DimSessionRelease: true, DimSessionEnvironment: true,
}

// GetOrInsertDimension resolves value to its surrogate id in table dim,
// inserting it if absent. Idempotent under concurrent callers via
// INSERT OR IGNORE followed by a SELECT (spec §3 invariant I5, §4.2).
func (s *Store) GetOrInsertDimension(ctx context.Context, dim Dimension, value string) (int64, error) {
	return getOrInsertDimension(ctx, s.db, dim, value)
}

func getOrInsertDimension(ctx context.Context, q dbtx, dim Dimension, value string) (int64, error) {
	if !validDimensions[dim] {
		return 0, errors.Errorf("store: unknown dimension %q", dim)
	}
	insertQ := fmt.Sprintf(`INSERT OR IGNORE INTO %s (value) VALUES (?)`, dim)
	if _, err := q.ExecContext(ctx, insertQ, value); err != nil {
		return 0, errors.Wrapf(err, "store: insert dimension %s", dim)
	}
	selectQ := fmt.Sprintf(`SELECT id FROM %s WHERE value = ?`, dim)
	var id int64
	if err := q.QueryRowContext(ctx, selectQ, value).Scan(&id); err != nil {
		return 0, errors.Wrapf(err, "store: select dimension %s", dim)
	}
	return id, nil
}

// GetOrInsertDimension is the DigestTx counterpart, run within the digest
// transaction.
func (d *DigestTx) GetOrInsertDimension(ctx context.Context, dim Dimension, value string) (int64, error) {
	return getOrInsertDimension(ctx, d.q, dim, value)
}

// DeviceSpecs is the composite tuple for unwrap_device_specs. All fields
// are nullable per spec §3.
type DeviceSpecs struct {
	ScreenWidth    *int64
	ScreenHeight   *int64
	ScreenDensity  *float64
	ScreenDPI      *int64
	ProcessorCount *int64
	MemorySize     *int64
	Archs          *string
}

// GetOrInsertDeviceSpecs resolves (or inserts) the device_specs row matching
// the given tuple, via the multi-column UNIQUE constraint.
func (d *DigestTx) GetOrInsertDeviceSpecs(ctx context.Context, specs DeviceSpecs) (int64, error) {
	return getOrInsertDeviceSpecs(ctx, d.q, specs)
}

// GetOrInsertDeviceSpecs is the non-transactional counterpart (used by
// tests and any out-of-digest normalization path).
func (s *Store) GetOrInsertDeviceSpecs(ctx context.Context, specs DeviceSpecs) (int64, error) {
	return getOrInsertDeviceSpecs(ctx, s.db, specs)
}

func getOrInsertDeviceSpecs(ctx context.Context, q dbtx, specs DeviceSpecs) (int64, error) {
	// SQLite's UNIQUE treats all-NULL tuples as distinct rows (NULL != NULL),
	// so an empty tuple would grow unboundedly under repeated digest. Collapse
	// it to a single shared row instead.
	if specs == (DeviceSpecs{}) {
		return getOrInsertEmptyDeviceSpecs(ctx, q)
	}

	_, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO unwrap_device_specs
			(screen_width, screen_height, screen_density, screen_dpi, processor_count, memory_size, archs)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		specs.ScreenWidth, specs.ScreenHeight, specs.ScreenDensity, specs.ScreenDPI,
		specs.ProcessorCount, specs.MemorySize, specs.Archs)
	if err != nil {
		return 0, errors.Wrap(err, "store: insert device_specs")
	}

	var id int64
	err = q.QueryRowContext(ctx, `
		SELECT id FROM unwrap_device_specs
		WHERE screen_width IS ? AND screen_height IS ? AND screen_density IS ?
		  AND screen_dpi IS ? AND processor_count IS ? AND memory_size IS ? AND archs IS ?`,
		specs.ScreenWidth, specs.ScreenHeight, specs.ScreenDensity,
		specs.ScreenDPI, specs.ProcessorCount, specs.MemorySize, specs.Archs,
	).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "store: select device_specs")
	}
	return id, nil
}

func getOrInsertEmptyDeviceSpecs(ctx context.Context, q dbtx) (int64, error) {
	_, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO unwrap_device_specs (id) VALUES (0)`)
	if err != nil {
		return 0, errors.Wrap(err, "store: insert empty device_specs")
	}
	var id int64
	err = q.QueryRowContext(ctx, `SELECT id FROM unwrap_device_specs WHERE id = 0`).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "store: select empty device_specs")
	}
	return id, nil
}

// GetOrInsertExceptionMessage dedupes long identical messages by their
// SHA-256 hash (spec §3).
func (d *DigestTx) GetOrInsertExceptionMessage(ctx context.Context, hash, value string) (int64, error) {
	return getOrInsertExceptionMessage(ctx, d.q, hash, value)
}

func (s *Store) GetOrInsertExceptionMessage(ctx context.Context, hash, value string) (int64, error) {
	return getOrInsertExceptionMessage(ctx, s.db, hash, value)
}

func getOrInsertExceptionMessage(ctx context.Context, q dbtx, hash, value string) (int64, error) {
	if _, err := q.ExecContext(ctx,
		`INSERT OR IGNORE INTO unwrap_exception_message (hash, value) VALUES (?, ?)`, hash, value,
	); err != nil {
		return 0, errors.Wrap(err, "store: insert exception_message")
	}
	var id int64
	err := q.QueryRowContext(ctx, `SELECT id FROM unwrap_exception_message WHERE hash = ?`, hash).Scan(&id)
	return id, errors.Wrap(err, "store: select exception_message")
}

// GetOrInsertStacktrace resolves (or inserts) the normalized stacktrace row.
func (d *DigestTx) GetOrInsertStacktrace(ctx context.Context, hash, fingerprintHash, framesJSON string) (int64, error) {
	return getOrInsertStacktrace(ctx, d.q, hash, fingerprintHash, framesJSON)
}

func (s *Store) GetOrInsertStacktrace(ctx context.Context, hash, fingerprintHash, framesJSON string) (int64, error) {
	return getOrInsertStacktrace(ctx, s.db, hash, fingerprintHash, framesJSON)
}

func getOrInsertStacktrace(ctx context.Context, q dbtx, hash, fingerprintHash, framesJSON string) (int64, error) {
	if _, err := q.ExecContext(ctx,
		`INSERT OR IGNORE INTO unwrap_stacktrace (hash, fingerprint_hash, frames) VALUES (?, ?, ?)`,
		hash, fingerprintHash, framesJSON,
	); err != nil {
		return 0, errors.Wrap(err, "store: insert stacktrace")
	}
	var id int64
	err := q.QueryRowContext(ctx, `SELECT id FROM unwrap_stacktrace WHERE hash = ?`, hash).Scan(&id)
	return id, errors.Wrap(err, "store: select stacktrace")
}
