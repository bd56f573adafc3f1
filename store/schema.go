package store

// Schema is the full persisted schema from spec §3, applied once at
// startup (and idempotently thereafter — every statement is CREATE IF NOT
// EXISTS). Migrations are tracked in _schema_migrations so a future
// migration runner can apply deltas in sequence without redoing this base.
const Schema = `
CREATE TABLE IF NOT EXISTS _schema_migrations (
    version     INTEGER PRIMARY KEY,
    applied_at  INTEGER NOT NULL
);
INSERT OR IGNORE INTO _schema_migrations (version, applied_at) VALUES (1, strftime('%s','now'));

CREATE TABLE IF NOT EXISTS project (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    public_key  TEXT NOT NULL UNIQUE,
    name        TEXT NOT NULL,
    created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS archive (
    hash                TEXT PRIMARY KEY,
    project_id          INTEGER NOT NULL REFERENCES project(id),
    compressed_payload  BLOB NOT NULL,
    original_size       INTEGER,
    created_at          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_archive_project ON archive(project_id);

CREATE TABLE IF NOT EXISTS queue (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    archive_hash  TEXT NOT NULL UNIQUE REFERENCES archive(hash),
    created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS queue_error (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    archive_hash  TEXT NOT NULL UNIQUE REFERENCES archive(hash),
    error         TEXT NOT NULL,
    created_at    INTEGER NOT NULL
);

-- Dimension tables: write-only growth, UNIQUE(value), idempotent insert.
CREATE TABLE IF NOT EXISTS unwrap_platform            (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS unwrap_environment         (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS unwrap_os_name             (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS unwrap_os_version          (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS unwrap_manufacturer        (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS unwrap_brand               (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS unwrap_model               (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS unwrap_chipset             (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS unwrap_locale_code         (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS unwrap_timezone            (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS unwrap_connection_type     (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS unwrap_orientation         (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS unwrap_app_name            (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS unwrap_app_version         (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS unwrap_app_build           (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS unwrap_user                (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS unwrap_exception_type      (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS unwrap_session_status      (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS unwrap_session_release     (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);
CREATE TABLE IF NOT EXISTS unwrap_session_environment (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE);

CREATE TABLE IF NOT EXISTS unwrap_device_specs (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    screen_width     INTEGER,
    screen_height    INTEGER,
    screen_density   REAL,
    screen_dpi       INTEGER,
    processor_count  INTEGER,
    memory_size      INTEGER,
    archs            TEXT,
    UNIQUE(screen_width, screen_height, screen_density, screen_dpi, processor_count, memory_size, archs)
);

CREATE TABLE IF NOT EXISTS unwrap_exception_message (
    id     INTEGER PRIMARY KEY AUTOINCREMENT,
    hash   TEXT NOT NULL UNIQUE,
    value  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS unwrap_stacktrace (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    hash              TEXT NOT NULL UNIQUE,
    fingerprint_hash  TEXT NOT NULL,
    frames            TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS issue (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    fingerprint_hash   TEXT NOT NULL UNIQUE,
    exception_type_id  INTEGER REFERENCES unwrap_exception_type(id),
    title              TEXT NOT NULL,
    first_seen         INTEGER NOT NULL,
    last_seen          INTEGER NOT NULL,
    event_count        INTEGER NOT NULL DEFAULT 1 CHECK (event_count >= 1)
);

CREATE TABLE IF NOT EXISTS session (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    project_id      INTEGER NOT NULL REFERENCES project(id),
    sid             TEXT NOT NULL,
    init            INTEGER NOT NULL DEFAULT 0,
    started_at      INTEGER NOT NULL,
    timestamp       INTEGER NOT NULL,
    errors          INTEGER NOT NULL DEFAULT 0,
    status_id       INTEGER REFERENCES unwrap_session_status(id),
    release_id      INTEGER REFERENCES unwrap_session_release(id),
    environment_id  INTEGER REFERENCES unwrap_session_environment(id),
    UNIQUE(project_id, sid)
);

CREATE TABLE IF NOT EXISTS report (
    id                   INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id             TEXT NOT NULL UNIQUE,
    archive_hash         TEXT NOT NULL REFERENCES archive(hash),
    timestamp            INTEGER NOT NULL,
    received_at          INTEGER NOT NULL,
    project_id           INTEGER NOT NULL REFERENCES project(id),
    issue_id             INTEGER REFERENCES issue(id),
    session_id           INTEGER REFERENCES session(id),
    platform_id          INTEGER REFERENCES unwrap_platform(id),
    environment_id       INTEGER REFERENCES unwrap_environment(id),
    os_name_id           INTEGER REFERENCES unwrap_os_name(id),
    os_version_id        INTEGER REFERENCES unwrap_os_version(id),
    manufacturer_id      INTEGER REFERENCES unwrap_manufacturer(id),
    brand_id             INTEGER REFERENCES unwrap_brand(id),
    model_id             INTEGER REFERENCES unwrap_model(id),
    chipset_id           INTEGER REFERENCES unwrap_chipset(id),
    locale_code_id       INTEGER REFERENCES unwrap_locale_code(id),
    timezone_id          INTEGER REFERENCES unwrap_timezone(id),
    connection_type_id   INTEGER REFERENCES unwrap_connection_type(id),
    orientation_id       INTEGER REFERENCES unwrap_orientation(id),
    app_name_id          INTEGER REFERENCES unwrap_app_name(id),
    app_version_id       INTEGER REFERENCES unwrap_app_version(id),
    app_build_id         INTEGER REFERENCES unwrap_app_build(id),
    user_id              INTEGER REFERENCES unwrap_user(id),
    exception_type_id    INTEGER REFERENCES unwrap_exception_type(id),
    exception_message_id INTEGER REFERENCES unwrap_exception_message(id),
    stacktrace_id        INTEGER REFERENCES unwrap_stacktrace(id),
    device_specs_id      INTEGER REFERENCES unwrap_device_specs(id)
);
CREATE INDEX IF NOT EXISTS idx_report_issue   ON report(issue_id);
CREATE INDEX IF NOT EXISTS idx_report_session ON report(session_id);
CREATE INDEX IF NOT EXISTS idx_report_archive ON report(archive_hash);

-- Analytics buckets (C9): lossy, monotonically-increasing counters.
CREATE TABLE IF NOT EXISTS bucket_request (
    key          TEXT NOT NULL,
    bucket_start INTEGER NOT NULL,
    hit_count    INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (key, bucket_start)
);

CREATE TABLE IF NOT EXISTS bucket_latency (
    endpoint      TEXT NOT NULL,
    bucket_start  INTEGER NOT NULL,
    total_ms      INTEGER NOT NULL DEFAULT 0,
    min_ms        INTEGER NOT NULL DEFAULT 0,
    max_ms        INTEGER NOT NULL DEFAULT 0,
    request_count INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (endpoint, bucket_start)
);
`
