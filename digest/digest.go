// Package digest implements C7: the background worker that turns archived
// payloads into normalized reports and session updates. It claims a batch
// of queue rows, digests each inside its own transaction, and on success
// deletes the queue row; a fatal parse/codec/constraint error moves the
// archive to queue_error instead of retrying it forever, following
// observability.HeartbeatWriter's pattern for reporting worker liveness.
package digest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/hazyhaar/faultline/codec"
	"github.com/hazyhaar/faultline/dbopen"
	"github.com/hazyhaar/faultline/fingerprint"
	"github.com/hazyhaar/faultline/observability"
	"github.com/hazyhaar/faultline/parse"
	"github.com/hazyhaar/faultline/store"
)

// fatalErr marks a digest failure as DigestFatal (spec §7): the archive is
// moved to queue_error rather than retried on the next tick. Anything not
// wrapped this way is treated as DigestTransient and left in queue.
type fatalErr struct{ cause error }

func (e *fatalErr) Error() string { return e.cause.Error() }
func (e *fatalErr) Unwrap() error { return e.cause }

func fatal(err error) error {
	if err == nil {
		return nil
	}
	// SQLITE_BUSY / locked is a transient DB condition: leave it unwrapped
	// so the archive stays in queue for the next tick.
	if dbopen.IsBusy(err) {
		return err
	}
	return &fatalErr{cause: err}
}

func isFatal(err error) bool {
	var f *fatalErr
	return errors.As(err, &f)
}

// Worker runs the periodic claim/digest loop described in spec §4.7.
type Worker struct {
	store                   *store.Store
	interval                time.Duration
	batchSize               int
	maxUncompressedBytes    int64
	heartbeat               *observability.HeartbeatWriter
	log                     *slog.Logger
}

// Config configures a Worker, mirroring spec §6's WORKER_* env vars.
type Config struct {
	Interval             time.Duration
	BatchSize            int
	MaxUncompressedBytes int64
	HeartbeatInterval    time.Duration
}

// New builds a Worker. s.DB() backs an optional heartbeat writer so an
// operator can see the worker is alive the same way any other HOROS worker
// reports liveness (spec §9: "Worker as cooperative task").
func New(s *store.Store, cfg Config) *Worker {
	w := &Worker{
		store:                s,
		interval:             cfg.Interval,
		batchSize:            cfg.BatchSize,
		maxUncompressedBytes: cfg.MaxUncompressedBytes,
		log:                  slog.Default().With("component", "digest"),
	}
	if cfg.HeartbeatInterval > 0 {
		w.heartbeat = observability.NewHeartbeatWriter(s.DB(), "digest-worker", cfg.HeartbeatInterval)
	}
	return w
}

// Run drives the worker loop until ctx is cancelled (spec §4.7, §5
// "on process shutdown, the worker finishes its in-flight digest_one
// transaction or rolls it back; no new batches are claimed").
func (w *Worker) Run(ctx context.Context) error {
	if w.heartbeat != nil {
		w.heartbeat.Start(ctx)
		defer w.heartbeat.Stop()
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick claims one batch and digests it sequentially (spec §4.7 step 3: "may
// proceed sequentially or with bounded parallelism" — this worker chooses
// sequential, since a single SQLite writer gives bounded parallelism no
// throughput advantage).
func (w *Worker) Tick(ctx context.Context) {
	hashes, err := w.store.ClaimBatch(ctx, w.batchSize)
	if err != nil {
		w.log.Error("claim batch failed", "error", err)
		return
	}
	for _, hash := range hashes {
		if ctx.Err() != nil {
			return
		}
		w.digestOne(ctx, hash)
	}
}

func (w *Worker) digestOne(ctx context.Context, hash string) {
	err := w.store.DigestTransaction(ctx, func(tx *store.DigestTx) error {
		return w.digestOneTx(ctx, tx, hash)
	})
	if err == nil {
		return
	}

	if !isFatal(err) {
		// DigestTransient (spec §7): a DB error — leave the row in queue,
		// retried on the next tick.
		w.log.Warn("digest transient failure, left in queue", "archive_hash", hash, "error", err)
		return
	}

	w.log.Error("digest fatal failure, moved to queue_error", "archive_hash", hash, "error", err)
	moveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if mErr := w.store.MoveToQueueError(moveCtx, hash, err.Error()); mErr != nil {
		w.log.Error("move to queue_error failed", "archive_hash", hash, "error", mErr)
	}
}

// digestOneTx implements spec §4.7's digest_one steps 1-6, run inside one
// digest transaction.
func (w *Worker) digestOneTx(ctx context.Context, tx *store.DigestTx, hash string) error {
	archive, err := tx.LoadArchive(ctx, hash)
	if err != nil {
		return fatal(errors.Wrap(err, "load archive"))
	}

	raw, err := codec.Decompress(archive.CompressedPayload, w.maxUncompressedBytes)
	if err != nil {
		return fatal(errors.Wrap(err, "decompress archive"))
	}

	var event *parse.ParsedEvent
	var sessions []parse.SessionUpdate

	if parse.LooksLikeEnvelope(raw) {
		event, sessions, err = parse.ParseEnvelope(raw)
	} else {
		event, err = parse.ParseStore(raw)
	}
	if err != nil {
		return fatal(errors.Wrap(err, "parse payload"))
	}

	for _, su := range sessions {
		if _, err := w.commitSession(ctx, tx, archive.ProjectID, su); err != nil {
			return fatal(errors.Wrap(err, "commit session"))
		}
	}

	if event != nil {
		if err := w.commitReport(ctx, tx, archive.ProjectID, hash, event); err != nil {
			if errors.Is(err, store.ErrDuplicateEventID) {
				// Digest is idempotent by event_id (spec §4.7 step 5d, §8 P3):
				// a duplicate report is success, not failure.
			} else {
				return fatal(errors.Wrap(err, "commit report"))
			}
		}
	}

	return tx.DeleteQueueRow(ctx, hash)
}

func (w *Worker) commitSession(ctx context.Context, tx *store.DigestTx, projectID int64, su parse.SessionUpdate) (int64, error) {
	status := su.Status
	if status == "" {
		status = "unknown"
	}
	statusID, err := tx.GetOrInsertDimension(ctx, store.DimSessionStatus, status)
	if err != nil {
		return 0, err
	}

	var releaseID *int64
	if su.Release != "" {
		id, err := tx.GetOrInsertDimension(ctx, store.DimSessionRelease, su.Release)
		if err != nil {
			return 0, err
		}
		releaseID = &id
	}

	var environmentID *int64
	if su.Environment != "" {
		id, err := tx.GetOrInsertDimension(ctx, store.DimSessionEnvironment, su.Environment)
		if err != nil {
			return 0, err
		}
		environmentID = &id
	}

	return tx.UpsertSession(ctx, projectID, su.SID, store.SessionFields{
		Init:          su.Init,
		StartedAt:     su.StartedAt,
		Timestamp:     su.Timestamp,
		Errors:        su.Errors,
		StatusID:      statusID,
		ReleaseID:     releaseID,
		EnvironmentID: environmentID,
	})
}

func (w *Worker) commitReport(ctx context.Context, tx *store.DigestTx, projectID int64, archiveHash string, ev *parse.ParsedEvent) error {
	row := store.ReportRow{
		EventID:     ev.EventID,
		ArchiveHash: archiveHash,
		Timestamp:   ev.Timestamp,
		ReceivedAt:  time.Now().UTC().Unix(),
		ProjectID:   projectID,
	}

	var err error
	row.PlatformID, err = optionalDimension(ctx, tx, store.DimPlatform, ev.Platform)
	if err != nil {
		return err
	}
	row.EnvironmentID, err = optionalDimension(ctx, tx, store.DimEnvironment, ev.Environment)
	if err != nil {
		return err
	}
	row.OSNameID, err = optionalDimension(ctx, tx, store.DimOSName, ev.OSName)
	if err != nil {
		return err
	}
	row.OSVersionID, err = optionalDimension(ctx, tx, store.DimOSVersion, ev.OSVersion)
	if err != nil {
		return err
	}
	row.ManufacturerID, err = optionalDimension(ctx, tx, store.DimManufacturer, ev.Manufacturer)
	if err != nil {
		return err
	}
	row.BrandID, err = optionalDimension(ctx, tx, store.DimBrand, ev.Brand)
	if err != nil {
		return err
	}
	row.ModelID, err = optionalDimension(ctx, tx, store.DimModel, ev.Model)
	if err != nil {
		return err
	}
	row.ChipsetID, err = optionalDimension(ctx, tx, store.DimChipset, ev.Chipset)
	if err != nil {
		return err
	}
	row.LocaleCodeID, err = optionalDimension(ctx, tx, store.DimLocaleCode, ev.LocaleCode)
	if err != nil {
		return err
	}
	row.TimezoneID, err = optionalDimension(ctx, tx, store.DimTimezone, ev.Timezone)
	if err != nil {
		return err
	}
	row.ConnectionTypeID, err = optionalDimension(ctx, tx, store.DimConnectionType, ev.ConnectionType)
	if err != nil {
		return err
	}
	row.OrientationID, err = optionalDimension(ctx, tx, store.DimOrientation, ev.Orientation)
	if err != nil {
		return err
	}
	row.AppNameID, err = optionalDimension(ctx, tx, store.DimAppName, ev.AppName)
	if err != nil {
		return err
	}
	row.AppVersionID, err = optionalDimension(ctx, tx, store.DimAppVersion, ev.AppVersion)
	if err != nil {
		return err
	}
	row.AppBuildID, err = optionalDimension(ctx, tx, store.DimAppBuild, ev.AppBuild)
	if err != nil {
		return err
	}
	row.UserID, err = optionalDimension(ctx, tx, store.DimUser, ev.User)
	if err != nil {
		return err
	}

	specsID, err := tx.GetOrInsertDeviceSpecs(ctx, store.DeviceSpecs{
		ScreenWidth:    ev.ScreenWidth,
		ScreenHeight:   ev.ScreenHeight,
		ScreenDensity:  ev.ScreenDensity,
		ScreenDPI:      ev.ScreenDPI,
		ProcessorCount: ev.ProcessorCount,
		MemorySize:     ev.MemorySize,
		Archs:          nonEmptyPtr(ev.Archs),
	})
	if err != nil {
		return err
	}
	row.DeviceSpecsID = &specsID

	if ev.ExceptionType != "" {
		id, err := tx.GetOrInsertDimension(ctx, store.DimExceptionType, ev.ExceptionType)
		if err != nil {
			return err
		}
		row.ExceptionTypeID = &id
	}

	if ev.ExceptionMessage != "" {
		msgHash := codec.Hash([]byte(ev.ExceptionMessage))
		id, err := tx.GetOrInsertExceptionMessage(ctx, msgHash, ev.ExceptionMessage)
		if err != nil {
			return err
		}
		row.ExceptionMessageID = &id
	}

	fp := fingerprint.Fingerprint(ev.Frames, ev.ExceptionType)
	title := fingerprint.Title(ev.ExceptionType, ev.ExceptionMessage)

	issueID, err := tx.UpsertIssue(ctx, fp.FingerprintHash, row.ExceptionTypeID, title, row.ReceivedAt)
	if err != nil {
		return err
	}
	row.IssueID = &issueID

	framesJSON, err := json.Marshal(fp.Normalized)
	if err != nil {
		return errors.Wrap(err, "marshal normalized frames")
	}
	stacktraceHash := codec.Hash(framesJSON)
	stacktraceID, err := tx.GetOrInsertStacktrace(ctx, stacktraceHash, fp.FingerprintHash, string(framesJSON))
	if err != nil {
		return err
	}
	row.StacktraceID = &stacktraceID

	_, err = tx.InsertReport(ctx, row)
	return err
}

func optionalDimension(ctx context.Context, tx *store.DigestTx, dim store.Dimension, value string) (*int64, error) {
	if value == "" {
		return nil, nil
	}
	id, err := tx.GetOrInsertDimension(ctx, dim, value)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func nonEmptyPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
