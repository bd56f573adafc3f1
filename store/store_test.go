package store_test

import (
	"context"
	"errors"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/faultline/dbopen"
	"github.com/hazyhaar/faultline/store"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	s, err := store.New(db)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return s
}

func TestProjectResolve(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	id, err := s.CreateProject(ctx, "demo", "pubkey-1")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	got, err := s.ResolveProjectByKey(ctx, "pubkey-1")
	if err != nil {
		t.Fatalf("ResolveProjectByKey: %v", err)
	}
	if got != id {
		t.Fatalf("resolved id = %d, want %d", got, id)
	}

	if _, err := s.ResolveProjectByKey(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestInsertArchiveIfAbsentIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	projectID, _ := s.CreateProject(ctx, "demo", "pubkey-1")

	var size int64 = 100
	r1, err := s.InsertArchiveIfAbsent(ctx, "hash-1", projectID, []byte("payload"), &size)
	if err != nil {
		t.Fatalf("InsertArchiveIfAbsent: %v", err)
	}
	if r1 != store.Inserted {
		t.Fatalf("first insert = %v, want Inserted", r1)
	}

	r2, err := s.InsertArchiveIfAbsent(ctx, "hash-1", projectID, []byte("different payload"), nil)
	if err != nil {
		t.Fatalf("InsertArchiveIfAbsent (repeat): %v", err)
	}
	if r2 != store.AlreadyExists {
		t.Fatalf("second insert = %v, want AlreadyExists", r2)
	}

	payload, err := s.LoadArchive(ctx, "hash-1")
	if err != nil {
		t.Fatalf("LoadArchive: %v", err)
	}
	if string(payload.CompressedPayload) != "payload" {
		t.Fatalf("stored payload overwritten: got %q", payload.CompressedPayload)
	}
}

func TestEnqueueDedup(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	projectID, _ := s.CreateProject(ctx, "demo", "pubkey-1")
	s.InsertArchiveIfAbsent(ctx, "hash-1", projectID, []byte("x"), nil)

	if err := s.Enqueue(ctx, "hash-1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.Enqueue(ctx, "hash-1"); err != nil {
		t.Fatalf("Enqueue (repeat): %v", err)
	}

	queued, errored, err := s.QueueCounts(ctx)
	if err != nil {
		t.Fatalf("QueueCounts: %v", err)
	}
	if queued != 1 || errored != 0 {
		t.Fatalf("queued=%d errored=%d, want 1,0", queued, errored)
	}
}

func TestEnqueueSkipsWhenInQueueError(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	projectID, _ := s.CreateProject(ctx, "demo", "pubkey-1")
	s.InsertArchiveIfAbsent(ctx, "hash-1", projectID, []byte("x"), nil)

	if err := s.Enqueue(ctx, "hash-1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.MoveToQueueError(ctx, "hash-1", "boom"); err != nil {
		t.Fatalf("MoveToQueueError: %v", err)
	}
	if err := s.Enqueue(ctx, "hash-1"); err != nil {
		t.Fatalf("Enqueue (after error): %v", err)
	}

	queued, errored, err := s.QueueCounts(ctx)
	if err != nil {
		t.Fatalf("QueueCounts: %v", err)
	}
	if queued != 0 || errored != 1 {
		t.Fatalf("queued=%d errored=%d, want 0,1", queued, errored)
	}
}

func TestClaimBatchFIFO(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	projectID, _ := s.CreateProject(ctx, "demo", "pubkey-1")

	hashes := []string{"h1", "h2", "h3"}
	for _, h := range hashes {
		s.InsertArchiveIfAbsent(ctx, h, projectID, []byte("x"), nil)
		if err := s.Enqueue(ctx, h); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	claimed, err := s.ClaimBatch(ctx, 2)
	if err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if len(claimed) != 2 || claimed[0] != "h1" || claimed[1] != "h2" {
		t.Fatalf("claimed = %v, want [h1 h2]", claimed)
	}
}

func TestMoveToQueueErrorAtomic(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	projectID, _ := s.CreateProject(ctx, "demo", "pubkey-1")
	s.InsertArchiveIfAbsent(ctx, "hash-1", projectID, []byte("x"), nil)
	s.Enqueue(ctx, "hash-1")

	if err := s.MoveToQueueError(ctx, "hash-1", "parse failed"); err != nil {
		t.Fatalf("MoveToQueueError: %v", err)
	}

	queued, errored, err := s.QueueCounts(ctx)
	if err != nil {
		t.Fatalf("QueueCounts: %v", err)
	}
	if queued != 0 || errored != 1 {
		t.Fatalf("queued=%d errored=%d, want 0,1", queued, errored)
	}
}

func TestGetOrInsertDimensionIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	id1, err := s.GetOrInsertDimension(ctx, store.DimPlatform, "android")
	if err != nil {
		t.Fatalf("GetOrInsertDimension: %v", err)
	}
	id2, err := s.GetOrInsertDimension(ctx, store.DimPlatform, "android")
	if err != nil {
		t.Fatalf("GetOrInsertDimension (repeat): %v", err)
	}
	if id1 != id2 {
		t.Fatalf("ids differ: %d != %d", id1, id2)
	}

	id3, err := s.GetOrInsertDimension(ctx, store.DimPlatform, "ios")
	if err != nil {
		t.Fatalf("GetOrInsertDimension (other value): %v", err)
	}
	if id3 == id1 {
		t.Fatalf("distinct values got same id %d", id1)
	}
}

func TestGetOrInsertDeviceSpecsEmptyTupleShared(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	id1, err := s.GetOrInsertDeviceSpecs(ctx, store.DeviceSpecs{})
	if err != nil {
		t.Fatalf("GetOrInsertDeviceSpecs: %v", err)
	}
	id2, err := s.GetOrInsertDeviceSpecs(ctx, store.DeviceSpecs{})
	if err != nil {
		t.Fatalf("GetOrInsertDeviceSpecs (repeat): %v", err)
	}
	if id1 != id2 || id1 != 0 {
		t.Fatalf("empty tuple ids = %d, %d, want both 0", id1, id2)
	}
}

func TestGetOrInsertDeviceSpecsCompositeTuple(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	width := int64(1080)
	height := int64(1920)
	specs := store.DeviceSpecs{ScreenWidth: &width, ScreenHeight: &height}

	id1, err := s.GetOrInsertDeviceSpecs(ctx, specs)
	if err != nil {
		t.Fatalf("GetOrInsertDeviceSpecs: %v", err)
	}
	id2, err := s.GetOrInsertDeviceSpecs(ctx, specs)
	if err != nil {
		t.Fatalf("GetOrInsertDeviceSpecs (repeat): %v", err)
	}
	if id1 != id2 {
		t.Fatalf("ids differ for identical tuple: %d != %d", id1, id2)
	}
	if id1 == 0 {
		t.Fatalf("non-empty tuple reused empty-tuple id 0")
	}
}

func TestUpsertIssueCounters(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	var issueID int64
	err := s.DigestTransaction(ctx, func(d *store.DigestTx) error {
		var err error
		issueID, err = d.UpsertIssue(ctx, "fp-1", nil, "NullPointerException", 1000)
		return err
	})
	if err != nil {
		t.Fatalf("UpsertIssue: %v", err)
	}

	var secondID int64
	err = s.DigestTransaction(ctx, func(d *store.DigestTx) error {
		var err error
		secondID, err = d.UpsertIssue(ctx, "fp-1", nil, "NullPointerException", 2000)
		return err
	})
	if err != nil {
		t.Fatalf("UpsertIssue (conflict): %v", err)
	}
	if secondID != issueID {
		t.Fatalf("conflict produced new id %d, want %d", secondID, issueID)
	}

	var lastSeen, eventCount int64
	if err := s.DB().QueryRow(`SELECT last_seen, event_count FROM issue WHERE id = ?`, issueID).
		Scan(&lastSeen, &eventCount); err != nil {
		t.Fatalf("select issue: %v", err)
	}
	if lastSeen != 2000 {
		t.Fatalf("last_seen = %d, want 2000", lastSeen)
	}
	if eventCount != 2 {
		t.Fatalf("event_count = %d, want 2", eventCount)
	}
}

func TestUpsertSessionTerminalStatusPreserved(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	projectID, _ := s.CreateProject(ctx, "demo", "pubkey-1")

	crashedID, err := s.GetOrInsertDimension(ctx, store.DimSessionStatus, "crashed")
	if err != nil {
		t.Fatalf("GetOrInsertDimension crashed: %v", err)
	}
	okID, err := s.GetOrInsertDimension(ctx, store.DimSessionStatus, "ok")
	if err != nil {
		t.Fatalf("GetOrInsertDimension ok: %v", err)
	}

	var sessionID int64
	err = s.DigestTransaction(ctx, func(d *store.DigestTx) error {
		var err error
		sessionID, err = d.UpsertSession(ctx, projectID, "sid-1", store.SessionFields{
			Init: true, StartedAt: 100, Timestamp: 100, Errors: 1, StatusID: crashedID,
		})
		return err
	})
	if err != nil {
		t.Fatalf("UpsertSession (initial crash): %v", err)
	}

	err = s.DigestTransaction(ctx, func(d *store.DigestTx) error {
		_, err := d.UpsertSession(ctx, projectID, "sid-1", store.SessionFields{
			Timestamp: 200, Errors: 0, StatusID: okID,
		})
		return err
	})
	if err != nil {
		t.Fatalf("UpsertSession (late ok update): %v", err)
	}

	var statusID, errs int64
	if err := s.DB().QueryRow(`SELECT status_id, errors FROM session WHERE id = ?`, sessionID).
		Scan(&statusID, &errs); err != nil {
		t.Fatalf("select session: %v", err)
	}
	if statusID != crashedID {
		t.Fatalf("status_id = %d, want terminal crashed id %d", statusID, crashedID)
	}
	if errs != 1 {
		t.Fatalf("errors = %d, want max(1,0) = 1", errs)
	}
}

func TestInsertReportDuplicateEventID(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	projectID, _ := s.CreateProject(ctx, "demo", "pubkey-1")
	s.InsertArchiveIfAbsent(ctx, "hash-1", projectID, []byte("x"), nil)

	row := store.ReportRow{
		EventID: "event-1", ArchiveHash: "hash-1",
		Timestamp: 100, ReceivedAt: 100, ProjectID: projectID,
	}

	err := s.DigestTransaction(ctx, func(d *store.DigestTx) error {
		_, err := d.InsertReport(ctx, row)
		return err
	})
	if err != nil {
		t.Fatalf("InsertReport: %v", err)
	}

	err = s.DigestTransaction(ctx, func(d *store.DigestTx) error {
		_, err := d.InsertReport(ctx, row)
		return err
	})
	if !errors.Is(err, store.ErrDuplicateEventID) {
		t.Fatalf("err = %v, want ErrDuplicateEventID", err)
	}
}

func TestDigestTransactionRollsBackOnError(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	projectID, _ := s.CreateProject(ctx, "demo", "pubkey-1")
	s.InsertArchiveIfAbsent(ctx, "hash-1", projectID, []byte("x"), nil)
	s.Enqueue(ctx, "hash-1")

	sentinel := errors.New("boom")
	err := s.DigestTransaction(ctx, func(d *store.DigestTx) error {
		if err := d.DeleteQueueRow(ctx, "hash-1"); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want sentinel", err)
	}

	queued, _, err := s.QueueCounts(ctx)
	if err != nil {
		t.Fatalf("QueueCounts: %v", err)
	}
	if queued != 1 {
		t.Fatalf("queued = %d after rollback, want 1 (delete undone)", queued)
	}
}
