package persistence

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/skobkin/cellstream/internal/domain"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func scanAt(ms int64, rsrp domain.Value) domain.Scan {
	cell := domain.LTECell{
		CellBase: domain.CellBase{IsRegistered: true, MCC: "646", MNC: "04"},
		PCI:      1, TAC: 2, CI: 3, EARFCN: 4, RSRP: rsrp, RSRQ: domain.Unavailable,
	}

	return domain.Scan{
		At:    time.UnixMilli(ms),
		SIMs:  []domain.SIMCells{{SIM: domain.SIM{MCC: "646", MNC: "04"}, Cells: []domain.Cell{cell}}},
		Cells: []domain.Cell{cell},
	}
}

func TestScanRepoInsertListCount(t *testing.T) {
	ctx := context.Background()
	repo := NewScanRepo(openTestDB(t))

	for i, rsrp := range []domain.Value{-90, -95, -100} {
		if _, err := repo.Insert(ctx, "modem", scanAt(int64(1000+i), rsrp)); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	n, err := repo.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 scans, got %d", n)
	}

	all, err := repo.List(ctx, 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(all))
	}
	if all[0].Source != "modem" || all[0].ID == "" {
		t.Fatalf("unexpected first row %+v", all[0])
	}
	lte := all[2].Scan.Cells[0].(domain.LTECell)
	if lte.RSRP != -100 || lte.RSRQ.Available() {
		t.Fatalf("expected cell values to survive the journal, got %+v", lte)
	}

	page, err := repo.List(ctx, 1, 1)
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if len(page) != 1 || !page[0].Scan.At.Equal(time.UnixMilli(1001)) {
		t.Fatalf("unexpected page %+v", page)
	}

	latest, err := repo.Latest(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if !latest.Equal(time.UnixMilli(1002)) {
		t.Fatalf("expected latest 1002, got %v", latest)
	}
}

func TestPruneAndClear(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	repo := NewScanRepo(db)
	for _, ms := range []int64{1000, 2000, 3000} {
		if _, err := repo.Insert(ctx, "static", scanAt(ms, -80)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	removed, err := PruneBefore(ctx, db, time.UnixMilli(2500))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 pruned scans, got %d", removed)
	}

	if err := ClearDatabase(ctx, db); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n, _ := repo.Count(ctx); n != 0 {
		t.Fatalf("expected empty journal, got %d", n)
	}
}

func TestOpen_MigratesV1Journal(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "journal.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	stmts := []string{
		`CREATE TABLE scans (
			id TEXT PRIMARY KEY,
			taken_at INTEGER NOT NULL,
			payload TEXT NOT NULL
		);`,
		`INSERT INTO scans(id, taken_at, payload) VALUES ('old', 5, '{"at":5,"sims":[],"cells":[]}');`,
		`PRAGMA user_version = 1;`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			t.Fatalf("seed v1 schema: %v", err)
		}
	}
	_ = db.Close()

	migrated, err := Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("open migrated db: %v", err)
	}
	defer func() { _ = migrated.Close() }()

	var version int
	if err := migrated.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&version); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	if version != schemaVersion() {
		t.Fatalf("expected schema version %d, got %d", schemaVersion(), version)
	}

	rows, err := NewScanRepo(migrated).List(ctx, 0, 0)
	if err != nil {
		t.Fatalf("list migrated: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "old" || rows[0].Source != "" {
		t.Fatalf("unexpected migrated rows %+v", rows)
	}
}

func TestWriterQueueRetriesAndDrains(t *testing.T) {
	w := NewWriterQueue(nil, 4)
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	done := make(chan struct{})
	w.Enqueue("flaky", func(context.Context) error {
		attempts++
		if attempts < 2 {
			return errors.New("database is locked")
		}
		close(done)
		return nil
	})
	w.Start(ctx)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("expected retried write to succeed")
	}

	cancel()
	w.Wait()

	for i := 0; i < 4; i++ {
		w.Enqueue("fill", func(context.Context) error { return nil })
	}
	if w.Enqueue("overflow", func(context.Context) error { return nil }) {
		t.Fatalf("expected enqueue on a full queue to be dropped")
	}
	if w.Dropped() != 1 {
		t.Fatalf("expected 1 dropped write, got %d", w.Dropped())
	}
}

func TestWriterQueueFinishesQueuedWritesAfterStop(t *testing.T) {
	w := NewWriterQueue(nil, 8)
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	release := make(chan struct{})
	var errs []error
	w.Enqueue("in_progress", func(ctx context.Context) error {
		close(started)
		<-release
		errs = append(errs, ctx.Err())
		return ctx.Err()
	})
	for i := 0; i < 3; i++ {
		w.Enqueue("queued", func(ctx context.Context) error {
			errs = append(errs, ctx.Err())
			return ctx.Err()
		})
	}
	w.Start(ctx)

	<-started
	cancel()
	close(release)
	w.Wait()

	if len(errs) != 4 {
		t.Fatalf("expected 4 writes to run, got %d", len(errs))
	}
	for i, err := range errs {
		if err != nil {
			t.Fatalf("write %d: expected live context, got %v", i, err)
		}
	}
}

func TestRecordingAndReplaySensors(t *testing.T) {
	ctx := context.Background()
	repo := NewScanRepo(openTestDB(t))
	writer := NewWriterQueue(nil, 16)
	wctx, cancel := context.WithCancel(ctx)
	writer.Start(wctx)

	rec := NewRecordingSensor(&domain.StaticSensor{Snapshot: scanAt(0, -77)}, "static", repo, writer)
	for i := 0; i < 2; i++ {
		if _, err := rec.Scan(ctx); err != nil {
			t.Fatalf("record scan: %v", err)
		}
	}
	cancel()
	writer.Wait()

	if n, _ := repo.Count(ctx); n != 2 {
		t.Fatalf("expected 2 journaled scans, got %d", n)
	}

	replay := NewReplaySensor(repo, nil)
	replay.now = func() time.Time { return time.UnixMilli(42) }
	for i := 0; i < 3; i++ {
		scan, err := replay.Scan(ctx)
		if err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
		if !scan.At.Equal(time.UnixMilli(42)) {
			t.Fatalf("expected restamped scan, got %v", scan.At)
		}
		if got := scan.Cells[0].Strength(); got != -77 {
			t.Fatalf("expected replayed strength -77, got %d", got)
		}
	}
}

func TestReplaySensorEmptyJournal(t *testing.T) {
	replay := NewReplaySensor(NewScanRepo(openTestDB(t)), nil)
	if _, err := replay.Scan(context.Background()); !errors.Is(err, ErrEmptyJournal) {
		t.Fatalf("expected ErrEmptyJournal, got %v", err)
	}
}
