package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/skobkin/cellstream/internal/domain"
)

// JournaledScan is one stored scan.
type JournaledScan struct {
	ID     string
	Source string
	Scan   domain.Scan
}

type ScanRepo struct {
	db *sql.DB
}

func NewScanRepo(db *sql.DB) *ScanRepo {
	return &ScanRepo{db: db}
}

// Insert stores scan and returns its generated ID.
func (r *ScanRepo) Insert(ctx context.Context, source string, scan domain.Scan) (string, error) {
	payload, err := json.Marshal(scan)
	if err != nil {
		return "", fmt.Errorf("encode scan: %w", err)
	}
	id := uuid.NewString()
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO scans(id, taken_at, payload, source)
		VALUES (?, ?, ?, ?)
	`, id, toMillis(scan.At), string(payload), source); err != nil {
		return "", fmt.Errorf("insert scan: %w", err)
	}

	return id, nil
}

// List returns up to limit scans in insertion order, starting after offset rows.
// A non-positive limit returns every remaining row.
func (r *ScanRepo) List(ctx context.Context, offset, limit int) ([]JournaledScan, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, source, payload
		FROM scans
		ORDER BY rowid ASC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []JournaledScan
	for rows.Next() {
		var (
			js      JournaledScan
			payload string
		)
		if err := rows.Scan(&js.ID, &js.Source, &payload); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &js.Scan); err != nil {
			return nil, fmt.Errorf("decode scan %s: %w", js.ID, err)
		}
		out = append(out, js)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scans: %w", err)
	}

	return out, nil
}

func (r *ScanRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scans`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count scans: %w", err)
	}

	return n, nil
}

// Latest returns the time of the newest scan, or the zero time for an empty journal.
func (r *ScanRepo) Latest(ctx context.Context) (time.Time, error) {
	var v sql.NullInt64
	if err := r.db.QueryRowContext(ctx, `SELECT MAX(taken_at) FROM scans`).Scan(&v); err != nil {
		return time.Time{}, fmt.Errorf("latest scan: %w", err)
	}
	if !v.Valid {
		return time.Time{}, nil
	}

	return fromMillis(v.Int64), nil
}

// toMillis stores the zero time as 0 so it round-trips through fromMillis.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixMilli()
}

func fromMillis(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}

	return time.UnixMilli(v)
}
