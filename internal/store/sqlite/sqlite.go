// Package sqlite stores aggregate buckets in an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/couchcryptid/crime-grid-engine/internal/domain"
)

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
}

// Store implements domain.AggregateStore on SQLite. Multi-row writes run
// in a single transaction.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the database file at path and applies pragmas.
// Call MigrateUp before use.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection keeps pragmas consistent and serializes writers.
	db.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	return &Store{db: db, logger: logger}, nil
}

// DB exposes the underlying handle for diagnostics.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

const selectColumns = `cell_id, date, hour, count, rolling_1d, rolling_7d, rolling_30d, is_warm`

// Get returns buckets with from <= date <= to ordered by (date, hour).
func (s *Store) Get(ctx context.Context, cellID string, from, to time.Time) ([]domain.AggregateBucket, error) {
	var (
		where strings.Builder
		args  = []any{cellID}
	)
	where.WriteString("cell_id = ?")
	if !from.IsZero() {
		where.WriteString(" AND date >= ?")
		args = append(args, domain.DateKey(from))
	}
	if !to.IsZero() {
		where.WriteString(" AND date <= ?")
		args = append(args, domain.DateKey(to))
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM aggregate_buckets WHERE `+where.String()+` ORDER BY date, hour`, args...)
	if err != nil {
		return nil, fmt.Errorf("query buckets: %w", err)
	}
	defer rows.Close()

	var out []domain.AggregateBucket
	for rows.Next() {
		var (
			b    domain.AggregateBucket
			date string
			warm int
		)
		if err := rows.Scan(&b.CellID, &date, &b.Hour, &b.Count, &b.Rolling1d, &b.Rolling7d, &b.Rolling30d, &warm); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		if b.Date, err = time.Parse(time.DateOnly, date); err != nil {
			return nil, fmt.Errorf("parse bucket date %q: %w", date, err)
		}
		b.IsWarm = warm != 0
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate buckets: %w", err)
	}
	return out, nil
}

// Put upserts one bucket.
func (s *Store) Put(ctx context.Context, b domain.AggregateBucket) error {
	return s.PutBatch(ctx, []domain.AggregateBucket{b})
}

// PutBatch upserts all buckets in one transaction.
func (s *Store) PutBatch(ctx context.Context, buckets []domain.AggregateBucket) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return upsert(ctx, tx, buckets)
	})
}

// ReplaceCell deletes the cell's rows and inserts buckets in one transaction.
func (s *Store) ReplaceCell(ctx context.Context, cellID string, buckets []domain.AggregateBucket) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM aggregate_buckets WHERE cell_id = ?`, cellID); err != nil {
			return fmt.Errorf("delete cell %s: %w", cellID, err)
		}
		rows := make([]domain.AggregateBucket, len(buckets))
		for i, b := range buckets {
			b.CellID = cellID
			rows[i] = b
		}
		return upsert(ctx, tx, rows)
	})
}

// DateBounds returns the earliest and latest dates stored for the cell.
func (s *Store) DateBounds(ctx context.Context, cellID string) (first, last time.Time, ok bool, err error) {
	var minDate, maxDate sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT MIN(date), MAX(date) FROM aggregate_buckets WHERE cell_id = ?`, cellID).Scan(&minDate, &maxDate)
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("query date bounds: %w", err)
	}
	if !minDate.Valid || !maxDate.Valid {
		return time.Time{}, time.Time{}, false, nil
	}
	if first, err = time.Parse(time.DateOnly, minDate.String); err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("parse first date: %w", err)
	}
	if last, err = time.Parse(time.DateOnly, maxDate.String); err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("parse last date: %w", err)
	}
	return first, last, true, nil
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const upsertSQL = `
INSERT INTO aggregate_buckets (cell_id, date, hour, count, rolling_1d, rolling_7d, rolling_30d, is_warm, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (cell_id, date, hour) DO UPDATE SET
    count       = excluded.count,
    rolling_1d  = excluded.rolling_1d,
    rolling_7d  = excluded.rolling_7d,
    rolling_30d = excluded.rolling_30d,
    is_warm     = excluded.is_warm,
    updated_at  = excluded.updated_at`

func upsert(ctx context.Context, tx *sql.Tx, buckets []domain.AggregateBucket) error {
	if len(buckets) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, upsertSQL)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, b := range buckets {
		warm := 0
		if b.IsWarm {
			warm = 1
		}
		if _, err := stmt.ExecContext(ctx, b.CellID, domain.DateKey(b.Date), b.Hour,
			b.Count, b.Rolling1d, b.Rolling7d, b.Rolling30d, warm, now); err != nil {
			return fmt.Errorf("upsert bucket %s: %w", b.Key(), err)
		}
	}
	return nil
}
