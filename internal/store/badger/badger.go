// Package badger stores aggregate buckets in an embedded BadgerDB.
//
// Keys have the form agg/{cell}/{yyyymmdd}/{hh}, so a prefix scan over
// agg/{cell}/ yields the cell's buckets in (date, hour) order. Values are
// the JSON-encoded bucket.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/couchcryptid/crime-grid-engine/internal/domain"
)

// Config holds configuration for a BadgerDB-backed store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string

	// InMemory disables disk persistence. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// Logger receives BadgerDB's internal logs. Nil disables them.
	Logger *slog.Logger

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage ratio at which a value log file is rewritten.
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults for the given directory.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration suited to tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store implements domain.AggregateStore on BadgerDB. Every write runs in a
// single read-write transaction, so batches and cell replacement are atomic.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
	stopGC context.CancelFunc
	gcDone chan struct{}
}

// Open opens the database and starts value log GC when configured.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	logger := cfg.Logger
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
		logger = slog.New(slog.DiscardHandler)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ctx, cancel := context.WithCancel(context.Background())
		s.stopGC = cancel
		s.gcDone = make(chan struct{})
		go s.runGC(ctx, cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	if s.stopGC != nil {
		s.stopGC()
		<-s.gcDone
	}
	return s.db.Close()
}

func (s *Store) runGC(ctx context.Context, interval time.Duration, ratio float64) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// ErrNoRewrite means nothing was worth collecting.
			if err := s.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("badger value log gc failed", "error", err)
			}
		}
	}
}

func cellPrefix(cellID string) []byte {
	return []byte("agg/" + cellID + "/")
}

func dateSegment(day time.Time) string {
	return day.Format("20060102")
}

func bucketKey(b domain.AggregateBucket) []byte {
	return fmt.Appendf(nil, "agg/%s/%s/%02d", b.CellID, dateSegment(b.Date), b.Hour)
}

// Get returns buckets with from <= Date <= to ordered by (Date, Hour).
func (s *Store) Get(ctx context.Context, cellID string, from, to time.Time) ([]domain.AggregateBucket, error) {
	prefix := cellPrefix(cellID)
	start := prefix
	if !from.IsZero() {
		start = append(cellPrefix(cellID), dateSegment(from)...)
	}
	var stop []byte
	if !to.IsZero() {
		// '0' sorts after '/', so every hour of the to day is below stop.
		stop = append(cellPrefix(cellID), dateSegment(to)+"0"...)
	}

	var out []domain.AggregateBucket
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			if stop != nil && string(item.Key()) >= string(stop) {
				break
			}
			b, err := decode(item)
			if err != nil {
				return err
			}
			out = append(out, b)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read cell %s: %w", cellID, err)
	}
	return out, nil
}

// Put upserts one bucket.
func (s *Store) Put(ctx context.Context, b domain.AggregateBucket) error {
	return s.PutBatch(ctx, []domain.AggregateBucket{b})
}

// PutBatch upserts all buckets in one transaction.
func (s *Store) PutBatch(ctx context.Context, buckets []domain.AggregateBucket) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return setAll(txn, buckets)
	})
	if err != nil {
		return fmt.Errorf("write %d buckets: %w", len(buckets), err)
	}
	return nil
}

// ReplaceCell deletes every key of the cell and writes buckets in one
// transaction.
func (s *Store) ReplaceCell(ctx context.Context, cellID string, buckets []domain.AggregateBucket) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rows := make([]domain.AggregateBucket, len(buckets))
	for i, b := range buckets {
		b.CellID = cellID
		rows[i] = b
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = cellPrefix(cellID)
		opts.PrefetchValues = false

		var stale [][]byte
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			stale = append(stale, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, k := range stale {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return setAll(txn, rows)
	})
	if err != nil {
		return fmt.Errorf("replace cell %s: %w", cellID, err)
	}
	return nil
}

// DateBounds returns the dates of the first and last keys under the cell.
func (s *Store) DateBounds(ctx context.Context, cellID string) (first, last time.Time, ok bool, err error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, time.Time{}, false, err
	}
	prefix := cellPrefix(cellID)
	err = s.db.View(func(txn *badger.Txn) error {
		fwd := badger.DefaultIteratorOptions
		fwd.Prefix = prefix
		it := txn.NewIterator(fwd)
		it.Rewind()
		if !it.Valid() {
			it.Close()
			return nil
		}
		b, err := decode(it.Item())
		it.Close()
		if err != nil {
			return err
		}
		first, ok = b.Date, true

		rev := badger.DefaultIteratorOptions
		rev.Prefix = prefix
		rev.Reverse = true
		rit := txn.NewIterator(rev)
		defer rit.Close()
		rit.Seek(append(cellPrefix(cellID), 0xff))
		if !rit.Valid() {
			last = first
			return nil
		}
		b, err = decode(rit.Item())
		if err != nil {
			return err
		}
		last = b.Date
		return nil
	})
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("date bounds for cell %s: %w", cellID, err)
	}
	return first, last, ok, nil
}

func setAll(txn *badger.Txn, buckets []domain.AggregateBucket) error {
	for _, b := range buckets {
		val, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("encode bucket %s: %w", b.Key(), err)
		}
		if err := txn.Set(bucketKey(b), val); err != nil {
			return fmt.Errorf("set bucket %s: %w", b.Key(), err)
		}
	}
	return nil
}

func decode(item *badger.Item) (domain.AggregateBucket, error) {
	var b domain.AggregateBucket
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &b)
	})
	if err != nil {
		return b, fmt.Errorf("decode %s: %w", item.Key(), err)
	}
	return b, nil
}
