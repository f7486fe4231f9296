// Package history records a read-only audit log of finished job
// executions: it backs "what ran, when, and how" queries, not crash
// recovery. A restarted scheduler starts every job from scratch; it
// never resumes against this store.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Record is one completed job's audit entry.
type Record struct {
	JobID       string
	StageID     int
	Partitions  int
	Failed      int
	Success     bool
	Error       string
	StartTime   time.Time
	EndTime     time.Time
}

var (
	bucketExecutions = []byte("executions")
	bucketIndexes    = []byte("indexes") // time-ordered key -> jobID, for range scans
)

// Store is a bbolt-backed append-mostly log of Records, with a bounded
// in-memory FIFO cache of recently written entries (the oldest write is
// evicted first; reads do not change the order).
type Store struct {
	db           *bbolt.DB
	mu           sync.RWMutex
	cache        map[string]*Record
	cacheOrder   []string
	maxCacheSize int

	writeLatency metric.Float64Histogram
	readLatency  metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// Open creates or opens the audit log at dbPath/history.db.
func Open(dbPath string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{Timeout: 1 * time.Second, FreelistType: bbolt.FreelistArrayType}
	db, err := bbolt.Open(dbPath+"/history.db", 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketExecutions, bucketIndexes} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create history buckets: %w", err)
	}

	writeLatency, _ := meter.Float64Histogram("dagsched_history_write_ms")
	readLatency, _ := meter.Float64Histogram("dagsched_history_read_ms")
	cacheHits, _ := meter.Int64Counter("dagsched_history_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("dagsched_history_cache_misses_total")

	return &Store{
		db:           db,
		cache:        make(map[string]*Record),
		maxCacheSize: 500,
		writeLatency: writeLatency,
		readLatency:  readLatency,
		cacheHits:    cacheHits,
		cacheMisses:  cacheMisses,
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Put appends rec to the log, keyed by JobID, with a secondary
// time-ordered index for range scans.
func (s *Store) Put(ctx context.Context, rec Record) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("op", "put")))
	}()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal execution record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketExecutions).Put([]byte(rec.JobID), data); err != nil {
			return err
		}
		indexKey := fmt.Sprintf("%d:%s", rec.EndTime.UnixNano(), rec.JobID)
		return tx.Bucket(bucketIndexes).Put([]byte(indexKey), []byte(rec.JobID))
	})
	if err != nil {
		return fmt.Errorf("write execution record: %w", err)
	}

	s.cachePut(rec)
	return nil
}

// Get retrieves a job's record by id, checking the in-memory cache
// first.
func (s *Store) Get(ctx context.Context, jobID string) (Record, bool, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("op", "get")))
	}()

	s.mu.RLock()
	if rec, ok := s.cache[jobID]; ok {
		s.mu.RUnlock()
		s.cacheHits.Add(ctx, 1)
		return *rec, true, nil
	}
	s.mu.RUnlock()
	s.cacheMisses.Add(ctx, 1)

	var rec Record
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketExecutions).Get([]byte(jobID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("read execution record: %w", err)
	}
	return rec, found, nil
}

// Range returns records whose EndTime falls within [from, to), oldest
// first, capped at limit.
func (s *Store) Range(ctx context.Context, from, to time.Time, limit int) ([]Record, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("op", "range")))
	}()

	out := make([]Record, 0, limit)
	prefix := fmt.Sprintf("%d:", from.UnixNano())
	err := s.db.View(func(tx *bbolt.Tx) error {
		indexes := tx.Bucket(bucketIndexes)
		execs := tx.Bucket(bucketExecutions)
		cursor := indexes.Cursor()

		for k, v := cursor.Seek([]byte(prefix)); k != nil && len(out) < limit; k, v = cursor.Next() {
			var ts int64
			if _, err := fmt.Sscanf(string(k), "%d:", &ts); err != nil {
				continue
			}
			if ts >= to.UnixNano() {
				break
			}
			data := execs.Get(v)
			if data == nil {
				continue
			}
			var rec Record
			if err := json.Unmarshal(data, &rec); err != nil {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func (s *Store) cachePut(rec Record) {
	r := rec
	if _, exists := s.cache[rec.JobID]; !exists && len(s.cache) >= s.maxCacheSize {
		oldest := s.cacheOrder[0]
		s.cacheOrder = s.cacheOrder[1:]
		delete(s.cache, oldest)
	}
	if _, exists := s.cache[rec.JobID]; !exists {
		s.cacheOrder = append(s.cacheOrder, rec.JobID)
	}
	s.cache[rec.JobID] = &r
}
