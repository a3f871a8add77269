// Package history is an append-only, time-indexed record of operator
// executions, backed by BoltDB. It narrows the teacher's
// versioned-workflow store (persistence.go) down to a single
// timestamp-ordered bucket: dagrun has no notion of a stored "workflow
// definition" to version, only a running operator's execution outcomes,
// which a diagnostics client replays in time order.
package history

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/dagrun/internal/resilience"
	"github.com/swarmguard/dagrun/internal/status"
)

var bucketRecords = []byte("executions")

// Record is one operator-trigger execution outcome.
type Record struct {
	Timestamp    uint64 `json:"timestamp"` // trigger microsecond timestamp; leading part of the store key
	Operator     string `json:"operator"`
	TriggerIndex int    `json:"trigger_index"`
	Status       string `json:"status"`
	DurationUsec uint64 `json:"duration_usec"`
}

// Store is the BoltDB-backed execution history.
type Store struct {
	db *bbolt.DB

	writeLatency metric.Float64Histogram
	readLatency  metric.Float64Histogram
}

// Open opens (creating if absent) the history database at dbPath/history.db.
func Open(dbPath string, meter metric.Meter) (*Store, error) {
	db, err := bbolt.Open(dbPath+"/history.db", 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("history: open boltdb: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRecords)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: create bucket: %w", err)
	}

	writeLatency, _ := meter.Float64Histogram("dagrun_history_write_ms")
	readLatency, _ := meter.Float64Histogram("dagrun_history_read_ms")
	return &Store{db: db, writeLatency: writeLatency, readLatency: readLatency}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error { return s.db.Close() }

// Append writes r, keyed by its timestamp followed by the bucket's next
// sequence number (both big-endian), so a Range scan returns records
// chronologically without a secondary index and records sharing a
// timestamp do not replace one another.
// The write retries transient lock contention via resilience.Retry, since a
// BoltDB writer transaction blocks readers/writers within the same process
// for its duration.
func (s *Store) Append(ctx context.Context, r Record) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "append")))
	}()

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("history: marshal record: %w", err)
	}
	_, err = resilience.Retry(ctx, 3, 10*time.Millisecond, func() (struct{}, error) {
		return struct{}{}, s.db.Update(func(tx *bbolt.Tx) error {
			b := tx.Bucket(bucketRecords)
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			key := append(timeKey(r.Timestamp), timeKey(seq)...)
			return b.Put(key, data)
		})
	})
	return err
}

// Range returns every record with from <= timestamp <= to, in ascending
// time order, capped at limit (0 means unbounded).
func (s *Store) Range(ctx context.Context, from, to uint64, limit int) ([]Record, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "range")))
	}()

	var out []Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketRecords).Cursor()
		fromKey := timeKey(from)
		for k, v := cursor.Seek(fromKey); k != nil; k, v = cursor.Next() {
			ts := binary.BigEndian.Uint64(k)
			if ts > to {
				break
			}
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				continue
			}
			out = append(out, r)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// Compact deletes every record older than cutoff (exclusive), returning the
// count removed. Intended to run off a coarse schedule (minutes to hours),
// not the per-trigger hot path.
func (s *Store) Compact(ctx context.Context, cutoff uint64) (int, error) {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "compact")))
	}()

	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		cursor := b.Cursor()
		cutoffKey := timeKey(cutoff)
		var stale [][]byte
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			if string(k) >= string(cutoffKey) {
				break
			}
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// RecordFromOutcome builds a Record from an operator's processing outcome.
func RecordFromOutcome(operator string, triggerIdx int, timestamp uint64, st status.Status, durationUsec uint64) Record {
	return Record{
		Timestamp:    timestamp,
		Operator:     operator,
		TriggerIndex: triggerIdx,
		Status:       st.String(),
		DurationUsec: durationUsec,
	}
}

func timeKey(ts uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, ts)
	return b
}
