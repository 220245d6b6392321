// Package storage persists gateway run summaries and periodic health
// snapshots in a local BoltDB file. It never stores raw telemetry
// readings — that is explicitly out of scope for the core.
package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const (
	runBucket    = "runs"
	healthBucket = "health"
)

// Storage wraps a BoltDB instance for persisting gateway run history
// and health snapshots.
type Storage struct {
	db *bbolt.DB
}

// RunRecord captures a single gateway run's summary, written once on
// graceful shutdown.
type RunRecord struct {
	ID           uint64        `json:"id" yaml:"id"`
	GatewayID    string        `json:"gateway_id" yaml:"gateway_id"`
	StartedAt    time.Time     `json:"started_at" yaml:"started_at"`
	Duration     time.Duration `json:"duration" yaml:"duration"`
	ConfigName   string        `json:"config_name" yaml:"config_name"`
	DeviceCount  int           `json:"device_count" yaml:"device_count"`
	RegisterCount int          `json:"register_count" yaml:"register_count"`
	AlarmCount   int           `json:"alarm_count" yaml:"alarm_count"`
	RequestsSent uint64        `json:"requests_sent" yaml:"requests_sent"`
	RequestErrors uint64       `json:"request_errors" yaml:"request_errors"`
}

// HealthSnapshot is a point-in-time gateway health record, persisted
// periodically alongside the health telemetry event of the same shape.
type HealthSnapshot struct {
	Timestamp       time.Time     `json:"timestamp" yaml:"timestamp"`
	UptimeSeconds   float64       `json:"uptime_seconds" yaml:"uptime_seconds"`
	DeviceCount     int           `json:"device_count" yaml:"device_count"`
	AlarmsActive    int           `json:"alarms_active" yaml:"alarms_active"`
	RequestsTotal   uint64        `json:"requests_total" yaml:"requests_total"`
	AverageLatency  time.Duration `json:"average_latency" yaml:"average_latency"`
}

// Open opens (or creates) the storage database at the requested path.
func Open(path string) (*Storage, error) {
	if strings.EqualFold(path, "disabled") || path == "" {
		return nil, errors.New("storage disabled")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(runBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(healthBucket))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Storage{db: db}, nil
}

// Close closes the underlying database.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AddRun stores a run summary record.
func (s *Storage) AddRun(record RunRecord) error {
	if s == nil || s.db == nil {
		return nil
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(runBucket))
		id, _ := b.NextSequence()
		record.ID = id

		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return b.Put(itob(id), data)
	})
}

// ListRuns returns the most recent run records up to the requested limit.
func (s *Storage) ListRuns(limit int) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("storage not initialised")
	}
	if limit <= 0 {
		limit = 20
	}

	records := make([]RunRecord, 0, limit)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(runBucket)).Cursor()
		for k, v := c.Last(); k != nil && len(records) < limit; k, v = c.Prev() {
			var rec RunRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

// AddHealthSnapshot stores a periodic health snapshot, keyed by a
// monotonically increasing sequence like the run bucket.
func (s *Storage) AddHealthSnapshot(snap HealthSnapshot) error {
	if s == nil || s.db == nil {
		return nil
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(healthBucket))
		id, _ := b.NextSequence()

		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		return b.Put(itob(id), data)
	})
}

// LatestHealthSnapshot returns the most recently stored health
// snapshot, or an error if none has been written yet.
func (s *Storage) LatestHealthSnapshot() (HealthSnapshot, error) {
	var snap HealthSnapshot
	if s == nil || s.db == nil {
		return snap, errors.New("storage not initialised")
	}

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(healthBucket)).Cursor()
		k, v := c.Last()
		if k == nil {
			return errors.New("no health snapshots recorded")
		}
		return json.Unmarshal(v, &snap)
	})
	return snap, err
}

func itob(v uint64) []byte {
	var b [8]byte
	for i := uint(0); i < 8; i++ {
		b[7-i] = byte(v >> (i * 8))
	}
	return b[:]
}
