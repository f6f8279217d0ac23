// Package localstore implements the node-local durable task queue on bbolt.
package localstore

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/phrazzld/consistency/internal/domain"
	"github.com/phrazzld/consistency/internal/store"
	bolt "go.etcd.io/bbolt"
)

// FileName is the bbolt file created inside the configured directory.
const FileName = "local_tasks.db"

var (
	bucketName     = []byte("pending_task_instances")
	deadLetterName = []byte("dead_task_instances")
)

// Queue is a store.LocalQueue backed by bbolt. Pending entries live in one
// bucket keyed by the big-endian execute time followed by a big-endian
// sequence number, so cursor order is execute-time order and equal times
// keep insertion order. Dead letters live in a second bucket keyed by
// sequence alone.
type Queue struct {
	db     *bolt.DB
	logger *slog.Logger
}

var _ store.LocalQueue = (*Queue)(nil)

// Open opens or creates the queue file under dir.
func Open(dir string, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create local queue directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, FileName)
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open local queue %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketName, deadLetterName} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create local queue buckets: %w", err)
	}

	logger = logger.With(slog.String("component", "local_queue"))
	logger.Info("local queue opened", slog.String("path", path))
	return &Queue{db: db, logger: logger}, nil
}

// Close releases the underlying file.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Insert implements store.LocalQueue.
func (q *Queue) Insert(inst *domain.TaskInstance) error {
	err := q.db.Update(func(tx *bolt.Tx) error {
		_, err := put(tx.Bucket(bucketName), inst)
		return err
	})
	if err != nil {
		return q.wrap("insert", err)
	}
	q.logger.Debug("task instance buffered locally",
		slog.String("task_id", inst.TaskID),
		slog.Int64("execute_time", inst.ExecuteTime))
	return nil
}

// Size implements store.LocalQueue.
func (q *Queue) Size() (int, error) {
	var n int
	err := q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketName).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, q.wrap("size", err)
	}
	return n, nil
}

// PeekTopN implements store.LocalQueue. Entries are returned in
// execute-time order and stay in the queue.
func (q *Queue) PeekTopN(n int) ([]store.LocalEntry, error) {
	out, err := q.peek(bucketName, n)
	if err != nil {
		return nil, q.wrap("peek", err)
	}
	return out, nil
}

// Ack implements store.LocalQueue.
func (q *Queue) Ack(key []byte) error {
	if err := q.db.Update(func(tx *bolt.Tx) error {
		return remove(tx.Bucket(bucketName), key)
	}); err != nil {
		return q.wrap("ack", err)
	}
	return nil
}

// DeadLetter implements store.LocalQueue. The pending entry is removed and
// inst is stored as a dead letter in one transaction.
func (q *Queue) DeadLetter(key []byte, inst *domain.TaskInstance) error {
	err := q.db.Update(func(tx *bolt.Tx) error {
		if err := remove(tx.Bucket(bucketName), key); err != nil {
			return err
		}
		dead := tx.Bucket(deadLetterName)
		seq, err := dead.NextSequence()
		if err != nil {
			return err
		}
		value, err := json.Marshal(inst)
		if err != nil {
			return fmt.Errorf("failed to encode task instance: %w", err)
		}
		return dead.Put(binary.BigEndian.AppendUint64(nil, seq), value)
	})
	if err != nil {
		return q.wrap("dead_letter", err)
	}
	q.logger.Warn("task instance dead-lettered",
		slog.String("task_id", inst.TaskID),
		slog.String("fallback_error", inst.FallbackErrorMsg))
	return nil
}

// PeekDeadLetters implements store.LocalQueue.
func (q *Queue) PeekDeadLetters(n int) ([]store.LocalEntry, error) {
	out, err := q.peek(deadLetterName, n)
	if err != nil {
		return nil, q.wrap("peek_dead_letters", err)
	}
	return out, nil
}

// AckDeadLetter implements store.LocalQueue.
func (q *Queue) AckDeadLetter(key []byte) error {
	if err := q.db.Update(func(tx *bolt.Tx) error {
		return remove(tx.Bucket(deadLetterName), key)
	}); err != nil {
		return q.wrap("ack_dead_letter", err)
	}
	return nil
}

func (q *Queue) peek(bucket []byte, n int) ([]store.LocalEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	var out []store.LocalEntry
	err := q.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		for k, v := c.First(); k != nil && len(out) < n; k, v = c.Next() {
			var inst domain.TaskInstance
			if err := json.Unmarshal(v, &inst); err != nil {
				q.logger.Error("skipping undecodable local entry",
					slog.String("bucket", string(bucket)),
					slog.String("key", fmt.Sprintf("%x", k)),
					slog.String("error", err.Error()))
				continue
			}
			key := make([]byte, len(k))
			copy(key, k)
			out = append(out, store.LocalEntry{Key: key, Instance: &inst})
		}
		return nil
	})
	return out, err
}

func remove(b *bolt.Bucket, key []byte) error {
	if b.Get(key) == nil {
		return store.ErrLocalEntryNotFound
	}
	return b.Delete(key)
}

// Reschedule implements store.LocalQueue. The old key is removed and the
// instance is stored under a key derived from its new execute time, in one
// transaction.
func (q *Queue) Reschedule(key []byte, inst *domain.TaskInstance) error {
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if err := remove(b, key); err != nil {
			return err
		}
		_, err := put(b, inst)
		return err
	})
	if err != nil {
		return q.wrap("reschedule", err)
	}
	return nil
}

func put(b *bolt.Bucket, inst *domain.TaskInstance) ([]byte, error) {
	seq, err := b.NextSequence()
	if err != nil {
		return nil, err
	}
	value, err := json.Marshal(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task instance: %w", err)
	}
	key := encodeKey(inst.ExecuteTime, seq)
	return key, b.Put(key, value)
}

func encodeKey(executeTime int64, seq uint64) []byte {
	if executeTime < 0 {
		executeTime = 0
	}
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(executeTime))
	binary.BigEndian.PutUint64(key[8:], seq)
	return key
}

func (q *Queue) wrap(op string, err error) error {
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		err = store.ErrQueueClosed
	}
	if !errors.Is(err, store.ErrNotFound) {
		q.logger.Error("local queue operation failed",
			slog.String("operation", op),
			slog.String("error", err.Error()))
	}
	return store.NewStoreError("local_queue", op, "bbolt operation failed", err)
}
