package task

import (
	"bytes"
	"context"
	"encoding/binary"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/phrazzld/consistency/internal/domain"
	"github.com/phrazzld/consistency/internal/store"
)

// MockTaskStore is an in-memory store.TaskInstanceStore with the same
// guarded transitions as the PostgreSQL store. The Fn fields override
// the default behavior of individual methods.
type MockTaskStore struct {
	mutex     sync.RWMutex
	instances map[int64]*domain.TaskInstance
	nextID    int64
	clock     clockwork.Clock

	InitTaskFn       func(ctx context.Context, inst *domain.TaskInstance) (int64, error)
	ListUnfinishedFn func(ctx context.Context, start, end time.Time, limit int) ([]*domain.TaskInstance, error)
	TurnOnTaskFn     func(ctx context.Context, inst *domain.TaskInstance, nowMs int64) (int64, error)
}

var _ store.TaskInstanceStore = (*MockTaskStore)(nil)

// NewMockTaskStore creates an empty MockTaskStore. A nil clock uses the
// real clock.
func NewMockTaskStore(clock clockwork.Clock) *MockTaskStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MockTaskStore{
		instances: make(map[int64]*domain.TaskInstance),
		clock:     clock,
	}
}

// InitTask stores a copy of inst and assigns its ID.
func (s *MockTaskStore) InitTask(ctx context.Context, inst *domain.TaskInstance) (int64, error) {
	if s.InitTaskFn != nil {
		return s.InitTaskFn(ctx, inst)
	}
	if err := inst.Validate(); err != nil {
		return 0, store.NewStoreError("task_instance", "init", "validation failed", store.ErrInvalidEntity)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.nextID++
	now := s.clock.Now()
	inst.ID = s.nextID
	inst.CreatedAt = now
	inst.UpdatedAt = now
	s.instances[inst.ID] = clone(inst)
	return 1, nil
}

// GetByIDAndShardKey returns a copy of the stored instance.
func (s *MockTaskStore) GetByIDAndShardKey(_ context.Context, id, shardKey int64) (*domain.TaskInstance, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	inst, ok := s.instances[id]
	if !ok || inst.ShardKey != shardKey {
		return nil, store.ErrTaskInstanceNotFound
	}
	return clone(inst), nil
}

// ListUnfinished returns copies of instances that are neither SUCCESS nor
// fallback-failed, ordered by execute time.
func (s *MockTaskStore) ListUnfinished(ctx context.Context, start, end time.Time, limit int) ([]*domain.TaskInstance, error) {
	if s.ListUnfinishedFn != nil {
		return s.ListUnfinishedFn(ctx, start, end, limit)
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var out []*domain.TaskInstance
	for _, inst := range s.instances {
		if inst.TaskStatus == domain.TaskStatusSuccess || inst.FallbackErrorMsg != "" {
			continue
		}
		if inst.CreatedAt.Before(start) || inst.CreatedAt.After(end) {
			continue
		}
		out = append(out, clone(inst))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExecuteTime == out[j].ExecuteTime {
			return out[i].ID < out[j].ID
		}
		return out[i].ExecuteTime < out[j].ExecuteTime
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// TurnOnTask moves a due INIT or retryable FAIL instance into START.
func (s *MockTaskStore) TurnOnTask(ctx context.Context, inst *domain.TaskInstance, nowMs int64) (int64, error) {
	if s.TurnOnTaskFn != nil {
		return s.TurnOnTaskFn(ctx, inst, nowMs)
	}
	return s.update(inst, func(cur *domain.TaskInstance) bool {
		if !cur.CanStart() || cur.ExecuteTime > nowMs {
			return false
		}
		cur.TaskStatus = domain.TaskStatusStart
		return true
	})
}

// MarkSuccess moves a START instance into SUCCESS.
func (s *MockTaskStore) MarkSuccess(_ context.Context, inst *domain.TaskInstance) (int64, error) {
	return s.update(inst, func(cur *domain.TaskInstance) bool {
		if cur.TaskStatus != domain.TaskStatusStart {
			return false
		}
		cur.TaskStatus = domain.TaskStatusSuccess
		cur.ExecuteTimes = inst.ExecuteTimes
		cur.ErrorMsg = inst.ErrorMsg
		return true
	})
}

// MarkFail moves a START instance into FAIL.
func (s *MockTaskStore) MarkFail(_ context.Context, inst *domain.TaskInstance) (int64, error) {
	return s.update(inst, func(cur *domain.TaskInstance) bool {
		if cur.TaskStatus != domain.TaskStatusStart {
			return false
		}
		cur.TaskStatus = domain.TaskStatusFail
		cur.ExecuteTimes = inst.ExecuteTimes
		cur.ExecuteTime = inst.ExecuteTime
		cur.ErrorMsg = inst.ErrorMsg
		return true
	})
}

// MarkFallbackFail moves a START instance into the fallback-failed state.
func (s *MockTaskStore) MarkFallbackFail(_ context.Context, inst *domain.TaskInstance) (int64, error) {
	return s.update(inst, func(cur *domain.TaskInstance) bool {
		if cur.TaskStatus != domain.TaskStatusStart {
			return false
		}
		cur.TaskStatus = domain.TaskStatusFail
		cur.ExecuteTimes = inst.ExecuteTimes
		cur.ExecuteTime = inst.ExecuteTime
		cur.ErrorMsg = inst.ErrorMsg
		cur.FallbackErrorMsg = inst.FallbackErrorMsg
		return true
	})
}

// ResetStuck moves START instances not updated since olderThan into FAIL.
func (s *MockTaskStore) ResetStuck(_ context.Context, olderThan time.Time) (int64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var n int64
	for _, cur := range s.instances {
		if cur.TaskStatus == domain.TaskStatusStart && cur.UpdatedAt.Before(olderThan) {
			cur.TaskStatus = domain.TaskStatusFail
			cur.ErrorMsg = "reset after being stuck in START"
			cur.UpdatedAt = s.clock.Now()
			n++
		}
	}
	return n, nil
}

// Get returns a copy of the instance with the given ID, for assertions.
func (s *MockTaskStore) Get(id int64) (*domain.TaskInstance, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, false
	}
	return clone(inst), true
}

// All returns copies of every stored instance ordered by ID.
func (s *MockTaskStore) All() []*domain.TaskInstance {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	out := make([]*domain.TaskInstance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, clone(inst))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Put stores inst as is, replacing any instance with the same ID.
func (s *MockTaskStore) Put(inst *domain.TaskInstance) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if inst.ID > s.nextID {
		s.nextID = inst.ID
	}
	s.instances[inst.ID] = clone(inst)
}

func (s *MockTaskStore) update(inst *domain.TaskInstance, apply func(cur *domain.TaskInstance) bool) (int64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	cur, ok := s.instances[inst.ID]
	if !ok || cur.ShardKey != inst.ShardKey {
		return 0, nil
	}
	if !apply(cur) {
		return 0, nil
	}
	cur.UpdatedAt = s.clock.Now()
	return 1, nil
}

func clone(inst *domain.TaskInstance) *domain.TaskInstance {
	c := *inst
	if inst.ParameterTypes != nil {
		c.ParameterTypes = append([]string(nil), inst.ParameterTypes...)
	}
	return &c
}

// MockLocalQueue is an in-memory store.LocalQueue ordered by execute time.
type MockLocalQueue struct {
	mutex   sync.Mutex
	entries map[string]*domain.TaskInstance
	dead    map[string]*domain.TaskInstance
	seq     uint64

	InsertErr error
}

var _ store.LocalQueue = (*MockLocalQueue)(nil)

// NewMockLocalQueue creates an empty MockLocalQueue.
func NewMockLocalQueue() *MockLocalQueue {
	return &MockLocalQueue{
		entries: make(map[string]*domain.TaskInstance),
		dead:    make(map[string]*domain.TaskInstance),
	}
}

// Insert stores a copy of inst.
func (q *MockLocalQueue) Insert(inst *domain.TaskInstance) error {
	if q.InsertErr != nil {
		return q.InsertErr
	}
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.put(inst)
	return nil
}

// Size returns the number of entries.
func (q *MockLocalQueue) Size() (int, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.entries), nil
}

// PeekTopN returns up to n entries with the lowest execute time.
func (q *MockLocalQueue) PeekTopN(n int) ([]store.LocalEntry, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return peekSorted(q.entries, n), nil
}

// DeadLetter moves the entry stored under key into the dead letters.
func (q *MockLocalQueue) DeadLetter(key []byte, inst *domain.TaskInstance) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if _, ok := q.entries[string(key)]; !ok {
		return store.ErrLocalEntryNotFound
	}
	delete(q.entries, string(key))
	q.seq++
	q.dead[string(binary.BigEndian.AppendUint64(nil, q.seq))] = clone(inst)
	return nil
}

// PeekDeadLetters returns up to n dead letters in the order they arrived.
func (q *MockLocalQueue) PeekDeadLetters(n int) ([]store.LocalEntry, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return peekSorted(q.dead, n), nil
}

// AckDeadLetter removes the dead letter stored under key.
func (q *MockLocalQueue) AckDeadLetter(key []byte) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if _, ok := q.dead[string(key)]; !ok {
		return store.ErrLocalEntryNotFound
	}
	delete(q.dead, string(key))
	return nil
}

// DeadLetters returns copies of all dead letters.
func (q *MockLocalQueue) DeadLetters() []*domain.TaskInstance {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	entries := peekSorted(q.dead, len(q.dead))
	out := make([]*domain.TaskInstance, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Instance)
	}
	return out
}

func peekSorted(m map[string]*domain.TaskInstance, n int) []store.LocalEntry {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if n < len(keys) {
		keys = keys[:max(n, 0)]
	}

	out := make([]store.LocalEntry, 0, len(keys))
	for _, k := range keys {
		out = append(out, store.LocalEntry{Key: []byte(k), Instance: clone(m[k])})
	}
	return out
}

// Ack removes the entry stored under key.
func (q *MockLocalQueue) Ack(key []byte) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if _, ok := q.entries[string(key)]; !ok {
		return store.ErrLocalEntryNotFound
	}
	delete(q.entries, string(key))
	return nil
}

// Reschedule replaces the entry stored under key with inst.
func (q *MockLocalQueue) Reschedule(key []byte, inst *domain.TaskInstance) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if _, ok := q.entries[string(key)]; !ok {
		return store.ErrLocalEntryNotFound
	}
	delete(q.entries, string(key))
	q.put(inst)
	return nil
}

// Instances returns copies of all entries in queue order.
func (q *MockLocalQueue) Instances() []*domain.TaskInstance {
	n, _ := q.Size()
	entries, _ := q.PeekTopN(n)
	out := make([]*domain.TaskInstance, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Instance)
	}
	return out
}

func (q *MockLocalQueue) put(inst *domain.TaskInstance) {
	q.seq++
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, uint64(max(inst.ExecuteTime, 0)))
	_ = binary.Write(&buf, binary.BigEndian, q.seq)
	q.entries[buf.String()] = clone(inst)
}
