package capture

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/phrazzld/consistency/internal/domain"
	"github.com/phrazzld/consistency/internal/platform/logger"
	"github.com/phrazzld/consistency/internal/shard"
	"github.com/phrazzld/consistency/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type orderMessage struct {
	OrderID int64  `json:"order_id"`
	Text    string `json:"text"`
}

const sendSignature = "order.Messenger#Send(capture.orderMessage)"

type fixture struct {
	clock    *clockwork.FakeClock
	store    *task.MockTaskStore
	local    *task.MockLocalQueue
	registry *task.Registry
	engine   *task.Engine
	pool     *task.WorkerPool
	capturer *Capturer
}

func newFixture(t *testing.T, config Config, keys shard.KeyGenerator) *fixture {
	t.Helper()

	clock := clockwork.NewFakeClockAt(testNow)
	f := &fixture{
		clock:    clock,
		store:    task.NewMockTaskStore(clock),
		local:    task.NewMockLocalQueue(),
		registry: task.NewRegistry(),
	}
	f.engine = task.NewEngine(task.EngineDeps{
		Store:    f.store,
		Local:    f.local,
		Registry: f.registry,
		Clock:    clock,
	}, task.EngineConfig{}, logger.DiscardLogger())

	f.pool = task.NewWorkerPool(task.WorkerPoolConfig{WorkerCount: 2, QueueSize: 4}, logger.DiscardLogger())
	f.pool.Start()
	t.Cleanup(f.pool.Stop)

	f.capturer = New(Deps{
		Store:    f.store,
		Local:    f.local,
		Registry: f.registry,
		Executor: f.engine,
		Pool:     f.pool,
		Keys:     keys,
		Clock:    clock,
	}, config, logger.DiscardLogger())
	return f
}

type countingOp struct {
	calls atomic.Int32
	err   error
}

func (o *countingOp) send(_ context.Context, _ orderMessage) error {
	o.calls.Add(1)
	return o.err
}

func sendDescriptor(way domain.PerformanceWay, thread domain.ThreadWay) Descriptor {
	return Descriptor{
		Type:           "order.Messenger",
		Method:         "Send",
		PerformanceWay: way,
		ThreadWay:      thread,
		DelayTime:      10,
		FallbackName:   "order.message_fallback",
	}
}

func TestWrapScheduledCallIsPersistedNotRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{DefaultIntervalSec: 20}, nil)
	op := &countingOp{}
	send, err := Wrap1(f.capturer, sendDescriptor(domain.PerformanceSchedule, domain.ThreadWayAsync), op.send)
	require.NoError(t, err)

	assert.Equal(t, []string{sendSignature}, f.registry.Signatures())

	require.NoError(t, send(context.Background(), orderMessage{OrderID: 7, Text: "hi"}))
	assert.Zero(t, op.calls.Load())

	all := f.store.All()
	require.Len(t, all, 1)
	inst := all[0]
	assert.Equal(t, sendSignature, inst.TaskID)
	assert.Equal(t, sendSignature, inst.MethodSignature)
	assert.Equal(t, "Send", inst.MethodName)
	assert.Equal(t, []string{"capture.orderMessage"}, inst.ParameterTypes)
	assert.JSONEq(t, `[{"order_id":7,"text":"hi"}]`, inst.TaskParameter)
	assert.Equal(t, domain.TaskStatusInit, inst.TaskStatus)
	assert.Equal(t, testNow.UnixMilli()+10_000, inst.ExecuteTime)
	assert.Equal(t, 20, inst.ExecuteIntervalSec)
	assert.Equal(t, "order.message_fallback", inst.FallbackName)
	assert.Zero(t, inst.ShardKey)
	assert.Empty(t, f.local.Instances())
}

func TestWrapUnderReplayCallsOperation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, nil)
	op := &countingOp{}
	send, err := Wrap1(f.capturer, sendDescriptor(domain.PerformanceSchedule, domain.ThreadWayAsync), op.send)
	require.NoError(t, err)

	require.NoError(t, send(task.WithReplay(context.Background()), orderMessage{OrderID: 1}))
	assert.Equal(t, int32(1), op.calls.Load())
	assert.Empty(t, f.store.All())
}

func TestRightNowSyncRunsInline(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, nil)
	op := &countingOp{}
	send, err := Wrap1(f.capturer, sendDescriptor(domain.PerformanceRightNow, domain.ThreadWaySync), op.send)
	require.NoError(t, err)

	require.NoError(t, send(context.Background(), orderMessage{OrderID: 2}))
	assert.Equal(t, int32(1), op.calls.Load())

	all := f.store.All()
	require.Len(t, all, 1)
	assert.Equal(t, testNow.UnixMilli(), all[0].ExecuteTime, "delay is ignored for immediate tasks")
	assert.Equal(t, domain.TaskStatusSuccess, all[0].TaskStatus)
}

func TestRightNowSyncFailureIsNotReturned(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{DefaultIntervalSec: 2}, nil)
	op := &countingOp{err: errors.New("smtp down")}
	d := sendDescriptor(domain.PerformanceRightNow, domain.ThreadWaySync)
	d.FallbackName = ""
	send, err := Wrap1(f.capturer, d, op.send)
	require.NoError(t, err)

	require.NoError(t, send(context.Background(), orderMessage{OrderID: 3}))

	inst := f.store.All()[0]
	assert.Equal(t, domain.TaskStatusFail, inst.TaskStatus)
	assert.Equal(t, 1, inst.ExecuteTimes)
	assert.Equal(t, "smtp down", inst.ErrorMsg)
	assert.Equal(t, testNow.UnixMilli()+2_000, inst.ExecuteTime)
}

func TestRightNowSyncStoreFailureAfterInitIsNotReturned(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, nil)
	f.store.TurnOnTaskFn = func(context.Context, *domain.TaskInstance, int64) (int64, error) {
		return 0, errors.New("connection reset by peer")
	}
	op := &countingOp{}
	send, err := Wrap1(f.capturer, sendDescriptor(domain.PerformanceRightNow, domain.ThreadWaySync), op.send)
	require.NoError(t, err)

	require.NoError(t, send(context.Background(), orderMessage{OrderID: 8}),
		"the instance is persisted, so the caller must not retry")
	assert.Zero(t, op.calls.Load())

	all := f.store.All()
	require.Len(t, all, 1, "exactly one row, left for the scheduler")
	assert.Equal(t, domain.TaskStatusInit, all[0].TaskStatus)
	assert.Empty(t, f.local.Instances())
}

func TestRightNowAsyncRunsOnPool(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, nil)
	op := &countingOp{}
	send, err := Wrap1(f.capturer, sendDescriptor(domain.PerformanceRightNow, domain.ThreadWayAsync), op.send)
	require.NoError(t, err)

	require.NoError(t, send(context.Background(), orderMessage{OrderID: 4}))

	require.Eventually(t, func() bool {
		all := f.store.All()
		return len(all) == 1 && all[0].TaskStatus == domain.TaskStatusSuccess
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), op.calls.Load())
}

func TestRightNowAsyncWithStoppedPoolIsLeftToScheduler(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, nil)
	f.pool.Stop()
	op := &countingOp{}
	send, err := Wrap1(f.capturer, sendDescriptor(domain.PerformanceRightNow, domain.ThreadWayAsync), op.send)
	require.NoError(t, err)

	require.NoError(t, send(context.Background(), orderMessage{OrderID: 5}))
	assert.Zero(t, op.calls.Load())
	require.Len(t, f.store.All(), 1)
	assert.Equal(t, domain.TaskStatusInit, f.store.All()[0].TaskStatus)
}

func TestCaptureFallsBackToLocalQueue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rows int64
		err  error
	}{
		{name: "store error", err: errors.New("connection refused")},
		{name: "zero rows", rows: 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, Config{}, nil)
			f.store.InitTaskFn = func(_ context.Context, inst *domain.TaskInstance) (int64, error) {
				inst.ID = 99
				return tc.rows, tc.err
			}
			op := &countingOp{}
			send, err := Wrap1(f.capturer, sendDescriptor(domain.PerformanceRightNow, domain.ThreadWaySync), op.send)
			require.NoError(t, err)

			require.NoError(t, send(context.Background(), orderMessage{OrderID: 6}))
			assert.Zero(t, op.calls.Load(), "buffered instances run from the scheduler")

			buffered := f.local.Instances()
			require.Len(t, buffered, 1)
			assert.Zero(t, buffered[0].ID)
			assert.Equal(t, sendSignature, buffered[0].MethodSignature)
			assert.Equal(t, domain.TaskStatusInit, buffered[0].TaskStatus)
		})
	}
}

func TestCaptureFailsWhenNothingAcceptsTheInstance(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, nil)
	storeErr := errors.New("connection refused")
	f.store.InitTaskFn = func(context.Context, *domain.TaskInstance) (int64, error) { return 0, storeErr }
	f.local.InsertErr = errors.New("disk full")

	d := Descriptor{
		ID:             "T#m()",
		Type:           "T",
		Method:         "m",
		PerformanceWay: domain.PerformanceSchedule,
		ThreadWay:      domain.ThreadWayAsync,
	}
	err := f.capturer.Capture(context.Background(), d)
	require.Error(t, err)
	assert.ErrorIs(t, err, storeErr)
	assert.ErrorIs(t, err, f.local.InsertErr)
}

func TestCaptureShardKey(t *testing.T) {
	t.Parallel()

	t.Run("generated when sharded", func(t *testing.T) {
		f := newFixture(t, Config{TaskSharded: true}, shard.KeyGeneratorFunc(func() (int64, error) { return 42, nil }))
		op := &countingOp{}
		send, err := Wrap1(f.capturer, sendDescriptor(domain.PerformanceSchedule, domain.ThreadWayAsync), op.send)
		require.NoError(t, err)

		require.NoError(t, send(context.Background(), orderMessage{}))
		assert.Equal(t, int64(42), f.store.All()[0].ShardKey)
	})

	t.Run("zero when generation fails", func(t *testing.T) {
		keys := shard.KeyGeneratorFunc(func() (int64, error) { return 13, errors.New("clock moved backwards") })
		f := newFixture(t, Config{TaskSharded: true}, keys)
		op := &countingOp{}
		send, err := Wrap1(f.capturer, sendDescriptor(domain.PerformanceSchedule, domain.ThreadWayAsync), op.send)
		require.NoError(t, err)

		require.NoError(t, send(context.Background(), orderMessage{}))
		assert.Zero(t, f.store.All()[0].ShardKey)
	})

	t.Run("ignored when not sharded", func(t *testing.T) {
		f := newFixture(t, Config{}, shard.KeyGeneratorFunc(func() (int64, error) { return 42, nil }))
		op := &countingOp{}
		send, err := Wrap1(f.capturer, sendDescriptor(domain.PerformanceSchedule, domain.ThreadWayAsync), op.send)
		require.NoError(t, err)

		require.NoError(t, send(context.Background(), orderMessage{}))
		assert.Zero(t, f.store.All()[0].ShardKey)
	})
}

func TestWrapDescriptorValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, nil)
	op := &countingOp{}

	_, err := Wrap1(f.capturer, Descriptor{Method: "Send"}, op.send)
	assert.ErrorIs(t, err, ErrInvalidDescriptor)

	_, err = Wrap1(f.capturer, Descriptor{Type: "order.Messenger", Method: "Send", ParamTypes: []string{"a", "b"}}, op.send)
	assert.ErrorIs(t, err, ErrInvalidDescriptor)

	_, err = Wrap1(f.capturer, Descriptor{Type: "order.Messenger", Method: "Send", DelayTime: -1}, op.send)
	assert.ErrorIs(t, err, ErrInvalidDescriptor)

	assert.Empty(t, f.registry.Signatures())
}

func TestWrapSignatures(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, nil)

	_, err := Wrap0(f.capturer, Descriptor{Type: "report.Builder", Method: "Rebuild"},
		func(context.Context) error { return nil })
	require.NoError(t, err)

	_, err = Wrap2(f.capturer, Descriptor{Type: "stock.Ledger", Method: "Move"},
		func(context.Context, string, int) error { return nil })
	require.NoError(t, err)

	_, err = Wrap1(f.capturer, Descriptor{Type: "order.Messenger", Method: "Send", ParamTypes: []string{"order.Message"}},
		func(context.Context, orderMessage) error { return nil })
	require.NoError(t, err)

	assert.Equal(t, []string{
		"order.Messenger#Send(order.Message)",
		"report.Builder#Rebuild()",
		"stock.Ledger#Move(string,int)",
	}, f.registry.Signatures())
}

func TestCapturedTaskReplaysThroughEngine(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{DefaultIntervalSec: 5}, nil)

	var got []orderMessage
	var at []int
	failures := 1
	send, err := Wrap2(f.capturer, Descriptor{Type: "order.Messenger", Method: "SendTo", DelayTime: 10},
		func(_ context.Context, msg orderMessage, attempt int) error {
			got = append(got, msg)
			at = append(at, attempt)
			if failures > 0 {
				failures--
				return errors.New("transient")
			}
			return nil
		})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, send(ctx, orderMessage{OrderID: 9, Text: "shipped"}, 3))
	inst := f.store.All()[0]

	require.NoError(t, f.engine.Execute(ctx, inst))
	assert.Empty(t, got, "not due before the delay")

	f.clock.Advance(10 * time.Second)
	require.NoError(t, f.engine.Execute(ctx, inst))
	inst, _ = f.store.Get(inst.ID)
	assert.Equal(t, domain.TaskStatusFail, inst.TaskStatus)
	assert.Equal(t, testNow.UnixMilli()+15_000, inst.ExecuteTime)

	f.clock.Advance(5 * time.Second)
	require.NoError(t, f.engine.Execute(ctx, inst))
	inst, _ = f.store.Get(inst.ID)
	assert.Equal(t, domain.TaskStatusSuccess, inst.TaskStatus)

	assert.Equal(t, []orderMessage{{OrderID: 9, Text: "shipped"}, {OrderID: 9, Text: "shipped"}}, got)
	assert.Equal(t, []int{3, 3}, at)
}
