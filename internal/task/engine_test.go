package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/consistency/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineExecuteSuccess(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, EngineConfig{})
	op := failing(0)
	Register1(f.registry, testSignature, op.Send)
	inst := f.saved(t, f.newInstance())

	err := f.engine.Execute(context.Background(), inst)
	require.NoError(t, err)

	got := f.reload(t, inst.ID)
	assert.Equal(t, domain.TaskStatusSuccess, got.TaskStatus)
	assert.Zero(t, got.ExecuteTimes)
	require.Equal(t, 1, op.Calls())
	assert.True(t, op.replay[0], "operation must see the replay flag")
	assert.Equal(t, orderMessage{OrderID: 7, Text: "shipped"}, op.got[0])
	assert.Empty(t, f.notifier.Calls())
}

func TestEngineExecuteFailureSchedulesRetry(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, EngineConfig{})
	op := failing(2)
	Register1(f.registry, testSignature, op.Send)
	inst := f.saved(t, f.newInstance())
	start := inst.ExecuteTime

	require.NoError(t, f.engine.Execute(context.Background(), inst))

	got := f.reload(t, inst.ID)
	assert.Equal(t, domain.TaskStatusFail, got.TaskStatus)
	assert.Equal(t, 1, got.ExecuteTimes)
	assert.Equal(t, start+20_000, got.ExecuteTime)
	assert.Equal(t, "smtp unavailable", got.ErrorMsg)
	assert.Empty(t, f.notifier.Calls(), "no alert after the first failure")

	// not due yet
	require.NoError(t, f.engine.Execute(context.Background(), got))
	assert.Equal(t, 1, op.Calls())

	f.clock.Advance(20 * time.Second)
	require.NoError(t, f.engine.Execute(context.Background(), got))

	got = f.reload(t, inst.ID)
	assert.Equal(t, domain.TaskStatusFail, got.TaskStatus)
	assert.Equal(t, 2, got.ExecuteTimes)
	assert.Equal(t, start+20_000+40_000, got.ExecuteTime)

	calls := f.notifier.Calls()
	require.Len(t, calls, 1, "alert fires when executeTimes reaches 2")
	assert.Equal(t, 2, calls[0].inst.ExecuteTimes)

	f.clock.Advance(40 * time.Second)
	require.NoError(t, f.engine.Execute(context.Background(), got))
	assert.Equal(t, domain.TaskStatusSuccess, f.reload(t, inst.ID).TaskStatus)
	assert.Equal(t, 3, op.Calls())
}

func TestEngineExecuteSkipsClaimedInstance(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, EngineConfig{})
	op := failing(0)
	Register1(f.registry, testSignature, op.Send)
	inst := f.newInstance()
	inst.ID = 5
	inst.TaskStatus = domain.TaskStatusStart
	inst.CreatedAt = testNow
	f.store.Put(inst)

	require.NoError(t, f.engine.Execute(context.Background(), inst))
	assert.Zero(t, op.Calls())
	assert.Equal(t, domain.TaskStatusStart, f.reload(t, 5).TaskStatus)
}

func TestEngineExecuteAtMostOnce(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, EngineConfig{})
	op := failing(0)
	Register1(f.registry, testSignature, op.Send)
	inst := f.saved(t, f.newInstance())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			copied := *inst
			assert.NoError(t, f.engine.Execute(context.Background(), &copied))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, op.Calls())
	assert.Equal(t, domain.TaskStatusSuccess, f.reload(t, inst.ID).TaskStatus)
}

func TestEngineFallback(t *testing.T) {
	t.Parallel()

	t.Run("fallback success completes the instance", func(t *testing.T) {
		t.Parallel()

		f := newEngineFixture(t, EngineConfig{})
		Register1(f.registry, testSignature, failing(1).Send)
		var seen *domain.TaskInstance
		f.fallbacks.RegisterValue("notify-support", FallbackFunc(func(_ context.Context, inst *domain.TaskInstance) error {
			seen = inst
			return nil
		}))
		inst := f.newInstance()
		inst.FallbackName = "notify-support"
		f.saved(t, inst)

		require.NoError(t, f.engine.Execute(context.Background(), inst))

		got := f.reload(t, inst.ID)
		assert.Equal(t, domain.TaskStatusSuccess, got.TaskStatus)
		assert.Equal(t, 1, got.ExecuteTimes)
		assert.Equal(t, "smtp unavailable", got.ErrorMsg)
		require.NotNil(t, seen)
		assert.Equal(t, 1, seen.ExecuteTimes)
	})

	t.Run("fallback failure is terminal", func(t *testing.T) {
		t.Parallel()

		f := newEngineFixture(t, EngineConfig{})
		op := failing(5)
		Register1(f.registry, testSignature, op.Send)
		f.fallbacks.RegisterValue("notify-support", FallbackFunc(func(context.Context, *domain.TaskInstance) error {
			return errors.New("support queue down")
		}))
		inst := f.newInstance()
		inst.FallbackName = "notify-support"
		f.saved(t, inst)

		require.NoError(t, f.engine.Execute(context.Background(), inst))

		got := f.reload(t, inst.ID)
		assert.Equal(t, domain.TaskStatusFail, got.TaskStatus)
		assert.Equal(t, "support queue down", got.FallbackErrorMsg)
		assert.True(t, got.IsFallbackFailed())

		unfinished, err := f.store.ListUnfinished(context.Background(), testNow.Add(-time.Hour), testNow.Add(time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, unfinished)

		f.clock.Advance(time.Hour)
		require.NoError(t, f.engine.Execute(context.Background(), got))
		assert.Equal(t, 1, op.Calls(), "fallback-failed instances are never retried")
	})

	t.Run("threshold delays fallback", func(t *testing.T) {
		t.Parallel()

		f := newEngineFixture(t, EngineConfig{FallbackThreshold: 2})
		Register1(f.registry, testSignature, failing(1).Send)
		called := false
		f.fallbacks.RegisterValue("notify-support", FallbackFunc(func(context.Context, *domain.TaskInstance) error {
			called = true
			return nil
		}))
		inst := f.newInstance()
		inst.FallbackName = "notify-support"
		f.saved(t, inst)

		require.NoError(t, f.engine.Execute(context.Background(), inst))
		assert.False(t, called)
		assert.Equal(t, domain.TaskStatusFail, f.reload(t, inst.ID).TaskStatus)
	})

	t.Run("unknown fallback keeps retrying", func(t *testing.T) {
		t.Parallel()

		f := newEngineFixture(t, EngineConfig{})
		Register1(f.registry, testSignature, failing(1).Send)
		inst := f.newInstance()
		inst.FallbackName = "missing"
		f.saved(t, inst)

		require.NoError(t, f.engine.Execute(context.Background(), inst))
		got := f.reload(t, inst.ID)
		assert.Equal(t, domain.TaskStatusFail, got.TaskStatus)
		assert.Empty(t, got.FallbackErrorMsg)
	})

	t.Run("panicking fallback is a fallback failure", func(t *testing.T) {
		t.Parallel()

		f := newEngineFixture(t, EngineConfig{})
		Register1(f.registry, testSignature, failing(1).Send)
		f.fallbacks.RegisterValue("notify-support", FallbackFunc(func(context.Context, *domain.TaskInstance) error {
			panic("boom")
		}))
		inst := f.newInstance()
		inst.FallbackName = "notify-support"
		f.saved(t, inst)

		require.NoError(t, f.engine.Execute(context.Background(), inst))
		assert.Contains(t, f.reload(t, inst.ID).FallbackErrorMsg, "panicked")
	})
}

func TestEngineReplayError(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, EngineConfig{})
	inst := f.saved(t, f.newInstance())

	err := f.engine.Execute(context.Background(), inst)
	require.Error(t, err)
	assert.True(t, IsReplayError(err))
	assert.ErrorIs(t, err, ErrOperationNotRegistered)

	got := f.reload(t, inst.ID)
	assert.Equal(t, domain.TaskStatusFail, got.TaskStatus)
	assert.Equal(t, 1, got.ExecuteTimes)
	assert.Contains(t, got.ErrorMsg, "replay failed")
}

func TestEngineRecoversOperationPanic(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, EngineConfig{})
	Register1(f.registry, testSignature, func(context.Context, orderMessage) error {
		panic("nil map write")
	})
	inst := f.saved(t, f.newInstance())

	require.NoError(t, f.engine.Execute(context.Background(), inst))
	got := f.reload(t, inst.ID)
	assert.Equal(t, domain.TaskStatusFail, got.TaskStatus)
	assert.Contains(t, got.ErrorMsg, "panicked")
}

func TestEngineAlertRouting(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, EngineConfig{})
	f.notifier.err = errors.New("sink offline")
	Register1(f.registry, testSignature, failing(1).Send)
	inst := f.newInstance()
	inst.AlertExpression = "executeTimes >= 1"
	inst.AlertActionName = "pager"
	f.saved(t, inst)

	require.NoError(t, f.engine.Execute(context.Background(), inst), "alert failures never escape")

	calls := f.notifier.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "pager", calls[0].name)
	assert.Equal(t, domain.TaskStatusFail, f.reload(t, inst.ID).TaskStatus)
}

func TestEngineMalformedAlertExpression(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t, EngineConfig{})
	Register1(f.registry, testSignature, failing(1).Send)
	inst := f.newInstance()
	inst.AlertExpression = "executeTimes >>> "
	f.saved(t, inst)

	require.NoError(t, f.engine.Execute(context.Background(), inst))
	assert.Empty(t, f.notifier.Calls())
}

func TestEngineExecuteLocal(t *testing.T) {
	t.Parallel()

	t.Run("promotes entry and executes it centrally", func(t *testing.T) {
		t.Parallel()

		f := newEngineFixture(t, EngineConfig{})
		op := failing(0)
		Register1(f.registry, testSignature, op.Send)
		require.NoError(t, f.local.Insert(f.newInstance()))
		entries, _ := f.local.PeekTopN(1)

		require.NoError(t, f.engine.ExecuteLocal(context.Background(), entries[0]))

		size, _ := f.local.Size()
		assert.Zero(t, size)
		all := f.store.All()
		require.Len(t, all, 1)
		assert.Equal(t, domain.TaskStatusSuccess, all[0].TaskStatus)
		assert.Equal(t, 1, op.Calls())
	})

	t.Run("promotes entry that is not due without running it", func(t *testing.T) {
		t.Parallel()

		f := newEngineFixture(t, EngineConfig{})
		op := failing(0)
		Register1(f.registry, testSignature, op.Send)
		inst := f.newInstance()
		inst.ExecuteTime += 60_000
		require.NoError(t, f.local.Insert(inst))
		entries, _ := f.local.PeekTopN(1)

		require.NoError(t, f.engine.ExecuteLocal(context.Background(), entries[0]))

		all := f.store.All()
		require.Len(t, all, 1)
		assert.Equal(t, domain.TaskStatusInit, all[0].TaskStatus)
		assert.Zero(t, op.Calls())
	})

	t.Run("runs in process while the central store is down", func(t *testing.T) {
		t.Parallel()

		f := newEngineFixture(t, EngineConfig{})
		f.store.InitTaskFn = func(context.Context, *domain.TaskInstance) (int64, error) {
			return 0, errors.New("connection refused")
		}
		op := failing(1)
		Register1(f.registry, testSignature, op.Send)
		inst := f.newInstance()
		start := inst.ExecuteTime
		require.NoError(t, f.local.Insert(inst))

		entries, _ := f.local.PeekTopN(1)
		require.NoError(t, f.engine.ExecuteLocal(context.Background(), entries[0]))

		pending := f.local.Instances()
		require.Len(t, pending, 1)
		assert.Equal(t, 1, pending[0].ExecuteTimes)
		assert.Equal(t, start+20_000, pending[0].ExecuteTime)
		assert.Equal(t, domain.TaskStatusFail, pending[0].TaskStatus)

		// rescheduled entry is not due yet
		entries, _ = f.local.PeekTopN(1)
		require.NoError(t, f.engine.ExecuteLocal(context.Background(), entries[0]))
		assert.Equal(t, 1, op.Calls())

		f.clock.Advance(20 * time.Second)
		entries, _ = f.local.PeekTopN(1)
		require.NoError(t, f.engine.ExecuteLocal(context.Background(), entries[0]))
		assert.Equal(t, 2, op.Calls())
		size, _ := f.local.Size()
		assert.Zero(t, size, "successful local execution acknowledges the entry")
		assert.Empty(t, f.store.All())
	})

	t.Run("local fallback failure is dead-lettered until promotion", func(t *testing.T) {
		t.Parallel()

		f := newEngineFixture(t, EngineConfig{})
		down := true
		f.store.InitTaskFn = func(ctx context.Context, inst *domain.TaskInstance) (int64, error) {
			if down {
				return 0, errors.New("connection refused")
			}
			f.store.InitTaskFn = nil
			return f.store.InitTask(ctx, inst)
		}
		op := failing(5)
		Register1(f.registry, testSignature, op.Send)
		f.fallbacks.RegisterValue("notify-support", FallbackFunc(func(context.Context, *domain.TaskInstance) error {
			return errors.New("support queue down")
		}))
		inst := f.newInstance()
		inst.FallbackName = "notify-support"
		require.NoError(t, f.local.Insert(inst))

		entries, _ := f.local.PeekTopN(1)
		require.NoError(t, f.engine.ExecuteLocal(context.Background(), entries[0]))
		assert.Empty(t, f.local.Instances(), "a dead entry leaves the pending set")
		dead := f.local.DeadLetters()
		require.Len(t, dead, 1)
		assert.True(t, dead[0].IsFallbackFailed())

		// the head of the queue belongs to live entries again
		next := f.newInstance()
		next.TaskID = "next"
		require.NoError(t, f.local.Insert(next))
		entries, _ = f.local.PeekTopN(1)
		require.Len(t, entries, 1)
		assert.Equal(t, "next", entries[0].Instance.TaskID)
		require.NoError(t, f.local.Ack(entries[0].Key))

		assert.Zero(t, f.engine.PromoteDeadLetters(context.Background(), 10), "central store still down")
		require.Len(t, f.local.DeadLetters(), 1)

		down = false
		assert.Equal(t, 1, f.engine.PromoteDeadLetters(context.Background(), 10))
		assert.Empty(t, f.local.DeadLetters())
		assert.Equal(t, 1, op.Calls(), "dead letters never run again")
		all := f.store.All()
		require.Len(t, all, 1)
		assert.Equal(t, "support queue down", all[0].FallbackErrorMsg)
		assert.True(t, all[0].IsFallbackFailed())
	})

	t.Run("terminal pending entry is dead-lettered without running", func(t *testing.T) {
		t.Parallel()

		f := newEngineFixture(t, EngineConfig{})
		f.store.InitTaskFn = func(context.Context, *domain.TaskInstance) (int64, error) {
			return 0, errors.New("connection refused")
		}
		op := failing(0)
		Register1(f.registry, testSignature, op.Send)
		inst := f.newInstance()
		inst.RecordFailure("smtp down")
		inst.FallbackErrorMsg = "support queue down"
		require.NoError(t, f.local.Insert(inst))

		entries, _ := f.local.PeekTopN(1)
		require.NoError(t, f.engine.ExecuteLocal(context.Background(), entries[0]))

		assert.Zero(t, op.Calls())
		size, _ := f.local.Size()
		assert.Zero(t, size)
		assert.Len(t, f.local.DeadLetters(), 1)
	})
}
