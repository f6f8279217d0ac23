package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/phrazzld/consistency/internal/capability"
	"github.com/phrazzld/consistency/internal/domain"
	"github.com/phrazzld/consistency/internal/platform/logger"
	"github.com/stretchr/testify/require"
)

const testSignature = "order.Messenger#Send(order.Message)"

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type orderMessage struct {
	OrderID int64  `json:"order_id"`
	Text    string `json:"text"`
}

type notifyCall struct {
	name string
	inst domain.TaskInstance
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
	err   error
}

func (n *recordingNotifier) Notify(_ context.Context, name string, inst *domain.TaskInstance) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notifyCall{name: name, inst: *inst})
	return n.err
}

func (n *recordingNotifier) Calls() []notifyCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notifyCall(nil), n.calls...)
}

type engineFixture struct {
	clock     *clockwork.FakeClock
	store     *MockTaskStore
	local     *MockLocalQueue
	registry  *Registry
	fallbacks *capability.Registry[FallbackHandler]
	notifier  *recordingNotifier
	engine    *Engine
}

func newEngineFixture(t *testing.T, config EngineConfig) *engineFixture {
	t.Helper()

	clock := clockwork.NewFakeClockAt(testNow)
	f := &engineFixture{
		clock:     clock,
		store:     NewMockTaskStore(clock),
		local:     NewMockLocalQueue(),
		registry:  NewRegistry(),
		fallbacks: capability.NewRegistry[FallbackHandler](),
		notifier:  &recordingNotifier{},
	}
	f.engine = NewEngine(EngineDeps{
		Store:     f.store,
		Local:     f.local,
		Registry:  f.registry,
		Fallbacks: f.fallbacks,
		Alerts:    f.notifier,
		Clock:     clock,
	}, config, logger.DiscardLogger())
	return f
}

// newInstance builds an unsaved instance due at the fixture's current time.
func (f *engineFixture) newInstance() *domain.TaskInstance {
	return &domain.TaskInstance{
		TaskID:             "send-order-message",
		MethodSignature:    testSignature,
		MethodName:         "Send",
		ParameterTypes:     []string{"order.Message"},
		TaskParameter:      `[{"order_id":7,"text":"shipped"}]`,
		PerformanceWay:     domain.PerformanceRightNow,
		ThreadWay:          domain.ThreadWaySync,
		ExecuteIntervalSec: 20,
		ExecuteTime:        f.clock.Now().UnixMilli(),
		TaskStatus:         domain.TaskStatusInit,
	}
}

func (f *engineFixture) saved(t *testing.T, inst *domain.TaskInstance) *domain.TaskInstance {
	t.Helper()
	rows, err := f.store.InitTask(context.Background(), inst)
	require.NoError(t, err)
	require.Equal(t, int64(1), rows)
	return inst
}

func (f *engineFixture) reload(t *testing.T, id int64) *domain.TaskInstance {
	t.Helper()
	inst, ok := f.store.Get(id)
	require.True(t, ok)
	return inst
}

// scriptedOperation fails with the queued errors in order, then succeeds.
type scriptedOperation struct {
	mu     sync.Mutex
	errs   []error
	calls  int
	replay []bool
	got    []orderMessage
}

func (o *scriptedOperation) Send(ctx context.Context, msg orderMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	o.replay = append(o.replay, IsReplay(ctx))
	o.got = append(o.got, msg)
	if len(o.errs) > 0 {
		err := o.errs[0]
		o.errs = o.errs[1:]
		return err
	}
	return nil
}

func (o *scriptedOperation) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

func failing(n int) *scriptedOperation {
	op := &scriptedOperation{}
	for i := 0; i < n; i++ {
		op.errs = append(op.errs, errors.New("smtp unavailable"))
	}
	return op
}
