package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/phrazzld/consistency/internal/domain"
	"github.com/phrazzld/consistency/internal/platform/logger"
	"github.com/phrazzld/consistency/internal/shard"
	"github.com/phrazzld/consistency/internal/store"
	"github.com/phrazzld/consistency/internal/task"
)

// DefaultIntervalSec is the retry interval used when neither the
// descriptor nor the configuration sets one.
const DefaultIntervalSec = 20

// Executor runs a persisted instance immediately.
type Executor interface {
	Execute(ctx context.Context, inst *domain.TaskInstance) error
}

// Config holds configuration for the Capturer.
type Config struct {
	TaskSharded        bool
	DefaultIntervalSec int
}

// Deps are the collaborators of a Capturer. Keys is only used when
// TaskSharded is set.
type Deps struct {
	Store    store.TaskInstanceStore
	Local    store.LocalQueue
	Registry *task.Registry
	Executor Executor
	Pool     task.Submitter
	Keys     shard.KeyGenerator
	Clock    clockwork.Clock
}

// Capturer persists invocations of wrapped operations.
type Capturer struct {
	deps   Deps
	config Config
	logger *slog.Logger
}

// New creates a Capturer.
func New(deps Deps, config Config, logger *slog.Logger) *Capturer {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if config.DefaultIntervalSec <= 0 {
		config.DefaultIntervalSec = DefaultIntervalSec
	}
	return &Capturer{
		deps:   deps,
		config: config,
		logger: logger.With(slog.String("component", "capture")),
	}
}

// Capture records one invocation of the operation described by d. It
// returns an error only when the invocation could not be recorded at all,
// or when a synchronous immediate execution could not be replayed. Any
// other failure of an immediate execution is left to the scheduler.
// Failures of the operation itself never surface here.
func (c *Capturer) Capture(ctx context.Context, d Descriptor, args ...any) error {
	log := logger.FromContextOrDefault(ctx, c.logger).With(slog.String("task_id", d.ID))

	inst, err := c.newInstance(log, d, args)
	if err != nil {
		return err
	}

	n, err := c.deps.Store.InitTask(ctx, inst)
	if err != nil || n == 0 {
		return c.buffer(log, inst, err)
	}

	log.Debug("task instance captured",
		slog.Int64("task_instance_id", inst.ID),
		slog.Int64("execute_time", inst.ExecuteTime))

	if inst.PerformanceWay != domain.PerformanceRightNow {
		return nil
	}
	return c.runNow(ctx, log, inst)
}

func (c *Capturer) newInstance(log *slog.Logger, d Descriptor, args []any) (*domain.TaskInstance, error) {
	params, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode arguments of %s: %w", d.Signature(), err)
	}
	if args == nil {
		params = []byte("[]")
	}

	inst := &domain.TaskInstance{
		TaskID:             d.ID,
		MethodSignature:    d.Signature(),
		MethodName:         d.Method,
		ParameterTypes:     append([]string(nil), d.ParamTypes...),
		TaskParameter:      string(params),
		PerformanceWay:     d.PerformanceWay,
		ThreadWay:          d.ThreadWay,
		ExecuteIntervalSec: d.ExecuteIntervalSec,
		DelayTime:          d.DelayTime,
		ExecuteTime:        domain.InitialExecuteTime(d.PerformanceWay, d.DelayTime, c.deps.Clock.Now().UnixMilli()),
		TaskStatus:         domain.TaskStatusInit,
		AlertExpression:    d.AlertExpression,
		AlertActionName:    d.AlertActionName,
		FallbackName:       d.FallbackName,
	}

	if c.config.TaskSharded && c.deps.Keys != nil {
		key, err := c.deps.Keys.GenerateShardKey()
		if err != nil {
			log.Error("shard key generation failed, using 0", slog.String("error", err.Error()))
			key = 0
		}
		inst.ShardKey = key
	}

	if err := inst.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task instance for %s: %w", inst.MethodSignature, err)
	}
	return inst, nil
}

// buffer keeps an instance the central store did not accept. The
// scheduler promotes it later.
func (c *Capturer) buffer(log *slog.Logger, inst *domain.TaskInstance, storeErr error) error {
	attrs := []any{slog.String("method_signature", inst.MethodSignature)}
	if storeErr != nil {
		attrs = append(attrs, slog.String("error", storeErr.Error()))
	}
	log.Warn("central store unavailable, buffering task instance locally", attrs...)

	inst.ID = 0
	if err := c.deps.Local.Insert(inst); err != nil {
		log.Error("task instance lost, local queue rejected it",
			slog.String("method_signature", inst.MethodSignature),
			slog.String("error", err.Error()))
		return fmt.Errorf("capture %s: %w", inst.MethodSignature, errors.Join(storeErr, err))
	}
	return nil
}

func (c *Capturer) runNow(ctx context.Context, log *slog.Logger, inst *domain.TaskInstance) error {
	if c.deps.Executor == nil {
		return nil
	}

	if inst.ThreadWay == domain.ThreadWaySync || c.deps.Pool == nil {
		err := c.deps.Executor.Execute(ctx, inst)
		if err == nil || task.IsReplayError(err) {
			return err
		}
		// The row is persisted, so the scheduler retries it.
		log.Warn("immediate execution failed, left to the scheduler",
			slog.Int64("task_instance_id", inst.ID),
			slog.String("error", err.Error()))
		return nil
	}

	correlationID := logger.CorrelationID(ctx)
	job := func(jobCtx context.Context) {
		if correlationID != "" {
			jobCtx = logger.WithCorrelationID(jobCtx, correlationID)
		}
		if err := c.deps.Executor.Execute(jobCtx, inst); err != nil {
			log.Error("immediate execution failed", slog.String("error", err.Error()))
		}
	}
	if err := c.deps.Pool.Submit(context.WithoutCancel(ctx), job); err != nil {
		// The row is INIT and due, so the scheduler picks it up.
		log.Warn("immediate execution not submitted, left to the scheduler",
			slog.String("error", err.Error()))
	}
	return nil
}
