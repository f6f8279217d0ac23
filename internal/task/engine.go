package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/phrazzld/consistency/internal/domain"
	"github.com/phrazzld/consistency/internal/platform/logger"
	"github.com/phrazzld/consistency/internal/store"
	"go.opentelemetry.io/otel/metric"
)

const (
	sourceCentral = "central"
	sourceLocal   = "local"
)

// Executor runs task instances. The schedule manager and the capture
// boundary depend on this interface rather than on *Engine.
type Executor interface {
	// Execute runs an instance held by the central store.
	Execute(ctx context.Context, inst *domain.TaskInstance) error
	// ExecuteLocal handles an entry of the node-local queue.
	ExecuteLocal(ctx context.Context, entry store.LocalEntry) error
	// PromoteDeadLetters hands up to n local dead letters to the central
	// store and returns how many it accepted.
	PromoteDeadLetters(ctx context.Context, n int) int
}

// EngineConfig holds the execution policy.
type EngineConfig struct {
	// FallbackThreshold is the attempt count that must be exceeded before
	// an instance's fallback handler runs. Zero runs it after the first
	// failure.
	FallbackThreshold int

	// DefaultAlertExpression is used for instances without their own.
	DefaultAlertExpression string

	// MeterProvider records execution metrics. Nil disables them.
	MeterProvider metric.MeterProvider
}

// EngineDeps are the collaborators of the engine. Fallbacks and Alerts
// may be nil.
type EngineDeps struct {
	Store     store.TaskInstanceStore
	Local     store.LocalQueue
	Registry  *Registry
	Fallbacks FallbackResolver
	Alerts    AlertNotifier
	Clock     clockwork.Clock
}

// Engine drives a single task instance through one attempt.
type Engine struct {
	store     store.TaskInstanceStore
	local     store.LocalQueue
	registry  *Registry
	fallbacks FallbackResolver
	alerts    AlertNotifier
	evaluator *AlertEvaluator
	clock     clockwork.Clock
	config    EngineConfig
	metrics   *metrics
	logger    *slog.Logger

	// inflight holds local queue keys currently being handled, so one
	// entry is not run twice when cycles overlap.
	inflight sync.Map
}

var _ Executor = (*Engine)(nil)

// NewEngine creates an Engine.
func NewEngine(deps EngineDeps, config EngineConfig, logger *slog.Logger) *Engine {
	if config.FallbackThreshold < 0 {
		logger.Warn("negative fallback threshold specified, using 0",
			"specified_threshold", config.FallbackThreshold)
		config.FallbackThreshold = 0
	}
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{
		store:     deps.Store,
		local:     deps.Local,
		registry:  deps.Registry,
		fallbacks: deps.Fallbacks,
		alerts:    deps.Alerts,
		evaluator: NewAlertEvaluator(config.DefaultAlertExpression),
		clock:     clock,
		config:    config,
		metrics:   newMetrics(config.MeterProvider),
		logger:    logger.With(slog.String("component", "execution_engine")),
	}
}

// Execute claims inst in the central store and runs it once. An instance
// that another node has already claimed, or that is not yet due, is
// skipped without error. Failures of the operation itself are recorded on
// the instance and not returned; a *ReplayError is returned when the
// instance could not be turned back into a call.
func (e *Engine) Execute(ctx context.Context, inst *domain.TaskInstance) error {
	log := logger.FromContextOrDefault(ctx, e.logger).With(
		"task_instance_id", inst.ID,
		"task_id", inst.TaskID,
		"shard_key", inst.ShardKey,
	)

	rows, err := e.store.TurnOnTask(ctx, inst, e.nowMs())
	if err != nil {
		log.Error("failed to move task instance to START", "error", err)
		return fmt.Errorf("turn on task instance %d: %w", inst.ID, err)
	}
	if rows == 0 {
		log.Debug("task instance not claimed, already running or not eligible")
		e.metrics.execution(ctx, sourceCentral, outcomeSkipped)
		return nil
	}

	current, err := e.store.GetByIDAndShardKey(ctx, inst.ID, inst.ShardKey)
	if err != nil {
		log.Warn("failed to re-read task instance, using scheduled copy", "error", err)
		copied := *inst
		current = &copied
	}
	current.TaskStatus = domain.TaskStatusStart

	log.Info("executing task instance",
		"method_signature", current.MethodSignature,
		"execute_times", current.ExecuteTimes)

	runErr := e.invoke(ctx, current)
	if runErr == nil {
		e.markSuccess(ctx, log, current)
		e.metrics.execution(ctx, sourceCentral, outcomeSuccess)
		log.Info("task instance succeeded")
		return nil
	}

	log.Error("task instance failed", "error", runErr)
	current.RecordFailure(runErr.Error())

	outcome := outcomeFail
	if handler, ok := e.fallbackFor(log, current); ok {
		if fbErr := e.runFallback(ctx, handler, current); fbErr != nil {
			log.Error("fallback failed, task instance will not be retried", "error", fbErr)
			current.FallbackErrorMsg = domain.TruncateErrorMsg(fbErr.Error())
			e.mark(ctx, log, "mark_fallback_fail", e.store.MarkFallbackFail, current)
			outcome = outcomeFallbackFail
		} else {
			log.Info("fallback succeeded")
			e.markSuccess(ctx, log, current)
			outcome = outcomeFallbackOK
		}
	} else {
		e.mark(ctx, log, "mark_fail", e.store.MarkFail, current)
	}
	e.metrics.execution(ctx, sourceCentral, outcome)

	e.alert(ctx, log, current)

	if IsReplayError(runErr) {
		return runErr
	}
	return nil
}

// ExecuteLocal handles one local queue entry. The entry is first handed
// to the central store; once that succeeds it is acknowledged and, if
// due, executed through Execute. While the central store is unavailable a
// due entry runs in-process: success acknowledges it, failure reschedules
// it at its next execute time. An entry whose fallback failed will never
// run again and is dead-lettered until the central store can take it.
func (e *Engine) ExecuteLocal(ctx context.Context, entry store.LocalEntry) error {
	key := string(entry.Key)
	if _, busy := e.inflight.LoadOrStore(key, struct{}{}); busy {
		return nil
	}
	defer e.inflight.Delete(key)

	inst := entry.Instance
	log := logger.FromContextOrDefault(ctx, e.logger).With(
		"task_id", inst.TaskID,
		"local_key", fmt.Sprintf("%x", entry.Key),
	)

	if promoted, ok := e.promote(ctx, log, entry); ok {
		if !promoted.CanStart() || !promoted.IsDue(e.nowMs()) {
			return nil
		}
		return e.Execute(ctx, promoted)
	}

	if inst.IsTerminal() {
		e.deadLetter(log, entry.Key, inst)
		return nil
	}
	if !inst.IsDue(e.nowMs()) {
		return nil
	}

	inst.TaskStatus = domain.TaskStatusStart
	log.Info("executing locally buffered task instance",
		"method_signature", inst.MethodSignature,
		"execute_times", inst.ExecuteTimes)

	runErr := e.invoke(ctx, inst)
	if runErr == nil {
		inst.TaskStatus = domain.TaskStatusSuccess
		if err := e.local.Ack(entry.Key); err != nil {
			log.Error("failed to acknowledge local entry", "error", err)
		}
		e.metrics.execution(ctx, sourceLocal, outcomeSuccess)
		log.Info("locally buffered task instance succeeded")
		return nil
	}

	log.Error("locally buffered task instance failed", "error", runErr)
	inst.RecordFailure(runErr.Error())

	outcome := outcomeFail
	if handler, ok := e.fallbackFor(log, inst); ok {
		if fbErr := e.runFallback(ctx, handler, inst); fbErr != nil {
			log.Error("fallback failed for locally buffered task instance", "error", fbErr)
			inst.FallbackErrorMsg = domain.TruncateErrorMsg(fbErr.Error())
			outcome = outcomeFallbackFail
		} else {
			outcome = outcomeFallbackOK
		}
	}

	switch outcome {
	case outcomeFallbackOK:
		if err := e.local.Ack(entry.Key); err != nil {
			log.Error("failed to acknowledge local entry", "error", err)
		}
	case outcomeFallbackFail:
		e.deadLetter(log, entry.Key, inst)
	default:
		if err := e.local.Reschedule(entry.Key, inst); err != nil {
			log.Error("failed to reschedule local entry", "error", err)
		}
	}
	e.metrics.execution(ctx, sourceLocal, outcome)

	e.alert(ctx, log, inst)

	if IsReplayError(runErr) {
		return runErr
	}
	return nil
}

// PromoteDeadLetters implements Executor. It stops at the first dead
// letter the central store does not accept.
func (e *Engine) PromoteDeadLetters(ctx context.Context, n int) int {
	log := logger.FromContextOrDefault(ctx, e.logger)

	entries, err := e.local.PeekDeadLetters(n)
	if err != nil {
		log.Error("failed to read local dead letters", "error", err)
		return 0
	}

	promoted := 0
	for _, entry := range entries {
		inst := *entry.Instance
		inst.ID = 0
		rows, err := e.store.InitTask(ctx, &inst)
		if err != nil || rows == 0 {
			log.Debug("central store did not accept dead letter", "rows", rows, "error", err)
			break
		}
		if err := e.local.AckDeadLetter(entry.Key); err != nil {
			log.Error("dead letter promoted but not acknowledged", "task_instance_id", inst.ID, "error", err)
		}
		e.metrics.promotions.Add(ctx, 1)
		promoted++
	}
	if promoted > 0 {
		log.Info("dead letters promoted to central store", "count", promoted)
	}
	return promoted
}

func (e *Engine) deadLetter(log *slog.Logger, key []byte, inst *domain.TaskInstance) {
	if err := e.local.DeadLetter(key, inst); err != nil {
		log.Error("failed to dead-letter local entry", "error", err)
	}
}

// promote inserts a copy of the entry into the central store and
// acknowledges the local entry on success.
func (e *Engine) promote(ctx context.Context, log *slog.Logger, entry store.LocalEntry) (*domain.TaskInstance, bool) {
	promoted := *entry.Instance
	promoted.ID = 0
	rows, err := e.store.InitTask(ctx, &promoted)
	if err != nil || rows == 0 {
		log.Debug("central store did not accept local entry", "rows", rows, "error", err)
		return nil, false
	}
	if err := e.local.Ack(entry.Key); err != nil {
		log.Error("local entry promoted but not acknowledged", "task_instance_id", promoted.ID, "error", err)
	}
	e.metrics.promotions.Add(ctx, 1)
	log.Info("local entry promoted to central store", "task_instance_id", promoted.ID)
	return &promoted, true
}

func (e *Engine) invoke(ctx context.Context, inst *domain.TaskInstance) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation %s panicked: %v", inst.MethodSignature, r)
		}
	}()

	args, err := inst.Arguments()
	if err != nil {
		return &ReplayError{MethodSignature: inst.MethodSignature, Err: err}
	}
	return e.registry.Invoke(WithReplay(ctx), inst.MethodSignature, args)
}

func (e *Engine) fallbackFor(log *slog.Logger, inst *domain.TaskInstance) (FallbackHandler, bool) {
	if inst.FallbackName == "" || e.fallbacks == nil {
		return nil, false
	}
	if inst.ExecuteTimes <= e.config.FallbackThreshold {
		return nil, false
	}
	handler, err := e.fallbacks.Resolve(inst.FallbackName)
	if err != nil {
		log.Warn("fallback handler not resolvable, retrying instead",
			"fallback_name", inst.FallbackName,
			"error", err)
		return nil, false
	}
	return handler, true
}

func (e *Engine) runFallback(ctx context.Context, handler FallbackHandler, inst *domain.TaskInstance) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fallback %s panicked: %v", inst.FallbackName, r)
		}
	}()
	e.metrics.fallbacks.Add(ctx, 1)
	return handler.Fallback(ctx, inst)
}

// alert is best effort. Evaluation and delivery failures are logged.
func (e *Engine) alert(ctx context.Context, log *slog.Logger, inst *domain.TaskInstance) {
	if e.alerts == nil {
		return
	}
	fire, err := e.evaluator.ShouldAlert(inst)
	if err != nil {
		log.Warn("alert expression not usable", "error", err)
		return
	}
	if !fire {
		return
	}
	if err := e.alerts.Notify(ctx, inst.AlertActionName, inst); err != nil {
		log.Error("failed to send alert",
			"alert_action_name", inst.AlertActionName,
			"error", err)
		return
	}
	e.metrics.alerts.Add(ctx, 1)
}

func (e *Engine) markSuccess(ctx context.Context, log *slog.Logger, inst *domain.TaskInstance) {
	if e.mark(ctx, log, "mark_success", e.store.MarkSuccess, inst) {
		inst.TaskStatus = domain.TaskStatusSuccess
	}
}

func (e *Engine) mark(
	ctx context.Context,
	log *slog.Logger,
	op string,
	fn func(context.Context, *domain.TaskInstance) (int64, error),
	inst *domain.TaskInstance,
) bool {
	rows, err := fn(ctx, inst)
	switch {
	case err != nil:
		log.Error("failed to record task instance outcome", "operation", op, "error", err)
		return false
	case rows == 0:
		log.Warn("task instance left START before its outcome was recorded", "operation", op)
		return false
	}
	return true
}

func (e *Engine) nowMs() int64 {
	return e.clock.Now().UnixMilli()
}
