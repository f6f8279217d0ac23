package task

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/phrazzld/consistency/internal/domain"
	"github.com/phrazzld/consistency/internal/platform/logger"
	"github.com/phrazzld/consistency/internal/store"
	"go.opentelemetry.io/otel/metric"
)

// ShardOwnership reports the shard indexes this node currently owns.
// An empty result means the node must not run central store instances.
type ShardOwnership interface {
	MyShardIndexes() []int64
}

// Submitter accepts jobs for concurrent execution. *WorkerPool implements it.
type Submitter interface {
	Submit(ctx context.Context, job Job) error
}

// ScheduleConfig holds configuration for the schedule manager
type ScheduleConfig struct {
	// Interval is the time between two scheduling cycles
	Interval time.Duration

	// LocalBatchSize is how many local queue entries a cycle looks at
	LocalBatchSize int

	// ShardCount is the total number of shards
	ShardCount int64

	// TaskSharded selects shard key based sharding instead of ID based
	TaskSharded bool

	// StuckTaskAge defines how long an instance can stay in START
	// before it's considered stuck and reset
	StuckTaskAge time.Duration

	// StuckTaskCheckInterval defines how often to check for stuck instances
	// If zero, defaults to 5 minutes
	StuckTaskCheckInterval time.Duration

	// MeterProvider records cycle metrics. Nil disables them.
	MeterProvider metric.MeterProvider
}

// DefaultScheduleConfig returns a ScheduleConfig with reasonable defaults
func DefaultScheduleConfig() ScheduleConfig {
	return ScheduleConfig{
		Interval:               5 * time.Second,
		LocalBatchSize:         100,
		ShardCount:             16,
		StuckTaskAge:           30 * time.Minute,
		StuckTaskCheckInterval: 5 * time.Minute,
	}
}

// ScheduleDeps are the collaborators of the schedule manager.
type ScheduleDeps struct {
	Store     store.TaskInstanceStore
	Local     store.LocalQueue
	Query     store.TimeRangeQuery
	Ownership ShardOwnership
	Executor  Executor
	Pool      Submitter
	Clock     clockwork.Clock
}

// CycleStats summarizes one scheduling cycle.
type CycleStats struct {
	Central   int
	Local     int
	Submitted int
	Rejected  int
	// Promoted counts local dead letters handed to the central store.
	Promoted int
}

// ScheduleManager periodically collects due instances this node owns from
// the central store plus the head of the local queue, and runs them on
// the shared worker pool.
type ScheduleManager struct {
	store     store.TaskInstanceStore
	local     store.LocalQueue
	query     store.TimeRangeQuery
	ownership ShardOwnership
	executor  Executor
	pool      Submitter
	clock     clockwork.Clock
	config    ScheduleConfig
	metrics   *metrics
	logger    *slog.Logger
}

// NewScheduleManager creates a new ScheduleManager
func NewScheduleManager(deps ScheduleDeps, config ScheduleConfig, logger *slog.Logger) *ScheduleManager {
	defaults := DefaultScheduleConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.LocalBatchSize <= 0 {
		config.LocalBatchSize = defaults.LocalBatchSize
	}
	if config.ShardCount <= 0 {
		config.ShardCount = defaults.ShardCount
	}
	if config.StuckTaskAge <= 0 {
		config.StuckTaskAge = defaults.StuckTaskAge
	}
	if config.StuckTaskCheckInterval <= 0 {
		config.StuckTaskCheckInterval = defaults.StuckTaskCheckInterval
	}
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &ScheduleManager{
		store:     deps.Store,
		local:     deps.Local,
		query:     deps.Query,
		ownership: deps.Ownership,
		executor:  deps.Executor,
		pool:      deps.Pool,
		clock:     clock,
		config:    config,
		metrics:   newMetrics(config.MeterProvider),
		logger:    logger.With(slog.String("component", "schedule_manager")),
	}
}

// Run triggers a scheduling cycle every Interval and resets stuck
// instances every StuckTaskCheckInterval until ctx is done.
func (m *ScheduleManager) Run(ctx context.Context) error {
	cycle := m.clock.NewTicker(m.config.Interval)
	defer cycle.Stop()
	stuck := m.clock.NewTicker(m.config.StuckTaskCheckInterval)
	defer stuck.Stop()

	m.logger.Info("schedule manager started",
		"interval", m.config.Interval,
		"shard_count", m.config.ShardCount,
		"task_sharded", m.config.TaskSharded)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("schedule manager stopped")
			return nil
		case <-cycle.Chan():
			m.PerformanceTask(ctx)
		case <-stuck.Chan():
			m.ResetStuckTasks(ctx)
		}
	}
}

// PerformanceTask runs one scheduling cycle and returns once every
// submitted instance has been attempted. Central store instances are
// only taken when this node has a shard assignment, they are due and
// their shard is owned; local queue entries are always taken. A central
// store read failure leaves the cycle with local entries only.
func (m *ScheduleManager) PerformanceTask(ctx context.Context) CycleStats {
	var stats CycleStats

	ctx = logger.WithCorrelationID(ctx, uuid.NewString())
	log := logger.FromContextOrDefault(ctx, m.logger)

	owned := m.ownership.MyShardIndexes()
	if len(owned) == 0 {
		log.Info("no shard assignment, skipping cycle")
		return stats
	}

	stats.Promoted = m.executor.PromoteDeadLetters(ctx, m.config.LocalBatchSize)

	due := m.dueCentral(ctx, log, owned)
	stats.Central = len(due)

	locals, err := m.local.PeekTopN(m.config.LocalBatchSize)
	if err != nil {
		log.Error("failed to read local queue", "error", err)
		locals = nil
	}
	stats.Local = len(locals)

	if stats.Central+stats.Local == 0 {
		log.Debug("nothing to dispatch")
		return stats
	}
	m.metrics.batchSize.Record(ctx, int64(stats.Central+stats.Local))

	log.Info("dispatching scheduling cycle",
		"central_count", stats.Central,
		"local_count", stats.Local,
		"owned_shards", len(owned))

	var wg sync.WaitGroup
	for _, inst := range due {
		m.dispatch(ctx, log, &wg, &stats, func() {
			if err := m.executor.Execute(ctx, inst); err != nil {
				log.Error("task instance execution error",
					"task_instance_id", inst.ID,
					"error", err)
			}
		})
	}
	for _, entry := range locals {
		m.dispatch(ctx, log, &wg, &stats, func() {
			if err := m.executor.ExecuteLocal(ctx, entry); err != nil {
				log.Error("local entry execution error",
					"task_id", entry.Instance.TaskID,
					"error", err)
			}
		})
	}
	wg.Wait()

	log.Info("scheduling cycle finished",
		"submitted", stats.Submitted,
		"rejected", stats.Rejected)
	return stats
}

// ResetStuckTasks moves instances left in START longer than StuckTaskAge
// back into FAIL.
func (m *ScheduleManager) ResetStuckTasks(ctx context.Context) {
	cutoff := m.clock.Now().Add(-m.config.StuckTaskAge)
	rows, err := m.store.ResetStuck(ctx, cutoff)
	if err != nil {
		m.logger.Error("failed to reset stuck task instances", "error", err)
		return
	}
	if rows > 0 {
		m.logger.Info("reset stuck task instances", "count", rows)
	}
}

func (m *ScheduleManager) dueCentral(ctx context.Context, log *slog.Logger, owned []int64) []*domain.TaskInstance {
	rows, err := m.store.ListUnfinished(ctx, m.query.StartTime(), m.query.EndTime(), m.query.Limit())
	if err != nil {
		log.Error("failed to list unfinished task instances, using local queue only", "error", err)
		return nil
	}

	ownedSet := make(map[int64]struct{}, len(owned))
	for _, idx := range owned {
		ownedSet[idx] = struct{}{}
	}

	nowMs := m.clock.Now().UnixMilli()
	due := make([]*domain.TaskInstance, 0, len(rows))
	for _, inst := range rows {
		if !inst.CanStart() || !inst.IsDue(nowMs) {
			continue
		}
		if _, ok := ownedSet[domain.ShardIndex(inst, m.config.ShardCount, m.config.TaskSharded)]; !ok {
			continue
		}
		due = append(due, inst)
	}
	return due
}

// dispatch submits run to the pool, counting it on wg. Submit blocks
// while the pool is saturated.
func (m *ScheduleManager) dispatch(ctx context.Context, log *slog.Logger, wg *sync.WaitGroup, stats *CycleStats, run func()) {
	wg.Add(1)
	err := m.pool.Submit(ctx, func(context.Context) {
		defer wg.Done()
		run()
	})
	if err != nil {
		wg.Done()
		stats.Rejected++
		log.Warn("worker pool rejected job", "error", err)
		return
	}
	stats.Submitted++
}
