package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/consistency/internal/domain"
	"github.com/phrazzld/consistency/internal/platform/logger"
	"github.com/phrazzld/consistency/internal/store"
)

const taskInstanceColumns = `id, task_id, method_signature, method_name, parameter_types,
	task_parameter, performance_way, thread_way, execute_interval_sec, delay_time,
	execute_times, execute_time, task_status, shard_key, error_msg, alert_expression,
	alert_action_name, fallback_name, fallback_error_msg, created_at, updated_at`

// PostgresTaskInstanceStore implements store.TaskInstanceStore using PostgreSQL.
type PostgresTaskInstanceStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresTaskInstanceStore creates a store over a connection or transaction.
// If logger is nil, a default logger will be used.
func NewPostgresTaskInstanceStore(db store.DBTX, logger *slog.Logger) *PostgresTaskInstanceStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresTaskInstanceStore{
		db:     db,
		logger: logger.With(slog.String("component", "task_instance_store")),
	}
}

// Ensure PostgresTaskInstanceStore implements store.TaskInstanceStore interface
var _ store.TaskInstanceStore = (*PostgresTaskInstanceStore)(nil)

// InitTask implements store.TaskInstanceStore.InitTask.
// The instance is inserted with whatever status and counters it carries,
// so an entry promoted from a local queue keeps its retry history.
func (s *PostgresTaskInstanceStore) InitTask(ctx context.Context, inst *domain.TaskInstance) (int64, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := inst.Validate(); err != nil {
		log.Warn("task instance validation failed during init",
			slog.String("task_id", inst.TaskID),
			slog.String("error", err.Error()))
		return 0, fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	now := time.Now().UTC()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now

	query := `
		INSERT INTO task_instances (
			task_id, method_signature, method_name, parameter_types, task_parameter,
			performance_way, thread_way, execute_interval_sec, delay_time, execute_times,
			execute_time, task_status, shard_key, error_msg, alert_expression,
			alert_action_name, fallback_name, fallback_error_msg, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		RETURNING id
	`
	var id int64
	err := s.db.QueryRowContext(ctx, query,
		inst.TaskID,
		inst.MethodSignature,
		inst.MethodName,
		inst.ParameterTypesString(),
		inst.TaskParameter,
		int(inst.PerformanceWay),
		int(inst.ThreadWay),
		inst.ExecuteIntervalSec,
		inst.DelayTime,
		inst.ExecuteTimes,
		inst.ExecuteTime,
		int(inst.TaskStatus),
		inst.ShardKey,
		inst.ErrorMsg,
		inst.AlertExpression,
		inst.AlertActionName,
		inst.FallbackName,
		inst.FallbackErrorMsg,
		inst.CreatedAt,
		inst.UpdatedAt,
	).Scan(&id)
	if err != nil {
		log.Error("failed to init task instance",
			slog.String("task_id", inst.TaskID),
			slog.String("error", err.Error()))
		return 0, fmt.Errorf("failed to init task instance: %w", MapError(err))
	}

	inst.ID = id
	log.Debug("task instance initialized",
		slog.Int64("id", id),
		slog.String("task_id", inst.TaskID),
		slog.Int64("execute_time", inst.ExecuteTime))
	return 1, nil
}

// GetByIDAndShardKey implements store.TaskInstanceStore.GetByIDAndShardKey.
func (s *PostgresTaskInstanceStore) GetByIDAndShardKey(
	ctx context.Context,
	id, shardKey int64,
) (*domain.TaskInstance, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `SELECT ` + taskInstanceColumns + ` FROM task_instances WHERE id = $1 AND shard_key = $2`
	inst, err := scanTaskInstance(s.db.QueryRowContext(ctx, query, id, shardKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Debug("task instance not found", slog.Int64("id", id), slog.Int64("shard_key", shardKey))
			return nil, store.ErrTaskInstanceNotFound
		}
		log.Error("failed to get task instance",
			slog.Int64("id", id),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to get task instance: %w", MapError(err))
	}
	return inst, nil
}

// ListUnfinished implements store.TaskInstanceStore.ListUnfinished.
func (s *PostgresTaskInstanceStore) ListUnfinished(
	ctx context.Context,
	start, end time.Time,
	limit int,
) ([]*domain.TaskInstance, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		SELECT ` + taskInstanceColumns + `
		FROM task_instances
		WHERE task_status < 3
		  AND fallback_error_msg = ''
		  AND created_at >= $1
		  AND created_at <= $2
		ORDER BY execute_time ASC
		LIMIT $3
	`
	rows, err := s.db.QueryContext(ctx, query, start.UTC(), end.UTC(), limit)
	if err != nil {
		log.Error("failed to query unfinished task instances", slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to query unfinished task instances: %w", MapError(err))
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			log.Error("failed to close rows", slog.String("error", cerr.Error()))
		}
	}()

	var out []*domain.TaskInstance
	for rows.Next() {
		inst, err := scanTaskInstance(rows)
		if err != nil {
			log.Error("failed to scan task instance", slog.String("error", err.Error()))
			return nil, fmt.Errorf("failed to scan task instance: %w", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task instance rows: %w", err)
	}

	log.Debug("listed unfinished task instances", slog.Int("count", len(out)))
	return out, nil
}

// TurnOnTask implements store.TaskInstanceStore.TurnOnTask.
func (s *PostgresTaskInstanceStore) TurnOnTask(
	ctx context.Context,
	inst *domain.TaskInstance,
	nowMs int64,
) (int64, error) {
	query := `
		UPDATE task_instances
		SET task_status = 1, updated_at = $1
		WHERE id = $2 AND shard_key = $3
		  AND task_status IN (0, 2)
		  AND fallback_error_msg = ''
		  AND execute_time <= $4
	`
	return s.exec(ctx, "turn_on", inst, query, time.Now().UTC(), inst.ID, inst.ShardKey, nowMs)
}

// MarkSuccess implements store.TaskInstanceStore.MarkSuccess.
// The attempt counter and error message are written too, so a success
// reached through the fallback keeps the failure that led to it.
func (s *PostgresTaskInstanceStore) MarkSuccess(ctx context.Context, inst *domain.TaskInstance) (int64, error) {
	query := `
		UPDATE task_instances
		SET task_status = 3, execute_times = $1, error_msg = $2, updated_at = $3
		WHERE id = $4 AND shard_key = $5 AND task_status = 1
	`
	return s.exec(ctx, "mark_success", inst, query,
		inst.ExecuteTimes, inst.ErrorMsg, time.Now().UTC(), inst.ID, inst.ShardKey)
}

// MarkFail implements store.TaskInstanceStore.MarkFail.
func (s *PostgresTaskInstanceStore) MarkFail(ctx context.Context, inst *domain.TaskInstance) (int64, error) {
	query := `
		UPDATE task_instances
		SET task_status = 2, execute_times = $1, execute_time = $2, error_msg = $3, updated_at = $4
		WHERE id = $5 AND shard_key = $6 AND task_status = 1
	`
	return s.exec(ctx, "mark_fail", inst, query,
		inst.ExecuteTimes, inst.ExecuteTime, inst.ErrorMsg, time.Now().UTC(), inst.ID, inst.ShardKey)
}

// MarkFallbackFail implements store.TaskInstanceStore.MarkFallbackFail.
func (s *PostgresTaskInstanceStore) MarkFallbackFail(ctx context.Context, inst *domain.TaskInstance) (int64, error) {
	query := `
		UPDATE task_instances
		SET task_status = 2, execute_times = $1, execute_time = $2, error_msg = $3,
		    fallback_error_msg = $4, updated_at = $5
		WHERE id = $6 AND shard_key = $7 AND task_status = 1
	`
	return s.exec(ctx, "mark_fallback_fail", inst, query,
		inst.ExecuteTimes, inst.ExecuteTime, inst.ErrorMsg, inst.FallbackErrorMsg,
		time.Now().UTC(), inst.ID, inst.ShardKey)
}

// ResetStuck implements store.TaskInstanceStore.ResetStuck.
func (s *PostgresTaskInstanceStore) ResetStuck(ctx context.Context, olderThan time.Time) (int64, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		UPDATE task_instances
		SET task_status = 2, error_msg = $1, updated_at = $2
		WHERE task_status = 1 AND updated_at < $3
	`
	result, err := s.db.ExecContext(ctx, query,
		"reset after being stuck in START", time.Now().UTC(), olderThan.UTC())
	if err != nil {
		log.Error("failed to reset stuck task instances", slog.String("error", err.Error()))
		return 0, fmt.Errorf("failed to reset stuck task instances: %w", MapError(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		log.Warn("reset stuck task instances", slog.Int64("count", n), slog.Time("older_than", olderThan))
	}
	return n, nil
}

func (s *PostgresTaskInstanceStore) exec(
	ctx context.Context,
	op string,
	inst *domain.TaskInstance,
	query string,
	args ...any,
) (int64, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		log.Error("task instance update failed",
			slog.String("operation", op),
			slog.Int64("id", inst.ID),
			slog.String("error", err.Error()))
		return 0, store.NewStoreError("task_instance", op, "update failed", MapError(err))
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, store.NewStoreError("task_instance", op, "failed to get rows affected", err)
	}
	if n == 0 {
		log.Debug("task instance update matched no rows",
			slog.String("operation", op),
			slog.Int64("id", inst.ID),
			slog.Int64("shard_key", inst.ShardKey))
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTaskInstance(row rowScanner) (*domain.TaskInstance, error) {
	var inst domain.TaskInstance
	var paramTypes string
	err := row.Scan(
		&inst.ID,
		&inst.TaskID,
		&inst.MethodSignature,
		&inst.MethodName,
		&paramTypes,
		&inst.TaskParameter,
		&inst.PerformanceWay,
		&inst.ThreadWay,
		&inst.ExecuteIntervalSec,
		&inst.DelayTime,
		&inst.ExecuteTimes,
		&inst.ExecuteTime,
		&inst.TaskStatus,
		&inst.ShardKey,
		&inst.ErrorMsg,
		&inst.AlertExpression,
		&inst.AlertActionName,
		&inst.FallbackName,
		&inst.FallbackErrorMsg,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inst.ParameterTypes = domain.SplitParameterTypes(paramTypes)
	return &inst, nil
}
