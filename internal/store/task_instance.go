package store

import (
	"context"
	"time"

	"github.com/phrazzld/consistency/internal/domain"
)

// TaskInstanceStore is the central durable store of task instances.
//
// Every state-changing method returns the number of affected rows. Zero
// rows is not an error: it means the guarded transition did not apply,
// for example because another node already claimed the instance.
type TaskInstanceStore interface {
	// InitTask inserts a new instance and sets its ID on success.
	InitTask(ctx context.Context, inst *domain.TaskInstance) (int64, error)

	// GetByIDAndShardKey re-reads one instance.
	// Returns ErrTaskInstanceNotFound if the row does not exist.
	GetByIDAndShardKey(ctx context.Context, id, shardKey int64) (*domain.TaskInstance, error)

	// ListUnfinished returns instances that are neither SUCCESS nor
	// fallback-failed and were created in [start, end], ordered by
	// execute time, at most limit rows.
	ListUnfinished(ctx context.Context, start, end time.Time, limit int) ([]*domain.TaskInstance, error)

	// TurnOnTask moves an INIT or retryable FAIL instance that is due at
	// nowMs into START. This is the cluster-wide exclusion point for
	// execution of a single instance.
	TurnOnTask(ctx context.Context, inst *domain.TaskInstance, nowMs int64) (int64, error)

	// MarkSuccess moves a START instance into SUCCESS.
	MarkSuccess(ctx context.Context, inst *domain.TaskInstance) (int64, error)

	// MarkFail moves a START instance into FAIL, persisting the attempt
	// counter, next execute time and error message held by inst.
	MarkFail(ctx context.Context, inst *domain.TaskInstance) (int64, error)

	// MarkFallbackFail moves a START instance into the terminal
	// fallback-failed state.
	MarkFallbackFail(ctx context.Context, inst *domain.TaskInstance) (int64, error)

	// ResetStuck moves instances left in START since before olderThan
	// back into FAIL so they become eligible again.
	ResetStuck(ctx context.Context, olderThan time.Time) (int64, error)
}
