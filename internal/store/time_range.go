package store

import (
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/phrazzld/consistency/internal/capability"
)

// Default values for the unfinished-instance query window.
const (
	DefaultQueryLookback = 7 * 24 * time.Hour
	DefaultQueryLimit    = 1000

	// DefaultTimeRangeQueryName selects the configured WindowQuery.
	DefaultTimeRangeQueryName = "window"
)

// TimeRangeQuery supplies the creation-time window and row limit the
// scheduler uses for each ListUnfinished call.
type TimeRangeQuery interface {
	StartTime() time.Time
	EndTime() time.Time
	Limit() int
}

// WindowQuery is the default TimeRangeQuery: a sliding window ending now.
type WindowQuery struct {
	Lookback time.Duration
	MaxRows  int
	Clock    clockwork.Clock
}

var _ TimeRangeQuery = (*WindowQuery)(nil)

// NewWindowQuery creates a WindowQuery, substituting defaults for zero values.
func NewWindowQuery(lookback time.Duration, limit int, clock clockwork.Clock) *WindowQuery {
	if lookback <= 0 {
		lookback = DefaultQueryLookback
	}
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &WindowQuery{Lookback: lookback, MaxRows: limit, Clock: clock}
}

// StartTime implements TimeRangeQuery.
func (q *WindowQuery) StartTime() time.Time {
	return q.Clock.Now().Add(-q.Lookback)
}

// EndTime implements TimeRangeQuery.
func (q *WindowQuery) EndTime() time.Time {
	return q.Clock.Now()
}

// Limit implements TimeRangeQuery.
func (q *WindowQuery) Limit() int {
	return q.MaxRows
}

// ResolvedQuery is a TimeRangeQuery chosen by name on first use. An
// unknown name or failing factory selects the fallback for the rest of
// the process lifetime.
type ResolvedQuery struct {
	lazy *capability.Lazy[TimeRangeQuery]
}

var _ TimeRangeQuery = (*ResolvedQuery)(nil)

// ResolveTimeRangeQuery creates a ResolvedQuery. An empty name or
// DefaultTimeRangeQueryName selects fallback.
func ResolveTimeRangeQuery(
	name string,
	registry *capability.Registry[TimeRangeQuery],
	fallback TimeRangeQuery,
	logger *slog.Logger,
) *ResolvedQuery {
	if logger == nil {
		logger = slog.Default()
	}
	resolve := func() (TimeRangeQuery, error) {
		if name == "" || name == DefaultTimeRangeQueryName || registry == nil {
			return fallback, nil
		}
		return registry.Resolve(name)
	}
	onError := func(err error) {
		logger.Warn("time range query could not be resolved, using default",
			slog.String("component", "time_range_query"),
			slog.String("query", name),
			slog.String("error", err.Error()))
	}
	return &ResolvedQuery{lazy: capability.NewLazy(resolve, fallback, onError)}
}

// StartTime implements TimeRangeQuery.
func (q *ResolvedQuery) StartTime() time.Time { return q.lazy.Get().StartTime() }

// EndTime implements TimeRangeQuery.
func (q *ResolvedQuery) EndTime() time.Time { return q.lazy.Get().EndTime() }

// Limit implements TimeRangeQuery.
func (q *ResolvedQuery) Limit() int { return q.lazy.Get().Limit() }
