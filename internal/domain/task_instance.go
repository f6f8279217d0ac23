package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// TaskStatus is the persisted lifecycle state of a task instance.
// The numeric codes are part of the storage format.
type TaskStatus int

// Possible task status values
const (
	TaskStatusInit    TaskStatus = 0
	TaskStatusStart   TaskStatus = 1
	TaskStatusFail    TaskStatus = 2
	TaskStatusSuccess TaskStatus = 3
)

// String returns the upper-case name of the status.
func (s TaskStatus) String() string {
	switch s {
	case TaskStatusInit:
		return "INIT"
	case TaskStatusStart:
		return "START"
	case TaskStatusFail:
		return "FAIL"
	case TaskStatusSuccess:
		return "SUCCESS"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// PerformanceWay controls whether a task runs as soon as it is captured
// or only once its delay has elapsed.
type PerformanceWay int

// Possible performance way values
const (
	PerformanceRightNow PerformanceWay = 1
	PerformanceSchedule PerformanceWay = 2
)

// ThreadWay controls whether an immediate execution happens on the
// caller's goroutine or on the worker pool.
type ThreadWay int

// Possible thread way values
const (
	ThreadWaySync  ThreadWay = 1
	ThreadWayAsync ThreadWay = 2
)

// MaxErrorMsgLength bounds the error text persisted on a task instance.
const MaxErrorMsgLength = 2000

// Validation errors for TaskInstance
var (
	ErrEmptyTaskID            = errors.New("task ID cannot be empty")
	ErrEmptyMethodSignature   = errors.New("method signature cannot be empty")
	ErrInvalidTaskStatus      = errors.New("invalid task status")
	ErrInvalidPerformanceWay  = errors.New("invalid performance way")
	ErrInvalidThreadWay       = errors.New("invalid thread way")
	ErrNegativeInterval       = errors.New("execute interval cannot be negative")
	ErrNegativeDelay          = errors.New("delay time cannot be negative")
	ErrInvalidTaskParameter   = errors.New("task parameter must be a JSON array")
	ErrIllegalStateTransition = errors.New("illegal task state transition")
)

// TaskInstance is one persisted, replayable invocation of a registered
// operation together with its scheduling and retry bookkeeping.
//
// ExecuteTime is the earliest wall-clock time, in epoch milliseconds, at
// which the instance may run. ShardKey is zero unless key-based sharding
// is enabled.
type TaskInstance struct {
	ID                 int64          `json:"id"`
	TaskID             string         `json:"task_id"`
	MethodSignature    string         `json:"method_signature"`
	MethodName         string         `json:"method_name"`
	ParameterTypes     []string       `json:"parameter_types"`
	TaskParameter      string         `json:"task_parameter"`
	PerformanceWay     PerformanceWay `json:"performance_way"`
	ThreadWay          ThreadWay      `json:"thread_way"`
	ExecuteIntervalSec int            `json:"execute_interval_sec"`
	DelayTime          int            `json:"delay_time"`
	ExecuteTimes       int            `json:"execute_times"`
	ExecuteTime        int64          `json:"execute_time"`
	TaskStatus         TaskStatus     `json:"task_status"`
	ShardKey           int64          `json:"shard_key"`
	ErrorMsg           string         `json:"error_msg"`
	AlertExpression    string         `json:"alert_expression"`
	AlertActionName    string         `json:"alert_action_name"`
	FallbackName       string         `json:"fallback_name"`
	FallbackErrorMsg   string         `json:"fallback_error_msg"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Validate checks if the TaskInstance has valid data.
func (t *TaskInstance) Validate() error {
	if t.TaskID == "" {
		return ErrEmptyTaskID
	}
	if t.MethodSignature == "" {
		return ErrEmptyMethodSignature
	}
	if !isValidTaskStatus(t.TaskStatus) {
		return ErrInvalidTaskStatus
	}
	if t.PerformanceWay != PerformanceRightNow && t.PerformanceWay != PerformanceSchedule {
		return ErrInvalidPerformanceWay
	}
	if t.ThreadWay != ThreadWaySync && t.ThreadWay != ThreadWayAsync {
		return ErrInvalidThreadWay
	}
	if t.ExecuteIntervalSec < 0 {
		return ErrNegativeInterval
	}
	if t.DelayTime < 0 {
		return ErrNegativeDelay
	}
	if t.TaskParameter != "" {
		var args []json.RawMessage
		if err := json.Unmarshal([]byte(t.TaskParameter), &args); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTaskParameter, err)
		}
	}
	return nil
}

// Arguments decodes TaskParameter into one raw JSON value per
// positional argument.
func (t *TaskInstance) Arguments() ([]json.RawMessage, error) {
	if t.TaskParameter == "" {
		return nil, nil
	}
	var args []json.RawMessage
	if err := json.Unmarshal([]byte(t.TaskParameter), &args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTaskParameter, err)
	}
	return args, nil
}

// IsFallbackFailed reports whether the fallback handler has already failed
// for this instance. Such an instance is never retried again.
func (t *TaskInstance) IsFallbackFailed() bool {
	return t.TaskStatus == TaskStatusFail && t.FallbackErrorMsg != ""
}

// IsTerminal reports whether the instance has reached SUCCESS or
// fallback-failed.
func (t *TaskInstance) IsTerminal() bool {
	return t.TaskStatus == TaskStatusSuccess || t.IsFallbackFailed()
}

// CanStart reports whether the instance may be moved into START.
func (t *TaskInstance) CanStart() bool {
	return CanTransition(t.TaskStatus, TaskStatusStart) && !t.IsFallbackFailed()
}

// IsDue reports whether the instance may run at nowMs.
func (t *TaskInstance) IsDue(nowMs int64) bool {
	return t.ExecuteTime-nowMs <= 0
}

// RecordFailure applies a failed attempt: the next execute time is pushed
// out using the attempt counter before it is incremented, then the counter
// is incremented and the error message stored.
func (t *TaskInstance) RecordFailure(errMsg string) {
	t.ExecuteTime = NextExecuteTime(t.ExecuteTime, t.ExecuteTimes, t.ExecuteIntervalSec)
	t.ExecuteTimes++
	t.TaskStatus = TaskStatusFail
	t.ErrorMsg = TruncateErrorMsg(errMsg)
}

// ParameterTypesString joins the parameter type names the way they are
// stored in a single column.
func (t *TaskInstance) ParameterTypesString() string {
	return strings.Join(t.ParameterTypes, ",")
}

// SplitParameterTypes is the inverse of ParameterTypesString.
func SplitParameterTypes(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// InitialExecuteTime computes the first execute time of a new instance.
func InitialExecuteTime(way PerformanceWay, delaySec int, nowMs int64) int64 {
	if way == PerformanceSchedule {
		return nowMs + int64(delaySec)*1000
	}
	return nowMs
}

// NextExecuteTime computes the execute time after a failed attempt.
// executeTimes is the number of attempts recorded before this failure.
func NextExecuteTime(executeTime int64, executeTimes, intervalSec int) int64 {
	return executeTime + int64(executeTimes+1)*int64(intervalSec)*1000
}

// ShardIndex maps an instance onto [0, shardCount). When byKey is set
// the shard key is used, otherwise the row ID.
func ShardIndex(t *TaskInstance, shardCount int64, byKey bool) int64 {
	if shardCount <= 0 {
		return 0
	}
	v := t.ID
	if byKey {
		v = t.ShardKey
	}
	idx := v % shardCount
	if idx < 0 {
		idx += shardCount
	}
	return idx
}

// MethodSignature builds the registry key for an operation.
// The format is Type#Method(paramType1,paramType2).
func MethodSignature(typeName, method string, paramTypes []string) string {
	return fmt.Sprintf("%s#%s(%s)", typeName, method, strings.Join(paramTypes, ","))
}

// TruncateErrorMsg cuts msg to MaxErrorMsgLength bytes on a rune boundary.
func TruncateErrorMsg(msg string) string {
	if len(msg) <= MaxErrorMsgLength {
		return msg
	}
	cut := MaxErrorMsgLength
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

var transitions = map[TaskStatus][]TaskStatus{
	TaskStatusInit:  {TaskStatusStart},
	TaskStatusFail:  {TaskStatusStart},
	TaskStatusStart: {TaskStatusSuccess, TaskStatusFail},
}

// CanTransition reports whether the lifecycle allows moving from one
// status to another. SUCCESS has no outgoing transitions.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// isValidTaskStatus checks if the given status is a valid TaskStatus.
func isValidTaskStatus(status TaskStatus) bool {
	switch status {
	case TaskStatusInit, TaskStatusStart, TaskStatusFail, TaskStatusSuccess:
		return true
	default:
		return false
	}
}
