package automation

import (
	"time"

	xerrors "BizMCP/internal/errors"
)

// Status 表示自动化任务在生命周期中的状态。
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// Frequency 表示任务的重复周期。
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// Task 描述了为某个商户某项能力安排的周期性任务。
type Task struct {
	ID            string         `json:"id"`
	BusinessID    string         `json:"business_id"`
	BusinessName  string         `json:"business_name"`
	AgentType     string         `json:"agent_type"`
	TaskType      string         `json:"task_type"`
	Frequency     Frequency      `json:"frequency"`
	Status        Status         `json:"status"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Results       map[string]any `json:"results,omitempty"`
	LastExecuted  *int64         `json:"last_executed,omitempty"`
	NextExecution *int64         `json:"next_execution,omitempty"`
	CreatedAt     int64          `json:"created_at"`
	UpdatedAt     int64          `json:"updated_at"`
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskNotClaimable 表示任务不处于可领取状态，通常已被其他调度实例领取。
	ErrTaskNotClaimable = xerrors.New(CodeTaskNotClaimable, "task not claimable", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrResultExists 表示本周期的执行结果已经落库，后续回调视为重复提交。
	ErrResultExists = xerrors.New(CodeResultExists, "result already recorded", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrGoalNotFound 表示指定的目标不存在。
	ErrGoalNotFound = xerrors.New(CodeGoalNotFound, "goal not found")
)

const (
	CodeTaskNotFound     xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict     xerrors.Code = "TASK_CONFLICT"
	CodeTaskNotClaimable xerrors.Code = "TASK_NOT_CLAIMABLE"
	CodeTaskValidation   xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskDispatch     xerrors.Code = "TASK_DISPATCH_FAILED"
	CodeResultExists     xerrors.Code = "RESULT_ALREADY_RECORDED"
	CodeGoalNotFound     xerrors.Code = "GOAL_NOT_FOUND"
	CodeGoalValidation   xerrors.Code = "GOAL_VALIDATION_FAILED"
	CodeGoalDegraded     xerrors.Code = "GOAL_DEGRADED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:   "task not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:   "task conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskNotClaimable, xerrors.Attributes{
		Message:   "task not claimable",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:   "task validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskDispatch, xerrors.Attributes{
		Message:   "task dispatch failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeResultExists, xerrors.Attributes{
		Message:   "result already recorded",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeGoalNotFound, xerrors.Attributes{
		Message:   "goal not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeGoalValidation, xerrors.Attributes{
		Message:   "goal validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeGoalDegraded, xerrors.Attributes{
		Message:   "goal progress degraded",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// IsValidFrequency 检查给定的重复周期是否为支持的枚举值。
func IsValidFrequency(freq Frequency) bool {
	switch freq {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return true
	default:
		return false
	}
}

// Period 返回一个周期对应的时间跨度。monthly 按 30 天计。
func (f Frequency) Period() time.Duration {
	switch f {
	case FrequencyDaily:
		return 24 * time.Hour
	case FrequencyWeekly:
		return 7 * 24 * time.Hour
	case FrequencyMonthly:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// NextExecutionAfter 按照任务周期计算下一次执行时间。
// 无论本次执行成功还是失败都以 lastExecuted 为基准顺延一个完整周期，
// 保证同一周期不会被执行两次，也不会让任务永久卡住。
func (f Frequency) NextExecutionAfter(lastExecuted time.Time) int64 {
	return lastExecuted.Add(f.Period()).Unix()
}

// IsTaskError 判断错误是否为指定错误码的统一任务错误。
func IsTaskError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	if e, ok := xerrors.From(err); ok {
		return e.Code() == target
	}
	return false
}

func cloneValues(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}
	cloned := make(map[string]any, len(values))
	for key, value := range values {
		cloned[key] = value
	}
	return cloned
}

func cloneTask(task *Task) *Task {
	clone := *task
	clone.Parameters = cloneValues(task.Parameters)
	clone.Results = cloneValues(task.Results)
	if task.LastExecuted != nil {
		v := *task.LastExecuted
		clone.LastExecuted = &v
	}
	if task.NextExecution != nil {
		v := *task.NextExecution
		clone.NextExecution = &v
	}
	return &clone
}
