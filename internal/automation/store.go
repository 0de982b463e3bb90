package automation

import (
	"context"
	"time"
)

// DispatchStatus 表示一次外发尝试的状态。
type DispatchStatus string

const (
	DispatchAttempting DispatchStatus = "attempting"
	DispatchSuccess    DispatchStatus = "success"
	DispatchFailed     DispatchStatus = "failed"
)

// DispatchLog 记录一次向远端智能体转发任务的尝试，属于只追加的审计数据。
// 除补充终态字段外不允许修改。
type DispatchLog struct {
	ID             string         `json:"id"`
	TaskID         string         `json:"task_id"`
	AgentID        string         `json:"agent_id"`
	EndpointURL    string         `json:"endpoint_url"`
	RequestPayload string         `json:"request_payload"`
	Status         DispatchStatus `json:"status"`
	ResponseStatus int            `json:"response_status,omitempty"`
	ResponseBody   string         `json:"response_body,omitempty"`
	Error          string         `json:"error,omitempty"`
	AttemptedAt    int64          `json:"attempted_at"`
	CompletedAt    *int64         `json:"completed_at,omitempty"`
}

// DispatchOutcome 描述外发尝试的终态。
type DispatchOutcome struct {
	Status         DispatchStatus
	ResponseStatus int
	ResponseBody   string
	Error          string
	CompletedAt    int64
}

// Result 记录一次回调提交的执行结果，创建后不可变。
type Result struct {
	ID         string         `json:"id"`
	TaskID     string         `json:"task_id"`
	AgentID    string         `json:"agent_id"`
	BusinessID string         `json:"business_id"`
	Status     string         `json:"status"`
	Output     map[string]any `json:"output,omitempty"`
	Timestamp  int64          `json:"timestamp"`
	CreatedAt  int64          `json:"created_at"`
}

// TaskUpdate 描述针对任务的部分更新。nil 字段保持原值。
type TaskUpdate struct {
	BusinessName *string
	Frequency    *Frequency
	Status       *Status
	Parameters   map[string]any
}

// GoalUpdate 描述针对目标的部分更新。nil 字段保持原值。
// Status 不在其中：状态只能由评估器重算。
type GoalUpdate struct {
	TargetValue  *float64
	CurrentValue *float64
	Deadline     *int64
}

// Store 定义任务、目标、派发日志与结果的持久化能力。
// 所有写入都是单条记录的原子更新，读操作不会返回半写状态。
type Store interface {
	// CreateTask 插入新任务。
	CreateTask(ctx context.Context, task *Task) error
	// GetTask 返回指定任务。
	GetTask(ctx context.Context, id string) (*Task, error)
	// ListTasks 返回符合过滤条件的任务列表。
	ListTasks(ctx context.Context, opts ListOptions) ([]*Task, error)
	// UpdateTask 对任务执行部分更新，并刷新 updated_at。
	UpdateTask(ctx context.Context, id string, update TaskUpdate) (*Task, error)
	// DeleteTask 删除任务。
	DeleteTask(ctx context.Context, id string) error
	// ClaimTask 以条件更新方式领取到期任务：只有 next_execution 已到期且
	// 未被跳过的任务才能领取，领取即推进 last_executed 与 next_execution，
	// 保证并发调度实例不会重复派发同一周期。
	ClaimTask(ctx context.Context, id string, now time.Time) (*Task, error)
	// CompleteTask 将处于 in_progress 的任务置为 completed 并写入结果。
	// 任务已完成时返回 ErrResultExists，实现幂等收尾。
	CompleteTask(ctx context.Context, id string, results map[string]any, now time.Time) (*Task, error)
	// FailTask 将处于 in_progress 的任务置为 failed。
	FailTask(ctx context.Context, id string, reason string, now time.Time) (*Task, error)

	// CreateGoal 插入新目标。
	CreateGoal(ctx context.Context, goal *Goal) error
	// GetGoal 返回指定目标。
	GetGoal(ctx context.Context, id string) (*Goal, error)
	// ListGoals 返回指定商户的全部目标。
	ListGoals(ctx context.Context, businessID string) ([]*Goal, error)
	// UpdateGoal 对目标执行部分更新，并刷新 last_updated。
	UpdateGoal(ctx context.Context, id string, update GoalUpdate) (*Goal, error)
	// SetGoalStatus 由评估器写入重算后的状态。
	SetGoalStatus(ctx context.Context, id string, status GoalStatus, currentValue float64, now time.Time) (*Goal, error)
	// DeleteGoal 删除目标。目标不会被自动删除，只能由用户显式操作。
	DeleteGoal(ctx context.Context, id string) error

	// AppendDispatchLog 追加一条外发日志。
	AppendDispatchLog(ctx context.Context, entry *DispatchLog) error
	// CompleteDispatchLog 为外发日志补充终态，只允许补充一次。
	CompleteDispatchLog(ctx context.Context, id string, outcome DispatchOutcome) error
	// ListDispatchLogs 返回指定任务的外发日志。
	ListDispatchLogs(ctx context.Context, taskID string) ([]*DispatchLog, error)

	// CreateResult 插入一条执行结果，创建后不可变。
	CreateResult(ctx context.Context, result *Result) error
	// ListResults 返回指定商户的全部结果。
	ListResults(ctx context.Context, businessID string) ([]*Result, error)

	// Close 释放底层资源。
	Close() error
}
