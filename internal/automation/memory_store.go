package automation

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "BizMCP/internal/errors"
)

// MemoryStore 以内存方式保存任务与目标状态，主要用于测试和单机运行。
type MemoryStore struct {
	mu      sync.RWMutex
	tasks   map[string]*Task
	goals   map[string]*Goal
	logs    map[string]*DispatchLog
	logIDs  []string
	results map[string]*Result
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:   make(map[string]*Task),
		goals:   make(map[string]*Goal),
		logs:    make(map[string]*DispatchLog),
		results: make(map[string]*Result),
	}
}

// CreateTask 实现 Store 接口。
func (m *MemoryStore) CreateTask(_ context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	if !IsValidFrequency(task.Frequency) {
		return xerrors.New(CodeTaskValidation, "不支持的任务周期")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return ErrTaskConflict
	}
	now := time.Now().UTC().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = StatusPending
	}
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

// GetTask 返回任务。
func (m *MemoryStore) GetTask(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// ListTasks 返回符合过滤条件的任务列表。
func (m *MemoryStore) ListTasks(_ context.Context, opts ListOptions) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if !matchesListFilters(task, opts) {
			continue
		}
		results = append(results, cloneTask(task))
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedDesc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].UpdatedAt > results[j].UpdatedAt
		}
		left := nextExecutionOf(results[i])
		right := nextExecutionOf(results[j])
		if left == right {
			return results[i].ID < results[j].ID
		}
		return left < right
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return nil, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// UpdateTask 对任务执行部分更新。
func (m *MemoryStore) UpdateTask(_ context.Context, id string, update TaskUpdate) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if update.Status != nil && !IsValidStatus(*update.Status) {
		return nil, xerrors.New(CodeTaskValidation, "不支持的任务状态")
	}
	if update.Frequency != nil && !IsValidFrequency(*update.Frequency) {
		return nil, xerrors.New(CodeTaskValidation, "不支持的任务周期")
	}
	if update.BusinessName != nil {
		task.BusinessName = *update.BusinessName
	}
	if update.Frequency != nil {
		task.Frequency = *update.Frequency
	}
	if update.Status != nil {
		task.Status = *update.Status
	}
	if update.Parameters != nil {
		task.Parameters = cloneValues(update.Parameters)
	}
	task.UpdatedAt = time.Now().UTC().Unix()
	return cloneTask(task), nil
}

// DeleteTask 删除任务。
func (m *MemoryStore) DeleteTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return ErrTaskNotFound
	}
	delete(m.tasks, id)
	return nil
}

// ClaimTask 以条件更新方式领取到期任务。
func (m *MemoryStore) ClaimTask(_ context.Context, id string, now time.Time) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if task.Status == StatusSkipped {
		return cloneTask(task), ErrTaskNotClaimable
	}
	if task.NextExecution == nil || *task.NextExecution > now.Unix() {
		return cloneTask(task), ErrTaskNotClaimable
	}
	executed := now.UTC().Unix()
	next := task.Frequency.NextExecutionAfter(now.UTC())
	task.Status = StatusInProgress
	task.LastExecuted = &executed
	task.NextExecution = &next
	task.UpdatedAt = executed
	return cloneTask(task), nil
}

// CompleteTask 幂等收尾：仅允许由 in_progress 进入 completed。
func (m *MemoryStore) CompleteTask(_ context.Context, id string, results map[string]any, now time.Time) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if task.Status != StatusInProgress {
		return cloneTask(task), ErrResultExists
	}
	task.Status = StatusCompleted
	task.Results = cloneValues(results)
	task.UpdatedAt = now.UTC().Unix()
	return cloneTask(task), nil
}

// FailTask 将执行中的任务标记为失败。
func (m *MemoryStore) FailTask(_ context.Context, id string, reason string, now time.Time) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if task.Status != StatusInProgress {
		return cloneTask(task), ErrTaskConflict
	}
	task.Status = StatusFailed
	if reason != "" {
		if task.Results == nil {
			task.Results = make(map[string]any, 1)
		}
		task.Results["last_error"] = reason
	}
	task.UpdatedAt = now.UTC().Unix()
	return cloneTask(task), nil
}

// CreateGoal 插入新目标。
func (m *MemoryStore) CreateGoal(_ context.Context, goal *Goal) error {
	if goal == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "goal 不能为空")
	}
	if strings.TrimSpace(goal.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "目标 ID 不能为空")
	}
	if goal.TargetValue <= 0 {
		return xerrors.New(CodeGoalValidation, "目标值必须大于零")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.goals[goal.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "目标已存在")
	}
	now := time.Now().UTC().Unix()
	if goal.CreatedAt == 0 {
		goal.CreatedAt = now
	}
	goal.LastUpdated = now
	if goal.Status == "" {
		goal.Status = GoalOnTrack
	}
	m.goals[goal.ID] = cloneGoal(goal)
	return nil
}

// GetGoal 返回目标。
func (m *MemoryStore) GetGoal(_ context.Context, id string) (*Goal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	goal, ok := m.goals[id]
	if !ok {
		return nil, ErrGoalNotFound
	}
	return cloneGoal(goal), nil
}

// ListGoals 返回指定商户的全部目标。
func (m *MemoryStore) ListGoals(_ context.Context, businessID string) ([]*Goal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	goals := make([]*Goal, 0, 4)
	for _, goal := range m.goals {
		if businessID != "" && goal.BusinessID != businessID {
			continue
		}
		goals = append(goals, cloneGoal(goal))
	}
	sort.Slice(goals, func(i, j int) bool {
		if goals[i].CreatedAt == goals[j].CreatedAt {
			return goals[i].ID < goals[j].ID
		}
		return goals[i].CreatedAt < goals[j].CreatedAt
	})
	return goals, nil
}

// UpdateGoal 对目标执行部分更新。
func (m *MemoryStore) UpdateGoal(_ context.Context, id string, update GoalUpdate) (*Goal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	goal, ok := m.goals[id]
	if !ok {
		return nil, ErrGoalNotFound
	}
	if update.TargetValue != nil {
		if *update.TargetValue <= 0 {
			return nil, xerrors.New(CodeGoalValidation, "目标值必须大于零")
		}
		goal.TargetValue = *update.TargetValue
	}
	if update.CurrentValue != nil {
		goal.CurrentValue = *update.CurrentValue
	}
	if update.Deadline != nil {
		goal.Deadline = *update.Deadline
	}
	goal.LastUpdated = time.Now().UTC().Unix()
	return cloneGoal(goal), nil
}

// SetGoalStatus 写入评估器重算后的状态。
func (m *MemoryStore) SetGoalStatus(_ context.Context, id string, status GoalStatus, currentValue float64, now time.Time) (*Goal, error) {
	if !IsValidGoalStatus(status) {
		return nil, xerrors.New(CodeGoalValidation, "不支持的目标状态")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	goal, ok := m.goals[id]
	if !ok {
		return nil, ErrGoalNotFound
	}
	goal.Status = status
	goal.CurrentValue = currentValue
	goal.LastUpdated = now.UTC().Unix()
	return cloneGoal(goal), nil
}

// DeleteGoal 删除目标。
func (m *MemoryStore) DeleteGoal(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.goals[id]; !ok {
		return ErrGoalNotFound
	}
	delete(m.goals, id)
	return nil
}

// AppendDispatchLog 追加一条外发日志。
func (m *MemoryStore) AppendDispatchLog(_ context.Context, entry *DispatchLog) error {
	if entry == nil || strings.TrimSpace(entry.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "派发日志不完整")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.logs[entry.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "派发日志已存在")
	}
	clone := *entry
	m.logs[entry.ID] = &clone
	m.logIDs = append(m.logIDs, entry.ID)
	return nil
}

// CompleteDispatchLog 为外发日志补充终态。日志是只追加的审计数据，
// 终态只允许写入一次。
func (m *MemoryStore) CompleteDispatchLog(_ context.Context, id string, outcome DispatchOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.logs[id]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, "派发日志不存在")
	}
	if entry.Status != DispatchAttempting {
		return xerrors.New(xerrors.CodeConflict, "派发日志已是终态")
	}
	entry.Status = outcome.Status
	entry.ResponseStatus = outcome.ResponseStatus
	entry.ResponseBody = outcome.ResponseBody
	entry.Error = outcome.Error
	completed := outcome.CompletedAt
	entry.CompletedAt = &completed
	return nil
}

// ListDispatchLogs 返回指定任务的外发日志，按追加顺序排列。
func (m *MemoryStore) ListDispatchLogs(_ context.Context, taskID string) ([]*DispatchLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]*DispatchLog, 0, 4)
	for _, id := range m.logIDs {
		entry := m.logs[id]
		if taskID != "" && entry.TaskID != taskID {
			continue
		}
		clone := *entry
		entries = append(entries, &clone)
	}
	return entries, nil
}

// CreateResult 插入一条执行结果。
func (m *MemoryStore) CreateResult(_ context.Context, result *Result) error {
	if result == nil || strings.TrimSpace(result.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行结果不完整")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.results[result.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "执行结果已存在")
	}
	clone := *result
	clone.Output = cloneValues(result.Output)
	m.results[result.ID] = &clone
	return nil
}

// ListResults 返回指定商户的全部结果。
func (m *MemoryStore) ListResults(_ context.Context, businessID string) ([]*Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*Result, 0, 8)
	for _, result := range m.results {
		if businessID != "" && result.BusinessID != businessID {
			continue
		}
		clone := *result
		clone.Output = cloneValues(result.Output)
		results = append(results, &clone)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt < results[j].CreatedAt
	})
	return results, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(task *Task, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if task.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.BusinessID != "" && task.BusinessID != opts.BusinessID {
		return false
	}
	if opts.DueBefore > 0 {
		if task.NextExecution == nil || *task.NextExecution > opts.DueBefore {
			return false
		}
	}
	return true
}

func nextExecutionOf(task *Task) int64 {
	if task.NextExecution == nil {
		return 1<<63 - 1
	}
	return *task.NextExecution
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
