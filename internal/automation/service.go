package automation

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	xerrors "BizMCP/internal/errors"
	"BizMCP/pkg/logger"
)

// TaskRequest 描述创建任务所需的字段。
type TaskRequest struct {
	ID           string
	BusinessID   string
	BusinessName string
	BusinessType string
	AgentType    string
	TaskType     string
	Frequency    Frequency
	Parameters   map[string]any
}

// CallbackResult 描述 Agent 回调上报的执行结果。
type CallbackResult struct {
	AgentID string
	Status  string
	Output  map[string]any
}

// Service 负责任务与目标的生命周期管理，以及回调结果的落地。
type Service struct {
	store     Store
	evaluator *Evaluator
	clock     Clock
}

// ServiceOption 定义服务可选配置。
type ServiceOption func(*Service)

// WithServiceClock 指定时间来源。
func WithServiceClock(clock Clock) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewService 构造自动化服务。
func NewService(store Store, evaluator *Evaluator, opts ...ServiceOption) *Service {
	s := &Service{store: store, evaluator: evaluator, clock: SystemClock()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// CreateTask 创建一个新的周期任务。新任务立即到期，等待下一次调度扫描。
func (s *Service) CreateTask(ctx context.Context, req TaskRequest) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	if strings.TrimSpace(req.BusinessID) == "" {
		return nil, xerrors.New(CodeTaskValidation, "business_id 不能为空")
	}
	if strings.TrimSpace(req.AgentType) == "" {
		return nil, xerrors.New(CodeTaskValidation, "agent_type 不能为空")
	}
	if strings.TrimSpace(req.TaskType) == "" {
		return nil, xerrors.New(CodeTaskValidation, "task_type 不能为空")
	}
	if !IsValidFrequency(req.Frequency) {
		return nil, xerrors.New(CodeTaskValidation, "不支持的任务周期")
	}

	taskID := strings.TrimSpace(req.ID)
	if taskID != "" {
		existing, err := s.store.GetTask(ctx, taskID)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrTaskNotFound) {
			return nil, err
		}
	} else {
		taskID = uuid.NewString()
	}

	due := s.clock.Now().UTC().Unix()
	task := &Task{
		ID:            taskID,
		BusinessID:    req.BusinessID,
		BusinessName:  req.BusinessName,
		AgentType:     req.AgentType,
		TaskType:      req.TaskType,
		Frequency:     EffectiveFrequency(req.Frequency, req.BusinessType),
		Status:        StatusPending,
		Parameters:    cloneValues(req.Parameters),
		NextExecution: &due,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			existing, getErr := s.store.GetTask(ctx, taskID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrTaskNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	logger.Audit().Info("任务创建成功",
		slog.String("task_id", task.ID),
		slog.String("business_id", task.BusinessID),
		slog.String("agent_type", task.AgentType),
		slog.String("task_type", task.TaskType),
		slog.String("frequency", string(task.Frequency)),
	)
	return task, nil
}

// GetTask 返回指定任务。
func (s *Service) GetTask(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.GetTask(ctx, id)
}

// ListTasks 返回符合过滤条件的任务列表。
func (s *Service) ListTasks(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.ListTasks(ctx, BuildListOptions(opts...))
}

// UpdateTask 对任务执行部分更新。
func (s *Service) UpdateTask(ctx context.Context, id string, update TaskUpdate) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.UpdateTask(ctx, id, update)
}

// DeleteTask 删除任务。
func (s *Service) DeleteTask(ctx context.Context, id string) error {
	if s.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.DeleteTask(ctx, id)
}

// HandleCallback 处理 Agent 回调：收尾任务、落地结果并驱动目标评估。
// 重复回调遵循先到先得，后续回调返回 ErrResultExists 由调用方确认即可。
func (s *Service) HandleCallback(ctx context.Context, taskID string, result CallbackResult) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}

	now := s.clock.Now().UTC()
	failed := strings.EqualFold(result.Status, "failed") || strings.EqualFold(result.Status, "error")

	var task *Task
	var err error
	if failed {
		reason := "Agent 上报执行失败"
		if message, ok := result.Output["error"].(string); ok && message != "" {
			reason = message
		}
		task, err = s.store.FailTask(ctx, taskID, reason, now)
		if err != nil {
			if stdErrors.Is(err, ErrTaskConflict) {
				return task, ErrResultExists
			}
			return nil, err
		}
	} else {
		task, err = s.store.CompleteTask(ctx, taskID, cloneValues(result.Output), now)
		if err != nil {
			return task, err
		}
	}

	record := &Result{
		ID:         uuid.NewString(),
		TaskID:     task.ID,
		AgentID:    result.AgentID,
		BusinessID: task.BusinessID,
		Status:     string(task.Status),
		Output:     cloneValues(result.Output),
		Timestamp:  now.Unix(),
		CreatedAt:  now.Unix(),
	}
	if err := s.store.CreateResult(ctx, record); err != nil {
		logger.L().Error("写入执行结果失败", slog.Any("error", err), slog.String("task_id", task.ID))
	}

	logger.Audit().Info("回调处理完成",
		slog.String("task_id", task.ID),
		slog.String("business_id", task.BusinessID),
		slog.String("agent_id", result.AgentID),
		slog.String("status", string(task.Status)),
	)

	if s.evaluator != nil && !failed {
		if err := s.evaluator.ApplyResult(ctx, record); err != nil {
			logger.L().Error("目标评估失败", slog.Any("error", err), slog.String("business_id", task.BusinessID))
		}
	}
	return task, nil
}

// CreateGoal 创建一个新目标。
func (s *Service) CreateGoal(ctx context.Context, goal *Goal) (*Goal, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "目标存储未初始化")
	}
	if goal == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "goal 不能为空")
	}
	if strings.TrimSpace(goal.BusinessID) == "" {
		return nil, xerrors.New(CodeGoalValidation, "business_id 不能为空")
	}
	if strings.TrimSpace(goal.GoalType) == "" {
		return nil, xerrors.New(CodeGoalValidation, "goal_type 不能为空")
	}
	if goal.TargetValue <= 0 {
		return nil, xerrors.New(CodeGoalValidation, "目标值必须大于零")
	}
	if goal.ID == "" {
		goal.ID = uuid.NewString()
	}
	if err := s.store.CreateGoal(ctx, goal); err != nil {
		return nil, err
	}
	logger.Audit().Info("目标创建成功",
		slog.String("goal_id", goal.ID),
		slog.String("business_id", goal.BusinessID),
		slog.String("goal_type", goal.GoalType),
		slog.Float64("target_value", goal.TargetValue),
	)
	return goal, nil
}

// ListGoals 返回指定商户的目标列表。
func (s *Service) ListGoals(ctx context.Context, businessID string) ([]*Goal, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "目标存储未初始化")
	}
	return s.store.ListGoals(ctx, businessID)
}

// UpdateGoal 对目标执行部分更新。
func (s *Service) UpdateGoal(ctx context.Context, id string, update GoalUpdate) (*Goal, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "目标存储未初始化")
	}
	return s.store.UpdateGoal(ctx, id, update)
}

// DeleteGoal 删除目标。
func (s *Service) DeleteGoal(ctx context.Context, id string) error {
	if s.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "目标存储未初始化")
	}
	return s.store.DeleteGoal(ctx, id)
}

// CheckGoals 立即重算指定商户的目标状态。
func (s *Service) CheckGoals(ctx context.Context, businessID string) ([]*Goal, error) {
	if s.evaluator == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "目标评估器未初始化")
	}
	return s.evaluator.CheckGoals(ctx, businessID)
}

// ListDispatchLogs 返回指定任务的派发日志。
func (s *Service) ListDispatchLogs(ctx context.Context, taskID string) ([]*DispatchLog, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.ListDispatchLogs(ctx, taskID)
}

// ListResults 返回指定商户的执行结果。
func (s *Service) ListResults(ctx context.Context, businessID string) ([]*Result, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.ListResults(ctx, businessID)
}

// Close 释放底层资源。
func (s *Service) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
