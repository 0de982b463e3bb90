package automation

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	xerrors "BizMCP/internal/errors"
	"BizMCP/internal/observability/alerting"
	"BizMCP/pkg/logger"
)

const (
	// ReanalysisAgentType 是目标恶化时触发的复盘任务的执行方。
	ReanalysisAgentType = "manager"
	// ReanalysisTaskType 是复盘任务的类型标识。
	ReanalysisTaskType = "goal_review"
)

// Evaluator 负责目标进度评估与恶化后的复盘触发。
type Evaluator struct {
	store   Store
	clock   Clock
	alerter alerting.Dispatcher
}

// EvaluatorOption 定义评估器可选配置。
type EvaluatorOption func(*Evaluator)

// WithEvaluatorClock 指定时间来源。
func WithEvaluatorClock(clock Clock) EvaluatorOption {
	return func(e *Evaluator) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithEvaluatorAlerts 配置目标恶化时的告警派发器。
func WithEvaluatorAlerts(dispatcher alerting.Dispatcher) EvaluatorOption {
	return func(e *Evaluator) {
		e.alerter = dispatcher
	}
}

// NewEvaluator 构造评估器。
func NewEvaluator(store Store, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{store: store, clock: SystemClock()}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// CheckGoals 重算指定商户的全部目标状态，必要时触发复盘任务。
// 返回重算后的目标列表。
func (e *Evaluator) CheckGoals(ctx context.Context, businessID string) ([]*Goal, error) {
	goals, err := e.store.ListGoals(ctx, businessID)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now().UTC()
	evaluated := make([]*Goal, 0, len(goals))
	needsReview := false

	for _, goal := range goals {
		next := goal.Evaluate(now)
		if next != goal.Status {
			updated, err := e.store.SetGoalStatus(ctx, goal.ID, next, goal.CurrentValue, now)
			if err != nil {
				logger.L().Error("更新目标状态失败",
					slog.Any("error", err),
					slog.String("goal_id", goal.ID),
				)
				evaluated = append(evaluated, goal)
				continue
			}
			logger.Audit().Info("目标状态变更",
				slog.String("goal_id", goal.ID),
				slog.String("business_id", goal.BusinessID),
				slog.String("goal_type", goal.GoalType),
				slog.String("from", string(goal.Status)),
				slog.String("to", string(next)),
				slog.Float64("progress", goal.Progress()),
			)
			goal = updated
			if goal.IsFailing() {
				e.emitGoalAlert(ctx, goal, now)
			}
		}
		if goal.IsFailing() {
			needsReview = true
		}
		evaluated = append(evaluated, goal)
	}

	if needsReview {
		failing := make([]string, 0, len(evaluated))
		for _, goal := range evaluated {
			if goal.IsFailing() {
				failing = append(failing, goal.GoalType)
			}
		}
		if err := e.triggerReanalysis(ctx, businessID, failing, now); err != nil {
			logger.L().Error("触发复盘任务失败",
				slog.Any("error", err),
				slog.String("business_id", businessID),
			)
		}
	}
	return evaluated, nil
}

// ApplyResult 将执行结果中的指标增量写入对应目标，随后重算该商户的目标状态。
// 结果 output 中的 metric_updates 字段是 goal_type 到数值增量的映射。
func (e *Evaluator) ApplyResult(ctx context.Context, result *Result) error {
	if result == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "result 不能为空")
	}

	updates := metricUpdates(result.Output)
	if len(updates) > 0 {
		goals, err := e.store.ListGoals(ctx, result.BusinessID)
		if err != nil {
			return err
		}
		now := e.clock.Now().UTC()
		for _, goal := range goals {
			delta, ok := updates[goal.GoalType]
			if !ok {
				continue
			}
			value := goal.CurrentValue + delta
			current := &value
			if _, err := e.store.UpdateGoal(ctx, goal.ID, GoalUpdate{CurrentValue: current}); err != nil {
				logger.L().Error("写入目标进度失败",
					slog.Any("error", err),
					slog.String("goal_id", goal.ID),
				)
				continue
			}
			logger.Audit().Info("目标进度更新",
				slog.String("goal_id", goal.ID),
				slog.String("business_id", goal.BusinessID),
				slog.String("goal_type", goal.GoalType),
				slog.Float64("delta", delta),
				slog.Float64("current_value", value),
				slog.Time("at", now),
			)
		}
	}

	_, err := e.CheckGoals(ctx, result.BusinessID)
	return err
}

// triggerReanalysis 为商户创建一个立即到期的复盘任务。
// 同一商户已有未完结的复盘任务时不再重复创建。
func (e *Evaluator) triggerReanalysis(ctx context.Context, businessID string, failing []string, now time.Time) error {
	pending, err := e.store.ListTasks(ctx, BuildListOptions(
		WithBusiness(businessID),
		WithStatuses(StatusPending, StatusInProgress),
	))
	if err != nil {
		return err
	}
	for _, task := range pending {
		if task.TaskType == ReanalysisTaskType {
			return nil
		}
	}

	due := now.Unix()
	task := &Task{
		ID:            uuid.NewString(),
		BusinessID:    businessID,
		AgentType:     ReanalysisAgentType,
		TaskType:      ReanalysisTaskType,
		Frequency:     FrequencyWeekly,
		Status:        StatusPending,
		Parameters:    map[string]any{"failing_goals": failing},
		NextExecution: &due,
	}
	if err := e.store.CreateTask(ctx, task); err != nil {
		return err
	}
	logger.Audit().Warn("目标恶化，已创建复盘任务",
		slog.String("task_id", task.ID),
		slog.String("business_id", businessID),
	)
	return nil
}

// emitGoalAlert 在目标转入恶化状态时发出告警通知。
func (e *Evaluator) emitGoalAlert(ctx context.Context, goal *Goal, now time.Time) {
	if e.alerter == nil {
		return
	}
	event := alerting.Event{
		Code:       CodeGoalDegraded,
		Message:    "目标进度恶化: " + goal.GoalType,
		Severity:   xerrors.SeverityWarning,
		BusinessID: goal.BusinessID,
		Metadata: map[string]string{
			"goal_id":   goal.ID,
			"goal_type": goal.GoalType,
			"status":    string(goal.Status),
		},
		OccurredAt: now,
	}
	if err := e.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("目标告警通知失败",
			slog.Any("error", err),
			slog.String("goal_id", goal.ID),
		)
	}
}

func metricUpdates(output map[string]any) map[string]float64 {
	if output == nil {
		return nil
	}
	raw, ok := output["metric_updates"]
	if !ok {
		return nil
	}
	updates := make(map[string]float64)
	switch values := raw.(type) {
	case map[string]any:
		for key, value := range values {
			if number, ok := asFloat(value); ok {
				updates[key] = number
			}
		}
	case map[string]float64:
		for key, value := range values {
			updates[key] = value
		}
	}
	return updates
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}
