package analysis

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"BizMCP/internal/automation"
	xerrors "BizMCP/internal/errors"
	"BizMCP/pkg/logger"
)

// 商户注册相关错误码
const (
	CodeBusinessValidation xerrors.Code = "BUSINESS_VALIDATION_FAILED"
)

func init() {
	xerrors.Register(CodeBusinessValidation, xerrors.Attributes{
		Message:   "商户注册参数无效",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
	})
}

// Business 描述一个接入自动化的商户。
type Business struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Capabilities []string `json:"capabilities"`
}

// capabilityPlan 定义某项能力对应的周期任务。
type capabilityPlan struct {
	AgentType string
	TaskType  string
	Frequency automation.Frequency
}

// capabilityPlans 是能力到任务模板的映射。注册商户时按能力逐项建任务。
var capabilityPlans = map[string]capabilityPlan{
	"marketing": {AgentType: "marketing", TaskType: "campaign_review", Frequency: automation.FrequencyWeekly},
	"content":   {AgentType: "content", TaskType: "content_refresh", Frequency: automation.FrequencyWeekly},
	"seo":       {AgentType: "seo", TaskType: "seo_audit", Frequency: automation.FrequencyMonthly},
	"analytics": {AgentType: "analytics", TaskType: "performance_report", Frequency: automation.FrequencyWeekly},
	"social":    {AgentType: "social", TaskType: "social_engagement", Frequency: automation.FrequencyDaily},
}

// goalTemplate 定义注册时自动创建的默认目标。
type goalTemplate struct {
	GoalType     string
	TargetValue  float64
	DeadlineDays int
}

// defaultGoals 按商户类型给出默认目标，未知类型使用 generic 模板。
var defaultGoals = map[string][]goalTemplate{
	"restaurant": {
		{GoalType: "monthly_revenue", TargetValue: 50000, DeadlineDays: 90},
		{GoalType: "repeat_customers", TargetValue: 200, DeadlineDays: 90},
	},
	"retail": {
		{GoalType: "monthly_revenue", TargetValue: 80000, DeadlineDays: 90},
		{GoalType: "inventory_turnover", TargetValue: 6, DeadlineDays: 180},
	},
	"ecommerce": {
		{GoalType: "monthly_revenue", TargetValue: 100000, DeadlineDays: 90},
		{GoalType: "conversion_rate", TargetValue: 3, DeadlineDays: 120},
	},
	"generic": {
		{GoalType: "monthly_revenue", TargetValue: 30000, DeadlineDays: 90},
	},
}

// Service 负责商户接入与经营报表聚合。
type Service struct {
	automation *automation.Service
	clock      automation.Clock
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithClock 指定时间来源。
func WithClock(clock automation.Clock) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewService 构造分析服务。
func NewService(auto *automation.Service, opts ...ServiceOption) *Service {
	s := &Service{automation: auto, clock: automation.SystemClock()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// RegistrationResult 汇总注册时创建的任务与目标。
type RegistrationResult struct {
	Business Business           `json:"business"`
	Tasks    []*automation.Task `json:"tasks"`
	Goals    []*automation.Goal `json:"goals"`
}

// RegisterBusiness 为商户按能力建立周期任务，并按类型创建默认目标。
// 已有同 ID 任务的能力不会重复建任务。
func (s *Service) RegisterBusiness(ctx context.Context, business Business) (*RegistrationResult, error) {
	if s.automation == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "自动化服务未初始化")
	}
	if strings.TrimSpace(business.ID) == "" {
		return nil, xerrors.New(CodeBusinessValidation, "商户 ID 不能为空")
	}
	if strings.TrimSpace(business.Name) == "" {
		return nil, xerrors.New(CodeBusinessValidation, "商户名称不能为空")
	}
	if len(business.Capabilities) == 0 {
		return nil, xerrors.New(CodeBusinessValidation, "至少需要一项能力")
	}

	result := &RegistrationResult{Business: business}
	for _, capability := range business.Capabilities {
		plan, ok := capabilityPlans[capability]
		if !ok {
			logger.L().Warn("忽略未知能力",
				slog.String("business_id", business.ID),
				slog.String("capability", capability),
			)
			continue
		}
		task, err := s.automation.CreateTask(ctx, automation.TaskRequest{
			ID:           provisionedTaskID(business.ID, plan.TaskType),
			BusinessID:   business.ID,
			BusinessName: business.Name,
			BusinessType: business.Type,
			AgentType:    plan.AgentType,
			TaskType:     plan.TaskType,
			Frequency:    plan.Frequency,
		})
		if err != nil {
			return nil, err
		}
		result.Tasks = append(result.Tasks, task)
	}
	if len(result.Tasks) == 0 {
		return nil, xerrors.New(CodeBusinessValidation, "没有可识别的能力")
	}

	templates, ok := defaultGoals[business.Type]
	if !ok {
		templates = defaultGoals["generic"]
	}
	now := s.clock.Now().UTC()
	existing, err := s.automation.ListGoals(ctx, business.ID)
	if err != nil {
		return nil, err
	}
	existingTypes := make(map[string]bool, len(existing))
	for _, goal := range existing {
		existingTypes[goal.GoalType] = true
	}
	for _, template := range templates {
		if existingTypes[template.GoalType] {
			continue
		}
		goal, err := s.automation.CreateGoal(ctx, &automation.Goal{
			ID:          uuid.NewString(),
			BusinessID:  business.ID,
			GoalType:    template.GoalType,
			TargetValue: template.TargetValue,
			Deadline:    now.AddDate(0, 0, template.DeadlineDays).Unix(),
			Status:      automation.GoalOnTrack,
		})
		if err != nil {
			return nil, err
		}
		result.Goals = append(result.Goals, goal)
	}

	logger.Audit().Info("商户注册完成",
		slog.String("business_id", business.ID),
		slog.String("business_type", business.Type),
		slog.Int("tasks", len(result.Tasks)),
		slog.Int("goals", len(result.Goals)),
	)
	return result, nil
}

// Report 汇总一个商户的任务、目标与最近的执行结果。
type Report struct {
	BusinessID  string               `json:"business_id"`
	GeneratedAt int64                `json:"generated_at"`
	Tasks       []*automation.Task   `json:"tasks"`
	Goals       []*automation.Goal   `json:"goals"`
	Results     []*automation.Result `json:"results"`
	TaskCounts  map[string]int       `json:"task_counts"`
	GoalCounts  map[string]int       `json:"goal_counts"`
}

// BuildReport 聚合商户的经营概览。
func (s *Service) BuildReport(ctx context.Context, businessID string) (*Report, error) {
	if s.automation == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "自动化服务未初始化")
	}
	if strings.TrimSpace(businessID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "business_id 不能为空")
	}

	tasks, err := s.automation.ListTasks(ctx, automation.WithBusiness(businessID))
	if err != nil {
		return nil, err
	}
	goals, err := s.automation.ListGoals(ctx, businessID)
	if err != nil {
		return nil, err
	}
	results, err := s.automation.ListResults(ctx, businessID)
	if err != nil {
		return nil, err
	}

	report := &Report{
		BusinessID:  businessID,
		GeneratedAt: s.clock.Now().UTC().Unix(),
		Tasks:       tasks,
		Goals:       goals,
		Results:     results,
		TaskCounts:  make(map[string]int),
		GoalCounts:  make(map[string]int),
	}
	for _, task := range tasks {
		report.TaskCounts[string(task.Status)]++
	}
	for _, goal := range goals {
		report.GoalCounts[string(goal.Status)]++
	}
	return report, nil
}

func provisionedTaskID(businessID, taskType string) string {
	return businessID + ":" + taskType
}
