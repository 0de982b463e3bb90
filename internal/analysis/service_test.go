package analysis

import (
	"context"
	"testing"
	"time"

	"BizMCP/internal/automation"
)

func newTestService(t *testing.T) (*Service, *automation.MemoryStore, time.Time) {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &automation.FixedClock{Time: now}
	store := automation.NewMemoryStore()
	evaluator := automation.NewEvaluator(store, automation.WithEvaluatorClock(clock))
	autoSvc := automation.NewService(store, evaluator, automation.WithServiceClock(clock))
	return NewService(autoSvc, WithClock(clock)), store, now
}

func TestRegisterBusinessCreatesTasksAndGoals(t *testing.T) {
	service, store, now := newTestService(t)
	ctx := context.Background()

	result, err := service.RegisterBusiness(ctx, Business{
		ID:           "biz-1",
		Name:         "测试餐厅",
		Type:         "restaurant",
		Capabilities: []string{"marketing", "social", "bogus"},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(result.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(result.Tasks))
	}

	byType := make(map[string]*automation.Task, len(result.Tasks))
	for _, task := range result.Tasks {
		byType[task.TaskType] = task
	}
	campaign, ok := byType["campaign_review"]
	if !ok {
		t.Fatalf("campaign_review task missing: %+v", byType)
	}
	// 餐厅属于快节奏行业，weekly 收紧为 daily。
	if campaign.Frequency != automation.FrequencyDaily {
		t.Fatalf("expected daily, got %s", campaign.Frequency)
	}
	if campaign.NextExecution == nil || *campaign.NextExecution > now.Unix() {
		t.Fatalf("new task should be due immediately: %+v", campaign.NextExecution)
	}

	goals, err := store.ListGoals(ctx, "biz-1")
	if err != nil {
		t.Fatalf("list goals: %v", err)
	}
	if len(goals) != 2 {
		t.Fatalf("expected 2 default goals for restaurant, got %d", len(goals))
	}
	for _, goal := range goals {
		if goal.Status != automation.GoalOnTrack {
			t.Fatalf("new goal should start on_track: %+v", goal)
		}
	}
}

func TestRegisterBusinessIsIdempotent(t *testing.T) {
	service, store, _ := newTestService(t)
	ctx := context.Background()

	business := Business{
		ID:           "biz-1",
		Name:         "测试书店",
		Type:         "retail",
		Capabilities: []string{"marketing", "analytics"},
	}
	if _, err := service.RegisterBusiness(ctx, business); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := service.RegisterBusiness(ctx, business); err != nil {
		t.Fatalf("second register: %v", err)
	}

	tasks, err := store.ListTasks(ctx, automation.BuildListOptions(automation.WithBusiness("biz-1")))
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("tasks should not be duplicated, got %d", len(tasks))
	}

	goals, err := store.ListGoals(ctx, "biz-1")
	if err != nil {
		t.Fatalf("list goals: %v", err)
	}
	if len(goals) != 2 {
		t.Fatalf("goals should not be duplicated, got %d", len(goals))
	}
}

func TestRegisterBusinessValidation(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		business Business
	}{
		{name: "missing id", business: Business{Name: "x", Capabilities: []string{"marketing"}}},
		{name: "missing name", business: Business{ID: "b", Capabilities: []string{"marketing"}}},
		{name: "no capabilities", business: Business{ID: "b", Name: "x"}},
		{name: "only unknown capabilities", business: Business{ID: "b", Name: "x", Capabilities: []string{"bogus"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := service.RegisterBusiness(ctx, tc.business); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestBuildReportAggregatesCounts(t *testing.T) {
	service, store, now := newTestService(t)
	ctx := context.Background()

	if _, err := service.RegisterBusiness(ctx, Business{
		ID:           "biz-1",
		Name:         "测试餐厅",
		Type:         "restaurant",
		Capabilities: []string{"marketing"},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// 领取并完成一个任务，让报表里出现 completed 计数。
	tasks, err := store.ListTasks(ctx, automation.BuildListOptions(automation.WithBusiness("biz-1")))
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if _, err := store.ClaimTask(ctx, tasks[0].ID, now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.CompleteTask(ctx, tasks[0].ID, map[string]any{"ok": true}, now); err != nil {
		t.Fatalf("complete: %v", err)
	}

	report, err := service.BuildReport(ctx, "biz-1")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.TaskCounts["completed"] != 1 {
		t.Fatalf("unexpected task counts: %+v", report.TaskCounts)
	}
	if report.GoalCounts["on_track"] != 2 {
		t.Fatalf("unexpected goal counts: %+v", report.GoalCounts)
	}
}
