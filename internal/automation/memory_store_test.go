package automation

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"
)

func dueTask(id string, due time.Time) *Task {
	next := due.Unix()
	return &Task{
		ID:            id,
		BusinessID:    "biz-1",
		AgentType:     "marketing",
		TaskType:      "campaign_review",
		Frequency:     FrequencyWeekly,
		Status:        StatusPending,
		NextExecution: &next,
	}
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if err := store.CreateTask(ctx, dueTask("t1", now.Add(-time.Minute))); err != nil {
		t.Fatalf("create task: %v", err)
	}

	claimed, err := store.ClaimTask(ctx, "t1", now)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != StatusInProgress {
		t.Fatalf("expected in_progress, got %s", claimed.Status)
	}
	if claimed.LastExecuted == nil || *claimed.LastExecuted != now.Unix() {
		t.Fatalf("last_executed not set: %+v", claimed.LastExecuted)
	}
	wantNext := now.Add(7 * 24 * time.Hour).Unix()
	if claimed.NextExecution == nil || *claimed.NextExecution != wantNext {
		t.Fatalf("next_execution = %v, want %d", claimed.NextExecution, wantNext)
	}

	// 已顺延到下个周期，立即再领应失败。
	if _, err := store.ClaimTask(ctx, "t1", now); !stdErrors.Is(err, ErrTaskNotClaimable) {
		t.Fatalf("expected ErrTaskNotClaimable, got %v", err)
	}

	done, err := store.CompleteTask(ctx, "t1", map[string]any{"report": "ok"}, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}
	if done.Results["report"] != "ok" {
		t.Fatalf("results not recorded: %+v", done.Results)
	}

	// 重复回调：首个结果生效，后续拒绝。
	if _, err := store.CompleteTask(ctx, "t1", map[string]any{"report": "late"}, now.Add(2*time.Minute)); !stdErrors.Is(err, ErrResultExists) {
		t.Fatalf("expected ErrResultExists, got %v", err)
	}
	latest, err := store.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if latest.Results["report"] != "ok" {
		t.Fatalf("first result should win, got %+v", latest.Results)
	}
}

func TestMemoryStoreClaimRejectsSkippedAndNotDue(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	skipped := dueTask("skipped", now.Add(-time.Hour))
	skipped.Status = StatusSkipped
	if err := store.CreateTask(ctx, skipped); err != nil {
		t.Fatalf("create skipped: %v", err)
	}
	if _, err := store.ClaimTask(ctx, "skipped", now); !stdErrors.Is(err, ErrTaskNotClaimable) {
		t.Fatalf("skipped task should not be claimable, got %v", err)
	}

	future := dueTask("future", now.Add(time.Hour))
	if err := store.CreateTask(ctx, future); err != nil {
		t.Fatalf("create future: %v", err)
	}
	if _, err := store.ClaimTask(ctx, "future", now); !stdErrors.Is(err, ErrTaskNotClaimable) {
		t.Fatalf("future task should not be claimable, got %v", err)
	}

	if _, err := store.ClaimTask(ctx, "missing", now); !stdErrors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestMemoryStoreFailTaskRecordsReason(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if err := store.CreateTask(ctx, dueTask("t1", now.Add(-time.Minute))); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.ClaimTask(ctx, "t1", now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	failed, err := store.FailTask(ctx, "t1", "endpoint unreachable", now)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", failed.Status)
	}
	if failed.Results["last_error"] != "endpoint unreachable" {
		t.Fatalf("failure reason not recorded: %+v", failed.Results)
	}

	// 未处于执行中的任务不能标记失败。
	if _, err := store.FailTask(ctx, "t1", "again", now); !stdErrors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected ErrTaskConflict, got %v", err)
	}
}

func TestMemoryStoreFailTaskPreservesPriorResults(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if err := store.CreateTask(ctx, dueTask("t1", now.Add(-time.Minute))); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.ClaimTask(ctx, "t1", now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.CompleteTask(ctx, "t1", map[string]any{"report": "ok"}, now); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// 下个周期执行失败：历史结果保留，仅追加 last_error。
	nextPeriod := now.Add(7 * 24 * time.Hour)
	if _, err := store.ClaimTask(ctx, "t1", nextPeriod); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	failed, err := store.FailTask(ctx, "t1", "endpoint unreachable", nextPeriod)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.Results["report"] != "ok" {
		t.Fatalf("prior results clobbered: %+v", failed.Results)
	}
	if failed.Results["last_error"] != "endpoint unreachable" {
		t.Fatalf("failure reason missing: %+v", failed.Results)
	}
}

func TestMemoryStoreListTasksDueBefore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if err := store.CreateTask(ctx, dueTask("due-1", now.Add(-2*time.Hour))); err != nil {
		t.Fatalf("create due-1: %v", err)
	}
	if err := store.CreateTask(ctx, dueTask("due-2", now.Add(-time.Hour))); err != nil {
		t.Fatalf("create due-2: %v", err)
	}
	if err := store.CreateTask(ctx, dueTask("later", now.Add(time.Hour))); err != nil {
		t.Fatalf("create later: %v", err)
	}

	due, err := store.ListTasks(ctx, BuildListOptions(WithDueBefore(now)))
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due tasks, got %d", len(due))
	}
	// 默认按 next_execution 升序排列。
	if due[0].ID != "due-1" || due[1].ID != "due-2" {
		t.Fatalf("unexpected order: %s, %s", due[0].ID, due[1].ID)
	}

	pendingOnly, err := store.ListTasks(ctx, BuildListOptions(
		WithStatuses(StatusPending),
		WithBusiness("biz-1"),
	))
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pendingOnly) != 3 {
		t.Fatalf("expected 3 pending tasks, got %d", len(pendingOnly))
	}
}

func TestMemoryStoreDispatchLogTerminalOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	entry := &DispatchLog{
		ID:          "d1",
		TaskID:      "t1",
		AgentID:     "marketing",
		EndpointURL: "http://agent.local/tasks",
		Status:      DispatchAttempting,
		AttemptedAt: time.Now().Unix(),
	}
	if err := store.AppendDispatchLog(ctx, entry); err != nil {
		t.Fatalf("append: %v", err)
	}

	outcome := DispatchOutcome{
		Status:         DispatchSuccess,
		ResponseStatus: 200,
		CompletedAt:    time.Now().Unix(),
	}
	if err := store.CompleteDispatchLog(ctx, "d1", outcome); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// 终态只允许写入一次。
	if err := store.CompleteDispatchLog(ctx, "d1", outcome); err == nil {
		t.Fatal("expected error on second terminal write")
	}

	logs, err := store.ListDispatchLogs(ctx, "t1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(logs) != 1 || logs[0].Status != DispatchSuccess {
		t.Fatalf("unexpected logs: %+v", logs)
	}
}

func TestMemoryStoreGoalRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	goal := &Goal{
		ID:          "g1",
		BusinessID:  "biz-1",
		GoalType:    "monthly_revenue",
		TargetValue: 1000,
		Deadline:    now.AddDate(0, 0, 90).Unix(),
	}
	if err := store.CreateGoal(ctx, goal); err != nil {
		t.Fatalf("create goal: %v", err)
	}

	value := 250.0
	if _, err := store.UpdateGoal(ctx, "g1", GoalUpdate{CurrentValue: &value}); err != nil {
		t.Fatalf("update goal: %v", err)
	}

	updated, err := store.SetGoalStatus(ctx, "g1", GoalAtRisk, 250, now)
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	if updated.Status != GoalAtRisk || updated.CurrentValue != 250 {
		t.Fatalf("unexpected goal: %+v", updated)
	}

	goals, err := store.ListGoals(ctx, "biz-1")
	if err != nil {
		t.Fatalf("list goals: %v", err)
	}
	if len(goals) != 1 {
		t.Fatalf("expected 1 goal, got %d", len(goals))
	}

	if _, err := store.SetGoalStatus(ctx, "g1", GoalStatus("bogus"), 0, now); err == nil {
		t.Fatal("expected error for invalid status")
	}
}
