package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"BizMCP/internal/automation"
	"BizMCP/internal/callback"
	"BizMCP/internal/observability/alerting"
)

type recordingAlerter struct {
	events []alerting.Event
}

func (r *recordingAlerter) Notify(_ context.Context, event alerting.Event) error {
	r.events = append(r.events, event)
	return nil
}

func claimedTask(t *testing.T, store automation.Store, id, agentType string, now time.Time) *automation.Task {
	t.Helper()
	due := now.Unix()
	task := &automation.Task{
		ID:            id,
		BusinessID:    "biz-1",
		AgentType:     agentType,
		TaskType:      "campaign_review",
		Frequency:     automation.FrequencyWeekly,
		Status:        automation.StatusPending,
		NextExecution: &due,
	}
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	claimed, err := store.ClaimTask(context.Background(), id, now)
	if err != nil {
		t.Fatalf("claim task: %v", err)
	}
	return claimed
}

func newWorkerEnv(t *testing.T, endpoint string, now time.Time) (*Worker, automation.Store, *recordingAlerter) {
	t.Helper()
	store := automation.NewMemoryStore()
	registry := NewRegistry()
	if endpoint != "" {
		if err := registry.Register(Agent{AgentType: "marketing", Endpoint: endpoint}); err != nil {
			t.Fatalf("register agent: %v", err)
		}
	}
	callbacks, err := callback.NewManager([]byte("worker-test-secret"), "http://bizmcp.local")
	if err != nil {
		t.Fatalf("new callback manager: %v", err)
	}
	clock := &automation.FixedClock{Time: now}
	dispatcher := NewDispatcher(registry, store, callbacks, WithDispatcherClock(clock))
	alerter := &recordingAlerter{}
	worker := NewWorker(dispatcher, store, automation.NewMemoryQueue(4),
		WithAlertDispatcher(alerter),
		WithWorkerClock(clock),
	)
	return worker, store, alerter
}

func TestWorkerDispatchesInProgressTask(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	worker, store, alerter := newWorkerEnv(t, srv.URL, now)
	task := claimedTask(t, store, "task-1", "marketing", now)

	if err := worker.handle(context.Background(), task.ID); err != nil {
		t.Fatalf("handle: %v", err)
	}

	logs, err := store.ListDispatchLogs(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("list dispatch logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Status != automation.DispatchSuccess {
		t.Fatalf("unexpected logs: %+v", logs)
	}
	if len(alerter.events) != 0 {
		t.Fatalf("no alert expected, got %+v", alerter.events)
	}
}

func TestWorkerSkipsNonInProgressTask(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	worker, store, _ := newWorkerEnv(t, "", now)

	due := now.Unix()
	task := &automation.Task{
		ID:            "task-pending",
		BusinessID:    "biz-1",
		AgentType:     "marketing",
		TaskType:      "campaign_review",
		Frequency:     automation.FrequencyWeekly,
		Status:        automation.StatusPending,
		NextExecution: &due,
	}
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	if err := worker.handle(context.Background(), task.ID); err != nil {
		t.Fatalf("handle: %v", err)
	}
	logs, err := store.ListDispatchLogs(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("list dispatch logs: %v", err)
	}
	if len(logs) != 0 {
		t.Fatalf("pending task should not dispatch, got %+v", logs)
	}
}

func TestWorkerMarksTaskFailedAndAlertsOnDispatchFailure(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	// 未注册任何 Agent，派发必然失败。
	worker, store, alerter := newWorkerEnv(t, "", now)
	task := claimedTask(t, store, "task-2", "marketing", now)

	if err := worker.handle(context.Background(), task.ID); err != nil {
		t.Fatalf("handle should swallow dispatch failure: %v", err)
	}

	failed, err := store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if failed.Status != automation.StatusFailed {
		t.Fatalf("expected failed status, got %s", failed.Status)
	}
	if len(alerter.events) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerter.events))
	}
	if alerter.events[0].TaskID != task.ID || alerter.events[0].BusinessID != "biz-1" {
		t.Fatalf("unexpected alert: %+v", alerter.events[0])
	}
}

func TestWorkerIgnoresMissingTask(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	worker, _, _ := newWorkerEnv(t, "", now)
	if err := worker.handle(context.Background(), "missing"); err != nil {
		t.Fatalf("missing task should be skipped: %v", err)
	}
}
