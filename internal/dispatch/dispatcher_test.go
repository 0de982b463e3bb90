package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"BizMCP/internal/automation"
	"BizMCP/internal/callback"
)

func testTask(now time.Time) *automation.Task {
	next := now.Unix()
	return &automation.Task{
		ID:            "task-1",
		BusinessID:    "biz-1",
		BusinessName:  "测试餐厅",
		AgentType:     "marketing",
		TaskType:      "campaign_review",
		Frequency:     automation.FrequencyWeekly,
		Status:        automation.StatusInProgress,
		Parameters:    map[string]any{"budget": 500.0},
		NextExecution: &next,
	}
}

func newTestManager(t *testing.T) *callback.Manager {
	t.Helper()
	manager, err := callback.NewManager([]byte("test-secret"), "http://bizmcp.local")
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return manager
}

func TestDispatcherSendsTaskPayload(t *testing.T) {
	var received TaskPayload
	var authHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	store := automation.NewMemoryStore()
	registry := NewRegistry()
	if err := registry.Register(Agent{
		ID:        "marketing-agent",
		AgentType: "marketing",
		Endpoint:  server.URL,
		APIKey:    "sekrit",
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	dispatcher := NewDispatcher(registry, store, newTestManager(t),
		WithDispatcherClock(&automation.FixedClock{Time: now}),
	)

	task := testTask(now)
	if err := dispatcher.Dispatch(context.Background(), task); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if authHeader != "Bearer sekrit" {
		t.Fatalf("unexpected auth header: %q", authHeader)
	}
	if received.Type != "campaign_review" {
		t.Fatalf("unexpected payload type: %q", received.Type)
	}
	if !strings.Contains(received.CallbackURL, "/mcp/callback?") {
		t.Fatalf("callback url missing: %q", received.CallbackURL)
	}
	for _, param := range []string{"task_id=", "token=", "expires_at=", "signature="} {
		if !strings.Contains(received.CallbackURL, param) {
			t.Fatalf("callback url missing %s: %q", param, received.CallbackURL)
		}
	}

	logs, err := store.ListDispatchLogs(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected 1 dispatch log, got %d", len(logs))
	}
	if logs[0].Status != automation.DispatchSuccess || logs[0].ResponseStatus != http.StatusAccepted {
		t.Fatalf("unexpected log: %+v", logs[0])
	}
	if logs[0].AgentID != "marketing-agent" || logs[0].EndpointURL != server.URL {
		t.Fatalf("log missing agent info: %+v", logs[0])
	}
}

func TestDispatcherRecordsFailureOnServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "agent exploded", http.StatusInternalServerError)
	}))
	defer server.Close()

	store := automation.NewMemoryStore()
	registry := NewRegistry()
	if err := registry.Register(Agent{AgentType: "marketing", Endpoint: server.URL}); err != nil {
		t.Fatalf("register: %v", err)
	}

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	dispatcher := NewDispatcher(registry, store, newTestManager(t),
		WithDispatcherClock(&automation.FixedClock{Time: now}),
	)

	if err := dispatcher.Dispatch(context.Background(), testTask(now)); err == nil {
		t.Fatal("expected dispatch error")
	}

	logs, err := store.ListDispatchLogs(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected 1 dispatch log, got %d", len(logs))
	}
	entry := logs[0]
	if entry.Status != automation.DispatchFailed || entry.ResponseStatus != http.StatusInternalServerError {
		t.Fatalf("unexpected log: %+v", entry)
	}
	if !strings.Contains(entry.ResponseBody, "agent exploded") {
		t.Fatalf("response body not captured: %q", entry.ResponseBody)
	}
	if entry.Error == "" {
		t.Fatal("error message should be recorded")
	}
}

func TestDispatcherTruncatesLongResponseBody(t *testing.T) {
	long := strings.Repeat("x", 2000)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(long))
	}))
	defer server.Close()

	store := automation.NewMemoryStore()
	registry := NewRegistry()
	if err := registry.Register(Agent{AgentType: "marketing", Endpoint: server.URL}); err != nil {
		t.Fatalf("register: %v", err)
	}

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	dispatcher := NewDispatcher(registry, store, newTestManager(t),
		WithDispatcherClock(&automation.FixedClock{Time: now}),
	)
	if err := dispatcher.Dispatch(context.Background(), testTask(now)); err == nil {
		t.Fatal("expected dispatch error")
	}

	logs, err := store.ListDispatchLogs(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs[0].ResponseBody) > maxResponseBodyBytes {
		t.Fatalf("response body not truncated: %d bytes", len(logs[0].ResponseBody))
	}
}

func TestDispatcherUnknownAgentType(t *testing.T) {
	store := automation.NewMemoryStore()
	registry := NewRegistry()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	dispatcher := NewDispatcher(registry, store, newTestManager(t))

	if err := dispatcher.Dispatch(context.Background(), testTask(now)); err == nil {
		t.Fatal("expected lookup error")
	}
	// 未找到执行端时不应留下派发日志。
	logs, err := store.ListDispatchLogs(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 0 {
		t.Fatalf("expected no logs, got %d", len(logs))
	}
}
