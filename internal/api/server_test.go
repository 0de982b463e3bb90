package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"BizMCP/internal/analysis"
	"BizMCP/internal/automation"
	"BizMCP/internal/callback"
	"BizMCP/internal/dispatch"
)

type testEnv struct {
	store     *automation.MemoryStore
	service   *automation.Service
	callbacks *callback.Manager
	registry  *dispatch.Registry
	server    *httptest.Server
	now       time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &automation.FixedClock{Time: now}

	store := automation.NewMemoryStore()
	evaluator := automation.NewEvaluator(store, automation.WithEvaluatorClock(clock))
	service := automation.NewService(store, evaluator, automation.WithServiceClock(clock))
	analysisSvc := analysis.NewService(service, analysis.WithClock(clock))
	scheduler := automation.NewScheduler(store, automation.NewMemoryQueue(16),
		automation.WithSchedulerClock(clock),
	)
	callbacks, err := callback.NewManager([]byte("api-test-secret"), "http://bizmcp.local")
	if err != nil {
		t.Fatalf("new callback manager: %v", err)
	}

	registry := dispatch.NewRegistry()
	apiServer := NewServer("", service, analysisSvc, scheduler, callbacks, registry)
	server := httptest.NewServer(apiServer.Handler())
	t.Cleanup(server.Close)

	return &testEnv{
		store:     store,
		service:   service,
		callbacks: callbacks,
		registry:  registry,
		server:    server,
		now:       now,
	}
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(e.server.URL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestCreateAndGetTask(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/mcp/task", map[string]any{
		"business_id":   "biz-1",
		"business_name": "测试餐厅",
		"business_type": "restaurant",
		"agent_type":    "marketing",
		"task_type":     "campaign_review",
		"frequency":     "weekly",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	created := decodeJSON[automation.Task](t, resp)
	if created.ID == "" || created.Status != automation.StatusPending {
		t.Fatalf("unexpected task: %+v", created)
	}
	// 餐厅属于快节奏行业，weekly 收紧为 daily。
	if created.Frequency != automation.FrequencyDaily {
		t.Fatalf("expected tightened frequency daily, got %s", created.Frequency)
	}

	getResp, err := http.Get(env.server.URL + "/mcp/task/" + created.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", getResp.StatusCode)
	}
	fetched := decodeJSON[automation.Task](t, getResp)
	if fetched.ID != created.ID {
		t.Fatalf("expected %s, got %s", created.ID, fetched.ID)
	}

	missing, err := http.Get(env.server.URL + "/mcp/task/nope")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.StatusCode)
	}
}

func TestCreateTaskResponseCarriesMintedCallbackURL(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/mcp/task", map[string]any{
		"business_id":   "biz-1",
		"business_name": "测试餐厅",
		"business_type": "restaurant",
		"agent_type":    "marketing",
		"task_type":     "campaign_review",
		"frequency":     "daily",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	created := decodeJSON[struct {
		automation.Task
		CallbackURL string `json:"callback_url"`
	}](t, resp)
	if created.CallbackURL == "" {
		t.Fatal("expected a minted callback_url in the create response")
	}

	parsed, err := url.Parse(created.CallbackURL)
	if err != nil {
		t.Fatalf("parse callback_url: %v", err)
	}
	query := parsed.Query()
	taskID, err := env.callbacks.Verify(
		query.Get("task_id"),
		query.Get("token"),
		query.Get("expires_at"),
		query.Get("signature"),
	)
	if err != nil {
		t.Fatalf("minted callback_url failed verification: %v", err)
	}
	if taskID != created.ID {
		t.Fatalf("callback_url bound to %s, want %s", taskID, created.ID)
	}
}

func TestCreateTaskEchoesSuppliedCallbackURL(t *testing.T) {
	env := newTestEnv(t)

	supplied := "http://agents.example/hooks/campaign"
	resp := env.post(t, "/mcp/task", map[string]any{
		"business_id":   "biz-1",
		"business_name": "测试餐厅",
		"business_type": "restaurant",
		"agent_type":    "marketing",
		"task_type":     "campaign_review",
		"frequency":     "daily",
		"callback_url":  supplied,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	created := decodeJSON[struct {
		automation.Task
		CallbackURL string `json:"callback_url"`
	}](t, resp)
	if created.CallbackURL != supplied {
		t.Fatalf("callback_url = %s, want supplied %s", created.CallbackURL, supplied)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/mcp/task", map[string]any{
		"business_id": "biz-1",
		"agent_type":  "marketing",
		"task_type":   "campaign_review",
		"frequency":   "hourly",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad frequency, got %d", resp.StatusCode)
	}
}

func callbackQuery(t *testing.T, manager *callback.Manager, taskID string) string {
	t.Helper()
	raw, err := manager.CallbackURL(taskID, time.Hour)
	if err != nil {
		t.Fatalf("callback url: %v", err)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse callback url: %v", err)
	}
	return parsed.RawQuery
}

func TestCallbackFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	task, err := env.service.CreateTask(ctx, automation.TaskRequest{
		BusinessID: "biz-1",
		AgentType:  "marketing",
		TaskType:   "campaign_review",
		Frequency:  automation.FrequencyWeekly,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := env.store.ClaimTask(ctx, task.ID, env.now); err != nil {
		t.Fatalf("claim: %v", err)
	}

	query := callbackQuery(t, env.callbacks, task.ID)
	resp := env.post(t, "/mcp/callback?"+query, map[string]any{
		"agent_id": "marketing-agent",
		"status":   "completed",
		"output":   map[string]any{"summary": "done"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	ack := decodeJSON[map[string]any](t, resp)
	if ack["acknowledged"] != true {
		t.Fatalf("expected acknowledgement, got %+v", ack)
	}

	updated, err := env.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if updated.Status != automation.StatusCompleted {
		t.Fatalf("expected completed, got %s", updated.Status)
	}
	if updated.Results["summary"] != "done" {
		t.Fatalf("results not stored: %+v", updated.Results)
	}

	results, err := env.store.ListResults(ctx, "biz-1")
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	if len(results) != 1 || results[0].AgentID != "marketing-agent" {
		t.Fatalf("unexpected results: %+v", results)
	}

	// 重复回调：确认但不覆盖首个结果。
	dup := env.post(t, "/mcp/callback?"+callbackQuery(t, env.callbacks, task.ID), map[string]any{
		"agent_id": "marketing-agent",
		"status":   "completed",
		"output":   map[string]any{"summary": "late"},
	})
	if dup.StatusCode != http.StatusOK {
		t.Fatalf("duplicate callback should be acknowledged, got %d", dup.StatusCode)
	}
	dup.Body.Close()
	latest, err := env.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	if latest.Results["summary"] != "done" {
		t.Fatalf("first result should win: %+v", latest.Results)
	}
}

func TestCallbackRejectsTamperedSignature(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	task, err := env.service.CreateTask(ctx, automation.TaskRequest{
		BusinessID: "biz-1",
		AgentType:  "marketing",
		TaskType:   "campaign_review",
		Frequency:  automation.FrequencyWeekly,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := env.store.ClaimTask(ctx, task.ID, env.now); err != nil {
		t.Fatalf("claim: %v", err)
	}

	query := callbackQuery(t, env.callbacks, task.ID)
	values, err := url.ParseQuery(query)
	if err != nil {
		t.Fatalf("parse query: %v", err)
	}
	signature := values.Get("signature")
	values.Set("signature", flipLastByte(signature))

	resp := env.post(t, "/mcp/callback?"+values.Encode(), map[string]any{
		"agent_id": "marketing-agent",
		"status":   "completed",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	// 校验失败不应触碰任务状态。
	untouched, err := env.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if untouched.Status != automation.StatusInProgress {
		t.Fatalf("task should stay in_progress, got %s", untouched.Status)
	}
}

func flipLastByte(value string) string {
	if value == "" {
		return "x"
	}
	last := value[len(value)-1]
	replacement := byte('A')
	if last == 'A' {
		replacement = 'B'
	}
	return value[:len(value)-1] + string(replacement)
}

func TestRegisterBusinessAndReport(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/automation/register", map[string]any{
		"id":           "biz-9",
		"name":         "测试书店",
		"type":         "retail",
		"capabilities": []string{"marketing", "analytics", "unknown_capability"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	result := decodeJSON[analysis.RegistrationResult](t, resp)
	if len(result.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(result.Tasks))
	}
	if len(result.Goals) == 0 {
		t.Fatal("expected default goals")
	}

	reportResp, err := http.Get(env.server.URL + "/automation/business/biz-9/report")
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if reportResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", reportResp.StatusCode)
	}
	report := decodeJSON[analysis.Report](t, reportResp)
	if report.BusinessID != "biz-9" || len(report.Tasks) != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestCreateBusinessTask(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/automation/business/biz-7/tasks", map[string]any{
		"agent_type": "seo",
		"task_type":  "seo_audit",
		"frequency":  "monthly",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	task := decodeJSON[automation.Task](t, resp)
	if task.BusinessID != "biz-7" || task.TaskType != "seo_audit" {
		t.Fatalf("unexpected task: %+v", task)
	}

	listResp, err := http.Get(env.server.URL + "/automation/business/biz-7/tasks")
	if err != nil {
		t.Fatalf("list business tasks: %v", err)
	}
	tasks := decodeJSON[[]*automation.Task](t, listResp)
	if len(tasks) != 1 || tasks[0].ID != task.ID {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}
}

func TestCheckGoalsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.service.CreateGoal(ctx, &automation.Goal{
		BusinessID:   "biz-1",
		GoalType:     "monthly_revenue",
		TargetValue:  1000,
		CurrentValue: 400,
		Deadline:     env.now.AddDate(0, 0, 20).Unix(),
	}); err != nil {
		t.Fatalf("create goal: %v", err)
	}

	resp := env.post(t, "/automation/business/biz-1/check-goals", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	goals := decodeJSON[[]*automation.Goal](t, resp)
	if len(goals) != 1 || goals[0].Status != automation.GoalAtRisk {
		t.Fatalf("unexpected goals: %+v", goals)
	}
}

func TestSchedulerStartStopEndpoints(t *testing.T) {
	env := newTestEnv(t)

	start := env.post(t, "/automation/start", map[string]any{})
	start.Body.Close()
	if start.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", start.StatusCode)
	}

	// 重复启动应报冲突。
	again := env.post(t, "/automation/start", map[string]any{})
	again.Body.Close()
	if again.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", again.StatusCode)
	}

	stop := env.post(t, "/automation/stop", map[string]any{})
	stop.Body.Close()
	if stop.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", stop.StatusCode)
	}
}

func TestListAgentsHidesAPIKey(t *testing.T) {
	env := newTestEnv(t)
	if err := env.registry.Register(dispatch.Agent{
		AgentType: "marketing",
		Endpoint:  "http://agents.local/marketing",
		APIKey:    "registry-secret",
	}); err != nil {
		t.Fatalf("register agent: %v", err)
	}

	resp, err := http.Get(env.server.URL + "/mcp/agents")
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if strings.Contains(string(raw), "registry-secret") {
		t.Fatal("agent listing must not expose api_key")
	}

	var agents []agentView
	if err := json.Unmarshal(raw, &agents); err != nil {
		t.Fatalf("decode agents: %v", err)
	}
	if len(agents) != 1 {
		t.Fatalf("expected 1 agent, got %d", len(agents))
	}
	if agents[0].ID != "marketing" || agents[0].Endpoint != "http://agents.local/marketing" {
		t.Fatalf("unexpected agent entry: %+v", agents[0])
	}
	if agents[0].TimeoutSeconds != 30 {
		t.Fatalf("expected fallback timeout 30s, got %d", agents[0].TimeoutSeconds)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("unexpected content type: %s", ct)
	}
}
