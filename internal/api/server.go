package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"BizMCP/internal/analysis"
	"BizMCP/internal/automation"
	"BizMCP/internal/callback"
	"BizMCP/internal/dispatch"
	xerrors "BizMCP/internal/errors"
	"BizMCP/internal/observability/metrics"
	"BizMCP/pkg/logger"
)

// Server 暴露任务、回调与商户自动化的 REST 接口。
type Server struct {
	addr      string
	service   *automation.Service
	analysis  *analysis.Service
	scheduler *automation.Scheduler
	callbacks *callback.Manager
	registry  *dispatch.Registry
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, service *automation.Service, analysisSvc *analysis.Service, scheduler *automation.Scheduler, callbacks *callback.Manager, registry *dispatch.Registry) *Server {
	return &Server{
		addr:      addr,
		service:   service,
		analysis:  analysisSvc,
		scheduler: scheduler,
		callbacks: callbacks,
		registry:  registry,
	}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 返回路由好的处理器，测试可直接挂到 httptest.Server。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp/task", s.instrument("task", s.handleTask))
	mux.HandleFunc("/mcp/task/", s.instrument("task_detail", s.handleTaskDetail))
	mux.HandleFunc("/mcp/callback", s.instrument("callback", s.handleCallback))
	mux.HandleFunc("/mcp/agents", s.instrument("agents", s.handleAgents))
	mux.HandleFunc("/automation/register", s.instrument("register", s.handleRegister))
	mux.HandleFunc("/automation/start", s.instrument("scheduler_start", s.handleSchedulerStart))
	mux.HandleFunc("/automation/stop", s.instrument("scheduler_stop", s.handleSchedulerStop))
	mux.HandleFunc("/automation/business/", s.instrument("business", s.handleBusiness))
	mux.HandleFunc("/healthz", s.instrument("healthz", s.handleHealthz))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateTask(w, r)
	case http.MethodGet:
		s.handleListTasks(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

type createTaskRequest struct {
	ID           string         `json:"id"`
	BusinessID   string         `json:"business_id"`
	BusinessName string         `json:"business_name"`
	BusinessType string         `json:"business_type"`
	AgentType    string         `json:"agent_type"`
	TaskType     string         `json:"task_type"`
	Frequency    string         `json:"frequency"`
	Parameters   map[string]any `json:"parameters"`
	CallbackURL  string         `json:"callback_url"`
}

type createTaskResponse struct {
	*automation.Task
	CallbackURL string `json:"callback_url"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}

	task, err := s.service.CreateTask(r.Context(), automation.TaskRequest{
		ID:           req.ID,
		BusinessID:   req.BusinessID,
		BusinessName: req.BusinessName,
		BusinessType: req.BusinessType,
		AgentType:    req.AgentType,
		TaskType:     req.TaskType,
		Frequency:    automation.Frequency(req.Frequency),
		Parameters:   req.Parameters,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	// 未提供 callback_url 时由系统签发首个执行周期可用的回调地址。
	callbackURL := req.CallbackURL
	if callbackURL == "" {
		callbackURL, err = s.callbacks.CallbackURL(task.ID, 0)
		if err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, createTaskResponse{Task: task, CallbackURL: callbackURL})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	opts := make([]automation.ListOption, 0, 3)
	query := r.URL.Query()
	if business := query.Get("business_id"); business != "" {
		opts = append(opts, automation.WithBusiness(business))
	}
	if status := query.Get("status"); status != "" {
		opts = append(opts, automation.WithStatuses(automation.Status(status)))
	}
	if raw := query.Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, automation.WithLimit(limit))
		}
	}

	tasks, err := s.service.ListTasks(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/mcp/task/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少任务 ID"))
		return
	}
	taskID := parts[0]

	if len(parts) == 2 && parts[1] == "dispatches" {
		if r.Method != http.MethodGet {
			http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
			return
		}
		logs, err := s.service.ListDispatchLogs(r.Context(), taskID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, logs)
		return
	}

	switch r.Method {
	case http.MethodGet:
		task, err := s.service.GetTask(r.Context(), taskID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case http.MethodPatch, http.MethodPut:
		var update automation.TaskUpdate
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
			return
		}
		task, err := s.service.UpdateTask(r.Context(), taskID, update)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case http.MethodDelete:
		if err := s.service.DeleteTask(r.Context(), taskID); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "仅支持 GET/PATCH/DELETE", http.StatusMethodNotAllowed)
	}
}

type agentView struct {
	ID             string `json:"id"`
	AgentType      string `json:"agent_type"`
	Endpoint       string `json:"endpoint"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// handleAgents 列出注册表中的执行端，api_key 不出现在响应里。
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	agents := s.registry.List()
	views := make([]agentView, 0, len(agents))
	for _, agent := range agents {
		views = append(views, agentView{
			ID:             agent.ID,
			AgentType:      agent.AgentType,
			Endpoint:       agent.Endpoint,
			TimeoutSeconds: int(agent.Timeout() / time.Second),
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].AgentType < views[j].AgentType })
	writeJSON(w, http.StatusOK, views)
}

type callbackRequest struct {
	AgentID string         `json:"agent_id"`
	Status  string         `json:"status"`
	Output  map[string]any `json:"output"`
}

// handleCallback 处理 Agent 的结果回调。签名、有效期任一校验失败都返回 401，
// 不触碰任何任务状态。
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	taskID, err := s.callbacks.Verify(
		query.Get("task_id"),
		query.Get("token"),
		query.Get("expires_at"),
		query.Get("signature"),
	)
	if err != nil {
		logger.L().Warn("回调校验失败",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error": "回调校验失败",
			"code":  string(xerrors.CodeOf(err)),
		})
		return
	}

	var req callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}

	task, err := s.service.HandleCallback(r.Context(), taskID, automation.CallbackResult{
		AgentID: req.AgentID,
		Status:  req.Status,
		Output:  req.Output,
	})
	if err != nil {
		// 重复回调遵循先到先得，这里只做确认。
		if stdErrors.Is(err, automation.ErrResultExists) {
			writeJSON(w, http.StatusOK, map[string]any{
				"acknowledged": true,
				"task":         task,
			})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"acknowledged": true,
		"task":         task,
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var business analysis.Business
	if err := json.NewDecoder(r.Body).Decode(&business); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}
	result, err := s.analysis.RegisterBusiness(r.Context(), business)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleSchedulerStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.scheduler == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "调度器未初始化"))
		return
	}
	if err := s.scheduler.Start(context.WithoutCancel(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"running": true})
}

func (s *Server) handleSchedulerStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.scheduler == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "调度器未初始化"))
		return
	}
	s.scheduler.Stop()
	writeJSON(w, http.StatusOK, map[string]bool{"running": false})
}

// handleBusiness 分发 /automation/business/{id}/... 下的子资源。
func (s *Server) handleBusiness(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/automation/business/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) < 2 || parts[0] == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "路径格式应为 /automation/business/{id}/{resource}"))
		return
	}
	businessID, resource := parts[0], parts[1]

	switch resource {
	case "tasks":
		s.handleBusinessTasks(w, r, businessID)
	case "goals":
		s.handleBusinessGoals(w, r, businessID)
	case "check-goals":
		if r.Method != http.MethodPost {
			http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
			return
		}
		goals, err := s.service.CheckGoals(r.Context(), businessID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, goals)
	case "report":
		if r.Method != http.MethodGet {
			http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
			return
		}
		report, err := s.analysis.BuildReport(r.Context(), businessID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	default:
		writeError(w, xerrors.New(xerrors.CodeNotFound, "未知资源"))
	}
}

func (s *Server) handleBusinessTasks(w http.ResponseWriter, r *http.Request, businessID string) {
	switch r.Method {
	case http.MethodGet:
		tasks, err := s.service.ListTasks(r.Context(), automation.WithBusiness(businessID))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tasks)
	case http.MethodPost:
		var req createTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
			return
		}
		task, err := s.service.CreateTask(r.Context(), automation.TaskRequest{
			ID:           req.ID,
			BusinessID:   businessID,
			BusinessName: req.BusinessName,
			BusinessType: req.BusinessType,
			AgentType:    req.AgentType,
			TaskType:     req.TaskType,
			Frequency:    automation.Frequency(req.Frequency),
			Parameters:   req.Parameters,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, task)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

type createGoalRequest struct {
	GoalType    string  `json:"goal_type"`
	TargetValue float64 `json:"target_value"`
	Deadline    int64   `json:"deadline"`
}

func (s *Server) handleBusinessGoals(w http.ResponseWriter, r *http.Request, businessID string) {
	switch r.Method {
	case http.MethodGet:
		goals, err := s.service.ListGoals(r.Context(), businessID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, goals)
	case http.MethodPost:
		var req createGoalRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
			return
		}
		goal, err := s.service.CreateGoal(r.Context(), &automation.Goal{
			BusinessID:  businessID,
			GoalType:    req.GoalType,
			TargetValue: req.TargetValue,
			Deadline:    req.Deadline,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, goal)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// instrument 记录每个接口的请求量与时延。
func (s *Server) instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 按错误码映射 HTTP 状态并输出统一的错误结构。
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case xerrors.CodeInvalidArgument,
		automation.CodeTaskValidation,
		automation.CodeGoalValidation,
		analysis.CodeBusinessValidation:
		status = http.StatusBadRequest
	case xerrors.CodeNotFound,
		automation.CodeTaskNotFound,
		automation.CodeGoalNotFound,
		dispatch.CodeAgentNotFound:
		status = http.StatusNotFound
	case xerrors.CodeConflict,
		automation.CodeTaskConflict,
		automation.CodeResultExists:
		status = http.StatusConflict
	case xerrors.CodeUnauthorized,
		callback.CodeCallbackInvalid,
		callback.CodeCallbackExpired:
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  string(code),
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
