package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"BizMCP/internal/automation"
	"BizMCP/internal/callback"
	xerrors "BizMCP/internal/errors"
	"BizMCP/internal/observability/metrics"
	"BizMCP/pkg/logger"
)

// maxResponseBodyBytes 限制派发日志中保留的响应体长度。
const maxResponseBodyBytes = 500

// TaskPayload 是发送给 Agent 执行端的请求体。
type TaskPayload struct {
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Params      map[string]any `json:"params,omitempty"`
	CallbackURL string         `json:"callback_url"`
}

// Dispatcher 将已领取的任务通过 HTTP 发送给对应的 Agent 执行端，
// 并以 DispatchLog 记录每次外发的完整轨迹。
type Dispatcher struct {
	registry  *Registry
	store     automation.Store
	callbacks *callback.Manager
	client    *http.Client
	clock     automation.Clock
}

// DispatcherOption 定义派发器可选配置。
type DispatcherOption func(*Dispatcher)

// WithHTTPClient 替换默认的 HTTP 客户端。
func WithHTTPClient(client *http.Client) DispatcherOption {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithDispatcherClock 指定时间来源。
func WithDispatcherClock(clock automation.Clock) DispatcherOption {
	return func(d *Dispatcher) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// NewDispatcher 构造派发器。
func NewDispatcher(registry *Registry, store automation.Store, callbacks *callback.Manager, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry:  registry,
		store:     store,
		callbacks: callbacks,
		client:    &http.Client{Timeout: 30 * time.Second},
		clock:     automation.SystemClock(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Dispatch 把任务发送给其 agent_type 对应的执行端。
// 无论成败都会留下一条派发日志。
func (d *Dispatcher) Dispatch(ctx context.Context, task *automation.Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}

	agent, err := d.registry.Lookup(task.AgentType)
	if err != nil {
		return err
	}

	callbackURL, err := d.callbacks.CallbackURL(task.ID, 0)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeDispatchFailure, err, "生成回调地址失败")
	}

	payload := TaskPayload{
		Type:        task.TaskType,
		Description: describeTask(task),
		Params:      task.Parameters,
		CallbackURL: callbackURL,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeDispatchFailure, err, "编码派发请求失败")
	}

	now := d.clock.Now().UTC()
	entry := &automation.DispatchLog{
		ID:             uuid.NewString(),
		TaskID:         task.ID,
		AgentID:        agent.ID,
		EndpointURL:    agent.Endpoint,
		RequestPayload: string(body),
		Status:         automation.DispatchAttempting,
		AttemptedAt:    now.Unix(),
	}
	if err := d.store.AppendDispatchLog(ctx, entry); err != nil {
		logger.L().Error("写入派发日志失败", slog.Any("error", err), slog.String("task_id", task.ID))
	}

	reqCtx, cancel := context.WithTimeout(ctx, agent.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, agent.Endpoint, bytes.NewReader(body))
	if err != nil {
		metrics.ObserveDispatch(task.AgentType, false)
		return d.fail(ctx, entry, 0, "", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if agent.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+agent.APIKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		metrics.ObserveDispatch(task.AgentType, false)
		return d.fail(ctx, entry, 0, "", err)
	}
	defer resp.Body.Close()

	snippet := readBodySnippet(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.ObserveDispatch(task.AgentType, false)
		return d.fail(ctx, entry, resp.StatusCode, snippet,
			fmt.Errorf("执行端返回状态码 %d", resp.StatusCode))
	}
	metrics.ObserveDispatch(task.AgentType, true)

	completed := d.clock.Now().UTC().Unix()
	if err := d.store.CompleteDispatchLog(ctx, entry.ID, automation.DispatchOutcome{
		Status:         automation.DispatchSuccess,
		ResponseStatus: resp.StatusCode,
		ResponseBody:   snippet,
		CompletedAt:    completed,
	}); err != nil {
		logger.L().Error("更新派发日志失败", slog.Any("error", err), slog.String("task_id", task.ID))
	}

	logger.Audit().Info("任务派发成功",
		slog.String("task_id", task.ID),
		slog.String("agent_id", agent.ID),
		slog.String("endpoint", agent.Endpoint),
		slog.Int("status", resp.StatusCode),
	)
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, entry *automation.DispatchLog, status int, body string, cause error) error {
	completed := d.clock.Now().UTC().Unix()
	if err := d.store.CompleteDispatchLog(ctx, entry.ID, automation.DispatchOutcome{
		Status:         automation.DispatchFailed,
		ResponseStatus: status,
		ResponseBody:   body,
		Error:          cause.Error(),
		CompletedAt:    completed,
	}); err != nil {
		logger.L().Error("更新派发日志失败", slog.Any("error", err), slog.String("task_id", entry.TaskID))
	}
	return xerrors.Wrap(xerrors.CodeDispatchFailure, cause, "任务派发失败")
}

func describeTask(task *automation.Task) string {
	name := task.BusinessName
	if name == "" {
		name = task.BusinessID
	}
	return fmt.Sprintf("为商户 %s 执行 %s 任务", name, task.TaskType)
}

func readBodySnippet(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, maxResponseBodyBytes))
	if err != nil {
		return ""
	}
	return string(raw)
}
