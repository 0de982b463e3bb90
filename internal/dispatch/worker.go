package dispatch

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"BizMCP/internal/automation"
	xerrors "BizMCP/internal/errors"
	"BizMCP/internal/observability/alerting"
	"BizMCP/pkg/logger"
)

// Worker 从派发队列消费任务 ID，查出任务后交给 Dispatcher 外发。
type Worker struct {
	dispatcher  *Dispatcher
	store       automation.Store
	consumer    automation.Consumer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	clock       automation.Clock
}

// WorkerOption 定义可选配置。
type WorkerOption func(*Worker)

// WithWorkerLogger 指定日志输出。
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) WorkerOption {
	return func(w *Worker) {
		if workers > 0 {
			w.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) WorkerOption {
	return func(w *Worker) {
		w.alerter = dispatcher
	}
}

// WithWorkerClock 指定时间来源。
func WithWorkerClock(clock automation.Clock) WorkerOption {
	return func(w *Worker) {
		if clock != nil {
			w.clock = clock
		}
	}
}

// NewWorker 构造派发消费者。
func NewWorker(dispatcher *Dispatcher, store automation.Store, consumer automation.Consumer, opts ...WorkerOption) *Worker {
	w := &Worker{
		dispatcher:  dispatcher,
		store:       store,
		consumer:    consumer,
		workerCount: 1,
		clock:       automation.SystemClock(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	if w.workerCount <= 0 {
		w.workerCount = 1
	}
	return w
}

// Start 启动派发消费循环，直到上下文取消。
func (w *Worker) Start(ctx context.Context) error {
	if w.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置派发消费者")
	}
	return w.consumer.Consume(ctx, w.workerCount, w.handle)
}

func (w *Worker) handle(ctx context.Context, taskID string) error {
	if w.store == nil || w.dispatcher == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "派发消费者未初始化")
	}

	task, err := w.store.GetTask(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, automation.ErrTaskNotFound) {
			w.logDebug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("查询任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		return err
	}
	// 队列消息可能滞后于状态，只有执行中的任务才值得外发。
	if task.Status != automation.StatusInProgress {
		w.logDebug("跳过任务",
			slog.String("task_id", taskID),
			slog.String("status", string(task.Status)),
		)
		return nil
	}

	if err := w.dispatcher.Dispatch(ctx, task); err != nil {
		return w.handleDispatchFailure(ctx, task, err)
	}
	return nil
}

func (w *Worker) handleDispatchFailure(ctx context.Context, task *automation.Task, cause error) error {
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = xerrors.CodeDispatchFailure
	}

	if _, err := w.store.FailTask(ctx, task.ID, cause.Error(), w.clock.Now().UTC()); err != nil {
		if !stdErrors.Is(err, automation.ErrTaskConflict) {
			logger.L().Error("标记任务失败状态出错", slog.Any("error", err), slog.String("task_id", task.ID))
			return err
		}
	}
	logger.Audit().Warn("任务派发失败",
		slog.String("task_id", task.ID),
		slog.String("business_id", task.BusinessID),
		slog.String("agent_type", task.AgentType),
		slog.String("error", cause.Error()),
		slog.String("error_code", string(code)),
	)
	w.emitAlert(ctx, task, code, cause)
	return nil
}

func (w *Worker) logDebug(msg string, attrs ...slog.Attr) {
	if w.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		w.logger.Debug(msg, args...)
	}
}

func (w *Worker) emitAlert(ctx context.Context, task *automation.Task, code xerrors.Code, cause error) {
	if w == nil || w.alerter == nil || task == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"task_type": task.TaskType,
	}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		TaskID:     task.ID,
		BusinessID: task.BusinessID,
		AgentType:  task.AgentType,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := w.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
		)
	}
}
