package automation

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"
	"time"

	xerrors "BizMCP/internal/errors"
	"BizMCP/pkg/logger"
)

// claimableStatuses 列出调度器会重新领取的任务状态。
// skipped 任务永久停摆，其余状态只要到期都会再次派发，
// 包括回调始终未到达而滞留在 in_progress 的任务。
var claimableStatuses = []Status{
	StatusPending,
	StatusInProgress,
	StatusCompleted,
	StatusFailed,
}

// fastMovingTightening 针对经营节奏较快的商户类型收紧任务周期。
var fastMovingTightening = map[string]map[Frequency]Frequency{
	"restaurant": {FrequencyWeekly: FrequencyDaily, FrequencyMonthly: FrequencyWeekly},
	"retail":     {FrequencyWeekly: FrequencyDaily, FrequencyMonthly: FrequencyWeekly},
	"ecommerce":  {FrequencyWeekly: FrequencyDaily, FrequencyMonthly: FrequencyWeekly},
}

// EffectiveFrequency 根据商户类型收紧基础周期。未知类型保持原样。
func EffectiveFrequency(base Frequency, businessType string) Frequency {
	table, ok := fastMovingTightening[businessType]
	if !ok {
		return base
	}
	if tightened, ok := table[base]; ok {
		return tightened
	}
	return base
}

// Scheduler 周期性扫描到期任务，领取后投递到派发队列。
type Scheduler struct {
	store    Store
	producer Producer
	interval time.Duration
	batch    int
	clock    Clock
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// SchedulerOption 定义调度器可选配置。
type SchedulerOption func(*Scheduler)

// WithSchedulerInterval 设置扫描周期。
func WithSchedulerInterval(interval time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithSchedulerClock 指定时间来源。
func WithSchedulerClock(clock Clock) SchedulerOption {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithSchedulerLogger 指定日志输出。
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithSchedulerBatchSize 设置单次扫描领取的任务上限。
func WithSchedulerBatchSize(batch int) SchedulerOption {
	return func(s *Scheduler) {
		if batch > 0 {
			s.batch = batch
		}
	}
}

// NewScheduler 构造调度器。
func NewScheduler(store Store, producer Producer, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:    store,
		producer: producer,
		interval: time.Minute,
		batch:    200,
		clock:    SystemClock(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start 启动调度循环。重复调用返回错误。
func (s *Scheduler) Start(ctx context.Context) error {
	if s.store == nil || s.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "调度器未配置存储或队列")
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return xerrors.New(xerrors.CodeConflict, "调度器已在运行")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	s.mu.Unlock()

	go s.run(runCtx)
	logger.L().Info("调度器已启动", slog.Duration("interval", s.interval))
	return nil
}

// Stop 停止调度循环并等待当前扫描结束。重复调用无害。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	<-done
	logger.L().Info("调度器已停止")
}

// Running 报告调度循环是否在运行。
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// 启动后立即执行一次扫描，避免等待整个周期。
	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Tick 立即执行一次扫描，返回本轮成功派发的任务数。
// 调度循环内部也通过它驱动，测试可直接调用。
func (s *Scheduler) Tick(ctx context.Context) int {
	return s.tick(ctx)
}

func (s *Scheduler) tick(ctx context.Context) int {
	now := s.clock.Now().UTC()

	tasks, err := s.store.ListTasks(ctx, BuildListOptions(
		WithStatuses(claimableStatuses...),
		WithDueBefore(now),
		WithLimit(s.batch),
	))
	if err != nil {
		logger.L().Error("扫描到期任务失败", slog.Any("error", err))
		return 0
	}

	dispatched := 0
	for _, task := range tasks {
		select {
		case <-ctx.Done():
			return dispatched
		default:
		}

		claimed, err := s.store.ClaimTask(ctx, task.ID, now)
		if err != nil {
			// 其他实例已抢先领取，或任务状态在扫描后发生变化。
			if stdErrors.Is(err, ErrTaskNotClaimable) || stdErrors.Is(err, ErrTaskNotFound) {
				s.logDebug("跳过任务", slog.String("task_id", task.ID), slog.String("reason", err.Error()))
				continue
			}
			logger.L().Error("领取任务失败", slog.Any("error", err), slog.String("task_id", task.ID))
			continue
		}

		if err := s.producer.Publish(ctx, claimed.ID); err != nil {
			logger.L().Error("投递任务失败", slog.Any("error", err), slog.String("task_id", claimed.ID))
			if _, failErr := s.store.FailTask(ctx, claimed.ID, err.Error(), now); failErr != nil {
				logger.L().Error("回写失败状态出错", slog.Any("error", failErr), slog.String("task_id", claimed.ID))
			}
			continue
		}

		dispatched++
		logger.Audit().Info("任务已进入派发队列",
			slog.String("task_id", claimed.ID),
			slog.String("business_id", claimed.BusinessID),
			slog.String("task_type", claimed.TaskType),
			slog.String("frequency", string(claimed.Frequency)),
		)
	}
	return dispatched
}

func (s *Scheduler) logDebug(msg string, attrs ...slog.Attr) {
	if s.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		s.logger.Debug(msg, args...)
	}
}
