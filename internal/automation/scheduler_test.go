package automation

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingProducer struct {
	mu        sync.Mutex
	published []string
	fail      bool
}

func (p *recordingProducer) Publish(_ context.Context, taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return context.DeadlineExceeded
	}
	p.published = append(p.published, taskID)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

func (p *recordingProducer) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.published...)
}

func TestSchedulerTickDispatchesDueTasks(t *testing.T) {
	store := NewMemoryStore()
	producer := &recordingProducer{}
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if err := store.CreateTask(ctx, dueTask("due", now.Add(-time.Minute))); err != nil {
		t.Fatalf("create due: %v", err)
	}
	if err := store.CreateTask(ctx, dueTask("later", now.Add(time.Hour))); err != nil {
		t.Fatalf("create later: %v", err)
	}
	skipped := dueTask("skipped", now.Add(-time.Minute))
	skipped.Status = StatusSkipped
	if err := store.CreateTask(ctx, skipped); err != nil {
		t.Fatalf("create skipped: %v", err)
	}

	scheduler := NewScheduler(store, producer,
		WithSchedulerClock(&FixedClock{Time: now}),
	)

	if got := scheduler.Tick(ctx); got != 1 {
		t.Fatalf("expected 1 dispatched, got %d", got)
	}
	if ids := producer.ids(); len(ids) != 1 || ids[0] != "due" {
		t.Fatalf("unexpected published ids: %v", ids)
	}

	claimed, err := store.GetTask(ctx, "due")
	if err != nil {
		t.Fatalf("get due: %v", err)
	}
	if claimed.Status != StatusInProgress {
		t.Fatalf("expected in_progress, got %s", claimed.Status)
	}

	// 下个周期之前再扫一次，没有新任务可派。
	if got := scheduler.Tick(ctx); got != 0 {
		t.Fatalf("expected 0 dispatched on second tick, got %d", got)
	}
}

func TestSchedulerTickReclaimsStaleInProgress(t *testing.T) {
	store := NewMemoryStore()
	producer := &recordingProducer{}
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if err := store.CreateTask(ctx, dueTask("stale", now.Add(-8*24*time.Hour))); err != nil {
		t.Fatalf("create: %v", err)
	}
	// 上个周期被领取但回调始终没有到达。
	if _, err := store.ClaimTask(ctx, "stale", now.Add(-8*24*time.Hour)); err != nil {
		t.Fatalf("claim: %v", err)
	}

	scheduler := NewScheduler(store, producer,
		WithSchedulerClock(&FixedClock{Time: now}),
	)
	if got := scheduler.Tick(ctx); got != 1 {
		t.Fatalf("stale in_progress task should be re-dispatched, got %d", got)
	}
}

func TestSchedulerPublishFailureMarksTaskFailed(t *testing.T) {
	store := NewMemoryStore()
	producer := &recordingProducer{fail: true}
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if err := store.CreateTask(ctx, dueTask("due", now.Add(-time.Minute))); err != nil {
		t.Fatalf("create: %v", err)
	}

	scheduler := NewScheduler(store, producer,
		WithSchedulerClock(&FixedClock{Time: now}),
	)
	if got := scheduler.Tick(ctx); got != 0 {
		t.Fatalf("expected 0 dispatched, got %d", got)
	}

	task, err := store.GetTask(ctx, "due")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != StatusFailed {
		t.Fatalf("expected failed after publish error, got %s", task.Status)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	store := NewMemoryStore()
	producer := &recordingProducer{}

	scheduler := NewScheduler(store, producer,
		WithSchedulerInterval(10*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := scheduler.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !scheduler.Running() {
		t.Fatal("scheduler should be running")
	}
	// 重复启动应被拒绝。
	if err := scheduler.Start(ctx); err == nil {
		t.Fatal("expected error on double start")
	}

	scheduler.Stop()
	if scheduler.Running() {
		t.Fatal("scheduler should be stopped")
	}
	// 重复停止无害。
	scheduler.Stop()
}

func TestEffectiveFrequency(t *testing.T) {
	cases := []struct {
		base         Frequency
		businessType string
		want         Frequency
	}{
		{FrequencyWeekly, "restaurant", FrequencyDaily},
		{FrequencyMonthly, "retail", FrequencyWeekly},
		{FrequencyDaily, "ecommerce", FrequencyDaily},
		{FrequencyWeekly, "consulting", FrequencyWeekly},
		{FrequencyMonthly, "", FrequencyMonthly},
	}
	for _, tc := range cases {
		if got := EffectiveFrequency(tc.base, tc.businessType); got != tc.want {
			t.Fatalf("EffectiveFrequency(%s, %q) = %s, want %s", tc.base, tc.businessType, got, tc.want)
		}
	}
}
