package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"VeriSwarm/internal/coordinator"
	xerrors "VeriSwarm/internal/errors"
	"VeriSwarm/internal/observability/alerting"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

func (d *recordingDispatcher) Events() []alerting.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]alerting.Event(nil), d.events...)
}

type fakeRunner struct {
	calls      atomic.Int32
	latency    time.Duration
	failPlans  int32
	lastOpts   atomic.Value
	verifiedOn bool
}

func (f *fakeRunner) Run(ctx context.Context, description string, opts coordinator.RunOptions) *coordinator.WorkflowResult {
	call := f.calls.Add(1)
	f.lastOpts.Store(opts)
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
		}
	}
	if call <= f.failPlans {
		return &coordinator.WorkflowResult{
			WorkflowID:   opts.WorkflowID,
			OriginalTask: description,
			FinalOutput:  "Workflow failed during planning: network unavailable",
			State:        coordinator.StateFailedPlanning,
		}
	}
	return &coordinator.WorkflowResult{
		WorkflowID:       opts.WorkflowID,
		OriginalTask:     description,
		FinalOutput:      "answer for " + description,
		IsVerified:       f.verifiedOn,
		ConsensusScore:   1,
		EvidenceBundleID: "bundle-" + opts.WorkflowID,
		State:            coordinator.StateDone,
	}
}

func startProcessor(t *testing.T, ctx context.Context, processor *Processor) {
	t.Helper()
	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()
}

func TestProcessorHandlesConcurrentTasks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(256)
	runner := &fakeRunner{latency: 5 * time.Millisecond, verifiedOn: true}

	service := NewService(store, queue, 3)
	processor := NewProcessor(runner, store, queue, queue, WithWorkerCount(8))
	startProcessor(t, ctx, processor)

	total := 50
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		task, err := service.Submit(ctx, Request{Task: fmt.Sprintf("question-%d", i)})
		if err != nil {
			t.Fatalf("提交任务失败: %v", err)
		}
		ids = append(ids, task.ID)
	}

	for _, id := range ids {
		task, err := service.WaitUntilCompleted(ctx, id, 5*time.Millisecond)
		if err != nil {
			t.Fatalf("wait %s: %v", id, err)
		}
		if task.Status != StatusSucceeded {
			t.Fatalf("expected task %s to succeed, got %s", id, task.Status)
		}
		if task.Result == nil || task.Result.WorkflowID != id || task.Result.EvidenceBundleID != "bundle-"+id {
			t.Fatalf("workflow id should equal job id, got %+v", task.Result)
		}
	}
	if got := runner.calls.Load(); got != int32(total) {
		t.Fatalf("expected %d runs, got %d", total, got)
	}

	stats, err := service.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Succeeded != total || stats.Verified != total {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestProcessorRetriesPlanningFailureUntilExhausted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	runner := &fakeRunner{failPlans: 100}
	alerts := &recordingDispatcher{}

	service := NewService(store, queue, 2)
	startProcessor(t, ctx, NewProcessor(runner, store, queue, queue, WithAlertDispatcher(alerts)))

	task, err := service.Submit(ctx, Request{Task: "unreachable"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final, err := service.WaitUntilCompleted(ctx, task.ID, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != StatusFailed || final.Attempts != 2 {
		t.Fatalf("expected exhausted failure after 2 attempts, got %+v", final)
	}
	if final.ErrorCode != string(CodeTaskPlanning) {
		t.Fatalf("unexpected error code %q", final.ErrorCode)
	}
	if final.Result == nil || final.Result.State != coordinator.StateFailedPlanning {
		t.Fatalf("expected failed_planning result to be stored, got %+v", final.Result)
	}

	time.Sleep(20 * time.Millisecond)
	if got := runner.calls.Load(); got != 2 {
		t.Fatalf("expected 2 runs, got %d", got)
	}
	events := alerts.Events()
	if len(events) != 1 {
		t.Fatalf("expected one alert for the exhausted task, got %+v", events)
	}
	if events[0].TaskID != task.ID || events[0].Code != CodeTaskPlanning || events[0].Attempts != 2 {
		t.Fatalf("unexpected alert: %+v", events[0])
	}
	if events[0].Metadata["stage"] != string(coordinator.StateFailedPlanning) {
		t.Fatalf("unexpected alert stage: %v", events[0].Metadata)
	}
}

func TestProcessorRecoversAfterPlanningFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	runner := &fakeRunner{failPlans: 1}

	service := NewService(store, queue, 3)
	startProcessor(t, ctx, NewProcessor(runner, store, queue, queue))

	task, err := service.Submit(ctx, Request{ID: "wf-retry", Task: "flaky", SkipPlanning: true, Context: map[string]string{"region": "eu"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final, err := service.WaitUntilCompleted(ctx, task.ID, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != StatusSucceeded || final.Attempts != 2 {
		t.Fatalf("expected success on second attempt, got %+v", final)
	}
	if final.LastError != "" || final.ErrorCode != "" {
		t.Fatalf("error fields should be cleared on success: %+v", final)
	}

	opts, _ := runner.lastOpts.Load().(coordinator.RunOptions)
	if opts.WorkflowID != "wf-retry" || !opts.SkipPlanning || opts.Context["region"] != "eu" {
		t.Fatalf("run options not forwarded: %+v", opts)
	}
}

func TestProcessorSkipsUnknownTask(t *testing.T) {
	store := NewMemoryStore()
	processor := NewProcessor(&fakeRunner{}, store, nil, nil)
	if err := processor.handle(context.Background(), "ghost"); err != nil {
		t.Fatalf("unknown task should be skipped, got %v", err)
	}
	if err := processor.Start(context.Background()); !xerrors.HasCode(err, xerrors.CodeInitializationFailure) {
		t.Fatalf("expected initialization failure without consumer, got %v", err)
	}
}
