package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"VeriSwarm/internal/coordinator"
	xerrors "VeriSwarm/internal/errors"
	"VeriSwarm/internal/observability/alerting"
	"VeriSwarm/internal/observability/metrics"
	"VeriSwarm/pkg/logger"
)

// Runner 定义了处理器所需的工作流能力，由 coordinator.Coordinator 实现。
type Runner interface {
	Run(ctx context.Context, description string, opts coordinator.RunOptions) *coordinator.WorkflowResult
}

// Processor 负责从队列消费任务并交给协调器执行。
type Processor struct {
	runner      Runner
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	alerter     alerting.Dispatcher
	logger      *slog.Logger
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(runner Runner, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("task.processor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动任务处理循环，直到 ctx 取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) || stdErrors.Is(err, ErrTaskExhausted) {
			p.logDebug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		p.emitAlert(ctx, &Task{ID: taskID}, CodeTaskProcessing, err, "claim")
		return err
	}
	metrics.ObserveJob(string(StatusRunning))

	start := time.Now()
	result := p.runner.Run(ctx, task.Description, coordinator.RunOptions{
		WorkflowID:   task.ID,
		SkipPlanning: task.SkipPlanning,
		Context:      task.Context,
	})
	if result == nil {
		return p.handleFailure(ctx, task, xerrors.New(CodeTaskProcessing, "协调器未返回结果"), nil)
	}
	metrics.ObserveWorkflow(string(result.State), result.IsVerified, time.Since(start))
	if result.State == coordinator.StateFailedPlanning {
		return p.handleFailure(ctx, task, xerrors.New(CodeTaskPlanning, result.FinalOutput), result)
	}

	if err := p.store.MarkSucceeded(ctx, task.ID, *result); err != nil {
		logger.L().Error("标记任务成功状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	metrics.ObserveJob(string(StatusSucceeded))
	logger.Audit().Info("工作流任务完成",
		slog.String("task_id", task.ID),
		slog.Bool("is_verified", result.IsVerified),
		slog.Float64("consensus_score", result.ConsensusScore),
		slog.String("bundle_id", result.EvidenceBundleID),
	)
	return nil
}

func (p *Processor) handleFailure(ctx context.Context, task *Task, cause error, result *coordinator.WorkflowResult) error {
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := xerrors.RetryableError(cause)
	terminal := task.Attempts >= task.MaxRetries || !retryable

	if storeErr := p.store.MarkFailed(ctx, task.ID, code, cause.Error(), result); storeErr != nil {
		logger.L().Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
		return storeErr
	}
	metrics.ObserveJob(string(StatusFailed))
	logger.Audit().Warn("工作流任务失败",
		slog.String("task_id", task.ID),
		slog.Bool("terminal", terminal),
		slog.String("error", cause.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	if terminal && (xerrors.AttributesOf(code).Alert || task.Attempts >= task.MaxRetries) {
		stage := "execute"
		if result != nil {
			stage = string(result.State)
		}
		p.emitAlert(ctx, task, code, cause, stage)
	}
	if !terminal {
		if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
			return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", task.ID))
		}
		p.logDebug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	}
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if p.alerter == nil || task == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{"stage": stage}
	if cause != nil {
		message = cause.Error()
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		TaskID:     task.ID,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("stage", stage),
		)
	}
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		p.logger.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
	}
}
