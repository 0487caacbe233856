package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "VeriSwarm/internal/errors"
	"VeriSwarm/internal/inference"
	"VeriSwarm/pkg/logger"
)

// defaultCallTimeout 是单次推理调用的默认超时时间。
const defaultCallTimeout = 90 * time.Second

// settings 是规划器、执行器与校验器共享的配置。
type settings struct {
	timeout time.Duration
	options inference.Options
}

// Option 定义可选的智能体配置。
type Option func(*settings)

// WithCallTimeout 设置单次推理调用的超时时间，<=0 表示只受上游 context 约束。
func WithCallTimeout(timeout time.Duration) Option {
	return func(s *settings) {
		if timeout <= 0 {
			s.timeout = 0
			return
		}
		s.timeout = timeout
	}
}

// WithInferenceOptions 设置每次推理调用携带的参数。
func WithInferenceOptions(opts inference.Options) Option {
	return func(s *settings) {
		s.options = opts
	}
}

func newSettings(opts []Option) settings {
	s := settings{timeout: defaultCallTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}

// base 封装了对推理网络的一次调用。
type base struct {
	name     string
	client   inference.Client
	settings settings
	log      *slog.Logger
}

func newBase(name string, client inference.Client, opts []Option) base {
	return base{
		name:     name,
		client:   client,
		settings: newSettings(opts),
		log:      logger.Named("agent." + name),
	}
}

func (b *base) infer(ctx context.Context, prompt string, override inference.Options) (*inference.Response, error) {
	// 验证必要的组件是否已配置。
	if b.client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置推理客户端")
	}

	callCtx := ctx
	if b.settings.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.settings.timeout)
		defer cancel()
	}

	opts := b.settings.options
	if override.MaxTokens > 0 {
		opts.MaxTokens = override.MaxTokens
	}
	if override.PromptType > 0 {
		opts.PromptType = override.PromptType
	}

	resp, err := b.client.Infer(callCtx, prompt, opts)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) && !xerrors.HasCode(err, xerrors.CodeNetwork) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "推理调用超时")
		}
		return nil, err
	}
	if resp == nil {
		return nil, inference.ProtocolError(nil, "推理客户端返回了空响应")
	}
	return resp, nil
}

// run 执行一次智能体调用，保证任务恰好完成一次终态转换，错误与 panic 都不会外泄。
func (b *base) run(task *Task, fn func() (Result, error)) (out *Task) {
	out = task
	if err := task.Start(); err != nil {
		b.log.Warn("任务状态不允许执行", "task_id", task.ID, "status", task.Status)
		return task
	}
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("智能体执行出现 panic", "task_id", task.ID, "panic", fmt.Sprint(r))
			_ = task.Fail(fmt.Sprintf("%s panic: %v", b.name, r))
			out = task
		}
	}()

	result, err := fn()
	if err != nil {
		b.log.Warn("智能体执行失败", "task_id", task.ID, "error", err)
		_ = task.Fail(err.Error())
		return task
	}
	_ = task.Complete(result)
	return task
}
