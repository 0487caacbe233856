package task

import (
	"context"

	"VeriSwarm/internal/coordinator"
	xerrors "VeriSwarm/internal/errors"
)

// Store 抽象了工作流任务状态的持久化接口。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Claim(ctx context.Context, id string) (*Task, error)
	MarkSucceeded(ctx context.Context, id string, result coordinator.WorkflowResult) error
	// MarkFailed 记录失败；result 可以为 nil，非空时保存失败时的工作流结果。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, result *coordinator.WorkflowResult) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}
