package agent

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	xerrors "VeriSwarm/internal/errors"
)

// Status 表示智能体任务的生命周期状态。
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal 表示状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// SubTaskType 决定执行器使用的提示词模板。
type SubTaskType string

const (
	TypeAnalysis   SubTaskType = "analysis"
	TypeExtraction SubTaskType = "extraction"
	TypeSynthesis  SubTaskType = "synthesis"
	TypeValidation SubTaskType = "validation"
)

// ParseSubTaskType 把任意字符串映射为已知类型，未知类型归为 analysis。
func ParseSubTaskType(raw string) SubTaskType {
	switch SubTaskType(raw) {
	case TypeAnalysis, TypeExtraction, TypeSynthesis, TypeValidation:
		return SubTaskType(raw)
	default:
		return TypeAnalysis
	}
}

// Input 是任务的输入参数。Context 只承载写入提示词的自由键值。
type Input struct {
	Type         SubTaskType       `json:"type"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Priority     int               `json:"priority"`
	Context      map[string]string `json:"context,omitempty"`
}

// Result 是任务结果的和类型，同一时刻只有一个字段非空。
type Result struct {
	Plan       *Plan             `json:"plan,omitempty"`
	Execution  *ExecutionResult  `json:"execution,omitempty"`
	Validation *ValidationResult `json:"validation,omitempty"`
	Audit      *AuditResult      `json:"audit,omitempty"`
}

// Task 是单个智能体处理的工作单元。
type Task struct {
	ID          string     `json:"task_id"`
	Description string     `json:"description"`
	Input       Input      `json:"input"`
	ParentID    string     `json:"parent_task_id,omitempty"`
	Status      Status     `json:"status"`
	Result      *Result    `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewTask 创建一个处于 pending 状态的任务。
func NewTask(description string, input Input) *Task {
	if input.Type == "" {
		input.Type = TypeAnalysis
	}
	return &Task{
		ID:          uuid.NewString(),
		Description: description,
		Input:       input,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
}

func transitionError(t *Task, to Status) error {
	return xerrors.New(xerrors.CodeConflict,
		fmt.Sprintf("任务 %s 无法从 %s 转换到 %s", t.ID, t.Status, to))
}

// Start 将任务从 pending 推进到 in_progress。
func (t *Task) Start() error {
	if t.Status != StatusPending {
		return transitionError(t, StatusInProgress)
	}
	t.Status = StatusInProgress
	return nil
}

// Complete 写入结果并进入 completed。
func (t *Task) Complete(result Result) error {
	if t.Status != StatusInProgress {
		return transitionError(t, StatusCompleted)
	}
	t.Result = &result
	t.Status = StatusCompleted
	t.markDone()
	return nil
}

// Fail 记录错误并进入 failed。
func (t *Task) Fail(message string) error {
	if t.Status.Terminal() {
		return transitionError(t, StatusFailed)
	}
	t.Error = message
	t.Status = StatusFailed
	t.markDone()
	return nil
}

func (t *Task) markDone() {
	now := time.Now().UTC()
	t.CompletedAt = &now
}

// Execution 返回执行结果，任务未成功执行时为 nil。
func (t *Task) Execution() *ExecutionResult {
	if t == nil || t.Result == nil {
		return nil
	}
	return t.Result.Execution
}

// PlanResult 返回规划结果。
func (t *Task) PlanResult() *Plan {
	if t == nil || t.Result == nil {
		return nil
	}
	return t.Result.Plan
}

// Validation 返回校验结果。
func (t *Task) Validation() *ValidationResult {
	if t == nil || t.Result == nil {
		return nil
	}
	return t.Result.Validation
}
