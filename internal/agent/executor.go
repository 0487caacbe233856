package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"VeriSwarm/internal/inference"
)

// WorkerSummary 是执行结果中保留的矿工摘要，不含回答原文。
type WorkerSummary struct {
	ID        string  `json:"id"`
	Model     string  `json:"model"`
	LatencyMs float64 `json:"latency_ms"`
}

// ExecutionResult 是执行器的产出。
type ExecutionResult struct {
	Content         string          `json:"content"`
	InferenceTaskID string          `json:"inference_task_id"`
	ConsensusScore  float64         `json:"consensus_score"`
	IsVerified      bool            `json:"is_verified"`
	WorkerCount     int             `json:"worker_count"`
	Workers         []WorkerSummary `json:"workers"`
	// Response 保留完整的推理结果供审计器使用，不参与序列化。
	Response *inference.Response `json:"-"`
}

var bookkeepingKeys = map[string]struct{}{
	"type":         {},
	"dependencies": {},
	"priority":     {},
}

// Executor 对单个子任务调用推理网络。
type Executor struct {
	base
}

// NewExecutor 创建执行器。
func NewExecutor(client inference.Client, opts ...Option) *Executor {
	return &Executor{base: newBase("executor", client, opts)}
}

// Execute 执行一次推理。失败时任务进入 failed，调用方据此继续处理其他子任务。
func (e *Executor) Execute(ctx context.Context, task *Task) *Task {
	return e.run(task, func() (Result, error) {
		resp, err := e.infer(ctx, executionPrompt(task), inference.Options{})
		if err != nil {
			return Result{}, err
		}

		workers := make([]WorkerSummary, 0, len(resp.WorkerResponses))
		for _, wr := range resp.WorkerResponses {
			workers = append(workers, WorkerSummary{ID: wr.WorkerID, Model: wr.ModelName, LatencyMs: wr.LatencyMs})
		}
		e.log.Debug("子任务执行完成",
			"task_id", task.ID,
			"inference_task_id", resp.TaskID,
			"score", resp.Consensus.Score,
		)
		return Result{Execution: &ExecutionResult{
			Content:         resp.Content,
			InferenceTaskID: resp.TaskID,
			ConsensusScore:  resp.Consensus.Score,
			IsVerified:      resp.IsVerified(),
			WorkerCount:     len(resp.WorkerResponses),
			Workers:         workers,
			Response:        resp,
		}}, nil
	})
}

func executionPrompt(task *Task) string {
	description := strings.TrimSpace(task.Description)

	var builder strings.Builder
	switch task.Input.Type {
	case TypeExtraction:
		builder.WriteString("Extract the requested information precisely. Quote facts exactly and do not speculate.\n\n")
	case TypeSynthesis:
		builder.WriteString("Synthesize the inputs below into one coherent, concise answer.\n\n")
	case TypeValidation:
		builder.WriteString("Check the following claim or result for correctness and state any problems you find.\n\n")
	default:
		builder.WriteString("Analyze the following task and give a clear, well-reasoned answer.\n\n")
	}
	builder.WriteString("Task: ")
	builder.WriteString(description)

	keys := make([]string, 0, len(task.Input.Context))
	for key := range task.Input.Context {
		if _, skip := bookkeepingKeys[strings.ToLower(key)]; skip {
			continue
		}
		keys = append(keys, key)
	}
	if len(keys) > 0 {
		sort.Strings(keys)
		builder.WriteString("\n\nContext:\n")
		for _, key := range keys {
			builder.WriteString(fmt.Sprintf("- %s: %s\n", key, task.Input.Context[key]))
		}
	}
	return strings.TrimRight(builder.String(), "\n")
}
