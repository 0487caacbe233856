package agent

import (
	"context"
	"fmt"
	"maps"
	"strings"

	xerrors "VeriSwarm/internal/errors"
	"VeriSwarm/internal/inference"
)

// PlannedSubTask 是计划中的一个子任务。
type PlannedSubTask struct {
	ID           string      `json:"id"`
	Description  string      `json:"description"`
	Type         SubTaskType `json:"type"`
	Dependencies []string    `json:"dependencies"`
	Priority     int         `json:"priority"`
}

// Plan 是规划器的产出。Fallback 为 true 表示模型输出无法解析，计划由任务描述直接生成。
type Plan struct {
	Goal       string           `json:"goal"`
	SubTasks   []PlannedSubTask `json:"subtasks"`
	Fallback   bool             `json:"fallback,omitempty"`
	ParseError string           `json:"parse_error,omitempty"`
}

// Spawn 为计划中的每个子任务创建 pending 状态的 Task，顺序与计划一致。
func (p *Plan) Spawn(parent *Task) []*Task {
	tasks := make([]*Task, 0, len(p.SubTasks))
	for _, sub := range p.SubTasks {
		child := NewTask(sub.Description, Input{
			Type:         sub.Type,
			Dependencies: append([]string(nil), sub.Dependencies...),
			Priority:     sub.Priority,
			Context:      maps.Clone(parent.Input.Context),
		})
		child.ParentID = parent.ID
		tasks = append(tasks, child)
	}
	return tasks
}

// SinglePlan 返回只包含一个 analysis 子任务的计划，用于跳过规划与解析回退。
func SinglePlan(description string) *Plan {
	return &Plan{
		Goal: description,
		SubTasks: []PlannedSubTask{{
			ID:           "subtask_1",
			Description:  description,
			Type:         TypeAnalysis,
			Dependencies: []string{},
			Priority:     1,
		}},
	}
}

type planPayload struct {
	Goal     string `json:"goal"`
	SubTasks []struct {
		ID           flexString   `json:"id"`
		Description  string       `json:"description"`
		Type         string       `json:"type"`
		Dependencies []flexString `json:"dependencies"`
		Priority     flexInt      `json:"priority"`
	} `json:"subtasks"`
}

// Planner 把复杂任务拆解为子任务。
type Planner struct {
	base
}

// NewPlanner 创建规划器。
func NewPlanner(client inference.Client, opts ...Option) *Planner {
	return &Planner{base: newBase("planner", client, opts)}
}

// Plan 调用一次推理网络生成计划。推理失败时任务进入 failed，解析失败则回退到单任务计划。
func (p *Planner) Plan(ctx context.Context, task *Task) *Task {
	return p.run(task, func() (Result, error) {
		resp, err := p.infer(ctx, planningPrompt(task.Description), inference.Options{})
		if err != nil {
			return Result{}, err
		}
		plan := ParsePlan(resp.Content, task.Description)
		if plan.Fallback {
			p.log.Info("计划解析失败，使用单任务计划", "task_id", task.ID, "reason", plan.ParseError)
		}
		return Result{Plan: plan}, nil
	})
}

// ParsePlan 把模型输出解析为计划；对同一输入总是返回相同结果。
func ParsePlan(raw, description string) *Plan {
	payload, ok := parseStructuredOrDefault(raw, func() planPayload { return planPayload{} })
	if !ok || len(payload.SubTasks) == 0 {
		reason := "no JSON object found in planner output"
		if ok {
			reason = "planner output contained no subtasks"
		}
		perr := xerrors.New(xerrors.CodePlanParse, reason)
		plan := SinglePlan(description)
		plan.Fallback = true
		plan.ParseError = perr.Error()
		return plan
	}

	plan := &Plan{Goal: strings.TrimSpace(payload.Goal)}
	if plan.Goal == "" {
		plan.Goal = description
	}
	// 显式 ID 以首次出现为准，重复或缺失的 ID 重新编号，依赖总是指向首个同名子任务。
	taken := make(map[string]bool, len(payload.SubTasks))
	for _, raw := range payload.SubTasks {
		if id := strings.TrimSpace(string(raw.ID)); id != "" {
			taken[id] = true
		}
	}
	seen := make(map[string]bool, len(payload.SubTasks))
	for i, raw := range payload.SubTasks {
		sub := PlannedSubTask{
			ID:           strings.TrimSpace(string(raw.ID)),
			Description:  strings.TrimSpace(raw.Description),
			Type:         ParseSubTaskType(strings.ToLower(strings.TrimSpace(raw.Type))),
			Dependencies: make([]string, 0, len(raw.Dependencies)),
			Priority:     i + 1,
		}
		if sub.ID == "" || seen[sub.ID] {
			sub.ID = freeSubTaskID(i+1, taken)
		}
		seen[sub.ID] = true
		taken[sub.ID] = true
		if sub.Description == "" {
			sub.Description = description
		}
		if raw.Priority.set {
			sub.Priority = raw.Priority.value
		}
		for _, dep := range raw.Dependencies {
			if d := strings.TrimSpace(string(dep)); d != "" {
				sub.Dependencies = append(sub.Dependencies, d)
			}
		}
		plan.SubTasks = append(plan.SubTasks, sub)
	}
	return plan
}

func freeSubTaskID(n int, taken map[string]bool) string {
	id := fmt.Sprintf("subtask_%d", n)
	for k := 2; taken[id]; k++ {
		id = fmt.Sprintf("subtask_%d_%d", n, k)
	}
	return id
}

func planningPrompt(description string) string {
	var builder strings.Builder
	builder.WriteString("You are the planning agent of a verifiable inference swarm.\n")
	builder.WriteString("Break the task below into independent subtasks that can each be answered by a single model call.\n\n")
	builder.WriteString("Task: ")
	builder.WriteString(strings.TrimSpace(description))
	builder.WriteString("\n\nRespond with JSON only, using this shape:\n")
	builder.WriteString(`{"goal": "<overall goal>", "subtasks": [{"id": "subtask_1", "description": "<what to do>", ` +
		`"type": "analysis|extraction|synthesis|validation", "dependencies": [], "priority": 1}]}`)
	return builder.String()
}
