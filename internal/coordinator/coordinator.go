package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"VeriSwarm/internal/agent"
	"VeriSwarm/internal/evidence"
	"VeriSwarm/internal/inference"
	"VeriSwarm/pkg/logger"
)

// State 是工作流所处的阶段。
type State string

const (
	StatePlanning       State = "planning"
	StateExecuting      State = "executing"
	StateValidating     State = "validating"
	StateAuditing       State = "auditing"
	StateDone           State = "done"
	StateFailedPlanning State = "failed_planning"
)

// StatusSkipped 标记因取消而未启动的子任务。
const StatusSkipped = "skipped"

const (
	defaultConcurrency = 4
	separator          = "\n\n---\n\n"
	noResults          = "No results generated"
)

// StepSummary 是工作流中一个阶段或子任务的摘要。
type StepSummary struct {
	Stage          string  `json:"stage"`
	TaskID         string  `json:"task_id,omitempty"`
	SubTaskID      string  `json:"subtask_id,omitempty"`
	Description    string  `json:"description"`
	Type           string  `json:"type,omitempty"`
	Status         string  `json:"status"`
	ConsensusScore float64 `json:"consensus_score"`
	IsVerified     bool    `json:"is_verified"`
	WorkerCount    int     `json:"worker_count,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// WorkflowResult 是一次工作流运行的完整结果，任何情况下都会返回。
type WorkflowResult struct {
	WorkflowID       string                  `json:"workflow_id"`
	OriginalTask     string                  `json:"original_task"`
	FinalOutput      string                  `json:"final_output"`
	IsVerified       bool                    `json:"is_verified"`
	ConsensusScore   float64                 `json:"consensus_score"`
	EvidenceBundleID string                  `json:"evidence_bundle_id,omitempty"`
	ExecutionTimeMs  float64                 `json:"execution_time_ms"`
	Steps            []StepSummary           `json:"steps"`
	State            State                   `json:"state"`
	Validation       *agent.ValidationResult `json:"validation,omitempty"`
	Plan             *agent.Plan             `json:"plan,omitempty"`
}

// RunOptions 控制单次运行。
type RunOptions struct {
	// WorkflowID 为空时自动生成，同时作为证据包的 task_id。
	WorkflowID   string
	SkipPlanning bool
	Context      map[string]string
}

// Coordinator 按 规划 → 执行 → 校验 → 审计 的顺序驱动各智能体。
type Coordinator struct {
	planner   *agent.Planner
	executor  *agent.Executor
	validator *agent.Validator
	auditor   *agent.Auditor

	concurrency int
	ordered     bool
	attestor    inference.Attestor
	tracer      trace.Tracer
	log         *slog.Logger
}

// Option 定义可选的协调器配置。
type Option func(*Coordinator)

// WithConcurrency 设置子任务的最大并发数。
func WithConcurrency(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithDependencyOrdering 按计划中的依赖关系分层执行子任务。
func WithDependencyOrdering(enabled bool) Option {
	return func(c *Coordinator) {
		c.ordered = enabled
	}
}

// WithAttestor 在审计前向校验端点提交每个成功子任务的结果。
func WithAttestor(attestor inference.Attestor) Option {
	return func(c *Coordinator) {
		c.attestor = attestor
	}
}

// WithTracer 替换默认的全局 tracer。
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Coordinator) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithAgents 替换默认构造的规划器、执行器与校验器。
func WithAgents(planner *agent.Planner, executor *agent.Executor, validator *agent.Validator) Option {
	return func(c *Coordinator) {
		if planner != nil {
			c.planner = planner
		}
		if executor != nil {
			c.executor = executor
		}
		if validator != nil {
			c.validator = validator
		}
	}
}

// New 使用同一个推理客户端创建三个推理智能体，auditor 负责证据包。
func New(client inference.Client, auditor *agent.Auditor, opts ...Option) *Coordinator {
	c := &Coordinator{
		planner:     agent.NewPlanner(client),
		executor:    agent.NewExecutor(client),
		validator:   agent.NewValidator(client),
		auditor:     auditor,
		concurrency: defaultConcurrency,
		tracer:      defaultTracer(),
		log:         logger.Named("coordinator"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Auditor 返回协调器使用的审计器。
func (c *Coordinator) Auditor() *agent.Auditor {
	return c.auditor
}

// Run 执行完整的工作流。ctx 取消后不再启动新的子任务，但校验与审计仍会基于已有结果完成。
func (c *Coordinator) Run(ctx context.Context, description string, opts RunOptions) *WorkflowResult {
	start := time.Now()
	workflowID := strings.TrimSpace(opts.WorkflowID)
	if workflowID == "" {
		workflowID = uuid.NewString()
	}

	ctx, span := c.startWorkflowSpan(ctx, workflowID, opts.SkipPlanning)
	result := &WorkflowResult{
		WorkflowID:   workflowID,
		OriginalTask: description,
		Steps:        make([]StepSummary, 0),
	}
	defer func() {
		result.ExecutionTimeMs = float64(time.Since(start).Microseconds()) / 1000
		c.endWorkflowSpan(span, result)
	}()

	root := agent.NewTask(description, agent.Input{Type: agent.TypeAnalysis, Context: opts.Context})
	root.ID = workflowID
	log := c.log.With(slog.String("workflow_id", workflowID))

	result.State = StatePlanning
	plan, planStep, err := c.plan(ctx, root, opts.SkipPlanning)
	if err == nil && c.ordered {
		if _, err = Levels(plan); err != nil {
			planStep.Status = string(agent.StatusFailed)
			planStep.Error = err.Error()
		}
	}
	evidenceSteps := []evidence.Step{planStep.toEvidence(time.Now().UTC(), "")}
	result.Steps = append(result.Steps, planStep)
	if err != nil {
		result.State = StateFailedPlanning
		result.FinalOutput = "Workflow failed during planning: " + err.Error()
		log.Warn("规划失败，工作流提前结束", slog.String("error", err.Error()))
		return result
	}
	result.Plan = plan

	result.State = StateExecuting
	subtasks := plan.Spawn(root)
	c.execute(ctx, plan, subtasks)

	responses := make([]*inference.Response, 0, len(subtasks))
	contents := make([]string, 0, len(subtasks))
	var scoreSum float64
	var scored int
	for i, task := range subtasks {
		summary := subtaskSummary(plan.SubTasks[i], task)
		result.Steps = append(result.Steps, summary)
		output := ""
		if exec := task.Execution(); exec != nil && task.Status == agent.StatusCompleted {
			output = exec.Content
			contents = append(contents, exec.Content)
			if exec.ConsensusScore > 0 {
				scoreSum += exec.ConsensusScore
				scored++
			}
			if exec.Response != nil {
				responses = append(responses, exec.Response)
			}
		}
		evidenceSteps = append(evidenceSteps, summary.toEvidence(stepTime(task), output))
	}

	switch len(contents) {
	case 0:
		result.FinalOutput = noResults
	case 1:
		result.FinalOutput = contents[0]
	default:
		result.FinalOutput = strings.Join(contents, separator)
	}
	if scored > 0 {
		result.ConsensusScore = scoreSum / float64(scored)
	}

	// 校验与审计不受调用方取消影响。
	detached := context.WithoutCancel(ctx)

	result.State = StateValidating
	validation, validateTask := c.validate(detached, description, result.FinalOutput, result.ConsensusScore)
	result.Validation = validation
	result.IsVerified = validation.IsValid
	validateStep := StepSummary{
		Stage:          evidence.StageValidation,
		TaskID:         validateTask.ID,
		Description:    "validate aggregated output",
		Status:         string(validateTask.Status),
		ConsensusScore: result.ConsensusScore,
		IsVerified:     validation.IsValid,
		Error:          validateTask.Error,
	}
	if validation.Fallback {
		validateStep.Error = strings.Join(validation.Issues, "; ")
	}
	result.Steps = append(result.Steps, validateStep)
	evidenceSteps = append(evidenceSteps, validateStep.toEvidence(time.Now().UTC(), ""))

	result.State = StateAuditing
	metadata := map[string]string{
		"original_task": description,
		"subtasks":      fmt.Sprintf("%d", len(subtasks)),
	}
	if plan.Fallback {
		metadata["plan_fallback"] = plan.ParseError
	}
	c.attest(detached, plan, subtasks, metadata)

	auditStep := StepSummary{Stage: evidence.StageAuditing, Description: "create evidence bundle"}
	if c.auditor == nil {
		auditStep.Status = StatusSkipped
	} else {
		auditTask := c.auditor.Record(detached, agent.NewTask("audit: "+workflowID, agent.Input{}), agent.BundleInput{
			TaskID:       workflowID,
			Steps:        evidenceSteps,
			Description:  description,
			Responses:    responses,
			AverageScore: result.ConsensusScore,
			Validation:   validation,
			FinalOutput:  result.FinalOutput,
			Metadata:     metadata,
		})
		auditStep.TaskID = auditTask.ID
		auditStep.Status = string(auditTask.Status)
		auditStep.Error = auditTask.Error
		if auditTask.Result != nil && auditTask.Result.Audit != nil {
			result.EvidenceBundleID = auditTask.Result.Audit.BundleID
		} else {
			log.Error("证据包创建失败", slog.String("error", auditTask.Error))
		}
	}
	result.Steps = append(result.Steps, auditStep)

	result.State = StateDone
	log.Info("工作流完成",
		slog.Float64("consensus_score", result.ConsensusScore),
		slog.Bool("is_verified", result.IsVerified),
		slog.String("bundle_id", result.EvidenceBundleID),
	)
	return result
}

func (c *Coordinator) plan(ctx context.Context, root *agent.Task, skip bool) (*agent.Plan, StepSummary, error) {
	step := StepSummary{Stage: evidence.StagePlanning, Description: "decompose task"}
	if skip {
		step.Status = StatusSkipped
		step.Description = "planning skipped"
		return agent.SinglePlan(root.Description), step, nil
	}

	ctx, span := c.startStageSpan(ctx, evidence.StagePlanning)
	task := c.planner.Plan(ctx, agent.NewTask(root.Description, root.Input))
	endSpan(span, task.Error)

	step.TaskID = task.ID
	step.Status = string(task.Status)
	step.Error = task.Error
	plan := task.PlanResult()
	if task.Status != agent.StatusCompleted || plan == nil {
		if step.Error == "" {
			step.Error = "planner returned no plan"
		}
		return nil, step, errors.New(step.Error)
	}
	step.Description = fmt.Sprintf("decomposed into %d subtasks", len(plan.SubTasks))
	if plan.Fallback {
		step.Error = plan.ParseError
	}
	return plan, step, nil
}

func (c *Coordinator) execute(ctx context.Context, plan *agent.Plan, subtasks []*agent.Task) {
	levels := [][]int{allIndexes(len(subtasks))}
	if c.ordered {
		// 规划阶段已经检查过环。
		levels, _ = Levels(plan)
	}

	var mu sync.Mutex
	outputs := make(map[string]string, len(subtasks))
	for _, level := range levels {
		if ctx.Err() != nil {
			return
		}
		if c.ordered {
			mu.Lock()
			for _, idx := range level {
				injectDependencies(subtasks[idx], plan.SubTasks[idx].Dependencies, outputs)
			}
			mu.Unlock()
		}

		g := new(errgroup.Group)
		g.SetLimit(c.concurrency)
		for _, idx := range level {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				// 排队期间被取消的子任务保持 pending，随后记为 skipped。
				if ctx.Err() != nil {
					return nil
				}
				spanCtx, span := c.startSubtaskSpan(ctx, plan.SubTasks[idx])
				task := c.executor.Execute(spanCtx, subtasks[idx])
				endSpan(span, task.Error)
				if exec := task.Execution(); exec != nil {
					mu.Lock()
					outputs[plan.SubTasks[idx].ID] = exec.Content
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
	}
}

// validate 在校验器失败时给出 is_valid=false 的判定，不回退到共识分数。
func (c *Coordinator) validate(ctx context.Context, description, output string, score float64) (*agent.ValidationResult, *agent.Task) {
	ctx, span := c.startStageSpan(ctx, evidence.StageValidation)
	task := c.validator.Validate(ctx, output, description, score)
	endSpan(span, task.Error)

	if v := task.Validation(); v != nil {
		return v, task
	}
	return &agent.ValidationResult{
		IsValid:           false,
		Confidence:        0,
		Issues:            []string{"validation unavailable: " + task.Error},
		Recommendations:   []string{},
		ConsensusVerified: score >= inference.ConsensusThreshold,
	}, task
}

// attest 向校验端点提交成功子任务的结果，令牌与失败原因都写入 metadata。
func (c *Coordinator) attest(ctx context.Context, plan *agent.Plan, subtasks []*agent.Task, metadata map[string]string) {
	if c.attestor == nil {
		return
	}
	for i, task := range subtasks {
		exec := task.Execution()
		if exec == nil || exec.Response == nil {
			continue
		}
		key := plan.SubTasks[i].ID
		att, err := c.attestor.Attest(ctx, inference.AttestationRequest{
			TaskID:       exec.InferenceTaskID,
			MinerAddress: majorityWorker(exec.Response),
			ResultData:   exec.Content,
		})
		if err != nil {
			metadata["attestation_error."+key] = err.Error()
			continue
		}
		metadata["attestation."+key] = att.Token
		metadata["attestation_valid."+key] = fmt.Sprintf("%t", att.IsValid)
		logger.Audit().Info("attestation recorded",
			"inference_task_id", exec.InferenceTaskID,
			"subtask_id", key,
			"is_valid", att.IsValid,
		)
	}
}

func majorityWorker(resp *inference.Response) string {
	divergent := make(map[string]struct{}, len(resp.Consensus.DivergentWorkerIDs))
	for _, id := range resp.Consensus.DivergentWorkerIDs {
		divergent[id] = struct{}{}
	}
	for _, wr := range resp.WorkerResponses {
		if _, skip := divergent[wr.WorkerID]; !skip {
			return wr.WorkerID
		}
	}
	return ""
}

func injectDependencies(task *agent.Task, deps []string, outputs map[string]string) {
	for _, dep := range deps {
		out, ok := outputs[dep]
		if !ok {
			continue
		}
		if task.Input.Context == nil {
			task.Input.Context = make(map[string]string)
		}
		task.Input.Context["result of "+dep] = out
	}
}

func subtaskSummary(planned agent.PlannedSubTask, task *agent.Task) StepSummary {
	summary := StepSummary{
		Stage:       evidence.StageExecution,
		TaskID:      task.ID,
		SubTaskID:   planned.ID,
		Description: task.Description,
		Type:        string(planned.Type),
		Status:      string(task.Status),
		Error:       task.Error,
	}
	if task.Status == agent.StatusPending {
		summary.Status = StatusSkipped
		summary.Error = "workflow cancelled before the subtask started"
	}
	if exec := task.Execution(); exec != nil {
		summary.ConsensusScore = exec.ConsensusScore
		summary.IsVerified = exec.IsVerified
		summary.WorkerCount = exec.WorkerCount
	}
	return summary
}

func (s StepSummary) toEvidence(at time.Time, output string) evidence.Step {
	return evidence.Step{
		Stage:          s.Stage,
		TaskID:         s.TaskID,
		Description:    s.Description,
		Status:         s.Status,
		Output:         output,
		Error:          s.Error,
		ConsensusScore: s.ConsensusScore,
		Timestamp:      at,
	}
}

func stepTime(task *agent.Task) time.Time {
	if task.CompletedAt != nil {
		return *task.CompletedAt
	}
	return time.Now().UTC()
}

func allIndexes(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
