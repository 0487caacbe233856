package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	xerrors "VeriSwarm/internal/errors"
	"VeriSwarm/internal/inference"
)

type stubClient struct {
	mu      sync.Mutex
	content string
	score   float64
	err     error
	wait    time.Duration
	panics  bool
	prompts []string
}

func (s *stubClient) Infer(ctx context.Context, prompt string, opts inference.Options) (*inference.Response, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()
	if s.panics {
		panic("boom")
	}
	if s.wait > 0 {
		select {
		case <-time.After(s.wait):
		case <-ctx.Done():
			return nil, inference.NetworkError(ctx.Err(), "stub cancelled")
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &inference.Response{
		TaskID:  "inf-1",
		Content: s.content,
		WorkerResponses: []inference.WorkerResponse{
			{WorkerID: "miner-01", Content: s.content, LatencyMs: 10, ModelName: "m1"},
			{WorkerID: "miner-02", Content: s.content, LatencyMs: 20, ModelName: "m2"},
		},
		Consensus: inference.ConsensusResult{Score: s.score, AgreementCount: 2, TotalWorkers: 2, MajorityContent: s.content},
	}, nil
}

func (s *stubClient) lastPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.prompts) == 0 {
		return ""
	}
	return s.prompts[len(s.prompts)-1]
}

func TestTaskTransitions(t *testing.T) {
	task := NewTask("x", Input{})
	if task.Status != StatusPending || task.Input.Type != TypeAnalysis {
		t.Fatalf("unexpected initial task: %+v", task)
	}
	if err := task.Complete(Result{}); !xerrors.HasCode(err, xerrors.CodeConflict) {
		t.Fatalf("pending task must not complete directly, got %v", err)
	}
	if err := task.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := task.Fail("network down"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if task.CompletedAt == nil {
		t.Fatalf("completed_at not set")
	}
	for _, err := range []error{task.Start(), task.Complete(Result{}), task.Fail("again")} {
		if !xerrors.HasCode(err, xerrors.CodeConflict) {
			t.Fatalf("terminal task accepted transition: %v", err)
		}
	}
	if task.Error != "network down" {
		t.Fatalf("error overwritten: %q", task.Error)
	}
}

func TestParseStructuredOrDefault(t *testing.T) {
	type payload struct {
		A int `json:"a"`
	}
	fallback := func() payload { return payload{A: -1} }

	cases := []struct {
		name string
		raw  string
		want int
		ok   bool
	}{
		{"fenced", "Here you go:\n```json\n{\"a\": 1}\n```\nthanks", 1, true},
		{"bare fence", "```\n{\"a\": 2}\n```", 2, true},
		{"embedded", `prefix {"a": 3, "note": "has } brace"} suffix`, 3, true},
		{"unbalanced", `{"a": 4}}`, 4, true},
		{"none", "no json here", -1, false},
		{"broken", `{"a": }`, -1, false},
	}
	for _, tc := range cases {
		got, ok := parseStructuredOrDefault(tc.raw, fallback)
		if got.A != tc.want || ok != tc.ok {
			t.Fatalf("%s: got %+v ok=%v", tc.name, got, ok)
		}
	}
}

func TestPlannerParsesPlan(t *testing.T) {
	client := &stubClient{content: "```json\n" + `{"goal":"Report","subtasks":[
		{"id":"a","description":"Collect revenue","type":"extraction","priority":2},
		{"description":"Summarize","type":"forecasting","dependencies":["a", 7]}
	]}` + "\n```", score: 1}
	planner := NewPlanner(client)

	task := planner.Plan(context.Background(), NewTask("Quarterly report", Input{}))
	if task.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", task.Status, task.Error)
	}
	plan := task.PlanResult()
	if plan == nil || plan.Fallback || len(plan.SubTasks) != 2 {
		t.Fatalf("unexpected plan: %+v", plan)
	}
	if plan.SubTasks[0].Type != TypeExtraction || plan.SubTasks[0].Priority != 2 {
		t.Fatalf("unexpected first subtask: %+v", plan.SubTasks[0])
	}
	second := plan.SubTasks[1]
	if second.ID != "subtask_2" || second.Type != TypeAnalysis || second.Priority != 2 {
		t.Fatalf("defaults not applied: %+v", second)
	}
	if len(second.Dependencies) != 2 || second.Dependencies[1] != "7" {
		t.Fatalf("unexpected dependencies: %v", second.Dependencies)
	}
	if !strings.Contains(client.lastPrompt(), "Quarterly report") {
		t.Fatalf("prompt missing description: %s", client.lastPrompt())
	}
}

func TestPlannerFallbackIsIdempotent(t *testing.T) {
	for _, raw := range []string{"I cannot produce JSON today.", `{"goal":"x","subtasks":[]}`} {
		first := ParsePlan(raw, "Summarize quarterly results")
		second := ParsePlan(raw, "Summarize quarterly results")
		if !first.Fallback || len(first.SubTasks) != 1 {
			t.Fatalf("expected single fallback subtask for %q: %+v", raw, first)
		}
		sub := first.SubTasks[0]
		if sub.Type != TypeAnalysis || sub.Description != "Summarize quarterly results" {
			t.Fatalf("unexpected fallback subtask: %+v", sub)
		}
		if first.SubTasks[0].ID != second.SubTasks[0].ID || first.ParseError != second.ParseError {
			t.Fatalf("fallback is not stable")
		}
	}
}

func TestParsePlanRenumbersDuplicateIDs(t *testing.T) {
	raw := `{"goal": "Quarterly report", "subtasks": [
		{"id": "revenue", "description": "Collect revenue"},
		{"id": "revenue", "description": "Collect costs"},
		{"id": "subtask_2", "description": "Check figures"},
		{"description": "Summarize", "dependencies": ["revenue"]}
	]}`
	plan := ParsePlan(raw, "Quarterly report")
	if plan.Fallback || len(plan.SubTasks) != 4 {
		t.Fatalf("unexpected plan: %+v", plan)
	}
	want := []string{"revenue", "subtask_2_2", "subtask_2", "subtask_4"}
	ids := make(map[string]bool)
	for i, sub := range plan.SubTasks {
		if sub.ID != want[i] {
			t.Fatalf("subtask %d: expected id %q, got %q", i, want[i], sub.ID)
		}
		if ids[sub.ID] {
			t.Fatalf("duplicate id %q", sub.ID)
		}
		ids[sub.ID] = true
	}
	if plan.SubTasks[1].Description != "Collect costs" {
		t.Fatalf("renumbered subtask lost its description: %+v", plan.SubTasks[1])
	}
	if deps := plan.SubTasks[3].Dependencies; len(deps) != 1 || deps[0] != "revenue" {
		t.Fatalf("unexpected dependencies: %v", deps)
	}
}

func TestPlannerInferenceFailure(t *testing.T) {
	planner := NewPlanner(&stubClient{err: inference.NetworkError(errors.New("refused"), "delegate failed")})
	task := planner.Plan(context.Background(), NewTask("x", Input{}))
	if task.Status != StatusFailed || !strings.Contains(task.Error, "NETWORK_ERROR") {
		t.Fatalf("expected failed task with network error, got %s %q", task.Status, task.Error)
	}
}

func TestPlanSpawnInheritsContext(t *testing.T) {
	parent := NewTask("root", Input{Context: map[string]string{"region": "emea"}})
	plan := &Plan{SubTasks: []PlannedSubTask{{ID: "a", Description: "one", Type: TypeSynthesis, Priority: 3}}}
	children := plan.Spawn(parent)
	if len(children) != 1 || children[0].ParentID != parent.ID || children[0].Input.Context["region"] != "emea" {
		t.Fatalf("unexpected children: %+v", children)
	}
	children[0].Input.Context["region"] = "apac"
	if parent.Input.Context["region"] != "emea" {
		t.Fatalf("child context aliases parent")
	}
}

func TestExecutorSuccess(t *testing.T) {
	client := &stubClient{content: "Revenue grew 12%.", score: 1}
	executor := NewExecutor(client)

	task := NewTask("Summarize quarterly results", Input{
		Type:    TypeExtraction,
		Context: map[string]string{"quarter": "Q3", "type": "ignored", "Priority": "9", "company": "ACME"},
	})
	task = executor.Execute(context.Background(), task)
	if task.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", task.Status, task.Error)
	}
	exec := task.Execution()
	if exec.Content != "Revenue grew 12%." || exec.InferenceTaskID != "inf-1" || !exec.IsVerified || exec.WorkerCount != 2 {
		t.Fatalf("unexpected execution result: %+v", exec)
	}
	if exec.Workers[1].ID != "miner-02" || exec.Workers[1].Model != "m2" || exec.Response == nil {
		t.Fatalf("unexpected workers: %+v", exec.Workers)
	}

	prompt := client.lastPrompt()
	if !strings.Contains(prompt, "Extract") || !strings.Contains(prompt, "- company: ACME\n- quarter: Q3") {
		t.Fatalf("unexpected prompt: %s", prompt)
	}
	if strings.Contains(prompt, "ignored") || strings.Contains(prompt, "Priority") {
		t.Fatalf("bookkeeping keys leaked into prompt: %s", prompt)
	}
}

func TestExecutorTimeoutAndPanic(t *testing.T) {
	executor := NewExecutor(&stubClient{wait: time.Second}, WithCallTimeout(10*time.Millisecond))
	task := executor.Execute(context.Background(), NewTask("slow", Input{}))
	if task.Status != StatusFailed {
		t.Fatalf("expected timeout failure, got %s", task.Status)
	}

	executor = NewExecutor(&stubClient{panics: true})
	task = executor.Execute(context.Background(), NewTask("panics", Input{}))
	if task == nil || task.Status != StatusFailed || !strings.Contains(task.Error, "panic") {
		t.Fatalf("panic not converted to failure: %+v", task)
	}

	executor = NewExecutor(nil)
	task = executor.Execute(context.Background(), NewTask("no client", Input{}))
	if task.Status != StatusFailed {
		t.Fatalf("expected failure without client")
	}
}

func TestValidatorThresholdFlip(t *testing.T) {
	validator := NewValidator(&stubClient{content: "looks fine to me"})

	below := validator.Validate(context.Background(), "answer", "task", 0.65).Validation()
	if below == nil || below.IsValid || below.ConsensusVerified || !below.Fallback {
		t.Fatalf("0.65 should not be valid: %+v", below)
	}
	if len(below.Issues) != 1 || below.Confidence != 0.65 {
		t.Fatalf("fallback should carry one parse issue: %+v", below)
	}

	at := validator.Validate(context.Background(), "answer", "task", 0.66).Validation()
	if at == nil || !at.IsValid || !at.ConsensusVerified {
		t.Fatalf("0.66 should be valid: %+v", at)
	}
}

func TestValidatorPartialPayload(t *testing.T) {
	validator := NewValidator(&stubClient{content: `{"is_valid": false, "confidence": 1.7, "issues": ["missing currency"]}`})
	result := validator.Validate(context.Background(), "answer", "task", 0.9).Validation()
	if result.IsValid || result.Confidence != 1 || result.Fallback {
		t.Fatalf("unexpected verdict: %+v", result)
	}
	if len(result.Issues) != 1 || result.Issues[0] != "missing currency" || result.Recommendations == nil {
		t.Fatalf("unexpected lists: %+v", result)
	}
	if !result.ConsensusVerified {
		t.Fatalf("consensus_verified must follow the score")
	}

	partial := ParseValidation(`{"issues": []}`, 0.5)
	if partial.IsValid || partial.Confidence != 0.5 {
		t.Fatalf("missing fields should come from fallback: %+v", partial)
	}
}

func TestValidatorInferenceFailure(t *testing.T) {
	validator := NewValidator(&stubClient{err: inference.ProtocolError(nil, "bad payload")})
	task := validator.Validate(context.Background(), "answer", "task", 0.9)
	if task.Status != StatusFailed || task.Validation() != nil {
		t.Fatalf("expected failed validation task: %+v", task)
	}
}
