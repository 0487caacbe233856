package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"VeriSwarm/internal/agent"
	"VeriSwarm/internal/consensus"
	"VeriSwarm/internal/evidence"
	"VeriSwarm/internal/inference"
	"VeriSwarm/internal/inference/simulated"
)

// scriptedClient 按提示词内容返回固定回答，五个矿工回答一致。
type scriptedClient struct {
	mu         sync.Mutex
	plan       string
	validation string
	answers    map[string]string
	failures   map[string]error
	onExecute  func(prompt string)
	prompts    []string
}

func (s *scriptedClient) Infer(ctx context.Context, prompt string, _ inference.Options) (*inference.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, inference.NetworkError(err, "scripted delegate cancelled")
	}
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()

	var content string
	switch {
	case strings.Contains(prompt, "planning agent"):
		content = s.plan
	case strings.Contains(prompt, "validation agent"):
		content = s.validation
	default:
		if s.onExecute != nil {
			s.onExecute(prompt)
		}
		for key, err := range s.failures {
			if strings.Contains(prompt, key) {
				return nil, err
			}
		}
		content = "unscripted"
		for key, answer := range s.answers {
			if strings.Contains(prompt, key) {
				content = answer
			}
		}
	}
	return unanimous(content), nil
}

func (s *scriptedClient) count(marker string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.prompts {
		if strings.Contains(p, marker) {
			n++
		}
	}
	return n
}

func (s *scriptedClient) promptFor(marker string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.prompts {
		if strings.Contains(p, marker) && !strings.Contains(p, "planning agent") {
			return p
		}
	}
	return ""
}

func unanimous(content string) *inference.Response {
	workers := make([]inference.WorkerResponse, 5)
	for i := range workers {
		workers[i] = inference.WorkerResponse{
			WorkerID:  []string{"miner-01", "miner-02", "miner-03", "miner-04", "miner-05"}[i],
			Content:   content,
			LatencyMs: 10,
			ModelName: "llama-3",
			Timestamp: time.Now().UTC(),
		}
	}
	result := consensus.New().Compute(workers)
	return &inference.Response{
		TaskID:          "inf-" + strings.ReplaceAll(strings.ToLower(content), " ", "-"),
		Content:         result.MajorityContent,
		WorkerResponses: workers,
		Consensus:       result,
		CreatedAt:       time.Now().UTC(),
	}
}

const threeStepPlan = "```json\n" + `{"goal": "Quarterly report", "subtasks": [
	{"id": "revenue", "description": "Collect revenue", "type": "extraction"},
	{"id": "costs", "description": "Collect costs", "type": "extraction"},
	{"id": "margin", "description": "Summarize margin", "type": "synthesis"}
]}` + "\n```"

func TestRunEndToEndQuarterlyResults(t *testing.T) {
	client := simulated.NewClient(simulated.Config{
		Workers:   5,
		Responses: []string{"Revenue grew 12%.", "Revenue grew 12%.", "Revenue grew 9%.", "Revenue grew 12%.", "Revenue grew 12%."},
		Seed:      7,
	})
	store := evidence.NewMemoryStore()
	coord := New(client, agent.NewAuditor(store))

	result := coord.Run(context.Background(), "Summarize quarterly results", RunOptions{SkipPlanning: true})
	if result.State != StateDone {
		t.Fatalf("unexpected state %s", result.State)
	}
	if result.ConsensusScore != 0.8 || !result.IsVerified {
		t.Fatalf("expected verified 0.8, got %v verified=%v", result.ConsensusScore, result.IsVerified)
	}
	if result.FinalOutput != "Revenue grew 12%." {
		t.Fatalf("unexpected final output %q", result.FinalOutput)
	}
	if result.EvidenceBundleID == "" || len(result.Steps) != 4 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Steps[0].Status != StatusSkipped || result.Plan == nil || len(result.Plan.SubTasks) != 1 {
		t.Fatalf("planning should be skipped with a single subtask: %+v", result.Steps[0])
	}

	bundle, err := store.Get(context.Background(), result.EvidenceBundleID)
	if err != nil {
		t.Fatalf("bundle not stored: %v", err)
	}
	if bundle.TaskID != result.WorkflowID || len(bundle.WorkerResponses) != 5 {
		t.Fatalf("unexpected bundle: %+v", bundle)
	}
	verification, err := coord.Auditor().VerifyIntegrity(context.Background(), bundle.BundleID)
	if err != nil || !verification.Valid || verification.Hash != bundle.IntegrityHash() {
		t.Fatalf("verification mismatch: %+v %v", verification, err)
	}
	if len(bundle.ExecutionSteps) != 3 {
		t.Fatalf("expected planning, execution and validation steps, got %d", len(bundle.ExecutionSteps))
	}

	raw, err := bundle.ToJSON()
	if err != nil {
		t.Fatalf("bundle json: %v", err)
	}
	var exported map[string]any
	if err := json.Unmarshal(raw, &exported); err != nil {
		t.Fatalf("decode bundle json: %v", err)
	}
	if exported["integrity_hash"] != bundle.IntegrityHash() {
		t.Fatalf("exported hash %v does not match %s", exported["integrity_hash"], bundle.IntegrityHash())
	}
}

func TestRunPlannerFallbackOnProse(t *testing.T) {
	client := simulated.NewClient(simulated.Config{Workers: 3, Responses: []string{"Revenue grew 12%."}, Seed: 7})
	result := New(client, agent.NewAuditor(evidence.NewMemoryStore())).Run(context.Background(), "Summarize quarterly results", RunOptions{})
	if result.State != StateDone {
		t.Fatalf("unexpected state %s", result.State)
	}
	if result.Plan == nil || !result.Plan.Fallback || len(result.Plan.SubTasks) != 1 {
		t.Fatalf("non-JSON planner output should fall back to a single subtask: %+v", result.Plan)
	}
}

func TestRunPartialFailureAggregation(t *testing.T) {
	client := &scriptedClient{
		plan:       threeStepPlan,
		validation: `{"is_valid": true, "confidence": 0.9}`,
		answers: map[string]string{
			"Collect revenue":  "Revenue was 10M.",
			"Summarize margin": "Margin is 20%.",
		},
		failures: map[string]error{
			"Collect costs": inference.NetworkError(errors.New("connection refused"), "delegate failed"),
		},
	}
	coord := New(client, agent.NewAuditor(evidence.NewMemoryStore()), WithConcurrency(3))

	result := coord.Run(context.Background(), "Quarterly report", RunOptions{})
	if result.State != StateDone || !result.IsVerified {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.FinalOutput != "Revenue was 10M.\n\n---\n\nMargin is 20%." {
		t.Fatalf("unexpected aggregation %q", result.FinalOutput)
	}
	if result.ConsensusScore != 1 {
		t.Fatalf("average should ignore the failed subtask, got %v", result.ConsensusScore)
	}
	if len(result.Steps) != 6 {
		t.Fatalf("expected 6 steps, got %d", len(result.Steps))
	}
	for i, want := range []string{"revenue", "costs", "margin"} {
		if result.Steps[i+1].SubTaskID != want {
			t.Fatalf("steps out of plan order: %+v", result.Steps)
		}
	}
	if failed := result.Steps[2]; failed.Status != "failed" || !strings.Contains(failed.Error, "NETWORK_ERROR") {
		t.Fatalf("second subtask should be failed: %+v", failed)
	}
	if result.EvidenceBundleID == "" {
		t.Fatalf("bundle expected despite partial failure")
	}
}

func TestRunNoResults(t *testing.T) {
	client := &scriptedClient{
		plan:     threeStepPlan,
		failures: map[string]error{"Collect": inference.ProtocolError(nil, "bad payload"), "Summarize": inference.ProtocolError(nil, "bad payload")},
	}
	result := New(client, agent.NewAuditor(evidence.NewMemoryStore())).Run(context.Background(), "Quarterly report", RunOptions{})
	if result.FinalOutput != "No results generated" || result.ConsensusScore != 0 || result.IsVerified {
		t.Fatalf("unexpected empty aggregation: %+v", result)
	}
	if result.EvidenceBundleID == "" {
		t.Fatalf("auditing should still run")
	}
}

func TestRunPlanningFailure(t *testing.T) {
	client := inference.ClientFunc(func(context.Context, string, inference.Options) (*inference.Response, error) {
		return nil, inference.NetworkError(errors.New("no route to host"), "delegate failed")
	})
	store := evidence.NewMemoryStore()
	result := New(client, agent.NewAuditor(store)).Run(context.Background(), "Quarterly report", RunOptions{WorkflowID: "wf-fixed"})

	if result.State != StateFailedPlanning || result.IsVerified || result.ConsensusScore != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.WorkflowID != "wf-fixed" || result.EvidenceBundleID != "" {
		t.Fatalf("planning failure must not produce a bundle: %+v", result)
	}
	if !strings.Contains(result.FinalOutput, "NETWORK_ERROR") {
		t.Fatalf("final output should explain the failure: %q", result.FinalOutput)
	}
	if bundles, _ := store.List(context.Background(), 10); len(bundles) != 0 {
		t.Fatalf("no bundle expected, got %d", len(bundles))
	}
}

func TestRunSkipPlanning(t *testing.T) {
	client := &scriptedClient{answers: map[string]string{"Quarterly report": "Done."}}
	result := New(client, agent.NewAuditor(evidence.NewMemoryStore())).Run(context.Background(), "Quarterly report", RunOptions{
		SkipPlanning: true,
		Context:      map[string]string{"company": "ACME"},
	})
	if client.count("planning agent") != 0 {
		t.Fatalf("planner must not be called")
	}
	if result.Steps[0].Status != StatusSkipped || result.FinalOutput != "Done." {
		t.Fatalf("unexpected result: %+v", result)
	}
	if !strings.Contains(client.promptFor("Quarterly report"), "- company: ACME") {
		t.Fatalf("context not forwarded to executor")
	}
}

func TestRunCancellationSkipsUnlaunchedSubtasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &scriptedClient{
		plan:       threeStepPlan,
		validation: `{"is_valid": true, "confidence": 0.9}`,
		answers:    map[string]string{"Collect revenue": "Revenue was 10M."},
	}
	client.onExecute = func(string) { cancel() }

	result := New(client, agent.NewAuditor(evidence.NewMemoryStore()), WithConcurrency(1)).Run(ctx, "Quarterly report", RunOptions{})
	if result.State != StateDone || result.FinalOutput != "Revenue was 10M." {
		t.Fatalf("partial results expected: %+v", result)
	}
	if result.Steps[1].Status != "completed" {
		t.Fatalf("first subtask should complete: %+v", result.Steps[1])
	}
	for _, step := range result.Steps[2:4] {
		if step.Status != StatusSkipped {
			t.Fatalf("expected skipped subtask: %+v", step)
		}
	}
	if result.EvidenceBundleID == "" || !result.IsVerified {
		t.Fatalf("validation and auditing should run on the detached context: %+v", result)
	}
}

func TestRunCyclicPlanIsPlanningFailure(t *testing.T) {
	client := &scriptedClient{plan: `{"subtasks": [
		{"id": "a", "description": "first", "dependencies": ["b"]},
		{"id": "b", "description": "second", "dependencies": ["a"]}
	]}`}
	result := New(client, agent.NewAuditor(evidence.NewMemoryStore()), WithDependencyOrdering(true)).Run(context.Background(), "x", RunOptions{})
	if result.State != StateFailedPlanning || result.EvidenceBundleID != "" {
		t.Fatalf("cycle should fail planning: %+v", result)
	}
	if !strings.Contains(result.FinalOutput, "CYCLIC_PLAN") {
		t.Fatalf("unexpected output %q", result.FinalOutput)
	}
	if client.count("Task: first") != 0 {
		t.Fatalf("nothing should execute")
	}
}

func TestRunDependencyOrderingForwardsOutputs(t *testing.T) {
	client := &scriptedClient{
		plan: `{"subtasks": [
			{"id": "summary", "description": "Write summary", "type": "synthesis", "dependencies": ["facts"]},
			{"id": "facts", "description": "Gather facts", "type": "extraction"}
		]}`,
		answers: map[string]string{"Gather facts": "Sales rose.", "Write summary": "Good quarter."},
	}
	result := New(client, agent.NewAuditor(evidence.NewMemoryStore()), WithDependencyOrdering(true)).Run(context.Background(), "x", RunOptions{})
	if result.State != StateDone {
		t.Fatalf("unexpected state %s", result.State)
	}
	if !strings.Contains(client.promptFor("Write summary"), "- result of facts: Sales rose.") {
		t.Fatalf("dependency output not forwarded: %s", client.promptFor("Write summary"))
	}
	if result.FinalOutput != "Good quarter.\n\n---\n\nSales rose." {
		t.Fatalf("aggregation must keep plan order: %q", result.FinalOutput)
	}
}

type stubAttestor struct {
	err error
}

func (s stubAttestor) Attest(_ context.Context, req inference.AttestationRequest) (*inference.Attestation, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &inference.Attestation{IsValid: true, Confidence: 1, Token: "0xsig-" + req.MinerAddress}, nil
}

func TestRunAttestationMetadata(t *testing.T) {
	store := evidence.NewMemoryStore()
	client := &scriptedClient{answers: map[string]string{"x": "y"}}
	result := New(client, agent.NewAuditor(store), WithAttestor(stubAttestor{})).Run(context.Background(), "x", RunOptions{SkipPlanning: true})

	bundle, err := store.Get(context.Background(), result.EvidenceBundleID)
	if err != nil {
		t.Fatalf("get bundle: %v", err)
	}
	if bundle.Metadata["attestation.subtask_1"] != "0xsig-miner-01" || bundle.Metadata["attestation_valid.subtask_1"] != "true" {
		t.Fatalf("attestation not recorded: %+v", bundle.Metadata)
	}
}

func TestLevels(t *testing.T) {
	plan := &agent.Plan{SubTasks: []agent.PlannedSubTask{
		{ID: "d", Dependencies: []string{"b", "c"}},
		{ID: "b", Dependencies: []string{"a"}},
		{ID: "c", Dependencies: []string{"a", "missing"}},
		{ID: "a"},
	}}
	levels, err := Levels(plan)
	if err != nil {
		t.Fatalf("levels: %v", err)
	}
	want := [][]int{{3}, {1, 2}, {0}}
	if len(levels) != len(want) {
		t.Fatalf("unexpected levels %v", levels)
	}
	for i := range want {
		if len(levels[i]) != len(want[i]) {
			t.Fatalf("unexpected levels %v", levels)
		}
		for j := range want[i] {
			if levels[i][j] != want[i][j] {
				t.Fatalf("unexpected levels %v", levels)
			}
		}
	}

	crossed := &agent.Plan{SubTasks: []agent.PlannedSubTask{
		{ID: "x", Dependencies: []string{"z"}},
		{ID: "y", Dependencies: []string{"w"}},
		{ID: "w"},
		{ID: "z"},
	}}
	levels, err = Levels(crossed)
	if err != nil {
		t.Fatalf("levels: %v", err)
	}
	if len(levels) != 2 || !slices.Equal(levels[0], []int{2, 3}) || !slices.Equal(levels[1], []int{0, 1}) {
		t.Fatalf("levels should keep plan order, got %v", levels)
	}

	self := &agent.Plan{SubTasks: []agent.PlannedSubTask{{ID: "a", Dependencies: []string{"a"}}}}
	if _, err := Levels(self); err == nil {
		t.Fatalf("self dependency should be a cycle")
	}
}
