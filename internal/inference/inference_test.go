package inference

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	xerrors "VeriSwarm/internal/errors"
)

func sampleResponse(taskID string) *Response {
	now := time.Now().UTC()
	return &Response{
		TaskID:  taskID,
		Content: "Revenue grew 12%.",
		WorkerResponses: []WorkerResponse{
			{WorkerID: "miner-01", Content: "Revenue grew 12%.", LatencyMs: 100, ModelName: "llama-3", Timestamp: now},
			{WorkerID: "miner-02", Content: "Revenue grew 9%.", LatencyMs: 300, ModelName: "mistral", Timestamp: now},
		},
		Consensus: ConsensusResult{
			Score:              0.5,
			AgreementCount:     1,
			TotalWorkers:       2,
			MajorityContent:    "Revenue grew 12%.",
			DivergentWorkerIDs: []string{"miner-02"},
		},
		CreatedAt: now,
	}
}

func TestConsensusThreshold(t *testing.T) {
	cases := []struct {
		score float64
		want  bool
	}{
		{0, false},
		{0.65, false},
		{0.66, true},
		{0.8, true},
		{1, true},
	}
	for _, tc := range cases {
		if got := (ConsensusResult{Score: tc.score}).IsConsensus(); got != tc.want {
			t.Fatalf("score %.2f: expected %v, got %v", tc.score, tc.want, got)
		}
	}
	var resp *Response
	if resp.IsVerified() {
		t.Fatalf("nil response must not be verified")
	}
}

func TestErrorSentinels(t *testing.T) {
	err := NetworkError(errors.New("connection refused"), "delegate failed")
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
	if errors.Is(err, ErrProtocol) {
		t.Fatalf("network error must not match protocol sentinel")
	}
	if !xerrors.RetryableError(err) {
		t.Fatalf("network errors should be retryable")
	}
	perr := ProtocolError(nil, "empty responses")
	if !errors.Is(perr, ErrProtocol) || xerrors.RetryableError(perr) {
		t.Fatalf("unexpected protocol error semantics: %v", perr)
	}
}

func TestSessionLogRecordsDelegates(t *testing.T) {
	log := NewSessionLog(7, "quarterly")
	calls := 0
	client := WithSessionLog(ClientFunc(func(ctx context.Context, prompt string, opts Options) (*Response, error) {
		calls++
		if calls == 2 {
			return nil, NetworkError(errors.New("timeout"), "delegate failed")
		}
		return sampleResponse("task-1"), nil
	}), log)

	if _, err := client.Infer(context.Background(), "summarize", Options{MaxTokens: 64}); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := client.Infer(context.Background(), "summarize", Options{}); err == nil {
		t.Fatalf("expected second call to fail")
	}

	entries := log.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if !entries[0].Success || entries[0].TaskID != "task-1" || entries[0].Operation != OperationDelegate {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].Success {
		t.Fatalf("failed call recorded as success")
	}

	log.Record(SessionEntry{Operation: OperationValidate, TaskID: "task-1", Success: true})
	summary := log.Summary()
	if summary.TotalDelegates != 2 || summary.TotalValidates != 1 || summary.TotalTasks != 1 || summary.TotalEntries != 3 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	raw, err := log.Export()
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	for _, key := range []string{"session_id", "session_name", "created_at", "entries", "summary"} {
		if _, ok := doc[key]; !ok {
			t.Fatalf("export missing %q: %s", key, raw)
		}
	}
	if doc["session_id"].(float64) != 7 {
		t.Fatalf("unexpected session id: %v", doc["session_id"])
	}
}

func TestSessionLogWorkerRoster(t *testing.T) {
	log := NewSessionLog(1, "roster")
	log.Observe(sampleResponse("a"))
	log.Observe(sampleResponse("b"))

	workers := log.Workers()
	if len(workers) != 2 {
		t.Fatalf("expected 2 workers, got %d", len(workers))
	}
	if workers[0].WorkerID != "miner-01" || workers[0].Calls != 2 || workers[0].Divergences != 0 {
		t.Fatalf("unexpected first worker: %+v", workers[0])
	}
	if workers[1].Divergences != 2 || workers[1].AgreementRate() != 0 {
		t.Fatalf("unexpected divergent worker: %+v", workers[1])
	}
	if workers[1].AvgLatencyMs != 300 || workers[1].ModelName != "mistral" {
		t.Fatalf("unexpected worker stats: %+v", workers[1])
	}
}

func TestRetryOnlyRetriesNetworkErrors(t *testing.T) {
	attempts := 0
	client := WithRetry(ClientFunc(func(ctx context.Context, prompt string, opts Options) (*Response, error) {
		attempts++
		if attempts < 3 {
			return nil, NetworkError(errors.New("refused"), "delegate failed")
		}
		return sampleResponse("task-2"), nil
	}), RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})

	resp, err := client.Infer(context.Background(), "p", Options{})
	if err != nil {
		t.Fatalf("expected success after retries: %v", err)
	}
	if resp.TaskID != "task-2" || attempts != 3 {
		t.Fatalf("unexpected result: task=%s attempts=%d", resp.TaskID, attempts)
	}

	attempts = 0
	client = WithRetry(ClientFunc(func(ctx context.Context, prompt string, opts Options) (*Response, error) {
		attempts++
		return nil, ProtocolError(nil, "bad payload")
	}), RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond})
	if _, err := client.Infer(context.Background(), "p", Options{}); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("protocol errors must not be retried, attempts=%d", attempts)
	}
}

func TestRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	client := WithRetry(ClientFunc(func(context.Context, string, Options) (*Response, error) {
		attempts++
		cancel()
		return nil, NetworkError(errors.New("refused"), "delegate failed")
	}), RetryPolicy{MaxAttempts: 4, BaseDelay: time.Second, MaxDelay: time.Second})

	_, err := client.Infer(ctx, "p", Options{})
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected a single attempt after cancellation, got %d", attempts)
	}
}

func TestBackoffIsBounded(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 10, BaseDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond}
	for attempt := 1; attempt <= 8; attempt++ {
		d := policy.Backoff(attempt)
		if d <= 0 || d > 40*time.Millisecond {
			t.Fatalf("attempt %d: backoff %s out of bounds", attempt, d)
		}
	}
}
