package simulated

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"VeriSwarm/internal/inference"
)

func TestScriptedResponses(t *testing.T) {
	client := NewClient(Config{
		Workers: 5,
		Responses: []string{
			"Revenue grew 12%.", "Revenue grew 12%.", "Revenue grew 9%.", "Revenue grew 12%.", "Revenue grew 12%.",
		},
		Seed: 1,
	})

	resp, err := client.Infer(context.Background(), "Summarize quarterly results", inference.Options{})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if len(resp.WorkerResponses) != 5 {
		t.Fatalf("expected 5 worker responses, got %d", len(resp.WorkerResponses))
	}
	if resp.Consensus.Score != 0.8 || !resp.IsVerified() || resp.Content != "Revenue grew 12%." {
		t.Fatalf("unexpected consensus: %+v", resp.Consensus)
	}
	if resp.WorkerResponses[0].WorkerID != "miner-01" || resp.WorkerResponses[4].WorkerID != "miner-05" {
		t.Fatalf("unexpected worker ids: %+v", resp.WorkerResponses)
	}
	for _, wr := range resp.WorkerResponses {
		if wr.LatencyMs < 50 || wr.LatencyMs > 400 {
			t.Fatalf("latency out of configured range: %f", wr.LatencyMs)
		}
	}
}

func TestDivergenceAndRedundancy(t *testing.T) {
	client := NewClient(Config{DivergenceRate: 1, Seed: 42})
	resp, err := client.Infer(context.Background(), "hello", inference.Options{Redundancy: 3})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if resp.Consensus.TotalWorkers != 3 || resp.Consensus.AgreementCount != 2 {
		t.Fatalf("expected one outlier among 3 workers: %+v", resp.Consensus)
	}
	if len(resp.Consensus.DivergentWorkerIDs) != 1 {
		t.Fatalf("expected a single divergent worker: %v", resp.Consensus.DivergentWorkerIDs)
	}
}

func TestSeededClientsAgree(t *testing.T) {
	a := NewClient(Config{DivergenceRate: 0.5, Seed: 7})
	b := NewClient(Config{DivergenceRate: 0.5, Seed: 7})
	for i := 0; i < 5; i++ {
		ra, err := a.Infer(context.Background(), "p", inference.Options{})
		if err != nil {
			t.Fatalf("infer a: %v", err)
		}
		rb, err := b.Infer(context.Background(), "p", inference.Options{})
		if err != nil {
			t.Fatalf("infer b: %v", err)
		}
		if ra.Consensus.Score != rb.Consensus.Score {
			t.Fatalf("round %d: seeded clients diverged %f vs %f", i, ra.Consensus.Score, rb.Consensus.Score)
		}
	}
}

func TestFailureInjection(t *testing.T) {
	client := NewClient(Config{FailureRate: 1, Seed: 3})
	if _, err := client.Infer(context.Background(), "p", inference.Options{}); !errors.Is(err, inference.ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
}

func TestCancellationDuringDelay(t *testing.T) {
	client := NewClient(Config{MinLatency: time.Second, MaxLatency: time.Second, MaxDelay: time.Second, Seed: 5})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Infer(ctx, "p", inference.Options{})
	if !errors.Is(err, inference.ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("cancellation not honoured promptly")
	}
}

func TestResponderAndDefaultAnswer(t *testing.T) {
	client := NewClient(Config{Workers: 2, Seed: 9, Responder: func(prompt string, worker int) string {
		return "echo: " + prompt
	}})
	resp, err := client.Infer(context.Background(), "ping", inference.Options{})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if resp.Content != "echo: ping" {
		t.Fatalf("responder ignored: %q", resp.Content)
	}

	plain := NewClient(Config{Seed: 9})
	resp, err = plain.Infer(context.Background(), "  spaced   prompt ", inference.Options{})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if resp.Content != "Processed: spaced prompt" {
		t.Fatalf("unexpected default answer: %q", resp.Content)
	}
}

func TestDefaultAnswerKeepsRunesIntact(t *testing.T) {
	prompt := "ab" + strings.Repeat("季度营收", 60)
	client := NewClient(Config{Workers: 3})
	resp, err := client.Infer(context.Background(), prompt, inference.Options{})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if !utf8.ValidString(resp.Content) {
		t.Fatalf("content is not valid UTF-8: %q", resp.Content)
	}
	summary := strings.TrimPrefix(resp.Content, "Processed: ")
	if got := utf8.RuneCountInString(summary); got != 160 {
		t.Fatalf("expected 160 runes, got %d", got)
	}
}
