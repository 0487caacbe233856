package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"VeriSwarm/internal/inference"
)

func TestRenderGroupsFamilies(t *testing.T) {
	defaultCollector.reset()
	t.Cleanup(defaultCollector.reset)

	ObserveHTTPRequest("/api/v1/workflows", "POST", 202, 30*time.Millisecond)
	ObserveHTTPRequest("/api/v1/workflows", "POST", 500, 2*time.Second)
	ObserveWorkflow("done", true, time.Second)
	ObserveJob("succeeded")

	out := defaultCollector.render()
	for _, want := range []string{
		`veriswarm_http_requests_total{handler="/api/v1/workflows",method="POST",code="202"} 1`,
		`veriswarm_http_request_errors_total{handler="/api/v1/workflows",method="POST"} 1`,
		`veriswarm_http_request_duration_seconds_bucket{handler="/api/v1/workflows",method="POST",le="0.05"} 1`,
		`veriswarm_http_request_duration_seconds_bucket{handler="/api/v1/workflows",method="POST",le="+Inf"} 2`,
		`veriswarm_workflow_runs_total{state="done",verified="true"} 1`,
		`veriswarm_workflow_jobs_total{status="succeeded"} 1`,
		"# TYPE veriswarm_workflow_duration_seconds histogram",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
	if strings.Count(out, "# TYPE veriswarm_http_requests_total counter") != 1 {
		t.Fatalf("family header repeated:\n%s", out)
	}
}

func TestInstrumentClient(t *testing.T) {
	defaultCollector.reset()
	t.Cleanup(defaultCollector.reset)

	ok := InstrumentClient(inference.ClientFunc(func(context.Context, string, inference.Options) (*inference.Response, error) {
		return &inference.Response{Consensus: inference.ConsensusResult{Score: 0.8, AgreementCount: 4, TotalWorkers: 5}}, nil
	}))
	failing := InstrumentClient(inference.ClientFunc(func(context.Context, string, inference.Options) (*inference.Response, error) {
		return nil, inference.NetworkError(errors.New("refused"), "delegate failed")
	}))
	if _, err := ok.Infer(context.Background(), "p", inference.Options{}); err != nil {
		t.Fatalf("infer: %v", err)
	}
	if _, err := failing.Infer(context.Background(), "p", inference.Options{}); err == nil {
		t.Fatalf("error should pass through")
	}

	out := defaultCollector.render()
	for _, want := range []string{
		`veriswarm_inference_requests_total{outcome="ok"} 1`,
		`veriswarm_inference_requests_total{outcome="NETWORK_ERROR"} 1`,
		`veriswarm_consensus_score_bucket{le="0.8"} 1`,
		`veriswarm_consensus_score_bucket{le="0.66"} 0`,
		`veriswarm_consensus_rounds_total{verified="true"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestMiddlewareAndHandler(t *testing.T) {
	defaultCollector.reset()
	t.Cleanup(defaultCollector.reset)

	wrapped := Middleware("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	srv := httptest.NewServer(Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `code="418"`) {
		t.Fatalf("status not recorded:\n%s", body)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain") {
		t.Fatalf("unexpected content type %s", resp.Header.Get("Content-Type"))
	}
}

func TestStartServerRequiresAddress(t *testing.T) {
	if err := StartServer(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty address")
	}
}
