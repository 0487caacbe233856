package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const namespace = "veriswarm"

var (
	latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	scoreBuckets   = []float64{0.2, 0.4, 0.6, 0.66, 0.8, 0.9, 1}
)

type family struct {
	help string
	kind string
}

var families = map[string]family{
	"http_requests_total":           {"Total number of HTTP requests processed.", "counter"},
	"http_request_errors_total":     {"Total number of HTTP requests that resulted in a server error.", "counter"},
	"http_request_duration_seconds": {"HTTP request duration in seconds.", "histogram"},
	"inference_requests_total":      {"Inference calls by outcome.", "counter"},
	"inference_duration_seconds":    {"Inference call duration in seconds.", "histogram"},
	"consensus_score":               {"Consensus score of successful inference rounds.", "histogram"},
	"consensus_rounds_total":        {"Inference rounds by consensus verdict.", "counter"},
	"workflow_runs_total":           {"Workflow runs by final state and verification verdict.", "counter"},
	"workflow_duration_seconds":     {"Workflow execution time in seconds.", "histogram"},
	"workflow_jobs_total":           {"Workflow job transitions by status.", "counter"},
	"evidence_verifications_total":  {"Evidence integrity checks by result.", "counter"},
}

// series 以指标名与渲染好的标签唯一标识一条时间序列。
type series struct {
	name   string
	labels string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			h.counts[idx]++
		}
	}
}

type collector struct {
	mu         sync.Mutex
	counters   map[series]uint64
	histograms map[series]*histogram
}

func newCollector() *collector {
	return &collector{
		counters:   make(map[series]uint64),
		histograms: make(map[series]*histogram),
	}
}

var defaultCollector = newCollector()

func (c *collector) inc(name string, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[series{name: name, labels: renderLabels(labels)}]++
}

func (c *collector) observe(name string, buckets []float64, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := series{name: name, labels: renderLabels(labels)}
	hist := c.histograms[key]
	if hist == nil {
		hist = newHistogram(buckets)
		c.histograms[key] = hist
	}
	hist.observe(value)
}

func (c *collector) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters = make(map[series]uint64)
	c.histograms = make(map[series]*histogram)
}

// renderLabels 把 key, value 成对的参数渲染为 Prometheus 标签串。
func renderLabels(pairs []string) string {
	parts := make([]string, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		parts = append(parts, fmt.Sprintf("%s=\"%s\"", pairs[i], escape(pairs[i+1])))
	}
	return strings.Join(parts, ",")
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	defaultCollector.inc("http_requests_total", "handler", handler, "method", method, "code", strconv.Itoa(status))
	if status >= 500 {
		defaultCollector.inc("http_request_errors_total", "handler", handler, "method", method)
	}
	defaultCollector.observe("http_request_duration_seconds", latencyBuckets, duration.Seconds(), "handler", handler, "method", method)
}

// ObserveInference records one inference call; outcome is "ok" or an error code.
func ObserveInference(outcome string, duration time.Duration) {
	defaultCollector.inc("inference_requests_total", "outcome", outcome)
	defaultCollector.observe("inference_duration_seconds", latencyBuckets, duration.Seconds(), "outcome", outcome)
}

// ObserveConsensus records the consensus score of a successful round.
func ObserveConsensus(score float64, verified bool) {
	defaultCollector.observe("consensus_score", scoreBuckets, score)
	defaultCollector.inc("consensus_rounds_total", "verified", strconv.FormatBool(verified))
}

// ObserveWorkflow records the outcome of a coordinator run.
func ObserveWorkflow(state string, verified bool, duration time.Duration) {
	defaultCollector.inc("workflow_runs_total", "state", state, "verified", strconv.FormatBool(verified))
	defaultCollector.observe("workflow_duration_seconds", latencyBuckets, duration.Seconds(), "state", state)
}

// ObserveJob records a workflow job status transition.
func ObserveJob(status string) {
	defaultCollector.inc("workflow_jobs_total", "status", status)
}

// ObserveVerification records an evidence integrity check.
func ObserveVerification(valid bool) {
	defaultCollector.inc("evidence_verifications_total", "valid", strconv.FormatBool(valid))
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, defaultCollector.render())
	})
}

// Middleware records request count, errors and latency for the wrapped handler.
func Middleware(handler string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		ObserveHTTPRequest(handler, r.Method, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type counterMetric struct {
		series
		value uint64
	}
	type histogramMetric struct {
		series
		hist histogram
	}

	counters := make([]counterMetric, 0, len(c.counters))
	for key, value := range c.counters {
		counters = append(counters, counterMetric{series: key, value: value})
	}
	hists := make([]histogramMetric, 0, len(c.histograms))
	for key, hist := range c.histograms {
		snapshot := *hist
		snapshot.counts = append([]uint64(nil), hist.counts...)
		hists = append(hists, histogramMetric{series: key, hist: snapshot})
	}
	sort.Slice(counters, func(i, j int) bool { return lessSeries(counters[i].series, counters[j].series) })
	sort.Slice(hists, func(i, j int) bool { return lessSeries(hists[i].series, hists[j].series) })

	var builder strings.Builder
	builder.Grow(2048)

	header := func(name string) {
		meta := families[name]
		builder.WriteString(fmt.Sprintf("# HELP %s_%s %s\n", namespace, name, meta.help))
		builder.WriteString(fmt.Sprintf("# TYPE %s_%s %s\n", namespace, name, meta.kind))
	}

	last := ""
	for _, metric := range counters {
		if metric.name != last {
			header(metric.name)
			last = metric.name
		}
		builder.WriteString(fmt.Sprintf("%s_%s%s %d\n", namespace, metric.name, braces(metric.labels), metric.value))
	}

	last = ""
	for _, metric := range hists {
		if metric.name != last {
			header(metric.name)
			last = metric.name
		}
		full := namespace + "_" + metric.name
		for idx, bound := range metric.hist.buckets {
			builder.WriteString(fmt.Sprintf("%s_bucket%s %d\n", full, braces(joinLabels(metric.labels, "le=\""+formatFloat(bound)+"\"")), metric.hist.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("%s_bucket%s %d\n", full, braces(joinLabels(metric.labels, "le=\"+Inf\"")), metric.hist.count))
		builder.WriteString(fmt.Sprintf("%s_sum%s %s\n", full, braces(metric.labels), formatFloat(metric.hist.sum)))
		builder.WriteString(fmt.Sprintf("%s_count%s %d\n", full, braces(metric.labels), metric.hist.count))
	}

	return builder.String()
}

func lessSeries(a, b series) bool {
	if a.name == b.name {
		return a.labels < b.labels
	}
	return a.name < b.name
}

func joinLabels(labels, extra string) string {
	if labels == "" {
		return extra
	}
	return labels + "," + extra
}

func braces(labels string) string {
	if labels == "" {
		return ""
	}
	return "{" + labels + "}"
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
