// Package simulated 在本地合成一组冗余矿工回答，用于离线运行与测试。
package simulated

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"VeriSwarm/internal/consensus"
	"VeriSwarm/internal/inference"
)

const (
	defaultWorkers    = 5
	defaultMinLatency = 50 * time.Millisecond
	defaultMaxLatency = 400 * time.Millisecond
)

var defaultModels = []string{"llama-3-8b", "mistral-7b", "qwen2-7b", "phi-3-mini", "gemma-7b"}

// Responder 根据提示词与矿工序号生成回答内容。
type Responder func(prompt string, worker int) string

// Config 控制模拟网络的行为。
type Config struct {
	Workers int
	// Responses 为脚本化回答，第 i 个矿工取 Responses[i%len]。
	Responses []string
	Responder Responder
	// DivergenceRate 为一轮推理出现单个离群回答的概率。
	DivergenceRate float64
	// FailureRate 为一轮推理整体返回 NetworkError 的概率。
	FailureRate float64
	MinLatency  time.Duration
	MaxLatency  time.Duration
	// MaxDelay 限制真实等待时间，<=0 表示不等待。
	MaxDelay time.Duration
	Seed     int64
	Models   []string
}

// Client 实现 inference.Client。
type Client struct {
	cfg    Config
	engine *consensus.Engine

	mu  sync.Mutex
	rng *rand.Rand
}

// NewClient 创建模拟客户端。
func NewClient(cfg Config) *Client {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.MinLatency <= 0 {
		cfg.MinLatency = defaultMinLatency
	}
	if cfg.MaxLatency < cfg.MinLatency {
		cfg.MaxLatency = max(defaultMaxLatency, cfg.MinLatency)
	}
	if len(cfg.Models) == 0 {
		cfg.Models = defaultModels
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Client{
		cfg:    cfg,
		engine: consensus.New(),
		rng:    rand.New(rand.NewSource(seed)),
	}
}

type plan struct {
	fail      bool
	outlier   int
	latencies []time.Duration
}

func (c *Client) roll(workers int) plan {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := plan{outlier: -1, latencies: make([]time.Duration, workers)}
	if c.cfg.FailureRate > 0 && c.rng.Float64() < c.cfg.FailureRate {
		p.fail = true
		return p
	}
	if workers > 1 && c.cfg.DivergenceRate > 0 && c.rng.Float64() < c.cfg.DivergenceRate {
		p.outlier = c.rng.Intn(workers)
	}
	spread := int64(c.cfg.MaxLatency - c.cfg.MinLatency)
	for i := range p.latencies {
		jitter := time.Duration(0)
		if spread > 0 {
			jitter = time.Duration(c.rng.Int63n(spread + 1))
		}
		p.latencies[i] = c.cfg.MinLatency + jitter
	}
	return p
}

// Infer 合成一轮冗余回答并计算共识。
func (c *Client) Infer(ctx context.Context, prompt string, opts inference.Options) (*inference.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, inference.NetworkError(err, "simulated delegate cancelled")
	}
	workers := c.cfg.Workers
	if opts.Redundancy > 0 {
		workers = opts.Redundancy
	}

	p := c.roll(workers)
	if p.fail {
		return nil, inference.NetworkError(fmt.Errorf("injected failure"), "simulated delegate failed")
	}

	var slowest time.Duration
	for _, l := range p.latencies {
		slowest = max(slowest, l)
	}
	if err := c.wait(ctx, min(slowest, c.cfg.MaxDelay), opts.Timeout); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	responses := make([]inference.WorkerResponse, workers)
	for i := 0; i < workers; i++ {
		content := c.answer(prompt, i)
		if i == p.outlier {
			content = divergentAnswer(content)
		}
		responses[i] = inference.WorkerResponse{
			WorkerID:  fmt.Sprintf("miner-%02d", i+1),
			Content:   content,
			LatencyMs: float64(p.latencies[i].Microseconds()) / 1000,
			ModelName: c.cfg.Models[i%len(c.cfg.Models)],
			Timestamp: now,
			Metadata:  map[string]string{"network": "simulated"},
		}
	}

	result := c.engine.Compute(responses)
	return &inference.Response{
		TaskID:          uuid.NewString(),
		Content:         result.MajorityContent,
		WorkerResponses: responses,
		Consensus:       result,
		TotalLatencyMs:  float64(slowest.Microseconds()) / 1000,
		CreatedAt:       now,
	}, nil
}

func (c *Client) wait(ctx context.Context, delay, timeout time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timedOut := false
	if timeout > 0 && delay > timeout {
		delay, timedOut = timeout, true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return inference.NetworkError(ctx.Err(), "simulated delegate cancelled")
	case <-timer.C:
		if timedOut {
			return inference.NetworkError(context.DeadlineExceeded, "simulated delegate timed out")
		}
		return nil
	}
}

func (c *Client) answer(prompt string, worker int) string {
	if len(c.cfg.Responses) > 0 {
		return c.cfg.Responses[worker%len(c.cfg.Responses)]
	}
	if c.cfg.Responder != nil {
		return c.cfg.Responder(prompt, worker)
	}
	return defaultAnswer(prompt)
}

func defaultAnswer(prompt string) string {
	summary := strings.Join(strings.Fields(prompt), " ")
	if runes := []rune(summary); len(runes) > 160 {
		summary = string(runes[:160])
	}
	return "Processed: " + summary
}

func divergentAnswer(content string) string {
	return content + " (alternative interpretation)"
}
