// Package tools 提供面向外部网关的工具式操作：推理、校验、矿工列表、审计与健康检查。
//
// 每个操作返回可读文本与对应的结构化数据，HTTP 与 CLI 两个入口共享同一实现。
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"VeriSwarm/internal/agent"
	xerrors "VeriSwarm/internal/errors"
	"VeriSwarm/internal/evidence"
	"VeriSwarm/internal/inference"
	"VeriSwarm/internal/observability/metrics"
	"VeriSwarm/internal/web3"
	"VeriSwarm/pkg/logger"
)

// Output 是工具调用的统一返回值。
type Output struct {
	Text string `json:"text"`
	Data any    `json:"data,omitempty"`
}

// InferenceData 是 run_inference 的结构化结果。
type InferenceData struct {
	TaskID             string   `json:"task_id"`
	Content            string   `json:"content"`
	ConsensusScore     float64  `json:"consensus_score"`
	Threshold          float64  `json:"threshold"`
	IsVerified         bool     `json:"is_verified"`
	AgreementCount     int      `json:"agreement_count"`
	TotalWorkers       int      `json:"total_workers"`
	DivergentWorkerIDs []string `json:"divergent_worker_ids"`
	TotalLatencyMs     float64  `json:"total_latency_ms"`
	BundleID           string   `json:"bundle_id,omitempty"`
}

// VerifyData 是 verify 的结构化结果。
type VerifyData struct {
	evidence.Verification
	Signed         bool `json:"signed"`
	SignatureValid bool `json:"signature_valid"`
}

// AuditData 是 audit 的结构化结果；Workers 仅在请求明细时填充。
type AuditData struct {
	BundleID      string                  `json:"bundle_id"`
	TaskID        string                  `json:"task_id"`
	CreatedAt     time.Time               `json:"created_at"`
	IntegrityHash string                  `json:"integrity_hash"`
	FinalOutput   string                  `json:"final_output"`
	Steps         []evidence.Step         `json:"execution_steps"`
	Consensus     evidence.ConsensusInfo  `json:"consensus_info"`
	Validation    evidence.ValidationInfo `json:"validation_result"`
	WorkerCount   int                     `json:"worker_count"`
	Workers       []evidence.WorkerRecord `json:"worker_responses,omitempty"`
	Metadata      map[string]string       `json:"metadata,omitempty"`
}

// WorkerData 是单个矿工的画像。
type WorkerData struct {
	inference.WorkerStat
	AgreementRate float64 `json:"agreement_rate"`
}

// HealthData 是 health 的结构化结果。
type HealthData struct {
	Status    string                   `json:"status"`
	Mode      string                   `json:"mode"`
	SessionID int64                    `json:"session_id"`
	Session   inference.SessionSummary `json:"session"`
	Evidence  string                   `json:"evidence_store"`
	Chain     *web3.ChainSnapshot      `json:"chain,omitempty"`
	ChainErr  string                   `json:"chain_error,omitempty"`
	CheckedAt time.Time                `json:"checked_at"`
}

// 健康状态取值。
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
)

// Service 把推理客户端、审计器与会话日志组合成工具操作。
type Service struct {
	client   inference.Client
	auditor  *agent.Auditor
	session  *inference.SessionLog
	chain    web3.Client
	mode     string
	probeTTL time.Duration
	log      *slog.Logger
	now      func() time.Time
}

// Option 定义 Service 的可选配置。
type Option func(*Service)

// WithChain 为健康检查附加链上快照。
func WithChain(client web3.Client) Option {
	return func(s *Service) {
		s.chain = client
	}
}

// WithMode 标记推理客户端的运行模式（live 或 simulated）。
func WithMode(mode string) Option {
	return func(s *Service) {
		s.mode = mode
	}
}

// WithProbeTimeout 设置健康检查中每个外部探测的超时。
func WithProbeTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.probeTTL = d
		}
	}
}

// NewService 构造工具服务。
func NewService(client inference.Client, auditor *agent.Auditor, session *inference.SessionLog, opts ...Option) *Service {
	s := &Service{
		client:   client,
		auditor:  auditor,
		session:  session,
		mode:     "simulated",
		probeTTL: 3 * time.Second,
		log:      logger.Named("tools"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// RunInference 向推理网络发送一次提示词，并按给定阈值判定共识。
//
// consensusThreshold 不在 (0, 1] 内时使用默认的三分之二阈值。
func (s *Service) RunInference(ctx context.Context, prompt string, consensusThreshold float64, maxTokens int) (*Output, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "prompt 不能为空")
	}
	if s.client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "推理客户端未初始化")
	}
	if consensusThreshold <= 0 || consensusThreshold > 1 {
		consensusThreshold = inference.ConsensusThreshold
	}

	resp, err := s.client.Infer(ctx, prompt, inference.Options{MaxTokens: maxTokens})
	if err != nil {
		s.log.Warn("工具推理失败", slog.Any("error", err))
		return nil, err
	}

	data := InferenceData{
		TaskID:             resp.TaskID,
		Content:            resp.Content,
		ConsensusScore:     resp.Consensus.Score,
		Threshold:          consensusThreshold,
		IsVerified:         resp.Consensus.Score >= consensusThreshold,
		AgreementCount:     resp.Consensus.AgreementCount,
		TotalWorkers:       resp.Consensus.TotalWorkers,
		DivergentWorkerIDs: append([]string{}, resp.Consensus.DivergentWorkerIDs...),
		TotalLatencyMs:     resp.TotalLatencyMs,
	}

	// 证据包以推理 task_id 为键，verify 与 audit 可直接使用返回的 ID。
	if s.auditor != nil {
		bundle, err := s.auditor.CreateBundle(ctx, agent.BundleInput{
			TaskID:       resp.TaskID,
			Description:  prompt,
			Responses:    []*inference.Response{resp},
			AverageScore: resp.Consensus.Score,
			FinalOutput:  resp.Content,
		})
		if err != nil {
			s.log.Warn("推理证据包写入失败", slog.String("task_id", resp.TaskID), slog.Any("error", err))
		} else {
			data.BundleID = bundle.BundleID
		}
	}

	var b strings.Builder
	if data.IsVerified {
		fmt.Fprintf(&b, "Consensus reached (score %.2f, %d/%d workers agree)", data.ConsensusScore, data.AgreementCount, data.TotalWorkers)
	} else {
		fmt.Fprintf(&b, "Consensus NOT reached (score %.2f below threshold %.2f, %d/%d workers agree)",
			data.ConsensusScore, consensusThreshold, data.AgreementCount, data.TotalWorkers)
	}
	if len(data.DivergentWorkerIDs) > 0 {
		fmt.Fprintf(&b, "\nDivergent workers: %s", strings.Join(data.DivergentWorkerIDs, ", "))
	}
	fmt.Fprintf(&b, "\nTask ID: %s", data.TaskID)
	if data.BundleID != "" {
		fmt.Fprintf(&b, "\nEvidence bundle: %s", data.BundleID)
	}
	fmt.Fprintf(&b, "\n\n%s", data.Content)
	return &Output{Text: b.String(), Data: data}, nil
}

// Verify 重新计算任务最近一个证据包的哈希，并检查可选签名。
func (s *Service) Verify(ctx context.Context, taskID string) (*Output, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "task_id 不能为空")
	}
	if s.auditor == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "审计器未初始化")
	}

	result, err := s.auditor.VerifyTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	data := VerifyData{Verification: result}
	if !result.Valid {
		data.TaskID = taskID
		metrics.ObserveVerification(false)
		return &Output{Text: fmt.Sprintf("No evidence bundle found for task %s", taskID), Data: data}, nil
	}

	bundle, err := s.auditor.Bundle(ctx, result.BundleID)
	if err != nil && !errors.Is(err, evidence.ErrBundleNotFound) {
		return nil, err
	}
	data.SignatureValid, data.Signed = agent.SignatureValid(bundle)
	metrics.ObserveVerification(true)

	text := fmt.Sprintf("Evidence bundle %s for task %s is present\nIntegrity hash: %s\nCreated at: %s",
		result.BundleID, result.TaskID, result.Hash, result.CreatedAt.Format(time.RFC3339))
	switch {
	case data.Signed && data.SignatureValid:
		text += "\nSignature: valid (" + bundle.Metadata[agent.MetaSigner] + ")"
	case data.Signed:
		text += "\nSignature: INVALID, bundle contents no longer match the signed hash"
	}
	return &Output{Text: text, Data: data}, nil
}

// ListWorkers 返回本进程会话中观察到的矿工画像。
func (s *Service) ListWorkers(_ context.Context) (*Output, error) {
	stats := s.session.Workers()
	workers := make([]WorkerData, 0, len(stats))
	for _, stat := range stats {
		workers = append(workers, WorkerData{WorkerStat: stat, AgreementRate: stat.AgreementRate()})
	}
	if len(workers) == 0 {
		return &Output{Text: "No workers observed in this session yet", Data: workers}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d workers observed:", len(workers))
	for _, w := range workers {
		model := w.ModelName
		if model == "" {
			model = "unknown"
		}
		fmt.Fprintf(&b, "\n- %s (%s): %d calls, agreement %.0f%%, avg latency %.0fms",
			w.WorkerID, model, w.Calls, w.AgreementRate*100, w.AvgLatencyMs)
	}
	return &Output{Text: b.String(), Data: workers}, nil
}

// Audit 返回任务最近一个证据包的摘要；includeWorkerDetails 为 true 时附带矿工回答。
func (s *Service) Audit(ctx context.Context, taskID string, includeWorkerDetails bool) (*Output, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "task_id 不能为空")
	}
	if s.auditor == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "审计器未初始化")
	}

	bundle, err := s.auditor.LatestBundle(ctx, taskID)
	if err != nil {
		if errors.Is(err, evidence.ErrBundleNotFound) {
			return &Output{Text: fmt.Sprintf("No evidence bundle found for task %s", taskID)}, nil
		}
		return nil, err
	}

	data := AuditData{
		BundleID:      bundle.BundleID,
		TaskID:        bundle.TaskID,
		CreatedAt:     bundle.CreatedAt,
		IntegrityHash: bundle.IntegrityHash(),
		FinalOutput:   bundle.FinalOutput,
		Steps:         bundle.ExecutionSteps,
		Consensus:     bundle.ConsensusInfo,
		Validation:    bundle.ValidationResult,
		WorkerCount:   len(bundle.WorkerResponses),
		Metadata:      bundle.Metadata,
	}
	if includeWorkerDetails {
		data.Workers = bundle.WorkerResponses
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Audit of task %s (bundle %s)\n", data.TaskID, data.BundleID)
	fmt.Fprintf(&b, "Integrity hash: %s\n", data.IntegrityHash)
	fmt.Fprintf(&b, "Consensus: average %.2f, threshold %.2f, reached %t\n",
		data.Consensus.AverageScore, data.Consensus.Threshold, data.Consensus.IsConsensus)
	fmt.Fprintf(&b, "Validation: valid %t, confidence %.2f\n", data.Validation.IsValid, data.Validation.Confidence)
	for _, issue := range data.Validation.Issues {
		fmt.Fprintf(&b, "  issue: %s\n", issue)
	}
	b.WriteString("Steps:")
	for _, step := range data.Steps {
		label := step.Stage
		if step.TaskID != "" {
			label += "/" + step.TaskID
		}
		fmt.Fprintf(&b, "\n- %s: %s", label, step.Status)
		if step.Error != "" {
			fmt.Fprintf(&b, " (%s)", step.Error)
		}
	}
	fmt.Fprintf(&b, "\nWorker responses: %d", data.WorkerCount)
	if includeWorkerDetails {
		for _, w := range data.Workers {
			fmt.Fprintf(&b, "\n- %s [%s] %.0fms %s", w.WorkerID, w.ModelName, w.LatencyMs, workerContent(w))
		}
	}
	return &Output{Text: b.String(), Data: data}, nil
}

func workerContent(w evidence.WorkerRecord) string {
	if w.Content != "" {
		return w.Content
	}
	return "sha256:" + w.ContentHash
}

// Health 报告推理模式、会话统计、证据存储与链上连接的状态。
func (s *Service) Health(ctx context.Context) (*Output, error) {
	data := HealthData{
		Status:    HealthOK,
		Mode:      s.mode,
		SessionID: s.session.ID(),
		Session:   s.session.Summary(),
		Evidence:  HealthOK,
		CheckedAt: s.now(),
	}

	if s.auditor == nil || s.auditor.Store() == nil {
		data.Evidence = "not configured"
		data.Status = HealthDegraded
	} else {
		probeCtx, cancel := context.WithTimeout(ctx, s.probeTTL)
		_, err := s.auditor.Store().List(probeCtx, 1)
		cancel()
		if err != nil {
			data.Evidence = err.Error()
			data.Status = HealthDegraded
		}
	}

	if s.chain != nil {
		probeCtx, cancel := context.WithTimeout(ctx, s.probeTTL)
		snapshot, err := s.chain.FetchChainSnapshot(probeCtx)
		cancel()
		if err != nil {
			data.ChainErr = err.Error()
			data.Status = HealthDegraded
		} else {
			data.Chain = &snapshot
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Status: %s\nInference mode: %s\nSession %d: %d delegates, %d validates, %d tasks\nEvidence store: %s",
		data.Status, data.Mode, data.SessionID,
		data.Session.TotalDelegates, data.Session.TotalValidates, data.Session.TotalTasks, data.Evidence)
	if data.Chain != nil {
		fmt.Fprintf(&b, "\nChain: %s (chain id %s, block %s)", data.Chain.Network, data.Chain.ChainID, data.Chain.BlockNumber)
	} else if data.ChainErr != "" {
		fmt.Fprintf(&b, "\nChain: unavailable (%s)", data.ChainErr)
	}
	return &Output{Text: b.String(), Data: data}, nil
}
