package agent

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "VeriSwarm/internal/errors"
	"VeriSwarm/internal/evidence"
	"VeriSwarm/internal/inference"
	"VeriSwarm/internal/proofs"
	"VeriSwarm/internal/web3"
	"VeriSwarm/pkg/logger"
)

// 证据包 Metadata 中使用的键。
const (
	MetaSignature   = "signature"
	MetaSigner      = "signer"
	MetaChainName   = "chain_network"
	MetaChainID     = "chain_id"
	MetaBlockNumber = "block_number"
	MetaChainError  = "chain_error"
	MetaRedacted    = "worker_content_redacted"
)

// AuditResult 是审计器写入任务的结果。
type AuditResult struct {
	BundleID      string `json:"bundle_id"`
	IntegrityHash string `json:"integrity_hash"`
}

// BundleInput 是创建证据包所需的全部数据。
type BundleInput struct {
	TaskID string
	// Steps 为空时会合成一个以当前时间标记的步骤。
	Steps        []evidence.Step
	Description  string
	Responses    []*inference.Response
	AverageScore float64
	Validation   *ValidationResult
	FinalOutput  string
	Metadata     map[string]string
}

// Auditor 组装并保存证据包，不调用推理网络。
type Auditor struct {
	store  evidence.Store
	redact bool
	signer *proofs.Signer
	chain  web3.Client
	log    *slog.Logger
	now    func() time.Time
}

// AuditorOption 定义可选的审计器配置。
type AuditorOption func(*Auditor)

// WithRedaction 开启后证据包只保留矿工回答的内容哈希。
func WithRedaction(enabled bool) AuditorOption {
	return func(a *Auditor) {
		a.redact = enabled
	}
}

// WithSigner 使用私钥对完整性哈希签名，签名写入 Metadata。
func WithSigner(signer *proofs.Signer) AuditorOption {
	return func(a *Auditor) {
		a.signer = signer
	}
}

// WithChainAnchor 在创建证据包时记录链上快照。
func WithChainAnchor(client web3.Client) AuditorOption {
	return func(a *Auditor) {
		a.chain = client
	}
}

// NewAuditor 创建审计器，store 由调用方注入并管理生命周期。
func NewAuditor(store evidence.Store, opts ...AuditorOption) *Auditor {
	a := &Auditor{
		store: store,
		log:   logger.Named("agent.auditor"),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Store 返回审计器使用的证据存储。
func (a *Auditor) Store() evidence.Store {
	return a.store
}

// CreateBundle 构建并保存证据包。
func (a *Auditor) CreateBundle(ctx context.Context, in BundleInput) (*evidence.Bundle, error) {
	if a.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置证据存储")
	}
	if strings.TrimSpace(in.TaskID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "task_id 不能为空")
	}

	now := a.now()
	bundle := &evidence.Bundle{
		BundleID:         uuid.NewString(),
		TaskID:           in.TaskID,
		CreatedAt:        now,
		ExecutionSteps:   a.buildSteps(in, now),
		WorkerResponses:  a.workerRecords(in.Responses),
		ConsensusInfo:    consensusInfo(in.Responses, in.AverageScore),
		ValidationResult: validationInfo(in.Validation, in.AverageScore),
		FinalOutput:      in.FinalOutput,
		Metadata:         maps.Clone(in.Metadata),
	}
	bundle.Normalize()
	if a.redact {
		bundle.Metadata[MetaRedacted] = "true"
	}

	// 链上锚定与签名只写 Metadata，不影响完整性哈希。
	if a.chain != nil {
		snapshot, err := a.chain.FetchChainSnapshot(ctx)
		if err != nil {
			bundle.Metadata[MetaChainError] = err.Error()
		} else {
			bundle.Metadata[MetaChainName] = snapshot.Network
			bundle.Metadata[MetaChainID] = snapshot.ChainID
			bundle.Metadata[MetaBlockNumber] = snapshot.BlockNumber
		}
	}
	hash := bundle.IntegrityHash()
	if a.signer != nil {
		signature, err := a.signer.SignHash(hash)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "签名证据包失败")
		}
		bundle.Metadata[MetaSignature] = signature
		bundle.Metadata[MetaSigner] = a.signer.Address()
	}

	if err := a.store.Save(ctx, bundle); err != nil {
		return nil, err
	}
	logger.Audit().Info("evidence bundle created",
		"bundle_id", bundle.BundleID,
		"task_id", bundle.TaskID,
		"integrity_hash", hash,
		"worker_responses", len(bundle.WorkerResponses),
	)
	return bundle, nil
}

// Record 以任务形式执行 CreateBundle，保证与其他智能体相同的状态语义。
func (a *Auditor) Record(ctx context.Context, task *Task, in BundleInput) *Task {
	b := base{name: "auditor", log: a.log}
	return b.run(task, func() (Result, error) {
		bundle, err := a.CreateBundle(ctx, in)
		if err != nil {
			return Result{}, err
		}
		return Result{Audit: &AuditResult{BundleID: bundle.BundleID, IntegrityHash: bundle.IntegrityHash()}}, nil
	})
}

// Bundle 按 bundle_id 读取证据包。
func (a *Auditor) Bundle(ctx context.Context, bundleID string) (*evidence.Bundle, error) {
	return a.store.Get(ctx, bundleID)
}

// LatestBundle 读取任务最近的证据包。
func (a *Auditor) LatestBundle(ctx context.Context, taskID string) (*evidence.Bundle, error) {
	return a.store.LatestForTask(ctx, taskID)
}

// VerifyIntegrity 重新计算证据包哈希；证据包存在即 Valid。
func (a *Auditor) VerifyIntegrity(ctx context.Context, bundleID string) (evidence.Verification, error) {
	bundle, err := a.store.Get(ctx, bundleID)
	return verification(bundle, err)
}

// VerifyTask 校验任务最近的证据包。
func (a *Auditor) VerifyTask(ctx context.Context, taskID string) (evidence.Verification, error) {
	bundle, err := a.store.LatestForTask(ctx, taskID)
	if errors.Is(err, evidence.ErrBundleNotFound) {
		return evidence.Verification{TaskID: taskID}, nil
	}
	return verification(bundle, err)
}

// SignatureValid 检查证据包中的签名是否与当前哈希匹配；未签名时第二个返回值为 false。
func SignatureValid(bundle *evidence.Bundle) (valid bool, signed bool) {
	if bundle == nil {
		return false, false
	}
	signature, signer := bundle.Metadata[MetaSignature], bundle.Metadata[MetaSigner]
	if signature == "" || signer == "" {
		return false, false
	}
	return proofs.VerifySignature(bundle.IntegrityHash(), signature, signer), true
}

func verification(bundle *evidence.Bundle, err error) (evidence.Verification, error) {
	if err != nil {
		if errors.Is(err, evidence.ErrBundleNotFound) {
			return evidence.Verification{}, nil
		}
		return evidence.Verification{}, err
	}
	return evidence.Verification{
		Valid:     true,
		Hash:      bundle.IntegrityHash(),
		BundleID:  bundle.BundleID,
		TaskID:    bundle.TaskID,
		CreatedAt: bundle.CreatedAt,
	}, nil
}

func (a *Auditor) buildSteps(in BundleInput, now time.Time) []evidence.Step {
	if len(in.Steps) > 0 {
		steps := make([]evidence.Step, len(in.Steps))
		copy(steps, in.Steps)
		for i := range steps {
			if steps[i].Timestamp.IsZero() {
				steps[i].Timestamp = now
			}
		}
		return steps
	}
	return []evidence.Step{{
		Stage:          evidence.StageExecution,
		TaskID:         in.TaskID,
		Description:    in.Description,
		Status:         string(StatusCompleted),
		Output:         in.FinalOutput,
		ConsensusScore: in.AverageScore,
		Timestamp:      now,
	}}
}

func (a *Auditor) workerRecords(responses []*inference.Response) []evidence.WorkerRecord {
	records := make([]evidence.WorkerRecord, 0)
	for _, resp := range responses {
		if resp == nil {
			continue
		}
		for _, wr := range resp.WorkerResponses {
			record := evidence.WorkerRecord{
				InferenceTaskID: resp.TaskID,
				WorkerID:        wr.WorkerID,
				ModelName:       wr.ModelName,
				LatencyMs:       wr.LatencyMs,
				Timestamp:       wr.Timestamp,
				ContentHash:     evidence.ContentHash(wr.Content),
			}
			if !a.redact {
				record.Content = wr.Content
			}
			records = append(records, record)
		}
	}
	return records
}

func consensusInfo(responses []*inference.Response, average float64) evidence.ConsensusInfo {
	info := evidence.ConsensusInfo{
		AverageScore: average,
		Threshold:    inference.ConsensusThreshold,
		IsConsensus:  average >= inference.ConsensusThreshold,
		Rounds:       make([]evidence.RoundConsensus, 0, len(responses)),
	}
	for _, resp := range responses {
		if resp == nil {
			continue
		}
		info.Rounds = append(info.Rounds, evidence.RoundConsensus{
			InferenceTaskID:    resp.TaskID,
			Score:              resp.Consensus.Score,
			AgreementCount:     resp.Consensus.AgreementCount,
			TotalWorkers:       resp.Consensus.TotalWorkers,
			DivergentWorkerIDs: append([]string{}, resp.Consensus.DivergentWorkerIDs...),
		})
	}
	return info
}

func validationInfo(v *ValidationResult, average float64) evidence.ValidationInfo {
	if v == nil {
		v = FallbackValidation(average)
	}
	return evidence.ValidationInfo{
		IsValid:           v.IsValid,
		Confidence:        v.Confidence,
		Issues:            append([]string{}, v.Issues...),
		Recommendations:   append([]string{}, v.Recommendations...),
		ConsensusVerified: v.ConsensusVerified,
	}
}
