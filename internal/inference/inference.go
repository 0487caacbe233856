package inference

import (
	"context"
	"time"

	xerrors "VeriSwarm/internal/errors"
)

// ConsensusThreshold 是判定达成共识的最低一致比例（三分之二）。
const ConsensusThreshold = 0.66

// WorkerResponse 是单个矿工对一次提示词给出的独立回答。
type WorkerResponse struct {
	WorkerID  string            `json:"worker_id"`
	Content   string            `json:"content"`
	LatencyMs float64           `json:"latency_ms"`
	ModelName string            `json:"model_name"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ConsensusResult 描述一组冗余回答的分组结果。
type ConsensusResult struct {
	Score              float64  `json:"score"`
	AgreementCount     int      `json:"agreement_count"`
	TotalWorkers       int      `json:"total_workers"`
	MajorityContent    string   `json:"majority_content"`
	DivergentWorkerIDs []string `json:"divergent_worker_ids"`
}

// IsConsensus 判断一致比例是否达到三分之二阈值。
func (c ConsensusResult) IsConsensus() bool {
	return c.Score >= ConsensusThreshold
}

// Response 汇总了一轮推理的全部冗余回答与共识结论。
type Response struct {
	TaskID          string           `json:"task_id"`
	Content         string           `json:"content"`
	WorkerResponses []WorkerResponse `json:"worker_responses"`
	Consensus       ConsensusResult  `json:"consensus"`
	TotalLatencyMs  float64          `json:"total_latency_ms"`
	CreatedAt       time.Time        `json:"created_at"`
}

// IsVerified 表示该轮推理是否达成共识。
func (r *Response) IsVerified() bool {
	if r == nil {
		return false
	}
	return r.Consensus.IsConsensus()
}

// Options 控制单次推理调用的参数，零值表示使用客户端默认值。
type Options struct {
	MaxTokens  int
	PromptType int
	Timeout    time.Duration
	Redundancy int
}

// Client 定义了向去中心化推理网络发送提示词的统一接口。
//
// 实现需要在传输失败时返回 CodeNetwork 错误，在负载不合法时返回 CodeProtocol 错误。
type Client interface {
	Infer(ctx context.Context, prompt string, opts Options) (*Response, error)
}

// ClientFunc 让普通函数满足 Client 接口。
type ClientFunc func(ctx context.Context, prompt string, opts Options) (*Response, error)

// Infer 实现 Client 接口。
func (f ClientFunc) Infer(ctx context.Context, prompt string, opts Options) (*Response, error) {
	return f(ctx, prompt, opts)
}

var (
	// ErrNetwork 可用于 errors.Is 判断传输层错误。
	ErrNetwork = xerrors.New(xerrors.CodeNetwork, "")
	// ErrProtocol 可用于 errors.Is 判断协议层错误。
	ErrProtocol = xerrors.New(xerrors.CodeProtocol, "")
)

// NetworkError 包装一次传输层失败。
func NetworkError(cause error, message string) error {
	return xerrors.Wrap(xerrors.CodeNetwork, cause, message)
}

// ProtocolError 包装一次远端负载解析失败。
func ProtocolError(cause error, message string) error {
	if cause == nil {
		return xerrors.New(xerrors.CodeProtocol, message)
	}
	return xerrors.Wrap(xerrors.CodeProtocol, cause, message)
}
