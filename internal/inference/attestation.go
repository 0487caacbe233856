package inference

import "context"

// AttestationRequest 是提交给校验端点的冗余复算请求。
type AttestationRequest struct {
	TaskID       string `json:"task_id"`
	MinerAddress string `json:"miner_address"`
	ResultData   string `json:"result_data"`
}

// Attestation 是校验端点返回的判定；Token 是不透明的签名串，只存储与转发，不做解析。
type Attestation struct {
	IsValid    bool    `json:"is_valid"`
	Confidence float64 `json:"confidence"`
	Token      string  `json:"attestation,omitempty"`
	KMiners    int     `json:"k_miners,omitempty"`
}

// Attestor 由能够访问校验端点的客户端实现。
type Attestor interface {
	Attest(ctx context.Context, req AttestationRequest) (*Attestation, error)
}
