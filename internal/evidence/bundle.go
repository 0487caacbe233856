// Package evidence 定义不可变、以哈希寻址的证据包，以及它的存储后端。
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"maps"
	"slices"
	"time"
)

// 流水线阶段名称，用于 Step.Stage。
const (
	StagePlanning   = "planning"
	StageExecution  = "execution"
	StageValidation = "validation"
	StageAuditing   = "auditing"
)

// Step 记录流水线中一个阶段或一个子任务的执行情况。
type Step struct {
	Stage          string    `json:"stage"`
	TaskID         string    `json:"task_id,omitempty"`
	Description    string    `json:"description,omitempty"`
	Status         string    `json:"status"`
	Output         string    `json:"output,omitempty"`
	Error          string    `json:"error,omitempty"`
	ConsensusScore float64   `json:"consensus_score"`
	Timestamp      time.Time `json:"timestamp"`
}

// WorkerRecord 是证据包中的矿工回答；脱敏后只保留 ContentHash。
type WorkerRecord struct {
	InferenceTaskID string    `json:"inference_task_id,omitempty"`
	WorkerID        string    `json:"worker_id"`
	ModelName       string    `json:"model_name"`
	LatencyMs       float64   `json:"latency_ms"`
	Timestamp       time.Time `json:"timestamp"`
	Content         string    `json:"content,omitempty"`
	ContentHash     string    `json:"content_hash"`
}

// RoundConsensus 是一次推理调用的共识结果摘要。
type RoundConsensus struct {
	InferenceTaskID    string   `json:"inference_task_id"`
	Score              float64  `json:"score"`
	AgreementCount     int      `json:"agreement_count"`
	TotalWorkers       int      `json:"total_workers"`
	DivergentWorkerIDs []string `json:"divergent_worker_ids"`
}

// ConsensusInfo 汇总整个工作流的共识情况。
type ConsensusInfo struct {
	AverageScore float64          `json:"average_score"`
	Threshold    float64          `json:"threshold"`
	IsConsensus  bool             `json:"is_consensus"`
	Rounds       []RoundConsensus `json:"rounds"`
}

// ValidationInfo 是校验器的判定。
type ValidationInfo struct {
	IsValid           bool     `json:"is_valid"`
	Confidence        float64  `json:"confidence"`
	Issues            []string `json:"issues"`
	Recommendations   []string `json:"recommendations"`
	ConsensusVerified bool     `json:"consensus_verified"`
}

// Bundle 是一次任务完整执行轨迹的审计记录，创建后不再修改。
//
// Metadata 与 BundleID 不参与完整性哈希，签名、链上锚定等附加信息写在 Metadata 中。
type Bundle struct {
	BundleID         string            `json:"bundle_id"`
	TaskID           string            `json:"task_id"`
	CreatedAt        time.Time         `json:"created_at"`
	ExecutionSteps   []Step            `json:"execution_steps"`
	WorkerResponses  []WorkerRecord    `json:"worker_responses"`
	ConsensusInfo    ConsensusInfo     `json:"consensus_info"`
	ValidationResult ValidationInfo    `json:"validation_result"`
	FinalOutput      string            `json:"final_output"`
	Metadata         map[string]string `json:"metadata"`
}

// hashedFields 的字段顺序即规范 JSON 的键顺序，修改会使既有哈希失效。
type hashedFields struct {
	TaskID          string         `json:"task_id"`
	ExecutionSteps  []Step         `json:"execution_steps"`
	WorkerResponses []WorkerRecord `json:"worker_responses"`
	ConsensusInfo   ConsensusInfo  `json:"consensus_info"`
	FinalOutput     string         `json:"final_output"`
}

// IntegrityHash 每次调用都重新计算，不缓存。
func (b *Bundle) IntegrityHash() string {
	if b == nil {
		return ""
	}
	payload, err := json.Marshal(hashedFields{
		TaskID:          b.TaskID,
		ExecutionSteps:  b.ExecutionSteps,
		WorkerResponses: b.WorkerResponses,
		ConsensusInfo:   b.ConsensusInfo,
		FinalOutput:     b.FinalOutput,
	})
	if err != nil {
		// 上述字段均为可序列化的基础类型，不会走到这里。
		return ""
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// ToJSON 导出带缩进的 JSON，附带新计算的 integrity_hash。
func (b *Bundle) ToJSON() ([]byte, error) {
	return json.MarshalIndent(struct {
		*Bundle
		IntegrityHash string `json:"integrity_hash"`
	}{b, b.IntegrityHash()}, "", "  ")
}

// Normalize 统一时间为 UTC 并把空集合替换为空切片，保证存储前后哈希一致。
func (b *Bundle) Normalize() {
	b.CreatedAt = b.CreatedAt.UTC()
	if b.ExecutionSteps == nil {
		b.ExecutionSteps = []Step{}
	}
	for i := range b.ExecutionSteps {
		b.ExecutionSteps[i].Timestamp = b.ExecutionSteps[i].Timestamp.UTC()
	}
	if b.WorkerResponses == nil {
		b.WorkerResponses = []WorkerRecord{}
	}
	for i := range b.WorkerResponses {
		b.WorkerResponses[i].Timestamp = b.WorkerResponses[i].Timestamp.UTC()
	}
	if b.ConsensusInfo.Rounds == nil {
		b.ConsensusInfo.Rounds = []RoundConsensus{}
	}
	for i := range b.ConsensusInfo.Rounds {
		if b.ConsensusInfo.Rounds[i].DivergentWorkerIDs == nil {
			b.ConsensusInfo.Rounds[i].DivergentWorkerIDs = []string{}
		}
	}
	if b.ValidationResult.Issues == nil {
		b.ValidationResult.Issues = []string{}
	}
	if b.ValidationResult.Recommendations == nil {
		b.ValidationResult.Recommendations = []string{}
	}
	if b.Metadata == nil {
		b.Metadata = map[string]string{}
	}
}

// Clone 返回深拷贝，调用方可以自由修改而不影响存储中的记录。
func (b *Bundle) Clone() *Bundle {
	if b == nil {
		return nil
	}
	out := *b
	out.ExecutionSteps = slices.Clone(b.ExecutionSteps)
	out.WorkerResponses = slices.Clone(b.WorkerResponses)
	out.ConsensusInfo.Rounds = slices.Clone(b.ConsensusInfo.Rounds)
	for i := range out.ConsensusInfo.Rounds {
		out.ConsensusInfo.Rounds[i].DivergentWorkerIDs = slices.Clone(b.ConsensusInfo.Rounds[i].DivergentWorkerIDs)
	}
	out.ValidationResult.Issues = slices.Clone(b.ValidationResult.Issues)
	out.ValidationResult.Recommendations = slices.Clone(b.ValidationResult.Recommendations)
	out.Metadata = maps.Clone(b.Metadata)
	return &out
}

// ContentHash 返回回答内容的 SHA-256 十六进制摘要。
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Verification 是完整性校验的结果。
type Verification struct {
	Valid     bool      `json:"valid"`
	Hash      string    `json:"hash"`
	BundleID  string    `json:"bundle_id,omitempty"`
	TaskID    string    `json:"task_id"`
	CreatedAt time.Time `json:"created_at"`
}
