// Package live 通过 HTTP 调用远端去中心化推理网络。
package live

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"VeriSwarm/internal/consensus"
	"VeriSwarm/internal/inference"
	"VeriSwarm/pkg/logger"
)

const (
	defaultPath         = "/delegate"
	defaultValidatePath = "/validate"
	defaultTimeout      = 60 * time.Second
	defaultMaxTokens    = 512
)

// Config 描述了访问推理网络所需的信息。
type Config struct {
	BaseURL      string
	Path         string
	ValidatePath string
	APIKey       string
	SessionID    int64
	PromptType   int
	MaxTokens    int
	Timeout      time.Duration
	// SessionLog 为空时不记录校验调用。
	SessionLog *inference.SessionLog
}

// Client 实现 inference.Client 与 inference.Attestor。
type Client struct {
	baseURL      string
	path         string
	validatePath string
	apiKey       string
	sessionID    int64
	promptType   int
	maxTokens    int
	timeout      time.Duration
	session      *inference.SessionLog
	engine       *consensus.Engine
	httpClient   *http.Client
}

// NewClient 根据配置创建客户端。
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("未提供推理网络地址")
	}
	path := normalizePath(cfg.Path, defaultPath)
	validatePath := normalizePath(cfg.ValidatePath, defaultValidatePath)

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	sessionID := cfg.SessionID
	if sessionID == 0 && cfg.SessionLog != nil {
		sessionID = cfg.SessionLog.ID()
	}

	return &Client{
		baseURL:      baseURL,
		path:         path,
		validatePath: validatePath,
		apiKey:       strings.TrimSpace(cfg.APIKey),
		sessionID:    sessionID,
		promptType:   cfg.PromptType,
		maxTokens:    maxTokens,
		timeout:      timeout,
		session:      cfg.SessionLog,
		engine:       consensus.New(),
		httpClient:   &http.Client{Timeout: timeout},
	}, nil
}

func normalizePath(path, fallback string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return fallback
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

type delegateRequest struct {
	SessionID  int64  `json:"session_id"`
	Prompt     string `json:"prompt"`
	PromptType int    `json:"prompt_type"`
	Stream     bool   `json:"stream"`
	Timeout    int    `json:"timeout"`
	MaxTokens  int    `json:"max_tokens"`
}

// minerID 兼容字符串与数字两种编码。
type minerID string

func (m *minerID) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*m = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*m = minerID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("miner_id 既不是字符串也不是数字: %w", err)
	}
	*m = minerID(n.String())
	return nil
}

type workerPayload struct {
	MinerID   *minerID       `json:"miner_id"`
	WorkerID  *minerID       `json:"worker_id"`
	Content   *string        `json:"content"`
	Text      *string        `json:"text"`
	LatencyMs float64        `json:"latency_ms"`
	Model     string         `json:"model"`
	ModelName string         `json:"model_name"`
	Metadata  map[string]any `json:"metadata"`
}

// timeoutSeconds 向上取整，避免亚秒级超时被编码为 0。
func timeoutSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

type delegateResponse struct {
	Responses []workerPayload `json:"responses"`
	workerPayload
}

// Infer 发送一次 delegate 请求并对返回的冗余回答计算共识。
func (c *Client) Infer(ctx context.Context, prompt string, opts inference.Options) (*inference.Response, error) {
	timeout := c.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	maxTokens := c.maxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}
	promptType := c.promptType
	if opts.PromptType > 0 {
		promptType = opts.PromptType
	}

	payload, err := json.Marshal(delegateRequest{
		SessionID:  c.sessionID,
		Prompt:     prompt,
		PromptType: promptType,
		Stream:     false,
		Timeout:    timeoutSeconds(timeout),
		MaxTokens:  maxTokens,
	})
	if err != nil {
		return nil, inference.ProtocolError(err, "序列化 delegate 请求失败")
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	body, err := c.post(callCtx, c.path, payload)
	if err != nil {
		return nil, err
	}

	var decoded delegateResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, inference.ProtocolError(err, "解析 delegate 响应失败")
	}

	payloads := decoded.Responses
	if len(payloads) == 0 && (decoded.Content != nil || decoded.Text != nil) {
		payloads = []workerPayload{decoded.workerPayload}
	}
	if len(payloads) == 0 {
		return nil, inference.ProtocolError(nil, "delegate 响应中没有矿工回答")
	}

	now := time.Now().UTC()
	workers := make([]inference.WorkerResponse, 0, len(payloads))
	for i, p := range payloads {
		content, ok := p.content()
		if !ok {
			return nil, inference.ProtocolError(nil, fmt.Sprintf("第 %d 个矿工回答缺少 content 字段", i+1))
		}
		workers = append(workers, inference.WorkerResponse{
			WorkerID:  p.workerID(i),
			Content:   content,
			LatencyMs: max(p.LatencyMs, 0),
			ModelName: firstNonEmpty(p.ModelName, p.Model),
			Timestamp: now,
			Metadata:  stringifyMetadata(p.Metadata),
		})
	}

	result := c.engine.Compute(workers)
	resp := &inference.Response{
		TaskID:          uuid.NewString(),
		Content:         result.MajorityContent,
		WorkerResponses: workers,
		Consensus:       result,
		TotalLatencyMs:  float64(time.Since(start).Microseconds()) / 1000,
		CreatedAt:       now,
	}
	logger.Named("inference.live").Debug("delegate 完成",
		"task_id", resp.TaskID,
		"workers", len(workers),
		"score", result.Score,
	)
	return resp, nil
}

func (p workerPayload) content() (string, bool) {
	if p.Content != nil {
		return *p.Content, true
	}
	if p.Text != nil {
		return *p.Text, true
	}
	return "", false
}

func (p workerPayload) workerID(index int) string {
	for _, id := range []*minerID{p.MinerID, p.WorkerID} {
		if id != nil && strings.TrimSpace(string(*id)) != "" {
			return strings.TrimSpace(string(*id))
		}
	}
	return "miner-" + strconv.Itoa(index+1)
}

type validateRequest struct {
	SessionID    int64  `json:"session_id"`
	TaskID       string `json:"task_id"`
	MinerAddress string `json:"miner_address"`
	ResultData   string `json:"result_data"`
}

type validateResponse struct {
	IsValid     *bool    `json:"is_valid"`
	Valid       *bool    `json:"valid"`
	Confidence  *float64 `json:"confidence"`
	Score       *float64 `json:"score"`
	Attestation string   `json:"attestation"`
	KMiners     int      `json:"k_miners"`
	KRedundancy int      `json:"k_redundancy"`
}

// Attest 请求校验端点对一次结果进行冗余复算。
func (c *Client) Attest(ctx context.Context, req inference.AttestationRequest) (*inference.Attestation, error) {
	req.MinerAddress = NormalizeMinerAddress(req.MinerAddress)
	payload, err := json.Marshal(validateRequest{
		SessionID:    c.sessionID,
		TaskID:       req.TaskID,
		MinerAddress: req.MinerAddress,
		ResultData:   req.ResultData,
	})
	if err != nil {
		return nil, inference.ProtocolError(err, "序列化 validate 请求失败")
	}

	start := time.Now()
	attestation, err := c.attest(ctx, payload)
	entry := inference.SessionEntry{
		Operation: inference.OperationValidate,
		Timestamp: start.UTC(),
		Request:   req,
		Success:   err == nil,
		LatencyMs: float64(time.Since(start).Microseconds()) / 1000,
		TaskID:    req.TaskID,
	}
	if err != nil {
		entry.Response = map[string]string{"error": err.Error()}
	} else {
		entry.Response = attestation
	}
	c.session.Record(entry)
	return attestation, err
}

func (c *Client) attest(ctx context.Context, payload []byte) (*inference.Attestation, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := c.post(callCtx, c.validatePath, payload)
	if err != nil {
		return nil, err
	}
	var decoded validateResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, inference.ProtocolError(err, "解析 validate 响应失败")
	}
	if decoded.IsValid == nil && decoded.Valid == nil {
		return nil, inference.ProtocolError(nil, "validate 响应缺少 is_valid 字段")
	}

	out := &inference.Attestation{Token: decoded.Attestation}
	if decoded.IsValid != nil {
		out.IsValid = *decoded.IsValid
	} else {
		out.IsValid = *decoded.Valid
	}
	switch {
	case decoded.Confidence != nil:
		out.Confidence = *decoded.Confidence
	case decoded.Score != nil:
		out.Confidence = *decoded.Score
	}
	out.Confidence = min(max(out.Confidence, 0), 1)
	out.KMiners = decoded.KMiners
	if out.KMiners == 0 {
		out.KMiners = decoded.KRedundancy
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, payload []byte) ([]byte, error) {
	endpoint := c.baseURL + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, inference.NetworkError(err, "构建推理请求失败")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, inference.NetworkError(err, fmt.Sprintf("请求 %s 失败", path))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, inference.NetworkError(
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			fmt.Sprintf("%s 返回错误状态", path),
		)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, inference.NetworkError(err, "读取推理响应失败")
	}
	return body, nil
}

// NormalizeMinerAddress 将十六进制地址转为 EIP-55 校验和格式，其他形式原样返回。
func NormalizeMinerAddress(address string) string {
	address = strings.TrimSpace(address)
	if common.IsHexAddress(address) {
		return common.HexToAddress(address).Hex()
	}
	return address
}

func stringifyMetadata(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
			out[k] = ""
		default:
			encoded, err := json.Marshal(val)
			if err != nil {
				out[k] = fmt.Sprint(val)
				continue
			}
			out[k] = string(encoded)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
