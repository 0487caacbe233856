package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"VeriSwarm/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "VERISWARM_CONFIG"

// DefaultPath 是未指定路径时读取的配置文件。
const DefaultPath = "configs/veriswarm.yaml"

// Config 描述了 VeriSwarm 在启动阶段需要加载的核心配置。
type Config struct {
	Server      ServerConfig      `json:"server" yaml:"server"`
	Log         logger.Config     `json:"log" yaml:"log"`
	Inference   InferenceConfig   `json:"inference" yaml:"inference"`
	Coordinator CoordinatorConfig `json:"coordinator" yaml:"coordinator"`
	Evidence    EvidenceConfig    `json:"evidence" yaml:"evidence"`
	Chain       ChainConfig       `json:"chain" yaml:"chain"`
	TaskQueue   TaskQueueConfig   `json:"task_queue" yaml:"task_queue"`
	Alerts      AlertsConfig      `json:"alerts" yaml:"alerts"`
}

// AlertsConfig 控制任务终态失败时的告警渠道。
type AlertsConfig struct {
	Log           bool   `json:"log" yaml:"log"`
	WebhookURL    string `json:"webhook_url" yaml:"webhook_url"`
	WebhookURLEnv string `json:"webhook_url_env" yaml:"webhook_url_env"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address" yaml:"address"`

	// MetricsAddress 非空时额外启动独立的 /metrics 监听。
	MetricsAddress string `json:"metrics_address" yaml:"metrics_address"`

	// APIToken 非空时所有 /api/v1 请求都需要携带 Bearer token。
	APIToken    string `json:"api_token" yaml:"api_token"`
	APITokenEnv string `json:"api_token_env" yaml:"api_token_env"`
}

// InferenceConfig 决定使用真实推理网络还是模拟网络。
type InferenceConfig struct {
	Mode           string          `json:"mode" yaml:"mode"`
	BaseURL        string          `json:"base_url" yaml:"base_url"`
	Path           string          `json:"path" yaml:"path"`
	ValidatePath   string          `json:"validate_path" yaml:"validate_path"`
	APIKey         string          `json:"api_key" yaml:"api_key"`
	APIKeyEnv      string          `json:"api_key_env" yaml:"api_key_env"`
	SessionID      int64           `json:"session_id" yaml:"session_id"`
	SessionName    string          `json:"session_name" yaml:"session_name"`
	PromptType     int             `json:"prompt_type" yaml:"prompt_type"`
	TimeoutSeconds int             `json:"timeout_seconds" yaml:"timeout_seconds"`
	MaxTokens      int             `json:"max_tokens" yaml:"max_tokens"`
	Redundancy     int             `json:"redundancy" yaml:"redundancy"`
	Retry          RetryConfig     `json:"retry" yaml:"retry"`
	Simulated      SimulatedConfig `json:"simulated" yaml:"simulated"`
}

// Timeout 返回单次推理调用的超时时间。
func (c InferenceConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RetryConfig 控制网络错误的重试策略。
type RetryConfig struct {
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
	BaseDelayMs int `json:"base_delay_ms" yaml:"base_delay_ms"`
	MaxDelayMs  int `json:"max_delay_ms" yaml:"max_delay_ms"`
}

// SimulatedConfig 描述模拟矿工网络。
type SimulatedConfig struct {
	Workers        int      `json:"workers" yaml:"workers"`
	DivergenceRate float64  `json:"divergence_rate" yaml:"divergence_rate"`
	FailureRate    float64  `json:"failure_rate" yaml:"failure_rate"`
	MinLatencyMs   int      `json:"min_latency_ms" yaml:"min_latency_ms"`
	MaxLatencyMs   int      `json:"max_latency_ms" yaml:"max_latency_ms"`
	MaxDelayMs     int      `json:"max_delay_ms" yaml:"max_delay_ms"`
	Seed           int64    `json:"seed" yaml:"seed"`
	Responses      []string `json:"responses" yaml:"responses"`
}

// CoordinatorConfig 控制工作流的执行方式。
type CoordinatorConfig struct {
	Concurrency        int  `json:"concurrency" yaml:"concurrency"`
	DependencyOrdering bool `json:"dependency_ordering" yaml:"dependency_ordering"`
	Attest             bool `json:"attest" yaml:"attest"`
	CallTimeoutSeconds int  `json:"call_timeout_seconds" yaml:"call_timeout_seconds"`
}

// EvidenceConfig 描述证据包的存储与签名。
type EvidenceConfig struct {
	Driver              string `json:"driver" yaml:"driver"`
	DSN                 string `json:"dsn" yaml:"dsn"`
	RedactWorkerContent bool   `json:"redact_worker_content" yaml:"redact_worker_content"`
	SignerKey           string `json:"signer_key" yaml:"signer_key"`
	SignerKeyEnv        string `json:"signer_key_env" yaml:"signer_key_env"`
}

// ChainConfig 包含锚定证据包所需的 RPC 地址，为空表示不锚定。
type ChainConfig struct {
	Name   string `json:"name" yaml:"name"`
	RPCURL string `json:"rpc_url" yaml:"rpc_url"`
}

// TaskQueueConfig 控制异步工作流任务的队列。
type TaskQueueConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	Workers  int            `json:"workers" yaml:"workers"`
	Retries  int            `json:"retries" yaml:"retries"`
	Buffer   int            `json:"buffer" yaml:"buffer"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列。
type RedisConfig struct {
	Address     string `json:"address" yaml:"address"`
	Password    string `json:"password" yaml:"password"`
	DB          int    `json:"db" yaml:"db"`
	Queue       string `json:"queue" yaml:"queue"`
	BlockWaitMs int    `json:"block_wait_ms" yaml:"block_wait_ms"`
}

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url"`
	Queue    string `json:"queue" yaml:"queue"`
	Prefetch int    `json:"prefetch" yaml:"prefetch"`
	Durable  bool   `json:"durable" yaml:"durable"`
}

// PathFromEnv 返回环境变量指定的配置路径，未设置时返回 DefaultPath。
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return path
	}
	return DefaultPath
}

// Load 解析指定路径的配置文件，扩展名为 .yaml/.yml 时按 YAML 解析，否则按 JSON 解析。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	default:
		err = json.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回只包含默认值的配置，使用模拟网络与内存存储。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	cfg.applyEnv()
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Audit.Enabled {
		if c.Log.Audit.Path == "" {
			c.Log.Audit.Path = filepath.Join(baseDir, "logs", "audit.log")
		} else if !filepath.IsAbs(c.Log.Audit.Path) {
			c.Log.Audit.Path = filepath.Join(baseDir, c.Log.Audit.Path)
		}
	}

	inf := &c.Inference
	if inf.Mode == "" {
		inf.Mode = "simulated"
	}
	if inf.Path == "" {
		inf.Path = "/delegate"
	}
	if inf.ValidatePath == "" {
		inf.ValidatePath = "/validate"
	}
	if inf.SessionName == "" {
		inf.SessionName = "veriswarm"
	}
	if inf.TimeoutSeconds <= 0 {
		inf.TimeoutSeconds = 60
	}
	if inf.MaxTokens <= 0 {
		inf.MaxTokens = 512
	}
	if inf.Retry.MaxAttempts <= 0 {
		inf.Retry.MaxAttempts = 1
	}
	if inf.Retry.BaseDelayMs <= 0 {
		inf.Retry.BaseDelayMs = 200
	}
	if inf.Retry.MaxDelayMs <= 0 {
		inf.Retry.MaxDelayMs = 5000
	}
	if inf.Simulated.Workers <= 0 {
		inf.Simulated.Workers = 5
	}
	if inf.Simulated.MinLatencyMs <= 0 {
		inf.Simulated.MinLatencyMs = 50
	}
	if inf.Simulated.MaxLatencyMs <= 0 {
		inf.Simulated.MaxLatencyMs = 400
	}

	if c.Coordinator.Concurrency <= 0 {
		c.Coordinator.Concurrency = 4
	}
	if c.Coordinator.CallTimeoutSeconds <= 0 {
		c.Coordinator.CallTimeoutSeconds = 90
	}

	if c.Evidence.Driver == "" {
		c.Evidence.Driver = "memory"
	}
	if c.Chain.Name == "" {
		c.Chain.Name = "ethereum"
	}

	q := &c.TaskQueue
	if q.Driver == "" {
		q.Driver = "memory"
	}
	if q.Workers <= 0 {
		q.Workers = 2
	}
	if q.Retries < 0 {
		q.Retries = 0
	}
	if q.Buffer <= 0 {
		q.Buffer = 64
	}
	if q.Redis.Queue == "" {
		q.Redis.Queue = "veriswarm:workflows"
	}
	if q.RabbitMQ.Queue == "" {
		q.RabbitMQ.Queue = "veriswarm.workflows"
	}
}

// applyEnv 读取 *_env 字段指向的环境变量，已显式配置的值优先。
func (c *Config) applyEnv() {
	if c.Inference.APIKey == "" && c.Inference.APIKeyEnv != "" {
		c.Inference.APIKey = os.Getenv(c.Inference.APIKeyEnv)
	}
	if c.Server.APIToken == "" && c.Server.APITokenEnv != "" {
		c.Server.APIToken = os.Getenv(c.Server.APITokenEnv)
	}
	if c.Alerts.WebhookURL == "" && c.Alerts.WebhookURLEnv != "" {
		c.Alerts.WebhookURL = os.Getenv(c.Alerts.WebhookURLEnv)
	}
	if c.Evidence.SignerKey == "" && c.Evidence.SignerKeyEnv != "" {
		c.Evidence.SignerKey = os.Getenv(c.Evidence.SignerKeyEnv)
	}
}

// Validate 检查组合配置是否可用。
func (c *Config) Validate() error {
	var problems []string
	switch c.Inference.Mode {
	case "simulated":
	case "live":
		if strings.TrimSpace(c.Inference.BaseURL) == "" {
			problems = append(problems, "inference.base_url 在 live 模式下不能为空")
		}
	default:
		problems = append(problems, fmt.Sprintf("未知的 inference.mode: %s", c.Inference.Mode))
	}
	sim := c.Inference.Simulated
	if sim.DivergenceRate < 0 || sim.DivergenceRate > 1 {
		problems = append(problems, "inference.simulated.divergence_rate 必须位于 [0,1]")
	}
	if sim.FailureRate < 0 || sim.FailureRate > 1 {
		problems = append(problems, "inference.simulated.failure_rate 必须位于 [0,1]")
	}
	if sim.MaxLatencyMs < sim.MinLatencyMs {
		problems = append(problems, "inference.simulated.max_latency_ms 不能小于 min_latency_ms")
	}

	switch c.Evidence.Driver {
	case "memory":
	case "mysql", "sqlite":
		if strings.TrimSpace(c.Evidence.DSN) == "" {
			problems = append(problems, fmt.Sprintf("evidence.dsn 在 %s 驱动下不能为空", c.Evidence.Driver))
		}
	default:
		problems = append(problems, fmt.Sprintf("未知的 evidence.driver: %s", c.Evidence.Driver))
	}

	switch c.TaskQueue.Driver {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.TaskQueue.Redis.Address) == "" {
			problems = append(problems, "task_queue.redis.address 不能为空")
		}
	case "rabbitmq":
		if strings.TrimSpace(c.TaskQueue.RabbitMQ.URL) == "" {
			problems = append(problems, "task_queue.rabbitmq.url 不能为空")
		}
	default:
		problems = append(problems, fmt.Sprintf("未知的 task_queue.driver: %s", c.TaskQueue.Driver))
	}

	if len(problems) > 0 {
		return fmt.Errorf("配置无效: %s", strings.Join(problems, "; "))
	}
	return nil
}
