// Package app 根据配置装配推理客户端、智能体、协调器、证据存储与任务队列。
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"VeriSwarm/internal/agent"
	"VeriSwarm/internal/config"
	"VeriSwarm/internal/coordinator"
	xerrors "VeriSwarm/internal/errors"
	"VeriSwarm/internal/evidence"
	"VeriSwarm/internal/inference"
	"VeriSwarm/internal/inference/live"
	"VeriSwarm/internal/inference/simulated"
	"VeriSwarm/internal/observability/alerting"
	"VeriSwarm/internal/observability/metrics"
	"VeriSwarm/internal/proofs"
	"VeriSwarm/internal/task"
	"VeriSwarm/internal/tools"
	"VeriSwarm/internal/web3"
	"VeriSwarm/internal/web3/ethereum"
	"VeriSwarm/pkg/logger"
)

// App 持有进程内共享的全部组件。
type App struct {
	Config      *config.Config
	Session     *inference.SessionLog
	Client      inference.Client
	Auditor     *agent.Auditor
	Coordinator *coordinator.Coordinator
	Tools       *tools.Service

	// Tasks 与 Processor 仅在 EnableJobs 之后可用。
	Tasks     *task.Service
	Processor *task.Processor

	chain   web3.Client
	closers []func() error
	log     *slog.Logger
}

// New 根据配置构造 App。调用方负责在结束时调用 Close。
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "配置不能为空")
	}
	a := &App{
		Config:  cfg,
		Session: inference.NewSessionLog(cfg.Inference.SessionID, cfg.Inference.SessionName),
		log:     logger.Named("app"),
	}

	base, attestor, err := a.buildClient()
	if err != nil {
		return nil, err
	}
	client := inference.WithSessionLog(base, a.Session)
	client = inference.WithRetry(client, inference.RetryPolicy{
		MaxAttempts: cfg.Inference.Retry.MaxAttempts,
		BaseDelay:   time.Duration(cfg.Inference.Retry.BaseDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.Inference.Retry.MaxDelayMs) * time.Millisecond,
	})
	a.Client = metrics.InstrumentClient(client)

	store, err := a.buildEvidenceStore(ctx)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store.Close)

	auditorOpts := []agent.AuditorOption{agent.WithRedaction(cfg.Evidence.RedactWorkerContent)}
	if cfg.Evidence.SignerKey != "" {
		signer, err := proofs.NewSigner(cfg.Evidence.SignerKey)
		if err != nil {
			a.Close()
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "加载证据签名私钥失败")
		}
		auditorOpts = append(auditorOpts, agent.WithSigner(signer))
		a.log.Info("证据包签名已启用", slog.String("signer", signer.Address()))
	}
	if cfg.Chain.RPCURL != "" {
		chain, err := ethereum.NewClient(ctx, ethereum.Config{Name: cfg.Chain.Name, RPCURL: cfg.Chain.RPCURL})
		if err != nil {
			a.Close()
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化链上锚定失败")
		}
		a.chain = chain
		a.closers = append(a.closers, func() error { chain.Close(); return nil })
		auditorOpts = append(auditorOpts, agent.WithChainAnchor(chain))
	}
	a.Auditor = agent.NewAuditor(store, auditorOpts...)

	agentOpts := []agent.Option{
		agent.WithCallTimeout(time.Duration(cfg.Coordinator.CallTimeoutSeconds) * time.Second),
		agent.WithInferenceOptions(inference.Options{
			MaxTokens:  cfg.Inference.MaxTokens,
			PromptType: cfg.Inference.PromptType,
			Timeout:    cfg.Inference.Timeout(),
			Redundancy: cfg.Inference.Redundancy,
		}),
	}
	coordOpts := []coordinator.Option{
		coordinator.WithConcurrency(cfg.Coordinator.Concurrency),
		coordinator.WithDependencyOrdering(cfg.Coordinator.DependencyOrdering),
		coordinator.WithAgents(
			agent.NewPlanner(a.Client, agentOpts...),
			agent.NewExecutor(a.Client, agentOpts...),
			agent.NewValidator(a.Client, agentOpts...),
		),
	}
	if cfg.Coordinator.Attest {
		if attestor == nil {
			a.log.Warn("模拟模式不支持结果证明，已忽略 coordinator.attest")
		} else {
			coordOpts = append(coordOpts, coordinator.WithAttestor(attestor))
		}
	}
	a.Coordinator = coordinator.New(a.Client, a.Auditor, coordOpts...)

	toolOpts := []tools.Option{tools.WithMode(cfg.Inference.Mode)}
	if a.chain != nil {
		toolOpts = append(toolOpts, tools.WithChain(a.chain))
	}
	a.Tools = tools.NewService(a.Client, a.Auditor, a.Session, toolOpts...)
	return a, nil
}

func (a *App) buildClient() (inference.Client, inference.Attestor, error) {
	cfg := a.Config.Inference
	switch cfg.Mode {
	case "live":
		client, err := live.NewClient(live.Config{
			BaseURL:      cfg.BaseURL,
			Path:         cfg.Path,
			ValidatePath: cfg.ValidatePath,
			APIKey:       cfg.APIKey,
			SessionID:    cfg.SessionID,
			PromptType:   cfg.PromptType,
			MaxTokens:    cfg.MaxTokens,
			Timeout:      cfg.Timeout(),
			SessionLog:   a.Session,
		})
		if err != nil {
			return nil, nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化推理网络客户端失败")
		}
		a.log.Info("使用真实推理网络", slog.String("base_url", cfg.BaseURL))
		return client, client, nil
	case "", "simulated":
		sim := cfg.Simulated
		a.log.Info("使用模拟推理网络", slog.Int("workers", sim.Workers))
		return simulated.NewClient(simulated.Config{
			Workers:        sim.Workers,
			Responses:      sim.Responses,
			DivergenceRate: sim.DivergenceRate,
			FailureRate:    sim.FailureRate,
			MinLatency:     time.Duration(sim.MinLatencyMs) * time.Millisecond,
			MaxLatency:     time.Duration(sim.MaxLatencyMs) * time.Millisecond,
			MaxDelay:       time.Duration(sim.MaxDelayMs) * time.Millisecond,
			Seed:           sim.Seed,
		}), nil, nil
	default:
		return nil, nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的推理模式: %s", cfg.Mode))
	}
}

func (a *App) buildEvidenceStore(ctx context.Context) (evidence.Store, error) {
	switch a.Config.Evidence.Driver {
	case "", "memory":
		return evidence.NewMemoryStore(), nil
	case "mysql":
		store, err := evidence.NewMySQLStore(ctx, a.Config.Evidence.DSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "sqlite":
		store, err := evidence.NewSQLiteStore(ctx, a.Config.Evidence.DSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的证据存储驱动: %s", a.Config.Evidence.Driver))
	}
}

// EnableJobs 构造任务队列、任务服务与处理器。
func (a *App) EnableJobs(ctx context.Context) error {
	cfg := a.Config.TaskQueue
	var queue task.Queue
	switch cfg.Driver {
	case "", "memory":
		queue = task.NewMemoryQueue(cfg.Buffer)
	case "redis":
		q, err := task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: time.Duration(cfg.Redis.BlockWaitMs) * time.Millisecond,
		})
		if err != nil {
			return err
		}
		queue = q
	case "rabbitmq":
		q, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  cfg.RabbitMQ.Durable,
		})
		if err != nil {
			return err
		}
		queue = q
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的队列驱动: %s", cfg.Driver))
	}

	store := task.NewMemoryStore()
	a.Tasks = task.NewService(store, queue, cfg.Retries)
	procOpts := []task.ProcessorOption{task.WithWorkerCount(cfg.Workers)}
	if dispatcher := a.buildAlerts(); dispatcher != nil {
		procOpts = append(procOpts, task.WithAlertDispatcher(dispatcher))
	}
	a.Processor = task.NewProcessor(a.Coordinator, store, queue, queue, procOpts...)
	a.closers = append(a.closers, a.Tasks.Close)
	a.log.Info("任务队列已启用", slog.String("driver", cfg.Driver), slog.Int("workers", cfg.Workers))
	return nil
}

// buildAlerts 根据配置组装告警渠道，未配置任何渠道时返回 nil。
func (a *App) buildAlerts() *alerting.FanoutDispatcher {
	cfg := a.Config.Alerts
	var notifiers []alerting.Notifier
	if cfg.Log {
		notifiers = append(notifiers, alerting.LogNotifier{})
	}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.WebhookURL})
	}
	if len(notifiers) == 0 {
		return nil
	}
	return alerting.NewFanout(notifiers...)
}

// Close 按创建的逆序释放资源。
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
