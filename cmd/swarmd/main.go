package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"VeriSwarm/internal/api"
	"VeriSwarm/internal/app"
	"VeriSwarm/internal/config"
	"VeriSwarm/internal/observability/metrics"
	"VeriSwarm/pkg/logger"
)

// main 是 VeriSwarm 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("swarmd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	// .env 不存在时忽略。
	_ = godotenv.Load()

	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return err
	}
	defer logger.Sync()

	application, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer application.Close()

	if err := application.EnableJobs(ctx); err != nil {
		return err
	}

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := application.Processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("任务处理器异常退出", slog.Any("error", err))
		}
	}()

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, api.Dependencies{
		Tasks:   application.Tasks,
		Tools:   application.Tools,
		Auditor: application.Auditor,
		Session: application.Session,
	}, api.WithAPIToken(cfg.Server.APIToken))

	logger.L().Info("swarmd 启动",
		slog.String("addr", cfg.Server.Address),
		slog.String("inference_mode", cfg.Inference.Mode),
		slog.String("evidence_driver", cfg.Evidence.Driver),
		slog.String("queue_driver", cfg.TaskQueue.Driver),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
