package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"BizMCP/internal/analysis"
	"BizMCP/internal/api"
	"BizMCP/internal/automation"
	"BizMCP/internal/callback"
	"BizMCP/internal/config"
	"BizMCP/internal/dispatch"
	"BizMCP/internal/observability/metrics"
	"BizMCP/pkg/logger"
)

// main 是 BizMCP 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("bizmcpd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("BIZMCP_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "bizmcp.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.AuditEnabled,
			Path:       cfg.Logging.AuditPath,
			MaxSizeMB:  cfg.Logging.AuditMaxSizeMB,
			MaxBackups: cfg.Logging.AuditMaxBackups,
			MaxAgeDays: cfg.Logging.AuditMaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	store, err := createStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()

	queue, err := createQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.L().Error("关闭派发队列失败", slog.Any("error", err))
		}
	}()

	callbacks, err := createCallbackManager(cfg)
	if err != nil {
		return err
	}

	registry := dispatch.NewRegistry(dispatch.WithDefaultTimeout(cfg.Agents.Timeout()))
	if cfg.Agents.RegistryPath != "" {
		if err := registry.LoadFile(cfg.Agents.RegistryPath); err != nil {
			return err
		}
	}

	evaluator := automation.NewEvaluator(store)
	service := automation.NewService(store, evaluator)
	analysisSvc := analysis.NewService(service)

	scheduler := automation.NewScheduler(store, queue,
		automation.WithSchedulerInterval(time.Duration(cfg.Scheduler.IntervalSeconds)*time.Second),
	)
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	dispatcher := dispatch.NewDispatcher(registry, store, callbacks)
	worker := dispatch.NewWorker(dispatcher, store, queue,
		dispatch.WithWorkerCount(cfg.Queue.Workers),
	)

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()

	go func() {
		if err := worker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("派发消费者异常退出", slog.Any("error", err))
		}
	}()

	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("metrics 服务异常退出", slog.Any("error", err))
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, service, analysisSvc, scheduler, callbacks, registry)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createStore(cfg *config.Config) (automation.Store, error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		return automation.NewMemoryStore(), nil
	case "mysql":
		return automation.NewMySQLStore(automation.MySQLConfig{
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.ConnMaxLifetimeSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

func createQueue(cfg *config.Config) (automation.Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return automation.NewMemoryQueue(1024), nil
	case "redis":
		return automation.NewRedisQueue(automation.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return automation.NewRabbitMQQueue(automation.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}

func createCallbackManager(cfg *config.Config) (*callback.Manager, error) {
	secret := strings.TrimSpace(cfg.Callback.Secret)
	if secret == "" && cfg.Callback.SecretEnv != "" {
		secret = strings.TrimSpace(os.Getenv(cfg.Callback.SecretEnv))
	}
	return callback.NewManager([]byte(secret), cfg.Callback.BaseURL,
		callback.WithTTL(cfg.Callback.TTL()),
	)
}
