package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"OpenDEX-Chain/internal/api"
	"OpenDEX-Chain/internal/batch"
	"OpenDEX-Chain/internal/chain/provider"
	"OpenDEX-Chain/internal/config"
	"OpenDEX-Chain/internal/observability/alerting"
	"OpenDEX-Chain/internal/reconcile"
	"OpenDEX-Chain/internal/storage/mysql"
	"OpenDEX-Chain/internal/txn"
	"OpenDEX-Chain/pkg/logger"
)

// readyPollInterval 控制批次截止时间轮询的频率。
const readyPollInterval = 15 * time.Second

// main 是 OpenDEX 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("opendexd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("OPENDEX_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "opendex.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Log.Audit.Enabled,
			Path:       cfg.Log.Audit.Path,
			MaxSizeMB:  cfg.Log.Audit.MaxSizeMB,
			MaxBackups: cfg.Log.Audit.MaxBackups,
			MaxAgeDays: cfg.Log.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	// 账本存储：交易、批次与对账记录共享同一个后端。
	var (
		txnStore   txn.Store
		batchStore batch.Store
		recStore   reconcile.Store
	)
	switch cfg.Storage.Ledger.Driver {
	case "", "memory":
		txnStore = txn.NewMemoryStore()
		batchStore = batch.NewMemoryStore()
		recStore = reconcile.NewMemoryStore()
	case "mysql":
		db, err := mysql.Open(ctx, mysql.Config{
			DSN:             cfg.Storage.Ledger.DSN,
			MaxOpenConns:    cfg.Storage.Ledger.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.Ledger.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.Ledger.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Storage.Ledger.ConnMaxIdleTimeSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		defer db.Close()

		if txnStore, err = txn.NewMySQLStore(db); err != nil {
			return err
		}
		if batchStore, err = batch.NewMySQLStore(db); err != nil {
			return err
		}
		if recStore, err = reconcile.NewMySQLStore(db); err != nil {
			return err
		}
	default:
		return fmt.Errorf("未知的账本存储驱动: %s", cfg.Storage.Ledger.Driver)
	}

	var batchQueue batch.Queue
	switch cfg.BatchQueue.Driver {
	case "", "memory":
		batchQueue = batch.NewMemoryQueue(1024)
	case "redis":
		queue, err := batch.NewRedisQueue(batch.RedisQueueConfig{
			Address:   cfg.BatchQueue.Redis.Address,
			Password:  cfg.BatchQueue.Redis.Password,
			DB:        cfg.BatchQueue.Redis.DB,
			Queue:     cfg.BatchQueue.Redis.Queue,
			BlockWait: time.Duration(cfg.BatchQueue.Redis.BlockWaitSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		batchQueue = queue
	case "rabbitmq":
		queue, err := batch.NewRabbitMQQueue(batch.RabbitMQConfig{
			URL:        cfg.BatchQueue.RabbitMQ.URL,
			Queue:      cfg.BatchQueue.RabbitMQ.Queue,
			Prefetch:   cfg.BatchQueue.RabbitMQ.Prefetch,
			Durable:    cfg.BatchQueue.RabbitMQ.Durable,
			AutoDelete: cfg.BatchQueue.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		batchQueue = queue
	default:
		return fmt.Errorf("未知的批次队列驱动: %s", cfg.BatchQueue.Driver)
	}
	defer func() {
		if err := batchQueue.Close(); err != nil {
			logger.L().Warn("关闭批次队列失败", "error", err)
		}
	}()

	chainRegistry, err := provider.NewRegistry(ctx, cfg.Chain)
	if err != nil {
		return err
	}
	defer chainRegistry.Close()

	chainClient, err := chainRegistry.DefaultClient()
	if err != nil {
		return err
	}

	alerts := alerting.NewFanout(&alerting.LogNotifier{})

	// 未接入真实 DEX 执行器时使用模拟执行器兜底，
	// 具体腿类型的执行器可按部署环境另行注册。
	simulated := txn.NewSimulatedExecutor()
	executors := txn.NewExecutorRegistry(simulated)

	coordinator, err := txn.NewCoordinator(txnStore, executors,
		txn.WithCompensationExecutor(simulated),
		txn.WithAlertDispatcher(alerts),
		txn.WithCoordinatorLogger(logger.Named("txn")),
	)
	if err != nil {
		return err
	}

	// 批次条目的缺省执行方式是驱动协调器原子执行对应交易。
	batchRunner, err := batch.NewSequentialExecutor(func(ctx context.Context, item *batch.Item) (uint64, error) {
		if item.TransactionID == "" {
			return 0, fmt.Errorf("该部署不支持执行独立腿条目: %s", item.ID)
		}
		report, err := coordinator.Execute(ctx, item.TransactionID, true)
		if err != nil {
			return 0, err
		}
		if report.Status != txn.StatusCompleted {
			return report.GasUsed, fmt.Errorf("交易 %s 以状态 %s 结束", item.TransactionID, report.Status)
		}
		return report.GasUsed, nil
	})
	if err != nil {
		return err
	}

	batchService, err := batch.NewService(batchStore,
		batch.WithProducer(batchQueue),
		batch.WithExecutor(batchRunner),
		batch.WithAuditSink(txnStore),
		batch.WithBaseGasPerTx(cfg.Batching.BaseGasPerTx),
		batch.WithDefaultTimeWindow(int64(cfg.Batching.DefaultTimeWindowSeconds)),
		batch.WithDefaultMaxSize(cfg.Batching.DefaultMaxSize),
		batch.WithServiceLogger(logger.Named("batch")),
	)
	if err != nil {
		return err
	}
	defer batchService.Close()

	reconciler, err := reconcile.NewService(recStore, txnStore, chainClient,
		reconcile.WithAlertDispatcher(alerts),
		reconcile.WithServiceLogger(logger.Named("reconcile")),
	)
	if err != nil {
		return err
	}

	processor := batch.NewProcessor(batchService, batchQueue,
		batch.WithWorkerCount(cfg.Batching.WorkerCount),
		batch.WithProcessorLogger(logger.Named("batch.processor")),
		batch.WithProcessorAlertDispatcher(alerts),
	)

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()

	go func() {
		if err := processor.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("批次处理器异常退出", "error", err)
		}
	}()

	// 定期推进达到截止时间的批次，补偿定时器失效的场景。
	go func() {
		ticker := time.NewTicker(readyPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				if _, err := batchService.AutoExecuteReady(workerCtx); err != nil {
					logger.L().Warn("批次截止轮询失败", "error", err)
				}
			}
		}
	}()

	server := api.NewServer(cfg.Server.Address, coordinator, batchService, reconciler)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
