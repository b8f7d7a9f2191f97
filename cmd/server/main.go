package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gensystem/internal/config"
	"gensystem/internal/handler"
	"gensystem/internal/infrastructure/cache"
	"gensystem/internal/infrastructure/database"
	"gensystem/internal/infrastructure/lock"
	"gensystem/internal/infrastructure/logging"
	"gensystem/internal/infrastructure/mq"
	"gensystem/internal/job"
	"gensystem/internal/provider"
	"gensystem/internal/repository"
	"gensystem/internal/service"
	"gensystem/pkg/idgen"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(&cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("服务异常退出", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	// 初始化 ID 生成器
	if err := idgen.Init(cfg.Server.WorkerID); err != nil {
		return err
	}

	db, err := database.InitMySQL(&cfg.MySQL, logger)
	if err != nil {
		return err
	}

	redisClient, err := cache.InitRedis(&cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	producer, err := mq.InitKafka(&cfg.Kafka)
	if err != nil {
		return err
	}
	defer producer.Close()

	providerClient, err := provider.NewClient(&cfg.Provider, nil)
	if err != nil {
		return err
	}
	logger.Info("生成服务已配置", zap.String("provider", providerClient.Name()))

	// 存储
	transactor := database.NewTransactor(db)
	walletRepo := repository.NewWalletRepository(db)
	transactionRepo := repository.NewTransactionRepository(db)
	taskRepo := repository.NewTaskRepository(db)
	outboxRepo := repository.NewOutboxRepository(db)

	// 业务
	ledger := service.NewLedgerService(transactor, walletRepo, transactionRepo, service.LedgerOptions{
		InitialBalance: cfg.Business.InitialBalance,
		MaxRetries:     cfg.Ledger.MaxRetries,
		RetryBackoff:   cfg.Ledger.RetryBackoff,
	}, logger)
	tasks := service.NewTaskStore(taskRepo)
	requestGuard := lock.NewOnceGuard(redisClient, "gen:request:", cfg.Business.RequestDedupeTTL)

	generation := service.NewGenerationService(transactor, ledger, tasks, outboxRepo, providerClient, requestGuard, service.GenerationOptions{
		Cost:            cfg.Business.GenerationCost,
		MaxActiveTasks:  cfg.Business.MaxConcurrentGenerations,
		MaxPromptLength: cfg.Business.MaxPromptLength,
		TaskTopic:       cfg.Kafka.Topic.TaskEvents,
	}, logger)

	refunds := service.NewRefundCoordinator(ledger, cfg.Business.GenerationCost, logger)
	reconciler := service.NewReconcileService(transactor, tasks, providerClient, refunds, outboxRepo, service.ReconcileOptions{
		Workers:      cfg.Reconcile.Workers,
		BackoffBase:  cfg.Reconcile.BackoffBase,
		BackoffMax:   cfg.Reconcile.BackoffMax,
		MaxRetries:   cfg.Ledger.MaxRetries,
		RetryBackoff: cfg.Ledger.RetryBackoff,
		TaskTopic:    cfg.Kafka.Topic.TaskEvents,
	}, logger)

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	outboxSender := job.NewOutboxSender(outboxRepo, producer, &cfg.Outbox, logger)
	go outboxSender.Start(ctx)

	reconcileJob := job.NewReconcileJob(reconciler, lock.NewSweepLock(redisClient, "reconcile", cfg.Reconcile.LockTTL), &cfg.Reconcile, logger)
	go reconcileJob.Start(ctx)

	orphanJob := job.NewOrphanDebitJob(transactionRepo, outboxRepo,
		lock.NewOnceGuard(redisClient, "gen:orphan:", cfg.Orphan.ReportTTL),
		&cfg.Orphan, cfg.Kafka.Topic.LedgerEvents, logger)
	go orphanJob.Start(ctx)

	// 设置路由
	h := handler.NewHandler(handler.Deps{
		Generation:       generation,
		Tasks:            tasks,
		Reconcile:        reconciler,
		Ledger:           ledger,
		Outbox:           outboxRepo,
		RechargePackages: cfg.Business.RechargePackages,
	}, logger)
	router := handler.SetupRouter(h, handler.RouterOptions{
		Mode:       cfg.Server.Mode,
		AdminToken: cfg.Server.AdminToken,
	}, logger)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("服务启动", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("正在关闭服务...", zap.String("signal", sig.String()))
	case err := <-serverErr:
		return fmt.Errorf("服务启动失败: %w", err)
	}

	// 取消上下文，停止后台任务
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("服务关闭异常", zap.Error(err))
	}

	logger.Info("服务已关闭")
	return nil
}
