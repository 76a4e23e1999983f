// Package app 提供定投引擎服务的应用入口
//
// ========================================
// eidos-dca 服务对接总览
// ========================================
//
// ## 服务信息
// - 服务名: eidos-dca
// - gRPC 端口: 50061 (健康检查)
// - HTTP 端口: 8080 (/metrics)
// - 数据库: eidos_dca (PostgreSQL)
//
// ## 依赖服务
// - PostgreSQL: 计划、执行账本、任务执行记录
// - Redis: 执行队列、幂等令牌、分布式锁、Nonce 计数
// - Kafka (可选): 执行/完成事件
// - EVM RPC (可选): 计划结算、链上对账、金库操作
// - 聚合器 API (可选): 兑换询价
//
// ## 定时任务
// 1. plan-scan: 扫描到期计划入队 (每30秒)
// 2. queue-recovery: 恢复滞留任务 (每分钟)
// 3. treasury-monitor:{asset}: 金库库存监控 (每5分钟, 每资产一个)
//
// 链客户端或聚合器未配置时相应 Provider 使用 Mock 实现，
// 服务仍可启动用于联调。
// ========================================
package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ethereum/go-ethereum/common"

	"github.com/eidos-exchange/eidos-dca/internal/blockchain"
	"github.com/eidos-exchange/eidos-dca/internal/client"
	"github.com/eidos-exchange/eidos-dca/internal/config"
	"github.com/eidos-exchange/eidos-dca/internal/contract"
	"github.com/eidos-exchange/eidos-dca/internal/jobs"
	"github.com/eidos-exchange/eidos-dca/internal/kafka"
	"github.com/eidos-exchange/eidos-dca/internal/queue"
	"github.com/eidos-exchange/eidos-dca/internal/repository"
	"github.com/eidos-exchange/eidos-dca/internal/scheduler"
	"github.com/eidos-exchange/eidos-dca/internal/service"
	"github.com/eidos-exchange/eidos-dca/internal/worker"
	"github.com/eidos-exchange/eidos-dca/pkg/logger"
)

// App 定投引擎应用
type App struct {
	cfg *config.Config

	// 基础设施
	db          *gorm.DB
	redisClient redis.UniversalClient
	grpcServer  *grpc.Server
	httpServer  *http.Server

	// 仓储层
	planRepo   *repository.PlanRepository
	execRepo   *repository.ExecutionRepository
	jobRunRepo *repository.JobRunRepository

	// 队列与调度
	queue     *queue.Queue
	scheduler *scheduler.Scheduler

	// 执行侧
	workerPool *worker.Worker
	executor   *worker.Executor

	// 边界 Provider
	quotes    worker.QuoteProvider
	submitter worker.TransactionSubmitter
	reader    worker.PlanReader
	inventory jobs.InventoryProvider
	events    worker.EventPublisher

	// 链交互
	chainClient *blockchain.Client
	producer    *kafka.Producer

	// 服务层
	planService *service.PlanService

	ctx    context.Context
	cancel context.CancelFunc
}

// New 创建应用实例
func New(cfg *config.Config) *App {
	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Run 启动应用
func (a *App) Run() error {
	if err := a.initDB(); err != nil {
		return fmt.Errorf("failed to init database: %w", err)
	}

	if err := a.initRedis(); err != nil {
		return fmt.Errorf("failed to init redis: %w", err)
	}

	a.initRepositories()
	a.initQueue()
	a.initKafka()
	a.initProviders()

	if err := a.initServices(); err != nil {
		return fmt.Errorf("failed to init services: %w", err)
	}

	a.initWorker()
	a.initScheduler()

	if err := a.registerJobs(); err != nil {
		return fmt.Errorf("failed to register jobs: %w", err)
	}

	a.workerPool.Start()
	a.scheduler.Start()

	if err := a.startGRPC(); err != nil {
		return fmt.Errorf("failed to start gRPC: %w", err)
	}
	a.startHTTP()

	return nil
}

// Shutdown 优雅关闭
func (a *App) Shutdown(ctx context.Context) error {
	logger.Info("shutting down dca service...")

	if a.grpcServer != nil {
		a.grpcServer.GracefulStop()
	}
	if a.httpServer != nil {
		a.httpServer.Shutdown(ctx)
	}

	// 先停调度器不再产生新任务，再停消费者
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.workerPool != nil {
		a.workerPool.Stop()
	}

	if a.producer != nil {
		a.producer.Close()
	}
	if a.chainClient != nil {
		a.chainClient.Close()
	}
	if a.redisClient != nil {
		a.redisClient.Close()
	}
	if a.db != nil {
		sqlDB, _ := a.db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
	}

	a.cancel()
	logger.Info("dca service stopped")
	return nil
}

// initDB 初始化数据库
func (a *App) initDB() error {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		a.cfg.Postgres.Host,
		a.cfg.Postgres.Port,
		a.cfg.Postgres.User,
		a.cfg.Postgres.Password,
		a.cfg.Postgres.Database,
	)

	gormConfig := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	}

	db, err := gorm.Open(postgres.Open(dsn), gormConfig)
	if err != nil {
		return err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(a.cfg.Postgres.MaxConnections)
	sqlDB.SetMaxIdleConns(a.cfg.Postgres.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(a.cfg.Postgres.ConnMaxLifetimeMinutes) * time.Minute)

	a.db = db
	logger.Info("database connected",
		zap.String("host", a.cfg.Postgres.Host),
		zap.String("database", a.cfg.Postgres.Database))

	if err := AutoMigrate(a.db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	logger.Info("database migrated")

	return nil
}

// initRedis 初始化 Redis
func (a *App) initRedis() error {
	a.redisClient = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", a.cfg.Redis.Host, a.cfg.Redis.Port),
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		PoolSize: a.cfg.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.redisClient.Ping(ctx).Err(); err != nil {
		return err
	}

	logger.Info("redis connected",
		zap.String("host", a.cfg.Redis.Host),
		zap.Int("db", a.cfg.Redis.DB))

	return nil
}

// initRepositories 初始化仓储层
func (a *App) initRepositories() {
	a.planRepo = repository.NewPlanRepository(a.db)
	a.execRepo = repository.NewExecutionRepository(a.db)
	a.jobRunRepo = repository.NewJobRunRepository(a.db)

	logger.Info("repositories initialized")
}

// initQueue 初始化执行队列
func (a *App) initQueue() {
	qcfg := queue.DefaultConfig()
	qcfg.DedupTTL = time.Duration(a.cfg.Queue.DedupTTLSeconds) * time.Second
	qcfg.VisibilityTimeout = time.Duration(a.cfg.Queue.VisibilityTimeoutSeconds) * time.Second

	a.queue = queue.New(a.redisClient, qcfg)
	logger.Info("queue initialized",
		zap.Duration("dedup_ttl", qcfg.DedupTTL),
		zap.Duration("visibility_timeout", qcfg.VisibilityTimeout))
}

// initKafka 初始化 Kafka 生产者 (可选)
func (a *App) initKafka() {
	a.events = &worker.NopEventPublisher{}

	if !a.cfg.Kafka.Enabled || len(a.cfg.Kafka.Brokers) == 0 {
		logger.Info("kafka disabled, events will not be published")
		return
	}

	producer, err := kafka.NewProducer(&kafka.ProducerConfig{
		Brokers:  a.cfg.Kafka.Brokers,
		ClientID: a.cfg.Service.Name,
	})
	if err != nil {
		logger.Warn("failed to init kafka producer, events will not be published",
			zap.Strings("brokers", a.cfg.Kafka.Brokers),
			zap.Error(err))
		return
	}

	a.producer = producer
	a.events = producer
	logger.Info("kafka producer initialized", zap.Strings("brokers", a.cfg.Kafka.Brokers))
}

// initProviders 初始化边界 Provider
// 链客户端或聚合器初始化失败不阻止服务启动，使用 Mock 实现
func (a *App) initProviders() {
	a.quotes = &client.MockQuoteProvider{}
	a.submitter = &worker.MockTransactionSubmitter{}
	a.reader = &client.MockPlanReader{}
	a.inventory = &jobs.MockInventoryProvider{}

	if !a.cfg.Chain.Enabled || len(a.cfg.Chain.RPCURLs) == 0 {
		logger.Warn("chain disabled, using mock providers")
		return
	}

	chainClient, err := blockchain.NewClient(&blockchain.ClientConfig{
		ChainID:    a.cfg.Chain.ChainID,
		PrivateKey: a.cfg.Chain.PrivateKey,
		RPCURLs:    a.cfg.Chain.RPCURLs,
	})
	if err != nil {
		logger.Warn("failed to init chain client, using mock providers", zap.Error(err))
		return
	}
	a.chainClient = chainClient

	nonceManager := blockchain.NewNonceManager(chainClient, a.redisClient, nil)
	submitter := blockchain.NewSubmitter(chainClient, nonceManager, &blockchain.SubmitterConfig{
		ConfirmTimeout: time.Duration(a.cfg.Chain.ConfirmTimeoutSeconds) * time.Second,
	})
	a.submitter = submitter

	if a.cfg.Chain.PlanManagerAddress != "" {
		planManager, err := contract.NewPlanManagerContract(
			common.HexToAddress(a.cfg.Chain.PlanManagerAddress), chainClient)
		if err != nil {
			logger.Warn("failed to init plan manager contract, using mock reader", zap.Error(err))
		} else {
			a.reader = client.NewChainPlanReader(planManager)
		}
	}

	a.quotes = client.NewAggregatorClient(&client.AggregatorClientConfig{
		BaseURL:  a.cfg.Aggregator.BaseURL,
		APIKey:   a.cfg.Aggregator.APIKey,
		ChainID:  a.cfg.Chain.ChainID,
		Slippage: a.cfg.Aggregator.Slippage,
	})

	if a.cfg.Treasury.Enabled && len(a.cfg.Treasury.Assets) > 0 {
		assets := make(map[string]*client.TreasuryAsset, len(a.cfg.Treasury.Assets))
		for name, entry := range a.cfg.Treasury.Assets {
			assets[name] = &client.TreasuryAsset{
				TokenAddress:       entry.TokenAddress,
				SourceTokenAddress: entry.SourceTokenAddress,
				ReserveAddress:     entry.ReserveAddress,
				PendingAddress:     entry.PendingAddress,
			}
		}
		inventory, err := client.NewChainInventoryProvider(
			chainClient, a.submitter, a.quotes, chainClient.Address().Hex(), assets)
		if err != nil {
			logger.Warn("failed to init treasury provider, using mock", zap.Error(err))
		} else {
			a.inventory = inventory
		}
	}

	logger.Info("chain providers initialized",
		zap.Int64("chain_id", a.cfg.Chain.ChainID),
		zap.String("hot_wallet", chainClient.Address().Hex()))
}

// initServices 初始化服务层并播种默认计划
func (a *App) initServices() error {
	a.planService = service.NewPlanService(a.planRepo, a.execRepo)

	ctx, cancel := context.WithTimeout(a.ctx, 10*time.Second)
	defer cancel()

	if err := a.planService.InitDefaultPlan(ctx, &a.cfg.Bootstrap); err != nil {
		return err
	}
	return nil
}

// initWorker 初始化执行侧
func (a *App) initWorker() {
	reconciler := worker.NewReconciler(a.planRepo, a.execRepo, a.reader)
	a.executor = worker.NewExecutor(a.planRepo, a.execRepo, a.quotes, a.submitter, reconciler, a.events, a.queue)

	a.workerPool = worker.New(a.queue, a.executor, &worker.Config{
		Concurrency:  a.cfg.Worker.Concurrency,
		PollInterval: time.Duration(a.cfg.Worker.PollIntervalMs) * time.Millisecond,
		TickTimeout:  time.Duration(a.cfg.Worker.TickTimeoutSeconds) * time.Second,
	})

	logger.Info("worker initialized", zap.Int("concurrency", a.cfg.Worker.Concurrency))
}

// initScheduler 初始化调度器
func (a *App) initScheduler() {
	a.scheduler = scheduler.NewScheduler(
		&scheduler.SchedulerConfig{
			MaxConcurrentJobs: a.cfg.Scheduler.MaxConcurrentJobs,
			RedisClient:       a.redisClient,
		},
		a.jobRunRepo,
	)

	logger.Info("scheduler initialized",
		zap.Int("max_concurrent_jobs", a.cfg.Scheduler.MaxConcurrentJobs))
}

// registerJobs 注册定时任务
func (a *App) registerJobs() error {
	// 1. 计划扫描任务
	policy := jobs.DefaultSchedulerPolicy
	if a.cfg.Scheduler.DueCheck == string(jobs.DueCheckAlways) {
		policy.DueCheck = jobs.DueCheckAlways
		logger.Warn("scheduler running with alwaysDue policy, all active plans are treated as due")
	}
	scanJob := jobs.NewPlanScanJob(a.planRepo, a.queue, &policy)
	if err := a.scheduler.RegisterJob(scanJob, scheduler.JobConfig{
		Cron:    a.getJobCron(scheduler.JobNamePlanScan, a.cfg.Jobs.PlanScan.Cron),
		Enabled: a.cfg.Jobs.PlanScan.IsEnabled(),
	}); err != nil {
		return err
	}

	// 2. 队列恢复任务
	recoveryJob := jobs.NewQueueRecoveryJob(a.queue)
	if err := a.scheduler.RegisterJob(recoveryJob, scheduler.JobConfig{
		Cron:    a.getJobCron(scheduler.JobNameQueueRecovery, a.cfg.Jobs.QueueRecovery.Cron),
		Enabled: a.cfg.Jobs.QueueRecovery.IsEnabled(),
	}); err != nil {
		return err
	}

	// 3. 金库监控任务 (每资产一个)
	for name, entry := range a.cfg.Treasury.Assets {
		lowWatermark, err := decimal.NewFromString(entry.LowBalanceThreshold)
		if err != nil {
			return fmt.Errorf("treasury asset %s low_balance_threshold: %w", name, err)
		}
		refill, err := decimal.NewFromString(entry.RefillAmount)
		if err != nil {
			return fmt.Errorf("treasury asset %s refill_amount: %w", name, err)
		}
		batchThreshold, err := decimal.NewFromString(entry.BatchConvertThreshold)
		if err != nil {
			return fmt.Errorf("treasury asset %s batch_convert_threshold: %w", name, err)
		}

		treasuryJob := jobs.NewTreasuryMonitorJob(a.inventory, jobs.TreasuryConfig{
			Asset:                 name,
			LowBalanceThreshold:   lowWatermark,
			RefillAmount:          refill,
			BatchConvertThreshold: batchThreshold,
		})
		if err := a.scheduler.RegisterJob(treasuryJob, scheduler.JobConfig{
			Cron:    a.getJobCron(scheduler.JobNameTreasuryMonitor, a.cfg.Jobs.TreasuryMonitor.Cron),
			Enabled: a.cfg.Treasury.Enabled && a.cfg.Jobs.TreasuryMonitor.IsEnabled(),
		}); err != nil {
			return err
		}
	}

	logger.Info("jobs registered")
	return nil
}

// getJobCron 获取任务的 cron 表达式 (优先使用配置，否则使用默认值)
func (a *App) getJobCron(jobName string, configCron string) string {
	if configCron != "" {
		return configCron
	}
	if defaultCfg, ok := scheduler.DefaultJobConfigs[jobName]; ok {
		return defaultCfg.Cron
	}
	return ""
}

// startGRPC 启动 gRPC 服务 (健康检查)
func (a *App) startGRPC() error {
	addr := fmt.Sprintf(":%d", a.cfg.Service.GRPCPort)

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	a.grpcServer = grpc.NewServer()

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(a.grpcServer, healthServer)
	healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_SERVING)

	logger.Info("starting gRPC server",
		zap.String("addr", addr),
		zap.String("service", a.cfg.Service.Name))

	go func() {
		if err := a.grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	return nil
}

// startHTTP 启动 HTTP 服务 (/metrics)
func (a *App) startHTTP() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	a.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.Service.HTTPPort),
		Handler: mux,
	}

	logger.Info("starting HTTP server", zap.Int("port", a.cfg.Service.HTTPPort))

	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", zap.Error(err))
		}
	}()
}

// GetConfig 获取配置
func (a *App) GetConfig() *config.Config {
	return a.cfg
}

// GetScheduler 获取调度器 (用于测试)
func (a *App) GetScheduler() *scheduler.Scheduler {
	return a.scheduler
}
