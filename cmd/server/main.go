package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"payflow/internal/config"
	"payflow/internal/domain"
	"payflow/internal/gateway"
	"payflow/internal/handler"
	"payflow/internal/infrastructure/cache"
	"payflow/internal/infrastructure/database"
	"payflow/internal/infrastructure/lock"
	"payflow/internal/infrastructure/mq"
	"payflow/internal/job"
	"payflow/internal/notify"
	"payflow/internal/service"
	"payflow/internal/uow"
	"payflow/pkg/idgen"
	"payflow/pkg/logger"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	zlog, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer zlog.Sync()

	if err := run(cfg, zlog); err != nil {
		zlog.Fatal("服务异常退出", zap.Error(err))
	}
}

func run(cfg *config.Config, zlog *zap.Logger) error {
	// 初始化 ID 生成器
	if err := idgen.Init(cfg.IDGen.WorkerID); err != nil {
		return err
	}

	db, err := database.Open(&cfg.Database, zlog)
	if err != nil {
		return err
	}

	// Redis 只在锁或追踪号序列使用时连接
	var rdb *redis.Client
	if cfg.Lock.Backend == "redis" || cfg.IDGen.Sequence == "redis" {
		if rdb, err = cache.NewRedis(&cfg.Redis, zlog); err != nil {
			return err
		}
		defer rdb.Close()
	}

	var locker lock.Locker
	if cfg.Lock.Backend == "redis" {
		locker = lock.NewRedisLocker(rdb, cfg.Lock.Prefix)
	} else {
		zlog.Warn("使用进程内锁，只适用于单实例部署")
		locker = lock.NewMemoryLocker()
	}

	var seq idgen.Sequence
	if cfg.IDGen.Sequence == "redis" {
		seq = cache.NewRedisSequence(rdb, cfg.IDGen.SequenceKey, cfg.IDGen.SequenceBase)
	} else {
		gen, err := idgen.NewSnowflake(cfg.IDGen.WorkerID)
		if err != nil {
			return err
		}
		seq = idgen.NewSnowflakeSequence(gen)
	}

	var producer mq.Producer
	if cfg.Kafka.Enabled {
		kp, err := mq.NewKafkaProducer(&cfg.Kafka, zlog)
		if err != nil {
			return err
		}
		producer = kp
	} else {
		producer = mq.NewLogProducer(zlog)
	}
	defer producer.Close()

	uows := uow.NewFactory(db, seq,
		uow.WithEventTopic(cfg.Kafka.Topic),
		uow.WithLogger(zlog),
		uow.WithEventHandler(func(_ context.Context, e domain.Event) {
			zlog.Debug("领域事件", zap.String("event", e.Name), zap.String("aggregate_key", e.AggregateKey))
		}),
	)

	gw := gateway.NewResilient(
		gateway.NewHTTPClient(cfg.Gateway.BaseURL, cfg.Gateway.RequestTimeout, zlog),
		gateway.RetryPolicy{
			MaxRetries: cfg.Gateway.MaxRetries,
			BaseDelay:  cfg.Gateway.BaseDelay,
			MaxDelay:   cfg.Gateway.MaxDelay,
			Timeout:    cfg.Gateway.Timeout,
		},
		zlog,
	)

	var notifier notify.Notifier = notify.Noop{}
	if cfg.Notify.Endpoint != "" {
		notifier = notify.NewHTTPNotifier(cfg.Notify.Endpoint, cfg.Notify.Timeout, zlog)
	}

	lockOpts := service.LockOptions{
		Lease:         cfg.Lock.Lease,
		Wait:          cfg.Lock.Wait,
		RetryInterval: cfg.Lock.RetryInterval,
	}
	wallets := service.NewWalletService(uows, locker, lockOpts, cfg.Business.DefaultCurrency, zlog)
	payments := service.NewPaymentService(uows, locker, lockOpts, wallets, gw, notifier, service.PaymentOptions{
		DefaultCurrency:       cfg.Business.DefaultCurrency,
		PendingTimeout:        cfg.Business.PendingTimeout,
		ProcessingTimeout:     cfg.Business.ProcessingTimeout,
		ExpiryBatchSize:       cfg.Business.ExpiryBatchSize,
		RefundCreditsToWallet: cfg.Business.RefundCreditsToWallet,
	}, zlog)

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	outboxSender := job.NewOutboxSender(db, producer, job.OutboxSenderConfig{
		Interval:  cfg.Business.OutboxInterval,
		BatchSize: cfg.Business.OutboxBatchSize,
		MaxRetry:  cfg.Business.OutboxMaxRetry,
	}, zlog)
	go outboxSender.Start(ctx)

	expiryJob := job.NewPaymentExpiryJob(payments, cfg.Business.ExpiryInterval, zlog)
	go expiryJob.Start(ctx)

	router := handler.SetupRouter(handler.NewHandler(payments, wallets, zlog), cfg.Server.Mode, cfg.Server.RequestTimeout, zlog)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		zlog.Info("服务启动", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("服务启动失败: %w", err)
	}

	zlog.Info("正在关闭服务...")

	// 取消上下文，停止后台任务
	cancel()

	// 等待进行中的请求结束，最长不超过一个请求超时
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.RequestTimeout+5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error("服务关闭异常", zap.Error(err))
	}

	zlog.Info("服务已关闭")
	return nil
}
