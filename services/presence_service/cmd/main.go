package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/EthanQC/im-presence/pkg/jwt"
	"github.com/EthanQC/im-presence/pkg/zlog"
	"github.com/EthanQC/im-presence/services/presence_service/internal/adapters/in/api"
	"github.com/EthanQC/im-presence/services/presence_service/internal/adapters/in/api/middleware"
	"github.com/EthanQC/im-presence/services/presence_service/internal/adapters/in/mq"
	"github.com/EthanQC/im-presence/services/presence_service/internal/adapters/in/ws"
	"github.com/EthanQC/im-presence/services/presence_service/internal/adapters/out/auth"
	mysqlRepo "github.com/EthanQC/im-presence/services/presence_service/internal/adapters/out/mysql"
	natsBus "github.com/EthanQC/im-presence/services/presence_service/internal/adapters/out/nats"
	redisRepo "github.com/EthanQC/im-presence/services/presence_service/internal/adapters/out/redis"
	"github.com/EthanQC/im-presence/services/presence_service/internal/application"
	"github.com/EthanQC/im-presence/services/presence_service/internal/config"
	"github.com/EthanQC/im-presence/services/presence_service/internal/ports/out"
)

func main() {
	env := config.Env()
	cfg, v, err := config.Load(env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logCfg, err := zlog.FromViper(v, "log", "presence-service")
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载日志配置失败: %v\n", err)
		os.Exit(1)
	}
	flush := zlog.MustInitGlobal(*logCfg)
	defer flush()

	logger := zap.L()
	instanceID := cfg.InstanceID()
	logger.Info("presence_service starting", zap.String("env", env), zap.String("instance", instanceID))

	// 指标
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	application.RegisterMetrics(reg)
	if logCfg.EnableMetric {
		zlog.RegisterMetrics(reg)
	}

	// 初始化Redis
	redisClient, err := initRedis(cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to init redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis 连接成功")

	// 初始化数据库，DSN 为空时只用缓存
	var (
		friendships out.FriendshipRepository
		records     out.PresenceRecordRepository
	)
	if cfg.MySQL.DSN != "" {
		db, err := initDB(cfg.MySQL)
		if err != nil {
			logger.Fatal("Failed to init database", zap.Error(err))
		}
		friendships = mysqlRepo.NewFriendshipRepositoryMySQL(db)
		records = mysqlRepo.NewPresenceRecordRepositoryMySQL(db)
	} else {
		logger.Warn("mysql not configured, custom status and friend fallback disabled")
	}

	// 初始化跨实例总线
	presenceBus, deliveryBus, closeBus, err := initBus(cfg, redisClient, instanceID)
	if err != nil {
		logger.Fatal("Failed to init bus", zap.Error(err))
	}
	defer closeBus()

	// 初始化仓储
	opts := redisRepo.Options{
		SocketTTL:        cfg.Presence.SocketTTL,
		DisplayStatusTTL: cfg.Presence.DisplayStatusTTL,
		FriendsTTL:       cfg.Presence.FriendsTTL,
		EmptyFriendsTTL:  cfg.Presence.EmptyFriendsTTL,
		LastSeenTTL:      cfg.Presence.LastSeenTTL,
	}
	sockets := redisRepo.NewSocketRepositoryRedis(redisClient, opts)
	display := redisRepo.NewDisplayStatusRepositoryRedis(redisClient, opts)
	reader := redisRepo.NewPresenceStateReaderRedis(redisClient)
	friendCache := redisRepo.NewFriendCacheRedis(redisClient, opts)

	// 初始化用例层
	connManager := ws.NewConnectionManager()
	tracker := application.NewConnectionTracker(sockets, presenceBus)
	resolver := application.NewPresenceResolver(reader)
	friendSvc := application.NewFriendService(friendCache, friendships)
	notifier := application.NewNotificationRouter(connManager, deliveryBus, instanceID)
	statusSvc := application.NewStatusService(display, records, resolver, tracker, friendSvc, notifier)
	relay := application.NewPresenceRelay(presenceBus, resolver, friendCache, friendSvc, connManager)
	session := application.NewSessionService(tracker, statusSvc, relay, connManager)
	events := application.NewFriendshipEventService(friendSvc, notifier, resolver)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go application.Supervise(ctx, "presence_relay", relay.Run)
	go application.Supervise(ctx, "delivery_relay", notifier.Run)

	// 初始化Kafka消费者
	var consumer *mq.FriendshipConsumer
	if cfg.Kafka.Enabled {
		consumer, err = mq.NewFriendshipConsumer(cfg.Kafka.Consumer, events)
		if err != nil {
			logger.Fatal("Failed to init kafka consumer", zap.Error(err))
		}
		consumer.Start(ctx)
	}

	// 初始化HTTP服务器
	wsServer := ws.NewServer(connManager, session, tracker, statusSvc, instanceID)
	limiter := middleware.NewRateLimiter(cfg.RateLimit)
	go limiter.Run(ctx)

	handler := api.NewHandler(wsServer, resolver, statusSvc, notifier, func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})
	router := api.NewRouter(api.RouterDeps{
		Handler:        handler,
		Verifier:       auth.NewJWTVerifier(jwt.NewManager(cfg.JWT.Secret)),
		Limiter:        limiter,
		Gatherer:       reg,
		InternalSecret: cfg.Server.InternalSecret,
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: router,
	}
	go func() {
		logger.Info("Presence server starting", zap.Int("port", cfg.Server.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	// 等所有连接的下线流程写完 Redis 并发出翻转，再取消 ctx、关闭 Redis
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("websocket sessions did not finish before deadline", zap.Error(err))
	}

	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			logger.Warn("kafka consumer stop failed", zap.Error(err))
		}
	}
	cancel()
	logger.Info("Server exited properly")
}

func initRedis(c config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
		PoolSize: c.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return client, nil
}

func initDB(c config.MySQLConfig) (*gorm.DB, error) {
	db, err := gorm.Open(gormmysql.Open(c.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(c.MaxOpenConns)
	sqlDB.SetMaxIdleConns(c.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if c.AutoMigrate {
		if err := db.AutoMigrate(&mysqlRepo.PresenceRecordModel{}); err != nil {
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
	}
	return db, nil
}

// initBus 按配置选择 Redis Pub/Sub 或 NATS
func initBus(cfg *config.Config, client redis.UniversalClient, instanceID string) (out.PresenceBus, out.DeliveryBus, func(), error) {
	switch cfg.Bus.Driver {
	case config.BusNATS:
		nc, err := natsBus.Connect(cfg.Bus.NATSURL, "presence-"+instanceID)
		if err != nil {
			return nil, nil, nil, err
		}
		return natsBus.NewPresenceBusNATS(nc, cfg.Bus.PresenceChannel),
			natsBus.NewDeliveryBusNATS(nc, cfg.Bus.DeliveryChannel),
			func() { _ = nc.Drain() }, nil
	default:
		return redisRepo.NewPresenceBusRedis(client, cfg.Bus.PresenceChannel),
			redisRepo.NewDeliveryBusRedis(client, cfg.Bus.DeliveryChannel),
			func() {}, nil
	}
}
