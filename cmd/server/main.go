package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"points-ledger/internal/config"
	"points-ledger/internal/gateway"
	"points-ledger/internal/lock"
	"points-ledger/internal/logger"
	"points-ledger/internal/mq"
	"points-ledger/internal/repository"
	"points-ledger/internal/server"
	"points-ledger/internal/service"
	pb "points-ledger/proto/ledger"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	zl, err := logger.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer zl.Sync()
	zl.Info("配置加载成功",
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("http_port", cfg.HTTPPort),
		zap.String("db_driver", cfg.DBDriver))

	// 2. 连接数据库并迁移
	db, err := repository.OpenDatabase(cfg.DBDriver, cfg.DSN())
	if err != nil {
		zl.Fatal("连接数据库失败", zap.Error(err))
	}
	zl.Info("数据库连接成功")

	// 3. 初始化 Repository
	orderRepo := repository.NewOrderRepository(db)
	balanceRepo := repository.NewBalanceRepository(db)
	notifyRepo := repository.NewNotificationRepository(db)

	// 4. 支付网关与套餐目录
	gateways, err := gateway.BuildRegistry(cfg, zl)
	if err != nil {
		zl.Fatal("初始化支付网关失败", zap.Error(err))
	}
	catalog := service.NewCatalogService(repository.NewPackageRepository(db), zl)
	if err := catalog.SeedIfEmpty(context.Background(), cfg.CatalogSeedFile); err != nil {
		zl.Fatal("初始化套餐失败", zap.Error(err))
	}

	// 5. 连接 RabbitMQ
	var (
		mqClient  *mq.RabbitMQ
		publisher service.EventPublisher
	)
	if cfg.MQEnabled {
		mqClient, err = mq.NewRabbitMQ(cfg.RabbitMQURL, cfg.OrderExpireMinutes, zl)
		if err != nil {
			zl.Fatal("连接 RabbitMQ 失败", zap.Error(err))
		}
		defer mqClient.Close()
		publisher = mqClient
		zl.Info("RabbitMQ 连接成功")
	} else {
		zl.Warn("MQ 已关闭，订单过期与事件通知不可用")
	}

	// 6. 初始化 Service
	orderService := service.NewOrderService(orderRepo, catalog, gateways, publisher, zl)
	settlement := service.NewSettlementService(orderService, balanceRepo, notifyRepo, gateways, zl)

	var locker service.Locker = lock.NewLocalLocker()
	if cfg.RedisAddr != "" {
		rdb := lock.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer rdb.Close()
		locker = lock.NewRedisLocker(rdb, "points-ledger:reconcile", 5*time.Minute, zl)
		zl.Info("对账任务使用 Redis 分布式锁", zap.String("addr", cfg.RedisAddr))
	}
	reconcile := service.NewReconcileService(orderRepo, orderService, settlement, gateways, locker, service.ReconcileOptions{
		PaidAfter:    cfg.ReconcilePaidAfter,
		PendingAfter: cfg.ReconcilePendingAfter,
		Batch:        cfg.ReconcileBatch,
	}, zl)

	// 7. 创建可取消的 context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 8. 启动过期消息消费者
	if mqClient != nil {
		orderService.StartExpireConsumer(ctx, mqClient)
	}

	// 9. 启动对账任务
	if err := reconcile.Start(ctx, cfg.ReconcileCron); err != nil {
		zl.Fatal("启动对账任务失败", zap.Error(err))
	}

	// 10. 启动 gRPC 服务
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		zl.Fatal("监听端口失败", zap.Error(err))
	}

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(server.UnaryAuthInterceptor(cfg.JWTSecret)))
	pb.RegisterPointsLedgerServer(grpcServer, server.NewLedgerServer(orderService, settlement, catalog, zl))

	go func() {
		zl.Info("gRPC 服务已启动", zap.Int("port", cfg.GRPCPort))
		if err := grpcServer.Serve(lis); err != nil {
			zl.Fatal("gRPC 服务异常", zap.Error(err))
		}
	}()

	// 11. 启动 HTTP 服务
	handler := server.NewHTTPHandler(orderService, settlement, catalog, balanceRepo, cfg.JWTSecret, zl)
	httpServer := server.NewHTTPServer(handler, cfg.HTTPPort)
	go func() {
		zl.Info("HTTP 服务已启动", zap.Int("port", cfg.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zl.Fatal("HTTP 服务异常", zap.Error(err))
		}
	}()

	if cfg.JWTSecret == "" {
		zl.Warn("未配置 JWT_SECRET，需要认证的 HTTP 与 gRPC 接口将不可用")
	}

	// 12. 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	zl.Info("收到退出信号", zap.String("signal", sig.String()))

	cancel()
	grpcServer.GracefulStop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zl.Warn("HTTP 服务关闭异常", zap.Error(err))
	}
	zl.Info("服务已优雅退出")
}
