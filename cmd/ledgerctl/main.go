package main

import (
	"fmt"
	"os"
	"time"

	"points-ledger/internal/config"
	"points-ledger/internal/gateway"
	"points-ledger/internal/lock"
	"points-ledger/internal/logger"
	"points-ledger/internal/repository"
	"points-ledger/internal/service"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var Version = "dev"

// app 命令行直接操作数据库，不经过服务进程
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	orderRepo  *repository.OrderRepository
	balance    *repository.BalanceRepository
	notifies   *repository.NotificationRepository
	catalog    *service.CatalogService
	orders     *service.OrderService
	settlement *service.SettlementService
	reconcile  *service.ReconcileService
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	zl, err := logger.New(cfg.LogLevel, true)
	if err != nil {
		return nil, err
	}
	db, err := repository.OpenDatabase(cfg.DBDriver, cfg.DSN())
	if err != nil {
		return nil, err
	}
	gateways, err := gateway.BuildRegistry(cfg, zl)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:       cfg,
		logger:    zl,
		orderRepo: repository.NewOrderRepository(db),
		balance:   repository.NewBalanceRepository(db),
		notifies:  repository.NewNotificationRepository(db),
	}
	a.catalog = service.NewCatalogService(repository.NewPackageRepository(db), zl)
	a.orders = service.NewOrderService(a.orderRepo, a.catalog, gateways, nil, zl)
	a.settlement = service.NewSettlementService(a.orders, a.balance, a.notifies, gateways, zl)

	var locker service.Locker = lock.NewLocalLocker()
	if cfg.RedisAddr != "" {
		locker = lock.NewRedisLocker(lock.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB),
			"points-ledger:reconcile", 5*time.Minute, zl)
	}
	a.reconcile = service.NewReconcileService(a.orderRepo, a.orders, a.settlement, gateways, locker, service.ReconcileOptions{
		PaidAfter:    cfg.ReconcilePaidAfter,
		PendingAfter: cfg.ReconcilePendingAfter,
		Batch:        cfg.ReconcileBatch,
	}, zl)
	return a, nil
}

// withApp 延迟到命令执行时再连接数据库
func withApp(run func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.logger.Sync()
		return run(cmd, a, args)
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "点数账本管理工具",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(packagesCmd())
	rootCmd.AddCommand(ordersCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(balanceCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "立即执行一次对账",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			report, err := a.reconcile.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("paid 检查:    %d\n", report.PaidChecked)
			fmt.Printf("pending 检查: %d\n", report.PendingChecked)
			fmt.Printf("补结算:       %d\n", report.Settled)
			fmt.Printf("已取消:       %d\n", report.Cancelled)
			fmt.Printf("跳过:         %d\n", report.Skipped)
			fmt.Printf("失败:         %d\n", report.Failed)
			return nil
		}),
	}
}

func balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance <username>",
		Short: "查询用户点数余额",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			points, err := a.balance.Balance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d\n", args[0], points)
			return nil
		}),
	}
}
