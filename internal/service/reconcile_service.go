package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"points-ledger/internal/gateway"
	"points-ledger/internal/metrics"
	"points-ledger/internal/model"
	"points-ledger/internal/repository"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const closedReason = "网关侧订单已关闭"

// Locker 跨实例互斥
type Locker interface {
	TryLock(ctx context.Context) (unlock func(), ok bool)
}

type ReconcileOptions struct {
	PaidAfter    time.Duration
	PendingAfter time.Duration
	Batch        int
}

// ReconcileReport 一次对账的处理统计
type ReconcileReport struct {
	PaidChecked    int `json:"paid_checked"`
	PendingChecked int `json:"pending_checked"`
	Settled        int `json:"settled"`
	Cancelled      int `json:"cancelled"`
	Skipped        int `json:"skipped"`
	Failed         int `json:"failed"`
}

// ReconcileService 对账：补结算卡在 paid 的订单，并向网关查询长时间 pending 的订单
type ReconcileService struct {
	orderRepo  *repository.OrderRepository
	orders     *OrderService
	settlement *SettlementService
	gateways   *gateway.Registry
	locker     Locker
	opts       ReconcileOptions
	logger     *zap.Logger
}

func NewReconcileService(
	orderRepo *repository.OrderRepository,
	orders *OrderService,
	settlement *SettlementService,
	gateways *gateway.Registry,
	locker Locker,
	opts ReconcileOptions,
	logger *zap.Logger,
) *ReconcileService {
	if opts.Batch <= 0 {
		opts.Batch = 100
	}
	return &ReconcileService{
		orderRepo:  orderRepo,
		orders:     orders,
		settlement: settlement,
		gateways:   gateways,
		locker:     locker,
		opts:       opts,
		logger:     logger,
	}
}

// Start 按 cron 表达式定时对账，ctx 取消后停止
func (s *ReconcileService) Start(ctx context.Context, schedule string) error {
	c := cron.New(cron.WithSeconds())
	_, err := c.AddFunc(schedule, func() {
		runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		if _, err := s.Sweep(runCtx); err != nil {
			s.logger.Error("对账任务失败", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("无效的对账调度表达式 %q: %w", schedule, err)
	}
	c.Start()
	s.logger.Info("对账任务已启动", zap.String("schedule", schedule))

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		s.logger.Info("对账任务已停止")
	}()
	return nil
}

// Sweep 执行一次对账
func (s *ReconcileService) Sweep(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{}
	if s.locker != nil {
		unlock, ok := s.locker.TryLock(ctx)
		if !ok {
			s.logger.Debug("其他实例正在对账，跳过本轮")
			return report, nil
		}
		defer unlock()
	}

	if err := s.sweepPaid(ctx, report); err != nil {
		return report, err
	}
	if err := s.sweepPending(ctx, report); err != nil {
		return report, err
	}

	if report.PaidChecked+report.PendingChecked > 0 {
		s.logger.Info("对账完成",
			zap.Int("paid_checked", report.PaidChecked),
			zap.Int("pending_checked", report.PendingChecked),
			zap.Int("settled", report.Settled),
			zap.Int("cancelled", report.Cancelled),
			zap.Int("skipped", report.Skipped),
			zap.Int("failed", report.Failed))
	}
	return report, nil
}

// sweepPaid 已支付但未完成入账的订单，用记录的实付金额重新结算
// 金额不一致的订单不在扫描范围内，留给人工审核
func (s *ReconcileService) sweepPaid(ctx context.Context, report *ReconcileReport) error {
	return s.walk(ctx, repository.StaleFilter{
		Status:        model.OrderStatusPaid,
		Before:        time.Now().Add(-s.opts.PaidAfter),
		AmountMatched: true,
	}, func(order *model.Order) {
		report.PaidChecked++
		_, err := s.settlement.Settle(ctx, SettleRequest{
			OrderNo:    order.OrderNo,
			Amount:     order.PaidAmount.Decimal,
			Currency:   order.PaidCurrency,
			GatewayRef: order.GatewayTradeNo,
		})
		if err != nil {
			report.Failed++
			metrics.RecordReconcile("paid", "failed")
			s.logger.Warn("补结算失败", zap.String("order_no", order.OrderNo), zap.Error(err))
			return
		}
		report.Settled++
		metrics.RecordReconcile("paid", "settled")
	})
}

// sweepPending 向网关查询长时间未支付且已发起支付的订单
func (s *ReconcileService) sweepPending(ctx context.Context, report *ReconcileReport) error {
	return s.walk(ctx, repository.StaleFilter{
		Status: model.OrderStatusPending,
		Before: time.Now().Add(-s.opts.PendingAfter),
	}, func(order *model.Order) {
		if order.PaymentMethod == model.PaymentMethodManual || len(order.PaymentInfo) == 0 {
			return
		}
		gw, ok := s.gateways.Get(order.PaymentMethod)
		if !ok {
			return
		}
		report.PendingChecked++

		remote, err := gw.QueryOrder(ctx, order.OrderNo)
		if errors.Is(err, gateway.ErrNotFound) {
			// 用户未完成下单，交给过期机制处理
			report.Skipped++
			metrics.RecordReconcile("pending", "not_found")
			return
		}
		if err != nil {
			report.Failed++
			metrics.RecordReconcile("pending", "failed")
			s.logger.Warn("查询网关订单失败", zap.String("order_no", order.OrderNo), zap.Error(err))
			return
		}

		switch remote.State {
		case gateway.RemotePaid:
			_, err := s.settlement.Settle(ctx, SettleRequest{
				OrderNo:    order.OrderNo,
				Amount:     remote.Amount,
				Currency:   remote.Currency,
				GatewayRef: remote.TradeNo,
			})
			if err != nil {
				report.Failed++
				metrics.RecordReconcile("pending", "failed")
				s.logger.Warn("补结算失败", zap.String("order_no", order.OrderNo), zap.Error(err))
				return
			}
			report.Settled++
			metrics.RecordReconcile("pending", "settled")
		case gateway.RemoteClosed:
			_, err := s.orders.Cancel(ctx, order.OrderNo, closedReason)
			if err != nil && !errors.Is(err, ErrInvalidTransition) {
				report.Failed++
				metrics.RecordReconcile("pending", "failed")
				return
			}
			report.Cancelled++
			metrics.RecordReconcile("pending", "cancelled")
		default:
			report.Skipped++
			metrics.RecordReconcile("pending", "waiting")
		}
	})
}

// walk 按 ID 游标分批遍历所有符合条件的订单
func (s *ReconcileService) walk(ctx context.Context, filter repository.StaleFilter, fn func(order *model.Order)) error {
	filter.Limit = s.opts.Batch
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		orders, err := s.orderRepo.FindStale(ctx, filter)
		if err != nil {
			return fmt.Errorf("查询 %s 订单失败: %w", filter.Status, err)
		}
		for i := range orders {
			fn(&orders[i])
		}
		if len(orders) < filter.Limit {
			return nil
		}
		filter.AfterID = orders[len(orders)-1].ID
	}
}
