package service

import (
	"context"
	"errors"
	"fmt"

	"points-ledger/internal/gateway"
	"points-ledger/internal/metrics"
	"points-ledger/internal/model"
	"points-ledger/internal/mq"
	"points-ledger/internal/repository"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BalanceStore 点数余额存储，同一幂等键只入账一次
type BalanceStore interface {
	Credit(ctx context.Context, username string, amount int64, idempotencyKey string) (model.CreditResult, error)
	Balance(ctx context.Context, username string) (int64, error)
}

type SettleRequest struct {
	OrderNo    string
	Amount     decimal.Decimal
	Currency   string
	GatewayRef string
}

type SettleResult int

const (
	ResultCredited       SettleResult = iota + 1 // 本次调用完成入账
	ResultAlreadySettled                         // 订单此前已结算，本次为幂等空操作
)

func (r SettleResult) String() string {
	switch r {
	case ResultCredited:
		return "credited"
	case ResultAlreadySettled:
		return "already_settled"
	default:
		return "unknown"
	}
}

// SettlementService 结算协调：确认支付并为订单恰好入账一次
type SettlementService struct {
	orders        *OrderService
	balance       BalanceStore
	notifications *repository.NotificationRepository
	gateways      *gateway.Registry
	logger        *zap.Logger
}

func NewSettlementService(
	orders *OrderService,
	balance BalanceStore,
	notifications *repository.NotificationRepository,
	gateways *gateway.Registry,
	logger *zap.Logger,
) *SettlementService {
	return &SettlementService{
		orders:        orders,
		balance:       balance,
		notifications: notifications,
		gateways:      gateways,
		logger:        logger,
	}
}

// Settle 结算订单，可被回调、人工确认和对账任务并发调用
func (s *SettlementService) Settle(ctx context.Context, req SettleRequest) (SettleResult, error) {
	order, err := s.orders.GetOrder(ctx, req.OrderNo)
	if err != nil {
		return 0, err
	}

	if order.Status == model.OrderStatusPending {
		if order, err = s.markPaid(ctx, order, req); err != nil {
			return 0, err
		}
	}

	switch order.Status {
	case model.OrderStatusCompleted:
		metrics.RecordSettle("already_settled")
		return ResultAlreadySettled, nil
	case model.OrderStatusCancelled:
		metrics.RecordSettle("invalid_transition")
		return 0, ErrInvalidTransition
	}

	if !req.Amount.Equal(order.Price) || req.Currency != order.Currency {
		metrics.RecordSettle("amount_mismatch")
		s.logger.Warn("支付金额与订单不一致，等待人工审核",
			zap.String("order_no", order.OrderNo),
			zap.String("expected", order.Price.StringFixed(2)+" "+order.Currency),
			zap.String("actual", req.Amount.String()+" "+req.Currency),
			zap.String("gateway_ref", req.GatewayRef))
		return 0, fmt.Errorf("%w: 订单 %s %s，实付 %s %s",
			ErrAmountMismatch, order.Price.StringFixed(2), order.Currency, req.Amount.String(), req.Currency)
	}

	credit, err := s.balance.Credit(ctx, order.Username, order.TotalPoints, order.OrderNo)
	if err != nil {
		metrics.RecordSettle("credit_failure")
		s.logger.Error("点数入账失败，订单保持已支付待重试",
			zap.String("order_no", order.OrderNo),
			zap.String("username", order.Username),
			zap.Error(err))
		return 0, fmt.Errorf("%w: %v", ErrCreditFailure, err)
	}

	completed, err := s.orders.Transition(ctx, order.OrderNo, model.OrderStatusCompleted, nil)
	switch {
	case err == nil:
		s.orders.publish(newNotifyMessage(mq.EventCompleted, completed))
	case errors.Is(err, ErrInvalidTransition):
		// paid 只能迁移到 completed，说明已被其他调用完成
	default:
		return 0, err
	}

	if credit == model.CreditResultCredited {
		metrics.RecordSettle("credited")
		metrics.CreditedPointsTotal.Add(float64(order.TotalPoints))
		s.logger.Info("订单结算完成",
			zap.String("order_no", order.OrderNo),
			zap.String("username", order.Username),
			zap.Int64("points", order.TotalPoints),
			zap.String("gateway_ref", req.GatewayRef))
		return ResultCredited, nil
	}
	metrics.RecordSettle("already_settled")
	return ResultAlreadySettled, nil
}

// markPaid pending -> paid；CAS 失败时重读订单，从新状态继续
func (s *SettlementService) markPaid(ctx context.Context, order *model.Order, req SettleRequest) (*model.Order, error) {
	paid, err := s.orders.Transition(ctx, order.OrderNo, model.OrderStatusPaid, map[string]interface{}{
		"paid_amount":      decimal.NewNullDecimal(req.Amount),
		"paid_currency":    req.Currency,
		"gateway_trade_no": req.GatewayRef,
	})
	if errors.Is(err, ErrInvalidTransition) {
		return s.orders.GetOrder(ctx, order.OrderNo)
	}
	return paid, err
}

// ConfirmOrder 管理员确认收款，按订单自身金额结算
func (s *SettlementService) ConfirmOrder(ctx context.Context, orderNo, operator string) (SettleResult, error) {
	order, err := s.orders.GetOrder(ctx, orderNo)
	if err != nil {
		return 0, err
	}
	result, err := s.Settle(ctx, SettleRequest{
		OrderNo:    order.OrderNo,
		Amount:     order.Price,
		Currency:   order.Currency,
		GatewayRef: "manual:" + operator,
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("管理员确认订单",
		zap.String("order_no", orderNo),
		zap.String("operator", operator),
		zap.String("result", result.String()))
	return result, nil
}

// HandleNotification 验签并结算网关回调，返回网关要求的应答
func (s *SettlementService) HandleNotification(ctx context.Context, gatewayName string, n *gateway.Notification) (string, []byte, error) {
	gw, ok := s.gateways.Get(gatewayName)
	if !ok {
		return "", nil, ErrPaymentMethodUnavailable
	}

	paid, err := gw.VerifyNotification(ctx, n)
	if err != nil {
		metrics.RecordNotify(gatewayName, "rejected")
		s.logger.Warn("支付回调被拒绝", zap.String("gateway", gatewayName), zap.Error(err))
		ct, body := gw.Acknowledge(false)
		return ct, body, err
	}

	result, err := s.settleNotification(ctx, gatewayName, paid)
	s.recordNotification(ctx, gatewayName, paid, result, err)
	if err != nil {
		metrics.RecordNotify(gatewayName, errorCode(err))
		ct, body := gw.Acknowledge(false)
		return ct, body, err
	}

	metrics.RecordNotify(gatewayName, result.String())
	ct, body := gw.Acknowledge(true)
	return ct, body, nil
}

func (s *SettlementService) settleNotification(ctx context.Context, gatewayName string, paid *gateway.VerifiedPayment) (SettleResult, error) {
	order, err := s.orders.GetOrder(ctx, paid.OrderNo)
	if err != nil {
		return 0, err
	}
	if order.PaymentMethod != gatewayName {
		s.logger.Warn("回调网关与订单支付方式不一致",
			zap.String("order_no", order.OrderNo),
			zap.String("order_method", order.PaymentMethod),
			zap.String("gateway", gatewayName))
		return 0, ErrPaymentMethodUnavailable
	}
	return s.Settle(ctx, SettleRequest{
		OrderNo:    paid.OrderNo,
		Amount:     paid.Amount,
		Currency:   paid.Currency,
		GatewayRef: paid.TradeNo,
	})
}

func (s *SettlementService) recordNotification(ctx context.Context, gatewayName string, paid *gateway.VerifiedPayment, result SettleResult, settleErr error) {
	outcome := result.String()
	if settleErr != nil {
		outcome = errorCode(settleErr)
	}
	dup, err := s.notifications.Record(ctx, &model.PaymentNotification{
		Gateway:  gatewayName,
		TradeNo:  paid.TradeNo,
		OrderNo:  paid.OrderNo,
		Amount:   paid.Amount,
		Currency: paid.Currency,
		Result:   outcome,
	})
	if err != nil {
		s.logger.Warn("保存回调记录失败", zap.String("order_no", paid.OrderNo), zap.Error(err))
		return
	}
	if dup {
		s.logger.Debug("网关重复投递回调",
			zap.String("gateway", gatewayName),
			zap.String("trade_no", paid.TradeNo),
			zap.String("order_no", paid.OrderNo),
			zap.String("result", outcome))
	}
}

// errorCode 结算错误的简短分类，用于回调记录和指标
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrOrderNotFound):
		return "order_not_found"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrAmountMismatch):
		return "amount_mismatch"
	case errors.Is(err, ErrCreditFailure):
		return "credit_failure"
	case errors.Is(err, ErrPaymentMethodUnavailable):
		return "method_mismatch"
	default:
		return "error"
	}
}
