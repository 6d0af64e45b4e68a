package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"points-ledger/internal/gateway"
	"points-ledger/internal/metrics"
	"points-ledger/internal/model"
	"points-ledger/internal/mq"
	"points-ledger/internal/repository"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	createRetries = 3
	expireReason  = "超时未支付"
)

// EventPublisher 订单事件出口，由 RabbitMQ 实现
type EventPublisher interface {
	PublishDelay(orderNo string) error
	PublishNotify(msg *mq.OrderNotifyMessage) error
}

// ExpireSource 过期消息来源
type ExpireSource interface {
	IsConnected() bool
	ConsumeExpire() (<-chan amqp.Delivery, error)
}

type noopPublisher struct{}

func (noopPublisher) PublishDelay(string) error                  { return nil }
func (noopPublisher) PublishNotify(*mq.OrderNotifyMessage) error { return nil }

// transitionSource 每个目标状态唯一合法的源状态
var transitionSource = map[model.OrderStatus]model.OrderStatus{
	model.OrderStatusPaid:      model.OrderStatusPending,
	model.OrderStatusCompleted: model.OrderStatusPaid,
	model.OrderStatusCancelled: model.OrderStatusPending,
}

var transitionTimestamp = map[model.OrderStatus]string{
	model.OrderStatusPaid:      "paid_at",
	model.OrderStatusCompleted: "completed_at",
	model.OrderStatusCancelled: "cancelled_at",
}

type OrderService struct {
	orderRepo *repository.OrderRepository
	catalog   *CatalogService
	gateways  *gateway.Registry
	publisher EventPublisher
	logger    *zap.Logger
}

func NewOrderService(
	orderRepo *repository.OrderRepository,
	catalog *CatalogService,
	gateways *gateway.Registry,
	publisher EventPublisher,
	logger *zap.Logger,
) *OrderService {
	if publisher == nil {
		publisher = noopPublisher{}
	}
	return &OrderService{
		orderRepo: orderRepo,
		catalog:   catalog,
		gateways:  gateways,
		publisher: publisher,
		logger:    logger,
	}
}

// CreateOrder 创建待支付订单，套餐信息以快照形式写入订单
func (s *OrderService) CreateOrder(ctx context.Context, username, packageID, method string) (*model.Order, error) {
	if strings.TrimSpace(username) == "" {
		return nil, fmt.Errorf("%w: 用户名不能为空", ErrInvalidArgument)
	}
	pkg, err := s.catalog.Get(ctx, packageID)
	if err != nil {
		return nil, err
	}
	if !pkg.Enabled {
		return nil, ErrPackageDisabled
	}
	if _, ok := s.gateways.Get(method); !ok {
		return nil, ErrPaymentMethodUnavailable
	}

	order := &model.Order{
		Username:      username,
		PackageID:     pkg.PackageID,
		PackageName:   pkg.Name,
		Points:        pkg.Points,
		Bonus:         pkg.Bonus,
		TotalPoints:   pkg.TotalPoints(),
		Price:         pkg.Price,
		Currency:      pkg.Currency,
		PaymentMethod: method,
		Status:        model.OrderStatusPending,
	}

	for attempt := 1; ; attempt++ {
		order.ID = 0
		order.OrderNo = generateOrderNo()
		order.CreatedAt = time.Now()
		err = s.orderRepo.Create(ctx, order)
		if err == nil {
			break
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) || attempt >= createRetries {
			return nil, fmt.Errorf("创建订单失败: %w", err)
		}
		s.logger.Debug("订单号冲突，重新生成", zap.String("order_no", order.OrderNo))
	}

	metrics.OrderCreateTotal.WithLabelValues(method).Inc()

	// 发送延时消息（用于过期取消）
	if err := s.publisher.PublishDelay(order.OrderNo); err != nil {
		s.logger.Warn("发送延时消息失败", zap.String("order_no", order.OrderNo), zap.Error(err))
	}

	s.logger.Info("订单已创建",
		zap.String("order_no", order.OrderNo),
		zap.String("username", username),
		zap.String("package_id", pkg.PackageID),
		zap.String("payment_method", method),
		zap.String("price", order.Price.StringFixed(2)))
	return order, nil
}

// StartPayment 调用网关创建支付会话并保存到订单；失败时订单保持 pending，可重试
func (s *OrderService) StartPayment(ctx context.Context, orderNo string) (*gateway.PaymentSession, error) {
	order, err := s.GetOrder(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	if order.Status != model.OrderStatusPending {
		return nil, ErrInvalidTransition
	}
	gw, ok := s.gateways.Get(order.PaymentMethod)
	if !ok {
		return nil, ErrPaymentMethodUnavailable
	}

	session, err := gw.CreatePayment(ctx, gateway.PaymentRequest{
		OrderNo:     order.OrderNo,
		Amount:      order.Price,
		Currency:    order.Currency,
		Subject:     order.PackageName,
		Description: fmt.Sprintf("%d 点数", order.TotalPoints),
	})
	if err != nil {
		s.logger.Error("创建支付失败",
			zap.String("order_no", orderNo),
			zap.String("gateway", gw.Name()),
			zap.Error(err))
		return nil, ErrPaymentFailed
	}

	info, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("序列化支付信息失败: %w", err)
	}
	ok, err = s.orderRepo.UpdatePaymentInfo(ctx, orderNo, info)
	if err != nil {
		return nil, fmt.Errorf("保存支付信息失败: %w", err)
	}
	if !ok {
		return nil, ErrInvalidTransition
	}
	return session, nil
}

// Transition 以 CAS 方式迁移订单状态，并发调用中只有一个会成功
func (s *OrderService) Transition(ctx context.Context, orderNo string, target model.OrderStatus, fields map[string]interface{}) (*model.Order, error) {
	source, ok := transitionSource[target]
	if !ok {
		return nil, ErrInvalidTransition
	}

	updates := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		updates[k] = v
	}
	if col := transitionTimestamp[target]; updates[col] == nil {
		updates[col] = time.Now()
	}

	swapped, err := s.orderRepo.CompareAndSetStatus(ctx, orderNo, source, target, updates)
	if err != nil {
		return nil, fmt.Errorf("更新订单状态失败: %w", err)
	}
	if !swapped {
		if _, err := s.GetOrder(ctx, orderNo); err != nil {
			return nil, err
		}
		// 竞争失败属于正常并发情况
		metrics.RecordTransition(string(target), "lost")
		s.logger.Debug("订单状态迁移未生效",
			zap.String("order_no", orderNo),
			zap.String("from", string(source)),
			zap.String("to", string(target)))
		return nil, ErrInvalidTransition
	}

	metrics.RecordTransition(string(target), "ok")
	return s.GetOrder(ctx, orderNo)
}

// Cancel 取消待支付订单
func (s *OrderService) Cancel(ctx context.Context, orderNo, reason string) (*model.Order, error) {
	order, err := s.Transition(ctx, orderNo, model.OrderStatusCancelled, map[string]interface{}{
		"cancel_reason": reason,
	})
	if err != nil {
		return nil, err
	}
	s.publish(newNotifyMessage(mq.EventCancelled, order))
	s.logger.Info("订单已取消", zap.String("order_no", orderNo), zap.String("reason", reason))
	return order, nil
}

// HandleExpiredOrder 处理过期订单（由 MQ 消费者调用）
func (s *OrderService) HandleExpiredOrder(ctx context.Context, orderNo string) error {
	order, err := s.GetOrder(ctx, orderNo)
	if errors.Is(err, ErrOrderNotFound) {
		s.logger.Warn("过期消息对应的订单不存在", zap.String("order_no", orderNo))
		return nil
	}
	if err != nil {
		return err
	}

	// 只处理仍为待支付的订单
	if order.Status != model.OrderStatusPending {
		return nil
	}

	order, err = s.Transition(ctx, orderNo, model.OrderStatusCancelled, map[string]interface{}{
		"cancel_reason": expireReason,
	})
	if errors.Is(err, ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return err
	}

	s.publish(newNotifyMessage(mq.EventExpired, order))
	s.logger.Info("订单已过期", zap.String("order_no", orderNo))
	return nil
}

func (s *OrderService) GetOrder(ctx context.Context, orderNo string) (*model.Order, error) {
	order, err := s.orderRepo.FindByOrderNo(ctx, orderNo)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询订单失败: %w", err)
	}
	return order, nil
}

func (s *OrderService) GetOrdersForUser(ctx context.Context, username string, limit int) ([]model.Order, error) {
	return s.orderRepo.ListByUser(ctx, username, limit)
}

func (s *OrderService) GetAllOrders(ctx context.Context, limit int) ([]model.Order, error) {
	return s.orderRepo.ListAll(ctx, limit)
}

func (s *OrderService) ListOrders(ctx context.Context, filter repository.OrderFilter) ([]model.Order, int64, error) {
	return s.orderRepo.ListOrders(ctx, filter)
}

// StartExpireConsumer 启动过期消息消费者（支持自动重连后重新订阅）
func (s *OrderService) StartExpireConsumer(ctx context.Context, source ExpireSource) {
	go s.runExpireConsumer(ctx, source)
	s.logger.Info("过期消息消费者已启动")
}

func (s *OrderService) runExpireConsumer(ctx context.Context, source ExpireSource) {
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("过期消费者已停止")
			return
		default:
		}

		// 等待 MQ 连接就绪
		if !source.IsConnected() {
			time.Sleep(time.Second)
			continue
		}

		msgs, err := source.ConsumeExpire()
		if err != nil {
			s.logger.Warn("订阅过期队列失败，等待重连", zap.Error(err))
			time.Sleep(2 * time.Second)
			continue
		}

		s.logger.Info("过期队列消费者订阅成功")
		s.consumeMessages(ctx, msgs)

		// 通道关闭后等待一段时间再重新订阅
		s.logger.Info("过期消费通道已关闭，等待重连")
		time.Sleep(2 * time.Second)
	}
}

// consumeMessages 消费消息，直到 ctx 取消或通道关闭
func (s *OrderService) consumeMessages(ctx context.Context, msgs <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}

			var data struct {
				OrderNo string `json:"order_no"`
			}
			if err := json.Unmarshal(msg.Body, &data); err != nil {
				s.logger.Error("解析过期消息失败", zap.Error(err))
				msg.Nack(false, false)
				continue
			}

			if err := s.HandleExpiredOrder(ctx, data.OrderNo); err != nil {
				s.logger.Error("处理过期订单失败", zap.String("order_no", data.OrderNo), zap.Error(err))
				msg.Nack(false, true)
				continue
			}

			msg.Ack(false)
		}
	}
}

func (s *OrderService) publish(msg *mq.OrderNotifyMessage) {
	if err := s.publisher.PublishNotify(msg); err != nil {
		s.logger.Warn("发送订单通知失败",
			zap.String("order_no", msg.OrderNo),
			zap.String("event", msg.Event),
			zap.Error(err))
	}
}

func newNotifyMessage(event string, order *model.Order) *mq.OrderNotifyMessage {
	return &mq.OrderNotifyMessage{
		Event:       event,
		OrderNo:     order.OrderNo,
		Username:    order.Username,
		PackageID:   order.PackageID,
		TotalPoints: order.TotalPoints,
		Amount:      order.Price.StringFixed(2),
		Currency:    order.Currency,
		Status:      string(order.Status),
		TradeNo:     order.GatewayTradeNo,
		Reason:      order.CancelReason,
		Timestamp:   time.Now().Unix(),
	}
}

// generateOrderNo 生成订单号: PO + YYYYMMDDHHmmss + 8 位随机十六进制
func generateOrderNo() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return "PO" + time.Now().Format("20060102150405") + suffix
}
