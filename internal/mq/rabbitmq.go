package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	DelayExchange  = "points.order.delay.exchange"
	ExpireExchange = "points.order.expire.exchange"
	NotifyExchange = "points.order.notify.exchange"

	DelayQueue  = "points.order.delay.queue"
	ExpireQueue = "points.order.expire.queue"
	NotifyQueue = "points.order.notify.queue"

	DelayRoutingKey  = "points.order.delay"
	ExpireRoutingKey = "points.order.expire"
	NotifyRoutingKey = "points.order.notify"

	retryDelay     = 3 * time.Second
	publishTimeout = 5 * time.Second
)

const (
	EventCompleted = "completed"
	EventCancelled = "cancelled"
	EventExpired   = "expired"
)

var ErrNotConnected = errors.New("RabbitMQ 未连接")

// OrderNotifyMessage 订单终态通知，供下游（消息推送、账单）订阅
type OrderNotifyMessage struct {
	Event       string `json:"event"`
	OrderNo     string `json:"order_no"`
	Username    string `json:"username"`
	PackageID   string `json:"package_id"`
	TotalPoints int64  `json:"total_points"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
	TradeNo     string `json:"trade_no,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// binding 一组 exchange -> queue 声明
type binding struct {
	Exchange   string
	Queue      string
	RoutingKey string
	Args       amqp.Table
}

// topology 订单队列拓扑。延时队列没有消费者，消息过期后死信转入过期队列
func topology(expireMinutes int) []binding {
	return []binding{
		{Exchange: ExpireExchange, Queue: ExpireQueue, RoutingKey: ExpireRoutingKey},
		{Exchange: NotifyExchange, Queue: NotifyQueue, RoutingKey: NotifyRoutingKey},
		{
			Exchange:   DelayExchange,
			Queue:      DelayQueue,
			RoutingKey: DelayRoutingKey,
			Args: amqp.Table{
				"x-message-ttl":             int32(expireMinutes * 60 * 1000),
				"x-dead-letter-exchange":    ExpireExchange,
				"x-dead-letter-routing-key": ExpireRoutingKey,
			},
		},
	}
}

// RabbitMQ 订单延时过期与终态通知，断线后自动重连
type RabbitMQ struct {
	url      string
	bindings []binding
	logger   *zap.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel

	done      chan struct{}
	closeOnce sync.Once
}

func NewRabbitMQ(url string, expireMinutes int, logger *zap.Logger) (*RabbitMQ, error) {
	r := &RabbitMQ{
		url:      url,
		bindings: topology(expireMinutes),
		logger:   logger,
		done:     make(chan struct{}),
	}
	if err := r.connect(); err != nil {
		return nil, err
	}
	go r.watch()
	return r, nil
}

func (r *RabbitMQ) connect() error {
	conn, err := amqp.Dial(r.url)
	if err != nil {
		return fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("打开 Channel 失败: %w", err)
	}
	if err := declare(ch, r.bindings); err != nil {
		conn.Close()
		return err
	}

	r.mu.Lock()
	r.conn, r.channel = conn, ch
	r.mu.Unlock()
	r.logger.Info("RabbitMQ 连接成功")
	return nil
}

func declare(ch *amqp.Channel, bindings []binding) error {
	for _, b := range bindings {
		if err := ch.ExchangeDeclare(b.Exchange, "direct", true, false, false, false, nil); err != nil {
			return fmt.Errorf("声明 %s 失败: %w", b.Exchange, err)
		}
		if _, err := ch.QueueDeclare(b.Queue, true, false, false, false, b.Args); err != nil {
			return fmt.Errorf("声明 %s 失败: %w", b.Queue, err)
		}
		if err := ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, nil); err != nil {
			return fmt.Errorf("绑定 %s 失败: %w", b.Queue, err)
		}
	}
	return nil
}

// watch 连接断开后持续重连，直到 Close
func (r *RabbitMQ) watch() {
	for {
		r.mu.RLock()
		conn := r.conn
		r.mu.RUnlock()

		closed := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-r.done:
			return
		case err := <-closed:
			r.logger.Warn("RabbitMQ 连接断开", zap.Error(err))
		}

		r.mu.Lock()
		r.channel = nil
		r.mu.Unlock()

		for attempt := 1; ; attempt++ {
			select {
			case <-r.done:
				return
			case <-time.After(retryDelay):
			}
			if err := r.connect(); err != nil {
				r.logger.Warn("RabbitMQ 重连失败", zap.Int("attempt", attempt), zap.Error(err))
				continue
			}
			break
		}
	}
}

func (r *RabbitMQ) currentChannel() (*amqp.Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.channel == nil {
		return nil, ErrNotConnected
	}
	return r.channel, nil
}

func (r *RabbitMQ) IsConnected() bool {
	_, err := r.currentChannel()
	return err == nil
}

func (r *RabbitMQ) publish(exchange, routingKey string, v interface{}) error {
	ch, err := r.currentChannel()
	if err != nil {
		return err
	}
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
	})
}

// PublishDelay 投递订单过期计时消息
func (r *RabbitMQ) PublishDelay(orderNo string) error {
	return r.publish(DelayExchange, DelayRoutingKey, map[string]string{"order_no": orderNo})
}

// PublishNotify 投递订单终态通知（完成/取消/过期）
func (r *RabbitMQ) PublishNotify(msg *OrderNotifyMessage) error {
	return r.publish(NotifyExchange, NotifyRoutingKey, msg)
}

func (r *RabbitMQ) consume(queue, prefix string, autoAck bool) (<-chan amqp.Delivery, error) {
	ch, err := r.currentChannel()
	if err != nil {
		return nil, err
	}
	// 每次订阅使用新的 consumer tag，重连后不冲突
	tag := fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	return ch.Consume(queue, tag, autoAck, false, false, false, nil)
}

// ConsumeExpire 订阅过期队列，需手动 ack
func (r *RabbitMQ) ConsumeExpire() (<-chan amqp.Delivery, error) {
	return r.consume(ExpireQueue, "expire-consumer", false)
}

// ConsumeNotify 订阅通知队列，联调工具使用
func (r *RabbitMQ) ConsumeNotify() (<-chan amqp.Delivery, error) {
	return r.consume(NotifyQueue, "notify-consumer", true)
}

func (r *RabbitMQ) Close() {
	r.closeOnce.Do(func() { close(r.done) })

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		if err := r.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			r.logger.Warn("关闭 RabbitMQ 连接失败", zap.Error(err))
		}
	}
	r.conn, r.channel = nil, nil
}
