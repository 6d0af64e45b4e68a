// Package gateway 定义支付网关能力契约及各支付渠道的适配器。
//
// 适配器只负责与外部支付平台交互和回调验签，从不修改订单账本；
// 验签通过的 VerifiedPayment 是外部数据进入系统的唯一可信入口。
package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sort"

	"points-ledger/internal/config"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrGatewayUnavailable   = errors.New("支付网关不可用")
	ErrInvalidAmount        = errors.New("支付金额无效")
	ErrSignatureInvalid     = errors.New("回调签名验证失败")
	ErrMalformedPayload     = errors.New("回调数据格式错误")
	ErrPaymentNotSuccessful = errors.New("支付未成功")
	ErrNotFound             = errors.New("网关侧订单不存在")
	ErrUnsupported          = errors.New("该支付方式不支持此操作")
)

// PaymentRequest 创建支付所需的订单信息
type PaymentRequest struct {
	OrderNo     string
	Amount      decimal.Decimal
	Currency    string
	Subject     string
	Description string
}

// PaymentSession 支付会话，原样保存到订单的 payment_info
type PaymentSession struct {
	Gateway    string `json:"gateway"`
	PaymentURL string `json:"payment_url,omitempty"`
	QRCode     string `json:"qr_code,omitempty"`
	Method     string `json:"method,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Notification 网关推送的原始回调
type Notification struct {
	Form   url.Values
	Body   []byte
	Header http.Header
}

// VerifiedPayment 验签通过的支付结果
type VerifiedPayment struct {
	OrderNo  string
	Amount   decimal.Decimal
	Currency string
	TradeNo  string
	Status   string
}

type RemoteState string

const (
	RemotePaid    RemoteState = "paid"
	RemotePending RemoteState = "pending"
	RemoteClosed  RemoteState = "closed"
	RemoteUnknown RemoteState = "unknown"
)

// RemoteStatus 网关侧订单状态，供对账使用
type RemoteStatus struct {
	OrderNo  string
	State    RemoteState
	Amount   decimal.Decimal
	Currency string
	TradeNo  string
}

// Gateway 支付网关能力契约
type Gateway interface {
	Name() string
	CreatePayment(ctx context.Context, req PaymentRequest) (*PaymentSession, error)
	VerifyNotification(ctx context.Context, n *Notification) (*VerifiedPayment, error)
	QueryOrder(ctx context.Context, orderNo string) (*RemoteStatus, error)
	// Acknowledge 返回网关要求的应答内容，ok=false 时网关会重试投递
	Acknowledge(ok bool) (contentType string, body []byte)
}

// Registry 按名称索引已启用的网关
type Registry struct {
	gateways map[string]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway, len(gateways))}
	for _, g := range gateways {
		r.gateways[g.Name()] = g
	}
	return r
}

func (r *Registry) Get(name string) (Gateway, bool) {
	g, ok := r.gateways[name]
	return g, ok
}

// Names 已启用的支付方式（排序后）
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuildRegistry 根据配置启用网关，人工确认始终可用
func BuildRegistry(cfg *config.Config, logger *zap.Logger) (*Registry, error) {
	gateways := []Gateway{NewManual()}
	if cfg.Mock.Enabled {
		logger.Warn("模拟支付已开启，仅限开发联调环境")
		gateways = append(gateways, NewMock(cfg.Mock.Secret))
	}
	if cfg.Alipay.Enabled {
		a, err := NewAlipay(cfg.Alipay, logger)
		if err != nil {
			return nil, err
		}
		gateways = append(gateways, a)
	}
	if cfg.Wechat.Enabled {
		gateways = append(gateways, NewWechat(cfg.Wechat, logger))
	}

	r := NewRegistry(gateways...)
	logger.Info("支付网关已加载", zap.Strings("gateways", r.Names()))
	return r, nil
}
