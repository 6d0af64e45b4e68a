package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"points-ledger/internal/config"
	"points-ledger/internal/metrics"
	"points-ledger/internal/model"

	"github.com/shopspring/decimal"
	"github.com/smartwalle/alipay/v3"
	"go.uber.org/zap"
)

// alipayClient 适配器用到的 SDK 方法，测试中可替换
type alipayClient interface {
	TradePagePay(param alipay.TradePagePay) (*url.URL, error)
	TradePreCreate(ctx context.Context, param alipay.TradePreCreate) (*alipay.TradePreCreateRsp, error)
	TradeQuery(ctx context.Context, param alipay.TradeQuery) (*alipay.TradeQueryRsp, error)
	DecodeNotification(values url.Values) (*alipay.Notification, error)
}

var _ alipayClient = (*alipay.Client)(nil)

// Alipay 支付宝电脑网站支付 / 当面付扫码
type Alipay struct {
	client    alipayClient
	appID     string
	notifyURL string
	returnURL string
	qrMode    bool
	logger    *zap.Logger
}

func NewAlipay(cfg config.AlipayConfig, logger *zap.Logger) (*Alipay, error) {
	client, err := alipay.New(cfg.AppID, cfg.PrivateKey, cfg.IsProduction)
	if err != nil {
		return nil, fmt.Errorf("创建支付宝客户端失败: %w", err)
	}
	if err := client.LoadAliPayPublicKey(cfg.PublicKey); err != nil {
		return nil, fmt.Errorf("加载支付宝公钥失败: %w", err)
	}
	return newAlipayWithClient(client, cfg, logger), nil
}

func newAlipayWithClient(client alipayClient, cfg config.AlipayConfig, logger *zap.Logger) *Alipay {
	return &Alipay{
		client:    client,
		appID:     cfg.AppID,
		notifyURL: cfg.NotifyURL,
		returnURL: cfg.ReturnURL,
		qrMode:    cfg.QRMode,
		logger:    logger,
	}
}

func (a *Alipay) Name() string {
	return model.PaymentMethodAlipay
}

func (a *Alipay) CreatePayment(ctx context.Context, req PaymentRequest) (*PaymentSession, error) {
	if !req.Amount.IsPositive() || req.Currency != "CNY" {
		return nil, fmt.Errorf("%w: 支付宝仅支持正数金额的人民币订单", ErrInvalidAmount)
	}

	trade := alipay.Trade{
		NotifyURL:   a.notifyURL,
		ReturnURL:   a.returnURL,
		Subject:     req.Subject,
		Body:        req.Description,
		OutTradeNo:  req.OrderNo,
		TotalAmount: req.Amount.StringFixed(2),
	}

	start := time.Now()
	defer func() {
		metrics.GatewayCallDuration.WithLabelValues(a.Name(), "create_payment").Observe(time.Since(start).Seconds())
	}()

	if a.qrMode {
		trade.ProductCode = "FACE_TO_FACE_PAYMENT"
		rsp, err := a.client.TradePreCreate(ctx, alipay.TradePreCreate{Trade: trade})
		if err != nil {
			a.logger.Error("支付宝预下单失败", zap.String("order_no", req.OrderNo), zap.Error(err))
			return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
		}
		if rsp.IsFailure() {
			a.logger.Warn("支付宝预下单被拒绝",
				zap.String("order_no", req.OrderNo),
				zap.String("code", string(rsp.Code)),
				zap.String("sub_code", rsp.SubCode),
				zap.String("sub_msg", rsp.SubMsg))
			return nil, fmt.Errorf("%w: %s %s", ErrGatewayUnavailable, rsp.SubCode, rsp.SubMsg)
		}
		return &PaymentSession{Gateway: a.Name(), QRCode: rsp.QRCode, Method: "qrcode"}, nil
	}

	trade.ProductCode = "FAST_INSTANT_TRADE_PAY"
	payURL, err := a.client.TradePagePay(alipay.TradePagePay{Trade: trade})
	if err != nil {
		a.logger.Error("生成支付宝支付链接失败", zap.String("order_no", req.OrderNo), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	return &PaymentSession{Gateway: a.Name(), PaymentURL: payURL.String(), Method: "redirect"}, nil
}

func (a *Alipay) VerifyNotification(ctx context.Context, n *Notification) (*VerifiedPayment, error) {
	if n == nil || len(n.Form) == 0 {
		return nil, ErrMalformedPayload
	}

	notification, err := a.client.DecodeNotification(n.Form)
	if err != nil {
		a.logger.Warn("支付宝回调验签失败", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if notification.AppId != a.appID {
		return nil, fmt.Errorf("%w: app_id 不匹配", ErrSignatureInvalid)
	}
	if notification.TradeStatus != alipay.TradeStatusSuccess && notification.TradeStatus != alipay.TradeStatusFinished {
		return nil, fmt.Errorf("%w: %s", ErrPaymentNotSuccessful, notification.TradeStatus)
	}
	if notification.OutTradeNo == "" || notification.TradeNo == "" {
		return nil, fmt.Errorf("%w: 缺少订单号", ErrMalformedPayload)
	}
	amount, err := decimal.NewFromString(notification.TotalAmount)
	if err != nil {
		return nil, fmt.Errorf("%w: 金额格式错误", ErrMalformedPayload)
	}

	return &VerifiedPayment{
		OrderNo:  notification.OutTradeNo,
		Amount:   amount,
		Currency: "CNY",
		TradeNo:  notification.TradeNo,
		Status:   string(notification.TradeStatus),
	}, nil
}

func (a *Alipay) QueryOrder(ctx context.Context, orderNo string) (*RemoteStatus, error) {
	start := time.Now()
	rsp, err := a.client.TradeQuery(ctx, alipay.TradeQuery{OutTradeNo: orderNo})
	metrics.GatewayCallDuration.WithLabelValues(a.Name(), "query_order").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	if rsp.IsFailure() {
		if rsp.SubCode == "ACQ.TRADE_NOT_EXIST" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %s %s", ErrGatewayUnavailable, rsp.SubCode, rsp.SubMsg)
	}

	status := &RemoteStatus{
		OrderNo:  orderNo,
		Currency: "CNY",
		TradeNo:  rsp.TradeNo,
	}
	switch rsp.TradeStatus {
	case alipay.TradeStatusSuccess, alipay.TradeStatusFinished:
		status.State = RemotePaid
	case alipay.TradeStatusWaitBuyerPay:
		status.State = RemotePending
	case alipay.TradeStatusClosed:
		status.State = RemoteClosed
	default:
		status.State = RemoteUnknown
	}
	if rsp.TotalAmount != "" {
		amount, err := decimal.NewFromString(rsp.TotalAmount)
		if err != nil {
			return nil, errors.New("支付宝返回的金额格式错误")
		}
		status.Amount = amount
	}
	return status, nil
}

func (a *Alipay) Acknowledge(ok bool) (string, []byte) {
	if ok {
		return "text/plain; charset=utf-8", []byte("success")
	}
	return "text/plain; charset=utf-8", []byte("fail")
}
