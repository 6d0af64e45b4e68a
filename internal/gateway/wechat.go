package gateway

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"points-ledger/internal/config"
	"points-ledger/internal/metrics"
	"points-ledger/internal/model"

	"github.com/go-pay/gopay"
	"github.com/go-pay/gopay/wechat"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// wechatClient 适配器用到的 SDK 方法，测试中可替换
type wechatClient interface {
	UnifiedOrder(ctx context.Context, bm gopay.BodyMap) (*wechat.UnifiedOrderResponse, error)
	QueryOrder(ctx context.Context, bm gopay.BodyMap) (*wechat.QueryOrderResponse, gopay.BodyMap, error)
}

var _ wechatClient = (*wechat.Client)(nil)

// Wechat 微信支付 v2 Native 扫码支付
type Wechat struct {
	client    wechatClient
	appID     string
	mchID     string
	apiKey    string
	signType  string
	notifyURL string
	logger    *zap.Logger
}

func NewWechat(cfg config.WechatConfig, logger *zap.Logger) *Wechat {
	client := wechat.NewClient(cfg.AppID, cfg.MchID, cfg.APIKey, cfg.IsProduction)
	return newWechatWithClient(client, cfg, logger)
}

func newWechatWithClient(client wechatClient, cfg config.WechatConfig, logger *zap.Logger) *Wechat {
	signType := cfg.SignType
	if signType == "" {
		signType = wechat.SignType_MD5
	}
	return &Wechat{
		client:    client,
		appID:     cfg.AppID,
		mchID:     cfg.MchID,
		apiKey:    cfg.APIKey,
		signType:  signType,
		notifyURL: cfg.NotifyURL,
		logger:    logger,
	}
}

func (w *Wechat) Name() string {
	return model.PaymentMethodWechat
}

func (w *Wechat) CreatePayment(ctx context.Context, req PaymentRequest) (*PaymentSession, error) {
	if !req.Amount.IsPositive() || req.Currency != "CNY" {
		return nil, fmt.Errorf("%w: 微信支付仅支持正数金额的人民币订单", ErrInvalidAmount)
	}
	fee := req.Amount.Shift(2)
	if !fee.Equal(fee.Truncate(0)) {
		return nil, fmt.Errorf("%w: 金额精度超过分", ErrInvalidAmount)
	}

	bm := make(gopay.BodyMap)
	bm.Set("nonce_str", nonceStr()).
		Set("body", req.Subject).
		Set("out_trade_no", req.OrderNo).
		Set("total_fee", fee.IntPart()).
		Set("fee_type", "CNY").
		Set("spbill_create_ip", "127.0.0.1").
		Set("notify_url", w.notifyURL).
		Set("trade_type", wechat.TradeType_Native).
		Set("product_id", req.OrderNo).
		Set("sign_type", w.signType)

	start := time.Now()
	rsp, err := w.client.UnifiedOrder(ctx, bm)
	metrics.GatewayCallDuration.WithLabelValues(w.Name(), "create_payment").Observe(time.Since(start).Seconds())
	if err != nil {
		w.logger.Error("微信统一下单失败", zap.String("order_no", req.OrderNo), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	if rsp.ReturnCode != gopay.SUCCESS || rsp.ResultCode != gopay.SUCCESS {
		w.logger.Error("微信统一下单失败",
			zap.String("order_no", req.OrderNo),
			zap.String("return_msg", rsp.ReturnMsg),
			zap.String("err_code", rsp.ErrCode),
			zap.String("err_code_des", rsp.ErrCodeDes))
		return nil, fmt.Errorf("%w: %s %s", ErrGatewayUnavailable, rsp.ErrCode, rsp.ReturnMsg)
	}
	return &PaymentSession{Gateway: w.Name(), QRCode: rsp.CodeUrl, Method: "qrcode"}, nil
}

// VerifyNotification 校验顺序：return_code、签名、appid/mch_id、result_code
func (w *Wechat) VerifyNotification(ctx context.Context, n *Notification) (*VerifiedPayment, error) {
	if n == nil || len(n.Body) == 0 {
		return nil, ErrMalformedPayload
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/", bytes.NewReader(n.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	bm, err := wechat.ParseNotifyToBodyMap(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(bm) == 0 {
		return nil, ErrMalformedPayload
	}
	if bm.GetString("return_code") != gopay.SUCCESS {
		return nil, fmt.Errorf("%w: %s", ErrPaymentNotSuccessful, bm.GetString("return_msg"))
	}

	orderNo := bm.GetString("out_trade_no")
	if !w.verifySign(bm) {
		w.logger.Warn("微信回调验签失败", zap.String("out_trade_no", orderNo))
		return nil, ErrSignatureInvalid
	}
	if bm.GetString("appid") != w.appID || bm.GetString("mch_id") != w.mchID {
		return nil, fmt.Errorf("%w: appid 或 mch_id 不匹配", ErrSignatureInvalid)
	}
	if bm.GetString("result_code") != gopay.SUCCESS {
		return nil, fmt.Errorf("%w: %s", ErrPaymentNotSuccessful, bm.GetString("err_code"))
	}

	tradeNo := bm.GetString("transaction_id")
	if orderNo == "" || tradeNo == "" {
		return nil, fmt.Errorf("%w: 缺少订单号", ErrMalformedPayload)
	}
	amount, err := feeToYuan(bm.GetString("total_fee"))
	if err != nil {
		return nil, err
	}

	return &VerifiedPayment{
		OrderNo:  orderNo,
		Amount:   amount,
		Currency: feeType(bm),
		TradeNo:  tradeNo,
		Status:   gopay.SUCCESS,
	}, nil
}

func (w *Wechat) QueryOrder(ctx context.Context, orderNo string) (*RemoteStatus, error) {
	bm := make(gopay.BodyMap)
	bm.Set("out_trade_no", orderNo).
		Set("nonce_str", nonceStr()).
		Set("sign_type", w.signType)

	start := time.Now()
	_, resBm, err := w.client.QueryOrder(ctx, bm)
	metrics.GatewayCallDuration.WithLabelValues(w.Name(), "query_order").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	if resBm.GetString("return_code") != gopay.SUCCESS {
		return nil, fmt.Errorf("%w: %s", ErrGatewayUnavailable, resBm.GetString("return_msg"))
	}
	if !w.verifySign(resBm) {
		return nil, fmt.Errorf("%w: 查询结果验签失败", ErrGatewayUnavailable)
	}
	if resBm.GetString("result_code") != gopay.SUCCESS {
		if resBm.GetString("err_code") == "ORDERNOTEXIST" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %s", ErrGatewayUnavailable, resBm.GetString("err_code_des"))
	}

	status := &RemoteStatus{
		OrderNo:  orderNo,
		Currency: feeType(resBm),
		TradeNo:  resBm.GetString("transaction_id"),
	}
	switch resBm.GetString("trade_state") {
	case "SUCCESS":
		status.State = RemotePaid
		amount, err := feeToYuan(resBm.GetString("total_fee"))
		if err != nil {
			return nil, err
		}
		status.Amount = amount
	case "NOTPAY", "USERPAYING":
		status.State = RemotePending
	case "CLOSED", "REVOKED", "PAYERROR":
		status.State = RemoteClosed
	default:
		status.State = RemoteUnknown
	}
	return status, nil
}

func (w *Wechat) Acknowledge(ok bool) (string, []byte) {
	rsp := &wechat.NotifyResponse{ReturnCode: gopay.SUCCESS, ReturnMsg: gopay.OK}
	if !ok {
		rsp.ReturnCode = gopay.FAIL
		rsp.ReturnMsg = gopay.FAIL
	}
	return "text/xml; charset=utf-8", []byte(rsp.ToXmlString())
}

// verifySign 回调未带 sign_type 时按配置的签名方式校验
func (w *Wechat) verifySign(bm gopay.BodyMap) bool {
	signType := bm.GetString("sign_type")
	if signType == "" {
		signType = w.signType
	}
	ok, err := wechat.VerifySign(w.apiKey, signType, bm)
	return err == nil && ok
}

// feeToYuan 分转元
func feeToYuan(fee string) (decimal.Decimal, error) {
	n, err := strconv.ParseInt(fee, 10, 64)
	if err != nil || n < 0 {
		return decimal.Decimal{}, fmt.Errorf("%w: total_fee 格式错误", ErrMalformedPayload)
	}
	return decimal.New(n, -2), nil
}

func feeType(bm gopay.BodyMap) string {
	if ft := bm.GetString("fee_type"); ft != "" {
		return ft
	}
	return "CNY"
}

func nonceStr() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
