package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"points-ledger/internal/model"

	"github.com/shopspring/decimal"
)

// Mock 模拟支付，用于开发和联调，回调使用 HMAC-SHA256 签名
type Mock struct {
	secret   []byte
	mu       sync.RWMutex
	payments map[string]PaymentRequest
}

func NewMock(secret string) *Mock {
	return &Mock{
		secret:   []byte(secret),
		payments: make(map[string]PaymentRequest),
	}
}

func (m *Mock) Name() string {
	return model.PaymentMethodMock
}

func (m *Mock) CreatePayment(ctx context.Context, req PaymentRequest) (*PaymentSession, error) {
	if req.Amount.IsNegative() {
		return nil, ErrInvalidAmount
	}
	m.mu.Lock()
	m.payments[req.OrderNo] = req
	m.mu.Unlock()

	return &PaymentSession{
		Gateway:    m.Name(),
		PaymentURL: "mock://pay/" + url.PathEscape(req.OrderNo),
		Method:     "get",
	}, nil
}

// Sign 对除 sign 外的字段按键名排序后计算签名
func (m *Mock) Sign(values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		if k == "sign" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(values.Get(k))
	}

	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(sb.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

// NewNotification 构造一条已签名的支付成功回调
func (m *Mock) NewNotification(orderNo string, amount decimal.Decimal, currency, tradeNo string) url.Values {
	values := url.Values{}
	values.Set("order_no", orderNo)
	values.Set("amount", amount.StringFixed(2))
	values.Set("currency", currency)
	values.Set("trade_no", tradeNo)
	values.Set("status", "SUCCESS")
	values.Set("sign", m.Sign(values))
	return values
}

func (m *Mock) VerifyNotification(ctx context.Context, n *Notification) (*VerifiedPayment, error) {
	if n == nil || n.Form == nil {
		return nil, ErrMalformedPayload
	}
	form := n.Form

	sign := form.Get("sign")
	if sign == "" {
		return nil, ErrSignatureInvalid
	}
	if !hmac.Equal([]byte(sign), []byte(m.Sign(form))) {
		return nil, ErrSignatureInvalid
	}

	orderNo := form.Get("order_no")
	tradeNo := form.Get("trade_no")
	if orderNo == "" || tradeNo == "" {
		return nil, fmt.Errorf("%w: 缺少 order_no 或 trade_no", ErrMalformedPayload)
	}
	amount, err := decimal.NewFromString(form.Get("amount"))
	if err != nil {
		return nil, fmt.Errorf("%w: 金额格式错误", ErrMalformedPayload)
	}
	if status := form.Get("status"); status != "SUCCESS" {
		return nil, fmt.Errorf("%w: %s", ErrPaymentNotSuccessful, status)
	}
	currency := form.Get("currency")
	if currency == "" {
		currency = "CNY"
	}

	return &VerifiedPayment{
		OrderNo:  orderNo,
		Amount:   amount,
		Currency: currency,
		TradeNo:  tradeNo,
		Status:   "SUCCESS",
	}, nil
}

// QueryOrder 已发起支付的订单视为已付款
func (m *Mock) QueryOrder(ctx context.Context, orderNo string) (*RemoteStatus, error) {
	m.mu.RLock()
	req, ok := m.payments[orderNo]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return &RemoteStatus{
		OrderNo:  orderNo,
		State:    RemotePaid,
		Amount:   req.Amount,
		Currency: req.Currency,
		TradeNo:  "MOCK-" + orderNo,
	}, nil
}

func (m *Mock) Acknowledge(ok bool) (string, []byte) {
	code := "SUCCESS"
	if !ok {
		code = "FAIL"
	}
	body, _ := json.Marshal(map[string]string{"code": code})
	return "application/json; charset=utf-8", body
}
