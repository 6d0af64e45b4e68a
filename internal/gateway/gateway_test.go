package gateway

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"net/url"
	"sort"
	"strings"
	"testing"

	"points-ledger/internal/config"

	"github.com/go-pay/gopay"
	"github.com/go-pay/gopay/wechat"
	"github.com/shopspring/decimal"
	"github.com/smartwalle/alipay/v3"
	"go.uber.org/zap"
)

func TestMockSignAndVerify(t *testing.T) {
	ctx := context.Background()
	m := NewMock("secret")

	session, err := m.CreatePayment(ctx, PaymentRequest{OrderNo: "PO1", Amount: decimal.RequireFromString("10.00"), Currency: "CNY"})
	if err != nil {
		t.Fatalf("创建支付失败: %v", err)
	}
	if session.PaymentURL != "mock://pay/PO1" {
		t.Errorf("支付链接不正确: %s", session.PaymentURL)
	}

	form := m.NewNotification("PO1", decimal.RequireFromString("10"), "CNY", "T1")
	paid, err := m.VerifyNotification(ctx, &Notification{Form: form})
	if err != nil {
		t.Fatalf("验签失败: %v", err)
	}
	if paid.OrderNo != "PO1" || !paid.Amount.Equal(decimal.NewFromInt(10)) || paid.TradeNo != "T1" {
		t.Errorf("解析结果不正确: %+v", paid)
	}

	tests := []struct {
		name   string
		mutate func(url.Values)
		want   error
	}{
		{"篡改金额", func(v url.Values) { v.Set("amount", "0.01") }, ErrSignatureInvalid},
		{"缺少签名", func(v url.Values) { v.Del("sign") }, ErrSignatureInvalid},
		{"其他密钥签名", func(v url.Values) { v.Set("sign", NewMock("other").Sign(v)) }, ErrSignatureInvalid},
		{"支付失败", func(v url.Values) { v.Set("status", "FAIL"); v.Set("sign", m.Sign(v)) }, ErrPaymentNotSuccessful},
		{"金额格式错误", func(v url.Values) { v.Set("amount", "abc"); v.Set("sign", m.Sign(v)) }, ErrMalformedPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := m.NewNotification("PO1", decimal.NewFromInt(10), "CNY", "T1")
			tt.mutate(v)
			if _, err := m.VerifyNotification(ctx, &Notification{Form: v}); !errors.Is(err, tt.want) {
				t.Errorf("期望 %v, 实际 %v", tt.want, err)
			}
		})
	}

	remote, err := m.QueryOrder(ctx, "PO1")
	if err != nil || remote.State != RemotePaid {
		t.Errorf("已发起支付的订单应查询为已付款: %+v %v", remote, err)
	}
	if _, err := m.QueryOrder(ctx, "PO2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("期望 ErrNotFound, 实际 %v", err)
	}
}

func TestManual(t *testing.T) {
	ctx := context.Background()
	m := NewManual()

	if _, err := m.VerifyNotification(ctx, &Notification{}); !errors.Is(err, ErrUnsupported) {
		t.Errorf("人工支付不应接受回调, 实际 %v", err)
	}
	remote, err := m.QueryOrder(ctx, "PO1")
	if err != nil || remote.State != RemoteUnknown {
		t.Errorf("人工支付查询应返回 unknown: %+v %v", remote, err)
	}
	if _, err := m.CreatePayment(ctx, PaymentRequest{OrderNo: "PO1", Amount: decimal.NewFromInt(-1)}); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("负数金额应被拒绝, 实际 %v", err)
	}
}

func TestBuildRegistry(t *testing.T) {
	cfg := &config.Config{Mock: config.MockConfig{Enabled: true, Secret: "0123456789abcdef"}}
	r, err := BuildRegistry(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("构建失败: %v", err)
	}
	if got := strings.Join(r.Names(), ","); got != "manual,mock" {
		t.Errorf("期望 manual,mock, 实际 %s", got)
	}
	if _, ok := r.Get("alipay"); ok {
		t.Error("未启用的网关不应注册")
	}
}

var _ alipayClient = (*fakeAlipayClient)(nil)

type fakeAlipayClient struct {
	notification *alipay.Notification
	query        *alipay.TradeQueryRsp
}

func (f *fakeAlipayClient) TradePagePay(param alipay.TradePagePay) (*url.URL, error) {
	return url.Parse("https://openapi.alipay.com/gateway.do?out_trade_no=" + param.OutTradeNo)
}

func (f *fakeAlipayClient) TradePreCreate(ctx context.Context, param alipay.TradePreCreate) (*alipay.TradePreCreateRsp, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAlipayClient) TradeQuery(ctx context.Context, param alipay.TradeQuery) (*alipay.TradeQueryRsp, error) {
	return f.query, nil
}

func (f *fakeAlipayClient) DecodeNotification(values url.Values) (*alipay.Notification, error) {
	if f.notification == nil {
		return nil, errors.New("bad sign")
	}
	return f.notification, nil
}

func TestAlipayVerifyNotification(t *testing.T) {
	ctx := context.Background()
	cfg := config.AlipayConfig{AppID: "app-1"}
	form := url.Values{"out_trade_no": {"PO1"}}

	tests := []struct {
		name         string
		notification *alipay.Notification
		want         error
	}{
		{"验签失败", nil, ErrSignatureInvalid},
		{"app_id 不匹配", &alipay.Notification{AppId: "other", TradeStatus: alipay.TradeStatusSuccess, OutTradeNo: "PO1", TradeNo: "T", TotalAmount: "10.00"}, ErrSignatureInvalid},
		{"待付款", &alipay.Notification{AppId: "app-1", TradeStatus: alipay.TradeStatusWaitBuyerPay, OutTradeNo: "PO1", TradeNo: "T", TotalAmount: "10.00"}, ErrPaymentNotSuccessful},
		{"金额错误", &alipay.Notification{AppId: "app-1", TradeStatus: alipay.TradeStatusSuccess, OutTradeNo: "PO1", TradeNo: "T", TotalAmount: "x"}, ErrMalformedPayload},
		{"成功", &alipay.Notification{AppId: "app-1", TradeStatus: alipay.TradeStatusFinished, OutTradeNo: "PO1", TradeNo: "T", TotalAmount: "10.00"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAlipayWithClient(&fakeAlipayClient{notification: tt.notification}, cfg, zap.NewNop())
			paid, err := a.VerifyNotification(ctx, &Notification{Form: form})
			if !errors.Is(err, tt.want) {
				t.Fatalf("期望 %v, 实际 %v", tt.want, err)
			}
			if tt.want == nil && (paid.Currency != "CNY" || !paid.Amount.Equal(decimal.NewFromInt(10))) {
				t.Errorf("解析结果不正确: %+v", paid)
			}
		})
	}
}

func TestAlipayCreatePayment(t *testing.T) {
	a := newAlipayWithClient(&fakeAlipayClient{}, config.AlipayConfig{AppID: "app-1"}, zap.NewNop())

	session, err := a.CreatePayment(context.Background(), PaymentRequest{OrderNo: "PO1", Amount: decimal.NewFromInt(10), Currency: "CNY"})
	if err != nil {
		t.Fatalf("创建支付失败: %v", err)
	}
	if !strings.Contains(session.PaymentURL, "PO1") || session.Method != "redirect" {
		t.Errorf("支付会话不正确: %+v", session)
	}

	if _, err := a.CreatePayment(context.Background(), PaymentRequest{OrderNo: "PO2", Amount: decimal.NewFromInt(10), Currency: "USD"}); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("非人民币订单应被拒绝, 实际 %v", err)
	}
}

func TestAlipayQueryOrder(t *testing.T) {
	fake := &fakeAlipayClient{query: &alipay.TradeQueryRsp{
		Error:       alipay.Error{Code: alipay.CodeSuccess},
		TradeNo:     "T1",
		TradeStatus: alipay.TradeStatusSuccess,
		TotalAmount: "45.00",
	}}
	a := newAlipayWithClient(fake, config.AlipayConfig{AppID: "app-1"}, zap.NewNop())

	remote, err := a.QueryOrder(context.Background(), "PO1")
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if remote.State != RemotePaid || !remote.Amount.Equal(decimal.NewFromInt(45)) {
		t.Errorf("查询结果不正确: %+v", remote)
	}
}

type fakeWechatClient struct {
	unified *wechat.UnifiedOrderResponse
	query   gopay.BodyMap
	lastReq gopay.BodyMap
}

var _ wechatClient = (*fakeWechatClient)(nil)

func (f *fakeWechatClient) UnifiedOrder(ctx context.Context, bm gopay.BodyMap) (*wechat.UnifiedOrderResponse, error) {
	f.lastReq = bm
	return f.unified, nil
}

func (f *fakeWechatClient) QueryOrder(ctx context.Context, bm gopay.BodyMap) (*wechat.QueryOrderResponse, gopay.BodyMap, error) {
	f.lastReq = bm
	return &wechat.QueryOrderResponse{}, f.query, nil
}

var testWechatConfig = config.WechatConfig{AppID: "wx1", MchID: "m1", APIKey: "key", SignType: "MD5"}

// wechatSign 按微信支付 v2 MD5 规则签名：非空字段按键名排序拼接后追加 key
func wechatSign(bm gopay.BodyMap, apiKey string) string {
	keys := make([]string, 0, len(bm))
	for k := range bm {
		if k == "sign" || bm.GetString(k) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k + "=" + bm.GetString(k) + "&")
	}
	sb.WriteString("key=" + apiKey)
	sum := md5.Sum([]byte(sb.String()))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func wechatXML(bm gopay.BodyMap) []byte {
	keys := make([]string, 0, len(bm))
	for k := range bm {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	buf.WriteString("<xml>")
	for _, k := range keys {
		buf.WriteString("<" + k + ">")
		xml.EscapeText(&buf, []byte(bm.GetString(k)))
		buf.WriteString("</" + k + ">")
	}
	buf.WriteString("</xml>")
	return buf.Bytes()
}

func TestWechatCreatePayment(t *testing.T) {
	ctx := context.Background()
	fake := &fakeWechatClient{unified: &wechat.UnifiedOrderResponse{
		ReturnCode: gopay.SUCCESS,
		ResultCode: gopay.SUCCESS,
		CodeUrl:    "weixin://wxpay/bizpayurl?pr=abc",
	}}
	w := newWechatWithClient(fake, testWechatConfig, zap.NewNop())

	session, err := w.CreatePayment(ctx, PaymentRequest{OrderNo: "PO1", Amount: decimal.RequireFromString("45.00"), Currency: "CNY", Subject: "标准套餐"})
	if err != nil {
		t.Fatalf("统一下单失败: %v", err)
	}
	if session.QRCode != "weixin://wxpay/bizpayurl?pr=abc" || session.Method != "qrcode" {
		t.Errorf("支付会话不正确: %+v", session)
	}
	if fake.lastReq.GetString("total_fee") != "4500" || fake.lastReq.GetString("trade_type") != wechat.TradeType_Native {
		t.Errorf("下单参数不正确: %v", fake.lastReq)
	}

	tests := []struct {
		name string
		req  PaymentRequest
	}{
		{"金额精度超过分", PaymentRequest{OrderNo: "PO2", Amount: decimal.RequireFromString("0.001"), Currency: "CNY"}},
		{"非人民币", PaymentRequest{OrderNo: "PO3", Amount: decimal.NewFromInt(1), Currency: "USD"}},
		{"零元", PaymentRequest{OrderNo: "PO4", Amount: decimal.Zero, Currency: "CNY"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := w.CreatePayment(ctx, tt.req); !errors.Is(err, ErrInvalidAmount) {
				t.Errorf("期望 ErrInvalidAmount, 实际 %v", err)
			}
		})
	}

	fake.unified = &wechat.UnifiedOrderResponse{ReturnCode: gopay.SUCCESS, ResultCode: gopay.FAIL, ErrCode: "ORDERPAID"}
	if _, err := w.CreatePayment(ctx, PaymentRequest{OrderNo: "PO5", Amount: decimal.NewFromInt(1), Currency: "CNY"}); !errors.Is(err, ErrGatewayUnavailable) {
		t.Errorf("下单失败应返回 ErrGatewayUnavailable, 实际 %v", err)
	}
}

func TestWechatQueryOrder(t *testing.T) {
	ctx := context.Background()
	signed := func(bm gopay.BodyMap) gopay.BodyMap {
		bm.Set("return_code", gopay.SUCCESS).Set("appid", "wx1").Set("mch_id", "m1")
		bm.Set("sign", wechatSign(bm, "key"))
		return bm
	}

	tests := []struct {
		name    string
		query   gopay.BodyMap
		state   RemoteState
		wantErr error
	}{
		{"已支付", signed(gopay.BodyMap{"result_code": "SUCCESS", "trade_state": "SUCCESS", "total_fee": "4500", "transaction_id": "WX1"}), RemotePaid, nil},
		{"未支付", signed(gopay.BodyMap{"result_code": "SUCCESS", "trade_state": "NOTPAY"}), RemotePending, nil},
		{"已关闭", signed(gopay.BodyMap{"result_code": "SUCCESS", "trade_state": "CLOSED"}), RemoteClosed, nil},
		{"订单不存在", signed(gopay.BodyMap{"result_code": "FAIL", "err_code": "ORDERNOTEXIST"}), "", ErrNotFound},
		{"签名错误", gopay.BodyMap{"return_code": "SUCCESS", "result_code": "SUCCESS", "trade_state": "SUCCESS", "total_fee": "1", "sign": "BAD"}, "", ErrGatewayUnavailable},
		{"通信失败", gopay.BodyMap{"return_code": "FAIL", "return_msg": "系统繁忙"}, "", ErrGatewayUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newWechatWithClient(&fakeWechatClient{query: tt.query}, testWechatConfig, zap.NewNop())
			remote, err := w.QueryOrder(ctx, "PO1")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("期望 %v, 实际 %v", tt.wantErr, err)
			}
			if err != nil {
				return
			}
			if remote.State != tt.state {
				t.Errorf("期望状态 %s, 实际 %s", tt.state, remote.State)
			}
			if tt.state == RemotePaid && (!remote.Amount.Equal(decimal.NewFromInt(45)) || remote.TradeNo != "WX1") {
				t.Errorf("查询结果不正确: %+v", remote)
			}
		})
	}
}

func TestWechatVerifyNotification(t *testing.T) {
	ctx := context.Background()
	w := newWechatWithClient(&fakeWechatClient{}, testWechatConfig, zap.NewNop())

	build := func(mutate func(gopay.BodyMap)) []byte {
		bm := gopay.BodyMap{
			"return_code":    "SUCCESS",
			"result_code":    "SUCCESS",
			"appid":          "wx1",
			"mch_id":         "m1",
			"out_trade_no":   "PO1",
			"transaction_id": "WX1",
			"total_fee":      "1000",
		}
		if mutate != nil {
			mutate(bm)
		}
		bm.Set("sign", wechatSign(bm, "key"))
		return wechatXML(bm)
	}

	paid, err := w.VerifyNotification(ctx, &Notification{Body: build(nil)})
	if err != nil {
		t.Fatalf("验签失败: %v", err)
	}
	if !paid.Amount.Equal(decimal.NewFromInt(10)) || paid.Currency != "CNY" || paid.TradeNo != "WX1" {
		t.Errorf("解析结果不正确: %+v", paid)
	}

	tests := []struct {
		name string
		body []byte
		want error
	}{
		{"篡改金额", []byte(strings.Replace(string(build(nil)), "1000", "1", 1)), ErrSignatureInvalid},
		{"其他密钥签名", func() []byte {
			bm := gopay.BodyMap{"return_code": "SUCCESS", "result_code": "SUCCESS", "appid": "wx1", "mch_id": "m1", "out_trade_no": "PO1", "transaction_id": "WX1", "total_fee": "1000"}
			bm.Set("sign", wechatSign(bm, "other"))
			return wechatXML(bm)
		}(), ErrSignatureInvalid},
		{"商户号不匹配", build(func(bm gopay.BodyMap) { bm.Set("mch_id", "m2") }), ErrSignatureInvalid},
		{"支付失败", build(func(bm gopay.BodyMap) { bm.Set("result_code", "FAIL") }), ErrPaymentNotSuccessful},
		{"金额格式错误", build(func(bm gopay.BodyMap) { bm.Set("total_fee", "abc") }), ErrMalformedPayload},
		{"非法 XML", []byte("not xml"), ErrMalformedPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := w.VerifyNotification(ctx, &Notification{Body: tt.body}); !errors.Is(err, tt.want) {
				t.Errorf("期望 %v, 实际 %v", tt.want, err)
			}
		})
	}

	ct, body := w.Acknowledge(true)
	if !strings.HasPrefix(ct, "text/xml") || !strings.Contains(string(body), "SUCCESS") {
		t.Errorf("应答不正确: %s %s", ct, body)
	}
	if _, body := w.Acknowledge(false); !strings.Contains(string(body), "FAIL") {
		t.Errorf("失败应答不正确: %s", body)
	}
}
