package gateway

import (
	"context"
	"encoding/json"

	"points-ledger/internal/model"
)

// Manual 人工确认支付，由管理员审核后调用结算
type Manual struct{}

func NewManual() *Manual {
	return &Manual{}
}

func (m *Manual) Name() string {
	return model.PaymentMethodManual
}

func (m *Manual) CreatePayment(ctx context.Context, req PaymentRequest) (*PaymentSession, error) {
	if req.Amount.IsNegative() {
		return nil, ErrInvalidAmount
	}
	return &PaymentSession{
		Gateway: m.Name(),
		Message: "订单已创建，等待管理员审核确认",
	}, nil
}

func (m *Manual) VerifyNotification(ctx context.Context, n *Notification) (*VerifiedPayment, error) {
	return nil, ErrUnsupported
}

func (m *Manual) QueryOrder(ctx context.Context, orderNo string) (*RemoteStatus, error) {
	return &RemoteStatus{OrderNo: orderNo, State: RemoteUnknown}, nil
}

func (m *Manual) Acknowledge(ok bool) (string, []byte) {
	body, _ := json.Marshal(map[string]bool{"success": ok})
	return "application/json; charset=utf-8", body
}
