package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"points-ledger/internal/gateway"
	"points-ledger/internal/model"
	"points-ledger/internal/mq"

	"github.com/shopspring/decimal"
)

func settleReq(order *model.Order, amount string) SettleRequest {
	return SettleRequest{
		OrderNo:    order.OrderNo,
		Amount:     decimal.RequireFromString(amount),
		Currency:   "CNY",
		GatewayRef: "T-" + order.OrderNo,
	}
}

func TestSettleBasicScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	order := h.createOrder(t, "alice", "basic", model.PaymentMethodMock)

	if order.TotalPoints != 100 || !order.Price.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("订单快照不正确: %+v", order)
	}

	result, err := h.settlement.Settle(ctx, settleReq(order, "10.00"))
	if err != nil || result != ResultCredited {
		t.Fatalf("首次结算应入账: result=%v err=%v", result, err)
	}
	got := h.mustOrder(t, order.OrderNo)
	if got.Status != model.OrderStatusCompleted || got.CompletedAt == nil || got.PaidAt == nil {
		t.Errorf("订单应为已完成: %+v", got)
	}
	if got.GatewayTradeNo != "T-"+order.OrderNo || !got.PaidAmount.Valid {
		t.Errorf("应记录网关交易号和实付金额: %+v", got)
	}
	if bal := h.balanceOf(t, "alice"); bal != 100 {
		t.Errorf("期望余额 100, 实际 %d", bal)
	}

	result, err = h.settlement.Settle(ctx, settleReq(order, "10.00"))
	if err != nil || result != ResultAlreadySettled {
		t.Fatalf("重复结算应返回 AlreadySettled: result=%v err=%v", result, err)
	}
	if bal := h.balanceOf(t, "alice"); bal != 100 {
		t.Errorf("重复结算后余额不应变化, 实际 %d", bal)
	}

	if events := h.publisher.events(order.OrderNo); len(events) != 1 || events[0] != mq.EventCompleted {
		t.Errorf("应只发布一次完成事件, 实际 %v", events)
	}
}

func TestSettleConcurrent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	order := h.createOrder(t, "bob", "standard", model.PaymentMethodMock)

	const n = 10
	results := make([]SettleResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.settlement.Settle(ctx, settleReq(order, "45.00"))
		}(i)
	}
	wg.Wait()

	credited, already := 0, 0
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("并发结算不应报错: %v", errs[i])
		}
		switch results[i] {
		case ResultCredited:
			credited++
		case ResultAlreadySettled:
			already++
		}
	}
	if credited != 1 || already != n-1 {
		t.Fatalf("期望 1 次入账和 %d 次 AlreadySettled, 实际 %d/%d", n-1, credited, already)
	}
	if bal := h.balanceOf(t, "bob"); bal != 550 {
		t.Errorf("期望余额 550, 实际 %d", bal)
	}
}

func TestSettleRacingOnPaidOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	order := h.createOrder(t, "carol", "basic", model.PaymentMethodMock)

	if _, err := h.orders.Transition(ctx, order.OrderNo, model.OrderStatusPaid, nil); err != nil {
		t.Fatalf("标记已支付失败: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]SettleResult, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.settlement.Settle(ctx, settleReq(order, "10.00"))
		}(i)
	}
	wg.Wait()

	credited := 0
	for i := range results {
		if errs[i] != nil && !errors.Is(errs[i], ErrInvalidTransition) {
			t.Fatalf("意外错误: %v", errs[i])
		}
		if errs[i] == nil && results[i] == ResultCredited {
			credited++
		}
	}
	if credited != 1 {
		t.Fatalf("期望恰好一次入账, 实际 %d", credited)
	}
	if h.mustOrder(t, order.OrderNo).Status != model.OrderStatusCompleted {
		t.Error("订单应为已完成")
	}
	if bal := h.balanceOf(t, "carol"); bal != 100 {
		t.Errorf("期望余额 100, 实际 %d", bal)
	}
}

func TestSettleCancelledOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	order := h.createOrder(t, "dave", "basic", model.PaymentMethodMock)

	if _, err := h.orders.Cancel(ctx, order.OrderNo, "用户取消"); err != nil {
		t.Fatalf("取消失败: %v", err)
	}
	if _, err := h.settlement.Settle(ctx, settleReq(order, "10.00")); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("已取消订单结算应返回 ErrInvalidTransition, 实际 %v", err)
	}
	if bal := h.balanceOf(t, "dave"); bal != 0 {
		t.Errorf("不应入账, 余额 %d", bal)
	}
	if got := h.mustOrder(t, order.OrderNo); got.Status != model.OrderStatusCancelled {
		t.Errorf("订单应保持已取消, 实际 %s", got.Status)
	}
}

func TestCancelRacingSettle(t *testing.T) {
	tests := []struct {
		name     string
		settlers int
		cancels  int
	}{
		{"单次取消对单次结算", 1, 1},
		{"多次结算对单次取消", 4, 1},
		{"单次结算对多次取消", 1, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t)

			for round := 0; round < 10; round++ {
				user := fmt.Sprintf("racer-%d", round)
				order := h.createOrder(t, user, "basic", model.PaymentMethodMock)

				start := make(chan struct{})
				var wg sync.WaitGroup
				var mu sync.Mutex
				var settleOK, settleLost, cancelOK, cancelLost int
				for i := 0; i < tt.settlers; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						<-start
						_, err := h.settlement.Settle(ctx, settleReq(order, "10.00"))
						mu.Lock()
						defer mu.Unlock()
						switch {
						case err == nil:
							settleOK++
						case errors.Is(err, ErrInvalidTransition):
							settleLost++
						default:
							t.Errorf("结算出现意外错误: %v", err)
						}
					}()
				}
				for i := 0; i < tt.cancels; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						<-start
						_, err := h.orders.Cancel(ctx, order.OrderNo, "用户取消")
						mu.Lock()
						defer mu.Unlock()
						switch {
						case err == nil:
							cancelOK++
						case errors.Is(err, ErrInvalidTransition):
							cancelLost++
						default:
							t.Errorf("取消出现意外错误: %v", err)
						}
					}()
				}
				close(start)
				wg.Wait()

				got := h.mustOrder(t, order.OrderNo)
				bal := h.balanceOf(t, user)
				switch got.Status {
				case model.OrderStatusCancelled:
					if bal != 0 || cancelOK != 1 || settleOK != 0 || settleLost != tt.settlers {
						t.Fatalf("取消胜出时不应入账: 余额=%d cancel=%d/%d settle=%d/%d",
							bal, cancelOK, cancelLost, settleOK, settleLost)
					}
				case model.OrderStatusCompleted:
					if bal != 100 || cancelOK != 0 || cancelLost != tt.cancels {
						t.Fatalf("结算胜出时应恰好入账一次且取消失败: 余额=%d cancel=%d/%d settle=%d/%d",
							bal, cancelOK, cancelLost, settleOK, settleLost)
					}
				default:
					t.Fatalf("订单应处于终态, 实际 %s", got.Status)
				}
			}
		})
	}
}

func TestSettleAmountMismatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	tests := []struct {
		name     string
		amount   string
		currency string
	}{
		{"金额不足", "9.99", "CNY"},
		{"金额超出", "10.01", "CNY"},
		{"币种不同", "10.00", "USD"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order := h.createOrder(t, "erin", "basic", model.PaymentMethodMock)
			_, err := h.settlement.Settle(ctx, SettleRequest{
				OrderNo:  order.OrderNo,
				Amount:   decimal.RequireFromString(tt.amount),
				Currency: tt.currency,
			})
			if !errors.Is(err, ErrAmountMismatch) {
				t.Fatalf("期望 ErrAmountMismatch, 实际 %v", err)
			}
			if got := h.mustOrder(t, order.OrderNo); got.Status != model.OrderStatusPaid {
				t.Errorf("金额不一致时订单应停留在 paid, 实际 %s", got.Status)
			}
		})
	}
	if bal := h.balanceOf(t, "erin"); bal != 0 {
		t.Errorf("金额不一致不应入账, 余额 %d", bal)
	}

	// 人工审核后确认
	order := h.createOrder(t, "erin", "basic", model.PaymentMethodManual)
	if _, err := h.settlement.Settle(ctx, settleReq(order, "1.00")); !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("期望 ErrAmountMismatch, 实际 %v", err)
	}
	result, err := h.settlement.ConfirmOrder(ctx, order.OrderNo, "admin")
	if err != nil || result != ResultCredited {
		t.Fatalf("管理员确认应入账: %v %v", result, err)
	}
	if bal := h.balanceOf(t, "erin"); bal != 100 {
		t.Errorf("确认后期望余额 100, 实际 %d", bal)
	}
}

func TestSettleCreditFailureThenRetry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	order := h.createOrder(t, "frank", "premium", model.PaymentMethodMock)

	h.balance.failNext(1)
	if _, err := h.settlement.Settle(ctx, settleReq(order, "80.00")); !errors.Is(err, ErrCreditFailure) {
		t.Fatalf("期望 ErrCreditFailure, 实际 %v", err)
	}
	if got := h.mustOrder(t, order.OrderNo); got.Status != model.OrderStatusPaid {
		t.Fatalf("入账失败后订单应为 paid, 实际 %s", got.Status)
	}

	result, err := h.settlement.Settle(ctx, settleReq(order, "80.00"))
	if err != nil || result != ResultCredited {
		t.Fatalf("重试应入账: %v %v", result, err)
	}
	if bal := h.balanceOf(t, "frank"); bal != 1150 {
		t.Errorf("期望余额 1150, 实际 %d", bal)
	}
}

func TestSettleUnknownOrder(t *testing.T) {
	h := newHarness(t)
	_, err := h.settlement.Settle(context.Background(), SettleRequest{OrderNo: "PO-missing", Amount: decimal.NewFromInt(1), Currency: "CNY"})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("期望 ErrOrderNotFound, 实际 %v", err)
	}
}

func TestSnapshotSurvivesCatalogEdit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	order := h.createOrder(t, "gina", "basic", model.PaymentMethodMock)

	edited := DefaultPackages()[0]
	edited.Points = 999
	edited.Price = decimal.NewFromInt(1)
	if err := h.catalog.Update(ctx, &edited); err != nil {
		t.Fatalf("修改套餐失败: %v", err)
	}
	if err := h.catalog.Delete(ctx, "basic"); err != nil {
		t.Fatalf("删除套餐失败: %v", err)
	}

	got := h.mustOrder(t, order.OrderNo)
	if got.TotalPoints != 100 || got.Points+got.Bonus != got.TotalPoints || !got.Price.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("订单快照不应随套餐变化: %+v", got)
	}
	if _, err := h.settlement.Settle(ctx, settleReq(order, "10.00")); err != nil {
		t.Fatalf("结算失败: %v", err)
	}
	if bal := h.balanceOf(t, "gina"); bal != 100 {
		t.Errorf("应按快照入账 100, 实际 %d", bal)
	}
}

func TestHandleNotification(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	order := h.createOrder(t, "henry", "vip", model.PaymentMethodMock)

	form := h.mock.NewNotification(order.OrderNo, decimal.RequireFromString("200.00"), "CNY", "MOCK-T1")
	for i := 0; i < 2; i++ {
		ct, body, err := h.settlement.HandleNotification(ctx, model.PaymentMethodMock, &gateway.Notification{Form: form})
		if err != nil {
			t.Fatalf("第 %d 次回调处理失败: %v", i+1, err)
		}
		if !strings.HasPrefix(ct, "application/json") || !strings.Contains(string(body), "SUCCESS") {
			t.Errorf("应答不正确: %s %s", ct, body)
		}
	}
	if bal := h.balanceOf(t, "henry"); bal != 3500 {
		t.Errorf("重复回调只应入账一次, 余额 %d", bal)
	}
	records, err := h.notifyRepo.ListByOrderNo(ctx, order.OrderNo)
	if err != nil || len(records) != 1 || records[0].Result != "already_settled" || records[0].Deliveries != 2 {
		t.Errorf("回调记录不正确: %+v %v", records, err)
	}

	form.Set("amount", "0.01")
	_, body, err := h.settlement.HandleNotification(ctx, model.PaymentMethodMock, &gateway.Notification{Form: form})
	if !errors.Is(err, gateway.ErrSignatureInvalid) || !strings.Contains(string(body), "FAIL") {
		t.Errorf("篡改的回调应被拒绝: %v %s", err, body)
	}

	manual := h.createOrder(t, "henry", "basic", model.PaymentMethodManual)
	form = h.mock.NewNotification(manual.OrderNo, decimal.NewFromInt(10), "CNY", "MOCK-T2")
	if _, _, err := h.settlement.HandleNotification(ctx, model.PaymentMethodMock, &gateway.Notification{Form: form}); !errors.Is(err, ErrPaymentMethodUnavailable) {
		t.Errorf("支付方式不一致的回调应被拒绝, 实际 %v", err)
	}
	if got := h.mustOrder(t, manual.OrderNo); got.Status != model.OrderStatusPending {
		t.Errorf("被拒绝的回调不应修改订单, 实际 %s", got.Status)
	}

	if _, _, err := h.settlement.HandleNotification(ctx, "unknown", &gateway.Notification{}); !errors.Is(err, ErrPaymentMethodUnavailable) {
		t.Errorf("未知网关应返回 ErrPaymentMethodUnavailable, 实际 %v", err)
	}
}
