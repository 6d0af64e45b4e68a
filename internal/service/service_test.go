package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"points-ledger/internal/gateway"
	"points-ledger/internal/model"
	"points-ledger/internal/mq"
	"points-ledger/internal/repository"
	"points-ledger/internal/testutil"

	"gorm.io/gorm"
)

type fakePublisher struct {
	mu       sync.Mutex
	delays   []string
	notifies []*mq.OrderNotifyMessage
}

func (p *fakePublisher) PublishDelay(orderNo string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delays = append(p.delays, orderNo)
	return nil
}

func (p *fakePublisher) PublishNotify(msg *mq.OrderNotifyMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifies = append(p.notifies, msg)
	return nil
}

func (p *fakePublisher) events(orderNo string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, m := range p.notifies {
		if m.OrderNo == orderNo {
			out = append(out, m.Event)
		}
	}
	return out
}

// flakyBalance 可注入失败的余额存储
type flakyBalance struct {
	BalanceStore
	mu       sync.Mutex
	failures int
}

func (b *flakyBalance) failNext(n int) {
	b.mu.Lock()
	b.failures = n
	b.mu.Unlock()
}

func (b *flakyBalance) Credit(ctx context.Context, username string, amount int64, key string) (model.CreditResult, error) {
	b.mu.Lock()
	if b.failures > 0 {
		b.failures--
		b.mu.Unlock()
		return 0, errors.New("balance store unreachable")
	}
	b.mu.Unlock()
	return b.BalanceStore.Credit(ctx, username, amount, key)
}

// stubGateway 可控的网关实现
type stubGateway struct {
	name      string
	createErr error
	remote    *gateway.RemoteStatus
}

func (g *stubGateway) Name() string { return g.name }

func (g *stubGateway) CreatePayment(ctx context.Context, req gateway.PaymentRequest) (*gateway.PaymentSession, error) {
	if g.createErr != nil {
		return nil, g.createErr
	}
	return &gateway.PaymentSession{Gateway: g.name, PaymentURL: "https://pay.example/" + req.OrderNo}, nil
}

func (g *stubGateway) VerifyNotification(ctx context.Context, n *gateway.Notification) (*gateway.VerifiedPayment, error) {
	return nil, gateway.ErrUnsupported
}

func (g *stubGateway) QueryOrder(ctx context.Context, orderNo string) (*gateway.RemoteStatus, error) {
	if g.remote == nil {
		return nil, gateway.ErrNotFound
	}
	r := *g.remote
	r.OrderNo = orderNo
	return &r, nil
}

func (g *stubGateway) Acknowledge(ok bool) (string, []byte) {
	return "text/plain", []byte("ok")
}

type harness struct {
	db         *gorm.DB
	orderRepo  *repository.OrderRepository
	catalog    *CatalogService
	orders     *OrderService
	settlement *SettlementService
	reconcile  *ReconcileService
	balance    *flakyBalance
	publisher  *fakePublisher
	mock       *gateway.Mock
	notifyRepo *repository.NotificationRepository
}

func newHarness(t *testing.T, extra ...gateway.Gateway) *harness {
	t.Helper()
	ctx := context.Background()
	db := testutil.NewTestDB(t)
	logger := testutil.NewTestLogger(t)

	h := &harness{
		db:         db,
		orderRepo:  repository.NewOrderRepository(db),
		balance:    &flakyBalance{BalanceStore: repository.NewBalanceRepository(db)},
		publisher:  &fakePublisher{},
		mock:       gateway.NewMock("secret"),
		notifyRepo: repository.NewNotificationRepository(db),
	}
	registry := gateway.NewRegistry(append([]gateway.Gateway{gateway.NewManual(), h.mock}, extra...)...)

	h.catalog = NewCatalogService(repository.NewPackageRepository(db), logger)
	if err := h.catalog.SeedIfEmpty(ctx, ""); err != nil {
		t.Fatalf("初始化套餐失败: %v", err)
	}
	h.orders = NewOrderService(h.orderRepo, h.catalog, registry, h.publisher, logger)
	h.settlement = NewSettlementService(h.orders, h.balance, h.notifyRepo, registry, logger)
	h.reconcile = NewReconcileService(h.orderRepo, h.orders, h.settlement, registry, nil,
		ReconcileOptions{PaidAfter: time.Minute, PendingAfter: time.Minute, Batch: 10}, logger)
	return h
}

func (h *harness) createOrder(t *testing.T, username, packageID, method string) *model.Order {
	t.Helper()
	order, err := h.orders.CreateOrder(context.Background(), username, packageID, method)
	if err != nil {
		t.Fatalf("创建订单失败: %v", err)
	}
	return order
}

func (h *harness) mustOrder(t *testing.T, orderNo string) *model.Order {
	t.Helper()
	order, err := h.orders.GetOrder(context.Background(), orderNo)
	if err != nil {
		t.Fatalf("查询订单失败: %v", err)
	}
	return order
}

func (h *harness) balanceOf(t *testing.T, username string) int64 {
	t.Helper()
	bal, err := h.balance.Balance(context.Background(), username)
	if err != nil {
		t.Fatalf("查询余额失败: %v", err)
	}
	return bal
}

// backdate 将订单创建时间前移，模拟超时订单
func (h *harness) backdate(t *testing.T, orderNo string, d time.Duration) {
	t.Helper()
	err := h.db.Model(&model.Order{}).Where("order_no = ?", orderNo).
		Update("created_at", time.Now().Add(-d)).Error
	if err != nil {
		t.Fatalf("修改创建时间失败: %v", err)
	}
}
