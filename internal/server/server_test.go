package server

import (
	"context"
	"testing"

	"points-ledger/internal/gateway"
	"points-ledger/internal/model"
	"points-ledger/internal/repository"
	"points-ledger/internal/service"
	"points-ledger/internal/testutil"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-jwt-secret"

type testEnv struct {
	orders     *service.OrderService
	settlement *service.SettlementService
	catalog    *service.CatalogService
	balance    *repository.BalanceRepository
	mock       *gateway.Mock
	handler    *HTTPHandler
	router     *gin.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.NewTestDB(t)
	logger := testutil.NewTestLogger(t)

	env := &testEnv{
		balance: repository.NewBalanceRepository(db),
		mock:    gateway.NewMock("secret"),
	}
	registry := gateway.NewRegistry(gateway.NewManual(), env.mock)
	env.catalog = service.NewCatalogService(repository.NewPackageRepository(db), logger)
	if err := env.catalog.SeedIfEmpty(context.Background(), ""); err != nil {
		t.Fatalf("初始化套餐失败: %v", err)
	}
	env.orders = service.NewOrderService(repository.NewOrderRepository(db), env.catalog, registry, nil, logger)
	env.settlement = service.NewSettlementService(env.orders, env.balance, repository.NewNotificationRepository(db), registry, logger)
	env.handler = NewHTTPHandler(env.orders, env.settlement, env.catalog, env.balance, testSecret, logger)
	env.router = env.handler.Router()
	return env
}

func (e *testEnv) createOrder(t *testing.T, username, packageID, method string) *model.Order {
	t.Helper()
	order, err := e.orders.CreateOrder(context.Background(), username, packageID, method)
	if err != nil {
		t.Fatalf("创建订单失败: %v", err)
	}
	return order
}

func signToken(t *testing.T, secret, username, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role:             role,
		RegisteredClaims: jwt.RegisteredClaims{Subject: username},
	})
	s, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("签发 token 失败: %v", err)
	}
	return s
}

func (e *testEnv) balanceOf(t *testing.T, username string) int64 {
	t.Helper()
	bal, err := e.balance.Balance(context.Background(), username)
	if err != nil {
		t.Fatalf("查询余额失败: %v", err)
	}
	return bal
}
