package server

import (
	"context"
	"errors"
	"strings"
	"time"

	"points-ledger/internal/gateway"
	"points-ledger/internal/model"
	"points-ledger/internal/repository"
	"points-ledger/internal/service"
	pb "points-ledger/proto/ledger"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type LedgerServer struct {
	pb.UnimplementedPointsLedgerServer
	orders     *service.OrderService
	settlement *service.SettlementService
	catalog    *service.CatalogService
	logger     *zap.Logger
}

func NewLedgerServer(orders *service.OrderService, settlement *service.SettlementService, catalog *service.CatalogService, logger *zap.Logger) *LedgerServer {
	return &LedgerServer{
		orders:     orders,
		settlement: settlement,
		catalog:    catalog,
		logger:     logger,
	}
}

// CreateOrder 创建订单并立即发起支付；支付创建失败时订单仍返回，可稍后重试
func (s *LedgerServer) CreateOrder(ctx context.Context, req *pb.CreateOrderRequest) (*pb.OrderReply, error) {
	claims, ok := claimsFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "缺少认证信息")
	}
	if req.Username == "" {
		req.Username = claims.Subject
	}
	if strings.TrimSpace(req.Username) == "" || req.PackageID == "" || req.PaymentMethod == "" {
		return nil, status.Error(codes.InvalidArgument, "username/package_id/payment_method 不能为空")
	}
	// 普通用户只能为自己下单
	if claims.Role != RoleAdmin && req.Username != claims.Subject {
		return nil, status.Error(codes.PermissionDenied, "不能为其他用户下单")
	}

	order, err := s.orders.CreateOrder(ctx, req.Username, req.PackageID, req.PaymentMethod)
	if err != nil {
		return nil, toStatus(err)
	}

	reply := &pb.OrderReply{Order: toPBOrder(order)}
	session, err := s.orders.StartPayment(ctx, order.OrderNo)
	if err != nil {
		s.logger.Warn("订单已创建但发起支付失败", zap.String("order_no", order.OrderNo), zap.Error(err))
		reply.Message = err.Error()
		return reply, nil
	}
	reply.Payment = toPBSession(session)
	return reply, nil
}

func (s *LedgerServer) GetOrder(ctx context.Context, req *pb.GetOrderRequest) (*pb.OrderReply, error) {
	if req.OrderNo == "" {
		return nil, status.Error(codes.InvalidArgument, "order_no 不能为空")
	}
	order, err := s.visibleOrder(ctx, req.OrderNo)
	if err != nil {
		return nil, err
	}
	return &pb.OrderReply{Order: toPBOrder(order)}, nil
}

// visibleOrder 普通用户查不到他人的订单
func (s *LedgerServer) visibleOrder(ctx context.Context, orderNo string) (*model.Order, error) {
	claims, ok := claimsFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "缺少认证信息")
	}
	order, err := s.orders.GetOrder(ctx, orderNo)
	if err != nil {
		return nil, toStatus(err)
	}
	if claims.Role != RoleAdmin && order.Username != claims.Subject {
		return nil, toStatus(service.ErrOrderNotFound)
	}
	return order, nil
}

func (s *LedgerServer) ListOrders(ctx context.Context, req *pb.ListOrdersRequest) (*pb.ListOrdersReply, error) {
	filter := repository.OrderFilter{
		OrderNo:       req.OrderNo,
		Status:        req.Status,
		Username:      req.Username,
		PaymentMethod: req.PaymentMethod,
		Page:          int(req.Page),
		PageSize:      int(req.PageSize),
	}
	orders, total, err := s.orders.ListOrders(ctx, filter)
	if err != nil {
		return nil, toStatus(err)
	}
	filter.Normalize()

	reply := &pb.ListOrdersReply{
		Total:    total,
		Page:     int32(filter.Page),
		PageSize: int32(filter.PageSize),
		Orders:   make([]*pb.Order, 0, len(orders)),
	}
	for i := range orders {
		reply.Orders = append(reply.Orders, toPBOrder(&orders[i]))
	}
	return reply, nil
}

func (s *LedgerServer) CancelOrder(ctx context.Context, req *pb.CancelOrderRequest) (*pb.OrderReply, error) {
	if req.OrderNo == "" {
		return nil, status.Error(codes.InvalidArgument, "order_no 不能为空")
	}
	if _, err := s.visibleOrder(ctx, req.OrderNo); err != nil {
		return nil, err
	}
	reason := req.Reason
	if reason == "" {
		reason = "用户取消"
	}
	order, err := s.orders.Cancel(ctx, req.OrderNo, reason)
	if err != nil {
		return nil, toStatus(err)
	}
	return &pb.OrderReply{Order: toPBOrder(order)}, nil
}

// ConfirmOrder 人工确认收款并入账
func (s *LedgerServer) ConfirmOrder(ctx context.Context, req *pb.ConfirmOrderRequest) (*pb.ConfirmOrderReply, error) {
	if req.Operator == "" {
		if claims, ok := claimsFromContext(ctx); ok {
			req.Operator = claims.Subject
		}
	}
	if req.OrderNo == "" || req.Operator == "" {
		return nil, status.Error(codes.InvalidArgument, "order_no/operator 不能为空")
	}
	result, err := s.settlement.ConfirmOrder(ctx, req.OrderNo, req.Operator)
	if err != nil {
		return nil, toStatus(err)
	}
	order, err := s.orders.GetOrder(ctx, req.OrderNo)
	if err != nil {
		return nil, toStatus(err)
	}
	return &pb.ConfirmOrderReply{Result: result.String(), Order: toPBOrder(order)}, nil
}

func (s *LedgerServer) ListPackages(ctx context.Context, req *pb.ListPackagesRequest) (*pb.ListPackagesReply, error) {
	pkgs, err := s.catalog.List(ctx, !req.IncludeDisabled)
	if err != nil {
		return nil, toStatus(err)
	}
	reply := &pb.ListPackagesReply{Packages: make([]*pb.Package, 0, len(pkgs))}
	for i := range pkgs {
		p := &pkgs[i]
		reply.Packages = append(reply.Packages, &pb.Package{
			ID:          p.PackageID,
			Name:        p.Name,
			Points:      p.Points,
			Bonus:       p.Bonus,
			TotalPoints: p.TotalPoints(),
			Price:       p.Price.StringFixed(2),
			Currency:    p.Currency,
			Description: p.Description,
			Enabled:     p.Enabled,
		})
	}
	return reply, nil
}

// toStatus 将业务错误映射为 gRPC 状态码
func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, service.ErrOrderNotFound), errors.Is(err, service.ErrPackageNotFound):
		code = codes.NotFound
	case errors.Is(err, service.ErrInvalidArgument), errors.Is(err, service.ErrInvalidPackage),
		errors.Is(err, service.ErrPaymentMethodUnavailable):
		code = codes.InvalidArgument
	case errors.Is(err, service.ErrInvalidTransition), errors.Is(err, service.ErrPackageDisabled),
		errors.Is(err, service.ErrAmountMismatch):
		code = codes.FailedPrecondition
	case errors.Is(err, service.ErrPackageExists):
		code = codes.AlreadyExists
	case errors.Is(err, service.ErrPaymentFailed), errors.Is(err, service.ErrCreditFailure),
		errors.Is(err, gateway.ErrGatewayUnavailable):
		code = codes.Unavailable
	default:
		return status.Errorf(codes.Internal, "内部错误: %v", err)
	}
	return status.Error(code, err.Error())
}

func toPBOrder(o *model.Order) *pb.Order {
	out := &pb.Order{
		OrderNo:        o.OrderNo,
		Username:       o.Username,
		PackageID:      o.PackageID,
		PackageName:    o.PackageName,
		Points:         o.Points,
		Bonus:          o.Bonus,
		TotalPoints:    o.TotalPoints,
		Price:          o.Price.StringFixed(2),
		Currency:       o.Currency,
		PaymentMethod:  o.PaymentMethod,
		Status:         string(o.Status),
		StatusText:     o.Status.Text(),
		GatewayTradeNo: o.GatewayTradeNo,
		CancelReason:   o.CancelReason,
		CreatedAt:      formatTime(&o.CreatedAt),
		PaidAt:         formatTime(o.PaidAt),
		CompletedAt:    formatTime(o.CompletedAt),
		CancelledAt:    formatTime(o.CancelledAt),
	}
	if o.PaidAmount.Valid {
		out.PaidAmount = o.PaidAmount.Decimal.StringFixed(2)
	}
	return out
}

func toPBSession(s *gateway.PaymentSession) *pb.PaymentSession {
	return &pb.PaymentSession{
		Gateway:    s.Gateway,
		PaymentURL: s.PaymentURL,
		QRCode:     s.QRCode,
		Method:     s.Method,
		Message:    s.Message,
	}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
