// Package ledger 点数账本 gRPC 接口定义，消息结构与 ledger.proto 对应，
// 通过 JSON 编解码器传输。
package ledger

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const ServiceName = "points.v1.PointsLedger"

type CreateOrderRequest struct {
	Username      string `json:"username"`
	PackageID     string `json:"package_id"`
	PaymentMethod string `json:"payment_method"`
}

type PaymentSession struct {
	Gateway    string `json:"gateway"`
	PaymentURL string `json:"payment_url,omitempty"`
	QRCode     string `json:"qr_code,omitempty"`
	Method     string `json:"method,omitempty"`
	Message    string `json:"message,omitempty"`
}

type Order struct {
	OrderNo        string `json:"order_no"`
	Username       string `json:"username"`
	PackageID      string `json:"package_id"`
	PackageName    string `json:"package_name"`
	Points         int64  `json:"points"`
	Bonus          int64  `json:"bonus"`
	TotalPoints    int64  `json:"total_points"`
	Price          string `json:"price"`
	Currency       string `json:"currency"`
	PaymentMethod  string `json:"payment_method"`
	Status         string `json:"status"`
	StatusText     string `json:"status_text"`
	PaidAmount     string `json:"paid_amount,omitempty"`
	GatewayTradeNo string `json:"gateway_trade_no,omitempty"`
	CancelReason   string `json:"cancel_reason,omitempty"`
	CreatedAt      string `json:"created_at"`
	PaidAt         string `json:"paid_at,omitempty"`
	CompletedAt    string `json:"completed_at,omitempty"`
	CancelledAt    string `json:"cancelled_at,omitempty"`
}

type OrderReply struct {
	Order   *Order          `json:"order"`
	Payment *PaymentSession `json:"payment,omitempty"`
	Message string          `json:"message,omitempty"`
}

type GetOrderRequest struct {
	OrderNo string `json:"order_no"`
}

type ListOrdersRequest struct {
	OrderNo       string `json:"order_no,omitempty"`
	Status        string `json:"status,omitempty"`
	Username      string `json:"username,omitempty"`
	PaymentMethod string `json:"payment_method,omitempty"`
	Page          int32  `json:"page,omitempty"`
	PageSize      int32  `json:"page_size,omitempty"`
}

type ListOrdersReply struct {
	Total    int64    `json:"total"`
	Page     int32    `json:"page"`
	PageSize int32    `json:"page_size"`
	Orders   []*Order `json:"orders"`
}

type CancelOrderRequest struct {
	OrderNo string `json:"order_no"`
	Reason  string `json:"reason,omitempty"`
}

type ConfirmOrderRequest struct {
	OrderNo  string `json:"order_no"`
	Operator string `json:"operator"`
}

type ConfirmOrderReply struct {
	Result string `json:"result"`
	Order  *Order `json:"order"`
}

type ListPackagesRequest struct {
	IncludeDisabled bool `json:"include_disabled,omitempty"`
}

type Package struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Points      int64  `json:"points"`
	Bonus       int64  `json:"bonus"`
	TotalPoints int64  `json:"total_points"`
	Price       string `json:"price"`
	Currency    string `json:"currency"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

type ListPackagesReply struct {
	Packages []*Package `json:"packages"`
}

// PointsLedgerServer 服务端需实现的接口
type PointsLedgerServer interface {
	CreateOrder(context.Context, *CreateOrderRequest) (*OrderReply, error)
	GetOrder(context.Context, *GetOrderRequest) (*OrderReply, error)
	ListOrders(context.Context, *ListOrdersRequest) (*ListOrdersReply, error)
	CancelOrder(context.Context, *CancelOrderRequest) (*OrderReply, error)
	ConfirmOrder(context.Context, *ConfirmOrderRequest) (*ConfirmOrderReply, error)
	ListPackages(context.Context, *ListPackagesRequest) (*ListPackagesReply, error)
}

// UnimplementedPointsLedgerServer 嵌入后未实现的方法返回 Unimplemented
type UnimplementedPointsLedgerServer struct{}

func (UnimplementedPointsLedgerServer) CreateOrder(context.Context, *CreateOrderRequest) (*OrderReply, error) {
	return nil, status.Error(codes.Unimplemented, "method CreateOrder not implemented")
}
func (UnimplementedPointsLedgerServer) GetOrder(context.Context, *GetOrderRequest) (*OrderReply, error) {
	return nil, status.Error(codes.Unimplemented, "method GetOrder not implemented")
}
func (UnimplementedPointsLedgerServer) ListOrders(context.Context, *ListOrdersRequest) (*ListOrdersReply, error) {
	return nil, status.Error(codes.Unimplemented, "method ListOrders not implemented")
}
func (UnimplementedPointsLedgerServer) CancelOrder(context.Context, *CancelOrderRequest) (*OrderReply, error) {
	return nil, status.Error(codes.Unimplemented, "method CancelOrder not implemented")
}
func (UnimplementedPointsLedgerServer) ConfirmOrder(context.Context, *ConfirmOrderRequest) (*ConfirmOrderReply, error) {
	return nil, status.Error(codes.Unimplemented, "method ConfirmOrder not implemented")
}
func (UnimplementedPointsLedgerServer) ListPackages(context.Context, *ListPackagesRequest) (*ListPackagesReply, error) {
	return nil, status.Error(codes.Unimplemented, "method ListPackages not implemented")
}

func RegisterPointsLedgerServer(s grpc.ServiceRegistrar, srv PointsLedgerServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// unaryHandler 生成解码请求并经过拦截器调用的处理函数
func unaryHandler[Req any, Resp any](method string, call func(PointsLedgerServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(PointsLedgerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + ServiceName + "/" + method,
		}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(PointsLedgerServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PointsLedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateOrder", Handler: unaryHandler("CreateOrder", PointsLedgerServer.CreateOrder)},
		{MethodName: "GetOrder", Handler: unaryHandler("GetOrder", PointsLedgerServer.GetOrder)},
		{MethodName: "ListOrders", Handler: unaryHandler("ListOrders", PointsLedgerServer.ListOrders)},
		{MethodName: "CancelOrder", Handler: unaryHandler("CancelOrder", PointsLedgerServer.CancelOrder)},
		{MethodName: "ConfirmOrder", Handler: unaryHandler("ConfirmOrder", PointsLedgerServer.ConfirmOrder)},
		{MethodName: "ListPackages", Handler: unaryHandler("ListPackages", PointsLedgerServer.ListPackages)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "proto/ledger/ledger.proto",
}

// PointsLedgerClient 客户端接口
type PointsLedgerClient interface {
	CreateOrder(ctx context.Context, in *CreateOrderRequest, opts ...grpc.CallOption) (*OrderReply, error)
	GetOrder(ctx context.Context, in *GetOrderRequest, opts ...grpc.CallOption) (*OrderReply, error)
	ListOrders(ctx context.Context, in *ListOrdersRequest, opts ...grpc.CallOption) (*ListOrdersReply, error)
	CancelOrder(ctx context.Context, in *CancelOrderRequest, opts ...grpc.CallOption) (*OrderReply, error)
	ConfirmOrder(ctx context.Context, in *ConfirmOrderRequest, opts ...grpc.CallOption) (*ConfirmOrderReply, error)
	ListPackages(ctx context.Context, in *ListPackagesRequest, opts ...grpc.CallOption) (*ListPackagesReply, error)
}

type pointsLedgerClient struct {
	cc grpc.ClientConnInterface
}

func NewPointsLedgerClient(cc grpc.ClientConnInterface) PointsLedgerClient {
	return &pointsLedgerClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in interface{}, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *pointsLedgerClient) CreateOrder(ctx context.Context, in *CreateOrderRequest, opts ...grpc.CallOption) (*OrderReply, error) {
	return invoke[OrderReply](ctx, c.cc, "CreateOrder", in, opts)
}

func (c *pointsLedgerClient) GetOrder(ctx context.Context, in *GetOrderRequest, opts ...grpc.CallOption) (*OrderReply, error) {
	return invoke[OrderReply](ctx, c.cc, "GetOrder", in, opts)
}

func (c *pointsLedgerClient) ListOrders(ctx context.Context, in *ListOrdersRequest, opts ...grpc.CallOption) (*ListOrdersReply, error) {
	return invoke[ListOrdersReply](ctx, c.cc, "ListOrders", in, opts)
}

func (c *pointsLedgerClient) CancelOrder(ctx context.Context, in *CancelOrderRequest, opts ...grpc.CallOption) (*OrderReply, error) {
	return invoke[OrderReply](ctx, c.cc, "CancelOrder", in, opts)
}

func (c *pointsLedgerClient) ConfirmOrder(ctx context.Context, in *ConfirmOrderRequest, opts ...grpc.CallOption) (*ConfirmOrderReply, error) {
	return invoke[ConfirmOrderReply](ctx, c.cc, "ConfirmOrder", in, opts)
}

func (c *pointsLedgerClient) ListPackages(ctx context.Context, in *ListPackagesRequest, opts ...grpc.CallOption) (*ListPackagesReply, error) {
	return invoke[ListPackagesReply](ctx, c.cc, "ListPackages", in, opts)
}
