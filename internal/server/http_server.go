package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"points-ledger/internal/gateway"
	"points-ledger/internal/model"
	"points-ledger/internal/repository"
	"points-ledger/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxNotifyBody = 1 << 20

// orderResponse 订单响应结构（自定义 JSON 输出）
type orderResponse struct {
	ID             int64  `json:"id"`
	OrderNo        string `json:"order_no"`
	Username       string `json:"username"`
	PackageID      string `json:"package_id"`
	PackageName    string `json:"package_name"`
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
	CompletedAt    string `json:"completed_at,omitempty"`
}

// apiResponse 统一 API 响应
type apiResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// listData 列表数据
type listData struct {
	Total    int64           `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
	Orders   []orderResponse `json:"orders"`
}

type createOrderBody struct {
	PackageID     string `json:"package_id" binding:"required"`
	PaymentMethod string `json:"payment_method" binding:"required"`
}

type cancelBody struct {
	Reason string `json:"reason"`
}

// HTTPHandler HTTP 接口处理器
type HTTPHandler struct {
	orders     *service.OrderService
	settlement *service.SettlementService
	catalog    *service.CatalogService
	balance    service.BalanceStore
	jwtSecret  string
	logger     *zap.Logger
}

func NewHTTPHandler(
	orders *service.OrderService,
	settlement *service.SettlementService,
	catalog *service.CatalogService,
	balance service.BalanceStore,
	jwtSecret string,
	logger *zap.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		orders:     orders,
		settlement: settlement,
		catalog:    catalog,
		balance:    balance,
		jwtSecret:  jwtSecret,
		logger:     logger,
	}
}

// Router 注册所有路由
func (h *HTTPHandler) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(h.logger), cors())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		api.POST("/payment/notify/:gateway", h.handleNotify)
		api.GET("/payment/notify/:gateway", h.handleNotify)
		api.GET("/payment/status/:order_no", h.handlePaymentStatus)
		api.GET("/packages", h.handlePackages)
	}

	me := api.Group("/me", AuthRequired(h.jwtSecret))
	{
		me.GET("/orders", h.handleMyOrders)
		me.POST("/orders", h.handleCreateOrder)
		me.POST("/orders/:order_no/pay", h.handleStartPayment)
		me.POST("/orders/:order_no/cancel", h.handleMyCancel)
		me.GET("/balance", h.handleBalance)
	}

	admin := api.Group("/orders", AuthRequired(h.jwtSecret), RoleRequired(RoleAdmin))
	{
		admin.GET("", h.handleOrders)
		admin.POST("/:order_no/confirm", h.handleConfirm)
		admin.POST("/:order_no/cancel", h.handleAdminCancel)
	}

	return router
}

// NewHTTPServer 创建并返回 HTTP 服务器
func NewHTTPServer(handler *HTTPHandler, port int) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// handleNotify 处理网关异步回调，任何错误都以失败应答让网关重试
func (h *HTTPHandler) handleNotify(c *gin.Context) {
	name := c.Param("gateway")
	if c.Request.Method == http.MethodGet && name != model.PaymentMethodAlipay {
		c.JSON(http.StatusMethodNotAllowed, apiResponse{Code: -1, Message: "仅支持 POST 请求"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxNotifyBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, apiResponse{Code: -1, Message: "读取请求失败"})
		return
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	// 微信回调为 XML，ParseForm 对非表单请求体不做解析
	_ = c.Request.ParseForm()

	contentType, ack, err := h.settlement.HandleNotification(c.Request.Context(), name, &gateway.Notification{
		Form:   c.Request.Form,
		Body:   body,
		Header: c.Request.Header.Clone(),
	})
	if ack == nil {
		c.JSON(http.StatusNotFound, apiResponse{Code: -1, Message: "未知的支付网关: " + name})
		return
	}
	if err != nil {
		h.logger.Info("回调处理失败", zap.String("gateway", name), zap.Error(err))
	}
	c.Data(http.StatusOK, contentType, ack)
}

// handlePaymentStatus 前端轮询支付结果
func (h *HTTPHandler) handlePaymentStatus(c *gin.Context) {
	order, err := h.orders.GetOrder(c.Request.Context(), c.Param("order_no"))
	if err != nil {
		status, _ := httpStatus(err)
		c.JSON(status, gin.H{"success": false, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"order_no": order.OrderNo,
		"status":   order.Status,
		"points":   order.TotalPoints,
	})
}

func (h *HTTPHandler) handlePackages(c *gin.Context) {
	pkgs, err := h.catalog.List(c.Request.Context(), true)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, apiResponse{Code: 0, Message: "success", Data: pkgs})
}

func (h *HTTPHandler) handleMyOrders(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit < 1 || limit > 100 {
		limit = 20
	}
	orders, err := h.orders.GetOrdersForUser(c.Request.Context(), c.GetString(ctxUsername), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, apiResponse{Code: 0, Message: "success", Data: toOrderResponses(orders)})
}

// handleCreateOrder 创建订单并发起支付，支付创建失败时订单保留，可调用 pay 重试
func (h *HTTPHandler) handleCreateOrder(c *gin.Context) {
	var body createOrderBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, apiResponse{Code: -1, Message: "参数错误: " + err.Error()})
		return
	}
	ctx := c.Request.Context()
	order, err := h.orders.CreateOrder(ctx, c.GetString(ctxUsername), body.PackageID, body.PaymentMethod)
	if err != nil {
		h.writeError(c, err)
		return
	}

	data := gin.H{"order": toOrderResponse(*order)}
	message := "success"
	if session, err := h.orders.StartPayment(ctx, order.OrderNo); err != nil {
		message = err.Error()
	} else {
		data["payment"] = session
	}
	c.JSON(http.StatusOK, apiResponse{Code: 0, Message: message, Data: data})
}

func (h *HTTPHandler) handleStartPayment(c *gin.Context) {
	order, ok := h.ownOrder(c)
	if !ok {
		return
	}
	session, err := h.orders.StartPayment(c.Request.Context(), order.OrderNo)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, apiResponse{Code: 0, Message: "success", Data: session})
}

func (h *HTTPHandler) handleMyCancel(c *gin.Context) {
	order, ok := h.ownOrder(c)
	if !ok {
		return
	}
	h.cancel(c, order.OrderNo, "用户取消")
}

func (h *HTTPHandler) handleBalance(c *gin.Context) {
	username := c.GetString(ctxUsername)
	balance, err := h.balance.Balance(c.Request.Context(), username)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, apiResponse{Code: 0, Message: "success", Data: gin.H{"username": username, "points": balance}})
}

// handleOrders 管理端订单列表
func (h *HTTPHandler) handleOrders(c *gin.Context) {
	page, _ := strconv.Atoi(c.Query("page"))
	pageSize, _ := strconv.Atoi(c.Query("page_size"))

	filter := repository.OrderFilter{
		OrderNo:       c.Query("order_no"),
		Username:      c.Query("username"),
		PaymentMethod: c.Query("payment_method"),
		Page:          page,
		PageSize:      pageSize,
	}
	if s := c.Query("status"); s != "" {
		switch model.OrderStatus(s) {
		case model.OrderStatusPending, model.OrderStatusPaid, model.OrderStatusCompleted, model.OrderStatusCancelled:
			filter.Status = s
		default:
			c.JSON(http.StatusBadRequest, apiResponse{
				Code:    -1,
				Message: "status 参数无效，应为 pending、paid、completed、cancelled",
			})
			return
		}
	}

	orders, total, err := h.orders.ListOrders(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	filter.Normalize()

	c.JSON(http.StatusOK, apiResponse{
		Code:    0,
		Message: "success",
		Data: listData{
			Total:    total,
			Page:     filter.Page,
			PageSize: filter.PageSize,
			Orders:   toOrderResponses(orders),
		},
	})
}

func (h *HTTPHandler) handleConfirm(c *gin.Context) {
	ctx := c.Request.Context()
	orderNo := c.Param("order_no")
	result, err := h.settlement.ConfirmOrder(ctx, orderNo, c.GetString(ctxUsername))
	if err != nil {
		h.writeError(c, err)
		return
	}
	order, err := h.orders.GetOrder(ctx, orderNo)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, apiResponse{Code: 0, Message: "success", Data: gin.H{
		"result": result.String(),
		"order":  toOrderResponse(*order),
	}})
}

func (h *HTTPHandler) handleAdminCancel(c *gin.Context) {
	var body cancelBody
	_ = c.ShouldBindJSON(&body)
	if body.Reason == "" {
		body.Reason = "管理员取消"
	}
	h.cancel(c, c.Param("order_no"), body.Reason)
}

func (h *HTTPHandler) cancel(c *gin.Context, orderNo, reason string) {
	order, err := h.orders.Cancel(c.Request.Context(), orderNo, reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, apiResponse{Code: 0, Message: "success", Data: toOrderResponse(*order)})
}

// ownOrder 读取路径中的订单并校验归属，不属于当前用户按不存在处理
func (h *HTTPHandler) ownOrder(c *gin.Context) (*model.Order, bool) {
	order, err := h.orders.GetOrder(c.Request.Context(), c.Param("order_no"))
	if err == nil && order.Username != c.GetString(ctxUsername) {
		err = service.ErrOrderNotFound
	}
	if err != nil {
		h.writeError(c, err)
		return nil, false
	}
	return order, true
}

func (h *HTTPHandler) writeError(c *gin.Context, err error) {
	status, known := httpStatus(err)
	if !known {
		h.logger.Error("请求处理失败", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, apiResponse{Code: -1, Message: "服务内部错误"})
		return
	}
	c.JSON(status, apiResponse{Code: -1, Message: err.Error()})
}

// httpStatus 业务错误对应的 HTTP 状态码，未知错误返回 500
func httpStatus(err error) (int, bool) {
	switch {
	case errors.Is(err, service.ErrOrderNotFound), errors.Is(err, service.ErrPackageNotFound):
		return http.StatusNotFound, true
	case errors.Is(err, service.ErrInvalidArgument), errors.Is(err, service.ErrInvalidPackage),
		errors.Is(err, service.ErrPaymentMethodUnavailable):
		return http.StatusBadRequest, true
	case errors.Is(err, service.ErrInvalidTransition), errors.Is(err, service.ErrPackageDisabled),
		errors.Is(err, service.ErrAmountMismatch), errors.Is(err, service.ErrPackageExists):
		return http.StatusConflict, true
	case errors.Is(err, service.ErrPaymentFailed), errors.Is(err, service.ErrCreditFailure):
		return http.StatusServiceUnavailable, true
	default:
		return http.StatusInternalServerError, false
	}
}

func toOrderResponses(orders []model.Order) []orderResponse {
	list := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		list = append(list, toOrderResponse(o))
	}
	return list
}

// toOrderResponse 将 model.Order 转为响应结构
func toOrderResponse(o model.Order) orderResponse {
	resp := orderResponse{
		ID:             o.ID,
		OrderNo:        o.OrderNo,
		Username:       o.Username,
		PackageID:      o.PackageID,
		PackageName:    o.PackageName,
		TotalPoints:    o.TotalPoints,
		Price:          o.Price.StringFixed(2),
		Currency:       o.Currency,
		PaymentMethod:  o.PaymentMethod,
		Status:         string(o.Status),
		StatusText:     o.Status.Text(),
		GatewayTradeNo: o.GatewayTradeNo,
		CancelReason:   o.CancelReason,
		CreatedAt:      formatTime(&o.CreatedAt),
		CompletedAt:    formatTime(o.CompletedAt),
	}
	if o.PaidAmount.Valid {
		resp.PaidAmount = o.PaidAmount.Decimal.StringFixed(2)
	}
	return resp
}

// requestLogger 访问日志
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}

// cors CORS 头
func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
