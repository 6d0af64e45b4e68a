package repository

import (
	"context"
	"time"

	"points-ledger/internal/model"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type OrderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Create 创建订单
func (r *OrderRepository) Create(ctx context.Context, order *model.Order) error {
	return r.db.WithContext(ctx).Create(order).Error
}

// FindByOrderNo 根据订单号查找订单
func (r *OrderRepository) FindByOrderNo(ctx context.Context, orderNo string) (*model.Order, error) {
	var order model.Order
	err := r.db.WithContext(ctx).Where("order_no = ?", orderNo).First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// CompareAndSetStatus 仅当当前状态等于 from 时更新为 to，返回是否更新成功
// 条件更新由数据库保证原子性，并发调用只有一个会命中
func (r *OrderRepository) CompareAndSetStatus(ctx context.Context, orderNo string, from, to model.OrderStatus, fields map[string]interface{}) (bool, error) {
	updates := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		updates[k] = v
	}
	updates["status"] = to

	res := r.db.WithContext(ctx).Model(&model.Order{}).
		Where("order_no = ? AND status = ?", orderNo, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// UpdatePaymentInfo 写入支付会话信息，只对待支付订单生效
func (r *OrderRepository) UpdatePaymentInfo(ctx context.Context, orderNo string, info datatypes.JSON) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.Order{}).
		Where("order_no = ? AND status = ?", orderNo, model.OrderStatusPending).
		Update("payment_info", info)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ListByUser 用户订单，按创建时间倒序
func (r *OrderRepository) ListByUser(ctx context.Context, username string, limit int) ([]model.Order, error) {
	var orders []model.Order
	err := r.db.WithContext(ctx).Where("username = ?", username).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).Find(&orders).Error
	return orders, err
}

// ListAll 全部订单，按创建时间倒序
func (r *OrderRepository) ListAll(ctx context.Context, limit int) ([]model.Order, error) {
	var orders []model.Order
	err := r.db.WithContext(ctx).Order("created_at DESC").Order("id DESC").
		Limit(limit).Find(&orders).Error
	return orders, err
}

// StaleFilter 对账扫描条件，按 ID 游标分批
type StaleFilter struct {
	Status  model.OrderStatus
	Before  time.Time
	AfterID int64 // 上一批最后一条的 ID
	Limit   int
	// AmountMatched 只取实付金额和币种与订单一致的订单
	AmountMatched bool
}

// FindStale 查询指定状态下早于 Before 的订单，供对账使用
func (r *OrderRepository) FindStale(ctx context.Context, f StaleFilter) ([]model.Order, error) {
	query := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ? AND id > ?", f.Status, f.Before, f.AfterID)
	if f.AmountMatched {
		query = query.Where("paid_amount = price AND paid_currency = currency")
	}
	var orders []model.Order
	err := query.Order("id ASC").Limit(f.Limit).Find(&orders).Error
	return orders, err
}

// OrderFilter 订单查询过滤条件
type OrderFilter struct {
	OrderNo       string
	Status        string
	Username      string
	PaymentMethod string
	Page          int
	PageSize      int
}

// Normalize 规范化分页参数
func (f *OrderFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = 20
	}
	if f.PageSize > 100 {
		f.PageSize = 100
	}
}

// ListOrders 分页查询订单列表，支持多字段搜索
func (r *OrderRepository) ListOrders(ctx context.Context, filter OrderFilter) ([]model.Order, int64, error) {
	query := r.db.WithContext(ctx).Model(&model.Order{})

	// 订单号模糊匹配
	if filter.OrderNo != "" {
		query = query.Where("order_no LIKE ?", "%"+filter.OrderNo+"%")
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Username != "" {
		query = query.Where("username = ?", filter.Username)
	}
	if filter.PaymentMethod != "" {
		query = query.Where("payment_method = ?", filter.PaymentMethod)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	filter.Normalize()
	offset := (filter.Page - 1) * filter.PageSize

	var orders []model.Order
	if err := query.Order("created_at DESC").Order("id DESC").Offset(offset).Limit(filter.PageSize).Find(&orders).Error; err != nil {
		return nil, 0, err
	}

	return orders, total, nil
}
