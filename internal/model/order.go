package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"   // 待支付
	OrderStatusPaid      OrderStatus = "paid"      // 已支付，待入账
	OrderStatusCompleted OrderStatus = "completed" // 已完成，点数已入账
	OrderStatusCancelled OrderStatus = "cancelled" // 已取消
)

const (
	PaymentMethodManual = "manual"
	PaymentMethodMock   = "mock"
	PaymentMethodAlipay = "alipay"
	PaymentMethodWechat = "wechat"
)

// IsTerminal 终态不允许再迁移
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// Text 状态中文描述
func (s OrderStatus) Text() string {
	switch s {
	case OrderStatusPending:
		return "待支付"
	case OrderStatusPaid:
		return "已支付"
	case OrderStatusCompleted:
		return "已完成"
	case OrderStatusCancelled:
		return "已取消"
	default:
		return "未知"
	}
}

// Order 点数购买订单，套餐信息在创建时快照保存
type Order struct {
	ID            int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderNo       string          `gorm:"type:varchar(32);uniqueIndex;not null" json:"order_no"`
	Username      string          `gorm:"type:varchar(64);not null;index:idx_user_created" json:"username"`
	PackageID     string          `gorm:"type:varchar(64);not null" json:"package_id"`
	PackageName   string          `gorm:"type:varchar(128);not null" json:"package_name"`
	Points        int64           `gorm:"not null" json:"points"`
	Bonus         int64           `gorm:"not null;default:0" json:"bonus"`
	TotalPoints   int64           `gorm:"not null" json:"total_points"`
	Price         decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"price"`
	Currency      string          `gorm:"type:varchar(8);not null" json:"currency"`
	PaymentMethod string          `gorm:"type:varchar(32);not null" json:"payment_method"`
	Status        OrderStatus     `gorm:"type:varchar(16);not null;default:'pending';index:idx_status_created" json:"status"`
	PaymentInfo   datatypes.JSON  `json:"payment_info,omitempty"`

	// 以下字段在 pending -> paid 时由网关回调写入
	PaidAmount     decimal.NullDecimal `gorm:"type:decimal(20,2)" json:"paid_amount"`
	PaidCurrency   string              `gorm:"type:varchar(8);default:''" json:"paid_currency"`
	GatewayTradeNo string              `gorm:"type:varchar(128);default:''" json:"gateway_trade_no"`
	CancelReason   string              `gorm:"type:varchar(255);default:''" json:"cancel_reason"`

	CreatedAt   time.Time  `gorm:"not null;index:idx_user_created;index:idx_status_created" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	PaidAt      *time.Time `json:"paid_at"`
	CompletedAt *time.Time `json:"completed_at"`
	CancelledAt *time.Time `json:"cancelled_at"`
}

func (Order) TableName() string {
	return "point_orders"
}
