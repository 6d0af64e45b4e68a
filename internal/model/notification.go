package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentNotification 已验签的网关回调记录，仅用于审计，不参与幂等判断
type PaymentNotification struct {
	ID       int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	Gateway  string          `gorm:"type:varchar(32);not null;uniqueIndex:idx_gateway_trade" json:"gateway"`
	TradeNo  string          `gorm:"type:varchar(128);not null;uniqueIndex:idx_gateway_trade" json:"trade_no"`
	OrderNo  string          `gorm:"type:varchar(32);not null;index" json:"order_no"`
	Amount   decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amount"`
	Currency string          `gorm:"type:varchar(8);not null" json:"currency"`
	Result   string          `gorm:"type:varchar(32);not null" json:"result"`
	// Deliveries 网关投递次数
	Deliveries int       `gorm:"not null;default:1" json:"deliveries"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (PaymentNotification) TableName() string {
	return "payment_notifications"
}
