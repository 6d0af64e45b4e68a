package model

import "time"

// UserPoints 用户点数余额
type UserPoints struct {
	Username    string    `gorm:"primaryKey;type:varchar(64)" json:"username"`
	Balance     int64     `gorm:"not null;default:0" json:"balance"`
	TotalEarned int64     `gorm:"not null;default:0" json:"total_earned"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (UserPoints) TableName() string {
	return "user_points"
}

// PointCredit 入账流水，IdempotencyKey 唯一保证同一订单只入账一次
type PointCredit struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	IdempotencyKey string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"idempotency_key"`
	Username       string    `gorm:"type:varchar(64);not null;index" json:"username"`
	Amount         int64     `gorm:"not null" json:"amount"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (PointCredit) TableName() string {
	return "point_credits"
}

// AllModels 需要自动迁移的全部表
func AllModels() []interface{} {
	return []interface{}{
		&Package{},
		&Order{},
		&PaymentNotification{},
		&UserPoints{},
		&PointCredit{},
	}
}

// CreditResult 余额入账结果
type CreditResult int

const (
	CreditResultCredited        CreditResult = iota + 1 // 本次调用完成入账
	CreditResultAlreadyCredited                         // 该幂等键已入账过
)

func (r CreditResult) String() string {
	switch r {
	case CreditResultCredited:
		return "credited"
	case CreditResultAlreadyCredited:
		return "already_credited"
	default:
		return "unknown"
	}
}
