package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var Currencies = map[string]bool{
	"CNY": true,
	"USD": true,
	"EUR": true,
}

// Package 点数套餐，Seq 保持创建顺序
type Package struct {
	Seq         int64           `gorm:"primaryKey;autoIncrement" json:"-"`
	PackageID   string          `gorm:"column:package_id;type:varchar(64);uniqueIndex;not null" json:"id"`
	Name        string          `gorm:"type:varchar(128);not null" json:"name"`
	Points      int64           `gorm:"not null" json:"points"`
	Bonus       int64           `gorm:"not null;default:0" json:"bonus"`
	Price       decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"price"`
	Currency    string          `gorm:"type:varchar(8);not null;default:'CNY'" json:"currency"`
	Description string          `gorm:"type:varchar(255);default:''" json:"description"`
	Enabled     bool            `gorm:"not null" json:"enabled"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt   gorm.DeletedAt  `gorm:"index" json:"-"`
}

func (Package) TableName() string {
	return "point_packages"
}

// TotalPoints 套餐点数 + 赠送点数
func (p *Package) TotalPoints() int64 {
	return p.Points + p.Bonus
}
