package repository

import (
	"context"

	"points-ledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type NotificationRepository struct {
	db *gorm.DB
}

func NewNotificationRepository(db *gorm.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Record 保存回调记录，返回是否为重复投递。
// 同一网关交易号再次投递时累加投递次数并更新处理结果。
func (r *NotificationRepository) Record(ctx context.Context, n *model.PaymentNotification) (bool, error) {
	n.Deliveries = 1
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "gateway"}, {Name: "trade_no"}},
		DoNothing: true,
	}).Create(n)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return false, nil
	}
	err := r.db.WithContext(ctx).Model(&model.PaymentNotification{}).
		Where("gateway = ? AND trade_no = ?", n.Gateway, n.TradeNo).
		Updates(map[string]interface{}{
			"result":     n.Result,
			"deliveries": gorm.Expr("deliveries + 1"),
		}).Error
	return true, err
}

// ListByOrderNo 查询订单相关的全部回调
func (r *NotificationRepository) ListByOrderNo(ctx context.Context, orderNo string) ([]model.PaymentNotification, error) {
	var list []model.PaymentNotification
	err := r.db.WithContext(ctx).Where("order_no = ?", orderNo).Order("id ASC").Find(&list).Error
	return list, err
}
