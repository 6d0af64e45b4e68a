package repository

import (
	"context"
	"errors"
	"time"

	"points-ledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BalanceRepository 用户点数余额存储
type BalanceRepository struct {
	db *gorm.DB
}

func NewBalanceRepository(db *gorm.DB) *BalanceRepository {
	return &BalanceRepository{db: db}
}

// Credit 按幂等键为用户增加点数
// 入账流水与余额累加在同一事务内完成，幂等键冲突时不做任何修改
func (r *BalanceRepository) Credit(ctx context.Context, username string, amount int64, idempotencyKey string) (model.CreditResult, error) {
	result := model.CreditResultCredited

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		credit := &model.PointCredit{
			IdempotencyKey: idempotencyKey,
			Username:       username,
			Amount:         amount,
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).Create(credit)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			result = model.CreditResultAlreadyCredited
			return nil
		}

		now := time.Now()
		balance := &model.UserPoints{
			Username:    username,
			Balance:     amount,
			TotalEarned: amount,
			UpdatedAt:   now,
		}
		// 原子累加，不做先读后写
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "username"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"balance":      gorm.Expr("user_points.balance + ?", amount),
				"total_earned": gorm.Expr("user_points.total_earned + ?", amount),
				"updated_at":   now,
			}),
		}).Create(balance).Error
	})
	if err != nil {
		return 0, err
	}
	return result, nil
}

// Balance 查询用户余额，不存在时为 0
func (r *BalanceRepository) Balance(ctx context.Context, username string) (int64, error) {
	var up model.UserPoints
	err := r.db.WithContext(ctx).Where("username = ?", username).First(&up).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return up.Balance, nil
}

// FindCredit 查询某个幂等键的入账记录
func (r *BalanceRepository) FindCredit(ctx context.Context, idempotencyKey string) (*model.PointCredit, error) {
	var c model.PointCredit
	if err := r.db.WithContext(ctx).Where("idempotency_key = ?", idempotencyKey).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}
