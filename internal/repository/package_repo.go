package repository

import (
	"context"

	"points-ledger/internal/model"

	"gorm.io/gorm"
)

type PackageRepository struct {
	db *gorm.DB
}

func NewPackageRepository(db *gorm.DB) *PackageRepository {
	return &PackageRepository{db: db}
}

// List 按创建顺序返回套餐
func (r *PackageRepository) List(ctx context.Context, enabledOnly bool) ([]model.Package, error) {
	query := r.db.WithContext(ctx).Model(&model.Package{})
	if enabledOnly {
		query = query.Where("enabled = ?", true)
	}
	var pkgs []model.Package
	err := query.Order("seq ASC").Find(&pkgs).Error
	return pkgs, err
}

func (r *PackageRepository) FindByID(ctx context.Context, id string) (*model.Package, error) {
	var pkg model.Package
	if err := r.db.WithContext(ctx).Where("package_id = ?", id).First(&pkg).Error; err != nil {
		return nil, err
	}
	return &pkg, nil
}

// FindDeleted 查找已软删除的套餐
func (r *PackageRepository) FindDeleted(ctx context.Context, id string) (*model.Package, error) {
	var pkg model.Package
	err := r.db.WithContext(ctx).Unscoped().
		Where("package_id = ? AND deleted_at IS NOT NULL", id).
		First(&pkg).Error
	if err != nil {
		return nil, err
	}
	return &pkg, nil
}

func (r *PackageRepository) Create(ctx context.Context, pkg *model.Package) error {
	return r.db.WithContext(ctx).Create(pkg).Error
}

// Update 覆盖套餐的可编辑字段（含零值），可选地恢复已删除的套餐
func (r *PackageRepository) Update(ctx context.Context, pkg *model.Package, restore bool) (bool, error) {
	updates := map[string]interface{}{
		"name":        pkg.Name,
		"points":      pkg.Points,
		"bonus":       pkg.Bonus,
		"price":       pkg.Price,
		"currency":    pkg.Currency,
		"description": pkg.Description,
		"enabled":     pkg.Enabled,
	}
	query := r.db.WithContext(ctx).Model(&model.Package{})
	if restore {
		updates["deleted_at"] = nil
		query = query.Unscoped()
	}
	res := query.Where("package_id = ?", pkg.PackageID).Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Delete 软删除，历史订单保存的是快照，不受影响
func (r *PackageRepository) Delete(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Where("package_id = ?", id).Delete(&model.Package{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *PackageRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Package{}).Count(&n).Error
	return n, err
}

// ReplaceAll 事务内软删除全部套餐并写入新列表
func (r *PackageRepository) ReplaceAll(ctx context.Context, pkgs []model.Package) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&model.Package{}).Error; err != nil {
			return err
		}
		for i := range pkgs {
			pkg := pkgs[i]
			res := tx.Unscoped().Model(&model.Package{}).Where("package_id = ?", pkg.PackageID).
				Updates(map[string]interface{}{
					"name":        pkg.Name,
					"points":      pkg.Points,
					"bonus":       pkg.Bonus,
					"price":       pkg.Price,
					"currency":    pkg.Currency,
					"description": pkg.Description,
					"enabled":     pkg.Enabled,
					"deleted_at":  nil,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				if err := tx.Create(&pkg).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
}
