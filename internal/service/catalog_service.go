package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"points-ledger/internal/model"
	"points-ledger/internal/repository"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

// CatalogService 套餐目录，写操作串行执行
type CatalogService struct {
	repo   *repository.PackageRepository
	logger *zap.Logger
	mu     sync.Mutex
}

func NewCatalogService(repo *repository.PackageRepository, logger *zap.Logger) *CatalogService {
	return &CatalogService{repo: repo, logger: logger}
}

// DefaultPackages 内置的四档套餐
func DefaultPackages() []model.Package {
	return []model.Package{
		{PackageID: "basic", Name: "基础套餐", Points: 100, Bonus: 0, Price: decimal.RequireFromString("10.00"), Currency: "CNY", Description: "100 点数", Enabled: true},
		{PackageID: "standard", Name: "标准套餐", Points: 500, Bonus: 50, Price: decimal.RequireFromString("45.00"), Currency: "CNY", Description: "500 点数，赠送 50 点", Enabled: true},
		{PackageID: "premium", Name: "高级套餐", Points: 1000, Bonus: 150, Price: decimal.RequireFromString("80.00"), Currency: "CNY", Description: "1000 点数，赠送 150 点", Enabled: true},
		{PackageID: "vip", Name: "VIP 套餐", Points: 3000, Bonus: 500, Price: decimal.RequireFromString("200.00"), Currency: "CNY", Description: "3000 点数，赠送 500 点", Enabled: true},
	}
}

func (s *CatalogService) List(ctx context.Context, enabledOnly bool) ([]model.Package, error) {
	return s.repo.List(ctx, enabledOnly)
}

func (s *CatalogService) Get(ctx context.Context, id string) (*model.Package, error) {
	pkg, err := s.repo.FindByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPackageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询套餐失败: %w", err)
	}
	return pkg, nil
}

// Add 新增套餐，同 ID 的已删除套餐会被恢复并覆盖
func (s *CatalogService) Add(ctx context.Context, pkg *model.Package) error {
	if err := validatePackage(pkg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.repo.FindByID(ctx, pkg.PackageID); err == nil {
		return ErrPackageExists
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("查询套餐失败: %w", err)
	}
	return s.insertOrRestore(ctx, pkg)
}

func (s *CatalogService) Update(ctx context.Context, pkg *model.Package) error {
	if err := validatePackage(pkg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.repo.Update(ctx, pkg, false)
	if err != nil {
		return fmt.Errorf("更新套餐失败: %w", err)
	}
	if !ok {
		return ErrPackageNotFound
	}
	s.logger.Info("套餐已更新", zap.String("package_id", pkg.PackageID))
	return nil
}

// Upsert 存在则更新，否则新增
func (s *CatalogService) Upsert(ctx context.Context, pkg *model.Package) error {
	if err := validatePackage(pkg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.repo.Update(ctx, pkg, false)
	if err != nil {
		return fmt.Errorf("更新套餐失败: %w", err)
	}
	if ok {
		return nil
	}
	return s.insertOrRestore(ctx, pkg)
}

func (s *CatalogService) insertOrRestore(ctx context.Context, pkg *model.Package) error {
	if _, err := s.repo.FindDeleted(ctx, pkg.PackageID); err == nil {
		if _, err := s.repo.Update(ctx, pkg, true); err != nil {
			return fmt.Errorf("恢复套餐失败: %w", err)
		}
		s.logger.Info("套餐已恢复", zap.String("package_id", pkg.PackageID))
		return nil
	}
	// 主键由数据库分配，调用方可能传入从库里读出的结构体
	pkg.Seq = 0
	if err := s.repo.Create(ctx, pkg); err != nil {
		return fmt.Errorf("创建套餐失败: %w", err)
	}
	s.logger.Info("套餐已创建", zap.String("package_id", pkg.PackageID))
	return nil
}

// Delete 软删除，已创建订单保存的是快照，不受影响
func (s *CatalogService) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.repo.Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("删除套餐失败: %w", err)
	}
	if !ok {
		return ErrPackageNotFound
	}
	s.logger.Info("套餐已删除", zap.String("package_id", id))
	return nil
}

// ResetToDefault 恢复为内置套餐
func (s *CatalogService) ResetToDefault(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repo.ReplaceAll(ctx, DefaultPackages())
}

// SeedIfEmpty 套餐表为空时写入种子数据，seedFile 为空则使用内置套餐
func (s *CatalogService) SeedIfEmpty(ctx context.Context, seedFile string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.repo.Count(ctx)
	if err != nil {
		return fmt.Errorf("统计套餐失败: %w", err)
	}
	if n > 0 {
		return nil
	}

	pkgs := DefaultPackages()
	if seedFile != "" {
		if pkgs, err = LoadSeedFile(seedFile); err != nil {
			return err
		}
	}
	if err := s.repo.ReplaceAll(ctx, pkgs); err != nil {
		return fmt.Errorf("写入种子套餐失败: %w", err)
	}
	s.logger.Info("已初始化套餐目录", zap.Int("count", len(pkgs)), zap.String("seed_file", seedFile))
	return nil
}

type seedFile struct {
	Packages []struct {
		ID          string `yaml:"id"`
		Name        string `yaml:"name"`
		Points      int64  `yaml:"points"`
		Bonus       int64  `yaml:"bonus"`
		Price       string `yaml:"price"`
		Currency    string `yaml:"currency"`
		Description string `yaml:"description"`
		Enabled     *bool  `yaml:"enabled"`
	} `yaml:"packages"`
}

// LoadSeedFile 读取 YAML 套餐文件，enabled 缺省为 true
func LoadSeedFile(path string) ([]model.Package, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取套餐文件失败: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("解析套餐文件失败: %w", err)
	}

	pkgs := make([]model.Package, 0, len(f.Packages))
	for _, p := range f.Packages {
		price, err := decimal.NewFromString(p.Price)
		if err != nil {
			return nil, fmt.Errorf("%w: 套餐 %s 价格格式错误", ErrInvalidPackage, p.ID)
		}
		currency := p.Currency
		if currency == "" {
			currency = "CNY"
		}
		pkg := model.Package{
			PackageID:   p.ID,
			Name:        p.Name,
			Points:      p.Points,
			Bonus:       p.Bonus,
			Price:       price,
			Currency:    currency,
			Description: p.Description,
			Enabled:     p.Enabled == nil || *p.Enabled,
		}
		if err := validatePackage(&pkg); err != nil {
			return nil, err
		}
		pkgs = append(pkgs, pkg)
	}
	return pkgs, nil
}

func validatePackage(pkg *model.Package) error {
	switch {
	case strings.TrimSpace(pkg.PackageID) == "" || strings.TrimSpace(pkg.Name) == "":
		return fmt.Errorf("%w: id 和名称不能为空", ErrInvalidPackage)
	case pkg.Points < 1:
		return fmt.Errorf("%w: 点数必须大于 0", ErrInvalidPackage)
	case pkg.Bonus < 0:
		return fmt.Errorf("%w: 赠送点数不能为负", ErrInvalidPackage)
	case pkg.Price.IsNegative():
		return fmt.Errorf("%w: 价格不能为负", ErrInvalidPackage)
	case !model.Currencies[pkg.Currency]:
		return fmt.Errorf("%w: 不支持的币种 %s", ErrInvalidPackage, pkg.Currency)
	}
	return nil
}
