package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"price-radar/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound 表示记录不存在。
var ErrNotFound = errors.New("record not found")

// Config 定义关系库配置。
type Config struct {
	Driver string `yaml:"driver" json:"driver"`
	Path   string `yaml:"path" json:"path"`
	DSN    string `yaml:"dsn" json:"dsn"`
}

// Store 封装关系库访问，负责商店、商品、报价与抓取任务的增删查。
type Store struct {
	db *gorm.DB
}

// OfferQuery 描述降级搜索与最低价查询的过滤条件，所有条件都可选。
type OfferQuery struct {
	Query     string
	Condition string
	Color     string
	ShopCodes []string
	Category  string
	MinPrice  *decimal.Decimal
	MaxPrice  *decimal.Decimal
	Limit     int
}

// ProductFilter 描述商品筛选条件。
type ProductFilter struct {
	MissingBrandOrModel bool
}

// NewStore 创建基于 SQLite 的 Store 并自动迁移数据表。
func NewStore(dbPath string) (*Store, error) {
	return Open(Config{Driver: "sqlite", Path: dbPath})
}

// Open 按配置打开 sqlite 或 postgres 并自动迁移。
func Open(cfg Config) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		path := cfg.Path
		if path == "" {
			path = filepath.Join("data", "catalog.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		dialector = sqlite.Open(path)
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres driver requires database.dsn")
		}
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: GormLogger(nil)})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dialector.Name() == "sqlite" {
		// sqlite 只允许单写者，串行化连接避免并发抓取时出现 database is locked。
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&model.Shop{}, &model.Product{}, &model.Offer{}, &model.IngestionJob{}); err != nil {
		return nil, fmt.Errorf("auto migrate models: %w", err)
	}

	return &Store{db: db}, nil
}

// GormLogger 返回只输出告警与错误的 gorm 日志器。未找到记录属于正常分支，不记录。
func GormLogger(w logger.Writer) logger.Interface {
	if w == nil {
		w = log.New(os.Stdout, "\r\n", log.LstdFlags)
	}
	return logger.New(w, logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

// Close 关闭底层数据库连接。
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql DB: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("close db: %w", err)
	}
	return nil
}

// Ping 检查数据库连通性。
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// EnsureShops 仅在商店表为空时写入默认商店，返回新建数量。
func (s *Store) EnsureShops(ctx context.Context, shops []model.Shop) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&model.Shop{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count shops: %w", err)
	}
	if count > 0 {
		return 0, nil
	}
	for i := range shops {
		if err := s.db.WithContext(ctx).Create(&shops[i]).Error; err != nil {
			return i, fmt.Errorf("create shop %s: %w", shops[i].Code, err)
		}
	}
	return len(shops), nil
}

// ListActiveShops 返回启用的商店。
func (s *Store) ListActiveShops(ctx context.Context) ([]model.Shop, error) {
	var shops []model.Shop
	if err := s.db.WithContext(ctx).Where("active = ?", true).Order("id ASC").Find(&shops).Error; err != nil {
		return nil, fmt.Errorf("list active shops: %w", err)
	}
	return shops, nil
}

// GetShopByCode 按代码（不区分大小写）查询商店。
func (s *Store) GetShopByCode(ctx context.Context, code string) (*model.Shop, error) {
	var shop model.Shop
	err := s.db.WithContext(ctx).Where("UPPER(code) = ?", strings.ToUpper(strings.TrimSpace(code))).First(&shop).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get shop: %w", err)
	}
	return &shop, nil
}

// MarkShopScraped 更新商店的最近抓取时间。
func (s *Store) MarkShopScraped(ctx context.Context, shopID uint, at time.Time) error {
	tx := s.db.WithContext(ctx).Model(&model.Shop{}).Where("id = ?", shopID).Update("last_scraped_at", at)
	if tx.Error != nil {
		return fmt.Errorf("mark shop scraped: %w", tx.Error)
	}
	return nil
}

// ListProducts 按 ID 升序返回商品。
func (s *Store) ListProducts(ctx context.Context, filter ProductFilter) ([]model.Product, error) {
	var products []model.Product
	query := s.db.WithContext(ctx).Model(&model.Product{}).Order("id ASC")
	if filter.MissingBrandOrModel {
		query = query.Where("brand IS NULL OR brand = '' OR model IS NULL OR model = ''")
	}
	if err := query.Find(&products).Error; err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return products, nil
}

// ProductsByBrand 返回品牌相同（不区分大小写）的商品，按 ID 升序。
func (s *Store) ProductsByBrand(ctx context.Context, brand string) ([]model.Product, error) {
	var products []model.Product
	if err := s.db.WithContext(ctx).
		Where("LOWER(brand) = ?", strings.ToLower(strings.TrimSpace(brand))).
		Order("id ASC").
		Find(&products).Error; err != nil {
		return nil, fmt.Errorf("products by brand: %w", err)
	}
	return products, nil
}

// GetProduct 根据 ID 获取商品。
func (s *Store) GetProduct(ctx context.Context, id uint) (*model.Product, error) {
	var product model.Product
	if err := s.db.WithContext(ctx).First(&product, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	return &product, nil
}

// CreateProduct 新增商品。
func (s *Store) CreateProduct(ctx context.Context, p *model.Product) error {
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("create product: %w", err)
	}
	return nil
}

// SaveProduct 保存商品全部字段。
func (s *Store) SaveProduct(ctx context.Context, p *model.Product) error {
	if err := s.db.WithContext(ctx).Save(p).Error; err != nil {
		return fmt.Errorf("save product: %w", err)
	}
	return nil
}

// FindOffer 按 (商品, 商店) 查询报价，同一组合存在多条时取最早的一条。
func (s *Store) FindOffer(ctx context.Context, productID, shopID uint) (*model.Offer, error) {
	var offer model.Offer
	err := s.db.WithContext(ctx).
		Where("product_id = ? AND shop_id = ?", productID, shopID).
		Order("id ASC").
		First(&offer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find offer: %w", err)
	}
	return &offer, nil
}

// FirstOfferForProduct 返回商品最早的一条报价。
func (s *Store) FirstOfferForProduct(ctx context.Context, productID uint) (*model.Offer, error) {
	var offer model.Offer
	err := s.db.WithContext(ctx).Where("product_id = ?", productID).Order("id ASC").First(&offer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("first offer: %w", err)
	}
	return &offer, nil
}

// CreateOffer 新增报价。
func (s *Store) CreateOffer(ctx context.Context, o *model.Offer) error {
	if err := s.db.WithContext(ctx).Omit("Product", "Shop").Create(o).Error; err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	return nil
}

// SaveOffer 保存报价全部字段。
func (s *Store) SaveOffer(ctx context.Context, o *model.Offer) error {
	if err := s.db.WithContext(ctx).Omit("Product", "Shop").Save(o).Error; err != nil {
		return fmt.Errorf("save offer: %w", err)
	}
	return nil
}

// ListIndexableOffers 返回有效且有货的报价（含商品与商店），用于重建索引。
func (s *Store) ListIndexableOffers(ctx context.Context) ([]model.Offer, error) {
	var offers []model.Offer
	if err := s.db.WithContext(ctx).
		Preload("Product").
		Preload("Shop").
		Where("active = ? AND in_stock = ?", true, true).
		Order("id ASC").
		Find(&offers).Error; err != nil {
		return nil, fmt.Errorf("list indexable offers: %w", err)
	}
	return offers, nil
}

// SearchOffers 在关系库上执行可组合的过滤查询，按价格升序返回。
// 有效且有货两个条件始终生效。
func (s *Store) SearchOffers(ctx context.Context, q OfferQuery) ([]model.Offer, error) {
	var offers []model.Offer
	query := s.db.WithContext(ctx).Model(&model.Offer{}).
		Joins("JOIN shops ON shops.id = offers.shop_id").
		Joins("JOIN products ON products.id = offers.product_id").
		Preload("Product").
		Preload("Shop")
	query = applyOfferFilters(query, q).Order("offers.price ASC").Order("offers.id ASC")
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}
	if err := query.Find(&offers).Error; err != nil {
		return nil, fmt.Errorf("search offers: %w", err)
	}
	return offers, nil
}

// CreateJob 新增抓取任务。
func (s *Store) CreateJob(ctx context.Context, job *model.IngestionJob) error {
	if err := s.db.WithContext(ctx).Omit("Shop").Create(job).Error; err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// SaveJob 保存抓取任务全部字段。
func (s *Store) SaveJob(ctx context.Context, job *model.IngestionJob) error {
	if err := s.db.WithContext(ctx).Omit("Shop").Save(job).Error; err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

// RecentJobs 返回 since 之后开始的任务，按开始时间倒序。
func (s *Store) RecentJobs(ctx context.Context, since time.Time, limit int) ([]model.IngestionJob, error) {
	var jobs []model.IngestionJob
	query := s.db.WithContext(ctx).
		Preload("Shop").
		Where("started_at >= ?", since).
		Order("started_at DESC").
		Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("recent jobs: %w", err)
	}
	return jobs, nil
}

func applyOfferFilters(db *gorm.DB, q OfferQuery) *gorm.DB {
	db = db.Where("offers.active = ? AND offers.in_stock = ?", true, true)
	if text := strings.ToLower(strings.TrimSpace(q.Query)); text != "" {
		pattern := "%" + text + "%"
		db = db.Where("LOWER(offers.title) LIKE ? OR LOWER(products.normalized_name) LIKE ?", pattern, pattern)
	}
	if q.Condition != "" {
		db = db.Where("UPPER(offers.condition) = ?", strings.ToUpper(q.Condition))
	}
	if q.Color != "" {
		db = db.Where("LOWER(offers.color) = ?", strings.ToLower(q.Color))
	}
	if codes := upperCodes(q.ShopCodes); len(codes) > 0 {
		db = db.Where("UPPER(shops.code) IN ?", codes)
	}
	if q.Category != "" {
		db = db.Where("products.category = ?", q.Category)
	}
	if q.MinPrice != nil {
		db = db.Where("offers.price >= ?", *q.MinPrice)
	}
	if q.MaxPrice != nil {
		db = db.Where("offers.price <= ?", *q.MaxPrice)
	}
	return db
}

func upperCodes(codes []string) []string {
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		if c = strings.ToUpper(strings.TrimSpace(c)); c != "" {
			out = append(out, c)
		}
	}
	return out
}
