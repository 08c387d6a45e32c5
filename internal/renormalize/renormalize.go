package renormalize

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"price-radar/internal/model"
	"price-radar/internal/normalizer"
	"price-radar/internal/storage"
)

// Store 是重新归一化所需的商品存储。
type Store interface {
	ListProducts(ctx context.Context, filter storage.ProductFilter) ([]model.Product, error)
	FirstOfferForProduct(ctx context.Context, productID uint) (*model.Offer, error)
	SaveProduct(ctx context.Context, p *model.Product) error
}

// Result 汇总一次重新归一化。
type Result struct {
	Total     int `json:"total"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Errors    int `json:"errors"`
}

// Service 用当前规则重新解析已入库商品的品牌与型号。
// 解析依据是商品最早一条报价的原始标题；解析不出的字段保持原值。
type Service struct {
	store  Store
	logger *log.Logger
}

func New(store Store) *Service {
	return &Service{store: store, logger: log.New(os.Stdout, "[renormalize] ", log.LstdFlags)}
}

// All 处理全部商品。
func (s *Service) All(ctx context.Context) (Result, error) {
	return s.run(ctx, "all", storage.ProductFilter{})
}

// Missing 只处理缺少品牌或型号的商品。
func (s *Service) Missing(ctx context.Context) (Result, error) {
	return s.run(ctx, "missing", storage.ProductFilter{MissingBrandOrModel: true})
}

func (s *Service) run(ctx context.Context, mode string, filter storage.ProductFilter) (Result, error) {
	products, err := s.store.ListProducts(ctx, filter)
	if err != nil {
		return Result{}, fmt.Errorf("list products: %w", err)
	}
	res := Result{Total: len(products)}
	s.logf("start mode=%s products=%d", mode, len(products))

	for i := range products {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		p := &products[i]
		changed, err := s.apply(ctx, p)
		switch {
		case err != nil:
			res.Errors++
			s.logf("product=%d failed: %v", p.ID, err)
		case changed:
			res.Updated++
		default:
			res.Unchanged++
		}
	}
	s.logf("done mode=%s total=%d updated=%d unchanged=%d errors=%d", mode, res.Total, res.Updated, res.Unchanged, res.Errors)
	return res, nil
}

func (s *Service) apply(ctx context.Context, p *model.Product) (bool, error) {
	offer, err := s.store.FirstOfferForProduct(ctx, p.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	parsed := normalizer.NormalizeTitle(offer.Title, "")
	changed := false
	if parsed.Brand != "" && parsed.Brand != p.Brand {
		s.logf("product=%d brand %q -> %q", p.ID, p.Brand, parsed.Brand)
		p.Brand = parsed.Brand
		changed = true
	}
	if parsed.Model != "" && parsed.Model != p.Model {
		s.logf("product=%d model %q -> %q", p.ID, p.Model, parsed.Model)
		p.Model = parsed.Model
		changed = true
	}
	if !changed {
		return false, nil
	}
	if err := s.store.SaveProduct(ctx, p); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) logf(format string, args ...any) {
	if s.logger == nil {
		s.logger = log.New(os.Stdout, "[renormalize] ", log.LstdFlags)
	}
	s.logger.Printf(format, args...)
}
