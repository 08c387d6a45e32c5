package catalog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"price-radar/internal/matcher"
	"price-radar/internal/model"
	"price-radar/internal/storage"

	"github.com/shopspring/decimal"
)

var errNoPrice = errors.New("listing has no price")

// Store 是写入引擎依赖的持久化能力。
type Store interface {
	matcher.ProductSource
	CreateProduct(ctx context.Context, p *model.Product) error
	SaveProduct(ctx context.Context, p *model.Product) error
	FindOffer(ctx context.Context, productID, shopID uint) (*model.Offer, error)
	CreateOffer(ctx context.Context, o *model.Offer) error
	SaveOffer(ctx context.Context, o *model.Offer) error
}

// Stats 是一批 listing 的写入统计。
type Stats struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
}

type outcome int

const (
	outcomeUnchanged outcome = iota
	outcomeCreated
	outcomeUpdated
)

// Engine 把归一化 listing 合并进商品目录：匹配或新建商品，再新建或更新该商店的报价。
type Engine struct {
	store   Store
	matcher *matcher.Matcher
	now     func() time.Time
	logger  *log.Logger
}

// NewEngine 创建写入引擎。
func NewEngine(store Store) *Engine {
	return &Engine{
		store:   store,
		matcher: matcher.New(store),
		now:     time.Now,
		logger:  log.New(os.Stdout, "[catalog] ", log.LstdFlags),
	}
}

// Persist 逐条写入 listing，单条失败只计数不中断整批。
func (e *Engine) Persist(ctx context.Context, shop model.Shop, listings []model.NormalizedListing) Stats {
	stats := Stats{}
	for _, l := range listings {
		res, err := e.upsert(ctx, shop.ID, l)
		if err != nil {
			stats.Failed++
			e.logf("shop=%s persist failed title=%q: %v", shop.Code, l.Title, err)
			continue
		}
		switch res {
		case outcomeCreated:
			stats.Created++
		case outcomeUpdated:
			stats.Updated++
		default:
			stats.Unchanged++
		}
	}
	e.logf("shop=%s persisted created=%d updated=%d unchanged=%d failed=%d",
		shop.Code, stats.Created, stats.Updated, stats.Unchanged, stats.Failed)
	return stats
}

func (e *Engine) upsert(ctx context.Context, shopID uint, l model.NormalizedListing) (outcome, error) {
	product, err := e.resolveProduct(ctx, l)
	if err != nil {
		return outcomeUnchanged, err
	}

	now := e.now()
	offer, err := e.store.FindOffer(ctx, product.ID, shopID)
	if errors.Is(err, storage.ErrNotFound) {
		if l.Price == nil {
			return outcomeUnchanged, errNoPrice
		}
		offer = &model.Offer{
			ProductID:    product.ID,
			ShopID:       shopID,
			Title:        l.Title,
			URL:          l.URL,
			Price:        *l.Price,
			OldPrice:     nullable(l.OldPrice),
			Currency:     l.Currency,
			Condition:    l.Condition,
			Color:        l.Color,
			Availability: model.AvailabilityFor(l.InStock),
			ImageURL:     l.ImageURL,
			InStock:      l.InStock,
			FirstSeenAt:  now,
			LastSeenAt:   now,
			Active:       true,
		}
		if err := e.store.CreateOffer(ctx, offer); err != nil {
			return outcomeUnchanged, err
		}
		return outcomeCreated, nil
	}
	if err != nil {
		return outcomeUnchanged, err
	}

	changed := applyListing(offer, l, now)
	if err := e.store.SaveOffer(ctx, offer); err != nil {
		return outcomeUnchanged, err
	}
	if changed {
		return outcomeUpdated, nil
	}
	return outcomeUnchanged, nil
}

// resolveProduct 匹配已有商品，必要时补全品牌/型号；没有匹配时新建。
func (e *Engine) resolveProduct(ctx context.Context, l model.NormalizedListing) (*model.Product, error) {
	product, err := e.matcher.Match(ctx, l)
	if err != nil {
		return nil, fmt.Errorf("match product: %w", err)
	}
	if product == nil {
		product = &model.Product{
			NormalizedName: l.NormalizedName,
			Brand:          l.Brand,
			Model:          l.Model,
			Category:       l.Category,
			MainImageURL:   l.ImageURL,
		}
		if product.Category == "" {
			product.Category = model.CategorySmartphone
		}
		if err := e.store.CreateProduct(ctx, product); err != nil {
			return nil, err
		}
		return product, nil
	}

	changed := false
	if product.Brand == "" && l.Brand != "" {
		product.Brand = l.Brand
		changed = true
	}
	if product.Model == "" && l.Model != "" {
		product.Model = l.Model
		changed = true
	}
	if product.MainImageURL == "" && l.ImageURL != "" {
		product.MainImageURL = l.ImageURL
		changed = true
	}
	if changed {
		if err := e.store.SaveProduct(ctx, product); err != nil {
			return nil, err
		}
	}
	return product, nil
}

// applyListing 合并字段：价格变化时当前价转入原价，只保留一步历史；
// 每次出现都会刷新 LastSeenAt。返回值表示 LastSeenAt 以外是否有字段变化。
func applyListing(o *model.Offer, l model.NormalizedListing, now time.Time) bool {
	changed := false
	if l.Price != nil && !o.Price.Equal(*l.Price) {
		o.OldPrice = decimal.NewNullDecimal(o.Price)
		o.Price = *l.Price
		changed = true
	}
	setString := func(dst *string, v string) {
		if v != "" && *dst != v {
			*dst = v
			changed = true
		}
	}
	setString(&o.Title, l.Title)
	setString(&o.URL, l.URL)
	setString(&o.Currency, l.Currency)
	setString(&o.Condition, l.Condition)
	setString(&o.Color, l.Color)
	setString(&o.ImageURL, l.ImageURL)

	availability := model.AvailabilityFor(l.InStock)
	if o.InStock != l.InStock || o.Availability != availability || !o.Active {
		changed = true
	}
	o.InStock = l.InStock
	o.Availability = availability
	o.Active = true
	if now.Before(o.FirstSeenAt) {
		now = o.FirstSeenAt
	}
	o.LastSeenAt = now
	return changed
}

func nullable(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(*d)
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger == nil {
		e.logger = log.New(os.Stdout, "[catalog] ", log.LstdFlags)
	}
	e.logger.Printf(format, args...)
}
