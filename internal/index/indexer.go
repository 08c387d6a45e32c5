package index

import (
	"context"
	"fmt"
	"time"

	"price-radar/internal/model"

	"github.com/shopspring/decimal"
)

// OfferSource 提供可索引的报价。
type OfferSource interface {
	ListIndexableOffers(ctx context.Context) ([]model.Offer, error)
}

// Indexer 从关系库全量重建主索引。
type Indexer struct {
	index  *Index
	offers OfferSource
	now    func() time.Time
}

// NewIndexer 创建 Indexer。
func NewIndexer(ix *Index, offers OfferSource) *Indexer {
	return &Indexer{index: ix, offers: offers, now: time.Now}
}

// Enabled 判断主索引是否可用。
func (i *Indexer) Enabled() bool {
	return i != nil && i.index.Enabled()
}

// Rebuild 读取有效且有货的报价，投影为文档后全量写入。
func (i *Indexer) Rebuild(ctx context.Context) (RebuildResult, error) {
	if !i.Enabled() {
		return RebuildResult{}, ErrDisabled
	}
	offers, err := i.offers.ListIndexableOffers(ctx)
	if err != nil {
		return RebuildResult{}, fmt.Errorf("load offers: %w", err)
	}
	now := i.now()
	docs := make([]model.SearchDocument, 0, len(offers))
	for _, o := range offers {
		docs = append(docs, Document(o, now))
	}
	return i.index.Rebuild(ctx, docs)
}

// Document 把带关联的 Offer 投影为 SearchDocument。
func Document(o model.Offer, indexedAt time.Time) model.SearchDocument {
	d := model.SearchDocument{
		ID:          o.ID,
		ProductID:   o.ProductID,
		ShopID:      o.ShopID,
		ProductName: o.Title,
		Condition:   o.Condition,
		Color:       o.Color,
		Price:       decimal.NewNullDecimal(o.Price),
		OldPrice:    o.OldPrice,
		Currency:    o.Currency,
		URL:         o.URL,
		ImageURL:    o.ImageURL,
		InStock:     o.InStock,
		Active:      o.Active,
		FirstSeenAt: o.FirstSeenAt,
		LastSeenAt:  o.LastSeenAt,
		IndexedAt:   indexedAt,
	}
	if o.Shop != nil {
		d.ShopCode = o.Shop.Code
		d.ShopName = o.Shop.Name
	}
	if o.Product != nil {
		d.NormalizedName = o.Product.NormalizedName
		d.Brand = o.Product.Brand
		d.Model = o.Product.Model
		d.Category = o.Product.Category
	}
	return d
}
