package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	DefaultSearchLimit = 3
	MaxSearchLimit     = 100
)

// SearchDocument 是主索引中 Offer+Product+Shop 的反范式投影，ID 与 Offer ID 相同。
type SearchDocument struct {
	ID             uint                `gorm:"primaryKey;autoIncrement:false" json:"id"`
	ProductID      uint                `json:"product_id"`
	ShopID         uint                `json:"shop_id"`
	ShopCode       string              `gorm:"size:50;index" json:"shop_code"`
	ShopName       string              `json:"shop_name"`
	ProductName    string              `json:"product_name"`
	NormalizedName string              `json:"normalized_name"`
	Brand          string              `gorm:"size:100" json:"brand"`
	Model          string              `gorm:"size:100" json:"model"`
	Category       string              `gorm:"size:100" json:"category"`
	Condition      string              `gorm:"size:20" json:"condition"`
	Color          string              `gorm:"size:50" json:"color"`
	Price          decimal.NullDecimal `gorm:"type:numeric(12,2)" json:"price"`
	OldPrice       decimal.NullDecimal `gorm:"type:numeric(12,2)" json:"old_price"`
	Currency       string              `json:"currency"`
	URL            string              `json:"url"`
	ImageURL       string              `json:"image_url"`
	InStock        bool                `json:"in_stock"`
	Active         bool                `gorm:"index" json:"active"`
	FirstSeenAt    time.Time           `json:"first_seen_at"`
	LastSeenAt     time.Time           `json:"last_seen_at"`
	IndexedAt      time.Time           `json:"indexed_at"`
}

// SearchRequest 描述一次报价搜索。
type SearchRequest struct {
	Query     string           `json:"query"`
	Condition string           `json:"condition,omitempty"`
	Color     string           `json:"color,omitempty"`
	ShopCodes []string         `json:"shop_codes,omitempty"`
	MinPrice  *decimal.Decimal `json:"min_price,omitempty"`
	MaxPrice  *decimal.Decimal `json:"max_price,omitempty"`
	Limit     int              `json:"limit"`
}

// EffectiveLimit 返回默认值与上限处理后的条数。
func (r SearchRequest) EffectiveLimit() int {
	if r.Limit <= 0 {
		return DefaultSearchLimit
	}
	if r.Limit > MaxSearchLimit {
		return MaxSearchLimit
	}
	return r.Limit
}

// OfferView 是对外返回的报价。
type OfferView struct {
	OfferID        uint                `json:"offer_id"`
	ShopCode       string              `json:"shop_code"`
	ShopName       string              `json:"shop_name"`
	Title          string              `json:"title"`
	NormalizedName string              `json:"normalized_name"`
	Brand          string              `json:"brand,omitempty"`
	Model          string              `json:"model,omitempty"`
	Category       string              `json:"category,omitempty"`
	Color          string              `json:"color,omitempty"`
	Condition      string              `json:"condition,omitempty"`
	Price          decimal.Decimal     `json:"price"`
	OldPrice       decimal.NullDecimal `json:"old_price"`
	Currency       string              `json:"currency"`
	URL            string              `json:"url"`
	ImageURL       string              `json:"image_url,omitempty"`
	InStock        bool                `json:"in_stock"`
}

// SearchResponse 是搜索结果。
type SearchResponse struct {
	Query        string      `json:"query"`
	TotalMatches int64       `json:"total_matches"`
	Offers       []OfferView `json:"offers"`
}

// ViewFromOffer 将带有 Product 与 Shop 关联的 Offer 转为 OfferView。
func ViewFromOffer(o Offer) OfferView {
	v := OfferView{
		OfferID:   o.ID,
		Title:     o.Title,
		Color:     o.Color,
		Condition: o.Condition,
		Price:     o.Price,
		OldPrice:  o.OldPrice,
		Currency:  o.Currency,
		URL:       o.URL,
		ImageURL:  o.ImageURL,
		InStock:   o.InStock,
	}
	if o.Shop != nil {
		v.ShopCode = o.Shop.Code
		v.ShopName = o.Shop.Name
	}
	if o.Product != nil {
		v.NormalizedName = o.Product.NormalizedName
		v.Brand = o.Product.Brand
		v.Model = o.Product.Model
		v.Category = o.Product.Category
	}
	return v
}

// ViewFromDocument 将索引文档转为 OfferView。
func ViewFromDocument(d SearchDocument) OfferView {
	return OfferView{
		OfferID:        d.ID,
		ShopCode:       d.ShopCode,
		ShopName:       d.ShopName,
		Title:          d.ProductName,
		NormalizedName: d.NormalizedName,
		Brand:          d.Brand,
		Model:          d.Model,
		Category:       d.Category,
		Color:          d.Color,
		Condition:      d.Condition,
		Price:          d.Price.Decimal,
		OldPrice:       d.OldPrice,
		Currency:       d.Currency,
		URL:            d.URL,
		ImageURL:       d.ImageURL,
		InStock:        d.InStock,
	}
}
