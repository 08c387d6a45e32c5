package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CategorySmartphone 是当前所有来源使用的固定品类。
const CategorySmartphone = "SMARTPHONE"

// Shop 表示一个数据来源商店。
type Shop struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	Code          string     `gorm:"size:50;uniqueIndex;not null" json:"code"`
	Name          string     `gorm:"size:255;not null" json:"name"`
	BaseURL       string     `gorm:"size:255" json:"base_url"`
	LogoURL       string     `gorm:"size:255" json:"logo_url,omitempty"`
	Active        bool       `gorm:"not null" json:"active"`
	LastScrapedAt *time.Time `json:"last_scraped_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Product 是去重后的商品目录实体，品牌与型号可为空。
type Product struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	NormalizedName string    `gorm:"size:255;not null;index" json:"normalized_name"`
	Brand          string    `gorm:"size:100;index" json:"brand,omitempty"`
	Model          string    `gorm:"size:100" json:"model,omitempty"`
	Category       string    `gorm:"size:100" json:"category"`
	MainImageURL   string    `gorm:"size:255" json:"main_image_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Offer 是商品在某个商店的报价，(ProductID, ShopID) 唯一由写入逻辑保证。
type Offer struct {
	ID           uint                `gorm:"primaryKey" json:"id"`
	ProductID    uint                `gorm:"not null;index:idx_offer_product_shop" json:"product_id"`
	Product      *Product            `json:"product,omitempty"`
	ShopID       uint                `gorm:"not null;index:idx_offer_product_shop" json:"shop_id"`
	Shop         *Shop               `json:"shop,omitempty"`
	Title        string              `gorm:"size:255;not null" json:"title"`
	URL          string              `gorm:"size:500;not null" json:"url"`
	Price        decimal.Decimal     `gorm:"type:numeric(12,2);not null" json:"price"`
	OldPrice     decimal.NullDecimal `gorm:"type:numeric(12,2)" json:"old_price"`
	Currency     string              `gorm:"size:10" json:"currency"`
	Condition    string              `gorm:"size:20" json:"condition"`
	Color        string              `gorm:"size:50" json:"color,omitempty"`
	Availability string              `gorm:"size:50" json:"availability"`
	ImageURL     string              `gorm:"size:500" json:"image_url,omitempty"`
	InStock      bool                `gorm:"not null" json:"in_stock"`
	FirstSeenAt  time.Time           `gorm:"not null" json:"first_seen_at"`
	LastSeenAt   time.Time           `gorm:"not null" json:"last_seen_at"`
	Active       bool                `gorm:"not null" json:"active"`
}

// AvailabilityFor 返回库存状态的文本表示。
func AvailabilityFor(inStock bool) string {
	if inStock {
		return "IN_STOCK"
	}
	return "OUT_OF_STOCK"
}
