package model

import "github.com/shopspring/decimal"

// ScrapedListing 是来源抓取出的单条商品，仅存在于内存中。
// Price 为空表示降级抽取路径未能解析价格。
type ScrapedListing struct {
	ShopCode  string
	Title     string
	URL       string
	Price     *decimal.Decimal
	OldPrice  *decimal.Decimal
	Currency  string
	Condition string
	Color     string
	ImageURL  string
	InStock   bool
}

// NormalizedListing 在抓取字段之外附带归一化名称、品牌、型号与品类。
type NormalizedListing struct {
	ScrapedListing
	NormalizedName string
	Brand          string
	Model          string
	Category       string
}
