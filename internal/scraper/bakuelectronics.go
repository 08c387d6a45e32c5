package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"price-radar/internal/fetcher"
	"price-radar/internal/model"
	"price-radar/internal/normalizer"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
)

const (
	BakuElectronicsCode     = "BAKU_ELECTRONICS"
	bakuElectronicsCategory = "/catalog/telefonlar-qadcetler/smartfonlar-mobil-telefonlar"
	bakuElectronicsMaxPages = 30
	bakuElectronicsLinkSel  = "a[href^='/mehsul/']"
)

// BakuElectronics 抓取 bakuelectronics.az。优先读取 __NEXT_DATA__ 中的商品数组，
// 读不到时退回到商品链接的 HTML 解析。
type BakuElectronics struct {
	baseURL string
}

// NewBakuElectronics 创建 BakuElectronics 来源。
func NewBakuElectronics(baseURL string) *BakuElectronics {
	if baseURL == "" {
		baseURL = "https://www.bakuelectronics.az"
	}
	return &BakuElectronics{baseURL: strings.TrimSuffix(baseURL, "/")}
}

func (b *BakuElectronics) ShopCode() string { return BakuElectronicsCode }

func (b *BakuElectronics) pageURL(page int) string {
	u := b.baseURL + bakuElectronicsCategory
	if page > 1 {
		u += fmt.Sprintf("?page=%d", page)
	}
	return u
}

type nextData struct {
	Props struct {
		PageProps struct {
			Products struct {
				Products struct {
					Items []json.RawMessage `json:"items"`
				} `json:"products"`
			} `json:"products"`
		} `json:"pageProps"`
	} `json:"props"`
}

type bakuProduct struct {
	Name            string          `json:"name"`
	Slug            string          `json:"slug"`
	DiscountedPrice decimal.Decimal `json:"discounted_price"`
	Price           decimal.Decimal `json:"price"`
	Discount        decimal.Decimal `json:"discount"`
	Quantity        decimal.Decimal `json:"quantity"`
	Image           string          `json:"image"`
}

func (b *BakuElectronics) Locate(ctx context.Context, f fetcher.Fetcher, page int) ([]Item, bool, error) {
	body, err := f.Rendered(ctx, b.pageURL(page), fetcher.RenderOptions{})
	if err != nil {
		return nil, false, err
	}
	doc, err := parseDocument(body)
	if err != nil {
		return nil, false, err
	}
	more := page < bakuElectronicsMaxPages

	if raw, err := extractNextData(doc); err == nil {
		var data nextData
		if err := json.Unmarshal([]byte(raw), &data); err == nil {
			if entries := data.Props.PageProps.Products.Products.Items; len(entries) > 0 {
				items := make([]Item, 0, len(entries))
				for _, e := range entries {
					items = append(items, Item{Data: e})
				}
				return items, more, nil
			}
		}
	}

	var items []Item
	doc.Find(bakuElectronicsLinkSel).Each(func(_ int, s *goquery.Selection) {
		items = append(items, Item{Node: s})
	})
	return items, more, nil
}

func (b *BakuElectronics) Extract(item Item) (model.ScrapedListing, error) {
	if len(item.Data) > 0 {
		return b.extractJSON(item.Data)
	}
	if item.Node != nil {
		return b.extractHTML(item.Node)
	}
	return model.ScrapedListing{}, fmt.Errorf("baku electronics: empty item")
}

func (b *BakuElectronics) extractJSON(raw json.RawMessage) (model.ScrapedListing, error) {
	var p bakuProduct
	if err := json.Unmarshal(raw, &p); err != nil {
		return model.ScrapedListing{}, fmt.Errorf("decode product: %w", err)
	}
	title := strings.TrimSpace(p.Name)
	if title == "" {
		return model.ScrapedListing{}, errNoTitle
	}
	if !p.DiscountedPrice.IsPositive() {
		return model.ScrapedListing{}, fmt.Errorf("%w: %s", errNoPrice, title)
	}
	if p.Slug == "" {
		return model.ScrapedListing{}, fmt.Errorf("%w: %s", errNoURL, title)
	}
	price := p.DiscountedPrice
	var oldPrice *decimal.Decimal
	if p.Discount.IsPositive() && p.Price.IsPositive() {
		old := p.Price
		oldPrice = &old
	}
	return model.ScrapedListing{
		ShopCode:  BakuElectronicsCode,
		Title:     title,
		URL:       b.baseURL + "/mehsul/" + strings.TrimPrefix(p.Slug, "/"),
		Price:     &price,
		OldPrice:  oldPrice,
		Currency:  "AZN",
		Condition: "NEW",
		Color:     normalizer.ExtractColor(title),
		ImageURL:  ResolveURL(b.baseURL, p.Image),
		InStock:   p.Quantity.IsPositive(),
	}, nil
}

// HTML 降级路径：价格取 "₼" 前的第一个数字，缺失时保留空价格。
func (b *BakuElectronics) extractHTML(node *goquery.Selection) (model.ScrapedListing, error) {
	href := node.AttrOr("href", "")
	title := firstText(node, "h4", "h3", ".product-title")
	if title == "" {
		title = strings.TrimSpace(node.AttrOr("title", ""))
	}
	if title == "" {
		return model.ScrapedListing{}, errNoTitle
	}
	return model.ScrapedListing{
		ShopCode:  BakuElectronicsCode,
		Title:     title,
		URL:       ResolveURL(b.baseURL, href),
		Price:     priceBefore(node.Text(), "₼"),
		Currency:  "AZN",
		Condition: "NEW",
		Color:     normalizer.ExtractColor(title),
		ImageURL:  imageFrom(node, b.baseURL, "img[src]", "img[data-src]"),
		InStock:   InferStock(node.Text()),
	}, nil
}
