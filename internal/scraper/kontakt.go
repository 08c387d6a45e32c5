package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"price-radar/internal/fetcher"
	"price-radar/internal/model"
	"price-radar/internal/normalizer"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
)

const (
	KontaktCode        = "KONTAKT"
	kontaktCategory    = "/telefoniya/smartfonlar"
	kontaktMaxPages    = 15
	kontaktItemSel     = ".prodItem.product-item[data-gtm]"
	kontaktWaitTimeout = 15 * time.Second
)

var (
	errNoTitle = errors.New("no title")
	errNoPrice = errors.New("no usable price")
	errNoURL   = errors.New("no product url")
)

// Kontakt 抓取 kontakt.az，?p=N 翻页，每个商品卡片带 data-gtm JSON。
type Kontakt struct {
	baseURL string
}

// NewKontakt 创建 Kontakt 来源。
func NewKontakt(baseURL string) *Kontakt {
	if baseURL == "" {
		baseURL = "https://kontakt.az"
	}
	return &Kontakt{baseURL: strings.TrimSuffix(baseURL, "/")}
}

func (k *Kontakt) ShopCode() string { return KontaktCode }

func (k *Kontakt) pageURL(page int) string {
	u := k.baseURL + kontaktCategory
	if page > 1 {
		u += fmt.Sprintf("?p=%d", page)
	}
	return u
}

func (k *Kontakt) Locate(ctx context.Context, f fetcher.Fetcher, page int) ([]Item, bool, error) {
	body, err := f.Rendered(ctx, k.pageURL(page), fetcher.RenderOptions{
		WaitSelector: kontaktItemSel,
		WaitTimeout:  kontaktWaitTimeout,
	})
	if err != nil {
		return nil, false, err
	}
	doc, err := parseDocument(body)
	if err != nil {
		return nil, false, err
	}
	var items []Item
	doc.Find(kontaktItemSel).Each(func(_ int, s *goquery.Selection) {
		items = append(items, Item{Node: s})
	})
	return items, page < kontaktMaxPages, nil
}

type kontaktGTM struct {
	ItemName  string          `json:"item_name"`
	ItemBrand string          `json:"item_brand"`
	Price     decimal.Decimal `json:"price"`
	Discount  decimal.Decimal `json:"discount"`
}

var kontaktURLSelectors = []string{
	"a.prodTitle",
	"a.product-item-link",
	"a[href*='/']",
	".prodCartContent a[href]",
	"a[href]",
}

func (k *Kontakt) Extract(item Item) (model.ScrapedListing, error) {
	node := item.Node
	if node == nil {
		return model.ScrapedListing{}, fmt.Errorf("kontakt: empty item")
	}

	var title string
	var price, oldPrice *decimal.Decimal
	if raw := node.AttrOr("data-gtm", ""); raw != "" {
		var gtm kontaktGTM
		if err := json.Unmarshal([]byte(raw), &gtm); err == nil {
			title = strings.TrimSpace(gtm.ItemName)
			if gtm.Price.IsPositive() {
				p := gtm.Price
				price = &p
				if gtm.Discount.IsPositive() {
					old := p.Add(gtm.Discount)
					oldPrice = &old
				}
			}
		}
	}
	if title == "" {
		title = firstText(node, ".prodTitle", "a.prodTitle", ".prodCartContent .prodTitle")
	}
	if price == nil {
		price = ParsePrice(firstText(node, ".product-price-label strong span", ".price"))
	}
	if title == "" {
		return model.ScrapedListing{}, errNoTitle
	}
	if price == nil {
		return model.ScrapedListing{}, fmt.Errorf("%w: %s", errNoPrice, title)
	}

	var link string
	for _, sel := range kontaktURLSelectors {
		href := strings.TrimSpace(node.Find(sel).First().AttrOr("href", ""))
		if href == "" || href == "#" || strings.HasPrefix(href, "javascript:") {
			continue
		}
		link = ResolveURL(k.baseURL, href)
		break
	}
	if link == "" || strings.Contains(link, "#") {
		return model.ScrapedListing{}, fmt.Errorf("%w: %s", errNoURL, title)
	}

	return model.ScrapedListing{
		ShopCode:  KontaktCode,
		Title:     title,
		URL:       link,
		Price:     price,
		OldPrice:  oldPrice,
		Currency:  "AZN",
		Condition: "NEW",
		Color:     normalizer.ExtractColor(title),
		ImageURL:  imageFrom(node, k.baseURL, "img.product-image-photo", "img[data-src]", "img[src]"),
		InStock:   InferStock(firstText(node, ".stock", ".availability", ".out-of-stock")),
	}, nil
}
