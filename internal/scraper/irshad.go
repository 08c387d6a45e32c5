package scraper

import (
	"context"
	"fmt"
	"strings"

	"price-radar/internal/fetcher"
	"price-radar/internal/model"
	"price-radar/internal/normalizer"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
)

const (
	IrshadCode        = "IRSHAD"
	irshadCategory    = "/az/telefon-ve-aksesuarlar/mobil-telefonlar"
	irshadItemSel     = ".product"
	irshadLoadMoreSel = "#loadMore"
	irshadMaxLoadMore = 10
)

// Irshad 抓取 irshad.az，单个列表页通过"加载更多"按钮展开。
// 价格缺失时仍返回 listing，留待后续对账。
type Irshad struct {
	baseURL string
}

// NewIrshad 创建 Irshad 来源。
func NewIrshad(baseURL string) *Irshad {
	if baseURL == "" {
		baseURL = "https://irshad.az"
	}
	return &Irshad{baseURL: strings.TrimSuffix(baseURL, "/")}
}

func (s *Irshad) ShopCode() string { return IrshadCode }

func (s *Irshad) Locate(ctx context.Context, f fetcher.Fetcher, page int) ([]Item, bool, error) {
	if page > 1 {
		return nil, false, nil
	}
	body, err := f.Rendered(ctx, s.baseURL+irshadCategory, fetcher.RenderOptions{
		LoadMoreSelector: irshadLoadMoreSel,
		MaxLoadMore:      irshadMaxLoadMore,
	})
	if err != nil {
		return nil, false, err
	}
	doc, err := parseDocument(body)
	if err != nil {
		return nil, false, err
	}
	var items []Item
	doc.Find(irshadItemSel).Each(func(_ int, sel *goquery.Selection) {
		items = append(items, Item{Node: sel})
	})
	return items, false, nil
}

func (s *Irshad) Extract(item Item) (model.ScrapedListing, error) {
	node := item.Node
	if node == nil {
		return model.ScrapedListing{}, fmt.Errorf("irshad: empty item")
	}
	link := node.Find("a[href*='/az/mehsullar/']").First()
	if link.Length() == 0 {
		return model.ScrapedListing{}, errNoURL
	}
	title := strings.TrimSpace(link.Text())
	if title == "" {
		title = firstText(node, ".product__title", ".product-title", "h3", "h4")
	}
	if title == "" {
		return model.ScrapedListing{}, errNoTitle
	}

	price, oldPrice := irshadPrices(node.Find(".product__price__current").First().Text())
	if price == nil {
		price = ParsePrice(firstText(node, ".price", "[class*='price']"))
	}

	return model.ScrapedListing{
		ShopCode:  IrshadCode,
		Title:     title,
		URL:       ResolveURL(s.baseURL, link.AttrOr("href", "")),
		Price:     price,
		OldPrice:  oldPrice,
		Currency:  "AZN",
		Condition: "NEW",
		Color:     normalizer.ExtractColor(title),
		ImageURL: imageFrom(node, s.baseURL,
			"img[src*='storage.irshad.az/products']",
			"img[data-src*='storage.irshad.az']",
			"img[src]",
			"img[data-src]",
		),
		InStock: InferStock(firstText(node, ".product__stock", ".stock", ".out-of-stock")),
	}, nil
}

// 价格块形如 "2 599 AZN 2 299 AZN"：两段时第一段为原价，第二段为现价。
func irshadPrices(text string) (price, oldPrice *decimal.Decimal) {
	var parts []string
	for _, p := range strings.Split(text, "AZN") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	switch {
	case len(parts) >= 2:
		return ParsePrice(parts[1]), ParsePrice(parts[0])
	case len(parts) == 1:
		return ParsePrice(parts[0]), nil
	}
	return nil, nil
}
