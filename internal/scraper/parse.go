package scraper

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
	"golang.org/x/net/html"
)

// ParsePrice 解析混合格式的价格文本（千分位、货币符号或单词），无法解析时返回 nil。
// "2199,00 AZN" → 2199.00，"1 299 ₼" → 1299，"2.199,50 man." → 2199.50。
func ParsePrice(text string) *decimal.Decimal {
	var b strings.Builder
	for _, r := range text {
		if (r >= '0' && r <= '9') || r == '.' || r == ',' {
			b.WriteRune(r)
		}
	}
	raw := strings.Trim(b.String(), ".,")
	if raw == "" {
		return nil
	}

	lastDot := strings.LastIndex(raw, ".")
	lastComma := strings.LastIndex(raw, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			raw = strings.ReplaceAll(raw, ".", "")
			raw = strings.Replace(raw, ",", ".", 1)
		} else {
			raw = strings.ReplaceAll(raw, ",", "")
		}
	case lastComma >= 0:
		raw = resolveSeparator(raw, ",")
	case lastDot >= 0:
		raw = resolveSeparator(raw, ".")
	}

	d, err := decimal.NewFromString(raw)
	if err != nil || !d.IsPositive() {
		return nil
	}
	return &d
}

// 单一分隔符：只出现一次且后面 1-2 位数字时视为小数点，否则视为千分位。
func resolveSeparator(raw, sep string) string {
	if strings.Count(raw, sep) == 1 {
		idx := strings.Index(raw, sep)
		if tail := len(raw) - idx - 1; tail >= 1 && tail <= 2 {
			return strings.Replace(raw, sep, ".", 1)
		}
	}
	return strings.ReplaceAll(raw, sep, "")
}

var trailingNumber = regexp.MustCompile(`\d[\d\s\x{00a0}.,]*$`)

// priceBefore 返回紧挨在货币符号前的第一个有效价格。
func priceBefore(text, symbol string) *decimal.Decimal {
	parts := strings.Split(text, symbol)
	for _, part := range parts[:len(parts)-1] {
		m := trailingNumber.FindString(strings.TrimSpace(part))
		if p := ParsePrice(m); p != nil {
			return p
		}
	}
	return nil
}

var outOfStockMarkers = []string{
	"out of stock",
	"sold out",
	"unavailable",
	"stokda yoxdur",
	"yoxdur",
	"mövcud deyil",
	"bitib",
	"нет в наличии",
	"отсутствует",
}

// InferStock 根据三种语言的库存文本判断是否有货；没有任何信号时默认有货。
func InferStock(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return true
	}
	for _, marker := range outOfStockMarkers {
		if strings.Contains(lower, marker) {
			return false
		}
	}
	return true
}

// ResolveURL 将相对链接补全为绝对地址。
func ResolveURL(baseURL, href string) string {
	href = strings.TrimSpace(href)
	switch {
	case href == "":
		return ""
	case strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://"):
		return href
	case strings.HasPrefix(href, "//"):
		return "https:" + href
	}
	base, err := url.Parse(strings.TrimSuffix(baseURL, "/") + "/")
	if err != nil {
		return strings.TrimSuffix(baseURL, "/") + "/" + strings.TrimPrefix(href, "/")
	}
	ref, err := url.Parse(href)
	if err != nil {
		return strings.TrimSuffix(baseURL, "/") + "/" + strings.TrimPrefix(href, "/")
	}
	return base.ResolveReference(ref).String()
}

func parseDocument(htmlText string) (*goquery.Document, error) {
	node, err := html.Parse(strings.NewReader(htmlText))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return goquery.NewDocumentFromNode(node), nil
}

func extractNextData(doc *goquery.Document) (string, error) {
	text := strings.TrimSpace(doc.Find("script#__NEXT_DATA__").First().Text())
	if text == "" {
		return "", fmt.Errorf("__NEXT_DATA__ not found")
	}
	return text, nil
}

// firstText 返回第一个选择器命中的非空文本。
func firstText(sel *goquery.Selection, selectors ...string) string {
	for _, s := range selectors {
		if text := strings.TrimSpace(sel.Find(s).First().Text()); text != "" {
			return text
		}
	}
	return ""
}

// imageFrom 依次尝试选择器，优先 data-src，跳过占位图。
func imageFrom(sel *goquery.Selection, baseURL string, selectors ...string) string {
	for _, s := range selectors {
		img := sel.Find(s).First()
		if img.Length() == 0 {
			continue
		}
		for _, attr := range []string{"data-src", "src"} {
			v := strings.TrimSpace(img.AttrOr(attr, ""))
			if v == "" || strings.Contains(v, "placeholder") || strings.HasPrefix(v, "data:") {
				continue
			}
			return ResolveURL(baseURL, v)
		}
	}
	return ""
}
