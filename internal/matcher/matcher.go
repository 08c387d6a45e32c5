package matcher

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"price-radar/internal/model"
	"price-radar/internal/normalizer"
	"price-radar/internal/storage"

	"github.com/agnivade/levenshtein"
)

// FuzzyThreshold 是模糊匹配的相似度下限（严格大于）。
const FuzzyThreshold = 0.85

// ProductSource 提供匹配所需的商品查询。
type ProductSource interface {
	ProductsByBrand(ctx context.Context, brand string) ([]model.Product, error)
	ListProducts(ctx context.Context, filter storage.ProductFilter) ([]model.Product, error)
}

// Matcher 判断一条归一化 listing 属于哪个已有商品。
type Matcher struct {
	products ProductSource
}

// New 创建 Matcher。
func New(products ProductSource) *Matcher {
	return &Matcher{products: products}
}

// Match 先按品牌+型号精确匹配，再对全部商品名做编辑距离模糊匹配。
// 没有匹配时返回 nil, nil。
//
// 模糊匹配是全表扫描，商品目录规模变大后需要按品牌分桶等预筛选。
func (m *Matcher) Match(ctx context.Context, l model.NormalizedListing) (*model.Product, error) {
	if l.Brand != "" && l.Model != "" {
		candidates, err := m.products.ProductsByBrand(ctx, l.Brand)
		if err != nil {
			return nil, fmt.Errorf("exact match: %w", err)
		}
		want := normalizer.NormalizeText(l.Model)
		for i := range candidates {
			if candidates[i].Model != "" && normalizer.NormalizeText(candidates[i].Model) == want {
				return &candidates[i], nil
			}
		}
	}

	if l.NormalizedName == "" {
		return nil, nil
	}
	all, err := m.products.ListProducts(ctx, storage.ProductFilter{})
	if err != nil {
		return nil, fmt.Errorf("fuzzy match: %w", err)
	}
	for i := range all {
		if Similarity(l.NormalizedName, all[i].NormalizedName) > FuzzyThreshold {
			return &all[i], nil
		}
	}
	return nil, nil
}

// Similarity 返回 1 - 编辑距离/较长串长度，按 rune 计算。
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	maxLen := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > maxLen {
		maxLen = n
	}
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(maxLen)
}

// SameProduct 判断两个商品是否为同一实物：品牌+型号一致，或名称通过模糊阈值。
func SameProduct(a, b model.Product) bool {
	if a.Brand != "" && a.Model != "" && b.Brand != "" && b.Model != "" {
		if strings.EqualFold(a.Brand, b.Brand) && normalizer.NormalizeText(a.Model) == normalizer.NormalizeText(b.Model) {
			return true
		}
	}
	return Similarity(a.NormalizedName, b.NormalizedName) > FuzzyThreshold
}
