package matcher

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"price-radar/internal/model"
	"price-radar/internal/storage"
)

func TestSimilarityBoundary(t *testing.T) {
	t.Parallel()

	base := strings.Repeat("a", 50)
	accept := strings.Repeat("b", 7) + base[7:]
	reject := strings.Repeat("b", 8) + base[8:]

	if got := Similarity(base, accept); got <= FuzzyThreshold {
		t.Fatalf("expected 0.86 to pass the threshold, got %f", got)
	}
	if got := Similarity(base, reject); got > FuzzyThreshold {
		t.Fatalf("expected 0.84 to fail the threshold, got %f", got)
	}
	if Similarity("", "") != 1 || Similarity("abc", "abc") != 1 {
		t.Fatalf("identical strings must have similarity 1")
	}
}

func TestMatchExactIsOrderIndependent(t *testing.T) {
	t.Parallel()

	src := &stubProducts{products: []model.Product{
		{ID: 1, NormalizedName: "samsung galaxy s24", Brand: "Samsung", Model: "Galaxy S24"},
		{ID: 2, NormalizedName: "iphone 13 pro max 256gb", Brand: "Apple", Model: "Iphone 13 Pro Max"},
		{ID: 3, NormalizedName: "iphone 13 pro max 512gb", Brand: "Apple", Model: "Iphone 13 Pro Max"},
	}}
	m := New(src)

	listings := []model.NormalizedListing{
		{NormalizedName: "iphone 13 pro max 1tb", Brand: "APPLE", Model: "iphone 13  pro max"},
		{NormalizedName: "apple iphone 13 pro max", Brand: "apple", Model: "Iphone 13 Pro Max"},
	}
	for _, order := range [][]int{{0, 1}, {1, 0}} {
		for _, idx := range order {
			p, err := m.Match(context.Background(), listings[idx])
			if err != nil {
				t.Fatalf("Match error: %v", err)
			}
			if p == nil || p.ID != 2 {
				t.Fatalf("expected product 2, got %+v", p)
			}
		}
	}
	if src.listCalls.Load() != 0 {
		t.Fatalf("exact match must not fall through to the fuzzy scan")
	}
}

func TestMatchFuzzyFallback(t *testing.T) {
	t.Parallel()

	src := &stubProducts{products: []model.Product{
		{ID: 7, NormalizedName: "xiaomi redmi note 13 8 256gb"},
	}}
	m := New(src)

	p, err := m.Match(context.Background(), model.NormalizedListing{NormalizedName: "xiaomi redmi note 13 8 256gb 5g"})
	if err != nil {
		t.Fatalf("Match error: %v", err)
	}
	if p == nil || p.ID != 7 {
		t.Fatalf("expected fuzzy match to product 7, got %+v", p)
	}

	p, err = m.Match(context.Background(), model.NormalizedListing{NormalizedName: "nokia 105"})
	if err != nil {
		t.Fatalf("Match error: %v", err)
	}
	if p != nil {
		t.Fatalf("expected no match, got %+v", p)
	}
}

func TestMatchSurfacesStorageErrors(t *testing.T) {
	t.Parallel()

	src := &stubProducts{err: errors.New("db down")}
	_, err := New(src).Match(context.Background(), model.NormalizedListing{NormalizedName: "x", Brand: "Apple", Model: "Iphone 15"})
	if err == nil || !strings.Contains(err.Error(), "db down") {
		t.Fatalf("expected storage error, got %v", err)
	}
}

func TestSameProduct(t *testing.T) {
	t.Parallel()

	a := model.Product{NormalizedName: "iphone 15 128gb", Brand: "Apple", Model: "Iphone 15"}
	b := model.Product{NormalizedName: "apple iphone 15 black", Brand: "APPLE", Model: "iphone 15"}
	if !SameProduct(a, b) {
		t.Fatalf("expected brand+model match")
	}
	c := model.Product{NormalizedName: "samsung galaxy a15"}
	if SameProduct(a, c) {
		t.Fatalf("expected different products")
	}
}

type stubProducts struct {
	products  []model.Product
	err       error
	listCalls atomic.Int32
}

func (s *stubProducts) ProductsByBrand(_ context.Context, brand string) ([]model.Product, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []model.Product
	for _, p := range s.products {
		if strings.EqualFold(p.Brand, brand) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *stubProducts) ListProducts(_ context.Context, _ storage.ProductFilter) ([]model.Product, error) {
	s.listCalls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return append([]model.Product(nil), s.products...), nil
}
