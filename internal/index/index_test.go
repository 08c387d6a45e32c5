package index

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"price-radar/internal/model"

	"github.com/shopspring/decimal"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := Open(Config{Enabled: true, Path: filepath.Join(t.TempDir(), "index.db")})
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() {
		_ = ix.Close()
	})
	return ix
}

func doc(id uint, title, name, brand, mdl string, price int64, active bool) model.SearchDocument {
	return model.SearchDocument{
		ID:             id,
		ShopCode:       "KONTAKT",
		ProductName:    title,
		NormalizedName: name,
		Brand:          brand,
		Model:          mdl,
		Price:          decimal.NewNullDecimal(decimal.NewFromInt(price)),
		Currency:       "AZN",
		InStock:        true,
		Active:         active,
	}
}

func sampleDocs() []model.SearchDocument {
	return []model.SearchDocument{
		doc(1, "iPhone 13 128GB Qara", "iphone 13 128gb qara", "Apple", "Iphone 13", 2399, true),
		doc(2, "Apple iPhone 13 128GB", "apple iphone 13 128gb", "Apple", "Iphone 13", 2099, true),
		doc(3, "iPhone 15 128GB", "iphone 15 128gb", "Apple", "Iphone 15", 1999, true),
		doc(4, "Samsung Galaxy S24", "samsung galaxy s24", "Samsung", "Galaxy S24", 1899, true),
		doc(5, "iPhone 13 old listing", "iphone 13 old listing", "Apple", "Iphone 13", 999, false),
	}
}

func ids(docs []model.SearchDocument) []uint {
	out := make([]uint, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.ID)
	}
	return out
}

func equalIDs(a, b []uint) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSearchRanksByRelevanceThenPrice(t *testing.T) {
	t.Parallel()

	ix := newTestIndex(t)
	ctx := context.Background()
	res, err := ix.Rebuild(ctx, sampleDocs())
	if err != nil {
		t.Fatalf("Rebuild error: %v", err)
	}
	if res.Indexed != 5 || res.Failed != 0 {
		t.Fatalf("unexpected rebuild result %+v", res)
	}

	got, err := ix.Search(ctx, Query{Text: "iPhone 13", Size: 10})
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if want := []uint{2, 1, 3}; !equalIDs(ids(got), want) {
		t.Fatalf("expected %v, got %v", want, ids(got))
	}

	got, _ = ix.Search(ctx, Query{Text: "iphone 13", Size: 2})
	if want := []uint{2, 1}; !equalIDs(ids(got), want) {
		t.Fatalf("expected size to truncate to %v, got %v", want, ids(got))
	}

	got, _ = ix.Search(ctx, Query{Text: "samsung", Size: 10})
	if want := []uint{4}; !equalIDs(ids(got), want) {
		t.Fatalf("expected brand match %v, got %v", want, ids(got))
	}
}

func TestSearchWithoutTextOrdersByPrice(t *testing.T) {
	t.Parallel()

	ix := newTestIndex(t)
	ctx := context.Background()
	if _, err := ix.Rebuild(ctx, sampleDocs()); err != nil {
		t.Fatalf("Rebuild error: %v", err)
	}
	got, err := ix.Search(ctx, Query{Size: 10})
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if want := []uint{4, 3, 2, 1}; !equalIDs(ids(got), want) {
		t.Fatalf("expected %v, got %v", want, ids(got))
	}
}

func TestRebuildReplacesDocuments(t *testing.T) {
	t.Parallel()

	ix := newTestIndex(t)
	ctx := context.Background()
	if _, err := ix.Rebuild(ctx, sampleDocs()); err != nil {
		t.Fatalf("Rebuild error: %v", err)
	}

	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	offers := &stubOffers{offers: []model.Offer{{
		ID: 42, ProductID: 7, ShopID: 2, Title: "Xiaomi Redmi Note 13", URL: "https://irshad.az/az/mehsullar/redmi",
		Price: decimal.NewFromInt(499), Currency: "AZN", InStock: true, Active: true,
		Product: &model.Product{ID: 7, NormalizedName: "xiaomi redmi note 13", Brand: "Redmi", Model: "Redmi Note 13"},
		Shop:    &model.Shop{ID: 2, Code: "IRSHAD", Name: "Irshad"},
	}}}
	indexer := NewIndexer(ix, offers)
	indexer.now = func() time.Time { return now }

	res, err := indexer.Rebuild(ctx)
	if err != nil {
		t.Fatalf("indexer Rebuild error: %v", err)
	}
	if res.Indexed != 1 {
		t.Fatalf("expected 1 indexed, got %+v", res)
	}
	count, err := ix.Count(ctx)
	if err != nil {
		t.Fatalf("Count error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected rebuild to delete previous documents, got %d", count)
	}
	got, _ := ix.Search(ctx, Query{Text: "redmi note", Size: 3})
	if len(got) != 1 || got[0].ShopCode != "IRSHAD" || got[0].Brand != "Redmi" {
		t.Fatalf("unexpected documents %+v", got)
	}
	if !ix.Healthy(ctx) {
		t.Fatalf("expected healthy index")
	}
}

func TestDisabledIndex(t *testing.T) {
	t.Parallel()

	ix, err := Open(Config{Enabled: false})
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	ctx := context.Background()
	if _, err := ix.Search(ctx, Query{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
	if _, err := ix.Rebuild(ctx, nil); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
	if ix.Healthy(ctx) {
		t.Fatalf("disabled index must not report healthy")
	}
	if _, err := NewIndexer(ix, &stubOffers{}).Rebuild(ctx); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled from indexer, got %v", err)
	}
}

func TestFuzzyHelpers(t *testing.T) {
	t.Parallel()

	if autoFuzziness("13") != 0 || autoFuzziness("pixel") != 1 || autoFuzziness("iphone") != 2 {
		t.Fatalf("unexpected fuzziness levels")
	}
	if got := fuzzyCoverage([]string{"iphnoe", "13"}, []string{"iphone", "13", "pro"}); got != 1 {
		t.Fatalf("expected typo tolerant coverage, got %f", got)
	}
	if !containsPhrase([]string{"apple", "iphone", "13"}, []string{"iphone", "13"}) {
		t.Fatalf("expected phrase match")
	}
	if containsPhrase([]string{"iphone", "pro", "13"}, []string{"iphone", "13"}) {
		t.Fatalf("phrase must be contiguous")
	}
}

type stubOffers struct {
	offers []model.Offer
}

func (s *stubOffers) ListIndexableOffers(context.Context) ([]model.Offer, error) {
	return s.offers, nil
}
