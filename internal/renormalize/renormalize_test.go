package renormalize

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"price-radar/internal/model"
	"price-radar/internal/storage"

	"github.com/shopspring/decimal"
)

func TestMissingThenAll(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "renormalize.db"))
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if _, err := store.EnsureShops(ctx, storage.DefaultShops()); err != nil {
		t.Fatalf("EnsureShops error: %v", err)
	}
	shop, err := store.GetShopByCode(ctx, "KONTAKT")
	if err != nil {
		t.Fatalf("GetShopByCode error: %v", err)
	}

	bare := addProduct(t, store, shop.ID, model.Product{NormalizedName: "apple iphone 15 pro 128gb"}, "Apple iPhone 15 Pro 128GB")
	complete := addProduct(t, store, shop.ID, model.Product{NormalizedName: "galaxy s24 case", Brand: "Samsung", Model: "Galaxy S24"}, "Silikon qab 6.2")
	orphan := addProduct(t, store, shop.ID, model.Product{NormalizedName: "unknown phone"}, "")
	halfDone := addProduct(t, store, shop.ID, model.Product{NormalizedName: "iphone 13 128gb", Brand: "Apple"}, "iPhone 13 128GB Qara")

	svc := New(store)
	res, err := svc.Missing(ctx)
	if err != nil {
		t.Fatalf("Missing error: %v", err)
	}
	if res != (Result{Total: 3, Updated: 2, Unchanged: 1}) {
		t.Fatalf("unexpected missing result %+v", res)
	}

	res, err = svc.All(ctx)
	if err != nil {
		t.Fatalf("All error: %v", err)
	}
	if res != (Result{Total: 4, Unchanged: 4}) {
		t.Fatalf("expected second pass to be a no-op, got %+v", res)
	}

	expect := map[uint][2]string{
		bare:     {"Apple", "Iphone 15 Pro"},
		complete: {"Samsung", "Galaxy S24"},
		orphan:   {"", ""},
		halfDone: {"Apple", "Iphone 13"},
	}
	for id, want := range expect {
		p, err := store.GetProduct(ctx, id)
		if err != nil {
			t.Fatalf("GetProduct(%d) error: %v", id, err)
		}
		if p.Brand != want[0] || p.Model != want[1] {
			t.Fatalf("product %d: expected %v, got brand=%q model=%q", id, want, p.Brand, p.Model)
		}
	}
}

func TestErrorsAreCounted(t *testing.T) {
	t.Parallel()

	st := &stubStore{
		products: []model.Product{{ID: 1}, {ID: 2}},
		titles:   map[uint]string{1: "Xiaomi Redmi Note 13 8/256GB", 2: "Poco X6 Pro"},
		saveErr:  errors.New("database is locked"),
	}
	res, err := New(st).All(context.Background())
	if err != nil {
		t.Fatalf("All error: %v", err)
	}
	if res.Total != 2 || res.Errors != 2 || res.Updated != 0 {
		t.Fatalf("expected per-product errors to be counted, got %+v", res)
	}

	st.listErr = errors.New("no such table")
	if _, err := New(st).All(context.Background()); err == nil {
		t.Fatalf("expected list error to be returned")
	}
}

func addProduct(t *testing.T, store *storage.Store, shopID uint, p model.Product, title string) uint {
	t.Helper()
	ctx := context.Background()
	p.Category = model.CategorySmartphone
	if err := store.CreateProduct(ctx, &p); err != nil {
		t.Fatalf("CreateProduct error: %v", err)
	}
	if title == "" {
		return p.ID
	}
	now := time.Now()
	offer := model.Offer{
		ProductID:   p.ID,
		ShopID:      shopID,
		Title:       title,
		URL:         "https://kontakt.az/" + title,
		Price:       decimal.NewFromInt(100),
		Currency:    "AZN",
		InStock:     true,
		Active:      true,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
	if err := store.CreateOffer(ctx, &offer); err != nil {
		t.Fatalf("CreateOffer error: %v", err)
	}
	return p.ID
}

type stubStore struct {
	products []model.Product
	titles   map[uint]string
	saveErr  error
	listErr  error
}

func (s *stubStore) ListProducts(context.Context, storage.ProductFilter) ([]model.Product, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]model.Product, len(s.products))
	copy(out, s.products)
	return out, nil
}

func (s *stubStore) FirstOfferForProduct(_ context.Context, productID uint) (*model.Offer, error) {
	title, ok := s.titles[productID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &model.Offer{ProductID: productID, Title: title}, nil
}

func (s *stubStore) SaveProduct(context.Context, *model.Product) error {
	return s.saveErr
}
