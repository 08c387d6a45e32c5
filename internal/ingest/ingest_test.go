package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"price-radar/internal/catalog"
	"price-radar/internal/fetcher"
	"price-radar/internal/index"
	"price-radar/internal/model"
	"price-radar/internal/scraper"
	"price-radar/internal/storage"

	"github.com/shopspring/decimal"
)

func TestScrapeAllIsolatesShopFailures(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	registry := scraper.NewRegistry()
	registry.Register(scraper.KontaktCode, func(model.Shop) scraper.Source {
		return &fakeSource{code: scraper.KontaktCode, listings: []model.ScrapedListing{
			scraped("iPhone 13 Pro Max 256GB Qara", 2199),
			scraped("Samsung Galaxy A55 8/256GB", 899),
		}}
	})
	registry.Register(scraper.IrshadCode, func(model.Shop) scraper.Source {
		return &fakeSource{code: scraper.IrshadCode, err: errors.New("connection reset")}
	})
	registry.Register(scraper.BakuElectronicsCode, func(model.Shop) scraper.Source {
		return &fakeSource{code: scraper.BakuElectronicsCode, panicMsg: "unexpected markup"}
	})

	ix := &stubIndexer{}
	inv := &stubInvalidator{}
	notif := &stubNotifier{}
	fetchers := &stubFetchers{}
	o := newTestOrchestrator(store, registry, fetchers, ix, inv, notif)

	report, err := o.ScrapeAll(context.Background())
	if err != nil {
		t.Fatalf("ScrapeAll error: %v", err)
	}
	if len(report.Jobs) != 3 {
		t.Fatalf("expected 3 jobs (inactive shop excluded), got %d", len(report.Jobs))
	}
	if report.RunID == "" {
		t.Fatalf("expected run id")
	}

	byShop := make(map[uint]model.IngestionJob)
	for _, job := range report.Jobs {
		if job.RunID != report.RunID {
			t.Fatalf("job %d has run id %q, want %q", job.ID, job.RunID, report.RunID)
		}
		assertFinalized(t, job)
		byShop[job.ShopID] = job
	}

	kontakt := shopByCode(t, store, scraper.KontaktCode)
	irshad := shopByCode(t, store, scraper.IrshadCode)
	baku := shopByCode(t, store, scraper.BakuElectronicsCode)

	if job := byShop[kontakt.ID]; job.Status != model.JobStatusSuccess || job.ProductsFound != 2 || job.OffersCreated != 2 {
		t.Fatalf("unexpected kontakt job %+v", job)
	}
	if job := byShop[irshad.ID]; job.Status != model.JobStatusFailed || job.ErrorMessage == "" {
		t.Fatalf("expected irshad to fail with a message, got %+v", job)
	}
	if job := byShop[baku.ID]; job.Status != model.JobStatusFailed || job.ErrorMessage != "panic: unexpected markup" {
		t.Fatalf("expected baku panic to be recorded, got %+v", job)
	}
	if kontakt.LastScrapedAt == nil {
		t.Fatalf("expected successful shop to be marked scraped")
	}
	if irshad.LastScrapedAt != nil {
		t.Fatalf("failed shop must not be marked scraped")
	}

	if ix.calls.Load() != 1 || inv.calls.Load() != 1 {
		t.Fatalf("expected one rebuild and one invalidation, got %d and %d", ix.calls.Load(), inv.calls.Load())
	}
	if report.Indexed != 7 {
		t.Fatalf("expected indexed count from rebuild, got %d", report.Indexed)
	}
	if fetchers.acquired.Load() != 3 || fetchers.released.Load() != 3 {
		t.Fatalf("expected every task to release its fetcher, acquired=%d released=%d", fetchers.acquired.Load(), fetchers.released.Load())
	}
	if got := notif.last(); got.RunID != report.RunID || len(got.Jobs) != 3 {
		t.Fatalf("expected notifier to receive the run report, got %+v", got)
	}

	persisted, err := o.RecentJobs(context.Background(), 0)
	if err != nil {
		t.Fatalf("RecentJobs error: %v", err)
	}
	if len(persisted) != 3 {
		t.Fatalf("expected 3 persisted jobs, got %d", len(persisted))
	}
	for _, job := range persisted {
		assertFinalized(t, job)
		if job.Shop == nil {
			t.Fatalf("expected job shop to be preloaded")
		}
	}
}

func TestScrapeAllSurvivesIndexFailure(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	registry := scraper.NewRegistry()
	registry.Register(scraper.KontaktCode, func(model.Shop) scraper.Source {
		return &fakeSource{code: scraper.KontaktCode}
	})
	ix := &stubIndexer{err: errors.New("index unreachable")}
	inv := &stubInvalidator{}
	o := newTestOrchestrator(store, registry, &stubFetchers{}, ix, inv, nil)

	report, err := o.ScrapeAll(context.Background())
	if err != nil {
		t.Fatalf("ScrapeAll error: %v", err)
	}
	if len(report.Jobs) != 1 || report.Jobs[0].Status != model.JobStatusSuccess {
		t.Fatalf("expected empty scrape to succeed, got %+v", report.Jobs)
	}
	if report.IndexError == "" {
		t.Fatalf("expected index error to be reported")
	}
	if inv.calls.Load() != 1 {
		t.Fatalf("expected caches to be invalidated even when indexing fails")
	}

	ix.err = index.ErrDisabled
	report, _ = o.ScrapeAll(context.Background())
	if report.IndexError != "" {
		t.Fatalf("disabled index must not be reported as a failure, got %q", report.IndexError)
	}
}

func TestPartialTraversalIsRecorded(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	registry := scraper.NewRegistry()
	registry.Register(scraper.KontaktCode, func(model.Shop) scraper.Source {
		return &fakeSource{
			code:       scraper.KontaktCode,
			listings:   []model.ScrapedListing{scraped("Xiaomi Redmi Note 13 8/256GB", 499)},
			more:       true,
			failAtPage: 2,
		}
	})
	o := newTestOrchestrator(store, registry, &stubFetchers{}, nil, nil, nil)

	report, err := o.ScrapeShopByCode(context.Background(), "kontakt")
	if err != nil {
		t.Fatalf("ScrapeShopByCode error: %v", err)
	}
	job := report.Jobs[0]
	if job.Status != model.JobStatusSuccess || job.OffersCreated != 1 {
		t.Fatalf("expected partial traversal to keep first page, got %+v", job)
	}
	if job.Details["partial"] != true || job.Details["stop_error"] == "" {
		t.Fatalf("expected partial details, got %+v", job.Details)
	}
}

func TestResolveShopValidation(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	registry := scraper.NewRegistry()
	registry.Register(scraper.KontaktCode, func(model.Shop) scraper.Source { return &fakeSource{code: scraper.KontaktCode} })
	registry.Register("SHOP3", func(model.Shop) scraper.Source { return &fakeSource{code: "SHOP3"} })
	o := newTestOrchestrator(store, registry, &stubFetchers{}, nil, nil, nil)
	ctx := context.Background()

	if _, err := o.ResolveShop(ctx, "NOPE"); !errors.Is(err, ErrUnknownShop) {
		t.Fatalf("expected ErrUnknownShop, got %v", err)
	}
	if _, err := o.ResolveShop(ctx, "shop3"); !errors.Is(err, ErrShopInactive) {
		t.Fatalf("expected ErrShopInactive, got %v", err)
	}
	if _, err := o.ResolveShop(ctx, scraper.IrshadCode); !errors.Is(err, ErrNoScraper) {
		t.Fatalf("expected ErrNoScraper, got %v", err)
	}
	shop, err := o.ResolveShop(ctx, "kontakt")
	if err != nil || shop.Code != scraper.KontaktCode {
		t.Fatalf("expected kontakt, got %+v err=%v", shop, err)
	}
}

// --- helpers & stubs ---

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "ingest.db"))
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if _, err := store.EnsureShops(context.Background(), storage.DefaultShops()); err != nil {
		t.Fatalf("EnsureShops error: %v", err)
	}
	return store
}

func newTestOrchestrator(store *storage.Store, registry *scraper.Registry, f *stubFetchers, ix Indexer, inv Invalidator, n Notifier) *Orchestrator {
	o := New(Deps{
		Store:       store,
		Registry:    registry,
		Runner:      scraper.NewRunner(scraper.Config{PolitenessDelay: "0s"}),
		Fetchers:    f.factory,
		Catalog:     catalog.NewEngine(store),
		Indexer:     ix,
		Invalidator: inv,
		Notifier:    n,
	})
	c := &clock{t: time.Now().Add(-time.Hour)}
	o.now = c.now
	return o
}

func assertFinalized(t *testing.T, job model.IngestionJob) {
	t.Helper()
	if !job.Finalized() {
		t.Fatalf("job %d not finalized: %+v", job.ID, job)
	}
	want := int(job.CompletedAt.Sub(job.StartedAt) / time.Second)
	if *job.DurationSeconds != want || want <= 0 {
		t.Fatalf("job %d duration %d, want %d", job.ID, *job.DurationSeconds, want)
	}
}

func shopByCode(t *testing.T, store *storage.Store, code string) *model.Shop {
	t.Helper()
	shop, err := store.GetShopByCode(context.Background(), code)
	if err != nil {
		t.Fatalf("GetShopByCode(%s) error: %v", code, err)
	}
	return shop
}

func scraped(title string, price int64) model.ScrapedListing {
	p := decimal.NewFromInt(price)
	return model.ScrapedListing{
		Title:     title,
		URL:       "https://kontakt.az/" + title,
		Price:     &p,
		Currency:  "AZN",
		Condition: "NEW",
		InStock:   true,
	}
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type fakeSource struct {
	code       string
	listings   []model.ScrapedListing
	more       bool
	failAtPage int
	err        error
	panicMsg   string
}

func (s *fakeSource) ShopCode() string { return s.code }

func (s *fakeSource) Locate(_ context.Context, _ fetcher.Fetcher, page int) ([]scraper.Item, bool, error) {
	if s.err != nil {
		return nil, false, s.err
	}
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	if s.failAtPage > 0 && page >= s.failAtPage {
		return nil, false, &fetcher.StatusError{URL: "https://kontakt.az/?p=2", Code: 503}
	}
	if page > 1 {
		return nil, false, nil
	}
	items := make([]scraper.Item, 0, len(s.listings))
	for _, l := range s.listings {
		data, _ := json.Marshal(l)
		items = append(items, scraper.Item{Data: data})
	}
	return items, s.more, nil
}

func (s *fakeSource) Extract(item scraper.Item) (model.ScrapedListing, error) {
	var l model.ScrapedListing
	err := json.Unmarshal(item.Data, &l)
	return l, err
}

type stubFetchers struct {
	acquired atomic.Int32
	released atomic.Int32
}

func (s *stubFetchers) factory() (fetcher.Fetcher, func()) {
	s.acquired.Add(1)
	return nopFetcher{}, func() { s.released.Add(1) }
}

type nopFetcher struct{}

func (nopFetcher) Static(context.Context, string) (string, error) { return "", nil }

func (nopFetcher) Rendered(context.Context, string, fetcher.RenderOptions) (string, error) {
	return "", nil
}

type stubIndexer struct {
	err   error
	calls atomic.Int32
}

func (s *stubIndexer) Rebuild(context.Context) (index.RebuildResult, error) {
	s.calls.Add(1)
	if s.err != nil {
		return index.RebuildResult{}, s.err
	}
	return index.RebuildResult{Indexed: 7}, nil
}

type stubInvalidator struct {
	calls atomic.Int32
}

func (s *stubInvalidator) InvalidateAll(context.Context) error {
	s.calls.Add(1)
	return nil
}

type stubNotifier struct {
	mu     sync.Mutex
	report model.RunReport
}

func (s *stubNotifier) Notify(_ context.Context, report model.RunReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.report = report
	return nil
}

func (s *stubNotifier) last() model.RunReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report
}
