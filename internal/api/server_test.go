package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"price-radar/internal/cache"
	"price-radar/internal/index"
	"price-radar/internal/ingest"
	"price-radar/internal/model"
	"price-radar/internal/renormalize"

	"github.com/shopspring/decimal"
)

func newTestHandler(s *stubSearch, ing *stubIngest, tr *stubTrigger) http.Handler {
	return NewHandler(Deps{
		Search:      s,
		Ingest:      ing,
		Trigger:     tr,
		Indexer:     &stubIndexer{enabled: true},
		Index:       &stubIndexer{enabled: true, count: 42},
		Renormalize: &stubRenormalizer{},
		DB:          stubPinger{},
		Async:       func(f func()) { f() },
		Logger:      log.New(io.Discard, "", 0),
	})
}

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func TestSearchParsesFilters(t *testing.T) {
	t.Parallel()

	s := &stubSearch{}
	h := newTestHandler(s, &stubIngest{}, &stubTrigger{})

	w := serve(h, http.MethodGet, "/api/offers/search?query=iphone+13&condition=NEW&color=Black&shop=kontakt&shop=irshad,baku_electronics&minPrice=1000&maxPrice=2500.50&limit=5")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	req := s.lastRequest()
	if req.Query != "iphone 13" || req.Condition != "NEW" || req.Color != "Black" || req.Limit != 5 {
		t.Fatalf("unexpected request %+v", req)
	}
	if len(req.ShopCodes) != 3 || req.ShopCodes[2] != "baku_electronics" {
		t.Fatalf("unexpected shop codes %v", req.ShopCodes)
	}
	if req.MinPrice == nil || !req.MinPrice.Equal(decimal.NewFromInt(1000)) || req.MaxPrice.String() != "2500.5" {
		t.Fatalf("unexpected price range %v %v", req.MinPrice, req.MaxPrice)
	}

	var resp model.SearchResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Query != "iphone 13" {
		t.Fatalf("unexpected response %+v", resp)
	}

	if w := serve(h, http.MethodGet, "/api/offers/search?query=x&minPrice=abc"); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid price, got %d", w.Code)
	}
}

func TestScrapeShopValidatesSynchronously(t *testing.T) {
	t.Parallel()

	tr := &stubTrigger{}
	h := newTestHandler(&stubSearch{}, &stubIngest{}, tr)

	cases := map[string]int{
		"/api/admin/scraper/scrape/NOPE":    http.StatusBadRequest,
		"/api/admin/scraper/scrape/SHOP3":   http.StatusBadRequest,
		"/api/admin/scraper/scrape/kontakt": http.StatusAccepted,
	}
	for target, want := range cases {
		if w := serve(h, http.MethodPost, target); w.Code != want {
			t.Fatalf("%s: expected %d, got %d (%s)", target, want, w.Code, w.Body.String())
		}
	}
	if got := tr.scraped(); len(got) != 1 || got[0] != "KONTAKT" {
		t.Fatalf("expected only kontakt to be scraped, got %v", got)
	}

	tr.busy = true
	if w := serve(h, http.MethodPost, "/api/admin/scraper/scrape/kontakt"); w.Code != http.StatusAccepted {
		t.Fatalf("expected 202 while busy, got %d", w.Code)
	}
	if got := tr.scraped(); len(got) != 1 {
		t.Fatalf("expected busy trigger to skip the shop run, got %v", got)
	}
}

func TestScrapeAllIsAccepted(t *testing.T) {
	t.Parallel()

	tr := &stubTrigger{}
	h := newTestHandler(&stubSearch{}, &stubIngest{}, tr)

	w := serve(h, http.MethodPost, "/api/admin/scraper/scrape/all")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"accepted"`) {
		t.Fatalf("unexpected body %s", w.Body.String())
	}
	if tr.calls != 1 {
		t.Fatalf("expected trigger called once, got %d", tr.calls)
	}
	if w := serve(h, http.MethodGet, "/api/admin/scraper/scrape/all"); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET, got %d", w.Code)
	}
}

func TestAdminEndpoints(t *testing.T) {
	t.Parallel()

	s := &stubSearch{}
	h := newTestHandler(s, &stubIngest{}, &stubTrigger{})

	if w := serve(h, http.MethodPost, "/api/admin/scraper/cache/invalidate"); w.Code != http.StatusOK || s.invalidations != 1 {
		t.Fatalf("expected invalidation, got %d (%d calls)", w.Code, s.invalidations)
	}
	w := serve(h, http.MethodGet, "/api/admin/scraper/cache/stats")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"hit_ratio":0.75`) || !strings.Contains(w.Body.String(), `"breaker":"closed"`) {
		t.Fatalf("unexpected cache stats %d %s", w.Code, w.Body.String())
	}
	w = serve(h, http.MethodGet, "/api/admin/scraper/jobs?limit=5")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"SUCCESS"`) {
		t.Fatalf("unexpected jobs response %d %s", w.Code, w.Body.String())
	}
	w = serve(h, http.MethodPost, "/api/admin/scraper/index/rebuild")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"indexed":12`) {
		t.Fatalf("unexpected rebuild response %d %s", w.Code, w.Body.String())
	}
	w = serve(h, http.MethodGet, "/api/admin/scraper/index/stats")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"documentCount":42`) {
		t.Fatalf("unexpected index stats %d %s", w.Code, w.Body.String())
	}
	w = serve(h, http.MethodPost, "/api/admin/scraper/renormalize/missing")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"total":2`) {
		t.Fatalf("unexpected renormalize response %d %s", w.Code, w.Body.String())
	}
	w = serve(h, http.MethodGet, "/api/offers/cheapest?category=smartphone&limit=2")
	if w.Code != http.StatusOK || s.cheapestCategory != "smartphone" || s.cheapestLimit != 2 {
		t.Fatalf("unexpected cheapest call %d category=%q limit=%d", w.Code, s.cheapestCategory, s.cheapestLimit)
	}
	if w := serve(h, http.MethodGet, "/health"); w.Code != http.StatusOK {
		t.Fatalf("expected health 200, got %d", w.Code)
	}
}

func TestHealthReportsDatabaseOutage(t *testing.T) {
	t.Parallel()

	h := NewHandler(Deps{
		Search: &stubSearch{},
		DB:     stubPinger{err: errors.New("connection refused")},
		Logger: log.New(io.Discard, "", 0),
	})
	w := serve(h, http.MethodGet, "/health")
	if w.Code != http.StatusServiceUnavailable || !strings.Contains(w.Body.String(), "connection refused") {
		t.Fatalf("expected 503 with cause, got %d %s", w.Code, w.Body.String())
	}
}

func TestRebuildRejectedWhenIndexDisabled(t *testing.T) {
	t.Parallel()

	h := NewHandler(Deps{
		Search:  &stubSearch{},
		Indexer: &stubIndexer{},
		Index:   &stubIndexer{},
		Logger:  log.New(io.Discard, "", 0),
	})
	if w := serve(h, http.MethodPost, "/api/admin/scraper/index/rebuild"); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	w := serve(h, http.MethodGet, "/api/admin/scraper/index/stats")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"disabled"`) {
		t.Fatalf("unexpected stats for disabled index %d %s", w.Code, w.Body.String())
	}
}

// --- stubs ---

type stubSearch struct {
	mu               sync.Mutex
	req              model.SearchRequest
	invalidations    int
	cheapestCategory string
	cheapestLimit    int
}

func (s *stubSearch) Search(_ context.Context, req model.SearchRequest) model.SearchResponse {
	s.mu.Lock()
	s.req = req
	s.mu.Unlock()
	return model.SearchResponse{Query: req.Query, Offers: []model.OfferView{}}
}

func (s *stubSearch) lastRequest() model.SearchRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.req
}

func (s *stubSearch) Cheapest(_ context.Context, category string, limit int) ([]model.OfferView, error) {
	s.cheapestCategory, s.cheapestLimit = category, limit
	return []model.OfferView{{OfferID: 1}}, nil
}

func (s *stubSearch) InvalidateAll(context.Context) error {
	s.invalidations++
	return nil
}

func (s *stubSearch) CacheStats() cache.Stats {
	return cache.Stats{Backend: "redis", Hits: 3, Misses: 1, HitRatio: 0.75}
}

func (s *stubSearch) BreakerState() string { return "closed" }

type stubIngest struct{}

func (s *stubIngest) ResolveShop(_ context.Context, code string) (model.Shop, error) {
	switch strings.ToUpper(code) {
	case "KONTAKT":
		return model.Shop{ID: 1, Code: "KONTAKT", Active: true}, nil
	case "SHOP3":
		return model.Shop{}, fmt.Errorf("%w: SHOP3", ingest.ErrShopInactive)
	default:
		return model.Shop{}, fmt.Errorf("%w: %s", ingest.ErrUnknownShop, code)
	}
}

func (s *stubIngest) RecentJobs(context.Context, int) ([]model.IngestionJob, error) {
	return []model.IngestionJob{{ID: 1, Status: model.JobStatusSuccess}}, nil
}

type stubTrigger struct {
	mu    sync.Mutex
	calls int
	busy  bool
	shops []string
}

func (s *stubTrigger) RunOnce(context.Context) (model.RunReport, bool) {
	s.calls++
	return model.RunReport{}, true
}

func (s *stubTrigger) RunShop(_ context.Context, shop model.Shop) (model.RunReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return model.RunReport{}, false
	}
	s.shops = append(s.shops, shop.Code)
	return model.RunReport{}, true
}

func (s *stubTrigger) scraped() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.shops...)
}

type stubIndexer struct {
	enabled bool
	count   int64
	err     error
}

func (s *stubIndexer) Enabled() bool { return s.enabled }

func (s *stubIndexer) Rebuild(context.Context) (index.RebuildResult, error) {
	if s.err != nil {
		return index.RebuildResult{}, s.err
	}
	return index.RebuildResult{Indexed: 12}, nil
}

func (s *stubIndexer) Count(context.Context) (int64, error) { return s.count, s.err }

func (s *stubIndexer) Healthy(context.Context) bool { return s.enabled && s.err == nil }

type stubPinger struct {
	err error
}

func (s stubPinger) Ping(context.Context) error { return s.err }

type stubRenormalizer struct{}

func (stubRenormalizer) All(context.Context) (renormalize.Result, error) {
	return renormalize.Result{Total: 5, Updated: 1, Unchanged: 4}, nil
}

func (stubRenormalizer) Missing(context.Context) (renormalize.Result, error) {
	return renormalize.Result{Total: 2, Updated: 2}, nil
}
