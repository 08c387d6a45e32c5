package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"price-radar/internal/cache"
	"price-radar/internal/index"
	"price-radar/internal/ingest"
	"price-radar/internal/metrics"
	"price-radar/internal/model"
	"price-radar/internal/renormalize"

	"github.com/shopspring/decimal"
)

// Searcher 是搜索编排器。
type Searcher interface {
	Search(ctx context.Context, req model.SearchRequest) model.SearchResponse
	Cheapest(ctx context.Context, category string, limit int) ([]model.OfferView, error)
	InvalidateAll(ctx context.Context) error
	CacheStats() cache.Stats
	BreakerState() string
}

// Ingestor 是抓取编排器。
type Ingestor interface {
	ResolveShop(ctx context.Context, code string) (model.Shop, error)
	RecentJobs(ctx context.Context, limit int) ([]model.IngestionJob, error)
}

// Trigger 执行全量或单个商店抓取，已有运行时跳过。
type Trigger interface {
	RunOnce(ctx context.Context) (model.RunReport, bool)
	RunShop(ctx context.Context, shop model.Shop) (model.RunReport, bool)
}

// Indexer 重建主索引。
type Indexer interface {
	Enabled() bool
	Rebuild(ctx context.Context) (index.RebuildResult, error)
}

// IndexStats 暴露主索引状态。
type IndexStats interface {
	Enabled() bool
	Count(ctx context.Context) (int64, error)
	Healthy(ctx context.Context) bool
}

// Renormalizer 重新解析商品品牌与型号。
type Renormalizer interface {
	All(ctx context.Context) (renormalize.Result, error)
	Missing(ctx context.Context) (renormalize.Result, error)
}

// Pinger 检查关系库连通性。
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps 汇总 HTTP 层的依赖。
type Deps struct {
	Search      Searcher
	Ingest      Ingestor
	Trigger     Trigger
	Indexer     Indexer
	Index       IndexStats
	Renormalize Renormalizer
	DB          Pinger
	// Async 启动后台任务，默认新开 goroutine。
	Async  func(func())
	Logger *log.Logger
}

// NewHandler 构造 HTTP 多路复用器。
func NewHandler(d Deps) http.Handler {
	if d.Async == nil {
		d.Async = func(f func()) { go f() }
	}
	if d.Logger == nil {
		d.Logger = log.New(os.Stdout, "[api] ", log.LstdFlags)
	}
	h := &handler{Deps: d}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/offers/search", h.search)
	mux.HandleFunc("GET /api/offers/cheapest", h.cheapest)

	mux.HandleFunc("POST /api/admin/scraper/scrape/all", h.scrapeAll)
	mux.HandleFunc("POST /api/admin/scraper/scrape/{shopCode}", h.scrapeShop)
	mux.HandleFunc("GET /api/admin/scraper/jobs", h.jobs)
	mux.HandleFunc("GET /api/admin/scraper/cache/stats", h.cacheStats)
	mux.HandleFunc("POST /api/admin/scraper/cache/invalidate", h.invalidate)
	mux.HandleFunc("POST /api/admin/scraper/index/rebuild", h.rebuildIndex)
	mux.HandleFunc("GET /api/admin/scraper/index/stats", h.indexStats)
	mux.HandleFunc("POST /api/admin/scraper/renormalize/all", h.renormalize(false))
	mux.HandleFunc("POST /api/admin/scraper/renormalize/missing", h.renormalize(true))

	return mux
}

type handler struct {
	Deps
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if h.DB != nil {
		if err := h.DB.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unreachable: "+err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := model.SearchRequest{
		Query:     strings.TrimSpace(q.Get("query")),
		Condition: q.Get("condition"),
		Color:     q.Get("color"),
		Limit:     intParam(q.Get("limit"), 0),
	}
	for _, v := range q["shop"] {
		for _, code := range strings.Split(v, ",") {
			if code = strings.TrimSpace(code); code != "" {
				req.ShopCodes = append(req.ShopCodes, code)
			}
		}
	}
	var err error
	if req.MinPrice, err = decimalParam(q.Get("minPrice")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid minPrice")
		return
	}
	if req.MaxPrice, err = decimalParam(q.Get("maxPrice")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid maxPrice")
		return
	}
	writeJSON(w, http.StatusOK, h.Search.Search(r.Context(), req))
}

func (h *handler) cheapest(w http.ResponseWriter, r *http.Request) {
	views, err := h.Search.Cheapest(r.Context(), r.URL.Query().Get("category"), intParam(r.URL.Query().Get("limit"), 0))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *handler) scrapeAll(w http.ResponseWriter, r *http.Request) {
	h.Logger.Printf("manual scrape triggered for all shops")
	h.Async(func() {
		if _, ran := h.Trigger.RunOnce(context.Background()); !ran {
			h.Logger.Printf("manual scrape skipped: a run is already in progress")
		}
	})
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "accepted",
		"message": "Scraping started for all active shops",
	})
}

func (h *handler) scrapeShop(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("shopCode")
	shop, err := h.Ingest.ResolveShop(r.Context(), code)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ingest.ErrUnknownShop) || errors.Is(err, ingest.ErrShopInactive) || errors.Is(err, ingest.ErrNoScraper) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	h.Logger.Printf("manual scrape triggered shop=%s", shop.Code)
	h.Async(func() {
		if _, ran := h.Trigger.RunShop(context.Background(), shop); !ran {
			h.Logger.Printf("manual scrape skipped shop=%s: a run is already in progress", shop.Code)
		}
	})
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "accepted",
		"message": "Scraping started for shop: " + shop.Code,
	})
}

func (h *handler) jobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.Ingest.RecentJobs(r.Context(), intParam(r.URL.Query().Get("limit"), 0))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *handler) cacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"cache":   h.Search.CacheStats(),
		"breaker": h.Search.BreakerState(),
	})
}

func (h *handler) invalidate(w http.ResponseWriter, r *http.Request) {
	if err := h.Search.InvalidateAll(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "All caches invalidated"})
}

func (h *handler) rebuildIndex(w http.ResponseWriter, r *http.Request) {
	if h.Indexer == nil || !h.Indexer.Enabled() {
		writeError(w, http.StatusBadRequest, "primary index is disabled")
		return
	}
	res, err := h.Indexer.Rebuild(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "indexed": res.Indexed, "failed": res.Failed})
}

func (h *handler) indexStats(w http.ResponseWriter, r *http.Request) {
	if h.Index == nil || !h.Index.Enabled() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}
	count, err := h.Index.Count(r.Context())
	if err != nil || !h.Index.Healthy(r.Context()) {
		msg := "index unreachable"
		if err != nil {
			msg = err.Error()
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "message": msg})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "documentCount": count})
}

func (h *handler) renormalize(missingOnly bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run := h.Renormalize.All
		if missingOnly {
			run = h.Renormalize.Missing
		}
		res, err := run(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func intParam(v string, def int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return n
	}
	return def
}

func decimalParam(v string) (*decimal.Decimal, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"status": "error", "message": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
