package search

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"price-radar/internal/cache"
	"price-radar/internal/index"
	"price-radar/internal/metrics"
	"price-radar/internal/model"
	"price-radar/internal/normalizer"
	"price-radar/internal/storage"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"
)

const (
	SearchPrefix   = "search:"
	CheapestPrefix = "cheapest:"

	defaultSearchTTL   = 30 * time.Minute
	defaultCheapestTTL = 12 * time.Hour

	// 主索引返回 limit 的若干倍候选，留给后置过滤。
	candidateFactor = 3
)

// Config 定义搜索编排配置。
type Config struct {
	SearchTTL   string        `yaml:"search_ttl" json:"search_ttl"`
	CheapestTTL string        `yaml:"cheapest_ttl" json:"cheapest_ttl"`
	Breaker     BreakerConfig `yaml:"breaker" json:"breaker"`
}

// BreakerConfig 定义主索引熔断参数。
type BreakerConfig struct {
	MinRequests      uint32  `yaml:"min_requests" json:"min_requests"`
	FailureRatio     float64 `yaml:"failure_ratio" json:"failure_ratio"`
	Window           string  `yaml:"window" json:"window"`
	OpenTimeout      string  `yaml:"open_timeout" json:"open_timeout"`
	HalfOpenRequests uint32  `yaml:"half_open_requests" json:"half_open_requests"`
}

// Primary 是主全文索引。
type Primary interface {
	Enabled() bool
	Search(ctx context.Context, q index.Query) ([]model.SearchDocument, error)
}

// Fallback 是关系库降级查询。
type Fallback interface {
	SearchOffers(ctx context.Context, q storage.OfferQuery) ([]model.Offer, error)
}

// Orchestrator 依次尝试缓存、主索引（带熔断）与关系库降级路径。
type Orchestrator struct {
	primary     Primary
	fallback    Fallback
	cache       cache.Cache
	breaker     *gobreaker.CircuitBreaker[[]model.SearchDocument]
	group       singleflight.Group
	generation  atomic.Uint64
	searchTTL   time.Duration
	cheapestTTL time.Duration
	logger      *log.Logger
}

// New 创建搜索编排器。primary 为 nil 或未启用时直接走关系库。
func New(cfg Config, primary Primary, fallback Fallback, c cache.Cache) *Orchestrator {
	if c == nil {
		c = cache.Noop{}
	}
	o := &Orchestrator{
		primary:     primary,
		fallback:    fallback,
		cache:       c,
		searchTTL:   parseDuration(cfg.SearchTTL, defaultSearchTTL),
		cheapestTTL: parseDuration(cfg.CheapestTTL, defaultCheapestTTL),
		logger:      log.New(os.Stdout, "[search] ", log.LstdFlags),
	}
	o.breaker = newBreaker(cfg.Breaker, o.logger)
	return o
}

func newBreaker(cfg BreakerConfig, logger *log.Logger) *gobreaker.CircuitBreaker[[]model.SearchDocument] {
	minRequests := cfg.MinRequests
	if minRequests == 0 {
		minRequests = 5
	}
	ratio := cfg.FailureRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 0.5
	}
	halfOpen := cfg.HalfOpenRequests
	if halfOpen == 0 {
		halfOpen = 1
	}
	return gobreaker.NewCircuitBreaker[[]model.SearchDocument](gobreaker.Settings{
		Name:        "primary-index",
		MaxRequests: halfOpen,
		Interval:    parseDuration(cfg.Window, 60*time.Second),
		Timeout:     parseDuration(cfg.OpenTimeout, 30*time.Second),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= ratio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Printf("breaker %s state %s -> %s", name, from, to)
		},
	})
}

// BreakerState 返回熔断器当前状态。
func (o *Orchestrator) BreakerState() string {
	return o.breaker.State().String()
}

// Search 执行报价搜索，总是返回响应对象；两条路径都失败时结果为空。
func (o *Orchestrator) Search(ctx context.Context, req model.SearchRequest) model.SearchResponse {
	start := time.Now()
	req.Limit = req.EffectiveLimit()
	key := SearchPrefix + CacheKey(req)

	var cached model.SearchResponse
	if hit, err := o.cache.Get(ctx, key, &cached); err != nil {
		o.logf("cache read failed key=%s: %v", key, err)
	} else if hit {
		metrics.RecordSearch("cache", true, len(cached.Offers), time.Since(start))
		return cached
	}

	gen := o.generation.Load()
	v, _, _ := o.group.Do(fmt.Sprintf("%s#%d", key, gen), func() (any, error) {
		resp, source, ok := o.execute(ctx, req)
		if ok {
			o.store(ctx, key, gen, resp, o.searchTTL)
		}
		metrics.RecordSearch(source, false, len(resp.Offers), time.Since(start))
		return resp, nil
	})
	return v.(model.SearchResponse)
}

func (o *Orchestrator) execute(ctx context.Context, req model.SearchRequest) (model.SearchResponse, string, bool) {
	if o.primary != nil && o.primary.Enabled() {
		docs, err := o.breaker.Execute(func() ([]model.SearchDocument, error) {
			return o.primary.Search(ctx, index.Query{Text: req.Query, Size: req.Limit * candidateFactor})
		})
		if err == nil {
			views := filterDocuments(docs, req)
			return response(req, views), "index", true
		}
		metrics.RecordFallback()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			o.logf("primary index short-circuited (%v), using database fallback", err)
		} else {
			o.logf("primary index failed, using database fallback: %v", err)
		}
	}

	offers, err := o.fallback.SearchOffers(ctx, offerQuery(req))
	if err != nil {
		o.logf("database fallback failed query=%q: %v", req.Query, err)
		return response(req, nil), "none", false
	}
	views := make([]model.OfferView, 0, len(offers))
	for _, of := range offers {
		views = append(views, model.ViewFromOffer(of))
	}
	return response(req, views), "database", true
}

// Cheapest 返回某品类最便宜的有货报价，结果缓存 12 小时。
func (o *Orchestrator) Cheapest(ctx context.Context, category string, limit int) ([]model.OfferView, error) {
	category = strings.ToUpper(strings.TrimSpace(category))
	if category == "" {
		category = model.CategorySmartphone
	}
	limit = model.SearchRequest{Limit: limit}.EffectiveLimit()
	key := fmt.Sprintf("%s%s:%d", CheapestPrefix, category, limit)

	var cached []model.OfferView
	if hit, err := o.cache.Get(ctx, key, &cached); err != nil {
		o.logf("cache read failed key=%s: %v", key, err)
	} else if hit {
		return cached, nil
	}

	gen := o.generation.Load()
	offers, err := o.fallback.SearchOffers(ctx, storage.OfferQuery{Category: category, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("cheapest offers: %w", err)
	}
	views := make([]model.OfferView, 0, len(offers))
	for _, of := range offers {
		views = append(views, model.ViewFromOffer(of))
	}
	o.store(ctx, key, gen, views, o.cheapestTTL)
	return views, nil
}

// InvalidateAll 清空搜索与最低价缓存。调用返回后开始的请求不会读到此前的缓存。
func (o *Orchestrator) InvalidateAll(ctx context.Context) error {
	o.generation.Add(1)
	var errs []error
	total := 0
	for _, prefix := range []string{SearchPrefix, CheapestPrefix} {
		n, err := o.cache.DeletePrefix(ctx, prefix)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("invalidate %s: %w", prefix, err))
		}
	}
	o.logf("caches invalidated keys=%d", total)
	return errors.Join(errs...)
}

// CacheStats 返回缓存统计。
func (o *Orchestrator) CacheStats() cache.Stats {
	return o.cache.Stats()
}

// store 尽力写缓存；写入期间若发生失效则撤销，避免旧结果在失效后复活。
func (o *Orchestrator) store(ctx context.Context, key string, gen uint64, value any, ttl time.Duration) {
	if o.generation.Load() != gen {
		return
	}
	if err := o.cache.Set(ctx, key, value, ttl); err != nil {
		o.logf("cache write failed key=%s: %v", key, err)
		return
	}
	if o.generation.Load() != gen {
		if _, err := o.cache.DeletePrefix(ctx, key); err != nil {
			o.logf("cache rollback failed key=%s: %v", key, err)
		}
	}
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.logger == nil {
		o.logger = log.New(os.Stdout, "[search] ", log.LstdFlags)
	}
	o.logger.Printf(format, args...)
}

// CacheKey 对查询与过滤条件做归一化（大小写、商店顺序）后取 md5。
func CacheKey(req model.SearchRequest) string {
	shops := make([]string, 0, len(req.ShopCodes))
	seen := make(map[string]struct{}, len(req.ShopCodes))
	for _, s := range req.ShopCodes {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		shops = append(shops, s)
	}
	sort.Strings(shops)

	parts := []string{
		normalizer.NormalizeText(req.Query),
		strings.ToUpper(strings.TrimSpace(req.Condition)),
		strings.ToLower(strings.TrimSpace(req.Color)),
		strings.Join(shops, ","),
		decimalString(req.MinPrice),
		decimalString(req.MaxPrice),
		fmt.Sprint(req.EffectiveLimit()),
	}
	sum := md5.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// filterDocuments 对主索引候选做后置过滤，保持原有顺序并截断到 limit。
func filterDocuments(docs []model.SearchDocument, req model.SearchRequest) []model.OfferView {
	shops := make(map[string]struct{}, len(req.ShopCodes))
	for _, s := range req.ShopCodes {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			shops[s] = struct{}{}
		}
	}
	views := make([]model.OfferView, 0, req.Limit)
	for _, d := range docs {
		if len(views) >= req.Limit {
			break
		}
		if !d.Active || !d.InStock || !d.Price.Valid {
			continue
		}
		if req.Condition != "" && !strings.EqualFold(d.Condition, strings.TrimSpace(req.Condition)) {
			continue
		}
		if req.Color != "" && !strings.EqualFold(d.Color, strings.TrimSpace(req.Color)) {
			continue
		}
		if len(shops) > 0 {
			if _, ok := shops[strings.ToUpper(d.ShopCode)]; !ok {
				continue
			}
		}
		if req.MinPrice != nil && d.Price.Decimal.LessThan(*req.MinPrice) {
			continue
		}
		if req.MaxPrice != nil && d.Price.Decimal.GreaterThan(*req.MaxPrice) {
			continue
		}
		views = append(views, model.ViewFromDocument(d))
	}
	return views
}

func offerQuery(req model.SearchRequest) storage.OfferQuery {
	return storage.OfferQuery{
		Query:     req.Query,
		Condition: strings.TrimSpace(req.Condition),
		Color:     strings.TrimSpace(req.Color),
		ShopCodes: req.ShopCodes,
		MinPrice:  req.MinPrice,
		MaxPrice:  req.MaxPrice,
		Limit:     req.Limit,
	}
}

func response(req model.SearchRequest, views []model.OfferView) model.SearchResponse {
	if views == nil {
		views = []model.OfferView{}
	}
	return model.SearchResponse{
		Query:        req.Query,
		TotalMatches: int64(len(views)),
		Offers:       views,
	}
}

func decimalString(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
