package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"price-radar/internal/fetcher"
	"price-radar/internal/model"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"
)

const defaultPolitenessDelay = 500 * time.Millisecond

// Config 定义抓取循环配置。
type Config struct {
	PolitenessDelay string `yaml:"politeness_delay" json:"politeness_delay"`
}

// Item 是列表页上的一条原始记录，来自 DOM 节点或内嵌 JSON 之一。
type Item struct {
	Node *goquery.Selection
	Data json.RawMessage
}

// Source 是单个商店的抓取能力：定位列表页条目，以及从单条记录中抽取 listing。
type Source interface {
	ShopCode() string
	// Locate 抓取第 page 页（从 1 开始），more=false 表示没有后续页。
	Locate(ctx context.Context, f fetcher.Fetcher, page int) (items []Item, more bool, err error)
	// Extract 把单条记录映射为 listing，错误只影响这一条。
	Extract(item Item) (model.ScrapedListing, error)
}

// Result 是一次来源抓取的汇总。
type Result struct {
	Listings []model.ScrapedListing
	Pages    int
	Skipped  int
	// Partial 表示翻页中途失败，Listings 只包含失败前的页面。
	Partial bool
	StopErr string
}

// Runner 顺序翻页并在两次请求之间保持礼貌延迟，所有来源共用同一套流程。
type Runner struct {
	delay  time.Duration
	logger *log.Logger
}

// NewRunner 创建 Runner。
func NewRunner(cfg Config) *Runner {
	delay := defaultPolitenessDelay
	if cfg.PolitenessDelay != "" {
		if d, err := time.ParseDuration(cfg.PolitenessDelay); err == nil && d >= 0 {
			delay = d
		}
	}
	return &Runner{
		delay:  delay,
		logger: log.New(os.Stdout, "[scraper] ", log.LstdFlags),
	}
}

// Run 执行一个来源的完整抓取。单条抽取失败只记录并跳过；
// 第一页就失败时返回错误，后续页失败则提前结束并返回已抓到的部分。
func (r *Runner) Run(ctx context.Context, src Source, f fetcher.Fetcher) (Result, error) {
	res := Result{}
	shop := src.ShopCode()
	limiter := rate.NewLimiter(rate.Inf, 1)
	if r.delay > 0 {
		limiter = rate.NewLimiter(rate.Every(r.delay), 1)
	}
	seen := make(map[string]struct{})

	r.logf("start shop=%s politeness_delay=%s", shop, r.delay)
	for page := 1; ; page++ {
		if err := limiter.Wait(ctx); err != nil {
			return r.stop(res, shop, page, err)
		}
		items, more, err := src.Locate(ctx, f, page)
		if err != nil {
			return r.stop(res, shop, page, err)
		}
		res.Pages++
		if len(items) == 0 {
			r.logf("shop=%s page=%d empty, stop paging", shop, page)
			break
		}

		accepted := 0
		for _, item := range items {
			listing, err := src.Extract(item)
			if err != nil {
				res.Skipped++
				r.logf("shop=%s page=%d skip listing: %v", shop, page, err)
				continue
			}
			if listing.ShopCode == "" {
				listing.ShopCode = shop
			}
			if listing.URL != "" {
				if _, dup := seen[listing.URL]; dup {
					continue
				}
				seen[listing.URL] = struct{}{}
			}
			res.Listings = append(res.Listings, listing)
			accepted++
		}
		r.logf("shop=%s page=%d items=%d accepted=%d cumulative=%d", shop, page, len(items), accepted, len(res.Listings))
		if !more {
			break
		}
	}
	r.logf("done shop=%s pages=%d listings=%d skipped=%d", shop, res.Pages, len(res.Listings), res.Skipped)
	return res, nil
}

func (r *Runner) stop(res Result, shop string, page int, err error) (Result, error) {
	if page == 1 {
		return res, fmt.Errorf("shop %s page %d: %w", shop, page, err)
	}
	res.Partial = true
	res.StopErr = err.Error()
	r.logf("shop=%s page=%d traversal stopped early: %v", shop, page, err)
	return res, nil
}

func (r *Runner) logf(format string, args ...any) {
	if r.logger == nil {
		r.logger = log.New(os.Stdout, "[scraper] ", log.LstdFlags)
	}
	r.logger.Printf(format, args...)
}

// Factory 根据商店记录构建来源。
type Factory func(shop model.Shop) Source

// Registry 按商店代码登记可用来源。
type Registry struct {
	factories map[string]Factory
}

// NewRegistry 创建空注册表。
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry 注册内置的三个来源。
func DefaultRegistry() *Registry {
	reg := NewRegistry()
	reg.Register(KontaktCode, func(shop model.Shop) Source { return NewKontakt(shop.BaseURL) })
	reg.Register(IrshadCode, func(shop model.Shop) Source { return NewIrshad(shop.BaseURL) })
	reg.Register(BakuElectronicsCode, func(shop model.Shop) Source { return NewBakuElectronics(shop.BaseURL) })
	return reg
}

// Register 登记来源，代码不区分大小写。
func (r *Registry) Register(code string, f Factory) {
	r.factories[strings.ToUpper(code)] = f
}

// Has 判断是否存在该商店的来源。
func (r *Registry) Has(code string) bool {
	_, ok := r.factories[strings.ToUpper(code)]
	return ok
}

// Build 为商店构建来源。
func (r *Registry) Build(shop model.Shop) (Source, bool) {
	f, ok := r.factories[strings.ToUpper(shop.Code)]
	if !ok {
		return nil, false
	}
	return f(shop), true
}

// Codes 返回已登记的商店代码。
func (r *Registry) Codes() []string {
	codes := make([]string, 0, len(r.factories))
	for c := range r.factories {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}
