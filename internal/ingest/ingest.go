package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"price-radar/internal/catalog"
	"price-radar/internal/fetcher"
	"price-radar/internal/index"
	"price-radar/internal/metrics"
	"price-radar/internal/model"
	"price-radar/internal/normalizer"
	"price-radar/internal/scraper"
	"price-radar/internal/storage"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
)

var (
	ErrUnknownShop  = errors.New("unknown shop")
	ErrShopInactive = errors.New("shop is inactive")
	ErrNoScraper    = errors.New("no scraper registered for shop")
)

const (
	recentJobsWindow  = 7 * 24 * time.Hour
	defaultRecentJobs = 10
)

// Store 是编排器依赖的商店与任务存储。
type Store interface {
	ListActiveShops(ctx context.Context) ([]model.Shop, error)
	GetShopByCode(ctx context.Context, code string) (*model.Shop, error)
	MarkShopScraped(ctx context.Context, shopID uint, at time.Time) error
	CreateJob(ctx context.Context, job *model.IngestionJob) error
	SaveJob(ctx context.Context, job *model.IngestionJob) error
	RecentJobs(ctx context.Context, since time.Time, limit int) ([]model.IngestionJob, error)
}

// Persister 把归一化结果写入商品目录。
type Persister interface {
	Persist(ctx context.Context, shop model.Shop, listings []model.NormalizedListing) catalog.Stats
}

// Indexer 全量重建主索引。
type Indexer interface {
	Rebuild(ctx context.Context) (index.RebuildResult, error)
}

// Invalidator 清空搜索相关缓存。
type Invalidator interface {
	InvalidateAll(ctx context.Context) error
}

// Notifier 接收每次运行的汇总。
type Notifier interface {
	Notify(ctx context.Context, report model.RunReport) error
}

// FetcherFactory 为单个抓取任务分配抓取策略，release 在任务结束时调用。
type FetcherFactory func() (f fetcher.Fetcher, release func())

// PooledFetchers 每次调用从浏览器池取一个独占会话，与静态抓取器组合成抓取策略。
func PooledFetchers(static *fetcher.StaticFetcher, pool *fetcher.BrowserPool) FetcherFactory {
	return func() (fetcher.Fetcher, func()) {
		sess := pool.Session()
		return fetcher.NewStrategy(static, sess), sess.Close
	}
}

// Deps 汇总编排器的协作者，Indexer/Invalidator/Notifier 可为空。
type Deps struct {
	Store       Store
	Registry    *scraper.Registry
	Runner      *scraper.Runner
	Fetchers    FetcherFactory
	Normalizer  *normalizer.Normalizer
	Catalog     Persister
	Indexer     Indexer
	Invalidator Invalidator
	Notifier    Notifier
}

// Orchestrator 负责一次完整的抓取运行：各商店并发抓取、写入目录，随后重建索引、清空缓存并发送汇总。
type Orchestrator struct {
	store       Store
	registry    *scraper.Registry
	runner      *scraper.Runner
	fetchers    FetcherFactory
	normalizer  *normalizer.Normalizer
	catalog     Persister
	indexer     Indexer
	invalidator Invalidator
	notifier    Notifier
	now         func() time.Time
	logger      *log.Logger
}

// New 创建编排器，未提供的 Registry/Runner/Normalizer 使用默认实现。
func New(deps Deps) *Orchestrator {
	if deps.Registry == nil {
		deps.Registry = scraper.DefaultRegistry()
	}
	if deps.Runner == nil {
		deps.Runner = scraper.NewRunner(scraper.Config{})
	}
	if deps.Normalizer == nil {
		deps.Normalizer = normalizer.New(nil)
	}
	if deps.Fetchers == nil {
		deps.Fetchers = PooledFetchers(fetcher.NewStaticFetcher(fetcher.Config{}, nil), nil)
	}
	return &Orchestrator{
		store:       deps.Store,
		registry:    deps.Registry,
		runner:      deps.Runner,
		fetchers:    deps.Fetchers,
		normalizer:  deps.Normalizer,
		catalog:     deps.Catalog,
		indexer:     deps.Indexer,
		invalidator: deps.Invalidator,
		notifier:    deps.Notifier,
		now:         time.Now,
		logger:      log.New(os.Stdout, "[ingest] ", log.LstdFlags),
	}
}

// ScrapeAll 抓取所有启用且有抓取器的商店。单个商店失败只体现在它自己的任务记录上。
func (o *Orchestrator) ScrapeAll(ctx context.Context) (model.RunReport, error) {
	shops, err := o.store.ListActiveShops(ctx)
	if err != nil {
		return model.RunReport{}, fmt.Errorf("list active shops: %w", err)
	}
	scrapable := make([]model.Shop, 0, len(shops))
	for _, shop := range shops {
		if !o.registry.Has(shop.Code) {
			o.logf("shop=%s has no scraper, skipped", shop.Code)
			continue
		}
		scrapable = append(scrapable, shop)
	}
	return o.run(ctx, scrapable), nil
}

// ResolveShop 校验手动抓取的商店代码：必须存在、已启用且有抓取器。
func (o *Orchestrator) ResolveShop(ctx context.Context, code string) (model.Shop, error) {
	shop, err := o.store.GetShopByCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Shop{}, fmt.Errorf("%w: %s", ErrUnknownShop, code)
		}
		return model.Shop{}, fmt.Errorf("get shop %s: %w", code, err)
	}
	if !shop.Active {
		return model.Shop{}, fmt.Errorf("%w: %s", ErrShopInactive, shop.Code)
	}
	if !o.registry.Has(shop.Code) {
		return model.Shop{}, fmt.Errorf("%w: %s", ErrNoScraper, shop.Code)
	}
	return *shop, nil
}

// ScrapeShop 只抓取一个商店，收尾步骤与 ScrapeAll 相同。
func (o *Orchestrator) ScrapeShop(ctx context.Context, shop model.Shop) model.RunReport {
	return o.run(ctx, []model.Shop{shop})
}

// ScrapeShopByCode 校验后同步抓取一个商店。
func (o *Orchestrator) ScrapeShopByCode(ctx context.Context, code string) (model.RunReport, error) {
	shop, err := o.ResolveShop(ctx, code)
	if err != nil {
		return model.RunReport{}, err
	}
	return o.ScrapeShop(ctx, shop), nil
}

// RecentJobs 返回最近 7 天的任务，limit <= 0 时取 10 条。
func (o *Orchestrator) RecentJobs(ctx context.Context, limit int) ([]model.IngestionJob, error) {
	if limit <= 0 {
		limit = defaultRecentJobs
	}
	return o.store.RecentJobs(ctx, o.now().Add(-recentJobsWindow), limit)
}

func (o *Orchestrator) run(ctx context.Context, shops []model.Shop) model.RunReport {
	report := model.RunReport{RunID: uuid.NewString(), StartedAt: o.now()}
	o.logf("run=%s start shops=%d", report.RunID, len(shops))

	jobs := make([]model.IngestionJob, len(shops))
	var g errgroup.Group
	for i, shop := range shops {
		g.Go(func() error {
			jobs[i] = o.scrapeShop(ctx, report.RunID, shop)
			return nil
		})
	}
	_ = g.Wait()
	report.Jobs = jobs

	if o.indexer != nil {
		res, err := o.indexer.Rebuild(ctx)
		switch {
		case errors.Is(err, index.ErrDisabled):
			o.logf("run=%s primary index disabled, rebuild skipped", report.RunID)
		case err != nil:
			report.IndexError = err.Error()
			o.logf("run=%s index rebuild failed: %v", report.RunID, err)
		default:
			report.Indexed = res.Indexed
			o.logf("run=%s index rebuilt indexed=%d failed=%d", report.RunID, res.Indexed, res.Failed)
		}
	}

	if o.invalidator != nil {
		if err := o.invalidator.InvalidateAll(ctx); err != nil {
			o.logf("run=%s cache invalidation failed: %v", report.RunID, err)
		}
	}

	report.CompletedAt = o.now()
	if o.notifier != nil {
		if err := o.notifier.Notify(ctx, report); err != nil {
			o.logf("run=%s notify failed: %v", report.RunID, err)
		}
	}
	o.logf("run=%s done shops=%d elapsed=%s", report.RunID, len(shops), report.CompletedAt.Sub(report.StartedAt))
	return report
}

// scrapeShop 执行单个商店的任务。任务记录在任何退出路径上都会写入完成时间与耗时。
func (o *Orchestrator) scrapeShop(ctx context.Context, runID string, shop model.Shop) (job model.IngestionJob) {
	job = model.IngestionJob{
		RunID:     runID,
		ShopID:    shop.ID,
		Status:    model.JobStatusStarted,
		StartedAt: o.now(),
	}
	if err := o.store.CreateJob(ctx, &job); err != nil {
		o.logf("shop=%s create job failed: %v", shop.Code, err)
	}

	done := metrics.ScrapeStarted()
	defer done()
	defer func() {
		if r := recover(); r != nil {
			job.Status = model.JobStatusFailed
			job.ErrorMessage = fmt.Sprintf("panic: %v", r)
			o.logf("shop=%s scraper panicked: %v", shop.Code, r)
		}
		o.finalize(ctx, &job, shop)
	}()

	if err := o.scrape(ctx, shop, &job); err != nil {
		job.Status = model.JobStatusFailed
		job.ErrorMessage = err.Error()
		o.logf("shop=%s failed: %v", shop.Code, err)
		return job
	}
	job.Status = model.JobStatusSuccess
	if err := o.store.MarkShopScraped(ctx, shop.ID, o.now()); err != nil {
		o.logf("shop=%s mark scraped failed: %v", shop.Code, err)
	}
	return job
}

func (o *Orchestrator) scrape(ctx context.Context, shop model.Shop, job *model.IngestionJob) error {
	src, ok := o.registry.Build(shop)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoScraper, shop.Code)
	}
	f, release := o.fetchers()
	defer release()

	res, err := o.runner.Run(ctx, src, f)
	details := datatypes.JSONMap{"pages": res.Pages, "skipped": res.Skipped}
	if res.Partial {
		details["partial"] = true
		details["stop_error"] = res.StopErr
	}
	job.Details = details
	job.ProductsFound = len(res.Listings)
	if err != nil {
		return err
	}

	listings := o.normalizer.NormalizeAll(res.Listings)
	stats := o.catalog.Persist(ctx, shop, listings)
	job.OffersCreated = stats.Created
	job.OffersUpdated = stats.Updated
	job.OffersFailed = stats.Failed
	o.logf("shop=%s found=%d created=%d updated=%d failed=%d", shop.Code, job.ProductsFound, stats.Created, stats.Updated, stats.Failed)
	return nil
}

func (o *Orchestrator) finalize(ctx context.Context, job *model.IngestionJob, shop model.Shop) {
	completed := o.now()
	duration := int(completed.Sub(job.StartedAt) / time.Second)
	job.CompletedAt = &completed
	job.DurationSeconds = &duration

	if err := o.store.SaveJob(context.WithoutCancel(ctx), job); err != nil {
		o.logf("shop=%s save job failed: %v", shop.Code, err)
	}
	metrics.RecordScrape(shop.Code, strings.ToLower(string(job.Status)), completed.Sub(job.StartedAt))
	metrics.RecordListings(shop.Code, job.ProductsFound, job.OffersCreated, job.OffersUpdated, job.OffersFailed)
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.logger == nil {
		o.logger = log.New(os.Stdout, "[ingest] ", log.LstdFlags)
	}
	o.logger.Printf(format, args...)
}
