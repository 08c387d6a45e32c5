package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"price-radar/internal/api"
	"price-radar/internal/cache"
	"price-radar/internal/catalog"
	"price-radar/internal/fetcher"
	"price-radar/internal/index"
	"price-radar/internal/ingest"
	"price-radar/internal/model"
	"price-radar/internal/normalizer"
	"price-radar/internal/notifier"
	"price-radar/internal/renormalize"
	"price-radar/internal/scheduler"
	"price-radar/internal/scraper"
	"price-radar/internal/search"
	"price-radar/internal/storage"
)

// AppConfig 应用配置。
type AppConfig struct {
	Server    ServerConfig          `yaml:"server"`
	Database  storage.Config        `yaml:"database"`
	Index     index.Config          `yaml:"index"`
	Redis     cache.Config          `yaml:"redis"`
	Cache     CacheConfig           `yaml:"cache"`
	Search    SearchConfig          `yaml:"search"`
	Fetcher   fetcher.Config        `yaml:"fetcher"`
	Browser   fetcher.BrowserConfig `yaml:"browser"`
	Scraper   scraper.Config        `yaml:"scraper"`
	Scheduler scheduler.Config      `yaml:"scheduler"`
	Notify    NotifyConfig          `yaml:"notify"`
}

type ServerConfig struct {
	Addr            string `yaml:"addr"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

type CacheConfig struct {
	SearchTTL   string `yaml:"search_ttl"`
	CheapestTTL string `yaml:"cheapest_ttl"`
}

type SearchConfig struct {
	Breaker search.BreakerConfig `yaml:"breaker"`
}

type NotifyConfig struct {
	Email notifier.EmailConfig `yaml:"email"`
}

// 以下接口便于测试替换服务器与调度器。
type httpServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

type backgroundScheduler interface {
	Start(ctx context.Context) error
	RunOnce(ctx context.Context) (model.RunReport, bool)
}

type appDeps struct {
	sched   backgroundScheduler
	handler http.Handler
}

type appBuilder func(AppConfig) (appDeps, func(), error)

func main() {
	once := flag.Bool("once", false, "run one scrape of all shops and exit")
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Printf("load config error: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *once {
		report, err := runOnceManual(ctx, cfg, buildApp)
		if err != nil {
			log.Printf("manual run error: %v", err)
			os.Exit(1)
		}
		log.Printf("manual run %s finished shops=%d indexed=%d", report.RunID, len(report.Jobs), report.Indexed)
		return
	}

	deps, cleanup, err := buildApp(cfg)
	if err != nil {
		log.Printf("init error: %v", err)
		os.Exit(1)
	}
	defer cleanup()

	addr := cfg.Server.Addr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{Addr: addr, Handler: deps.handler, ReadHeaderTimeout: 10 * time.Second}

	log.Printf("listening on %s", addr)
	if err := runServer(ctx, srv, deps.sched, parseDuration(cfg.Server.ShutdownTimeout, 10*time.Second)); err != nil {
		log.Printf("server error: %v", err)
	}
}

func loadConfig() (AppConfig, error) {
	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		path = "config.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Printf("config %s not found, using defaults", path)
			return AppConfig{}, nil
		}
		return AppConfig{}, err
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// buildApp 打开存储、索引与缓存并组装全部组件，返回的 cleanup 按相反顺序释放资源。
func buildApp(cfg AppConfig) (appDeps, func(), error) {
	ctx := context.Background()

	store, err := storage.Open(cfg.Database)
	if err != nil {
		return appDeps{}, func() {}, fmt.Errorf("init store: %w", err)
	}
	if n, err := store.EnsureShops(ctx, storage.DefaultShops()); err != nil {
		_ = store.Close()
		return appDeps{}, func() {}, fmt.Errorf("bootstrap shops: %w", err)
	} else if n > 0 {
		log.Printf("bootstrapped %d shops", n)
	}

	ix, err := index.Open(cfg.Index)
	if err != nil {
		_ = store.Close()
		return appDeps{}, func() {}, fmt.Errorf("init index: %w", err)
	}
	c, closeCache := cache.Open(ctx, cfg.Redis)

	searcher := search.New(search.Config{
		SearchTTL:   cfg.Cache.SearchTTL,
		CheapestTTL: cfg.Cache.CheapestTTL,
		Breaker:     cfg.Search.Breaker,
	}, ix, store, c)

	pool := fetcher.NewBrowserPool(cfg.Browser)
	indexer := index.NewIndexer(ix, store)
	ing := ingest.New(ingest.Deps{
		Store:       store,
		Registry:    scraper.DefaultRegistry(),
		Runner:      scraper.NewRunner(cfg.Scraper),
		Fetchers:    ingest.PooledFetchers(fetcher.NewStaticFetcher(cfg.Fetcher, nil), pool),
		Normalizer:  normalizer.New(nil),
		Catalog:     catalog.NewEngine(store),
		Indexer:     indexer,
		Invalidator: searcher,
		Notifier:    notifier.Build(cfg.Notify.Email),
	})
	sched := scheduler.NewScheduler(ing, cfg.Scheduler)

	handler := api.NewHandler(api.Deps{
		Search:      searcher,
		Ingest:      ing,
		Trigger:     sched,
		Indexer:     indexer,
		Index:       ix,
		Renormalize: renormalize.New(store),
		DB:          store,
	})

	cleanup := func() {
		pool.Close()
		if err := closeCache(); err != nil {
			log.Printf("close cache: %v", err)
		}
		if err := ix.Close(); err != nil {
			log.Printf("close index: %v", err)
		}
		if err := store.Close(); err != nil {
			log.Printf("close store: %v", err)
		}
	}
	return appDeps{sched: sched, handler: handler}, cleanup, nil
}

// runServer 启动调度器与 HTTP 服务，ctx 取消后在 timeout 内优雅关闭。
func runServer(ctx context.Context, srv httpServer, sched backgroundScheduler, timeout time.Duration) error {
	ctx, stopSched := context.WithCancel(ctx)
	defer stopSched()

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := sched.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("scheduler stopped: %v", err)
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}

	stopSched()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil && err == nil {
		err = fmt.Errorf("shutdown: %w", shutdownErr)
	}

	select {
	case <-schedDone:
	case <-shutdownCtx.Done():
	}
	return err
}

// runOnceManual 组装依赖后执行一次全量抓取。
func runOnceManual(ctx context.Context, cfg AppConfig, build appBuilder) (model.RunReport, error) {
	deps, cleanup, err := build(cfg)
	if err != nil {
		return model.RunReport{}, err
	}
	defer cleanup()

	report, ran := deps.sched.RunOnce(ctx)
	if !ran {
		return report, fmt.Errorf("another run is in progress")
	}
	return report, nil
}

func parseDuration(v string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	return def
}
