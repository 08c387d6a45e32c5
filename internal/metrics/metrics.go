package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scraperAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricecomparator_scraper_attempts_total",
			Help: "Scraping runs per shop and outcome.",
		},
		[]string{"shop", "status"},
	)
	scraperDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pricecomparator_scraper_duration_seconds",
			Help:    "Duration of one shop scraping run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"shop", "status"},
	)
	scraperListings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricecomparator_scraper_listings_total",
			Help: "Listings found, offers created, updated and failed per shop.",
		},
		[]string{"shop", "kind"},
	)
	scraperActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pricecomparator_scraper_active_jobs",
		Help: "Shop scraping runs in progress.",
	})

	searchRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricecomparator_search_requests_total",
			Help: "Search requests by answering source and cache result.",
		},
		[]string{"source", "cache"},
	)
	searchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pricecomparator_search_duration_seconds",
			Help:    "Search latency by answering source.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
		[]string{"source"},
	)
	searchResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricecomparator_search_results_total",
			Help: "Offers returned by answering source.",
		},
		[]string{"source"},
	)
	searchFallback = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pricecomparator_search_fallback_total",
		Help: "Searches answered by the relational fallback.",
	})

	cacheOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricecomparator_cache_operations_total",
			Help: "Cache operations by kind and result.",
		},
		[]string{"op", "result"},
	)

	indexDocuments = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pricecomparator_index_documents_total",
		Help: "Documents in the primary index after the last rebuild.",
	})
	indexOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricecomparator_index_operations_total",
			Help: "Primary index operations by kind and result.",
		},
		[]string{"op", "result"},
	)
	indexDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pricecomparator_index_duration_seconds",
			Help:    "Primary index operation latency.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"op"},
	)

	normalizationAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pricecomparator_normalization_attempts_total",
		Help: "Listings passed through the normalizer.",
	})
	normalizationDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricecomparator_normalization_detected_total",
			Help: "Brands and colors detected by the normalizer.",
		},
		[]string{"field", "value"},
	)
	normalizationErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pricecomparator_normalization_errors_total",
		Help: "Listings that fell back to a best-effort name.",
	})
)

func init() {
	prometheus.MustRegister(
		scraperAttempts, scraperDuration, scraperListings, scraperActive,
		searchRequests, searchDuration, searchResults, searchFallback,
		cacheOperations,
		indexDocuments, indexOperations, indexDuration,
		normalizationAttempts, normalizationDetected, normalizationErrors,
	)
}

// ScrapeStarted 标记一个商店抓取开始，返回的函数在结束时调用。
func ScrapeStarted() func() {
	scraperActive.Inc()
	return scraperActive.Dec
}

// RecordScrape 记录一次商店抓取的结果与耗时。
func RecordScrape(shop, status string, d time.Duration) {
	scraperAttempts.WithLabelValues(shop, status).Inc()
	scraperDuration.WithLabelValues(shop, status).Observe(d.Seconds())
}

// RecordListings 累加抓取数量。
func RecordListings(shop string, found, created, updated, failed int) {
	scraperListings.WithLabelValues(shop, "found").Add(float64(found))
	scraperListings.WithLabelValues(shop, "created").Add(float64(created))
	scraperListings.WithLabelValues(shop, "updated").Add(float64(updated))
	scraperListings.WithLabelValues(shop, "failed").Add(float64(failed))
}

// RecordSearch 记录一次搜索。
func RecordSearch(source string, cacheHit bool, results int, d time.Duration) {
	cache := "miss"
	if cacheHit {
		cache = "hit"
	}
	searchRequests.WithLabelValues(source, cache).Inc()
	searchResults.WithLabelValues(source).Add(float64(results))
	searchDuration.WithLabelValues(source).Observe(d.Seconds())
}

func RecordFallback() {
	searchFallback.Inc()
}

// RecordCache 记录缓存操作，result 取 hit/miss/ok/error。
func RecordCache(op, result string) {
	cacheOperations.WithLabelValues(op, result).Inc()
}

// RecordIndex 记录主索引操作。
func RecordIndex(op string, err error, d time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	indexOperations.WithLabelValues(op, result).Inc()
	indexDuration.WithLabelValues(op).Observe(d.Seconds())
}

func SetIndexDocuments(n int64) {
	indexDocuments.Set(float64(n))
}

// RecordNormalization 记录一次归一化，空字符串表示未识别。
func RecordNormalization(brand, color string, failed bool) {
	normalizationAttempts.Inc()
	if failed {
		normalizationErrors.Inc()
		return
	}
	if brand != "" {
		normalizationDetected.WithLabelValues("brand", brand).Inc()
	}
	if color != "" {
		normalizationDetected.WithLabelValues("color", color).Inc()
	}
}

// Handler 返回 Prometheus 导出处理器。
func Handler() http.Handler {
	return promhttp.Handler()
}
