package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"
)

const (
	defaultMaxRetries     = 3
	defaultRetryBaseDelay = 2 * time.Second
	defaultTimeout        = 30 * time.Second
	defaultUserAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
)

// Config 定义静态抓取配置。
type Config struct {
	Timeout        string `yaml:"timeout" json:"timeout"`
	MaxRetries     int    `yaml:"max_retries" json:"max_retries"`
	RetryBaseDelay string `yaml:"retry_base_delay" json:"retry_base_delay"`
	UserAgent      string `yaml:"user_agent" json:"user_agent"`
}

// Fetcher 是来源抓取器使用的统一抓取策略。
type Fetcher interface {
	Static(ctx context.Context, url string) (string, error)
	Rendered(ctx context.Context, url string, opts RenderOptions) (string, error)
}

// StatusError 表示非 2xx 响应。
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.Code, e.URL)
}

// StaticFetcher 通过一次 HTTP 请求获取页面，传输失败时线性退避重试。
type StaticFetcher struct {
	client     *http.Client
	maxRetries int
	baseDelay  time.Duration
	userAgent  string
	sleep      func(ctx context.Context, d time.Duration) error
	logger     *log.Logger
}

// NewStaticFetcher 创建静态抓取器，client 为空时按配置超时创建。
func NewStaticFetcher(cfg Config, client *http.Client) *StaticFetcher {
	timeout := parseDuration(cfg.Timeout, defaultTimeout)
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = defaultMaxRetries
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	return &StaticFetcher{
		client:     client,
		maxRetries: retries,
		baseDelay:  parseDuration(cfg.RetryBaseDelay, defaultRetryBaseDelay),
		userAgent:  ua,
		sleep:      sleepContext,
		logger:     log.New(os.Stdout, "[fetcher] ", log.LstdFlags),
	}
}

// Fetch 获取页面 HTML，最多重试 maxRetries 次，第 n 次失败后等待 n*baseDelay。
// 重试耗尽时返回最后一次错误。
func (f *StaticFetcher) Fetch(ctx context.Context, url string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= f.maxRetries; attempt++ {
		body, err := f.fetchOnce(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable(err) || ctx.Err() != nil {
			break
		}
		f.logf("fetch failed url=%s attempt=%d/%d err=%v", url, attempt, f.maxRetries, err)
		if attempt == f.maxRetries {
			break
		}
		if err := f.sleep(ctx, time.Duration(attempt)*f.baseDelay); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("fetch %s: %w", url, lastErr)
}

func (f *StaticFetcher) fetchOnce(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "az,en-US;q=0.9,en;q=0.8,ru;q=0.7")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", &StatusError{URL: url, Code: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return string(body), nil
}

func (f *StaticFetcher) logf(format string, args ...any) {
	if f.logger == nil {
		f.logger = log.New(os.Stdout, "[fetcher] ", log.LstdFlags)
	}
	f.logger.Printf(format, args...)
}

// 4xx（429 除外）不重试。
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	return !errors.Is(err, context.Canceled)
}

// Strategy 组合静态抓取与某个任务独占的浏览器会话。
type Strategy struct {
	static  *StaticFetcher
	session *Session
}

// NewStrategy 创建抓取策略，session 为空时渲染抓取退化为静态抓取。
func NewStrategy(static *StaticFetcher, session *Session) *Strategy {
	return &Strategy{static: static, session: session}
}

// Static 执行静态抓取。
func (s *Strategy) Static(ctx context.Context, url string) (string, error) {
	return s.static.Fetch(ctx, url)
}

// Rendered 执行浏览器渲染抓取，未配置浏览器时退化为静态抓取。
func (s *Strategy) Rendered(ctx context.Context, url string, opts RenderOptions) (string, error) {
	if s.session == nil || !s.session.Enabled() {
		s.static.logf("browser disabled, static fetch for %s", url)
		return s.static.Fetch(ctx, url)
	}
	return s.session.Render(ctx, url, opts)
}

func parseDuration(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
