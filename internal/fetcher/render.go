package fetcher

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// BrowserConfig 定义无头浏览器配置。
type BrowserConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Bin         string `yaml:"bin" json:"bin"`
	Headless    *bool  `yaml:"headless" json:"headless"`
	PageTimeout string `yaml:"page_timeout" json:"page_timeout"`
	UserAgent   string `yaml:"user_agent" json:"user_agent"`
}

// RenderOptions 控制渲染抓取的附加等待与交互。
type RenderOptions struct {
	// WaitSelector 非空时等待该元素出现，超时不视为失败。
	WaitSelector string
	WaitTimeout  time.Duration
	// LoadMoreSelector 非空时反复点击"加载更多"按钮，最多 MaxLoadMore 次。
	LoadMoreSelector string
	MaxLoadMore      int
}

// 渲染等待节奏：首屏 4s，滚动到底 2s，回到顶部 2s，每次点击后 3s。
var (
	initialRenderWait = 4 * time.Second
	scrollWait        = 2 * time.Second
	loadMoreWait      = 3 * time.Second
)

// BrowserPool 管理浏览器会话，每个抓取任务独占一个会话并在结束时释放，
// Close 会释放所有尚未归还的会话。
type BrowserPool struct {
	cfg         BrowserConfig
	pageTimeout time.Duration
	mu          sync.Mutex
	sessions    map[*Session]struct{}
	closed      bool
	logger      *log.Logger
}

// NewBrowserPool 创建浏览器池，浏览器在会话首次渲染时才启动。
func NewBrowserPool(cfg BrowserConfig) *BrowserPool {
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	return &BrowserPool{
		cfg:         cfg,
		pageTimeout: parseDuration(cfg.PageTimeout, 60*time.Second),
		sessions:    make(map[*Session]struct{}),
		logger:      log.New(os.Stdout, "[browser] ", log.LstdFlags),
	}
}

// Session 为调用任务分配一个会话；pool 为空或未启用时返回禁用会话。
func (p *BrowserPool) Session() *Session {
	if p == nil || !p.cfg.Enabled {
		return &Session{}
	}
	s := &Session{pool: p}
	p.mu.Lock()
	if !p.closed {
		p.sessions[s] = struct{}{}
	} else {
		s.pool = nil
	}
	p.mu.Unlock()
	return s
}

// Active 返回当前持有浏览器的会话数量。
func (p *BrowserPool) Active() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for s := range p.sessions {
		if s.launched() {
			n++
		}
	}
	return n
}

// Close 关闭所有会话，用于进程退出。
func (p *BrowserPool) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.closed = true
	sessions := make([]*Session, 0, len(p.sessions))
	for s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	p.logf("browser pool closed sessions=%d", len(sessions))
}

func (p *BrowserPool) release(s *Session) {
	p.mu.Lock()
	delete(p.sessions, s)
	p.mu.Unlock()
}

func (p *BrowserPool) logf(format string, args ...any) {
	if p.logger == nil {
		p.logger = log.New(os.Stdout, "[browser] ", log.LstdFlags)
	}
	p.logger.Printf(format, args...)
}

// Session 是单个任务独占的浏览器实例，惰性启动。
type Session struct {
	pool     *BrowserPool
	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
	closed   bool
}

// Enabled 表示该会话能否真正渲染页面。
func (s *Session) Enabled() bool {
	return s != nil && s.pool != nil
}

func (s *Session) launched() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.browser != nil
}

// Render 加载页面，等待首屏、上下滚动触发懒加载后返回最终 HTML。
func (s *Session) Render(ctx context.Context, url string, opts RenderOptions) (string, error) {
	browser, err := s.acquire()
	if err != nil {
		return "", err
	}

	page, err := stealth.Page(browser)
	if err != nil {
		return "", fmt.Errorf("open page: %w", err)
	}
	defer page.Close()

	page = page.Context(ctx).Timeout(s.pool.pageTimeout)
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: s.pool.cfg.UserAgent}); err != nil {
		s.pool.logf("set user agent failed: %v", err)
	}
	if err := page.Navigate(url); err != nil {
		return "", fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		s.pool.logf("wait load url=%s err=%v", url, err)
	}

	if err := sleepContext(ctx, initialRenderWait); err != nil {
		return "", err
	}
	if _, err := page.Eval(`() => window.scrollTo(0, document.body.scrollHeight)`); err != nil {
		s.pool.logf("scroll down url=%s err=%v", url, err)
	}
	if err := sleepContext(ctx, scrollWait); err != nil {
		return "", err
	}
	if _, err := page.Eval(`() => window.scrollTo(0, 0)`); err != nil {
		s.pool.logf("scroll up url=%s err=%v", url, err)
	}
	if err := sleepContext(ctx, scrollWait); err != nil {
		return "", err
	}

	if opts.WaitSelector != "" {
		wait := opts.WaitTimeout
		if wait <= 0 {
			wait = 15 * time.Second
		}
		if _, err := page.Timeout(wait).Element(opts.WaitSelector); err != nil {
			s.pool.logf("wait selector=%q timed out url=%s, using partial content", opts.WaitSelector, url)
		}
	}

	if opts.LoadMoreSelector != "" {
		clicks := s.clickLoadMore(ctx, page, opts)
		s.pool.logf("load more url=%s clicks=%d", url, clicks)
	}

	html, err := page.HTML()
	if err != nil {
		return "", fmt.Errorf("read html: %w", err)
	}
	return html, nil
}

func (s *Session) clickLoadMore(ctx context.Context, page *rod.Page, opts RenderOptions) int {
	clicks := 0
	for clicks < opts.MaxLoadMore {
		els, err := page.Elements(opts.LoadMoreSelector)
		if err != nil || len(els) == 0 {
			break
		}
		btn := els[0]
		if visible, err := btn.Visible(); err != nil || !visible {
			break
		}
		_ = btn.ScrollIntoView()
		if err := btn.Click(proto.InputMouseButtonLeft, 1); err != nil {
			if _, err := btn.Eval(`() => this.click()`); err != nil {
				s.pool.logf("load more click failed: %v", err)
				break
			}
		}
		clicks++
		if err := sleepContext(ctx, loadMoreWait); err != nil {
			break
		}
	}
	return clicks
}

func (s *Session) acquire() (*rod.Browser, error) {
	if !s.Enabled() {
		return nil, fmt.Errorf("browser disabled")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("browser session closed")
	}
	if s.browser != nil {
		return s.browser, nil
	}

	cfg := s.pool.cfg
	headless := true
	if cfg.Headless != nil {
		headless = *cfg.Headless
	}
	l := launcher.New().
		Headless(headless).
		NoSandbox(true).
		Set("disable-dev-shm-usage").
		Set("disable-blink-features", "AutomationControlled").
		Set("window-size", "1920,1080").
		Set("lang", "en-US")
	if cfg.Bin != "" {
		l = l.Bin(cfg.Bin)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	s.launcher = l
	s.browser = browser
	s.pool.logf("browser started")
	return browser, nil
}

// Close 释放浏览器资源，可重复调用。
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.closed = true
	browser, l := s.browser, s.launcher
	s.browser, s.launcher = nil, nil
	s.mu.Unlock()

	if browser != nil {
		if err := browser.Close(); err != nil {
			s.pool.logf("close browser: %v", err)
		}
	}
	if l != nil {
		l.Kill()
	}
	if s.pool != nil {
		s.pool.release(s)
	}
}
