package scheduler

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"price-radar/internal/model"

	"golang.org/x/sync/errgroup"
)

// Config 用于调度配置。Interval 可以是 Go duration（如 "6h"）或 5 段 cron 表达式。
type Config struct {
	Enabled  *bool  `yaml:"enabled" json:"enabled"`
	Interval string `yaml:"interval" json:"interval"`
}

const defaultCronSpec = "0 2 * * *"

// Ingestor 执行全量或单个商店的抓取。
type Ingestor interface {
	ScrapeAll(ctx context.Context) (model.RunReport, error)
	ScrapeShop(ctx context.Context, shop model.Shop) model.RunReport
}

// Scheduler 周期性触发抓取，同一时间最多只有一次运行。
type Scheduler struct {
	ingest    Ingestor
	enabled   bool
	interval  time.Duration
	cronSpec  string
	cron      *cronSchedule
	running   atomic.Bool
	newTicker func(time.Duration) ticker
	now       func() time.Time
	logger    *log.Logger
}

type ticker interface {
	C() <-chan time.Time
	Stop()
}

// NewScheduler 创建 Scheduler，未配置间隔时每天 02:00 运行。
func NewScheduler(ing Ingestor, cfg Config) *Scheduler {
	interval, cronCfg := parseSchedule(cfg.Interval)
	enabled := true
	if cfg.Enabled != nil {
		enabled = *cfg.Enabled
	}
	return &Scheduler{
		ingest:    ing,
		enabled:   enabled,
		interval:  interval,
		cronSpec:  cronCfg.spec,
		cron:      cronCfg.schedule,
		newTicker: defaultTicker,
		now:       time.Now,
		logger:    log.New(os.Stdout, "[scheduler] ", log.LstdFlags),
	}
}

// Start 启动调度循环，直到上下文取消。未启用时只等待取消。
func (s *Scheduler) Start(ctx context.Context) error {
	if s.ingest == nil {
		return fmt.Errorf("scheduler missing dependencies")
	}
	if !s.enabled {
		s.logf("scheduled scraping disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	g, ctx := errgroup.WithContext(ctx)

	if s.cron != nil {
		s.logf("cron schedule %q", s.cronSpec)
		g.Go(func() error {
			return s.startCron(ctx)
		})
	} else {
		s.logf("interval schedule %s", s.interval)
		tick := s.newTicker(s.interval)
		ch := tick.C()

		g.Go(func() error {
			defer tick.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ch:
					s.runOnce(ctx)
				drain:
					for {
						select {
						case <-ch:
							continue
						default:
							break drain
						}
					}
				}
			}
		})
	}

	return g.Wait()
}

// RunOnce 立即执行一次抓取；已有运行进行中时直接返回 false。
func (s *Scheduler) RunOnce(ctx context.Context) (model.RunReport, bool) {
	return s.runOnce(ctx)
}

// RunShop 抓取单个商店，与全量运行共用互斥；已有运行进行中时返回 false。
func (s *Scheduler) RunShop(ctx context.Context, shop model.Shop) (model.RunReport, bool) {
	if s.running.Swap(true) {
		s.logf("run in progress, skipped shop=%s", shop.Code)
		return model.RunReport{}, false
	}
	defer s.running.Store(false)
	return s.ingest.ScrapeShop(ctx, shop), true
}

func (s *Scheduler) runOnce(ctx context.Context) (model.RunReport, bool) {
	if s.running.Swap(true) {
		s.logf("previous run still in progress, skipped")
		return model.RunReport{}, false
	}
	defer s.running.Store(false)

	report, err := s.ingest.ScrapeAll(ctx)
	if err != nil {
		s.logf("scrape all failed: %v", err)
		return report, true
	}
	failed := 0
	for _, job := range report.Jobs {
		if job.Status == model.JobStatusFailed {
			failed++
		}
	}
	s.logf("run=%s shops=%d failed=%d", report.RunID, len(report.Jobs), failed)
	return report, true
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.logger == nil {
		s.logger = log.New(os.Stdout, "[scheduler] ", log.LstdFlags)
	}
	s.logger.Printf(format, args...)
}

func defaultTicker(d time.Duration) ticker {
	t := time.NewTicker(d)
	return tickerWrapper{t}
}

type tickerWrapper struct {
	*time.Ticker
}

func (t tickerWrapper) C() <-chan time.Time { return t.Ticker.C }
func (t tickerWrapper) Stop()               { t.Ticker.Stop() }

func (s *Scheduler) startCron(ctx context.Context) error {
	if s.cron == nil {
		return fmt.Errorf("cron schedule missing")
	}

	for {
		next, err := s.cron.next(s.now())
		if err != nil {
			return fmt.Errorf("compute next cron time: %w", err)
		}
		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			s.runOnce(ctx)
		}
	}
}

type cronConfig struct {
	spec     string
	schedule *cronSchedule
}

func parseSchedule(value string) (time.Duration, cronConfig) {
	trimmed := strings.TrimSpace(value)
	if trimmed != "" {
		if d, err := time.ParseDuration(trimmed); err == nil && d > 0 {
			return d, cronConfig{}
		}
		schedule, err := parseCronSpec(trimmed)
		if err == nil {
			return 0, cronConfig{spec: trimmed, schedule: schedule}
		}
	}

	schedule, _ := parseCronSpec(defaultCronSpec)
	return 0, cronConfig{spec: defaultCronSpec, schedule: schedule}
}

// cronSchedule 用位图保存每个字段允许的取值。
type cronSchedule struct {
	minute, hour, dom, month, dow uint64
}

var cronFields = [5]struct {
	name   string
	lo, hi int
}{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// parseCronSpec 支持 *、单值、a-b 区间与 /step 步长，多个片段以逗号分隔。
func parseCronSpec(spec string) (*cronSchedule, error) {
	parts := strings.Fields(spec)
	if len(parts) != len(cronFields) {
		return nil, fmt.Errorf("cron spec must have 5 fields")
	}
	var bits [5]uint64
	for i, f := range cronFields {
		b, err := parseCronField(parts[i], f.lo, f.hi)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.name, err)
		}
		bits[i] = b
	}
	return &cronSchedule{minute: bits[0], hour: bits[1], dom: bits[2], month: bits[3], dow: bits[4]}, nil
}

func parseCronField(expr string, lo, hi int) (uint64, error) {
	var bits uint64
	for _, part := range strings.Split(strings.TrimSpace(expr), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		rng, stepText, hasStep := strings.Cut(part, "/")
		step := 1
		if hasStep {
			n, err := strconv.Atoi(stepText)
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("invalid step %s", part)
			}
			step = n
		}

		from, to := lo, hi
		switch {
		case rng == "*":
		case strings.Contains(rng, "-"):
			a, b, _ := strings.Cut(rng, "-")
			x, errA := strconv.Atoi(a)
			y, errB := strconv.Atoi(b)
			if errA != nil || errB != nil || x < lo || y > hi || x > y {
				return 0, fmt.Errorf("invalid range %s", part)
			}
			from, to = x, y
		default:
			v, err := strconv.Atoi(rng)
			if err != nil || v < lo || v > hi {
				return 0, fmt.Errorf("invalid value %s", part)
			}
			from, to = v, v
			if hasStep {
				to = hi
			}
		}
		for v := from; v <= to; v += step {
			bits |= 1 << uint(v)
		}
	}
	if bits == 0 {
		return 0, fmt.Errorf("no values parsed")
	}
	return bits, nil
}

func has(bits uint64, v int) bool { return bits&(1<<uint(v)) != 0 }

// next 返回 after 之后第一个匹配的整分钟，最多向后查找一年。
func (c *cronSchedule) next(after time.Time) (time.Time, error) {
	t := after.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(1, 0, 0)
	for t.Before(limit) {
		switch {
		case !has(c.month, int(t.Month())):
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
		case !has(c.dom, t.Day()) || !has(c.dow, int(t.Weekday())):
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
		case !has(c.hour, t.Hour()):
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
		case !has(c.minute, t.Minute()):
			t = t.Add(time.Minute)
		default:
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("no matching time found")
}
