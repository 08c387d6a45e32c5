package index

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"price-radar/internal/metrics"
	"price-radar/internal/model"
	"price-radar/internal/normalizer"
	"price-radar/internal/storage"

	"github.com/agnivade/levenshtein"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	batchSize     = 100
	scanBatchSize = 500
)

// 字段权重。
const (
	weightNamePhrase  = 10.0
	weightModelPhrase = 8.0
	weightBrand       = 6.0
	weightModelFuzzy  = 6.0
	weightNameFuzzy   = 5.0
	weightTitleSubstr = 3.0
)

// ErrDisabled 表示未启用主索引。
var ErrDisabled = errors.New("search index disabled")

// Config 定义主索引配置。
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// Index 是独立于关系库的全文索引，保存 SearchDocument。
// 未启用时所有操作返回 ErrDisabled。
type Index struct {
	db     *gorm.DB
	logger *log.Logger
}

// RebuildResult 是一次全量重建的结果。
type RebuildResult struct {
	Indexed int `json:"indexed"`
	Failed  int `json:"failed"`
}

// Query 描述主索引查询：Text 为空时按价格升序返回。
type Query struct {
	Text string
	Size int
}

// Open 打开索引数据库，cfg.Enabled 为 false 时返回禁用的 Index。
func Open(cfg Config) (*Index, error) {
	ix := &Index{logger: log.New(os.Stdout, "[index] ", log.LstdFlags)}
	if !cfg.Enabled {
		return ix, nil
	}
	path := cfg.Path
	if path == "" {
		path = filepath.Join("data", "index.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: storage.GormLogger(nil)})
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&model.SearchDocument{}); err != nil {
		return nil, fmt.Errorf("auto migrate index: %w", err)
	}
	ix.db = db
	return ix, nil
}

// Enabled 判断主索引是否可用。
func (ix *Index) Enabled() bool {
	return ix != nil && ix.db != nil
}

// Close 关闭索引数据库。
func (ix *Index) Close() error {
	if !ix.Enabled() {
		return nil
	}
	sqlDB, err := ix.db.DB()
	if err != nil {
		return fmt.Errorf("get sql DB: %w", err)
	}
	return sqlDB.Close()
}

// Rebuild 删除全部文档后按批写入，单批失败计入 Failed 并继续。
func (ix *Index) Rebuild(ctx context.Context, docs []model.SearchDocument) (res RebuildResult, err error) {
	if !ix.Enabled() {
		return res, ErrDisabled
	}
	start := time.Now()
	defer func() {
		metrics.RecordIndex("rebuild", err, time.Since(start))
	}()

	if err = ix.db.WithContext(ctx).Where("1 = 1").Delete(&model.SearchDocument{}).Error; err != nil {
		return res, fmt.Errorf("clear index: %w", err)
	}
	for i := 0; i < len(docs); i += batchSize {
		end := i + batchSize
		if end > len(docs) {
			end = len(docs)
		}
		batch := docs[i:end]
		if cerr := ix.db.WithContext(ctx).Create(&batch).Error; cerr != nil {
			res.Failed += len(batch)
			ix.logf("index batch %d-%d failed: %v", i, end, cerr)
			continue
		}
		res.Indexed += len(batch)
	}
	metrics.SetIndexDocuments(int64(res.Indexed))
	ix.logf("rebuild done indexed=%d failed=%d took=%s", res.Indexed, res.Failed, time.Since(start).Round(time.Millisecond))
	return res, nil
}

// Search 查询有效文档。带文本时按加权得分降序、价格升序排列，
// 否则按价格升序；最多返回 q.Size 条。
func (ix *Index) Search(ctx context.Context, q Query) (docs []model.SearchDocument, err error) {
	if !ix.Enabled() {
		return nil, ErrDisabled
	}
	start := time.Now()
	defer func() {
		metrics.RecordIndex("search", err, time.Since(start))
	}()

	size := q.Size
	if size <= 0 {
		size = model.DefaultSearchLimit
	}
	base := ix.db.WithContext(ctx).Model(&model.SearchDocument{}).Where("active = ?", true)

	text := strings.TrimSpace(q.Text)
	if text == "" {
		if err = base.Order("price ASC").Order("id ASC").Limit(size).Find(&docs).Error; err != nil {
			return nil, fmt.Errorf("search index: %w", err)
		}
		return docs, nil
	}

	sq := newScorer(text)
	type scored struct {
		doc   model.SearchDocument
		score float64
	}
	var hits []scored
	var batch []model.SearchDocument
	tx := base.FindInBatches(&batch, scanBatchSize, func(_ *gorm.DB, _ int) error {
		for _, d := range batch {
			if s := sq.score(d); s > 0 {
				hits = append(hits, scored{doc: d, score: s})
			}
		}
		return nil
	})
	if tx.Error != nil {
		return nil, fmt.Errorf("search index: %w", tx.Error)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		pi, pj := hits[i].doc.Price, hits[j].doc.Price
		if pi.Valid != pj.Valid {
			return pi.Valid
		}
		if c := pi.Decimal.Cmp(pj.Decimal); c != 0 {
			return c < 0
		}
		return hits[i].doc.ID < hits[j].doc.ID
	})
	if len(hits) > size {
		hits = hits[:size]
	}
	docs = make([]model.SearchDocument, 0, len(hits))
	for _, h := range hits {
		docs = append(docs, h.doc)
	}
	return docs, nil
}

// Count 返回文档总数。
func (ix *Index) Count(ctx context.Context) (int64, error) {
	if !ix.Enabled() {
		return 0, ErrDisabled
	}
	var n int64
	if err := ix.db.WithContext(ctx).Model(&model.SearchDocument{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

// Healthy 检查索引是否可达。
func (ix *Index) Healthy(ctx context.Context) bool {
	if !ix.Enabled() {
		return false
	}
	sqlDB, err := ix.db.DB()
	if err != nil {
		return false
	}
	return sqlDB.PingContext(ctx) == nil
}

func (ix *Index) logf(format string, args ...any) {
	if ix.logger == nil {
		ix.logger = log.New(os.Stdout, "[index] ", log.LstdFlags)
	}
	ix.logger.Printf(format, args...)
}

type scorer struct {
	raw    string
	tokens []string
}

func newScorer(text string) scorer {
	return scorer{
		raw:    strings.ToLower(strings.TrimSpace(text)),
		tokens: strings.Fields(normalizer.NormalizeText(text)),
	}
}

func (s scorer) score(d model.SearchDocument) float64 {
	if len(s.tokens) == 0 {
		if s.raw != "" && strings.Contains(strings.ToLower(d.ProductName), s.raw) {
			return weightTitleSubstr
		}
		return 0
	}
	name := strings.Fields(d.NormalizedName)
	mdl := strings.Fields(normalizer.NormalizeText(d.Model))
	brand := normalizer.NormalizeText(d.Brand)

	total := 0.0
	if containsPhrase(name, s.tokens) {
		total += weightNamePhrase
	}
	if containsPhrase(mdl, s.tokens) {
		total += weightModelPhrase
	}
	if brand != "" {
		for _, t := range s.tokens {
			if t == brand {
				total += weightBrand
				break
			}
		}
	}
	total += weightModelFuzzy * fuzzyCoverage(s.tokens, mdl)
	total += weightNameFuzzy * fuzzyCoverage(s.tokens, name)
	if strings.Contains(strings.ToLower(d.ProductName), s.raw) {
		total += weightTitleSubstr
	}
	return total
}

func containsPhrase(haystack, needle []string) bool {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return false
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// fuzzyCoverage 返回能在 field 中找到近似词的查询词占比。
func fuzzyCoverage(query, field []string) float64 {
	if len(query) == 0 || len(field) == 0 {
		return 0
	}
	matched := 0
	for _, q := range query {
		allowed := autoFuzziness(q)
		for _, f := range field {
			if levenshtein.ComputeDistance(q, f) <= allowed {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(query))
}

// autoFuzziness：长度 0-2 需完全一致，3-5 允许 1 次编辑，更长允许 2 次。
func autoFuzziness(term string) int {
	switch n := len([]rune(term)); {
	case n <= 2:
		return 0
	case n <= 5:
		return 1
	default:
		return 2
	}
}
