package normalizer

import (
	"log"
	"os"
	"strings"

	"price-radar/internal/metrics"
	"price-radar/internal/model"
)

// Result 是对单个标题的归一化结果。
type Result struct {
	NormalizedName string
	Brand          string
	Model          string
	Color          string
}

// NormalizeTitle 是纯函数：标题 → 归一化名称 + 品牌/型号 + 颜色。
// explicitColor 非空时优先使用。
func NormalizeTitle(title, explicitColor string) Result {
	name := NormalizeText(title)
	// 成色词不参与品牌/型号解析，但保留在归一化名称中。
	brand, mdl := ParseBrandModel(CleanName(title))
	color := strings.TrimSpace(explicitColor)
	if color == "" {
		color = ExtractColor(title)
	}
	return Result{NormalizedName: name, Brand: brand, Model: mdl, Color: color}
}

// Normalizer 批量归一化抓取结果，单条失败不影响整批。
type Normalizer struct {
	logger *log.Logger
}

// New 创建 Normalizer。
func New(logger *log.Logger) *Normalizer {
	if logger == nil {
		logger = log.New(os.Stdout, "[normalizer] ", log.LstdFlags)
	}
	return &Normalizer{logger: logger}
}

// Normalize 归一化单条 listing，异常时退化为仅基于原始标题的名称。
func (n *Normalizer) Normalize(l model.ScrapedListing) (out model.NormalizedListing) {
	out = model.NormalizedListing{ScrapedListing: l, Category: model.CategorySmartphone}
	defer func() {
		if r := recover(); r != nil {
			out.NormalizedName = fallbackName(l.Title)
			out.Brand, out.Model = "", ""
			n.logf("normalize failed title=%q err=%v", l.Title, r)
			metrics.RecordNormalization("", "", true)
		}
	}()

	res := NormalizeTitle(l.Title, l.Color)
	out.NormalizedName = res.NormalizedName
	if out.NormalizedName == "" {
		out.NormalizedName = fallbackName(l.Title)
	}
	out.Brand = res.Brand
	out.Model = res.Model
	out.Color = res.Color
	metrics.RecordNormalization(res.Brand, res.Color, false)
	return out
}

// NormalizeAll 依次归一化全部 listing。
func (n *Normalizer) NormalizeAll(listings []model.ScrapedListing) []model.NormalizedListing {
	out := make([]model.NormalizedListing, 0, len(listings))
	for _, l := range listings {
		out = append(out, n.Normalize(l))
	}
	return out
}

func (n *Normalizer) logf(format string, args ...any) {
	if n.logger == nil {
		n.logger = log.New(os.Stdout, "[normalizer] ", log.LstdFlags)
	}
	n.logger.Printf(format, args...)
}

func fallbackName(title string) string {
	name := strings.Join(strings.Fields(strings.ToLower(title)), " ")
	if name == "" {
		return "untitled"
	}
	return name
}
