package notifier

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"price-radar/internal/model"
)

// LogNotifier 仅把运行汇总写入日志，未配置邮件时使用。
type LogNotifier struct {
	logger *log.Logger
}

// NewLogNotifier 创建日志通知器，未提供 logger 时默认输出到标准输出。
func NewLogNotifier(logger *log.Logger) *LogNotifier {
	if logger == nil {
		logger = log.New(os.Stdout, "[notify] ", log.LstdFlags)
	}
	return &LogNotifier{logger: logger}
}

// Notify 打印运行汇总与每个商店的结果。
func (n LogNotifier) Notify(ctx context.Context, report model.RunReport) error {
	if len(report.Jobs) == 0 {
		return nil
	}
	for _, line := range summaryLines(report) {
		n.logger.Print(line)
	}
	return nil
}

// summaryLines 生成运行汇总：首行为总览，其后每个商店一行。
func failedJobs(report model.RunReport) int {
	failed := 0
	for _, job := range report.Jobs {
		if job.Status == model.JobStatusFailed {
			failed++
		}
	}
	return failed
}

func summaryLines(report model.RunReport) []string {
	failed := failedJobs(report)
	lines := make([]string, 0, len(report.Jobs)+1)
	head := fmt.Sprintf("run %s finished: shops=%d failed=%d indexed=%d elapsed=%s",
		report.RunID, len(report.Jobs), failed, report.Indexed, report.CompletedAt.Sub(report.StartedAt).Round(time.Second))
	if report.IndexError != "" {
		head += " index_error=" + report.IndexError
	}
	lines = append(lines, head)
	for _, job := range report.Jobs {
		line := fmt.Sprintf("- %s %s found=%d created=%d updated=%d failed=%d",
			shopLabel(job), job.Status, job.ProductsFound, job.OffersCreated, job.OffersUpdated, job.OffersFailed)
		if job.ErrorMessage != "" {
			line += " error=" + job.ErrorMessage
		}
		lines = append(lines, line)
	}
	return lines
}

func shopLabel(job model.IngestionJob) string {
	if job.Shop != nil {
		return job.Shop.Code
	}
	return fmt.Sprintf("shop#%d", job.ShopID)
}
