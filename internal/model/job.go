package model

import (
	"time"

	"gorm.io/datatypes"
)

// JobStatus 表示一次抓取任务的状态。
type JobStatus string

const (
	JobStatusStarted JobStatus = "STARTED"
	JobStatusSuccess JobStatus = "SUCCESS"
	JobStatusFailed  JobStatus = "FAILED"
)

// IngestionJob 记录某次运行中单个商店的抓取结果
// - RunID: 同一次 scrape-all 的所有任务共享
// - Details: 附加信息（失败数量、抽取路径等）
// - CompletedAt/DurationSeconds: 无论成功失败都会在收尾步骤写入
type IngestionJob struct {
	ID              uint              `gorm:"primaryKey" json:"id"`
	RunID           string            `gorm:"size:36;index" json:"run_id"`
	ShopID          uint              `gorm:"index" json:"shop_id"`
	Shop            *Shop             `json:"shop,omitempty"`
	Status          JobStatus         `gorm:"size:20;not null" json:"status"`
	ProductsFound   int               `json:"products_found"`
	OffersCreated   int               `json:"offers_created"`
	OffersUpdated   int               `json:"offers_updated"`
	OffersFailed    int               `json:"offers_failed"`
	ErrorMessage    string            `gorm:"type:text" json:"error_message,omitempty"`
	Details         datatypes.JSONMap `json:"details,omitempty"`
	StartedAt       time.Time         `gorm:"not null;index" json:"started_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	DurationSeconds *int              `json:"duration_seconds,omitempty"`
}

// Finalized 判断任务是否已完成收尾。
func (j IngestionJob) Finalized() bool {
	return j.CompletedAt != nil && j.DurationSeconds != nil
}

// RunReport 汇总一次完整抓取运行，用于通知。
type RunReport struct {
	RunID       string         `json:"run_id"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Jobs        []IngestionJob `json:"jobs"`
	Indexed     int            `json:"indexed"`
	IndexError  string         `json:"index_error,omitempty"`
}
