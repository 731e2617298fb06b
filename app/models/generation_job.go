package models

import (
	"encoding/json"
	"time"
	"unicode/utf8"
)

// JobStatus defines the lifecycle state of a generation job.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusSucceeded  JobStatus = "succeeded"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCanceled   JobStatus = "canceled"
)

// ServiceType identifies the generation product a job belongs to.
type ServiceType string

const (
	ServiceImage      ServiceType = "image"
	ServiceVideo      ServiceType = "video"
	ServiceCopywriter ServiceType = "copywriter"
)

// GenerationMode is the quality tier requested within a service.
type GenerationMode string

const (
	ModeBasic   GenerationMode = "basic"
	ModePro     GenerationMode = "pro"
	ModePremium GenerationMode = "premium"
)

// BillingMode selects the settlement strategy for a batch. It is stamped at
// enqueue time and never re-derived from row shapes.
type BillingMode string

const (
	BillingPerBatch BillingMode = "batch"
	BillingPerJob   BillingMode = "per_job" // legacy per-output billing
)

const maxErrorTextLen = 500

// GenerationJob is one unit of generation work. Jobs sharing a BatchID form
// one user-facing request; the job at BatchIndex 0 is the billing anchor and
// the only row carrying TokensReserved under per-batch billing.
type GenerationJob struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	BatchID        string         `gorm:"type:char(36);index;not null" json:"batch_id"`
	BatchIndex     int            `gorm:"not null;default:0" json:"batch_index"`
	UserID         uint           `gorm:"index;not null" json:"user_id"`
	Plan           string         `gorm:"type:varchar(50);index;not null" json:"plan"`
	Service        ServiceType    `gorm:"type:varchar(20);not null" json:"service"`
	Mode           GenerationMode `gorm:"type:varchar(20);not null" json:"mode"`
	Provider       string         `gorm:"type:varchar(50)" json:"provider"`
	Model          string         `gorm:"type:varchar(100)" json:"model"`
	AspectRatio    string         `gorm:"type:varchar(10)" json:"aspect_ratio"`
	Prompt         string         `gorm:"type:text" json:"prompt"`
	InputImages    string         `gorm:"type:json" json:"-"`
	Status         JobStatus      `gorm:"type:varchar(20);index;default:'queued'" json:"status"`
	Priority       int            `gorm:"not null;default:0;index" json:"priority"`
	TokensReserved float64        `gorm:"type:decimal(10,2);default:0" json:"tokens_reserved"`
	TokensRefunded float64        `gorm:"type:decimal(10,2);default:0" json:"tokens_refunded"`
	UsageRecorded  bool           `gorm:"default:false" json:"usage_recorded"`
	BillingMode    BillingMode    `gorm:"type:varchar(20);default:'batch'" json:"billing_mode"`
	DebitReceipt   string         `gorm:"type:json" json:"-"`
	ResultURL      string         `gorm:"type:varchar(500)" json:"result_url"`
	ErrorText      string         `gorm:"type:varchar(500)" json:"error_text,omitempty"`
	WorkerID       string         `gorm:"type:varchar(64);index" json:"worker_id,omitempty"`
	StartedAt      *time.Time     `json:"started_at"`
	FinishedAt     *time.Time     `json:"finished_at"`
	CreatedAt      time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime;index" json:"updated_at"`
}

// IsTerminal reports whether the job reached a final state.
func (j *GenerationJob) IsTerminal() bool {
	switch j.Status {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// IsBillingAnchor reports whether this row anchors the batch settlement.
func (j *GenerationJob) IsBillingAnchor() bool {
	return j.BatchIndex == 0
}

// MarkAsProcessing stamps the claim metadata.
func (j *GenerationJob) MarkAsProcessing(workerID string) {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.WorkerID = workerID
	j.StartedAt = &now
	j.UpdatedAt = now
}

// MarkAsSucceeded records the output location and finishes the job.
func (j *GenerationJob) MarkAsSucceeded(resultURL string) {
	now := time.Now()
	j.Status = JobStatusSucceeded
	j.ResultURL = resultURL
	j.ErrorText = ""
	j.FinishedAt = &now
	j.UpdatedAt = now
}

// MarkAsFailed stores a truncated error message and finishes the job.
func (j *GenerationJob) MarkAsFailed(errText string) {
	now := time.Now()
	j.Status = JobStatusFailed
	j.ErrorText = TruncateText(errText, maxErrorTextLen)
	j.FinishedAt = &now
	j.UpdatedAt = now
}

// SetInputImages stores the input payload as a JSON array.
func (j *GenerationJob) SetInputImages(urls []string) error {
	if len(urls) == 0 {
		j.InputImages = "[]"
		return nil
	}
	data, err := json.Marshal(urls)
	if err != nil {
		return err
	}
	j.InputImages = string(data)
	return nil
}

// GetInputImages decodes the stored input payload.
func (j *GenerationJob) GetInputImages() ([]string, error) {
	if j.InputImages == "" {
		return nil, nil
	}
	var urls []string
	if err := json.Unmarshal([]byte(j.InputImages), &urls); err != nil {
		return nil, err
	}
	return urls, nil
}

// TruncateText clamps a string for storage hygiene. The cut backs up to the
// nearest rune boundary so the result stays valid UTF-8.
func TruncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
