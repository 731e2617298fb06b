package models

import "time"

// JobDuration keeps a rolling average of observed job runtimes per
// (plan, service, mode). It feeds the queue estimator only and is never
// consulted for billing or scheduling.
type JobDuration struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	Plan        string         `gorm:"type:varchar(50);uniqueIndex:idx_duration_key;not null" json:"plan"`
	Service     ServiceType    `gorm:"type:varchar(20);uniqueIndex:idx_duration_key;not null" json:"service"`
	Mode        GenerationMode `gorm:"type:varchar(20);uniqueIndex:idx_duration_key;not null" json:"mode"`
	AvgSeconds  float64        `gorm:"not null;default:0" json:"avg_seconds"`
	SampleCount int64          `gorm:"not null;default:0" json:"sample_count"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// Observe folds a new sample into the rolling average.
func (d *JobDuration) Observe(seconds float64) {
	if seconds <= 0 {
		return
	}
	d.AvgSeconds = (d.AvgSeconds*float64(d.SampleCount) + seconds) / float64(d.SampleCount+1)
	d.SampleCount++
}

// ObserveBatch folds a pre-aggregated group of samples (their sum and count)
// into the rolling average. Used by the buffered flush path.
func (d *JobDuration) ObserveBatch(sumSeconds float64, count int64) {
	if count <= 0 || sumSeconds <= 0 {
		return
	}
	total := float64(d.SampleCount) + float64(count)
	d.AvgSeconds = (d.AvgSeconds*float64(d.SampleCount) + sumSeconds) / total
	d.SampleCount += count
}
