package repository

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/promokit/promokit/app/models"
)

// durationRepository implements the DurationRepository interface
type durationRepository struct {
	db *gorm.DB
}

// NewDurationRepository creates a new job duration repository instance
func NewDurationRepository(db *gorm.DB) DurationRepository {
	return &durationRepository{db: db}
}

func (r *durationRepository) Get(plan string, service models.ServiceType, mode models.GenerationMode) (*models.JobDuration, error) {
	var d models.JobDuration
	err := r.db.Where("plan = ? AND service = ? AND mode = ?", plan, service, mode).First(&d).Error
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *durationRepository) Upsert(d *models.JobDuration) error {
	return r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "plan"},
			{Name: "service"},
			{Name: "mode"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"avg_seconds", "sample_count", "updated_at"}),
	}).Create(d).Error
}

// ApplySample folds one observed runtime into the rolling average under a
// row lock so concurrent workers do not lose samples.
func (r *durationRepository) ApplySample(plan string, service models.ServiceType, mode models.GenerationMode, seconds float64) error {
	return r.applyLocked(plan, service, mode, func(d *models.JobDuration) {
		d.Observe(seconds)
	})
}

// ApplyAggregate folds a buffered group of samples in one row write.
func (r *durationRepository) ApplyAggregate(plan string, service models.ServiceType, mode models.GenerationMode, sumSeconds float64, count int64) error {
	return r.applyLocked(plan, service, mode, func(d *models.JobDuration) {
		d.ObserveBatch(sumSeconds, count)
	})
}

func (r *durationRepository) applyLocked(plan string, service models.ServiceType, mode models.GenerationMode, fold func(*models.JobDuration)) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var d models.JobDuration
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("plan = ? AND service = ? AND mode = ?", plan, service, mode).
			First(&d).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			d = models.JobDuration{Plan: plan, Service: service, Mode: mode}
			fold(&d)
			return tx.Create(&d).Error
		}
		if err != nil {
			return err
		}
		fold(&d)
		return tx.Save(&d).Error
	})
}
