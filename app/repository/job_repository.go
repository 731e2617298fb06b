package repository

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/promokit/promokit/app/models"
)

// jobRepository implements the JobRepository interface
type jobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new generation job repository instance
func NewJobRepository(db *gorm.DB) JobRepository {
	return &jobRepository{db: db}
}

// CreateBatch inserts all jobs of one batch inside a single transaction so a
// batch is either fully queued or not queued at all.
func (r *jobRepository) CreateBatch(jobs []*models.GenerationJob) error {
	if len(jobs) == 0 {
		return errors.New("cannot enqueue an empty batch")
	}
	return r.db.Transaction(func(tx *gorm.DB) error {
		for _, job := range jobs {
			if err := tx.Create(job).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *jobRepository) GetByID(id uint) (*models.GenerationJob, error) {
	var job models.GenerationJob
	if err := r.db.First(&job, id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *jobRepository) GetBatch(batchID string) ([]models.GenerationJob, error) {
	var jobs []models.GenerationJob
	err := r.db.Where("batch_id = ?", batchID).
		Order("batch_index ASC").
		Find(&jobs).Error
	return jobs, err
}

func (r *jobRepository) Update(job *models.GenerationJob) error {
	return r.db.Save(job).Error
}

// ClaimNext atomically claims the next queued job for a plan. SKIP LOCKED
// lets concurrent worker slots contend for the same plan queue without
// blocking on each other's row locks; priority DESC, created_at ASC gives
// strict priority with FIFO tie-break. Returns (nil, nil) on an empty queue.
func (r *jobRepository) ClaimNext(plan string, workerID string) (*models.GenerationJob, error) {
	var claimed *models.GenerationJob
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var job models.GenerationJob
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND plan = ?", models.JobStatusQueued, plan).
			Order("priority DESC, created_at ASC").
			Limit(1).
			Find(&job).Error
		if err != nil {
			return err
		}
		if job.ID == 0 {
			return nil
		}
		job.MarkAsProcessing(workerID)
		if err := tx.Save(&job).Error; err != nil {
			return err
		}
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CancelQueued flips still-queued jobs of a batch to canceled. Jobs already
// claimed keep running; there is no mid-flight cancelation.
func (r *jobRepository) CancelQueued(batchID string, userID uint) (int64, error) {
	res := r.db.Model(&models.GenerationJob{}).
		Where("batch_id = ? AND user_id = ? AND status = ?", batchID, userID, models.JobStatusQueued).
		Updates(map[string]any{
			"status":     models.JobStatusCanceled,
			"updated_at": time.Now(),
		})
	return res.RowsAffected, res.Error
}

// RequeueStale forces processing jobs without a recent update back to queued,
// clearing the worker id. Recovers jobs orphaned by crashed workers.
func (r *jobRepository) RequeueStale(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res := r.db.Model(&models.GenerationJob{}).
		Where("status = ? AND updated_at < ?", models.JobStatusProcessing, cutoff).
		Updates(map[string]any{
			"status":     models.JobStatusQueued,
			"worker_id":  "",
			"started_at": nil,
			"updated_at": time.Now(),
		})
	return res.RowsAffected, res.Error
}

func (r *jobRepository) CountQueuedForPlan(plan string) (int64, error) {
	return r.countByStatus(plan, models.JobStatusQueued)
}

func (r *jobRepository) CountProcessingForPlan(plan string) (int64, error) {
	return r.countByStatus(plan, models.JobStatusProcessing)
}

func (r *jobRepository) countByStatus(plan string, status models.JobStatus) (int64, error) {
	var count int64
	err := r.db.Model(&models.GenerationJob{}).
		Where("plan = ? AND status = ?", plan, status).
		Count(&count).Error
	return count, err
}

// CountQueuedBefore counts queued jobs for a plan created strictly before the
// given instant; the estimator derives the queue position from it.
func (r *jobRepository) CountQueuedBefore(plan string, before time.Time) (int64, error) {
	var count int64
	err := r.db.Model(&models.GenerationJob{}).
		Where("plan = ? AND status = ? AND created_at < ?", plan, models.JobStatusQueued, before).
		Count(&count).Error
	return count, err
}

// CountBatchesSince counts distinct non-canceled batches a user started since
// the given instant. Anchor rows (batch_index 0) stand in for their batches.
func (r *jobRepository) CountBatchesSince(userID uint, plan string, since time.Time) (int64, error) {
	var count int64
	err := r.db.Model(&models.GenerationJob{}).
		Where("user_id = ? AND plan = ? AND batch_index = 0 AND status != ? AND created_at >= ?",
			userID, plan, models.JobStatusCanceled, since).
		Count(&count).Error
	return count, err
}

// OldestBatchStartSince returns the creation time of the oldest non-canceled
// batch in the window, or nil if there is none.
func (r *jobRepository) OldestBatchStartSince(userID uint, plan string, since time.Time) (*time.Time, error) {
	var job models.GenerationJob
	err := r.db.
		Where("user_id = ? AND plan = ? AND batch_index = 0 AND status != ? AND created_at >= ?",
			userID, plan, models.JobStatusCanceled, since).
		Order("created_at ASC").
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == 0 {
		return nil, nil
	}
	t := job.CreatedAt
	return &t, nil
}
