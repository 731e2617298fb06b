package jobqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/promokit/promokit/app/models"
	"github.com/promokit/promokit/app/repository"
	"github.com/promokit/promokit/internal/pkg/ledger"
	"github.com/promokit/promokit/internal/pkg/plans"
)

const (
	// DefaultStaleAfter is how long a processing job may go without an
	// update before the sweeper assumes its worker died.
	DefaultStaleAfter = 20 * time.Minute
)

// Queue is the durable generation job queue. All state lives in the
// generation_jobs table; correctness under concurrent workers comes from row
// locking (FOR UPDATE, SKIP LOCKED), not in-process synchronization.
type Queue struct {
	db        *gorm.DB
	jobs      repository.JobRepository
	estimator *Estimator
}

// NewQueue creates a queue over the given DB handle.
func NewQueue(db *gorm.DB, jobs repository.JobRepository, estimator *Estimator) *Queue {
	return &Queue{db: db, jobs: jobs, estimator: estimator}
}

// Enqueue inserts one batch of output jobs inside a single transaction. The
// anchor job (batch index 0) carries the reservation and the debit receipt;
// sibling jobs carry zero so settlement charges the batch exactly once.
func (q *Queue) Enqueue(spec BatchSpec) (*EnqueueResult, error) {
	if spec.OutputCount <= 0 {
		return nil, fmt.Errorf("enqueue: output count must be positive, got %d", spec.OutputCount)
	}

	batchID := uuid.New().String()
	priority := plans.QueuePriority(spec.Plan)
	billingMode := spec.BillingMode
	if billingMode == "" {
		billingMode = models.BillingPerBatch
	}

	var receiptJSON string
	if spec.Receipt != nil {
		data, err := json.Marshal(spec.Receipt)
		if err != nil {
			return nil, fmt.Errorf("enqueue: marshal debit receipt: %w", err)
		}
		receiptJSON = string(data)
	}

	jobs := make([]*models.GenerationJob, 0, spec.OutputCount)
	for i := 0; i < spec.OutputCount; i++ {
		job := &models.GenerationJob{
			BatchID:     batchID,
			BatchIndex:  i,
			UserID:      spec.UserID,
			Plan:        string(spec.Plan),
			Service:     spec.Service,
			Mode:        spec.Mode,
			Provider:    spec.Provider,
			Model:       spec.Model,
			AspectRatio: spec.AspectRatio,
			Prompt:      spec.Prompt,
			Status:      models.JobStatusQueued,
			Priority:    priority,
			BillingMode: billingMode,
		}
		if err := job.SetInputImages(spec.InputImages); err != nil {
			return nil, fmt.Errorf("enqueue: encode input images: %w", err)
		}
		if i == 0 {
			job.TokensReserved = spec.TokensReserved
			job.DebitReceipt = receiptJSON
		}
		jobs = append(jobs, job)
	}

	if err := q.jobs.CreateBatch(jobs); err != nil {
		return nil, err
	}

	result := &EnqueueResult{BatchID: batchID}
	for _, j := range jobs {
		result.JobIDs = append(result.JobIDs, j.ID)
	}

	// Best-effort ETA; a broken estimator must never fail an enqueue.
	if q.estimator != nil {
		if est, err := q.estimator.Estimate(spec.Plan, spec.Service, spec.Mode, spec.OutputCount, jobs[0].CreatedAt); err == nil {
			result.QueuePosition = est.QueuePosition
			result.ETASeconds = est.ETASeconds
		} else {
			log.Warnf("[JobQueue] estimate failed for batch %s: %v", batchID, err)
		}
	}

	log.Infof("[JobQueue] Enqueued batch %s (%d jobs, plan=%s, service=%s, mode=%s)",
		batchID, len(jobs), spec.Plan, spec.Service, spec.Mode)
	return result, nil
}

// ClaimNext hands the next queued job for a plan to a worker slot.
// Returns (nil, nil) when the plan's queue is empty.
func (q *Queue) ClaimNext(plan plans.Plan, workerID string) (*models.GenerationJob, error) {
	return q.jobs.ClaimNext(string(plan), workerID)
}

// Status returns the polling view of a batch.
func (q *Queue) Status(batchID string, userID uint) (*BatchStatus, error) {
	jobs, err := q.jobs.GetBatch(batchID)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 || jobs[0].UserID != userID {
		return nil, gorm.ErrRecordNotFound
	}
	status := &BatchStatus{BatchID: batchID, Status: OverallStatus(jobs)}
	for _, j := range jobs {
		status.Jobs = append(status.Jobs, BatchJobStatus{
			JobID:      j.ID,
			BatchIndex: j.BatchIndex,
			Status:     j.Status,
			ResultURL:  j.ResultURL,
			ErrorText:  j.ErrorText,
		})
	}
	return status, nil
}

// CancelBatch cancels the still-queued jobs of a batch and settles it if
// that made the batch terminal.
func (q *Queue) CancelBatch(batchID string, userID uint) (int64, error) {
	n, err := q.jobs.CancelQueued(batchID, userID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if err := q.SettleBatch(batchID); err != nil {
			log.Errorf("[JobQueue] settle after cancel of batch %s failed: %v", batchID, err)
		}
	}
	return n, nil
}

// SettleBatch performs the one-time billing finalization for a batch. It is
// safe to call redundantly and concurrently: the anchor row lock serializes
// racing callers, and the usage_recorded / tokens_refunded guards make the
// second caller a no-op. Settlement only happens once every job of the batch
// is terminal; earlier calls return without touching anything.
func (q *Queue) SettleBatch(batchID string) error {
	return q.db.Transaction(func(tx *gorm.DB) error {
		var anchor models.GenerationJob
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("batch_id = ? AND batch_index = 0", batchID).
			First(&anchor).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("settle: batch %s has no anchor job", batchID)
			}
			return err
		}

		var jobs []models.GenerationJob
		if err := tx.Where("batch_id = ?", batchID).Order("batch_index ASC").Find(&jobs).Error; err != nil {
			return err
		}

		tally := TallyBatch(jobs)
		if !tally.Done() {
			return nil
		}

		settlement := Settlement{
			Ledger:     ledger.NewServiceFromDB(tx),
			SaveAnchor: func(j *models.GenerationJob) error { return tx.Save(j).Error },
		}
		return StrategyFor(anchor.BillingMode).Finalize(settlement, &anchor, jobs, tally)
	})
}

// SweepStale requeues processing jobs whose workers stopped updating them.
// Runs at worker startup and periodically; see Worker.
func (q *Queue) SweepStale(olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = DefaultStaleAfter
	}
	n, err := q.jobs.RequeueStale(olderThan)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Warnf("[JobQueue] Recovered %d stale jobs back to queued", n)
	}
	return n, nil
}
