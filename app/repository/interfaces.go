package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/promokit/promokit/app/models"
)

// UserRepository defines the interface for user-related database operations
type UserRepository interface {
	Create(user *models.User) error
	GetByID(id uint) (*models.User, error)
	GetByEmail(email string) (*models.User, error)
	GetByAPIKeyHash(hash string) (*models.User, error)
	GetByReferralCode(code string) (*models.User, error)
	Update(user *models.User) error
	TouchAPIKeyUsage(userID uint) error
	Count() (int64, error)
}

// JobRepository defines queue-facing operations on generation jobs. ClaimNext
// and RequeueStale are the only mutating calls; the Count*/Oldest* queries are
// read-only so the rate guard can consult them before any reservation.
type JobRepository interface {
	CreateBatch(jobs []*models.GenerationJob) error
	GetByID(id uint) (*models.GenerationJob, error)
	GetBatch(batchID string) ([]models.GenerationJob, error)
	Update(job *models.GenerationJob) error
	ClaimNext(plan string, workerID string) (*models.GenerationJob, error)
	CancelQueued(batchID string, userID uint) (int64, error)
	RequeueStale(olderThan time.Duration) (int64, error)

	CountQueuedForPlan(plan string) (int64, error)
	CountProcessingForPlan(plan string) (int64, error)
	CountQueuedBefore(plan string, before time.Time) (int64, error)
	CountBatchesSince(userID uint, plan string, since time.Time) (int64, error)
	OldestBatchStartSince(userID uint, plan string, since time.Time) (*time.Time, error)
}

// UsageRepository defines read access to the append-only spend log. Writes go
// through the ledger service only.
type UsageRepository interface {
	CountByServiceBetween(userID uint, service models.ServiceType, from, to time.Time) (int64, error)
	ListByUser(userID uint, offset, limit int) ([]models.UsageEntry, error)
}

// DurationRepository defines access to the rolling job-duration averages
// consumed by the queue estimator.
type DurationRepository interface {
	Get(plan string, service models.ServiceType, mode models.GenerationMode) (*models.JobDuration, error)
	Upsert(d *models.JobDuration) error
	ApplySample(plan string, service models.ServiceType, mode models.GenerationMode, seconds float64) error
	ApplyAggregate(plan string, service models.ServiceType, mode models.GenerationMode, sumSeconds float64, count int64) error
}

// ReferralRepository defines read access to referral grants for account views.
type ReferralRepository interface {
	ListByReferrer(referrerUserID uint) ([]models.ReferralReward, error)
}

// Repositories struct holds all repository instances
type Repositories struct {
	User     UserRepository
	Job      JobRepository
	Usage    UsageRepository
	Duration DurationRepository
	Referral ReferralRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		User:     NewUserRepository(db),
		Job:      NewJobRepository(db),
		Usage:    NewUsageRepository(db),
		Duration: NewDurationRepository(db),
		Referral: NewReferralRepository(db),
	}
}
