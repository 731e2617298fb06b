package jobqueue

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/promokit/promokit/app/models"
	"github.com/promokit/promokit/app/repository"
	"github.com/promokit/promokit/internal/pkg/cache"
	"github.com/promokit/promokit/internal/pkg/plans"
)

const (
	// fallbackAvgSeconds is used until enough jobs ran to learn an average.
	fallbackAvgSeconds = 30.0
	avgCacheTTL        = 2 * time.Minute
)

// Estimate is the advisory wait forecast returned at enqueue time.
type Estimate struct {
	QueuePosition int `json:"queue_position"`
	ETASeconds    int `json:"eta_seconds"`
}

// Estimator computes queue positions and rough completion times from the
// per-(plan, service, mode) rolling duration averages. Everything here is
// advisory: callers must treat a failed estimate as missing, never as a
// reason to reject work.
type Estimator struct {
	jobs      repository.JobRepository
	durations repository.DurationRepository
	useCache  bool
}

// NewEstimator creates an estimator. useCache toggles the Redis layer in
// front of the duration table; tests run with it off.
func NewEstimator(jobs repository.JobRepository, durations repository.DurationRepository, useCache bool) *Estimator {
	return &Estimator{jobs: jobs, durations: durations, useCache: useCache}
}

// Estimate forecasts the wait for a batch of ownCount jobs created at
// createdAt. Position counts queued jobs of the same plan ahead of it; the
// ETA spreads the total pending work over the plan's worker slots.
func (e *Estimator) Estimate(plan plans.Plan, service models.ServiceType, mode models.GenerationMode, ownCount int, createdAt time.Time) (*Estimate, error) {
	ahead, err := e.jobs.CountQueuedBefore(string(plan), createdAt)
	if err != nil {
		return nil, err
	}
	active, err := e.jobs.CountProcessingForPlan(string(plan))
	if err != nil {
		return nil, err
	}

	avg := e.avgSeconds(string(plan), service, mode)
	slots := plans.WorkerSlots(plan)
	if slots < 1 {
		slots = 1
	}

	pending := float64(ahead) + float64(active) + float64(ownCount)
	eta := math.Ceil(pending * avg / float64(slots))

	return &Estimate{
		QueuePosition: int(ahead) + 1,
		ETASeconds:    int(eta),
	}, nil
}

// EstimateSeconds is Estimate reduced to the wall-clock number, for callers
// that only render an ETA.
func (e *Estimator) EstimateSeconds(plan plans.Plan, service models.ServiceType, mode models.GenerationMode, ownCount int) (int, error) {
	est, err := e.Estimate(plan, service, mode, ownCount, time.Now())
	if err != nil {
		return 0, err
	}
	return est.ETASeconds, nil
}

// avgSeconds resolves the learned average runtime, caching DB lookups in
// Redis for a couple of minutes. Any failure falls back to the default.
func (e *Estimator) avgSeconds(plan string, service models.ServiceType, mode models.GenerationMode) float64 {
	key := fmt.Sprintf("estimator:avg:%s:%s:%s", plan, service, mode)
	if e.useCache {
		if avg, err := cache.GetFloat(key); err == nil && avg > 0 {
			return avg
		}
	}

	d, err := e.durations.Get(plan, service, mode)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warnf("[Estimator] duration lookup failed for %s/%s/%s: %v", plan, service, mode, err)
		}
		return fallbackAvgSeconds
	}
	if d.SampleCount == 0 || d.AvgSeconds <= 0 {
		return fallbackAvgSeconds
	}
	if e.useCache {
		_ = cache.Set(key, d.AvgSeconds, avgCacheTTL)
	}
	return d.AvgSeconds
}
