package jobqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/promokit/promokit/app/models"
	"github.com/promokit/promokit/internal/pkg/plans"
)

// fakeJobStore is an in-memory, mutex-guarded job table. ClaimNext mirrors
// the SQL claim: best priority first, oldest created_at breaking ties, and
// the winner flipped to processing under the same lock.
type fakeJobStore struct {
	mu     sync.Mutex
	nextID uint
	jobs   map[uint]*models.GenerationJob
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[uint]*models.GenerationJob)}
}

func (f *fakeJobStore) add(job models.GenerationJob) uint {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	job.ID = f.nextID
	if job.Status == "" {
		job.Status = models.JobStatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	f.jobs[job.ID] = &job
	return job.ID
}

func (f *fakeJobStore) get(id uint) models.GenerationJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.jobs[id]
}

func (f *fakeJobStore) CreateBatch(jobs []*models.GenerationJob) error {
	for _, j := range jobs {
		j.ID = f.add(*j)
	}
	return nil
}

func (f *fakeJobStore) GetByID(id uint) (*models.GenerationJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *j
	return &copied, nil
}

func (f *fakeJobStore) GetBatch(batchID string) ([]models.GenerationJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.GenerationJob
	for _, j := range f.jobs {
		if j.BatchID == batchID {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (f *fakeJobStore) Update(job *models.GenerationJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *job
	f.jobs[job.ID] = &copied
	return nil
}

func (f *fakeJobStore) ClaimNext(plan string, workerID string) (*models.GenerationJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *models.GenerationJob
	for _, j := range f.jobs {
		if j.Status != models.JobStatusQueued || j.Plan != plan {
			continue
		}
		if best == nil || claimedBefore(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	best.MarkAsProcessing(workerID)
	copied := *best
	return &copied, nil
}

// claimedBefore orders a ahead of b the way the claim query does.
func claimedBefore(a, b *models.GenerationJob) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (f *fakeJobStore) CancelQueued(batchID string, userID uint) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, j := range f.jobs {
		if j.BatchID == batchID && j.UserID == userID && j.Status == models.JobStatusQueued {
			j.Status = models.JobStatusCanceled
			j.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (f *fakeJobStore) RequeueStale(olderThan time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var n int64
	for _, j := range f.jobs {
		if j.Status == models.JobStatusProcessing && j.UpdatedAt.Before(cutoff) {
			j.Status = models.JobStatusQueued
			j.WorkerID = ""
			j.StartedAt = nil
			j.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (f *fakeJobStore) CountQueuedForPlan(plan string) (int64, error) {
	return f.count(func(j *models.GenerationJob) bool {
		return j.Plan == plan && j.Status == models.JobStatusQueued
	}), nil
}

func (f *fakeJobStore) CountProcessingForPlan(plan string) (int64, error) {
	return f.count(func(j *models.GenerationJob) bool {
		return j.Plan == plan && j.Status == models.JobStatusProcessing
	}), nil
}

func (f *fakeJobStore) CountQueuedBefore(plan string, before time.Time) (int64, error) {
	return f.count(func(j *models.GenerationJob) bool {
		return j.Plan == plan && j.Status == models.JobStatusQueued && j.CreatedAt.Before(before)
	}), nil
}

func (f *fakeJobStore) CountBatchesSince(userID uint, plan string, since time.Time) (int64, error) {
	return f.count(func(j *models.GenerationJob) bool {
		return j.UserID == userID && j.Plan == plan && j.BatchIndex == 0 &&
			j.Status != models.JobStatusCanceled && !j.CreatedAt.Before(since)
	}), nil
}

func (f *fakeJobStore) OldestBatchStartSince(userID uint, plan string, since time.Time) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var oldest *time.Time
	for _, j := range f.jobs {
		if j.UserID != userID || j.Plan != plan || j.BatchIndex != 0 ||
			j.Status == models.JobStatusCanceled || j.CreatedAt.Before(since) {
			continue
		}
		t := j.CreatedAt
		if oldest == nil || t.Before(*oldest) {
			oldest = &t
		}
	}
	return oldest, nil
}

func (f *fakeJobStore) count(match func(*models.GenerationJob) bool) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, j := range f.jobs {
		if match(j) {
			n++
		}
	}
	return n
}

// TestClaimNext_PriorityThenFIFO tests that claiming drains the queue in
// strict priority order with created_at breaking ties between equals
func TestClaimNext_PriorityThenFIFO(t *testing.T) {
	store := newFakeJobStore()
	q := NewQueue(nil, store, nil)

	base := time.Now().Add(-time.Hour)
	var ids []uint
	for i, prio := range []int{5, 1, 5, 3} {
		ids = append(ids, store.add(models.GenerationJob{
			Plan:      string(plans.PlanPro),
			Priority:  prio,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	var claimed []uint
	for {
		job, err := q.ClaimNext(plans.PlanPro, "worker-1")
		require.NoError(t, err)
		if job == nil {
			break
		}
		claimed = append(claimed, job.ID)
	}

	// both priority-5 jobs first (older one leading), then 3, then 1
	assert.Equal(t, []uint{ids[0], ids[2], ids[3], ids[1]}, claimed)
}

// TestClaimNext_Exclusive tests that concurrent claimers never receive the
// same job and between them drain the queue completely
func TestClaimNext_Exclusive(t *testing.T) {
	store := newFakeJobStore()
	q := NewQueue(nil, store, nil)

	const jobCount = 40
	base := time.Now().Add(-time.Hour)
	for i := 0; i < jobCount; i++ {
		store.add(models.GenerationJob{
			Plan:      string(plans.PlanBusinessPlus),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}

	claims := make(chan uint, jobCount)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				job, err := q.ClaimNext(plans.PlanBusinessPlus, workerID)
				assert.NoError(t, err)
				if job == nil {
					return
				}
				assert.Equal(t, workerID, job.WorkerID)
				claims <- job.ID
			}
		}(string(rune('a' + w)))
	}
	wg.Wait()
	close(claims)

	seen := make(map[uint]bool)
	for id := range claims {
		assert.False(t, seen[id], "job %d claimed twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, jobCount)
}

// TestSweepStale tests that orphaned processing jobs go back to queued with
// their claim metadata cleared and can be claimed again, while jobs whose
// workers are still reporting stay untouched
func TestSweepStale(t *testing.T) {
	store := newFakeJobStore()
	q := NewQueue(nil, store, nil)

	started := time.Now().Add(-45 * time.Minute)
	staleID := store.add(models.GenerationJob{
		Plan:      string(plans.PlanPro),
		Status:    models.JobStatusProcessing,
		WorkerID:  "dead-worker",
		StartedAt: &started,
		CreatedAt: started,
		UpdatedAt: time.Now().Add(-30 * time.Minute),
	})
	freshID := store.add(models.GenerationJob{
		Plan:      string(plans.PlanPro),
		Status:    models.JobStatusProcessing,
		WorkerID:  "live-worker",
		CreatedAt: started,
		UpdatedAt: time.Now().Add(-time.Minute),
	})

	n, err := q.SweepStale(DefaultStaleAfter)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stale := store.get(staleID)
	assert.Equal(t, models.JobStatusQueued, stale.Status)
	assert.Empty(t, stale.WorkerID)
	assert.Nil(t, stale.StartedAt)

	fresh := store.get(freshID)
	assert.Equal(t, models.JobStatusProcessing, fresh.Status)
	assert.Equal(t, "live-worker", fresh.WorkerID)

	// the recovered job is claimable again
	job, err := q.ClaimNext(plans.PlanPro, "worker-2")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, staleID, job.ID)
	assert.Equal(t, "worker-2", job.WorkerID)

	// an immediate second sweep finds nothing
	n, err = q.SweepStale(DefaultStaleAfter)
	require.NoError(t, err)
	assert.Zero(t, n)
}
