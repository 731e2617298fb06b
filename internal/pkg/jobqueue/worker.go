package jobqueue

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/promokit/promokit/app/models"
	"github.com/promokit/promokit/app/repository"
	"github.com/promokit/promokit/internal/pkg/metrics/durations"
	"github.com/promokit/promokit/internal/pkg/plans"
	"github.com/promokit/promokit/internal/pkg/provider"
	"github.com/promokit/promokit/internal/pkg/storage"
)

const (
	idleSleep     = 2 * time.Second
	lockRetry     = 30 * time.Second
	sweepInterval = 5 * time.Minute
)

// Worker runs the per-plan processing slots of one worker process. Each
// (plan, slot) pair is guarded by a MySQL advisory lock held on a dedicated
// connection, so the fleet never runs more slots per plan than the plan
// allows, no matter how many worker processes are deployed.
type Worker struct {
	db        *gorm.DB
	queue     *Queue
	jobs      repository.JobRepository
	durations repository.DurationRepository
	generator provider.Generator
	outputs   storage.OutputStore
	hostname  string
}

// NewWorker wires a worker over the shared queue.
func NewWorker(db *gorm.DB, queue *Queue, repos *repository.Repositories, generator provider.Generator, outputs storage.OutputStore) *Worker {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "worker"
	}
	return &Worker{
		db:        db,
		queue:     queue,
		jobs:      repos.Job,
		durations: repos.Duration,
		generator: generator,
		outputs:   outputs,
		hostname:  hostname,
	}
}

// Start launches the sweeper and one goroutine per (plan, slot). Blocks until
// the context is canceled.
func (w *Worker) Start(ctx context.Context) {
	if _, err := w.queue.SweepStale(DefaultStaleAfter); err != nil {
		log.Errorf("[Worker] startup sweep failed: %v", err)
	}
	go w.runSweeper(ctx)
	go w.runFlusher(ctx)

	for _, plan := range plans.AllPlans() {
		for slot := 0; slot < plans.WorkerSlots(plan); slot++ {
			go w.runSlot(ctx, plan, slot)
		}
	}

	log.Infof("[Worker] Started on %s", w.hostname)
	<-ctx.Done()
	log.Info("[Worker] Shutting down")
}

// runSlot holds the advisory lock for one (plan, slot) and drains that plan's
// queue while it does. Loses the lock (connection death) by returning from
// db.Connection, then tries to reacquire.
func (w *Worker) runSlot(ctx context.Context, plan plans.Plan, slot int) {
	lockName := fmt.Sprintf("promokit:worker:%s:%d", plan, slot)
	workerID := fmt.Sprintf("%s/%s-%d", w.hostname, plan, slot)

	for {
		if ctx.Err() != nil {
			return
		}
		err := w.db.Connection(func(conn *gorm.DB) error {
			var acquired int
			if err := conn.Raw("SELECT GET_LOCK(?, 5)", lockName).Scan(&acquired).Error; err != nil {
				return err
			}
			if acquired != 1 {
				// Slot is owned by another process. Back off and retry.
				return nil
			}
			defer conn.Exec("SELECT RELEASE_LOCK(?)", lockName)

			log.Infof("[Worker] %s acquired slot %s", workerID, lockName)
			w.drain(ctx, plan, workerID)
			return nil
		})
		if err != nil {
			log.Errorf("[Worker] slot %s lock error: %v", lockName, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(lockRetry):
		}
	}
}

// drain claims and processes jobs for one plan until the context ends.
func (w *Worker) drain(ctx context.Context, plan plans.Plan, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := w.queue.ClaimNext(plan, workerID)
		if err != nil {
			log.Errorf("[Worker] %s claim failed: %v", workerID, err)
			sleepCtx(ctx, idleSleep)
			continue
		}
		if job == nil {
			sleepCtx(ctx, idleSleep)
			continue
		}
		w.processJob(ctx, job)
	}
}

// processJob runs one claimed job end to end. Failures are contained to the
// job: the row is marked failed and settlement decides what the batch owes.
func (w *Worker) processJob(ctx context.Context, job *models.GenerationJob) {
	started := time.Now()
	log.Infof("[Worker] %s processing job %d (batch %s, index %d)",
		job.WorkerID, job.ID, job.BatchID, job.BatchIndex)

	resultURL, err := w.generate(ctx, job)
	if err != nil {
		log.Errorf("[Worker] job %d failed: %v", job.ID, err)
		job.MarkAsFailed(err.Error())
	} else {
		job.MarkAsSucceeded(resultURL)
	}

	if err := w.jobs.Update(job); err != nil {
		log.Errorf("[Worker] job %d state save failed: %v", job.ID, err)
		return
	}

	w.recordDuration(job, time.Since(started).Seconds())

	if err := w.queue.SettleBatch(job.BatchID); err != nil {
		log.Errorf("[Worker] settle of batch %s failed: %v", job.BatchID, err)
	}
}

// generate calls the upstream provider and persists the output.
func (w *Worker) generate(ctx context.Context, job *models.GenerationJob) (string, error) {
	inputImages, err := job.GetInputImages()
	if err != nil {
		return "", fmt.Errorf("decode input images: %w", err)
	}

	result, err := w.generator.Generate(ctx, provider.Request{
		Service:     string(job.Service),
		Mode:        string(job.Mode),
		Model:       job.Model,
		Prompt:      job.Prompt,
		AspectRatio: job.AspectRatio,
		InputImages: inputImages,
	})
	if err != nil {
		return "", err
	}

	if w.outputs == nil || result.OutputURL == "" {
		return result.OutputURL, nil
	}
	return w.persistOutput(ctx, job, result.OutputURL)
}

// persistOutput copies the provider's ephemeral output into our bucket.
// Provider URLs expire; ours do not.
func (w *Worker) persistOutput(ctx context.Context, job *models.GenerationJob, sourceURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch provider output: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch provider output: status %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return w.outputs.StoreOutput(ctx, job.BatchID, job.BatchIndex, contentType, resp.Body, resp.ContentLength)
}

// recordDuration buffers the runtime sample in Redis, falling back to a
// direct table write when the cache is unavailable.
func (w *Worker) recordDuration(job *models.GenerationJob, seconds float64) {
	if err := durations.AddSample(job.Plan, job.Service, job.Mode, seconds); err != nil {
		log.Warnf("[Worker] duration buffer unavailable, writing sample directly: %v", err)
		if err := w.durations.ApplySample(job.Plan, job.Service, job.Mode, seconds); err != nil {
			log.Errorf("[Worker] duration sample lost for job %d: %v", job.ID, err)
		}
	}
}

// runSweeper periodically requeues stale jobs.
func (w *Worker) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.queue.SweepStale(DefaultStaleAfter); err != nil {
				log.Errorf("[Worker] sweep failed: %v", err)
			}
		}
	}
}

// runFlusher periodically folds buffered duration samples into the table.
func (w *Worker) runFlusher(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := durations.FlushAll(w.durations); err != nil {
				log.Errorf("[Worker] duration flush failed: %v", err)
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
