package jobqueue

import (
	"github.com/promokit/promokit/app/models"
	"github.com/promokit/promokit/internal/pkg/ledger"
	"github.com/promokit/promokit/internal/pkg/plans"
)

// BatchSpec describes one user-facing generation request about to be queued.
// The caller has already resolved the policy, passed the rate guard and
// reserved the tokens; the spec carries the outcome of all three.
type BatchSpec struct {
	UserID      uint
	Plan        plans.Plan
	Service     models.ServiceType
	Mode        models.GenerationMode
	Provider    string
	Model       string
	AspectRatio string
	Prompt      string
	InputImages []string
	OutputCount int
	// TokensReserved is the per-batch price already debited via the ledger.
	// It lands on the anchor job (batch index 0) only.
	TokensReserved float64
	Receipt        *ledger.DebitReceipt
	BillingMode    models.BillingMode
}

// EnqueueResult is returned to the caller right after a batch is queued.
// Position and ETA are advisory (best-effort) and may be zero when the
// estimator was unavailable.
type EnqueueResult struct {
	BatchID       string
	JobIDs        []uint
	QueuePosition int
	ETASeconds    int
}

// BatchTally summarizes the terminal-state progress of one batch.
type BatchTally struct {
	Total     int
	Succeeded int
	Failed    int
	Canceled  int
}

// Terminal is the number of jobs in a final state.
func (t BatchTally) Terminal() int {
	return t.Succeeded + t.Failed + t.Canceled
}

// Done reports whether every job of the batch reached a terminal state.
func (t BatchTally) Done() bool {
	return t.Total > 0 && t.Terminal() == t.Total
}

// TallyBatch counts the jobs of a batch by terminal state.
func TallyBatch(jobs []models.GenerationJob) BatchTally {
	t := BatchTally{Total: len(jobs)}
	for _, j := range jobs {
		switch j.Status {
		case models.JobStatusSucceeded:
			t.Succeeded++
		case models.JobStatusFailed:
			t.Failed++
		case models.JobStatusCanceled:
			t.Canceled++
		}
	}
	return t
}

// BatchStatus is the polling view of a batch.
type BatchStatus struct {
	BatchID string           `json:"batch_id"`
	Status  string           `json:"status"`
	Jobs    []BatchJobStatus `json:"jobs"`
}

// BatchJobStatus is the polling view of a single output job.
type BatchJobStatus struct {
	JobID      uint             `json:"job_id"`
	BatchIndex int              `json:"batch_index"`
	Status     models.JobStatus `json:"status"`
	ResultURL  string           `json:"result_url,omitempty"`
	ErrorText  string           `json:"error_text,omitempty"`
}

// OverallStatus reduces a batch to the status string exposed to polling
// clients: queued, processing, succeeded, failed or canceled.
func OverallStatus(jobs []models.GenerationJob) string {
	t := TallyBatch(jobs)
	if !t.Done() {
		for _, j := range jobs {
			if j.Status == models.JobStatusProcessing {
				return "processing"
			}
		}
		return "queued"
	}
	switch {
	case t.Succeeded > 0:
		return "succeeded"
	case t.Failed > 0:
		return "failed"
	default:
		return "canceled"
	}
}
