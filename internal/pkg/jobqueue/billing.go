package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/promokit/promokit/app/models"
	"github.com/promokit/promokit/internal/pkg/ledger"
)

// Settlement carries what a billing strategy needs to finalize a batch: the
// ledger bound to the settling transaction and a way to persist the anchor's
// idempotency guards. SettleBatch builds it from the transaction; tests build
// it from fakes.
type Settlement struct {
	Ledger     *ledger.Service
	SaveAnchor func(*models.GenerationJob) error
}

// BillingStrategy finalizes the billing of one fully terminal batch. The
// strategy for a batch is fixed at enqueue time via the stored billing mode;
// it is never re-derived, so batches queued before a billing change settle
// under the rules they were priced with.
type BillingStrategy interface {
	Finalize(s Settlement, anchor *models.GenerationJob, jobs []models.GenerationJob, tally BatchTally) error
}

// StrategyFor maps a stored billing mode to its strategy. Unknown modes fall
// back to per-batch, the current pricing.
func StrategyFor(mode models.BillingMode) BillingStrategy {
	if mode == models.BillingPerJob {
		return perJobStrategy{}
	}
	return perBatchStrategy{}
}

// perBatchStrategy is the current pricing: one flat reservation per batch.
// Any success keeps the full charge and writes exactly one usage entry; a
// batch with zero successes refunds the full reservation along the original
// debit receipt.
type perBatchStrategy struct{}

func (perBatchStrategy) Finalize(s Settlement, anchor *models.GenerationJob, jobs []models.GenerationJob, tally BatchTally) error {
	if anchor.TokensReserved <= 0 {
		return nil
	}

	if tally.Succeeded > 0 {
		if anchor.UsageRecorded {
			return nil
		}
		err := s.Ledger.RecordUsage(context.Background(), anchor.UserID, anchor.TokensReserved,
			anchor.Service, anchor.Model, anchor.Prompt)
		if err != nil {
			return err
		}
		anchor.UsageRecorded = true
		if err := s.SaveAnchor(anchor); err != nil {
			return err
		}
		log.Infof("[JobQueue] Settled batch %s: %d/%d succeeded, charged %.2f tokens",
			anchor.BatchID, tally.Succeeded, tally.Total, anchor.TokensReserved)
		return nil
	}

	remaining := ledger.Round2(anchor.TokensReserved - anchor.TokensRefunded)
	if remaining <= 0 {
		return nil
	}
	receipt, err := decodeReceipt(anchor)
	if err != nil {
		return err
	}
	if err := s.Ledger.Refund(context.Background(), anchor.UserID, remaining, receipt); err != nil {
		return err
	}
	anchor.TokensRefunded = anchor.TokensReserved
	if err := s.SaveAnchor(anchor); err != nil {
		return err
	}
	log.Infof("[JobQueue] Settled batch %s: no successful outputs, refunded %.2f tokens",
		anchor.BatchID, remaining)
	return nil
}

// perJobStrategy settles batches priced under the legacy per-output rules:
// the reservation is split evenly across outputs, failed and canceled outputs
// are refunded pro rata and only the successful share is recorded as usage.
type perJobStrategy struct{}

func (perJobStrategy) Finalize(s Settlement, anchor *models.GenerationJob, jobs []models.GenerationJob, tally BatchTally) error {
	if anchor.TokensReserved <= 0 || tally.Total == 0 {
		return nil
	}
	perJob := anchor.TokensReserved / float64(tally.Total)

	refund := ledger.Round2(perJob * float64(tally.Failed+tally.Canceled))
	if owed := ledger.Round2(refund - anchor.TokensRefunded); owed > 0 {
		// A full refund can follow the original receipt; a partial one cannot
		// be split across grant debits, so it goes back to the subscription
		// balance.
		var receipt *ledger.DebitReceipt
		if refund >= anchor.TokensReserved {
			r, err := decodeReceipt(anchor)
			if err != nil {
				return err
			}
			receipt = r
		}
		if err := s.Ledger.Refund(context.Background(), anchor.UserID, owed, receipt); err != nil {
			return err
		}
		anchor.TokensRefunded = refund
		if err := s.SaveAnchor(anchor); err != nil {
			return err
		}
	}

	if tally.Succeeded > 0 && !anchor.UsageRecorded {
		charged := ledger.Round2(perJob * float64(tally.Succeeded))
		err := s.Ledger.RecordUsage(context.Background(), anchor.UserID, charged,
			anchor.Service, anchor.Model, anchor.Prompt)
		if err != nil {
			return err
		}
		anchor.UsageRecorded = true
		if err := s.SaveAnchor(anchor); err != nil {
			return err
		}
	}
	return nil
}

func decodeReceipt(anchor *models.GenerationJob) (*ledger.DebitReceipt, error) {
	if anchor.DebitReceipt == "" {
		return nil, nil
	}
	var receipt ledger.DebitReceipt
	if err := json.Unmarshal([]byte(anchor.DebitReceipt), &receipt); err != nil {
		return nil, fmt.Errorf("settle: decode debit receipt of batch %s: %w", anchor.BatchID, err)
	}
	return &receipt, nil
}
