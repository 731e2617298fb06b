package ratelimit

import (
	"fmt"
	"time"

	"github.com/promokit/promokit/app/models"
	"github.com/promokit/promokit/internal/pkg/apperrors"
	"github.com/promokit/promokit/internal/pkg/plans"
)

// BatchHistory is the read-only view of past batch starts the guard needs.
type BatchHistory interface {
	CountBatchesSince(userID uint, plan string, since time.Time) (int64, error)
	OldestBatchStartSince(userID uint, plan string, since time.Time) (*time.Time, error)
}

// UsageHistory is the read-only view of the spend log for monthly quotas.
type UsageHistory interface {
	CountByServiceBetween(userID uint, service models.ServiceType, from, to time.Time) (int64, error)
}

// Guard enforces daily caps, sliding-window cooldowns and monthly per-mode
// quotas. Every check is read-only and runs before any token reservation, so
// a rejected or retried request never leaves state behind.
type Guard struct {
	batches BatchHistory
	usage   UsageHistory
	now     func() time.Time
}

// NewGuard creates a rate/quota guard over the given history views.
func NewGuard(batches BatchHistory, usage UsageHistory) *Guard {
	return &Guard{batches: batches, usage: usage, now: time.Now}
}

// CheckDailyLimit rejects once the plan's cap of non-canceled batches for the
// current UTC day is reached. The error carries reset_at (next UTC midnight)
// and retry_after_seconds.
func (g *Guard) CheckDailyLimit(userID uint, plan plans.Plan) error {
	limit := plans.DailyBatchLimit(plan)
	if limit <= 0 {
		return nil
	}
	now := g.now().UTC()
	dayStart := StartOfUTCDay(now)
	count, err := g.batches.CountBatchesSince(userID, string(plan), dayStart)
	if err != nil {
		return err
	}
	if count < int64(limit) {
		return nil
	}
	resetAt := NextUTCMidnight(now)
	appErr := apperrors.DailyLimit(
		fmt.Sprintf("daily limit of %d generations reached", limit)).
		WithRetryAfter(int64(resetAt.Sub(now).Seconds()))
	appErr.ResetAt = resetAt.Format(time.RFC3339)
	return appErr
}

// CheckCooldown rejects when too many batches started inside the plan's
// sliding window. next_available_at is the oldest batch in the window plus
// the window length.
func (g *Guard) CheckCooldown(userID uint, plan plans.Plan) error {
	window, maxBatches := plans.Cooldown(plan)
	if maxBatches <= 0 {
		return nil
	}
	now := g.now()
	since := now.Add(-window)
	count, err := g.batches.CountBatchesSince(userID, string(plan), since)
	if err != nil {
		return err
	}
	if count < int64(maxBatches) {
		return nil
	}
	nextAvailable := now.Add(window)
	if oldest, err := g.batches.OldestBatchStartSince(userID, string(plan), since); err == nil && oldest != nil {
		nextAvailable = oldest.Add(window)
	}
	appErr := apperrors.RateLimit(
		fmt.Sprintf("at most %d generations per %s", maxBatches, window)).
		WithRetryAfter(int64(time.Until(nextAvailable).Seconds()) + 1)
	appErr.NextAvailableAt = nextAvailable.UTC().Format(time.RFC3339)
	return appErr
}

// CheckMonthlyVideoQuota rejects video requests past the plan's per-period
// cap. Plans without a configured cap are unlimited.
func (g *Guard) CheckMonthlyVideoQuota(userID uint, plan plans.Plan, subscriptionExpiresAt *time.Time) error {
	quota := plans.MonthlyVideoQuota(plan)
	if quota <= 0 {
		return nil
	}
	now := g.now()
	from := BillingPeriodStart(subscriptionExpiresAt, now)
	count, err := g.usage.CountByServiceBetween(userID, models.ServiceVideo, from, now)
	if err != nil {
		return err
	}
	if count < int64(quota) {
		return nil
	}
	return apperrors.QuotaExceeded(
		fmt.Sprintf("monthly video quota of %d reached for plan %s", quota, plan))
}

// StartOfUTCDay truncates a time to 00:00 UTC of the same day.
func StartOfUTCDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// NextUTCMidnight is the start of the following UTC day.
func NextUTCMidnight(t time.Time) time.Time {
	return StartOfUTCDay(t).AddDate(0, 0, 1)
}

// BillingPeriodStart computes the start of the billing period containing
// `now`. With a subscription expiry it walks back whole months from the
// expiry until the period start is not after now; without one it falls back
// to the start of the current calendar month (UTC). Keeping this one function
// makes the period boundary explicit instead of scattered expiry math.
func BillingPeriodStart(subscriptionExpiresAt *time.Time, now time.Time) time.Time {
	if subscriptionExpiresAt == nil || subscriptionExpiresAt.IsZero() {
		n := now.UTC()
		return time.Date(n.Year(), n.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	start := *subscriptionExpiresAt
	for start.After(now) {
		start = start.AddDate(0, -1, 0)
	}
	return start
}
