package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promokit/promokit/app/models"
	"github.com/promokit/promokit/internal/pkg/apperrors"
	"github.com/promokit/promokit/internal/pkg/plans"
)

type fakeBatchHistory struct {
	count  int64
	oldest *time.Time
}

func (f *fakeBatchHistory) CountBatchesSince(userID uint, plan string, since time.Time) (int64, error) {
	return f.count, nil
}

func (f *fakeBatchHistory) OldestBatchStartSince(userID uint, plan string, since time.Time) (*time.Time, error) {
	return f.oldest, nil
}

type fakeUsageHistory struct {
	count int64
	from  time.Time
}

func (f *fakeUsageHistory) CountByServiceBetween(userID uint, service models.ServiceType, from, to time.Time) (int64, error) {
	f.from = from
	return f.count, nil
}

func newTestGuard(batches *fakeBatchHistory, usage *fakeUsageHistory, now time.Time) *Guard {
	g := NewGuard(batches, usage)
	g.now = func() time.Time { return now }
	return g
}

// TestCheckDailyLimit tests the daily cap and the reset_at/retry_after payload
func TestCheckDailyLimit(t *testing.T) {
	now := time.Date(2025, 3, 10, 22, 0, 0, 0, time.UTC)
	batches := &fakeBatchHistory{count: 4}
	g := newTestGuard(batches, nil, now)

	// starter caps at 20 per day
	require.NoError(t, g.CheckDailyLimit(1, plans.PlanStarter))

	batches.count = 20
	err := g.CheckDailyLimit(1, plans.PlanStarter)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeDailyLimit))

	appErr := apperrors.From(err)
	assert.Equal(t, "2025-03-11T00:00:00Z", appErr.ResetAt)
	assert.Equal(t, int64(2*60*60), appErr.RetryAfter)
}

// TestCheckCooldown tests the sliding window and next_available_at derivation
func TestCheckCooldown(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 30, 0, time.UTC)
	oldest := now.Add(-40 * time.Second)
	batches := &fakeBatchHistory{count: 1, oldest: &oldest}
	g := newTestGuard(batches, nil, now)

	// free allows one batch per minute; the slot is taken
	err := g.CheckCooldown(1, plans.PlanFree)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeRateLimit))

	appErr := apperrors.From(err)
	assert.Equal(t, oldest.Add(time.Minute).UTC().Format(time.RFC3339), appErr.NextAvailableAt)

	batches.count = 0
	require.NoError(t, g.CheckCooldown(1, plans.PlanFree))
}

// TestCheckCooldown_NoOldest tests the fallback when the window probe returns
// no row
func TestCheckCooldown_NoOldest(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	batches := &fakeBatchHistory{count: 1}
	g := newTestGuard(batches, nil, now)

	err := g.CheckCooldown(1, plans.PlanFree)
	require.Error(t, err)
	appErr := apperrors.From(err)
	assert.Equal(t, now.Add(time.Minute).UTC().Format(time.RFC3339), appErr.NextAvailableAt)
}

// TestCheckMonthlyVideoQuota tests the per-period video cap
func TestCheckMonthlyVideoQuota(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	usage := &fakeUsageHistory{count: 9}
	g := newTestGuard(nil, usage, now)

	require.NoError(t, g.CheckMonthlyVideoQuota(1, plans.PlanStarter, nil))

	usage.count = 10
	err := g.CheckMonthlyVideoQuota(1, plans.PlanStarter, nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeQuotaExceeded))

	// plans without a cap never hit the history
	usage.count = 10000
	require.NoError(t, g.CheckMonthlyVideoQuota(1, plans.PlanBusinessPlus, nil))
}

// TestCheckMonthlyVideoQuota_PeriodAnchor tests that the counting window is
// anchored on the subscription expiry, not the calendar month
func TestCheckMonthlyVideoQuota_PeriodAnchor(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	expires := time.Date(2025, 3, 25, 9, 0, 0, 0, time.UTC)
	usage := &fakeUsageHistory{count: 0}
	g := newTestGuard(nil, usage, now)

	require.NoError(t, g.CheckMonthlyVideoQuota(1, plans.PlanPro, &expires))
	assert.Equal(t, time.Date(2025, 2, 25, 9, 0, 0, 0, time.UTC), usage.from)
}

// TestStartOfUTCDay tests day truncation across time zones
func TestStartOfUTCDay(t *testing.T) {
	loc := time.FixedZone("CET", 60*60)
	local := time.Date(2025, 3, 11, 0, 30, 0, 0, loc) // 23:30 UTC on the 10th
	assert.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), StartOfUTCDay(local))
}

// TestNextUTCMidnight tests the reset boundary
func TestNextUTCMidnight(t *testing.T) {
	now := time.Date(2025, 12, 31, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), NextUTCMidnight(now))
}

// TestBillingPeriodStart tests the walk-back from the subscription expiry and
// the calendar-month fallback
func TestBillingPeriodStart(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	// no expiry: start of the current calendar month
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), BillingPeriodStart(nil, now))

	// expiry later this month: one month back
	expires := time.Date(2025, 3, 25, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 2, 25, 9, 0, 0, 0, time.UTC), BillingPeriodStart(&expires, now))

	// expiry far in the future walks back whole months
	far := time.Date(2025, 6, 25, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 2, 25, 9, 0, 0, 0, time.UTC), BillingPeriodStart(&far, now))

	// already-past expiry is itself the period start
	past := time.Date(2025, 3, 5, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, past, BillingPeriodStart(&past, now))
}
