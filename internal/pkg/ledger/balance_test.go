package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promokit/promokit/app/models"
)

func grant(id uint, remaining float64, expiresIn time.Duration, createdAgo time.Duration) models.ReferralReward {
	now := time.Now()
	return models.ReferralReward{
		ID:              id,
		TokensAwarded:   remaining,
		TokensRemaining: remaining,
		ExpiresAt:       now.Add(expiresIn),
		CreatedAt:       now.Add(-createdAgo),
	}
}

// TestComputeEffectiveBalance tests the hybrid balance sum
func TestComputeEffectiveBalance(t *testing.T) {
	now := time.Now()
	user := &models.User{
		TokenBalance:       10,
		SubscriptionStatus: models.SUBSCRIPTION_ACTIVE,
	}
	grants := []models.ReferralReward{
		grant(1, 30, 24*time.Hour, time.Hour),
		grant(2, 50, -time.Hour, time.Hour), // expired, must not count
		grant(3, 0, 24*time.Hour, time.Hour),
	}

	b := ComputeEffectiveBalance(user, grants, now)
	assert.Equal(t, float64(10), b.Subscription)
	assert.Equal(t, float64(30), b.Referral)
	assert.Equal(t, float64(40), b.Total())
	assert.False(t, b.Unlimited)
}

// TestComputeEffectiveBalance_LapsedSubscription tests that a lapsed
// subscription contributes nothing while grants still do
func TestComputeEffectiveBalance_LapsedSubscription(t *testing.T) {
	now := time.Now()
	expired := now.Add(-time.Hour)
	user := &models.User{
		TokenBalance:          25,
		SubscriptionStatus:    models.SUBSCRIPTION_ACTIVE,
		SubscriptionExpiresAt: &expired,
	}
	grants := []models.ReferralReward{grant(1, 15, 24*time.Hour, time.Hour)}

	b := ComputeEffectiveBalance(user, grants, now)
	assert.Equal(t, float64(0), b.Subscription)
	assert.Equal(t, float64(15), b.Referral)
}

// TestComputeEffectiveBalance_Admin tests the billing-exempt sentinel
func TestComputeEffectiveBalance_Admin(t *testing.T) {
	user := &models.User{Role: models.ROLE_ADMIN}
	b := ComputeEffectiveBalance(user, nil, time.Now())
	assert.True(t, b.Unlimited)
	assert.Equal(t, models.UnlimitedBalance, b.Subscription)
}

// TestPlanDebit_SubscriptionFirst tests that the subscription balance is
// drained before any grant is touched
func TestPlanDebit_SubscriptionFirst(t *testing.T) {
	now := time.Now()
	grants := []models.ReferralReward{grant(1, 30, 24*time.Hour, time.Hour)}

	receipt := PlanDebit(10, grants, 7, now)
	assert.Equal(t, float64(7), receipt.Subscription)
	assert.Empty(t, receipt.GrantDebits)
	assert.Equal(t, float64(7), receipt.Total())
}

// TestPlanDebit_SpillsIntoGrants tests the subscription-then-referral split
func TestPlanDebit_SpillsIntoGrants(t *testing.T) {
	now := time.Now()
	grants := []models.ReferralReward{grant(1, 30, 24*time.Hour, time.Hour)}

	receipt := PlanDebit(4, grants, 10, now)
	assert.Equal(t, float64(4), receipt.Subscription)
	assert.Equal(t, float64(6), receipt.Referral)
	require.Len(t, receipt.GrantDebits, 1)
	assert.Equal(t, uint(1), receipt.GrantDebits[0].GrantID)
	assert.Equal(t, float64(6), receipt.GrantDebits[0].Tokens)
}

// TestPlanDebit_SoonestExpiryFirst tests grant ordering: soonest expiry wins,
// creation time breaks ties
func TestPlanDebit_SoonestExpiryFirst(t *testing.T) {
	now := time.Now()
	late := grant(1, 20, 72*time.Hour, time.Hour)
	soon := grant(2, 5, 12*time.Hour, time.Hour)

	receipt := PlanDebit(0, []models.ReferralReward{late, soon}, 8, now)
	require.Len(t, receipt.GrantDebits, 2)
	assert.Equal(t, uint(2), receipt.GrantDebits[0].GrantID)
	assert.Equal(t, float64(5), receipt.GrantDebits[0].Tokens)
	assert.Equal(t, uint(1), receipt.GrantDebits[1].GrantID)
	assert.Equal(t, float64(3), receipt.GrantDebits[1].Tokens)
}

// TestPlanDebit_SkipsInactiveGrants tests that expired and drained grants are
// never debited
func TestPlanDebit_SkipsInactiveGrants(t *testing.T) {
	now := time.Now()
	expired := grant(1, 50, -time.Hour, time.Hour)
	empty := grant(2, 0, 24*time.Hour, time.Hour)
	ok := grant(3, 10, 24*time.Hour, time.Hour)

	receipt := PlanDebit(0, []models.ReferralReward{expired, empty, ok}, 6, now)
	require.Len(t, receipt.GrantDebits, 1)
	assert.Equal(t, uint(3), receipt.GrantDebits[0].GrantID)
}

// TestRound2 tests ledger precision clamping
func TestRound2(t *testing.T) {
	assert.Equal(t, 0.8, Round2(0.8))
	assert.Equal(t, 2.67, Round2(2.666666))
	assert.Equal(t, 0.1, Round2(0.3-0.2))
}
