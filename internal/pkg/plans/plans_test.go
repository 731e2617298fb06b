package plans

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promokit/promokit/app/models"
	"github.com/promokit/promokit/internal/pkg/apperrors"
)

// TestNormalize tests plan name normalization
func TestNormalize(t *testing.T) {
	assert.Equal(t, PlanFree, Normalize(""))
	assert.Equal(t, PlanFree, Normalize("unknown"))
	assert.Equal(t, PlanStarter, Normalize("starter"))
	assert.Equal(t, PlanStarter, Normalize("  Starter "))
	assert.Equal(t, PlanPro, Normalize("PRO"))
	assert.Equal(t, PlanBusinessPlus, Normalize("business_plus"))
}

// TestQueuePriority tests that higher tiers map to higher claim priority
func TestQueuePriority(t *testing.T) {
	assert.Equal(t, 0, QueuePriority(PlanFree))
	assert.Equal(t, 10, QueuePriority(PlanStarter))
	assert.Equal(t, 20, QueuePriority(PlanPro))
	assert.Equal(t, 30, QueuePriority(PlanBusinessPlus))
}

// TestNextTier tests the upsell recommendation ladder
func TestNextTier(t *testing.T) {
	assert.Equal(t, PlanStarter, NextTier(PlanFree))
	assert.Equal(t, PlanPro, NextTier(PlanStarter))
	assert.Equal(t, PlanBusinessPlus, NextTier(PlanPro))
	assert.Equal(t, PlanBusinessPlus, NextTier(PlanBusinessPlus))
}

// TestWorkerSlots tests slot allocation per tier
func TestWorkerSlots(t *testing.T) {
	assert.Equal(t, 1, WorkerSlots(PlanFree))
	assert.Equal(t, 1, WorkerSlots(PlanStarter))
	assert.Equal(t, 2, WorkerSlots(PlanPro))
	assert.Equal(t, 4, WorkerSlots(PlanBusinessPlus))
}

// TestCooldown tests sliding-window limits per tier
func TestCooldown(t *testing.T) {
	window, max := Cooldown(PlanFree)
	assert.Equal(t, time.Minute, window)
	assert.Equal(t, 1, max)

	_, max = Cooldown(PlanBusinessPlus)
	assert.Equal(t, 12, max)
}

// TestMonthlyVideoQuota tests that only starter and pro carry a video cap
func TestMonthlyVideoQuota(t *testing.T) {
	assert.Equal(t, 10, MonthlyVideoQuota(PlanStarter))
	assert.Equal(t, 30, MonthlyVideoQuota(PlanPro))
	assert.Equal(t, 0, MonthlyVideoQuota(PlanBusinessPlus))
	assert.Equal(t, 0, MonthlyVideoQuota(PlanFree))
}

// TestGetImagePolicy_FreeTier tests the free tier image entitlements
func TestGetImagePolicy_FreeTier(t *testing.T) {
	policy, err := GetImagePolicy(PlanFree, models.ModeBasic)
	require.NoError(t, err)
	assert.Equal(t, float64(2), policy.CostPerRequest)
	assert.Equal(t, 1, policy.OutputCount)

	_, err = GetImagePolicy(PlanFree, models.ModePro)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodePlanRestricted))
	appErr := apperrors.From(err)
	assert.Equal(t, string(PlanStarter), appErr.RecommendedPlan)
}

// TestGetImagePolicy_Matrix tests cost and fan-out across paid tiers
func TestGetImagePolicy_Matrix(t *testing.T) {
	cases := []struct {
		plan    Plan
		mode    models.GenerationMode
		cost    float64
		outputs int
	}{
		{PlanStarter, models.ModeBasic, 2, 2},
		{PlanStarter, models.ModePro, 5, 2},
		{PlanPro, models.ModePro, 5, 3},
		{PlanPro, models.ModePremium, 9, 3},
		{PlanBusinessPlus, models.ModePro, 5, 4},
		{PlanBusinessPlus, models.ModePremium, 12, 4},
	}
	for _, tc := range cases {
		policy, err := GetImagePolicy(tc.plan, tc.mode)
		require.NoError(t, err, "%s/%s", tc.plan, tc.mode)
		assert.Equal(t, tc.cost, policy.CostPerRequest, "%s/%s cost", tc.plan, tc.mode)
		assert.Equal(t, tc.outputs, policy.OutputCount, "%s/%s outputs", tc.plan, tc.mode)
	}

	// premium is not available below pro
	_, err := GetImagePolicy(PlanStarter, models.ModePremium)
	assert.True(t, apperrors.IsCode(err, apperrors.CodePlanRestricted))
}

// TestGetVideoPolicy tests that video stays a paid feature
func TestGetVideoPolicy(t *testing.T) {
	_, err := GetVideoPolicy(PlanFree, models.ModeBasic)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodePlanRestricted))

	policy, err := GetVideoPolicy(PlanStarter, models.ModeBasic)
	require.NoError(t, err)
	assert.Equal(t, float64(15), policy.CostPerVideo)
	assert.Equal(t, 1, policy.OutputCount)

	policy, err = GetVideoPolicy(PlanBusinessPlus, models.ModePremium)
	require.NoError(t, err)
	assert.Equal(t, float64(40), policy.CostPerVideo)
}

// TestGetCopywriterPolicy tests that per-card cost drops with the tier
func TestGetCopywriterPolicy(t *testing.T) {
	free, err := GetCopywriterPolicy(PlanFree)
	require.NoError(t, err)
	pro, err := GetCopywriterPolicy(PlanPro)
	require.NoError(t, err)
	top, err := GetCopywriterPolicy(PlanBusinessPlus)
	require.NoError(t, err)

	assert.Equal(t, float64(1), free.CostPerCard)
	assert.Equal(t, 0.8, pro.CostPerCard)
	assert.Equal(t, 0.5, top.CostPerCard)
}

// TestModelAllowed tests the whitelist check and default selection
func TestModelAllowed(t *testing.T) {
	allowed := []string{"flux-schnell", "sdxl"}
	assert.True(t, ModelAllowed(allowed, ""))
	assert.True(t, ModelAllowed(allowed, "sdxl"))
	assert.False(t, ModelAllowed(allowed, "flux-pro"))
	assert.Equal(t, "flux-schnell", DefaultModel(allowed))
	assert.Equal(t, "", DefaultModel(nil))
}

// TestMonthlyTokens tests the per-plan subscription allotment
func TestMonthlyTokens(t *testing.T) {
	assert.Equal(t, float64(10), MonthlyTokens(PlanFree))
	assert.Equal(t, float64(100), MonthlyTokens(PlanStarter))
	assert.Equal(t, float64(300), MonthlyTokens(PlanPro))
	assert.Equal(t, float64(1000), MonthlyTokens(PlanBusinessPlus))
}
