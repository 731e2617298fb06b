package plans

import (
	"strings"
	"time"
)

// Plan is a subscription tier.
type Plan string

const (
	PlanFree         Plan = "free"
	PlanStarter      Plan = "starter"
	PlanPro          Plan = "pro"
	PlanBusinessPlus Plan = "business_plus"
)

// Normalize maps arbitrary input to a known plan, defaulting to free.
func Normalize(plan string) Plan {
	switch strings.ToLower(strings.TrimSpace(plan)) {
	case string(PlanStarter):
		return PlanStarter
	case string(PlanPro):
		return PlanPro
	case string(PlanBusinessPlus):
		return PlanBusinessPlus
	default:
		return PlanFree
	}
}

// Rank orders plans from free (0) upwards.
func Rank(plan Plan) int {
	switch plan {
	case PlanBusinessPlus:
		return 3
	case PlanPro:
		return 2
	case PlanStarter:
		return 1
	default:
		return 0
	}
}

// NextTier returns the next plan up, used as the upsell recommendation on
// PLAN_RESTRICTED errors. The top tier recommends itself.
func NextTier(plan Plan) Plan {
	switch plan {
	case PlanFree:
		return PlanStarter
	case PlanStarter:
		return PlanPro
	default:
		return PlanBusinessPlus
	}
}

// QueuePriority is the claim-order priority stamped on queued jobs. Higher
// tiers get numerically higher values so a single ORDER BY priority DESC,
// created_at ASC expresses cross-plan precedence with FIFO tie-break.
func QueuePriority(plan Plan) int {
	switch plan {
	case PlanBusinessPlus:
		return 30
	case PlanPro:
		return 20
	case PlanStarter:
		return 10
	default:
		return 0
	}
}

// WorkerSlots is the number of concurrent worker lanes dedicated to a plan.
func WorkerSlots(plan Plan) int {
	switch plan {
	case PlanBusinessPlus:
		return 4
	case PlanPro:
		return 2
	default:
		return 1
	}
}

// DailyBatchLimit caps distinct non-canceled batches per UTC day.
func DailyBatchLimit(plan Plan) int {
	switch plan {
	case PlanBusinessPlus:
		return 200
	case PlanPro:
		return 50
	case PlanStarter:
		return 20
	default:
		return 5
	}
}

// Cooldown returns the sliding-window rate limit for a plan: at most
// maxBatches batch starts within the window.
func Cooldown(plan Plan) (window time.Duration, maxBatches int) {
	switch plan {
	case PlanBusinessPlus:
		return time.Minute, 12
	case PlanPro:
		return time.Minute, 6
	case PlanStarter:
		return time.Minute, 3
	default:
		return time.Minute, 1
	}
}

// MonthlyVideoQuota is the per-billing-period cap on video batches for paid
// tiers. Zero means no configured cap (unlimited).
func MonthlyVideoQuota(plan Plan) int {
	switch plan {
	case PlanPro:
		return 30
	case PlanStarter:
		return 10
	default:
		return 0
	}
}

// MonthlyTokens is the subscription token allotment set on purchase and on
// each renewal. The balance resets to this value, it does not accumulate.
func MonthlyTokens(plan Plan) float64 {
	switch plan {
	case PlanBusinessPlus:
		return 1000
	case PlanPro:
		return 300
	case PlanStarter:
		return 100
	default:
		return 10
	}
}

// AllPlans lists the tiers in ascending order; the worker pool spawns slot
// loops for each of them.
func AllPlans() []Plan {
	return []Plan{PlanFree, PlanStarter, PlanPro, PlanBusinessPlus}
}
