package ledger

import (
	"math"
	"sort"
	"time"

	"github.com/promokit/promokit/app/models"
)

// EffectiveBalance is the hybrid spendable balance: the subscription token
// balance plus all active referral grants. It is computed in exactly one
// place so the debit-order policy has a single home.
type EffectiveBalance struct {
	Subscription float64 `json:"subscription"`
	Referral     float64 `json:"referral"`
	Unlimited    bool    `json:"unlimited,omitempty"`
}

// Total is the spendable sum across both sources.
func (b EffectiveBalance) Total() float64 {
	return Round2(b.Subscription + b.Referral)
}

// GrantDebit records how many tokens one reservation took from one grant.
type GrantDebit struct {
	GrantID uint    `json:"grant_id"`
	Tokens  float64 `json:"tokens"`
}

// DebitReceipt lists exactly where a reservation's tokens came from, so a
// later refund can reverse the debit in the same granularity.
type DebitReceipt struct {
	Subscription float64      `json:"subscription"`
	Referral     float64      `json:"referral"`
	GrantDebits  []GrantDebit `json:"grant_debits,omitempty"`
}

// Total is the full reserved amount covered by this receipt.
func (r DebitReceipt) Total() float64 {
	return Round2(r.Subscription + r.Referral)
}

// ComputeEffectiveBalance derives the spendable balance from the user row and
// their referral grants. Inactive grants (exhausted or expired) are excluded.
func ComputeEffectiveBalance(user *models.User, grants []models.ReferralReward, now time.Time) EffectiveBalance {
	if user.IsAdmin() {
		return EffectiveBalance{Subscription: models.UnlimitedBalance, Unlimited: true}
	}
	b := EffectiveBalance{}
	if !user.SubscriptionLapsed(now) {
		b.Subscription = user.TokenBalance
	}
	for _, g := range grants {
		if g.IsActive(now) {
			b.Referral += g.TokensRemaining
		}
	}
	b.Subscription = Round2(b.Subscription)
	b.Referral = Round2(b.Referral)
	return b
}

// PlanDebit decides how a reservation of `tokens` is split across the
// subscription balance and active grants: subscription first (down to zero),
// then grants ordered soonest-expiry, oldest-created. The caller applies the
// returned receipt inside its transaction; PlanDebit itself mutates nothing.
func PlanDebit(subscriptionBalance float64, grants []models.ReferralReward, tokens float64, now time.Time) DebitReceipt {
	receipt := DebitReceipt{}
	remaining := Round2(tokens)

	fromSub := math.Min(subscriptionBalance, remaining)
	if fromSub > 0 {
		receipt.Subscription = Round2(fromSub)
		remaining = Round2(remaining - fromSub)
	}
	if remaining <= 0 {
		return receipt
	}

	active := make([]models.ReferralReward, 0, len(grants))
	for _, g := range grants {
		if g.IsActive(now) {
			active = append(active, g)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		if !active[i].ExpiresAt.Equal(active[j].ExpiresAt) {
			return active[i].ExpiresAt.Before(active[j].ExpiresAt)
		}
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})

	for _, g := range active {
		if remaining <= 0 {
			break
		}
		take := math.Min(g.TokensRemaining, remaining)
		if take <= 0 {
			continue
		}
		take = Round2(take)
		receipt.GrantDebits = append(receipt.GrantDebits, GrantDebit{GrantID: g.ID, Tokens: take})
		receipt.Referral = Round2(receipt.Referral + take)
		remaining = Round2(remaining - take)
	}
	return receipt
}

// Round2 clamps a token amount to the ledger's 2-decimal precision.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
