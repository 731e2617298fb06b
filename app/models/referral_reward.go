package models

import (
	"time"

	"gorm.io/gorm"
)

// ReferralRewardValidity is how long a granted reward stays spendable.
const ReferralRewardValidity = 30 * 24 * time.Hour

// ReferralReward is a time-boxed bonus token grant awarded to a referrer when
// a referred user makes a qualifying plan purchase. Grants are never deleted;
// exhausted or expired grants stay behind for auditing.
type ReferralReward struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	ReferrerUserID  uint           `gorm:"index;not null" json:"referrer_user_id"`
	ReferredUserID  uint           `gorm:"uniqueIndex;not null" json:"referred_user_id"`
	Plan            string         `gorm:"type:varchar(50);not null" json:"plan"`
	TokensAwarded   float64        `gorm:"type:decimal(10,2);not null" json:"tokens_awarded"`
	TokensRemaining float64        `gorm:"type:decimal(10,2);not null" json:"tokens_remaining"`
	ExpiresAt       time.Time      `gorm:"index;not null" json:"expires_at"`
	CreatedAt       time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"-"`
}

// ReferralRewardTokens is the fixed award schedule per purchased plan.
func ReferralRewardTokens(plan string) float64 {
	switch plan {
	case "starter":
		return 30
	case "pro":
		return 50
	case "business_plus":
		return 100
	default:
		return 0
	}
}

// IsActive reports whether the grant still contributes to the effective
// balance: tokens left and not yet expired.
func (r *ReferralReward) IsActive(now time.Time) bool {
	return r.TokensRemaining > 0 && r.ExpiresAt.After(now)
}
