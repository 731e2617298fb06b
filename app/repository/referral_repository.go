package repository

import (
	"gorm.io/gorm"

	"github.com/promokit/promokit/app/models"
)

// referralRepository implements the ReferralRepository interface
type referralRepository struct {
	db *gorm.DB
}

// NewReferralRepository creates a new referral reward repository instance
func NewReferralRepository(db *gorm.DB) ReferralRepository {
	return &referralRepository{db: db}
}

func (r *referralRepository) ListByReferrer(referrerUserID uint) ([]models.ReferralReward, error) {
	var grants []models.ReferralReward
	err := r.db.Where("referrer_user_id = ?", referrerUserID).
		Order("expires_at ASC").
		Find(&grants).Error
	return grants, err
}
