package ledger

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/promokit/promokit/app/models"
)

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a ledger repository backed by GORM. Row locking uses
// SELECT ... FOR UPDATE; combined with Transaction this serializes all
// balance mutations for a user on their row.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Transaction(fn func(tx Repository) error) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

func (r *gormRepository) GetUserForUpdate(userID uint) (*models.User, error) {
	var user models.User
	err := r.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", userID).
		First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *gormRepository) SaveUser(user *models.User) error {
	return r.db.Save(user).Error
}

func (r *gormRepository) GrantsForUpdate(referrerUserID uint) ([]models.ReferralReward, error) {
	var grants []models.ReferralReward
	err := r.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("referrer_user_id = ?", referrerUserID).
		Order("expires_at ASC, created_at ASC").
		Find(&grants).Error
	return grants, err
}

func (r *gormRepository) GrantByReferredUser(referredUserID uint) (*models.ReferralReward, error) {
	var grant models.ReferralReward
	err := r.db.Where("referred_user_id = ?", referredUserID).First(&grant).Error
	if err != nil {
		return nil, err
	}
	return &grant, nil
}

func (r *gormRepository) SaveGrant(grant *models.ReferralReward) error {
	return r.db.Save(grant).Error
}

func (r *gormRepository) CreateGrant(grant *models.ReferralReward) error {
	return r.db.Create(grant).Error
}

func (r *gormRepository) CreateUsage(entry *models.UsageEntry) error {
	return r.db.Create(entry).Error
}
