package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/promokit/promokit/app/models"
)

// usageRepository implements the UsageRepository interface
type usageRepository struct {
	db *gorm.DB
}

// NewUsageRepository creates a new usage log repository instance
func NewUsageRepository(db *gorm.DB) UsageRepository {
	return &usageRepository{db: db}
}

// CountByServiceBetween counts usage rows of one service type inside a
// half-open interval [from, to). The monthly quota guard derives its billing
// period boundaries before calling this.
func (r *usageRepository) CountByServiceBetween(userID uint, service models.ServiceType, from, to time.Time) (int64, error) {
	var count int64
	err := r.db.Model(&models.UsageEntry{}).
		Where("user_id = ? AND service_type = ? AND created_at >= ? AND created_at < ?",
			userID, service, from, to).
		Count(&count).Error
	return count, err
}

func (r *usageRepository) ListByUser(userID uint, offset, limit int) ([]models.UsageEntry, error) {
	var entries []models.UsageEntry
	err := r.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&entries).Error
	return entries, err
}
