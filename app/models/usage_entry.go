package models

import "time"

const maxUsagePromptLen = 255

// UsageEntry is one append-only row in the spend log. Exactly one entry is
// written per settled batch that had at least one successful output.
type UsageEntry struct {
	ID          uint        `gorm:"primaryKey" json:"id"`
	UserID      uint        `gorm:"index;not null" json:"user_id"`
	TokensUsed  float64     `gorm:"type:decimal(10,2);not null" json:"tokens_used"`
	ServiceType ServiceType `gorm:"type:varchar(20);index;not null" json:"service_type"`
	ModelUsed   string      `gorm:"type:varchar(100)" json:"model_used"`
	Prompt      string      `gorm:"type:varchar(255)" json:"prompt"`
	CreatedAt   time.Time   `gorm:"autoCreateTime;index" json:"created_at"`
}

// NewUsageEntry builds a usage row, truncating the prompt for storage.
func NewUsageEntry(userID uint, tokens float64, service ServiceType, model, prompt string) *UsageEntry {
	return &UsageEntry{
		UserID:      userID,
		TokensUsed:  tokens,
		ServiceType: service,
		ModelUsed:   model,
		Prompt:      TruncateText(prompt, maxUsagePromptLen),
	}
}
