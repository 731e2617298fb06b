package controllers

import (
	"crypto/subtle"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/promokit/promokit/app/models"
	"github.com/promokit/promokit/app/repository"
	"github.com/promokit/promokit/internal/pkg/apperrors"
	"github.com/promokit/promokit/internal/pkg/env"
	"github.com/promokit/promokit/internal/pkg/plans"
)

// PurchaseWebhookRequest is the payment provider's purchase notification.
// ReferralCode is the share code the buyer signed up with, if any.
type PurchaseWebhookRequest struct {
	UserID       uint   `json:"user_id" validate:"required"`
	Plan         string `json:"plan" validate:"required,oneof=starter pro business_plus"`
	ReferralCode string `json:"referral_code" validate:"omitempty,max=32"`
}

// HandlePurchaseWebhook activates a subscription purchase: sets the plan,
// resets the subscription token balance for the new period and, on a first
// qualifying purchase with a referral code, grants the referrer's reward.
func HandlePurchaseWebhook(c *fiber.Ctx) error {
	secret := env.GetEnv("BILLING_WEBHOOK_SECRET", "")
	provided := c.Get("X-Webhook-Secret")
	if secret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(provided)) != 1 {
		return renderError(c, apperrors.Unauthorized("invalid webhook secret"))
	}

	var req PurchaseWebhookRequest
	if err := c.BodyParser(&req); err != nil {
		return renderError(c, apperrors.Validation("invalid request body"))
	}
	if err := reqValidate.Struct(&req); err != nil {
		return renderError(c, apperrors.Validation(err.Error()))
	}

	repo := repository.GetGlobalFactory().GetUserRepository()
	user, err := repo.GetByID(req.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return renderError(c, apperrors.NotFound("user not found"))
		}
		return renderError(c, err)
	}

	plan := plans.Normalize(req.Plan)
	expiresAt := time.Now().AddDate(0, 1, 0)
	user.Plan = string(plan)
	user.SubscriptionStatus = models.SUBSCRIPTION_ACTIVE
	user.SubscriptionExpiresAt = &expiresAt
	user.TokenBalance = plans.MonthlyTokens(plan)
	if err := repo.Update(user); err != nil {
		return renderError(c, err)
	}

	if req.ReferralCode != "" {
		referrer, rerr := repo.GetByReferralCode(req.ReferralCode)
		switch {
		case rerr == nil && referrer.ID != user.ID:
			if _, gerr := ledgerSvc.GrantReferralReward(c.Context(), referrer.ID, user.ID, string(plan)); gerr != nil {
				log.Errorf("[Billing] referral grant for referrer %d failed: %v", referrer.ID, gerr)
			}
		case rerr != nil && !errors.Is(rerr, gorm.ErrRecordNotFound):
			log.Errorf("[Billing] referral code lookup failed: %v", rerr)
		}
	}

	return c.JSON(fiber.Map{
		"user_id":                 user.ID,
		"plan":                    user.Plan,
		"subscription_status":     user.SubscriptionStatus,
		"subscription_expires_at": expiresAt.UTC().Format(time.RFC3339),
		"token_balance":           user.TokenBalance,
	})
}
