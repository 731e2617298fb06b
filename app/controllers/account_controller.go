package controllers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/promokit/promokit/app/models"
	"github.com/promokit/promokit/app/repository"
	"github.com/promokit/promokit/internal/pkg/apperrors"
	"github.com/promokit/promokit/internal/pkg/usercontext"
)

// HandleGetBalance returns the effective balance breakdown for the
// authenticated user: subscription tokens plus each active referral grant.
func HandleGetBalance(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return renderError(c, apperrors.Unauthorized("missing or invalid authentication"))
	}

	balance, err := ledgerSvc.Balance(c.Context(), userCtx.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return renderError(c, apperrors.NotFound("user not found"))
		}
		return renderError(c, err)
	}

	grants, err := repository.GetGlobalFactory().GetReferralRepository().ListByReferrer(userCtx.UserID)
	if err != nil {
		return renderError(c, err)
	}

	now := time.Now()
	grantViews := make([]fiber.Map, 0, len(grants))
	for _, g := range grants {
		if !g.IsActive(now) {
			continue
		}
		grantViews = append(grantViews, fiber.Map{
			"tokens_remaining": g.TokensRemaining,
			"tokens_awarded":   g.TokensAwarded,
			"expires_at":       g.ExpiresAt.UTC().Format(time.RFC3339),
		})
	}

	return c.JSON(fiber.Map{
		"plan":                userCtx.Plan,
		"unlimited":           balance.Unlimited,
		"subscription_tokens": balance.Subscription,
		"referral_tokens":     balance.Referral,
		"total_tokens":        balance.Total(),
		"referral_grants":     grantViews,
	})
}

// HandleGetUsage lists the authenticated user's spend log, newest first.
func HandleGetUsage(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return renderError(c, apperrors.Unauthorized("missing or invalid authentication"))
	}

	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}

	entries, err := repository.GetGlobalFactory().GetUsageRepository().ListByUser(userCtx.UserID, offset, limit)
	if err != nil {
		return renderError(c, err)
	}

	views := make([]fiber.Map, 0, len(entries))
	for _, e := range entries {
		views = append(views, fiber.Map{
			"tokens_used": e.TokensUsed,
			"service":     e.ServiceType,
			"model":       e.ModelUsed,
			"created_at":  e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return c.JSON(fiber.Map{
		"usage":  views,
		"offset": offset,
		"limit":  limit,
	})
}

// HandleIssueAPIKey rotates the user's API key and returns the raw secret
// once. The previous key stops working immediately.
func HandleIssueAPIKey(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return renderError(c, apperrors.Unauthorized("missing or invalid authentication"))
	}

	repo := repository.GetGlobalFactory().GetUserRepository()
	user, err := repo.GetByID(userCtx.UserID)
	if err != nil {
		return renderError(c, err)
	}

	rawKey, err := user.IssueAPIKey()
	if err != nil {
		return renderError(c, err)
	}
	if err := repo.Update(user); err != nil {
		return renderError(c, err)
	}

	return c.JSON(fiber.Map{
		"api_key":        rawKey,
		"api_key_prefix": user.APIKeyPrefix,
		"created_at":     formatTimePtr(user.APIKeyCreatedAt),
	})
}

// HandleGetAccount returns basic account information.
func HandleGetAccount(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return renderError(c, apperrors.Unauthorized("missing or invalid authentication"))
	}

	user, err := repository.GetGlobalFactory().GetUserRepository().GetByID(userCtx.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return renderError(c, apperrors.NotFound("user not found"))
		}
		return renderError(c, err)
	}

	return c.JSON(fiber.Map{
		"id":                      user.ID,
		"username":                user.Name,
		"email":                   user.Email,
		"status":                  user.Status,
		"plan":                    user.Plan,
		"is_admin":                user.Role == models.ROLE_ADMIN,
		"subscription_status":     user.SubscriptionStatus,
		"subscription_expires_at": formatTimePtr(user.SubscriptionExpiresAt),
		"referral_code":           user.ReferralCode,
		"api_key_prefix":          user.APIKeyPrefix,
		"api_key_last_used_at":    formatTimePtr(user.APIKeyLastUsedAt),
		"created_at":              user.CreatedAt.UTC().Format(time.RFC3339),
	})
}
