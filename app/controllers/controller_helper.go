package controllers

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/promokit/promokit/internal/pkg/apperrors"
)

// renderError maps any error to the structured JSON error body. Unexpected
// errors are logged and surfaced as a generic 500.
func renderError(c *fiber.Ctx, err error) error {
	appErr := apperrors.From(err)
	if appErr.Code == apperrors.CodeInternal {
		log.Errorf("[API] %s %s failed: %v", c.Method(), c.Path(), err)
	}
	if appErr.RetryAfter > 0 {
		c.Set("Retry-After", strconv.FormatInt(appErr.RetryAfter, 10))
	}

	body := fiber.Map{
		"error":   true,
		"code":    appErr.Code,
		"message": appErr.Message,
	}
	if appErr.RecommendedPlan != "" {
		body["recommended_plan"] = appErr.RecommendedPlan
	}
	if appErr.RetryAfter > 0 {
		body["retry_after_seconds"] = appErr.RetryAfter
	}
	if appErr.ResetAt != "" {
		body["reset_at"] = appErr.ResetAt
	}
	if appErr.NextAvailableAt != "" {
		body["next_available_at"] = appErr.NextAvailableAt
	}
	return c.Status(appErr.HTTPCode).JSON(body)
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
