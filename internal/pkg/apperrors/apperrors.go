package apperrors

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
)

// ErrorCode identifies a machine-readable error class surfaced to API clients.
type ErrorCode string

const (
	CodeUnauthorized        ErrorCode = "UNAUTHORIZED"
	CodeInsufficientTokens  ErrorCode = "INSUFFICIENT_TOKENS"
	CodeSubscriptionExpired ErrorCode = "SUBSCRIPTION_EXPIRED"
	CodePlanRestricted      ErrorCode = "PLAN_RESTRICTED"
	CodeDailyLimit          ErrorCode = "DAILY_LIMIT"
	CodeRateLimit           ErrorCode = "RATE_LIMIT"
	CodeQuotaExceeded       ErrorCode = "QUOTA_EXCEEDED"
	CodeValidationFailed    ErrorCode = "VALIDATION_FAILED"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeInternal            ErrorCode = "INTERNAL_ERROR"
)

// AppError is the application error carried across the billing and queue
// paths and rendered as the JSON error body.
type AppError struct {
	Code            ErrorCode `json:"code"`
	Message         string    `json:"message"`
	RecommendedPlan string    `json:"recommended_plan,omitempty"`
	RetryAfter      int64     `json:"retry_after_seconds,omitempty"`
	ResetAt         string    `json:"reset_at,omitempty"`
	NextAvailableAt string    `json:"next_available_at,omitempty"`
	HTTPCode        int       `json:"-"`
	Err             error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError with an explicit HTTP status.
func New(code ErrorCode, message string, httpCode int) *AppError {
	return &AppError{Code: code, Message: message, HTTPCode: httpCode}
}

// Wrap attaches an underlying cause to a new AppError.
func Wrap(err error, code ErrorCode, message string, httpCode int) *AppError {
	return &AppError{Code: code, Message: message, HTTPCode: httpCode, Err: err}
}

func (e *AppError) WithRecommendedPlan(plan string) *AppError {
	e.RecommendedPlan = plan
	return e
}

func (e *AppError) WithRetryAfter(seconds int64) *AppError {
	e.RetryAfter = seconds
	return e
}

// Unauthorized is returned when no valid session or API key is present.
func Unauthorized(message string) *AppError {
	return New(CodeUnauthorized, message, fiber.StatusUnauthorized)
}

// InsufficientTokens is returned when the effective balance cannot cover a reservation.
func InsufficientTokens(message string) *AppError {
	return New(CodeInsufficientTokens, message, fiber.StatusPaymentRequired)
}

// SubscriptionExpired is returned when a lapsed account without referral
// tokens attempts a billable operation.
func SubscriptionExpired(message string) *AppError {
	return New(CodeSubscriptionExpired, message, fiber.StatusForbidden)
}

// PlanRestricted is returned for (plan, mode) combinations outside the plan's
// entitlements. The recommended plan is the next tier that unlocks them.
func PlanRestricted(message, recommendedPlan string) *AppError {
	return New(CodePlanRestricted, message, fiber.StatusForbidden).WithRecommendedPlan(recommendedPlan)
}

// DailyLimit is returned when the per-day batch cap is reached.
func DailyLimit(message string) *AppError {
	return New(CodeDailyLimit, message, fiber.StatusTooManyRequests)
}

// RateLimit is returned when the sliding-window cooldown rejects a request.
func RateLimit(message string) *AppError {
	return New(CodeRateLimit, message, fiber.StatusTooManyRequests)
}

// QuotaExceeded is returned when a monthly per-mode quota is used up.
func QuotaExceeded(message string) *AppError {
	return New(CodeQuotaExceeded, message, fiber.StatusTooManyRequests)
}

// Validation wraps request validation failures.
func Validation(message string) *AppError {
	return New(CodeValidationFailed, message, fiber.StatusBadRequest)
}

// NotFound marks a missing resource.
func NotFound(message string) *AppError {
	return New(CodeNotFound, message, fiber.StatusNotFound)
}

// Internal wraps unexpected failures without leaking details to the client.
func Internal(err error) *AppError {
	return Wrap(err, CodeInternal, "internal server error", fiber.StatusInternalServerError)
}

// From extracts an AppError from an error chain, falling back to Internal.
func From(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal(err)
}

// IsCode reports whether err carries the given application error code.
func IsCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
