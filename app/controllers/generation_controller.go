package controllers

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/promokit/promokit/app/models"
	"github.com/promokit/promokit/app/repository"
	"github.com/promokit/promokit/internal/pkg/apperrors"
	"github.com/promokit/promokit/internal/pkg/jobqueue"
	"github.com/promokit/promokit/internal/pkg/ledger"
	"github.com/promokit/promokit/internal/pkg/plans"
	"github.com/promokit/promokit/internal/pkg/ratelimit"
	"github.com/promokit/promokit/internal/pkg/usercontext"
)

var (
	genQueue    *jobqueue.Queue
	ledgerSvc   *ledger.Service
	rateGuard   *ratelimit.Guard
	reqValidate = validator.New()
)

// InitializeGenerationController wires the generation endpoints to the shared
// queue and ledger. Called once from the router install.
func InitializeGenerationController(queue *jobqueue.Queue, svc *ledger.Service, guard *ratelimit.Guard) {
	genQueue = queue
	ledgerSvc = svc
	rateGuard = guard
}

// CreateGenerationRequest is the POST /generations payload.
type CreateGenerationRequest struct {
	Service     string   `json:"service" validate:"required,oneof=image video copywriter"`
	Mode        string   `json:"mode" validate:"omitempty,oneof=basic pro premium"`
	Model       string   `json:"model" validate:"omitempty,max=100"`
	Prompt      string   `json:"prompt" validate:"required"`
	AspectRatio string   `json:"aspect_ratio" validate:"omitempty,oneof=1:1 4:5 16:9 9:16"`
	InputImages []string `json:"input_images" validate:"omitempty,dive,url"`
}

// HandleCreateGeneration runs the full request pipeline: policy, rate guard,
// token reservation, enqueue. The reservation happens last so any rejection
// leaves no balance change behind; a failed enqueue refunds it.
func HandleCreateGeneration(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return renderError(c, apperrors.Unauthorized("missing or invalid authentication"))
	}

	var req CreateGenerationRequest
	if err := c.BodyParser(&req); err != nil {
		return renderError(c, apperrors.Validation("invalid request body"))
	}
	if err := reqValidate.Struct(&req); err != nil {
		return renderError(c, apperrors.Validation(err.Error()))
	}
	if req.Mode == "" {
		req.Mode = string(models.ModeBasic)
	}

	plan := plans.Normalize(userCtx.Plan)
	service := models.ServiceType(req.Service)
	mode := models.GenerationMode(req.Mode)

	cost, outputCount, model, err := resolvePolicy(plan, service, mode, &req)
	if err != nil {
		return renderError(c, err)
	}

	user, err := repository.GetGlobalFactory().GetUserRepository().GetByID(userCtx.UserID)
	if err != nil {
		return renderError(c, err)
	}

	if err := rateGuard.CheckDailyLimit(user.ID, plan); err != nil {
		return renderError(c, err)
	}
	if err := rateGuard.CheckCooldown(user.ID, plan); err != nil {
		return renderError(c, err)
	}
	if service == models.ServiceVideo {
		if err := rateGuard.CheckMonthlyVideoQuota(user.ID, plan, user.SubscriptionExpiresAt); err != nil {
			return renderError(c, err)
		}
	}

	reservation, err := ledgerSvc.Reserve(c.Context(), user.ID, cost)
	if err != nil {
		return renderError(c, err)
	}
	tokensReserved, receipt := reservationOutcome(reservation, cost)

	result, err := genQueue.Enqueue(jobqueue.BatchSpec{
		UserID:         user.ID,
		Plan:           plan,
		Service:        service,
		Mode:           mode,
		Model:          model,
		AspectRatio:    req.AspectRatio,
		Prompt:         req.Prompt,
		InputImages:    req.InputImages,
		OutputCount:    outputCount,
		TokensReserved: tokensReserved,
		Receipt:        receipt,
		BillingMode:    models.BillingPerBatch,
	})
	if err != nil {
		// Nothing was queued; give the tokens back along the receipt.
		if tokensReserved > 0 {
			if rerr := ledgerSvc.Refund(c.Context(), user.ID, tokensReserved, receipt); rerr != nil {
				log.Errorf("[API] refund after failed enqueue for user %d: %v", user.ID, rerr)
			}
		}
		return renderError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"batch_id":         result.BatchID,
		"job_ids":          result.JobIDs,
		"status":           "queued",
		"queue_position":   result.QueuePosition,
		"eta_seconds":      result.ETASeconds,
		"tokens_reserved":  tokensReserved,
		"tokens_remaining": reservation.Balance.Total(),
	})
}

// reservationOutcome maps a reservation to what the anchor job records.
// Billing-exempt accounts reserve nothing: their batches carry a zero
// reservation and no receipt, so settlement never charges or refunds tokens
// that were never debited.
func reservationOutcome(r *ledger.ReserveResult, cost float64) (float64, *ledger.DebitReceipt) {
	if r.Balance.Unlimited {
		return 0, nil
	}
	return cost, &r.Receipt
}

// resolvePolicy maps (plan, service, mode) to the batch price, fan-out and
// model, validating the request against the plan's limits.
func resolvePolicy(plan plans.Plan, service models.ServiceType, mode models.GenerationMode, req *CreateGenerationRequest) (cost float64, outputCount int, model string, err error) {
	switch service {
	case models.ServiceImage:
		policy, perr := plans.GetImagePolicy(plan, mode)
		if perr != nil {
			return 0, 0, "", perr
		}
		if len(req.Prompt) > policy.MaxPromptChars {
			return 0, 0, "", apperrors.Validation(
				fmt.Sprintf("prompt exceeds %d characters", policy.MaxPromptChars))
		}
		if len(req.InputImages) > policy.MaxProductImages+policy.MaxStyleImages {
			return 0, 0, "", apperrors.Validation(
				fmt.Sprintf("at most %d input images allowed", policy.MaxProductImages+policy.MaxStyleImages))
		}
		if !plans.ModelAllowed(policy.AllowedModels, req.Model) {
			return 0, 0, "", apperrors.Validation(fmt.Sprintf("model %q is not available on plan %s", req.Model, plan))
		}
		model = req.Model
		if model == "" {
			model = plans.DefaultModel(policy.AllowedModels)
		}
		return policy.CostPerRequest, policy.OutputCount, model, nil

	case models.ServiceVideo:
		policy, perr := plans.GetVideoPolicy(plan, mode)
		if perr != nil {
			return 0, 0, "", perr
		}
		if len(req.Prompt) > policy.MaxPromptChars {
			return 0, 0, "", apperrors.Validation(
				fmt.Sprintf("prompt exceeds %d characters", policy.MaxPromptChars))
		}
		if len(req.InputImages) > policy.MaxImages {
			return 0, 0, "", apperrors.Validation(
				fmt.Sprintf("at most %d input images allowed", policy.MaxImages))
		}
		if !plans.ModelAllowed(policy.AllowedModels, req.Model) {
			return 0, 0, "", apperrors.Validation(fmt.Sprintf("model %q is not available on plan %s", req.Model, plan))
		}
		model = req.Model
		if model == "" {
			model = plans.DefaultModel(policy.AllowedModels)
		}
		return policy.CostPerVideo, policy.OutputCount, model, nil

	case models.ServiceCopywriter:
		policy, perr := plans.GetCopywriterPolicy(plan)
		if perr != nil {
			return 0, 0, "", perr
		}
		if len(req.Prompt) > policy.MaxPromptChars {
			return 0, 0, "", apperrors.Validation(
				fmt.Sprintf("prompt exceeds %d characters", policy.MaxPromptChars))
		}
		cost = ledger.Round2(policy.CostPerCard * float64(policy.CardsPerRequest))
		return cost, policy.CardsPerRequest, "", nil
	}
	return 0, 0, "", apperrors.Validation(fmt.Sprintf("unknown service %q", service))
}

// HandleGetGeneration returns the polling status of one batch.
func HandleGetGeneration(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return renderError(c, apperrors.Unauthorized("missing or invalid authentication"))
	}
	batchID := c.Params("batchID")
	if batchID == "" {
		return renderError(c, apperrors.Validation("batch id missing"))
	}

	status, err := genQueue.Status(batchID, userCtx.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return renderError(c, apperrors.NotFound("batch not found"))
		}
		return renderError(c, err)
	}
	return c.JSON(status)
}

// HandleCancelGeneration cancels the still-queued jobs of a batch. Jobs
// already claimed by a worker finish normally.
func HandleCancelGeneration(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return renderError(c, apperrors.Unauthorized("missing or invalid authentication"))
	}
	batchID := c.Params("batchID")
	if batchID == "" {
		return renderError(c, apperrors.Validation("batch id missing"))
	}

	canceled, err := genQueue.CancelBatch(batchID, userCtx.UserID)
	if err != nil {
		return renderError(c, err)
	}
	if canceled == 0 {
		// Either the batch does not exist or nothing was still queued.
		if _, serr := genQueue.Status(batchID, userCtx.UserID); serr != nil {
			return renderError(c, apperrors.NotFound("batch not found"))
		}
	}
	return c.JSON(fiber.Map{
		"batch_id":      batchID,
		"jobs_canceled": canceled,
	})
}
