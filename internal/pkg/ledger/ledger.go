package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/promokit/promokit/app/models"
	"github.com/promokit/promokit/internal/pkg/apperrors"
)

// Repository provides the row-locked DB operations the ledger needs. All
// mutating calls happen inside Transaction so concurrent reserves, refunds
// and settlements serialize on the user row.
type Repository interface {
	Transaction(fn func(tx Repository) error) error
	GetUserForUpdate(userID uint) (*models.User, error)
	SaveUser(user *models.User) error
	GrantsForUpdate(referrerUserID uint) ([]models.ReferralReward, error)
	GrantByReferredUser(referredUserID uint) (*models.ReferralReward, error)
	SaveGrant(grant *models.ReferralReward) error
	CreateGrant(grant *models.ReferralReward) error
	CreateUsage(entry *models.UsageEntry) error
}

// Service owns every token balance mutation: reservation, refund, usage
// recording and referral grant creation.
type Service struct {
	repo Repository
}

// NewService creates a ledger service from an injected repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// NewServiceFromDB creates a ledger service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB) *Service {
	return NewService(NewRepository(db))
}

// ReserveResult reports a successful reservation: the remaining effective
// balance and the receipt of exactly which sources were debited.
type ReserveResult struct {
	Balance EffectiveBalance
	Receipt DebitReceipt
}

// Reserve atomically debits `tokens` from the user's hybrid balance.
//
// Inside one transaction with the user row and grant rows locked:
// lazily expire a lapsed subscription, short-circuit admins, then debit
// subscription-first and soonest-expiring-grant-next. Fails with
// SUBSCRIPTION_EXPIRED or INSUFFICIENT_TOKENS.
func (s *Service) Reserve(ctx context.Context, userID uint, tokens float64) (*ReserveResult, error) {
	if tokens <= 0 {
		return nil, fmt.Errorf("reserve: tokens must be positive, got %v", tokens)
	}
	_ = ctx

	var result *ReserveResult
	err := s.repo.Transaction(func(tx Repository) error {
		user, err := tx.GetUserForUpdate(userID)
		if err != nil {
			return err
		}
		now := time.Now()

		if err := expireLazily(tx, user, now); err != nil {
			return err
		}

		if user.IsAdmin() {
			result = &ReserveResult{
				Balance: EffectiveBalance{Subscription: models.UnlimitedBalance, Unlimited: true},
			}
			return nil
		}

		grants, err := tx.GrantsForUpdate(userID)
		if err != nil {
			return err
		}
		balance := ComputeEffectiveBalance(user, grants, now)

		if user.SubscriptionStatus != models.SUBSCRIPTION_ACTIVE && balance.Referral <= 0 {
			return apperrors.SubscriptionExpired("subscription is not active and no referral tokens remain")
		}
		if balance.Total() < tokens {
			return apperrors.InsufficientTokens(
				fmt.Sprintf("need %.2f tokens, have %.2f", tokens, balance.Total()))
		}

		receipt := PlanDebit(balance.Subscription, grants, tokens, now)

		if receipt.Subscription > 0 {
			user.TokenBalance = Round2(user.TokenBalance - receipt.Subscription)
			if err := tx.SaveUser(user); err != nil {
				return err
			}
		}
		byID := make(map[uint]*models.ReferralReward, len(grants))
		for i := range grants {
			byID[grants[i].ID] = &grants[i]
		}
		for _, d := range receipt.GrantDebits {
			g, ok := byID[d.GrantID]
			if !ok {
				return fmt.Errorf("reserve: debit plan references unknown grant %d", d.GrantID)
			}
			g.TokensRemaining = Round2(g.TokensRemaining - d.Tokens)
			if g.TokensRemaining < 0 {
				return fmt.Errorf("reserve: grant %d would go negative", d.GrantID)
			}
			if err := tx.SaveGrant(g); err != nil {
				return err
			}
		}

		remaining := ComputeEffectiveBalance(user, grants, now)
		result = &ReserveResult{Balance: remaining, Receipt: receipt}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Refund returns `tokens` to the user. With a receipt the refund reverses the
// exact debit: each grant gets back what it gave (capped at tokens_awarded)
// and the subscription share goes back to the subscription balance. Without a
// receipt the full amount falls back to the subscription balance.
//
// Idempotency is the caller's job: batch settlement pairs Refund with the
// tokens_refunded accumulator on the anchor job so no batch refunds twice.
func (s *Service) Refund(ctx context.Context, userID uint, tokens float64, receipt *DebitReceipt) error {
	if tokens <= 0 {
		return nil
	}
	_ = ctx

	return s.repo.Transaction(func(tx Repository) error {
		user, err := tx.GetUserForUpdate(userID)
		if err != nil {
			return err
		}
		if user.IsAdmin() {
			return nil
		}

		if receipt == nil {
			user.TokenBalance = Round2(user.TokenBalance + tokens)
			return tx.SaveUser(user)
		}

		if receipt.Subscription > 0 {
			user.TokenBalance = Round2(user.TokenBalance + receipt.Subscription)
			if err := tx.SaveUser(user); err != nil {
				return err
			}
		}
		if len(receipt.GrantDebits) == 0 {
			return nil
		}
		grants, err := tx.GrantsForUpdate(userID)
		if err != nil {
			return err
		}
		byID := make(map[uint]*models.ReferralReward, len(grants))
		for i := range grants {
			byID[grants[i].ID] = &grants[i]
		}
		for _, d := range receipt.GrantDebits {
			g, ok := byID[d.GrantID]
			if !ok {
				// Grant row gone missing is an audit problem, not a reason to
				// swallow the user's tokens: fall back to subscription.
				log.Warnf("[Ledger] refund: grant %d not found for user %d, refunding %.2f to subscription", d.GrantID, userID, d.Tokens)
				user.TokenBalance = Round2(user.TokenBalance + d.Tokens)
				if err := tx.SaveUser(user); err != nil {
					return err
				}
				continue
			}
			restored := Round2(g.TokensRemaining + d.Tokens)
			if restored > g.TokensAwarded {
				restored = g.TokensAwarded
			}
			g.TokensRemaining = restored
			if err := tx.SaveGrant(g); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecordUsage appends one spend entry to the usage log.
func (s *Service) RecordUsage(ctx context.Context, userID uint, tokensUsed float64, service models.ServiceType, modelUsed, prompt string) error {
	_ = ctx
	return s.repo.CreateUsage(models.NewUsageEntry(userID, tokensUsed, service, modelUsed, prompt))
}

// Balance returns the user's effective balance, applying lazy subscription
// expiry as a side effect like any other ledger read.
func (s *Service) Balance(ctx context.Context, userID uint) (EffectiveBalance, error) {
	_ = ctx
	var balance EffectiveBalance
	err := s.repo.Transaction(func(tx Repository) error {
		user, err := tx.GetUserForUpdate(userID)
		if err != nil {
			return err
		}
		now := time.Now()
		if err := expireLazily(tx, user, now); err != nil {
			return err
		}
		grants, err := tx.GrantsForUpdate(userID)
		if err != nil {
			return err
		}
		balance = ComputeEffectiveBalance(user, grants, now)
		return nil
	})
	return balance, err
}

// GrantReferralReward creates the one-per-referred-user bonus grant after a
// qualifying purchase. Repeat purchases by the same referred user are no-ops.
func (s *Service) GrantReferralReward(ctx context.Context, referrerUserID, referredUserID uint, plan string) (*models.ReferralReward, error) {
	_ = ctx
	tokens := models.ReferralRewardTokens(plan)
	if tokens <= 0 {
		return nil, fmt.Errorf("referral reward: plan %q does not qualify", plan)
	}

	var grant *models.ReferralReward
	err := s.repo.Transaction(func(tx Repository) error {
		existing, err := tx.GrantByReferredUser(referredUserID)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if existing != nil {
			grant = existing
			return nil
		}
		grant = &models.ReferralReward{
			ReferrerUserID:  referrerUserID,
			ReferredUserID:  referredUserID,
			Plan:            plan,
			TokensAwarded:   tokens,
			TokensRemaining: tokens,
			ExpiresAt:       time.Now().Add(models.ReferralRewardValidity),
		}
		return tx.CreateGrant(grant)
	})
	if err != nil {
		return nil, err
	}
	return grant, nil
}

// expireLazily flips a lapsed active subscription to expired and zeroes the
// subscription balance. Runs on every reserve/read so expiry never waits for
// a cron.
func expireLazily(tx Repository, user *models.User, now time.Time) error {
	if !user.SubscriptionLapsed(now) {
		return nil
	}
	user.SubscriptionStatus = models.SUBSCRIPTION_EXPIRED
	user.TokenBalance = 0
	return tx.SaveUser(user)
}
