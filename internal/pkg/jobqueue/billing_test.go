package jobqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/promokit/promokit/app/models"
	"github.com/promokit/promokit/internal/pkg/ledger"
)

// fakeLedgerRepo is an in-memory ledger backend for settlement tests.
type fakeLedgerRepo struct {
	users  map[uint]*models.User
	grants map[uint]*models.ReferralReward
	usage  []*models.UsageEntry
}

func newFakeLedgerRepo() *fakeLedgerRepo {
	return &fakeLedgerRepo{
		users:  make(map[uint]*models.User),
		grants: make(map[uint]*models.ReferralReward),
	}
}

func (f *fakeLedgerRepo) Transaction(fn func(tx ledger.Repository) error) error {
	return fn(f)
}

func (f *fakeLedgerRepo) GetUserForUpdate(userID uint) (*models.User, error) {
	u, ok := f.users[userID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *u
	return &copied, nil
}

func (f *fakeLedgerRepo) SaveUser(user *models.User) error {
	copied := *user
	f.users[user.ID] = &copied
	return nil
}

func (f *fakeLedgerRepo) GrantsForUpdate(referrerUserID uint) ([]models.ReferralReward, error) {
	var out []models.ReferralReward
	for _, g := range f.grants {
		if g.ReferrerUserID == referrerUserID {
			out = append(out, *g)
		}
	}
	return out, nil
}

func (f *fakeLedgerRepo) GrantByReferredUser(referredUserID uint) (*models.ReferralReward, error) {
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeLedgerRepo) SaveGrant(grant *models.ReferralReward) error {
	copied := *grant
	f.grants[grant.ID] = &copied
	return nil
}

func (f *fakeLedgerRepo) CreateGrant(grant *models.ReferralReward) error {
	copied := *grant
	f.grants[grant.ID] = &copied
	return nil
}

func (f *fakeLedgerRepo) CreateUsage(entry *models.UsageEntry) error {
	f.usage = append(f.usage, entry)
	return nil
}

func newTestSettlement(repo *fakeLedgerRepo) Settlement {
	return Settlement{
		Ledger:     ledger.NewService(repo),
		SaveAnchor: func(j *models.GenerationJob) error { return nil },
	}
}

// TestStrategyFor tests the billing-mode dispatch and its per-batch fallback
func TestStrategyFor(t *testing.T) {
	assert.IsType(t, perBatchStrategy{}, StrategyFor(models.BillingPerBatch))
	assert.IsType(t, perJobStrategy{}, StrategyFor(models.BillingPerJob))
	assert.IsType(t, perBatchStrategy{}, StrategyFor(models.BillingMode("")))
	assert.IsType(t, perBatchStrategy{}, StrategyFor(models.BillingMode("flat_rate")))
}

// TestPerBatchFinalize_PartialSuccess tests that a batch with any success
// keeps the full charge and writes exactly one usage entry, and that a
// redundant settle is a no-op
func TestPerBatchFinalize_PartialSuccess(t *testing.T) {
	repo := newFakeLedgerRepo()
	repo.users[1] = &models.User{ID: 1, SubscriptionStatus: models.SUBSCRIPTION_ACTIVE, TokenBalance: 3}
	s := newTestSettlement(repo)

	anchor := &models.GenerationJob{
		BatchID:        "b1",
		UserID:         1,
		Service:        models.ServiceImage,
		TokensReserved: 7,
		DebitReceipt:   `{"subscription":7}`,
	}
	jobs := jobsWithStatuses(models.JobStatusSucceeded, models.JobStatusFailed)
	tally := TallyBatch(jobs)

	require.NoError(t, perBatchStrategy{}.Finalize(s, anchor, jobs, tally))
	require.Len(t, repo.usage, 1)
	assert.Equal(t, float64(7), repo.usage[0].TokensUsed)
	assert.True(t, anchor.UsageRecorded)
	assert.Equal(t, float64(3), repo.users[1].TokenBalance)

	// the usage_recorded guard makes the second settle a no-op
	require.NoError(t, perBatchStrategy{}.Finalize(s, anchor, jobs, tally))
	assert.Len(t, repo.usage, 1)
}

// TestPerBatchFinalize_AllFailedRefundsOnce tests the full receipt-directed
// refund on total failure and the tokens_refunded idempotency guard
func TestPerBatchFinalize_AllFailedRefundsOnce(t *testing.T) {
	repo := newFakeLedgerRepo()
	repo.users[1] = &models.User{ID: 1, SubscriptionStatus: models.SUBSCRIPTION_ACTIVE, TokenBalance: 3}
	s := newTestSettlement(repo)

	anchor := &models.GenerationJob{
		BatchID:        "b1",
		UserID:         1,
		TokensReserved: 7,
		DebitReceipt:   `{"subscription":7}`,
	}
	jobs := jobsWithStatuses(models.JobStatusFailed, models.JobStatusCanceled)
	tally := TallyBatch(jobs)

	require.NoError(t, perBatchStrategy{}.Finalize(s, anchor, jobs, tally))
	assert.Equal(t, float64(10), repo.users[1].TokenBalance)
	assert.Equal(t, float64(7), anchor.TokensRefunded)
	assert.Empty(t, repo.usage)

	// settle again: nothing left to refund
	require.NoError(t, perBatchStrategy{}.Finalize(s, anchor, jobs, tally))
	assert.Equal(t, float64(10), repo.users[1].TokenBalance)
}

// TestPerBatchFinalize_ZeroReservation tests that batches without a
// reservation (billing-exempt accounts) settle with no money movement
func TestPerBatchFinalize_ZeroReservation(t *testing.T) {
	repo := newFakeLedgerRepo()
	repo.users[1] = &models.User{ID: 1, Role: models.ROLE_ADMIN}
	s := newTestSettlement(repo)

	anchor := &models.GenerationJob{BatchID: "b1", UserID: 1, TokensReserved: 0}
	jobs := jobsWithStatuses(models.JobStatusSucceeded, models.JobStatusFailed)

	require.NoError(t, perBatchStrategy{}.Finalize(s, anchor, jobs, TallyBatch(jobs)))
	assert.Empty(t, repo.usage)
	assert.False(t, anchor.UsageRecorded)
	assert.Equal(t, float64(0), anchor.TokensRefunded)
}

// TestPerJobFinalize_ProRata tests the legacy split: failed outputs refunded
// to the subscription balance, only the successful share charged, idempotent
func TestPerJobFinalize_ProRata(t *testing.T) {
	repo := newFakeLedgerRepo()
	repo.users[1] = &models.User{ID: 1, SubscriptionStatus: models.SUBSCRIPTION_ACTIVE, TokenBalance: 0}
	s := newTestSettlement(repo)

	anchor := &models.GenerationJob{
		BatchID:        "b1",
		UserID:         1,
		Service:        models.ServiceImage,
		TokensReserved: 10,
		BillingMode:    models.BillingPerJob,
		DebitReceipt:   `{"subscription":10}`,
	}
	jobs := jobsWithStatuses(
		models.JobStatusSucceeded,
		models.JobStatusSucceeded,
		models.JobStatusSucceeded,
		models.JobStatusFailed,
	)
	tally := TallyBatch(jobs)

	require.NoError(t, perJobStrategy{}.Finalize(s, anchor, jobs, tally))
	assert.Equal(t, float64(2.5), repo.users[1].TokenBalance)
	assert.Equal(t, float64(2.5), anchor.TokensRefunded)
	require.Len(t, repo.usage, 1)
	assert.Equal(t, float64(7.5), repo.usage[0].TokensUsed)

	require.NoError(t, perJobStrategy{}.Finalize(s, anchor, jobs, tally))
	assert.Equal(t, float64(2.5), repo.users[1].TokenBalance)
	assert.Len(t, repo.usage, 1)
}

// TestPerJobFinalize_AllFailedUsesReceipt tests that a full refund follows
// the original debit receipt back to the grant it came from
func TestPerJobFinalize_AllFailedUsesReceipt(t *testing.T) {
	repo := newFakeLedgerRepo()
	repo.users[1] = &models.User{ID: 1, SubscriptionStatus: models.SUBSCRIPTION_ACTIVE, TokenBalance: 0}
	repo.grants[10] = &models.ReferralReward{
		ID:              10,
		ReferrerUserID:  1,
		TokensAwarded:   30,
		TokensRemaining: 24,
		ExpiresAt:       time.Now().Add(24 * time.Hour),
	}
	s := newTestSettlement(repo)

	anchor := &models.GenerationJob{
		BatchID:        "b1",
		UserID:         1,
		TokensReserved: 6,
		BillingMode:    models.BillingPerJob,
		DebitReceipt:   `{"referral":6,"grant_debits":[{"grant_id":10,"tokens":6}]}`,
	}
	jobs := jobsWithStatuses(models.JobStatusFailed, models.JobStatusFailed)
	tally := TallyBatch(jobs)

	require.NoError(t, perJobStrategy{}.Finalize(s, anchor, jobs, tally))
	assert.Equal(t, float64(30), repo.grants[10].TokensRemaining)
	assert.Equal(t, float64(0), repo.users[1].TokenBalance)
	assert.Empty(t, repo.usage)
}

// TestDecodeReceipt tests receipt decoding from the anchor row
func TestDecodeReceipt(t *testing.T) {
	anchor := &models.GenerationJob{
		BatchID:      "b1",
		DebitReceipt: `{"subscription":4,"referral":6,"grant_debits":[{"grant_id":10,"tokens":6}]}`,
	}
	receipt, err := decodeReceipt(anchor)
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.Equal(t, float64(4), receipt.Subscription)
	assert.Equal(t, float64(6), receipt.Referral)
	require.Len(t, receipt.GrantDebits, 1)
	assert.Equal(t, uint(10), receipt.GrantDebits[0].GrantID)

	// legacy rows without a receipt refund to the subscription balance
	receipt, err = decodeReceipt(&models.GenerationJob{})
	require.NoError(t, err)
	assert.Nil(t, receipt)

	_, err = decodeReceipt(&models.GenerationJob{BatchID: "b2", DebitReceipt: "{broken"})
	assert.Error(t, err)
}
