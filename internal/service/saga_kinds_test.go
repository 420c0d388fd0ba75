package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dafibh/fortuna/settlement-saga/internal/config"
	"github.com/dafibh/fortuna/settlement-saga/internal/domain"
	"github.com/dafibh/fortuna/settlement-saga/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKindStrategies_Ceilings(t *testing.T) {
	strategies := NewKindStrategies(testutil.NewMockWalletDirectory(), testutil.NewMockSettlementRepository(), nil)

	tests := []struct {
		kind    domain.SettlementKind
		ceiling int
	}{
		{domain.SettlementKindSwap, 5},
		{domain.SettlementKindWithdrawal, 5},
		{domain.SettlementKindAirdropClaim, 3},
		{domain.SettlementKindReferralPayout, 3},
		{domain.SettlementKindDeposit, 5},
	}

	require.Len(t, strategies, len(domain.AllSettlementKinds))
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			s, ok := strategies[tt.kind]
			require.True(t, ok)
			assert.Equal(t, tt.kind, s.Kind())
			assert.Equal(t, tt.ceiling, s.RetryCeiling())
		})
	}
}

func TestNewKindStrategies_Tuning(t *testing.T) {
	tuning := &config.SagaTuning{Kinds: map[string]config.KindTuning{
		"withdrawal": {RetryCeiling: 2, Notify: false},
	}}
	strategies := NewKindStrategies(testutil.NewMockWalletDirectory(), testutil.NewMockSettlementRepository(), tuning)

	withdrawal := strategies[domain.SettlementKindWithdrawal]
	assert.Equal(t, 2, withdrawal.RetryCeiling())

	record := testSettlement(domain.SettlementStatusConfirmed)
	record.Kind = domain.SettlementKindWithdrawal
	_, ok := withdrawal.Notification(record)
	assert.False(t, ok, "notifications disabled for withdrawals")

	assert.Equal(t, 5, strategies[domain.SettlementKindSwap].RetryCeiling())
}

func TestKindStrategy_WalletPrecondition(t *testing.T) {
	wallets := testutil.NewMockWalletDirectory()
	strategies := NewKindStrategies(wallets, testutil.NewMockSettlementRepository(), nil)
	record := testSettlement(domain.SettlementStatusPending)
	record.Network = domain.NetworkMainnet

	err := strategies[domain.SettlementKindSwap].CheckPrecondition(context.Background(), record)
	require.Error(t, err)
	assert.True(t, domain.IsNonRetriable(err))
	assert.True(t, errors.Is(err, domain.ErrWalletMissing))

	wallets.AddWallet(record.OwnerID, domain.NetworkMainnet)
	assert.NoError(t, strategies[domain.SettlementKindSwap].CheckPrecondition(context.Background(), record))
}

func TestKindStrategy_WalletLookupErrorIsInfrastructure(t *testing.T) {
	wallets := testutil.NewMockWalletDirectory()
	wallets.Err = errors.New("connection refused")
	strategies := NewKindStrategies(wallets, testutil.NewMockSettlementRepository(), nil)

	err := strategies[domain.SettlementKindDeposit].CheckPrecondition(context.Background(), testSettlement(domain.SettlementStatusPending))
	require.Error(t, err)
	assert.False(t, domain.IsNonRetriable(err))
}

func TestKindStrategy_DedupPrecondition(t *testing.T) {
	ctx := context.Background()
	wallets := testutil.NewMockWalletDirectory()
	records := testutil.NewMockSettlementRepository()
	strategies := NewKindStrategies(wallets, records, nil)

	owner := uuid.New()
	key := "referral-42"
	wallets.AddWallet(owner, domain.NetworkDevnet)

	newPayout := func(status domain.SettlementStatus, hash *string) *domain.SettlementRecord {
		r := testSettlement(status)
		r.Kind = domain.SettlementKindReferralPayout
		r.OwnerID = owner
		r.Network = domain.NetworkDevnet
		r.DedupKey = &key
		r.TransactionHash = hash
		return r
	}

	current := newPayout(domain.SettlementStatusPending, nil)
	records.AddRecord(current)
	strategy := strategies[domain.SettlementKindReferralPayout]

	// Only itself and a failed sibling: allowed
	records.AddRecord(newPayout(domain.SettlementStatusFailed, nil))
	assert.NoError(t, strategy.CheckPrecondition(ctx, current))

	// A sibling already broadcast blocks it
	hash := "sibling-sig"
	records.AddRecord(newPayout(domain.SettlementStatusPending, &hash))
	err := strategy.CheckPrecondition(ctx, current)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrAlreadyClaimed))
	assert.Equal(t, "already claimed", domain.FailureReason(err))
}

func TestKindStrategy_DedupGuardPerKind(t *testing.T) {
	tests := []struct {
		kind   domain.SettlementKind
		err    error
		reason string
	}{
		{domain.SettlementKindAirdropClaim, domain.ErrAlreadyClaimed, "already claimed"},
		{domain.SettlementKindReferralPayout, domain.ErrAlreadyClaimed, "already claimed"},
		{domain.SettlementKindDeposit, domain.ErrAlreadySent, "already sent"},
		{domain.SettlementKindSwap, nil, ""},
		{domain.SettlementKindWithdrawal, nil, ""},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			ctx := context.Background()
			wallets := testutil.NewMockWalletDirectory()
			records := testutil.NewMockSettlementRepository()
			strategy := NewKindStrategies(wallets, records, nil)[tt.kind]

			owner := uuid.New()
			key := "dedup-" + string(tt.kind)
			wallets.AddWallet(owner, domain.NetworkDevnet)

			newRecord := func() *domain.SettlementRecord {
				r := testSettlement(domain.SettlementStatusPending)
				r.Kind = tt.kind
				r.OwnerID = owner
				r.Network = domain.NetworkDevnet
				r.DedupKey = &key
				return r
			}
			current := newRecord()
			records.AddRecord(current)

			// A sibling whose broadcast started but never stored a hash
			started := time.Now()
			sibling := newRecord()
			sibling.SubmitStartedAt = &started
			records.AddRecord(sibling)

			err := strategy.CheckPrecondition(ctx, current)
			if tt.err == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, domain.IsNonRetriable(err))
			assert.True(t, errors.Is(err, tt.err))
			assert.Equal(t, tt.reason, domain.FailureReason(err))
		})
	}
}

func TestKindStrategy_Notification(t *testing.T) {
	strategies := NewKindStrategies(testutil.NewMockWalletDirectory(), testutil.NewMockSettlementRepository(), nil)
	strategy := strategies[domain.SettlementKindDeposit]

	hash := "dep-sig"
	record := testSettlement(domain.SettlementStatusConfirmed)
	record.Kind = domain.SettlementKindDeposit
	record.TransactionHash = &hash

	n, ok := strategy.Notification(record)
	require.True(t, ok)
	assert.Equal(t, "deposit:"+record.ID.String()+":confirmed", n.IdempotencyKey)
	assert.Equal(t, "Deposit complete", n.Title)
	assert.Equal(t, "Your deposit of 10 SOL has arrived.", n.Body)
	assert.Equal(t, "dep-sig", n.Data["transactionHash"])

	reason := "blockhash expired"
	record.Status = domain.SettlementStatusFailed
	record.FailureReason = &reason
	n, ok = strategy.Notification(record)
	require.True(t, ok)
	assert.Equal(t, "Deposit failed", n.Title)
	assert.Equal(t, "blockhash expired", n.Data["reason"])

	record.Status = domain.SettlementStatusPending
	_, ok = strategy.Notification(record)
	assert.False(t, ok)
}
