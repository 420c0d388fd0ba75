package service

import (
	"context"
	"fmt"

	"github.com/dafibh/fortuna/settlement-saga/internal/config"
	"github.com/dafibh/fortuna/settlement-saga/internal/domain"
)

// MaxSubmitAttempts caps broadcast attempts regardless of the kind's ceiling
const MaxSubmitAttempts = 5

// KindStrategy is the per-kind configuration of the shared saga
type KindStrategy interface {
	Kind() domain.SettlementKind
	// CheckPrecondition returns a non-retriable error when the settlement must fail
	CheckPrecondition(ctx context.Context, record *domain.SettlementRecord) error
	// Notification builds the owner notification for a terminal record
	Notification(record *domain.SettlementRecord) (domain.Notification, bool)
	RetryCeiling() int
}

type kindStrategy struct {
	kind          domain.SettlementKind
	label         string
	retryCeiling  int
	notify        bool
	dedupErr      error
	dedupReason   string
	wallets       domain.WalletDirectory
	records       domain.SettlementRepository
	confirmedBody string
}

func (s *kindStrategy) Kind() domain.SettlementKind { return s.kind }

func (s *kindStrategy) RetryCeiling() int { return s.retryCeiling }

func (s *kindStrategy) CheckPrecondition(ctx context.Context, record *domain.SettlementRecord) error {
	ok, err := s.wallets.HasWallet(ctx, record.OwnerID, record.Network)
	if err != nil {
		return fmt.Errorf("check wallet: %w", err)
	}
	if !ok {
		return domain.NonRetriable("wallet not found", domain.ErrWalletMissing)
	}

	if s.dedupErr == nil || record.DedupKey == nil || *record.DedupKey == "" {
		return nil
	}

	others, err := s.records.FindByDedupKey(ctx, s.kind, record.OwnerID, *record.DedupKey)
	if err != nil {
		return fmt.Errorf("check dedup key: %w", err)
	}
	for _, other := range others {
		if other.ID == record.ID {
			continue
		}
		if other.Status == domain.SettlementStatusConfirmed || (other.Status == domain.SettlementStatusPending && (other.HasHash() || other.SubmitInterrupted())) {
			return domain.NonRetriable(s.dedupReason, s.dedupErr)
		}
	}
	return nil
}

func (s *kindStrategy) Notification(record *domain.SettlementRecord) (domain.Notification, bool) {
	if !s.notify || !record.Status.IsTerminal() {
		return domain.Notification{}, false
	}

	n := domain.Notification{
		IdempotencyKey: domain.NotificationKey(record.Kind, record.ID, record.Status),
		OwnerID:        record.OwnerID,
		Kind:           record.Kind,
		SettlementID:   record.ID,
		Data: map[string]string{
			"status": string(record.Status),
			"asset":  record.Asset,
			"amount": record.Amount.String(),
		},
	}

	switch record.Status {
	case domain.SettlementStatusConfirmed:
		n.Title = s.label + " complete"
		n.Body = fmt.Sprintf(s.confirmedBody, record.Amount.String(), record.Asset)
		n.Data["transactionHash"] = record.Hash()
	case domain.SettlementStatusFailed:
		n.Title = s.label + " failed"
		n.Body = "We could not complete this transaction."
		if record.FailureReason != nil {
			n.Body = fmt.Sprintf("We could not complete this transaction: %s.", *record.FailureReason)
			n.Data["reason"] = *record.FailureReason
		}
	}
	return n, true
}

// NewKindStrategies builds the strategy table for every settlement kind.
// tuning may be nil.
func NewKindStrategies(wallets domain.WalletDirectory, records domain.SettlementRepository, tuning *config.SagaTuning) map[domain.SettlementKind]KindStrategy {
	base := []*kindStrategy{
		{
			kind:          domain.SettlementKindSwap,
			label:         "Swap",
			retryCeiling:  5,
			confirmedBody: "Your swap of %s %s has settled.",
		},
		{
			kind:          domain.SettlementKindWithdrawal,
			label:         "Withdrawal",
			retryCeiling:  5,
			confirmedBody: "Your withdrawal of %s %s has been sent.",
		},
		{
			kind:          domain.SettlementKindAirdropClaim,
			label:         "Airdrop claim",
			retryCeiling:  3,
			dedupErr:      domain.ErrAlreadyClaimed,
			dedupReason:   "already claimed",
			confirmedBody: "You claimed %s %s.",
		},
		{
			kind:          domain.SettlementKindReferralPayout,
			label:         "Referral payout",
			retryCeiling:  3,
			dedupErr:      domain.ErrAlreadyClaimed,
			dedupReason:   "already claimed",
			confirmedBody: "Your referral payout of %s %s has been sent.",
		},
		{
			kind:          domain.SettlementKindDeposit,
			label:         "Deposit",
			retryCeiling:  5,
			dedupErr:      domain.ErrAlreadySent,
			dedupReason:   "already sent",
			confirmedBody: "Your deposit of %s %s has arrived.",
		},
	}

	strategies := make(map[domain.SettlementKind]KindStrategy, len(base))
	for _, s := range base {
		s.wallets = wallets
		s.records = records
		s.retryCeiling = tuning.RetryCeiling(string(s.kind), s.retryCeiling)
		s.notify = tuning.NotifyEnabled(string(s.kind))
		strategies[s.kind] = s
	}
	return strategies
}
