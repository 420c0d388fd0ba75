package domain

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Notification is the payload handed to the notification channel
type Notification struct {
	IdempotencyKey string            `json:"idempotencyKey"`
	OwnerID        uuid.UUID         `json:"ownerId"`
	Kind           SettlementKind    `json:"kind"`
	SettlementID   uuid.UUID         `json:"settlementId"`
	Title          string            `json:"title"`
	Body           string            `json:"body"`
	Data           map[string]string `json:"data,omitempty"`
}

// NotificationKey builds the idempotency key for a terminal transition
func NotificationKey(kind SettlementKind, id uuid.UUID, status SettlementStatus) string {
	return fmt.Sprintf("%s:%s:%s", kind, id, status)
}

// Notifier is the fire-and-forget notification sink. Receivers deduplicate on the key.
type Notifier interface {
	Notify(ctx context.Context, idempotencyKey string, payload Notification) error
}

// AlertSeverity ranks operator alerts
type AlertSeverity string

const (
	AlertSeverityWarning AlertSeverity = "warning"
	AlertSeverityPage    AlertSeverity = "page"
)

// Alert is an operator-facing signal raised by the saga engine
type Alert struct {
	Severity     AlertSeverity     `json:"severity"`
	Summary      string            `json:"summary"`
	Kind         SettlementKind    `json:"kind"`
	SettlementID uuid.UUID         `json:"settlementId"`
	Details      map[string]string `json:"details,omitempty"`
	Err          string            `json:"error,omitempty"`
}

// AlertSink is the single port operator alerts go through
type AlertSink interface {
	Alert(ctx context.Context, alert Alert)
}

// Receipt is the archived snapshot of a terminal settlement
type Receipt struct {
	Record  *SettlementRecord    `json:"record"`
	Entries []DerivedLedgerEntry `json:"entries"`
}

// ReceiptArchive stores terminal receipts for audit
type ReceiptArchive interface {
	Put(ctx context.Context, receipt Receipt) (string, error)
}
