package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dafibh/fortuna/settlement-saga/internal/domain"
	"github.com/dafibh/fortuna/settlement-saga/internal/websocket"
	"github.com/google/uuid"
)

func copyRecord(r *domain.SettlementRecord) *domain.SettlementRecord {
	c := *r
	return &c
}

// MockSettlementRepository is a mock implementation of domain.SettlementRepository
type MockSettlementRepository struct {
	mu      sync.Mutex
	Records map[uuid.UUID]*domain.SettlementRecord

	GetFn            func(ctx context.Context, kind domain.SettlementKind, id uuid.UUID) (*domain.SettlementRecord, error)
	UpdateIfStatusFn func(ctx context.Context, kind domain.SettlementKind, id uuid.UUID, expected domain.SettlementStatus, update domain.SettlementUpdate) (*domain.SettlementRecord, error)

	GetCalls    int
	UpdateCalls int
}

// NewMockSettlementRepository creates a new MockSettlementRepository
func NewMockSettlementRepository() *MockSettlementRepository {
	return &MockSettlementRepository{
		Records: make(map[uuid.UUID]*domain.SettlementRecord),
	}
}

// AddRecord adds a record to the mock
func (m *MockSettlementRepository) AddRecord(record *domain.SettlementRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Records[record.ID] = copyRecord(record)
}

// Record returns a snapshot of a stored record
func (m *MockSettlementRepository) Record(id uuid.UUID) *domain.SettlementRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.Records[id]
	if !ok {
		return nil
	}
	return copyRecord(r)
}

// Get retrieves a settlement by kind and ID
func (m *MockSettlementRepository) Get(ctx context.Context, kind domain.SettlementKind, id uuid.UUID) (*domain.SettlementRecord, error) {
	m.mu.Lock()
	m.GetCalls++
	fn := m.GetFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, kind, id)
	}
	return m.get(kind, id)
}

func (m *MockSettlementRepository) get(kind domain.SettlementKind, id uuid.UUID) (*domain.SettlementRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.Records[id]
	if !ok || r.Kind != kind {
		return nil, domain.ErrSettlementNotFound
	}
	return copyRecord(r), nil
}

// UpdateIfStatus applies update when the stored status matches expected
func (m *MockSettlementRepository) UpdateIfStatus(ctx context.Context, kind domain.SettlementKind, id uuid.UUID, expected domain.SettlementStatus, update domain.SettlementUpdate) (*domain.SettlementRecord, error) {
	m.mu.Lock()
	m.UpdateCalls++
	fn := m.UpdateIfStatusFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, kind, id, expected, update)
	}
	return m.ApplyUpdate(kind, id, expected, update)
}

// ApplyUpdate is the default conditional write, exposed so hooks can delegate to it
func (m *MockSettlementRepository) ApplyUpdate(kind domain.SettlementKind, id uuid.UUID, expected domain.SettlementStatus, update domain.SettlementUpdate) (*domain.SettlementRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.Records[id]
	if !ok || r.Kind != kind {
		return nil, domain.ErrSettlementNotFound
	}
	if r.Status != expected {
		return nil, domain.ErrStatusConflict
	}

	if update.Status != nil {
		r.Status = *update.Status
	}
	if update.TransactionHash != nil && !r.HasHash() {
		h := *update.TransactionHash
		r.TransactionHash = &h
	}
	if update.FailureReason != nil {
		reason := *update.FailureReason
		r.FailureReason = &reason
	}
	if update.ExpiryBlockHeight != nil && r.ExpiryBlockHeight == nil {
		expiry := *update.ExpiryBlockHeight
		r.ExpiryBlockHeight = &expiry
	}
	if update.ClaimedSignature != nil && r.ClaimedSignature == nil {
		sig := *update.ClaimedSignature
		r.ClaimedSignature = &sig
	}
	if update.SubmitStartedAt != nil && r.SubmitStartedAt == nil {
		started := *update.SubmitStartedAt
		r.SubmitStartedAt = &started
	}
	if update.ReconciliationPending != nil {
		r.ReconciliationPending = *update.ReconciliationPending
	}
	if update.ConfirmedAt != nil {
		r.ConfirmedAt = update.ConfirmedAt
	}
	if update.FailedAt != nil {
		r.FailedAt = update.FailedAt
	}
	r.UpdatedAt = time.Now()
	return copyRecord(r), nil
}

// FindByDedupKey returns records of a kind and owner sharing a dedup key
func (m *MockSettlementRepository) FindByDedupKey(ctx context.Context, kind domain.SettlementKind, ownerID uuid.UUID, dedupKey string) ([]*domain.SettlementRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.SettlementRecord
	for _, r := range m.Records {
		if r.Kind == kind && r.OwnerID == ownerID && r.DedupKey != nil && *r.DedupKey == dedupKey {
			out = append(out, copyRecord(r))
		}
	}
	return out, nil
}

// ListAwaitingStatus returns pending records with a hash or an interrupted
// submission, updated before olderThan
func (m *MockSettlementRepository) ListAwaitingStatus(ctx context.Context, kind domain.SettlementKind, olderThan time.Time, limit int) ([]*domain.SettlementRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.SettlementRecord
	for _, r := range m.Records {
		if len(out) >= limit {
			break
		}
		if r.Kind == kind && r.Status == domain.SettlementStatusPending && (r.HasHash() || r.SubmitStartedAt != nil) && r.UpdatedAt.Before(olderThan) {
			out = append(out, copyRecord(r))
		}
	}
	return out, nil
}

// ListUnreconciled returns confirmed records flagged reconciliation-pending
func (m *MockSettlementRepository) ListUnreconciled(ctx context.Context, kind domain.SettlementKind, limit int) ([]*domain.SettlementRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.SettlementRecord
	for _, r := range m.Records {
		if len(out) >= limit {
			break
		}
		if r.Kind == kind && r.Status == domain.SettlementStatusConfirmed && r.ReconciliationPending {
			out = append(out, copyRecord(r))
		}
	}
	return out, nil
}

// MockLedgerRepository is a mock implementation of domain.LedgerRepository
type MockLedgerRepository struct {
	mu      sync.Mutex
	Entries map[uuid.UUID][]domain.DerivedLedgerEntry
	// Records, when set, lets ListFailedWithEntries see settlement status
	Records *MockSettlementRepository

	ApplyFn  func(ctx context.Context, settlementID uuid.UUID, entries []domain.DerivedLedgerEntry) (bool, error)
	DeleteFn func(ctx context.Context, settlementID uuid.UUID) (int64, error)

	ApplyCalls  int
	DeleteCalls int
}

// NewMockLedgerRepository creates a new MockLedgerRepository
func NewMockLedgerRepository() *MockLedgerRepository {
	return &MockLedgerRepository{
		Entries: make(map[uuid.UUID][]domain.DerivedLedgerEntry),
	}
}

// Count returns the number of stored entries for a settlement
func (m *MockLedgerRepository) Count(settlementID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Entries[settlementID])
}

// ApplyEntries stores the full set unless entries already exist
func (m *MockLedgerRepository) ApplyEntries(ctx context.Context, settlementID uuid.UUID, entries []domain.DerivedLedgerEntry) (bool, error) {
	m.mu.Lock()
	m.ApplyCalls++
	fn := m.ApplyFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, settlementID, entries)
	}
	return m.StoreEntries(settlementID, entries), nil
}

// StoreEntries is the default apply, exposed so hooks can delegate to it
func (m *MockLedgerRepository) StoreEntries(settlementID uuid.UUID, entries []domain.DerivedLedgerEntry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Entries[settlementID]) > 0 {
		return false
	}
	stored := make([]domain.DerivedLedgerEntry, len(entries))
	copy(stored, entries)
	m.Entries[settlementID] = stored
	return true
}

// DeleteBySettlement removes all entries of a settlement
func (m *MockLedgerRepository) DeleteBySettlement(ctx context.Context, settlementID uuid.UUID) (int64, error) {
	m.mu.Lock()
	m.DeleteCalls++
	fn := m.DeleteFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, settlementID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.Entries[settlementID]))
	delete(m.Entries, settlementID)
	return n, nil
}

// ListBySettlement returns the stored entries of a settlement
func (m *MockLedgerRepository) ListBySettlement(ctx context.Context, settlementID uuid.UUID) ([]domain.DerivedLedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.DerivedLedgerEntry, len(m.Entries[settlementID]))
	copy(out, m.Entries[settlementID])
	return out, nil
}

// ListFailedWithEntries returns failed settlements that still have entries
func (m *MockLedgerRepository) ListFailedWithEntries(ctx context.Context, kind domain.SettlementKind, limit int) ([]uuid.UUID, error) {
	if m.Records == nil {
		return nil, nil
	}
	m.mu.Lock()
	ids := make([]uuid.UUID, 0, len(m.Entries))
	for id, entries := range m.Entries {
		if len(entries) > 0 && entries[0].Kind == kind {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	var out []uuid.UUID
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		if r := m.Records.Record(id); r != nil && r.Status == domain.SettlementStatusFailed {
			out = append(out, id)
		}
	}
	return out, nil
}

// MockWalletDirectory is a mock implementation of domain.WalletDirectory
type MockWalletDirectory struct {
	mu      sync.Mutex
	Wallets map[uuid.UUID]map[domain.Network]bool
	Err     error
}

// NewMockWalletDirectory creates a new MockWalletDirectory
func NewMockWalletDirectory() *MockWalletDirectory {
	return &MockWalletDirectory{
		Wallets: make(map[uuid.UUID]map[domain.Network]bool),
	}
}

// AddWallet registers a wallet for an owner on a network
func (m *MockWalletDirectory) AddWallet(ownerID uuid.UUID, network domain.Network) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Wallets[ownerID] == nil {
		m.Wallets[ownerID] = make(map[domain.Network]bool)
	}
	m.Wallets[ownerID][network] = true
}

// HasWallet reports whether the owner has a wallet on the network
func (m *MockWalletDirectory) HasWallet(ctx context.Context, ownerID uuid.UUID, network domain.Network) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}
	return m.Wallets[ownerID][network], nil
}

// MockOwnerDirectory is a mock implementation of domain.OwnerDirectory
type MockOwnerDirectory struct {
	Owners map[string]uuid.UUID
}

// NewMockOwnerDirectory creates a new MockOwnerDirectory
func NewMockOwnerDirectory() *MockOwnerDirectory {
	return &MockOwnerDirectory{Owners: make(map[string]uuid.UUID)}
}

// GetOwnerIDByAuth0ID resolves an Auth0 subject
func (m *MockOwnerDirectory) GetOwnerIDByAuth0ID(ctx context.Context, auth0ID string) (uuid.UUID, error) {
	if id, ok := m.Owners[auth0ID]; ok {
		return id, nil
	}
	return uuid.Nil, domain.ErrOwnerNotFound
}

// MockBroadcaster is a mock implementation of domain.Broadcaster
type MockBroadcaster struct {
	mu       sync.Mutex
	SubmitFn func(ctx context.Context, raw []byte, network domain.Network) (*domain.BroadcastResult, error)
	Calls    int
}

// NewMockBroadcaster creates a MockBroadcaster that accepts every submission
func NewMockBroadcaster() *MockBroadcaster {
	return &MockBroadcaster{}
}

// Submit records the call and delegates to SubmitFn
func (m *MockBroadcaster) Submit(ctx context.Context, raw []byte, network domain.Network) (*domain.BroadcastResult, error) {
	m.mu.Lock()
	m.Calls++
	n := m.Calls
	fn := m.SubmitFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, raw, network)
	}
	return &domain.BroadcastResult{Signature: fmt.Sprintf("sig-%d", n), Channel: "primary"}, nil
}

// CallCount returns the number of Submit calls
func (m *MockBroadcaster) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls
}

// MockChainOracle is a mock implementation of domain.ChainOracle.
// Unknown hashes are reported confirmed unless PollFn says otherwise.
type MockChainOracle struct {
	mu       sync.Mutex
	Statuses map[string]domain.ChainStatus
	Reasons  map[string]string
	PollFn   func(ctx context.Context, query domain.StatusQuery) (domain.ChainStatus, error)

	Polls []domain.StatusQuery
}

// NewMockChainOracle creates a new MockChainOracle
func NewMockChainOracle() *MockChainOracle {
	return &MockChainOracle{
		Statuses: make(map[string]domain.ChainStatus),
		Reasons:  make(map[string]string),
	}
}

// SetStatus sets the status reported for a hash
func (m *MockChainOracle) SetStatus(hash string, status domain.ChainStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Statuses[hash] = status
}

// PollStatus returns the configured status for the hash
func (m *MockChainOracle) PollStatus(ctx context.Context, query domain.StatusQuery) (domain.ChainStatus, error) {
	m.mu.Lock()
	m.Polls = append(m.Polls, query)
	fn := m.PollFn
	status, ok := m.Statuses[query.Hash]
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, query)
	}
	if !ok {
		return domain.ChainStatus{State: domain.ChainStateConfirmed}, nil
	}
	return status, nil
}

// FailureReason returns the configured reason for the hash
func (m *MockChainOracle) FailureReason(ctx context.Context, hash string, network domain.Network) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Reasons[hash], nil
}

// PollCount returns the number of PollStatus calls
func (m *MockChainOracle) PollCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Polls)
}

// MockNotifier is a mock implementation of domain.Notifier
type MockNotifier struct {
	mu   sync.Mutex
	Sent []domain.Notification
	Err  error
}

// NewMockNotifier creates a new MockNotifier
func NewMockNotifier() *MockNotifier {
	return &MockNotifier{}
}

// Notify records the notification
func (m *MockNotifier) Notify(ctx context.Context, idempotencyKey string, payload domain.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Sent = append(m.Sent, payload)
	return nil
}

// Notifications returns a snapshot of sent notifications
func (m *MockNotifier) Notifications() []domain.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Notification, len(m.Sent))
	copy(out, m.Sent)
	return out
}

// MockAlertSink is a mock implementation of domain.AlertSink
type MockAlertSink struct {
	mu     sync.Mutex
	Alerts []domain.Alert
}

// NewMockAlertSink creates a new MockAlertSink
func NewMockAlertSink() *MockAlertSink {
	return &MockAlertSink{}
}

// Alert records the alert
func (m *MockAlertSink) Alert(ctx context.Context, alert domain.Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Alerts = append(m.Alerts, alert)
}

// Raised returns a snapshot of raised alerts
func (m *MockAlertSink) Raised() []domain.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Alert, len(m.Alerts))
	copy(out, m.Alerts)
	return out
}

// PublishedEvent is an event captured by MockEventPublisher
type PublishedEvent struct {
	OwnerID uuid.UUID
	Event   websocket.Event
}

// MockEventPublisher is a mock implementation of websocket.EventPublisher
type MockEventPublisher struct {
	mu     sync.Mutex
	Events []PublishedEvent
}

// NewMockEventPublisher creates a new MockEventPublisher
func NewMockEventPublisher() *MockEventPublisher {
	return &MockEventPublisher{}
}

// Publish records the event
func (m *MockEventPublisher) Publish(ownerID uuid.UUID, event websocket.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, PublishedEvent{OwnerID: ownerID, Event: event})
}

// Types returns the types of published events in order
func (m *MockEventPublisher) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.Events))
	for _, e := range m.Events {
		out = append(out, e.Event.Type)
	}
	return out
}

// MockReceiptArchive is a mock implementation of domain.ReceiptArchive
type MockReceiptArchive struct {
	mu       sync.Mutex
	Receipts map[string]domain.Receipt
	Err      error
}

// NewMockReceiptArchive creates a new MockReceiptArchive
func NewMockReceiptArchive() *MockReceiptArchive {
	return &MockReceiptArchive{Receipts: make(map[string]domain.Receipt)}
}

// Put stores the receipt under the archive key layout
func (m *MockReceiptArchive) Put(ctx context.Context, receipt domain.Receipt) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	key := fmt.Sprintf("receipts/%s/%s.json", receipt.Record.Kind, receipt.Record.ID)
	m.Receipts[key] = receipt
	return key, nil
}

// Count returns the number of stored receipts
func (m *MockReceiptArchive) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Receipts)
}
