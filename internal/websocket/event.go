package websocket

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType represents the lifecycle moment an event reports
type EventType string

const (
	EventTypeSubmitted EventType = "submitted"
	EventTypeConfirmed EventType = "confirmed"
	EventTypeFailed    EventType = "failed"
)

// EntityType represents the type of entity the event is about
type EntityType string

const (
	EntityTypeSettlement EntityType = "settlement"
)

// Event represents a WebSocket event message sent to clients
// Format: { type, entity, payload, timestamp }
type Event struct {
	Type      string      `json:"type"`      // Combined type e.g. "settlement.confirmed"
	Entity    EntityType  `json:"entity"`    // Entity type e.g. "settlement"
	Payload   interface{} `json:"payload"`   // Event data
	Timestamp time.Time   `json:"timestamp"` // Event timestamp
}

// SettlementEventPayload is the owner-facing view of a settlement change
type SettlementEventPayload struct {
	SettlementID    string `json:"settlementId"`
	Kind            string `json:"kind"`
	Status          string `json:"status"`
	TransactionHash string `json:"transactionHash,omitempty"`
	FailureReason   string `json:"failureReason,omitempty"`
}

// NewEvent creates a new event with the given type, entity, and payload
func NewEvent(eventType EventType, entityType EntityType, payload interface{}) Event {
	return Event{
		Type:      fmt.Sprintf("%s.%s", entityType, eventType),
		Entity:    entityType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// ToJSON serializes the event to JSON bytes
func (e Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// SettlementSubmitted creates a settlement.submitted event
func SettlementSubmitted(payload SettlementEventPayload) Event {
	return NewEvent(EventTypeSubmitted, EntityTypeSettlement, payload)
}

// SettlementConfirmed creates a settlement.confirmed event
func SettlementConfirmed(payload SettlementEventPayload) Event {
	return NewEvent(EventTypeConfirmed, EntityTypeSettlement, payload)
}

// SettlementFailed creates a settlement.failed event
func SettlementFailed(payload SettlementEventPayload) Event {
	return NewEvent(EventTypeFailed, EntityTypeSettlement, payload)
}
