package amqp

import (
	"encoding/json"
	"errors"
	"time"
)

// Change operations carried by ChangeMessage.
const (
	OpCreated = "created"
	OpUpdated = "updated"
	OpDeleted = "deleted"
	OpChanged = "changed"
)

// ChangeMessage tells other instances that an owner's transactions changed.
// Receivers re-run their live queries; the message carries no record data.
type ChangeMessage struct {
	OwnerID       string    `json:"owner_id"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Operation     string    `json:"operation"`
	Origin        string    `json:"origin"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewChangeMessage stamps a change with the current time.
func NewChangeMessage(ownerID, transactionID, operation, origin string) *ChangeMessage {
	return &ChangeMessage{
		OwnerID:       ownerID,
		TransactionID: transactionID,
		Operation:     operation,
		Origin:        origin,
		Timestamp:     time.Now(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *ChangeMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ChangeMessageFromJSON decodes a message and rejects ones without an owner.
func ChangeMessageFromJSON(data []byte) (*ChangeMessage, error) {
	var msg ChangeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.OwnerID == "" {
		return nil, errors.New("change message without owner_id")
	}
	return &msg, nil
}
