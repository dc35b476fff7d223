package amqp

import (
	"encoding/json"
	"errors"
	"time"
)

// Reasons attached to sync requests.
const (
	ReasonTransactionCreated = "transaction_created"
	ReasonTransactionUpdated = "transaction_updated"
	ReasonTransactionDeleted = "transaction_deleted"
	ReasonManual             = "manual"
)

// SyncRequestMessage asks the worker to run a sync cycle for one user.
// It carries no transaction data; the worker reads the local store.
type SyncRequestMessage struct {
	UserID    string    `json:"user_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

func NewSyncRequestMessage(userID, reason string) *SyncRequestMessage {
	return &SyncRequestMessage{
		UserID:    userID,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
}

func (m *SyncRequestMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// SyncRequestMessageFromJSON decodes a message. A message without a user
// id is malformed.
func SyncRequestMessageFromJSON(data []byte) (*SyncRequestMessage, error) {
	var msg SyncRequestMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.UserID == "" {
		return nil, errors.New("sync request without user_id")
	}
	return &msg, nil
}
