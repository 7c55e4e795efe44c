package channel

import (
	"encoding/json"
	"fmt"
	"time"
)

// Inbound control types, sent by clients
const (
	TypeAuthenticate = "authenticate"
	TypeSubscribe    = "subscribe_bot"
	TypeUnsubscribe  = "unsubscribe_bot"
	TypePing         = "ping"
)

// Outbound control types, sent by the server
const (
	TypeConnection            = "connection"
	TypePong                  = "pong"
	TypeSubscriptionSuccess   = "subscription_success"
	TypeUnsubscriptionSuccess = "unsubscription_success"
)

// Business event types routed to handlers by type
const (
	TypeBundleUpdate = "bundle_update"
	TypeTrialUpdate  = "trial_update"
	TypeStatusChange = "status_change"
	TypeError        = "error"
	TypeMetrics      = "metrics"
	TypeLog          = "log"
)

// Message is the envelope of every frame exchanged over a channel
type Message struct {
	Type      string          `json:"type"`
	BotID     string          `json:"botId,omitempty"`
	Token     string          `json:"token,omitempty"`
	Status    string          `json:"status,omitempty"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// NewEvent builds a business event for topic with payload encoded into Data
func NewEvent(eventType, topic string, payload any, now time.Time) (Message, error) {
	msg := Message{
		Type:      eventType,
		BotID:     topic,
		Timestamp: now.UnixMilli(),
	}
	if payload == nil {
		return msg, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	msg.Data = data
	return msg, nil
}

// Decode unmarshals the message payload into v
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("message %s has no data", m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Type, err)
	}
	return nil
}

func control(msgType, botID string) Message {
	return Message{Type: msgType, BotID: botID}
}

func errorMessage(text string) Message {
	return Message{Type: TypeError, Status: "error", Message: text}
}
