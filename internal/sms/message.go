package sms

import (
	"fmt"
	"time"
)

// Direction indicates whether a message was received on the DID or sent from it.
// The integer values match the provider's wire encoding (0 outgoing, 1 incoming).
type Direction int

const (
	Outgoing Direction = 0
	Incoming Direction = 1
)

func (d Direction) String() string {
	switch d {
	case Outgoing:
		return "outgoing"
	case Incoming:
		return "incoming"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// DeliveryState tracks the lifecycle of an outgoing message. Incoming
// messages are always Delivered.
type DeliveryState int

const (
	// Draft is a locally composed message that has not been submitted.
	Draft DeliveryState = iota
	// Pending is a message handed to the provider but not yet confirmed.
	Pending
	// Delivered is a message the provider has acknowledged.
	Delivered
	// Failed is a terminal submission failure; the row stays visible so
	// the user can retry or delete it.
	Failed
)

func (s DeliveryState) String() string {
	switch s {
	case Draft:
		return "draft"
	case Pending:
		return "pending"
	case Delivered:
		return "delivered"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("delivery(%d)", int(s))
	}
}

// ValidationError reports a message field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Message is a single SMS. ID is the local store identifier, zero until the
// message is first persisted. RemoteID is the provider-assigned identifier,
// zero until the provider acknowledges the message.
type Message struct {
	ID        int64
	RemoteID  int64
	Time      time.Time
	Direction Direction
	DID       string
	Contact   string
	Body      string
	Unread    bool
	Deleted   bool
	Delivery  DeliveryState
	// ClientRef correlates a locally composed message across submission
	// and confirmation; empty for messages that originated remotely.
	ClientRef string
}

// NewOutgoing creates a locally composed message awaiting submission.
func NewOutgoing(did, contact, body string, at time.Time) (*Message, error) {
	if err := ValidateNumber("did", did); err != nil {
		return nil, err
	}
	if err := ValidateNumber("contact", contact); err != nil {
		return nil, err
	}
	if body == "" {
		return nil, &ValidationError{Field: "body", Reason: "must not be empty"}
	}
	return &Message{
		Time:      at,
		Direction: Outgoing,
		DID:       did,
		Contact:   contact,
		Body:      body,
		Delivery:  Pending,
	}, nil
}

// NewDraft creates an unsubmitted draft for a conversation.
func NewDraft(did, contact, body string, at time.Time) (*Message, error) {
	m, err := NewOutgoing(did, contact, body, at)
	if err != nil {
		return nil, err
	}
	m.Delivery = Draft
	return m, nil
}

// Conversation returns the conversation key for this message.
func (m *Message) Conversation() ConversationID {
	return ConversationID{DID: m.DID, Contact: m.Contact}
}

// IsDraft reports whether the message is an unsubmitted draft.
func (m *Message) IsDraft() bool {
	return m.Delivery == Draft
}

// Validate checks the invariants that every message must satisfy regardless
// of origin.
func (m *Message) Validate() error {
	if err := ValidateNumber("did", m.DID); err != nil {
		return err
	}
	if err := ValidateNumber("contact", m.Contact); err != nil {
		return err
	}
	if m.Direction != Incoming && m.Direction != Outgoing {
		return &ValidationError{Field: "direction", Reason: "must be incoming or outgoing"}
	}
	if m.Direction == Outgoing && m.Unread {
		return &ValidationError{Field: "unread", Reason: "outgoing messages are never unread"}
	}
	if m.Direction == Incoming && m.Delivery != Delivered {
		return &ValidationError{Field: "delivery", Reason: "incoming messages are always delivered"}
	}
	return nil
}

// ValidateNumber checks that a phone number consists only of digits.
func ValidateNumber(field, value string) error {
	if value == "" {
		return &ValidationError{Field: field, Reason: "must not be empty"}
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return &ValidationError{Field: field, Reason: "must consist only of digits"}
		}
	}
	return nil
}
