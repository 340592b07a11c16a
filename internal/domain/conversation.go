package domain

import (
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ConversationStatus decides who answers the next inbound message.
type ConversationStatus string

const (
	// StatusAutomated: inbound messages get an AI-generated reply.
	StatusAutomated ConversationStatus = "automated"
	// StatusHuman: inbound messages queue for an operator; no auto-replies.
	StatusHuman ConversationStatus = "human"
)

// Sender identifies who produced a message.
type Sender string

const (
	SenderContact   Sender = "contact"
	SenderAutomated Sender = "automated"
	SenderOperator  Sender = "operator"
)

// Conversation is one ongoing exchange between a tenant and one external
// contact address. At most one exists per (TenantID, ContactAddress).
type Conversation struct {
	ID                 string             `json:"id"`
	TenantID           string             `json:"tenant_id"`
	ContactAddress     string             `json:"contact_address"`
	Status             ConversationStatus `json:"status"`
	AssignedOperatorID string             `json:"assigned_operator_id,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// Message is a single inbound or outbound utterance. Immutable once created.
type Message struct {
	ID             int64            `json:"id"`
	ConversationID string           `json:"conversation_id"`
	Sender         Sender           `json:"sender"`
	Text           string           `json:"text"`
	ExternalID     string           `json:"external_id,omitempty"`
	Intent         *ExtractedIntent `json:"intent,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// NormalizeAddress reduces a contact address to digits only
// ("+55 11 99999-0000" -> "5511999990000").
func NormalizeAddress(address string) string {
	var b strings.Builder
	b.Grow(len(address))
	for _, r := range address {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
