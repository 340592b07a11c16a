package domain

import "context"

// ConversationStore handles persistent storage of conversations and their
// message history, keyed by tenant and contact address.
type ConversationStore interface {
	// FindByAddress returns the conversation for (tenantID, address),
	// or (nil, nil) when none exists.
	FindByAddress(ctx context.Context, tenantID, address string) (*Conversation, error)

	// FindOrCreate returns the existing conversation or atomically creates
	// a new one with StatusAutomated. Two concurrent calls for the same
	// (tenantID, address) must yield the same row.
	FindOrCreate(ctx context.Context, tenantID, address string) (*Conversation, error)

	// GetConversation returns a conversation by id, ErrNotFound when absent.
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// UpdateStatus transitions the conversation and records the operator
	// when the new status is StatusHuman. Clears the operator on reversion
	// to StatusAutomated.
	UpdateStatus(ctx context.Context, id string, status ConversationStatus, operatorID string) (*Conversation, error)

	// AppendMessage persists one message and returns it with ID and
	// CreatedAt filled in.
	AppendMessage(ctx context.Context, msg Message) (*Message, error)

	// SetMessageExternalID backfills the provider's message id after a
	// delivery that happened once the message was already persisted.
	SetMessageExternalID(ctx context.Context, messageID int64, externalID string) error

	// RecentMessages returns the last N messages of a conversation,
	// ordered oldest first.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)

	// ListConversations returns a tenant's conversations, most recently
	// updated first.
	ListConversations(ctx context.Context, tenantID string, limit int) ([]Conversation, error)

	Close() error
}
