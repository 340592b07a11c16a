package domain

import "context"

// IntentExtractor turns a contact's free text plus recent history into a
// reply and a structured intent. Implementations must degrade to a
// request_human fallback on transport failure or unparseable model output
// instead of returning those as errors.
type IntentExtractor interface {
	Extract(ctx context.Context, text string, history []HistoryTurn) (Reply, error)
	// Fallback is the forced human-handoff reply the extractor degrades to.
	Fallback() Reply
}

// MessageSender delivers outbound text to a contact address through the
// channel provider. Address is normalized to digits before transmission.
type MessageSender interface {
	SendText(ctx context.Context, address, text string) (externalID string, err error)
}
