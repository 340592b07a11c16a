// Package router connects inbound channel messages to the conversation
// store, the intent extractor, and the outbound sender.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"recepta/internal/domain"
	"recepta/internal/metrics"
)

// Disposition reports what the router did with one inbound message.
type Disposition string

const (
	// DispositionIgnored: group message, own echo, or payload without
	// address/text. Nothing persisted.
	DispositionIgnored Disposition = "ignored"
	// DispositionQueued: persisted for a human-attended conversation, no
	// automated reply.
	DispositionQueued Disposition = "queued"
	// DispositionAutoReplied: persisted and answered automatically.
	DispositionAutoReplied Disposition = "auto_replied"
	// DispositionHandedOff: persisted, answered, and the conversation was
	// switched to human attention.
	DispositionHandedOff Disposition = "handed_off"
)

// Config wires a Router. Senders is keyed by tenant ID.
type Config struct {
	Store         domain.ConversationStore
	Extractor     domain.IntentExtractor
	Senders       map[string]domain.MessageSender
	HistoryWindow int
	GroupSuffix   string
	Logger        *slog.Logger
}

// Router owns the inbound message pipeline and the operator-side send path.
type Router struct {
	store         domain.ConversationStore
	extractor     domain.IntentExtractor
	senders       map[string]domain.MessageSender
	historyWindow int
	groupSuffix   string
	logger        *slog.Logger
}

func New(cfg Config) *Router {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 10
	}
	if cfg.GroupSuffix == "" {
		cfg.GroupSuffix = "@g.us"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{
		store:         cfg.Store,
		extractor:     cfg.Extractor,
		senders:       cfg.Senders,
		historyWindow: cfg.HistoryWindow,
		groupSuffix:   cfg.GroupSuffix,
		logger:        cfg.Logger.With("component", "router"),
	}
}

// HandleInbound runs one contact message through the pipeline: persist,
// short-circuit for human-attended conversations, extract intent, persist
// and deliver the automated reply. Send failures never fail the pipeline;
// the reply stays persisted and the failure is logged.
func (r *Router) HandleInbound(ctx context.Context, tenantID string, in InboundMessage) (Disposition, error) {
	if r.groupSuffix != "" && strings.HasSuffix(in.Address, r.groupSuffix) {
		r.logger.Debug("dropping group message", "tenant", tenantID)
		return DispositionIgnored, nil
	}
	if in.FromSelf {
		return DispositionIgnored, nil
	}
	if in.Address == "" || strings.TrimSpace(in.Text) == "" {
		r.logger.Debug("dropping payload without address or text", "tenant", tenantID)
		return DispositionIgnored, nil
	}

	address := domain.NormalizeAddress(in.Address)
	if address == "" {
		return DispositionIgnored, nil
	}

	conv, err := r.store.FindOrCreate(ctx, tenantID, address)
	if err != nil {
		return DispositionIgnored, fmt.Errorf("find or create conversation: %w", err)
	}

	inbound, err := r.store.AppendMessage(ctx, domain.Message{
		ConversationID: conv.ID,
		Sender:         domain.SenderContact,
		Text:           in.Text,
		ExternalID:     in.ExternalID,
	})
	if err != nil {
		return DispositionIgnored, fmt.Errorf("persist inbound message: %w", err)
	}
	metrics.MessagesInbound.Inc()

	if conv.Status == domain.StatusHuman {
		return DispositionQueued, nil
	}

	history, err := r.loadHistory(ctx, conv.ID, inbound.ID)
	if err != nil {
		r.logger.Warn("history load failed, extracting without context", "err", err)
		history = nil
	}

	start := time.Now()
	reply, err := r.extractor.Extract(ctx, in.Text, history)
	metrics.ExtractLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		r.logger.Warn("extractor returned error, using fallback", "err", err)
		metrics.ExtractFallbacks.Inc()
		reply = r.extractor.Fallback()
	}

	disposition := DispositionAutoReplied
	if reply.Intent.Intent == domain.IntentRequestHuman {
		if _, err := r.store.UpdateStatus(ctx, conv.ID, domain.StatusHuman, ""); err != nil {
			r.logger.Error("handoff status update failed", "conversation", conv.ID, "err", err)
		} else {
			disposition = DispositionHandedOff
			metrics.Handoffs.Inc()
		}
	}

	// Persist before delivery: a provider outage loses the send, never
	// the record of what the system decided to say.
	intent := reply.Intent
	stored, err := r.store.AppendMessage(ctx, domain.Message{
		ConversationID: conv.ID,
		Sender:         domain.SenderAutomated,
		Text:           reply.Text,
		Intent:         &intent,
	})
	if err != nil {
		return disposition, fmt.Errorf("persist automated reply: %w", err)
	}
	metrics.AutoReplies.Inc()

	if externalID := r.deliver(ctx, tenantID, address, reply.Text); externalID != "" {
		if err := r.store.SetMessageExternalID(ctx, stored.ID, externalID); err != nil {
			r.logger.Warn("could not record provider message id", "message", stored.ID, "err", err)
		}
	}

	return disposition, nil
}

// SendOperatorMessage persists and delivers an operator's reply. The
// conversation's status is untouched: taking over is the explicit SetStatus
// path, not a side effect of replying. The message is persisted before
// delivery, so a provider outage is observable (log, metric, empty external
// id) but never loses the operator's text.
func (r *Router) SendOperatorMessage(ctx context.Context, tenantID, conversationID, operatorID, text string) (*domain.Message, error) {
	conv, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.TenantID != tenantID {
		return nil, domain.ErrNotFound
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("message text is required")
	}

	msg, err := r.store.AppendMessage(ctx, domain.Message{
		ConversationID: conv.ID,
		Sender:         domain.SenderOperator,
		Text:           text,
	})
	if err != nil {
		return nil, fmt.Errorf("persist operator message: %w", err)
	}

	if externalID := r.deliver(ctx, tenantID, conv.ContactAddress, text); externalID != "" {
		if err := r.store.SetMessageExternalID(ctx, msg.ID, externalID); err != nil {
			r.logger.Warn("could not record provider message id", "message", msg.ID, "err", err)
		} else {
			msg.ExternalID = externalID
		}
	}
	return msg, nil
}

// SetStatus changes a conversation's attendance mode, scoped to the tenant.
func (r *Router) SetStatus(ctx context.Context, tenantID, conversationID string, status domain.ConversationStatus, operatorID string) (*domain.Conversation, error) {
	conv, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.TenantID != tenantID {
		return nil, domain.ErrNotFound
	}
	return r.store.UpdateStatus(ctx, conversationID, status, operatorID)
}

// loadHistory returns the last turns before the just-persisted inbound
// message, oldest first. A brand new conversation yields an empty slice.
func (r *Router) loadHistory(ctx context.Context, conversationID string, excludeID int64) ([]domain.HistoryTurn, error) {
	msgs, err := r.store.RecentMessages(ctx, conversationID, r.historyWindow+1)
	if err != nil {
		return nil, err
	}
	turns := make([]domain.HistoryTurn, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == excludeID {
			continue
		}
		role := "assistant"
		if m.Sender == domain.SenderContact {
			role = "user"
		}
		turns = append(turns, domain.HistoryTurn{Role: role, Text: m.Text})
	}
	if len(turns) > r.historyWindow {
		turns = turns[len(turns)-r.historyWindow:]
	}
	return turns, nil
}

// deliver sends the automated reply and returns the provider message ID,
// empty when delivery failed.
func (r *Router) deliver(ctx context.Context, tenantID, address, text string) string {
	sender, ok := r.senders[tenantID]
	if !ok {
		r.logger.Error("no channel sender for tenant", "tenant", tenantID)
		metrics.SendFailures.Inc()
		return ""
	}
	externalID, err := sender.SendText(ctx, address, text)
	if err != nil {
		r.logger.Error("automated reply delivery failed", "tenant", tenantID, "err", err)
		metrics.SendFailures.Inc()
		return ""
	}
	return externalID
}
