package router

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"recepta/internal/domain"
	"recepta/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeExtractor returns a scripted reply and records the history it was
// handed.
type fakeExtractor struct {
	mu      sync.Mutex
	reply   domain.Reply
	err     error
	calls   int
	history [][]domain.HistoryTurn
}

func (f *fakeExtractor) Extract(ctx context.Context, text string, history []domain.HistoryTurn) (domain.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.history = append(f.history, history)
	return f.reply, f.err
}

func (f *fakeExtractor) Fallback() domain.Reply {
	return domain.Reply{
		Text:   "Um momento, por favor.",
		Intent: domain.ExtractedIntent{Intent: domain.IntentRequestHuman, Confidence: 1},
	}
}

// fakeSender records deliveries and can be scripted to fail.
type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	to    []string
	err   error
	calls int
}

func (f *fakeSender) SendText(ctx context.Context, address, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, text)
	f.to = append(f.to, address)
	return "EXT-1", nil
}

func newTestRouter(t *testing.T, extractor *fakeExtractor, sender *fakeSender) (*Router, domain.ConversationStore) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.NewSQLiteStore(dbPath, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	r := New(Config{
		Store:         st,
		Extractor:     extractor,
		Senders:       map[string]domain.MessageSender{"clinic-a": sender},
		HistoryWindow: 10,
		Logger:        testLogger(),
	})
	return r, st
}

func scheduleReply() domain.Reply {
	return domain.Reply{
		Text:   "Claro! Que dia prefere?",
		Intent: domain.ExtractedIntent{Intent: domain.IntentSchedule, Confidence: 0.9},
	}
}

func TestHandleInbound_AutoReply(t *testing.T) {
	ex := &fakeExtractor{reply: scheduleReply()}
	sender := &fakeSender{}
	r, st := newTestRouter(t, ex, sender)
	ctx := context.Background()

	disp, err := r.HandleInbound(ctx, "clinic-a", InboundMessage{
		Address:    "+55 11 99999-0000",
		Text:       "quero marcar consulta",
		ExternalID: "MSG-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if disp != DispositionAutoReplied {
		t.Errorf("expected auto_replied, got %s", disp)
	}

	conv, err := st.FindByAddress(ctx, "clinic-a", "5511999990000")
	if err != nil || conv == nil {
		t.Fatal("conversation should exist under the normalized address")
	}
	if conv.Status != domain.StatusAutomated {
		t.Errorf("schedule intent must not hand off, got %s", conv.Status)
	}

	msgs, _ := st.RecentMessages(ctx, conv.ID, 10)
	if len(msgs) != 2 {
		t.Fatalf("expected contact message and reply, got %d", len(msgs))
	}
	if msgs[0].Sender != domain.SenderContact || msgs[1].Sender != domain.SenderAutomated {
		t.Errorf("unexpected senders: %s, %s", msgs[0].Sender, msgs[1].Sender)
	}
	if msgs[1].Intent == nil || msgs[1].Intent.Intent != domain.IntentSchedule {
		t.Error("reply must carry the extracted intent")
	}
	if msgs[1].ExternalID != "EXT-1" {
		t.Errorf("reply should record the provider message id, got %q", msgs[1].ExternalID)
	}
	if len(sender.to) != 1 || sender.to[0] != "5511999990000" {
		t.Errorf("reply must go to the normalized address: %v", sender.to)
	}
}

func TestHandleInbound_FreshContactHasEmptyHistory(t *testing.T) {
	ex := &fakeExtractor{reply: scheduleReply()}
	r, _ := newTestRouter(t, ex, &fakeSender{})

	if _, err := r.HandleInbound(context.Background(), "clinic-a", InboundMessage{
		Address: "551100001111", Text: "oi",
	}); err != nil {
		t.Fatal(err)
	}

	if ex.calls != 1 {
		t.Fatalf("expected one extraction, got %d", ex.calls)
	}
	if len(ex.history[0]) != 0 {
		t.Errorf("first contact must reach the model with empty history, got %d turns", len(ex.history[0]))
	}
}

func TestHandleInbound_HistoryExcludesCurrentText(t *testing.T) {
	ex := &fakeExtractor{reply: scheduleReply()}
	r, _ := newTestRouter(t, ex, &fakeSender{})
	ctx := context.Background()

	r.HandleInbound(ctx, "clinic-a", InboundMessage{Address: "551100001111", Text: "primeira"})
	r.HandleInbound(ctx, "clinic-a", InboundMessage{Address: "551100001111", Text: "segunda"})

	last := ex.history[len(ex.history)-1]
	if len(last) != 2 {
		t.Fatalf("expected 2 history turns (first message + reply), got %d", len(last))
	}
	for _, turn := range last {
		if turn.Text == "segunda" {
			t.Error("the message being answered must not appear in its own history")
		}
	}
	if last[0].Role != "user" || last[1].Role != "assistant" {
		t.Errorf("history roles wrong: %s, %s", last[0].Role, last[1].Role)
	}
}

func TestHandleInbound_HumanConversationQueues(t *testing.T) {
	ex := &fakeExtractor{reply: scheduleReply()}
	sender := &fakeSender{}
	r, st := newTestRouter(t, ex, sender)
	ctx := context.Background()

	conv, _ := st.FindOrCreate(ctx, "clinic-a", "551100001111")
	st.UpdateStatus(ctx, conv.ID, domain.StatusHuman, "op-1")

	disp, err := r.HandleInbound(ctx, "clinic-a", InboundMessage{Address: "551100001111", Text: "ainda aí?"})
	if err != nil {
		t.Fatal(err)
	}
	if disp != DispositionQueued {
		t.Errorf("expected queued, got %s", disp)
	}
	if ex.calls != 0 {
		t.Error("human-attended conversations must not reach the model")
	}
	if sender.calls != 0 {
		t.Error("human-attended conversations must not get automated replies")
	}

	msgs, _ := st.RecentMessages(ctx, conv.ID, 10)
	if len(msgs) != 1 {
		t.Errorf("the contact message must still be persisted, got %d", len(msgs))
	}
}

func TestHandleInbound_RequestHumanHandsOff(t *testing.T) {
	ex := &fakeExtractor{reply: domain.Reply{
		Text:   "Vou transferir você para a equipe.",
		Intent: domain.ExtractedIntent{Intent: domain.IntentRequestHuman, Confidence: 0.95},
	}}
	sender := &fakeSender{}
	r, st := newTestRouter(t, ex, sender)
	ctx := context.Background()

	disp, err := r.HandleInbound(ctx, "clinic-a", InboundMessage{Address: "551100001111", Text: "quero falar com gente de verdade"})
	if err != nil {
		t.Fatal(err)
	}
	if disp != DispositionHandedOff {
		t.Errorf("expected handed_off, got %s", disp)
	}

	conv, _ := st.FindByAddress(ctx, "clinic-a", "551100001111")
	if conv.Status != domain.StatusHuman {
		t.Errorf("conversation must flip to human, got %s", conv.Status)
	}
	if len(sender.sent) != 1 {
		t.Error("the handoff reply must still be delivered")
	}
}

func TestHandleInbound_ExtractorErrorFallsBack(t *testing.T) {
	ex := &fakeExtractor{err: errors.New("model exploded")}
	sender := &fakeSender{}
	r, st := newTestRouter(t, ex, sender)
	ctx := context.Background()

	disp, err := r.HandleInbound(ctx, "clinic-a", InboundMessage{Address: "551100001111", Text: "oi"})
	if err != nil {
		t.Fatal("extractor errors must not fail the pipeline")
	}
	if disp != DispositionHandedOff {
		t.Errorf("fallback must hand off, got %s", disp)
	}

	conv, _ := st.FindByAddress(ctx, "clinic-a", "551100001111")
	msgs, _ := st.RecentMessages(ctx, conv.ID, 10)
	if len(msgs) != 2 {
		t.Fatalf("fallback reply must be persisted, got %d messages", len(msgs))
	}
}

func TestHandleInbound_SendFailureKeepsReply(t *testing.T) {
	ex := &fakeExtractor{reply: scheduleReply()}
	sender := &fakeSender{err: errors.New("provider down")}
	r, st := newTestRouter(t, ex, sender)
	ctx := context.Background()

	disp, err := r.HandleInbound(ctx, "clinic-a", InboundMessage{Address: "551100001111", Text: "oi"})
	if err != nil {
		t.Fatal("delivery failure must not fail the pipeline")
	}
	if disp != DispositionAutoReplied {
		t.Errorf("expected auto_replied, got %s", disp)
	}

	conv, _ := st.FindByAddress(ctx, "clinic-a", "551100001111")
	msgs, _ := st.RecentMessages(ctx, conv.ID, 10)
	if len(msgs) != 2 {
		t.Fatalf("reply must be persisted despite the send failure, got %d", len(msgs))
	}
	if msgs[1].ExternalID != "" {
		t.Error("a failed delivery has no provider message id")
	}
}

func TestHandleInbound_GroupDropped(t *testing.T) {
	ex := &fakeExtractor{reply: scheduleReply()}
	r, st := newTestRouter(t, ex, &fakeSender{})
	ctx := context.Background()

	disp, err := r.HandleInbound(ctx, "clinic-a", InboundMessage{
		Address: "123456789-987654@g.us", Text: "mensagem de grupo",
	})
	if err != nil {
		t.Fatal(err)
	}
	if disp != DispositionIgnored {
		t.Errorf("group traffic must be ignored, got %s", disp)
	}
	if ex.calls != 0 {
		t.Error("group traffic must not reach the model")
	}
	convs, _ := st.ListConversations(ctx, "clinic-a", 10)
	if len(convs) != 0 {
		t.Error("group traffic must not create conversations")
	}
}

func TestHandleInbound_OwnEchoDropped(t *testing.T) {
	ex := &fakeExtractor{reply: scheduleReply()}
	r, _ := newTestRouter(t, ex, &fakeSender{})

	disp, _ := r.HandleInbound(context.Background(), "clinic-a", InboundMessage{
		Address: "551100001111", Text: "echo", FromSelf: true,
	})
	if disp != DispositionIgnored {
		t.Errorf("own echoes must be ignored, got %s", disp)
	}
	if ex.calls != 0 {
		t.Error("own echoes must not reach the model")
	}
}

func TestSendOperatorMessage_Delivers(t *testing.T) {
	sender := &fakeSender{}
	r, st := newTestRouter(t, &fakeExtractor{reply: scheduleReply()}, sender)
	ctx := context.Background()

	conv, _ := st.FindOrCreate(ctx, "clinic-a", "551100001111")

	msg, err := r.SendOperatorMessage(ctx, "clinic-a", conv.ID, "op-9", "Bom dia, sou a Ana.")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Sender != domain.SenderOperator {
		t.Errorf("expected operator sender, got %s", msg.Sender)
	}
	if msg.ExternalID != "EXT-1" {
		t.Errorf("delivered message should carry the provider id, got %q", msg.ExternalID)
	}
	if len(sender.sent) != 1 {
		t.Error("operator message must be delivered")
	}
}

func TestSendOperatorMessage_StatusUntouched(t *testing.T) {
	r, st := newTestRouter(t, &fakeExtractor{reply: scheduleReply()}, &fakeSender{})
	ctx := context.Background()

	conv, _ := st.FindOrCreate(ctx, "clinic-a", "551100001111")

	if _, err := r.SendOperatorMessage(ctx, "clinic-a", conv.ID, "op-9", "Bom dia."); err != nil {
		t.Fatal(err)
	}

	updated, _ := st.GetConversation(ctx, conv.ID)
	if updated.Status != domain.StatusAutomated {
		t.Errorf("replying must not change the conversation status, got %s", updated.Status)
	}
	if updated.AssignedOperatorID != "" {
		t.Errorf("replying must not assign an operator, got %s", updated.AssignedOperatorID)
	}
}

func TestSendOperatorMessage_DeliveryFailurePersists(t *testing.T) {
	sender := &fakeSender{err: errors.New("provider down")}
	r, st := newTestRouter(t, &fakeExtractor{reply: scheduleReply()}, sender)
	ctx := context.Background()

	conv, _ := st.FindOrCreate(ctx, "clinic-a", "551100001111")

	msg, err := r.SendOperatorMessage(ctx, "clinic-a", conv.ID, "op-9", "Bom dia.")
	if err != nil {
		t.Fatal("a provider outage must not fail the operator send")
	}
	if msg.ExternalID != "" {
		t.Error("a failed delivery has no provider message id")
	}

	msgs, _ := st.RecentMessages(ctx, conv.ID, 10)
	if len(msgs) != 1 {
		t.Fatalf("the operator message must be persisted despite the outage, got %d", len(msgs))
	}
	if msgs[0].Text != "Bom dia." || msgs[0].Sender != domain.SenderOperator {
		t.Errorf("unexpected persisted message: %+v", msgs[0])
	}
}

func TestSendOperatorMessage_TenantScoped(t *testing.T) {
	r, st := newTestRouter(t, &fakeExtractor{}, &fakeSender{})
	ctx := context.Background()

	conv, _ := st.FindOrCreate(ctx, "clinic-b", "551100001111")
	if _, err := r.SendOperatorMessage(ctx, "clinic-a", conv.ID, "op-9", "hi"); err != domain.ErrNotFound {
		t.Errorf("cross-tenant access must look like not found, got %v", err)
	}
}

func TestSetStatus_TenantScoped(t *testing.T) {
	r, st := newTestRouter(t, &fakeExtractor{}, &fakeSender{})
	ctx := context.Background()

	conv, _ := st.FindOrCreate(ctx, "clinic-b", "551100001111")
	if _, err := r.SetStatus(ctx, "clinic-a", conv.ID, domain.StatusHuman, "op-1"); err != domain.ErrNotFound {
		t.Errorf("cross-tenant status change must look like not found, got %v", err)
	}
}
