package intent

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"recepta/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestExtractor(t *testing.T, handler http.HandlerFunc) *Extractor {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewExtractor(ExtractorConfig{
		APIBase: srv.URL,
		APIKey:  "test",
		Logger:  testLogger(),
	})
}

func modelAnswer(content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": content}},
			},
		})
	}
}

func TestExtract_ValidReply(t *testing.T) {
	content := `{"reply":"Claro! Que dia prefere?","intent":"schedule","date":"2026-09-01","time":"","procedure":"limpeza","contactName":"","reason":"","confidence":0.9}`
	e := newTestExtractor(t, modelAnswer(content))

	reply, err := e.Extract(context.Background(), "quero marcar limpeza", nil)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Intent.Intent != domain.IntentSchedule {
		t.Errorf("expected schedule, got %s", reply.Intent.Intent)
	}
	if reply.Intent.Procedure != "limpeza" {
		t.Errorf("slot not extracted: %+v", reply.Intent)
	}
	if reply.Text != "Claro! Que dia prefere?" {
		t.Errorf("unexpected reply text: %q", reply.Text)
	}
}

func TestExtract_FencedJSON(t *testing.T) {
	content := "```json\n{\"reply\":\"Ok\",\"intent\":\"other\",\"confidence\":0.5}\n```"
	e := newTestExtractor(t, modelAnswer(content))

	reply, err := e.Extract(context.Background(), "obrigado", nil)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Intent.Intent != domain.IntentOther {
		t.Errorf("fenced JSON should parse, got intent %s", reply.Intent.Intent)
	}
}

func TestExtract_GarbageFallsBack(t *testing.T) {
	e := newTestExtractor(t, modelAnswer("I cannot answer in JSON, sorry."))

	reply, err := e.Extract(context.Background(), "oi", nil)
	if err != nil {
		t.Fatal("unparseable output must not surface as error")
	}
	if reply.Intent.Intent != domain.IntentRequestHuman {
		t.Errorf("fallback must hand off to a human, got %s", reply.Intent.Intent)
	}
	if reply.Text == "" {
		t.Error("fallback must carry the catalog reply")
	}
}

func TestExtract_UnknownIntentFallsBack(t *testing.T) {
	content := `{"reply":"ok","intent":"make_coffee","confidence":1}`
	e := newTestExtractor(t, modelAnswer(content))

	reply, _ := e.Extract(context.Background(), "oi", nil)
	if reply.Intent.Intent != domain.IntentRequestHuman {
		t.Errorf("unknown intent must fall back, got %s", reply.Intent.Intent)
	}
}

func TestExtract_ServerErrorFallsBack(t *testing.T) {
	e := newTestExtractor(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})

	reply, err := e.Extract(context.Background(), "oi", nil)
	if err != nil {
		t.Fatal("transport failure must not surface as error")
	}
	if reply.Intent.Intent != domain.IntentRequestHuman {
		t.Errorf("expected request_human fallback, got %s", reply.Intent.Intent)
	}
}

func TestExtract_SendsHistoryInOrder(t *testing.T) {
	var got chatRequest
	e := newTestExtractor(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		modelAnswer(`{"reply":"ok","intent":"other","confidence":1}`)(w, r)
	})

	history := []domain.HistoryTurn{
		{Role: "user", Text: "oi"},
		{Role: "assistant", Text: "olá, como posso ajudar?"},
	}
	if _, err := e.Extract(context.Background(), "quero cancelar", history); err != nil {
		t.Fatal(err)
	}

	// system + 2 history turns + current text
	if len(got.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(got.Messages))
	}
	if got.Messages[0].Role != "system" {
		t.Error("first message must be the system prompt")
	}
	if got.Messages[1].Content != "oi" || got.Messages[2].Role != "assistant" {
		t.Error("history must precede the current text in order")
	}
	if got.Messages[3].Content != "quero cancelar" {
		t.Errorf("current text must be last, got %q", got.Messages[3].Content)
	}
}

func TestConfidenceClamped(t *testing.T) {
	content := `{"reply":"ok","intent":"other","confidence":3.5}`
	e := newTestExtractor(t, modelAnswer(content))

	reply, _ := e.Extract(context.Background(), "oi", nil)
	if reply.Intent.Confidence != 1 {
		t.Errorf("confidence must clamp to [0,1], got %f", reply.Intent.Confidence)
	}
}
