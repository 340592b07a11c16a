package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"recepta/internal/domain"
)

// Extractor implements domain.IntentExtractor against an OpenAI-compatible
// chat completions endpoint. One bounded call per message, no retries —
// the webhook provider supplies the retry loop.
type Extractor struct {
	apiBase string
	apiKey  string
	model   string
	catalog *Catalog
	client  *http.Client
	logger  *slog.Logger
}

type ExtractorConfig struct {
	APIBase string
	APIKey  string
	Model   string
	Catalog *Catalog
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewExtractor(cfg ExtractorConfig) *Extractor {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Catalog == nil {
		cfg.Catalog = DefaultCatalog()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Extractor{
		apiBase: cfg.APIBase,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		catalog: cfg.Catalog,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  cfg.Logger,
	}
}

// Fallback is the forced human-handoff reply used whenever extraction
// cannot produce a trustworthy result.
func (e *Extractor) Fallback() domain.Reply {
	return domain.Reply{
		Text: e.catalog.FallbackReply,
		Intent: domain.ExtractedIntent{
			Intent:     domain.IntentRequestHuman,
			Confidence: 1,
		},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// modelReply is the strict JSON shape the catalog prompt demands.
type modelReply struct {
	Reply       string  `json:"reply"`
	Intent      string  `json:"intent"`
	Date        string  `json:"date"`
	Time        string  `json:"time"`
	Procedure   string  `json:"procedure"`
	ContactName string  `json:"contactName"`
	Reason      string  `json:"reason"`
	Confidence  float64 `json:"confidence"`
}

// Extract calls the model with the current text plus recent history and
// returns the reply and structured intent. Transport failures and
// unparseable model output degrade to Fallback() — they are never returned
// as errors, so a flaky model can stall replies but never block message
// persistence upstream.
func (e *Extractor) Extract(ctx context.Context, text string, history []domain.HistoryTurn) (domain.Reply, error) {
	msgs := make([]chatMessage, 0, len(history)+2)
	msgs = append(msgs, chatMessage{Role: "system", Content: e.catalog.SystemPrompt()})
	for _, turn := range history {
		role := turn.Role
		if role != "assistant" {
			role = "user"
		}
		msgs = append(msgs, chatMessage{Role: role, Content: turn.Text})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: text})

	content, err := e.complete(ctx, msgs)
	if err != nil {
		e.logger.Warn("intent extraction call failed, using fallback", "err", err)
		return e.Fallback(), nil
	}

	reply, ok := e.parseModelReply(content)
	if !ok {
		e.logger.Warn("intent extraction returned unparseable output, using fallback",
			"content_len", len(content))
		return e.Fallback(), nil
	}
	return reply, nil
}

func (e *Extractor) complete(ctx context.Context, msgs []chatMessage) (string, error) {
	body := chatRequest{Model: e.model, Messages: msgs}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", e.apiBase+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("chat completions %d: %s", resp.StatusCode, string(respBody))
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("empty choices")
	}
	return chatResp.Choices[0].Message.Content, nil
}

// parseModelReply accepts the model's answer even when it wraps the JSON in
// code fences or prose, as long as one well-formed object with a known
// intent is present.
func (e *Extractor) parseModelReply(content string) (domain.Reply, bool) {
	raw := extractJSONObject(content)
	if raw == "" {
		return domain.Reply{}, false
	}

	var mr modelReply
	if err := json.Unmarshal([]byte(raw), &mr); err != nil {
		return domain.Reply{}, false
	}
	if strings.TrimSpace(mr.Reply) == "" {
		return domain.Reply{}, false
	}
	it := domain.Intent(mr.Intent)
	if !it.Valid() {
		return domain.Reply{}, false
	}
	confidence := mr.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	return domain.Reply{
		Text: strings.TrimSpace(mr.Reply),
		Intent: domain.ExtractedIntent{
			Intent:      it,
			Date:        mr.Date,
			Time:        mr.Time,
			Procedure:   mr.Procedure,
			ContactName: mr.ContactName,
			Reason:      mr.Reason,
			Confidence:  confidence,
		},
	}, true
}

// extractJSONObject returns the outermost {...} span of the content,
// stripping markdown fences the model sometimes insists on.
func extractJSONObject(content string) string {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return ""
	}
	return content[start : end+1]
}
