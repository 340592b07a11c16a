// Package server exposes the HTTP surface: the provider webhook, the
// back-office API, and the status and metrics endpoints.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"recepta/internal/config"
	"recepta/internal/domain"
	"recepta/internal/gateway"
	"recepta/internal/metrics"
	"recepta/internal/router"
)

// Config wires a Server.
type Config struct {
	Host           string
	Port           int
	WebhookPath    string
	WebhookSecret  string
	IngestOnly     bool
	MetricsEnabled bool
	JWTSecret      string
	Tenants        []config.TenantConfig
	Store          domain.ConversationStore
	Router         *router.Router
	// Lifecycles is keyed by tenant ID and drives on-demand provisioning.
	Lifecycles map[string]*gateway.Lifecycle
	Logger     *slog.Logger
}

// Server is the HTTP front of the gateway.
type Server struct {
	cfg      Config
	verifier *JWTVerifier
	logger   *slog.Logger
	server   *http.Server

	mu          sync.Mutex
	pairingCode map[string]string // tenant ID -> last pairing code
}

func New(cfg Config) *Server {
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = "/webhook/channel"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:         cfg,
		verifier:    NewJWTVerifier([]byte(cfg.JWTSecret)),
		logger:      cfg.Logger.With("component", "server"),
		pairingCode: make(map[string]string),
	}
}

// Start runs the HTTP server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("http server starting", "addr", s.server.Addr, "webhook_path", s.cfg.WebhookPath)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}

// Handler builds the routed mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+s.cfg.WebhookPath, s.handleWebhook)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /api/channel/provision", s.requireAuth(s.handleProvision))
	mux.HandleFunc("GET /api/channel/pairing.png", s.requireAuth(s.handlePairingPNG))
	mux.HandleFunc("GET /api/conversations", s.requireAuth(s.handleListConversations))
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.requireAuth(s.handleGetMessages))
	mux.HandleFunc("POST /api/conversations/{id}/status", s.requireAuth(s.handleSetStatus))
	mux.HandleFunc("POST /api/conversations/{id}/messages", s.requireAuth(s.handleOperatorMessage))
	if s.cfg.MetricsEnabled {
		mux.HandleFunc("GET /metrics", metrics.Collector.Handler())
	}
	return mux
}

// --- Webhook ---

// handleWebhook acknowledges the provider before processing. The provider
// retries on non-2xx and its retries multiply load, so everything past the
// shared-secret check answers 200: bad payloads are dropped, pipeline
// failures are logged.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	metrics.WebhookRequests.Inc()

	if s.cfg.WebhookSecret != "" {
		got := r.Header.Get("X-Webhook-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.WebhookSecret)) != 1 {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB max
	if err != nil {
		body = nil
	}
	defer r.Body.Close()

	// Acknowledge first. Everything below must not write to w.
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	in, err := router.ExtractInbound(body)
	if err != nil {
		s.logger.Warn("webhook payload rejected", "err", err)
		metrics.WebhookDropped.Inc()
		return
	}

	tenant, ok := s.tenantForInstance(in.Instance)
	if !ok {
		s.logger.Warn("webhook for unknown instance dropped", "instance", in.Instance)
		metrics.WebhookDropped.Inc()
		return
	}

	if s.cfg.IngestOnly {
		s.logger.Info("ingest-only mode, dropping message", "tenant", tenant.ID)
		metrics.WebhookDropped.Inc()
		return
	}

	// The provider may drop the connection as soon as it has its 200,
	// which would cancel r.Context() mid-pipeline. The message is already
	// acknowledged and will never be retried, so processing must outlive
	// the request.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Minute)
	defer cancel()

	disposition, err := s.cfg.Router.HandleInbound(ctx, tenant.ID, in)
	if err != nil {
		s.logger.Error("inbound pipeline failed", "tenant", tenant.ID, "err", err)
	} else {
		s.logger.Info("inbound handled", "tenant", tenant.ID, "disposition", disposition)
	}
	metrics.WebhookLatency.Observe(time.Since(start).Seconds())
}

// tenantForInstance resolves the tenant named in the payload. A deployment
// with exactly one tenant accepts payloads without an instance field.
func (s *Server) tenantForInstance(instance string) (config.TenantConfig, bool) {
	if instance == "" && len(s.cfg.Tenants) == 1 {
		return s.cfg.Tenants[0], true
	}
	for _, t := range s.cfg.Tenants {
		if t.Instance == instance {
			return t, true
		}
	}
	return config.TenantConfig{}, false
}

// --- Admin API ---

type principalKey struct{}

func (s *Server) requireAuth(next func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		principal, err := s.verifier.Verify(token)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, principal)))
	}
}

func principalFrom(r *http.Request) Principal {
	p, _ := r.Context().Value(principalKey{}).(Principal)
	return p
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	lc, ok := s.cfg.Lifecycles[p.TenantID]
	if !ok {
		http.Error(w, "no channel instance for tenant", http.StatusNotFound)
		return
	}

	metrics.ProvisionPasses.Inc()
	outcome := lc.Provision(r.Context())

	s.mu.Lock()
	if outcome.PairingCode != "" {
		s.pairingCode[p.TenantID] = outcome.PairingCode
	} else if outcome.Result == gateway.ResultConnected {
		delete(s.pairingCode, p.TenantID)
	}
	s.mu.Unlock()

	status := http.StatusOK
	if outcome.Result == gateway.ResultDegraded {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, outcome)
}

// handlePairingPNG serves the most recent pairing code as a PNG so an
// administrator can scan it straight from the browser.
func (s *Server) handlePairingPNG(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	s.mu.Lock()
	code := s.pairingCode[p.TenantID]
	s.mu.Unlock()

	if code == "" {
		http.Error(w, "no pairing code available, run provision first", http.StatusConflict)
		return
	}

	png, err := decodePairingPNG(code)
	if err != nil {
		http.Error(w, "pairing code is not an image", http.StatusConflict)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}

// decodePairingPNG strips the data-URL prefix the provider wraps around the
// base64 image.
func decodePairingPNG(code string) ([]byte, error) {
	if idx := strings.Index(code, "base64,"); idx >= 0 {
		code = code[idx+len("base64,"):]
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(code))
}

// WritePairingPNG decodes a pairing code and writes the image to a file.
// Used by the CLI provisioning command.
func WritePairingPNG(path, code string) error {
	png, err := decodePairingPNG(code)
	if err != nil {
		return fmt.Errorf("decode pairing code: %w", err)
	}
	return os.WriteFile(path, png, 0o600)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	convs, err := s.cfg.Store.ListConversations(r.Context(), p.TenantID, limit)
	if err != nil {
		s.logger.Error("list conversations failed", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	id := r.PathValue("id")

	conv, err := s.cfg.Store.GetConversation(r.Context(), id)
	if err != nil || conv.TenantID != p.TenantID {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	msgs, err := s.cfg.Store.RecentMessages(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("load messages failed", "conversation", id, "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": conv, "messages": msgs})
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	id := r.PathValue("id")

	var req struct {
		Status     string `json:"status"`
		OperatorID string `json:"operatorId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	status := domain.ConversationStatus(req.Status)
	if status != domain.StatusAutomated && status != domain.StatusHuman {
		http.Error(w, "status must be automated or human", http.StatusBadRequest)
		return
	}
	operatorID := req.OperatorID
	if operatorID == "" {
		operatorID = p.OperatorID
	}

	conv, err := s.cfg.Router.SetStatus(r.Context(), p.TenantID, id, status, operatorID)
	if err == domain.ErrNotFound {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("status update failed", "conversation", id, "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleOperatorMessage(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	id := r.PathValue("id")

	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	msg, err := s.cfg.Router.SendOperatorMessage(r.Context(), p.TenantID, id, p.OperatorID, req.Text)
	if err == domain.ErrNotFound {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("operator message failed", "conversation", id, "err", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// --- Status ---

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"uptime":  metrics.Collector.Uptime().String(),
		"tenants": len(s.cfg.Tenants),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
