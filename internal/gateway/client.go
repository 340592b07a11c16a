package gateway

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

// State is the provider-side condition of a channel instance.
type State string

const (
	StateNotFound   State = "not_found"
	StateClosed     State = "closed"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	// StateError means the provider's answer was inconclusive (network
	// failure or unexpected response), NOT that the instance is absent.
	StateError State = "error"
)

// minPairingCodeLen filters out truncated pairing payloads: a real scannable
// code is an image of at least this many base64 bytes. Shorter values mean
// "not yet available", not failure.
const minPairingCodeLen = 100

// StateResult is the answer to a state query.
type StateResult struct {
	State     State
	Connected bool
}

// ProvisionResult is the answer to a create or connect call.
type ProvisionResult struct {
	State       State
	Connected   bool
	PairingCode string // opaque base64 image payload, empty when not yet available
}

// ClientConfig configures a Client for one tenant's instance.
type ClientConfig struct {
	BaseURL  string
	APIKey   string
	Instance string
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Client is a stateless wrapper around the channel provider's HTTP API.
// It holds no local state beyond configuration and never panics; every
// failure surfaces as a *GatewayError.
type Client struct {
	baseURL  string
	apiKey   string
	instance string
	client   *http.Client
	logger   *slog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL:  cfg.BaseURL,
		apiKey:   cfg.APIKey,
		instance: cfg.Instance,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   cfg.Logger.With("instance", cfg.Instance),
	}
}

// Instance returns the provider-side instance name this client talks to.
func (c *Client) Instance() string { return c.instance }

// QueryState asks the provider for the instance's connection state.
// A 404 means the instance does not exist (state not_found). Transport
// failures and unexpected statuses are absorbed into StateError because
// they are inconclusive; the caller must not treat them as absence.
func (c *Client) QueryState(ctx context.Context) StateResult {
	status, body, err := c.do(ctx, http.MethodGet, "/instance/connectionState/"+c.instance, nil)
	if err != nil {
		c.logger.Warn("state query failed", "err", err)
		return StateResult{State: StateError}
	}
	if status == http.StatusNotFound {
		return StateResult{State: StateNotFound}
	}
	if status < 200 || status > 299 {
		c.logger.Warn("state query returned unexpected status", "status", status)
		return StateResult{State: StateError}
	}

	raw, _ := lookupString(body, statePaths...)
	state := normalizeState(raw)
	connected := state == StateOpen
	if b, ok := lookupBool(body, connectedPaths...); ok && b {
		connected = true
		state = StateOpen
	}
	return StateResult{State: state, Connected: connected}
}

// Logout disconnects the instance's session. Best-effort: 400 and 404 mean
// the session is already gone and count as success.
func (c *Client) Logout(ctx context.Context) error {
	status, _, err := c.do(ctx, http.MethodDelete, "/instance/logout/"+c.instance, nil)
	if err != nil {
		return err
	}
	if status >= 200 && status <= 299 || status == http.StatusNotFound || status == http.StatusBadRequest {
		return nil
	}
	return &GatewayError{Op: "logout", Status: status, Message: "logout rejected"}
}

// Delete removes the instance from the provider. Returns true on success,
// including 404 (idempotent delete).
func (c *Client) Delete(ctx context.Context) (bool, error) {
	status, _, err := c.do(ctx, http.MethodDelete, "/instance/delete/"+c.instance, nil)
	if err != nil {
		return false, err
	}
	if status >= 200 && status <= 299 || status == http.StatusNotFound {
		return true, nil
	}
	return false, &GatewayError{Op: "delete", Status: status, Message: "delete rejected"}
}

// Create registers a fresh instance and asks for a pairing code. The code
// may not arrive synchronously; a short or absent payload is reported as
// "not yet available" via an empty PairingCode, not as an error.
func (c *Client) Create(ctx context.Context, pairingToken string) (ProvisionResult, error) {
	payload := map[string]any{
		"instanceName": c.instance,
		"qrcode":       true,
	}
	if pairingToken != "" {
		payload["token"] = pairingToken
	}
	status, body, err := c.do(ctx, http.MethodPost, "/instance/create", payload)
	if err != nil {
		return ProvisionResult{State: StateError}, err
	}
	if status < 200 || status > 299 {
		msg, _ := lookupString(body, "message", "error", "response.message")
		return ProvisionResult{State: StateError}, &GatewayError{Op: "create", Status: status, Message: msg}
	}
	return provisionFromBody(body), nil
}

// Connect requests a (new) pairing code for an existing instance. Same
// response shape as Create.
func (c *Client) Connect(ctx context.Context) (ProvisionResult, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/instance/connect/"+c.instance, nil)
	if err != nil {
		return ProvisionResult{State: StateError}, err
	}
	if status < 200 || status > 299 {
		msg, _ := lookupString(body, "message", "error", "response.message")
		return ProvisionResult{State: StateError}, &GatewayError{Op: "connect", Status: status, Message: msg}
	}
	return provisionFromBody(body), nil
}

// SendText delivers a text message to a contact address. The address is
// normalized to digits before transmission. Returns the provider's own
// message id when it reports one.
func (c *Client) SendText(ctx context.Context, address, text string) (string, error) {
	payload := map[string]any{
		"number": domain.NormalizeAddress(address),
		"text":   text,
	}
	status, body, err := c.do(ctx, http.MethodPost, "/message/sendText/"+c.instance, payload)
	if err != nil {
		return "", err
	}
	if status < 200 || status > 299 {
		msg, _ := lookupString(body, "message", "error", "response.message")
		return "", &GatewayError{Op: "send", Status: status, Message: msg}
	}
	externalID, _ := lookupString(body, externalIDPaths...)
	return externalID, nil
}

func provisionFromBody(body map[string]any) ProvisionResult {
	raw, _ := lookupString(body, statePaths...)
	state := normalizeState(raw)
	connected := state == StateOpen
	if b, ok := lookupBool(body, connectedPaths...); ok && b {
		connected = true
		state = StateOpen
	}

	code, _ := lookupString(body, pairingCodePaths...)
	if len(code) < minPairingCodeLen {
		code = ""
	}
	return ProvisionResult{State: state, Connected: connected, PairingCode: code}
}

// do performs one bounded HTTP call with the provider API key. The response
// body is decoded tolerantly; a body that is not a JSON object yields a nil
// map rather than an error.
func (c *Client) do(ctx context.Context, method, path string, payload any) (int, map[string]any, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, &GatewayError{Op: opFromPath(path), Message: fmt.Sprintf("marshal: %v", err)}
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, nil, &GatewayError{Op: opFromPath(path), Message: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("apikey", c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, &GatewayError{Op: opFromPath(path), Message: err.Error()}
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	return resp.StatusCode, decodeBody(data), nil
}

func opFromPath(path string) string {
	switch {
	case strings.HasPrefix(path, "/instance/connectionState"):
		return "queryState"
	case strings.HasPrefix(path, "/instance/logout"):
		return "logout"
	case strings.HasPrefix(path, "/instance/delete"):
		return "delete"
	case path == "/instance/create":
		return "create"
	case strings.HasPrefix(path, "/instance/connect"):
		return "connect"
	default:
		return "send"
	}
}
