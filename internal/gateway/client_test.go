package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{
		BaseURL:  srv.URL,
		APIKey:   "test-key",
		Instance: "clinic-a",
		Logger:   testLogger(),
	})
}

func TestQueryState_Open(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/instance/connectionState/clinic-a" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("apikey") != "test-key" {
			t.Error("apikey header missing")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"instance": map[string]any{"state": "open"},
		})
	})

	res := c.QueryState(context.Background())
	if res.State != StateOpen || !res.Connected {
		t.Errorf("expected open/connected, got %s/%v", res.State, res.Connected)
	}
}

func TestQueryState_NotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"instance not found"}`, http.StatusNotFound)
	})

	res := c.QueryState(context.Background())
	if res.State != StateNotFound {
		t.Errorf("404 must map to not_found, got %s", res.State)
	}
	if res.Connected {
		t.Error("not_found cannot be connected")
	}
}

func TestQueryState_ServerErrorIsInconclusive(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	res := c.QueryState(context.Background())
	if res.State != StateError {
		t.Errorf("5xx must map to error, not %s", res.State)
	}
}

func TestQueryState_TransportFailure(t *testing.T) {
	c := NewClient(ClientConfig{
		BaseURL:  "http://127.0.0.1:1",
		Instance: "clinic-a",
		Logger:   testLogger(),
	})
	res := c.QueryState(context.Background())
	if res.State != StateError {
		t.Errorf("transport failure must map to error, not %s", res.State)
	}
}

func TestLogout_GoneCountsAsSuccess(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusBadRequest, http.StatusNotFound} {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})
		if err := c.Logout(context.Background()); err != nil {
			t.Errorf("status %d should be success, got %v", status, err)
		}
	}
}

func TestDelete_Idempotent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("expected DELETE, got %s", r.Method)
		}
		w.WriteHeader(http.StatusNotFound)
	})
	ok, err := c.Delete(context.Background())
	if err != nil || !ok {
		t.Errorf("deleting an absent instance should succeed, got ok=%v err=%v", ok, err)
	}
}

func TestCreate_AlreadyInUse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]any{"message": "instance already in use"})
	})

	_, err := c.Create(context.Background(), "")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsAlreadyInUse(err) {
		t.Errorf("403 should classify as already-in-use: %v", err)
	}
}

func TestCreate_ShortCodeIsNotYetAvailable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"instance": map[string]any{"state": "connecting"},
			"qrcode":   map[string]any{"base64": "too-short"},
		})
	})

	res, err := c.Create(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if res.PairingCode != "" {
		t.Error("a truncated code must be reported as not yet available")
	}
	if res.State != StateConnecting {
		t.Errorf("expected connecting, got %s", res.State)
	}
}

func TestCreate_ValidCode(t *testing.T) {
	code := strings.Repeat("A", 200)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		if payload["instanceName"] != "clinic-a" {
			t.Errorf("expected instanceName clinic-a, got %v", payload["instanceName"])
		}
		if payload["token"] != "tok-123" {
			t.Errorf("expected pairing token, got %v", payload["token"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"qrcode": map[string]any{"base64": code},
		})
	})

	res, err := c.Create(context.Background(), "tok-123")
	if err != nil {
		t.Fatal(err)
	}
	if res.PairingCode != code {
		t.Error("expected the full pairing code back")
	}
}

func TestSendText_NormalizesAddress(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		if payload["number"] != "5511999990000" {
			t.Errorf("address not normalized: %v", payload["number"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"key": map[string]any{"id": "MSG-1"},
		})
	})

	id, err := c.SendText(context.Background(), "+55 11 99999-0000", "olá")
	if err != nil {
		t.Fatal(err)
	}
	if id != "MSG-1" {
		t.Errorf("expected MSG-1, got %s", id)
	}
}

func TestSendText_Rejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"number not on channel"}`, http.StatusBadRequest)
	})
	if _, err := c.SendText(context.Background(), "551100000000", "hi"); err == nil {
		t.Error("4xx should surface as error")
	}
}
