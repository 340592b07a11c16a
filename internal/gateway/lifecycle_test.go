package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeProvider scripts the channel provider and records which operations the
// lifecycle actually called.
type fakeProvider struct {
	mu    sync.Mutex
	calls []string

	stateStatus int
	stateBody   map[string]any

	createStatus int
	createBody   map[string]any

	connectStatus int
	connectBody   map[string]any
}

func (f *fakeProvider) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
}

func (f *fakeProvider) called(op string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == op {
			return true
		}
	}
	return false
}

func (f *fakeProvider) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/instance/connectionState/"):
			f.record("state")
			writeScripted(w, f.stateStatus, f.stateBody)
		case strings.HasPrefix(r.URL.Path, "/instance/logout/"):
			f.record("logout")
			w.WriteHeader(http.StatusOK)
		case strings.HasPrefix(r.URL.Path, "/instance/delete/"):
			f.record("delete")
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/instance/create":
			f.record("create")
			writeScripted(w, f.createStatus, f.createBody)
		case strings.HasPrefix(r.URL.Path, "/instance/connect/"):
			f.record("connect")
			writeScripted(w, f.connectStatus, f.connectBody)
		default:
			http.NotFound(w, r)
		}
	}
}

func writeScripted(w http.ResponseWriter, status int, body map[string]any) {
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

func newTestLifecycle(t *testing.T, f *fakeProvider) *Lifecycle {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	client := NewClient(ClientConfig{
		BaseURL:  srv.URL,
		Instance: "clinic-a",
		Logger:   testLogger(),
	})
	return NewLifecycle(LifecycleConfig{
		Client: client,
		Logger: testLogger(),
		Sleep:  func(ctx context.Context, d time.Duration) error { return nil },
	})
}

func TestProvision_AlreadyConnected(t *testing.T) {
	f := &fakeProvider{
		stateBody: map[string]any{"instance": map[string]any{"state": "open"}},
	}
	lc := newTestLifecycle(t, f)

	out := lc.Provision(context.Background())
	if out.Result != ResultConnected {
		t.Fatalf("expected connected, got %s (%s)", out.Result, out.Err)
	}
	for _, op := range []string{"logout", "delete", "create", "connect"} {
		if f.called(op) {
			t.Errorf("connected probe must end the pass, but %s was called", op)
		}
	}
}

func TestProvision_NotFoundSkipsReset(t *testing.T) {
	code := strings.Repeat("Q", 150)
	f := &fakeProvider{
		stateStatus: http.StatusNotFound,
		createBody:  map[string]any{"qrcode": map[string]any{"base64": code}},
	}
	lc := newTestLifecycle(t, f)

	out := lc.Provision(context.Background())
	if out.Result != ResultPairingRequired {
		t.Fatalf("expected pairing_required, got %s (%s)", out.Result, out.Err)
	}
	if out.PairingCode != code {
		t.Error("pairing code not propagated")
	}
	if f.called("logout") || f.called("delete") {
		t.Error("an absent instance must not be logged out or deleted")
	}
}

func TestProvision_ClosedForcesReset(t *testing.T) {
	code := strings.Repeat("Q", 150)
	f := &fakeProvider{
		stateBody:  map[string]any{"state": "close"},
		createBody: map[string]any{"qrcode": map[string]any{"base64": code}},
	}
	lc := newTestLifecycle(t, f)

	out := lc.Provision(context.Background())
	if out.Result != ResultPairingRequired {
		t.Fatalf("expected pairing_required, got %s (%s)", out.Result, out.Err)
	}
	if !f.called("logout") || !f.called("delete") {
		t.Error("a closed instance must be reset before create")
	}
}

func TestProvision_ShortCodeFallsThroughToConnect(t *testing.T) {
	code := strings.Repeat("Q", 150)
	f := &fakeProvider{
		stateBody:   map[string]any{"state": "close"},
		createBody:  map[string]any{"qrcode": map[string]any{"base64": "short"}},
		connectBody: map[string]any{"qrcode": map[string]any{"base64": code}},
	}
	lc := newTestLifecycle(t, f)

	out := lc.Provision(context.Background())
	if out.Result != ResultPairingRequired {
		t.Fatalf("expected pairing_required, got %s (%s)", out.Result, out.Err)
	}
	if !f.called("connect") {
		t.Error("a too-short create code must trigger an explicit connect")
	}
}

func TestProvision_AlreadyInUseFallsThroughToConnect(t *testing.T) {
	f := &fakeProvider{
		stateStatus:  http.StatusNotFound,
		createStatus: http.StatusForbidden,
		createBody:   map[string]any{"message": "instance already in use"},
		connectBody:  map[string]any{"instance": map[string]any{"state": "open", "connected": true}},
	}
	lc := newTestLifecycle(t, f)

	out := lc.Provision(context.Background())
	if out.Result != ResultConnected {
		t.Fatalf("expected connected after connect fallback, got %s (%s)", out.Result, out.Err)
	}
	if !f.called("connect") {
		t.Error("already-in-use create must fall through to connect")
	}
}

func TestProvision_CreateHardFailureIsDegraded(t *testing.T) {
	f := &fakeProvider{
		stateStatus:  http.StatusNotFound,
		createStatus: http.StatusInternalServerError,
	}
	lc := newTestLifecycle(t, f)

	out := lc.Provision(context.Background())
	if out.Result != ResultDegraded {
		t.Fatalf("expected degraded, got %s", out.Result)
	}
	if f.called("connect") {
		t.Error("a hard create failure must not reach connect")
	}
}

func TestProvision_NothingAfterFullPassIsDegraded(t *testing.T) {
	f := &fakeProvider{
		stateStatus: http.StatusNotFound,
		createBody:  map[string]any{"instance": map[string]any{"state": "connecting"}},
		connectBody: map[string]any{"instance": map[string]any{"state": "connecting"}},
	}
	lc := newTestLifecycle(t, f)

	out := lc.Provision(context.Background())
	if out.Result != ResultDegraded {
		t.Fatalf("expected degraded, got %s", out.Result)
	}
	if out.Err == "" {
		t.Error("degraded outcome should carry a reason")
	}
}
