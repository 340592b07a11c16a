package gateway

import (
	"context"
	"log/slog"
	"time"
)

// Result is the terminal outcome of one provisioning pass.
type Result string

const (
	// ResultConnected: the instance is paired and online.
	ResultConnected Result = "connected"
	// ResultPairingRequired: a scannable pairing code is available.
	ResultPairingRequired Result = "pairing_required"
	// ResultDegraded: the pass ended without connection or code. Retrying
	// is the caller's responsibility; the manager never loops.
	ResultDegraded Result = "degraded"
)

// Outcome reports how a provisioning pass ended, including the last known
// provider state so an administrator can decide whether to retry.
type Outcome struct {
	Result      Result `json:"result"`
	PairingCode string `json:"pairingCode,omitempty"`
	LastState   State  `json:"lastState"`
	Err         string `json:"error,omitempty"`
}

// LifecycleConfig configures a Lifecycle manager for one instance.
type LifecycleConfig struct {
	Client       *Client
	PairingToken string
	// SettleDelay is the pause after each destructive step, giving the
	// provider time to tear down session state before the next call.
	SettleDelay time.Duration
	Logger      *slog.Logger
	// Sleep overrides the delay primitive in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Lifecycle drives a channel instance to a usable condition in exactly one
// pass: Probe, then (unless the instance is absent) Reset, then Provision,
// then Reconnect. The provider's own state reporting is unreliable after
// crashes and redeploys: creating blindly fails with "already exists", and
// reconnecting without the Reset cleanup can return a stale pairing code
// bound to a half-torn-down session.
type Lifecycle struct {
	client       *Client
	pairingToken string
	settle       time.Duration
	sleep        func(ctx context.Context, d time.Duration) error
	logger       *slog.Logger
}

func NewLifecycle(cfg LifecycleConfig) *Lifecycle {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 1500 * time.Millisecond
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Lifecycle{
		client:       cfg.Client,
		pairingToken: cfg.PairingToken,
		settle:       cfg.SettleDelay,
		sleep:        cfg.Sleep,
		logger:       cfg.Logger.With("component", "lifecycle", "instance", cfg.Client.Instance()),
	}
}

// Provision runs the full pass. It always terminates with one of the three
// results and never retries beyond the single Reset/Reconnect sequence.
func (l *Lifecycle) Provision(ctx context.Context) Outcome {
	// Probe. A connected instance ends the pass without further calls.
	probe := l.client.QueryState(ctx)
	l.logger.Info("probe", "state", probe.State, "connected", probe.Connected)
	if probe.Connected {
		return Outcome{Result: ResultConnected, LastState: probe.State}
	}

	// Reset. Skipped entirely when the provider has never heard of the
	// instance; forced for every other state, because anything short of
	// not_found may be a half-torn-down session.
	if probe.State != StateNotFound {
		if err := l.reset(ctx); err != nil {
			l.logger.Error("reset failed", "err", err)
			return Outcome{Result: ResultDegraded, LastState: probe.State, Err: err.Error()}
		}
	}

	// Provision.
	created, err := l.client.Create(ctx, l.pairingToken)
	if err != nil && !IsAlreadyInUse(err) {
		l.logger.Error("create failed", "err", err)
		return Outcome{Result: ResultDegraded, LastState: created.State, Err: err.Error()}
	}
	if err == nil {
		l.logger.Info("create", "state", created.State, "code", created.PairingCode != "")
		if created.Connected {
			return Outcome{Result: ResultConnected, LastState: created.State}
		}
		if created.PairingCode != "" {
			return Outcome{Result: ResultPairingRequired, PairingCode: created.PairingCode, LastState: created.State}
		}
	} else {
		l.logger.Warn("instance already in use, falling through to connect", "err", err)
	}

	// Reconnect. The code did not arrive synchronously (or create hit an
	// existing instance); ask for it explicitly after a settle pause.
	if err := l.sleep(ctx, l.settle); err != nil {
		return Outcome{Result: ResultDegraded, LastState: created.State, Err: err.Error()}
	}
	connected, err := l.client.Connect(ctx)
	if err != nil {
		l.logger.Error("connect failed", "err", err)
		return Outcome{Result: ResultDegraded, LastState: connected.State, Err: err.Error()}
	}
	l.logger.Info("connect", "state", connected.State, "code", connected.PairingCode != "")
	if connected.PairingCode != "" {
		return Outcome{Result: ResultPairingRequired, PairingCode: connected.PairingCode, LastState: connected.State}
	}
	if connected.Connected {
		return Outcome{Result: ResultConnected, LastState: connected.State}
	}
	return Outcome{Result: ResultDegraded, LastState: connected.State, Err: "no pairing code and not connected after full pass"}
}

// reset is the idempotent cleanup that makes the whole pass safe from a
// cold start: logout (result ignored), settle, delete, settle.
func (l *Lifecycle) reset(ctx context.Context) error {
	if err := l.client.Logout(ctx); err != nil {
		l.logger.Warn("logout failed, continuing", "err", err)
	}
	if err := l.sleep(ctx, l.settle); err != nil {
		return err
	}
	if _, err := l.client.Delete(ctx); err != nil {
		return err
	}
	return l.sleep(ctx, l.settle)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
