package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"recepta/internal/config"
	"recepta/internal/domain"
	"recepta/internal/gateway"
	"recepta/internal/intent"
	"recepta/internal/metrics"
	"recepta/internal/router"
	"recepta/internal/server"
	"recepta/internal/store"

	"github.com/spf13/cobra"
)

var (
	version    = "0.3.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "recepta",
		Short: "Recepta: AI receptionist gateway for clinics",
		Long:  "Recepta connects clinic messaging channels to an AI receptionist with human handoff.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.recepta/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(provisionCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(daemonCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config directory with defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			logger.Info("next: add a tenant, the gateway apiKey, and auth.jwtSecret, then run 'recepta serve'")
			return nil
		},
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway (webhook + admin API)",
		Long:  "Starts the webhook listener, the back-office API, and the message pipeline. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyLogConfig(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	convStore, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
	if err != nil {
		return fmt.Errorf("conversation store: %w", err)
	}
	defer convStore.Close()

	catalog, err := intent.LoadCatalog(cfg.AI.CatalogPath)
	if err != nil {
		return err
	}
	extractor := intent.NewExtractor(intent.ExtractorConfig{
		APIBase: cfg.AI.APIBase,
		APIKey:  cfg.AI.APIKey,
		Model:   cfg.AI.Model,
		Catalog: catalog,
		Timeout: time.Duration(cfg.AI.TimeoutSeconds) * time.Second,
		Logger:  logger,
	})

	senders := make(map[string]domain.MessageSender, len(cfg.Tenants))
	lifecycles := make(map[string]*gateway.Lifecycle, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		client := gateway.NewClient(gateway.ClientConfig{
			BaseURL:  cfg.Gateway.BaseURL,
			APIKey:   cfg.Gateway.APIKey,
			Instance: t.Instance,
			Timeout:  time.Duration(cfg.Gateway.TimeoutSeconds) * time.Second,
			Logger:   logger,
		})
		senders[t.ID] = client
		lifecycles[t.ID] = gateway.NewLifecycle(gateway.LifecycleConfig{
			Client:       client,
			PairingToken: t.PairingToken,
			SettleDelay:  time.Duration(cfg.Gateway.SettleDelayMs) * time.Millisecond,
			Logger:       logger,
		})
	}
	metrics.ActiveTenants.Set(int64(len(cfg.Tenants)))

	msgRouter := router.New(router.Config{
		Store:         convStore,
		Extractor:     extractor,
		Senders:       senders,
		HistoryWindow: cfg.AI.HistoryWindow,
		GroupSuffix:   cfg.Gateway.GroupSuffix,
		Logger:        logger,
	})

	srv := server.New(server.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		WebhookPath:    cfg.Server.WebhookPath,
		WebhookSecret:  cfg.Server.WebhookSecret,
		IngestOnly:     cfg.Server.IngestOnly,
		MetricsEnabled: cfg.Server.MetricsEnabled,
		JWTSecret:      cfg.Auth.JWTSecret,
		Tenants:        cfg.Tenants,
		Store:          convStore,
		Router:         msgRouter,
		Lifecycles:     lifecycles,
		Logger:         logger,
	})

	logger.Info("recepta starting", "version", version, "tenants", len(cfg.Tenants),
		"ingest_only", cfg.Server.IngestOnly)
	return srv.Start(ctx)
}

func provisionCmd() *cobra.Command {
	var pngPath string
	cmd := &cobra.Command{
		Use:   "provision [tenant]",
		Short: "Run one channel provisioning pass for a tenant",
		Long:  "Probes, resets, and reconnects the tenant's channel instance in a single pass. Prints the outcome; with --png, writes the pairing code image to a file.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			applyLogConfig(cfg)

			tenant, err := pickTenant(cfg, args)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client := gateway.NewClient(gateway.ClientConfig{
				BaseURL:  cfg.Gateway.BaseURL,
				APIKey:   cfg.Gateway.APIKey,
				Instance: tenant.Instance,
				Timeout:  time.Duration(cfg.Gateway.TimeoutSeconds) * time.Second,
				Logger:   logger,
			})
			lc := gateway.NewLifecycle(gateway.LifecycleConfig{
				Client:       client,
				PairingToken: tenant.PairingToken,
				SettleDelay:  time.Duration(cfg.Gateway.SettleDelayMs) * time.Millisecond,
				Logger:       logger,
			})

			outcome := lc.Provision(ctx)

			if pngPath != "" && outcome.PairingCode != "" {
				if err := server.WritePairingPNG(pngPath, outcome.PairingCode); err != nil {
					logger.Warn("could not write pairing image", "path", pngPath, "err", err)
				} else {
					logger.Info("pairing image written", "path", pngPath)
					outcome.PairingCode = "" // keep the JSON below readable
				}
			}

			data, _ := json.MarshalIndent(outcome, "", "  ")
			fmt.Println(string(data))
			if outcome.Result == gateway.ResultDegraded {
				return fmt.Errorf("provisioning pass ended degraded")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&pngPath, "png", "", "write the pairing code image to this file")
	return cmd
}

// pickTenant resolves the tenant from the argument, defaulting to the only
// configured tenant when there is exactly one.
func pickTenant(cfg *config.Config, args []string) (config.TenantConfig, error) {
	if len(args) == 1 {
		t, ok := cfg.TenantByID(args[0])
		if !ok {
			return config.TenantConfig{}, fmt.Errorf("unknown tenant: %s", args[0])
		}
		return t, nil
	}
	if len(cfg.Tenants) == 1 {
		return cfg.Tenants[0], nil
	}
	return config.TenantConfig{}, fmt.Errorf("multiple tenants configured, name one")
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show channel state for every tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false)
				return err
			}
			logger.Info("config", "path", cfgPath, "loaded", true)

			ctx := context.Background()
			for _, t := range cfg.Tenants {
				client := gateway.NewClient(gateway.ClientConfig{
					BaseURL:  cfg.Gateway.BaseURL,
					APIKey:   cfg.Gateway.APIKey,
					Instance: t.Instance,
					Timeout:  time.Duration(cfg.Gateway.TimeoutSeconds) * time.Second,
					Logger:   logger,
				})
				res := client.QueryState(ctx)
				logger.Info("tenant", "id", t.ID, "instance", t.Instance,
					"state", res.State, "connected", res.Connected)
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. gateway.baseUrl)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. server.port 8640)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sanitized := config.Sanitize(cfg)
			data, _ := json.MarshalIndent(sanitized, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

// applyLogConfig re-levels the global logger from the loaded config.
func applyLogConfig(cfg *config.Config) {
	level := slog.LevelInfo
	switch cfg.General.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	out := os.Stderr
	if cfg.General.LogFile != "" {
		f, err := os.OpenFile(config.ExpandPath(cfg.General.LogFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			logger.Warn("cannot open log file, staying on stderr", "path", cfg.General.LogFile, "err", err)
		} else {
			out = f
		}
	}

	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}
