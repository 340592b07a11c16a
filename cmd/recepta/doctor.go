package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"recepta/internal/config"
	"recepta/internal/gateway"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your Recepta installation",
		Long: `Verifies that Recepta's configuration, database, channel provider, and
AI endpoint are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("Recepta Doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				failed++
				fmt.Printf("\nRun 'recepta init' to create a default configuration.\n")
				return nil
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				failed++
			} else {
				printPass("Config validation", "valid")
				passed++
			}

			if cfg == nil {
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return nil
			}

			// 3. Database writable
			dbPath := cfg.Store.DBPath
			if dbPath == "" {
				home, _ := os.UserHomeDir()
				dbPath = home + "/.recepta/recepta.db"
			}
			if err := checkDatabase(dbPath); err != nil {
				printFail("Database", err.Error())
				failed++
			} else {
				printPass("Database", dbPath)
				passed++
			}

			// 4. Channel provider reachable, per-tenant instance state
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			for _, t := range cfg.Tenants {
				client := gateway.NewClient(gateway.ClientConfig{
					BaseURL:  cfg.Gateway.BaseURL,
					APIKey:   cfg.Gateway.APIKey,
					Instance: t.Instance,
					Timeout:  10 * time.Second,
					Logger:   logger,
				})
				res := client.QueryState(ctx)
				switch {
				case res.Connected:
					printPass("Channel: "+t.ID, "connected")
					passed++
				case res.State == gateway.StateError:
					printFail("Channel: "+t.ID, "provider unreachable or rejecting requests")
					failed++
				default:
					printWarn("Channel: "+t.ID, fmt.Sprintf("state %s, run 'recepta provision %s'", res.State, t.ID))
					warned++
				}
			}

			// 5. AI endpoint configured and reachable
			if cfg.AI.APIKey == "" {
				printWarn("AI endpoint", "no API key configured, every reply will be the handoff fallback")
				warned++
			} else if err := checkEndpoint(cfg.AI.APIBase); err != nil {
				printWarn("AI endpoint", fmt.Sprintf("%s unreachable: %v", cfg.AI.APIBase, err))
				warned++
			} else {
				printPass("AI endpoint", cfg.AI.APIBase)
				passed++
			}

			// 6. Auth secret present
			if cfg.Auth.JWTSecret == "" {
				printFail("Admin auth", "auth.jwtSecret is empty")
				failed++
			} else {
				printPass("Admin auth", "jwtSecret configured")
				passed++
			}

			// 7. Server port
			if err := checkPort(cfg.Server.Port); err != nil {
				printWarn("Server port", fmt.Sprintf("port %d may be in use: %v", cfg.Server.Port, err))
				warned++
			} else {
				printPass("Server port", fmt.Sprintf(":%d available", cfg.Server.Port))
				passed++
			}

			// 8. Log file writable
			if cfg.General.LogFile != "" {
				dir := filepath.Dir(config.ExpandPath(cfg.General.LogFile))
				if err := os.MkdirAll(dir, 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running Recepta.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nRecepta should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! Recepta is ready to run.\n")
			}
			return nil
		},
	}
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}

	// Try a write.
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")

	return nil
}

func checkEndpoint(base string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(base + "/models")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func checkPort(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
