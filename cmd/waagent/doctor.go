package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"waagent/internal/config"
	"waagent/internal/eventsink"
	"waagent/internal/provider"
	"waagent/internal/store"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your waagent setup",
		Long: `Verifies that the configuration, working directory, audit database,
API credentials and transport endpoints are usable. Reports pass/fail for
each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("waagent doctor %s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var passed, failed, warned int
			pass := func(check, detail string) { printPass(check, detail); passed++ }
			fail := func(check, detail string) { printFail(check, detail); failed++ }
			warn := func(check, detail string) { printWarn(check, detail); warned++ }

			if _, err := os.Stat(cfgPath); err != nil {
				warn("Config file", fmt.Sprintf("not found at %s (defaults in use; run 'waagent init')", cfgPath))
			} else {
				pass("Config file", cfgPath)
			}

			cfg, err := config.Load(cfgPath)
			if err != nil {
				fail("Config load", err.Error())
				return summarize(passed, warned, failed)
			}
			if err := config.Validate(cfg); err != nil {
				fail("Config validation", err.Error())
			} else {
				pass("Config validation", "valid")
			}

			dir := cfg.Directory
			if dir == "" {
				dir, _ = os.Getwd()
			}
			if info, err := os.Stat(dir); err != nil || !info.IsDir() {
				fail("Directory", fmt.Sprintf("not a directory: %s", dir))
			} else {
				pass("Directory", dir)
			}

			if model, err := provider.ResolveModel(cfg.Model); err != nil {
				fail("Model", err.Error())
			} else {
				pass("Model", model)
			}
			if cfg.Anthropic.APIKey == "" {
				fail("Anthropic API key", "not set (config anthropic.apiKey or ANTHROPIC_API_KEY)")
			} else {
				pass("Anthropic API key", "configured")
			}

			if cfg.Security.AuditLog {
				if version, err := checkDatabase(cfg.Security.AuditPath); err != nil {
					fail("Audit database", err.Error())
				} else {
					pass("Audit database", fmt.Sprintf("%s (schema v%d)", cfg.Security.AuditPath, version))
				}
			} else {
				warn("Audit database", "audit log disabled")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			switch cfg.Transport {
			case "whatsapp":
				if err := checkBridge(ctx, cfg.WhatsApp.BridgeURL); err != nil {
					fail("WhatsApp bridge", err.Error())
				} else {
					pass("WhatsApp bridge", cfg.WhatsApp.BridgeURL)
				}
				if cfg.WhatsApp.JoinGroup != "" {
					pass("Group mode", "invite "+cfg.WhatsApp.JoinGroup)
				}
			case "telegram":
				if cfg.Telegram.Token == "" {
					fail("Telegram", "telegram.token is not set")
				} else if bot, err := tgbotapi.NewBotAPI(cfg.Telegram.Token); err != nil {
					fail("Telegram", err.Error())
				} else {
					pass("Telegram", "@"+bot.Self.UserName)
				}
			case "console":
				pass("Transport", "console")
			}

			if cfg.Events.AMQPURL != "" {
				if rmq, err := eventsink.DialRabbitMQ(cfg.Events.AMQPURL, cfg.Events.Exchange, logger); err != nil {
					fail("Event sink", err.Error())
				} else {
					_ = rmq.Close()
					pass("Event sink", "exchange "+cfg.Events.Exchange)
				}
			}

			if cfg.Metrics.Enabled {
				if err := checkListen(cfg.Metrics.Listen); err != nil {
					warn("Metrics listen", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Listen, err))
				} else {
					pass("Metrics listen", cfg.Metrics.Listen+" available")
				}
			}

			return summarize(passed, warned, failed)
		},
	}
}

func summarize(passed, warned, failed int) error {
	fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
	if failed > 0 {
		fmt.Printf("\nPlease fix the failed checks before running waagent.\n")
		return fmt.Errorf("%d check(s) failed", failed)
	}
	if warned > 0 {
		fmt.Printf("\nwaagent should work but consider fixing the warnings.\n")
	} else {
		fmt.Printf("\nAll checks passed! waagent is ready to run.\n")
	}
	return nil
}

// checkDatabase opens the audit database, confirms it is writable and
// returns its schema version.
func checkDatabase(dbPath string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return 0, fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return 0, fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return 0, fmt.Errorf("not writable: %w", err)
	}
	_, _ = db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")
	return store.SchemaVersion(ctx, db)
}

func checkBridge(ctx context.Context, url string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("cannot connect to %s: %w", url, err)
	}
	return conn.Close()
}

func checkListen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
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
