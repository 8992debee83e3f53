package main

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"runtime"
	"slices"
	"time"

	"waagent/internal/agent"
	"waagent/internal/config"
	"waagent/internal/store"

	"github.com/spf13/cobra"
)

// Set by the build: -ldflags "-X main.version=... -X main.commit=... -X main.date=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = newLogger("info", false)
	agent.SetVersion(version)

	root := &cobra.Command{
		Use:   "waagent",
		Short: "waagent: chat with a coding agent from WhatsApp or Telegram",
		Long: `waagent bridges a chat transport (a WhatsApp Web bridge, a Telegram bot or
the local console) to Claude working in a directory on this machine. Tool
calls that change anything are confirmed from the chat.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ~/.waagent/config.json)")

	run := runCmd()
	root.RunE = run.RunE
	root.Flags().AddFlagSet(run.Flags())

	root.AddCommand(run)
	root.AddCommand(chatCmd())
	root.AddCommand(initCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(configCmd())
	root.AddCommand(auditCmd())
	root.AddCommand(serviceCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger builds the process logger. verbose wins over level.
func newLogger(level string, verbose bool) *slog.Logger {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	if verbose {
		lvl = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the file named by --config, or the default one.
func loadConfig() (*config.Config, string, error) {
	path := resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, path, nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			cfg := config.Defaults()
			if wd, err := os.Getwd(); err == nil {
				cfg.Directory = wd
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "directory", cfg.Directory)
			fmt.Println("Add your phone number to \"whitelist\" and set ANTHROPIC_API_KEY, then run 'waagent'.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and recent audit activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := loadConfig()
			if err != nil {
				return err
			}
			_, statErr := os.Stat(cfgPath)

			fmt.Printf("waagent %s\n\n", version)
			fmt.Printf("Config:     %s (exists: %v)\n", cfgPath, statErr == nil)
			fmt.Printf("Transport:  %s\n", cfg.Transport)
			fmt.Printf("Directory:  %s\n", cfg.Directory)
			fmt.Printf("Mode:       %s\n", cfg.Mode)
			fmt.Printf("Model:      %s\n", cfg.Model)
			fmt.Printf("Whitelist:  %d entries\n", len(cfg.Whitelist))
			if err := config.Validate(cfg); err != nil {
				fmt.Printf("\n%v\n", err)
			}

			if !cfg.Security.AuditLog {
				return nil
			}
			if _, err := os.Stat(cfg.Security.AuditPath); err != nil {
				fmt.Printf("\nAudit log:  none yet (%s)\n", cfg.Security.AuditPath)
				return nil
			}
			st, err := store.NewSQLiteStore(cfg.Security.AuditPath, logger)
			if err != nil {
				return fmt.Errorf("open audit log: %w", err)
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			counts, err := st.AuditSummary(ctx, time.Now().Add(-24*time.Hour))
			if err != nil {
				return fmt.Errorf("audit summary: %w", err)
			}
			fmt.Printf("\nAudit log (last 24h): %s\n", cfg.Security.AuditPath)
			for _, r := range slices.Sorted(maps.Keys(counts)) {
				fmt.Printf("  %-12s %d\n", r, counts[r])
			}
			recent, err := st.RecentAudit(ctx, 5)
			if err == nil && len(recent) > 0 {
				fmt.Println("\nRecent:")
				for _, e := range recent {
					fmt.Printf("  %s %-8s %-6s %s %s\n", e.CreatedAt.Format(time.DateTime), e.Action, e.ToolName, e.Result, e.Command)
				}
			}
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("waagent %s (commit %s, built %s, %s %s/%s)\n", version, commit, date, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
