package main

import (
	"fmt"
	"time"

	"waagent/internal/store"

	"github.com/spf13/cobra"
)

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect and prune the tool audit log",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "Show the most recent audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openAudit()
			if err != nil {
				return err
			}
			defer st.Close()

			entries, err := st.RecentAudit(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%s  %-17s %-6s %-9s %s\n", e.CreatedAt.Format(time.DateTime), e.Action, e.ToolName, e.Result, e.Command)
			}
			return nil
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries")

	var olderThan time.Duration
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete audit entries older than --older-than",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openAudit()
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := st.PruneAudit(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			logger.Info("audit log pruned", "deleted", n, "older_than", olderThan)
			return nil
		},
	}
	prune.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age of the entries to delete")

	cmd.AddCommand(list, prune)
	return cmd
}

func openAudit() (*store.SQLiteStore, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.Security.AuditLog {
		return nil, fmt.Errorf("the audit log is disabled (security.auditLog)")
	}
	return store.NewSQLiteStore(cfg.Security.AuditPath, logger)
}
