package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/rlm/internal/storage"
)

var (
	stateFilter  string
	limitFlag    int
	exportFormat string
	exportOutput string
	forceFlag    bool
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session", "s"},
	Short:   "Inspect recorded session history",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded sessions",
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session and its executions",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a recorded session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

var sessionsExportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Export a session as markdown or JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsExport,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsDeleteCmd, sessionsExportCmd)

	sessionsListCmd.Flags().StringVar(&stateFilter, "state", "", "Filter by state (created, active, reset, closed)")
	sessionsListCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max sessions to show")

	sessionsExportCmd.Flags().StringVar(&exportFormat, "format", "md", "Export format: md or json")
	sessionsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")

	sessionsDeleteCmd.Flags().BoolVar(&forceFlag, "force", false, "Skip confirmation")
}

func loadStore(ctx context.Context) (storage.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openStore(ctx, cfg)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, err := loadStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.ListSessions(ctx, storage.SessionListOptions{
		State: stateFilter,
		Limit: limitFlag,
	})
	if err != nil {
		return err
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	fmt.Printf("%-10s %-8s %-12s %-10s %-6s %-18s %s\n", "ID", "STATE", "CONTEXT", "SIZE", "RUNS", "SUB MODEL", "UPDATED")
	fmt.Println(strings.Repeat("─", 85))

	for _, s := range sessions {
		subModel := s.SubModel
		if subModel == "" {
			subModel = "-"
		}
		if len(subModel) > 16 {
			subModel = subModel[:16] + ".."
		}
		fmt.Printf("%-10s %-8s %-12s %-10s %-6d %-18s %s\n",
			shortID(s.ID), s.State, s.ContextKind, humanize.Comma(int64(s.ContextSize)),
			s.Executions, subModel, humanize.Time(s.UpdatedAt))
	}

	return nil
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, err := loadStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	sess, err := store.GetSession(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Session:   %s\n", sess.ID)
	fmt.Printf("State:     %s\n", sess.State)
	fmt.Printf("Context:   %s, %s\n", sess.ContextKind, humanize.Comma(int64(sess.ContextSize)))
	if sess.SubModel != "" {
		fmt.Printf("Sub model: %s\n", sess.SubModel)
	}
	fmt.Printf("Created:   %s (%s)\n", sess.CreatedAt.Format(time.RFC3339), humanize.Time(sess.CreatedAt))
	fmt.Printf("Updated:   %s (%s)\n", sess.UpdatedAt.Format(time.RFC3339), humanize.Time(sess.UpdatedAt))

	execs, err := store.ListExecutions(ctx, sess.ID)
	if err != nil {
		return err
	}

	fmt.Printf("\nExecutions: %d\n", len(execs))
	fmt.Println(strings.Repeat("─", 60))

	for _, e := range execs {
		status := "\033[32m" + e.Status + "\033[0m"
		if e.Status != "success" {
			status = "\033[31m" + e.Status + "\033[0m"
		}
		fmt.Printf("\n[%d] %s %dms\n", e.Seq, status, e.ElapsedMs)
		fmt.Printf("\033[36m%s\033[0m\n", truncate(e.Code, 300))
		if e.Stdout != "" {
			fmt.Printf("  \033[90m│ %s\033[0m\n", truncate(e.Stdout, 200))
		}
		if e.ErrorKind != "" {
			fmt.Printf("  \033[31m%s: %s\033[0m\n", e.ErrorKind, truncate(e.ErrorMessage, 200))
		}
		if e.Truncated {
			fmt.Printf("  \033[90m(output truncated)\033[0m\n")
		}
	}

	return nil
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, err := loadStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	sess, err := store.GetSession(ctx, args[0])
	if err != nil {
		return err
	}

	if !forceFlag {
		fmt.Printf("Delete session %s (%s, %d executions)? [y/N] ", shortID(sess.ID), sess.ContextKind, sess.Executions)
		var confirm string
		fmt.Scanln(&confirm)
		if strings.ToLower(confirm) != "y" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	if err := store.DeleteSession(ctx, sess.ID); err != nil {
		return err
	}
	fmt.Printf("Deleted session %s\n", shortID(sess.ID))
	return nil
}

func runSessionsExport(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, err := loadStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	sess, err := store.GetSession(ctx, args[0])
	if err != nil {
		return err
	}

	execs, err := store.ListExecutions(ctx, sess.ID)
	if err != nil {
		return err
	}

	var output string
	switch exportFormat {
	case "json":
		data, err := storage.ExportJSON(sess, execs)
		if err != nil {
			return err
		}
		output = string(data)
	default:
		output = storage.ExportMarkdown(sess, execs)
	}

	if exportOutput != "" {
		return os.WriteFile(exportOutput, []byte(output), 0o644)
	}

	fmt.Print(output)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}
