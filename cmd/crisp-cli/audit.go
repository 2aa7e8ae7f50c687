package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/witlox/crisp/pkg/client"
	"github.com/witlox/crisp/pkg/models"
)

// ============================================================================
// Trust log commands
// ============================================================================

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Trust log management",
		Long:  `Query, export and verify the hash-chained trust log.`,
	}

	query := &cobra.Command{
		Use:   "query",
		Short: "Query trust log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			params, err := auditParams(cmd)
			if err != nil {
				return err
			}
			entries, err := c.QueryAudit(cmd.Context(), params)
			if err != nil {
				return fmt.Errorf("query audit: %w", err)
			}
			return render(cmd, entries, func(w io.Writer) {
				for _, e := range entries {
					outcome := "ok"
					if !e.Success {
						outcome = "failed: " + e.FailureReason
					}
					fmt.Fprintf(w, "%s  %-24s  %s -> %s  %s  %s\n",
						e.Timestamp.Format(time.RFC3339), e.Action, e.SourceOrganization, e.TargetOrganization, e.User, outcome)
				}
			})
		},
	}
	addAuditFilterFlags(query)
	query.Flags().Int("limit", 100, "Maximum results")

	export := &cobra.Command{
		Use:   "export",
		Short: "Export trust log entries as JSON or CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			params, err := auditParams(cmd)
			if err != nil {
				return err
			}
			format, _ := cmd.Flags().GetString("format")
			output, _ := cmd.Flags().GetString("output")

			data, err := c.ExportAudit(cmd.Context(), params, format)
			if err != nil {
				return fmt.Errorf("export audit: %w", err)
			}
			if output == "" {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0o600); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported trust log to %s\n", output)
			return nil
		},
	}
	addAuditFilterFlags(export)
	export.Flags().String("format", "json", "Export format (json, csv)")
	export.Flags().String("output", "", "Output file (default: stdout)")

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Verify the trust log hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			since, err := parseTimeFlag(cmd, "since")
			if err != nil {
				return err
			}
			until, err := parseTimeFlag(cmd, "until")
			if err != nil {
				return err
			}
			valid, err := c.VerifyAudit(cmd.Context(), since, until)
			if err != nil {
				return fmt.Errorf("verify audit: %w", err)
			}
			if err := render(cmd, map[string]bool{"valid": valid}, func(w io.Writer) {
				if valid {
					fmt.Fprintln(w, "trust log integrity verified")
				}
			}); err != nil {
				return err
			}
			if !valid {
				return fmt.Errorf("trust log integrity check failed")
			}
			return nil
		},
	}
	verify.Flags().String("since", "", "Start time (RFC3339)")
	verify.Flags().String("until", "", "End time (RFC3339)")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Summarize recent trust log activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			window, _ := cmd.Flags().GetDuration("window")
			s, err := c.AuditStats(cmd.Context(), time.Now().Add(-window))
			if err != nil {
				return fmt.Errorf("audit stats: %w", err)
			}
			return render(cmd, s, func(w io.Writer) { printStats(w, s) })
		},
	}
	stats.Flags().Duration("window", 24*time.Hour, "How far back to summarize")

	cmd.AddCommand(query, export, verify, stats)
	return cmd
}

func addAuditFilterFlags(cmd *cobra.Command) {
	cmd.Flags().String("organization", "", "Organization (admins only; defaults to your own)")
	cmd.Flags().String("action", "", "Filter by action")
	cmd.Flags().String("since", "", "Start time (RFC3339)")
	cmd.Flags().String("until", "", "End time (RFC3339)")
}

func auditParams(cmd *cobra.Command) (client.AuditQueryParams, error) {
	var p client.AuditQueryParams
	p.Organization, _ = cmd.Flags().GetString("organization")
	action, _ := cmd.Flags().GetString("action")
	p.Action = models.TrustAction(action)
	if cmd.Flags().Lookup("limit") != nil {
		p.Limit, _ = cmd.Flags().GetInt("limit")
	}
	var err error
	if p.Since, err = parseTimeFlag(cmd, "since"); err != nil {
		return p, err
	}
	if p.Until, err = parseTimeFlag(cmd, "until"); err != nil {
		return p, err
	}
	return p, nil
}

func printStats(w io.Writer, s *client.AuditStats) {
	fmt.Fprintf(w, "events:   %d (%d ok, %d failed)\n", s.TotalEvents, s.SuccessCount, s.FailureCount)
	fmt.Fprintf(w, "users:    %d\n", s.UniqueUsers)
	actions := make([]string, 0, len(s.EventsByType))
	for a := range s.EventsByType {
		actions = append(actions, string(a))
	}
	sort.Strings(actions)
	for _, a := range actions {
		fmt.Fprintf(w, "  %-24s %d\n", a, s.EventsByType[models.TrustAction(a)])
	}
}
