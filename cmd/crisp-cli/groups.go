package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/witlox/crisp/pkg/client"
	"github.com/witlox/crisp/pkg/models"
)

// ============================================================================
// Trust group commands
// ============================================================================

func newGroupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Trust group management",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List trust groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			groups, err := c.ListGroups(cmd.Context())
			if err != nil {
				return fmt.Errorf("list groups: %w", err)
			}
			return render(cmd, groups, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tTYPE\tPUBLIC\tAPPROVAL")
				for _, g := range groups {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%t\n", g.ID, g.Name, g.GroupType, g.IsPublic, g.RequiresApproval)
				}
				_ = tw.Flush()
			})
		},
	}

	create := &cobra.Command{
		Use:   "create [name]",
		Short: "Create a trust group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			groupType, _ := cmd.Flags().GetString("type")
			level, _ := cmd.Flags().GetString("level")
			public, _ := cmd.Flags().GetBool("public")
			approval, _ := cmd.Flags().GetBool("requires-approval")
			description, _ := cmd.Flags().GetString("description")

			group, err := c.CreateGroup(cmd.Context(), client.CreateGroupRequest{
				Name:              args[0],
				Description:       description,
				GroupType:         models.GroupType(groupType),
				IsPublic:          public,
				RequiresApproval:  approval,
				DefaultTrustLevel: level,
			})
			if err != nil {
				return fmt.Errorf("create group: %w", err)
			}
			return render(cmd, group, func(w io.Writer) {
				fmt.Fprintf(w, "Created group %s (%s)\n", group.Name, group.ID)
			})
		},
	}
	create.Flags().String("type", string(models.GroupTypeCommunity), "Group type (community, sector, regional, federation)")
	create.Flags().String("level", "Medium", "Default trust level name or id")
	create.Flags().Bool("public", true, "Anyone may join without an invitation")
	create.Flags().Bool("requires-approval", false, "Memberships need administrator approval")
	create.Flags().String("description", "", "Description")

	join := &cobra.Command{
		Use:   "join [group-id]",
		Short: "Join a trust group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			invitedBy, _ := cmd.Flags().GetString("invited-by")
			m, err := c.JoinGroup(cmd.Context(), args[0], invitedBy)
			if err != nil {
				return fmt.Errorf("join group: %w", err)
			}
			return render(cmd, m, func(w io.Writer) {
				state := "pending approval"
				if m.IsActive {
					state = "active"
				}
				fmt.Fprintf(w, "Joined group %s (%s)\n", args[0], state)
			})
		},
	}
	join.Flags().String("invited-by", "", "Inviting member organization (private groups)")

	approve := &cobra.Command{
		Use:   "approve [group-id] [org]",
		Short: "Approve a pending membership",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			m, err := c.ApproveMembership(cmd.Context(), args[0], args[1])
			if err != nil {
				return fmt.Errorf("approve membership: %w", err)
			}
			return render(cmd, m, func(w io.Writer) {
				fmt.Fprintf(w, "Approved %s in group %s\n", args[1], args[0])
			})
		},
	}

	leave := &cobra.Command{
		Use:   "leave [group-id]",
		Short: "Leave a trust group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			if err := c.LeaveGroup(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("leave group: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Left group %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, create, join, approve, leave)
	return cmd
}

// ============================================================================
// Access commands
// ============================================================================

func newAccessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "access",
		Short: "Access control decisions",
	}

	check := &cobra.Command{
		Use:   "check [target-org]",
		Short: "Evaluate the access strategy chain against an organization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			action, _ := cmd.Flags().GetString("action")
			resource, _ := cmd.Flags().GetString("resource-type")
			strategies, _ := cmd.Flags().GetStringSlice("strategies")

			d, err := c.CheckAccess(cmd.Context(), client.AccessRequest{
				TargetOrg:    args[0],
				Action:       action,
				ResourceType: resource,
				Strategies:   strategies,
			})
			if err != nil {
				return fmt.Errorf("check access: %w", err)
			}
			return render(cmd, d, func(w io.Writer) {
				verdict := "DENIED"
				if d.Allowed {
					verdict = "ALLOWED"
				}
				fmt.Fprintf(w, "%s by %s: %s\n", verdict, d.Strategy, d.Reason)
				if d.Allowed {
					fmt.Fprintf(w, "access level: %s\n", d.AccessLevel)
				}
			})
		},
	}
	check.Flags().String("action", "read", "Action to check")
	check.Flags().String("resource-type", "", "Resource type")
	check.Flags().StringSlice("strategies", nil, "Strategies to evaluate instead of the default chain")

	cmd.AddCommand(check)
	return cmd
}

// ============================================================================
// Intelligence commands
// ============================================================================

func newIntelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "intel",
		Short: "Trust-aware intelligence sharing",
	}

	targets := &cobra.Command{
		Use:   "targets",
		Short: "List organizations you may share with",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			list, err := c.SharingTargets(cmd.Context())
			if err != nil {
				return fmt.Errorf("sharing targets: %w", err)
			}
			return render(cmd, list, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ORGANIZATION\tVIA\tANONYMIZATION\tACCESS")
				for _, t := range list {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.Organization, t.Via, t.AnonymizationLevel, t.AccessLevel)
				}
				_ = tw.Flush()
			})
		},
	}

	share := &cobra.Command{
		Use:   "share",
		Short: "Share a STIX object read from a file or stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			file, _ := cmd.Flags().GetString("file")
			to, _ := cmd.Flags().GetStringSlice("to")
			anon, _ := cmd.Flags().GetString("anonymization")
			obj, err := readObject(file)
			if err != nil {
				return err
			}
			results, err := c.ShareIntelligence(cmd.Context(), client.ShareRequest{
				Object:        obj,
				Targets:       to,
				Anonymization: models.AnonymizationLevel(anon),
			})
			if err != nil {
				return fmt.Errorf("share intelligence: %w", err)
			}
			return render(cmd, results, func(w io.Writer) {
				for _, r := range results {
					if r.Shared {
						fmt.Fprintf(w, "%s: shared (%s) as %s\n", r.Organization, r.AnonymizationLevel, r.ObjectID)
						continue
					}
					fmt.Fprintf(w, "%s: skipped: %s\n", r.Organization, r.Reason)
				}
			})
		},
	}
	share.Flags().String("file", "-", "STIX object JSON file, - for stdin")
	share.Flags().StringSlice("to", nil, "Recipient organizations (default: every reachable organization)")
	share.Flags().String("anonymization", "", "Requested anonymization level")

	fetch := &cobra.Command{
		Use:   "fetch",
		Short: "Read shared intelligence from your inbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			collection, _ := cmd.Flags().GetString("collection")
			since, err := parseTimeFlag(cmd, "since")
			if err != nil {
				return err
			}
			objects, err := c.FetchIntelligence(cmd.Context(), collection, since)
			if err != nil {
				return fmt.Errorf("fetch intelligence: %w", err)
			}
			return render(cmd, objects, func(w io.Writer) {
				for _, o := range objects {
					fmt.Fprintf(w, "%v  %v\n", o["type"], o["id"])
				}
			})
		},
	}
	fetch.Flags().String("collection", "", "Collection id")
	fetch.Flags().String("since", "", "Only objects added after this time (RFC3339)")

	anonymize := &cobra.Command{
		Use:   "anonymize [target-org]",
		Short: "Preview an object as the target organization would receive it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			file, _ := cmd.Flags().GetString("file")
			level, _ := cmd.Flags().GetString("level")
			obj, err := readObject(file)
			if err != nil {
				return err
			}
			res, err := c.PreviewAnonymization(cmd.Context(), obj, args[0], models.AnonymizationLevel(strings.ToLower(level)))
			if err != nil {
				return fmt.Errorf("preview anonymization: %w", err)
			}
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "anonymization level: %s\n", res.Level)
			return printJSON(cmd.OutOrStdout(), res.Object)
		},
	}
	anonymize.Flags().String("file", "-", "STIX object JSON file, - for stdin")
	anonymize.Flags().String("level", "", "Requested anonymization level")

	cmd.AddCommand(targets, share, fetch, anonymize)
	return cmd
}
