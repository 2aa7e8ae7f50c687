package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/witlox/crisp/pkg/client"
	"github.com/witlox/crisp/pkg/models"
)

// ============================================================================
// Trust level commands
// ============================================================================

func newLevelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "levels",
		Short: "Trust level management",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List trust levels",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			levels, err := c.ListTrustLevels(cmd.Context())
			if err != nil {
				return fmt.Errorf("list trust levels: %w", err)
			}
			return render(cmd, levels, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tCATEGORY\tVALUE\tANONYMIZATION\tACCESS\tSYSTEM")
				for _, l := range levels {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%t\n",
						l.Name, l.Level, l.NumericalValue, l.DefaultAnonymizationLevel, l.DefaultAccessLevel, l.IsSystemDefault)
				}
				_ = tw.Flush()
			})
		},
	}

	create := &cobra.Command{
		Use:   "create [name]",
		Short: "Create a custom trust level",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			category, _ := cmd.Flags().GetString("category")
			value, _ := cmd.Flags().GetInt("value")
			anon, _ := cmd.Flags().GetString("anonymization")
			accessLevel, _ := cmd.Flags().GetString("access")
			description, _ := cmd.Flags().GetString("description")

			level, err := c.CreateTrustLevel(cmd.Context(), &models.TrustLevel{
				Name:                      args[0],
				Level:                     models.TrustCategory(category),
				NumericalValue:            value,
				Description:               description,
				DefaultAnonymizationLevel: models.AnonymizationLevel(anon),
				DefaultAccessLevel:        models.AccessLevel(accessLevel),
			})
			if err != nil {
				return fmt.Errorf("create trust level: %w", err)
			}
			return render(cmd, level, func(w io.Writer) {
				fmt.Fprintf(w, "Created trust level %s (%s)\n", level.Name, level.ID)
			})
		},
	}
	create.Flags().String("category", string(models.TrustCategoryTrusted), "Trust category (public, trusted, restricted)")
	create.Flags().Int("value", 50, "Numerical value (0-100)")
	create.Flags().String("anonymization", string(models.AnonymizationPartial), "Default anonymization level")
	create.Flags().String("access", string(models.AccessRead), "Default access level")
	create.Flags().String("description", "", "Description")

	del := &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete an unreferenced custom trust level",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			if err := c.DeleteTrustLevel(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("delete trust level: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted trust level %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, create, del, newSeedCmd())
	return cmd
}

// ============================================================================
// Trust relationship commands
// ============================================================================

func newTrustCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Trust relationship management",
		Long:  `Create, approve and manage bilateral trust relationships between organizations.`,
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List relationships involving your organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			rels, err := c.ListRelationships(cmd.Context())
			if err != nil {
				return fmt.Errorf("list relationships: %w", err)
			}
			return render(cmd, rels, func(w io.Writer) { printRelationships(w, rels) })
		},
	}

	get := &cobra.Command{
		Use:   "get [id]",
		Short: "Show a relationship",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			rel, err := c.GetRelationship(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get relationship: %w", err)
			}
			return render(cmd, rel, func(w io.Writer) { printRelationships(w, []*models.TrustRelationship{rel}) })
		},
	}

	create := &cobra.Command{
		Use:   "create [target-org]",
		Short: "Propose a trust relationship",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			level, _ := cmd.Flags().GetString("level")
			relType, _ := cmd.Flags().GetString("type")
			anon, _ := cmd.Flags().GetString("anonymization")
			notes, _ := cmd.Flags().GetString("notes")
			validFor, _ := cmd.Flags().GetDuration("valid-for")

			req := client.CreateRelationshipRequest{
				TargetOrganization: args[0],
				TrustLevel:         level,
				RelationshipType:   models.RelationshipType(relType),
				AnonymizationLevel: models.AnonymizationLevel(anon),
				Notes:              notes,
			}
			if validFor > 0 {
				until := time.Now().Add(validFor).UTC()
				req.ValidUntil = &until
			}
			rel, err := c.CreateRelationship(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("create relationship: %w", err)
			}
			return render(cmd, rel, func(w io.Writer) {
				fmt.Fprintf(w, "Created relationship %s with %s (status %s)\n", rel.ID, rel.TargetOrganization, rel.Status)
			})
		},
	}
	create.Flags().String("level", "Medium", "Trust level name or id")
	create.Flags().String("type", string(models.RelationshipTypeBilateral), "Relationship type")
	create.Flags().String("anonymization", "", "Anonymization override")
	create.Flags().String("notes", "", "Notes")
	create.Flags().Duration("valid-for", 0, "Relationship lifetime (0 for no expiry)")

	approve := &cobra.Command{
		Use:   "approve [id]",
		Short: "Approve a relationship on your organization's side",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			res, err := c.ApproveRelationship(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("approve relationship: %w", err)
			}
			return render(cmd, res, func(w io.Writer) {
				if res.Activated {
					fmt.Fprintf(w, "Relationship %s is now active\n", args[0])
					return
				}
				fmt.Fprintf(w, "Approved relationship %s; waiting for the other party\n", args[0])
			})
		},
	}

	update := &cobra.Command{
		Use:   "update [id]",
		Short: "Change a relationship's trust level or anonymization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			var req client.UpdateRelationshipRequest
			if cmd.Flags().Changed("level") {
				level, _ := cmd.Flags().GetString("level")
				req.TrustLevel = &level
			}
			if cmd.Flags().Changed("anonymization") {
				raw, _ := cmd.Flags().GetString("anonymization")
				anon := models.AnonymizationLevel(raw)
				req.AnonymizationLevel = &anon
			}
			res, err := c.UpdateRelationship(cmd.Context(), args[0], req)
			if err != nil {
				return fmt.Errorf("update relationship: %w", err)
			}
			return render(cmd, res, func(w io.Writer) { fmt.Fprintln(w, res.Message) })
		},
	}
	update.Flags().String("level", "", "New trust level name or id")
	update.Flags().String("anonymization", "", "New anonymization level")

	level := &cobra.Command{
		Use:   "level [partner-org]",
		Short: "Show the effective trust level with a partner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			name, err := c.GetTrustLevel(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get trust level: %w", err)
			}
			return render(cmd, map[string]string{"partner": args[0], "trust_level": name}, func(w io.Writer) {
				fmt.Fprintln(w, name)
			})
		},
	}

	accessible := &cobra.Command{
		Use:   "accessible",
		Short: "List organizations reachable through trust",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			orgs, err := c.GetAccessibleOrganizations(cmd.Context())
			if err != nil {
				return fmt.Errorf("accessible organizations: %w", err)
			}
			return render(cmd, orgs, func(w io.Writer) {
				for _, o := range orgs {
					fmt.Fprintln(w, o)
				}
			})
		},
	}

	cmd.AddCommand(list, get, create, approve, update, level, accessible)
	cmd.AddCommand(relationshipActionCmd("accept", "Accept a relationship proposed to your organization", false, acceptFn))
	cmd.AddCommand(relationshipActionCmd("reject", "Reject a pending relationship", true, (*client.Client).RejectRelationship))
	cmd.AddCommand(relationshipActionCmd("revoke", "Revoke a relationship", true, (*client.Client).RevokeRelationship))
	cmd.AddCommand(relationshipActionCmd("suspend", "Suspend an active relationship", true, (*client.Client).SuspendRelationship))
	return cmd
}

type actionFunc func(c *client.Client, ctx context.Context, id, reason string) (*client.ActionResult, error)

func acceptFn(c *client.Client, ctx context.Context, id, _ string) (*client.ActionResult, error) {
	return c.AcceptRelationship(ctx, id)
}

func relationshipActionCmd(name, short string, withReason bool, fn actionFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   name + " [id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := getClient(cmd)
			if err != nil {
				return err
			}
			var reason string
			if withReason {
				reason, _ = cmd.Flags().GetString("reason")
			}
			res, err := fn(c, cmd.Context(), args[0], reason)
			if err != nil {
				return fmt.Errorf("%s relationship: %w", name, err)
			}
			return render(cmd, res, func(w io.Writer) { fmt.Fprintln(w, res.Message) })
		},
	}
	if withReason {
		cmd.Flags().String("reason", "", "Reason recorded in the trust log")
	}
	return cmd
}

func printRelationships(w io.Writer, rels []*models.TrustRelationship) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSOURCE\tTARGET\tSTATUS\tLEVEL\tAPPROVED")
	for _, r := range rels {
		level := r.TrustLevelID
		if r.TrustLevel != nil {
			level = r.TrustLevel.Name
		}
		var approved []string
		if r.ApprovedBySource {
			approved = append(approved, "source")
		}
		if r.ApprovedByTarget {
			approved = append(approved, "target")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.SourceOrganization, r.TargetOrganization, r.Status, level, strings.Join(approved, ","))
	}
	_ = tw.Flush()
}
