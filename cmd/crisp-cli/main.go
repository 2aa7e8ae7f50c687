// Package main implements the crisp-cli command-line tool.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/witlox/crisp/pkg/client"
	"github.com/witlox/crisp/pkg/models"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "crisp-cli",
		Short:         "CRISP CLI - trust relationships and access control",
		Long:          `crisp-cli manages trust relationships, trust groups and the trust log of a CRISP deployment.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("config", "", "Config file path (migrate and seed commands)")
	root.PersistentFlags().String("api-url", envOr("CRISP_API_URL", "http://localhost:8080"), "Trust service URL")
	root.PersistentFlags().String("org-id", os.Getenv("CRISP_ORG_ID"), "Organization to act as")
	root.PersistentFlags().String("user-id", os.Getenv("CRISP_USER_ID"), "User to act as")
	root.PersistentFlags().String("role", envOr("CRISP_ROLE", string(models.RoleViewer)), "Role to act as (viewer, publisher, admin)")
	root.PersistentFlags().Bool("json", false, "Output in JSON format")

	root.AddCommand(newMigrateCmd())
	root.AddCommand(newLevelsCmd())
	root.AddCommand(newTrustCmd())
	root.AddCommand(newGroupsCmd())
	root.AddCommand(newAccessCmd())
	root.AddCommand(newIntelCmd())
	root.AddCommand(newAuditCmd())
	root.AddCommand(newHealthCmd())
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getClient creates an API client from the persistent flags.
func getClient(cmd *cobra.Command) (*client.Client, error) {
	flags := cmd.Root().PersistentFlags()
	apiURL, _ := flags.GetString("api-url")
	orgID, _ := flags.GetString("org-id")
	userID, _ := flags.GetString("user-id")
	role, _ := flags.GetString("role")
	if orgID == "" {
		return nil, fmt.Errorf("--org-id is required")
	}
	if !models.Role(role).Valid() {
		return nil, fmt.Errorf("invalid role %q", role)
	}
	return client.New(client.Config{
		BaseURL: apiURL,
		OrgID:   orgID,
		UserID:  userID,
		Role:    models.Role(role),
		Timeout: 30 * time.Second,
	}), nil
}

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Root().PersistentFlags().GetBool("json")
	return v
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// render prints v as JSON with --json, otherwise through text.
func render(cmd *cobra.Command, v any, text func(w io.Writer)) error {
	if jsonOutput(cmd) {
		return printJSON(cmd.OutOrStdout(), v)
	}
	text(cmd.OutOrStdout())
	return nil
}

func parseTimeFlag(cmd *cobra.Command, name string) (time.Time, error) {
	raw, _ := cmd.Flags().GetString(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s must be RFC3339: %w", name, err)
	}
	return t, nil
}

func readObject(path string) (map[string]any, error) {
	var r io.Reader = os.Stdin
	if path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open object: %w", err)
		}
		defer f.Close()
		r = f
	}
	var obj map[string]any
	if err := json.NewDecoder(r).Decode(&obj); err != nil {
		return nil, fmt.Errorf("decode object: %w", err)
	}
	return obj, nil
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show trust service health",
		RunE: func(cmd *cobra.Command, args []string) error {
			apiURL, _ := cmd.Root().PersistentFlags().GetString("api-url")
			c := client.New(client.Config{BaseURL: apiURL, Timeout: 10 * time.Second})
			health, err := c.Health(cmd.Context())
			if err != nil {
				return fmt.Errorf("health: %w", err)
			}
			return render(cmd, health, func(w io.Writer) {
				fmt.Fprintf(w, "status: %s (version %s)\n", health.Status, health.Version)
			})
		},
	}
}
