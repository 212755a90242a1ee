package cli

import (
	"fmt"
	"time"

	"geotrack/internal/auth"

	"github.com/spf13/cobra"
	"golang.org/x/xerrors"
)

func newKeysCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage publishable keys",
	}
	cmd.AddCommand(newKeysIssueCommand())
	return cmd
}

func newKeysIssueCommand() *cobra.Command {
	var (
		project string
		secret  string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a publishable key for a project",
		Long: `Sign a publishable key for the project with the backend key secret.
The secret defaults to KEY_SECRET from the server configuration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if project == "" {
				return xerrors.New("--project is required")
			}
			if secret == "" {
				cfg, err := loadServerFn()
				if err != nil {
					return err
				}
				secret = cfg.KeySecret
			}
			key, err := auth.NewService(secret).IssueKey(project, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), key)
			return err
		},
	}
	cmd.Flags().StringVarP(&project, "project", "p", "", "Project id")
	cmd.Flags().StringVar(&secret, "secret", "", "Signing secret (default from KEY_SECRET)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Key lifetime (0 never expires)")
	return cmd
}
