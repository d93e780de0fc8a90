package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/remotectl/hub/auth"
	"github.com/amurg-ai/remotectl/pkg/cli"
)

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Print a bcrypt hash for auth.admin.password_hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := cli.DefaultPrompter()
			p.In = cmd.InOrStdin()
			p.Out = cmd.ErrOrStderr()

			password := p.AskSecret("Password")
			if password == "" {
				return fmt.Errorf("password must not be empty")
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
