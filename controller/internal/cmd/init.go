package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/remotectl/controller/internal/wizard"
	"github.com/amurg-ai/remotectl/pkg/cli"
)

func newInitCmd() *cobra.Command {
	var (
		output  string
		systemd bool
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard to generate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "" && !force {
				if _, err := os.Stat(output); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", output)
				} else if !errors.Is(err, os.ErrNotExist) {
					return err
				}
			}

			p := cli.DefaultPrompter()
			p.In = cmd.InOrStdin()
			p.Out = cmd.OutOrStdout()
			return wizard.New(p).Run(output, systemd)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output config file path (default: "+wizard.DefaultOutput+")")
	cmd.Flags().BoolVar(&systemd, "systemd", false, "also generate a systemd unit file")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}
