package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/remotectl/hub/wizard"
	"github.com/amurg-ai/remotectl/pkg/cli"
)

func newInitCmd() *cobra.Command {
	var (
		output   string
		defaults bool
		force    bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a hub config file, interactively or from the environment",
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
			if defaults {
				return wizard.New(p).RunDefaults(output)
			}
			return wizard.New(p).Run(output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output config file path (default: "+wizard.DefaultOutput+")")
	cmd.Flags().BoolVar(&defaults, "defaults", false, "generate config non-interactively from REMOTECTL_* variables")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}
