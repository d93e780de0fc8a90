package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/remotectl/controller/internal/tui/dashboard"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "watch",
		Aliases: []string{"attach"},
		Short:   "Open the live dashboard of the running controller",
		RunE:    runWatch,
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	paths := resolvePaths(cmd, args)
	if err := dashboard.Watch(cmd.Context(), paths.Socket()); err != nil {
		return fmt.Errorf("%w (is the controller running? try \"remotectl-controller status\")", err)
	}
	return nil
}
