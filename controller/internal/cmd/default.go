package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/amurg-ai/remotectl/controller/internal/daemon"
	"github.com/amurg-ai/remotectl/controller/internal/wizard"
)

// runDefault implements the bare "remotectl-controller" invocation:
//   - controller already running: open the dashboard
//   - no config file: run the init wizard
//   - otherwise: run in the foreground
//
// Without a terminal it always runs.
func runDefault(cmd *cobra.Command, args []string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return runRun(cmd, args)
	}

	paths := resolvePaths(cmd, args)
	if pid, _ := paths.ReadPID(); pid != 0 && daemon.IsRunning(pid) {
		return runWatch(cmd, args)
	}

	configPath := resolveConfigPath(cmd, args, wizard.DefaultOutput)
	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		initCmd := newInitCmd()
		initCmd.SetContext(cmd.Context())
		return initCmd.RunE(initCmd, nil)
	}
	return runRun(cmd, args)
}
