package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/remotectl/controller/internal/daemon"
)

func newStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the background controller",
		RunE:  runStop,
	}
	cmd.Flags().Duration("timeout", 10*time.Second, "time to wait before killing the process")
	return cmd
}

func runStop(cmd *cobra.Command, args []string) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	paths := resolvePaths(cmd, args)
	out := cmd.OutOrStdout()

	pid, err := paths.ReadPID()
	if err != nil {
		return fmt.Errorf("read PID file: %w", err)
	}
	if pid == 0 {
		_, _ = fmt.Fprintln(out, "Controller is not running (no PID file)")
		return nil
	}
	if !daemon.IsRunning(pid) {
		_ = os.Remove(paths.PID())
		_, _ = fmt.Fprintf(out, "Controller is not running (stale PID %d removed)\n", pid)
		return nil
	}

	_, _ = fmt.Fprintf(out, "Stopping controller (PID %d)...\n", pid)
	if err := daemon.StopProcess(pid, timeout); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, "Controller stopped")
	return nil
}
