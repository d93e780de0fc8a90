package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/remotectl/controller/internal/daemon"
)

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start [config-file]",
		Short: "Start the controller as a background process",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStart,
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, configPath, err := loadConfig(cmd, args)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	paths := daemon.NewPaths(cfg.Controller.DataDir)

	if pid, _ := paths.ReadPID(); pid > 0 && daemon.IsRunning(pid) {
		return fmt.Errorf("controller is already running (PID %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	absConfig, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}

	logFile, err := paths.OpenLog()
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	child := exec.Command(exe, "run", absConfig, "--data-dir", paths.Dir)
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = daemon.DetachAttr()
	if err := child.Start(); err != nil {
		return fmt.Errorf("start controller: %w", err)
	}
	// The child records its own PID once it holds the instance lock.
	pid := child.Process.Pid
	_ = child.Process.Release()

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Controller started (PID %d)\n", pid)
	_, _ = fmt.Fprintf(out, "  Config: %s\n", absConfig)
	_, _ = fmt.Fprintf(out, "  Logs:   %s\n", paths.Log())
	return nil
}
