package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/amurg-ai/remotectl/controller/internal/daemon"
	"github.com/amurg-ai/remotectl/controller/internal/ipc"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show controller status",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	paths := resolvePaths(cmd, args)
	out := cmd.OutOrStdout()

	ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
	defer cancel()

	if st, actions, err := queryStatus(ctx, paths.Socket()); err == nil {
		printStatus(out, st, actions)
		return nil
	}

	// Fall back to the PID file.
	pid, _ := paths.ReadPID()
	switch {
	case pid == 0:
		_, _ = fmt.Fprintln(out, "Status:  stopped (no PID file)")
	case !daemon.IsRunning(pid):
		_, _ = fmt.Fprintf(out, "Status:  stopped (stale PID %d)\n", pid)
	default:
		_, _ = fmt.Fprintln(out, "Status:  running (status socket not answering)")
		_, _ = fmt.Fprintf(out, "PID:     %d\n", pid)
		_, _ = fmt.Fprintf(out, "Logs:    %s\n", paths.Log())
	}
	return nil
}

func queryStatus(ctx context.Context, socket string) (*ipc.StatusResult, []ipc.ActionInfo, error) {
	c, err := ipc.Dial(ctx, socket)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = c.Close() }()

	st, err := c.Status(ctx)
	if err != nil {
		return nil, nil, err
	}
	actions, err := c.Actions(ctx)
	if err != nil {
		return nil, nil, err
	}
	return st, actions, nil
}

func printStatus(out io.Writer, st *ipc.StatusResult, actions []ipc.ActionInfo) {
	state := color.RedString(st.State)
	switch {
	case st.Connected:
		state = color.GreenString(st.State)
	case st.State != "disconnected":
		state = color.YellowString(st.State)
	}

	_, _ = fmt.Fprintf(out, "Status:    running (PID %d, version %s)\n", st.PID, st.Version)
	_, _ = fmt.Fprintf(out, "Hub:       %s (%s)\n", st.HubURL, state)
	if st.ProjectID != "" {
		_, _ = fmt.Fprintf(out, "Project:   %s\n", st.ProjectID)
	}
	_, _ = fmt.Fprintf(out, "Uptime:    %s\n", st.Uptime)
	_, _ = fmt.Fprintf(out, "Actions:   %d/%d running, %d done, %d failed\n",
		st.InFlight, st.MaxConcurrent, st.ActionsTotal, st.ActionsFailed)
	_, _ = fmt.Fprintf(out, "Processes: %d\n", st.TrackedProcesses)
	if st.InteractiveSession != "" {
		_, _ = fmt.Fprintf(out, "Session:   %s\n", st.InteractiveSession)
	}
	for _, a := range actions {
		_, _ = fmt.Fprintf(out, "  %s  %-24s %s\n", a.RequestID, a.Type, time.Since(a.StartedAt).Truncate(time.Second))
	}
}
