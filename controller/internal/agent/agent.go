// Package agent is the controller process: it owns the executors, the hub
// client and the local status socket, and ties their lifetimes together.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/amurg-ai/remotectl/controller/internal/client"
	"github.com/amurg-ai/remotectl/controller/internal/config"
	"github.com/amurg-ai/remotectl/controller/internal/daemon"
	"github.com/amurg-ai/remotectl/controller/internal/eventbus"
	"github.com/amurg-ai/remotectl/controller/internal/executor/browser"
	"github.com/amurg-ai/remotectl/controller/internal/executor/desktop"
	"github.com/amurg-ai/remotectl/controller/internal/executor/shell"
	"github.com/amurg-ai/remotectl/controller/internal/interactive"
	"github.com/amurg-ai/remotectl/controller/internal/ipc"
	"github.com/amurg-ai/remotectl/controller/internal/proctrack"
	"github.com/amurg-ai/remotectl/pkg/protocol"
)

// Agent is one running controller.
type Agent struct {
	cfg     *config.Config
	version string
	logger  *slog.Logger
	bus     *eventbus.Bus
	paths   daemon.Paths

	procs    *proctrack.Tracker
	sessions *interactive.Manager
	desktop  *desktop.Desktop
	browser  *browser.Browser

	startedAt time.Time

	mu        sync.Mutex
	state     client.State
	projectID string
	inFlight  map[string]ipc.ActionInfo
	total     int64
	failed    int64
}

// New creates an agent. If bus is nil, events are not published anywhere.
func New(cfg *config.Config, version string, bus *eventbus.Bus, logger *slog.Logger) *Agent {
	return newAgent(cfg, version, bus, logger, desktop.ExecRunner)
}

func newAgent(cfg *config.Config, version string, bus *eventbus.Bus, logger *slog.Logger, run desktop.Runner) *Agent {
	if bus == nil {
		bus = eventbus.New()
	}
	procs := proctrack.New()
	return &Agent{
		cfg:      cfg,
		version:  version,
		logger:   logger.With("component", "controller"),
		bus:      bus,
		paths:    daemon.NewPaths(cfg.Controller.DataDir),
		procs:    procs,
		sessions: interactive.NewManager(procs, logger),
		desktop:  desktop.New(run),
		browser: browser.New(browser.Options{
			ControlURL:    cfg.Browser.ControlURL,
			Bin:           cfg.Browser.Bin,
			Headless:      !cfg.Browser.Visible,
			DownloadDir:   cfg.Browser.DownloadDir,
			ActionTimeout: cfg.Browser.ActionTimeout.Duration,
		}, logger),
		startedAt: time.Now(),
		state:     client.StateDisconnected,
		inFlight:  make(map[string]ipc.ActionInfo),
	}
}

// Bus returns the agent's event bus.
func (a *Agent) Bus() *eventbus.Bus {
	return a.bus
}

// Paths returns where the agent keeps its pid, lock and socket files.
func (a *Agent) Paths() daemon.Paths {
	return a.paths
}

// Run serves until ctx is canceled or the hub client gives up. A canceled
// ctx is a clean shutdown and returns nil.
func (a *Agent) Run(ctx context.Context) error {
	inst, err := daemon.Acquire(a.paths)
	if err != nil {
		return err
	}
	defer func() {
		if err := inst.Release(); err != nil {
			a.logger.Warn("release instance lock", "error", err)
		}
	}()

	srv := ipc.NewServer(a.paths.Socket(), a, a.bus, a.logger)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start status socket: %w", err)
	}
	defer func() { _ = srv.Close() }()

	workDir := a.cfg.Controller.WorkDir
	if workDir == "" {
		workDir, _ = os.Getwd()
	}
	workDir, _ = filepath.Abs(workDir)

	c := client.New(client.Options{
		URL:                  a.cfg.Hub.URL,
		APIKey:               a.cfg.Hub.APIKey,
		Version:              a.version,
		SystemInfo:           a.systemInfo(ctx),
		TLSSkipVerify:        a.cfg.Hub.TLSSkipVerify,
		ReconnectInterval:    a.cfg.Hub.ReconnectInterval.Duration,
		MaxReconnectAttempts: a.cfg.Hub.MaxReconnectAttempts,
		HandshakeTimeout:     a.cfg.Hub.HandshakeTimeout.Duration,
		IdleTimeout:          a.cfg.Hub.IdleTimeout.Duration,
		MaxConcurrentActions: a.cfg.Controller.MaxConcurrentActions,
		MaxMessageBytes:      a.cfg.Controller.MaxMessageBytes,
		WorkDir:              workDir,
		OnState:              a.onState,
		OnAction:             a.onAction,
		OnConnected:          a.onConnected,
	}, client.Executors{
		Desktop:  a.desktop,
		Browser:  a.browser,
		Shell:    shell.New(a.procs),
		Sessions: a.sessions,
		Procs:    a.procs,
	}, a.logger)

	a.logger.Info("controller starting",
		"version", a.version,
		"hub", a.cfg.Hub.URL,
		"pid", os.Getpid(),
		"socket", a.paths.Socket(),
		"work_dir", workDir,
	)

	runErr := c.Run(ctx)
	c.Stop()
	c.Wait()

	if errors.Is(runErr, context.Canceled) && ctx.Err() != nil {
		runErr = nil
	}
	a.logger.Info("controller stopped", "actions_total", a.counters().total)
	return runErr
}

func (a *Agent) onState(s client.State) {
	a.mu.Lock()
	a.state = s
	if s == client.StateDisconnected {
		a.projectID = ""
	}
	a.mu.Unlock()
	a.bus.PublishType(eventbus.ControllerState, map[string]string{"state": string(s)})
}

func (a *Agent) onConnected(ack protocol.HandshakeAck) {
	a.mu.Lock()
	a.projectID = ack.ProjectID
	a.mu.Unlock()
}

func (a *Agent) onAction(ev client.ActionEvent) {
	a.mu.Lock()
	if ev.Finished {
		delete(a.inFlight, ev.RequestID)
		a.total++
		if ev.Error != "" {
			a.failed++
		}
	} else {
		a.inFlight[ev.RequestID] = ipc.ActionInfo{
			RequestID: ev.RequestID,
			Type:      string(ev.Type),
			StartedAt: time.Now(),
		}
	}
	a.mu.Unlock()

	if ev.Finished {
		a.bus.PublishType(eventbus.ActionFinished, ev)
	} else {
		a.bus.PublishType(eventbus.ActionStarted, ev)
	}
}

type counters struct{ total, failed int64 }

func (a *Agent) counters() counters {
	a.mu.Lock()
	defer a.mu.Unlock()
	return counters{a.total, a.failed}
}

// Status implements ipc.StateProvider.
func (a *Agent) Status() ipc.StatusResult {
	a.mu.Lock()
	st := ipc.StatusResult{
		PID:           os.Getpid(),
		Version:       a.version,
		HubURL:        a.cfg.Hub.URL,
		State:         string(a.state),
		Connected:     a.state == client.StateConnected,
		ProjectID:     a.projectID,
		StartedAt:     a.startedAt,
		Uptime:        time.Since(a.startedAt).Truncate(time.Second).String(),
		InFlight:      len(a.inFlight),
		MaxConcurrent: a.cfg.Controller.MaxConcurrentActions,
		ActionsTotal:  a.total,
		ActionsFailed: a.failed,
	}
	a.mu.Unlock()

	st.TrackedProcesses = a.procs.Len()
	if s := a.sessions.Current(); s != nil && !s.State().Finished() {
		st.InteractiveSession = s.ID()
	}
	return st
}

// Actions implements ipc.StateProvider. Oldest first.
func (a *Agent) Actions() []ipc.ActionInfo {
	a.mu.Lock()
	out := make([]ipc.ActionInfo, 0, len(a.inFlight))
	for _, info := range a.inFlight {
		out = append(out, info)
	}
	a.mu.Unlock()

	slices.SortFunc(out, func(x, y ipc.ActionInfo) int {
		return x.StartedAt.Compare(y.StartedAt)
	})
	return out
}

var _ ipc.StateProvider = (*Agent)(nil)
