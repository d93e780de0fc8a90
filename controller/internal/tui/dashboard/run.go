package dashboard

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/amurg-ai/remotectl/controller/internal/eventbus"
	"github.com/amurg-ai/remotectl/controller/internal/ipc"
)

const refreshInterval = 2 * time.Second

// Watch attaches to the controller listening on socketPath and shows the
// dashboard until the user quits.
func Watch(ctx context.Context, socketPath string) error {
	// Queries and the event stream need separate connections: subscribe
	// takes over its connection.
	query, err := ipc.Dial(ctx, socketPath)
	if err != nil {
		return fmt.Errorf("connect to controller: %w", err)
	}
	defer func() { _ = query.Close() }()

	status, err := query.Status(ctx)
	if err != nil {
		return fmt.Errorf("query status: %w", err)
	}
	actions, err := query.Actions(ctx)
	if err != nil {
		return fmt.Errorf("query actions: %w", err)
	}

	events, err := ipc.Dial(ctx, socketPath)
	if err != nil {
		return fmt.Errorf("connect to controller: %w", err)
	}
	defer func() { _ = events.Close() }()
	if err := events.Subscribe(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p := tea.NewProgram(NewModel(*status, actions), tea.WithAltScreen(), tea.WithContext(ctx))

	refresh := func() {
		rctx, rcancel := context.WithTimeout(ctx, refreshInterval)
		defer rcancel()
		if st, err := query.Status(rctx); err == nil {
			p.Send(StatusUpdateMsg{Status: *st})
		}
		if acts, err := query.Actions(rctx); err == nil {
			p.Send(ActionsUpdateMsg{Actions: acts})
		}
	}

	go func() {
		for e := range events.Events() {
			p.Send(EventMsg{Type: e.Type, Data: e.Data})
			switch e.Type {
			case eventbus.ControllerState, eventbus.ActionStarted, eventbus.ActionFinished:
				refresh()
			}
		}
		p.Send(DisconnectedMsg{})
	}()

	go func() {
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				refresh()
			}
		}
	}()

	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
