package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/amurg-ai/remotectl/hub/auth"
	"github.com/amurg-ai/remotectl/hub/broker"
	"github.com/amurg-ai/remotectl/hub/store"
	"github.com/amurg-ai/remotectl/pkg/protocol"
)

// ProjectLookup resolves controller API keys and tracks controller presence.
type ProjectLookup interface {
	// LookupAPIKey returns the project owning key, or nil when none does.
	LookupAPIKey(ctx context.Context, key string) (*store.Project, error)
	// MarkConnected reports false when the project already has a controller.
	MarkConnected(ctx context.Context, projectID string, info protocol.SystemInfo) (bool, error)
	MarkDisconnected(ctx context.Context, projectID string) error
}

// PresenceNotifier is told about controller connection changes.
type PresenceNotifier interface {
	ControllerConnected(ctx context.Context, project *store.Project, info protocol.SystemInfo)
	ControllerDisconnected(ctx context.Context, projectID, reason string)
	ControllerRejected(ctx context.Context, projectID, reason string)
	ControllerSeen(ctx context.Context, projectID string)
}

// RunAborter fails the test runs that depend on a vanished controller.
type RunAborter interface {
	AbortRuns(ctx context.Context, projectID, reason string)
}

// Collaborators groups the external services a Router consumes.
type Collaborators struct {
	Projects ProjectLookup
	Presence PresenceNotifier
	Runs     RunAborter
}

// StoreCollaborators implements every collaborator on top of the hub store,
// publishing presence changes on the project's status channel.
type StoreCollaborators struct {
	Store  store.Store
	Broker broker.Broker
	Logger *slog.Logger
}

// Collaborators returns c wired into every slot.
func (c *StoreCollaborators) Collaborators() Collaborators {
	return Collaborators{Projects: c, Presence: c, Runs: c}
}

func (c *StoreCollaborators) LookupAPIKey(ctx context.Context, key string) (*store.Project, error) {
	p, err := c.Store.GetProjectByAPIKeyHash(ctx, auth.HashAPIKey(key))
	if err != nil {
		return nil, fmt.Errorf("lookup api key: %w", err)
	}
	return p, nil
}

func (c *StoreCollaborators) MarkConnected(ctx context.Context, projectID string, info protocol.SystemInfo) (bool, error) {
	raw, err := json.Marshal(info)
	if err != nil {
		return false, fmt.Errorf("encode system info: %w", err)
	}
	return c.Store.MarkControllerConnected(ctx, projectID, raw)
}

func (c *StoreCollaborators) MarkDisconnected(ctx context.Context, projectID string) error {
	return c.Store.MarkControllerDisconnected(ctx, projectID)
}

func (c *StoreCollaborators) ControllerConnected(ctx context.Context, project *store.Project, info protocol.SystemInfo) {
	c.audit(ctx, project.ID, store.AuditControllerConnect, map[string]any{
		"hostname": info.Hostname, "os": info.OS, "architecture": info.Architecture,
	})
	c.publishStatus(ctx, broker.StatusEvent{ProjectID: project.ID, Connected: true, Info: &info})
}

func (c *StoreCollaborators) ControllerDisconnected(ctx context.Context, projectID, reason string) {
	c.audit(ctx, projectID, store.AuditControllerDisconnect, map[string]any{"reason": reason})
	c.publishStatus(ctx, broker.StatusEvent{ProjectID: projectID, Connected: false, Reason: reason})
}

func (c *StoreCollaborators) ControllerRejected(ctx context.Context, projectID, reason string) {
	c.audit(ctx, projectID, store.AuditControllerRejected, map[string]any{"reason": reason})
}

func (c *StoreCollaborators) ControllerSeen(ctx context.Context, projectID string) {
	if err := c.Store.TouchController(ctx, projectID); err != nil {
		c.Logger.Warn("failed to touch controller", "project_id", projectID, "error", err)
	}
}

func (c *StoreCollaborators) AbortRuns(ctx context.Context, projectID, reason string) {
	n, err := c.Store.AbortRunningTestRuns(ctx, projectID, reason)
	if err != nil {
		c.Logger.Error("failed to abort test runs", "project_id", projectID, "error", err)
		return
	}
	if n > 0 {
		c.Logger.Info("aborted test runs", "project_id", projectID, "count", n)
		c.audit(ctx, projectID, store.AuditRunAborted, map[string]any{"count": n, "reason": reason})
	}
}

func (c *StoreCollaborators) publishStatus(ctx context.Context, ev broker.StatusEvent) {
	ev.At = time.Now().UTC()
	data, err := json.Marshal(ev)
	if err != nil {
		c.Logger.Error("encode status event", "error", err)
		return
	}
	if err := c.Broker.Publish(ctx, broker.StatusChannel(ev.ProjectID), data); err != nil {
		c.Logger.Warn("failed to publish status", "project_id", ev.ProjectID, "error", err)
	}
}

func (c *StoreCollaborators) audit(ctx context.Context, projectID, action string, detail map[string]any) {
	var raw json.RawMessage
	if detail != nil {
		raw, _ = json.Marshal(detail)
	}
	if err := c.Store.LogAuditEvent(ctx, &store.AuditEvent{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Action:    action,
		Actor:     "controller",
		Detail:    raw,
		CreatedAt: time.Now(),
	}); err != nil {
		c.Logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}
