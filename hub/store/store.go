// Package store defines the storage interface for the hub and provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the persistence interface for the hub.
type Store interface {
	// Projects
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	GetProjectByAPIKeyHash(ctx context.Context, hash string) (*Project, error)
	ListProjects(ctx context.Context) ([]Project, error)
	SetProjectAPIKeyHash(ctx context.Context, id, hash, prefix string) error

	// Controller presence. MarkControllerConnected is a compare-and-set: it
	// returns false when the project already has a connected controller.
	MarkControllerConnected(ctx context.Context, projectID string, info json.RawMessage) (bool, error)
	MarkControllerDisconnected(ctx context.Context, projectID string) error
	TouchController(ctx context.Context, projectID string) error
	ResetControllerPresence(ctx context.Context) (int64, error)

	// Test runs
	CreateTestRun(ctx context.Context, run *TestRun) error
	GetTestRun(ctx context.Context, id string) (*TestRun, error)
	ListTestRuns(ctx context.Context, projectID string, limit int) ([]TestRun, error)
	UpdateTestRunStatus(ctx context.Context, id, status, errMsg string) error
	AbortRunningTestRuns(ctx context.Context, projectID, reason string) (int64, error)

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Project owns one controller API key and at most one live controller.
type Project struct {
	ID                  string          `json:"id"`
	Name                string          `json:"name"`
	APIKeyHash          string          `json:"-"`
	APIKeyPrefix        string          `json:"api_key_prefix"` // first characters of the key, for display
	ControllerConnected bool            `json:"controller_connected"`
	ControllerInfo      json.RawMessage `json:"controller_info,omitempty"` // handshake system_info
	ConnectedAt         *time.Time      `json:"connected_at,omitempty"`
	LastSeen            *time.Time      `json:"last_seen,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

// Test run statuses.
const (
	RunPending = "pending"
	RunRunning = "running"
	RunPassed  = "passed"
	RunFailed  = "failed"
	RunAborted = "aborted"
)

// ValidRunStatus reports whether s is a known test run status.
func ValidRunStatus(s string) bool {
	switch s {
	case RunPending, RunRunning, RunPassed, RunFailed, RunAborted:
		return true
	}
	return false
}

// TestRun is an execution record driven through a project's controller.
type TestRun struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Audit actions.
const (
	AuditControllerConnect    = "controller.connect"
	AuditControllerDisconnect = "controller.disconnect"
	AuditControllerRejected   = "controller.rejected"
	AuditRunAborted           = "run.aborted"
	AuditProjectCreated       = "project.created"
	AuditProjectKeyRotated    = "project.key_rotated"
	AuditRunCreated           = "run.created"
	AuditRunUpdated           = "run.updated"
	AuditActionDispatched     = "action.dispatched"
	AuditLoginSuccess         = "login.success"
	AuditLoginFailed          = "login.failed"
)

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"project_id,omitempty"`
	Action    string          `json:"action"`
	Actor     string          `json:"actor,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AuditFilter specifies criteria for listing audit events.
type AuditFilter struct {
	ProjectID string
	Action    string // prefix match
	Limit     int
	Offset    int
}
