// Package ipc serves the controller's local status socket: JSON lines over
// a Unix socket, used by the status and watch commands.
package ipc

import (
	"encoding/json"
	"time"
)

// Methods understood by the server.
const (
	MethodStatus    = "status"
	MethodActions   = "actions"
	MethodSubscribe = "subscribe"
)

// Response types.
const (
	TypeResult = "result"
	TypeError  = "error"
	TypeEvent  = "event"
)

// Request is one JSON line from a local client.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is one JSON line sent back. Events carry no ID.
type Response struct {
	ID   string          `json:"id,omitempty"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// StatusResult is returned by the "status" method.
type StatusResult struct {
	PID                int       `json:"pid"`
	Version            string    `json:"version"`
	HubURL             string    `json:"hub_url"`
	State              string    `json:"state"`
	Connected          bool      `json:"connected"`
	ProjectID          string    `json:"project_id,omitempty"`
	StartedAt          time.Time `json:"started_at"`
	Uptime             string    `json:"uptime"`
	InFlight           int       `json:"in_flight"`
	MaxConcurrent      int       `json:"max_concurrent"`
	ActionsTotal       int64     `json:"actions_total"`
	ActionsFailed      int64     `json:"actions_failed"`
	TrackedProcesses   int       `json:"tracked_processes"`
	InteractiveSession string    `json:"interactive_session,omitempty"`
}

// ActionInfo describes one in-flight action.
type ActionInfo struct {
	RequestID string    `json:"request_id"`
	Type      string    `json:"type"`
	StartedAt time.Time `json:"started_at"`
}

// ActionsResult is returned by the "actions" method.
type ActionsResult struct {
	Actions []ActionInfo `json:"actions"`
}

// SubscribeParams select the event types a subscriber receives.
type SubscribeParams struct {
	Events []string `json:"events"`
}

// Event is an event bus event on the wire.
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StateProvider answers status queries.
type StateProvider interface {
	Status() StatusResult
	Actions() []ActionInfo
}
