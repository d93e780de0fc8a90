package broker

import (
	"encoding/json"
	"time"

	"github.com/amurg-ai/remotectl/pkg/protocol"
)

// GroupEvent is published on a project's group channel to have its
// controller connection send one message. ReplyChannel, when set, is where
// the controller's reply must be routed.
type GroupEvent struct {
	Type         protocol.Type   `json:"type"`
	RequestID    string          `json:"request_id"`
	Fields       json.RawMessage `json:"fields,omitempty"`
	ReplyChannel string          `json:"reply_channel,omitempty"`
}

// StatusEvent is published on a project's status channel whenever its
// controller connects or disconnects.
type StatusEvent struct {
	ProjectID string               `json:"project_id"`
	Connected bool                 `json:"connected"`
	Info      *protocol.SystemInfo `json:"info,omitempty"`
	Reason    string               `json:"reason,omitempty"`
	At        time.Time            `json:"at"`
}
