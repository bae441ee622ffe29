package control

import "chimera/internal/events"

// Inbound frame types.
const (
	frameRegister    = "register"
	frameHeartbeat   = "heartbeat"
	frameIntent      = "intent"
	frameResult      = "result"
	frameSubscribe   = "subscribe_events"
	frameUnsubscribe = "unsubscribe_events"
)

// Outbound frame types. Dispatch frames are built by the orchestrator and
// pass through the transport unchanged.
const (
	frameRegistered = "registered"
	frameEvent      = "event"
	frameError      = "error"
	framePong       = "pong"
)

// inboundFrame is the superset of every client-to-server message. The
// type discriminator selects which fields are read; the rest stay zero.
type inboundFrame struct {
	Type string `json:"type"`

	// register
	NodeType     string                 `json:"node_type,omitempty"`
	Capabilities []string               `json:"capabilities,omitempty"`
	Resources    map[string]interface{} `json:"resources,omitempty"`
	Nonce        string                 `json:"nonce,omitempty"`
	Timestamp    int64                  `json:"timestamp,omitempty"`
	Signature    string                 `json:"signature,omitempty"`

	// heartbeat and result
	NodeID string `json:"node_id,omitempty"`

	// result. OK is a pointer so a frame that omits it is distinguishable
	// from ok=false.
	TaskID string      `json:"task_id,omitempty"`
	OK     *bool       `json:"ok,omitempty"`
	Data   interface{} `json:"data,omitempty"`
	Error  string      `json:"error,omitempty"`

	// intent
	Intent string `json:"intent,omitempty"`

	// subscribe_events / unsubscribe_events
	ClientID  string `json:"client_id,omitempty"`
	EventType string `json:"event_type,omitempty"`
}

// registeredFrame acknowledges a successful node registration.
type registeredFrame struct {
	Type   string `json:"type"`
	NodeID string `json:"node_id"`
}

// pongFrame answers an accepted heartbeat.
type pongFrame struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

// eventFrame carries one broker event to a subscriber.
type eventFrame struct {
	Type  string       `json:"type"`
	Event events.Event `json:"event"`
}

// errorFrame is the structured error reply: a kind from the error
// taxonomy plus a human-readable message.
type errorFrame struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// resultFrame reports the outcome of a submitted intent. Results are
// delivered in submission order per connection; plan_id identifies the
// plan in logs and events.
type resultFrame struct {
	Type   string       `json:"type"`
	PlanID string       `json:"plan_id"`
	OK     bool         `json:"ok"`
	Data   interface{}  `json:"data,omitempty"`
	Error  *resultError `json:"error,omitempty"`
}

type resultError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
