package events

import "time"

// EventType identifies one kind of event on the broker.
type EventType string

const (
	EvolutionApplied  EventType = "evolution_applied"
	ConfidenceChanged EventType = "confidence_changed"
	LearningStarted   EventType = "learning_started"
	LearningCompleted EventType = "learning_completed"
	NodeRegistered    EventType = "node_registered"
	NodeDisconnected  EventType = "node_disconnected"
	TaskDispatched    EventType = "task_dispatched"
	TaskCompleted     EventType = "task_completed"
	ToolExecuted      EventType = "tool_executed"
	SystemAlert       EventType = "system_alert"

	// Wildcard subscribes to every type.
	Wildcard EventType = "*"
)

// Default priorities per event type. Higher is more urgent.
const (
	PriorityDefault     = 3
	PrioritySystemAlert = 10
)

var defaultPriorities = map[EventType]int{
	EvolutionApplied:  8,
	ConfidenceChanged: 7,
	LearningStarted:   6,
	LearningCompleted: 6,
	NodeRegistered:    5,
	NodeDisconnected:  5,
	TaskDispatched:    4,
	TaskCompleted:     4,
	ToolExecuted:      3,
	SystemAlert:       PrioritySystemAlert,
}

// DefaultPriority returns the priority assigned to a type when the
// publisher does not override it.
func DefaultPriority(t EventType) int {
	if p, ok := defaultPriorities[t]; ok {
		return p
	}
	return PriorityDefault
}

// Event is one broker message. IDs are monotonic within a process run.
type Event struct {
	ID        uint64                 `json:"id"`
	Type      EventType              `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Priority  int                    `json:"priority"`
}
