// Package tools maps names to executable tools and dispatches
// invocations with timing, failure classification, and metric
// emission. Every classified execution produces exactly one metric
// sample and one tool_executed event; lookup and argument failures
// produce neither.
package tools

import (
	"context"
	"time"
)

// ToolFunc is the signature for a tool body. Implementations must
// honor ctx cancellation and should return a *ToolError for failures
// they can classify; anything else is recorded as execution_error.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

// Tool is a named executable registered with the Registry.
type Tool struct {
	// Name is the unique identifier for the tool.
	Name string

	// Version is a semantic version string, informational only.
	Version string

	// Description explains what the tool does.
	Description string

	// Dependencies lists capability tags a remote node must offer to
	// run this tool. Empty means it runs anywhere, including locally.
	Dependencies []string

	// Timeout bounds one invocation. Zero selects the registry default.
	Timeout time.Duration

	// Run executes the tool.
	Run ToolFunc
}

// Validate checks if the tool definition is usable.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return ErrToolNameEmpty
	}
	if t.Run == nil {
		return ErrToolRunNil
	}
	return nil
}

// ToolMetrics is the running record for one tool, updated only by its
// own executions.
type ToolMetrics struct {
	SuccessCount int64
	FailureCount int64
	TotalLatency time.Duration
	LastError    string
}

// Executions returns the total classified invocation count.
func (m ToolMetrics) Executions() int64 {
	return m.SuccessCount + m.FailureCount
}

// ToolResult is the outcome of one invocation: either Success is true
// and Data holds the tool's output, or Success is false and Error
// carries the classified failure.
type ToolResult struct {
	ToolName       string
	Success        bool
	Data           any
	Error          *ToolError
	LatencySeconds float64
}

// Failure builds a failed result for a tool.
func Failure(toolName string, err *ToolError, latency time.Duration) *ToolResult {
	return &ToolResult{
		ToolName:       toolName,
		Error:          err,
		LatencySeconds: latency.Seconds(),
	}
}

// ErrorKindOrEmpty returns the failure kind, or "" for successes.
func (r *ToolResult) ErrorKindOrEmpty() ErrorKind {
	if r.Error == nil {
		return ""
	}
	return r.Error.Kind
}
